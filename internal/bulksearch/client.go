// client.go is the thin HTTP client for the external bulk-search
// service, matching spec.md §4.5.1's wire contract bit-exact. It is
// grounded on the teacher's internal/bitcoin/client.go in shape only
// (a struct wrapping a transport plus typed wrapper methods per
// endpoint) — the transport itself is a plain http.Client with
// OAuth1 signing instead of RPC basic-auth, since the external
// service is a JSON/HTTPS API, not a JSON-RPC node.
package bulksearch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// SearchItem is one query in a bulk submission, keyed by the
// client-chosen idempotent reference id.
type SearchItem struct {
	ClientReferenceID string `json:"clientReferenceId"`
	BusinessName      string `json:"businessName"`
	Address           struct {
		Line1   string `json:"line1,omitempty"`
		City    string `json:"city,omitempty"`
		State   string `json:"state,omitempty"`
		Zip     string `json:"zip,omitempty"`
		Country string `json:"country,omitempty"`
	} `json:"address,omitempty"`
}

// UpstreamState is the service's own status token, distinct from
// models.SearchState which tracks BSC's local reconciliation state.
type UpstreamState string

const (
	UpstreamPending    UpstreamState = "PENDING"
	UpstreamInProgress UpstreamState = "IN_PROGRESS"
	UpstreamCompleted  UpstreamState = "COMPLETED"
	UpstreamCancelled  UpstreamState = "CANCELLED"
	UpstreamFailed     UpstreamState = "FAILED"
)

// MatchResult is one candidate the service returned for a given
// client_reference_id.
type MatchResult struct {
	ClientReferenceID string  `json:"clientReferenceId"`
	MerchantID        string  `json:"merchantId"`
	BusinessName      string  `json:"businessName"`
	TaxID             string  `json:"taxId,omitempty"`
	MCC               string  `json:"mcc,omitempty"`
	MCCGroup          string  `json:"mccGroup,omitempty"`
	Phone             string  `json:"phone,omitempty"`
	Address           struct {
		Line1   string `json:"line1"`
		City    string `json:"city"`
		State   string `json:"state"`
		Zip     string `json:"zip"`
		Country string `json:"country"`
	} `json:"address"`
	ConfidenceBand string  `json:"confidenceBand"` // HIGH|MEDIUM|LOW
	Confidence     float64 `json:"confidence"`
}

// ResultsPage is one page of the paginated results endpoint.
type ResultsPage struct {
	Results    []MatchResult `json:"results"`
	TotalCount int           `json:"totalCount"`
}

// AuthError wraps a 401/403 response — non-retryable per §4.5.6.
type AuthError struct{ StatusCode int }

func (e *AuthError) Error() string { return fmt.Sprintf("bulksearch: auth error (%d)", e.StatusCode) }

// RateLimitedError wraps a 429 and carries the Retry-After hint.
type RateLimitedError struct{ RetryAfter time.Duration }

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("bulksearch: rate limited, retry after %v", e.RetryAfter)
}

// ServerError wraps a 5xx or network-level failure — transient per §4.5.6.
type ServerError struct {
	StatusCode int
	Err        error
}

func (e *ServerError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("bulksearch: server error (%d): %v", e.StatusCode, e.Err)
	}
	return fmt.Sprintf("bulksearch: server error (%d)", e.StatusCode)
}

// ErrResultsNotFound maps the service's RESULTS_NOT_FOUND code.
var ErrResultsNotFound = fmt.Errorf("bulksearch: RESULTS_NOT_FOUND")

// Client is the BSC's external HTTP client.
type Client struct {
	baseURL    string
	httpClient *http.Client
	signer     *Signer
}

// NewClient builds a Client for either the production or sandbox base URL.
func NewClient(baseURL string, signer *Signer) *Client {
	return &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		signer:     signer,
	}
}

// Submit posts up to 3000 SearchItems and returns the assigned search_id.
func (c *Client) Submit(ctx context.Context, items []SearchItem) (searchID string, err error) {
	body, err := json.Marshal(map[string]interface{}{"searches": items})
	if err != nil {
		return "", err
	}

	rawURL := c.baseURL + "/bulk-searches"
	resp, respBody, err := c.do(ctx, http.MethodPost, rawURL, nil, body)
	if err != nil {
		return "", err
	}
	if resp.StatusCode != http.StatusAccepted && resp.StatusCode != http.StatusOK {
		return "", classifyHTTPError(resp, respBody)
	}

	var parsed struct {
		SearchID string `json:"searchId"`
	}
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return "", fmt.Errorf("bulksearch: unparseable submit response: %w", err)
	}
	return parsed.SearchID, nil
}

// Status fetches the upstream state token for an in-flight search.
func (c *Client) Status(ctx context.Context, searchID string) (UpstreamState, error) {
	rawURL := c.baseURL + "/bulk-searches/" + url.PathEscape(searchID)
	resp, body, err := c.do(ctx, http.MethodGet, rawURL, nil, nil)
	if err != nil {
		return "", err
	}
	if resp.StatusCode != http.StatusOK {
		return "", classifyHTTPError(resp, body)
	}

	var parsed struct {
		State string `json:"state"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return "", fmt.Errorf("bulksearch: unparseable status response: %w", err)
	}
	return UpstreamState(parsed.State), nil
}

// Results fetches one page of results. The search_request_id query
// parameter MUST be present (even empty) per §4.5.1's wire contract.
func (c *Client) Results(ctx context.Context, searchID string, offset, limit int) (*ResultsPage, error) {
	rawURL := c.baseURL + "/bulk-searches/" + url.PathEscape(searchID) + "/results"
	query := url.Values{
		"search_request_id": []string{""},
		"offset":            []string{strconv.Itoa(offset)},
		"limit":             []string{strconv.Itoa(limit)},
	}
	resp, body, err := c.do(ctx, http.MethodGet, rawURL, query, nil)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		if isResultsNotFound(body) {
			return nil, ErrResultsNotFound
		}
		return nil, classifyHTTPError(resp, body)
	}

	var page ResultsPage
	if err := json.Unmarshal(body, &page); err != nil {
		return nil, fmt.Errorf("bulksearch: unparseable results response: %w", err)
	}
	return &page, nil
}

func isResultsNotFound(body []byte) bool {
	var parsed struct {
		Code string `json:"code"`
	}
	_ = json.Unmarshal(body, &parsed)
	return parsed.Code == "RESULTS_NOT_FOUND"
}

func classifyHTTPError(resp *http.Response, body []byte) error {
	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return &AuthError{StatusCode: resp.StatusCode}
	case resp.StatusCode == http.StatusTooManyRequests:
		retryAfter := 30 * time.Second
		if v := resp.Header.Get("Retry-After"); v != "" {
			if secs, err := strconv.Atoi(v); err == nil {
				retryAfter = time.Duration(secs) * time.Second
			}
		}
		return &RateLimitedError{RetryAfter: retryAfter}
	case resp.StatusCode >= 500:
		return &ServerError{StatusCode: resp.StatusCode}
	default:
		return &ServerError{StatusCode: resp.StatusCode, Err: fmt.Errorf("unexpected status: %s", string(body))}
	}
}

// do signs and executes one HTTP request, returning the raw response
// and its fully-read body.
func (c *Client) do(ctx context.Context, method, rawURL string, query url.Values, body []byte) (*http.Response, []byte, error) {
	fullURL := rawURL
	if len(query) > 0 {
		fullURL += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, method, fullURL, bytes.NewReader(body))
	if err != nil {
		return nil, nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	authHeader, err := c.signer.Authorization(method, rawURL, query, body)
	if err != nil {
		return nil, nil, fmt.Errorf("bulksearch: sign request: %w", err)
	}
	req.Header.Set("Authorization", authHeader)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, nil, &ServerError{Err: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, nil, fmt.Errorf("bulksearch: read response body: %w", err)
	}
	return resp, respBody, nil
}
