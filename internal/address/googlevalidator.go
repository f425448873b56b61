package address

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/finexio/enrichment-engine/pkg/models"
)

// GoogleValidator calls the Google Address Validation API's
// v1:validateAddress endpoint, matching AV's Validator
// contract. Constructed the same way bulksearch.Client wraps its
// vendor — one http.Client, one base URL, one typed request/response
// pair — since this vendor's auth is a flat API key query parameter
// rather than bulksearch's OAuth1 signing.
type GoogleValidator struct {
	apiKey     string
	httpClient *http.Client
	baseURL    string
}

// NewGoogleValidator builds a GoogleValidator. baseURL defaults to
// Google's production endpoint when empty, letting tests point at a
// local fake server instead.
func NewGoogleValidator(apiKey, baseURL string) *GoogleValidator {
	if baseURL == "" {
		baseURL = "https://addressvalidation.googleapis.com/v1:validateAddress"
	}
	return &GoogleValidator{
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		baseURL:    baseURL,
	}
}

type googleValidateRequest struct {
	Address struct {
		RegionCode         string   `json:"regionCode,omitempty"`
		AddressLines       []string `json:"addressLines,omitempty"`
		Locality           string   `json:"locality,omitempty"`
		AdministrativeArea string   `json:"administrativeArea,omitempty"`
		PostalCode         string   `json:"postalCode,omitempty"`
	} `json:"address"`
}

type googleValidateResponse struct {
	Result struct {
		Verdict struct {
			AddressComplete bool   `json:"addressComplete"`
			ValidationGranularity string `json:"validationGranularity"`
		} `json:"verdict"`
		Address struct {
			FormattedAddress string `json:"formattedAddress"`
			PostalAddress    struct {
				RegionCode         string   `json:"regionCode"`
				PostalCode         string   `json:"postalCode"`
				AdministrativeArea string   `json:"administrativeArea"`
				Locality           string   `json:"locality"`
				AddressLines       []string `json:"addressLines"`
			} `json:"postalAddress"`
		} `json:"address"`
	} `json:"result"`
}

// Validate satisfies address.Validator.
func (g *GoogleValidator) Validate(ctx context.Context, addr models.Address) (VendorResult, error) {
	var req googleValidateRequest
	if addr.Line1 != "" {
		req.Address.AddressLines = []string{addr.Line1}
	}
	req.Address.Locality = addr.City
	req.Address.AdministrativeArea = addr.State
	req.Address.PostalCode = addr.Zip
	req.Address.RegionCode = addr.Country

	body, err := json.Marshal(req)
	if err != nil {
		return VendorResult{}, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, g.baseURL+"?key="+g.apiKey, bytes.NewReader(body))
	if err != nil {
		return VendorResult{}, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := g.httpClient.Do(httpReq)
	if err != nil {
		return VendorResult{}, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return VendorResult{}, err
	}
	if resp.StatusCode != http.StatusOK {
		return VendorResult{}, fmt.Errorf("address: google validation returned %d: %s", resp.StatusCode, string(respBody))
	}

	var parsed googleValidateResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return VendorResult{}, fmt.Errorf("address: unparseable google response: %w", err)
	}

	confidence := 0.4
	verdict := "uncertain"
	switch parsed.Result.Verdict.ValidationGranularity {
	case "PREMISE", "SUB_PREMISE":
		confidence, verdict = 0.95, "confirmed"
	case "ROUTE":
		confidence, verdict = 0.70, "partial"
	}
	if !parsed.Result.Verdict.AddressComplete {
		verdict = "incomplete"
	}

	line1 := ""
	if len(parsed.Result.Address.PostalAddress.AddressLines) > 0 {
		line1 = parsed.Result.Address.PostalAddress.AddressLines[0]
	}

	return VendorResult{
		Formatted:  parsed.Result.Address.FormattedAddress,
		Confidence: confidence,
		Verdict:    verdict,
		Components: models.Address{
			Line1:   line1,
			City:    parsed.Result.Address.PostalAddress.Locality,
			State:   parsed.Result.Address.PostalAddress.AdministrativeArea,
			Zip:     parsed.Result.Address.PostalAddress.PostalCode,
			Country: parsed.Result.Address.PostalAddress.RegionCode,
		},
	}, nil
}
