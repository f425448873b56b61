// Package classifier is the Classifier Gateway (CG): the single
// component that talks to the Anthropic API, used for three distinct
// jobs — payee-type classification, supplier-match adjudication in
// the [0.90, 0.95) confidence band FM hands it, and address-repair
// suggestions AV hands it. One client, one retry policy, one rate
// limiter, three prompt builders.
//
// Retries follow the exponential-backoff-with-jitter shape the
// teacher's Bitcoin RPC layer doesn't need (it fails fast on a local
// node) but the rest of the retrieved corpus uses for flaky external
// HTTP dependencies: base 500ms, factor 2, capped at 5 attempts, full
// jitter to avoid synchronized retry storms across concurrent workers.
package classifier

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/finexio/enrichment-engine/internal/apperr"
	"github.com/finexio/enrichment-engine/internal/logging"
	"github.com/finexio/enrichment-engine/internal/ratelimit"
	"github.com/finexio/enrichment-engine/pkg/models"
)

const (
	retryBase    = 500 * time.Millisecond
	retryFactor  = 2
	maxAttempts  = 5
	defaultModel = anthropic.ModelClaudeSonnet4_5
)

// Gateway is the CG.
type Gateway struct {
	client   anthropic.Client
	provider *ratelimit.Provider
	log      *logging.Logger
}

// New builds a Gateway bound to one rate-limited Provider slot.
func New(apiKey string, provider *ratelimit.Provider, log *logging.Logger) *Gateway {
	return &Gateway{
		client:   anthropic.NewClient(option.WithAPIKey(apiKey)),
		provider: provider,
		log:      log.With("classifier"),
	}
}

// ClassifyResult is CG's payee-type classification output.
type ClassifyResult struct {
	PayeeType    models.PayeeType `json:"payeeType"`
	Confidence   float64          `json:"confidence"`
	SICCode      string           `json:"sicCode,omitempty"`
	Reasoning    string           `json:"reasoning"`
	ReviewNeeded bool             `json:"reviewNeeded"`
}

// Classify labels a cleaned payee name with its payee type.
func (g *Gateway) Classify(ctx context.Context, cleanedName string, inputAddr models.Address) (*ClassifyResult, error) {
	prompt := fmt.Sprintf(`Classify the payee below into exactly one category:
Individual, Business, Government, Insurance, Banking, InternalTransfer, or Unknown.

Payee name: %q
Address: %s, %s, %s %s

Respond with strict JSON only: {"payeeType": "...", "confidence": 0.0-1.0, "sicCode": "...", "reasoning": "..."}`,
		cleanedName, inputAddr.Line1, inputAddr.City, inputAddr.State, inputAddr.Zip)

	raw, err := g.call(ctx, prompt)
	if err != nil {
		return nil, err
	}

	var parsed struct {
		PayeeType  string  `json:"payeeType"`
		Confidence float64 `json:"confidence"`
		SICCode    string  `json:"sicCode"`
		Reasoning  string  `json:"reasoning"`
	}
	if err := json.Unmarshal([]byte(extractJSON(raw)), &parsed); err != nil {
		return nil, apperr.Permanent("classifier.classify", fmt.Errorf("unparseable model response: %w", err))
	}

	result := &ClassifyResult{
		PayeeType:  models.PayeeType(parsed.PayeeType),
		Confidence: parsed.Confidence,
		SICCode:    parsed.SICCode,
		Reasoning:  parsed.Reasoning,
	}
	if result.Confidence < 0.80 {
		result.ReviewNeeded = true
	}
	return result, nil
}

// AdjudicateResult is CG's verdict when FM hands it an ambiguous supplier match.
type AdjudicateResult struct {
	Confirmed bool    `json:"confirmed"`
	Score     float64 `json:"score"`
	Reasoning string  `json:"reasoning"`
}

// Adjudicate decides whether candidateName is the same entity as
// inputName, for the FM confidence band [0.90, 0.95) that is too
// close to call with string distance alone.
func (g *Gateway) Adjudicate(ctx context.Context, inputName, candidateName string) (*AdjudicateResult, error) {
	prompt := fmt.Sprintf(`Are these the same payee entity, accounting for DBAs, legal-entity
suffixes, and common abbreviations?

A: %q
B: %q

Respond with strict JSON only: {"confirmed": true|false, "score": 0.0-1.0, "reasoning": "..."}`,
		inputName, candidateName)

	raw, err := g.call(ctx, prompt)
	if err != nil {
		return nil, err
	}
	var result AdjudicateResult
	if err := json.Unmarshal([]byte(extractJSON(raw)), &result); err != nil {
		return nil, apperr.Permanent("classifier.adjudicate", fmt.Errorf("unparseable model response: %w", err))
	}
	return &result, nil
}

// RepairResult is CG's address-correction suggestion for AV.
type RepairResult struct {
	Corrected   models.Address `json:"corrected"`
	Corrections []string       `json:"corrections"`
	Reasoning   string         `json:"reasoning"`
}

// RepairAddress proposes a corrected address when AV's vendor lookup
// returned a low-confidence or failed verdict.
func (g *Gateway) RepairAddress(ctx context.Context, addr models.Address) (*RepairResult, error) {
	prompt := fmt.Sprintf(`This postal address failed automated validation. Propose the most
likely correction, or return it unchanged if no better guess exists.

Line1: %s
City: %s
State: %s
Zip: %s
Country: %s

Respond with strict JSON only:
{"corrected": {"line1":"","city":"","state":"","zip":"","country":""}, "corrections": ["..."], "reasoning": "..."}`,
		addr.Line1, addr.City, addr.State, addr.Zip, addr.Country)

	raw, err := g.call(ctx, prompt)
	if err != nil {
		return nil, err
	}
	var result RepairResult
	if err := json.Unmarshal([]byte(extractJSON(raw)), &result); err != nil {
		return nil, apperr.Permanent("classifier.repair", fmt.Errorf("unparseable model response: %w", err))
	}
	return &result, nil
}

// call sends one prompt through the rate-limited Provider with
// exponential backoff + full jitter retries on transient failures.
func (g *Gateway) call(ctx context.Context, prompt string) (string, error) {
	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			backoff := retryBase * time.Duration(1<<uint(attempt-1)*retryFactor/retryFactor)
			jittered := time.Duration(rand.Int63n(int64(backoff)))
			g.log.Warnf("retrying after %v (attempt %d/%d): %v", jittered, attempt+1, maxAttempts, lastErr)
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(jittered):
			}
		}

		var text string
		err := g.provider.Do(ctx, func(ctx context.Context) error {
			msg, err := g.client.Messages.New(ctx, anthropic.MessageNewParams{
				Model:     defaultModel,
				MaxTokens: 1024,
				Messages: []anthropic.MessageParam{
					anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
				},
			})
			if err != nil {
				return err
			}
			for _, block := range msg.Content {
				if block.Type == "text" {
					text += block.Text
				}
			}
			return nil
		})
		if err == nil {
			return text, nil
		}
		lastErr = err
		if ratelimit.IsCircuitOpen(err) {
			return "", apperr.Unavailable("classifier", err)
		}
	}
	return "", apperr.Transient("classifier", fmt.Errorf("exhausted %d attempts: %w", maxAttempts, lastErr))
}

// extractJSON trims prose the model sometimes wraps around a JSON
// object despite being asked for strict JSON.
func extractJSON(s string) string {
	start := strings.IndexByte(s, '{')
	end := strings.LastIndexByte(s, '}')
	if start == -1 || end == -1 || end < start {
		return s
	}
	return s[start : end+1]
}
