package address

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/finexio/enrichment-engine/internal/logging"
	"github.com/finexio/enrichment-engine/internal/ratelimit"
	"github.com/finexio/enrichment-engine/pkg/models"
)

type fakeVendor struct {
	result VendorResult
	err    error
	delay  time.Duration
}

func (f *fakeVendor) Validate(ctx context.Context, addr models.Address) (VendorResult, error) {
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return VendorResult{}, ctx.Err()
		}
	}
	return f.result, f.err
}

func newTestProvider() *ratelimit.Provider {
	return ratelimit.NewProvider(models.RateLimiterConfig{Provider: "test", TokensPerSec: 1000, Burst: 10, InflightCap: 5})
}

func TestValidate_ReturnsVendorResultOnSuccess(t *testing.T) {
	vendor := &fakeVendor{result: VendorResult{Formatted: "123 Main St", Confidence: 0.95, Verdict: "valid"}}
	av := New(vendor, newTestProvider(), nil, time.Second, logging.New())

	result := av.Validate(context.Background(), models.Address{Line1: "123 main"}, false)
	if result.Status == "skipped" {
		t.Fatalf("expected a successful vendor call to not be skipped")
	}
	if result.Formatted != "123 Main St" {
		t.Fatalf("expected formatted address to pass through, got %q", result.Formatted)
	}
}

func TestValidate_FailsOpenOnVendorError(t *testing.T) {
	vendor := &fakeVendor{err: errors.New("vendor unavailable")}
	av := New(vendor, newTestProvider(), nil, time.Second, logging.New())

	result := av.Validate(context.Background(), models.Address{Line1: "123 main"}, false)
	if result.Status != "skipped" {
		t.Fatalf("expected vendor error to fail open to status=skipped, got %q", result.Status)
	}
}

func TestValidate_FailsOpenOnSoftDeadlineExceeded(t *testing.T) {
	vendor := &fakeVendor{delay: 50 * time.Millisecond, result: VendorResult{Confidence: 0.99}}
	av := New(vendor, newTestProvider(), nil, 5*time.Millisecond, logging.New())

	result := av.Validate(context.Background(), models.Address{Line1: "123 main"}, false)
	if result.Status != "skipped" {
		t.Fatalf("expected a slow vendor call past the soft deadline to be skipped")
	}
}

func TestValidate_NoRepairWhenCGNil(t *testing.T) {
	vendor := &fakeVendor{result: VendorResult{Confidence: 0.1}}
	av := New(vendor, newTestProvider(), nil, time.Second, logging.New())

	result := av.Validate(context.Background(), models.Address{Line1: "123 main"}, true)
	if result.Enhancement != nil {
		t.Fatalf("expected no repair enhancement when no Classifier Gateway is configured")
	}
}
