// Package address is the Address Validator (AV): a thin vendor
// wrapper contract plus an optional Classifier Gateway "repair" pass
// for addresses the vendor returns with confidence below 0.60. The vendor call is
// bounded by a soft deadline (spec.md: 5s) after which AV gives up and
// marks the Record's address stage "skipped" rather than blocking the
// whole pipeline on one slow external call — the same fail-open shape
// the teacher applies to EstimateSmartFee's CONSERVATIVE → ECONOMICAL
// → mempool-floor fallback chain in internal/bitcoin/client.go, here
// collapsed to a single fallback step since there is only one vendor.
package address

import (
	"context"
	"time"

	"github.com/finexio/enrichment-engine/internal/classifier"
	"github.com/finexio/enrichment-engine/internal/logging"
	"github.com/finexio/enrichment-engine/internal/ratelimit"
	"github.com/finexio/enrichment-engine/pkg/models"
)

// Validator is the vendor contract AV wraps. A production binary
// plugs in the Google Address Validation client; tests plug in a fake.
type Validator interface {
	Validate(ctx context.Context, addr models.Address) (VendorResult, error)
}

// VendorResult is the normalized shape AV expects back from any vendor.
type VendorResult struct {
	Formatted  string
	Components models.Address
	Confidence float64
	Verdict    string
}

// AV is the Address Validator component.
type AV struct {
	vendor       Validator
	provider     *ratelimit.Provider
	cg           *classifier.Gateway
	softDeadline time.Duration
	log          *logging.Logger
}

// New builds an AV bound to one vendor, one rate-limited Provider
// slot, and an optional Classifier Gateway for low-confidence repair.
func New(vendor Validator, provider *ratelimit.Provider, cg *classifier.Gateway, softDeadline time.Duration, log *logging.Logger) *AV {
	return &AV{
		vendor:       vendor,
		provider:     provider,
		cg:           cg,
		softDeadline: softDeadline,
		log:          log.With("address"),
	}
}

// Validate runs the vendor check within the soft deadline. If the
// vendor call does not return in time, or errors, the result is
// status="skipped" rather than an error — address validation is a
// best-effort enrichment, never a pipeline blocker.
func (av *AV) Validate(ctx context.Context, addr models.Address, enableRepair bool) *models.AddressValidation {
	deadlineCtx, cancel := context.WithTimeout(ctx, av.softDeadline)
	defer cancel()

	var vendorRes VendorResult
	err := av.provider.Do(deadlineCtx, func(ctx context.Context) error {
		res, err := av.vendor.Validate(ctx, addr)
		vendorRes = res
		return err
	})
	if err != nil {
		av.log.Warnf("vendor validation skipped: %v", err)
		return &models.AddressValidation{
			Components: addr,
			Status:     "skipped",
		}
	}

	result := &models.AddressValidation{
		Formatted:  vendorRes.Formatted,
		Components: vendorRes.Components,
		Confidence: vendorRes.Confidence,
		Verdict:    vendorRes.Verdict,
	}

	if enableRepair && av.cg != nil && vendorRes.Confidence < 0.60 {
		repair, err := av.cg.RepairAddress(ctx, addr)
		if err != nil {
			av.log.Warnf("AI address repair failed: %v", err)
			return result
		}
		result.Enhancement = &models.AddressEnhancement{
			Used:        true,
			Strategy:    "ai_repair",
			Reasoning:   repair.Reasoning,
			Corrections: repair.Corrections,
		}
		result.Components = repair.Corrected
	}

	return result
}
