package address

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/finexio/enrichment-engine/pkg/models"
)

func TestGoogleValidator_Validate_PremiseGranularityIsConfirmed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{
			"result": {
				"verdict": {"addressComplete": true, "validationGranularity": "PREMISE"},
				"address": {
					"formattedAddress": "123 Main St, Springfield, IL 62704, USA",
					"postalAddress": {
						"regionCode": "US", "postalCode": "62704",
						"administrativeArea": "IL", "locality": "Springfield",
						"addressLines": ["123 Main St"]
					}
				}
			}
		}`))
	}))
	defer srv.Close()

	g := NewGoogleValidator("test-key", srv.URL)
	result, err := g.Validate(context.Background(), models.Address{Line1: "123 Main St", City: "Springfield", State: "IL", Zip: "62704", Country: "US"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Verdict != "confirmed" {
		t.Fatalf("expected verdict=confirmed for PREMISE granularity, got %q", result.Verdict)
	}
	if result.Confidence != 0.95 {
		t.Fatalf("expected confidence 0.95, got %v", result.Confidence)
	}
	if result.Formatted != "123 Main St, Springfield, IL 62704, USA" {
		t.Fatalf("expected formatted address to pass through, got %q", result.Formatted)
	}
}

func TestGoogleValidator_Validate_RouteGranularityIsPartial(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"result": {"verdict": {"addressComplete": true, "validationGranularity": "ROUTE"}, "address": {}}}`))
	}))
	defer srv.Close()

	g := NewGoogleValidator("test-key", srv.URL)
	result, err := g.Validate(context.Background(), models.Address{Line1: "123 Main St"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Verdict != "partial" || result.Confidence != 0.70 {
		t.Fatalf("expected verdict=partial confidence=0.70 for ROUTE granularity, got %q/%v", result.Verdict, result.Confidence)
	}
}

func TestGoogleValidator_Validate_IncompleteOverridesGranularityVerdict(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"result": {"verdict": {"addressComplete": false, "validationGranularity": "PREMISE"}, "address": {}}}`))
	}))
	defer srv.Close()

	g := NewGoogleValidator("test-key", srv.URL)
	result, err := g.Validate(context.Background(), models.Address{Line1: "123 Main St"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Verdict != "incomplete" {
		t.Fatalf("expected addressComplete=false to override the granularity verdict to incomplete, got %q", result.Verdict)
	}
}

func TestGoogleValidator_Validate_NonOKStatusIsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error": "invalid request"}`))
	}))
	defer srv.Close()

	g := NewGoogleValidator("test-key", srv.URL)
	_, err := g.Validate(context.Background(), models.Address{Line1: "123 Main St"})
	if err == nil {
		t.Fatalf("expected a non-200 response to surface as an error")
	}
}

func TestGoogleValidator_Validate_UnparseableBodyIsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`not json`))
	}))
	defer srv.Close()

	g := NewGoogleValidator("test-key", srv.URL)
	_, err := g.Validate(context.Background(), models.Address{Line1: "123 Main St"})
	if err == nil {
		t.Fatalf("expected an unparseable body to surface as an error")
	}
}
