package bulksearch

import (
	"context"
	"errors"
	"testing"

	"github.com/finexio/enrichment-engine/internal/ratelimit"
	"github.com/finexio/enrichment-engine/pkg/models"
)

func TestCall_NilProviderCallsDirectly(t *testing.T) {
	co := &Coordinator{}
	called := false
	err := co.call(context.Background(), func(ctx context.Context) error {
		called = true
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !called {
		t.Fatalf("expected call with a nil provider to invoke fn directly")
	}
}

func TestCall_NilProviderPropagatesError(t *testing.T) {
	co := &Coordinator{}
	wantErr := errors.New("boom")
	err := co.call(context.Background(), func(ctx context.Context) error {
		return wantErr
	})
	if !errors.Is(err, wantErr) {
		t.Fatalf("expected the underlying error to propagate, got %v", err)
	}
}

func TestCall_WithProviderGatesThroughIt(t *testing.T) {
	provider := ratelimit.NewProvider(models.RateLimiterConfig{Provider: "test", TokensPerSec: 1000, Burst: 10, InflightCap: 5})
	co := &Coordinator{provider: provider}
	called := false
	err := co.call(context.Background(), func(ctx context.Context) error {
		called = true
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !called {
		t.Fatalf("expected call with a provider configured to still invoke fn")
	}
}
