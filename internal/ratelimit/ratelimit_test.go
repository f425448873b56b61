package ratelimit

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/finexio/enrichment-engine/pkg/models"
)

func TestIPLimiter_AllowsBurstThenThrottles(t *testing.T) {
	l := NewIPLimiter(60, 3) // 1/sec, burst 3

	for i := 0; i < 3; i++ {
		allowed, _ := l.allow("1.2.3.4")
		if !allowed {
			t.Fatalf("request %d within burst should be allowed", i)
		}
	}
	allowed, retryAfter := l.allow("1.2.3.4")
	if allowed {
		t.Fatalf("4th request should exceed burst of 3")
	}
	if retryAfter <= 0 {
		t.Fatalf("expected a positive retry-after, got %v", retryAfter)
	}
}

func TestIPLimiter_TracksIPsIndependently(t *testing.T) {
	l := NewIPLimiter(60, 1)
	a, _ := l.allow("10.0.0.1")
	b, _ := l.allow("10.0.0.2")
	if !a || !b {
		t.Fatalf("distinct IPs should each get their own bucket")
	}
}

func TestProvider_Do_PropagatesFunctionError(t *testing.T) {
	p := NewProvider(models.RateLimiterConfig{Provider: "test", TokensPerSec: 1000, Burst: 10, InflightCap: 5})
	want := errors.New("boom")
	err := p.Do(context.Background(), func(ctx context.Context) error { return want })
	if !errors.Is(err, want) {
		t.Fatalf("expected Do to propagate the function's error, got %v", err)
	}
}

func TestProvider_BreakerOpensAfterRepeatedFailures(t *testing.T) {
	p := NewProvider(models.RateLimiterConfig{Provider: "test", TokensPerSec: 1000, Burst: 10, InflightCap: 5})
	failing := errors.New("upstream down")

	for i := 0; i < 5; i++ {
		_ = p.Do(context.Background(), func(ctx context.Context) error { return failing })
	}

	err := p.Do(context.Background(), func(ctx context.Context) error { return nil })
	if !IsCircuitOpen(err) {
		t.Fatalf("expected breaker to be open after 5 consecutive failures, got %v", err)
	}
}

func TestProvider_BreakerClosesOnSuccess(t *testing.T) {
	p := NewProvider(models.RateLimiterConfig{Provider: "test", TokensPerSec: 1000, Burst: 10, InflightCap: 5})
	_ = p.Do(context.Background(), func(ctx context.Context) error { return errors.New("one failure") })
	_ = p.Do(context.Background(), func(ctx context.Context) error { return nil })

	called := false
	err := p.Do(context.Background(), func(ctx context.Context) error { called = true; return nil })
	if err != nil || !called {
		t.Fatalf("breaker should stay closed after a single failure followed by success")
	}
}

func TestPool_RegisterAndGet(t *testing.T) {
	pool := NewPool()
	pool.Register(models.RateLimiterConfig{Provider: "classifier", TokensPerSec: 10, Burst: 5, InflightCap: 10})

	if got := pool.Get("classifier"); got == nil {
		t.Fatalf("expected registered provider to be retrievable")
	}
	if got := pool.Get("missing"); got != nil {
		t.Fatalf("expected nil for an unregistered provider")
	}
}

func TestProvider_Do_RespectsContextCancellation(t *testing.T) {
	p := NewProvider(models.RateLimiterConfig{Provider: "test", TokensPerSec: 0.001, Burst: 1, InflightCap: 1})
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	// drain the single burst token so the next Wait call actually blocks
	_ = p.Do(context.Background(), func(ctx context.Context) error { return nil })

	err := p.Do(ctx, func(ctx context.Context) error { return nil })
	if err == nil {
		t.Fatalf("expected context deadline to abort the rate-limit wait")
	}
}
