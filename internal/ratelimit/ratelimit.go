// Package ratelimit is the Rate Limiter & Work Pool (RL): a per-provider
// token bucket plus a bounded worker pool, and the inbound per-IP
// abuse limiter that protects the API itself.
//
// The inbound limiter keeps the teacher's hand-rolled internal/api
// ipBucket shape (stdlib only — it only ever needs to answer "allow
// this IP or not", a single-dimension check that doesn't benefit from
// a library). The outbound side talks to paid third-party providers
// (the classifier, the address validator, the bulk-search service)
// where exceeding the provider's own limit is a correctness bug, not
// just an abuse vector, so it is built on golang.org/x/time/rate
// (accurate token-bucket math, no per-tick drift) and
// golang.org/x/sync/semaphore (bounded concurrent in-flight calls,
// matching spec.md §4.7's per-provider concurrency caps).
package ratelimit

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/finexio/enrichment-engine/pkg/models"
)

// ── Inbound per-IP limiter (adapted from the teacher's internal/api/ratelimit.go) ──

const cleanupIdleDuration = 10 * time.Minute

type ipBucket struct {
	tokens   float64
	lastSeen time.Time
	mu       sync.Mutex
}

// IPLimiter enforces a per-IP request budget at the HTTP edge.
type IPLimiter struct {
	rate    float64
	burst   float64
	mu      sync.Mutex
	buckets map[string]*ipBucket
}

// NewIPLimiter allows ratePerMin requests per minute per client IP,
// with a burst capacity of burst requests.
func NewIPLimiter(ratePerMin, burst int) *IPLimiter {
	l := &IPLimiter{
		rate:    float64(ratePerMin) / 60.0,
		burst:   float64(burst),
		buckets: make(map[string]*ipBucket),
	}
	go l.cleanupLoop()
	return l
}

func (l *IPLimiter) allow(ip string) (bool, time.Duration) {
	l.mu.Lock()
	bucket, ok := l.buckets[ip]
	if !ok {
		bucket = &ipBucket{tokens: l.burst}
		l.buckets[ip] = bucket
	}
	l.mu.Unlock()

	bucket.mu.Lock()
	defer bucket.mu.Unlock()

	now := time.Now()
	elapsed := now.Sub(bucket.lastSeen).Seconds()
	bucket.tokens += elapsed * l.rate
	if bucket.tokens > l.burst {
		bucket.tokens = l.burst
	}
	bucket.lastSeen = now

	if bucket.tokens >= 1.0 {
		bucket.tokens--
		return true, 0
	}
	retryAfter := time.Duration((1.0-bucket.tokens)/l.rate*1000) * time.Millisecond
	return false, retryAfter
}

// Middleware returns a Gin handler enforcing the limit.
func (l *IPLimiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		allowed, retryAfter := l.allow(c.ClientIP())
		if !allowed {
			c.Header("Retry-After", retryAfter.String())
			c.JSON(http.StatusTooManyRequests, gin.H{
				"error":      "rate limit exceeded",
				"retryAfter": retryAfter.String(),
			})
			c.Abort()
			return
		}
		c.Next()
	}
}

func (l *IPLimiter) cleanupLoop() {
	ticker := time.NewTicker(cleanupIdleDuration)
	defer ticker.Stop()
	for range ticker.C {
		cutoff := time.Now().Add(-cleanupIdleDuration)
		l.mu.Lock()
		for ip, b := range l.buckets {
			b.mu.Lock()
			idle := b.lastSeen.Before(cutoff)
			b.mu.Unlock()
			if idle {
				delete(l.buckets, ip)
			}
		}
		l.mu.Unlock()
	}
}

// ── Outbound per-provider limiter + bounded work pool ──────────────

// breakerState is a minimal three-state circuit breaker: closed calls
// flow normally, open calls fail fast, half-open lets one probe call
// through to decide whether to close again.
type breakerState int

const (
	breakerClosed breakerState = iota
	breakerOpen
	breakerHalfOpen
)

// Provider bundles one external dependency's rate limit, concurrency
// cap, and circuit breaker, matching the RateLimiterConfig shape of
// models.RateLimiterConfig.
type Provider struct {
	name     string
	limiter  *rate.Limiter
	sem      *semaphore.Weighted

	mu           sync.Mutex
	state        breakerState
	failures     int
	openedAt     time.Time
	failThresh   int
	cooldown     time.Duration
}

// NewProvider builds a Provider from a models.RateLimiterConfig.
func NewProvider(cfg models.RateLimiterConfig) *Provider {
	return &Provider{
		name:       cfg.Provider,
		limiter:    rate.NewLimiter(rate.Limit(cfg.TokensPerSec), cfg.Burst),
		sem:        semaphore.NewWeighted(int64(cfg.InflightCap)),
		failThresh: 5,
		cooldown:   30 * time.Second,
	}
}

// circuitOpenErr is returned by Do when the provider's breaker is open;
// IsCircuitOpen detects it.
type circuitOpenErr struct{ provider string }

func (e *circuitOpenErr) Error() string { return "ratelimit: " + e.provider + " circuit open" }

// IsCircuitOpen reports whether err was produced by an open breaker.
func IsCircuitOpen(err error) bool {
	_, ok := err.(*circuitOpenErr)
	return ok
}

// Do waits for a rate-limit token and a free concurrency slot, then
// calls fn, recording the outcome against the circuit breaker. It
// blocks until ctx is done, a token is available, and a slot opens.
func (p *Provider) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	if !p.breakerAllows() {
		return &circuitOpenErr{provider: p.name}
	}

	if err := p.limiter.Wait(ctx); err != nil {
		return err
	}
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer p.sem.Release(1)

	err := fn(ctx)
	p.recordOutcome(err)
	return err
}

func (p *Provider) breakerAllows() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	switch p.state {
	case breakerOpen:
		if time.Since(p.openedAt) >= p.cooldown {
			p.state = breakerHalfOpen
			return true
		}
		return false
	default:
		return true
	}
}

func (p *Provider) recordOutcome(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err == nil {
		p.failures = 0
		p.state = breakerClosed
		return
	}
	p.failures++
	if p.state == breakerHalfOpen || p.failures >= p.failThresh {
		p.state = breakerOpen
		p.openedAt = time.Now()
	}
}

// State reports the breaker's current state as a readiness-probe label.
func (p *Provider) State() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	switch p.state {
	case breakerOpen:
		return "open"
	case breakerHalfOpen:
		return "half_open"
	default:
		return "closed"
	}
}

// Pool is a set of named Providers, one per external dependency
// (classifier, finexio supplier network, address validator, bulk
// search), mirroring the teacher's single RateLimiter generalized to
// several independent consumers.
type Pool struct {
	mu        sync.RWMutex
	providers map[string]*Provider
}

// NewPool builds an empty provider pool.
func NewPool() *Pool {
	return &Pool{providers: make(map[string]*Provider)}
}

// Register adds or replaces a Provider by name.
func (p *Pool) Register(cfg models.RateLimiterConfig) *Provider {
	prov := NewProvider(cfg)
	p.mu.Lock()
	p.providers[cfg.Provider] = prov
	p.mu.Unlock()
	return prov
}

// Get returns the named Provider, or nil if it was never registered.
func (p *Pool) Get(name string) *Provider {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.providers[name]
}

// Names returns every registered provider name, for the readiness
// probe to report each one's circuit state.
func (p *Pool) Names() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	names := make([]string, 0, len(p.providers))
	for name := range p.providers {
		names = append(names, name)
	}
	return names
}
