// Package reconcile is a lightweight diagnostics ledger adapted from
// the teacher's internal/shadow package. There, ShadowRunner ran a
// production and an experimental heuristic side by side and logged
// divergences between them. Here there is no experimental heuristic
// to compare against — instead the two racing writers are the webhook
// handler and the poller (spec.md §4.5.2–§4.5.3), and what's worth
// recording is which one actually won each MerchantSearch's terminal
// transition, so an operator can tell whether webhooks are doing
// their job or the system is quietly falling back to polling on every
// search.
package reconcile

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Winner identifies which writer completed a MerchantSearch.
type Winner string

const (
	WinnerWebhook Winner = "webhook"
	WinnerPoller  Winner = "poller"
)

// Ledger records race outcomes to the race_ledger table for later
// analysis — it never feeds back into reconciliation decisions, only
// observability.
type Ledger struct {
	pool *pgxpool.Pool
}

// New builds a Ledger.
func New(pool *pgxpool.Pool) *Ledger {
	return &Ledger{pool: pool}
}

// Record logs which writer first claimed a MerchantSearch: the webhook
// by moving it to webhook_received, or the poller by moving it to
// fetching_results. Only the first record per search is kept.
func (l *Ledger) Record(ctx context.Context, searchID string, winner Winner, pollAttempts int) error {
	if l.pool == nil {
		return nil
	}
	_, err := l.pool.Exec(ctx, `
		INSERT INTO race_ledger (search_id, winner, poll_attempts, recorded_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (search_id) DO NOTHING`,
		searchID, winner, pollAttempts, time.Now())
	return err
}

// Report summarizes the webhook/poller split over the ledger, the
// diagnostic spec.md's "reconciliation race diagnostics" supplement
// calls for: if webhooks rarely win, the registered callback URL or
// the provider's delivery path is probably broken even though polling
// masks the symptom.
type Report struct {
	TotalSearches int
	WebhookWins   int
	PollerWins    int
}

// GenerateReport computes the webhook/poller win split over every
// recorded search.
func (l *Ledger) GenerateReport(ctx context.Context) (Report, error) {
	var r Report
	err := l.pool.QueryRow(ctx, `
		SELECT COUNT(*),
			COUNT(*) FILTER (WHERE winner = 'webhook'),
			COUNT(*) FILTER (WHERE winner = 'poller')
		FROM race_ledger`).Scan(&r.TotalSearches, &r.WebhookWins, &r.PollerWins)
	return r, err
}
