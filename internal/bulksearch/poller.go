// poller.go adapts the teacher's internal/mempool/poller.go ticking
// loop: there it swept the node's mempool every 3 seconds for unseen
// transactions; here it sweeps BJS for open MerchantSearches and
// advances each one's state machine on an exponential per-search
// schedule (base 30s, max 120s, §4.5.2) instead of the teacher's flat
// tick, since a fresh submission should be checked far sooner than
// one already minutes old.
package bulksearch

import (
	"context"
	"time"

	"github.com/finexio/enrichment-engine/internal/db"
	"github.com/finexio/enrichment-engine/internal/logging"
	"github.com/finexio/enrichment-engine/pkg/models"
)

// Poller periodically advances every open MerchantSearch.
type Poller struct {
	coord   *Coordinator
	store   *db.Store
	log     *logging.Logger
	initial time.Duration
	max     time.Duration
}

// NewPoller builds a Poller with the given exponential schedule bounds.
func NewPoller(coord *Coordinator, store *db.Store, initial, max time.Duration, log *logging.Logger) *Poller {
	return &Poller{coord: coord, store: store, log: log.With("bulksearch.poller"), initial: initial, max: max}
}

// nextDelay returns the exponential backoff delay for the given
// attempt count, capped at p.max.
func (p *Poller) nextDelay(attempts int) time.Duration {
	delay := p.initial
	for i := 0; i < attempts; i++ {
		delay *= 2
		if delay >= p.max {
			return p.max
		}
	}
	return delay
}

// Run sweeps open searches every tick, polling each one whose own
// exponential schedule says it is due.
func (p *Poller) Run(ctx context.Context) {
	p.log.Printf("starting bulk-search poller")
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			p.log.Printf("stopping bulk-search poller")
			return
		case <-ticker.C:
			p.sweep(ctx)
		}
	}
}

func (p *Poller) sweep(ctx context.Context) {
	open, err := p.store.OpenSearches(ctx)
	if err != nil {
		p.log.Errorf("failed to list open searches: %v", err)
		return
	}

	for i := range open {
		ms := &open[i]
		if ms.State == models.SearchWebhookReceived || ms.State == models.SearchFetchingResults {
			// a webhook already claimed this search or a prior tick is
			// mid-reconciliation; don't race it with a redundant poll.
			continue
		}

		due := ms.SubmittedAt.Add(p.initial)
		if ms.LastPolledAt != nil {
			due = ms.LastPolledAt.Add(p.nextDelay(ms.PollAttempts))
		}
		if time.Now().Before(due) {
			continue
		}

		if err := p.coord.PollOnce(ctx, ms); err != nil {
			p.log.Errorf("poll failed for search %s: %v", ms.SearchID, err)
		}
	}
}
