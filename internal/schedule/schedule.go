// Package schedule runs the handful of jobs that don't belong inside
// any single request or record's lifecycle: a nightly check that the
// Supplier Cache mirror is still being refreshed, and a coarser-grained
// safety-net sweep over MerchantSearches that BSC's own poller ticker
// might have missed (process restart, a ticker that silently died).
// Grounded on the teacher's worker/main.go cron wiring (retrospend's
// exchange-rate sync and recurring-expense jobs), adapted from a
// standalone worker binary into a package cmd/engine wires alongside
// the HTTP server.
package schedule

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/finexio/enrichment-engine/internal/bulksearch"
	"github.com/finexio/enrichment-engine/internal/db"
	"github.com/finexio/enrichment-engine/internal/logging"
	"github.com/finexio/enrichment-engine/internal/suppliercache"
)

// staleAfter is how long the supplier mirror can go without a fresh
// upsert before the nightly check logs a warning.
const staleAfter = 48 * time.Hour

// Scheduler wraps a robfig/cron/v3 instance with the jobs this service
// needs, matching the teacher's cron.New + AddFunc shape.
type Scheduler struct {
	cron *cron.Cron
	log  *logging.Logger
}

// Deps bundles the collaborators the scheduled jobs call into.
type Deps struct {
	Store         *db.Store
	SupplierCache *suppliercache.Cache
	BulkSearch    *bulksearch.Coordinator
}

// New builds a Scheduler and registers its jobs. It does not start
// running them; call Start.
func New(deps Deps, log *logging.Logger) (*Scheduler, error) {
	log = log.With("schedule")
	c := cron.New(cron.WithLogger(cron.VerbosePrintfLogger(stdLogAdapter{log})))

	s := &Scheduler{cron: c, log: log}

	if _, err := c.AddFunc("17 3 * * *", func() {
		s.checkSupplierCacheStaleness(deps)
	}); err != nil {
		return nil, err
	}

	if _, err := c.AddFunc("*/20 * * * *", func() {
		s.sweepOrphanedSearches(deps)
	}); err != nil {
		return nil, err
	}

	return s, nil
}

// Start begins running scheduled jobs in the background.
func (s *Scheduler) Start() { s.cron.Start() }

// Stop waits for in-flight jobs to finish, then stops the scheduler.
func (s *Scheduler) Stop() { <-s.cron.Stop().Done() }

func (s *Scheduler) checkSupplierCacheStaleness(deps Deps) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	st, err := deps.SupplierCache.CheckStaleness(ctx)
	if err != nil {
		s.log.Errorf("supplier cache staleness check failed: %v", err)
		return
	}
	if !st.HasRows {
		s.log.Warnf("supplier cache mirror is empty")
		return
	}
	if st.MaxAge > staleAfter {
		s.log.Warnf("supplier cache mirror stale: newest row is %s old, %d rows total", st.MaxAge, st.RowCount)
		return
	}
	s.log.Printf("supplier cache mirror healthy: %d rows, newest %s old", st.RowCount, st.MaxAge)
}

// sweepOrphanedSearches gives every open MerchantSearch one PollOnce
// pass, independent of whichever ticker cmd/engine's own Poller.Run is
// on. It exists as a belt-and-suspenders net: if the primary poller
// goroutine has died or a search's own backoff timer drifted far
// enough out, this catches it within its own 20-minute cadence instead
// of leaving the search open indefinitely.
func (s *Scheduler) sweepOrphanedSearches(deps Deps) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	open, err := deps.Store.OpenSearches(ctx)
	if err != nil {
		s.log.Errorf("listing open searches: %v", err)
		return
	}
	var polled, failed int
	for i := range open {
		if err := deps.BulkSearch.PollOnce(ctx, &open[i]); err != nil {
			failed++
			continue
		}
		polled++
	}
	if failed > 0 {
		s.log.Warnf("orphan sweep: polled %d, %d failed", polled, failed)
	} else if polled > 0 {
		s.log.Printf("orphan sweep: polled %d open searches", polled)
	}
}

// stdLogAdapter lets cron's VerbosePrintfLogger drive this service's
// own Logger instead of the stdlib log package.
type stdLogAdapter struct{ log *logging.Logger }

func (a stdLogAdapter) Printf(format string, args ...interface{}) {
	a.log.Printf(format, args...)
}
