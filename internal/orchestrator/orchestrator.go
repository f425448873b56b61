// Package orchestrator is the Enrichment Orchestrator (EO): it drives
// each Record through the enabled stages (classify ∥ supplier_match →
// address_validate → merchant_enrich), writes every transition back to
// the Batch & Job Store, and decides when a Batch has truly finished.
//
// Progress tracking follows the teacher's internal/scanner/block_scanner.go
// shape — atomic counters a caller can read without locking — but where
// the teacher scanned blocks sequentially in one goroutine, records fan
// out across a bounded pool of workers (golang.org/x/sync/semaphore,
// the same package internal/ratelimit uses for per-provider inflight
// caps) since classify and supplier_match for independent records have
// no ordering requirement between them.
package orchestrator

import (
	"context"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/semaphore"

	"github.com/finexio/enrichment-engine/internal/address"
	"github.com/finexio/enrichment-engine/internal/bulksearch"
	"github.com/finexio/enrichment-engine/internal/classifier"
	"github.com/finexio/enrichment-engine/internal/db"
	"github.com/finexio/enrichment-engine/internal/fuzzy"
	"github.com/finexio/enrichment-engine/internal/logging"
	"github.com/finexio/enrichment-engine/internal/suppliercache"
	"github.com/finexio/enrichment-engine/pkg/models"
)

// Deps bundles every collaborator EO fans out to. AddressValidator and
// ClassifierGW may be nil when their stage is disabled process-wide.
type Deps struct {
	Store           *db.Store
	SupplierCache   *suppliercache.Cache
	ClassifierGW    *classifier.Gateway
	AddressValidator *address.AV
	BulkSearch      *bulksearch.Coordinator

	// Notify, if set, is called on each per-record classify, finexio and
	// address stage outcome so a push channel (internal/api's Hub) can
	// relay it to subscribers; batch progress refreshes are not
	// notified. nil is a valid no-op.
	Notify func(recordID, stage, status string)
}

// Config is the subset of the process config EO needs.
type Config struct {
	RecordConcurrency         int
	MerchantEligibilityConf   float64
	BackpressureHighWaterMark int
	MerchantBatchSize         int
}

// Orchestrator is the EO.
type Orchestrator struct {
	deps Deps
	cfg  Config
	log  *logging.Logger

	sem *semaphore.Weighted

	inFlight atomic.Int64
	running  atomic.Bool
}

// New builds an Orchestrator.
func New(deps Deps, cfg Config, log *logging.Logger) *Orchestrator {
	if cfg.RecordConcurrency <= 0 {
		cfg.RecordConcurrency = 20
	}
	if cfg.MerchantBatchSize <= 0 || cfg.MerchantBatchSize > 3000 {
		cfg.MerchantBatchSize = 3000
	}
	return &Orchestrator{
		deps: deps,
		cfg:  cfg,
		log:  log.With("orchestrator"),
		sem:  semaphore.NewWeighted(int64(cfg.RecordConcurrency)),
	}
}

// notify relays a stage transition to Deps.Notify, if configured.
func (o *Orchestrator) notify(recordID, stage, status string) {
	if o.deps.Notify != nil {
		o.deps.Notify(recordID, stage, status)
	}
}

// InFlight reports the number of records currently being processed,
// for the back-pressure check spec.md §4.7/§5 calls for.
func (o *Orchestrator) InFlight() int64 { return o.inFlight.Load() }

// AtHighWaterMark reports whether EO should stop pulling new Records
// into orchestration; the submit endpoint uses this to decide whether
// to return 202 with a retry hint instead of enqueuing more work.
func (o *Orchestrator) AtHighWaterMark() bool {
	return o.inFlight.Load() >= int64(o.cfg.BackpressureHighWaterMark)
}

// ProcessBatch drives every pending Record of batchID through its
// enabled stages, then submits any Business records that qualify for
// merchant enrichment to BSC. It does not wait for BSC reconciliation —
// that finishes out-of-band via webhook or poller and is observed
// later by TryComplete.
func (o *Orchestrator) ProcessBatch(ctx context.Context, batchID string, opts models.BatchOptions) error {
	o.running.Store(true)
	defer o.running.Store(false)

	const pageSize = 500
	offset := 0
	var wg sync.WaitGroup
	errCh := make(chan error, 1)

	for {
		records, err := o.deps.Store.ListRecordsByBatch(ctx, batchID, pageSize, offset)
		if err != nil {
			return err
		}
		if len(records) == 0 {
			break
		}
		for i := range records {
			rec := records[i]
			if stagesDone(rec, opts) {
				continue
			}
			if err := o.sem.Acquire(ctx, 1); err != nil {
				wg.Wait()
				return err
			}
			o.inFlight.Add(1)
			wg.Add(1)
			go func(rec models.Record) {
				defer wg.Done()
				defer o.sem.Release(1)
				defer o.inFlight.Add(-1)
				if err := o.processRecord(ctx, &rec, opts); err != nil {
					o.log.Errorf("record %s: %v", rec.ID, err)
					select {
					case errCh <- err:
					default:
					}
				}
			}(rec)
		}
		offset += len(records)
		if len(records) < pageSize {
			break
		}
	}

	wg.Wait()
	select {
	case err := <-errCh:
		o.log.Warnf("batch %s finished with at least one record error: %v", batchID, err)
	default:
	}

	if opts.EnableMerchant {
		if err := o.submitMerchantSearches(ctx, batchID); err != nil {
			return err
		}
	}
	return o.refreshBatchProgress(ctx, batchID)
}

// stagesDone reports whether every enabled stage for rec has already
// reached a terminal per-stage status, so a re-run (e.g. after a
// process restart) doesn't redo finished work.
func stagesDone(rec models.Record, opts models.BatchOptions) bool {
	terminal := func(enabled bool, s models.StageStatus) bool {
		if !enabled {
			return true
		}
		return s == models.StageCompleted || s == models.StageSkipped || s == models.StageFailed
	}
	return terminal(opts.EnableClassify, rec.PerStageStatus.Classify) &&
		terminal(opts.EnableFinexio, rec.PerStageStatus.Finexio) &&
		terminal(opts.EnableAddress, rec.PerStageStatus.Address) &&
		terminal(opts.EnableMerchant, rec.PerStageStatus.Merchant)
}

// processRecord runs classify and supplier_match concurrently, then
// address_validate, writing each stage's outcome back to BJS as it
// completes. merchant_enrich is not attempted here — it is only ever
// submitted in bulk by submitMerchantSearches.
func (o *Orchestrator) processRecord(ctx context.Context, rec *models.Record, opts models.BatchOptions) error {
	var wg sync.WaitGroup

	if opts.EnableClassify && rec.PerStageStatus.Classify != models.StageCompleted {
		wg.Add(1)
		go func() {
			defer wg.Done()
			o.runClassify(ctx, rec)
		}()
	}
	if opts.EnableFinexio && rec.PerStageStatus.Finexio != models.StageCompleted {
		wg.Add(1)
		go func() {
			defer wg.Done()
			o.runSupplierMatch(ctx, rec)
		}()
	}
	wg.Wait()

	if opts.EnableAddress && rec.PerStageStatus.Address != models.StageCompleted {
		o.runAddressValidate(ctx, rec, opts.EnableAIAddressRepair)
	}
	return nil
}

func (o *Orchestrator) runClassify(ctx context.Context, rec *models.Record) {
	result, err := o.deps.ClassifierGW.Classify(ctx, rec.CleanedName, rec.InputAddress)
	if err := o.deps.Store.UpdateRecordStage(ctx, rec.ID, func(r *models.Record) {
		if err != nil {
			r.PerStageStatus.Classify = models.StageFailed
			r.ErrorReason = err.Error()
			return
		}
		r.PayeeType = models.PayeeType(result.PayeeType)
		r.Confidence = result.Confidence
		r.SICCode = result.SICCode
		r.ReviewNeeded = result.ReviewNeeded
		r.PerStageStatus.Classify = models.StageCompleted
	}); err != nil {
		o.log.Errorf("writing classify result for %s: %v", rec.ID, err)
		return
	}
	status := "completed"
	if err != nil {
		status = "failed"
	}
	o.notify(rec.ID, "classify", status)
}

func (o *Orchestrator) runSupplierMatch(ctx context.Context, rec *models.Record) {
	normalized := fuzzy.Normalize(rec.CleanedName)
	candidates, err := o.deps.SupplierCache.Candidates(ctx, normalized, 25)
	if err != nil {
		_ = o.deps.Store.UpdateRecordStage(ctx, rec.ID, func(r *models.Record) {
			r.PerStageStatus.Finexio = models.StageFailed
			r.ErrorReason = err.Error()
		})
		o.notify(rec.ID, "finexio", "failed")
		return
	}

	decision := fuzzy.Best(normalized, candidates)
	match := *decision.Match
	if decision.NeedsAdjudication && o.deps.ClassifierGW != nil && match.SupplierID != "" {
		adj, aerr := o.deps.ClassifierGW.Adjudicate(ctx, rec.CleanedName, match.MatchedName)
		if aerr == nil {
			if adj.Confirmed {
				match.MatchType = models.MatchAIEnhanced
				match.Reasoning = adj.Reasoning
				match.Score = clampScore(int(adj.Score * 100))
			} else {
				match = models.SupplierMatch{MatchType: models.MatchNone}
			}
		}
	}

	if err := o.deps.Store.UpdateRecordStage(ctx, rec.ID, func(r *models.Record) {
		r.SupplierMatch = match
		r.PerStageStatus.Finexio = models.StageCompleted
	}); err != nil {
		o.log.Errorf("writing supplier match for %s: %v", rec.ID, err)
		return
	}
	o.notify(rec.ID, "finexio", "completed")
}

func clampScore(s int) int {
	if s > 100 {
		return 100
	}
	if s < 0 {
		return 0
	}
	return s
}

func (o *Orchestrator) runAddressValidate(ctx context.Context, rec *models.Record, enableRepair bool) {
	if rec.InputAddress.Line1 == "" {
		_ = o.deps.Store.UpdateRecordStage(ctx, rec.ID, func(r *models.Record) {
			r.PerStageStatus.Address = models.StageSkipped
		})
		o.notify(rec.ID, "address", "skipped")
		return
	}
	result := o.deps.AddressValidator.Validate(ctx, rec.InputAddress, enableRepair)
	status := models.StageCompleted
	if result.Status == "skipped" {
		status = models.StageSkipped
	}
	if err := o.deps.Store.UpdateRecordStage(ctx, rec.ID, func(r *models.Record) {
		r.ValidatedAddr = result
		r.PerStageStatus.Address = status
	}); err != nil {
		o.log.Errorf("writing address validation for %s: %v", rec.ID, err)
		return
	}
	o.notify(rec.ID, "address", string(status))
}

// submitMerchantSearches pages through Records eligible for merchant
// enrichment (payee_type=Business, confidence above the eligibility
// threshold, merchant_status=none) and hands them to BSC in chunks no
// larger than its per-submission cap.
func (o *Orchestrator) submitMerchantSearches(ctx context.Context, batchID string) error {
	for {
		candidates, err := o.deps.Store.RecordsNeedingMerchant(ctx, batchID, o.cfg.MerchantBatchSize)
		if err != nil {
			return err
		}

		eligible := candidates[:0]
		for _, rec := range candidates {
			if rec.PayeeType == models.PayeeBusiness && rec.Confidence >= o.cfg.MerchantEligibilityConf {
				eligible = append(eligible, rec)
			} else {
				if uerr := o.deps.Store.UpdateRecordStage(ctx, rec.ID, func(r *models.Record) {
					r.Merchant.Status = models.MerchantSkipped
					r.Merchant.Reason = "ineligible: not a confident business classification"
					r.PerStageStatus.Merchant = models.StageSkipped
				}); uerr != nil {
					o.log.Errorf("skipping merchant stage for %s: %v", rec.ID, uerr)
				}
			}
		}

		if len(eligible) == 0 {
			return nil
		}
		if _, err := o.deps.BulkSearch.Submit(ctx, batchID, eligible); err != nil {
			o.log.Errorf("submitting merchant search for batch %s: %v", batchID, err)
			return err
		}
		for _, rec := range eligible {
			if uerr := o.deps.Store.UpdateRecordStage(ctx, rec.ID, func(r *models.Record) {
				r.Merchant.Status = models.MerchantPending
				r.PerStageStatus.Merchant = models.StageInProgress
			}); uerr != nil {
				o.log.Errorf("marking merchant pending for %s: %v", rec.ID, uerr)
			}
		}
		if len(candidates) < o.cfg.MerchantBatchSize {
			return nil
		}
	}
}

// TryComplete checks whether every Record of batchID has reached a
// terminal stage status for every enabled stage AND no MerchantSearch
// remains open for it, and if so marks the Batch completed. Spec
// corrects a "stuck at 59%" failure mode that came from marking a
// Batch complete while BSC reconciliation was still in flight — this
// check is the fix.
func (o *Orchestrator) TryComplete(ctx context.Context, batchID string) (bool, error) {
	open, err := o.deps.Store.OpenSearchesForBatch(ctx, batchID)
	if err != nil {
		return false, err
	}
	if open > 0 {
		return false, nil
	}

	batch, err := o.deps.Store.GetBatch(ctx, batchID)
	if err != nil {
		return false, err
	}
	if batch.OverallStatus == models.BatchCancelled || batch.OverallStatus == models.BatchCompleted {
		return batch.OverallStatus == models.BatchCompleted, nil
	}

	const pageSize = 500
	offset := 0
	for {
		records, err := o.deps.Store.ListRecordsByBatch(ctx, batchID, pageSize, offset)
		if err != nil {
			return false, err
		}
		if len(records) == 0 {
			break
		}
		for _, rec := range records {
			if !stagesDone(rec, batch.Options) {
				return false, nil
			}
		}
		offset += len(records)
		if len(records) < pageSize {
			break
		}
	}

	if err := o.deps.Store.UpdateBatchProgress(ctx, batchID, batch.Version, func(b *models.Batch) {
		b.OverallStatus = models.BatchCompleted
		b.ProgressMessage = "all stages complete"
	}); err != nil {
		return false, err
	}
	return true, nil
}

// refreshBatchProgress recomputes processed_records for the progressive
// status endpoints and moves a received Batch to processing,
// independent of whether the Batch as a whole can yet be marked
// completed. The Batch's per-stage aggregate statuses are not updated.
func (o *Orchestrator) refreshBatchProgress(ctx context.Context, batchID string) error {
	batch, err := o.deps.Store.GetBatch(ctx, batchID)
	if err != nil {
		return err
	}

	const pageSize = 500
	offset, processed := 0, 0
	for {
		records, err := o.deps.Store.ListRecordsByBatch(ctx, batchID, pageSize, offset)
		if err != nil {
			return err
		}
		if len(records) == 0 {
			break
		}
		for _, rec := range records {
			if stagesDone(rec, batch.Options) {
				processed++
			}
		}
		offset += len(records)
		if len(records) < pageSize {
			break
		}
	}

	return o.deps.Store.UpdateBatchProgress(ctx, batchID, batch.Version, func(b *models.Batch) {
		b.ProcessedRecords = processed
		if b.OverallStatus == models.BatchReceived {
			b.OverallStatus = models.BatchProcessing
		}
	})
}

// pollCompletion is used by cmd/engine's background sweep to retry
// TryComplete on batches still processing, since BSC reconciliation
// finishes asynchronously well after ProcessBatch returns.
func (o *Orchestrator) pollCompletion(ctx context.Context, batchIDs []string) {
	for _, id := range batchIDs {
		if _, err := o.TryComplete(ctx, id); err != nil {
			o.log.Errorf("completion check for batch %s: %v", id, err)
		}
	}
}

// SweepCompletions is the periodic entry point: list batches still
// processing and give each a completion check. Called from a
// time.Ticker loop in cmd/engine/main.go.
func (o *Orchestrator) SweepCompletions(ctx context.Context, listProcessing func(ctx context.Context) ([]string, error)) {
	ids, err := listProcessing(ctx)
	if err != nil {
		o.log.Errorf("listing processing batches: %v", err)
		return
	}
	o.pollCompletion(ctx, ids)
}
