// Package db is the Batch & Job Store (BJS): the single writer of
// durable state for Batches, Records, MerchantSearches and
// WebhookEvents. It is adapted from the teacher's
// internal/db/postgres.go — same pgxpool-backed connect/transaction
// shape — generalized from a single forensics table to the full
// enrichment schema, and extended with the compare-and-set operations
// spec.md §4.8 requires to serialize webhook-vs-poller races.
package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/finexio/enrichment-engine/internal/apperr"
	"github.com/finexio/enrichment-engine/pkg/models"
)

// ErrNotFound is returned when a lookup by ID finds no row.
var ErrNotFound = errors.New("db: not found")

// ErrVersionConflict is returned by CAS updates when the stored version
// no longer matches the caller's expected version.
var ErrVersionConflict = errors.New("db: version conflict")

// ErrAlreadyTerminal signals the losing side of a webhook/poller race:
// the MerchantSearch had already reached a terminal state.
var ErrAlreadyTerminal = errors.New("db: search already in a terminal state")

// ErrIllegalTransition signals an attempted transition outside the
// monotonic DAG of spec.md §4.5.3.
var ErrIllegalTransition = errors.New("db: illegal search state transition")

// Store is the BJS: the one writer of durable shared state.
type Store struct {
	pool *pgxpool.Pool
}

// Connect opens the pool and verifies connectivity, matching the
// teacher's Connect(connStr) shape.
func Connect(ctx context.Context, connStr string) (*Store, error) {
	pool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		return nil, apperr.Unavailable("db.connect", fmt.Errorf("unable to connect to database: %w", err))
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, apperr.Unavailable("db.connect", fmt.Errorf("ping failed: %w", err))
	}
	return &Store{pool: pool}, nil
}

// Close gracefully closes the connection pool.
func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// Pool exposes the connection pool to subsystems that read in bulk
// (e.g. the reconcile ledger), matching the teacher's GetPool().
func (s *Store) Pool() *pgxpool.Pool { return s.pool }

// InitSchema executes the embedded DDL, matching the teacher's
// InitSchema() which loads and runs schema.sql.
func (s *Store) InitSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, schemaSQL)
	if err != nil {
		return fmt.Errorf("failed to execute schema migrations: %w", err)
	}
	return nil
}

// ── Batch ───────────────────────────────────────────────────────────

// CreateBatch inserts a new Batch row with its initial stage statuses
// all "pending" and overall_status "received".
func (s *Store) CreateBatch(ctx context.Context, b *models.Batch) error {
	b.OverallStatus = models.BatchReceived
	sql := `
		INSERT INTO batches (id, created_at, total_records, processed_records,
			stage_classify, stage_finexio, stage_address, stage_merchant,
			overall_status, options, progress_message, current_step, version)
		VALUES ($1, $2, $3, 0, 'pending', 'pending', 'pending', 'pending', $4, $5, '', '', 1)
	`
	optsJSON, _ := json.Marshal(b.Options)
	_, err := s.pool.Exec(ctx, sql, b.ID, b.CreatedAt, b.TotalRecords, b.OverallStatus, optsJSON)
	return err
}

// GetBatch fetches one Batch by id.
func (s *Store) GetBatch(ctx context.Context, id string) (*models.Batch, error) {
	sql := `
		SELECT id, created_at, total_records, processed_records,
			stage_classify, stage_finexio, stage_address, stage_merchant,
			overall_status, options, progress_message, current_step, version
		FROM batches WHERE id = $1
	`
	row := s.pool.QueryRow(ctx, sql, id)
	var b models.Batch
	var optsJSON []byte
	err := row.Scan(&b.ID, &b.CreatedAt, &b.TotalRecords, &b.ProcessedRecords,
		&b.StageStatus.Classify, &b.StageStatus.Finexio, &b.StageStatus.Address, &b.StageStatus.Merchant,
		&b.OverallStatus, &optsJSON, &b.ProgressMessage, &b.CurrentStep, &b.Version)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	_ = json.Unmarshal(optsJSON, &b.Options)
	return &b, nil
}

// ListBatches returns batches ordered by most-recently-created.
func (s *Store) ListBatches(ctx context.Context, limit, offset int) ([]models.Batch, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	sql := `
		SELECT id, created_at, total_records, processed_records,
			stage_classify, stage_finexio, stage_address, stage_merchant,
			overall_status, options, progress_message, current_step, version
		FROM batches ORDER BY created_at DESC LIMIT $1 OFFSET $2
	`
	rows, err := s.pool.Query(ctx, sql, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Batch
	for rows.Next() {
		var b models.Batch
		var optsJSON []byte
		if err := rows.Scan(&b.ID, &b.CreatedAt, &b.TotalRecords, &b.ProcessedRecords,
			&b.StageStatus.Classify, &b.StageStatus.Finexio, &b.StageStatus.Address, &b.StageStatus.Merchant,
			&b.OverallStatus, &optsJSON, &b.ProgressMessage, &b.CurrentStep, &b.Version); err != nil {
			return nil, err
		}
		_ = json.Unmarshal(optsJSON, &b.Options)
		out = append(out, b)
	}
	if out == nil {
		out = []models.Batch{}
	}
	return out, nil
}

// ListProcessingBatchIDs returns every batch still in the "processing"
// overall status, for the periodic completion sweep to recheck.
func (s *Store) ListProcessingBatchIDs(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx, `SELECT id FROM batches WHERE overall_status = $1`, models.BatchProcessing)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, nil
}

// UpdateBatchProgress performs a read-mutate-write inside a single
// transaction with row locking (FOR UPDATE), so concurrent per-record
// progress writes from EO serialize instead of clobbering each other.
// expectedVersion of 0 skips the optimistic-concurrency check; EO's
// callers pass the version they read.
func (s *Store) UpdateBatchProgress(ctx context.Context, id string, expectedVersion int, mutate func(*models.Batch)) error {
	return s.withTx(ctx, func(tx pgx.Tx) error {
		var b models.Batch
		var optsJSON []byte
		row := tx.QueryRow(ctx, `
			SELECT id, created_at, total_records, processed_records,
				stage_classify, stage_finexio, stage_address, stage_merchant,
				overall_status, options, progress_message, current_step, version
			FROM batches WHERE id = $1 FOR UPDATE`, id)
		if err := row.Scan(&b.ID, &b.CreatedAt, &b.TotalRecords, &b.ProcessedRecords,
			&b.StageStatus.Classify, &b.StageStatus.Finexio, &b.StageStatus.Address, &b.StageStatus.Merchant,
			&b.OverallStatus, &optsJSON, &b.ProgressMessage, &b.CurrentStep, &b.Version); err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return ErrNotFound
			}
			return err
		}
		_ = json.Unmarshal(optsJSON, &b.Options)

		if expectedVersion != 0 && b.Version != expectedVersion {
			return ErrVersionConflict
		}
		if b.OverallStatus == models.BatchCancelled {
			return nil // cancellation is terminal; silently drop late writes
		}

		mutate(&b)
		b.Version++

		newOpts, _ := json.Marshal(b.Options)
		_, err := tx.Exec(ctx, `
			UPDATE batches SET processed_records=$2, stage_classify=$3, stage_finexio=$4,
				stage_address=$5, stage_merchant=$6, overall_status=$7, options=$8,
				progress_message=$9, current_step=$10, version=$11
			WHERE id=$1`,
			b.ID, b.ProcessedRecords, b.StageStatus.Classify, b.StageStatus.Finexio,
			b.StageStatus.Address, b.StageStatus.Merchant, b.OverallStatus, newOpts,
			b.ProgressMessage, b.CurrentStep, b.Version)
		return err
	})
}

// CancelBatch marks a Batch cancelled. Cancellation is terminal:
// callers must stop writing Records for this batch afterward.
func (s *Store) CancelBatch(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `UPDATE batches SET overall_status=$2, version=version+1 WHERE id=$1 AND overall_status != 'cancelled'`, id, models.BatchCancelled)
	return err
}

// ── Record ──────────────────────────────────────────────────────────

// InsertRecords bulk-inserts Records for a newly created Batch.
func (s *Store) InsertRecords(ctx context.Context, records []*models.Record) error {
	return s.withTx(ctx, func(tx pgx.Tx) error {
		for _, r := range records {
			stageJSON, _ := json.Marshal(r.PerStageStatus)
			addrJSON, _ := json.Marshal(r.InputAddress)
			merchantJSON, _ := json.Marshal(r.Merchant)
			_, err := tx.Exec(ctx, `
				INSERT INTO records (id, batch_id, original_name, cleaned_name, input_address,
					payee_type, confidence, supplier_match, merchant, per_stage_status,
					merchant_status, created_at, updated_at, version)
				VALUES ($1,$2,$3,$4,$5,$6,$7,'{}',$8,$9,$10,$11,$11,1)
			`, r.ID, r.BatchID, r.OriginalName, r.CleanedName, addrJSON,
				models.PayeeUnknown, 0.0, merchantJSON, stageJSON, models.MerchantNone, r.CreatedAt)
			if err != nil {
				return fmt.Errorf("insert record %s: %w", r.ID, err)
			}
		}
		return nil
	})
}

// GetRecord fetches one Record by id.
func (s *Store) GetRecord(ctx context.Context, id string) (*models.Record, error) {
	row := s.pool.QueryRow(ctx, recordSelectSQL+" WHERE id=$1", id)
	return scanRecord(row)
}

// ListRecordsByBatch returns a page of Records for a Batch.
func (s *Store) ListRecordsByBatch(ctx context.Context, batchID string, limit, offset int) ([]models.Record, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, recordSelectSQL+" WHERE batch_id=$1 ORDER BY created_at LIMIT $2 OFFSET $3", batchID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.Record
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *r)
	}
	if out == nil {
		out = []models.Record{}
	}
	return out, nil
}

// RecordsNeedingMerchant returns Business records eligible for BSC
// submission for a batch, backing the index on
// records(batch_id, per_stage_status.merchant) called for in spec.md §6.
func (s *Store) RecordsNeedingMerchant(ctx context.Context, batchID string, limit int) ([]models.Record, error) {
	rows, err := s.pool.Query(ctx, recordSelectSQL+`
		WHERE batch_id=$1 AND payee_type='Business' AND merchant_status='none'
		ORDER BY created_at LIMIT $2`, batchID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.Record
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *r)
	}
	return out, nil
}

// UpdateRecordStage performs a row-locked partial update of one
// Record's stage outputs. mutate receives the current row and may
// change any field; the write applies inside the same transaction
// that read it, so two different goroutines reconciling the same
// record (which should never legitimately happen per search_id but is
// guarded anyway) serialize instead of lost-update.
func (s *Store) UpdateRecordStage(ctx context.Context, id string, mutate func(*models.Record)) error {
	return s.withTx(ctx, func(tx pgx.Tx) error {
		row := tx.QueryRow(ctx, recordSelectSQL+" WHERE id=$1 FOR UPDATE", id)
		r, err := scanRecord(row)
		if err != nil {
			return err
		}
		mutate(r)
		r.Version++
		return updateRecordRow(ctx, tx, r)
	})
}

const recordSelectSQL = `
	SELECT id, batch_id, original_name, cleaned_name, input_address,
		payee_type, confidence, sic_code, review_needed,
		supplier_match, validated_address, merchant, per_stage_status,
		merchant_status, error_reason, created_at, updated_at, version
	FROM records`

// rowScanner is satisfied by both pgx.Row and pgx.Rows.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRecord(row rowScanner) (*models.Record, error) {
	var r models.Record
	var addrJSON, supplierJSON, validatedJSON, merchantJSON, stageJSON []byte
	var merchantStatus models.MerchantEnrichmentStatus
	err := row.Scan(&r.ID, &r.BatchID, &r.OriginalName, &r.CleanedName, &addrJSON,
		&r.PayeeType, &r.Confidence, &r.SICCode, &r.ReviewNeeded,
		&supplierJSON, &validatedJSON, &merchantJSON, &stageJSON,
		&merchantStatus, &r.ErrorReason, &r.CreatedAt, &r.UpdatedAt, &r.Version)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	_ = json.Unmarshal(addrJSON, &r.InputAddress)
	_ = json.Unmarshal(supplierJSON, &r.SupplierMatch)
	if len(validatedJSON) > 0 {
		var av models.AddressValidation
		if err := json.Unmarshal(validatedJSON, &av); err == nil {
			r.ValidatedAddr = &av
		}
	}
	_ = json.Unmarshal(merchantJSON, &r.Merchant)
	_ = json.Unmarshal(stageJSON, &r.PerStageStatus)
	r.Merchant.Status = merchantStatus
	return &r, nil
}

func updateRecordRow(ctx context.Context, tx pgx.Tx, r *models.Record) error {
	addrJSON, _ := json.Marshal(r.InputAddress)
	supplierJSON, _ := json.Marshal(r.SupplierMatch)
	var validatedJSON []byte
	if r.ValidatedAddr != nil {
		validatedJSON, _ = json.Marshal(r.ValidatedAddr)
	}
	merchantJSON, _ := json.Marshal(r.Merchant)
	stageJSON, _ := json.Marshal(r.PerStageStatus)

	_, err := tx.Exec(ctx, `
		UPDATE records SET cleaned_name=$2, input_address=$3, payee_type=$4, confidence=$5,
			sic_code=$6, review_needed=$7, supplier_match=$8, validated_address=$9, merchant=$10,
			per_stage_status=$11, merchant_status=$12, error_reason=$13, updated_at=$14, version=$15
		WHERE id=$1`,
		r.ID, r.CleanedName, addrJSON, r.PayeeType, r.Confidence,
		r.SICCode, r.ReviewNeeded, supplierJSON, validatedJSON, merchantJSON,
		stageJSON, r.Merchant.Status, r.ErrorReason, time.Now(), r.Version)
	return err
}

// ── MerchantSearch ──────────────────────────────────────────────────

// FindActiveSearchByContentHash looks up an in-flight (non-terminal)
// MerchantSearch for (batchID, contentHash), backing spec.md §4.5.5's
// submission de-duplication.
func (s *Store) FindActiveSearchByContentHash(ctx context.Context, batchID, contentHash string) (*models.MerchantSearch, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT search_id, batch_id, content_hash, record_id_mapping, state,
			poll_attempts, max_poll_attempts, submitted_at, last_polled_at, completed_at,
			request_payload, response_payload, error, version
		FROM merchant_searches
		WHERE batch_id=$1 AND content_hash=$2
			AND state NOT IN ('completed','no_results','failed','timeout','cancelled')
		ORDER BY submitted_at DESC LIMIT 1`, batchID, contentHash)
	return scanSearch(row)
}

// CreateSearch atomically inserts a MerchantSearch with state=submitted.
// bulksearch.Coordinator.Submit calls it only after the external
// service has accepted the submission, so a non-2xx reply leaves no
// orphan search_id recorded (spec.md §4.5.2).
func (s *Store) CreateSearch(ctx context.Context, ms *models.MerchantSearch) error {
	mapping, _ := json.Marshal(ms.RecordIDMapping)
	_, err := s.pool.Exec(ctx, `
		INSERT INTO merchant_searches (search_id, batch_id, content_hash, record_id_mapping,
			state, poll_attempts, max_poll_attempts, submitted_at, request_payload, version)
		VALUES ($1,$2,$3,$4,$5,0,$6,$7,$8,1)`,
		ms.SearchID, ms.BatchID, ms.ContentHash, mapping, models.SearchSubmitted,
		ms.MaxPollAttempts, ms.SubmittedAt, ms.RequestPayload)
	return err
}

// DeleteSearch removes a MerchantSearch row. No component of this
// service calls it.
func (s *Store) DeleteSearch(ctx context.Context, searchID string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM merchant_searches WHERE search_id=$1`, searchID)
	return err
}

// GetSearch fetches one MerchantSearch by id.
func (s *Store) GetSearch(ctx context.Context, searchID string) (*models.MerchantSearch, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT search_id, batch_id, content_hash, record_id_mapping, state,
			poll_attempts, max_poll_attempts, submitted_at, last_polled_at, completed_at,
			request_payload, response_payload, error, version
		FROM merchant_searches WHERE search_id=$1`, searchID)
	return scanSearch(row)
}

// OpenSearches returns every non-terminal MerchantSearch, for the
// poller's sweep.
func (s *Store) OpenSearches(ctx context.Context) ([]models.MerchantSearch, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT search_id, batch_id, content_hash, record_id_mapping, state,
			poll_attempts, max_poll_attempts, submitted_at, last_polled_at, completed_at,
			request_payload, response_payload, error, version
		FROM merchant_searches
		WHERE state NOT IN ('completed','no_results','failed','timeout','cancelled')`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.MerchantSearch
	for rows.Next() {
		ms, err := scanSearch(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *ms)
	}
	return out, nil
}

// OpenSearchesForBatch reports how many MerchantSearches for batchID
// are still non-terminal — the gate EO consults before flipping a
// Batch to completed ("EO must NOT mark a Batch completed while any
// MerchantSearch is still open for it").
func (s *Store) OpenSearchesForBatch(ctx context.Context, batchID string) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM merchant_searches
		WHERE batch_id=$1 AND state NOT IN ('completed','no_results','failed','timeout','cancelled')`,
		batchID).Scan(&n)
	return n, err
}

// TransitionSearchState is the CAS primitive central to §4.5.3: it
// loads the row FOR UPDATE, checks the transition is legal via
// models.CanTransition, and only then writes — so a webhook and a
// poller racing on the same search_id never both "win" a terminal
// transition. The loser's call returns won=false, not an error.
func (s *Store) TransitionSearchState(ctx context.Context, searchID string, to models.SearchState, mutate func(*models.MerchantSearch)) (won bool, err error) {
	err = s.withTx(ctx, func(tx pgx.Tx) error {
		row := tx.QueryRow(ctx, `
			SELECT search_id, batch_id, content_hash, record_id_mapping, state,
				poll_attempts, max_poll_attempts, submitted_at, last_polled_at, completed_at,
				request_payload, response_payload, error, version
			FROM merchant_searches WHERE search_id=$1 FOR UPDATE`, searchID)
		ms, scanErr := scanSearch(row)
		if scanErr != nil {
			return scanErr
		}

		if ms.State.IsTerminal() {
			won = false
			return nil
		}
		if !models.CanTransition(ms.State, to) {
			won = false
			return ErrIllegalTransition
		}

		ms.State = to
		if mutate != nil {
			mutate(ms)
		}
		ms.Version++

		mapping, _ := json.Marshal(ms.RecordIDMapping)
		_, execErr := tx.Exec(ctx, `
			UPDATE merchant_searches SET state=$2, poll_attempts=$3, last_polled_at=$4,
				completed_at=$5, response_payload=$6, error=$7, record_id_mapping=$8, version=$9
			WHERE search_id=$1`,
			ms.SearchID, ms.State, ms.PollAttempts, ms.LastPolledAt, ms.CompletedAt,
			ms.ResponsePayload, ms.Error, mapping, ms.Version)
		if execErr != nil {
			return execErr
		}
		won = true
		return nil
	})
	if errors.Is(err, ErrIllegalTransition) {
		return false, nil
	}
	return won, err
}

func scanSearch(row rowScanner) (*models.MerchantSearch, error) {
	var ms models.MerchantSearch
	var mapping []byte
	err := row.Scan(&ms.SearchID, &ms.BatchID, &ms.ContentHash, &mapping, &ms.State,
		&ms.PollAttempts, &ms.MaxPollAttempts, &ms.SubmittedAt, &ms.LastPolledAt, &ms.CompletedAt,
		&ms.RequestPayload, &ms.ResponsePayload, &ms.Error, &ms.Version)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	ms.RecordIDMapping = map[string]string{}
	_ = json.Unmarshal(mapping, &ms.RecordIDMapping)
	return &ms, nil
}

// ── WebhookEvent ────────────────────────────────────────────────────

// InsertWebhookEventIfNew atomically inserts a WebhookEvent row keyed
// by its unique event_id. It returns inserted=false (no error) when
// the event_id already exists, implementing spec.md §7's IntegrityError
// policy: "recognized and ignored (return success) without side effects."
func (s *Store) InsertWebhookEventIfNew(ctx context.Context, ev *models.WebhookEvent) (inserted bool, err error) {
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO webhook_events (event_id, event_type, search_id, payload, timestamp, received_at, processed)
		VALUES ($1,$2,$3,$4,$5,$6,false)
		ON CONFLICT (event_id) DO NOTHING`,
		ev.EventID, ev.EventType, ev.SearchID, ev.Payload, ev.Timestamp, ev.ReceivedAt)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// MarkWebhookProcessed flips the processed flag once the handler has
// finished reconciling the event, idempotently.
func (s *Store) MarkWebhookProcessed(ctx context.Context, eventID string, procErr error) error {
	errText := ""
	if procErr != nil {
		errText = procErr.Error()
	}
	_, err := s.pool.Exec(ctx, `UPDATE webhook_events SET processed=true, error=$2 WHERE event_id=$1`, eventID, errText)
	return err
}

// ── plumbing ────────────────────────────────────────────────────────

func (s *Store) withTx(ctx context.Context, fn func(pgx.Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit(ctx)
}
