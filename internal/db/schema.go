package db

// schemaSQL is the full DDL for the BJS, covering the uniqueness and
// index requirements spec.md §6 calls for: a unique webhook_events
// event_id (idempotent delivery), a unique merchant_searches search_id,
// a (batch_id, id) index on records, and an index on
// records(batch_id, merchant_status) to back RecordsNeedingMerchant's
// BSC submission sweep — records stores the per-stage merchant outcome
// denormalized into its own column rather than nested inside the
// per_stage_status JSON blob specifically so it can be indexed.
const schemaSQL = `
CREATE TABLE IF NOT EXISTS batches (
	id                TEXT PRIMARY KEY,
	created_at        TIMESTAMPTZ NOT NULL,
	total_records     INTEGER NOT NULL DEFAULT 0,
	processed_records INTEGER NOT NULL DEFAULT 0,
	stage_classify    TEXT NOT NULL DEFAULT 'pending',
	stage_finexio     TEXT NOT NULL DEFAULT 'pending',
	stage_address     TEXT NOT NULL DEFAULT 'pending',
	stage_merchant    TEXT NOT NULL DEFAULT 'pending',
	overall_status    TEXT NOT NULL DEFAULT 'received',
	options           JSONB NOT NULL DEFAULT '{}',
	progress_message  TEXT NOT NULL DEFAULT '',
	current_step      TEXT NOT NULL DEFAULT '',
	version           INTEGER NOT NULL DEFAULT 1
);

CREATE INDEX IF NOT EXISTS idx_batches_created_at ON batches (created_at DESC);

CREATE TABLE IF NOT EXISTS records (
	id                TEXT PRIMARY KEY,
	batch_id          TEXT NOT NULL REFERENCES batches(id) ON DELETE CASCADE,
	original_name     TEXT NOT NULL,
	cleaned_name      TEXT NOT NULL DEFAULT '',
	input_address     JSONB NOT NULL DEFAULT '{}',
	payee_type        TEXT NOT NULL DEFAULT 'Unknown',
	confidence        DOUBLE PRECISION NOT NULL DEFAULT 0,
	sic_code          TEXT NOT NULL DEFAULT '',
	review_needed     BOOLEAN NOT NULL DEFAULT false,
	supplier_match    JSONB NOT NULL DEFAULT '{}',
	validated_address JSONB,
	merchant          JSONB NOT NULL DEFAULT '{}',
	per_stage_status  JSONB NOT NULL DEFAULT '{}',
	merchant_status   TEXT NOT NULL DEFAULT 'none',
	error_reason      TEXT NOT NULL DEFAULT '',
	created_at        TIMESTAMPTZ NOT NULL,
	updated_at        TIMESTAMPTZ NOT NULL,
	version           INTEGER NOT NULL DEFAULT 1
);

CREATE INDEX IF NOT EXISTS idx_records_batch_id ON records (batch_id, id);
CREATE INDEX IF NOT EXISTS idx_records_batch_merchant_status ON records (batch_id, merchant_status);

CREATE TABLE IF NOT EXISTS merchant_searches (
	search_id         TEXT PRIMARY KEY,
	batch_id          TEXT NOT NULL REFERENCES batches(id) ON DELETE CASCADE,
	content_hash      TEXT NOT NULL,
	record_id_mapping JSONB NOT NULL DEFAULT '{}',
	state             TEXT NOT NULL DEFAULT 'submitted',
	poll_attempts     INTEGER NOT NULL DEFAULT 0,
	max_poll_attempts INTEGER NOT NULL DEFAULT 40,
	submitted_at      TIMESTAMPTZ NOT NULL,
	last_polled_at    TIMESTAMPTZ,
	completed_at      TIMESTAMPTZ,
	request_payload   BYTEA,
	response_payload  BYTEA,
	error             TEXT NOT NULL DEFAULT '',
	version           INTEGER NOT NULL DEFAULT 1
);

CREATE UNIQUE INDEX IF NOT EXISTS uq_merchant_searches_search_id ON merchant_searches (search_id);
CREATE INDEX IF NOT EXISTS idx_merchant_searches_batch_hash ON merchant_searches (batch_id, content_hash);
CREATE INDEX IF NOT EXISTS idx_merchant_searches_state ON merchant_searches (state) WHERE state NOT IN ('completed','no_results','failed','timeout','cancelled');

CREATE TABLE IF NOT EXISTS webhook_events (
	event_id    TEXT PRIMARY KEY,
	event_type  TEXT NOT NULL,
	search_id   TEXT NOT NULL,
	payload     BYTEA,
	timestamp   TIMESTAMPTZ NOT NULL,
	received_at TIMESTAMPTZ NOT NULL,
	processed   BOOLEAN NOT NULL DEFAULT false,
	error       TEXT NOT NULL DEFAULT ''
);

CREATE UNIQUE INDEX IF NOT EXISTS uq_webhook_events_event_id ON webhook_events (event_id);
CREATE INDEX IF NOT EXISTS idx_webhook_events_search_id ON webhook_events (search_id);

CREATE EXTENSION IF NOT EXISTS pg_trgm;

CREATE TABLE IF NOT EXISTS suppliers (
	supplier_id             TEXT PRIMARY KEY,
	payee_name              TEXT NOT NULL,
	normalized_name         TEXT NOT NULL,
	business_name           TEXT NOT NULL DEFAULT '',
	dba                     TEXT NOT NULL DEFAULT '',
	legal_name              TEXT NOT NULL DEFAULT '',
	ein                     TEXT NOT NULL DEFAULT '',
	city                    TEXT NOT NULL DEFAULT '',
	state                   TEXT NOT NULL DEFAULT '',
	mcc                     TEXT NOT NULL DEFAULT '',
	industry                TEXT NOT NULL DEFAULT '',
	payment_type            TEXT NOT NULL DEFAULT '',
	has_business_indicator  BOOLEAN NOT NULL DEFAULT false,
	common_name_score       DOUBLE PRECISION NOT NULL DEFAULT 0,
	name_length             INTEGER NOT NULL DEFAULT 0,
	updated_at              TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_suppliers_normalized_name ON suppliers (normalized_name);
CREATE INDEX IF NOT EXISTS idx_suppliers_normalized_name_trgm ON suppliers USING gin (normalized_name gin_trgm_ops);

CREATE TABLE IF NOT EXISTS race_ledger (
	search_id     TEXT PRIMARY KEY,
	winner        TEXT NOT NULL,
	poll_attempts INTEGER NOT NULL DEFAULT 0,
	recorded_at   TIMESTAMPTZ NOT NULL
);
`
