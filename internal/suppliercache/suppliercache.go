// Package suppliercache is the Supplier Cache (SC): a read-mostly
// mirror of the Finexio supplier network used to generate match
// candidates without round-tripping to the upstream network on every
// record. Candidate retrieval mirrors the teacher's GetMixers
// pagination shape (internal/db/postgres.go), generalized from one
// SQL query to a union of exact/prefix/trigram/first-token lookups,
// and fronted by a bounded LRU hot set (hashicorp/golang-lru/v2) the
// way the teacher bounds its seenTXs working set in
// internal/mempool/poller.go — except here eviction is LRU instead of
// an hourly wipe, since supplier identity (unlike a mempool txid) is
// durable and worth keeping warm.
package suppliercache

import (
	"context"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/finexio/enrichment-engine/pkg/models"
)

// Cache is the SC: a Postgres-backed supplier mirror with an
// in-process LRU hot set for the most recently matched suppliers.
type Cache struct {
	pool       *pgxpool.Pool
	hot        *lru.Cache[string, models.Supplier]
	hotSetSize int
}

// New builds a Cache with a hot set capped at hotSetSize entries.
func New(pool *pgxpool.Pool, hotSetSize int) (*Cache, error) {
	hot, err := lru.New[string, models.Supplier](hotSetSize)
	if err != nil {
		return nil, err
	}
	return &Cache{pool: pool, hot: hot, hotSetSize: hotSetSize}, nil
}

// UpsertBatch bulk-upserts a page of suppliers mirrored from the
// Finexio network, keyed by supplier_id.
func (c *Cache) UpsertBatch(ctx context.Context, suppliers []models.Supplier) error {
	tx, err := c.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	for _, s := range suppliers {
		_, err := tx.Exec(ctx, `
			INSERT INTO suppliers (supplier_id, payee_name, normalized_name, business_name, dba,
				legal_name, ein, city, state, mcc, industry, payment_type,
				has_business_indicator, common_name_score, name_length, updated_at)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,now())
			ON CONFLICT (supplier_id) DO UPDATE SET
				payee_name=$2, normalized_name=$3, business_name=$4, dba=$5,
				legal_name=$6, ein=$7, city=$8, state=$9, mcc=$10, industry=$11,
				payment_type=$12, has_business_indicator=$13, common_name_score=$14, name_length=$15,
				updated_at=now()
		`, s.SupplierID, s.PayeeName, s.NormalizedName, s.BusinessName, s.DBA,
			s.LegalName, s.EIN, s.City, s.State, s.MCC, s.Industry, s.PaymentType,
			s.HasBusinessIndicator, s.CommonNameScore, s.NameLength)
		if err != nil {
			return err
		}
	}
	return tx.Commit(ctx)
}

// Candidates returns up to limit suppliers whose normalized name is a
// plausible fuzzy-match candidate for normalizedName, via a union of
// exact, prefix, trigram-similarity and first-token lookups. Callers
// (the FM package) rank the union; SC's job is recall, not precision.
func (c *Cache) Candidates(ctx context.Context, normalizedName string, limit int) ([]models.Supplier, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	firstToken := normalizedName
	if i := strings.IndexByte(normalizedName, ' '); i > 0 {
		firstToken = normalizedName[:i]
	}

	rows, err := c.pool.Query(ctx, `
		(SELECT supplier_id, payee_name, normalized_name, business_name, dba, legal_name,
			ein, city, state, mcc, industry, payment_type, has_business_indicator,
			common_name_score, name_length
		 FROM suppliers WHERE normalized_name = $1)
		UNION
		(SELECT supplier_id, payee_name, normalized_name, business_name, dba, legal_name,
			ein, city, state, mcc, industry, payment_type, has_business_indicator,
			common_name_score, name_length
		 FROM suppliers WHERE normalized_name LIKE $1 || '%' LIMIT $2)
		UNION
		(SELECT supplier_id, payee_name, normalized_name, business_name, dba, legal_name,
			ein, city, state, mcc, industry, payment_type, has_business_indicator,
			common_name_score, name_length
		 FROM suppliers WHERE similarity(normalized_name, $1) > 0.3
		 ORDER BY similarity(normalized_name, $1) DESC LIMIT $2)
		UNION
		(SELECT supplier_id, payee_name, normalized_name, business_name, dba, legal_name,
			ein, city, state, mcc, industry, payment_type, has_business_indicator,
			common_name_score, name_length
		 FROM suppliers WHERE normalized_name LIKE $3 || '%' LIMIT $2)
		LIMIT $2
	`, normalizedName, limit, firstToken)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]models.Supplier, 0, limit)
	for rows.Next() {
		s, err := scanSupplier(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *s)
		c.hot.Add(s.SupplierID, *s)
	}
	return out, nil
}

// Get returns a single supplier by id, checking the hot set first.
func (c *Cache) Get(ctx context.Context, supplierID string) (*models.Supplier, error) {
	if s, ok := c.hot.Get(supplierID); ok {
		return &s, nil
	}
	row := c.pool.QueryRow(ctx, `
		SELECT supplier_id, payee_name, normalized_name, business_name, dba, legal_name,
			ein, city, state, mcc, industry, payment_type, has_business_indicator,
			common_name_score, name_length
		FROM suppliers WHERE supplier_id=$1`, supplierID)
	s, err := scanSupplier(row)
	if err != nil {
		return nil, err
	}
	c.hot.Add(s.SupplierID, *s)
	return s, nil
}

// Stats reports the cache's hot-set occupancy.
type Stats struct {
	HotSetLen int
	HotSetCap int
}

// Stats returns the current hot-set occupancy.
func (c *Cache) Stats() Stats {
	return Stats{HotSetLen: c.hot.Len(), HotSetCap: c.hotSetSize}
}

// Staleness reports the mirror's row count and the age of its most
// recently upserted supplier, so the nightly cron job can warn when a
// Finexio sync has silently stopped landing rows.
type Staleness struct {
	RowCount  int
	MaxAge    time.Duration
	HasRows   bool
}

// CheckStaleness queries the mirror directly (bypassing the hot set,
// which only ever reflects recently matched suppliers, not the whole
// table) for row count and newest updated_at.
func (c *Cache) CheckStaleness(ctx context.Context) (Staleness, error) {
	var count int
	var newest *time.Time
	err := c.pool.QueryRow(ctx, `SELECT count(*), max(updated_at) FROM suppliers`).Scan(&count, &newest)
	if err != nil {
		return Staleness{}, err
	}
	if newest == nil {
		return Staleness{RowCount: count}, nil
	}
	return Staleness{RowCount: count, MaxAge: time.Since(*newest), HasRows: count > 0}, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanSupplier(row rowScanner) (*models.Supplier, error) {
	var s models.Supplier
	err := row.Scan(&s.SupplierID, &s.PayeeName, &s.NormalizedName, &s.BusinessName, &s.DBA,
		&s.LegalName, &s.EIN, &s.City, &s.State, &s.MCC, &s.Industry, &s.PaymentType,
		&s.HasBusinessIndicator, &s.CommonNameScore, &s.NameLength)
	if err == pgx.ErrNoRows {
		return nil, err
	}
	return &s, err
}
