// coordinator.go implements the BSC responsibilities of spec.md
// §4.5.2: grouping records into submissions, duplicate prevention via
// content hashing (§4.5.5), driving the MerchantSearch state machine
// through db.Store.TransitionSearchState, and reconciling fetched
// results into Records using the deterministic tie-break of §4.5.4.
package bulksearch

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/finexio/enrichment-engine/internal/apperr"
	"github.com/finexio/enrichment-engine/internal/db"
	"github.com/finexio/enrichment-engine/internal/logging"
	"github.com/finexio/enrichment-engine/internal/ratelimit"
	"github.com/finexio/enrichment-engine/internal/reconcile"
	"github.com/finexio/enrichment-engine/pkg/models"
)

const maxItemsPerSubmission = 3000

// Coordinator is the BSC.
type Coordinator struct {
	store    *db.Store
	client   *Client
	log      *logging.Logger
	ledger   *reconcile.Ledger
	provider *ratelimit.Provider

	maxAttempts  int
	hardDeadline time.Duration

	// Notify, if set, is called whenever a record's merchant enrichment
	// reaches a terminal outcome, so a push channel can relay it. nil
	// is a valid no-op.
	Notify func(recordID, status string)
}

// New builds a Coordinator. ledger may be nil, in which case race
// outcomes are simply not recorded. provider gates every outbound call
// to the external service through the shared per-provider rate limit
// and circuit breaker, the same way CG and AV gate their own vendor
// calls.
func New(store *db.Store, client *Client, ledger *reconcile.Ledger, provider *ratelimit.Provider, maxAttempts int, hardDeadline time.Duration, log *logging.Logger) *Coordinator {
	return &Coordinator{
		store:        store,
		client:       client,
		ledger:       ledger,
		provider:     provider,
		log:          log.With("bulksearch"),
		maxAttempts:  maxAttempts,
		hardDeadline: hardDeadline,
	}
}

// call runs fn through the provider's rate limit and circuit breaker
// when a provider is configured, falling back to a direct call in
// tests that construct a Coordinator without one.
func (co *Coordinator) call(ctx context.Context, fn func(ctx context.Context) error) error {
	if co.provider == nil {
		return fn(ctx)
	}
	return co.provider.Do(ctx, fn)
}

// ContentHash returns a stable hash of a record-id set, used to
// de-duplicate submissions per §4.5.5: "SHALL NOT be created if an
// in-flight MerchantSearch already exists for the same
// (batch_id, content_hash(record_set))".
func ContentHash(recordIDs []string) string {
	sorted := append([]string(nil), recordIDs...)
	sort.Strings(sorted)
	sum := sha256.Sum256([]byte(strings.Join(sorted, "|")))
	return hex.EncodeToString(sum[:])
}

// Submit groups records into one bulk submission (callers are
// responsible for pre-chunking batches larger than
// maxItemsPerSubmission), checks for an in-flight duplicate, and — if
// none exists — submits to the external service and records the
// MerchantSearch row only after the service accepts the submission,
// so a non-2xx reply leaves no orphan search_id recorded.
func (co *Coordinator) Submit(ctx context.Context, batchID string, records []models.Record) (*models.MerchantSearch, error) {
	if len(records) == 0 {
		return nil, apperr.Input("bulksearch.submit", fmt.Errorf("no records to submit"))
	}
	if len(records) > maxItemsPerSubmission {
		return nil, apperr.Input("bulksearch.submit", fmt.Errorf("%d records exceeds max %d per submission", len(records), maxItemsPerSubmission))
	}

	recordIDs := make([]string, len(records))
	for i, r := range records {
		recordIDs[i] = r.ID
	}
	contentHash := ContentHash(recordIDs)

	if existing, err := co.store.FindActiveSearchByContentHash(ctx, batchID, contentHash); err == nil && existing != nil {
		co.log.Printf("skipping duplicate submission for batch %s: in-flight search %s covers it", batchID, existing.SearchID)
		return existing, nil
	} else if err != nil && err != db.ErrNotFound {
		return nil, err
	}

	mapping := make(map[string]string, len(records))
	items := make([]SearchItem, len(records))
	for i, r := range records {
		clientRefID := uuid.New().String()
		mapping[r.ID] = clientRefID
		items[i] = SearchItem{ClientReferenceID: clientRefID, BusinessName: r.CleanedName}
		items[i].Address.Line1 = r.InputAddress.Line1
		items[i].Address.City = r.InputAddress.City
		items[i].Address.State = r.InputAddress.State
		items[i].Address.Zip = r.InputAddress.Zip
		items[i].Address.Country = r.InputAddress.Country
	}

	var searchID string
	err := co.call(ctx, func(ctx context.Context) error {
		var submitErr error
		searchID, submitErr = co.client.Submit(ctx, items)
		return submitErr
	})
	if ratelimit.IsCircuitOpen(err) {
		return nil, apperr.Unavailable("bulksearch.submit", err)
	}
	if err != nil {
		return nil, classifySubmitError(err)
	}

	ms := &models.MerchantSearch{
		SearchID:        searchID,
		BatchID:         batchID,
		ContentHash:     contentHash,
		RecordIDMapping: mapping,
		State:           models.SearchSubmitted,
		MaxPollAttempts: co.maxAttempts,
		SubmittedAt:     time.Now(),
	}
	if err := co.store.CreateSearch(ctx, ms); err != nil {
		co.log.Errorf("failed to persist MerchantSearch %s after successful submit: %v", searchID, err)
		return nil, apperr.Coordination("bulksearch.submit", err)
	}
	return ms, nil
}

func classifySubmitError(err error) error {
	switch err.(type) {
	case *AuthError:
		return apperr.Permanent("bulksearch.submit", err)
	case *RateLimitedError, *ServerError:
		return apperr.Transient("bulksearch.submit", err)
	default:
		return apperr.Transient("bulksearch.submit", err)
	}
}

// PollOnce checks upstream status for one open MerchantSearch and
// advances its state machine, implementing the exponential poll
// schedule of §4.5.2 at the call-site level (the poller decides when
// to call PollOnce again; this method only records one attempt).
func (co *Coordinator) PollOnce(ctx context.Context, ms *models.MerchantSearch) error {
	if time.Since(ms.SubmittedAt) >= co.hardDeadline {
		_, err := co.store.TransitionSearchState(ctx, ms.SearchID, models.SearchTimeout, func(m *models.MerchantSearch) {
			m.Error = "hard deadline exceeded"
		})
		return err
	}

	var upstream UpstreamState
	err := co.call(ctx, func(ctx context.Context) error {
		var statusErr error
		upstream, statusErr = co.client.Status(ctx, ms.SearchID)
		return statusErr
	})
	now := time.Now()

	if err != nil {
		switch e := err.(type) {
		case *AuthError:
			_, txErr := co.store.TransitionSearchState(ctx, ms.SearchID, models.SearchFailed, func(m *models.MerchantSearch) {
				m.Error = e.Error()
				m.LastPolledAt = &now
				m.PollAttempts++
			})
			return txErr
		default:
			// transient: bump attempt counters without changing state,
			// so repeated transient errors still count toward the
			// max-attempts timeout.
			return co.bumpAttempt(ctx, ms.SearchID, err.Error())
		}
	}

	switch upstream {
	case UpstreamCompleted:
		_, txErr := co.store.TransitionSearchState(ctx, ms.SearchID, models.SearchFetchingResults, func(m *models.MerchantSearch) {
			m.LastPolledAt = &now
			m.PollAttempts++
		})
		if txErr != nil {
			return txErr
		}
		if co.ledger != nil {
			_ = co.ledger.Record(ctx, ms.SearchID, reconcile.WinnerPoller, ms.PollAttempts)
		}
		return co.fetchAndReconcile(ctx, ms.SearchID)
	case UpstreamFailed, UpstreamCancelled:
		_, txErr := co.store.TransitionSearchState(ctx, ms.SearchID, models.SearchFailed, func(m *models.MerchantSearch) {
			m.Error = "upstream reported " + string(upstream)
			m.LastPolledAt = &now
			m.PollAttempts++
		})
		return txErr
	default: // PENDING, IN_PROGRESS
		if ms.PollAttempts >= co.maxAttempts {
			_, txErr := co.store.TransitionSearchState(ctx, ms.SearchID, models.SearchTimeout, func(m *models.MerchantSearch) {
				m.Error = "max poll attempts exceeded"
			})
			return txErr
		}
		if ms.State == models.SearchSubmitted {
			_, txErr := co.store.TransitionSearchState(ctx, ms.SearchID, models.SearchPolling, func(m *models.MerchantSearch) {
				m.LastPolledAt = &now
				m.PollAttempts++
			})
			return txErr
		}
		return co.bumpAttempt(ctx, ms.SearchID, "")
	}
}

func (co *Coordinator) bumpAttempt(ctx context.Context, searchID, lastErr string) error {
	now := time.Now()
	_, err := co.store.TransitionSearchState(ctx, searchID, models.SearchPolling, func(m *models.MerchantSearch) {
		m.LastPolledAt = &now
		m.PollAttempts++
		if lastErr != "" {
			m.Error = lastErr
		}
	})
	return err
}

// HandleWebhook reconciles a verified, de-duplicated webhook delivery
// by advancing the MerchantSearch to webhook_received — unless the
// poller has already moved it further along, in which case
// TransitionSearchState simply reports the loss and this is a no-op.
func (co *Coordinator) HandleWebhook(ctx context.Context, ev models.WebhookEvent) error {
	won, err := co.store.TransitionSearchState(ctx, ev.SearchID, models.SearchWebhookReceived, nil)
	if err != nil {
		return err
	}
	if !won {
		co.log.Printf("webhook for search %s arrived after poller had already advanced it; ignoring", ev.SearchID)
		return nil
	}
	if co.ledger != nil {
		_ = co.ledger.Record(ctx, ev.SearchID, reconcile.WinnerWebhook, 0)
	}
	return co.fetchAndReconcile(ctx, ev.SearchID)
}

// fetchAndReconcile pages through results and writes the best match
// per client_reference_id into its Record, then transitions the
// MerchantSearch to its terminal state. Reconciliation is idempotent:
// TransitionSearchState refuses to move a search that is already in a
// terminal state.
func (co *Coordinator) fetchAndReconcile(ctx context.Context, searchID string) error {
	ms, err := co.store.GetSearch(ctx, searchID)
	if err != nil {
		return err
	}
	if ms.State.IsTerminal() {
		return nil // already reconciled; re-processing is a no-op
	}

	// The poll path already moved the search to fetching_results before
	// calling in here; the webhook path hasn't (webhook_received's only
	// outgoing edges are {fetching_results, timeout, failed, cancelled},
	// never completed/no_results directly). Make the transition here so
	// both callers land in the same state before reconciling — a
	// self-transition when we're already there is always legal.
	if _, err := co.store.TransitionSearchState(ctx, searchID, models.SearchFetchingResults, nil); err != nil {
		return err
	}

	refToRecord := make(map[string]string, len(ms.RecordIDMapping))
	inputNames := make(map[string]string, len(ms.RecordIDMapping))
	for recordID, clientRefID := range ms.RecordIDMapping {
		refToRecord[clientRefID] = recordID
		if rec, err := co.store.GetRecord(ctx, recordID); err == nil {
			inputNames[clientRefID] = rec.CleanedName
		}
	}

	best := make(map[string]MatchResult)
	offset, limit := 0, 200
	totalSeen := 0
	for {
		var page *ResultsPage
		err := co.call(ctx, func(ctx context.Context) error {
			var resultsErr error
			page, resultsErr = co.client.Results(ctx, searchID, offset, limit)
			return resultsErr
		})
		if err == ErrResultsNotFound {
			break
		}
		if err != nil {
			_, txErr := co.store.TransitionSearchState(ctx, searchID, models.SearchFailed, func(m *models.MerchantSearch) {
				m.Error = err.Error()
			})
			if txErr != nil {
				return txErr
			}
			return nil
		}
		for _, m := range page.Results {
			totalSeen++
			if existing, ok := best[m.ClientReferenceID]; !ok || isBetterMatch(m, existing, inputNames[m.ClientReferenceID]) {
				best[m.ClientReferenceID] = m
			}
		}
		offset += len(page.Results)
		if len(page.Results) == 0 || offset >= page.TotalCount {
			break
		}
	}

	if totalSeen == 0 {
		_, err := co.store.TransitionSearchState(ctx, searchID, models.SearchNoResults, func(m *models.MerchantSearch) {
			now := time.Now()
			m.CompletedAt = &now
		})
		if err != nil {
			return err
		}
		return co.markAllNoMatch(ctx, ms)
	}

	for recordID, clientRefID := range ms.RecordIDMapping {
		match, ok := best[clientRefID]
		if !ok {
			if err := co.writeNoMatch(ctx, recordID, searchID); err != nil {
				return err
			}
			continue
		}
		if err := co.writeMatch(ctx, recordID, searchID, match); err != nil {
			return err
		}
	}

	_, err = co.store.TransitionSearchState(ctx, searchID, models.SearchCompleted, func(m *models.MerchantSearch) {
		now := time.Now()
		m.CompletedAt = &now
	})
	return err
}

// isBetterMatch applies the §4.5.4 deterministic tie-break: highest
// confidence band, then highest numeric confidence, then highest
// token overlap with the input name, then presence of a tax ID, then
// stable by merchant_id.
func isBetterMatch(candidate, current MatchResult, inputName string) bool {
	cBand, uBand := bandRank(candidate.ConfidenceBand), bandRank(current.ConfidenceBand)
	if cBand != uBand {
		return cBand > uBand
	}
	if candidate.Confidence != current.Confidence {
		return candidate.Confidence > current.Confidence
	}
	cOverlap, uOverlap := tokenOverlap(candidate.BusinessName, inputName), tokenOverlap(current.BusinessName, inputName)
	if cOverlap != uOverlap {
		return cOverlap > uOverlap
	}
	if (candidate.TaxID != "") != (current.TaxID != "") {
		return candidate.TaxID != ""
	}
	return candidate.MerchantID < current.MerchantID
}

func bandRank(band string) int {
	switch band {
	case "HIGH":
		return 3
	case "MEDIUM":
		return 2
	case "LOW":
		return 1
	default:
		return 0
	}
}

func tokenOverlap(a, b string) int {
	setA := make(map[string]bool)
	for _, tok := range strings.Fields(strings.ToLower(a)) {
		setA[tok] = true
	}
	count := 0
	for _, tok := range strings.Fields(strings.ToLower(b)) {
		if setA[tok] {
			count++
		}
	}
	return count
}

func (co *Coordinator) notify(recordID, status string) {
	if co.Notify != nil {
		co.Notify(recordID, status)
	}
}

func (co *Coordinator) writeMatch(ctx context.Context, recordID, searchID string, match MatchResult) error {
	err := co.store.UpdateRecordStage(ctx, recordID, func(r *models.Record) {
		r.Merchant = models.MerchantEnrichment{
			Status:         models.MerchantMatched,
			BusinessName:   match.BusinessName,
			TaxID:          match.TaxID,
			MCC:            match.MCC,
			MCCGroup:       match.MCCGroup,
			Phone:          match.Phone,
			ConfidenceBand: models.ConfidenceBand(match.ConfidenceBand),
			SearchID:       searchID,
			Address: &models.Address{
				Line1:   match.Address.Line1,
				City:    match.Address.City,
				State:   match.Address.State,
				Zip:     match.Address.Zip,
				Country: match.Address.Country,
			},
		}
		r.PerStageStatus.Merchant = models.StageCompleted
	})
	if err == nil {
		co.notify(recordID, "matched")
	}
	return err
}

func (co *Coordinator) writeNoMatch(ctx context.Context, recordID, searchID string) error {
	err := co.store.UpdateRecordStage(ctx, recordID, func(r *models.Record) {
		r.Merchant = models.MerchantEnrichment{Status: models.MerchantNoMatch, SearchID: searchID}
		r.PerStageStatus.Merchant = models.StageCompleted
	})
	if err == nil {
		co.notify(recordID, "no_match")
	}
	return err
}

func (co *Coordinator) markAllNoMatch(ctx context.Context, ms *models.MerchantSearch) error {
	for recordID := range ms.RecordIDMapping {
		if err := co.writeNoMatch(ctx, recordID, ms.SearchID); err != nil {
			return err
		}
	}
	return nil
}

// CancelForBatch marks every open MerchantSearch for a cancelled Batch
// as cancelled, suppressing any late webhook/poll per §4.5.5.
func (co *Coordinator) CancelForBatch(ctx context.Context, batchID string) error {
	open, err := co.store.OpenSearches(ctx)
	if err != nil {
		return err
	}
	for _, ms := range open {
		if ms.BatchID != batchID {
			continue
		}
		if _, err := co.store.TransitionSearchState(ctx, ms.SearchID, models.SearchCancelled, nil); err != nil {
			return err
		}
	}
	return nil
}
