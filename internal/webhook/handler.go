package webhook

import (
	"context"
	"encoding/json"
	"time"

	"github.com/finexio/enrichment-engine/internal/apperr"
	"github.com/finexio/enrichment-engine/internal/logging"
	"github.com/finexio/enrichment-engine/pkg/models"
)

// Reconciler is the subset of bulksearch.Coordinator the handler needs.
type Reconciler interface {
	HandleWebhook(ctx context.Context, ev models.WebhookEvent) error
}

// Handler wires signature verification, idempotent dedup insertion,
// and reconciliation into one inbound delivery path.
type Handler struct {
	verifier   *Verifier
	store      Store
	reconciler Reconciler
	log        *logging.Logger
}

// NewHandler builds a Handler.
func NewHandler(verifier *Verifier, store Store, reconciler Reconciler, log *logging.Logger) *Handler {
	return &Handler{verifier: verifier, store: store, reconciler: reconciler, log: log.With("webhook")}
}

// rawEvent is the wire shape the external service posts.
type rawEvent struct {
	EventID   string          `json:"eventId"`
	EventType string          `json:"eventType"`
	SearchID  string          `json:"searchId"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload"`
}

// Handle verifies, dedupes, and reconciles one inbound delivery. A
// duplicate event_id is recognized and ignored (apperr.KindIntegrity
// semantics: return success, no side effects) rather than treated as
// an error, matching spec.md §7's policy.
func (h *Handler) Handle(ctx context.Context, body []byte, signatureHeader string) error {
	var ev rawEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		return apperr.Input("webhook.handle", err)
	}

	if err := h.verifier.Verify(body, signatureHeader, ev.Timestamp); err != nil {
		return err
	}

	inserted, err := h.store.InsertWebhookEventIfNew(ctx, &models.WebhookEvent{
		EventID:    ev.EventID,
		EventType:  ev.EventType,
		SearchID:   ev.SearchID,
		Payload:    body,
		Timestamp:  ev.Timestamp,
		ReceivedAt: time.Now(),
	})
	if err != nil {
		return err
	}
	if !inserted {
		h.log.Printf("duplicate webhook event %s ignored", ev.EventID)
		return nil
	}

	procErr := h.reconciler.HandleWebhook(ctx, models.WebhookEvent{
		EventID:   ev.EventID,
		EventType: ev.EventType,
		SearchID:  ev.SearchID,
		Payload:   body,
		Timestamp: ev.Timestamp,
	})
	if err := h.store.MarkWebhookProcessed(ctx, ev.EventID, procErr); err != nil {
		h.log.Errorf("failed to mark webhook event %s processed: %v", ev.EventID, err)
	}
	return procErr
}
