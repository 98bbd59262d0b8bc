package webhooks

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"tutora-provisioning/internal/contextkeys"
	"tutora-provisioning/internal/events"
	"tutora-provisioning/internal/metrics"
	"tutora-provisioning/internal/provision"
)

// LedgerStore is the dedup gate for at-least-once webhook delivery.
type LedgerStore interface {
	RecordEventIfNew(ctx context.Context, eventID, eventType string, receivedAt time.Time, rawPayload []byte) (bool, error)
}

// Handler contains dependencies for the billing webhook endpoint.
type Handler struct {
	Logger       *slog.Logger
	Ledger       LedgerStore
	Orchestrator *provision.Orchestrator
}

// NewHandler creates a new instance of the webhook Handler.
func NewHandler(logger *slog.Logger, ledger LedgerStore, orchestrator *provision.Orchestrator) *Handler {
	return &Handler{
		Logger:       logger,
		Ledger:       ledger,
		Orchestrator: orchestrator,
	}
}

// HandleBillingWebhook processes one verified delivery from the billing
// processor. Response codes steer the processor's retry behavior: 4xx means
// "never retry this payload", 2xx means "done (or duplicate, or ignored)",
// and 5xx means "retry, the job will resume from durable progress".
func (h *Handler) HandleBillingWebhook(w http.ResponseWriter, r *http.Request) {
	bodyBytes, ok := r.Context().Value(contextkeys.VerifiedBodyKey).([]byte)
	if !ok {
		h.Logger.Error("Could not retrieve verified request body from context")
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	ev, err := events.Parse(bodyBytes)
	if err != nil {
		h.Logger.Warn("Rejecting malformed webhook payload", "error", err)
		metrics.EventReceived("rejected")
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	isNew, err := h.Ledger.RecordEventIfNew(r.Context(), ev.ID, ev.Type, ev.ReceivedAt, ev.RawPayload)
	if err != nil {
		h.Logger.Error("Failed to record event in ledger", "event_id", ev.ID, "error", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	if !isNew && ev.Type != events.EventTypeCheckoutCompleted {
		h.Logger.Info("Duplicate delivery detected and acknowledged", "event_id", ev.ID)
		metrics.EventReceived("duplicate")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("Duplicate delivery acknowledged.\n"))
		return
	}

	if ev.Type != events.EventTypeCheckoutCompleted {
		h.Logger.Info("Ignoring event type with no handler", "event_id", ev.ID, "event_type", ev.Type)
		metrics.EventReceived("ignored")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("Event type acknowledged without action.\n"))
		return
	}

	// Checkout events always reach the orchestrator, seen before or not: the
	// ledger only dedupes the delivery layer, while redelivery of a known
	// event id is the mechanism that resumes a job stuck in failed. A truly
	// duplicate delivery of a finished job is a no-op inside Handle.
	if !isNew {
		h.Logger.Info("Redelivery of known event, consulting job state", "event_id", ev.ID)
		metrics.EventReceived("duplicate")
	}

	state, err := h.Orchestrator.Handle(r.Context(), ev)
	switch {
	case err == nil:
		metrics.EventReceived("processed")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("Provisioning complete.\n"))
	case errors.Is(err, provision.ErrMetadataIncomplete):
		// Permanently bad payload: a retry can never succeed, so answer 4xx
		// and let the processor stop redelivering.
		metrics.EventReceived("rejected")
		http.Error(w, "Checkout session metadata incomplete", http.StatusBadRequest)
	case errors.Is(err, provision.ErrRetryCeiling):
		// Acknowledge to stop the redelivery loop; remediation is manual.
		h.Logger.Error("Job past retry ceiling, operator intervention required",
			"event_id", ev.ID, "error", err)
		metrics.EventReceived("failed")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("Provisioning suspended pending manual intervention.\n"))
	default:
		// Step failure with durable progress already persisted. A non-2xx
		// response induces redelivery, which resumes the job.
		h.Logger.Error("Provisioning failed, requesting redelivery",
			"event_id", ev.ID, "state", state, "error", err)
		metrics.EventReceived("failed")
		http.Error(w, "Provisioning failed, retry delivery", http.StatusBadGateway)
	}
}
