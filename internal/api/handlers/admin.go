package handlers

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"waypost/internal/core"
	"waypost/internal/types"
)

// Resyncer reconciles a user's local state against the processor's truth.
// Implemented by billing.ResyncService.
type Resyncer interface {
	Resync(ctx context.Context, userID string) (*types.ReconciliationResult, error)
}

// ResyncEnqueuer dispatches a resync job for asynchronous execution.
// Implemented by queue.ResyncTrigger.
type ResyncEnqueuer interface {
	Enqueue(ctx context.Context, userID string, reason string) error
}

// DeadLetterReader lists dead-lettered ledger rows.
type DeadLetterReader interface {
	ListDeadLetters(ctx context.Context, limit int) ([]types.LedgerEntry, error)
}

// AdminHandler serves the operator surface. All routes are mounted behind
// the admin key middleware.
type AdminHandler struct {
	resyncer    Resyncer
	enqueuer    ResyncEnqueuer
	deadLetters DeadLetterReader
	logger      *slog.Logger
}

func NewAdminHandler(resyncer Resyncer, enqueuer ResyncEnqueuer, deadLetters DeadLetterReader, logger *slog.Logger) *AdminHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &AdminHandler{
		resyncer:    resyncer,
		enqueuer:    enqueuer,
		deadLetters: deadLetters,
		logger:      logger,
	}
}

// RegisterRoutes mounts admin endpoints under the given (already
// authenticated) router group.
func (h *AdminHandler) RegisterRoutes(r chi.Router) {
	r.Post("/admin/resync/{userID}", h.TriggerResync)
	r.Get("/admin/dead-letters", h.ListDeadLetters)
}

// resyncRequest is the optional body for POST /v1/admin/resync/{userID}.
type resyncRequest struct {
	Async bool `json:"async"`
}

type resyncAccepted struct {
	UserID string `json:"user_id"`
	Status string `json:"status"`
}

// TriggerResync runs a resync inline, or enqueues it when the body carries
// {"async": true}. Inline responses return the reconciliation result so the
// operator sees what changed.
func (h *AdminHandler) TriggerResync(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	if userID == "" {
		core.Error(w, r, types.NewAppError(types.ErrCodeValidationMissingField, "userID path parameter is required", nil))
		return
	}

	var req resyncRequest
	if r.ContentLength > 0 {
		if err := core.DecodeJSON(w, r, &req); err != nil {
			core.Error(w, r, err)
			return
		}
	}

	if req.Async {
		if err := h.enqueuer.Enqueue(r.Context(), userID, "admin_requested"); err != nil {
			core.Error(w, r, err)
			return
		}
		core.JSON(w, r, http.StatusAccepted, core.APIResponse{Data: resyncAccepted{
			UserID: userID,
			Status: "queued",
		}})
		return
	}

	result, err := h.resyncer.Resync(r.Context(), userID)
	if err != nil {
		core.Error(w, r, err)
		return
	}

	h.logger.InfoContext(r.Context(), "admin resync completed",
		"user_id", userID, "outcome", result.Outcome, "changed", result.Changed)
	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: result})
}

// deadLetterView is the operator-facing shape of a dead-lettered ledger row.
// Raw payloads are omitted; the digest is enough to locate the archive copy.
type deadLetterView struct {
	ID              int64                `json:"id"`
	ExternalEventID string               `json:"external_event_id"`
	CanonicalType   types.TransitionKind `json:"canonical_type"`
	UserID          *string              `json:"user_id,omitempty"`
	ReceivedAt      string               `json:"received_at"`
	Attempts        int                  `json:"attempts"`
	PayloadDigest   string               `json:"payload_digest"`
}

const defaultDeadLetterLimit = 100

// ListDeadLetters surfaces events that exhausted their retry budget.
func (h *AdminHandler) ListDeadLetters(w http.ResponseWriter, r *http.Request) {
	entries, err := h.deadLetters.ListDeadLetters(r.Context(), defaultDeadLetterLimit)
	if err != nil {
		core.Error(w, r, err)
		return
	}

	views := make([]deadLetterView, 0, len(entries))
	for _, e := range entries {
		views = append(views, deadLetterView{
			ID:              e.ID,
			ExternalEventID: e.ExternalEventID,
			CanonicalType:   e.CanonicalType,
			UserID:          e.UserID,
			ReceivedAt:      e.ReceivedAt.Format("2006-01-02T15:04:05Z07:00"),
			Attempts:        e.Attempts,
			PayloadDigest:   e.PayloadDigest,
		})
	}

	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: views})
}
