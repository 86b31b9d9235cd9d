package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"waypost/internal/core"
	"waypost/internal/types"
)

// EntitlementResolver computes the feature set for a user.
// Implemented by billing.EntitlementService.
type EntitlementResolver interface {
	ResolveForUser(ctx context.Context, userID string) (types.Entitlement, types.SubscriptionState, error)
}

// RateLimitMetrics records limit check decisions.
type RateLimitMetrics interface {
	RecordRateLimitDecision(ctx context.Context, action string, allowed bool)
}

// EntitlementsHandler serves the read API: entitlement queries and rate
// limit checks.
type EntitlementsHandler struct {
	resolver  EntitlementResolver
	limits    types.RateLimitStore
	validator *core.Validator
	metrics   RateLimitMetrics
	logger    *slog.Logger
}

func NewEntitlementsHandler(
	resolver EntitlementResolver,
	limits types.RateLimitStore,
	validator *core.Validator,
	metrics RateLimitMetrics,
	logger *slog.Logger,
) *EntitlementsHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &EntitlementsHandler{
		resolver:  resolver,
		limits:    limits,
		validator: validator,
		metrics:   metrics,
		logger:    logger,
	}
}

// RegisterRoutes mounts the entitlement and limit endpoints.
func (h *EntitlementsHandler) RegisterRoutes(r chi.Router) {
	r.Get("/users/{userID}/entitlements", h.GetEntitlements)
	r.Post("/limits/check", h.CheckLimit)
}

// entitlementsResponse is the body for GET /v1/users/{userID}/entitlements.
type entitlementsResponse struct {
	UserID       string                  `json:"user_id"`
	Tier         types.Tier              `json:"tier"`
	Status       types.SubscriptionStatus `json:"status"`
	Entitlements types.Entitlement       `json:"entitlements"`
}

// GetEntitlements resolves the caller-visible feature set. Users with no
// subscription history resolve to the free tier rather than 404: every user
// has entitlements.
func (h *EntitlementsHandler) GetEntitlements(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	if userID == "" {
		core.Error(w, r, types.NewAppError(types.ErrCodeValidationMissingField, "userID path parameter is required", nil))
		return
	}

	ent, state, err := h.resolver.ResolveForUser(r.Context(), userID)
	if err != nil {
		core.Error(w, r, err)
		return
	}

	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: entitlementsResponse{
		UserID:       userID,
		Tier:         state.Tier,
		Status:       state.Status,
		Entitlements: ent,
	}})
}

// checkLimitRequest is the body for POST /v1/limits/check.
type checkLimitRequest struct {
	UserID        string `json:"user_id" validate:"required"`
	Action        string `json:"action" validate:"required"`
	Limit         int    `json:"limit" validate:"required,gt=0"`
	WindowSeconds int    `json:"window_seconds" validate:"required,gt=0"`
}

// checkLimitResponse is the body for POST /v1/limits/check.
type checkLimitResponse struct {
	Allowed   bool      `json:"allowed"`
	Remaining int       `json:"remaining"`
	ResetAt   time.Time `json:"reset_at"`
}

// CheckLimit atomically counts the action against its fixed window. A denied
// action is a normal 200 response with allowed:false; error statuses are
// reserved for bad requests and store failures.
func (h *EntitlementsHandler) CheckLimit(w http.ResponseWriter, r *http.Request) {
	var req checkLimitRequest
	if err := core.DecodeJSON(w, r, &req); err != nil {
		core.Error(w, r, err)
		return
	}
	if err := h.validator.ValidateStruct(req); err != nil {
		core.Error(w, r, err)
		return
	}

	window := time.Duration(req.WindowSeconds) * time.Second
	result, err := h.limits.CheckAndIncrement(r.Context(), req.UserID, req.Action, req.Limit, window)
	if err != nil {
		core.Error(w, r, err)
		return
	}

	if h.metrics != nil {
		h.metrics.RecordRateLimitDecision(r.Context(), req.Action, result.Allowed)
	}
	if !result.Allowed {
		h.logger.InfoContext(r.Context(), "rate limit denied",
			"user_id", req.UserID, "action", req.Action, "limit", req.Limit)
	}

	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: checkLimitResponse{
		Allowed:   result.Allowed,
		Remaining: result.Remaining,
		ResetAt:   result.ResetAt,
	}})
}
