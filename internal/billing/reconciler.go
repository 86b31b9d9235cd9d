package billing

import (
	"context"
	"log/slog"
	"time"

	"waypost/internal/types"
)

// SubscriptionStore provides the subscription row operations the reconciler
// needs within one transaction. Implemented by db.SubscriptionRepo bound to a
// pgx.Tx.
type SubscriptionStore interface {
	// EnsureForUser lazily creates the free/active row.
	EnsureForUser(ctx context.Context, userID string) error

	// GetForUpdate loads the user's row with a row lock, serializing
	// concurrent transitions for the same user.
	// SQL: SELECT ... FROM subscriptions WHERE user_id = $1 FOR UPDATE
	GetForUpdate(ctx context.Context, userID string) (*types.Subscription, error)

	// ApplyTransition writes the target state guarded by the stored
	// (period_end, last_event_at) ordering pair. Returns false when the
	// guard rejects the write as stale. Authoritative writes bypass the
	// guard and reset both ordering columns.
	ApplyTransition(
		ctx context.Context,
		userID string,
		tier types.Tier,
		status types.SubscriptionStatus,
		periodEnd *time.Time,
		eventAt time.Time,
		authoritative bool,
	) (bool, error)

	// LinkExternal records the customer and subscription identifiers.
	LinkExternal(ctx context.Context, userID, customerID, subscriptionID string) error
}

// TxManager runs a function inside a database transaction, handing it a
// SubscriptionStore bound to that transaction. Implemented in internal/db.
type TxManager interface {
	WithSubscriptionTx(ctx context.Context, fn func(SubscriptionStore) error) error
}

// Reconciler is the single write path for subscription state. Webhook
// ingestion, the retry sweep, and resync all feed canonical transitions
// through Apply; nothing else mutates the subscriptions table.
type Reconciler struct {
	txm    TxManager
	logger *slog.Logger
}

// NewReconciler creates a Reconciler.
func NewReconciler(txm TxManager, logger *slog.Logger) *Reconciler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler{txm: txm, logger: logger}
}

// Apply reconciles one canonical transition against the user's subscription
// row.
//
// Within a single transaction it locks the row (per-user serialization;
// different users proceed in parallel), orders the transition against the
// recorded state, computes the target state from the transition kind, and
// writes it. Ordering is billing period first, provider event timestamp
// second: an event for a later period wins whatever order it arrives in, an
// event for an earlier period never regresses the row, and same-period
// events (a mid-period cancellation, upgrade, or delinquency) order by
// timestamp. A superseded transition returns outcome no_op without touching
// state; it is never an error, because out-of-order delivery is the
// provider's documented behavior.
func (r *Reconciler) Apply(ctx context.Context, t *types.CanonicalTransition) (*types.ReconciliationResult, error) {
	if t.Kind == types.TransitionNoOp || t.UserID == "" {
		return &types.ReconciliationResult{
			UserID:  t.UserID,
			Outcome: types.OutcomeNoOp,
		}, nil
	}

	var result *types.ReconciliationResult
	err := r.txm.WithSubscriptionTx(ctx, func(store SubscriptionStore) error {
		if err := store.EnsureForUser(ctx, t.UserID); err != nil {
			return err
		}

		sub, err := store.GetForUpdate(ctx, t.UserID)
		if err != nil {
			return err
		}
		if sub == nil {
			return types.NewAppError(types.ErrCodeInternalUnexpected, "subscription row missing after ensure", nil)
		}

		previous := sub.State()

		if !t.Supersedes(sub) {
			r.logger.InfoContext(ctx, "stale transition reconciled as no_op",
				slog.String("user_id", t.UserID),
				slog.String("event_id", t.ExternalEventID),
				slog.String("kind", string(t.Kind)),
				slog.Time("event_time", t.EventTime),
				slog.Any("event_period_end", timeValue(t.PeriodEnd)),
				slog.Any("recorded_period_end", timeValue(sub.PeriodEnd)),
				slog.Any("watermark", timeValue(sub.LastEventAt)),
			)
			result = &types.ReconciliationResult{
				UserID:   t.UserID,
				Previous: previous,
				New:      previous,
				Outcome:  types.OutcomeNoOp,
			}
			return nil
		}

		tier, status := targetState(t, sub)

		applied, err := store.ApplyTransition(ctx, t.UserID, tier, status, t.PeriodEnd, t.EventTime, t.Authoritative)
		if err != nil {
			return err
		}
		if !applied {
			// The row lock makes this unreachable in practice; the
			// guarded UPDATE is the backstop if locking is ever relaxed.
			result = &types.ReconciliationResult{
				UserID:   t.UserID,
				Previous: previous,
				New:      previous,
				Outcome:  types.OutcomeNoOp,
			}
			return nil
		}

		if t.Kind == types.TransitionActivated && t.CustomerID != "" {
			if err := store.LinkExternal(ctx, t.UserID, t.CustomerID, t.SubscriptionID); err != nil {
				return err
			}
		}

		newState := types.SubscriptionState{Tier: tier, Status: status}
		result = &types.ReconciliationResult{
			UserID:   t.UserID,
			Previous: previous,
			New:      newState,
			Outcome:  types.OutcomeApplied,
			Changed:  newState != previous,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if result.Outcome == types.OutcomeApplied {
		r.logger.InfoContext(ctx, "transition applied",
			slog.String("user_id", t.UserID),
			slog.String("event_id", t.ExternalEventID),
			slog.String("kind", string(t.Kind)),
			slog.String("tier", string(result.New.Tier)),
			slog.String("status", string(result.New.Status)),
			slog.Bool("changed", result.Changed),
		)
	}
	return result, nil
}

// timeValue unwraps an optional timestamp for logging; a typed nil
// *time.Time would make slog's handlers call MarshalText on it and panic.
func timeValue(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

// targetState computes the (tier, status) a transition drives the row to.
// Kinds that carry no tier preserve the stored one: delinquency and
// cancellation change standing, not the purchased tier, which is what makes
// recovery after payment possible.
func targetState(t *types.CanonicalTransition, sub *types.Subscription) (types.Tier, types.SubscriptionStatus) {
	switch t.Kind {
	case types.TransitionActivated:
		return t.Tier, types.SubStatusActive

	case types.TransitionRenewed:
		tier := t.Tier
		if tier == "" {
			tier = sub.Tier
		}
		return tier, types.SubStatusActive

	case types.TransitionTierChanged:
		tier := t.Tier
		if tier == "" {
			tier = sub.Tier
		}
		status := t.Status
		if status == "" {
			status = types.SubStatusActive
		}
		return tier, status

	case types.TransitionPastDue:
		status := t.Status
		if status == "" {
			status = types.SubStatusPastDue
		}
		return sub.Tier, status

	case types.TransitionCanceled:
		return sub.Tier, types.SubStatusCanceled

	default:
		return sub.Tier, sub.Status
	}
}
