package db

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"

	"waypost/internal/types"
)

// SubscriptionRepo manages the locally reconciled subscription row for each
// user. One row exists per user; the row is created lazily on first contact.
//
// Key invariant: ApplyTransition orders writes by the stored (period_end,
// last_event_at) pair so out-of-order billing events degrade to no-ops
// instead of regressing state. There is no read-modify-write window; the
// staleness check and the state write are a single UPDATE.
type SubscriptionRepo struct {
	db     DBTX
	logger *slog.Logger
}

// NewSubscriptionRepo creates a new SubscriptionRepo backed by the given
// database connection (pool or transaction).
func NewSubscriptionRepo(db DBTX, logger *slog.Logger) *SubscriptionRepo {
	if logger == nil {
		logger = slog.Default()
	}
	return &SubscriptionRepo{db: db, logger: logger}
}

// EnsureForUser creates the free/active subscription row for a user if it
// does not already exist. Existing rows are left untouched.
func (r *SubscriptionRepo) EnsureForUser(ctx context.Context, userID string) error {
	_, err := r.db.Exec(ctx,
		`INSERT INTO subscriptions (user_id, tier, status, updated_at)
		 VALUES ($1, 'free', 'active', NOW())
		 ON CONFLICT (user_id) DO NOTHING`,
		userID,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to ensure subscription row", err)
	}
	return nil
}

// GetByUserID returns the subscription row for a user, or (nil, nil) when no
// row exists. Callers decide whether a missing row means "free tier" or an
// error.
func (r *SubscriptionRepo) GetByUserID(ctx context.Context, userID string) (*types.Subscription, error) {
	var sub types.Subscription
	err := r.db.QueryRow(ctx,
		`SELECT user_id, tier, status, external_customer_id, external_subscription_id,
		        period_end, last_event_at, updated_at
		 FROM subscriptions
		 WHERE user_id = $1`,
		userID,
	).Scan(
		&sub.UserID,
		&sub.Tier,
		&sub.Status,
		&sub.ExternalCustomerID,
		&sub.ExternalSubscriptionID,
		&sub.PeriodEnd,
		&sub.LastEventAt,
		&sub.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to load subscription", err)
	}
	return &sub, nil
}

// GetForUpdate loads the subscription row with a row lock, serializing
// concurrent transitions for the same user. Must be called inside a
// transaction; the lock is released on commit or rollback.
func (r *SubscriptionRepo) GetForUpdate(ctx context.Context, userID string) (*types.Subscription, error) {
	var sub types.Subscription
	err := r.db.QueryRow(ctx,
		`SELECT user_id, tier, status, external_customer_id, external_subscription_id,
		        period_end, last_event_at, updated_at
		 FROM subscriptions
		 WHERE user_id = $1
		 FOR UPDATE`,
		userID,
	).Scan(
		&sub.UserID,
		&sub.Tier,
		&sub.Status,
		&sub.ExternalCustomerID,
		&sub.ExternalSubscriptionID,
		&sub.PeriodEnd,
		&sub.LastEventAt,
		&sub.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to lock subscription row", err)
	}
	return &sub, nil
}

// GetUserIDByCustomer resolves the user that owns an external customer ID.
// Returns "" when no subscription row references the customer. Used to
// attribute invoice events, which carry only the customer identifier.
func (r *SubscriptionRepo) GetUserIDByCustomer(ctx context.Context, customerID string) (string, error) {
	var userID string
	err := r.db.QueryRow(ctx,
		`SELECT user_id FROM subscriptions WHERE external_customer_id = $1`,
		customerID,
	).Scan(&userID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", nil
		}
		return "", types.NewAppError(types.ErrCodeInternalDB, "failed to resolve customer to user", err)
	}
	return userID, nil
}

// ApplyTransition atomically writes the target (tier, status, period_end) and
// advances the last_event_at watermark. The guard orders events by billing
// period first and provider timestamp second: a write covering a later
// period_end always lands, one covering an earlier period_end never does, and
// same-period writes require a timestamp strictly newer than the stored
// watermark. A stale transition affects zero rows and the method returns
// (false, nil).
//
// Authoritative writes (resync snapshots) skip the guard and overwrite both
// ordering columns, so a corrupted row converges to external truth.
//
// The staleness guard and the write are a single statement, so two concurrent
// transitions for the same user serialize on the row and exactly one of two
// equal-timestamp events wins.
func (r *SubscriptionRepo) ApplyTransition(
	ctx context.Context,
	userID string,
	tier types.Tier,
	status types.SubscriptionStatus,
	periodEnd *time.Time,
	eventAt time.Time,
	authoritative bool,
) (bool, error) {
	tag, err := r.db.Exec(ctx,
		`UPDATE subscriptions
		 SET tier = $1,
		     status = $2,
		     period_end = CASE WHEN $6 THEN $3
		                       ELSE COALESCE($3, period_end) END,
		     last_event_at = CASE WHEN $6 THEN $4
		                          ELSE GREATEST(COALESCE(last_event_at, $4), $4) END,
		     updated_at = NOW()
		 WHERE user_id = $5
		   AND ($6
		        OR ($3::timestamptz IS NOT NULL AND period_end IS NOT NULL AND $3 > period_end)
		        OR (($3::timestamptz IS NULL OR period_end IS NULL OR $3 >= period_end)
		            AND (last_event_at IS NULL OR last_event_at < $4)))`,
		tier,
		status,
		periodEnd,
		eventAt,
		userID,
		authoritative,
	)
	if err != nil {
		return false, types.NewAppError(types.ErrCodeInternalDB, "failed to apply subscription transition", err)
	}

	if tag.RowsAffected() == 0 {
		// Event is behind what we already have -- idempotent no-op.
		r.logger.Info("stale subscription transition ignored (optimistic lock)",
			slog.String("user_id", userID),
			slog.Time("event_at", eventAt),
		)
		return false, nil
	}

	return true, nil
}

// LinkExternal records the external customer and subscription identifiers on
// the user's row. Called on activation so later customer-only events can be
// attributed via GetUserIDByCustomer.
func (r *SubscriptionRepo) LinkExternal(ctx context.Context, userID, customerID, subscriptionID string) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE subscriptions
		 SET external_customer_id = $1,
		     external_subscription_id = $2,
		     updated_at = NOW()
		 WHERE user_id = $3`,
		customerID,
		subscriptionID,
		userID,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to link external identifiers", err)
	}
	if tag.RowsAffected() == 0 {
		return types.NewAppError(types.ErrCodeNotFoundSubscription, "subscription row not found", nil)
	}
	return nil
}
