package db

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"waypost/internal/types"
)

// Compile-time interface checks.
var _ types.RateLimitStore = (*RateLimitRepo)(nil)

// RateLimitRepo enforces fixed-window rate limits against the
// rate_limit_counters table. The check and the increment are a single
// conditional upsert, so concurrent requests racing at the limit boundary can
// never overshoot the quota.
type RateLimitRepo struct {
	db    DBTX
	clock types.Clock
}

// NewRateLimitRepo creates a new RateLimitRepo backed by the given database
// connection. A nil clock defaults to real UTC time.
func NewRateLimitRepo(db DBTX, clock types.Clock) *RateLimitRepo {
	if clock == nil {
		clock = types.RealClock{}
	}
	return &RateLimitRepo{db: db, clock: clock}
}

// CheckAndIncrement consumes one unit of capacity for (userID, action) in the
// current fixed window. The window boundary is the current time truncated to
// the window length, so all processes agree on window edges without
// coordination.
//
// SQL pattern:
//
//	INSERT INTO rate_limit_counters (user_id, action, window_start, window_end, count)
//	VALUES ($1, $2, $3, $4, 1)
//	ON CONFLICT (user_id, action, window_start)
//	  DO UPDATE SET count = rate_limit_counters.count + 1
//	  WHERE rate_limit_counters.count < $5
//	RETURNING count
//
// When the counter is at the limit the conditional update matches nothing,
// RETURNING yields no row, and the request is denied without consuming
// capacity.
func (r *RateLimitRepo) CheckAndIncrement(
	ctx context.Context,
	userID string,
	action string,
	limit int,
	window time.Duration,
) (types.RateLimitResult, error) {
	if window <= 0 {
		return types.RateLimitResult{}, types.NewAppError(
			types.ErrCodeValidationInvalidWindow, "rate limit window must be positive", nil)
	}

	now := r.clock.Now()
	windowStart := now.Truncate(window)
	windowEnd := windowStart.Add(window)

	// A zero limit means the action is not available on the user's tier.
	// Deny without touching the counter table.
	if limit <= 0 {
		return types.RateLimitResult{Allowed: false, Remaining: 0, ResetAt: windowEnd}, nil
	}

	var count int
	err := r.db.QueryRow(ctx,
		`INSERT INTO rate_limit_counters (user_id, action, window_start, window_end, count)
		 VALUES ($1, $2, $3, $4, 1)
		 ON CONFLICT (user_id, action, window_start)
		   DO UPDATE SET count = rate_limit_counters.count + 1
		   WHERE rate_limit_counters.count < $5
		 RETURNING count`,
		userID,
		action,
		windowStart,
		windowEnd,
		limit,
	).Scan(&count)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			// Counter already at the limit; nothing was consumed.
			return types.RateLimitResult{Allowed: false, Remaining: 0, ResetAt: windowEnd}, nil
		}
		return types.RateLimitResult{}, types.NewAppError(
			types.ErrCodeInternalDB, "failed to check rate limit", err)
	}

	return types.RateLimitResult{
		Allowed:   true,
		Remaining: limit - count,
		ResetAt:   windowEnd,
	}, nil
}

// PurgeExpired deletes counters whose window has fully elapsed. Returns the
// number of rows removed. Called by the cleanup sweep; enforcement never
// reads expired rows, so purging is purely a space reclamation concern.
func (r *RateLimitRepo) PurgeExpired(ctx context.Context, now time.Time) (int64, error) {
	tag, err := r.db.Exec(ctx,
		`DELETE FROM rate_limit_counters WHERE window_end < $1`,
		now,
	)
	if err != nil {
		return 0, types.NewAppError(types.ErrCodeInternalDB, "failed to purge expired rate limit windows", err)
	}
	return tag.RowsAffected(), nil
}
