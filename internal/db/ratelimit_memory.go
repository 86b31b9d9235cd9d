package db

import (
	"context"
	"sync"
	"time"

	"waypost/internal/types"
)

// Compile-time interface checks.
var _ types.RateLimitStore = (*MemoryRateLimitStore)(nil)

/// memoryWindowKey identifies one counter: a (user, action) pair within a
// specific fixed window.
type memoryWindowKey struct {
	userID      string
	action      string
	windowStart int64
}

// MemoryRateLimitStore is an in-process RateLimitStore used in local mode and
// in tests. It mirrors the semantics of RateLimitRepo exactly, including the
// atomic check-and-consume guarantee, but scopes enforcement to a single
// process.
type MemoryRateLimitStore struct {
	mu       sync.Mutex
	counters map[memoryWindowKey]int
	clock    types.Clock
}

// NewMemoryRateLimitStore creates an empty in-memory store. A nil clock
// defaults to real UTC time.
func NewMemoryRateLimitStore(clock types.Clock) *MemoryRateLimitStore {
	if clock == nil {
		clock = types.RealClock{}
	}
	return &MemoryRateLimitStore{
		counters: make(map[memoryWindowKey]int),
		clock:    clock,
	}
}

// CheckAndIncrement consumes one unit of capacity if available. The mutex
// spans both the check and the increment, matching the single-statement
// atomicity of the SQL implementation.
func (s *MemoryRateLimitStore) CheckAndIncrement(
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

	now := s.clock.Now()
	windowStart := now.Truncate(window)
	windowEnd := windowStart.Add(window)

	if limit <= 0 {
		return types.RateLimitResult{Allowed: false, Remaining: 0, ResetAt: windowEnd}, nil
	}

	key := memoryWindowKey{userID: userID, action: action, windowStart: windowStart.UnixNano()}

	s.mu.Lock()
	defer s.mu.Unlock()

	count := s.counters[key]
	if count >= limit {
		return types.RateLimitResult{Allowed: false, Remaining: 0, ResetAt: windowEnd}, nil
	}
	count++
	s.counters[key] = count

	return types.RateLimitResult{
		Allowed:   true,
		Remaining: limit - count,
		ResetAt:   windowEnd,
	}, nil
}

// PurgeExpired drops counters whose window ended before now. Window length is
// not stored per counter, so the caller passes the longest window in use; a
// counter is expired once its start plus that window is in the past.
func (s *MemoryRateLimitStore) PurgeExpired(now time.Time, maxWindow time.Duration) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for key := range s.counters {
		windowEnd := time.Unix(0, key.windowStart).Add(maxWindow)
		if windowEnd.Before(now) {
			delete(s.counters, key)
			removed++
		}
	}
	return removed
}
