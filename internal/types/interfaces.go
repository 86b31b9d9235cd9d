package types

import (
	"context"
	"time"
)

// RateLimitStore atomically checks and consumes rate limit capacity for a
// (user, action) pair within a fixed window. Implementations must guarantee
// that concurrent calls never allow more than limit actions per window.
type RateLimitStore interface {
	// CheckAndIncrement consumes one unit of capacity if available. The
	// check and the increment happen atomically; a denied call consumes
	// nothing.
	CheckAndIncrement(ctx context.Context, userID string, action string, limit int, window time.Duration) (RateLimitResult, error)
}
