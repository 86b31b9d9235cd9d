package external

import (
	"context"

	"waypost/internal/types"
)

// ProcessorAPI abstracts the payment processor's REST surface used by resync.
// Implementations translate between domain types and the vendor API.
type ProcessorAPI interface {
	// GetSubscription fetches the customer's current subscription.
	// Returns (nil, nil) when the customer has no subscription.
	GetSubscription(ctx context.Context, customerID string) (*types.SubscriptionSnapshot, error)
}

// WebhookVerifier abstracts processor webhook signature checking.
type WebhookVerifier interface {
	// Verify validates a webhook payload against the provided signature header
	// and signing secret. Returns nil on success, an error on failure.
	Verify(payload []byte, header string, secret string) error
}
