package external

import (
	"context"
	"log/slog"

	"waypost/internal/types"
)

// Stubs back local development and test mode so the service runs without
// processor credentials.

// StubProcessorClient returns a fixed snapshot for every customer.
type StubProcessorClient struct {
	logger *slog.Logger

	// Snapshot is returned for every lookup. Nil means "no subscription".
	Snapshot *types.SubscriptionSnapshot
}

var _ ProcessorAPI = (*StubProcessorClient)(nil)

func NewStubProcessorClient(logger *slog.Logger) *StubProcessorClient {
	if logger == nil {
		logger = slog.Default()
	}
	return &StubProcessorClient{logger: logger}
}

func (s *StubProcessorClient) GetSubscription(ctx context.Context, customerID string) (*types.SubscriptionSnapshot, error) {
	s.logger.InfoContext(ctx, "STUB: returning canned subscription snapshot", "customer_id", customerID)
	if s.Snapshot == nil {
		return nil, nil
	}
	snap := *s.Snapshot
	snap.CustomerID = customerID
	return &snap, nil
}

// StubWebhookVerifier accepts every payload.
type StubWebhookVerifier struct {
	logger *slog.Logger
}

var _ WebhookVerifier = (*StubWebhookVerifier)(nil)

func NewStubWebhookVerifier(logger *slog.Logger) *StubWebhookVerifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &StubWebhookVerifier{logger: logger}
}

func (s *StubWebhookVerifier) Verify(payload []byte, header string, secret string) error {
	s.logger.Info("STUB: accepting webhook signature without verification")
	return nil
}
