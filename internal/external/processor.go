package external

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"waypost/internal/types"
)

// ProcessorClient talks to the payment processor's REST API. It implements
// ProcessorAPI and serves as the snapshot source for resync.
type ProcessorClient struct {
	base      *BaseClient
	baseURL   string
	secretKey types.SecretString
	logger    *slog.Logger
}

var _ ProcessorAPI = (*ProcessorClient)(nil)

// NewProcessorClient constructs a client against the given API base URL.
func NewProcessorClient(baseURL string, secretKey types.SecretString, logger *slog.Logger, opts ...BaseClientOption) *ProcessorClient {
	if logger == nil {
		logger = slog.Default()
	}
	return &ProcessorClient{
		base:      NewBaseClient("processor", nil, logger, opts...),
		baseURL:   baseURL,
		secretKey: secretKey,
		logger:    logger,
	}
}

// Wire shapes for the subscription list endpoint. Only the fields resync
// needs are decoded.
type processorSubscription struct {
	ID               string `json:"id"`
	Customer         string `json:"customer"`
	Status           string `json:"status"`
	CurrentPeriodEnd int64  `json:"current_period_end"`
	Items            struct {
		Data []struct {
			Price struct {
				ID string `json:"id"`
			} `json:"price"`
		} `json:"data"`
	} `json:"items"`
}

type processorSubscriptionList struct {
	Data []processorSubscription `json:"data"`
}

// GetSubscription fetches the customer's most recent subscription across all
// statuses. Returns (nil, nil) when the customer has none or no longer exists
// at the processor.
func (c *ProcessorClient) GetSubscription(ctx context.Context, customerID string) (*types.SubscriptionSnapshot, error) {
	endpoint := fmt.Sprintf("%s/v1/subscriptions?%s", c.baseURL, url.Values{
		"customer": {customerID},
		"status":   {"all"},
		"limit":    {"1"},
	}.Encode())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalUnexpected, "failed to build processor request", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.secretKey.Unmask())

	resp, err := c.base.Do(ctx, req, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		// Customer deleted at the processor: treated as no subscription.
		c.logger.InfoContext(ctx, "processor customer not found", "customer_id", customerID)
		return nil, nil
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, types.NewAppErrorWithDetails(types.ErrCodeUpstreamProcessor,
			fmt.Sprintf("processor returned %d", resp.StatusCode), nil,
			map[string]any{"body": string(body)})
	}

	var list processorSubscriptionList
	if err := json.NewDecoder(resp.Body).Decode(&list); err != nil {
		return nil, types.NewAppError(types.ErrCodeUpstreamProcessor, "failed to decode processor response", err)
	}
	if len(list.Data) == 0 {
		return nil, nil
	}

	sub := list.Data[0]
	snapshot := &types.SubscriptionSnapshot{
		CustomerID:     sub.Customer,
		SubscriptionID: sub.ID,
		Status:         mapProcessorStatus(sub.Status),
	}
	if len(sub.Items.Data) > 0 {
		snapshot.PriceID = sub.Items.Data[0].Price.ID
	}
	if sub.CurrentPeriodEnd > 0 {
		end := time.Unix(sub.CurrentPeriodEnd, 0).UTC()
		snapshot.PeriodEnd = &end
	}
	return snapshot, nil
}

// mapProcessorStatus folds the processor's status vocabulary into ours.
// Trial statuses count as active; terminal incomplete states as canceled.
func mapProcessorStatus(status string) types.SubscriptionStatus {
	switch status {
	case "active", "trialing":
		return types.SubStatusActive
	case "past_due":
		return types.SubStatusPastDue
	case "unpaid":
		return types.SubStatusUnpaid
	case "canceled", "incomplete_expired":
		return types.SubStatusCanceled
	default:
		return types.SubStatusUnpaid
	}
}
