package billing

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"waypost/internal/types"
)

type mockCustomerResolver struct {
	mock.Mock
}

func (m *mockCustomerResolver) GetUserIDByCustomer(ctx context.Context, customerID string) (string, error) {
	args := m.Called(ctx, customerID)
	return args.String(0), args.Error(1)
}

func newTestClassifier(customers CustomerResolver) *Classifier {
	return NewClassifier(customers, nil, nil)
}

func TestClassifier_CheckoutCompleted(t *testing.T) {
	payload := []byte(`{
		"id": "evt_checkout_1",
		"type": "checkout.session.completed",
		"created": 1767225600,
		"data": {"object": {
			"client_reference_id": "user_42",
			"customer": "cus_abc",
			"subscription": "sub_xyz",
			"metadata": {"tier": "premium"}
		}}
	}`)

	tr, err := newTestClassifier(new(mockCustomerResolver)).Classify(context.Background(), payload)
	require.NoError(t, err)
	assert.Equal(t, types.TransitionActivated, tr.Kind)
	assert.Equal(t, "user_42", tr.UserID)
	assert.Equal(t, types.TierPremium, tr.Tier)
	assert.Equal(t, "cus_abc", tr.CustomerID)
	assert.Equal(t, "sub_xyz", tr.SubscriptionID)
	assert.Equal(t, time.Unix(1767225600, 0).UTC(), tr.EventTime)
}

func TestClassifier_CheckoutCompleted_NoUserReference(t *testing.T) {
	payload := []byte(`{
		"id": "evt_checkout_2",
		"type": "checkout.session.completed",
		"created": 1767225600,
		"data": {"object": {"customer": "cus_abc", "metadata": {}}}
	}`)

	_, err := newTestClassifier(new(mockCustomerResolver)).Classify(context.Background(), payload)
	require.Error(t, err)

	var appErr *types.AppError
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, types.ErrCodeBillingUnresolvableUser, appErr.Code)
}

func TestClassifier_SubscriptionUpdated_TierChange(t *testing.T) {
	payload := []byte(`{
		"id": "evt_sub_1",
		"type": "customer.subscription.updated",
		"created": 1767225600,
		"data": {"object": {
			"id": "sub_xyz",
			"customer": "cus_abc",
			"status": "active",
			"current_period_end": 1769904000,
			"metadata": {"user_id": "user_42"},
			"items": {"data": [{"price": {"id": "price_waypost_medium_monthly"}}]}
		}}
	}`)

	tr, err := newTestClassifier(new(mockCustomerResolver)).Classify(context.Background(), payload)
	require.NoError(t, err)
	assert.Equal(t, types.TransitionTierChanged, tr.Kind)
	assert.Equal(t, types.TierMedium, tr.Tier)
	assert.Equal(t, types.SubStatusActive, tr.Status)
	require.NotNil(t, tr.PeriodEnd)
	assert.Equal(t, time.Unix(1769904000, 0).UTC(), *tr.PeriodEnd)
}

func TestClassifier_SubscriptionUpdated_PastDueStatusWins(t *testing.T) {
	payload := []byte(`{
		"id": "evt_sub_2",
		"type": "customer.subscription.updated",
		"created": 1767225600,
		"data": {"object": {
			"id": "sub_xyz",
			"customer": "cus_abc",
			"status": "past_due",
			"metadata": {"user_id": "user_42"},
			"items": {"data": [{"price": {"id": "price_waypost_premium_monthly"}}]}
		}}
	}`)

	tr, err := newTestClassifier(new(mockCustomerResolver)).Classify(context.Background(), payload)
	require.NoError(t, err)
	assert.Equal(t, types.TransitionPastDue, tr.Kind)
	assert.Equal(t, types.SubStatusPastDue, tr.Status)
	// The past-due kind carries no tier: the stored tier is preserved.
	assert.Empty(t, tr.Tier)
}

func TestClassifier_SubscriptionUpdated_UnknownPriceDegradesToNoOp(t *testing.T) {
	payload := []byte(`{
		"id": "evt_sub_3",
		"type": "customer.subscription.updated",
		"created": 1767225600,
		"data": {"object": {
			"id": "sub_xyz",
			"customer": "cus_abc",
			"status": "active",
			"metadata": {"user_id": "user_42"},
			"items": {"data": [{"price": {"id": "price_unknown"}}]}
		}}
	}`)

	tr, err := newTestClassifier(new(mockCustomerResolver)).Classify(context.Background(), payload)
	require.NoError(t, err)
	assert.Equal(t, types.TransitionNoOp, tr.Kind)
}

func TestClassifier_SubscriptionDeleted(t *testing.T) {
	payload := []byte(`{
		"id": "evt_sub_4",
		"type": "customer.subscription.deleted",
		"created": 1767225600,
		"data": {"object": {
			"id": "sub_xyz",
			"customer": "cus_abc",
			"status": "canceled",
			"current_period_end": 1769904000,
			"metadata": {"user_id": "user_42"}
		}}
	}`)

	tr, err := newTestClassifier(new(mockCustomerResolver)).Classify(context.Background(), payload)
	require.NoError(t, err)
	assert.Equal(t, types.TransitionCanceled, tr.Kind)
	assert.Equal(t, types.SubStatusCanceled, tr.Status)
	require.NotNil(t, tr.PeriodEnd)
}

func TestClassifier_InvoicePaid_ResolvesUserViaCustomerLinkage(t *testing.T) {
	customers := new(mockCustomerResolver)
	customers.On("GetUserIDByCustomer", mock.Anything, "cus_abc").Return("user_42", nil)

	payload := []byte(`{
		"id": "evt_inv_1",
		"type": "invoice.paid",
		"created": 1767225600,
		"data": {"object": {
			"customer": "cus_abc",
			"subscription": "sub_xyz",
			"period_end": 1769904000
		}}
	}`)

	tr, err := newTestClassifier(customers).Classify(context.Background(), payload)
	require.NoError(t, err)
	assert.Equal(t, types.TransitionRenewed, tr.Kind)
	assert.Equal(t, "user_42", tr.UserID)
	assert.Equal(t, types.SubStatusActive, tr.Status)
	require.NotNil(t, tr.PeriodEnd)
	customers.AssertExpectations(t)
}

func TestClassifier_InvoicePaid_UnknownCustomer(t *testing.T) {
	customers := new(mockCustomerResolver)
	customers.On("GetUserIDByCustomer", mock.Anything, "cus_stranger").Return("", nil)

	payload := []byte(`{
		"id": "evt_inv_2",
		"type": "invoice.paid",
		"created": 1767225600,
		"data": {"object": {"customer": "cus_stranger"}}
	}`)

	_, err := newTestClassifier(customers).Classify(context.Background(), payload)
	require.Error(t, err)

	var appErr *types.AppError
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, types.ErrCodeBillingUnresolvableUser, appErr.Code)
}

func TestClassifier_PaymentFailed(t *testing.T) {
	payload := []byte(`{
		"id": "evt_inv_3",
		"type": "invoice.payment_failed",
		"created": 1767225600,
		"data": {"object": {"customer": "cus_abc", "metadata": {"user_id": "user_42"}}}
	}`)

	tr, err := newTestClassifier(new(mockCustomerResolver)).Classify(context.Background(), payload)
	require.NoError(t, err)
	assert.Equal(t, types.TransitionPastDue, tr.Kind)
	assert.Equal(t, "user_42", tr.UserID)
}

func TestClassifier_UnknownEventTypeIsNoOp(t *testing.T) {
	payload := []byte(`{
		"id": "evt_other",
		"type": "customer.created",
		"created": 1767225600,
		"data": {"object": {}}
	}`)

	tr, err := newTestClassifier(new(mockCustomerResolver)).Classify(context.Background(), payload)
	require.NoError(t, err)
	assert.Equal(t, types.TransitionNoOp, tr.Kind)
	assert.Equal(t, "evt_other", tr.ExternalEventID)
}

func TestClassifier_MalformedPayload(t *testing.T) {
	tests := []struct {
		name    string
		payload string
	}{
		{"not json", `{{{`},
		{"missing id", `{"type": "invoice.paid", "created": 1, "data": {"object": {}}}`},
		{"missing type", `{"id": "evt_1", "created": 1, "data": {"object": {}}}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := newTestClassifier(new(mockCustomerResolver)).Classify(context.Background(), []byte(tt.payload))
			require.Error(t, err)

			var appErr *types.AppError
			require.True(t, errors.As(err, &appErr))
			assert.Equal(t, types.ErrCodeValidationMalformedPayload, appErr.Code)
		})
	}
}

func TestClassifier_CustomerLookupFailurePropagates(t *testing.T) {
	customers := new(mockCustomerResolver)
	customers.On("GetUserIDByCustomer", mock.Anything, "cus_abc").
		Return("", fmt.Errorf("connection refused"))

	payload := []byte(`{
		"id": "evt_inv_4",
		"type": "invoice.paid",
		"created": 1767225600,
		"data": {"object": {"customer": "cus_abc"}}
	}`)

	_, err := newTestClassifier(customers).Classify(context.Background(), payload)
	require.Error(t, err)
}
