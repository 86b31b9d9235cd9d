package billing

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"waypost/internal/types"
)

type mockSubscriptionReader struct {
	mock.Mock
}

func (m *mockSubscriptionReader) GetByUserID(ctx context.Context, userID string) (*types.Subscription, error) {
	args := m.Called(ctx, userID)
	if sub := args.Get(0); sub != nil {
		return sub.(*types.Subscription), args.Error(1)
	}
	return nil, args.Error(1)
}

type testClock struct {
	now time.Time
}

func (c *testClock) Now() time.Time { return c.now }

func TestStaticEntitlementRegistry_KnownTiers(t *testing.T) {
	registry := NewStaticEntitlementRegistry()

	free := registry.GetEntitlements(types.TierFree)
	assert.Equal(t, 500, free.MaxPostLength)
	assert.Equal(t, 4, free.MaxImagesPerPost)
	assert.Equal(t, 1, free.MaxVideosPerPost)
	assert.False(t, free.AllowLocationFeatures)
	assert.False(t, free.AllowAnalytics)

	medium := registry.GetEntitlements(types.TierMedium)
	assert.Equal(t, 2000, medium.MaxPostLength)
	assert.True(t, medium.AllowLocationFeatures)
	assert.False(t, medium.AllowAnalytics)

	premium := registry.GetEntitlements(types.TierPremium)
	assert.Equal(t, 10000, premium.MaxPostLength)
	assert.Equal(t, 20, premium.MaxImagesPerPost)
	assert.True(t, premium.AllowAnalytics)
}

func TestStaticEntitlementRegistry_UnknownTierFallsBackToFree(t *testing.T) {
	registry := NewStaticEntitlementRegistry()

	got := registry.GetEntitlements(types.Tier("platinum"))
	assert.Equal(t, registry.GetEntitlements(types.TierFree), got)
}

func TestEntitlementService_NoRowResolvesToFree(t *testing.T) {
	subs := new(mockSubscriptionReader)
	subs.On("GetByUserID", mock.Anything, "user_new").Return(nil, nil)

	svc := NewEntitlementService(subs, NewStaticEntitlementRegistry(), nil)

	ent, state, err := svc.ResolveForUser(context.Background(), "user_new")
	require.NoError(t, err)
	assert.Equal(t, types.TierFree, state.Tier)
	assert.Equal(t, types.SubStatusActive, state.Status)
	assert.Equal(t, 500, ent.MaxPostLength)
}

func TestEntitlementService_StatusResolution(t *testing.T) {
	now := time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC)
	futureEnd := now.Add(10 * 24 * time.Hour)
	pastEnd := now.Add(-24 * time.Hour)

	tests := []struct {
		name        string
		sub         types.Subscription
		wantAllowed bool // AllowLocationFeatures, the free/paid discriminator
	}{
		{
			name:        "active premium grants paid features",
			sub:         types.Subscription{Tier: types.TierPremium, Status: types.SubStatusActive},
			wantAllowed: true,
		},
		{
			name:        "past_due degrades to free while tier is preserved",
			sub:         types.Subscription{Tier: types.TierPremium, Status: types.SubStatusPastDue},
			wantAllowed: false,
		},
		{
			name:        "unpaid degrades to free",
			sub:         types.Subscription{Tier: types.TierMedium, Status: types.SubStatusUnpaid},
			wantAllowed: false,
		},
		{
			name:        "canceled keeps paid features until period end",
			sub:         types.Subscription{Tier: types.TierMedium, Status: types.SubStatusCanceled, PeriodEnd: &futureEnd},
			wantAllowed: true,
		},
		{
			name:        "canceled past period end degrades to free",
			sub:         types.Subscription{Tier: types.TierMedium, Status: types.SubStatusCanceled, PeriodEnd: &pastEnd},
			wantAllowed: false,
		},
		{
			name:        "unknown status never grants paid features",
			sub:         types.Subscription{Tier: types.TierPremium, Status: types.SubscriptionStatus("trialing")},
			wantAllowed: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sub := tt.sub
			sub.UserID = "user_1"

			subs := new(mockSubscriptionReader)
			subs.On("GetByUserID", mock.Anything, "user_1").Return(&sub, nil)

			svc := NewEntitlementService(subs, NewStaticEntitlementRegistry(), &testClock{now: now})

			ent, state, err := svc.ResolveForUser(context.Background(), "user_1")
			require.NoError(t, err)
			assert.Equal(t, tt.wantAllowed, ent.AllowLocationFeatures)
			// The stored state is reported as-is regardless of resolution.
			assert.Equal(t, sub.Tier, state.Tier)
			assert.Equal(t, sub.Status, state.Status)
		})
	}
}
