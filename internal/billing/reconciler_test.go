package billing

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"waypost/internal/types"
)

// fakeSubscriptionStore is an in-memory SubscriptionStore that mirrors the
// ordering semantics of the SQL implementation. Reconciler tests drive the
// real state machine against it.
type fakeSubscriptionStore struct {
	rows        map[string]*types.Subscription
	linkedCalls int
}

func newFakeSubscriptionStore() *fakeSubscriptionStore {
	return &fakeSubscriptionStore{rows: make(map[string]*types.Subscription)}
}

func (s *fakeSubscriptionStore) EnsureForUser(ctx context.Context, userID string) error {
	if _, ok := s.rows[userID]; !ok {
		s.rows[userID] = &types.Subscription{
			UserID: userID,
			Tier:   types.TierFree,
			Status: types.SubStatusActive,
		}
	}
	return nil
}

func (s *fakeSubscriptionStore) GetForUpdate(ctx context.Context, userID string) (*types.Subscription, error) {
	row, ok := s.rows[userID]
	if !ok {
		return nil, nil
	}
	copied := *row
	return &copied, nil
}

func (s *fakeSubscriptionStore) ApplyTransition(
	ctx context.Context,
	userID string,
	tier types.Tier,
	status types.SubscriptionStatus,
	periodEnd *time.Time,
	eventAt time.Time,
	authoritative bool,
) (bool, error) {
	row := s.rows[userID]

	if authoritative {
		row.Tier = tier
		row.Status = status
		row.PeriodEnd = periodEnd
		row.LastEventAt = &eventAt
		return true, nil
	}

	if periodEnd != nil && row.PeriodEnd != nil && periodEnd.Before(*row.PeriodEnd) {
		return false, nil
	}
	laterPeriod := periodEnd != nil && row.PeriodEnd != nil && periodEnd.After(*row.PeriodEnd)
	if !laterPeriod && row.LastEventAt != nil && !eventAt.After(*row.LastEventAt) {
		return false, nil
	}

	row.Tier = tier
	row.Status = status
	if periodEnd != nil {
		row.PeriodEnd = periodEnd
	}
	if row.LastEventAt == nil || eventAt.After(*row.LastEventAt) {
		row.LastEventAt = &eventAt
	}
	return true, nil
}

func (s *fakeSubscriptionStore) LinkExternal(ctx context.Context, userID, customerID, subscriptionID string) error {
	row := s.rows[userID]
	row.ExternalCustomerID = customerID
	row.ExternalSubscriptionID = subscriptionID
	s.linkedCalls++
	return nil
}

// fakeTxManager runs the function directly against the shared store.
type fakeTxManager struct {
	store *fakeSubscriptionStore
}

func (m *fakeTxManager) WithSubscriptionTx(ctx context.Context, fn func(SubscriptionStore) error) error {
	return fn(m.store)
}

func newTestReconciler() (*Reconciler, *fakeSubscriptionStore) {
	store := newFakeSubscriptionStore()
	return NewReconciler(&fakeTxManager{store: store}, nil), store
}

func eventTime(day int) time.Time {
	return time.Date(2026, 3, day, 12, 0, 0, 0, time.UTC)
}

func TestReconciler_ActivationOnFreshRow(t *testing.T) {
	r, store := newTestReconciler()

	result, err := r.Apply(context.Background(), &types.CanonicalTransition{
		Kind:            types.TransitionActivated,
		UserID:          "user_1",
		ExternalEventID: "evt_1",
		Tier:            types.TierPremium,
		EventTime:       eventTime(1),
		CustomerID:      "cus_1",
		SubscriptionID:  "sub_1",
	})
	require.NoError(t, err)

	assert.Equal(t, types.OutcomeApplied, result.Outcome)
	assert.True(t, result.Changed)
	assert.Equal(t, types.SubscriptionState{Tier: types.TierFree, Status: types.SubStatusActive}, result.Previous)
	assert.Equal(t, types.SubscriptionState{Tier: types.TierPremium, Status: types.SubStatusActive}, result.New)

	row := store.rows["user_1"]
	assert.Equal(t, "cus_1", row.ExternalCustomerID)
	assert.Equal(t, "sub_1", row.ExternalSubscriptionID)
}

func TestReconciler_ReplayIsNoOp(t *testing.T) {
	r, _ := newTestReconciler()
	transition := &types.CanonicalTransition{
		Kind:            types.TransitionActivated,
		UserID:          "user_1",
		ExternalEventID: "evt_1",
		Tier:            types.TierMedium,
		EventTime:       eventTime(1),
	}

	first, err := r.Apply(context.Background(), transition)
	require.NoError(t, err)
	assert.Equal(t, types.OutcomeApplied, first.Outcome)

	// Equal event time does not advance the watermark.
	second, err := r.Apply(context.Background(), transition)
	require.NoError(t, err)
	assert.Equal(t, types.OutcomeNoOp, second.Outcome)
	assert.False(t, second.Changed)
	assert.Equal(t, second.Previous, second.New)
}

func TestReconciler_OutOfOrderEventsConvergeToNewest(t *testing.T) {
	r, store := newTestReconciler()
	ctx := context.Background()

	// The renewal for the March period arrives first.
	periodEnd := eventTime(31)
	_, err := r.Apply(ctx, &types.CanonicalTransition{
		Kind:            types.TransitionRenewed,
		UserID:          "user_1",
		ExternalEventID: "evt_renew",
		Tier:            types.TierPremium,
		PeriodEnd:       &periodEnd,
		EventTime:       eventTime(10),
	})
	require.NoError(t, err)

	// A delinquency signal from earlier in the month arrives late. Its
	// timestamp is behind the renewal's, so it must not regress the row.
	result, err := r.Apply(ctx, &types.CanonicalTransition{
		Kind:            types.TransitionPastDue,
		UserID:          "user_1",
		ExternalEventID: "evt_late_failure",
		EventTime:       eventTime(5),
	})
	require.NoError(t, err)
	assert.Equal(t, types.OutcomeNoOp, result.Outcome)

	row := store.rows["user_1"]
	assert.Equal(t, types.TierPremium, row.Tier)
	assert.Equal(t, types.SubStatusActive, row.Status)
}

func TestReconciler_PastDuePreservesTier(t *testing.T) {
	r, store := newTestReconciler()
	ctx := context.Background()

	_, err := r.Apply(ctx, &types.CanonicalTransition{
		Kind:      types.TransitionActivated,
		UserID:    "user_1",
		Tier:      types.TierPremium,
		EventTime: eventTime(1),
	})
	require.NoError(t, err)

	result, err := r.Apply(ctx, &types.CanonicalTransition{
		Kind:      types.TransitionPastDue,
		UserID:    "user_1",
		EventTime: eventTime(2),
	})
	require.NoError(t, err)

	assert.Equal(t, types.OutcomeApplied, result.Outcome)
	assert.Equal(t, types.TierPremium, result.New.Tier, "tier survives delinquency for recovery")
	assert.Equal(t, types.SubStatusPastDue, result.New.Status)
	assert.Equal(t, types.TierPremium, store.rows["user_1"].Tier)
}

func TestReconciler_RecoveryAfterPastDue(t *testing.T) {
	r, _ := newTestReconciler()
	ctx := context.Background()

	_, err := r.Apply(ctx, &types.CanonicalTransition{
		Kind: types.TransitionActivated, UserID: "user_1", Tier: types.TierMedium, EventTime: eventTime(1),
	})
	require.NoError(t, err)
	_, err = r.Apply(ctx, &types.CanonicalTransition{
		Kind: types.TransitionPastDue, UserID: "user_1", EventTime: eventTime(2),
	})
	require.NoError(t, err)

	// A successful invoice restores active standing at the preserved tier.
	result, err := r.Apply(ctx, &types.CanonicalTransition{
		Kind: types.TransitionRenewed, UserID: "user_1", EventTime: eventTime(3),
	})
	require.NoError(t, err)
	assert.Equal(t, types.SubscriptionState{Tier: types.TierMedium, Status: types.SubStatusActive}, result.New)
}

func TestReconciler_CancellationPreservesTierAndPeriodEnd(t *testing.T) {
	r, store := newTestReconciler()
	ctx := context.Background()

	_, err := r.Apply(ctx, &types.CanonicalTransition{
		Kind: types.TransitionActivated, UserID: "user_1", Tier: types.TierPremium, EventTime: eventTime(1),
	})
	require.NoError(t, err)

	periodEnd := eventTime(31)
	result, err := r.Apply(ctx, &types.CanonicalTransition{
		Kind:      types.TransitionCanceled,
		UserID:    "user_1",
		PeriodEnd: &periodEnd,
		EventTime: eventTime(5),
	})
	require.NoError(t, err)

	assert.Equal(t, types.SubStatusCanceled, result.New.Status)
	assert.Equal(t, types.TierPremium, result.New.Tier)

	row := store.rows["user_1"]
	require.NotNil(t, row.PeriodEnd)
	assert.Equal(t, periodEnd, *row.PeriodEnd)
	// Paid access survives until the period end.
	assert.Equal(t, types.TierPremium, row.EffectiveTier(eventTime(20)))
	assert.Equal(t, types.TierFree, row.EffectiveTier(eventTime(31).Add(time.Hour)))
}

func TestReconciler_StalePastDueAfterCancellation(t *testing.T) {
	r, store := newTestReconciler()
	ctx := context.Background()

	periodEnd := eventTime(31)
	_, err := r.Apply(ctx, &types.CanonicalTransition{
		Kind: types.TransitionActivated, UserID: "user_1", Tier: types.TierMedium, EventTime: eventTime(1),
	})
	require.NoError(t, err)
	_, err = r.Apply(ctx, &types.CanonicalTransition{
		Kind: types.TransitionCanceled, UserID: "user_1", PeriodEnd: &periodEnd, EventTime: eventTime(10),
	})
	require.NoError(t, err)

	// A payment failure generated before the cancellation arrives last.
	result, err := r.Apply(ctx, &types.CanonicalTransition{
		Kind: types.TransitionPastDue, UserID: "user_1", EventTime: eventTime(9),
	})
	require.NoError(t, err)

	assert.Equal(t, types.OutcomeNoOp, result.Outcome)
	assert.Equal(t, types.SubStatusCanceled, store.rows["user_1"].Status)
}

func TestReconciler_MidPeriodCancellationAfterActivation(t *testing.T) {
	r, store := newTestReconciler()
	ctx := context.Background()

	// Activation carries the period boundary, as every real provider
	// activation does.
	periodEnd := eventTime(31)
	_, err := r.Apply(ctx, &types.CanonicalTransition{
		Kind:      types.TransitionActivated,
		UserID:    "user_1",
		Tier:      types.TierPremium,
		PeriodEnd: &periodEnd,
		EventTime: eventTime(1),
	})
	require.NoError(t, err)

	// The user cancels four days in. The cancellation shares the same
	// period boundary and must still land; only its timestamp is newer.
	result, err := r.Apply(ctx, &types.CanonicalTransition{
		Kind:      types.TransitionCanceled,
		UserID:    "user_1",
		PeriodEnd: &periodEnd,
		EventTime: eventTime(5),
	})
	require.NoError(t, err)

	assert.Equal(t, types.OutcomeApplied, result.Outcome)
	assert.Equal(t, types.SubStatusCanceled, result.New.Status)

	row := store.rows["user_1"]
	assert.Equal(t, types.SubStatusCanceled, row.Status)
	// Paid access runs to the period boundary, then lapses.
	assert.Equal(t, types.TierPremium, row.EffectiveTier(eventTime(20)))
	assert.Equal(t, types.TierFree, row.EffectiveTier(eventTime(31).Add(time.Hour)))
}

func TestReconciler_MidPeriodUpgradeAfterActivation(t *testing.T) {
	r, store := newTestReconciler()
	ctx := context.Background()

	periodEnd := eventTime(31)
	_, err := r.Apply(ctx, &types.CanonicalTransition{
		Kind:      types.TransitionActivated,
		UserID:    "user_1",
		Tier:      types.TierMedium,
		PeriodEnd: &periodEnd,
		EventTime: eventTime(1),
	})
	require.NoError(t, err)

	// An upgrade halfway through the paid period.
	result, err := r.Apply(ctx, &types.CanonicalTransition{
		Kind:      types.TransitionTierChanged,
		UserID:    "user_1",
		Tier:      types.TierPremium,
		EventTime: eventTime(10),
	})
	require.NoError(t, err)

	assert.Equal(t, types.OutcomeApplied, result.Outcome)
	assert.Equal(t, types.TierPremium, result.New.Tier)
	assert.Equal(t, types.TierPremium, store.rows["user_1"].Tier)
}

func TestReconciler_MidPeriodPastDueAfterActivation(t *testing.T) {
	r, store := newTestReconciler()
	ctx := context.Background()

	periodEnd := eventTime(31)
	_, err := r.Apply(ctx, &types.CanonicalTransition{
		Kind:      types.TransitionActivated,
		UserID:    "user_1",
		Tier:      types.TierPremium,
		PeriodEnd: &periodEnd,
		EventTime: eventTime(1),
	})
	require.NoError(t, err)

	result, err := r.Apply(ctx, &types.CanonicalTransition{
		Kind:      types.TransitionPastDue,
		UserID:    "user_1",
		EventTime: eventTime(12),
	})
	require.NoError(t, err)

	assert.Equal(t, types.OutcomeApplied, result.Outcome)
	assert.Equal(t, types.SubStatusPastDue, store.rows["user_1"].Status)
	assert.Equal(t, types.TierPremium, store.rows["user_1"].Tier)
}

func TestReconciler_EarlierPeriodArrivingLateIsNoOp(t *testing.T) {
	r, store := newTestReconciler()
	ctx := context.Background()

	// The April renewal lands first.
	aprilEnd := time.Date(2026, 4, 30, 12, 0, 0, 0, time.UTC)
	_, err := r.Apply(ctx, &types.CanonicalTransition{
		Kind:      types.TransitionRenewed,
		UserID:    "user_1",
		Tier:      types.TierPremium,
		PeriodEnd: &aprilEnd,
		EventTime: time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC),
	})
	require.NoError(t, err)

	// The March renewal shows up afterwards. Its period is behind the
	// recorded one, so it loses regardless of arrival order.
	marchEnd := eventTime(31)
	result, err := r.Apply(ctx, &types.CanonicalTransition{
		Kind:      types.TransitionRenewed,
		UserID:    "user_1",
		Tier:      types.TierMedium,
		PeriodEnd: &marchEnd,
		EventTime: eventTime(10),
	})
	require.NoError(t, err)

	assert.Equal(t, types.OutcomeNoOp, result.Outcome)
	row := store.rows["user_1"]
	assert.Equal(t, types.TierPremium, row.Tier)
	require.NotNil(t, row.PeriodEnd)
	assert.Equal(t, aprilEnd, *row.PeriodEnd)
}

func TestReconciler_NoOpTransitionTouchesNothing(t *testing.T) {
	r, store := newTestReconciler()

	result, err := r.Apply(context.Background(), &types.CanonicalTransition{
		Kind:            types.TransitionNoOp,
		ExternalEventID: "evt_ignored",
	})
	require.NoError(t, err)
	assert.Equal(t, types.OutcomeNoOp, result.Outcome)
	assert.Empty(t, store.rows)
}
