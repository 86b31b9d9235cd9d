package handlers

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"waypost/internal/types"
)

type mockResyncer struct {
	mock.Mock
}

func (m *mockResyncer) Resync(ctx context.Context, userID string) (*types.ReconciliationResult, error) {
	args := m.Called(ctx, userID)
	if r := args.Get(0); r != nil {
		return r.(*types.ReconciliationResult), args.Error(1)
	}
	return nil, args.Error(1)
}

type mockEnqueuer struct {
	mock.Mock
}

func (m *mockEnqueuer) Enqueue(ctx context.Context, userID string, reason string) error {
	args := m.Called(ctx, userID, reason)
	return args.Error(0)
}

type mockDeadLetterReader struct {
	mock.Mock
}

func (m *mockDeadLetterReader) ListDeadLetters(ctx context.Context, limit int) ([]types.LedgerEntry, error) {
	args := m.Called(ctx, limit)
	if e := args.Get(0); e != nil {
		return e.([]types.LedgerEntry), args.Error(1)
	}
	return nil, args.Error(1)
}

func newAdminRouter(resyncer Resyncer, enqueuer ResyncEnqueuer, reader DeadLetterReader) *chi.Mux {
	h := NewAdminHandler(resyncer, enqueuer, reader, nil)
	r := chi.NewRouter()
	h.RegisterRoutes(r)
	return r
}

func TestTriggerResync_Inline(t *testing.T) {
	resyncer := new(mockResyncer)
	resyncer.On("Resync", mock.Anything, "user_1").Return(&types.ReconciliationResult{
		UserID:   "user_1",
		Previous: types.SubscriptionState{Tier: types.TierPremium, Status: types.SubStatusPastDue},
		New:      types.SubscriptionState{Tier: types.TierPremium, Status: types.SubStatusActive},
		Outcome:  types.OutcomeApplied,
		Changed:  true,
	}, nil)

	router := newAdminRouter(resyncer, new(mockEnqueuer), new(mockDeadLetterReader))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/admin/resync/user_1", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"changed":true`)
	assert.Contains(t, rec.Body.String(), `"previous_state"`)
	resyncer.AssertExpectations(t)
}

func TestTriggerResync_Async(t *testing.T) {
	enqueuer := new(mockEnqueuer)
	enqueuer.On("Enqueue", mock.Anything, "user_1", "admin_requested").Return(nil)

	resyncer := new(mockResyncer)
	router := newAdminRouter(resyncer, enqueuer, new(mockDeadLetterReader))

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/admin/resync/user_1",
		strings.NewReader(`{"async": true}`)))

	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Contains(t, rec.Body.String(), `"queued"`)
	resyncer.AssertNotCalled(t, "Resync", mock.Anything, mock.Anything)
	enqueuer.AssertExpectations(t)
}

func TestTriggerResync_UnresolvableUser(t *testing.T) {
	resyncer := new(mockResyncer)
	resyncer.On("Resync", mock.Anything, "user_1").
		Return(nil, types.NewAppError(types.ErrCodeBillingUnresolvableUser, "no linked customer", nil))

	router := newAdminRouter(resyncer, new(mockEnqueuer), new(mockDeadLetterReader))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/admin/resync/user_1", nil))

	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestListDeadLetters(t *testing.T) {
	userID := "user_1"
	reader := new(mockDeadLetterReader)
	reader.On("ListDeadLetters", mock.Anything, defaultDeadLetterLimit).Return([]types.LedgerEntry{
		{
			ID:              5,
			ExternalEventID: "evt_stuck",
			CanonicalType:   types.TransitionRenewed,
			UserID:          &userID,
			ReceivedAt:      time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC),
			Attempts:        5,
			PayloadDigest:   "abc123",
		},
	}, nil)

	router := newAdminRouter(new(mockResyncer), new(mockEnqueuer), reader)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/admin/dead-letters", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"evt_stuck"`)
	assert.Contains(t, rec.Body.String(), `"attempts":5`)
	// Raw payloads never reach the operator surface.
	assert.NotContains(t, rec.Body.String(), `"raw_payload"`)
}
