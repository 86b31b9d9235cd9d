package db

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"waypost/internal/types"
)

// --- SubscriptionRepo Tests ---

func TestSubscriptionRepo_ApplyTransition_Success(t *testing.T) {
	db := new(mockDBTX)
	repo := NewSubscriptionRepo(db, nil)

	db.On("Exec", mock.Anything, mock.AnythingOfType("string"), mock.Anything).
		Return(pgconn.NewCommandTag("UPDATE 1"), nil)

	applied, err := repo.ApplyTransition(
		context.Background(),
		"user_1",
		types.TierPremium,
		types.SubStatusActive,
		nil,
		time.Now().UTC(),
		false,
	)
	require.NoError(t, err)
	assert.True(t, applied)
	db.AssertExpectations(t)
}

func TestSubscriptionRepo_ApplyTransition_StaleEvent(t *testing.T) {
	db := new(mockDBTX)
	repo := NewSubscriptionRepo(db, nil)

	// UPDATE affects 0 rows when the watermark rejects the write.
	db.On("Exec", mock.Anything, mock.AnythingOfType("string"), mock.Anything).
		Return(pgconn.NewCommandTag("UPDATE 0"), nil)

	staleTime := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	applied, err := repo.ApplyTransition(
		context.Background(),
		"user_1",
		types.TierMedium,
		types.SubStatusActive,
		nil,
		staleTime,
		false,
	)
	// Stale events degrade to a no-op, not an error.
	require.NoError(t, err)
	assert.False(t, applied)
	db.AssertExpectations(t)
}

func TestSubscriptionRepo_ApplyTransition_DBError(t *testing.T) {
	db := new(mockDBTX)
	repo := NewSubscriptionRepo(db, nil)

	db.On("Exec", mock.Anything, mock.AnythingOfType("string"), mock.Anything).
		Return(pgconn.CommandTag{}, errors.New("timeout"))

	_, err := repo.ApplyTransition(
		context.Background(),
		"user_1",
		types.TierPremium,
		types.SubStatusActive,
		nil,
		time.Now().UTC(),
		false,
	)
	require.Error(t, err)

	var appErr *types.AppError
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, types.ErrCodeInternalDB, appErr.Code)
}

func TestSubscriptionRepo_EnsureForUser(t *testing.T) {
	db := new(mockDBTX)
	repo := NewSubscriptionRepo(db, nil)

	db.On("Exec", mock.Anything, mock.AnythingOfType("string"), mock.Anything).
		Return(pgconn.NewCommandTag("INSERT 0 1"), nil)

	require.NoError(t, repo.EnsureForUser(context.Background(), "user_1"))
	db.AssertExpectations(t)
}

func TestSubscriptionRepo_GetByUserID_Found(t *testing.T) {
	db := new(mockDBTX)
	repo := NewSubscriptionRepo(db, nil)

	updatedAt := time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC)

	db.On("QueryRow", mock.Anything, mock.AnythingOfType("string"), mock.Anything).
		Return(&mockRow{
			scanFn: func(dest ...any) error {
				*dest[0].(*string) = "user_1"
				*dest[1].(*types.Tier) = types.TierMedium
				*dest[2].(*types.SubscriptionStatus) = types.SubStatusActive
				*dest[3].(*string) = "cus_123"
				*dest[4].(*string) = "sub_456"
				*dest[5].(**time.Time) = nil
				*dest[6].(**time.Time) = nil
				*dest[7].(*time.Time) = updatedAt
				return nil
			},
		})

	sub, err := repo.GetByUserID(context.Background(), "user_1")
	require.NoError(t, err)
	require.NotNil(t, sub)
	assert.Equal(t, types.TierMedium, sub.Tier)
	assert.Equal(t, "cus_123", sub.ExternalCustomerID)
}

func TestSubscriptionRepo_GetByUserID_NotFound(t *testing.T) {
	db := new(mockDBTX)
	repo := NewSubscriptionRepo(db, nil)

	db.On("QueryRow", mock.Anything, mock.AnythingOfType("string"), mock.Anything).
		Return(&mockRow{scanErr: pgx.ErrNoRows})

	sub, err := repo.GetByUserID(context.Background(), "user_unknown")
	require.NoError(t, err)
	assert.Nil(t, sub)
}

func TestSubscriptionRepo_GetUserIDByCustomer_NotFound(t *testing.T) {
	db := new(mockDBTX)
	repo := NewSubscriptionRepo(db, nil)

	db.On("QueryRow", mock.Anything, mock.AnythingOfType("string"), mock.Anything).
		Return(&mockRow{scanErr: pgx.ErrNoRows})

	userID, err := repo.GetUserIDByCustomer(context.Background(), "cus_unknown")
	require.NoError(t, err)
	assert.Empty(t, userID)
}

func TestSubscriptionRepo_LinkExternal_RowMissing(t *testing.T) {
	db := new(mockDBTX)
	repo := NewSubscriptionRepo(db, nil)

	db.On("Exec", mock.Anything, mock.AnythingOfType("string"), mock.Anything).
		Return(pgconn.NewCommandTag("UPDATE 0"), nil)

	err := repo.LinkExternal(context.Background(), "user_missing", "cus_1", "sub_1")
	require.Error(t, err)

	var appErr *types.AppError
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, types.ErrCodeNotFoundSubscription, appErr.Code)
}
