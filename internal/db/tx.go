package db

import (
	"context"
	"log/slog"

	"github.com/jackc/pgx/v5"

	"waypost/internal/billing"
	"waypost/internal/types"
)

// Compile-time interface checks.
var (
	_ billing.SubscriptionStore = (*SubscriptionRepo)(nil)
	_ billing.TxManager         = (*PgxTxManager)(nil)
)

// TxBeginner is the subset of *pgxpool.Pool needed to open transactions.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// PgxTxManager implements billing.TxManager over a pgx connection pool. Each
// call runs the given function against a SubscriptionRepo bound to a fresh
// transaction, committing on success and rolling back on any error or panic.
type PgxTxManager struct {
	pool   TxBeginner
	logger *slog.Logger
}

// NewPgxTxManager creates a PgxTxManager.
func NewPgxTxManager(pool TxBeginner, logger *slog.Logger) *PgxTxManager {
	if logger == nil {
		logger = slog.Default()
	}
	return &PgxTxManager{pool: pool, logger: logger}
}

// WithSubscriptionTx opens a transaction, hands a transaction-bound
// SubscriptionRepo to fn, and commits if fn returns nil. The deferred
// rollback is a no-op after a successful commit.
func (m *PgxTxManager) WithSubscriptionTx(ctx context.Context, fn func(billing.SubscriptionStore) error) error {
	tx, err := m.pool.Begin(ctx)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to begin transaction", err)
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	if err := fn(NewSubscriptionRepo(tx, m.logger)); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to commit transaction", err)
	}
	return nil
}
