package db

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"waypost/internal/types"
)

// LedgerRepo provides data access for the billing_events table, the
// append-only ledger of every signed webhook delivery.
//
// The ledger serves three roles:
//   - Idempotency barrier: external_event_id is UNIQUE, so a replayed
//     delivery can never be recorded (or processed) twice.
//   - Recovery point: entries whose processing failed mid-flight keep their
//     raw payload and are picked up by the retry sweep.
//   - Audit trail: every delivery and its outcome is queryable after the fact.
type LedgerRepo struct {
	db DBTX
}

// NewLedgerRepo creates a new LedgerRepo backed by the given database
// connection (pool or transaction).
func NewLedgerRepo(db DBTX) *LedgerRepo {
	return &LedgerRepo{db: db}
}

// Insert records a new ledger entry and returns its generated ID. If an entry
// with the same external_event_id already exists, no row is written and
// created is false.
//
// SQL pattern:
//
//	INSERT INTO billing_events (...) VALUES (...)
//	ON CONFLICT (external_event_id) DO NOTHING
//	RETURNING id
//
// RETURNING yields no row when the conflict clause suppresses the insert,
// which surfaces as pgx.ErrNoRows. That is the duplicate-delivery signal, not
// an error.
func (r *LedgerRepo) Insert(
	ctx context.Context,
	externalEventID string,
	canonicalType types.TransitionKind,
	payloadDigest string,
	rawPayload []byte,
	receivedAt time.Time,
) (id int64, created bool, err error) {
	err = r.db.QueryRow(ctx,
		`INSERT INTO billing_events
		 (external_event_id, canonical_type, received_at, payload_digest, raw_payload, attempts)
		 VALUES ($1, $2, $3, $4, $5, 0)
		 ON CONFLICT (external_event_id) DO NOTHING
		 RETURNING id`,
		externalEventID,
		canonicalType,
		receivedAt,
		payloadDigest,
		rawPayload,
	).Scan(&id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, false, nil
		}
		return 0, false, types.NewAppError(types.ErrCodeInternalDB, "failed to insert ledger entry", err)
	}
	return id, true, nil
}

// GetByExternalID returns the ledger entry for an external event ID, or
// (nil, nil) when none exists.
func (r *LedgerRepo) GetByExternalID(ctx context.Context, externalEventID string) (*types.LedgerEntry, error) {
	var entry types.LedgerEntry
	var outcome *string
	err := r.db.QueryRow(ctx,
		`SELECT id, external_event_id, canonical_type, user_id, received_at,
		        processed_at, outcome, attempts, payload_digest, raw_payload
		 FROM billing_events
		 WHERE external_event_id = $1`,
		externalEventID,
	).Scan(
		&entry.ID,
		&entry.ExternalEventID,
		&entry.CanonicalType,
		&entry.UserID,
		&entry.ReceivedAt,
		&entry.ProcessedAt,
		&outcome,
		&entry.Attempts,
		&entry.PayloadDigest,
		&entry.RawPayload,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to load ledger entry", err)
	}
	if outcome != nil {
		entry.Outcome = types.LedgerOutcome(*outcome)
	}
	return &entry, nil
}

// MarkProcessed stamps an entry with its terminal outcome and the user it was
// attributed to (nil for events that never resolved to a user).
func (r *LedgerRepo) MarkProcessed(
	ctx context.Context,
	id int64,
	userID *string,
	outcome types.LedgerOutcome,
	processedAt time.Time,
) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE billing_events
		 SET processed_at = $1, outcome = $2, user_id = COALESCE($3, user_id)
		 WHERE id = $4`,
		processedAt,
		outcome,
		userID,
		id,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to mark ledger entry processed", err)
	}
	if tag.RowsAffected() == 0 {
		return types.NewAppError(types.ErrCodeNotFoundEvent, "ledger entry not found", nil)
	}
	return nil
}

// ClaimRetryBatch selects unprocessed entries that have sat for at least the
// caller-supplied age, increments their attempt counter, and returns them for
// reprocessing. The claim is a single statement using SKIP LOCKED so
// concurrent sweep instances never process the same entry twice.
//
// Entries that have already reached maxAttempts are not claimed; the sweep
// dead-letters those separately via MarkDeadLettered.
func (r *LedgerRepo) ClaimRetryBatch(
	ctx context.Context,
	olderThan time.Time,
	maxAttempts int,
	limit int,
) ([]types.LedgerEntry, error) {
	rows, err := r.db.Query(ctx,
		`UPDATE billing_events
		 SET attempts = attempts + 1
		 WHERE id IN (
		     SELECT id FROM billing_events
		     WHERE processed_at IS NULL
		       AND received_at < $1
		       AND attempts < $2
		     ORDER BY received_at ASC
		     LIMIT $3
		     FOR UPDATE SKIP LOCKED
		 )
		 RETURNING id, external_event_id, canonical_type, user_id, received_at,
		           processed_at, outcome, attempts, payload_digest, raw_payload`,
		olderThan,
		maxAttempts,
		limit,
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to claim retry batch", err)
	}
	defer rows.Close()

	return scanLedgerEntries(rows)
}

// MarkDeadLettersBatch terminally marks unprocessed entries that exhausted
// their retry budget. Returns the affected entries so the sweep can report
// and optionally enqueue resyncs for the users involved.
func (r *LedgerRepo) MarkDeadLettersBatch(
	ctx context.Context,
	olderThan time.Time,
	maxAttempts int,
	now time.Time,
) ([]types.LedgerEntry, error) {
	rows, err := r.db.Query(ctx,
		`UPDATE billing_events
		 SET processed_at = $1, outcome = 'dead_lettered'
		 WHERE processed_at IS NULL
		   AND received_at < $2
		   AND attempts >= $3
		 RETURNING id, external_event_id, canonical_type, user_id, received_at,
		           processed_at, outcome, attempts, payload_digest, raw_payload`,
		now,
		olderThan,
		maxAttempts,
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to mark dead letters", err)
	}
	defer rows.Close()

	return scanLedgerEntries(rows)
}

// ListDeadLetters returns the most recent dead-lettered entries for the admin
// inspection endpoint.
func (r *LedgerRepo) ListDeadLetters(ctx context.Context, limit int) ([]types.LedgerEntry, error) {
	rows, err := r.db.Query(ctx,
		`SELECT id, external_event_id, canonical_type, user_id, received_at,
		        processed_at, outcome, attempts, payload_digest, raw_payload
		 FROM billing_events
		 WHERE outcome = 'dead_lettered'
		 ORDER BY received_at DESC
		 LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to list dead letters", err)
	}
	defer rows.Close()

	return scanLedgerEntries(rows)
}

// ListArchivable returns processed entries older than the cutoff that still
// carry their raw payload inline. The archive sweep exports these to cold
// storage before stripping the payloads.
func (r *LedgerRepo) ListArchivable(ctx context.Context, cutoff time.Time, limit int) ([]types.LedgerEntry, error) {
	rows, err := r.db.Query(ctx,
		`SELECT id, external_event_id, canonical_type, user_id, received_at,
		        processed_at, outcome, attempts, payload_digest, raw_payload
		 FROM billing_events
		 WHERE processed_at IS NOT NULL
		   AND processed_at < $1
		   AND raw_payload IS NOT NULL
		 ORDER BY processed_at ASC
		 LIMIT $2`,
		cutoff,
		limit,
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to list archivable entries", err)
	}
	defer rows.Close()

	return scanLedgerEntries(rows)
}

// StripPayloads nulls out the raw payloads of the given entries after a
// successful archive export. The digest column remains for audit comparisons.
func (r *LedgerRepo) StripPayloads(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := r.db.Exec(ctx,
		`UPDATE billing_events
		 SET raw_payload = NULL
		 WHERE id = ANY($1)`,
		ids,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to strip archived payloads", err)
	}
	return nil
}

// scanLedgerEntries drains a result set of full ledger rows.
func scanLedgerEntries(rows pgx.Rows) ([]types.LedgerEntry, error) {
	var entries []types.LedgerEntry
	for rows.Next() {
		var entry types.LedgerEntry
		var outcome *string
		if err := rows.Scan(
			&entry.ID,
			&entry.ExternalEventID,
			&entry.CanonicalType,
			&entry.UserID,
			&entry.ReceivedAt,
			&entry.ProcessedAt,
			&outcome,
			&entry.Attempts,
			&entry.PayloadDigest,
			&entry.RawPayload,
		); err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan ledger entry", err)
		}
		if outcome != nil {
			entry.Outcome = types.LedgerOutcome(*outcome)
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "error iterating ledger entries", err)
	}
	return entries, nil
}
