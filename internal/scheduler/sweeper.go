// Package scheduler implements the maintenance sweeps that keep the event
// ledger and rate limit tables healthy: retrying stuck events, dead-lettering
// exhausted ones, purging expired counter windows, and archiving old ledger
// rows to cold storage.
//
// All services accept an explicit `now` so tests are deterministic and
// operators can backfill with a reference time.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"waypost/internal/types"
)

// RetryLedger is the slice of the ledger repository the retry sweep needs.
type RetryLedger interface {
	ClaimRetryBatch(ctx context.Context, olderThan time.Time, maxAttempts int, limit int) ([]types.LedgerEntry, error)
	MarkDeadLettersBatch(ctx context.Context, olderThan time.Time, maxAttempts int, now time.Time) ([]types.LedgerEntry, error)
	MarkProcessed(ctx context.Context, id int64, userID *string, outcome types.LedgerOutcome, processedAt time.Time) error
}

// EventClassifier re-derives the canonical transition from a stored payload.
type EventClassifier interface {
	Classify(ctx context.Context, raw []byte) (*types.CanonicalTransition, error)
}

// TransitionApplier runs a transition through the reconciliation engine.
type TransitionApplier interface {
	Apply(ctx context.Context, t *types.CanonicalTransition) (*types.ReconciliationResult, error)
}

// ResyncEnqueuer requests an async resync for a user. Optional.
type ResyncEnqueuer interface {
	Enqueue(ctx context.Context, userID string, reason string) error
}

// RetrySweepConfig tunes the retry sweep.
type RetrySweepConfig struct {
	// MinAge is how long an unprocessed entry must sit before the sweep
	// touches it, leaving the inline webhook path room to finish.
	MinAge time.Duration
	// MaxAttempts bounds retries before dead-lettering.
	MaxAttempts int
	// BatchSize caps entries claimed per run.
	BatchSize int
}

// RetrySweepService replays unprocessed ledger entries from their stored
// payloads. It is the recovery half of the ingestion contract: the webhook
// handler acks failures with 200 and this sweep finishes the work.
type RetrySweepService struct {
	ledger     RetryLedger
	classifier EventClassifier
	applier    TransitionApplier
	enqueuer   ResyncEnqueuer
	cfg        RetrySweepConfig
	logger     *slog.Logger
}

func NewRetrySweepService(
	ledger RetryLedger,
	classifier EventClassifier,
	applier TransitionApplier,
	enqueuer ResyncEnqueuer,
	cfg RetrySweepConfig,
	logger *slog.Logger,
) *RetrySweepService {
	if logger == nil {
		logger = slog.Default()
	}
	return &RetrySweepService{
		ledger:     ledger,
		classifier: classifier,
		applier:    applier,
		enqueuer:   enqueuer,
		cfg:        cfg,
		logger:     logger,
	}
}

// Run executes one sweep pass: dead-letter exhausted entries, then claim and
// replay a batch of retryable ones. Returns the number of entries that
// reached a terminal outcome this pass.
//
// Per-entry failures are logged and skipped; the entry stays unprocessed with
// its incremented attempt counter and the next pass (or dead-lettering) picks
// it up. Nothing is ever dropped.
func (s *RetrySweepService) Run(ctx context.Context, now time.Time) (int, error) {
	olderThan := now.Add(-s.cfg.MinAge)
	resolved := 0

	deadLetters, err := s.ledger.MarkDeadLettersBatch(ctx, olderThan, s.cfg.MaxAttempts, now)
	if err != nil {
		return 0, fmt.Errorf("dead-lettering exhausted entries: %w", err)
	}
	for _, entry := range deadLetters {
		resolved++
		s.logger.WarnContext(ctx, "event dead-lettered after exhausting retries",
			"event_id", entry.ExternalEventID,
			"canonical_type", entry.CanonicalType,
			"attempts", entry.Attempts,
		)
		// Self-heal: when the event is attributable, a resync rebuilds the
		// user's state from the processor's current truth even though this
		// one event was lost.
		if entry.UserID != nil && s.enqueuer != nil {
			if err := s.enqueuer.Enqueue(ctx, *entry.UserID, "dead_letter_recovery"); err != nil {
				s.logger.ErrorContext(ctx, "failed to enqueue dead-letter resync",
					"user_id", *entry.UserID, "error", err)
			}
		}
	}

	claimed, err := s.ledger.ClaimRetryBatch(ctx, olderThan, s.cfg.MaxAttempts, s.cfg.BatchSize)
	if err != nil {
		return resolved, fmt.Errorf("claiming retry batch: %w", err)
	}

	for _, entry := range claimed {
		if err := s.retryEntry(ctx, &entry, now); err != nil {
			s.logger.WarnContext(ctx, "retry attempt failed, leaving entry for next pass",
				"event_id", entry.ExternalEventID,
				"attempts", entry.Attempts,
				"error", err,
			)
			continue
		}
		resolved++
	}

	if len(claimed) > 0 || len(deadLetters) > 0 {
		s.logger.InfoContext(ctx, "retry sweep pass complete",
			"claimed", len(claimed),
			"dead_lettered", len(deadLetters),
			"resolved", resolved,
		)
	}
	return resolved, nil
}

// retryEntry reclassifies and reapplies a single entry. Replaying an entry
// that partially succeeded earlier is safe: the reconciler's watermark turns
// the duplicate application into a no-op.
func (s *RetrySweepService) retryEntry(ctx context.Context, entry *types.LedgerEntry, now time.Time) error {
	if len(entry.RawPayload) == 0 {
		// Cannot replay without the payload; terminally reject.
		return s.ledger.MarkProcessed(ctx, entry.ID, entry.UserID, types.OutcomeRejected, now)
	}

	transition, err := s.classifier.Classify(ctx, entry.RawPayload)
	if err != nil {
		return fmt.Errorf("reclassifying event %s: %w", entry.ExternalEventID, err)
	}

	result, err := s.applier.Apply(ctx, transition)
	if err != nil {
		return fmt.Errorf("reapplying event %s: %w", entry.ExternalEventID, err)
	}

	var userID *string
	if result.UserID != "" {
		userID = &result.UserID
	}
	if err := s.ledger.MarkProcessed(ctx, entry.ID, userID, result.Outcome, now); err != nil {
		return fmt.Errorf("marking event %s processed: %w", entry.ExternalEventID, err)
	}
	return nil
}

// CounterPurger deletes expired rate limit windows.
type CounterPurger interface {
	PurgeExpired(ctx context.Context, now time.Time) (int64, error)
}

// WindowCleanupService deletes rate_limit_counters rows whose window has
// closed. Counters are only authoritative inside their window, so retention
// is purely about table size.
type WindowCleanupService struct {
	counters CounterPurger
	logger   *slog.Logger
}

func NewWindowCleanupService(counters CounterPurger, logger *slog.Logger) *WindowCleanupService {
	if logger == nil {
		logger = slog.Default()
	}
	return &WindowCleanupService{counters: counters, logger: logger}
}

// Run purges expired windows and returns the number of rows removed.
func (s *WindowCleanupService) Run(ctx context.Context, now time.Time) (int64, error) {
	purged, err := s.counters.PurgeExpired(ctx, now)
	if err != nil {
		return 0, fmt.Errorf("purging expired rate limit windows: %w", err)
	}
	if purged > 0 {
		s.logger.InfoContext(ctx, "purged expired rate limit windows", "rows", purged)
	}
	return purged, nil
}
