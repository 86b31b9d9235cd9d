package billing

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"waypost/internal/types"
)

// SnapshotFetcher fetches the processor's current view of a customer's
// subscription. Implemented by external.ProcessorClient.
type SnapshotFetcher interface {
	// GetSubscription returns (nil, nil) when the customer exists but has
	// no subscription at the processor.
	GetSubscription(ctx context.Context, customerID string) (*types.SubscriptionSnapshot, error)
}

// LedgerWriter records resync runs in the billing event ledger so they are
// auditable alongside webhook deliveries. Implemented by db.LedgerRepo.
type LedgerWriter interface {
	Insert(
		ctx context.Context,
		externalEventID string,
		canonicalType types.TransitionKind,
		payloadDigest string,
		rawPayload []byte,
		receivedAt time.Time,
	) (id int64, created bool, err error)

	MarkProcessed(
		ctx context.Context,
		id int64,
		userID *string,
		outcome types.LedgerOutcome,
		processedAt time.Time,
	) error
}

// TransitionApplier is the reconciliation entry point. Satisfied by
// *Reconciler; narrowed to an interface for testing.
type TransitionApplier interface {
	Apply(ctx context.Context, t *types.CanonicalTransition) (*types.ReconciliationResult, error)
}

// ResyncService repairs drift between local subscription state and the
// processor's truth. It fetches the live subscription, synthesizes the
// matching canonical transition stamped with the fetch time, and feeds it
// through the same Reconciler as every other write. The transition is marked
// authoritative: it bypasses the stale-event ordering and resets the row's
// ordering columns, so a resync converges the row no matter how corrupted
// the local state is.
type ResyncService struct {
	subs        SubscriptionReader
	processor   SnapshotFetcher
	reconciler  TransitionApplier
	ledger      LedgerWriter
	priceToTier map[string]types.Tier
	clock       types.Clock
	logger      *slog.Logger
}

// NewResyncService creates a ResyncService. A nil priceToTier falls back to
// DefaultPriceToTier; a nil clock defaults to real UTC time.
func NewResyncService(
	subs SubscriptionReader,
	processor SnapshotFetcher,
	reconciler TransitionApplier,
	ledger LedgerWriter,
	priceToTier map[string]types.Tier,
	clock types.Clock,
	logger *slog.Logger,
) *ResyncService {
	if priceToTier == nil {
		priceToTier = DefaultPriceToTier
	}
	if clock == nil {
		clock = types.RealClock{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ResyncService{
		subs:        subs,
		processor:   processor,
		reconciler:  reconciler,
		ledger:      ledger,
		priceToTier: priceToTier,
		clock:       clock,
		logger:      logger,
	}
}

// Resync reconciles one user against the processor's live state.
//
// Users without a stored customer linkage cannot be resynced; they have never
// activated a paid subscription and their implicit free row is already
// correct.
func (s *ResyncService) Resync(ctx context.Context, userID string) (*types.ReconciliationResult, error) {
	sub, err := s.subs.GetByUserID(ctx, userID)
	if err != nil {
		return nil, err
	}
	if sub == nil || sub.ExternalCustomerID == "" {
		return nil, types.NewAppError(
			types.ErrCodeBillingUnresolvableUser,
			fmt.Sprintf("user %s has no linked processor customer", userID),
			nil,
		)
	}

	snapshot, err := s.processor.GetSubscription(ctx, sub.ExternalCustomerID)
	if err != nil {
		return nil, err
	}

	now := s.clock.Now()
	transition := s.synthesize(userID, sub, snapshot, now)

	raw, _ := json.Marshal(snapshot)
	digest := sha256.Sum256(raw)

	ledgerID, _, err := s.ledger.Insert(
		ctx,
		transition.ExternalEventID,
		transition.Kind,
		hex.EncodeToString(digest[:]),
		raw,
		now,
	)
	if err != nil {
		return nil, err
	}

	result, err := s.reconciler.Apply(ctx, transition)
	if err != nil {
		// The ledger row stays unprocessed; the retry sweep will not
		// replay it (resync payloads are snapshots, not events), but it
		// remains visible for audit.
		return nil, err
	}

	if err := s.ledger.MarkProcessed(ctx, ledgerID, &userID, result.Outcome, s.clock.Now()); err != nil {
		s.logger.ErrorContext(ctx, "failed to mark resync ledger entry processed",
			slog.String("user_id", userID),
			slog.String("event_id", transition.ExternalEventID),
			"error", err,
		)
	}

	s.logger.InfoContext(ctx, "resync completed",
		slog.String("user_id", userID),
		slog.String("outcome", string(result.Outcome)),
		slog.Bool("changed", result.Changed),
	)
	return result, nil
}

// synthesize builds the canonical transition matching the processor snapshot.
// It is stamped with the fetch time and marked authoritative: the snapshot is
// current truth, so it must land even when the local row carries a corrupted
// future watermark or period boundary.
func (s *ResyncService) synthesize(
	userID string,
	sub *types.Subscription,
	snapshot *types.SubscriptionSnapshot,
	now time.Time,
) *types.CanonicalTransition {
	transition := &types.CanonicalTransition{
		UserID:          userID,
		ExternalEventID: "resync_" + uuid.NewString(),
		EventTime:       now,
		Authoritative:   true,
		CustomerID:      sub.ExternalCustomerID,
	}

	// No subscription at the processor means whatever we have locally is
	// over.
	if snapshot == nil {
		transition.Kind = types.TransitionCanceled
		transition.Status = types.SubStatusCanceled
		return transition
	}

	transition.SubscriptionID = snapshot.SubscriptionID
	transition.PeriodEnd = snapshot.PeriodEnd

	tier := s.priceToTier[snapshot.PriceID]
	if tier == "" {
		tier = sub.Tier
	}

	switch snapshot.Status {
	case types.SubStatusPastDue, types.SubStatusUnpaid:
		transition.Kind = types.TransitionPastDue
		transition.Status = snapshot.Status
	case types.SubStatusCanceled:
		transition.Kind = types.TransitionCanceled
		transition.Status = types.SubStatusCanceled
	default:
		transition.Kind = types.TransitionTierChanged
		transition.Tier = tier
		transition.Status = types.SubStatusActive
	}
	return transition
}
