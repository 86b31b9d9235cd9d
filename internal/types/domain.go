// Package types defines the shared domain model for the Waypost entitlement
// engine: subscription state, the canonical transition vocabulary, the billing
// event ledger, entitlements, and rate limit results. It has no dependencies
// on other internal packages so every layer can import it freely.
package types

import "time"

// Subscription is the locally reconciled billing state for a single user.
// Exactly one row exists per user; users without a paid history are
// represented by an implicit (or lazily created) free/active record.
type Subscription struct {
	UserID                 string
	Tier                   Tier
	Status                 SubscriptionStatus
	ExternalCustomerID     string
	ExternalSubscriptionID string
	// PeriodEnd is the end of the current paid period. For canceled
	// subscriptions it marks when paid access actually lapses.
	PeriodEnd *time.Time
	// LastEventAt is the provider timestamp of the newest transition
	// applied to this row. Together with PeriodEnd it orders incoming
	// events so stale, out-of-order deliveries degrade to no-ops.
	LastEventAt *time.Time
	UpdatedAt   time.Time
}

// State returns the (tier, status) pair used for entitlement decisions and
// reconciliation result reporting.
func (s *Subscription) State() SubscriptionState {
	return SubscriptionState{Tier: s.Tier, Status: s.Status}
}

// EffectiveTier returns the tier that should drive entitlements at the given
// instant. A canceled subscription keeps its paid tier until PeriodEnd
// elapses; after that (or when PeriodEnd is unknown) it degrades to free.
func (s *Subscription) EffectiveTier(now time.Time) Tier {
	if s.Status != SubStatusCanceled {
		return s.Tier
	}
	if s.PeriodEnd != nil && now.Before(*s.PeriodEnd) {
		return s.Tier
	}
	return TierFree
}

// SubscriptionState is a comparable (tier, status) snapshot.
type SubscriptionState struct {
	Tier   Tier               `json:"tier"`
	Status SubscriptionStatus `json:"status"`
}

// CanonicalTransition is the normalized form of a billing event after
// classification. It is the only input the reconciliation engine accepts,
// regardless of whether the event arrived via webhook, retry sweep, or resync.
type CanonicalTransition struct {
	Kind            TransitionKind
	UserID          string
	ExternalEventID string
	// Tier is the target tier for activation/renewal/tier-change
	// transitions. Empty for transitions that preserve the stored tier.
	Tier Tier
	// Status is the processor-reported status accompanying the event,
	// when the event type carries one.
	Status SubscriptionStatus
	// PeriodEnd is the billing period boundary carried by the event.
	PeriodEnd *time.Time
	// EventTime is the provider's timestamp for the event, not the time
	// of arrival.
	EventTime time.Time
	// Authoritative marks transitions synthesized from a live processor
	// snapshot. They represent current truth rather than a historical
	// event, so they are applied unconditionally and reset the ordering
	// state, which is what lets a resync repair a corrupted row.
	Authoritative bool
	// CustomerID and SubscriptionID carry the external identifiers so the
	// engine can persist the user linkage on activation.
	CustomerID     string
	SubscriptionID string
}

// Supersedes reports whether the transition should be applied over the
// recorded subscription state. Transitions order by reported billing period
// first and provider event timestamp second: an event covering a later
// period wins whatever order it arrives in, an event for an earlier period
// never regresses the row, and events within the same period (cancellation,
// tier changes, delinquency) order by their timestamps. Ties lose, so
// replaying an applied event is a no-op.
func (t *CanonicalTransition) Supersedes(s *Subscription) bool {
	if t.Authoritative {
		return true
	}
	if t.PeriodEnd != nil && s.PeriodEnd != nil {
		if t.PeriodEnd.After(*s.PeriodEnd) {
			return true
		}
		if t.PeriodEnd.Before(*s.PeriodEnd) {
			return false
		}
	}
	if s.LastEventAt == nil {
		return true
	}
	return t.EventTime.After(*s.LastEventAt)
}

// ReconciliationResult reports what a transition did to a user's state.
type ReconciliationResult struct {
	UserID   string            `json:"user_id"`
	Previous SubscriptionState `json:"previous_state"`
	New      SubscriptionState `json:"new_state"`
	Outcome  LedgerOutcome     `json:"outcome"`
	Changed  bool              `json:"changed"`
}

// LedgerEntry is one row of the append-only billing event ledger. The ledger
// is the idempotency barrier (unique external_event_id) and the recovery
// point for events whose processing failed mid-flight.
type LedgerEntry struct {
	ID              int64
	ExternalEventID string
	CanonicalType   TransitionKind
	// UserID is nil until (and unless) the event is attributed to a user.
	UserID     *string
	ReceivedAt time.Time
	// ProcessedAt is nil while the event awaits (re)processing.
	ProcessedAt *time.Time
	// Outcome is empty while the event is unprocessed.
	Outcome LedgerOutcome
	// Attempts counts processing attempts by the retry sweep.
	Attempts int
	// PayloadDigest is the SHA-256 hex digest of the raw payload.
	PayloadDigest string
	// RawPayload is retained until archival so the retry sweep can
	// re-classify and replay the event.
	RawPayload []byte
}

// Processed reports whether the entry has reached a terminal outcome.
func (e *LedgerEntry) Processed() bool {
	return e.ProcessedAt != nil
}

// Entitlement is the feature set granted to a user. It is computed on demand
// from (tier, status) and never stored.
type Entitlement struct {
	MaxPostLength         int  `json:"max_post_length"`
	MaxImagesPerPost      int  `json:"max_images_per_post"`
	MaxVideosPerPost      int  `json:"max_videos_per_post"`
	AllowLocationFeatures bool `json:"allow_location_features"`
	AllowAnalytics        bool `json:"allow_analytics"`
}

// SubscriptionSnapshot is the processor's current view of a customer's
// subscription, fetched during resync.
type SubscriptionSnapshot struct {
	CustomerID     string             `json:"customer_id"`
	SubscriptionID string             `json:"subscription_id"`
	Status         SubscriptionStatus `json:"status"`
	PriceID        string             `json:"price_id"`
	PeriodEnd      *time.Time         `json:"period_end,omitempty"`
}

// RateLimitResult contains the outcome of a rate limit check.
type RateLimitResult struct {
	// Allowed indicates whether the action is within the rate limit.
	Allowed bool
	// Remaining is the number of actions remaining in the current window.
	Remaining int
	// ResetAt is the time when the current fixed window ends.
	ResetAt time.Time
}

// Clock abstracts time for testability.
type Clock interface {
	Now() time.Time
}

// RealClock implements Clock using the real system time (always UTC).
type RealClock struct{}

// Now returns the current time in UTC.
func (RealClock) Now() time.Time { return time.Now().UTC() }
