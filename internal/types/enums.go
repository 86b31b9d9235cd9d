package types

// Tier identifies the subscription tier of a user.
type Tier string

const (
	TierFree    Tier = "free"
	TierMedium  Tier = "medium"
	TierPremium Tier = "premium"
)

// SubscriptionStatus represents the state of a billing subscription as
// reported by the payment processor.
type SubscriptionStatus string

const (
	SubStatusActive   SubscriptionStatus = "active"
	SubStatusPastDue  SubscriptionStatus = "past_due"
	SubStatusCanceled SubscriptionStatus = "canceled"
	SubStatusUnpaid   SubscriptionStatus = "unpaid"
)

// TransitionKind is the canonical event vocabulary the reconciliation engine
// operates on. Provider-specific webhook event types are mapped onto these by
// the classifier; anything unrecognized becomes TransitionNoOp.
type TransitionKind string

const (
	TransitionActivated   TransitionKind = "subscription_activated"
	TransitionRenewed     TransitionKind = "subscription_renewed"
	TransitionTierChanged TransitionKind = "subscription_tier_changed"
	TransitionPastDue     TransitionKind = "subscription_past_due"
	TransitionCanceled    TransitionKind = "subscription_canceled"
	TransitionNoOp        TransitionKind = "no_op"
)

// LedgerOutcome records how a received billing event was resolved.
// These values MUST match the CHECK constraint on billing_events.outcome.
type LedgerOutcome string

const (
	// OutcomeApplied means the event produced a state change.
	OutcomeApplied LedgerOutcome = "applied"
	// OutcomeNoOp means the event was valid but produced no change
	// (duplicate, stale, or an intentionally ignored event type).
	OutcomeNoOp LedgerOutcome = "no_op"
	// OutcomeRejected means the payload was authenticated but malformed.
	OutcomeRejected LedgerOutcome = "rejected"
	// OutcomeDeadLettered means processing was abandoned after the retry
	// budget was exhausted or the event could not be attributed to a user.
	OutcomeDeadLettered LedgerOutcome = "dead_lettered"
)

// Rate-limited action identifiers. Callers may also pass free-form action
// names; these constants cover the platform's built-in write paths.
const (
	ActionPostCreate      = "post_create"
	ActionCommentCreate   = "comment_create"
	ActionMediaUpload     = "media_upload"
	ActionAnalyticsExport = "analytics_export"
)
