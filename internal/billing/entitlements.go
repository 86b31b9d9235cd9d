// Package billing implements the subscription entitlement domain: event
// classification, state reconciliation, entitlement resolution, and resync
// against the payment processor.
package billing

import (
	"context"

	"waypost/internal/types"
)

// EntitlementRegistry defines the authoritative feature limits for each tier.
// This is the single source of truth for what each tier allows.
type EntitlementRegistry interface {
	// GetEntitlements returns the feature limits for the given tier.
	// For unknown tiers, returns the Free limits to fail safely.
	GetEntitlements(tier types.Tier) types.Entitlement
}

// staticEntitlementRegistry is a compile-time registry backed by an in-memory
// map. It implements EntitlementRegistry and is the standard implementation
// for production use.
type staticEntitlementRegistry struct {
	entitlements map[types.Tier]types.Entitlement
}

// tierDefaults defines the hardcoded feature limits per tier:
//
//	| Tier    | Post Length | Images | Videos | Location | Analytics |
//	|---------|-------------|--------|--------|----------|-----------|
//	| Free    | 500         | 4      | 1      | No       | No        |
//	| Medium  | 2,000       | 10     | 4      | Yes      | No        |
//	| Premium | 10,000      | 20     | 10     | Yes      | Yes       |
var tierDefaults = map[types.Tier]types.Entitlement{
	types.TierFree: {
		MaxPostLength:         500,
		MaxImagesPerPost:      4,
		MaxVideosPerPost:      1,
		AllowLocationFeatures: false,
		AllowAnalytics:        false,
	},
	types.TierMedium: {
		MaxPostLength:         2000,
		MaxImagesPerPost:      10,
		MaxVideosPerPost:      4,
		AllowLocationFeatures: true,
		AllowAnalytics:        false,
	},
	types.TierPremium: {
		MaxPostLength:         10000,
		MaxImagesPerPost:      20,
		MaxVideosPerPost:      10,
		AllowLocationFeatures: true,
		AllowAnalytics:        true,
	},
}

// freeEntitlements is cached to avoid map lookups on the fallback path.
var freeEntitlements = tierDefaults[types.TierFree]

// NewStaticEntitlementRegistry returns an EntitlementRegistry backed by the
// hardcoded tier table. No database or external service is required.
func NewStaticEntitlementRegistry() EntitlementRegistry {
	// Copy the defaults into a new map so callers cannot mutate the package-level variable.
	m := make(map[types.Tier]types.Entitlement, len(tierDefaults))
	for k, v := range tierDefaults {
		m[k] = v
	}
	return &staticEntitlementRegistry{entitlements: m}
}

// GetEntitlements returns the feature limits for the given tier.
// If the tier is unknown, it returns the Free entitlements as a safe default.
func (r *staticEntitlementRegistry) GetEntitlements(tier types.Tier) types.Entitlement {
	if ent, ok := r.entitlements[tier]; ok {
		return ent
	}
	return freeEntitlements
}

// SubscriptionReader provides the minimal subscription lookup needed by the
// read side. Implemented by db.SubscriptionRepo.
type SubscriptionReader interface {
	// GetByUserID returns the subscription row for a user, or (nil, nil)
	// when no row exists.
	GetByUserID(ctx context.Context, userID string) (*types.Subscription, error)
}

// EntitlementService resolves the feature set for a user from their current
// subscription state. Resolution is computed on every call and never cached;
// the subscription row is the only state.
type EntitlementService struct {
	subs     SubscriptionReader
	registry EntitlementRegistry
	clock    types.Clock
}

// NewEntitlementService creates an EntitlementService. A nil clock defaults
// to real UTC time.
func NewEntitlementService(subs SubscriptionReader, registry EntitlementRegistry, clock types.Clock) *EntitlementService {
	if clock == nil {
		clock = types.RealClock{}
	}
	return &EntitlementService{subs: subs, registry: registry, clock: clock}
}

// ResolveForUser returns the entitlements and the subscription state they
// were derived from.
//
// Resolution rules:
//   - No subscription row: the user is free/active.
//   - active: entitlements for the stored tier.
//   - canceled: the paid tier is honored until period_end elapses, after
//     which the user resolves to the free set.
//   - past_due, unpaid, and anything unrecognized: free set. Unknown states
//     never grant paid features.
func (s *EntitlementService) ResolveForUser(ctx context.Context, userID string) (types.Entitlement, types.SubscriptionState, error) {
	sub, err := s.subs.GetByUserID(ctx, userID)
	if err != nil {
		return types.Entitlement{}, types.SubscriptionState{}, err
	}
	if sub == nil {
		state := types.SubscriptionState{Tier: types.TierFree, Status: types.SubStatusActive}
		return s.registry.GetEntitlements(types.TierFree), state, nil
	}

	state := sub.State()
	switch sub.Status {
	case types.SubStatusActive:
		return s.registry.GetEntitlements(sub.Tier), state, nil
	case types.SubStatusCanceled:
		return s.registry.GetEntitlements(sub.EffectiveTier(s.clock.Now())), state, nil
	default:
		return s.registry.GetEntitlements(types.TierFree), state, nil
	}
}
