package billing

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"waypost/internal/types"
)

// Provider webhook event types handled by the classifier. Anything outside
// this set classifies to NoOp.
const (
	EventCheckoutCompleted = "checkout.session.completed"
	EventSubCreated        = "customer.subscription.created"
	EventSubUpdated        = "customer.subscription.updated"
	EventSubDeleted        = "customer.subscription.deleted"
	EventInvoicePaid       = "invoice.paid"
	EventPaymentFailed     = "invoice.payment_failed"
)

// DefaultPriceToTier maps the processor's price IDs to local tiers. Prices
// not in this map cannot be attributed to a tier; events carrying them
// classify to NoOp rather than guessing.
var DefaultPriceToTier = map[string]types.Tier{
	"price_waypost_medium_monthly":  types.TierMedium,
	"price_waypost_medium_yearly":   types.TierMedium,
	"price_waypost_premium_monthly": types.TierPremium,
	"price_waypost_premium_yearly":  types.TierPremium,
}

// KindForEventType returns the canonical transition kind a provider event
// type maps to, before payload inspection. Used by the ingestion path to
// label ledger rows at insert time; the full classification may still refine
// the kind (an update reporting delinquency becomes PastDue).
func KindForEventType(eventType string) types.TransitionKind {
	switch eventType {
	case EventCheckoutCompleted, EventSubCreated:
		return types.TransitionActivated
	case EventSubUpdated:
		return types.TransitionTierChanged
	case EventSubDeleted:
		return types.TransitionCanceled
	case EventInvoicePaid:
		return types.TransitionRenewed
	case EventPaymentFailed:
		return types.TransitionPastDue
	default:
		return types.TransitionNoOp
	}
}

// CustomerResolver resolves an external customer ID to the owning user.
// Implemented by db.SubscriptionRepo.
type CustomerResolver interface {
	// GetUserIDByCustomer returns "" when no subscription row references
	// the customer.
	GetUserIDByCustomer(ctx context.Context, customerID string) (string, error)
}

// Classifier normalizes provider webhook envelopes into canonical
// transitions. It is the only component that understands the provider's
// payload shapes; everything downstream of it speaks CanonicalTransition.
//
// Classification never errors on unknown event types or unknown prices; those
// degrade to NoOp so the provider sees a clean acknowledgment. Errors are
// reserved for malformed payloads and events that name a customer no local
// user owns.
type Classifier struct {
	customers   CustomerResolver
	priceToTier map[string]types.Tier
	logger      *slog.Logger
}

// NewClassifier creates a Classifier. A nil priceToTier falls back to
// DefaultPriceToTier.
func NewClassifier(customers CustomerResolver, priceToTier map[string]types.Tier, logger *slog.Logger) *Classifier {
	if priceToTier == nil {
		priceToTier = DefaultPriceToTier
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Classifier{customers: customers, priceToTier: priceToTier, logger: logger}
}

// Classify parses a raw provider event and maps it to a canonical transition.
//
// Mapping:
//   - checkout.session.completed, customer.subscription.created -> Activated
//   - invoice.paid                                              -> Renewed
//   - customer.subscription.updated -> TierChanged, or PastDue when the
//     embedded status reports past_due/unpaid
//   - invoice.payment_failed                                    -> PastDue
//   - customer.subscription.deleted                             -> Canceled
//   - everything else                                           -> NoOp
func (c *Classifier) Classify(ctx context.Context, raw []byte) (*types.CanonicalTransition, error) {
	var event providerEvent
	if err := json.Unmarshal(raw, &event); err != nil {
		return nil, types.NewAppError(types.ErrCodeValidationMalformedPayload, "invalid webhook event JSON", err)
	}
	if event.ID == "" || event.Type == "" {
		return nil, types.NewAppError(types.ErrCodeValidationMalformedPayload, "webhook event missing id or type", nil)
	}

	base := types.CanonicalTransition{
		ExternalEventID: event.ID,
		EventTime:       event.eventTimestamp(),
	}

	switch event.Type {
	case EventCheckoutCompleted:
		return c.classifyCheckout(&event, base)
	case EventSubCreated:
		return c.classifySubscription(ctx, &event, base, types.TransitionActivated)
	case EventSubUpdated:
		return c.classifySubscription(ctx, &event, base, types.TransitionTierChanged)
	case EventSubDeleted:
		return c.classifySubscription(ctx, &event, base, types.TransitionCanceled)
	case EventInvoicePaid:
		return c.classifyInvoice(ctx, &event, base, types.TransitionRenewed)
	case EventPaymentFailed:
		return c.classifyInvoice(ctx, &event, base, types.TransitionPastDue)
	default:
		c.logger.InfoContext(ctx, "ignoring unhandled webhook event type",
			"event_id", event.ID,
			"event_type", event.Type,
		)
		base.Kind = types.TransitionNoOp
		return &base, nil
	}
}

// classifyCheckout maps checkout.session.completed to Activated. The user is
// carried in client_reference_id (set when the checkout session is created)
// with a metadata fallback. The tier comes from metadata, since the checkout
// payload does not embed line-item prices.
func (c *Classifier) classifyCheckout(event *providerEvent, base types.CanonicalTransition) (*types.CanonicalTransition, error) {
	var session checkoutSessionObj
	if err := json.Unmarshal(event.Data.Object, &session); err != nil {
		return nil, types.NewAppError(types.ErrCodeValidationMalformedPayload, "invalid checkout session object", err)
	}

	userID := session.ClientReferenceID
	if userID == "" {
		userID = session.Metadata["user_id"]
	}
	if userID == "" {
		return nil, types.NewAppError(
			types.ErrCodeBillingUnresolvableUser,
			fmt.Sprintf("checkout.session.completed %s carries no user reference", event.ID),
			nil,
		)
	}

	tier := c.tierFromMetadata(session.Metadata)
	if tier == "" {
		c.logger.Warn("checkout session carries no resolvable tier, classifying as no_op",
			"event_id", event.ID,
		)
		base.Kind = types.TransitionNoOp
		return &base, nil
	}

	base.Kind = types.TransitionActivated
	base.UserID = userID
	base.Tier = tier
	base.Status = types.SubStatusActive
	base.CustomerID = session.Customer
	base.SubscriptionID = session.Subscription
	return &base, nil
}

// classifySubscription maps customer.subscription.* events. The user comes
// from subscription metadata, falling back to the stored customer linkage.
func (c *Classifier) classifySubscription(
	ctx context.Context,
	event *providerEvent,
	base types.CanonicalTransition,
	kind types.TransitionKind,
) (*types.CanonicalTransition, error) {
	var sub subscriptionObj
	if err := json.Unmarshal(event.Data.Object, &sub); err != nil {
		return nil, types.NewAppError(types.ErrCodeValidationMalformedPayload, "invalid subscription object", err)
	}

	userID, err := c.resolveUser(ctx, sub.Metadata["user_id"], sub.Customer)
	if err != nil {
		return nil, err
	}
	if userID == "" {
		return nil, types.NewAppError(
			types.ErrCodeBillingUnresolvableUser,
			fmt.Sprintf("%s %s names customer %q with no local user", event.Type, event.ID, sub.Customer),
			nil,
		)
	}

	base.UserID = userID
	base.CustomerID = sub.Customer
	base.SubscriptionID = sub.ID
	if sub.CurrentPeriodEnd > 0 {
		pe := time.Unix(sub.CurrentPeriodEnd, 0).UTC()
		base.PeriodEnd = &pe
	}

	switch kind {
	case types.TransitionCanceled:
		base.Kind = types.TransitionCanceled
		base.Status = types.SubStatusCanceled
		return &base, nil

	case types.TransitionActivated, types.TransitionTierChanged:
		tier := c.tierFromPrice(&sub)
		if tier == "" {
			tier = c.tierFromMetadata(sub.Metadata)
		}
		if tier == "" {
			c.logger.Warn("subscription event carries unknown price, classifying as no_op",
				"event_id", event.ID,
				"event_type", event.Type,
			)
			base.Kind = types.TransitionNoOp
			return &base, nil
		}

		// An update whose embedded status reports delinquency is a
		// past-due signal, whatever the tier says.
		if kind == types.TransitionTierChanged && (sub.Status == "past_due" || sub.Status == "unpaid") {
			base.Kind = types.TransitionPastDue
			base.Status = types.SubscriptionStatus(sub.Status)
			return &base, nil
		}

		base.Kind = kind
		base.Tier = tier
		base.Status = types.SubStatusActive
		return &base, nil

	default:
		base.Kind = types.TransitionNoOp
		return &base, nil
	}
}

// classifyInvoice maps invoice.* events. Invoices carry only the customer
// reference, so attribution goes through the stored linkage.
func (c *Classifier) classifyInvoice(
	ctx context.Context,
	event *providerEvent,
	base types.CanonicalTransition,
	kind types.TransitionKind,
) (*types.CanonicalTransition, error) {
	var invoice invoiceObj
	if err := json.Unmarshal(event.Data.Object, &invoice); err != nil {
		return nil, types.NewAppError(types.ErrCodeValidationMalformedPayload, "invalid invoice object", err)
	}

	userID, err := c.resolveUser(ctx, invoice.Metadata["user_id"], invoice.Customer)
	if err != nil {
		return nil, err
	}
	if userID == "" {
		return nil, types.NewAppError(
			types.ErrCodeBillingUnresolvableUser,
			fmt.Sprintf("%s %s names customer %q with no local user", event.Type, event.ID, invoice.Customer),
			nil,
		)
	}

	base.UserID = userID
	base.CustomerID = invoice.Customer
	base.SubscriptionID = invoice.Subscription
	if invoice.PeriodEnd > 0 {
		pe := time.Unix(invoice.PeriodEnd, 0).UTC()
		base.PeriodEnd = &pe
	}

	base.Kind = kind
	if kind == types.TransitionRenewed {
		base.Status = types.SubStatusActive
	} else {
		base.Status = types.SubStatusPastDue
	}
	return &base, nil
}

// resolveUser prefers the explicit metadata user over the customer linkage.
func (c *Classifier) resolveUser(ctx context.Context, metadataUserID, customerID string) (string, error) {
	if metadataUserID != "" {
		return metadataUserID, nil
	}
	if customerID == "" {
		return "", nil
	}
	return c.customers.GetUserIDByCustomer(ctx, customerID)
}

// tierFromPrice maps the first line item's price ID through the price table.
func (c *Classifier) tierFromPrice(sub *subscriptionObj) types.Tier {
	if len(sub.Items.Data) == 0 {
		return ""
	}
	return c.priceToTier[sub.Items.Data[0].Price.ID]
}

// tierFromMetadata reads an explicit tier from event metadata, accepting only
// known values.
func (c *Classifier) tierFromMetadata(metadata map[string]string) types.Tier {
	if tier, ok := c.priceToTier[metadata["price_id"]]; ok {
		return tier
	}
	switch types.Tier(metadata["tier"]) {
	case types.TierMedium:
		return types.TierMedium
	case types.TierPremium:
		return types.TierPremium
	case types.TierFree:
		return types.TierFree
	default:
		return ""
	}
}

// ---------------------------------------------------------------------------
// Provider Event Parsing
// ---------------------------------------------------------------------------

// providerEvent is a minimal representation of a provider webhook event
// tailored to the fields the classifier needs. We avoid importing the full
// stripe.Event type to keep classification decoupled from the SDK and to make
// testing straightforward.
type providerEvent struct {
	ID      string `json:"id"`
	Type    string `json:"type"`
	Created int64  `json:"created"`
	Data    struct {
		Object json.RawMessage `json:"object"`
	} `json:"data"`
}

// eventTimestamp returns the event's created timestamp as a time.Time.
func (e *providerEvent) eventTimestamp() time.Time {
	return time.Unix(e.Created, 0).UTC()
}

// checkoutSessionObj holds the minimal fields of a checkout session object.
type checkoutSessionObj struct {
	ClientReferenceID string            `json:"client_reference_id"`
	Customer          string            `json:"customer"`
	Subscription      string            `json:"subscription"`
	Metadata          map[string]string `json:"metadata"`
}

// subscriptionObj holds the minimal fields of a subscription object.
type subscriptionObj struct {
	ID               string            `json:"id"`
	Customer         string            `json:"customer"`
	Status           string            `json:"status"`
	CurrentPeriodEnd int64             `json:"current_period_end"`
	Metadata         map[string]string `json:"metadata"`
	Items            struct {
		Data []struct {
			Price struct {
				ID string `json:"id"`
			} `json:"price"`
		} `json:"data"`
	} `json:"items"`
}

// invoiceObj holds the minimal fields of an invoice object.
type invoiceObj struct {
	Customer     string            `json:"customer"`
	Subscription string            `json:"subscription"`
	PeriodEnd    int64             `json:"period_end"`
	Metadata     map[string]string `json:"metadata"`
}
