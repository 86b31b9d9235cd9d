package external

import (
	"github.com/stripe/stripe-go/v82/webhook"
)

// ProcessorVerifier checks processor webhook signatures using the vendor's
// timestamped HMAC scheme.
type ProcessorVerifier struct{}

var _ WebhookVerifier = (*ProcessorVerifier)(nil)

func NewProcessorVerifier() *ProcessorVerifier {
	return &ProcessorVerifier{}
}

// Verify validates the signature header against the payload and secret. The
// vendor library enforces its default timestamp tolerance.
func (v *ProcessorVerifier) Verify(payload []byte, header string, secret string) error {
	return webhook.ValidatePayload(payload, header, secret)
}
