package external

import (
	stripe "github.com/stripe/stripe-go/v82"

	"foliobase/internal/types"
)

// WebhookVerifier authenticates inbound webhook payloads. Implemented by
// StripeVerifier; the webhook handler depends on this interface so tests can
// substitute a stub.
type WebhookVerifier interface {
	Verify(payload []byte, header string, secret types.SecretString) error
}

// StripeVerifier verifies Stripe webhook signatures (HMAC-SHA256 with
// timestamp tolerance, via stripe-go's payload validation).
type StripeVerifier struct{}

// Verify validates the payload against the Stripe-Signature header and the
// endpoint signing secret.
func (v *StripeVerifier) Verify(payload []byte, header string, secret types.SecretString) error {
	return stripe.ValidatePayload(payload, header, secret.Unmask())
}
