package stripe

import (
	"fmt"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v83/webhook"

	"github.com/mihaimyh/resumegate/pkg/billing"
)

// Verifier checks Stripe webhook signatures and decodes the verified
// payload into a billing.BillingEvent.
type Verifier struct {
	secret    string
	tolerance time.Duration
	userIDKey string
}

// NewVerifier creates a Verifier. A zero tolerance selects
// billing.DefaultWebhookTolerance and an empty userIDKey selects
// billing.DefaultUserIDMetadataKey.
func NewVerifier(secret string, tolerance time.Duration, userIDKey string) *Verifier {
	if tolerance <= 0 {
		tolerance = billing.DefaultWebhookTolerance
	}
	if userIDKey == "" {
		userIDKey = billing.DefaultUserIDMetadataKey
	}
	return &Verifier{
		secret:    strings.TrimSpace(secret),
		tolerance: tolerance,
		userIDKey: userIDKey,
	}
}

// Verify authenticates rawBody against signatureHeader using secret and
// the default tolerance, then decodes it.
func Verify(rawBody []byte, signatureHeader, secret string) (*billing.BillingEvent, error) {
	return NewVerifier(secret, 0, "").Verify(rawBody, signatureHeader)
}

// Verify authenticates rawBody against the Stripe-Signature header value.
// rawBody must be the exact bytes received.
//
// Errors: billing.ErrMissingSignature for an empty header,
// billing.ErrInvalidSignature for a mismatch or a stale timestamp,
// billing.ErrMalformedPayload when the verified body does not decode.
func (v *Verifier) Verify(rawBody []byte, signatureHeader string) (*billing.BillingEvent, error) {
	if strings.TrimSpace(signatureHeader) == "" {
		return nil, billing.ErrMissingSignature
	}
	if v.secret == "" {
		return nil, fmt.Errorf("%w: webhook secret not set", billing.ErrProviderNotConfigured)
	}

	if err := webhook.ValidatePayloadWithTolerance(rawBody, signatureHeader, v.secret, v.tolerance); err != nil {
		return nil, fmt.Errorf("%w: %w", billing.ErrInvalidSignature, err)
	}

	return decodeEvent(rawBody, v.userIDKey)
}
