package billing

import "errors"

var (
	// ErrMissingSignature is returned when a webhook arrives without a signature header
	ErrMissingSignature = errors.New("webhook signature missing")

	// ErrInvalidSignature is returned when webhook signature validation fails
	ErrInvalidSignature = errors.New("invalid webhook signature")

	// ErrMalformedPayload is returned when a verified webhook payload cannot be decoded
	ErrMalformedPayload = errors.New("malformed webhook payload")

	// ErrMissingUserMetadata is returned when a checkout session carries no user id.
	// This is a provider configuration defect, not a transient condition.
	ErrMissingUserMetadata = errors.New("user id missing in session metadata")

	// ErrIdentityWriteFailed is returned when the identity provider rejects a metadata write
	ErrIdentityWriteFailed = errors.New("identity metadata write failed")

	// ErrSubscriptionNotFound is returned when no local subscription record exists
	ErrSubscriptionNotFound = errors.New("subscription not found")

	// ErrProviderNotConfigured is returned when a provider is not properly configured
	ErrProviderNotConfigured = errors.New("billing provider not configured")

	// ErrProviderAPIError is returned when the provider's API returns an error
	ErrProviderAPIError = errors.New("billing provider API error")

	// ErrCustomerNotFound is returned when a customer cannot be found in the provider
	ErrCustomerNotFound = errors.New("customer not found in billing provider")

	// ErrPriceNotAllowed is returned when checkout is requested for an unknown price
	ErrPriceNotAllowed = errors.New("price not allowed")
)
