package billing

import (
	"context"
	"net/http"
)

// Provider is the interface a billing backend exposes to the application.
type Provider interface {
	// Name returns the provider name (e.g., "stripe")
	Name() string

	// WebhookHandler returns the HTTP handler that verifies provider
	// notifications and feeds them to the Reconciler.
	WebhookHandler() http.Handler

	// SyncUser re-derives the user's local subscription record from the
	// provider's current state. Used for support tooling and repair jobs.
	// Returns the resulting record, or nil when the user has no billable
	// subscription.
	SyncUser(ctx context.Context, userID string) (*LocalSubscriptionRecord, error)
}

// SubscriptionFetcher retrieves the authoritative state of a subscription
// from the billing provider.
type SubscriptionFetcher interface {
	FetchSubscription(ctx context.Context, subscriptionID string) (*ProviderSubscription, error)
}

// IdentityBridge writes billing identifiers into the identity provider's
// per-user private metadata.
type IdentityBridge interface {
	// BindCustomer records customerID for userID. Implementations wrap
	// ErrIdentityWriteFailed when the identity provider rejects the write.
	BindCustomer(ctx context.Context, userID, customerID string) error
}
