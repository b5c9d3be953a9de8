package billing

import "time"

// Billable subscription statuses. Any other provider status (canceled,
// unpaid, incomplete, incomplete_expired, paused) revokes access.
const (
	StatusActive   = "active"
	StatusTrialing = "trialing"
	StatusPastDue  = "past_due"
)

// IsBillable reports whether a provider subscription status entitles the
// user to paid features.
func IsBillable(status string) bool {
	switch status {
	case StatusActive, StatusTrialing, StatusPastDue:
		return true
	default:
		return false
	}
}

// CheckoutSession is the provider's snapshot of a completed checkout.
type CheckoutSession struct {
	SessionID      string
	CustomerID     string
	SubscriptionID string // empty for non-subscription checkouts
	UserID         string // from session metadata
	Mode           string
}

// LineItem is a single priced item of a provider subscription.
type LineItem struct {
	PriceID string
}

// ProviderSubscription is the provider-side subscription as seen by the
// reconciler. It is always treated as a complete, authoritative snapshot.
type ProviderSubscription struct {
	SubscriptionID               string
	CustomerID                   string
	UserID                       string // from subscription metadata
	Status                       string
	CurrentPeriodEndEpochSeconds int64
	CancelAtPeriodEnd            bool
	PriceID                      string
	LineItems                    []LineItem

	// ObservedAt is the creation time of the event that carried this
	// snapshot. Zero when the subscription was fetched from the API.
	ObservedAt time.Time
}

// LocalSubscriptionRecord is the persisted subscription state for one user.
// A record exists only while the user has billable access.
type LocalSubscriptionRecord struct {
	UserID               string    `json:"user_id"`
	StripeSubscriptionID string    `json:"stripe_subscription_id"`
	StripeCustomerID     string    `json:"stripe_customer_id"`
	StripePriceID        string    `json:"stripe_price_id"`
	CurrentPeriodEnd     time.Time `json:"current_period_end"`
	CancelAtPeriodEnd    bool      `json:"cancel_at_period_end"`
	UpdatedAt            time.Time `json:"updated_at"`
}
