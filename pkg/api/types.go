package api

import "github.com/mihaimyh/resumegate/pkg/billing"

// CheckoutRequest is the body of POST /api/billing/checkout
type CheckoutRequest struct {
	PriceID string `json:"price_id"`
}

// URLResponse carries a Stripe-hosted page the client should redirect to
type URLResponse struct {
	URL string `json:"url"`
}

// ResyncResponse reports the local record after a resync.
// Subscription is nil when the user has no billable subscription.
type ResyncResponse struct {
	UserID       string                           `json:"user_id"`
	Subscription *billing.LocalSubscriptionRecord `json:"subscription"`
}

// SummaryResponse is the body returned by POST /api/summary
type SummaryResponse struct {
	Summary string `json:"summary"`
}

// ErrorResponse is the default error body
type ErrorResponse struct {
	Error string `json:"error"`
}
