package stripe

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/stripe/stripe-go/v83"

	"github.com/mihaimyh/resumegate/pkg/billing"
)

// CheckoutURL creates a subscription-mode Checkout Session for priceID and
// returns its URL. The user id is attached to both the session and the
// subscription it creates so that every later webhook can be correlated.
func (p *Provider) CheckoutURL(ctx context.Context, userID, priceID, successURL, cancelURL string) (string, error) {
	const endpoint = "/v1/checkout/sessions"
	startTime := time.Now()

	if !p.PriceAllowed(priceID) {
		p.metrics.RecordAPICall(providerName, endpoint, "price_not_allowed")
		return "", fmt.Errorf("%w: %s", billing.ErrPriceNotAllowed, priceID)
	}

	// Only "not found" is tolerated. Any other failure aborts so that a
	// second Stripe customer is not created for the same user.
	customerID, err := p.resolveCustomerID(ctx, userID)
	if err != nil && !errors.Is(err, billing.ErrCustomerNotFound) {
		p.metrics.RecordAPICall(providerName, endpoint, "customer_resolution_failed")
		return "", fmt.Errorf("resolve customer: %w", err)
	}

	params := &stripe.CheckoutSessionCreateParams{
		Mode: stripe.String(string(stripe.CheckoutSessionModeSubscription)),
		LineItems: []*stripe.CheckoutSessionCreateLineItemParams{
			{
				Price:    stripe.String(priceID),
				Quantity: stripe.Int64(1),
			},
		},
		SuccessURL:        stripe.String(successURL),
		CancelURL:         stripe.String(cancelURL),
		ClientReferenceID: stripe.String(userID),
		SubscriptionData: &stripe.CheckoutSessionCreateSubscriptionDataParams{
			Metadata: map[string]string{p.userIDKey: userID},
		},
	}
	params.Metadata = map[string]string{p.userIDKey: userID}

	if customerID != "" {
		params.Customer = stripe.String(customerID)
	}

	session, err := p.stripeClient.V1CheckoutSessions.Create(ctx, params)
	p.metrics.RecordAPICallDuration(providerName, endpoint, time.Since(startTime))
	if err != nil {
		p.metrics.RecordAPICall(providerName, endpoint, "error")
		return "", fmt.Errorf("%w: create checkout session: %w", billing.ErrProviderAPIError, err)
	}
	p.metrics.RecordAPICall(providerName, endpoint, "success")

	return session.URL, nil
}

// PortalURL creates a Stripe Customer Portal Session and returns the URL.
// This allows users to manage their subscription, update payment methods, or cancel.
func (p *Provider) PortalURL(ctx context.Context, userID, returnURL string) (string, error) {
	const endpoint = "/v1/billing_portal/sessions"
	startTime := time.Now()

	customerID, err := p.resolveCustomerID(ctx, userID)
	if err != nil {
		p.metrics.RecordAPICall(providerName, endpoint, "customer_not_found")
		if errors.Is(err, billing.ErrCustomerNotFound) {
			return "", fmt.Errorf("%w: %s", billing.ErrCustomerNotFound, userID)
		}
		return "", fmt.Errorf("resolve customer: %w", err)
	}

	params := &stripe.BillingPortalSessionCreateParams{
		Customer:  stripe.String(customerID),
		ReturnURL: stripe.String(returnURL),
	}

	session, err := p.stripeClient.V1BillingPortalSessions.Create(ctx, params)
	p.metrics.RecordAPICallDuration(providerName, endpoint, time.Since(startTime))
	if err != nil {
		p.metrics.RecordAPICall(providerName, endpoint, "error")
		return "", fmt.Errorf("%w: create portal session: %w", billing.ErrProviderAPIError, err)
	}
	p.metrics.RecordAPICall(providerName, endpoint, "success")

	return session.URL, nil
}

// PriceAllowed reports whether checkout may be opened for priceID. With no
// configured price list every non-empty price is allowed.
func (p *Provider) PriceAllowed(priceID string) bool {
	if priceID == "" {
		return false
	}
	if len(p.priceIDs) == 0 {
		return true
	}
	_, ok := p.priceIDs[priceID]
	return ok
}
