package stripe

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v83"

	"github.com/mihaimyh/resumegate/pkg/billing"
)

// SyncUser re-derives the user's local subscription record from Stripe.
// The billable subscription with the latest period end wins; when none is
// billable the local record is removed and nil is returned.
func (p *Provider) SyncUser(ctx context.Context, userID string) (*billing.LocalSubscriptionRecord, error) {
	startTime := time.Now()
	log := p.logger.With(billing.F("user_id", userID), billing.F("op", "sync"))

	rec, err := p.syncUser(ctx, log, userID)
	p.metrics.RecordUserSyncDuration(providerName, time.Since(startTime))
	if err != nil {
		p.metrics.RecordUserSync(providerName, "error")
		return nil, err
	}
	p.metrics.RecordUserSync(providerName, "success")
	return rec, nil
}

func (p *Provider) syncUser(ctx context.Context, log billing.Logger, userID string) (*billing.LocalSubscriptionRecord, error) {
	var candidates []*billing.ProviderSubscription

	customerID, err := p.resolveCustomerID(ctx, userID)
	switch {
	case err == nil:
		candidates, err = p.listCustomerSubscriptions(ctx, customerID)
	case errors.Is(err, billing.ErrCustomerNotFound):
		log.Debug("No Stripe customer for user; searching subscriptions by metadata")
		candidates, err = p.searchSubscriptionsByMetadata(ctx, userID)
	}
	if err != nil {
		return nil, err
	}

	best := pickBillable(candidates)
	if best == nil {
		if err := p.store.DeleteByUser(ctx, userID); err != nil {
			return nil, fmt.Errorf("delete record for user %s: %w", userID, err)
		}
		p.metrics.RecordReconcile("sync", billing.OutcomeDeleted)
		log.Info("No billable subscription; local record cleared")
		return nil, nil
	}

	best.UserID = userID
	if err := p.reconciler.ApplySnapshot(ctx, log, best); err != nil {
		return nil, err
	}

	rec, err := p.store.GetByUser(ctx, userID)
	if errors.Is(err, billing.ErrSubscriptionNotFound) {
		return nil, nil
	}
	return rec, err
}

// pickBillable returns the billable subscription with the latest period
// end, or nil.
func pickBillable(subs []*billing.ProviderSubscription) *billing.ProviderSubscription {
	var best *billing.ProviderSubscription
	for _, s := range subs {
		if !billing.IsBillable(s.Status) || len(s.LineItems) == 0 {
			continue
		}
		if best == nil || s.CurrentPeriodEndEpochSeconds > best.CurrentPeriodEndEpochSeconds {
			best = s
		}
	}
	return best
}

func (p *Provider) listCustomerSubscriptions(ctx context.Context, customerID string) ([]*billing.ProviderSubscription, error) {
	const endpoint = "/v1/subscriptions"
	start := time.Now()

	params := &stripe.SubscriptionListParams{}
	params.Customer = stripe.String(customerID)
	params.Status = stripe.String("all")

	var out []*billing.ProviderSubscription
	for sub, err := range p.stripeClient.V1Subscriptions.List(ctx, params) {
		if err != nil {
			p.metrics.RecordAPICall(providerName, endpoint, "error")
			return nil, fmt.Errorf("%w: list subscriptions: %w", billing.ErrProviderAPIError, err)
		}
		out = append(out, subscriptionFromStripe(sub, nil, p.userIDKey))
	}
	p.metrics.RecordAPICall(providerName, endpoint, "success")
	p.metrics.RecordAPICallDuration(providerName, endpoint, time.Since(start))
	return out, nil
}

func (p *Provider) searchSubscriptionsByMetadata(ctx context.Context, userID string) ([]*billing.ProviderSubscription, error) {
	const endpoint = "/v1/subscriptions/search"
	start := time.Now()

	params := &stripe.SubscriptionSearchParams{}
	params.Query = metadataQuery(p.userIDKey, userID)

	var out []*billing.ProviderSubscription
	for sub, err := range p.stripeClient.V1Subscriptions.Search(ctx, params) {
		if err != nil {
			p.metrics.RecordAPICall(providerName, endpoint, "error")
			return nil, fmt.Errorf("%w: search subscriptions: %w", billing.ErrProviderAPIError, err)
		}
		// Search is eventually consistent and matches loosely.
		if userIDFromMetadata(sub.Metadata, p.userIDKey) != userID {
			continue
		}
		out = append(out, subscriptionFromStripe(sub, nil, p.userIDKey))
	}
	p.metrics.RecordAPICall(providerName, endpoint, "success")
	p.metrics.RecordAPICallDuration(providerName, endpoint, time.Since(start))
	return out, nil
}

// resolveCustomerID finds the Stripe customer for a user: local record
// first, then the configured resolver, then the Search API.
func (p *Provider) resolveCustomerID(ctx context.Context, userID string) (string, error) {
	rec, err := p.store.GetByUser(ctx, userID)
	switch {
	case err == nil && rec.StripeCustomerID != "":
		return rec.StripeCustomerID, nil
	case err != nil && !errors.Is(err, billing.ErrSubscriptionNotFound):
		return "", fmt.Errorf("read record for user %s: %w", userID, err)
	}

	if p.customerIDResolver != nil {
		customerID, err := p.customerIDResolver(ctx, userID)
		if err == nil && customerID != "" {
			return customerID, nil
		}
		if err != nil && !errors.Is(err, billing.ErrCustomerNotFound) {
			p.logger.Warn("Customer resolver failed; falling back to search",
				billing.F("user_id", userID), billing.F("error", err.Error()))
		}
	}

	return p.searchCustomerByMetadata(ctx, userID)
}

func (p *Provider) searchCustomerByMetadata(ctx context.Context, userID string) (string, error) {
	const endpoint = "/v1/customers/search"

	params := &stripe.CustomerSearchParams{}
	params.Query = metadataQuery(p.userIDKey, userID)

	for cust, err := range p.stripeClient.V1Customers.Search(ctx, params) {
		if err != nil {
			p.metrics.RecordAPICall(providerName, endpoint, "error")
			return "", fmt.Errorf("%w: search customers: %w", billing.ErrProviderAPIError, err)
		}
		if userIDFromMetadata(cust.Metadata, p.userIDKey) == userID {
			p.metrics.RecordAPICall(providerName, endpoint, "success")
			return cust.ID, nil
		}
	}
	p.metrics.RecordAPICall(providerName, endpoint, "not_found")
	return "", billing.ErrCustomerNotFound
}

// metadataQuery builds a Stripe Search query. Single quotes in the value
// are escaped as the query language requires.
func metadataQuery(key, value string) string {
	return fmt.Sprintf("metadata['%s']:'%s'", key, strings.ReplaceAll(value, "'", `\'`))
}
