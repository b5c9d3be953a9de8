package stripe

import (
	"context"
	"fmt"
	"time"

	"github.com/mihaimyh/resumegate/pkg/billing"
)

const endpointSubscriptionRetrieve = "/v1/subscriptions/{id}"

// FetchSubscription retrieves the current state of a subscription from the
// Stripe API. It implements billing.SubscriptionFetcher.
func (p *Provider) FetchSubscription(ctx context.Context, subscriptionID string) (*billing.ProviderSubscription, error) {
	start := time.Now()
	sub, err := p.stripeClient.V1Subscriptions.Retrieve(ctx, subscriptionID, nil)
	p.metrics.RecordAPICallDuration(providerName, endpointSubscriptionRetrieve, time.Since(start))
	if err != nil {
		p.metrics.RecordAPICall(providerName, endpointSubscriptionRetrieve, "error")
		return nil, fmt.Errorf("%w: retrieve subscription %s: %w", billing.ErrProviderAPIError, subscriptionID, err)
	}
	p.metrics.RecordAPICall(providerName, endpointSubscriptionRetrieve, "success")

	var raw []byte
	if sub.LastResponse != nil {
		raw = sub.LastResponse.RawJSON
	}
	return subscriptionFromStripe(sub, raw, p.userIDKey), nil
}
