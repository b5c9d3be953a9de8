package stripe

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/stripe/stripe-go/v83"

	"github.com/mihaimyh/resumegate/pkg/billing"
)

const (
	eventSessionCompleted    = "checkout.session.completed"
	eventSubscriptionCreated = "customer.subscription.created"
	eventSubscriptionUpdated = "customer.subscription.updated"
	eventSubscriptionDeleted = "customer.subscription.deleted"
	legacyUserIDMetadataKey  = "user_id"
)

// periodFields carries the period end wherever the API version put it:
// on the subscription (older versions) or on each item (2025-03-31+).
type periodFields struct {
	CurrentPeriodEnd int64 `json:"current_period_end"`
}

// decodeEvent turns a verified Stripe event body into a BillingEvent.
// Any decode failure is reported as billing.ErrMalformedPayload.
func decodeEvent(raw []byte, userIDKey string) (*billing.BillingEvent, error) {
	var evt stripe.Event
	if err := json.Unmarshal(raw, &evt); err != nil {
		return nil, fmt.Errorf("%w: %w", billing.ErrMalformedPayload, err)
	}
	if evt.Type == "" {
		return nil, fmt.Errorf("%w: event type missing", billing.ErrMalformedPayload)
	}

	out := &billing.BillingEvent{
		ID:        evt.ID,
		Type:      string(evt.Type),
		CreatedAt: time.Unix(evt.Created, 0).UTC(),
	}

	switch evt.Type {
	case eventSessionCompleted:
		data, err := eventObject(&evt)
		if err != nil {
			return nil, err
		}
		var cs stripe.CheckoutSession
		if err := json.Unmarshal(data, &cs); err != nil {
			return nil, fmt.Errorf("%w: checkout session: %w", billing.ErrMalformedPayload, err)
		}
		out.Kind = billing.EventSessionCompleted
		out.Session = sessionFromStripe(&cs, userIDKey)

	case eventSubscriptionCreated, eventSubscriptionUpdated, eventSubscriptionDeleted:
		data, err := eventObject(&evt)
		if err != nil {
			return nil, err
		}
		var sub stripe.Subscription
		if err := json.Unmarshal(data, &sub); err != nil {
			return nil, fmt.Errorf("%w: subscription: %w", billing.ErrMalformedPayload, err)
		}
		ps := subscriptionFromStripe(&sub, data, userIDKey)
		ps.ObservedAt = out.CreatedAt
		out.Subscription = ps
		if evt.Type == eventSubscriptionDeleted {
			out.Kind = billing.EventSubscriptionDeleted
		} else {
			out.Kind = billing.EventSubscriptionUpserted
		}

	default:
		out.Kind = billing.EventOther
	}

	return out, nil
}

func eventObject(evt *stripe.Event) (json.RawMessage, error) {
	if evt.Data == nil || len(evt.Data.Raw) == 0 {
		return nil, fmt.Errorf("%w: event %s has no data object", billing.ErrMalformedPayload, evt.ID)
	}
	return evt.Data.Raw, nil
}

func sessionFromStripe(cs *stripe.CheckoutSession, userIDKey string) *billing.CheckoutSession {
	out := &billing.CheckoutSession{
		SessionID: cs.ID,
		UserID:    userIDFromMetadata(cs.Metadata, userIDKey),
		Mode:      string(cs.Mode),
	}
	if cs.Customer != nil {
		out.CustomerID = cs.Customer.ID
	}
	if cs.Subscription != nil {
		out.SubscriptionID = cs.Subscription.ID
	}
	if out.UserID == "" {
		out.UserID = cs.ClientReferenceID
	}
	return out
}

// subscriptionFromStripe maps a Stripe subscription. raw is the JSON the
// subscription was decoded from and may be nil; it is consulted for the
// top-level current_period_end that newer SDK structs no longer expose.
func subscriptionFromStripe(sub *stripe.Subscription, raw []byte, userIDKey string) *billing.ProviderSubscription {
	out := &billing.ProviderSubscription{
		SubscriptionID:    sub.ID,
		UserID:            userIDFromMetadata(sub.Metadata, userIDKey),
		Status:            string(sub.Status),
		CancelAtPeriodEnd: sub.CancelAtPeriodEnd,
	}
	if sub.Customer != nil {
		out.CustomerID = sub.Customer.ID
	}

	var periodEnd int64
	if sub.Items != nil {
		for _, item := range sub.Items.Data {
			if item == nil {
				continue
			}
			li := billing.LineItem{}
			if item.Price != nil {
				li.PriceID = item.Price.ID
			}
			out.LineItems = append(out.LineItems, li)
			if item.CurrentPeriodEnd > periodEnd {
				periodEnd = item.CurrentPeriodEnd
			}
		}
	}
	if periodEnd == 0 && len(raw) > 0 {
		var pf periodFields
		if err := json.Unmarshal(raw, &pf); err == nil {
			periodEnd = pf.CurrentPeriodEnd
		}
	}
	out.CurrentPeriodEndEpochSeconds = periodEnd
	if len(out.LineItems) > 0 {
		out.PriceID = out.LineItems[0].PriceID
	}
	return out
}

// userIDFromMetadata reads the configured key, falling back to the
// snake_case spelling some integrations use.
func userIDFromMetadata(md map[string]string, key string) string {
	if md == nil {
		return ""
	}
	if v := md[key]; v != "" {
		return v
	}
	return md[legacyUserIDMetadataKey]
}
