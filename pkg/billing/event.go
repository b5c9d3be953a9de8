package billing

import "time"

// EventKind discriminates the BillingEvent union.
type EventKind int

const (
	// EventOther is any provider event the reconciler does not consume.
	EventOther EventKind = iota
	EventSessionCompleted
	EventSubscriptionUpserted
	EventSubscriptionDeleted
)

func (k EventKind) String() string {
	switch k {
	case EventSessionCompleted:
		return "session_completed"
	case EventSubscriptionUpserted:
		return "subscription_upserted"
	case EventSubscriptionDeleted:
		return "subscription_deleted"
	default:
		return "other"
	}
}

// BillingEvent is a verified, decoded provider notification.
//
// Exactly one payload is populated depending on Kind: Session for
// EventSessionCompleted, Subscription for EventSubscriptionUpserted and
// EventSubscriptionDeleted, neither for EventOther.
type BillingEvent struct {
	Kind         EventKind
	ID           string
	Type         string // raw provider event type, e.g. "customer.subscription.updated"
	CreatedAt    time.Time
	Session      *CheckoutSession
	Subscription *ProviderSubscription
}
