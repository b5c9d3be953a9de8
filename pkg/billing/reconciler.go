package billing

import (
	"context"
	"fmt"
	"time"
)

// ReconcilerConfig wires a Reconciler to its collaborators.
type ReconcilerConfig struct {
	Store    SubscriptionStore
	Identity IdentityBridge
	Fetcher  SubscriptionFetcher

	// Guard is optional. When set, subscription events carrying an
	// ObservedAt older than the last admitted one are discarded.
	Guard OrderingGuard

	Metrics Metrics

	// Now overrides the clock used for UpdatedAt. Defaults to time.Now.
	Now func() time.Time
}

// Reconciler converges local subscription state to the billing provider's
// state. It holds no per-request state and is safe for concurrent use.
//
// Every write is a full replace computed from a single provider snapshot,
// so duplicate and reordered deliveries converge without locking.
type Reconciler struct {
	store    SubscriptionStore
	identity IdentityBridge
	fetcher  SubscriptionFetcher
	guard    OrderingGuard
	metrics  Metrics
	now      func() time.Time
}

// NewReconciler creates a Reconciler. Store, Identity and Fetcher are required.
func NewReconciler(cfg ReconcilerConfig) (*Reconciler, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("%w: subscription store is required", ErrProviderNotConfigured)
	}
	if cfg.Identity == nil {
		return nil, fmt.Errorf("%w: identity bridge is required", ErrProviderNotConfigured)
	}
	if cfg.Fetcher == nil {
		return nil, fmt.Errorf("%w: subscription fetcher is required", ErrProviderNotConfigured)
	}

	metrics := cfg.Metrics
	if metrics == nil {
		metrics = &NoopMetrics{}
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	return &Reconciler{
		store:    cfg.Store,
		identity: cfg.Identity,
		fetcher:  cfg.Fetcher,
		guard:    cfg.Guard,
		metrics:  metrics,
		now:      now,
	}, nil
}

// ReconcileFromSession handles a completed checkout. It binds the customer
// to the user in the identity provider and, for subscription checkouts,
// re-fetches the subscription and applies it. The session's user id is the
// correlation key even when the subscription metadata disagrees.
func (r *Reconciler) ReconcileFromSession(ctx context.Context, log Logger, session *CheckoutSession) error {
	log = orNoop(log)
	if session == nil || session.UserID == "" {
		r.metrics.RecordReconcile("session", OutcomeFailed)
		return ErrMissingUserMetadata
	}
	log = log.With(F("user_id", session.UserID), F("session_id", session.SessionID))

	if err := r.identity.BindCustomer(ctx, session.UserID, session.CustomerID); err != nil {
		r.metrics.RecordReconcile("session", OutcomeFailed)
		return fmt.Errorf("bind customer %s: %w", session.CustomerID, err)
	}
	r.metrics.RecordReconcile("session", OutcomeBound)
	log.Info("Customer bound to user", F("customer_id", session.CustomerID))

	if session.SubscriptionID == "" {
		log.Debug("Checkout session has no subscription", F("mode", session.Mode))
		return nil
	}

	sub, err := r.fetcher.FetchSubscription(ctx, session.SubscriptionID)
	if err != nil {
		r.metrics.RecordReconcile("session", OutcomeFailed)
		return fmt.Errorf("fetch subscription %s: %w", session.SubscriptionID, err)
	}

	snapshot := *sub
	if snapshot.UserID != "" && snapshot.UserID != session.UserID {
		log.Warn("Subscription metadata user differs from session user",
			F("subscription_id", snapshot.SubscriptionID),
			F("subscription_user_id", snapshot.UserID))
	}
	snapshot.UserID = session.UserID

	return r.apply(ctx, log, "session", &snapshot)
}

// ReconcileFromSubscriptionEvent applies a subscription created/updated
// snapshot. Data-quality gaps are logged and acknowledged; only store and
// guard failures are returned.
func (r *Reconciler) ReconcileFromSubscriptionEvent(ctx context.Context, log Logger, sub *ProviderSubscription) error {
	log = orNoop(log)
	if sub == nil {
		log.Warn("Subscription event without subscription payload")
		r.metrics.RecordReconcile("subscription", OutcomeSkipped)
		return nil
	}
	log = log.With(F("subscription_id", sub.SubscriptionID))

	if sub.UserID == "" {
		log.Warn("Subscription has no user id in metadata; skipping", F("customer_id", sub.CustomerID))
		r.metrics.RecordReconcile("subscription", OutcomeSkipped)
		return nil
	}

	return r.apply(ctx, log, "subscription", sub)
}

// ReconcileFromDeletion removes the record for the deleted subscription.
// Deleting an absent record succeeds.
func (r *Reconciler) ReconcileFromDeletion(ctx context.Context, log Logger, sub *ProviderSubscription) error {
	log = orNoop(log)
	if sub == nil || sub.SubscriptionID == "" {
		log.Warn("Deletion event without subscription id")
		r.metrics.RecordReconcile("deletion", OutcomeSkipped)
		return nil
	}
	log = log.With(F("subscription_id", sub.SubscriptionID))

	if !sub.ObservedAt.IsZero() && r.guard != nil {
		admitted, err := r.guard.Admit(ctx, sub.SubscriptionID, sub.ObservedAt)
		if err != nil {
			r.metrics.RecordReconcile("deletion", OutcomeFailed)
			return fmt.Errorf("ordering guard: %w", err)
		}
		if !admitted {
			log.Warn("Discarding out-of-order deletion event", F("observed_at", sub.ObservedAt))
			r.metrics.RecordReconcile("deletion", OutcomeDiscarded)
			return nil
		}
	}

	if err := r.store.DeleteBySubscriptionID(ctx, sub.SubscriptionID); err != nil {
		r.metrics.RecordReconcile("deletion", OutcomeFailed)
		return fmt.Errorf("delete subscription %s: %w", sub.SubscriptionID, err)
	}
	r.metrics.RecordReconcile("deletion", OutcomeDeleted)
	log.Info("Subscription record removed")
	return nil
}

// ApplySnapshot applies the upsert policy to an authoritative snapshot
// fetched outside of a webhook, e.g. by a resync job.
func (r *Reconciler) ApplySnapshot(ctx context.Context, log Logger, sub *ProviderSubscription) error {
	if sub == nil {
		return nil
	}
	return r.apply(ctx, orNoop(log).With(F("subscription_id", sub.SubscriptionID)), "sync", sub)
}

// apply is the shared upsert policy. sub.UserID must be set.
func (r *Reconciler) apply(ctx context.Context, log Logger, source string, sub *ProviderSubscription) error {
	if sub.UserID == "" {
		log.Warn("Subscription has no user id; skipping")
		r.metrics.RecordReconcile(source, OutcomeSkipped)
		return nil
	}
	if len(sub.LineItems) == 0 {
		log.Warn("Subscription has no line items; skipping", F("user_id", sub.UserID))
		r.metrics.RecordReconcile(source, OutcomeSkipped)
		return nil
	}
	periodEnd, ok := periodEndFromEpoch(sub.CurrentPeriodEndEpochSeconds)
	if !ok {
		log.Warn("Subscription has no valid period end; skipping",
			F("user_id", sub.UserID),
			F("status", sub.Status),
			F("current_period_end", sub.CurrentPeriodEndEpochSeconds))
		r.metrics.RecordReconcile(source, OutcomeSkipped)
		return nil
	}

	// The watermark only advances for events that would be applied.
	if !sub.ObservedAt.IsZero() && r.guard != nil {
		admitted, err := r.guard.Admit(ctx, sub.SubscriptionID, sub.ObservedAt)
		if err != nil {
			r.metrics.RecordReconcile(source, OutcomeFailed)
			return fmt.Errorf("ordering guard: %w", err)
		}
		if !admitted {
			log.Warn("Discarding out-of-order subscription event", F("observed_at", sub.ObservedAt))
			r.metrics.RecordReconcile(source, OutcomeDiscarded)
			return nil
		}
	}

	if !IsBillable(sub.Status) {
		if err := r.store.DeleteBySubscriptionID(ctx, sub.SubscriptionID); err != nil {
			r.metrics.RecordReconcile(source, OutcomeFailed)
			return fmt.Errorf("delete subscription %s: %w", sub.SubscriptionID, err)
		}
		r.metrics.RecordReconcile(source, OutcomeDeleted)
		log.Info("Subscription not billable; record removed", F("user_id", sub.UserID), F("status", sub.Status))
		return nil
	}

	rec := &LocalSubscriptionRecord{
		UserID:               sub.UserID,
		StripeSubscriptionID: sub.SubscriptionID,
		StripeCustomerID:     sub.CustomerID,
		StripePriceID:        priceOf(sub),
		CurrentPeriodEnd:     periodEnd,
		CancelAtPeriodEnd:    sub.CancelAtPeriodEnd,
		UpdatedAt:            r.now().UTC(),
	}
	if err := r.store.UpsertByUser(ctx, rec); err != nil {
		r.metrics.RecordReconcile(source, OutcomeFailed)
		return fmt.Errorf("upsert subscription for user %s: %w", sub.UserID, err)
	}
	r.metrics.RecordReconcile(source, OutcomeUpserted)
	log.Info("Subscription record upserted",
		F("user_id", rec.UserID),
		F("status", sub.Status),
		F("price_id", rec.StripePriceID),
		F("current_period_end", rec.CurrentPeriodEnd),
		F("cancel_at_period_end", rec.CancelAtPeriodEnd))
	return nil
}

// periodEndFromEpoch converts a provider epoch into an instant. Zero and
// negative values are reported as invalid: providers send them for
// subscriptions in intermediate states.
func periodEndFromEpoch(epoch int64) (time.Time, bool) {
	if epoch <= 0 {
		return time.Time{}, false
	}
	return time.Unix(epoch, 0).UTC(), true
}

func priceOf(sub *ProviderSubscription) string {
	if sub.PriceID != "" {
		return sub.PriceID
	}
	for _, item := range sub.LineItems {
		if item.PriceID != "" {
			return item.PriceID
		}
	}
	return ""
}

func orNoop(log Logger) Logger {
	if log == nil {
		return &NoopLogger{}
	}
	return log
}
