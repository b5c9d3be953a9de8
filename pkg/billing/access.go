package billing

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Access statuses reported by AccessChecker.Status.
const (
	AccessActive    = "active"
	AccessCanceling = "canceling"
	AccessExpired   = "expired"
	AccessNone      = "none"
)

// AccessChecker answers feature-gating questions from the local
// subscription records.
type AccessChecker struct {
	reader  SubscriptionReader
	grace   time.Duration
	now     func() time.Time
	metrics Metrics
}

// AccessOption configures an AccessChecker.
type AccessOption func(*AccessChecker)

// WithGracePeriod extends access past CurrentPeriodEnd. Renewals are
// usually delivered a little after the period rolls over.
func WithGracePeriod(d time.Duration) AccessOption {
	return func(c *AccessChecker) { c.grace = d }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) AccessOption {
	return func(c *AccessChecker) { c.now = now }
}

// WithAccessMetrics reports every Status decision to m.
func WithAccessMetrics(m Metrics) AccessOption {
	return func(c *AccessChecker) {
		if m != nil {
			c.metrics = m
		}
	}
}

// NewAccessChecker creates an AccessChecker reading from reader.
func NewAccessChecker(reader SubscriptionReader, opts ...AccessOption) *AccessChecker {
	c := &AccessChecker{reader: reader, now: time.Now, metrics: &NoopMetrics{}}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SubscriptionStatus is the read-side view of a user's subscription.
type SubscriptionStatus struct {
	UserID            string     `json:"user_id"`
	Status            string     `json:"status"`
	PriceID           string     `json:"price_id,omitempty"`
	CurrentPeriodEnd  *time.Time `json:"current_period_end,omitempty"`
	CancelAtPeriodEnd bool       `json:"cancel_at_period_end"`
}

// HasAccess reports whether userID currently has a billable subscription.
func (c *AccessChecker) HasAccess(ctx context.Context, userID string) (bool, error) {
	st, err := c.Status(ctx, userID)
	if err != nil {
		return false, err
	}
	return st.HasAccess(), nil
}

// HasAccess reports whether the status grants access to gated features.
// A subscription set to cancel keeps access until its period ends.
func (s *SubscriptionStatus) HasAccess() bool {
	return s.Status == AccessActive || s.Status == AccessCanceling
}

// Status returns the user's subscription status. A missing record is
// reported as AccessNone, not as an error.
func (c *AccessChecker) Status(ctx context.Context, userID string) (*SubscriptionStatus, error) {
	rec, err := c.reader.GetByUser(ctx, userID)
	if errors.Is(err, ErrSubscriptionNotFound) {
		c.metrics.RecordAccessCheck(AccessNone)
		return &SubscriptionStatus{UserID: userID, Status: AccessNone}, nil
	}
	if err != nil {
		c.metrics.RecordAccessCheck("error")
		return nil, fmt.Errorf("read subscription for user %s: %w", userID, err)
	}

	end := rec.CurrentPeriodEnd
	st := &SubscriptionStatus{
		UserID:            userID,
		PriceID:           rec.StripePriceID,
		CurrentPeriodEnd:  &end,
		CancelAtPeriodEnd: rec.CancelAtPeriodEnd,
	}
	switch {
	case !c.now().Before(end.Add(c.grace)):
		st.Status = AccessExpired
	case rec.CancelAtPeriodEnd:
		st.Status = AccessCanceling
	default:
		st.Status = AccessActive
	}
	c.metrics.RecordAccessCheck(st.Status)
	return st, nil
}
