package billing

import (
	"context"
	"sync"
	"time"
)

// OrderingGuard decides whether a subscription event is recent enough to
// apply. Admit records at as the newest admitted time for subscriptionID
// and returns true, unless a strictly newer time was admitted before, in
// which case it returns false and leaves state unchanged.
//
// Equal timestamps are admitted so that provider redelivery of the same
// event keeps converging.
type OrderingGuard interface {
	Admit(ctx context.Context, subscriptionID string, at time.Time) (bool, error)
}

// DefaultOrderingTTL is how long a guard remembers a subscription after its
// last admitted event. Stripe stops retrying a delivery after three days.
const DefaultOrderingTTL = 30 * 24 * time.Hour

// orderingSweepEvery is how many admissions pass between scans for expired
// entries.
const orderingSweepEvery = 256

// MemoryOrderingGuard is an in-process OrderingGuard. It is only correct
// for single-instance deployments; use the Redis guard otherwise. Entries
// not touched for the TTL are forgotten.
type MemoryOrderingGuard struct {
	mu     sync.Mutex
	last   map[string]orderingEntry
	ttl    time.Duration
	now    func() time.Time
	admits int
}

type orderingEntry struct {
	at      time.Time
	touched time.Time
}

// OrderingGuardOption configures a MemoryOrderingGuard.
type OrderingGuardOption func(*MemoryOrderingGuard)

// WithOrderingTTL overrides DefaultOrderingTTL. Non-positive values are ignored.
func WithOrderingTTL(ttl time.Duration) OrderingGuardOption {
	return func(g *MemoryOrderingGuard) {
		if ttl > 0 {
			g.ttl = ttl
		}
	}
}

// WithOrderingClock overrides time.Now for expiry.
func WithOrderingClock(now func() time.Time) OrderingGuardOption {
	return func(g *MemoryOrderingGuard) { g.now = now }
}

// NewMemoryOrderingGuard creates an empty in-process ordering guard.
func NewMemoryOrderingGuard(opts ...OrderingGuardOption) *MemoryOrderingGuard {
	g := &MemoryOrderingGuard{
		last: make(map[string]orderingEntry),
		ttl:  DefaultOrderingTTL,
		now:  time.Now,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

func (g *MemoryOrderingGuard) Admit(_ context.Context, subscriptionID string, at time.Time) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	g.admits++
	if g.admits%orderingSweepEvery == 0 {
		g.sweep(now)
	}

	if prev, ok := g.last[subscriptionID]; ok && !g.expired(prev, now) && at.Before(prev.at) {
		return false, nil
	}
	g.last[subscriptionID] = orderingEntry{at: at, touched: now}
	return true, nil
}

// Len reports how many subscriptions the guard currently remembers.
func (g *MemoryOrderingGuard) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.last)
}

func (g *MemoryOrderingGuard) expired(e orderingEntry, now time.Time) bool {
	return now.Sub(e.touched) >= g.ttl
}

func (g *MemoryOrderingGuard) sweep(now time.Time) {
	for id, e := range g.last {
		if g.expired(e, now) {
			delete(g.last, id)
		}
	}
}
