package billing

import (
	"context"
	"errors"
	"sync"
	"time"
)

// CircuitBreakerState represents the current state of the circuit breaker.
type CircuitBreakerState string

const (
	StateClosed   CircuitBreakerState = "closed"
	StateOpen     CircuitBreakerState = "open"
	StateHalfOpen CircuitBreakerState = "half_open"
)

// ErrCircuitOpen is returned when the circuit breaker is open.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// CircuitBreaker defines the interface for a circuit breaker.
type CircuitBreaker interface {
	// Execute executes the given function within the circuit breaker.
	Execute(ctx context.Context, fn func() error) error
	// State returns the current state of the circuit breaker.
	State() CircuitBreakerState
}

// DefaultCircuitBreaker opens after failureThreshold consecutive failures
// and lets a single trial call through once resetTimeout has elapsed. Other
// callers get ErrCircuitOpen until the trial returns.
//
// Errors matching any of the ignored sentinels (by default
// ErrSubscriptionNotFound) count as successes: they describe data, not an
// unhealthy backend.
type DefaultCircuitBreaker struct {
	mu sync.RWMutex

	state               CircuitBreakerState
	failureThreshold    int
	resetTimeout        time.Duration
	consecutiveFailures int
	lastFailureTime     time.Time
	trialInFlight       bool
	ignored             []error
	now                 func() time.Time

	onStateChange func(state CircuitBreakerState)
}

// NewDefaultCircuitBreaker creates a new default circuit breaker.
func NewDefaultCircuitBreaker(failureThreshold int, resetTimeout time.Duration,
	onStateChange func(state CircuitBreakerState)) *DefaultCircuitBreaker {
	if failureThreshold <= 0 {
		failureThreshold = 5
	}
	return &DefaultCircuitBreaker{
		state:            StateClosed,
		failureThreshold: failureThreshold,
		resetTimeout:     resetTimeout,
		ignored:          []error{ErrSubscriptionNotFound},
		now:              time.Now,
		onStateChange:    onStateChange,
	}
}

func (cb *DefaultCircuitBreaker) State() CircuitBreakerState {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.currentState()
}

func (cb *DefaultCircuitBreaker) currentState() CircuitBreakerState {
	if cb.state == StateOpen && cb.now().Sub(cb.lastFailureTime) >= cb.resetTimeout {
		return StateHalfOpen
	}
	return cb.state
}

func (cb *DefaultCircuitBreaker) Execute(ctx context.Context, fn func() error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	cb.mu.Lock()
	state := cb.currentState()
	if state == StateOpen {
		cb.mu.Unlock()
		return ErrCircuitOpen
	}
	if state == StateHalfOpen {
		if cb.trialInFlight {
			cb.mu.Unlock()
			return ErrCircuitOpen
		}
		cb.trialInFlight = true
		cb.changeState(StateHalfOpen)
	}
	cb.mu.Unlock()

	err := fn()
	if err != nil && !cb.isIgnored(err) {
		cb.failure()
		return err
	}

	cb.success()
	return err
}

func (cb *DefaultCircuitBreaker) isIgnored(err error) bool {
	for _, target := range cb.ignored {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

func (cb *DefaultCircuitBreaker) success() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == StateHalfOpen || cb.state == StateOpen {
		cb.changeState(StateClosed)
	}
	cb.trialInFlight = false
	cb.consecutiveFailures = 0
}

func (cb *DefaultCircuitBreaker) failure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.consecutiveFailures++
	cb.lastFailureTime = cb.now()
	cb.trialInFlight = false

	if cb.state == StateClosed && cb.consecutiveFailures >= cb.failureThreshold {
		cb.changeState(StateOpen)
	} else if cb.state == StateHalfOpen {
		cb.changeState(StateOpen)
	}
}

func (cb *DefaultCircuitBreaker) changeState(newState CircuitBreakerState) {
	if cb.state != newState {
		cb.state = newState
		if cb.onStateChange != nil {
			cb.onStateChange(newState)
		}
	}
}

// CircuitBreakerStore wraps a Storage implementation with circuit breaker protection.
type CircuitBreakerStore struct {
	storage Storage
	cb      CircuitBreaker
}

// NewCircuitBreakerStore creates a new storage wrapper with circuit breaker.
func NewCircuitBreakerStore(storage Storage, cb CircuitBreaker) *CircuitBreakerStore {
	return &CircuitBreakerStore{
		storage: storage,
		cb:      cb,
	}
}

func (s *CircuitBreakerStore) GetByUser(ctx context.Context, userID string) (*LocalSubscriptionRecord, error) {
	var rec *LocalSubscriptionRecord
	err := s.cb.Execute(ctx, func() error {
		var e error
		rec, e = s.storage.GetByUser(ctx, userID)
		return e
	})
	return rec, err
}

func (s *CircuitBreakerStore) UpsertByUser(ctx context.Context, rec *LocalSubscriptionRecord) error {
	return s.cb.Execute(ctx, func() error {
		return s.storage.UpsertByUser(ctx, rec)
	})
}

func (s *CircuitBreakerStore) DeleteBySubscriptionID(ctx context.Context, subscriptionID string) error {
	return s.cb.Execute(ctx, func() error {
		return s.storage.DeleteBySubscriptionID(ctx, subscriptionID)
	})
}

func (s *CircuitBreakerStore) DeleteByUser(ctx context.Context, userID string) error {
	return s.cb.Execute(ctx, func() error {
		return s.storage.DeleteByUser(ctx, userID)
	})
}
