package budget

import (
	"context"
	"errors"
	"sync"
	"time"
)

// CircuitBreakerState is the breaker's view of storage health.
type CircuitBreakerState string

const (
	StateClosed   CircuitBreakerState = "closed"
	StateOpen     CircuitBreakerState = "open"
	StateHalfOpen CircuitBreakerState = "half_open"
)

// ErrCircuitOpen is returned without touching storage while the breaker is open.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// CircuitBreaker guards storage calls.
type CircuitBreaker interface {
	Execute(ctx context.Context, fn func() error) error
	State() CircuitBreakerState
}

// DefaultCircuitBreaker opens after FailureThreshold consecutive storage
// failures. Business outcomes (validation, unknown tenant, lost optimistic
// races) and caller cancellations are not failures. Once the reset timeout
// elapses a single trial call is let through; every other caller keeps
// failing fast until the trial settles.
type DefaultCircuitBreaker struct {
	mu sync.Mutex

	state     CircuitBreakerState
	threshold int
	cooldown  time.Duration
	failures  int
	openedAt  time.Time
	inTrial   bool

	onStateChange func(state CircuitBreakerState)
}

// NewDefaultCircuitBreaker creates a closed breaker.
func NewDefaultCircuitBreaker(failureThreshold int, resetTimeout time.Duration,
	onStateChange func(state CircuitBreakerState)) *DefaultCircuitBreaker {
	return &DefaultCircuitBreaker{
		state:         StateClosed,
		threshold:     failureThreshold,
		cooldown:      resetTimeout,
		onStateChange: onStateChange,
	}
}

func (cb *DefaultCircuitBreaker) State() CircuitBreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.observed()
}

// observed folds an elapsed cooldown into the stored state
func (cb *DefaultCircuitBreaker) observed() CircuitBreakerState {
	if cb.state == StateOpen && time.Since(cb.openedAt) >= cb.cooldown {
		return StateHalfOpen
	}
	return cb.state
}

func (cb *DefaultCircuitBreaker) Execute(ctx context.Context, fn func() error) error {
	trial, err := cb.admit()
	if err != nil {
		return err
	}

	err = fn()
	if err != nil && ctx.Err() != nil {
		// the caller gave up; says nothing about storage health
		cb.release(trial)
		return err
	}
	cb.settle(trial, err)
	return err
}

func (cb *DefaultCircuitBreaker) admit() (trial bool, err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.observed() {
	case StateOpen:
		return false, NewStorageError("reach storage", ErrCircuitOpen)
	case StateHalfOpen:
		if cb.inTrial {
			return false, NewStorageError("reach storage", ErrCircuitOpen)
		}
		cb.inTrial = true
		return true, nil
	default:
		return false, nil
	}
}

func (cb *DefaultCircuitBreaker) release(trial bool) {
	if !trial {
		return
	}
	cb.mu.Lock()
	cb.inTrial = false
	cb.mu.Unlock()
}

func (cb *DefaultCircuitBreaker) settle(trial bool, err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if trial {
		cb.inTrial = false
	}

	if err == nil || !countsAsFailure(err) {
		cb.failures = 0
		if cb.state == StateOpen {
			cb.transition(StateClosed)
		}
		return
	}

	cb.failures++
	switch {
	case trial:
		// restart the cooldown and report the reopening
		cb.openedAt = time.Now()
		if cb.onStateChange != nil {
			cb.onStateChange(StateOpen)
		}
	case cb.state == StateClosed && cb.failures >= cb.threshold:
		cb.openedAt = time.Now()
		cb.transition(StateOpen)
	}
}

func countsAsFailure(err error) bool {
	return !errors.Is(err, ErrTenantNotFound) &&
		!errors.Is(err, ErrValidation) &&
		!errors.Is(err, ErrInvalidAmount) &&
		!errors.Is(err, ErrConcurrencyConflict) &&
		!errors.Is(err, context.Canceled)
}

func (cb *DefaultCircuitBreaker) transition(next CircuitBreakerState) {
	if cb.state == next {
		return
	}
	cb.state = next
	if cb.onStateChange != nil {
		cb.onStateChange(next)
	}
}
