package budget

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDefaultCircuitBreaker(t *testing.T) {
	threshold := 3
	timeout := 100 * time.Millisecond
	var lastState CircuitBreakerState
	cb := NewDefaultCircuitBreaker(threshold, timeout, func(state CircuitBreakerState) {
		lastState = state
	})

	ctx := context.Background()
	fail := func() error { return NewStorageError("get usage", errors.New("connection refused")) }

	// Initial state: Closed
	assert.Equal(t, StateClosed, cb.State())

	for i := 0; i < threshold-1; i++ {
		assert.Error(t, cb.Execute(ctx, fail))
		assert.Equal(t, StateClosed, cb.State())
	}

	// Next failure should open the circuit
	assert.Error(t, cb.Execute(ctx, fail))
	assert.Equal(t, StateOpen, cb.State())
	assert.Equal(t, StateOpen, lastState)

	// When open, Execute should fail fast with a transient error
	called := false
	err := cb.Execute(ctx, func() error {
		called = true
		return nil
	})
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.True(t, IsTransient(err))
	assert.False(t, called)

	time.Sleep(timeout + 10*time.Millisecond)
	assert.Equal(t, StateHalfOpen, cb.State())

	// Successful execute in half-open should close the circuit
	assert.NoError(t, cb.Execute(ctx, func() error { return nil }))
	assert.Equal(t, StateClosed, cb.State())
	assert.Equal(t, StateClosed, lastState)
}

func TestDefaultCircuitBreaker_HalfOpenFailureReopens(t *testing.T) {
	timeout := 50 * time.Millisecond
	cb := NewDefaultCircuitBreaker(1, timeout, nil)
	ctx := context.Background()
	fail := func() error { return errors.New("boom") }

	assert.Error(t, cb.Execute(ctx, fail))
	assert.Equal(t, StateOpen, cb.State())

	time.Sleep(timeout + 10*time.Millisecond)
	assert.Equal(t, StateHalfOpen, cb.State())

	// The trial fails, so the timeout starts over
	assert.Error(t, cb.Execute(ctx, fail))
	assert.Equal(t, StateOpen, cb.State())
}

func TestDefaultCircuitBreaker_BusinessErrorsDoNotTrip(t *testing.T) {
	cb := NewDefaultCircuitBreaker(2, time.Minute, nil)
	ctx := context.Background()

	for _, err := range []error{
		ErrTenantNotFound,
		&ValidationError{Fields: []FieldError{{Field: "dailyMaxAmount", Message: "must be greater than 0"}}},
		ErrInvalidAmount,
		fmt.Errorf("failed to record cost: %w", ErrConcurrencyConflict),
	} {
		e := err
		assert.Error(t, cb.Execute(ctx, func() error { return e }))
		assert.Error(t, cb.Execute(ctx, func() error { return e }))
		assert.Equal(t, StateClosed, cb.State())
	}
}

func TestDefaultCircuitBreaker_Concurrent(t *testing.T) {
	cb := NewDefaultCircuitBreaker(1000, time.Minute, nil)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_ = cb.Execute(ctx, func() error {
				if i%2 == 0 {
					return errors.New("fail")
				}
				return nil
			})
		}(i)
	}
	wg.Wait()

	assert.Equal(t, StateClosed, cb.State())
}

func TestDefaultCircuitBreaker_SingleTrial(t *testing.T) {
	timeout := 30 * time.Millisecond
	cb := NewDefaultCircuitBreaker(1, timeout, nil)
	ctx := context.Background()

	assert.Error(t, cb.Execute(ctx, func() error { return errors.New("down") }))
	time.Sleep(timeout + 10*time.Millisecond)

	entered := make(chan struct{})
	finish := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- cb.Execute(ctx, func() error {
			close(entered)
			<-finish
			return nil
		})
	}()
	<-entered

	// a second caller while the trial is in flight fails fast
	err := cb.Execute(ctx, func() error { return nil })
	assert.ErrorIs(t, err, ErrCircuitOpen)

	close(finish)
	assert.NoError(t, <-done)
	assert.Equal(t, StateClosed, cb.State())
}

func TestDefaultCircuitBreaker_CancelledCallsDoNotTrip(t *testing.T) {
	cb := NewDefaultCircuitBreaker(1, time.Minute, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := cb.Execute(ctx, func() error { return ctx.Err() })
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, StateClosed, cb.State())
}
