package circuitbreaker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errDownstream = errors.New("downstream failed")

const openTimeout = 50 * time.Millisecond

func newTestBreaker(halfOpen uint32) *CircuitBreaker {
	return NewCircuitBreaker(Config{
		Name:                "test",
		FailureThreshold:    3,
		Timeout:             openTimeout,
		HalfOpenMaxRequests: halfOpen,
	})
}

func fail(context.Context) error { return errDownstream }
func ok(context.Context) error   { return nil }

func trip(cb *CircuitBreaker) {
	for i := 0; i < 3; i++ {
		_ = cb.Execute(context.Background(), fail)
	}
}

func TestCircuitBreaker_OpensAfterThreshold(t *testing.T) {
	cb := newTestBreaker(1)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		assert.ErrorIs(t, cb.Execute(ctx, fail), errDownstream)
	}
	assert.Equal(t, StateOpen, cb.GetState())

	called := false
	err := cb.Execute(ctx, func(context.Context) error { called = true; return nil })
	assert.ErrorIs(t, err, ErrCircuitBreakerOpen)
	assert.False(t, called)
}

func TestCircuitBreaker_SuccessResetsFailures(t *testing.T) {
	cb := newTestBreaker(1)
	ctx := context.Background()

	_ = cb.Execute(ctx, fail)
	_ = cb.Execute(ctx, fail)
	require.NoError(t, cb.Execute(ctx, ok))
	_ = cb.Execute(ctx, fail)
	_ = cb.Execute(ctx, fail)
	assert.Equal(t, StateClosed, cb.GetState())
}

func TestCircuitBreaker_HalfOpenRecovery(t *testing.T) {
	cb := newTestBreaker(2)
	ctx := context.Background()

	trip(cb)
	time.Sleep(openTimeout + 20*time.Millisecond)
	assert.Equal(t, StateHalfOpen, cb.GetState())

	require.NoError(t, cb.Execute(ctx, ok))
	assert.Equal(t, StateHalfOpen, cb.GetState())
	require.NoError(t, cb.Execute(ctx, ok))
	assert.Equal(t, StateClosed, cb.GetState())
}

func TestCircuitBreaker_HalfOpenFailureReopens(t *testing.T) {
	cb := newTestBreaker(1)
	ctx := context.Background()

	trip(cb)
	time.Sleep(openTimeout + 20*time.Millisecond)

	assert.ErrorIs(t, cb.Execute(ctx, fail), errDownstream)
	assert.Equal(t, StateOpen, cb.GetState())
	assert.ErrorIs(t, cb.Execute(ctx, ok), ErrCircuitBreakerOpen)
}

func TestCircuitBreaker_HalfOpenLimitsProbes(t *testing.T) {
	cb := newTestBreaker(1)
	ctx := context.Background()

	trip(cb)
	time.Sleep(openTimeout + 20*time.Millisecond)

	started := make(chan struct{})
	release := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = cb.Execute(ctx, func(context.Context) error {
			close(started)
			<-release
			return nil
		})
	}()
	<-started

	assert.ErrorIs(t, cb.Execute(ctx, ok), ErrCircuitBreakerOpen, "only one probe in flight")
	close(release)
	wg.Wait()
	assert.Equal(t, StateClosed, cb.GetState())
}

func TestCircuitBreaker_IsFailureFilter(t *testing.T) {
	cb := NewCircuitBreaker(Config{
		FailureThreshold: 3,
		Timeout:          openTimeout,
		IsFailure:        func(err error) bool { return !errors.Is(err, errDownstream) },
	})
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		assert.ErrorIs(t, cb.Execute(ctx, fail), errDownstream)
	}
	assert.Equal(t, StateClosed, cb.GetState())

	for i := 0; i < 5; i++ {
		_ = cb.Execute(ctx, func(context.Context) error { return context.Canceled })
	}
	assert.Equal(t, StateClosed, cb.GetState(), "caller cancellation never trips the breaker")
}

func TestCircuitBreaker_StateChangeCallback(t *testing.T) {
	var mu sync.Mutex
	var changes []State
	cb := NewCircuitBreaker(Config{
		Name:             "scorer",
		FailureThreshold: 3,
		Timeout:          openTimeout,
		OnStateChange: func(name string, from, to State) {
			mu.Lock()
			defer mu.Unlock()
			assert.Equal(t, "scorer", name)
			changes = append(changes, to)
		},
	})

	trip(cb)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []State{StateOpen}, changes)
}

func TestCircuitBreaker_Reset(t *testing.T) {
	cb := newTestBreaker(1)
	trip(cb)
	require.Equal(t, StateOpen, cb.GetState())

	cb.Reset()
	assert.Equal(t, StateClosed, cb.GetState())
	assert.Equal(t, "closed", cb.GetState().String())
	assert.NoError(t, cb.Execute(context.Background(), ok))
}
