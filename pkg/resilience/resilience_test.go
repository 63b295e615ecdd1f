package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errTransient = errors.New("transient")

func fastRetry(attempts int) RetryConfig {
	return RetryConfig{MaxAttempts: attempts, InitialDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond}
}

func TestRetrySucceedsAfterFailures(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), "op", fastRetry(4), func() error {
		calls++
		if calls < 3 {
			return errTransient
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestRetryExhaustedWrapsLastError(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), "op", fastRetry(3), func() error {
		calls++
		return errTransient
	})
	require.ErrorIs(t, err, errTransient)
	assert.Equal(t, 3, calls)
}

func TestRetryIfStopsOnPermanentError(t *testing.T) {
	permanent := errors.New("permanent")
	calls := 0
	err := RetryIf(context.Background(), "op", fastRetry(5),
		func(err error) bool { return errors.Is(err, errTransient) },
		func() error {
			calls++
			return permanent
		})
	require.ErrorIs(t, err, permanent)
	assert.Equal(t, 1, calls)
}

func TestRetryAbortsOnCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := Retry(ctx, "op", fastRetry(5), func() error { return errTransient })
	require.ErrorIs(t, err, context.Canceled)
}

func TestCircuitBreakerOpensAndRecovers(t *testing.T) {
	cb := NewCircuitBreaker("es", CircuitBreakerConfig{FailureThreshold: 2, ResetTimeout: 20 * time.Millisecond})

	_ = cb.Execute(func() error { return errTransient })
	_ = cb.Execute(func() error { return errTransient })
	assert.Equal(t, StateOpen, cb.GetState())

	err := cb.Execute(func() error { return nil })
	require.ErrorIs(t, err, ErrCircuitOpen)

	time.Sleep(30 * time.Millisecond)
	require.NoError(t, cb.Execute(func() error { return nil }))
	assert.Equal(t, StateClosed, cb.GetState())
}

func TestCircuitBreakerIgnoresNonTrippingErrors(t *testing.T) {
	notFound := errors.New("not found")
	cb := NewCircuitBreaker("es", CircuitBreakerConfig{
		FailureThreshold: 1,
		IsFailure:        func(err error) bool { return !errors.Is(err, notFound) },
	})
	err := cb.Execute(func() error { return notFound })
	require.ErrorIs(t, err, notFound)
	assert.Equal(t, StateClosed, cb.GetState())
}

func TestWithTimeout(t *testing.T) {
	err := WithTimeout(context.Background(), 10*time.Millisecond, "slow", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	require.ErrorIs(t, err, context.DeadlineExceeded)

	err = WithTimeout(context.Background(), time.Second, "fast", func(ctx context.Context) error { return nil })
	require.NoError(t, err)
}

func TestCircuitBreakerLimitsProbes(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	var states []State
	cb := NewCircuitBreaker("es", CircuitBreakerConfig{
		FailureThreshold: 1,
		ResetTimeout:     time.Minute,
		Now:              func() time.Time { return now },
		OnStateChange:    func(_ string, s State) { states = append(states, s) },
	})

	_ = cb.Execute(func() error { return errTransient })
	require.Equal(t, StateOpen, cb.GetState())

	now = now.Add(time.Minute)
	release := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- cb.Execute(func() error { <-release; return errTransient })
	}()
	require.Eventually(t, func() bool { return cb.GetState() == StateHalfOpen }, time.Second, time.Millisecond)

	err := cb.Execute(func() error { return nil })
	require.ErrorIs(t, err, ErrCircuitOpen)

	close(release)
	require.ErrorIs(t, <-done, errTransient)
	assert.Equal(t, StateOpen, cb.GetState())
	assert.Equal(t, []State{StateOpen, StateHalfOpen, StateOpen}, states)
}
