package resilience

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
)

func quickTestPolicy(maxAttempts int) RetryPolicy {
	return RetryPolicy{
		MaxAttempts:      maxAttempts,
		InitialDelay:     time.Millisecond,
		MaxDelay:         time.Millisecond * 4,
		BackoffBase:      2,
		JitterFraction:   0.2,
		OpenPollInterval: time.Millisecond,
	}
}

func TestRetryBoundedAttempts(t *testing.T) {
	assert := assert.New(t)

	uut, err := GetRetryExecutor("ut-retry-bound", quickTestPolicy(4), clock.New())
	assert.Nil(err)

	calls := 0
	boom := fmt.Errorf("dependency down")
	err = uut.Run(context.Background(), func(ctxt context.Context) error {
		calls++
		return boom
	}, nil)

	assert.Equal(4, calls)
	var exhausted *RetryExhaustedError
	assert.True(errors.As(err, &exhausted))
	assert.Equal(4, exhausted.Attempts)
	assert.Equal(boom, exhausted.LastErr)
	assert.True(errors.Is(err, boom))
}

func TestRetryStopsOnSuccess(t *testing.T) {
	assert := assert.New(t)

	mock := clock.NewMock()
	breaker, err := GetCircuitBreaker("ut-dep", 5, time.Second*5, mock)
	assert.Nil(err)
	uut, err := GetRetryExecutor("ut-retry-success", quickTestPolicy(4), clock.New())
	assert.Nil(err)

	calls := 0
	err = uut.Run(context.Background(), func(ctxt context.Context) error {
		calls++
		if calls < 3 {
			return fmt.Errorf("transient")
		}
		return nil
	}, breaker)

	assert.Nil(err)
	assert.Equal(3, calls)
	// Success resets the breaker's failure count
	assert.Equal(0, breaker.Snapshot().Failures)
}

func TestRetryPermanentErrorShortCircuits(t *testing.T) {
	assert := assert.New(t)

	uut, err := GetRetryExecutor("ut-retry-permanent", quickTestPolicy(5), clock.New())
	assert.Nil(err)

	calls := 0
	badToken := fmt.Errorf("token rejected")
	err = uut.Run(context.Background(), func(ctxt context.Context) error {
		calls++
		return Permanent(badToken)
	}, nil)

	assert.Equal(1, calls)
	assert.Equal(badToken, err)
}

func TestRetrySkipsWhileBreakerOpen(t *testing.T) {
	assert := assert.New(t)

	// Mock clock pins the breaker inside its reset window. The executor runs
	// on the wall clock so the poll loop actually advances
	mock := clock.NewMock()
	breaker, err := GetCircuitBreaker("postgres", 3, time.Second*5, mock)
	assert.Nil(err)
	uut, err := GetRetryExecutor("ut-retry-open", quickTestPolicy(3), clock.New())
	assert.Nil(err)

	// Three consecutive failures open the breaker
	calls := 0
	err = uut.Run(context.Background(), func(ctxt context.Context) error {
		calls++
		return fmt.Errorf("db down")
	}, breaker)
	assert.Equal(3, calls)
	var exhausted *RetryExhaustedError
	assert.True(errors.As(err, &exhausted))
	assert.True(breaker.IsOpen())

	// While the breaker is open the dependency is never invoked. Skipped gate
	// checks do not consume attempt budget, so only context expiry ends the run
	mock.Add(time.Second)
	ctxt, cancel := context.WithTimeout(context.Background(), time.Millisecond*50)
	defer cancel()
	err = uut.Run(ctxt, func(ctxt context.Context) error {
		calls++
		return fmt.Errorf("db down")
	}, breaker)
	assert.Equal(3, calls)
	var open *CircuitOpenError
	assert.True(errors.As(err, &open))
	assert.Equal("postgres", open.Breaker)

	// After the reset window the probe goes through
	mock.Add(time.Second * 5)
	err = uut.Run(context.Background(), func(ctxt context.Context) error {
		calls++
		return nil
	}, breaker)
	assert.Nil(err)
	assert.Equal(4, calls)
	assert.False(breaker.IsOpen())
}
