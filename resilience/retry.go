package resilience

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/apex/log"
	"github.com/benbjohnson/clock"
	"github.com/go-playground/validator/v10"
	"github.com/jameslbray/chatrelay/common"
)

// RetryExhaustedError operation still failing after the final attempt
type RetryExhaustedError struct {
	// Attempts number of times the operation was actually invoked
	Attempts int
	// LastErr failure of the final attempt
	LastErr error
}

// Error implements error
func (e *RetryExhaustedError) Error() string {
	return fmt.Sprintf("retry exhausted after %d attempts: %s", e.Attempts, e.LastErr)
}

// Unwrap expose the final attempt's failure
func (e *RetryExhaustedError) Unwrap() error {
	return e.LastErr
}

// CircuitOpenError operation deliberately not attempted because the guarding
// breaker stayed open for the caller's entire deadline
type CircuitOpenError struct {
	// Breaker name of the open breaker
	Breaker string
	// Err the context error which ended the wait
	Err error
}

// Error implements error
func (e *CircuitOpenError) Error() string {
	return fmt.Sprintf("circuit '%s' open: %s", e.Breaker, e.Err)
}

// Unwrap expose the context error
func (e *CircuitOpenError) Unwrap() error {
	return e.Err
}

// PermanentError marks an operation failure as not worth retrying. The retry
// loop stops immediately and returns the wrapped error
type PermanentError struct {
	Err error
}

// Error implements error
func (e *PermanentError) Error() string {
	return e.Err.Error()
}

// Unwrap expose the wrapped error
func (e *PermanentError) Unwrap() error {
	return e.Err
}

// Permanent wrap an error so the retry loop will not retry it
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// ==============================================================================

// RetryPolicy parameters of the retry-with-backoff loop
type RetryPolicy struct {
	// MaxAttempts max number of times the operation is invoked
	MaxAttempts int `validate:"required,gte=1"`
	// InitialDelay backoff delay after the first failed attempt
	InitialDelay time.Duration `validate:"required,gt=0"`
	// MaxDelay backoff delay ceiling
	MaxDelay time.Duration `validate:"required,gt=0"`
	// BackoffBase exponential backoff multiplier
	BackoffBase float64 `validate:"required,gte=1"`
	// JitterFraction symmetric jitter applied to each delay, [0.0, 1.0]
	JitterFraction float64 `validate:"gte=0,lte=1"`
	// OpenPollInterval wait between gate checks while a breaker is open.
	// Breaker-open skips do not consume attempt budget
	OpenPollInterval time.Duration `validate:"required,gt=0"`
}

// Operation a fallible unit of work run under a retry policy
type Operation func(ctxt context.Context) error

// RetryExecutor runs operations with exponential backoff, bounded attempts,
// jitter, and an optional circuit breaker gate
type RetryExecutor interface {
	// Run invoke the operation until it succeeds, a permanent failure is
	// returned, the attempt budget is exhausted, or the context ends
	Run(ctxt context.Context, operation Operation, breaker CircuitBreaker) error
}

// retryExecutorImpl implements RetryExecutor
type retryExecutorImpl struct {
	common.Component
	policy RetryPolicy
	clk    clock.Clock
}

// GetRetryExecutor define a new RetryExecutor
func GetRetryExecutor(
	instance string, policy RetryPolicy, clk clock.Clock,
) (RetryExecutor, error) {
	logTags := log.Fields{
		"module": "resilience", "component": "retry-executor", "instance": instance,
	}
	validate := validator.New()
	if err := validate.Struct(&policy); err != nil {
		log.WithError(err).WithFields(logTags).Error("Invalid retry policy")
		return nil, err
	}
	return &retryExecutorImpl{
		Component: common.Component{LogTags: logTags}, policy: policy, clk: clk,
	}, nil
}

// Run invoke the operation under the retry policy
func (r *retryExecutorImpl) Run(
	ctxt context.Context, operation Operation, breaker CircuitBreaker,
) error {
	attempt := 0
	var lastErr error
	for attempt < r.policy.MaxAttempts {
		if breaker != nil && breaker.IsOpen() {
			// Skip without consuming attempt budget. The reset timeout always
			// elapses eventually, so the loop cannot spin here forever without
			// either probing the dependency or hitting context cancellation
			log.WithFields(r.LogTags).Debugf(
				"Breaker %s open, skipping attempt", breaker.Name(),
			)
			if err := r.sleep(ctxt, r.policy.OpenPollInterval); err != nil {
				return &CircuitOpenError{Breaker: breaker.Name(), Err: err}
			}
			continue
		}

		attempt++
		err := operation(ctxt)
		if err == nil {
			if breaker != nil {
				breaker.RecordSuccess()
			}
			return nil
		}

		var permanent *PermanentError
		if errors.As(err, &permanent) {
			log.WithError(permanent.Err).WithFields(r.LogTags).Debugf(
				"Attempt %d failed permanently", attempt,
			)
			return permanent.Err
		}

		if breaker != nil {
			breaker.RecordFailure()
		}
		lastErr = err
		if attempt >= r.policy.MaxAttempts {
			break
		}

		delay := r.backoffDelay(attempt)
		log.WithError(err).WithFields(r.LogTags).Warnf(
			"Attempt %d failed, retrying in %s", attempt, delay,
		)
		if sleepErr := r.sleep(ctxt, delay); sleepErr != nil {
			return sleepErr
		}
	}
	exhausted := &RetryExhaustedError{Attempts: attempt, LastErr: lastErr}
	log.WithError(exhausted).WithFields(r.LogTags).Error("Operation failed all attempts")
	return exhausted
}

// backoffDelay compute the post-failure delay for a 1-based attempt number
func (r *retryExecutorImpl) backoffDelay(attempt int) time.Duration {
	delay := float64(r.policy.InitialDelay) * math.Pow(r.policy.BackoffBase, float64(attempt-1))
	if delay > float64(r.policy.MaxDelay) {
		delay = float64(r.policy.MaxDelay)
	}
	if r.policy.JitterFraction > 0 {
		// Symmetric jitter within +/- JitterFraction
		delay *= 1 + r.policy.JitterFraction*(2*rand.Float64()-1)
	}
	return time.Duration(delay)
}

// sleep context-aware wait on the executor's clock
func (r *retryExecutorImpl) sleep(ctxt context.Context, d time.Duration) error {
	timer := r.clk.Timer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctxt.Done():
		return ctxt.Err()
	}
}
