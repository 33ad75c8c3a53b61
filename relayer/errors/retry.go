package errors

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// RetryConfig configures retry behavior
type RetryConfig struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
}

// DefaultRetryConfig returns default retry configuration
func DefaultRetryConfig() *RetryConfig {
	return &RetryConfig{
		MaxAttempts:  3,
		InitialDelay: 1 * time.Second,
		MaxDelay:     30 * time.Second,
		Multiplier:   2.0,
	}
}

// RetryFunc is a function that can be retried
type RetryFunc func(ctx context.Context) error

// RetryNotify is called before each wait with the failed attempt number.
type RetryNotify func(attempt int, err error, next time.Duration)

// Retry runs fn until it succeeds, returns a non-retryable error, or
// MaxAttempts is reached. It is the one retry loop used across the relayer:
// the queue derives its schedule from ExponentialBackoff and everything that
// retries inline (RPC reads, compensation writes) goes through here.
func Retry(ctx context.Context, config *RetryConfig, op string, fn RetryFunc, notify RetryNotify) error {
	if config == nil {
		config = DefaultRetryConfig()
	}
	if config.MaxAttempts < 1 {
		config.MaxAttempts = 1
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = config.InitialDelay
	policy.MaxInterval = config.MaxDelay
	policy.Multiplier = config.Multiplier
	policy.RandomizationFactor = 0
	policy.MaxElapsedTime = 0

	b := backoff.WithContext(backoff.WithMaxRetries(policy, uint64(config.MaxAttempts-1)), ctx)

	attempt := 0
	err := backoff.RetryNotify(func() error {
		attempt++
		err := fn(ctx)
		if err == nil {
			return nil
		}
		if !retryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}, b, func(err error, next time.Duration) {
		if notify != nil {
			notify(attempt, err, next)
		}
	})
	if err == nil {
		return nil
	}
	if !retryable(err) {
		return err
	}

	return fmt.Errorf("%s failed after %d attempts: %w", op, attempt, err)
}

// retryable treats everything outside the terminal and fatal classes as
// worth another attempt. Cancellation always stops.
func retryable(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	switch ClassOf(err) {
	case ClassTerminal, ClassFatal:
		return false
	}
	return true
}

// ExponentialBackoff calculates the delay before the given attempt:
// base * 2^(attempt-1), capped at maxDelay.
func ExponentialBackoff(attempt int, baseDelay time.Duration, maxDelay time.Duration) time.Duration {
	if baseDelay <= 0 {
		return 0
	}
	if attempt <= 1 {
		return baseDelay
	}

	factor := math.Pow(2, float64(attempt-1))
	if factor > float64(maxDelay/baseDelay) {
		return maxDelay
	}
	delay := baseDelay * time.Duration(factor)
	if delay > maxDelay {
		return maxDelay
	}
	return delay
}
