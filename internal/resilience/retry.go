package resilience

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/flowmesh-dev/conductor/internal/gmcore"
)

// RetryConfig bounds a retry budget: the "tiers" the design notes call
// out as policy, not architecture — each C5/C9 call site configures its
// own budget rather than sharing a cross-cutting exception hierarchy.
type RetryConfig struct {
	MaxAttempts   int
	InitialDelay  time.Duration
	MaxDelay      time.Duration
	BackoffFactor float64
}

// DefaultRetryConfig is the tier-1 policy referenced by the specialist
// runner (C9): bounded exponential backoff, small attempt budget.
func DefaultRetryConfig() *RetryConfig {
	return &RetryConfig{
		MaxAttempts:   3,
		InitialDelay:  100 * time.Millisecond,
		MaxDelay:      5 * time.Second,
		BackoffFactor: 2.0,
	}
}

// Retry runs fn up to config.MaxAttempts times, sleeping between
// attempts on an exponential-with-jitter schedule from cenkalti/backoff.
// Once the budget is exhausted it returns an error that wraps
// gmcore.ErrTimeout and carries the last attempt's error in its message
// only (that error is not itself wrapped).
func Retry(ctx context.Context, config *RetryConfig, fn func() error) error {
	if config == nil {
		config = DefaultRetryConfig()
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = config.InitialDelay
	policy.MaxInterval = config.MaxDelay
	policy.Multiplier = config.BackoffFactor

	var lastErr error
	for attempt := 1; attempt <= config.MaxAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if err := fn(); err == nil {
			return nil
		} else {
			lastErr = err
		}

		if attempt == config.MaxAttempts {
			break
		}

		delay := policy.NextBackOff()
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}

	return fmt.Errorf("max retry attempts (%d) exceeded for %v: %w", config.MaxAttempts, lastErr, gmcore.ErrTimeout)
}

// WithCircuitBreaker combines Retry with a CircuitBreaker: each attempt
// first checks CanExecute and records the outcome, so a tripped breaker
// short-circuits the remaining budget instead of burning it on a
// downstream that is already known to be failing.
func WithCircuitBreaker(ctx context.Context, config *RetryConfig, cb *CircuitBreaker, fn func() error) error {
	return Retry(ctx, config, func() error {
		if !cb.CanExecute() {
			return ErrCircuitOpen
		}
		return cb.Execute(ctx, fn)
	})
}
