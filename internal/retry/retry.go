// Package retry provides an exponential-backoff retry wrapper and a
// three-state circuit breaker. Both operate on typed error values: a
// configurable predicate decides which errors are worth another attempt,
// everything else propagates immediately.
package retry

import (
	"context"
	"errors"
	"math/rand"
	"time"
)

// ErrCircuitOpen is returned when the breaker rejects a call without
// invoking the underlying function.
var ErrCircuitOpen = errors.New("retry: circuit breaker is open")

// Policy configures the retry wrapper.
type Policy struct {
	// MaxAttempts is the total number of tries, including the first.
	MaxAttempts int
	// InitialDelay is the delay before the second attempt.
	InitialDelay time.Duration
	// MaxDelay caps the exponential growth.
	MaxDelay time.Duration
	// Base is the exponential factor. Zero selects 2.
	Base float64
	// Jitter enables multiplicative jitter in [0.5, 1.5).
	Jitter bool
	// IsRetryable decides whether an error is worth another attempt.
	// Nil means no error is retryable.
	IsRetryable func(error) bool
}

// DefaultPolicy returns the stock policy: 3 attempts, 1s initial delay,
// 60s cap, jitter on.
func DefaultPolicy(isRetryable func(error) bool) Policy {
	return Policy{
		MaxAttempts:  3,
		InitialDelay: time.Second,
		MaxDelay:     60 * time.Second,
		Base:         2,
		Jitter:       true,
		IsRetryable:  isRetryable,
	}
}

// Delay computes the pre-attempt delay for attempt k (1-indexed).
// Attempt 1 has no delay.
func (p Policy) Delay(attempt int) time.Duration {
	if attempt <= 1 {
		return 0
	}
	base := p.Base
	if base <= 0 {
		base = 2
	}
	d := float64(p.InitialDelay)
	for i := 2; i < attempt; i++ {
		d *= base
	}
	if max := float64(p.MaxDelay); p.MaxDelay > 0 && d > max {
		d = max
	}
	if p.Jitter {
		d *= 0.5 + rand.Float64()
	}
	return time.Duration(d)
}

// Do invokes fn until it succeeds, returns a non-retryable error, exhausts
// MaxAttempts, or ctx is cancelled. Sleeps between attempts are cancellable.
func Do(ctx context.Context, p Policy, fn func(ctx context.Context) error) error {
	attempts := p.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if delay := p.Delay(attempt); delay > 0 {
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
			}
		}

		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
		if p.IsRetryable == nil || !p.IsRetryable(lastErr) {
			return lastErr
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
	return lastErr
}
