package retry

import (
	"context"
	"sync"
	"time"
)

// BreakerState is the circuit breaker state.
type BreakerState int

const (
	// Closed passes every call through.
	Closed BreakerState = iota
	// Open rejects calls until the recovery timeout elapses.
	Open
	// HalfOpen lets one probe call through to test recovery.
	HalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half_open"
	}
	return "unknown"
}

// Breaker is a three-state circuit breaker. Only errors recognized by the
// IsFailure predicate move the state machine; everything else traverses the
// breaker untouched.
type Breaker struct {
	mu               sync.Mutex
	state            BreakerState
	failures         int
	lastFailure      time.Time
	failureThreshold int
	recoveryTimeout  time.Duration
	isFailure        func(error) bool

	now func() time.Time // overridable for tests
}

// NewBreaker creates a Breaker. A nil isFailure counts every non-nil error
// as a failure.
func NewBreaker(failureThreshold int, recoveryTimeout time.Duration, isFailure func(error) bool) *Breaker {
	if failureThreshold <= 0 {
		failureThreshold = 5
	}
	if recoveryTimeout <= 0 {
		recoveryTimeout = 60 * time.Second
	}
	if isFailure == nil {
		isFailure = func(err error) bool { return err != nil }
	}
	return &Breaker{
		state:            Closed,
		failureThreshold: failureThreshold,
		recoveryTimeout:  recoveryTimeout,
		isFailure:        isFailure,
		now:              time.Now,
	}
}

// State returns the current state, accounting for recovery timeout expiry.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == Open && b.now().Sub(b.lastFailure) >= b.recoveryTimeout {
		return HalfOpen
	}
	return b.state
}

// RecoveryTimeout returns how long the breaker stays open after tripping.
func (b *Breaker) RecoveryTimeout() time.Duration {
	return b.recoveryTimeout
}

// Do invokes fn through the breaker. While open and inside the recovery
// window it returns ErrCircuitOpen without calling fn.
func (b *Breaker) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	b.mu.Lock()
	switch b.state {
	case Open:
		if b.now().Sub(b.lastFailure) < b.recoveryTimeout {
			b.mu.Unlock()
			return ErrCircuitOpen
		}
		b.state = HalfOpen
	}
	b.mu.Unlock()

	err := fn(ctx)

	b.mu.Lock()
	defer b.mu.Unlock()
	if err == nil {
		b.state = Closed
		b.failures = 0
		return nil
	}
	if !b.isFailure(err) {
		// Unrelated errors traverse the breaker without moving the state
		// machine; a half-open breaker keeps probing.
		return err
	}

	b.lastFailure = b.now()
	switch b.state {
	case HalfOpen:
		b.state = Open
	case Closed:
		b.failures++
		if b.failures >= b.failureThreshold {
			b.state = Open
		}
	}
	return err
}
