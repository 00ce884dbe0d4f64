package retry

import (
	"context"
	"errors"
	"testing"
	"time"
)

var errTransient = errors.New("transient")
var errPermanent = errors.New("permanent")

func isTransient(err error) bool { return errors.Is(err, errTransient) }

func TestDo_SucceedsAfterRetries(t *testing.T) {
	p := Policy{MaxAttempts: 3, InitialDelay: time.Millisecond, IsRetryable: isTransient}
	calls := 0
	err := Do(context.Background(), p, func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return errTransient
		}
		return nil
	})
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if calls != 3 {
		t.Errorf("expected 3 calls, got %d", calls)
	}
}

func TestDo_PermanentErrorPropagatesImmediately(t *testing.T) {
	p := Policy{MaxAttempts: 5, InitialDelay: time.Millisecond, IsRetryable: isTransient}
	calls := 0
	err := Do(context.Background(), p, func(ctx context.Context) error {
		calls++
		return errPermanent
	})
	if !errors.Is(err, errPermanent) {
		t.Fatalf("expected permanent error, got %v", err)
	}
	if calls != 1 {
		t.Errorf("expected 1 call, got %d", calls)
	}
}

func TestDo_ExhaustsAttempts(t *testing.T) {
	p := Policy{MaxAttempts: 3, InitialDelay: time.Millisecond, IsRetryable: isTransient}
	calls := 0
	err := Do(context.Background(), p, func(ctx context.Context) error {
		calls++
		return errTransient
	})
	if !errors.Is(err, errTransient) {
		t.Fatalf("expected transient error after exhaustion, got %v", err)
	}
	if calls != 3 {
		t.Errorf("expected 3 calls, got %d", calls)
	}
}

func TestDo_ContextCancelStopsSleeping(t *testing.T) {
	p := Policy{MaxAttempts: 3, InitialDelay: time.Hour, IsRetryable: isTransient}
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	start := time.Now()
	err := Do(ctx, p, func(ctx context.Context) error { return errTransient })
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if time.Since(start) > time.Second {
		t.Error("cancellation did not interrupt the backoff sleep")
	}
}

func TestPolicy_DelayGrowth(t *testing.T) {
	p := Policy{MaxAttempts: 5, InitialDelay: 100 * time.Millisecond, MaxDelay: 350 * time.Millisecond, Base: 2}
	want := []time.Duration{0, 100 * time.Millisecond, 200 * time.Millisecond, 350 * time.Millisecond, 350 * time.Millisecond}
	for i, w := range want {
		if got := p.Delay(i + 1); got != w {
			t.Errorf("attempt %d: got delay %v, want %v", i+1, got, w)
		}
	}
}

func TestPolicy_JitterRange(t *testing.T) {
	p := Policy{MaxAttempts: 2, InitialDelay: 100 * time.Millisecond, Jitter: true, Base: 2}
	for i := 0; i < 100; i++ {
		d := p.Delay(2)
		if d < 50*time.Millisecond || d >= 150*time.Millisecond {
			t.Fatalf("jittered delay %v outside [50ms, 150ms)", d)
		}
	}
}

func TestBreaker_StateTrajectory(t *testing.T) {
	now := time.Unix(1000, 0)
	b := NewBreaker(2, 60*time.Millisecond, isTransient)
	b.now = func() time.Time { return now }

	fail := func(ctx context.Context) error { return errTransient }
	succeed := func(ctx context.Context) error { return nil }
	ctx := context.Background()

	// Two failures trip the breaker.
	b.Do(ctx, fail)
	if got := b.State(); got != Closed {
		t.Fatalf("after 1 failure: state %v, want closed", got)
	}
	b.Do(ctx, fail)
	if got := b.State(); got != Open {
		t.Fatalf("after 2 failures: state %v, want open", got)
	}

	// Inside the recovery window calls are rejected without invoking fn.
	now = now.Add(30 * time.Millisecond)
	invoked := false
	err := b.Do(ctx, func(ctx context.Context) error { invoked = true; return nil })
	if !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("expected ErrCircuitOpen, got %v", err)
	}
	if invoked {
		t.Fatal("open breaker invoked the underlying call")
	}

	// Past the window the breaker half-opens and probes.
	now = now.Add(40 * time.Millisecond)
	if err := b.Do(ctx, succeed); err != nil {
		t.Fatalf("half-open probe failed: %v", err)
	}
	if got := b.State(); got != Closed {
		t.Fatalf("after successful probe: state %v, want closed", got)
	}
}

func TestBreaker_HalfOpenFailureReopens(t *testing.T) {
	now := time.Unix(1000, 0)
	b := NewBreaker(1, 50*time.Millisecond, isTransient)
	b.now = func() time.Time { return now }
	ctx := context.Background()

	b.Do(ctx, func(ctx context.Context) error { return errTransient })
	if b.State() != Open {
		t.Fatal("breaker did not open")
	}

	now = now.Add(60 * time.Millisecond)
	b.Do(ctx, func(ctx context.Context) error { return errTransient })
	if got := b.State(); got != Open {
		t.Fatalf("after failed probe: state %v, want open", got)
	}
}

func TestBreaker_UnrelatedErrorsDoNotTrip(t *testing.T) {
	b := NewBreaker(1, time.Minute, isTransient)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		err := b.Do(ctx, func(ctx context.Context) error { return errPermanent })
		if !errors.Is(err, errPermanent) {
			t.Fatalf("unrelated error mangled: %v", err)
		}
	}
	if got := b.State(); got != Closed {
		t.Fatalf("unrelated errors tripped the breaker: state %v", got)
	}
}
