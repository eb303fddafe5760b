package ratelimit

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/joestump/runbookd/internal/errs"
)

// fakeClock drives the limiter deterministically. Sleeps advance the clock
// instead of blocking.
type fakeClock struct {
	t time.Time
}

func newFakeLimiter(opts Options) (*Limiter, *fakeClock) {
	clk := &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	l := New(opts)
	l.now = func() time.Time { return clk.t }
	l.sleep = func(_ context.Context, d time.Duration) error {
		clk.t = clk.t.Add(d)
		return nil
	}
	return l, clk
}

func TestAcquire_QuotaExhaustion(t *testing.T) {
	l, _ := newFakeLimiter(Options{Quota: 3})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := l.Acquire(ctx); err != nil {
			t.Fatalf("call %d: unexpected error: %v", i, err)
		}
	}

	err := l.Acquire(ctx)
	if errs.CodeOf(err) != errs.CodeRateLimited {
		t.Fatalf("expected RATE_LIMITED after quota, got %v", err)
	}
}

func TestAcquire_QuotaResetsAfterHour(t *testing.T) {
	l, clk := newFakeLimiter(Options{Quota: 1})
	ctx := context.Background()

	if err := l.Acquire(ctx); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := l.Acquire(ctx); errs.CodeOf(err) != errs.CodeRateLimited {
		t.Fatalf("expected RATE_LIMITED, got %v", err)
	}

	clk.t = clk.t.Add(61 * time.Minute)
	if err := l.Acquire(ctx); err != nil {
		t.Fatalf("quota should reset after the hour window: %v", err)
	}
}

func TestAcquire_MinIntervalSpacing(t *testing.T) {
	l, clk := newFakeLimiter(Options{MinInterval: time.Second})
	ctx := context.Background()
	start := clk.t

	for i := 0; i < 3; i++ {
		if err := l.Acquire(ctx); err != nil {
			t.Fatalf("call %d: %v", i, err)
		}
	}

	// Three calls at 1s spacing advance the fake clock by at least 2s.
	if got := clk.t.Sub(start); got < 2*time.Second {
		t.Errorf("expected >= 2s of enforced spacing, got %v", got)
	}
}

func TestAcquire_SafetyBuffer(t *testing.T) {
	l, clk := newFakeLimiter(Options{SafetyBuffer: 10})
	l.Observe(5, clk.t.Add(20*time.Minute))

	err := l.Acquire(context.Background())
	if errs.CodeOf(err) != errs.CodeRateLimited {
		t.Fatalf("expected RATE_LIMITED below safety buffer, got %v", err)
	}

	var e *errs.Error
	if !errors.As(err, &e) || !e.ResetAt.Equal(clk.t.Add(20*time.Minute)) {
		t.Errorf("expected reset_at from observed headers, got %v", err)
	}
}

func TestAcquire_SafetyBufferExpiredReset(t *testing.T) {
	l, clk := newFakeLimiter(Options{SafetyBuffer: 10})
	l.Observe(0, clk.t.Add(-time.Minute))

	// Reset time in the past: the window has rolled, calls proceed.
	if err := l.Acquire(context.Background()); err != nil {
		t.Fatalf("expected success after reset time passed, got %v", err)
	}
}

func TestExhausted(t *testing.T) {
	l, clk := newFakeLimiter(Options{})
	reset := clk.t.Add(45 * time.Minute)

	err := l.Exhausted(reset)
	if errs.CodeOf(err) != errs.CodeRateLimited {
		t.Fatalf("expected RATE_LIMITED, got %v", err)
	}

	_, remaining, gotReset := l.Snapshot()
	if remaining != 0 {
		t.Errorf("expected remaining 0, got %d", remaining)
	}
	if !gotReset.Equal(reset) {
		t.Errorf("expected reset %v, got %v", reset, gotReset)
	}
}

func TestPerMinute(t *testing.T) {
	l := PerMinute(30)
	if l.minInterval != 2*time.Second {
		t.Errorf("expected 2s interval for 30 rpm, got %v", l.minInterval)
	}
}
