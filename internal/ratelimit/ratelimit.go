// Package ratelimit guards outbound calls to a single upstream with two
// disciplines: a minimum interval between requests and a self-imposed
// hourly quota derived from the upstream's advertised limit. Upstream
// rate-limit headers feed back into the guard so it stops before the
// upstream starts returning 429s.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/joestump/runbookd/internal/errs"
)

// Options configures a Limiter.
type Options struct {
	// MinInterval is the minimum gap between two outbound calls.
	MinInterval time.Duration
	// Quota is the hourly call budget. Zero disables the hourly check.
	Quota int
	// SafetyBuffer refuses calls once the upstream-reported remaining
	// budget drops below this value.
	SafetyBuffer int
}

// Limiter is the per-upstream guard. All methods are safe for concurrent use.
type Limiter struct {
	mu sync.Mutex

	minInterval  time.Duration
	quota        int
	safetyBuffer int

	remaining   int // upstream-reported; -1 until first header seen
	resetAt     time.Time
	lastRequest time.Time
	hourlyCount int
	hourStart   time.Time

	now   func() time.Time
	sleep func(context.Context, time.Duration) error
}

// New creates a Limiter. A zero MinInterval disables spacing.
func New(opts Options) *Limiter {
	return &Limiter{
		minInterval:  opts.MinInterval,
		quota:        opts.Quota,
		safetyBuffer: opts.SafetyBuffer,
		remaining:    -1,
		now:          time.Now,
		sleep:        sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Acquire blocks until a call is permitted or fails with RATE_LIMITED when
// the hourly quota or the upstream budget is exhausted. It must be called
// before every outbound request.
func (l *Limiter) Acquire(ctx context.Context) error {
	l.mu.Lock()
	now := l.now()

	// Roll the hour window.
	if l.hourStart.IsZero() || now.Sub(l.hourStart) >= time.Hour {
		l.hourStart = now
		l.hourlyCount = 0
	}

	if l.quota > 0 && l.hourlyCount >= l.quota {
		resetAt := l.hourStart.Add(time.Hour)
		l.mu.Unlock()
		return errs.RateLimited(resetAt)
	}

	if l.remaining >= 0 && l.remaining < l.safetyBuffer && l.resetAt.After(now) {
		resetAt := l.resetAt
		l.mu.Unlock()
		return errs.RateLimited(resetAt)
	}

	var wait time.Duration
	if l.minInterval > 0 && !l.lastRequest.IsZero() {
		if elapsed := now.Sub(l.lastRequest); elapsed < l.minInterval {
			wait = l.minInterval - elapsed
		}
	}

	// Reserve the slot before sleeping so concurrent acquirers space out
	// rather than all waking at the same deadline.
	l.lastRequest = now.Add(wait)
	l.hourlyCount++
	l.mu.Unlock()

	if wait > 0 {
		if err := l.sleep(ctx, wait); err != nil {
			return errs.Wrap(errs.CodeTimeout, err, "rate limiter wait")
		}
	}
	return nil
}

// Observe records upstream rate-limit headers after a successful call.
// Pass remaining < 0 when the upstream did not report a budget.
func (l *Limiter) Observe(remaining int, resetAt time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if remaining >= 0 {
		l.remaining = remaining
	}
	if !resetAt.IsZero() {
		l.resetAt = resetAt
	}
}

// Exhausted marks the upstream budget as spent, typically on a 403/429
// whose headers indicate exhaustion, and returns the RATE_LIMITED error
// the caller should surface.
func (l *Limiter) Exhausted(resetAt time.Time) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.remaining = 0
	if resetAt.IsZero() {
		resetAt = l.now().Add(time.Hour)
	}
	l.resetAt = resetAt
	return errs.RateLimited(resetAt)
}

// Snapshot reports the current counters for metadata endpoints.
func (l *Limiter) Snapshot() (hourlyCount, remaining int, resetAt time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.hourlyCount, l.remaining, l.resetAt
}

// PerMinute builds a Limiter that spaces calls for an
// N-requests-per-minute endpoint budget.
func PerMinute(rpm int) *Limiter {
	if rpm <= 0 {
		return New(Options{})
	}
	return New(Options{
		MinInterval: time.Minute / time.Duration(rpm),
		Quota:       rpm * 60,
	})
}
