package breaker

import (
	"errors"
	"testing"
	"time"

	"github.com/sony/gobreaker"

	"github.com/joestump/runbookd/internal/errs"
)

func TestDo_OpensAfterConsecutiveFailures(t *testing.T) {
	r := NewRegistry(Options{FailureThreshold: 3, Cooldown: time.Minute}, nil)
	boom := errors.New("boom")

	for i := 0; i < 3; i++ {
		_, err := r.Do("wiki", func() (any, error) { return nil, boom })
		if !errors.Is(err, boom) {
			t.Fatalf("call %d: expected passthrough error, got %v", i, err)
		}
	}

	_, err := r.Do("wiki", func() (any, error) {
		t.Fatal("fn must not run while the breaker is open")
		return nil, nil
	})
	if errs.CodeOf(err) != errs.CodeUpstreamUnavailable {
		t.Fatalf("expected UPSTREAM_UNAVAILABLE, got %v", err)
	}
	if r.State("wiki") != gobreaker.StateOpen {
		t.Errorf("expected open state, got %v", r.State("wiki"))
	}
}

func TestDo_HalfOpenRecovery(t *testing.T) {
	r := NewRegistry(Options{FailureThreshold: 1, Cooldown: 20 * time.Millisecond}, nil)
	boom := errors.New("boom")

	_, _ = r.Do("forge", func() (any, error) { return nil, boom })
	if r.State("forge") != gobreaker.StateOpen {
		t.Fatalf("expected open after failure, got %v", r.State("forge"))
	}

	time.Sleep(30 * time.Millisecond)

	v, err := r.Do("forge", func() (any, error) { return "ok", nil })
	if err != nil {
		t.Fatalf("half-open probe should run: %v", err)
	}
	if v != "ok" {
		t.Errorf("expected probe result, got %v", v)
	}
	if r.State("forge") != gobreaker.StateClosed {
		t.Errorf("expected closed after successful probe, got %v", r.State("forge"))
	}
}

func TestDo_RateLimitedDoesNotTrip(t *testing.T) {
	r := NewRegistry(Options{FailureThreshold: 2}, nil)

	for i := 0; i < 5; i++ {
		_, err := r.Do("forge", func() (any, error) {
			return nil, errs.RateLimited(time.Now().Add(time.Hour))
		})
		if errs.CodeOf(err) != errs.CodeRateLimited {
			t.Fatalf("expected RATE_LIMITED passthrough, got %v", err)
		}
	}
	if r.State("forge") != gobreaker.StateClosed {
		t.Errorf("rate limiting must not open the breaker, state %v", r.State("forge"))
	}
}

func TestDo_IndependentBreakers(t *testing.T) {
	r := NewRegistry(Options{FailureThreshold: 1}, nil)
	_, _ = r.Do("a", func() (any, error) { return nil, errors.New("x") })

	if _, err := r.Do("b", func() (any, error) { return 1, nil }); err != nil {
		t.Errorf("breaker b should be unaffected by a: %v", err)
	}
}

func TestDo_StateChangeCallback(t *testing.T) {
	var transitions []gobreaker.State
	r := NewRegistry(Options{FailureThreshold: 1}, func(_ string, _, to gobreaker.State) {
		transitions = append(transitions, to)
	})

	_, _ = r.Do("a", func() (any, error) { return nil, errors.New("x") })
	if len(transitions) == 0 || transitions[len(transitions)-1] != gobreaker.StateOpen {
		t.Errorf("expected open transition callback, got %v", transitions)
	}
}
