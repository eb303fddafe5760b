// Package breaker wraps outbound calls in named circuit breakers. One
// breaker exists per upstream; sustained failure opens the breaker and
// callers fail fast with UPSTREAM_UNAVAILABLE instead of queueing on a
// dead backend.
package breaker

import (
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"

	"github.com/joestump/runbookd/internal/errs"
)

// Options tunes breaker behavior. The zero value uses the defaults below.
type Options struct {
	// FailureThreshold is the consecutive-failure count that opens the breaker.
	FailureThreshold uint32
	// Window resets the failure count when no failure occurs within it.
	Window time.Duration
	// Cooldown is how long the breaker stays open before a half-open probe.
	Cooldown time.Duration
}

func (o Options) withDefaults() Options {
	if o.FailureThreshold == 0 {
		o.FailureThreshold = 5
	}
	if o.Window == 0 {
		o.Window = 60 * time.Second
	}
	if o.Cooldown == 0 {
		o.Cooldown = 30 * time.Second
	}
	return o
}

// Registry holds one breaker per upstream name.
type Registry struct {
	mu       sync.Mutex
	opts     Options
	breakers map[string]*gobreaker.CircuitBreaker
	onChange func(name string, from, to gobreaker.State)
}

// NewRegistry creates a breaker registry. onChange may be nil.
func NewRegistry(opts Options, onChange func(name string, from, to gobreaker.State)) *Registry {
	return &Registry{
		opts:     opts.withDefaults(),
		breakers: make(map[string]*gobreaker.CircuitBreaker),
		onChange: onChange,
	}
}

func (r *Registry) breaker(name string) *gobreaker.CircuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cb, ok := r.breakers[name]; ok {
		return cb
	}

	o := r.opts
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 1, // single half-open probe
		Interval:    o.Window,
		Timeout:     o.Cooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= o.FailureThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			if r.onChange != nil {
				r.onChange(name, from, to)
			}
		},
	})
	r.breakers[name] = cb
	return cb
}

// Do runs fn through the named breaker. An open breaker yields
// UPSTREAM_UNAVAILABLE without invoking fn. RATE_LIMITED and NOT_FOUND
// results pass through without counting as breaker failures: they are
// upstream policy, not upstream death.
func (r *Registry) Do(name string, fn func() (any, error)) (any, error) {
	cb := r.breaker(name)

	v, err := cb.Execute(func() (any, error) {
		v, err := fn()
		switch errs.CodeOf(err) {
		case errs.CodeRateLimited, errs.CodeNotFound:
			// Smuggle past the failure counter.
			return &passthrough{v: v, err: err}, nil
		}
		return v, err
	})

	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, errs.New(errs.CodeUpstreamUnavailable, "upstream %s unavailable (circuit open)", name)
	}
	if p, ok := v.(*passthrough); ok {
		return p.v, p.err
	}
	return v, err
}

type passthrough struct {
	v   any
	err error
}

// State returns the current state of the named breaker.
func (r *Registry) State(name string) gobreaker.State {
	return r.breaker(name).State()
}

// LogStateChanges returns an onChange callback that logs transitions, so
// callers need not depend on gobreaker types directly.
func LogStateChanges(log *logrus.Entry) func(name string, from, to gobreaker.State) {
	return func(name string, from, to gobreaker.State) {
		log.WithFields(logrus.Fields{
			"breaker": name,
			"from":    from.String(),
			"to":      to.String(),
		}).Warn("breaker state change")
	}
}
