// Package resilience provides the circuit breaker guarding backend calls.
//
// A Breaker is a classic three-state machine (closed → open → half-open).
// While open it fails fast with ErrOpen so a dead geocoder or dispatch
// service cannot stall live calls; after the cooldown one probe is let
// through to test recovery.
package resilience

import (
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrOpen is returned by Execute while the breaker rejects calls.
var ErrOpen = errors.New("resilience: circuit open")

type state int

const (
	stateClosed state = iota
	stateOpen
	stateHalfOpen
)

// Breaker is safe for concurrent use.
type Breaker struct {
	name        string
	maxFailures int
	cooldown    time.Duration
	now         func() time.Time

	mu       sync.Mutex
	state    state
	failures int
	openedAt time.Time
}

// Option is a functional option for configuring a Breaker.
type Option func(*Breaker)

// WithClock overrides the breaker's time source. Primarily used in tests.
func WithClock(now func() time.Time) Option {
	return func(b *Breaker) { b.now = now }
}

// NewBreaker creates a closed breaker that opens after maxFailures
// consecutive failures and probes again after cooldown. Non-positive
// arguments fall back to 5 failures and 30 seconds.
func NewBreaker(name string, maxFailures int, cooldown time.Duration, opts ...Option) *Breaker {
	if maxFailures <= 0 {
		maxFailures = 5
	}
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	b := &Breaker{
		name:        name,
		maxFailures: maxFailures,
		cooldown:    cooldown,
		now:         time.Now,
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

// Healthy reports whether the breaker is currently letting calls through.
func (b *Breaker) Healthy() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state != stateOpen || b.now().Sub(b.openedAt) >= b.cooldown
}

// Execute runs fn unless the breaker is open. A successful call closes the
// breaker and resets the failure count; a failed probe re-opens it.
func (b *Breaker) Execute(fn func() error) error {
	b.mu.Lock()
	switch b.state {
	case stateOpen:
		if b.now().Sub(b.openedAt) < b.cooldown {
			b.mu.Unlock()
			return ErrOpen
		}
		b.state = stateHalfOpen
		slog.Info("circuit breaker probing", "name", b.name)
	case stateHalfOpen:
		// One probe at a time.
		b.mu.Unlock()
		return ErrOpen
	}
	b.mu.Unlock()

	err := fn()

	b.mu.Lock()
	defer b.mu.Unlock()
	if err == nil {
		if b.state != stateClosed {
			slog.Info("circuit breaker closed", "name", b.name)
		}
		b.state = stateClosed
		b.failures = 0
		return nil
	}

	b.failures++
	if b.state == stateHalfOpen || b.failures >= b.maxFailures {
		if b.state != stateOpen {
			slog.Warn("circuit breaker opened", "name", b.name, "failures", b.failures)
		}
		b.state = stateOpen
		b.openedAt = b.now()
	}
	return err
}
