// Package dlq reprocesses quarantined events: unresolved dead letters are
// acquired under short-lived locks, revalidated, and replayed into the raw
// event store. A circuit breaker shields the store from repeated poison
// failures.
package dlq

import (
	"errors"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// ErrBreakerOpen is returned while the breaker is rejecting work.
var ErrBreakerOpen = errors.New("circuit breaker open")

type breakerState int

const (
	stateClosed breakerState = iota
	stateHalfOpen
	stateOpen
)

const (
	DefaultFailureThreshold = 5
	DefaultOpenDuration     = 60 * time.Second
)

// breaker is a consecutive-failure circuit breaker. After the threshold is
// hit it rejects work for the open duration, then lets a single probe
// through; the probe's outcome closes or reopens it.
type breaker struct {
	clock     clockwork.Clock
	threshold int
	openFor   time.Duration

	mu            sync.Mutex
	state         breakerState
	failures      int
	openedAt      time.Time
	probeInFlight bool
}

func newBreaker(clock clockwork.Clock, threshold int, openFor time.Duration) *breaker {
	if threshold <= 0 {
		threshold = DefaultFailureThreshold
	}
	if openFor <= 0 {
		openFor = DefaultOpenDuration
	}
	return &breaker{clock: clock, threshold: threshold, openFor: openFor}
}

// Allow reports whether a unit of work may proceed.
func (b *breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case stateClosed:
		return nil
	case stateOpen:
		if b.clock.Since(b.openedAt) < b.openFor {
			return ErrBreakerOpen
		}
		b.state = stateHalfOpen
		b.probeInFlight = false
		fallthrough
	default: // half-open: admit exactly one probe
		if b.probeInFlight {
			return ErrBreakerOpen
		}
		b.probeInFlight = true
		return nil
	}
}

func (b *breaker) Success() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = stateClosed
	b.failures = 0
	b.probeInFlight = false
}

func (b *breaker) Failure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == stateHalfOpen {
		b.trip()
		return
	}
	b.failures++
	if b.failures >= b.threshold {
		b.trip()
	}
}

func (b *breaker) trip() {
	b.state = stateOpen
	b.failures = 0
	b.probeInFlight = false
	b.openedAt = b.clock.Now()
}

// State exposes the breaker position for metrics: 0 closed, 1 half-open,
// 2 open.
func (b *breaker) State() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return int(b.state)
}
