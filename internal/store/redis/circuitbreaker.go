// Package redis carries store change notifications over Redis pub/sub and
// publishes the latest signal row. Publishing goes through a circuit breaker
// so an unavailable Redis never stalls a recompute.
package redis

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrCircuitOpen is returned while the breaker rejects calls.
var ErrCircuitOpen = errors.New("redis: circuit breaker is open")

// State is the breaker state. The numeric values are exported as a gauge.
type State int

const (
	StateClosed   State = 0
	StateOpen     State = 1
	StateHalfOpen State = 2
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

type transition struct{ from, to State }

// CircuitBreaker opens after maxFailures consecutive failures and rejects
// calls for resetTimeout. It then lets exactly one probe through: success
// closes it, failure reopens it. Context cancellation of the caller is not
// counted as a Redis failure.
type CircuitBreaker struct {
	mu           sync.Mutex
	state        State
	failures     int
	probing      bool
	openedAt     time.Time
	maxFailures  int
	resetTimeout time.Duration
	now          func() time.Time

	// OnStateChange is called after each transition, outside the lock.
	OnStateChange func(from, to State)
}

// NewCircuitBreaker creates a closed breaker.
func NewCircuitBreaker(maxFailures int, resetTimeout time.Duration) *CircuitBreaker {
	if maxFailures < 1 {
		maxFailures = 1
	}
	return &CircuitBreaker{
		maxFailures:  maxFailures,
		resetTimeout: resetTimeout,
		now:          time.Now,
	}
}

// Execute runs fn unless the breaker is open or a half-open probe is
// already in flight, in which case it returns ErrCircuitOpen.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	var changes []transition

	cb.mu.Lock()
	if cb.state == StateOpen && cb.now().Sub(cb.openedAt) >= cb.resetTimeout {
		changes = cb.moveTo(changes, StateHalfOpen)
	}
	if cb.state == StateOpen || (cb.state == StateHalfOpen && cb.probing) {
		cb.mu.Unlock()
		cb.notify(changes)
		return ErrCircuitOpen
	}
	probe := cb.state == StateHalfOpen
	cb.probing = probe
	cb.mu.Unlock()
	cb.notify(changes)
	changes = changes[:0]

	err := fn()

	cb.mu.Lock()
	if probe {
		cb.probing = false
	}
	switch {
	case err == nil:
		cb.failures = 0
		if cb.state != StateClosed {
			changes = cb.moveTo(changes, StateClosed)
		}
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		// The caller gave up; Redis health is unknown.
	default:
		cb.failures++
		if probe || cb.failures >= cb.maxFailures {
			changes = cb.moveTo(changes, StateOpen)
		}
	}
	cb.mu.Unlock()
	cb.notify(changes)
	return err
}

// CurrentState returns the breaker state.
func (cb *CircuitBreaker) CurrentState() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// moveTo changes state under cb.mu and records the transition.
func (cb *CircuitBreaker) moveTo(changes []transition, to State) []transition {
	from := cb.state
	cb.state = to
	switch to {
	case StateOpen:
		cb.openedAt = cb.now()
	case StateClosed:
		cb.failures = 0
	}
	return append(changes, transition{from, to})
}

func (cb *CircuitBreaker) notify(changes []transition) {
	if cb.OnStateChange == nil {
		return
	}
	for _, c := range changes {
		cb.OnStateChange(c.from, c.to)
	}
}
