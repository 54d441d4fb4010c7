// Package resiliency provides per-dependency failure isolation for the
// pipeline core. A CircuitBreaker is a single shared object per named
// external dependency: it protects the whole process from a degraded
// dependency, not just one session's call.
package resiliency

import (
	"context"
	"sync"
	"time"

	"github.com/atelier-ai/atelier/core/pkg/faults"
)

// State is the breaker's position in its state machine.
type State string

const (
	StateClosed   State = "CLOSED"
	StateOpen     State = "OPEN"
	StateHalfOpen State = "HALF_OPEN"
)

// Config tunes a breaker.
type Config struct {
	// FailureThreshold is the number of consecutive failures in CLOSED
	// that opens the circuit.
	FailureThreshold int
	// OpenTimeout is how long the circuit stays OPEN before the next
	// call is let through as a HALF_OPEN probe.
	OpenTimeout time.Duration
	// SuccessThreshold is the number of consecutive successes in
	// HALF_OPEN required to close the circuit.
	SuccessThreshold int
}

// DefaultConfig mirrors the defaults used by the phase adapters.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		OpenTimeout:      30 * time.Second,
		SuccessThreshold: 2,
	}
}

// Snapshot is a read-only view of breaker state for observability.
type Snapshot struct {
	Name            string    `json:"name"`
	State           State     `json:"state"`
	FailureCount    int       `json:"failure_count"`
	SuccessCount    int       `json:"success_count"`
	LastFailureTime time.Time `json:"last_failure_time,omitempty"`
}

// CircuitBreaker isolates calls to one named dependency.
//
// Legal transitions: CLOSED→OPEN, OPEN→HALF_OPEN (after OpenTimeout),
// HALF_OPEN→CLOSED (success run), HALF_OPEN→OPEN (any failure).
type CircuitBreaker struct {
	mu           sync.Mutex
	name         string
	cfg          Config
	state        State
	failureCount int
	successCount int
	lastFailure  time.Time
	clock        func() time.Time

	// onTransition, if set, is called outside the lock after a state
	// change. Used to publish breaker lifecycle events.
	onTransition func(name string, from, to State)

	// Staged notification, drained by takeNotification.
	pending     bool
	pendingFrom State
	pendingTo   State
}

// New creates a CLOSED breaker for the named dependency.
func New(name string, cfg Config) *CircuitBreaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = DefaultConfig().FailureThreshold
	}
	if cfg.OpenTimeout <= 0 {
		cfg.OpenTimeout = DefaultConfig().OpenTimeout
	}
	if cfg.SuccessThreshold <= 0 {
		cfg.SuccessThreshold = DefaultConfig().SuccessThreshold
	}
	return &CircuitBreaker{
		name:  name,
		cfg:   cfg,
		state: StateClosed,
		clock: time.Now,
	}
}

// WithClock overrides the clock for deterministic testing.
func (cb *CircuitBreaker) WithClock(clock func() time.Time) *CircuitBreaker {
	cb.clock = clock
	return cb
}

// OnTransition registers a state-change callback.
func (cb *CircuitBreaker) OnTransition(fn func(name string, from, to State)) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.onTransition = fn
}

// Name returns the dependency name.
func (cb *CircuitBreaker) Name() string { return cb.name }

// Call runs fn through the breaker. While OPEN it rejects immediately
// with *faults.CircuitOpenError and fn is never invoked.
func (cb *CircuitBreaker) Call(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := cb.allow(); err != nil {
		return err
	}

	err := fn(ctx)
	if err != nil {
		cb.recordFailure()
		return err
	}
	cb.recordSuccess()
	return nil
}

// Snapshot returns the current breaker state.
func (cb *CircuitBreaker) Snapshot() Snapshot {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return Snapshot{
		Name:            cb.name,
		State:           cb.state,
		FailureCount:    cb.failureCount,
		SuccessCount:    cb.successCount,
		LastFailureTime: cb.lastFailure,
	}
}

func (cb *CircuitBreaker) allow() error {
	cb.mu.Lock()

	if cb.state == StateOpen {
		elapsed := cb.clock().Sub(cb.lastFailure)
		if elapsed < cb.cfg.OpenTimeout {
			retryAfter := cb.cfg.OpenTimeout - elapsed
			cb.mu.Unlock()
			return &faults.CircuitOpenError{Dependency: cb.name, RetryAfter: retryAfter}
		}
		// Timeout elapsed: the next call becomes the probe.
		cb.transitionLocked(StateHalfOpen)
	}
	notify := cb.takeNotification()
	cb.mu.Unlock()
	notify()
	return nil
}

func (cb *CircuitBreaker) recordSuccess() {
	cb.mu.Lock()
	switch cb.state {
	case StateHalfOpen:
		cb.successCount++
		if cb.successCount >= cb.cfg.SuccessThreshold {
			cb.failureCount = 0
			cb.successCount = 0
			cb.transitionLocked(StateClosed)
		}
	case StateClosed:
		cb.failureCount = 0
	}
	notify := cb.takeNotification()
	cb.mu.Unlock()
	notify()
}

func (cb *CircuitBreaker) recordFailure() {
	cb.mu.Lock()
	cb.lastFailure = cb.clock()
	switch cb.state {
	case StateHalfOpen:
		// Any probe failure reopens immediately.
		cb.successCount = 0
		cb.transitionLocked(StateOpen)
	case StateClosed:
		cb.failureCount++
		if cb.failureCount >= cb.cfg.FailureThreshold {
			cb.successCount = 0
			cb.transitionLocked(StateOpen)
		}
	}
	notify := cb.takeNotification()
	cb.mu.Unlock()
	notify()
}

// pendingFrom/pendingTo stage a notification so the callback runs
// outside the lock.
func (cb *CircuitBreaker) transitionLocked(to State) {
	cb.pendingFrom = cb.state
	cb.pendingTo = to
	cb.pending = true
	cb.state = to
}

func (cb *CircuitBreaker) takeNotification() func() {
	if !cb.pending || cb.onTransition == nil {
		cb.pending = false
		return func() {}
	}
	fn, from, to := cb.onTransition, cb.pendingFrom, cb.pendingTo
	cb.pending = false
	return func() { fn(cb.name, from, to) }
}
