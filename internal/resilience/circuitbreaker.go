// Package resilience guards per-cycle work that may fail repeatedly, such as
// pitch estimation.
//
// [CircuitBreaker] has three states. Closed forwards every call. After
// MaxFailures consecutive failures it opens and rejects calls without running
// them, so a misbehaving estimator stops eating cycle time. Once
// ResetTimeout has passed it lets HalfOpenMax probes through: all of them
// succeeding closes it again, any failure re-opens it. Panics inside the
// guarded function are recovered and count as failures.
package resilience

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrCircuitOpen is returned instead of running the guarded function while
// the breaker rejects calls.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// ErrPanic wraps a value recovered from a panic in the guarded function.
var ErrPanic = errors.New("circuit breaker: recovered panic")

// State is the operating mode of a [CircuitBreaker].
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

// String returns the lowercase state name.
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

// CircuitBreakerConfig holds the thresholds of a [CircuitBreaker]. Zero
// values select the defaults.
type CircuitBreakerConfig struct {
	// Name identifies the breaker to OnStateChange consumers.
	Name string

	// MaxFailures is the number of consecutive failures that opens a closed
	// breaker. Default: 30, half a second of cycles at 60 Hz.
	MaxFailures int

	// ResetTimeout is how long the breaker stays open. Default: 2s.
	ResetTimeout time.Duration

	// HalfOpenMax is the number of probes let through, and the number of
	// successes needed to close. Default: 3.
	HalfOpenMax int

	// OnStateChange is called after every transition, without the breaker's
	// lock held.
	OnStateChange func(from, to State)

	// Now overrides the clock. Default: time.Now.
	Now func() time.Time
}

// CircuitBreaker is safe for concurrent use.
type CircuitBreaker struct {
	cfg CircuitBreakerConfig

	mu       sync.Mutex
	state    State
	failures int
	openedAt time.Time
	probes   int
	probesOK int
}

// NewCircuitBreaker returns a closed breaker.
func NewCircuitBreaker(cfg CircuitBreakerConfig) *CircuitBreaker {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 30
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = 2 * time.Second
	}
	if cfg.HalfOpenMax <= 0 {
		cfg.HalfOpenMax = 3
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &CircuitBreaker{cfg: cfg}
}

// Execute runs fn if the breaker admits the call and records the outcome.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	_, err := Call(cb, func() (struct{}, error) { return struct{}{}, fn() })
	return err
}

// Call runs fn behind cb and returns its result. A rejected call returns the
// zero T and [ErrCircuitOpen]; a panic returns the zero T and an error
// wrapping [ErrPanic].
func Call[T any](cb *CircuitBreaker, fn func() (T, error)) (T, error) {
	var zero T
	probe, ok := cb.admit()
	if !ok {
		return zero, ErrCircuitOpen
	}
	v, err := guard(fn)
	cb.record(err, probe)
	if err != nil {
		return zero, err
	}
	return v, nil
}

func guard[T any](fn func() (T, error)) (v T, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrPanic, r)
		}
	}()
	return fn()
}

// admit decides whether a call may run and whether it is a half-open probe.
func (cb *CircuitBreaker) admit() (probe, ok bool) {
	cb.mu.Lock()
	from := cb.state
	if cb.state == StateOpen && cb.cfg.Now().Sub(cb.openedAt) >= cb.cfg.ResetTimeout {
		cb.state = StateHalfOpen
		cb.probes, cb.probesOK = 0, 0
	}
	switch cb.state {
	case StateOpen:
		ok = false
	case StateHalfOpen:
		ok = cb.probes < cb.cfg.HalfOpenMax
		if ok {
			cb.probes++
			probe = true
		}
	default:
		ok = true
	}
	to := cb.state
	cb.mu.Unlock()

	cb.notify(from, to)
	return probe, ok
}

// record books the outcome of an admitted call.
func (cb *CircuitBreaker) record(err error, probe bool) {
	cb.mu.Lock()
	from := cb.state
	switch {
	case err != nil && (probe || cb.state == StateHalfOpen):
		cb.trip()
	case err != nil:
		cb.failures++
		if cb.state == StateClosed && cb.failures >= cb.cfg.MaxFailures {
			cb.trip()
		}
	case probe && cb.state == StateHalfOpen:
		cb.probesOK++
		if cb.probesOK >= cb.cfg.HalfOpenMax {
			cb.state = StateClosed
			cb.failures = 0
		}
	default:
		cb.failures = 0
	}
	to := cb.state
	cb.mu.Unlock()

	cb.notify(from, to)
}

// trip opens the breaker. cb.mu must be held.
func (cb *CircuitBreaker) trip() {
	cb.state = StateOpen
	cb.openedAt = cb.cfg.Now()
	cb.failures = 0
}

func (cb *CircuitBreaker) notify(from, to State) {
	if from != to && cb.cfg.OnStateChange != nil {
		cb.cfg.OnStateChange(from, to)
	}
}

// Name returns the configured name.
func (cb *CircuitBreaker) Name() string {
	return cb.cfg.Name
}

// State returns the current state. An open breaker whose timeout has passed
// reports [StateHalfOpen]; the transition itself happens on the next call.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == StateOpen && cb.cfg.Now().Sub(cb.openedAt) >= cb.cfg.ResetTimeout {
		return StateHalfOpen
	}
	return cb.state
}

// Reset closes the breaker and clears its counters.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	from := cb.state
	cb.state = StateClosed
	cb.failures, cb.probes, cb.probesOK = 0, 0, 0
	cb.mu.Unlock()
	cb.notify(from, StateClosed)
}
