// Package circuitbreaker isolates failing data providers so that repeated errors stop
// reaching the vendor until it has had time to recover.
package circuitbreaker

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
)

// State represents the current state of the circuit breaker
type State int32

// Circuit breaker states
const (
	StateClosed   State = iota // Normal operation
	StateOpen                  // Tripped, no new operations allowed
	StateHalfOpen              // Testing if the provider has recovered
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	}
	return "unknown"
}

// MarshalText renders the state name in JSON and logs.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// ErrCircuitOpen is returned to callers rejected by an open circuit.
var ErrCircuitOpen = errors.New("circuit breaker open")

// Config holds the breaker thresholds.
type Config struct {
	// FailureThreshold is the number of consecutive failures that opens the circuit
	FailureThreshold uint32 `json:"failure_threshold"`

	// SuccessThreshold is the number of consecutive half-open successes that closes it
	SuccessThreshold uint32 `json:"success_threshold"`

	// ResetTimeout is how long the circuit stays open before allowing trial calls
	ResetTimeout time.Duration `json:"reset_timeout"`

	// HalfOpenMaxCalls bounds concurrent trial calls; zero means SuccessThreshold
	HalfOpenMaxCalls uint32 `json:"half_open_max_calls,omitempty"`

	// FailureWindow restarts the failure count when the previous failure is older
	// than the window; zero disables it
	FailureWindow time.Duration `json:"failure_window,omitempty"`
}

// DefaultConfig returns the defaults: 5 failures, 3 successes, 30s reset timeout.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		SuccessThreshold: 3,
		ResetTimeout:     30 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.FailureThreshold == 0 {
		c.FailureThreshold = d.FailureThreshold
	}
	if c.SuccessThreshold == 0 {
		c.SuccessThreshold = d.SuccessThreshold
	}
	if c.ResetTimeout <= 0 {
		c.ResetTimeout = d.ResetTimeout
	}
	if c.HalfOpenMaxCalls == 0 {
		c.HalfOpenMaxCalls = c.SuccessThreshold
	}
	return c
}

// Stats is a point-in-time view of a breaker.
type Stats struct {
	Name                 string    `json:"name"`
	State                State     `json:"state"`
	ConsecutiveFailures  uint32    `json:"consecutive_failures"`
	ConsecutiveSuccesses uint32    `json:"consecutive_successes"`
	FailureThreshold     uint32    `json:"failure_threshold"`
	SuccessThreshold     uint32    `json:"success_threshold"`
	LastTransition       time.Time `json:"last_transition"`
}

// CircuitBreaker guards calls to a single provider.
//
// The hot path (CanExecute, RecordSuccess, RecordFailure) reads and updates atomics;
// the mutex is only taken for state transitions.
type CircuitBreaker struct {
	name string
	cfg  Config

	state          atomic.Int32
	failures       atomic.Uint32
	successes      atomic.Uint32
	trials         atomic.Int32 // admitted half-open calls without a recorded outcome
	transitionedAt atomic.Int64 // unix nanos
	lastFailureAt  atomic.Int64 // unix nanos

	// mu serializes state transitions
	mu sync.Mutex

	now           func() time.Time
	onStateChange func(name string, from, to State)
	log           *logrus.Entry
}

// New creates a closed CircuitBreaker for the named provider.
func New(name string, cfg Config) *CircuitBreaker {
	cb := &CircuitBreaker{
		name: name,
		cfg:  cfg.withDefaults(),
		now:  time.Now,
		log:  logrus.WithField("circuit", name),
	}
	cb.state.Store(int32(StateClosed))
	cb.transitionedAt.Store(cb.now().UnixNano())
	return cb
}

// WithStateChangeCallback sets a function invoked after every transition. It runs
// synchronously outside the transition lock and must not block.
func (cb *CircuitBreaker) WithStateChangeCallback(fn func(name string, from, to State)) *CircuitBreaker {
	cb.onStateChange = fn
	return cb
}

// WithClock replaces the time source, used by tests.
func (cb *CircuitBreaker) WithClock(now func() time.Time) *CircuitBreaker {
	cb.now = now
	cb.transitionedAt.Store(now().UnixNano())
	return cb
}

// WithLogger replaces the logger.
func (cb *CircuitBreaker) WithLogger(l *logrus.Entry) *CircuitBreaker {
	cb.log = l.WithField("circuit", cb.name)
	return cb
}

// Name returns the provider name the breaker guards.
func (cb *CircuitBreaker) Name() string { return cb.name }

// Config returns the effective configuration.
func (cb *CircuitBreaker) Config() Config { return cb.cfg }

// State returns the current state, moving Open to HalfOpen if the reset timeout elapsed.
func (cb *CircuitBreaker) State() State {
	return cb.currentState()
}

// CanExecute reports whether a call may proceed. In HalfOpen it admits at most
// HalfOpenMaxCalls outstanding trials; an admitted caller must follow up with
// RecordSuccess, RecordFailure or Abandon.
func (cb *CircuitBreaker) CanExecute() bool {
	switch cb.currentState() {
	case StateClosed:
		return true
	case StateHalfOpen:
		limit := int32(cb.cfg.HalfOpenMaxCalls)
		for {
			n := cb.trials.Load()
			if n >= limit {
				return false
			}
			if cb.trials.CompareAndSwap(n, n+1) {
				return true
			}
		}
	default:
		return false
	}
}

// RecordSuccess records a successful call.
func (cb *CircuitBreaker) RecordSuccess() {
	switch state := cb.currentState(); state {
	case StateClosed:
		cb.failures.Store(0)
	case StateHalfOpen:
		cb.releaseTrial()
		if cb.successes.Add(1) >= cb.cfg.SuccessThreshold {
			cb.transition(StateHalfOpen, StateClosed)
		}
	case StateOpen:
		// late result of a call admitted before the trip
	}
}

// RecordFailure records a failed call.
func (cb *CircuitBreaker) RecordFailure() {
	now := cb.now()
	switch cb.currentState() {
	case StateClosed:
		if w := cb.cfg.FailureWindow; w > 0 {
			last := cb.lastFailureAt.Load()
			if last > 0 && now.Sub(time.Unix(0, last)) > w {
				cb.failures.Store(0)
			}
		}
		cb.lastFailureAt.Store(now.UnixNano())
		if n := cb.failures.Add(1); n >= cb.cfg.FailureThreshold {
			cb.transition(StateClosed, StateOpen)
		}
	case StateHalfOpen:
		cb.releaseTrial()
		cb.lastFailureAt.Store(now.UnixNano())
		cb.transition(StateHalfOpen, StateOpen)
	case StateOpen:
	}
}

// Abandon releases a half-open trial slot taken by CanExecute when the call was never
// made or its outcome should not count, e.g. local rate limiting or caller cancellation.
func (cb *CircuitBreaker) Abandon() {
	if State(cb.state.Load()) == StateHalfOpen {
		cb.releaseTrial()
	}
}

// Reset forcibly returns the breaker to Closed.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	from := State(cb.state.Load())
	cb.setStateLocked(StateClosed)
	cb.mu.Unlock()

	cb.log.Info("Circuit breaker manually reset to closed state")
	if from != StateClosed && cb.onStateChange != nil {
		cb.onStateChange(cb.name, from, StateClosed)
	}
}

// Stats returns a snapshot of the counters.
func (cb *CircuitBreaker) Stats() Stats {
	return Stats{
		Name:                 cb.name,
		State:                cb.currentState(),
		ConsecutiveFailures:  cb.failures.Load(),
		ConsecutiveSuccesses: cb.successes.Load(),
		FailureThreshold:     cb.cfg.FailureThreshold,
		SuccessThreshold:     cb.cfg.SuccessThreshold,
		LastTransition:       time.Unix(0, cb.transitionedAt.Load()),
	}
}

// currentState loads the state and lazily applies the Open to HalfOpen timeout.
func (cb *CircuitBreaker) currentState() State {
	state := State(cb.state.Load())
	if state != StateOpen {
		return state
	}
	openedAt := time.Unix(0, cb.transitionedAt.Load())
	if cb.now().Sub(openedAt) < cb.cfg.ResetTimeout {
		return StateOpen
	}
	cb.transition(StateOpen, StateHalfOpen)
	return State(cb.state.Load())
}

// transition moves from -> to if the breaker is still in from. Concurrent callers
// racing on the same transition apply it once.
func (cb *CircuitBreaker) transition(from, to State) bool {
	cb.mu.Lock()
	if State(cb.state.Load()) != from {
		cb.mu.Unlock()
		return false
	}
	cb.setStateLocked(to)
	failures := cb.failures.Load()
	cb.mu.Unlock()

	fields := logrus.Fields{"from": from, "to": to}
	switch to {
	case StateOpen:
		fields["failure_count"] = failures
		fields["reset_timeout"] = cb.cfg.ResetTimeout
		cb.log.WithFields(fields).Warn("Circuit breaker opened")
	case StateHalfOpen:
		cb.log.WithFields(fields).Info("Circuit breaker half-open: testing provider recovery")
	case StateClosed:
		cb.log.WithFields(fields).Info("Circuit breaker closed: provider has recovered")
	}

	if cb.onStateChange != nil {
		cb.onStateChange(cb.name, from, to)
	}
	return true
}

func (cb *CircuitBreaker) setStateLocked(to State) {
	cb.state.Store(int32(to))
	cb.transitionedAt.Store(cb.now().UnixNano())
	cb.successes.Store(0)
	cb.trials.Store(0)
	if to == StateClosed {
		cb.failures.Store(0)
	}
}

func (cb *CircuitBreaker) releaseTrial() {
	for {
		n := cb.trials.Load()
		if n <= 0 || cb.trials.CompareAndSwap(n, n-1) {
			return
		}
	}
}
