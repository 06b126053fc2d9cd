// Package resilience holds the guards a worker can put in front of its
// processor: a circuit breaker for a failing dependency and a token bucket
// for a rate-limited one.
package resilience

import (
	"sync"
	"time"
)

// State is a breaker state. The numeric values are exported as the
// circuit_breaker_state gauge.
type State int

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

type BreakerConfig struct {
	Name string
	// FailureThreshold consecutive failures open the circuit.
	FailureThreshold int
	// RecoveryTimeout is how long the circuit stays open after the last
	// failure before a probe is let through.
	RecoveryTimeout time.Duration
	// SuccessThreshold consecutive probe successes close the circuit.
	SuccessThreshold int
}

// CircuitBreaker admits one probe at a time while half-open.
type CircuitBreaker struct {
	cfg BreakerConfig
	now func() time.Time

	mu          sync.Mutex
	state       State
	failures    int
	successes   int
	lastFailure time.Time
	probing     bool
}

type BreakerOption func(*CircuitBreaker)

func WithBreakerClock(now func() time.Time) BreakerOption {
	return func(cb *CircuitBreaker) { cb.now = now }
}

func NewCircuitBreaker(cfg BreakerConfig, opts ...BreakerOption) *CircuitBreaker {
	if cfg.FailureThreshold < 1 {
		cfg.FailureThreshold = 1
	}
	if cfg.SuccessThreshold < 1 {
		cfg.SuccessThreshold = 1
	}
	cb := &CircuitBreaker{cfg: cfg, now: time.Now}
	for _, o := range opts {
		o(cb)
	}
	return cb
}

func (cb *CircuitBreaker) Name() string { return cb.cfg.Name }

func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Allow reports whether a call may proceed. An open circuit whose recovery
// timeout has elapsed turns half-open and admits the caller as its probe.
func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	switch cb.state {
	case Closed:
		return true
	case Open:
		if cb.now().Sub(cb.lastFailure) < cb.cfg.RecoveryTimeout {
			return false
		}
		cb.state = HalfOpen
		cb.successes = 0
		cb.probing = true
		return true
	default:
		if cb.probing {
			return false
		}
		cb.probing = true
		return true
	}
}

func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	switch cb.state {
	case Closed:
		cb.failures = 0
	case HalfOpen:
		cb.probing = false
		cb.successes++
		if cb.successes >= cb.cfg.SuccessThreshold {
			cb.state = Closed
			cb.failures = 0
			cb.successes = 0
		}
	}
}

func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.lastFailure = cb.now()
	switch cb.state {
	case Closed:
		cb.failures++
		if cb.failures >= cb.cfg.FailureThreshold {
			cb.state = Open
		}
	case HalfOpen:
		cb.state = Open
		cb.probing = false
		cb.successes = 0
	}
}
