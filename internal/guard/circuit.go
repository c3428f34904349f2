// Package guard holds the circuit breaker that protects the outbox relay
// from hammering an unavailable Kafka cluster.
package guard

import (
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// CircuitState represents the state of a circuit breaker.
type CircuitState int

const (
	CircuitClosed CircuitState = iota
	CircuitOpen
	CircuitHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half_open"
	default:
		return "closed"
	}
}

// OpenError is returned by Allow while a circuit rejects calls.
type OpenError struct {
	Key     string
	RetryIn time.Duration
}

func (e *OpenError) Error() string {
	if e.RetryIn <= 0 {
		return fmt.Sprintf("circuit %s half-open, probe in flight", e.Key)
	}
	return fmt.Sprintf("circuit open for %s, resets in %s", e.Key, e.RetryIn)
}

// CircuitBreaker keeps one circuit per key (a Kafka topic for the relay).
type CircuitBreaker struct {
	mu            sync.Mutex
	circuits      map[string]*circuit
	failThreshold int
	resetTimeout  time.Duration
	clock         clockwork.Clock
}

type circuit struct {
	state       CircuitState
	failures    int
	probing     bool
	lastFailure time.Time
}

// NewCircuitBreaker creates a circuit breaker that opens after failThreshold
// consecutive failures and allows a single probe once resetTimeout has passed.
func NewCircuitBreaker(failThreshold int, resetTimeout time.Duration, clock clockwork.Clock) *CircuitBreaker {
	if failThreshold < 1 {
		failThreshold = 1
	}
	return &CircuitBreaker{
		circuits:      make(map[string]*circuit),
		failThreshold: failThreshold,
		resetTimeout:  resetTimeout,
		clock:         clock,
	}
}

func (cb *CircuitBreaker) get(key string) *circuit {
	c, ok := cb.circuits[key]
	if !ok {
		c = &circuit{state: CircuitClosed}
		cb.circuits[key] = c
	}
	return c
}

// Allow returns nil when a call for key may proceed, or an *OpenError.
// A nil return in the half-open state reserves the single probe; the
// caller must report its result with RecordSuccess or RecordFailure.
func (cb *CircuitBreaker) Allow(key string) error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	c := cb.get(key)
	switch c.state {
	case CircuitOpen:
		elapsed := cb.clock.Since(c.lastFailure)
		if elapsed < cb.resetTimeout {
			return &OpenError{Key: key, RetryIn: cb.resetTimeout - elapsed}
		}
		c.state = CircuitHalfOpen
		c.probing = true
		return nil
	case CircuitHalfOpen:
		if c.probing {
			return &OpenError{Key: key}
		}
		c.probing = true
		return nil
	default:
		return nil
	}
}

// RecordSuccess marks a successful call; a successful probe closes the circuit.
func (cb *CircuitBreaker) RecordSuccess(key string) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	c := cb.get(key)
	c.state = CircuitClosed
	c.failures = 0
	c.probing = false
}

// RecordFailure marks a failed call. A failed probe reopens the circuit immediately.
func (cb *CircuitBreaker) RecordFailure(key string) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	c := cb.get(key)
	c.failures++
	c.lastFailure = cb.clock.Now()
	c.probing = false

	if c.state == CircuitHalfOpen || c.failures >= cb.failThreshold {
		c.state = CircuitOpen
	}
}

// State reports the current state for key.
func (cb *CircuitBreaker) State(key string) CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if c, ok := cb.circuits[key]; ok {
		return c.state
	}
	return CircuitClosed
}
