package llm

import (
	"fmt"
	"sync"
	"time"

	"github.com/ekaya-inc/ekaya-decks/pkg/apperrors"
)

// CircuitState represents the current state of the circuit breaker.
type CircuitState int

const (
	// CircuitClosed means requests flow through.
	CircuitClosed CircuitState = iota
	// CircuitOpen means the service looks down and requests are rejected.
	CircuitOpen
	// CircuitHalfOpen means a single probe request is in flight.
	CircuitHalfOpen
)

// String returns a human-readable string for the circuit state.
func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// CircuitBreakerConfig holds configuration for the circuit breaker.
type CircuitBreakerConfig struct {
	// Threshold is the number of consecutive service failures before the circuit trips.
	Threshold int
	// ResetAfter is how long the circuit stays open before a probe is allowed.
	ResetAfter time.Duration
	// Now overrides the clock; nil means time.Now.
	Now func() time.Time
}

// DefaultCircuitBreakerConfig returns the defaults: trip after 5 failures, probe after 30s.
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		Threshold:  5,
		ResetAfter: 30 * time.Second,
	}
}

// CircuitBreaker stops hammering a service that keeps failing with transient
// errors. Only Transient failures count toward the threshold. A rate limit,
// auth or content rejection means the service itself is up, and a rate limit
// already has its own cooldown in the retry policy.
//
// An open circuit rejects with a Transient error so the retry policy backs
// off and tries again rather than failing the stage outright.
type CircuitBreaker struct {
	mu               sync.Mutex
	consecutiveFails int
	threshold        int
	resetAfter       time.Duration
	lastFailure      time.Time
	state            CircuitState
	now              func() time.Time
}

// NewCircuitBreaker creates a new circuit breaker with the given configuration.
func NewCircuitBreaker(config CircuitBreakerConfig) *CircuitBreaker {
	now := config.Now
	if now == nil {
		now = time.Now
	}
	threshold := config.Threshold
	if threshold < 1 {
		threshold = 1
	}
	return &CircuitBreaker{
		threshold:  threshold,
		resetAfter: config.ResetAfter,
		state:      CircuitClosed,
		now:        now,
	}
}

// Allow returns nil when a request may proceed. After ResetAfter has elapsed
// on an open circuit, exactly one probe is let through.
func (cb *CircuitBreaker) Allow() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case CircuitClosed:
		return nil
	case CircuitOpen:
		since := cb.now().Sub(cb.lastFailure)
		if since >= cb.resetAfter {
			cb.state = CircuitHalfOpen
			return nil
		}
		return NewError(apperrors.KindTransient,
			fmt.Sprintf("circuit breaker open: service appears to be down (failed %d times, last failure %v ago)",
				cb.consecutiveFails, since.Round(time.Second)), nil)
	case CircuitHalfOpen:
		return NewError(apperrors.KindTransient, "circuit breaker half-open: probe in flight", nil)
	default:
		return NewError(apperrors.KindFatal, fmt.Sprintf("circuit breaker in unknown state: %v", cb.state), nil)
	}
}

// RecordSuccess resets the failure count and closes the circuit.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.consecutiveFails = 0
	cb.state = CircuitClosed
}

// RecordFailure counts err against the threshold if it is a service failure.
// Other failures count as a response from a healthy service.
func (cb *CircuitBreaker) RecordFailure(err error) {
	if apperrors.KindOf(err) != apperrors.KindTransient {
		cb.RecordSuccess()
		return
	}

	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.consecutiveFails++
	cb.lastFailure = cb.now()

	if cb.state == CircuitHalfOpen || cb.consecutiveFails >= cb.threshold {
		cb.state = CircuitOpen
	}
}

// State returns the current state of the circuit breaker.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// ConsecutiveFailures returns the current count of consecutive failures.
func (cb *CircuitBreaker) ConsecutiveFailures() int {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.consecutiveFails
}

// Reset closes the circuit and clears the failure count.
func (cb *CircuitBreaker) Reset() {
	cb.RecordSuccess()
}
