// Package resilience provides the circuit breaker that guards broker calls.
package resilience

import (
	"context"
	"errors"
	"sync"
	"time"
)

// CircuitState represents the state of a circuit breaker.
type CircuitState string

const (
	CircuitClosed   CircuitState = "CLOSED"    // Normal operation
	CircuitOpen     CircuitState = "OPEN"      // Failing, rejecting requests
	CircuitHalfOpen CircuitState = "HALF_OPEN" // Probing whether the service recovered
)

// CircuitBreakerConfig holds circuit breaker configuration.
type CircuitBreakerConfig struct {
	// FailureThreshold is the number of consecutive failures before opening.
	FailureThreshold int
	// SuccessThreshold is the number of half-open successes needed to close.
	SuccessThreshold int
	// Cooldown is how long the circuit stays open before probing.
	Cooldown time.Duration
	// IsFailure decides which errors count against the circuit. Nil counts
	// every error.
	IsFailure func(error) bool
}

// DefaultCircuitBreakerConfig returns sensible defaults.
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		FailureThreshold: 5,
		SuccessThreshold: 1,
		Cooldown:         30 * time.Second,
	}
}

// ErrCircuitOpen is returned when the circuit is open.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// CircuitBreaker implements the circuit breaker pattern.
type CircuitBreaker struct {
	name   string
	config CircuitBreakerConfig
	now    func() time.Time

	mu              sync.Mutex
	state           CircuitState
	failures        int
	successes       int
	openedAt        time.Time
	lastStateChange time.Time

	totalRequests int64
	totalFailures int64
	totalRejected int64
	totalTimeouts int64
}

// NewCircuitBreaker creates a new circuit breaker.
func NewCircuitBreaker(name string, config CircuitBreakerConfig) *CircuitBreaker {
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = 5
	}
	if config.SuccessThreshold <= 0 {
		config.SuccessThreshold = 1
	}
	return &CircuitBreaker{
		name:            name,
		config:          config,
		now:             time.Now,
		state:           CircuitClosed,
		lastStateChange: time.Now(),
	}
}

// SetClock replaces the time source.
func (cb *CircuitBreaker) SetClock(now func() time.Time) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.now = now
}

// Execute runs fn under circuit protection. fn runs in its own goroutine so
// that clients without context support still honour ctx's deadline.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func() error) error {
	_, err := ExecuteWithResult(cb, ctx, func() (struct{}, error) {
		return struct{}{}, fn()
	})
	return err
}

// ExecuteWithResult runs a function that returns a result with circuit
// breaker protection.
func ExecuteWithResult[T any](cb *CircuitBreaker, ctx context.Context, fn func() (T, error)) (T, error) {
	var zero T

	if err := cb.allowRequest(); err != nil {
		return zero, err
	}

	type result struct {
		value T
		err   error
	}

	done := make(chan result, 1)
	go func() {
		v, err := fn()
		done <- result{value: v, err: err}
	}()

	select {
	case r := <-done:
		cb.record(r.err)
		if r.err != nil {
			return zero, r.err
		}
		return r.value, nil
	case <-ctx.Done():
		cb.mu.Lock()
		cb.totalTimeouts++
		cb.mu.Unlock()
		cb.record(ctx.Err())
		return zero, ctx.Err()
	}
}

func (cb *CircuitBreaker) allowRequest() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.totalRequests++
	if cb.state == CircuitOpen {
		if cb.now().Sub(cb.openedAt) < cb.config.Cooldown {
			cb.totalRejected++
			return ErrCircuitOpen
		}
		cb.transitionTo(CircuitHalfOpen)
	}
	return nil
}

func (cb *CircuitBreaker) record(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	failed := err != nil && (cb.config.IsFailure == nil || cb.config.IsFailure(err))
	if !failed {
		switch cb.state {
		case CircuitHalfOpen:
			cb.successes++
			if cb.successes >= cb.config.SuccessThreshold {
				cb.transitionTo(CircuitClosed)
			}
		case CircuitClosed:
			cb.failures = 0
		}
		return
	}

	cb.totalFailures++
	switch cb.state {
	case CircuitClosed:
		cb.failures++
		if cb.failures >= cb.config.FailureThreshold {
			cb.transitionTo(CircuitOpen)
		}
	case CircuitHalfOpen:
		cb.transitionTo(CircuitOpen)
	}
}

func (cb *CircuitBreaker) transitionTo(state CircuitState) {
	cb.state = state
	cb.lastStateChange = cb.now()
	if state == CircuitOpen {
		cb.openedAt = cb.lastStateChange
	}
	cb.failures = 0
	cb.successes = 0
}

// State returns the current circuit state.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Name returns the circuit breaker name.
func (cb *CircuitBreaker) Name() string {
	return cb.name
}

// Stats returns circuit breaker statistics.
func (cb *CircuitBreaker) Stats() CircuitBreakerStats {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	return CircuitBreakerStats{
		Name:            cb.name,
		State:           cb.state,
		TotalRequests:   cb.totalRequests,
		TotalFailures:   cb.totalFailures,
		TotalRejected:   cb.totalRejected,
		TotalTimeouts:   cb.totalTimeouts,
		CurrentFailures: cb.failures,
		LastStateChange: cb.lastStateChange,
	}
}

// Reset closes the circuit.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.transitionTo(CircuitClosed)
}

// CircuitBreakerStats holds circuit breaker statistics.
type CircuitBreakerStats struct {
	Name            string
	State           CircuitState
	TotalRequests   int64
	TotalFailures   int64
	TotalRejected   int64
	TotalTimeouts   int64
	CurrentFailures int
	LastStateChange time.Time
}
