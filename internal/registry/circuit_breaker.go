// Package registry tracks worker liveness and reaps orphaned jobs.
package registry

import (
	"fmt"
	"sync"
	"time"

	"github.com/tessera-ai/control-plane/internal/adapter/observability"
)

// CircuitBreakerState represents the state of a worker's circuit breaker.
type CircuitBreakerState int

const (
	// StateClosed means the worker is accepting dispatch.
	StateClosed CircuitBreakerState = iota
	// StateOpen means the worker is quarantined and dispatch skips it.
	StateOpen
	// StateHalfOpen means the worker is being probed with limited dispatch.
	StateHalfOpen
)

// CircuitBreaker quarantines a single worker once maxFailures reported
// failures have accumulated, and releases it after a recovery timeout via
// a half-open probing phase. Failures are not counted within a time
// window: the count resets only on a success while closed, on recovery
// from half-open, or on Reset.
type CircuitBreaker struct {
	workerID     string
	maxFailures  int
	timeout      time.Duration
	state        CircuitBreakerState
	failures     int
	lastFailure  time.Time
	mu           sync.RWMutex
	successCount int
	halfOpenMax  int
}

// NewCircuitBreaker creates a circuit breaker for a single worker.
func NewCircuitBreaker(workerID string, maxFailures int, timeout time.Duration) *CircuitBreaker {
	return &CircuitBreaker{
		workerID:    workerID,
		maxFailures: maxFailures,
		timeout:     timeout,
		state:       StateClosed,
		halfOpenMax: 3,
	}
}

// Allow reports whether dispatch may currently route work to this worker,
// transitioning open -> half-open once the recovery timeout has elapsed.
func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == StateOpen && time.Since(cb.lastFailure) >= cb.timeout {
		cb.state = StateHalfOpen
		cb.successCount = 0
	}

	allowed := cb.shouldAllowRequest()
	observability.RecordCircuitBreakerStatus(cb.workerID, int(cb.state))
	return allowed
}

// RecordResult updates the breaker's state from a dispatch outcome. Call
// with a non-nil err for a failed or timed-out job, nil for a completed one.
func (cb *CircuitBreaker) RecordResult(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.updateState(err)
	observability.RecordCircuitBreakerStatus(cb.workerID, int(cb.state))
}

// shouldAllowRequest determines if a request should be allowed.
func (cb *CircuitBreaker) shouldAllowRequest() bool {
	switch cb.state {
	case StateClosed:
		return true
	case StateOpen:
		return false
	case StateHalfOpen:
		return cb.successCount < cb.halfOpenMax
	default:
		return false
	}
}

// updateState updates the circuit breaker state based on the result.
func (cb *CircuitBreaker) updateState(err error) {
	if err != nil {
		cb.failures++
		cb.lastFailure = time.Now()
		if cb.failures >= cb.maxFailures {
			cb.state = StateOpen
		}
		return
	}

	if cb.state == StateClosed {
		cb.failures = 0
	}
	if cb.state == StateHalfOpen {
		cb.successCount++
		if cb.successCount >= cb.halfOpenMax {
			cb.state = StateClosed
			cb.successCount = 0
			cb.failures = 0
		}
	}
}

// State returns the current state of the circuit breaker.
func (cb *CircuitBreaker) State() CircuitBreakerState {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.state
}

// Reset resets the circuit breaker to closed state. Used when a worker is
// re-registered after being declared dead.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.state = StateClosed
	cb.failures = 0
	cb.successCount = 0
}

func (s CircuitBreakerState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// CircuitBreakerManager owns one CircuitBreaker per worker id.
type CircuitBreakerManager struct {
	breakers map[string]*CircuitBreaker
	mu       sync.RWMutex

	maxFailures int
	timeout     time.Duration
}

// NewCircuitBreakerManager creates a manager that lazily builds breakers
// using the given failure threshold and recovery timeout.
func NewCircuitBreakerManager(maxFailures int, timeout time.Duration) *CircuitBreakerManager {
	return &CircuitBreakerManager{
		breakers:    make(map[string]*CircuitBreaker),
		maxFailures: maxFailures,
		timeout:     timeout,
	}
}

// GetOrCreate gets an existing breaker for workerID or creates one.
func (cbm *CircuitBreakerManager) GetOrCreate(workerID string) *CircuitBreaker {
	cbm.mu.Lock()
	defer cbm.mu.Unlock()

	if cb, exists := cbm.breakers[workerID]; exists {
		return cb
	}
	cb := NewCircuitBreaker(workerID, cbm.maxFailures, cbm.timeout)
	cbm.breakers[workerID] = cb
	return cb
}

// Remove drops a worker's breaker, e.g. once the reaper declares it dead
// and it is evicted from the registry.
func (cbm *CircuitBreakerManager) Remove(workerID string) {
	cbm.mu.Lock()
	defer cbm.mu.Unlock()
	delete(cbm.breakers, workerID)
}

// IsQuarantined reports whether workerID's breaker is open.
func (cbm *CircuitBreakerManager) IsQuarantined(workerID string) bool {
	cbm.mu.RLock()
	cb, exists := cbm.breakers[workerID]
	cbm.mu.RUnlock()
	if !exists {
		return false
	}
	return cb.State() == StateOpen
}
