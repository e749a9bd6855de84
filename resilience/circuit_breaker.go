// Package resilience provides the per-endpoint fault-tolerance
// primitives: the three-state circuit breaker, the fetch error
// classifier, and the transient-retry backoff policy.
//
// Circuit Breaker Pattern:
// The breaker acts as a gate the endpoint runner consults before every
// fetch. States:
//  1. Closed: normal operation, requests pass through
//  2. Open: threshold exceeded (or auth failure), requests are skipped
//  3. Half-Open: reset window elapsed, exactly one probe is admitted
//
// Each endpoint owns one breaker; there is no cross-endpoint state.
package resilience

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/Leon4s4/kafka-http-source-connector/core"
)

// CircuitState represents the state of the circuit breaker
type CircuitState int

const (
	// StateClosed allows all requests through
	StateClosed CircuitState = iota
	// StateOpen blocks all requests until the reset window elapses
	StateOpen
	// StateHalfOpen allows a single probe request
	StateHalfOpen
)

// String returns the string representation of the state
func (s CircuitState) String() string {
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

// MetricsCollector receives circuit breaker events for monitoring
type MetricsCollector interface {
	RecordSuccess(name string)
	RecordFailure(name string, errorType string)
	RecordStateChange(name string, from, to string)
	RecordRejection(name string)
}

// noopMetrics is a no-op metrics implementation
type noopMetrics struct{}

func (n *noopMetrics) RecordSuccess(name string)                      {}
func (n *noopMetrics) RecordFailure(name string, errorType string)    {}
func (n *noopMetrics) RecordStateChange(name string, from, to string) {}
func (n *noopMetrics) RecordRejection(name string)                    {}

// CircuitBreaker gates fetches for one endpoint. It is driven by the
// owning runner but safe for concurrent observation (state snapshots
// from the coordinator).
type CircuitBreaker struct {
	name    string
	cfg     core.CircuitBreakerConfig
	logger  core.Logger
	metrics MetricsCollector

	state       atomic.Int32 // CircuitState
	lastFailure atomic.Value // time.Time
	probeTaken  atomic.Bool  // half-open: one probe only

	mu           sync.Mutex
	failureTimes []time.Time // failures inside the sliding window
}

// NewCircuitBreaker creates a breaker for one endpoint
func NewCircuitBreaker(name string, cfg core.CircuitBreakerConfig, logger core.Logger, metrics MetricsCollector) *CircuitBreaker {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	if cal, ok := logger.(core.ComponentAwareLogger); ok {
		logger = cal.WithComponent("framework/resilience")
	}
	if metrics == nil {
		metrics = &noopMetrics{}
	}
	if cfg.FailureWindow <= 0 {
		cfg.FailureWindow = 60 * time.Second
	}

	cb := &CircuitBreaker{
		name:    name,
		cfg:     cfg,
		logger:  logger,
		metrics: metrics,
	}
	cb.lastFailure.Store(time.Time{})
	return cb
}

// CanProceed reports whether a fetch may be attempted now. In OPEN it
// transitions to HALF_OPEN once the reset window has elapsed; in
// HALF_OPEN it admits exactly one probe.
func (cb *CircuitBreaker) CanProceed() bool {
	switch CircuitState(cb.state.Load()) {
	case StateClosed:
		return true

	case StateOpen:
		lastFailure, _ := cb.lastFailure.Load().(time.Time)
		if lastFailure.IsZero() || time.Since(lastFailure) < cb.cfg.ResetWindow {
			cb.metrics.RecordRejection(cb.name)
			return false
		}
		cb.transition(StateOpen, StateHalfOpen)
		fallthrough

	case StateHalfOpen:
		// Admit one probe per half-open period
		if cb.probeTaken.CompareAndSwap(false, true) {
			return true
		}
		cb.metrics.RecordRejection(cb.name)
		return false

	default:
		return true
	}
}

// RecordSuccess closes the circuit from HALF_OPEN and clears the
// failure window in CLOSED
func (cb *CircuitBreaker) RecordSuccess() {
	cb.metrics.RecordSuccess(cb.name)

	switch CircuitState(cb.state.Load()) {
	case StateHalfOpen:
		cb.transition(StateHalfOpen, StateClosed)
		cb.clearFailures()
	case StateClosed:
		cb.clearFailures()
	}
}

func (cb *CircuitBreaker) clearFailures() {
	cb.mu.Lock()
	cb.failureTimes = cb.failureTimes[:0]
	cb.mu.Unlock()
}

// RecordFailure counts a failure toward the threshold. An auth failure
// opens the circuit immediately regardless of the count.
func (cb *CircuitBreaker) RecordFailure(errorType string, authFailure bool) {
	cb.metrics.RecordFailure(cb.name, errorType)
	cb.lastFailure.Store(time.Now())

	state := CircuitState(cb.state.Load())

	if authFailure {
		if state != StateOpen {
			cb.transition(state, StateOpen)
			cb.logger.Warn("Circuit breaker OPENED on auth failure", map[string]interface{}{
				"operation":  "circuit_breaker_auth_open",
				"name":       cb.name,
				"error_type": errorType,
				"reset_ms":   cb.cfg.ResetWindow.Milliseconds(),
			})
		}
		return
	}

	switch state {
	case StateHalfOpen:
		// The probe failed; back to OPEN for another reset window
		cb.transition(StateHalfOpen, StateOpen)
		return
	case StateOpen:
		return
	}

	now := time.Now()
	cutoff := now.Add(-cb.cfg.FailureWindow)

	cb.mu.Lock()
	keep := cb.failureTimes[:0]
	for _, t := range cb.failureTimes {
		if t.After(cutoff) {
			keep = append(keep, t)
		}
	}
	cb.failureTimes = append(keep, now)
	failures := len(cb.failureTimes)
	cb.mu.Unlock()

	if failures >= cb.cfg.FailureThreshold {
		cb.transition(StateClosed, StateOpen)
		cb.logger.Warn("Circuit breaker OPENED", map[string]interface{}{
			"operation":     "circuit_breaker_open",
			"name":          cb.name,
			"failure_count": failures,
			"threshold":     cb.cfg.FailureThreshold,
			"window_ms":     cb.cfg.FailureWindow.Milliseconds(),
			"reset_ms":      cb.cfg.ResetWindow.Milliseconds(),
		})
	}
}

// State returns the current circuit state
func (cb *CircuitBreaker) State() CircuitState {
	return CircuitState(cb.state.Load())
}

// ResetWindow exposes the configured OPEN duration; the runner uses it
// to schedule the next attempt after a skip
func (cb *CircuitBreaker) ResetWindow() time.Duration {
	return cb.cfg.ResetWindow
}

// Reset manually returns the breaker to CLOSED and clears all counters
func (cb *CircuitBreaker) Reset() {
	from := CircuitState(cb.state.Load())
	if from != StateClosed {
		cb.transition(from, StateClosed)
	}
	cb.clearFailures()
	cb.lastFailure.Store(time.Time{})
}

func (cb *CircuitBreaker) transition(from, to CircuitState) {
	if !cb.state.CompareAndSwap(int32(from), int32(to)) {
		return
	}
	if to == StateHalfOpen {
		cb.probeTaken.Store(false)
	}
	cb.metrics.RecordStateChange(cb.name, from.String(), to.String())
	cb.logger.Info("Circuit breaker state change", map[string]interface{}{
		"operation": "circuit_breaker_transition",
		"name":      cb.name,
		"from":      from.String(),
		"to":        to.String(),
	})
}
