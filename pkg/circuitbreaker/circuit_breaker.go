// Package circuitbreaker guards calls to storage, brokers and alert
// endpoints so a failing dependency is given time to recover instead of
// being hammered by every audit retry.
package circuitbreaker

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"callaudit-server/pkg/metrics"
)

// State represents the circuit breaker state
type State int

const (
	StateClosed State = iota
	StateHalfOpen
	StateOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateHalfOpen:
		return "half-open"
	case StateOpen:
		return "open"
	default:
		return "unknown"
	}
}

// Config holds circuit breaker configuration
type Config struct {
	// Consecutive failures before opening
	FailureThreshold int64 `json:"failure_threshold"`

	// Successes in half-open before closing again
	SuccessThreshold int64 `json:"success_threshold"`

	// Time spent open before a trial request is let through
	Timeout time.Duration `json:"timeout"`

	// Upper bound when Timeout grows exponentially
	MaxTimeout time.Duration `json:"max_timeout"`

	// Applied when the caller's context has no deadline
	RequestTimeout time.Duration `json:"request_timeout"`

	// Double Timeout for every failure past FailureThreshold
	ExponentialBackoff bool `json:"exponential_backoff"`

	// Failure rate (0.0-1.0) over TimeWindow that also opens the circuit
	FailureRateThreshold float64       `json:"failure_rate_threshold"`
	MinRequestThreshold  int64         `json:"min_request_threshold"`
	TimeWindow           time.Duration `json:"time_window"`
}

// DefaultConfig returns default circuit breaker configuration
func DefaultConfig() *Config {
	return &Config{
		FailureThreshold:     5,
		SuccessThreshold:     2,
		Timeout:              30 * time.Second,
		MaxTimeout:           300 * time.Second,
		RequestTimeout:       30 * time.Second,
		ExponentialBackoff:   true,
		FailureRateThreshold: 0.5,
		MinRequestThreshold:  10,
		TimeWindow:           60 * time.Second,
	}
}

// Statistics is a point-in-time copy of a breaker's counters.
type Statistics struct {
	State                string    `json:"state"`
	TotalRequests        int64     `json:"total_requests"`
	SuccessfulRequests   int64     `json:"successful_requests"`
	FailedRequests       int64     `json:"failed_requests"`
	RejectedRequests     int64     `json:"rejected_requests"`
	ConsecutiveFailures  int64     `json:"consecutive_failures"`
	ConsecutiveSuccesses int64     `json:"consecutive_successes"`
	LastFailureTime      time.Time `json:"last_failure_time,omitempty"`
	LastSuccessTime      time.Time `json:"last_success_time,omitempty"`
	StateTransitions     int64     `json:"state_transitions"`
}

type requestRecord struct {
	at      time.Time
	success bool
}

// CircuitBreaker implements the circuit breaker pattern
type CircuitBreaker struct {
	name   string
	logger *logrus.Entry
	config *Config

	mutex       sync.Mutex
	state       State
	nextAttempt time.Time // zero unless open
	stats       Statistics
	// Requests inside TimeWindow, oldest first
	window []requestRecord

	// Callbacks
	onStateChange func(name string, from State, to State)
	now           func() time.Time
}

// NewCircuitBreaker creates a new circuit breaker
func NewCircuitBreaker(name string, config *Config, logger *logrus.Logger) *CircuitBreaker {
	if config == nil {
		config = DefaultConfig()
	}
	metrics.SetCircuitBreakerState(name, int(StateClosed))

	return &CircuitBreaker{
		name:   name,
		logger: logger.WithField("circuit_breaker", name),
		config: config,
		state:  StateClosed,
		now:    time.Now,
	}
}

// Execute runs fn unless the circuit is open. A rejected call returns an
// *OpenError without invoking fn.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	// Check if circuit allows execution
	if !cb.allowRequest() {
		return NewOpenError(cb.name)
	}

	// Create timeout context if not already set
	if _, hasDeadline := ctx.Deadline(); !hasDeadline && cb.config.RequestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cb.config.RequestTimeout)
		defer cancel()
	}

	// Execute the function and record the result
	if err := fn(ctx); err != nil {
		cb.recordFailure(err)
		return err
	}
	cb.recordSuccess()
	return nil
}

func (cb *CircuitBreaker) allowRequest() bool {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()

	switch cb.state {
	case StateClosed, StateHalfOpen:
		return true
	case StateOpen:
		// Let one trial request through once the open timeout has passed
		if cb.now().After(cb.nextAttempt) {
			cb.setState(StateHalfOpen)
			return true
		}
		cb.stats.RejectedRequests++
		return false
	default:
		return false
	}
}

func (cb *CircuitBreaker) recordSuccess() {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()

	now := cb.now()
	cb.stats.TotalRequests++
	cb.stats.SuccessfulRequests++
	cb.stats.ConsecutiveFailures = 0
	cb.stats.ConsecutiveSuccesses++
	cb.stats.LastSuccessTime = now
	cb.addWindowRecord(now, true)

	// Enough trial requests succeeded
	if cb.state == StateHalfOpen && cb.stats.ConsecutiveSuccesses >= cb.config.SuccessThreshold {
		cb.setState(StateClosed)
	}
}

func (cb *CircuitBreaker) recordFailure(err error) {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()

	now := cb.now()
	cb.stats.TotalRequests++
	cb.stats.FailedRequests++
	cb.stats.ConsecutiveFailures++
	cb.stats.ConsecutiveSuccesses = 0
	cb.stats.LastFailureTime = now
	cb.addWindowRecord(now, false)

	// A failed trial request reopens immediately.
	if cb.state == StateHalfOpen || cb.shouldTrip() {
		cb.setState(StateOpen)
	}

	cb.logger.WithError(err).WithFields(logrus.Fields{
		"failures": cb.stats.ConsecutiveFailures,
		"state":    cb.state.String(),
	}).Debug("Circuit breaker recorded failure")
}

func (cb *CircuitBreaker) shouldTrip() bool {
	// Check consecutive failures threshold
	if cb.stats.ConsecutiveFailures >= cb.config.FailureThreshold {
		return true
	}
	// Check failure rate threshold
	if int64(len(cb.window)) < cb.config.MinRequestThreshold || cb.config.FailureRateThreshold <= 0 {
		return false
	}
	failed := 0
	for _, r := range cb.window {
		if !r.success {
			failed++
		}
	}
	return float64(failed)/float64(len(cb.window)) >= cb.config.FailureRateThreshold
}

func (cb *CircuitBreaker) addWindowRecord(at time.Time, success bool) {
	cb.window = append(cb.window, requestRecord{at: at, success: success})

	// Drop records that fell out of the time window
	windowStart := at.Add(-cb.config.TimeWindow)
	keep := cb.window[:0]
	for _, r := range cb.window {
		if r.at.After(windowStart) {
			keep = append(keep, r)
		}
	}
	cb.window = keep
}

// setState must be called with the mutex held.
func (cb *CircuitBreaker) setState(newState State) {
	if cb.state == newState {
		return
	}
	oldState := cb.state
	cb.state = newState

	switch newState {
	case StateOpen:
		timeout := cb.config.Timeout
		// Exponential backoff based on consecutive failures, capped at 2^10
		if cb.config.ExponentialBackoff && cb.stats.ConsecutiveFailures > cb.config.FailureThreshold {
			shift := cb.stats.ConsecutiveFailures - cb.config.FailureThreshold
			if shift > 10 {
				shift = 10
			}
			timeout = cb.config.Timeout << uint(shift)
		}
		if cb.config.MaxTimeout > 0 && timeout > cb.config.MaxTimeout {
			timeout = cb.config.MaxTimeout
		}
		cb.nextAttempt = cb.now().Add(timeout)

	case StateClosed:
		cb.nextAttempt = time.Time{}
		cb.window = nil

	case StateHalfOpen:
		// Reset success counter for half-open state
		cb.stats.ConsecutiveSuccesses = 0
	}

	cb.stats.StateTransitions++
	metrics.SetCircuitBreakerState(cb.name, int(newState))

	cb.logger.WithFields(logrus.Fields{
		"from_state": oldState.String(),
		"to_state":   newState.String(),
		"failures":   cb.stats.ConsecutiveFailures,
	}).Info("Circuit breaker state changed")

	// Call state change callback outside the lock
	if cb.onStateChange != nil {
		go cb.onStateChange(cb.name, oldState, newState)
	}
}

// GetState returns the current circuit breaker state
func (cb *CircuitBreaker) GetState() State {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()
	return cb.state
}

// GetStatistics returns a copy of the breaker's counters.
func (cb *CircuitBreaker) GetStatistics() Statistics {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()

	// Copy so callers never see later updates
	stats := cb.stats
	stats.State = cb.state.String()
	return stats
}

// Reset closes the circuit and clears its counters.
func (cb *CircuitBreaker) Reset() {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()

	cb.setState(StateClosed)
	cb.stats = Statistics{}
	cb.window = nil
	cb.logger.Info("Circuit breaker reset")
}

// SetStateChangeCallback sets a callback for state changes
func (cb *CircuitBreaker) SetStateChangeCallback(callback func(name string, from State, to State)) {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()
	cb.onStateChange = callback
}

// GetName returns the circuit breaker name
func (cb *CircuitBreaker) GetName() string {
	return cb.name
}

// IsOpen returns true if the circuit is open
func (cb *CircuitBreaker) IsOpen() bool {
	return cb.GetState() == StateOpen
}
