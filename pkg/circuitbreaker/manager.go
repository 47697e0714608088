package circuitbreaker

import (
	"context"
	"sort"
	"sync"

	"github.com/sirupsen/logrus"
)

// Manager manages multiple circuit breakers
type Manager struct {
	logger        *logrus.Entry
	breakers      map[string]*CircuitBreaker
	mutex         sync.RWMutex
	defaultConfig *Config
	disabled      bool

	// Monitoring
	onStateChange func(name string, from State, to State)
}

// NewManager creates a new circuit breaker manager. A disabled manager
// runs every function directly.
func NewManager(logger *logrus.Logger, defaultConfig *Config, enabled bool) *Manager {
	if defaultConfig == nil {
		defaultConfig = DefaultConfig()
	}
	return &Manager{
		logger:        logger.WithField("component", "circuit_breaker_manager"),
		breakers:      make(map[string]*CircuitBreaker),
		defaultConfig: defaultConfig,
		disabled:      !enabled,
	}
}

// OnStateChange registers a hook invoked, asynchronously, on every
// transition of every breaker created afterwards.
func (m *Manager) OnStateChange(fn func(name string, from State, to State)) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.onStateChange = fn
}

// GetCircuitBreaker gets or creates a circuit breaker
func (m *Manager) GetCircuitBreaker(name string, config *Config) *CircuitBreaker {
	m.mutex.RLock()
	if breaker, exists := m.breakers[name]; exists {
		m.mutex.RUnlock()
		return breaker
	}
	m.mutex.RUnlock()

	m.mutex.Lock()
	defer m.mutex.Unlock()

	// Double-check after acquiring write lock
	if breaker, exists := m.breakers[name]; exists {
		return breaker
	}
	// Use provided config or default
	if config == nil {
		config = m.defaultConfig
	}

	// Every breaker reports transitions through the manager
	breaker := NewCircuitBreaker(name, config, m.logger.Logger)
	breaker.SetStateChangeCallback(m.stateChanged)
	m.breakers[name] = breaker

	m.logger.WithFields(logrus.Fields{
		"circuit_name":      name,
		"failure_threshold": config.FailureThreshold,
		"timeout":           config.Timeout,
	}).Info("Created new circuit breaker")

	return breaker
}

// Execute runs fn through the named breaker, creating it with config on
// first use.
func (m *Manager) Execute(ctx context.Context, name string, config *Config, fn func(ctx context.Context) error) error {
	// Breakers disabled by configuration
	if m == nil || m.disabled {
		return fn(ctx)
	}
	return m.GetCircuitBreaker(name, config).Execute(ctx, fn)
}

// Snapshot returns statistics for every breaker, keyed by name.
func (m *Manager) Snapshot() map[string]Statistics {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	out := make(map[string]Statistics, len(m.breakers))
	for name, b := range m.breakers {
		out[name] = b.GetStatistics()
	}
	return out
}

// OpenBreakers lists the names of breakers currently open, sorted.
func (m *Manager) OpenBreakers() []string {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	var open []string
	for name, b := range m.breakers {
		if b.IsOpen() {
			open = append(open, name)
		}
	}
	sort.Strings(open)
	return open
}

// ResetAll closes every breaker.
func (m *Manager) ResetAll() {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	for _, b := range m.breakers {
		b.Reset()
	}
}

func (m *Manager) stateChanged(name string, from State, to State) {
	m.logger.WithFields(logrus.Fields{
		"circuit_name": name,
		"from_state":   from.String(),
		"to_state":     to.String(),
	}).Warn("Circuit breaker state changed")

	// Forward to the alerting hook, if any
	m.mutex.RLock()
	hook := m.onStateChange
	m.mutex.RUnlock()
	if hook != nil {
		hook(name, from, to)
	}
}
