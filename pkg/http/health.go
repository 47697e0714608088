package http

import (
	"context"
	"net/http"
	"runtime"
	"sync"
	"time"

	"callaudit-server/pkg/version"

	"github.com/sirupsen/logrus"
)

// Health states
const (
	StatusHealthy   = "healthy"
	StatusDegraded  = "degraded"
	StatusUnhealthy = "unhealthy"
)

// HealthStatus represents the health status of the service
type HealthStatus struct {
	Status    string                 `json:"status"`
	Timestamp string                 `json:"timestamp"`
	Uptime    string                 `json:"uptime"`
	Version   string                 `json:"version"`
	Ready     bool                   `json:"ready"`
	Checks    map[string]CheckResult `json:"checks"`
	System    SystemInfo             `json:"system"`
}

// CheckResult represents an individual health check result
type CheckResult struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

// SystemInfo contains system resource information
type SystemInfo struct {
	GoRoutines int    `json:"goroutines"`
	MemoryMB   uint64 `json:"memory_mb"`
	CPUCount   int    `json:"cpu_count"`
}

// HealthCheckFunc probes one dependency. A nil error means healthy.
type HealthCheckFunc func(ctx context.Context) error

type healthCheck struct {
	name     string
	critical bool
	check    HealthCheckFunc
}

// AddHealthCheck registers a dependency probe. A failing critical check
// makes the service unhealthy and not ready; any other failure only
// degrades it.
func (s *Server) AddHealthCheck(name string, critical bool, check HealthCheckFunc) {
	s.checksMu.Lock()
	defer s.checksMu.Unlock()
	s.checks = append(s.checks, healthCheck{name: name, critical: critical, check: check})
}

// runChecks probes every dependency concurrently and folds the results
// into an overall status.
func (s *Server) runChecks(ctx context.Context) (string, map[string]CheckResult) {
	s.checksMu.RLock()
	checks := append([]healthCheck(nil), s.checks...)
	s.checksMu.RUnlock()

	results := make(map[string]CheckResult, len(checks))
	overall := StatusHealthy

	var mu sync.Mutex
	var wg sync.WaitGroup
	for _, hc := range checks {
		wg.Add(1)
		go func(hc healthCheck) {
			defer wg.Done()
			checkCtx, cancel := context.WithTimeout(ctx, s.config.HealthCheckTimeout)
			defer cancel()

			result := CheckResult{Status: StatusHealthy}
			if err := hc.check(checkCtx); err != nil {
				result = CheckResult{Status: StatusDegraded, Message: err.Error()}
				if hc.critical {
					result.Status = StatusUnhealthy
				}
			}

			mu.Lock()
			defer mu.Unlock()
			results[hc.name] = result
			switch {
			case result.Status == StatusUnhealthy:
				overall = StatusUnhealthy
			case result.Status == StatusDegraded && overall == StatusHealthy:
				overall = StatusDegraded
			}
		}(hc)
	}
	wg.Wait()

	return overall, results
}

// HealthHandler reports every dependency check plus process information
func (s *Server) HealthHandler(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()
	status, checks := s.runChecks(r.Context())

	health := HealthStatus{
		Status:    status,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Uptime:    time.Since(s.startTime).Round(time.Second).String(),
		Version:   version.Version,
		Ready:     s.ready.Load(),
		Checks:    checks,
	}

	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	health.System.GoRoutines = runtime.NumGoroutine()
	health.System.MemoryMB = m.Alloc / 1024 / 1024
	health.System.CPUCount = runtime.NumCPU()

	if status != StatusHealthy {
		s.logger.WithFields(logrus.Fields{
			"status":   status,
			"checks":   checks,
			"duration": time.Since(startTime),
		}).Warn("Health check reported problems")
	}

	statusCode := http.StatusOK
	if status == StatusUnhealthy {
		statusCode = http.StatusServiceUnavailable
	}
	writeJSON(w, statusCode, health)
}

// LivenessHandler handles kubernetes liveness probe
func (s *Server) LivenessHandler(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

// ReadinessHandler handles kubernetes readiness probe. The service is
// ready once consumers run and every critical dependency answers.
func (s *Server) ReadinessHandler(w http.ResponseWriter, r *http.Request) {
	ready := s.ready.Load()
	if ready {
		if status, _ := s.runChecks(r.Context()); status == StatusUnhealthy {
			ready = false
		}
	}

	if ready {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ready"))
	} else {
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte("not ready"))
	}
}
