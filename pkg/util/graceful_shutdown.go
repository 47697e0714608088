package util

import (
	"context"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Shutdown priorities used by the audit service. Lower numbers shut down
// first; resources sharing a priority shut down concurrently.
const (
	PriorityConsumers = 10
	PrioritySweeper   = 20
	PriorityDrain     = 30
	PriorityPublisher = 40
	PriorityHTTP      = 50
	PriorityDatabase  = 60
	PriorityRedis     = 70
)

// GracefulShutdown manages graceful shutdown of multiple resources
type GracefulShutdown struct {
	resources []ShutdownResource
	mu        sync.Mutex
	logger    *logrus.Logger
	timeout   time.Duration
}

// ShutdownResource represents a resource that needs graceful shutdown
type ShutdownResource struct {
	Name     string
	Shutdown func(context.Context) error
	Priority int // Lower numbers shut down first
}

// NewGracefulShutdown creates a new graceful shutdown manager
func NewGracefulShutdown(logger *logrus.Logger, timeout time.Duration) *GracefulShutdown {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	return &GracefulShutdown{
		resources: make([]ShutdownResource, 0),
		logger:    logger,
		timeout:   timeout,
	}
}

// Register adds a resource to be shut down
func (gs *GracefulShutdown) Register(resource ShutdownResource) {
	gs.mu.Lock()
	defer gs.mu.Unlock()

	gs.resources = append(gs.resources, resource)
	sort.SliceStable(gs.resources, func(i, j int) bool {
		return gs.resources[i].Priority < gs.resources[j].Priority
	})

	gs.logger.WithFields(logrus.Fields{
		"resource": resource.Name,
		"priority": resource.Priority,
	}).Debug("Registered resource for graceful shutdown")
}

// RegisterCloser registers an io.Closer for shutdown
func (gs *GracefulShutdown) RegisterCloser(name string, closer io.Closer, priority int) {
	gs.Register(ShutdownResource{
		Name:     name,
		Priority: priority,
		Shutdown: func(ctx context.Context) error {
			return closer.Close()
		},
	})
}

// Shutdown stops the registered resources one priority group at a time.
// A group starts only after the previous one has finished or timed out, so
// consumers stop before in-flight audits are drained and the stores they
// write to close last.
func (gs *GracefulShutdown) Shutdown(ctx context.Context) error {
	gs.mu.Lock()
	resources := make([]ShutdownResource, len(gs.resources))
	copy(resources, gs.resources)
	gs.mu.Unlock()

	gs.logger.WithField("resource_count", len(resources)).Info("Starting graceful shutdown")

	shutdownCtx, cancel := context.WithTimeout(ctx, gs.timeout)
	defer cancel()

	var shutdownErrors []error
	for start := 0; start < len(resources); {
		end := start
		for end < len(resources) && resources[end].Priority == resources[start].Priority {
			end++
		}
		shutdownErrors = append(shutdownErrors, gs.shutdownGroup(shutdownCtx, resources[start:end])...)
		start = end
	}

	if len(shutdownErrors) > 0 {
		return &MultiShutdownError{Errors: shutdownErrors}
	}

	gs.logger.Info("Graceful shutdown completed successfully")
	return nil
}

func (gs *GracefulShutdown) shutdownGroup(ctx context.Context, group []ShutdownResource) []error {
	errChan := make(chan error, len(group))

	for _, resource := range group {
		gs.logger.WithField("resource", resource.Name).Debug("Shutting down resource")

		go func(res ShutdownResource) {
			done := make(chan error, 1)

			go func() {
				defer func() {
					if r := recover(); r != nil {
						gs.logger.WithFields(logrus.Fields{
							"panic":    r,
							"resource": res.Name,
						}).Error("Panic during resource shutdown")
						done <- &ShutdownPanicError{Resource: res.Name, Panic: r}
					}
				}()
				done <- res.Shutdown(ctx)
			}()

			select {
			case err := <-done:
				if err != nil {
					if _, ok := err.(*ShutdownPanicError); !ok {
						gs.logger.WithError(err).WithField("resource", res.Name).Error("Error shutting down resource")
						err = &ShutdownError{Resource: res.Name, Err: err}
					}
					errChan <- err
					return
				}
				gs.logger.WithField("resource", res.Name).Debug("Resource shut down successfully")
				errChan <- nil
			case <-ctx.Done():
				gs.logger.WithField("resource", res.Name).Warn("Shutdown timeout for resource")
				errChan <- &ShutdownTimeoutError{Resource: res.Name}
			}
		}(resource)
	}

	var errs []error
	for range group {
		if err := <-errChan; err != nil {
			errs = append(errs, err)
		}
	}
	return errs
}

// Shutdown error types
type ShutdownError struct {
	Resource string
	Err      error
}

func (e *ShutdownError) Error() string {
	return "shutdown error for " + e.Resource + ": " + e.Err.Error()
}

func (e *ShutdownError) Unwrap() error {
	return e.Err
}

type ShutdownTimeoutError struct {
	Resource string
}

func (e *ShutdownTimeoutError) Error() string {
	return "shutdown timeout for " + e.Resource
}

type ShutdownPanicError struct {
	Resource string
	Panic    interface{}
}

func (e *ShutdownPanicError) Error() string {
	return "panic during shutdown of " + e.Resource
}

type MultiShutdownError struct {
	Errors []error
}

func (e *MultiShutdownError) Error() string {
	parts := make([]string, len(e.Errors))
	for i, err := range e.Errors {
		parts[i] = err.Error()
	}
	return "errors during shutdown: " + strings.Join(parts, "; ")
}

func (e *MultiShutdownError) Unwrap() []error {
	return e.Errors
}
