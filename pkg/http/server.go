package http

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"callaudit-server/pkg/errors"
	"callaudit-server/pkg/metrics"
	"callaudit-server/pkg/version"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
)

// Server serves health, metrics and the audit query API
type Server struct {
	config     *Config
	logger     *logrus.Logger
	httpServer *http.Server
	router     *mux.Router
	startTime  time.Time

	checksMu sync.RWMutex
	checks   []healthCheck
	ready    atomic.Bool

	accessLog io.WriteCloser
}

// NewServer creates a new HTTP server instance
func NewServer(logger *logrus.Logger, config *Config) *Server {
	if config == nil {
		config = DefaultConfig()
	}
	if config.HealthCheckTimeout <= 0 {
		config.HealthCheckTimeout = DefaultConfig().HealthCheckTimeout
	}

	server := &Server{
		config:    config,
		logger:    logger,
		router:    mux.NewRouter(),
		startTime: time.Now(),
	}

	server.router.Use(server.serverHeader, server.requestMetrics)
	server.router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		errors.WriteError(w, errors.NewNotFound(fmt.Sprintf("no route for %s", r.URL.Path)))
	})
	server.router.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
	})

	server.router.HandleFunc("/health", server.HealthHandler).Methods(http.MethodGet)
	server.router.HandleFunc("/health/live", server.LivenessHandler).Methods(http.MethodGet)
	server.router.HandleFunc("/health/ready", server.ReadinessHandler).Methods(http.MethodGet)

	if config.EnableMetrics && metrics.IsEnabled() {
		server.router.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)
		logger.Info("Prometheus metrics endpoint enabled at /metrics")
	} else {
		logger.Info("Metrics endpoint disabled")
	}

	// Recovery sits inside the access log so a recovered panic is logged as a 500.
	server.accessLog = logger.WriterLevel(logrus.InfoLevel)
	handler := handlers.RecoveryHandler(
		handlers.RecoveryLogger(logger),
		handlers.PrintRecoveryStack(true),
	)(server.router)
	handler = handlers.CombinedLoggingHandler(server.accessLog, handler)

	server.httpServer = &http.Server{
		Addr:         fmt.Sprintf(":%d", config.Port),
		Handler:      handler,
		ReadTimeout:  config.ReadTimeout,
		WriteTimeout: config.WriteTimeout,
		IdleTimeout:  config.IdleTimeout,
	}

	return server
}

// Router exposes the route table so API handlers can register themselves
func (s *Server) Router() *mux.Router {
	return s.router
}

// Handler returns the fully wrapped handler, as served
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// SetReady flips the readiness probe. The server starts not ready.
func (s *Server) SetReady(ready bool) {
	s.ready.Store(ready)
}

// Start binds the port and serves in a goroutine. Bind errors are returned.
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return errors.Wrap(errors.ErrUnavailable, fmt.Sprintf("failed to bind HTTP port %d: %v", s.config.Port, err))
	}

	s.logger.WithField("port", s.config.Port).Info("HTTP server listening")
	go func() {
		if err := s.httpServer.Serve(listener); err != nil && err != http.ErrServerClosed {
			s.logger.WithError(err).Error("HTTP server failed")
		}
	}()
	return nil
}

// Shutdown gracefully shuts down the HTTP server
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("Shutting down HTTP server...")
	s.SetReady(false)
	err := s.httpServer.Shutdown(ctx)
	s.accessLog.Close()
	return err
}

func (s *Server) serverHeader(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Server", version.UserAgent())
		next.ServeHTTP(w, r)
	})
}

// requestMetrics counts requests by route template so call ids do not
// explode the label set.
func (s *Server) requestMetrics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		route := "unknown"
		if current := mux.CurrentRoute(r); current != nil {
			if tpl, err := current.GetPathTemplate(); err == nil {
				route = tpl
			}
		}
		metrics.RecordHTTPRequest(route, rec.status)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}
