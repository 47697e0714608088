package http

import "time"

// Config holds the HTTP server configuration
type Config struct {
	// Port is the HTTP server port
	Port int `json:"port" env:"HTTP_PORT" default:"8080"`

	// EnableMetrics exposes the Prometheus registry on /metrics
	EnableMetrics bool `json:"enable_metrics" env:"METRICS_ENABLED" default:"true"`

	// ReadTimeout is the maximum duration for reading the entire request
	ReadTimeout time.Duration `json:"read_timeout" env:"HTTP_READ_TIMEOUT" default:"10s"`

	// WriteTimeout is the maximum duration before timing out writes of the response
	WriteTimeout time.Duration `json:"write_timeout" env:"HTTP_WRITE_TIMEOUT" default:"30s"`

	// IdleTimeout is the maximum amount of time to wait for the next request
	IdleTimeout time.Duration `json:"idle_timeout" env:"HTTP_IDLE_TIMEOUT" default:"60s"`

	// HealthCheckTimeout bounds each dependency check behind /health
	HealthCheckTimeout time.Duration `json:"health_check_timeout" default:"2s"`
}

// DefaultConfig returns default configuration for the HTTP server
func DefaultConfig() *Config {
	return &Config{
		Port:               8080,
		EnableMetrics:      true,
		ReadTimeout:        10 * time.Second,
		WriteTimeout:       30 * time.Second,
		IdleTimeout:        60 * time.Second,
		HealthCheckTimeout: 2 * time.Second,
	}
}
