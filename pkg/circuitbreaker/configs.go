package circuitbreaker

import "time"

// Breaker names used by the audit pipeline.
const (
	NameDatabase  = "database"
	NamePublisher = "publisher"
	NameRedis     = "redis"
	NameWebhook   = "alert-webhook"
)

// DatabaseConfig is tuned for the result store: few, slow-to-recover failures.
func DatabaseConfig() *Config {
	return &Config{
		FailureThreshold:     5,
		SuccessThreshold:     2,
		Timeout:              30 * time.Second,
		MaxTimeout:           300 * time.Second,
		RequestTimeout:       15 * time.Second,
		ExponentialBackoff:   true,
		FailureRateThreshold: 0.3,
		MinRequestThreshold:  20,
		TimeWindow:           120 * time.Second,
	}
}

// PublisherConfig is tuned for the outbound broker.
func PublisherConfig() *Config {
	return &Config{
		FailureThreshold:     5,
		SuccessThreshold:     2,
		Timeout:              20 * time.Second,
		MaxTimeout:           120 * time.Second,
		RequestTimeout:       10 * time.Second,
		ExponentialBackoff:   true,
		FailureRateThreshold: 0.5,
		MinRequestThreshold:  10,
		TimeWindow:           60 * time.Second,
	}
}

// RedisConfig returns circuit breaker config optimized for Redis
func RedisConfig() *Config {
	return &Config{
		FailureThreshold:     8,
		SuccessThreshold:     3,
		Timeout:              10 * time.Second,
		MaxTimeout:           60 * time.Second,
		RequestTimeout:       5 * time.Second,
		ExponentialBackoff:   true,
		FailureRateThreshold: 0.4,
		MinRequestThreshold:  15,
		TimeWindow:           30 * time.Second,
	}
}

// WebhookConfig is used for alert delivery; a dead webhook must not slow
// down the audit path.
func WebhookConfig() *Config {
	return &Config{
		// Trip fast; a single success closes again
		FailureThreshold:   3,
		SuccessThreshold:   1,
		Timeout:            60 * time.Second,
		MaxTimeout:         600 * time.Second,
		RequestTimeout:     10 * time.Second,
		ExponentialBackoff: true,
		TimeWindow:         60 * time.Second,
	}
}

// WithOverrides applies configured thresholds on top of a preset. Zero
// values keep the preset.
func WithOverrides(base *Config, failureThreshold int64, timeout time.Duration) *Config {
	// Copy so the preset is never mutated
	c := *base
	if failureThreshold > 0 {
		c.FailureThreshold = failureThreshold
	}
	if timeout > 0 {
		c.Timeout = timeout
		// Keep the backoff ceiling above the base timeout
		if c.MaxTimeout < timeout {
			c.MaxTimeout = timeout
		}
	}
	return &c
}
