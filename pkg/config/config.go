package config

import (
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"callaudit-server/pkg/errors"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
)

// Config represents the complete application configuration
type Config struct {
	Logging        LoggingConfig
	HTTP           HTTPConfig
	Messaging      MessagingConfig
	Correlation    CorrelationConfig
	Redis          RedisConfig
	Database       DatabaseConfig
	Scoring        ScoringConfig
	Audit          AuditConfig
	CircuitBreaker CircuitBreakerConfig
	Alerting       AlertingConfig
	Metrics        MetricsConfig
}

// LoggingConfig holds logging settings
type LoggingConfig struct {
	// Log level (debug, info, warn, error)
	Level string `json:"level" env:"LOG_LEVEL" default:"info"`

	// Log format (json, text)
	Format string `json:"format" env:"LOG_FORMAT" default:"json"`

	// Log output file (empty for stdout)
	OutputFile string `json:"output_file" env:"LOG_OUTPUT_FILE"`
}

// HTTPConfig holds settings for the query and rule API
type HTTPConfig struct {
	Port         int           `json:"port" env:"HTTP_PORT" default:"8080"`
	Enabled      bool          `json:"enabled" env:"HTTP_ENABLED" default:"true"`
	ReadTimeout  time.Duration `json:"read_timeout" env:"HTTP_READ_TIMEOUT" default:"10s"`
	WriteTimeout time.Duration `json:"write_timeout" env:"HTTP_WRITE_TIMEOUT" default:"30s"`
}

// Supported fact transports
const (
	TransportKafka = "kafka"
	TransportAMQP  = "amqp"
)

// MessagingConfig selects the fact transport and names its streams.
type MessagingConfig struct {
	Transport string `json:"transport" env:"MESSAGING_TRANSPORT" default:"kafka"`

	TranscribedTopic string `json:"transcribed_topic" env:"TOPIC_CALL_TRANSCRIBED" default:"calls.transcribed"`
	SentimentTopic   string `json:"sentiment_topic" env:"TOPIC_SENTIMENT_ANALYZED" default:"calls.sentiment-analyzed"`
	VoCTopic         string `json:"voc_topic" env:"TOPIC_VOC_ANALYZED" default:"calls.voc-analyzed"`
	AuditedTopic     string `json:"audited_topic" env:"TOPIC_CALL_AUDITED" default:"calls.audited"`

	ConsumerGroup string `json:"consumer_group" env:"MESSAGING_CONSUMER_GROUP" default:"audit-service"`

	// Delay before a message whose handling failed is delivered again
	RetryDelay time.Duration `json:"retry_delay" env:"MESSAGING_RETRY_DELAY" default:"1s"`

	KafkaBrokers          []string `json:"kafka_brokers" env:"KAFKA_BROKERS" default:"localhost:9092"`
	KafkaDeadLetterSuffix string   `json:"kafka_dead_letter_suffix" env:"KAFKA_DEAD_LETTER_SUFFIX" default:".dlq"`

	AMQPURL             string `json:"-" env:"AMQP_URL"`
	AMQPExchange        string `json:"amqp_exchange" env:"AMQP_EXCHANGE" default:"calls"`
	AMQPQueuePrefix     string `json:"amqp_queue_prefix" env:"AMQP_QUEUE_PREFIX" default:"audit-service."`
	AMQPDeadLetterQueue string `json:"amqp_dead_letter_queue" env:"AMQP_DEAD_LETTER_QUEUE" default:"audit-service.dead_letter"`
	AMQPPrefetch        int    `json:"amqp_prefetch" env:"AMQP_PREFETCH" default:"10"`
}

// Supported correlation table backends
const (
	BackendMemory = "memory"
	BackendRedis  = "redis"
)

// CorrelationConfig holds the join table settings
type CorrelationConfig struct {
	Backend       string        `json:"backend" env:"CORRELATION_BACKEND" default:"memory"`
	Timeout       time.Duration `json:"timeout" env:"CORRELATION_TIMEOUT" default:"1h"`
	SweepInterval time.Duration `json:"sweep_interval" env:"CORRELATION_SWEEP_INTERVAL" default:"1m"`
	Retention     time.Duration `json:"retention" env:"CORRELATION_RETENTION" default:"24h"`
	ClaimGrace    time.Duration `json:"claim_grace" env:"CORRELATION_CLAIM_GRACE" default:"1m"`
	Shards        int           `json:"shards" env:"CORRELATION_SHARDS" default:"32"`
}

// RedisConfig holds the connection used by the redis correlation backend
type RedisConfig struct {
	Address   string `json:"address" env:"REDIS_ADDRESS" default:"localhost:6379"`
	Password  string `json:"-" env:"REDIS_PASSWORD"`
	Database  int    `json:"database" env:"REDIS_DATABASE" default:"0"`
	PoolSize  int    `json:"pool_size" env:"REDIS_POOL_SIZE" default:"10"`
	KeyPrefix string `json:"key_prefix" env:"REDIS_KEY_PREFIX" default:"callaudit:corr:"`
}

// DatabaseConfig holds the result store settings
type DatabaseConfig struct {
	Driver          string        `json:"driver" env:"DB_DRIVER" default:"sqlite"`
	DSN             string        `json:"-" env:"DB_DSN" default:"audit.db"`
	MaxOpenConns    int           `json:"max_open_conns" env:"DB_MAX_OPEN_CONNS" default:"25"`
	MaxIdleConns    int           `json:"max_idle_conns" env:"DB_MAX_IDLE_CONNS" default:"5"`
	ConnMaxLifetime time.Duration `json:"conn_max_lifetime" env:"DB_CONN_MAX_LIFETIME" default:"5m"`
}

// ScoringConfig holds the scoring weights and verdict bands
type ScoringConfig struct {
	WeightScript     float64 `json:"weight_script" env:"SCORING_WEIGHT_SCRIPT" default:"0.30"`
	WeightService    float64 `json:"weight_service" env:"SCORING_WEIGHT_SERVICE" default:"0.40"`
	WeightResolution float64 `json:"weight_resolution" env:"SCORING_WEIGHT_RESOLUTION" default:"0.30"`

	PassThreshold int `json:"pass_threshold" env:"AUDIT_PASS_THRESHOLD" default:"70"`
	FailThreshold int `json:"fail_threshold" env:"AUDIT_FAIL_THRESHOLD" default:"50"`

	// Churn risk at or above which a call counts as unresolved
	ChurnThreshold float64 `json:"churn_threshold" env:"SCORING_CHURN_THRESHOLD" default:"0.7"`
}

// AuditConfig holds the orchestrator and rule source settings
type AuditConfig struct {
	RetryAttempts   int           `json:"retry_attempts" env:"AUDIT_RETRY_ATTEMPTS" default:"3"`
	RetryBackoff    time.Duration `json:"retry_backoff" env:"AUDIT_RETRY_BACKOFF" default:"200ms"`
	RetryMaxBackoff time.Duration `json:"retry_max_backoff" env:"AUDIT_RETRY_MAX_BACKOFF" default:"5s"`
	Timeout         time.Duration `json:"timeout" env:"AUDIT_TIMEOUT" default:"2m"`

	// JSON array of rule definitions upserted at start
	RulesFile  string `json:"rules_file" env:"RULES_FILE"`
	RulesWatch bool   `json:"rules_watch" env:"RULES_WATCH" default:"false"`
}

// CircuitBreakerConfig holds the breakers around persistence and publishing
type CircuitBreakerConfig struct {
	Enabled          bool          `json:"enabled" env:"CIRCUIT_BREAKER_ENABLED" default:"true"`
	FailureThreshold int64         `json:"failure_threshold" env:"CIRCUIT_BREAKER_FAILURE_THRESHOLD" default:"5"`
	Timeout          time.Duration `json:"timeout" env:"CIRCUIT_BREAKER_TIMEOUT" default:"30s"`
}

// AlertingConfig holds the alert channels
type AlertingConfig struct {
	Enabled         bool          `json:"enabled" env:"ALERTING_ENABLED" default:"true"`
	WebhookURL      string        `json:"webhook_url" env:"ALERT_WEBHOOK_URL"`
	SlackWebhookURL string        `json:"-" env:"ALERT_SLACK_WEBHOOK_URL"`
	SlackChannel    string        `json:"slack_channel" env:"ALERT_SLACK_CHANNEL"`
	Cooldown        time.Duration `json:"cooldown" env:"ALERT_COOLDOWN" default:"5m"`
}

// MetricsConfig toggles the Prometheus registry
type MetricsConfig struct {
	Enabled bool `json:"enabled" env:"METRICS_ENABLED" default:"true"`
}

// Load loads the configuration from environment variables or .env file
func Load(logger *logrus.Logger) (*Config, error) {
	// Get current working directory
	wd, err := os.Getwd()
	if err != nil {
		logger.WithError(err).Warn("Failed to get current working directory")
		wd = "unknown"
	}

	// Define possible locations for .env file
	possibleEnvFiles := []string{
		".env",                    // Current directory
		"../.env",                 // Parent directory
		filepath.Join(wd, ".env"), // Absolute path
	}

	var loadedFrom string
	var loadErr error

	for _, envFile := range possibleEnvFiles {
		if _, statErr := os.Stat(envFile); statErr == nil {
			absPath, _ := filepath.Abs(envFile)
			logger.WithField("path", absPath).Debug("Attempting to load .env file")

			if loadErr = godotenv.Load(envFile); loadErr == nil {
				loadedFrom = absPath
				break
			}
		}
	}

	if loadedFrom != "" {
		logger.WithFields(logrus.Fields{
			"working_dir": wd,
			"path":        loadedFrom,
		}).Info("Successfully loaded .env file")
	} else {
		logger.WithField("working_dir", wd).Warn("No .env file found, using environment variables only")
	}

	config := &Config{}

	if err := loadLoggingConfig(logger, &config.Logging); err != nil {
		return nil, errors.Wrap(err, "failed to load logging configuration")
	}

	if err := loadHTTPConfig(logger, &config.HTTP); err != nil {
		return nil, errors.Wrap(err, "failed to load HTTP configuration")
	}

	if err := loadMessagingConfig(logger, &config.Messaging); err != nil {
		return nil, errors.Wrap(err, "failed to load messaging configuration")
	}

	if err := loadCorrelationConfig(logger, &config.Correlation); err != nil {
		return nil, errors.Wrap(err, "failed to load correlation configuration")
	}

	if err := loadRedisConfig(logger, &config.Redis); err != nil {
		return nil, errors.Wrap(err, "failed to load Redis configuration")
	}

	if err := loadDatabaseConfig(logger, &config.Database); err != nil {
		return nil, errors.Wrap(err, "failed to load database configuration")
	}

	if err := loadScoringConfig(logger, &config.Scoring); err != nil {
		return nil, errors.Wrap(err, "failed to load scoring configuration")
	}

	if err := loadAuditConfig(logger, &config.Audit); err != nil {
		return nil, errors.Wrap(err, "failed to load audit configuration")
	}

	if err := loadCircuitBreakerConfig(logger, &config.CircuitBreaker); err != nil {
		return nil, errors.Wrap(err, "failed to load circuit breaker configuration")
	}

	if err := loadAlertingConfig(logger, &config.Alerting); err != nil {
		return nil, errors.Wrap(err, "failed to load alerting configuration")
	}

	config.Metrics.Enabled = getEnvBool("METRICS_ENABLED", true)

	if err := validateConfig(logger, config); err != nil {
		return nil, errors.Wrap(err, "invalid configuration")
	}

	return config, nil
}

// loadLoggingConfig loads the logging configuration section
func loadLoggingConfig(logger *logrus.Logger, config *LoggingConfig) error {
	config.Level = getEnv("LOG_LEVEL", "info")

	_, err := logrus.ParseLevel(config.Level)
	if err != nil {
		logger.Warnf("Invalid LOG_LEVEL '%s', defaulting to 'info'", config.Level)
		config.Level = "info"
	}

	config.Format = getEnv("LOG_FORMAT", "json")
	if config.Format != "json" && config.Format != "text" {
		logger.Warn("Invalid LOG_FORMAT, must be 'json' or 'text', defaulting to 'json'")
		config.Format = "json"
	}

	config.OutputFile = getEnv("LOG_OUTPUT_FILE", "")

	return nil
}

// loadHTTPConfig loads the HTTP configuration section
func loadHTTPConfig(logger *logrus.Logger, config *HTTPConfig) error {
	httpPortStr := getEnv("HTTP_PORT", "8080")
	httpPort, err := strconv.Atoi(httpPortStr)
	if err != nil || httpPort < 1 || httpPort > 65535 {
		logger.Warn("Invalid HTTP_PORT value, using default: 8080")
		config.Port = 8080
	} else {
		config.Port = httpPort
	}

	config.Enabled = getEnvBool("HTTP_ENABLED", true)

	readTimeoutStr := getEnv("HTTP_READ_TIMEOUT", "10s")
	readTimeout, err := time.ParseDuration(readTimeoutStr)
	if err != nil {
		logger.Warn("Invalid HTTP_READ_TIMEOUT value, using default: 10s")
		config.ReadTimeout = 10 * time.Second
	} else {
		config.ReadTimeout = readTimeout
	}

	writeTimeoutStr := getEnv("HTTP_WRITE_TIMEOUT", "30s")
	writeTimeout, err := time.ParseDuration(writeTimeoutStr)
	if err != nil {
		logger.Warn("Invalid HTTP_WRITE_TIMEOUT value, using default: 30s")
		config.WriteTimeout = 30 * time.Second
	} else {
		config.WriteTimeout = writeTimeout
	}

	return nil
}

// loadMessagingConfig loads the messaging configuration section
func loadMessagingConfig(logger *logrus.Logger, config *MessagingConfig) error {
	config.Transport = strings.ToLower(getEnv("MESSAGING_TRANSPORT", TransportKafka))
	if config.Transport != TransportKafka && config.Transport != TransportAMQP {
		return errors.New(fmt.Sprintf("invalid MESSAGING_TRANSPORT '%s': must be 'kafka' or 'amqp'", config.Transport))
	}

	config.TranscribedTopic = getEnv("TOPIC_CALL_TRANSCRIBED", "calls.transcribed")
	config.SentimentTopic = getEnv("TOPIC_SENTIMENT_ANALYZED", "calls.sentiment-analyzed")
	config.VoCTopic = getEnv("TOPIC_VOC_ANALYZED", "calls.voc-analyzed")
	config.AuditedTopic = getEnv("TOPIC_CALL_AUDITED", "calls.audited")
	config.ConsumerGroup = getEnv("MESSAGING_CONSUMER_GROUP", "audit-service")
	config.RetryDelay = getEnvDuration("MESSAGING_RETRY_DELAY", time.Second)

	config.KafkaBrokers = getEnvList("KAFKA_BROKERS", []string{"localhost:9092"})
	config.KafkaDeadLetterSuffix = getEnv("KAFKA_DEAD_LETTER_SUFFIX", ".dlq")

	config.AMQPURL = getEnv("AMQP_URL", "")
	config.AMQPExchange = getEnv("AMQP_EXCHANGE", "calls")
	config.AMQPQueuePrefix = getEnv("AMQP_QUEUE_PREFIX", "audit-service.")
	config.AMQPDeadLetterQueue = getEnv("AMQP_DEAD_LETTER_QUEUE", "audit-service.dead_letter")

	config.AMQPPrefetch = getEnvInt("AMQP_PREFETCH", 10)
	if config.AMQPPrefetch < 1 {
		logger.Warn("Invalid AMQP_PREFETCH value, using default: 10")
		config.AMQPPrefetch = 10
	}

	return nil
}

// loadCorrelationConfig loads the correlation table section
func loadCorrelationConfig(logger *logrus.Logger, config *CorrelationConfig) error {
	config.Backend = strings.ToLower(getEnv("CORRELATION_BACKEND", BackendMemory))
	if config.Backend != BackendMemory && config.Backend != BackendRedis {
		return errors.New(fmt.Sprintf("invalid CORRELATION_BACKEND '%s': must be 'memory' or 'redis'", config.Backend))
	}

	config.Timeout = getEnvDuration("CORRELATION_TIMEOUT", time.Hour)
	config.SweepInterval = getEnvDuration("CORRELATION_SWEEP_INTERVAL", time.Minute)
	config.Retention = getEnvDuration("CORRELATION_RETENTION", 24*time.Hour)
	config.ClaimGrace = getEnvDuration("CORRELATION_CLAIM_GRACE", time.Minute)

	config.Shards = getEnvInt("CORRELATION_SHARDS", 32)
	if config.Shards < 1 {
		logger.Warn("Invalid CORRELATION_SHARDS value, using default: 32")
		config.Shards = 32
	}

	return nil
}

// loadRedisConfig loads the Redis connection section
func loadRedisConfig(logger *logrus.Logger, config *RedisConfig) error {
	config.Address = getEnv("REDIS_ADDRESS", "localhost:6379")
	config.Password = getEnv("REDIS_PASSWORD", "")
	config.Database = getEnvInt("REDIS_DATABASE", 0)
	config.KeyPrefix = getEnv("REDIS_KEY_PREFIX", "callaudit:corr:")

	config.PoolSize = getEnvInt("REDIS_POOL_SIZE", 10)
	if config.PoolSize < 1 {
		logger.Warn("Invalid REDIS_POOL_SIZE value, using default: 10")
		config.PoolSize = 10
	}

	return nil
}

// loadDatabaseConfig loads the result store section
func loadDatabaseConfig(logger *logrus.Logger, config *DatabaseConfig) error {
	config.Driver = strings.ToLower(getEnv("DB_DRIVER", "sqlite"))
	if config.Driver != "sqlite" && config.Driver != "mysql" {
		return errors.New(fmt.Sprintf("invalid DB_DRIVER '%s': must be 'sqlite' or 'mysql'", config.Driver))
	}

	config.DSN = getEnv("DB_DSN", "audit.db")
	config.MaxOpenConns = getEnvInt("DB_MAX_OPEN_CONNS", 25)
	config.MaxIdleConns = getEnvInt("DB_MAX_IDLE_CONNS", 5)
	config.ConnMaxLifetime = getEnvDuration("DB_CONN_MAX_LIFETIME", 5*time.Minute)

	if config.MaxIdleConns > config.MaxOpenConns {
		logger.Warn("DB_MAX_IDLE_CONNS exceeds DB_MAX_OPEN_CONNS, capping idle connections")
		config.MaxIdleConns = config.MaxOpenConns
	}

	return nil
}

// loadScoringConfig loads the weights and verdict thresholds
func loadScoringConfig(logger *logrus.Logger, config *ScoringConfig) error {
	config.WeightScript = getEnvFloat("SCORING_WEIGHT_SCRIPT", 0.30)
	config.WeightService = getEnvFloat("SCORING_WEIGHT_SERVICE", 0.40)
	config.WeightResolution = getEnvFloat("SCORING_WEIGHT_RESOLUTION", 0.30)

	config.PassThreshold = getEnvInt("AUDIT_PASS_THRESHOLD", 70)
	config.FailThreshold = getEnvInt("AUDIT_FAIL_THRESHOLD", 50)

	config.ChurnThreshold = getEnvFloat("SCORING_CHURN_THRESHOLD", 0.7)
	if config.ChurnThreshold < 0 || config.ChurnThreshold > 1 {
		logger.Warn("Invalid SCORING_CHURN_THRESHOLD value, using default: 0.7")
		config.ChurnThreshold = 0.7
	}

	return nil
}

// loadAuditConfig loads the orchestrator section
func loadAuditConfig(logger *logrus.Logger, config *AuditConfig) error {
	config.RetryAttempts = getEnvInt("AUDIT_RETRY_ATTEMPTS", 3)
	if config.RetryAttempts < 1 {
		logger.Warn("Invalid AUDIT_RETRY_ATTEMPTS value, using default: 3")
		config.RetryAttempts = 3
	}

	config.RetryBackoff = getEnvDuration("AUDIT_RETRY_BACKOFF", 200*time.Millisecond)
	config.RetryMaxBackoff = getEnvDuration("AUDIT_RETRY_MAX_BACKOFF", 5*time.Second)
	if config.RetryMaxBackoff < config.RetryBackoff {
		logger.Warn("AUDIT_RETRY_MAX_BACKOFF is below AUDIT_RETRY_BACKOFF, raising it")
		config.RetryMaxBackoff = config.RetryBackoff
	}

	config.Timeout = getEnvDuration("AUDIT_TIMEOUT", 2*time.Minute)

	config.RulesFile = getEnv("RULES_FILE", "")
	config.RulesWatch = getEnvBool("RULES_WATCH", false)
	if config.RulesWatch && config.RulesFile == "" {
		logger.Warn("RULES_WATCH is enabled but RULES_FILE is empty, nothing to watch")
		config.RulesWatch = false
	}

	return nil
}

// loadCircuitBreakerConfig loads the breaker settings
func loadCircuitBreakerConfig(logger *logrus.Logger, config *CircuitBreakerConfig) error {
	config.Enabled = getEnvBool("CIRCUIT_BREAKER_ENABLED", true)
	config.FailureThreshold = int64(getEnvInt("CIRCUIT_BREAKER_FAILURE_THRESHOLD", 5))

	timeoutStr := getEnv("CIRCUIT_BREAKER_TIMEOUT", "30s")
	timeout, err := time.ParseDuration(timeoutStr)
	if err != nil {
		logger.Warn("Invalid CIRCUIT_BREAKER_TIMEOUT value, using default: 30s")
		config.Timeout = 30 * time.Second
	} else {
		config.Timeout = timeout
	}

	return nil
}

// loadAlertingConfig loads the alert channel settings
func loadAlertingConfig(logger *logrus.Logger, config *AlertingConfig) error {
	config.Enabled = getEnvBool("ALERTING_ENABLED", true)
	config.WebhookURL = getEnv("ALERT_WEBHOOK_URL", "")
	config.SlackWebhookURL = getEnv("ALERT_SLACK_WEBHOOK_URL", "")
	config.SlackChannel = getEnv("ALERT_SLACK_CHANNEL", "")

	cooldownStr := getEnv("ALERT_COOLDOWN", "5m")
	var err error
	config.Cooldown, err = time.ParseDuration(cooldownStr)
	if err != nil {
		logger.Warnf("Invalid ALERT_COOLDOWN '%s', defaulting to 5m", cooldownStr)
		config.Cooldown = 5 * time.Minute
	}

	if config.Enabled && config.WebhookURL == "" && config.SlackWebhookURL == "" {
		logger.Debug("Alerting enabled without webhook or Slack channel, alerts will only be logged")
	}

	return nil
}

// validateConfig validates the complete configuration
func validateConfig(logger *logrus.Logger, config *Config) error {
	s := config.Scoring
	if s.WeightScript < 0 || s.WeightService < 0 || s.WeightResolution < 0 {
		return errors.NewInvalidInput("scoring weights must not be negative")
	}
	sum := s.WeightScript + s.WeightService + s.WeightResolution
	if math.Abs(sum-1) > 0.001 {
		return errors.NewInvalidInput(fmt.Sprintf("scoring weights must sum to 1, got %.3f", sum))
	}

	if s.FailThreshold < 0 || s.PassThreshold > 100 || s.FailThreshold > s.PassThreshold {
		return errors.NewInvalidInput(fmt.Sprintf("invalid thresholds: need 0 <= AUDIT_FAIL_THRESHOLD (%d) <= AUDIT_PASS_THRESHOLD (%d) <= 100",
			s.FailThreshold, s.PassThreshold))
	}

	if config.Correlation.Timeout <= 0 {
		return errors.NewInvalidInput("invalid CORRELATION_TIMEOUT: must be a positive duration")
	}
	if config.Correlation.SweepInterval <= 0 {
		return errors.NewInvalidInput("invalid CORRELATION_SWEEP_INTERVAL: must be a positive duration")
	}
	if config.Correlation.SweepInterval >= config.Correlation.Timeout {
		logger.Warn("CORRELATION_SWEEP_INTERVAL should be smaller than CORRELATION_TIMEOUT for timely expiry")
	}
	if config.Correlation.Retention < config.Correlation.Timeout {
		logger.Warn("CORRELATION_RETENTION is shorter than CORRELATION_TIMEOUT, late duplicates may be audited as new calls")
	}

	if config.Messaging.Transport == TransportAMQP && config.Messaging.AMQPURL == "" {
		return errors.NewInvalidInput("MESSAGING_TRANSPORT is amqp but AMQP_URL is empty")
	}
	if config.Messaging.Transport == TransportKafka && len(config.Messaging.KafkaBrokers) == 0 {
		return errors.NewInvalidInput("MESSAGING_TRANSPORT is kafka but KAFKA_BROKERS is empty")
	}

	if config.Logging.OutputFile != "" {
		f, err := os.OpenFile(config.Logging.OutputFile, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0644)
		if err != nil {
			return errors.Wrap(err, fmt.Sprintf("cannot write to log file: %s", config.Logging.OutputFile))
		}
		f.Close()
	}

	return nil
}

// ApplyLogging applies the logging configuration to the logger
func (c *Config) ApplyLogging(logger *logrus.Logger) error {
	level, err := logrus.ParseLevel(c.Logging.Level)
	if err != nil {
		return errors.Wrap(err, fmt.Sprintf("invalid log level: %s", c.Logging.Level))
	}
	logger.SetLevel(level)

	if c.Logging.Format == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{
			TimestampFormat: time.RFC3339Nano,
			FieldMap: logrus.FieldMap{
				logrus.FieldKeyTime:  "timestamp",
				logrus.FieldKeyLevel: "level",
				logrus.FieldKeyMsg:   "message",
			},
		})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: time.RFC3339Nano,
		})
	}

	if c.Logging.OutputFile != "" {
		f, err := os.OpenFile(c.Logging.OutputFile, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0644)
		if err != nil {
			return errors.Wrap(err, fmt.Sprintf("failed to open log file: %s", c.Logging.OutputFile))
		}
		logger.SetOutput(f)
	} else {
		logger.SetOutput(os.Stdout)
	}

	return nil
}

// Helper function to get an environment variable with a default value
func getEnv(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

// Helper function to get a boolean environment variable with a default value
func getEnvBool(key string, defaultValue bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}

	switch strings.ToLower(value) {
	case "true", "yes", "1", "on":
		return true
	case "false", "no", "0", "off":
		return false
	default:
		return defaultValue
	}
}

// Helper function to get an integer environment variable with a default value
func getEnvInt(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}

	intValue, err := strconv.Atoi(value)
	if err != nil {
		return defaultValue
	}

	return intValue
}

// Helper function to get a duration environment variable with a default value
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}

	duration, err := time.ParseDuration(value)
	if err != nil {
		return defaultValue
	}

	return duration
}

// getEnvFloat retrieves an environment variable and converts it to float64
func getEnvFloat(key string, defaultValue float64) float64 {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}

	floatValue, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return defaultValue
	}

	return floatValue
}

// getEnvList splits a comma-separated variable, dropping empty items
func getEnvList(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}

	var items []string
	for _, item := range strings.Split(value, ",") {
		if item = strings.TrimSpace(item); item != "" {
			items = append(items, item)
		}
	}
	if len(items) == 0 {
		return defaultValue
	}
	return items
}
