package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

var (
	registry     *prometheus.Registry
	registryOnce sync.Once

	// recorders are no-ops until Init has run
	metricsEnabled atomic.Bool

	// Fact intake
	FactsReceived  *prometheus.CounterVec
	FactsMalformed *prometheus.CounterVec

	// Correlation table
	CorrelationPending prometheus.Gauge
	CorrelationExpired prometheus.Counter
	ClaimsTotal        *prometheus.CounterVec

	// Audit pipeline
	AuditsTotal      *prometheus.CounterVec
	AuditStage       *prometheus.CounterVec
	AuditDuration    prometheus.Histogram
	AuditRetries     *prometheus.CounterVec
	AuditScores      *prometheus.HistogramVec
	ViolationsTotal  *prometheus.CounterVec
	RuleEngineErrors *prometheus.CounterVec

	// Transport
	MessagesPublished *prometheus.CounterVec
	TransportErrors   *prometheus.CounterVec

	// Alerting
	AlertsTriggered *prometheus.CounterVec

	// Resilience and API
	CircuitBreakerState *prometheus.GaugeVec
	HTTPRequests        *prometheus.CounterVec
)

// Init creates the registry and registers every collector. Safe to call more than once.
func Init(logger *logrus.Logger) {
	registryOnce.Do(func() {
		registry = prometheus.NewRegistry()

		FactsReceived = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "callaudit_facts_received_total",
			Help: "Facts recorded in the correlation table by kind and outcome",
		}, []string{"kind", "outcome"})

		FactsMalformed = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "callaudit_facts_malformed_total",
			Help: "Inbound fact events discarded because they failed validation",
		}, []string{"source"})

		CorrelationPending = prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "callaudit_correlation_pending",
			Help: "Calls waiting for facts or a claim",
		})

		CorrelationExpired = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "callaudit_correlation_expired_total",
			Help: "Calls whose fact set never completed before the timeout",
		})

		ClaimsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "callaudit_claims_total",
			Help: "Claim attempts by result",
		}, []string{"result"})

		AuditsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "callaudit_audits_total",
			Help: "Audits reaching a terminal state, by compliance status or failed",
		}, []string{"status"})

		AuditStage = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "callaudit_audit_stage_transitions_total",
			Help: "Audit state machine transitions by target stage",
		}, []string{"stage"})

		AuditDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "callaudit_audit_duration_seconds",
			Help:    "Time from claim to terminal state",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 12),
		})

		AuditRetries = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "callaudit_audit_retries_total",
			Help: "Retried audit operations by operation",
		}, []string{"operation"})

		AuditScores = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "callaudit_audit_score",
			Help:    "Distribution of quality scores",
			Buckets: prometheus.LinearBuckets(0, 10, 11),
		}, []string{"component"})

		ViolationsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "callaudit_violations_total",
			Help: "Compliance violations by rule and severity",
		}, []string{"rule_id", "severity"})

		RuleEngineErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "callaudit_rule_engine_skipped_rules_total",
			Help: "Rules skipped during evaluation because their definition was malformed",
		}, []string{"rule_id"})

		MessagesPublished = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "callaudit_messages_published_total",
			Help: "Outbound messages by destination and result",
		}, []string{"destination", "result"})

		TransportErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "callaudit_transport_errors_total",
			Help: "Transport errors by transport and operation",
		}, []string{"transport", "operation"})

		AlertsTriggered = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "callaudit_alerts_triggered_total",
			Help: "Alerts raised by name and severity",
		}, []string{"alert_name", "severity"})

		CircuitBreakerState = prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "callaudit_circuit_breaker_state",
			Help: "Circuit breaker state (0 closed, 1 half-open, 2 open)",
		}, []string{"name"})

		HTTPRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "callaudit_http_requests_total",
			Help: "Query API requests by route and status code",
		}, []string{"route", "code"})

		registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
			FactsReceived,
			FactsMalformed,
			CorrelationPending,
			CorrelationExpired,
			ClaimsTotal,
			AuditsTotal,
			AuditStage,
			AuditDuration,
			AuditRetries,
			AuditScores,
			ViolationsTotal,
			RuleEngineErrors,
			MessagesPublished,
			TransportErrors,
			AlertsTriggered,
			CircuitBreakerState,
			HTTPRequests,
		)

		metricsEnabled.Store(true)
		if logger != nil {
			logger.Info("Prometheus metrics initialized")
		}
	})
}

// GetRegistry returns the registry, or nil before Init
func GetRegistry() *prometheus.Registry {
	return registry
}

// IsEnabled reports whether Init has run
func IsEnabled() bool {
	return metricsEnabled.Load()
}

// Handler serves the registry in the Prometheus exposition format
func Handler() http.Handler {
	if !IsEnabled() {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
		Registry:          registry,
	})
}

func RecordFact(kind, outcome string) {
	if IsEnabled() {
		FactsReceived.WithLabelValues(kind, outcome).Inc()
	}
}

func RecordMalformedFact(source string) {
	if IsEnabled() {
		FactsMalformed.WithLabelValues(source).Inc()
	}
}

func SetCorrelationPending(n int) {
	if IsEnabled() {
		CorrelationPending.Set(float64(n))
	}
}

func RecordCorrelationExpired() {
	if IsEnabled() {
		CorrelationExpired.Inc()
	}
}

func RecordClaim(won bool) {
	if !IsEnabled() {
		return
	}
	if won {
		ClaimsTotal.WithLabelValues("won").Inc()
	} else {
		ClaimsTotal.WithLabelValues("lost").Inc()
	}
}

func RecordAuditStage(stage string) {
	if IsEnabled() {
		AuditStage.WithLabelValues(stage).Inc()
	}
}

// RecordAuditOutcome records a terminal audit with its duration since claim.
func RecordAuditOutcome(status string, duration time.Duration) {
	if !IsEnabled() {
		return
	}
	AuditsTotal.WithLabelValues(status).Inc()
	AuditDuration.Observe(duration.Seconds())
}

func RecordAuditRetry(operation string) {
	if IsEnabled() {
		AuditRetries.WithLabelValues(operation).Inc()
	}
}

func RecordScores(scriptAdherence, customerService, resolution, overall int) {
	if !IsEnabled() {
		return
	}
	AuditScores.WithLabelValues("script_adherence").Observe(float64(scriptAdherence))
	AuditScores.WithLabelValues("customer_service").Observe(float64(customerService))
	AuditScores.WithLabelValues("resolution_effectiveness").Observe(float64(resolution))
	AuditScores.WithLabelValues("overall").Observe(float64(overall))
}

func RecordViolation(ruleID, severity string) {
	if IsEnabled() {
		ViolationsTotal.WithLabelValues(ruleID, severity).Inc()
	}
}

func RecordSkippedRule(ruleID string) {
	if IsEnabled() {
		RuleEngineErrors.WithLabelValues(ruleID).Inc()
	}
}

func RecordPublish(destination string, err error) {
	if !IsEnabled() {
		return
	}
	result := "success"
	if err != nil {
		result = "error"
	}
	MessagesPublished.WithLabelValues(destination, result).Inc()
}

func RecordTransportError(transport, operation string) {
	if IsEnabled() {
		TransportErrors.WithLabelValues(transport, operation).Inc()
	}
}

func RecordAlert(alertName, severity string) {
	if IsEnabled() {
		AlertsTriggered.WithLabelValues(alertName, severity).Inc()
	}
}

func SetCircuitBreakerState(name string, state int) {
	if IsEnabled() {
		CircuitBreakerState.WithLabelValues(name).Set(float64(state))
	}
}

func RecordHTTPRequest(route string, code int) {
	if IsEnabled() {
		HTTPRequests.WithLabelValues(route, strconv.Itoa(code)).Inc()
	}
}
