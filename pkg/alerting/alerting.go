// Package alerting delivers operator alerts for audits that could not
// complete: incomplete joins, exhausted retries and open breakers.
package alerting

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"callaudit-server/pkg/circuitbreaker"
	"callaudit-server/pkg/metrics"
)

// Alert names raised by the audit service.
const (
	AlertIncompleteAudit = "incomplete_audit"
	AlertAuditFailed     = "audit_failed"
	AlertStrandedAudit   = "stranded_audit"
	AlertAbandonedAudit  = "abandoned_audit"
	AlertCircuitOpen     = "circuit_breaker_open"
)

// Severities.
const (
	SeverityCritical = "critical"
	SeverityWarning  = "warning"
	SeverityInfo     = "info"
)

// Alert is one notification.
type Alert struct {
	Name        string            `json:"name"`
	Severity    string            `json:"severity"`
	Summary     string            `json:"summary"`
	Description string            `json:"description,omitempty"`
	CallID      string            `json:"callId,omitempty"`
	Labels      map[string]string `json:"labels,omitempty"`
	StartsAt    time.Time         `json:"startsAt"`
}

// key identifies repeats of the same alert for the cooldown.
func (a Alert) key() string {
	return a.Name + "|" + a.CallID
}

// NotificationChannel interface for different notification types
type NotificationChannel interface {
	Send(ctx context.Context, alert Alert) error
	GetName() string
	IsEnabled() bool
}

// AlertConfig holds alerting configuration
type AlertConfig struct {
	Enabled       bool
	Cooldown      time.Duration
	SendTimeout   time.Duration
	WebhookURL    string
	SlackWebhook  string
	SlackChannel  string
	WebhookHeader map[string]string
}

// AlertManager fans alerts out to its channels. Delivery is asynchronous
// so the audit path never waits on a slow endpoint.
type AlertManager struct {
	config   AlertConfig
	logger   *logrus.Logger
	channels []NotificationChannel
	breakers *circuitbreaker.Manager

	mutex    sync.Mutex
	lastSent map[string]time.Time
	history  []Alert
	inflight sync.WaitGroup
	now      func() time.Time
}

const historySize = 100

// NewAlertManager creates a manager with a log channel plus the webhook and
// Slack channels when their URLs are configured.
func NewAlertManager(config AlertConfig, breakers *circuitbreaker.Manager, logger *logrus.Logger) *AlertManager {
	if config.SendTimeout <= 0 {
		config.SendTimeout = 10 * time.Second
	}

	am := &AlertManager{
		config:   config,
		logger:   logger,
		breakers: breakers,
		lastSent: make(map[string]time.Time),
		now:      time.Now,
	}

	am.channels = append(am.channels, NewLogChannel(logger))
	if config.WebhookURL != "" {
		am.channels = append(am.channels, NewWebhookChannel("webhook", config.WebhookURL, config.WebhookHeader))
	}
	if config.SlackWebhook != "" {
		am.channels = append(am.channels, NewSlackChannel("slack", config.SlackWebhook, config.SlackChannel))
	}

	if config.Enabled {
		logger.WithField("channels", len(am.channels)).Info("Alert manager started")
	} else {
		logger.Info("Alert manager disabled, alerts are only logged")
	}
	return am
}

// AddChannel registers an extra channel.
func (am *AlertManager) AddChannel(ch NotificationChannel) {
	am.mutex.Lock()
	defer am.mutex.Unlock()
	am.channels = append(am.channels, ch)
}

// Fire raises an alert. It returns false when the same alert for the same
// call was already sent within the cooldown.
func (am *AlertManager) Fire(ctx context.Context, alert Alert) bool {
	if alert.StartsAt.IsZero() {
		alert.StartsAt = am.now()
	}

	am.mutex.Lock()
	if last, ok := am.lastSent[alert.key()]; ok && am.config.Cooldown > 0 && alert.StartsAt.Sub(last) < am.config.Cooldown {
		am.mutex.Unlock()
		am.logger.WithFields(logrus.Fields{
			"alert":   alert.Name,
			"call_id": alert.CallID,
		}).Debug("Alert suppressed by cooldown")
		return false
	}
	am.lastSent[alert.key()] = alert.StartsAt
	am.history = append(am.history, alert)
	if len(am.history) > historySize {
		am.history = am.history[len(am.history)-historySize:]
	}
	channels := append([]NotificationChannel(nil), am.channels...)
	am.mutex.Unlock()

	metrics.RecordAlert(alert.Name, alert.Severity)

	for _, ch := range channels {
		if !ch.IsEnabled() {
			continue
		}
		if !am.config.Enabled && ch.GetName() != logChannelName {
			continue
		}
		am.inflight.Add(1)
		go am.deliver(context.WithoutCancel(ctx), ch, alert)
	}
	return true
}

func (am *AlertManager) deliver(ctx context.Context, ch NotificationChannel, alert Alert) {
	defer am.inflight.Done()

	ctx, cancel := context.WithTimeout(ctx, am.config.SendTimeout)
	defer cancel()

	send := func(ctx context.Context) error { return ch.Send(ctx, alert) }
	var err error
	if ch.GetName() == logChannelName {
		err = send(ctx)
	} else {
		err = am.breakers.Execute(ctx, circuitbreaker.NameWebhook+"-"+ch.GetName(), circuitbreaker.WebhookConfig(), send)
	}
	if err != nil {
		am.logger.WithError(err).WithFields(logrus.Fields{
			"channel": ch.GetName(),
			"alert":   alert.Name,
		}).Error("Failed to send alert notification")
	}
}

// Recent returns the latest alerts, newest first.
func (am *AlertManager) Recent(limit int) []Alert {
	am.mutex.Lock()
	defer am.mutex.Unlock()

	n := len(am.history)
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]Alert, 0, limit)
	for i := n - 1; i >= n-limit; i-- {
		out = append(out, am.history[i])
	}
	return out
}

// Wait blocks until in-flight deliveries finish or ctx ends.
func (am *AlertManager) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		am.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop waits for pending deliveries.
func (am *AlertManager) Stop(ctx context.Context) error {
	err := am.Wait(ctx)
	am.logger.Info("Alert manager stopped")
	return err
}

func labelString(labels map[string]string) string {
	if len(labels) == 0 {
		return ""
	}
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%s", k, labels[k]))
	}
	return strings.Join(parts, ", ")
}
