package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"callaudit-server/pkg/version"
)

const logChannelName = "log"

// LogChannel writes alerts to the service log. It is always present.
type LogChannel struct {
	logger *logrus.Logger
}

func NewLogChannel(logger *logrus.Logger) *LogChannel {
	return &LogChannel{logger: logger}
}

func (l *LogChannel) Send(_ context.Context, alert Alert) error {
	entry := l.logger.WithFields(logrus.Fields{
		"alert":    alert.Name,
		"severity": alert.Severity,
		"call_id":  alert.CallID,
	})
	if labels := labelString(alert.Labels); labels != "" {
		entry = entry.WithField("labels", labels)
	}
	if alert.Severity == SeverityCritical {
		entry.Error(alert.Summary)
	} else {
		entry.Warn(alert.Summary)
	}
	return nil
}

func (l *LogChannel) GetName() string { return logChannelName }
func (l *LogChannel) IsEnabled() bool { return true }

// Slack Channel Implementation

type SlackChannel struct {
	name       string
	webhookURL string
	channel    string
	username   string
	client     *http.Client
}

func NewSlackChannel(name, webhookURL, channel string) *SlackChannel {
	return &SlackChannel{
		name:       name,
		webhookURL: webhookURL,
		channel:    channel,
		username:   "Call Audit",
		client:     &http.Client{Timeout: 10 * time.Second},
	}
}

func (s *SlackChannel) Send(ctx context.Context, alert Alert) error {
	color := "warning"
	if alert.Severity == SeverityCritical {
		color = "danger"
	}

	fields := []map[string]interface{}{
		{"title": "Alert", "value": alert.Name, "short": true},
		{"title": "Severity", "value": alert.Severity, "short": true},
	}
	if alert.CallID != "" {
		fields = append(fields, map[string]interface{}{"title": "Call", "value": alert.CallID, "short": true})
	}
	if alert.Description != "" {
		fields = append(fields, map[string]interface{}{"title": "Description", "value": alert.Description, "short": false})
	}
	fields = append(fields, map[string]interface{}{"title": "Time", "value": alert.StartsAt.Format(time.RFC3339), "short": true})

	payload := map[string]interface{}{
		"channel":  s.channel,
		"username": s.username,
		"text":     fmt.Sprintf("%s: %s", alert.Name, alert.Summary),
		"attachments": []map[string]interface{}{
			{"color": color, "fields": fields},
		},
	}
	return postJSON(ctx, s.client, http.MethodPost, s.webhookURL, nil, payload)
}

func (s *SlackChannel) GetName() string { return s.name }
func (s *SlackChannel) IsEnabled() bool { return s.webhookURL != "" }

// Webhook Channel Implementation

type WebhookChannel struct {
	name    string
	url     string
	headers map[string]string
	client  *http.Client
}

func NewWebhookChannel(name, url string, headers map[string]string) *WebhookChannel {
	return &WebhookChannel{
		name:    name,
		url:     url,
		headers: headers,
		client:  &http.Client{Timeout: 10 * time.Second},
	}
}

func (w *WebhookChannel) Send(ctx context.Context, alert Alert) error {
	payload := map[string]interface{}{
		"alert":     alert,
		"service":   version.ServiceName,
		"timestamp": alert.StartsAt.Unix(),
	}
	return postJSON(ctx, w.client, http.MethodPost, w.url, w.headers, payload)
}

func (w *WebhookChannel) GetName() string { return w.name }
func (w *WebhookChannel) IsEnabled() bool { return w.url != "" }

func postJSON(ctx context.Context, client *http.Client, method, url string, headers map[string]string, payload interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal alert payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create alert request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", version.UserAgent())
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send alert: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("alert endpoint returned status %d", resp.StatusCode)
	}
	return nil
}
