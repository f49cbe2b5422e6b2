// Package notify delivers out-of-band events about retraining outcomes.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

// Event is a single notification.
type Event struct {
	Type    string         `json:"type"`
	Subject string         `json:"subject"`
	Message string         `json:"message"`
	Fields  map[string]any `json:"fields,omitempty"`
	At      time.Time      `json:"at"`
}

// Notifier delivers events. Delivery failures are the caller's to log;
// they must never abort the work that produced the event.
type Notifier interface {
	Notify(ctx context.Context, ev Event) error
}

// LogNotifier writes events to structured logs. It is the default sink when
// no webhook is configured.
type LogNotifier struct {
	logger *slog.Logger
}

// NewLogNotifier creates a LogNotifier.
func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogNotifier{logger: logger}
}

func (n *LogNotifier) Notify(_ context.Context, ev Event) error {
	n.logger.Info("notification",
		"type", ev.Type,
		"subject", ev.Subject,
		"message", ev.Message,
		"fields", ev.Fields,
	)
	return nil
}

// WebhookNotifier POSTs events as JSON to a configured endpoint.
type WebhookNotifier struct {
	url     string
	headers map[string]string
	client  *http.Client
}

// NewWebhookNotifier creates a WebhookNotifier. A nil client gets a default
// with a 10s timeout.
func NewWebhookNotifier(url string, headers map[string]string, client *http.Client) *WebhookNotifier {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &WebhookNotifier{url: url, headers: headers, client: client}
}

func (n *WebhookNotifier) Notify(ctx context.Context, ev Event) error {
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range n.headers {
		req.Header.Set(k, v)
	}

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("deliver webhook: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}
