// Package notify delivers operator alerts to a chat webhook. Alerts are
// advisory: delivery failures are logged and never propagated to the caller,
// so a down chat integration cannot take training or the scheduler with it.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/classml/classml/internal/config"
)

// Notifier posts a message to a named channel.
type Notifier interface {
	Notify(ctx context.Context, channel, message string)
}

// payload is the wire format the chat integration accepts.
type payload struct {
	Channel string `json:"channel"`
	Text    string `json:"text"`
	Source  string `json:"source"`
}

// WebhookNotifier posts alerts to a single incoming-webhook URL.
type WebhookNotifier struct {
	url    string
	client *http.Client
	logger *slog.Logger
}

// NewWebhookNotifier creates a notifier for the configured webhook URL.
func NewWebhookNotifier(cfg config.NotificationsConfig, logger *slog.Logger) *WebhookNotifier {
	return &WebhookNotifier{
		url:    cfg.WebhookURL,
		client: &http.Client{Timeout: 10 * time.Second},
		logger: logger,
	}
}

// Notify posts the message. Failures are logged, not returned; alerting must
// never become a second failure on top of the one being reported.
func (n *WebhookNotifier) Notify(ctx context.Context, channel, message string) {
	data, err := json.Marshal(payload{Channel: channel, Text: message, Source: "classml"})
	if err != nil {
		n.logger.Error("failed to marshal notification", "error", err)
		return
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(data))
	if err != nil {
		n.logger.Error("failed to build notification request", "error", err)
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		n.logger.Error("failed to deliver notification", "channel", channel, "error", err)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		n.logger.Error("notification webhook rejected message",
			"channel", channel,
			"status", resp.StatusCode,
			"error", fmt.Sprintf("webhook returned status %d", resp.StatusCode))
	}
}

// Nop is a Notifier that discards everything. Used when notifications are
// disabled and in tests.
type Nop struct{}

func (Nop) Notify(ctx context.Context, channel, message string) {}

// FromConfig returns a webhook notifier when notifications are enabled and a
// Nop otherwise.
func FromConfig(cfg config.NotificationsConfig, logger *slog.Logger) Notifier {
	if !cfg.Enabled || cfg.WebhookURL == "" {
		return Nop{}
	}
	return NewWebhookNotifier(cfg, logger)
}
