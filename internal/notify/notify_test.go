package notify

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/classml/classml/internal/config"
)

func TestWebhookNotifier_PostsPayload(t *testing.T) {
	var got payload
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %s, want POST", r.Method)
		}
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Errorf("Content-Type = %q, want application/json", ct)
		}
		body, _ := io.ReadAll(r.Body)
		if err := json.Unmarshal(body, &got); err != nil {
			t.Errorf("unmarshal body: %v", err)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	n := NewWebhookNotifier(config.NotificationsConfig{WebhookURL: server.URL}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	n.Notify(context.Background(), "ml-errors", "training failed for tenant t1")

	if got.Channel != "ml-errors" {
		t.Errorf("channel = %q, want ml-errors", got.Channel)
	}
	if got.Text != "training failed for tenant t1" {
		t.Errorf("text = %q", got.Text)
	}
	if got.Source != "classml" {
		t.Errorf("source = %q, want classml", got.Source)
	}
}

func TestWebhookNotifier_SwallowsDeliveryFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	// Rejected and unreachable webhooks must both be silent to the caller.
	NewWebhookNotifier(config.NotificationsConfig{WebhookURL: server.URL}, logger).
		Notify(context.Background(), "ml-errors", "boom")
	NewWebhookNotifier(config.NotificationsConfig{WebhookURL: "http://127.0.0.1:1"}, logger).
		Notify(context.Background(), "ml-errors", "boom")
}

func TestFromConfig(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	if _, ok := FromConfig(config.NotificationsConfig{}, logger).(Nop); !ok {
		t.Error("disabled notifications should return Nop")
	}
	if _, ok := FromConfig(config.NotificationsConfig{Enabled: true}, logger).(Nop); !ok {
		t.Error("enabled without a URL should return Nop")
	}
	cfg := config.NotificationsConfig{Enabled: true, WebhookURL: "https://chat.example.com/hook"}
	if _, ok := FromConfig(cfg, logger).(*WebhookNotifier); !ok {
		t.Error("enabled with a URL should return a WebhookNotifier")
	}
}
