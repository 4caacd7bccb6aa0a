// Package notify fans events out to external channels. The tracker sends
// negative-feedback events here; failures are the caller's to log, never
// to propagate.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	harvest "github.com/fieldlabs/harvest"
)

// Kind classifies an event.
type Kind string

const (
	KindNegativeFeedback Kind = "negative_feedback"
)

// Notifier delivers one event.
type Notifier interface {
	Notify(ctx context.Context, kind Kind, payload map[string]interface{}) error
}

// Webhook posts events as JSON to a fixed URL.
type Webhook struct {
	URL  string
	http *http.Client
}

// NewWebhook builds a webhook notifier.
func NewWebhook(url string) *Webhook {
	return &Webhook{
		URL:  url,
		http: &http.Client{Timeout: 15 * time.Second},
	}
}

// Notify posts {kind, payload, sent_at} to the webhook URL.
func (w *Webhook) Notify(ctx context.Context, kind Kind, payload map[string]interface{}) error {
	body, err := json.Marshal(map[string]interface{}{
		"kind":    kind,
		"payload": payload,
		"sent_at": time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, "POST", w.URL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: webhook post failed: %v", harvest.ErrTransient, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("%w: webhook status %d", harvest.ErrTransient, resp.StatusCode)
	}
	return nil
}

// Log writes events to the structured log. The fallback when no webhook
// is configured.
type Log struct{}

// Notify logs the event.
func (Log) Notify(_ context.Context, kind Kind, payload map[string]interface{}) error {
	slog.Info("notification", "kind", kind, "payload", payload)
	return nil
}
