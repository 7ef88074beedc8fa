// Package notify delivers operational alerts to a webhook.
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

const defaultTimeout = 10 * time.Second

// Notifier posts alerts to a webhook URL. A Notifier with an empty URL is
// valid and silently drops alerts, so callers never need a nil check.
type Notifier struct {
	client     *http.Client
	webhookURL string
}

// NewNotifier builds a Notifier. webhookURL may be empty to disable alerts.
func NewNotifier(webhookURL string) *Notifier {
	return &Notifier{
		client:     &http.Client{Timeout: defaultTimeout},
		webhookURL: webhookURL,
	}
}

// SetTransport swaps the underlying transport. Tests use this to install a
// mock.
func (n *Notifier) SetTransport(rt http.RoundTripper) {
	n.client.Transport = rt
}

type alertPayload struct {
	Subject string `json:"subject"`
	Body    string `json:"body"`
}

// SendAlert posts one alert. Delivery is best-effort: failures are logged
// and returned, but callers are expected to carry on.
func (n *Notifier) SendAlert(ctx context.Context, subject, body string) error {
	if n.webhookURL == "" {
		return nil
	}

	payload, err := json.Marshal(alertPayload{Subject: subject, Body: body})
	if err != nil {
		return fmt.Errorf("notify: marshal alert: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.webhookURL, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("notify: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		slog.Error("alert delivery failed",
			slog.String("subject", subject),
			slog.Any("error", err),
		)
		return fmt.Errorf("notify: send alert: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 512))

	if resp.StatusCode >= http.StatusBadRequest {
		slog.Error("alert rejected by webhook",
			slog.String("subject", subject),
			slog.Int("status", resp.StatusCode),
		)
		return fmt.Errorf("notify: webhook status %d", resp.StatusCode)
	}
	return nil
}
