// Package notify delivers went-live messages. Delivery is best effort:
// nothing here retries.
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

// Webhook posts {"content": msg} to a chat webhook URL (Discord and
// compatible services accept this shape).
type Webhook struct {
	url    string
	client *http.Client
}

// NewWebhook returns a Webhook notifier. A nil client gets a short timeout.
func NewWebhook(url string, client *http.Client) *Webhook {
	if client == nil {
		client = &http.Client{Timeout: defaultTimeout}
	}
	return &Webhook{url: url, client: client}
}

// Notify implements recorder.Notifier.
func (w *Webhook) Notify(ctx context.Context, msg string) error {
	payload, err := json.Marshal(map[string]string{"content": msg})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("post webhook: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("post webhook: unexpected status %d", resp.StatusCode)
	}
	return nil
}

// Log writes messages to the logger. It is used when no webhook is configured.
type Log struct {
	log *slog.Logger
}

// NewLog returns a Log notifier.
func NewLog(log *slog.Logger) *Log {
	return &Log{log: log}
}

// Notify implements recorder.Notifier.
func (l *Log) Notify(ctx context.Context, msg string) error {
	l.log.InfoContext(ctx, "notification", slog.String("message", msg))
	return nil
}
