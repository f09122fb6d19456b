package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/reviewguard/reviewguard/internal/circuitbreaker"
	"github.com/reviewguard/reviewguard/internal/metrics"
)

// Compile-time assertions.
var (
	_ Sink = (*StoreSink)(nil)
	_ Sink = (MultiSink)(nil)
	_ Sink = (*WebhookSink)(nil)
	_ Sink = (FuncSink)(nil)
)

// StoreSink persists notifications to the notification store.
type StoreSink struct {
	store Store
}

// NewStoreSink creates a sink backed by the given store.
func NewStoreSink(store Store) *StoreSink {
	return &StoreSink{store: store}
}

func (s *StoreSink) Notify(ctx context.Context, n *Notification) error {
	if err := s.store.Save(ctx, n); err != nil {
		return fmt.Errorf("notify: save: %w", err)
	}
	metrics.NotificationsTotal.WithLabelValues(string(n.Severity)).Inc()
	return nil
}

// MultiSink fans a notification out to every sink. The first error is
// returned after all sinks have been attempted.
type MultiSink []Sink

func (m MultiSink) Notify(ctx context.Context, n *Notification) error {
	var first error
	for _, s := range m {
		if err := s.Notify(ctx, n); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// FuncSink adapts a function into a Sink.
type FuncSink func(ctx context.Context, n *Notification) error

func (f FuncSink) Notify(ctx context.Context, n *Notification) error { return f(ctx, n) }

// WebhookSink POSTs notifications to an external endpoint, signing the
// payload with HMAC-SHA256 when a secret is configured. Delivery is
// fire-and-forget: failures are logged, never returned, so a slow or
// dead endpoint cannot stall incident handling.
type WebhookSink struct {
	url     string
	secret  string
	client  *http.Client
	breaker *circuitbreaker.Breaker
	logger  *slog.Logger
}

// NewWebhookSink creates a webhook sink for the given endpoint. A circuit
// breaker trips after repeated delivery failures so a dead endpoint stops
// consuming goroutines until it recovers.
func NewWebhookSink(url, secret string, logger *slog.Logger) *WebhookSink {
	return &WebhookSink{
		url:     url,
		secret:  secret,
		client:  &http.Client{Timeout: 10 * time.Second},
		breaker: circuitbreaker.New(5, 30*time.Second),
		logger:  logger,
	}
}

func (w *WebhookSink) Notify(_ context.Context, n *Notification) error {
	go w.send(n)
	return nil
}

func (w *WebhookSink) send(n *Notification) {
	if !w.breaker.Allow(w.url) {
		w.logger.Warn("webhook circuit open, dropping notification", "notification", n.ID)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	payload, err := json.Marshal(n)
	if err != nil {
		w.logger.Warn("webhook marshal failed", "notification", n.ID, "error", err)
		return
	}

	req, err := http.NewRequestWithContext(ctx, "POST", w.url, bytes.NewReader(payload))
	if err != nil {
		w.logger.Warn("webhook request failed", "notification", n.ID, "error", err)
		return
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Reviewguard-Kind", n.Kind)
	req.Header.Set("X-Reviewguard-Timestamp", fmt.Sprintf("%d", n.CreatedAt.Unix()))
	if w.secret != "" {
		req.Header.Set("X-Reviewguard-Signature", sign(payload, w.secret))
	}

	resp, err := w.client.Do(req)
	if err != nil {
		w.breaker.RecordFailure(w.url)
		w.logger.Warn("webhook delivery failed", "notification", n.ID, "error", err)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		w.breaker.RecordFailure(w.url)
		w.logger.Warn("webhook delivery rejected",
			"notification", n.ID, "status", resp.StatusCode)
		return
	}
	w.breaker.RecordSuccess(w.url)
}

func sign(payload []byte, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}
