// Package notify delivers user-facing purchase notifications. Delivery is
// best effort and batched by a Dispatcher that main runs as a worker.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
)

const (
	EventPurchaseCompleted    = "purchase.completed"
	EventPurchasePending      = "purchase.pending"
	EventPurchaseFailed       = "purchase.failed"
	EventPurchaseRefunded     = "purchase.refunded"
	EventPurchaseRefundFailed = "purchase.refund_failed"
)

type Event struct {
	Type           string    `json:"type"`
	ExecutionLogID uuid.UUID `json:"execution_log_id"`
	UserID         uuid.UUID `json:"user_id"`
	ServiceType    string    `json:"service_type"`
	Amount         string    `json:"amount,omitempty"`
	Message        string    `json:"message"`
	At             time.Time `json:"at"`
}

// Notifier accepts events without blocking the caller.
type Notifier interface {
	Notify(ev Event)
}

// Sink receives one flushed batch.
type Sink interface {
	Send(ctx context.Context, batch []Event) error
}

// LogSink writes events to the structured log. Used when no webhook is set.
type LogSink struct {
	Log *slog.Logger
}

func (s LogSink) Send(_ context.Context, batch []Event) error {
	log := s.Log
	if log == nil {
		log = slog.Default()
	}
	for _, ev := range batch {
		log.Info("notification", "type", ev.Type, "user_id", ev.UserID,
			"execution_log_id", ev.ExecutionLogID, "service_type", ev.ServiceType, "message", ev.Message)
	}
	return nil
}

// WebhookSink posts each batch as a JSON array.
type WebhookSink struct {
	url        string
	httpClient *http.Client
}

func NewWebhookSink(url string) *WebhookSink {
	return &WebhookSink{url: url, httpClient: &http.Client{Timeout: 10 * time.Second}}
}

func (s *WebhookSink) Send(ctx context.Context, batch []Event) error {
	body, err := json.Marshal(batch)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("notification webhook: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("notification webhook returned status %d", resp.StatusCode)
	}
	return nil
}

// Nop discards events.
type Nop struct{}

func (Nop) Notify(Event) {}
