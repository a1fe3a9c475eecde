// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package adapter

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/absmach/qbridge/types"
)

// FailureHandler is invoked when a message cannot be delivered: its dequeue
// count exceeded the threshold or downstream processing permanently
// rejected it. After the handler returns the message is deleted
// unconditionally to prevent a poison loop.
//
// Handler errors and panics are swallowed and logged by the puller; a
// handler can never crash the puller loop.
type FailureHandler interface {
	OnDeliveryFailure(ctx context.Context, queue types.QueueID, msg *types.Message) error
}

// LogHandler is the default failure policy: log and allow deletion. The
// message is discarded, not redelivered.
type LogHandler struct {
	logger *slog.Logger
}

// NewLogHandler creates the default log-and-drop failure handler.
func NewLogHandler(logger *slog.Logger) *LogHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogHandler{logger: logger}
}

// OnDeliveryFailure logs the dropped message.
func (h *LogHandler) OnDeliveryFailure(ctx context.Context, queue types.QueueID, msg *types.Message) error {
	h.logger.Warn("dropping undeliverable message",
		slog.String("queue", string(queue)),
		slog.String("stream", msg.Stream.String()),
		slog.String("token", string(msg.Token)),
		slog.Int("dequeue_count", msg.DequeueCount))
	return nil
}

// DeliveryFailureAlert is the JSON body posted by WebhookHandler.
type DeliveryFailureAlert struct {
	Queue        string    `json:"queue"`
	Namespace    string    `json:"namespace"`
	StreamKey    string    `json:"stream_key"`
	Token        string    `json:"token"`
	DequeueCount int       `json:"dequeue_count"`
	EnqueuedAt   time.Time `json:"enqueued_at"`
	DroppedAt    time.Time `json:"dropped_at"`
}

// WebhookHandler posts an alert for each undeliverable message before it is
// dropped. Payload bytes are not included in the alert.
type WebhookHandler struct {
	url    string
	client *http.Client
	logger *slog.Logger
}

// NewWebhookHandler creates a webhook-alerting failure handler.
func NewWebhookHandler(url string, timeout time.Duration, logger *slog.Logger) *WebhookHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &WebhookHandler{
		url:    url,
		client: &http.Client{Timeout: timeout},
		logger: logger,
	}
}

// OnDeliveryFailure posts the alert to the configured webhook.
func (h *WebhookHandler) OnDeliveryFailure(ctx context.Context, queue types.QueueID, msg *types.Message) error {
	alert := DeliveryFailureAlert{
		Queue:        string(queue),
		Namespace:    msg.Stream.Namespace,
		StreamKey:    string(msg.Stream.Key),
		Token:        string(msg.Token),
		DequeueCount: msg.DequeueCount,
		EnqueuedAt:   msg.EnqueuedAt,
		DroppedAt:    time.Now(),
	}

	payload, err := json.Marshal(alert)
	if err != nil {
		return fmt.Errorf("failed to marshal alert: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := h.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send webhook: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("webhook returned error status: %d", resp.StatusCode)
	}
	return nil
}

// NoopHandler is a no-op implementation for testing.
type NoopHandler struct{}

// OnDeliveryFailure does nothing.
func (NoopHandler) OnDeliveryFailure(ctx context.Context, queue types.QueueID, msg *types.Message) error {
	return nil
}
