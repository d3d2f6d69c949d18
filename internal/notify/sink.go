package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/skytrace/backend/internal/faults"
	"github.com/skytrace/backend/internal/model"
)

// Sink delivers one rendered message and returns the vendor's delivery id.
type Sink interface {
	Send(ctx context.Context, channel model.Channel, recipient string, msg Message) (string, error)
}

// WebhookSink POSTs every notification to a single downstream gateway
// which fans out to the concrete SMS/email/push vendors.
type WebhookSink struct {
	url    string
	client *http.Client
	logger *zap.Logger
}

// NewWebhookSink builds the sink for NOTIFY_WEBHOOK_URL.
func NewWebhookSink(url string, logger *zap.Logger) *WebhookSink {
	return &WebhookSink{
		url:    url,
		client: &http.Client{Timeout: 10 * time.Second},
		logger: logger.Named("notify.webhook"),
	}
}

type webhookPayload struct {
	Channel   string `json:"channel"`
	Recipient string `json:"recipient"`
	Subject   string `json:"subject"`
	Body      string `json:"body"`
}

type webhookResponse struct {
	DeliveryID string `json:"delivery_id"`
}

func (s *WebhookSink) Send(ctx context.Context, channel model.Channel, recipient string, msg Message) (string, error) {
	raw, err := json.Marshal(webhookPayload{
		Channel:   string(channel),
		Recipient: recipient,
		Subject:   msg.Subject,
		Body:      msg.Body,
	})
	if err != nil {
		return "", faults.Wrapf(faults.Permanent, "encode notification: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(raw))
	if err != nil {
		return "", faults.Wrapf(faults.Permanent, "build notification request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return "", faults.Wrapf(faults.Transient, "notification gateway: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 500:
		return "", faults.Wrapf(faults.Transient, "notification gateway: status %d", resp.StatusCode)
	case resp.StatusCode >= 400:
		return "", faults.Wrapf(faults.Permanent, "notification gateway: status %d", resp.StatusCode)
	}

	var decoded webhookResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<16)).Decode(&decoded); err != nil || decoded.DeliveryID == "" {
		// Gateways that answer 200 with no body still delivered.
		return "wh-" + uuid.NewString(), nil
	}
	return decoded.DeliveryID, nil
}

// LogSink is the fallback when no gateway is configured: every message is
// written to the structured log and treated as delivered.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink builds the fallback sink.
func NewLogSink(logger *zap.Logger) *LogSink {
	return &LogSink{logger: logger.Named("notify.log")}
}

func (s *LogSink) Send(_ context.Context, channel model.Channel, recipient string, msg Message) (string, error) {
	id := fmt.Sprintf("log-%s", uuid.NewString())
	s.logger.Info("notification",
		zap.String("channel", string(channel)),
		zap.String("recipient", recipient),
		zap.String("subject", msg.Subject),
		zap.String("body", msg.Body),
		zap.String("delivery_id", id))
	return id, nil
}
