package worker

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/andresverguilla1987/ApagaNet/internal/db"
)

// SignBody computes the webhook signature header value for a request body:
// hex HMAC-SHA256 over the exact body bytes, prefixed with the scheme.
// Receivers recompute it with the shared secret to verify authenticity.
func SignBody(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// WebhookSender delivers alert envelopes via signed HTTP POST.
type WebhookSender struct {
	client *http.Client
	logger *zap.Logger
}

type WebhookConfig struct {
	Timeout time.Duration
}

// NewWebhookSender creates a new webhook sender.
func NewWebhookSender(logger *zap.Logger, cfg WebhookConfig) *WebhookSender {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}

	return &WebhookSender{
		client: &http.Client{Timeout: timeout},
		logger: logger,
	}
}

// Send POSTs the entry's stored payload snapshot to the subscription
// target. The body is the snapshot bytes unmodified, so the signature the
// receiver verifies is over exactly what was captured at enqueue time.
func (s *WebhookSender) Send(ctx context.Context, d *db.Delivery) error {
	if d.Subscription.Channel != db.ChannelWebhook {
		return fmt.Errorf("webhook sender only supports webhooks, got: %s", d.Subscription.Channel)
	}
	if d.Subscription.Target == "" {
		return fmt.Errorf("webhook subscription missing target url")
	}

	body := []byte(d.Entry.Payload)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.Subscription.Target, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create webhook request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "ApagaNet/1.0")
	req.Header.Set("X-ApagaNet-Delivery-ID", d.Entry.ID.String())
	if d.Subscription.Secret != "" {
		req.Header.Set("X-Signature", SignBody(body, d.Subscription.Secret))
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook request failed: %w", err)
	}
	defer resp.Body.Close()

	preview, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned non-2xx status: %d, body: %s", resp.StatusCode, string(preview))
	}

	s.logger.Info("webhook delivered",
		zap.String("entry_id", d.Entry.ID.String()),
		zap.String("url", d.Subscription.Target),
		zap.Int("status_code", resp.StatusCode),
	)

	return nil
}

// SupportsChannel checks if this sender supports webhooks.
func (s *WebhookSender) SupportsChannel(channel string) bool {
	return channel == db.ChannelWebhook
}
