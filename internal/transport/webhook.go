package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/tendrel/tendrel/internal/common/config"
	"github.com/tendrel/tendrel/internal/common/logger"
)

// ChannelWebhook is the channel name for tenants that receive messages at
// their own HTTP endpoint.
const ChannelWebhook = "webhook"

// Webhook posts outbound messages to a tenant-operated endpoint as JSON.
type Webhook struct {
	url       string
	authToken string
	client    *http.Client
	logger    *logger.Logger
}

// NewWebhook creates the generic webhook transport.
func NewWebhook(cfg config.WebhookDeliveryConfig, timeout time.Duration, log *logger.Logger) *Webhook {
	return &Webhook{
		url:       cfg.URL,
		authToken: cfg.AuthToken,
		client:    &http.Client{Timeout: timeout},
		logger:    log,
	}
}

// Name implements Transport.
func (w *Webhook) Name() string { return ChannelWebhook }

// ResolveRecipient implements Transport. The receiving endpoint routes by
// user handle itself.
func (w *Webhook) ResolveRecipient(ctx context.Context, tenantID, userHandle string) (string, error) {
	return userHandle, nil
}

// Send implements Transport.
func (w *Webhook) Send(ctx context.Context, channelHandle, text string) (string, error) {
	messageID := uuid.New().String()
	body, err := json.Marshal(map[string]string{
		"message_id": messageID,
		"recipient":  channelHandle,
		"text":       text,
	})
	if err != nil {
		return "", NewError(ChannelWebhook, "send", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return "", NewError(ChannelWebhook, "send", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if w.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+w.authToken)
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return "", NewError(ChannelWebhook, "send", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<20))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", NewError(ChannelWebhook, "send",
			fmt.Errorf("endpoint returned status %d", resp.StatusCode))
	}
	return messageID, nil
}
