package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/tendrel/tendrel/internal/common/config"
	"github.com/tendrel/tendrel/internal/common/logger"
)

// ChannelTelegram is the channel name tenants configure for Telegram.
const ChannelTelegram = "telegram"

// Telegram delivers messages through the Telegram Bot API. The user handle
// is the chat id, so recipient resolution is the identity.
type Telegram struct {
	apiBase string
	token   string
	client  *http.Client
	logger  *logger.Logger
}

// NewTelegram creates the Telegram transport.
func NewTelegram(cfg config.TelegramConfig, timeout time.Duration, log *logger.Logger) *Telegram {
	return &Telegram{
		apiBase: cfg.APIBase,
		token:   cfg.BotToken,
		client:  &http.Client{Timeout: timeout},
		logger:  log,
	}
}

// Name implements Transport.
func (t *Telegram) Name() string { return ChannelTelegram }

// ResolveRecipient implements Transport. Telegram user handles are chat ids.
func (t *Telegram) ResolveRecipient(ctx context.Context, tenantID, userHandle string) (string, error) {
	return userHandle, nil
}

type telegramSendResponse struct {
	OK     bool `json:"ok"`
	Result struct {
		MessageID int64 `json:"message_id"`
	} `json:"result"`
	Description string `json:"description"`
}

// Send implements Transport.
func (t *Telegram) Send(ctx context.Context, channelHandle, text string) (string, error) {
	body, err := json.Marshal(map[string]string{
		"chat_id": channelHandle,
		"text":    text,
	})
	if err != nil {
		return "", NewError(ChannelTelegram, "send", err)
	}

	url := fmt.Sprintf("%s/bot%s/sendMessage", t.apiBase, t.token)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", NewError(ChannelTelegram, "send", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return "", NewError(ChannelTelegram, "send", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", NewError(ChannelTelegram, "send", err)
	}

	var parsed telegramSendResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return "", NewError(ChannelTelegram, "send",
			fmt.Errorf("unexpected response (status %d)", resp.StatusCode))
	}
	if !parsed.OK {
		return "", NewError(ChannelTelegram, "send",
			fmt.Errorf("api rejected message (status %d): %s", resp.StatusCode, parsed.Description))
	}
	return fmt.Sprintf("%d", parsed.Result.MessageID), nil
}
