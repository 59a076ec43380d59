package transport

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tendrel/tendrel/internal/common/config"
	"github.com/tendrel/tendrel/internal/common/logger"
)

func TestResolverRegistration(t *testing.T) {
	r := NewResolver()
	tg := NewTelegram(config.TelegramConfig{APIBase: "http://x"}, time.Second, logger.Default())
	r.Register(tg)

	got, err := r.ForChannel("telegram")
	require.NoError(t, err)
	assert.Equal(t, tg, got)

	_, err = r.ForChannel("carrier-pigeon")
	assert.Error(t, err)
}

func TestTelegramSend(t *testing.T) {
	var gotPath string
	var gotBody map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		_, _ = w.Write([]byte(`{"ok":true,"result":{"message_id":4211}}`))
	}))
	defer srv.Close()

	tg := NewTelegram(config.TelegramConfig{
		APIBase:  srv.URL,
		BotToken: "bot-token",
	}, time.Second, logger.Default())

	id, err := tg.Send(context.Background(), "chat-99", "hello")
	require.NoError(t, err)
	assert.Equal(t, "4211", id)
	assert.Equal(t, "/botbot-token/sendMessage", gotPath)
	assert.Equal(t, "chat-99", gotBody["chat_id"])
	assert.Equal(t, "hello", gotBody["text"])
}

func TestTelegramSendRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"ok":false,"description":"chat not found"}`))
	}))
	defer srv.Close()

	tg := NewTelegram(config.TelegramConfig{APIBase: srv.URL}, time.Second, logger.Default())
	_, err := tg.Send(context.Background(), "missing", "hello")
	require.Error(t, err)

	var terr *Error
	require.True(t, errors.As(err, &terr))
	assert.Equal(t, "telegram", terr.Channel)
	assert.Contains(t, terr.Error(), "chat not found")
}

func TestWebhookSend(t *testing.T) {
	var gotAuth string
	var gotBody map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	wh := NewWebhook(config.WebhookDeliveryConfig{
		URL:       srv.URL,
		AuthToken: "secret",
	}, time.Second, logger.Default())

	id, err := wh.Send(context.Background(), "+15551234", "reminder text")
	require.NoError(t, err)
	assert.NotEmpty(t, id)
	assert.Equal(t, id, gotBody["message_id"])
	assert.Equal(t, "Bearer secret", gotAuth)
	assert.Equal(t, "+15551234", gotBody["recipient"])
}

func TestWebhookSendUpstreamFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	wh := NewWebhook(config.WebhookDeliveryConfig{URL: srv.URL}, time.Second, logger.Default())
	_, err := wh.Send(context.Background(), "user", "text")

	var terr *Error
	require.True(t, errors.As(err, &terr))
	assert.Contains(t, terr.Error(), "502")
}
