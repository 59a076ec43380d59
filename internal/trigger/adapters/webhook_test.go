package adapters

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tendrel/tendrel/internal/common/config"
	"github.com/tendrel/tendrel/internal/common/logger"
	"github.com/tendrel/tendrel/internal/db"
	"github.com/tendrel/tendrel/internal/secrets"
	"github.com/tendrel/tendrel/internal/store"
)

type firedCall struct {
	triggerID   string
	payload     map[string]interface{}
	triggeredBy string
}

type fakeFirer struct {
	mu    sync.Mutex
	calls []firedCall
}

func (f *fakeFirer) Fire(ctx context.Context, triggerID string, payload map[string]interface{}, triggeredBy string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, firedCall{triggerID, payload, triggeredBy})
	return nil
}

func (f *fakeFirer) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *fakeFirer) last() firedCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[len(f.calls)-1]
}

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	pool, err := db.Open(config.DatabaseConfig{Path: filepath.Join(t.TempDir(), "test.db")})
	require.NoError(t, err)
	t.Cleanup(func() { pool.Close() })

	st, err := store.New(context.Background(), pool, logger.Default())
	require.NoError(t, err)
	require.NoError(t, st.CreateTenant(context.Background(), &store.Tenant{
		ID:               "tenant-1",
		Status:           store.TenantActive,
		MessagingChannel: "telegram",
		Onboarding:       store.OnboardingComplete,
	}))
	return st
}

func newTestVault(t *testing.T) *secrets.Vault {
	t.Helper()
	key, err := secrets.GenerateKey()
	require.NoError(t, err)
	v, err := secrets.NewVault(key)
	require.NoError(t, err)
	return v
}

func webhookFixture(t *testing.T) (*gin.Engine, *store.Store, *secrets.Vault, *fakeFirer) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	st := newTestStore(t)
	vault := newTestVault(t)
	firer := &fakeFirer{}

	r := gin.New()
	NewWebhookReceiver(st, vault, firer, logger.Default()).RegisterRoutes(r)
	return r, st, vault, firer
}

func createWebhookTrigger(t *testing.T, st *store.Store, path string, mutate func(*store.Trigger)) *store.Trigger {
	t.Helper()
	trg := &store.Trigger{
		TenantID:    "tenant-1",
		UserHandle:  "user-1",
		Name:        "ci finished",
		TriggerType: store.TriggerWebhook,
		TaskPrompt:  "Build {{build}} finished",
		Autonomy:    store.AutonomyNotify,
		Status:      store.TriggerActive,
		MaxErrors:   3,
		WebhookPath: &path,
	}
	if mutate != nil {
		mutate(trg)
	}
	require.NoError(t, st.CreateTrigger(context.Background(), trg))
	return trg
}

func post(r *gin.Engine, path string, body []byte, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec
}

func TestWebhookUnknownPath(t *testing.T) {
	r, _, _, firer := webhookFixture(t)

	rec := post(r, "/webhooks/trigger/nope", []byte(`{}`), nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Zero(t, firer.count())
}

func TestWebhookAcceptsAndFires(t *testing.T) {
	r, st, _, firer := webhookFixture(t)
	trg := createWebhookTrigger(t, st, "hook-1", nil)

	rec := post(r, "/webhooks/trigger/hook-1", []byte(`{"build":"v1.2.3"}`), nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"success":true`)
	assert.Contains(t, rec.Body.String(), "Accepted")

	require.Eventually(t, func() bool { return firer.count() == 1 },
		2*time.Second, 10*time.Millisecond)
	call := firer.last()
	assert.Equal(t, trg.ID, call.triggerID)
	assert.Equal(t, "webhook", call.triggeredBy)
	assert.Equal(t, "v1.2.3", call.payload["build"])
}

func TestWebhookSignatureEnforced(t *testing.T) {
	r, st, vault, firer := webhookFixture(t)
	sealed, err := vault.Seal("topsecret")
	require.NoError(t, err)
	createWebhookTrigger(t, st, "hook-1", func(trg *store.Trigger) {
		trg.WebhookSecret = &sealed
	})
	body := []byte(`{"build":"v2"}`)

	// Missing signature.
	rec := post(r, "/webhooks/trigger/hook-1", body, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	// Wrong signature.
	rec = post(r, "/webhooks/trigger/hook-1", body, map[string]string{
		"X-Signature-256": "sha256=" + hex.EncodeToString(make([]byte, 32)),
	})
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Zero(t, firer.count())

	// Correct signature.
	mac := hmac.New(sha256.New, []byte("topsecret"))
	mac.Write(body)
	rec = post(r, "/webhooks/trigger/hook-1", body, map[string]string{
		"X-Signature-256": "sha256=" + hex.EncodeToString(mac.Sum(nil)),
	})
	assert.Equal(t, http.StatusOK, rec.Code)
	require.Eventually(t, func() bool { return firer.count() == 1 },
		2*time.Second, 10*time.Millisecond)
}

func TestWebhookIdempotencyKeyDeduplicates(t *testing.T) {
	r, st, _, firer := webhookFixture(t)
	createWebhookTrigger(t, st, "hook-1", nil)
	headers := map[string]string{"X-Idempotency-Key": "evt-42"}

	rec := post(r, "/webhooks/trigger/hook-1", []byte(`{}`), headers)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "Accepted")

	rec = post(r, "/webhooks/trigger/hook-1", []byte(`{}`), headers)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "Already processed")

	require.Eventually(t, func() bool { return firer.count() == 1 },
		2*time.Second, 10*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, firer.count())
}

func TestWebhookPayloadPathNarrows(t *testing.T) {
	r, st, _, firer := webhookFixture(t)
	createWebhookTrigger(t, st, "hook-1", func(trg *store.Trigger) {
		trg.Config = []byte(`{"payload_path":"data.attributes"}`)
	})

	body := []byte(`{"data":{"attributes":{"status":"red"}},"meta":{"x":1}}`)
	rec := post(r, "/webhooks/trigger/hook-1", body, nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	require.Eventually(t, func() bool { return firer.count() == 1 },
		2*time.Second, 10*time.Millisecond)
	payload := firer.last().payload
	assert.Equal(t, "red", payload["status"])

	// The pre-narrowing body stays reachable.
	meta, ok := payload["metadata"].(map[string]interface{})
	require.True(t, ok)
	orig, ok := meta["originalPayload"].(map[string]interface{})
	require.True(t, ok)
	assert.Contains(t, orig, "meta")
	assert.Contains(t, orig, "data")
}

func TestWebhookBadJSONRejected(t *testing.T) {
	r, st, _, _ := webhookFixture(t)
	createWebhookTrigger(t, st, "hook-1", nil)

	rec := post(r, "/webhooks/trigger/hook-1", []byte(`not json`), nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestDedupeCacheWindow(t *testing.T) {
	now := time.Now()
	cache := newDedupeCache(5*time.Minute, func() time.Time { return now })

	assert.True(t, cache.Insert("k"))
	assert.False(t, cache.Insert("k"))

	now = now.Add(6 * time.Minute)
	assert.True(t, cache.Insert("k"))
}
