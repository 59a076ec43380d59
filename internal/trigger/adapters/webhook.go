// Package adapters connects external event sources (inbound webhooks, polled
// HTTP conditions, mailbox polling) to the trigger engine.
package adapters

import (
	"context"
	"crypto/hmac"
	"crypto/sha1"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"hash"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/tendrel/tendrel/internal/common/appctx"
	"github.com/tendrel/tendrel/internal/common/logger"
	"github.com/tendrel/tendrel/internal/secrets"
	"github.com/tendrel/tendrel/internal/store"
	"github.com/tendrel/tendrel/internal/trigger"
)

const (
	maxWebhookBody = 1 << 20 // 1 MiB
	dedupeWindow   = 5 * time.Minute
)

// Firer dispatches a trigger firing. Implemented by the trigger engine.
type Firer interface {
	Fire(ctx context.Context, triggerID string, payload map[string]interface{}, triggeredBy string) error
}

// webhookConfig is the CONFIG blob of WEBHOOK triggers.
type webhookConfig struct {
	// PayloadPath narrows the request body to a sub-object before
	// interpolation, e.g. "data.attributes".
	PayloadPath string `json:"payload_path"`
}

// signatureHeaders are checked in order for the HMAC signature.
var signatureHeaders = []string{"X-Signature-256", "X-Hub-Signature-256", "X-Signature", "X-Hub-Signature"}

// WebhookReceiver serves the public inbound webhook endpoint.
type WebhookReceiver struct {
	store  *store.Store
	vault  *secrets.Vault
	firer  Firer
	logger *logger.Logger
	dedupe *dedupeCache
	now    func() time.Time
}

// NewWebhookReceiver creates the receiver.
func NewWebhookReceiver(st *store.Store, vault *secrets.Vault, firer Firer, log *logger.Logger) *WebhookReceiver {
	now := func() time.Time { return time.Now().UTC() }
	return &WebhookReceiver{
		store:  st,
		vault:  vault,
		firer:  firer,
		logger: log.WithFields(zap.String("component", "webhook_receiver")),
		dedupe: newDedupeCache(dedupeWindow, now),
		now:    now,
	}
}

// RegisterRoutes mounts the receiver. The path segment is the trigger's
// unguessable webhook path, not its ID.
func (w *WebhookReceiver) RegisterRoutes(r gin.IRouter) {
	r.POST("/webhooks/trigger/:path", w.handle)
}

func (w *WebhookReceiver) handle(c *gin.Context) {
	path := c.Param("path")

	trg, err := w.store.GetTriggerByWebhookPath(c.Request.Context(), path)
	if errors.Is(err, store.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown webhook"})
		return
	}
	if err != nil {
		w.logger.Error("webhook trigger lookup failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	// Request headers may carry credentials; log only what identifies the hit.
	log := w.logger.WithTenant(trg.TenantID).WithFields(zap.String("trigger_id", trg.ID))

	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBody))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unreadable body"})
		return
	}

	if trg.WebhookSecret != nil {
		if status, msg := w.verifySignature(c, trg, body); status != 0 {
			log.Warn("webhook signature rejected", zap.Int("status", status))
			c.JSON(status, gin.H{"error": msg})
			return
		}
	}

	if key := c.GetHeader("X-Idempotency-Key"); key != "" {
		if !w.dedupe.Insert(trg.ID + ":" + key) {
			c.JSON(http.StatusOK, gin.H{"message": "Already processed"})
			return
		}
	}

	var payload map[string]interface{}
	if len(body) > 0 {
		if err := json.Unmarshal(body, &payload); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "body must be a JSON object"})
			return
		}
	}

	var cfg webhookConfig
	if err := trg.DecodeConfig(&cfg); err == nil && cfg.PayloadPath != "" {
		if sub, ok := narrowPayload(payload, cfg.PayloadPath); ok {
			// Keep the raw body reachable after narrowing.
			narrowed := make(map[string]interface{}, len(sub)+1)
			for k, v := range sub {
				narrowed[k] = v
			}
			narrowed["metadata"] = map[string]interface{}{"originalPayload": payload}
			payload = narrowed
		}
	}

	// Fire asynchronously; webhook senders get a fast ack and retry on 5xx
	// only, so dispatch errors are ours to handle.
	go func() {
		ctx, cancel := appctx.Detached(nil, 5*time.Minute)
		defer cancel()
		if err := w.firer.Fire(ctx, trg.ID, payload, "webhook"); err != nil && !errors.Is(err, trigger.ErrSkipped) {
			log.Warn("webhook firing failed", zap.Error(err))
		}
	}()

	c.JSON(http.StatusOK, gin.H{"success": true, "message": "Accepted"})
}

// verifySignature returns a non-zero HTTP status when the request must be
// rejected. Missing signature is 401, mismatch is 403.
func (w *WebhookReceiver) verifySignature(c *gin.Context, trg *store.Trigger, body []byte) (int, string) {
	secret, err := w.vault.Open(*trg.WebhookSecret)
	if err != nil {
		w.logger.Error("webhook secret unseal failed", zap.String("trigger_id", trg.ID), zap.Error(err))
		return http.StatusInternalServerError, "internal error"
	}

	var provided string
	for _, h := range signatureHeaders {
		if v := c.GetHeader(h); v != "" {
			provided = v
			break
		}
	}
	if provided == "" {
		return http.StatusUnauthorized, "signature required"
	}
	provided = strings.TrimPrefix(strings.TrimPrefix(provided, "sha256="), "sha1=")

	var mac hash.Hash
	if trg.SignatureType != nil && *trg.SignatureType == "sha1" {
		mac = hmac.New(sha1.New, []byte(secret))
	} else {
		mac = hmac.New(sha256.New, []byte(secret))
	}
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))

	if !hmac.Equal([]byte(expected), []byte(strings.ToLower(provided))) {
		return http.StatusForbidden, "signature mismatch"
	}
	return 0, ""
}

// narrowPayload walks a dot path into the body. ok is false when the path is
// missing; the caller keeps the full body so interpolation can still see
// something.
func narrowPayload(payload map[string]interface{}, path string) (map[string]interface{}, bool) {
	cur := payload
	for _, part := range strings.Split(path, ".") {
		next, ok := cur[part].(map[string]interface{})
		if !ok {
			return payload, false
		}
		cur = next
	}
	return cur, true
}

// dedupeCache remembers idempotency keys for a bounded window.
type dedupeCache struct {
	mu     sync.Mutex
	window time.Duration
	now    func() time.Time
	seen   map[string]time.Time
}

func newDedupeCache(window time.Duration, now func() time.Time) *dedupeCache {
	return &dedupeCache{window: window, now: now, seen: make(map[string]time.Time)}
}

// Insert returns false when the key was already seen within the window.
func (d *dedupeCache) Insert(key string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	now := d.now()
	for k, at := range d.seen {
		if now.Sub(at) > d.window {
			delete(d.seen, k)
		}
	}
	if at, ok := d.seen[key]; ok && now.Sub(at) <= d.window {
		return false
	}
	d.seen[key] = now
	return true
}
