package adapters

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/tendrel/tendrel/internal/common/logger"
	"github.com/tendrel/tendrel/internal/secrets"
	"github.com/tendrel/tendrel/internal/store"
	"github.com/tendrel/tendrel/internal/trigger"
)

const (
	emailPollTick        = time.Minute
	seenRingSize         = 100
	defaultCheckInterval = 5 * time.Minute
	defaultTokenURL      = "https://login.microsoftonline.com/common/oauth2/v2.0/token"
	defaultGraphURL      = "https://graph.microsoft.com/v1.0"
)

// emailConfig is the CONFIG blob of EVENT (mailbox) triggers. RefreshToken is
// vault-sealed; the plaintext never touches the database.
type emailConfig struct {
	ClientID        string `json:"client_id"`
	RefreshToken    string `json:"refresh_token"`
	Folder          string `json:"folder"`
	FromFilter      string `json:"from_filter"`
	SubjectFilter   string `json:"subject_filter"`
	UnreadOnly      bool   `json:"unread_only"`
	MarkAsRead      bool   `json:"mark_as_read"`
	IntervalSeconds int    `json:"interval_seconds"`
}

// EmailPoller watches Outlook mailboxes via the Microsoft Graph API and fires
// a trigger per new matching message.
type EmailPoller struct {
	store  *store.Store
	vault  *secrets.Vault
	firer  Firer
	logger *logger.Logger
	client *http.Client
	now    func() time.Time

	// TokenURL and GraphURL are overridable for tests.
	TokenURL string
	GraphURL string

	mu   sync.Mutex
	seen map[string]*seenRing

	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewEmailPoller creates the poller.
func NewEmailPoller(st *store.Store, vault *secrets.Vault, firer Firer, log *logger.Logger) *EmailPoller {
	return &EmailPoller{
		store:    st,
		vault:    vault,
		firer:    firer,
		logger:   log.WithFields(zap.String("component", "email_poller")),
		client:   &http.Client{Timeout: 30 * time.Second},
		now:      func() time.Time { return time.Now().UTC() },
		TokenURL: defaultTokenURL,
		GraphURL: defaultGraphURL,
		seen:     make(map[string]*seenRing),
		stopCh:   make(chan struct{}),
	}
}

// Start launches the poll loop.
func (p *EmailPoller) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(emailPollTick)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				p.poll(ctx)
			case <-p.stopCh:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop ends the poll loop.
func (p *EmailPoller) Stop() {
	p.stopOnce.Do(func() { close(p.stopCh) })
}

func (p *EmailPoller) poll(ctx context.Context) {
	now := p.now()
	due, err := p.store.ListDuePolledTriggers(ctx, store.TriggerEvent, now, pollBatch)
	if err != nil {
		p.logger.Error("list due email triggers failed", zap.Error(err))
		return
	}

	for _, trg := range due {
		var cfg emailConfig
		if err := trg.DecodeConfig(&cfg); err != nil || cfg.ClientID == "" || cfg.RefreshToken == "" {
			p.recordFailure(ctx, trg, fmt.Errorf("invalid email config"))
			continue
		}

		interval := defaultCheckInterval
		if cfg.IntervalSeconds > 0 {
			interval = time.Duration(cfg.IntervalSeconds) * time.Second
		}
		if err := p.store.SetTriggerNextCheck(ctx, trg.ID, now.Add(interval)); err != nil {
			p.logger.Warn("advance next check failed", zap.String("trigger_id", trg.ID), zap.Error(err))
		}

		p.checkMailbox(ctx, trg, cfg)
	}
}

func (p *EmailPoller) checkMailbox(ctx context.Context, trg *store.Trigger, cfg emailConfig) {
	log := p.logger.WithTenant(trg.TenantID).WithFields(zap.String("trigger_id", trg.ID))

	accessToken, err := p.refreshAccessToken(ctx, trg, cfg)
	if err != nil {
		log.Warn("token refresh failed", zap.Error(err))
		p.recordFailure(ctx, trg, err)
		return
	}

	messages, err := p.fetchMessages(ctx, accessToken, cfg)
	if err != nil {
		log.Warn("mailbox fetch failed", zap.Error(err))
		p.recordFailure(ctx, trg, err)
		return
	}

	ring := p.ringFor(trg.ID)
	for _, msg := range messages {
		if !matchesFilters(msg, cfg) {
			continue
		}
		if !ring.Add(msg.ID) {
			continue
		}

		payload := map[string]interface{}{
			"id":           msg.ID,
			"from":         msg.From.EmailAddress.Address,
			"from_name":    msg.From.EmailAddress.Name,
			"subject":      msg.Subject,
			"body_preview": msg.BodyPreview,
			"received_at":  msg.ReceivedDateTime,
		}
		if err := p.firer.Fire(ctx, trg.ID, payload, "email"); err != nil && !errors.Is(err, trigger.ErrSkipped) {
			log.Warn("email firing failed", zap.String("message_id", msg.ID), zap.Error(err))
		}
		if cfg.MarkAsRead {
			if err := p.markAsRead(ctx, accessToken, msg.ID); err != nil {
				log.Warn("mark as read failed", zap.String("message_id", msg.ID), zap.Error(err))
			}
		}
	}
}

type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int    `json:"expires_in"`
}

// refreshAccessToken trades the sealed refresh token for an access token.
// Microsoft rotates refresh tokens; a new one is re-sealed and persisted so
// the trigger survives the rotation.
func (p *EmailPoller) refreshAccessToken(ctx context.Context, trg *store.Trigger, cfg emailConfig) (string, error) {
	refreshToken, err := p.vault.Open(cfg.RefreshToken)
	if err != nil {
		return "", fmt.Errorf("unseal refresh token: %w", err)
	}

	form := url.Values{
		"client_id":     {cfg.ClientID},
		"grant_type":    {"refresh_token"},
		"refresh_token": {refreshToken},
		"scope":         {"https://graph.microsoft.com/Mail.ReadWrite offline_access"},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.TokenURL,
		strings.NewReader(form.Encode()))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := p.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("token endpoint returned %d", resp.StatusCode)
	}

	var tok tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tok); err != nil {
		return "", fmt.Errorf("decode token response: %w", err)
	}
	if tok.AccessToken == "" {
		return "", fmt.Errorf("token response missing access_token")
	}

	if tok.RefreshToken != "" && tok.RefreshToken != refreshToken {
		sealed, err := p.vault.Seal(tok.RefreshToken)
		if err != nil {
			return "", fmt.Errorf("reseal refresh token: %w", err)
		}
		cfg.RefreshToken = sealed
		data, err := json.Marshal(cfg)
		if err == nil {
			if err := p.store.UpdateTriggerConfig(ctx, trg.ID, data); err != nil {
				p.logger.Warn("persist rotated refresh token failed",
					zap.String("trigger_id", trg.ID), zap.Error(err))
			}
		}
	}
	return tok.AccessToken, nil
}

type graphMessage struct {
	ID               string `json:"id"`
	Subject          string `json:"subject"`
	BodyPreview      string `json:"bodyPreview"`
	ReceivedDateTime string `json:"receivedDateTime"`
	IsRead           bool   `json:"isRead"`
	From             struct {
		EmailAddress struct {
			Name    string `json:"name"`
			Address string `json:"address"`
		} `json:"emailAddress"`
	} `json:"from"`
}

func (p *EmailPoller) fetchMessages(ctx context.Context, accessToken string, cfg emailConfig) ([]graphMessage, error) {
	folder := cfg.Folder
	if folder == "" {
		folder = "inbox"
	}
	endpoint := fmt.Sprintf("%s/me/mailFolders/%s/messages", p.GraphURL, url.PathEscape(folder))

	q := url.Values{
		"$top":     {"20"},
		"$orderby": {"receivedDateTime desc"},
	}
	if cfg.UnreadOnly {
		q.Set("$filter", "isRead eq false")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint+"?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("graph messages returned %d", resp.StatusCode)
	}

	var body struct {
		Value []graphMessage `json:"value"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("decode messages: %w", err)
	}
	return body.Value, nil
}

func (p *EmailPoller) markAsRead(ctx context.Context, accessToken, messageID string) error {
	endpoint := fmt.Sprintf("%s/me/messages/%s", p.GraphURL, url.PathEscape(messageID))
	req, err := http.NewRequestWithContext(ctx, http.MethodPatch, endpoint,
		strings.NewReader(`{"isRead":true}`))
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("graph patch returned %d", resp.StatusCode)
	}
	return nil
}

func matchesFilters(msg graphMessage, cfg emailConfig) bool {
	if cfg.FromFilter != "" &&
		!strings.Contains(strings.ToLower(msg.From.EmailAddress.Address), strings.ToLower(cfg.FromFilter)) {
		return false
	}
	if cfg.SubjectFilter != "" &&
		!strings.Contains(strings.ToLower(msg.Subject), strings.ToLower(cfg.SubjectFilter)) {
		return false
	}
	return true
}

func (p *EmailPoller) recordFailure(ctx context.Context, trg *store.Trigger, cause error) {
	count, err := p.store.RecordTriggerFailure(ctx, trg.ID)
	if err != nil {
		p.logger.Warn("record trigger failure failed", zap.String("trigger_id", trg.ID), zap.Error(err))
		return
	}
	if count >= trg.MaxErrors {
		p.logger.Warn("email trigger disabled after repeated failures",
			zap.String("trigger_id", trg.ID), zap.Int("error_count", count), zap.Error(cause))
	}
}

func (p *EmailPoller) ringFor(triggerID string) *seenRing {
	p.mu.Lock()
	defer p.mu.Unlock()
	ring, ok := p.seen[triggerID]
	if !ok {
		ring = newSeenRing(seenRingSize)
		p.seen[triggerID] = ring
	}
	return ring
}

// seenRing is a fixed-size set of recently processed message IDs.
type seenRing struct {
	mu    sync.Mutex
	size  int
	order []string
	set   map[string]struct{}
}

func newSeenRing(size int) *seenRing {
	return &seenRing{size: size, set: make(map[string]struct{}, size)}
}

// Add returns false when the ID was already present.
func (r *seenRing) Add(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.set[id]; ok {
		return false
	}
	r.set[id] = struct{}{}
	r.order = append(r.order, id)
	if len(r.order) > r.size {
		oldest := r.order[0]
		r.order = r.order[1:]
		delete(r.set, oldest)
	}
	return true
}
