// Package sessionpool keeps one live assistant subprocess per (tenant, user)
// and serializes message injection so replies come back in call order.
package sessionpool

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/tendrel/tendrel/internal/assistant"
	"github.com/tendrel/tendrel/internal/common/config"
	"github.com/tendrel/tendrel/internal/common/logger"
)

// cleanInterval is how often the idle cleaner wakes.
const cleanInterval = time.Minute

// Pool owns all live sessions.
type Pool struct {
	runner    assistant.Runner
	cfg       config.AssistantConfig
	publicURL string
	logger    *logger.Logger

	mu       sync.Mutex
	sessions map[string]*Session

	spawns singleflight.Group

	stopOnce sync.Once
	stopCh   chan struct{}
}

// New creates a pool and starts its idle cleaner.
func New(runner assistant.Runner, cfg config.AssistantConfig, publicURL string, log *logger.Logger) *Pool {
	p := &Pool{
		runner:    runner,
		cfg:       cfg,
		publicURL: publicURL,
		logger:    log.WithFields(zap.String("component", "sessionpool")),
		sessions:  make(map[string]*Session),
		stopCh:    make(chan struct{}),
	}
	go p.cleanLoop()
	return p
}

func poolKey(tenantID, userHandle string) string {
	return tenantID + "|" + userHandle
}

// GetOrCreate returns the live session for (tenant, user), spawning one if
// needed. Idempotent under concurrent callers: one spawn, the rest share it.
// created reports whether this call spawned a new subprocess.
func (p *Pool) GetOrCreate(ctx context.Context, tenantID, userHandle, sessionKey string) (*Session, bool, error) {
	key := poolKey(tenantID, userHandle)

	p.mu.Lock()
	if sess, ok := p.sessions[key]; ok && sess.usable(sessionKey) {
		sess.touch()
		p.mu.Unlock()
		return sess, false, nil
	}
	p.mu.Unlock()

	v, err, _ := p.spawns.Do(key, func() (any, error) {
		// Re-check under the flight: a racing caller may have spawned already.
		p.mu.Lock()
		if sess, ok := p.sessions[key]; ok {
			if sess.usable(sessionKey) {
				sess.touch()
				p.mu.Unlock()
				return sess, nil
			}
			// Dead process or stale session key; replace it.
			delete(p.sessions, key)
			p.mu.Unlock()
			sess.shutdown(fmt.Errorf("session replaced"))
		} else {
			p.mu.Unlock()
		}

		opts, err := p.spawnOptions(tenantID, userHandle, sessionKey)
		if err != nil {
			return nil, err
		}
		proc, err := p.runner.Start(ctx, opts)
		if err != nil {
			return nil, err
		}

		sess := &Session{
			pool:       p,
			key:        key,
			tenantID:   tenantID,
			userHandle: userHandle,
			sessionKey: sessionKey,
			proc:       proc,
			lastUsedAt: time.Now(),
			fresh:      true,
		}

		p.mu.Lock()
		p.sessions[key] = sess
		p.mu.Unlock()

		p.logger.Info("session spawned",
			zap.String("tenant_id", tenantID),
			zap.String("user_handle", userHandle))
		return sess, nil
	})
	if err != nil {
		return nil, false, err
	}

	sess := v.(*Session)
	created := sess.takeFresh()
	return sess, created, nil
}

func (p *Pool) spawnOptions(tenantID, userHandle, sessionKey string) (assistant.Options, error) {
	workDir, err := p.tenantWorkDir(tenantID)
	if err != nil {
		return assistant.Options{}, err
	}
	return assistant.Options{
		Command:     p.cfg.Command,
		WorkDir:     workDir,
		SessionKey:  sessionKey,
		Resume:      true,
		TenantID:    tenantID,
		UserHandle:  userHandle,
		CallbackURL: p.publicURL,
		CallTimeout: p.cfg.CallTimeoutDuration(),
	}, nil
}

func (p *Pool) tenantWorkDir(tenantID string) (string, error) {
	root := p.cfg.WorkRoot
	if strings.HasPrefix(root, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve work root: %w", err)
		}
		root = filepath.Join(home, strings.TrimPrefix(root, "~"))
	}
	dir := filepath.Join(root, tenantID)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("create tenant work dir: %w", err)
	}
	return dir, nil
}

// Has reports whether a live session exists for the pair.
func (p *Pool) Has(tenantID, userHandle string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	sess, ok := p.sessions[poolKey(tenantID, userHandle)]
	return ok && sess.proc.Alive()
}

// Count returns the number of registered sessions.
func (p *Pool) Count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.sessions)
}

// Close gracefully shuts down one session. No-op when absent.
func (p *Pool) Close(tenantID, userHandle string) {
	key := poolKey(tenantID, userHandle)
	p.mu.Lock()
	sess, ok := p.sessions[key]
	if ok {
		delete(p.sessions, key)
	}
	p.mu.Unlock()
	if ok {
		sess.shutdown(fmt.Errorf("session closed"))
	}
}

// CloseAll shuts down every session. Called at process termination.
func (p *Pool) CloseAll() {
	p.stopOnce.Do(func() { close(p.stopCh) })

	p.mu.Lock()
	sessions := make([]*Session, 0, len(p.sessions))
	for _, sess := range p.sessions {
		sessions = append(sessions, sess)
	}
	p.sessions = make(map[string]*Session)
	p.mu.Unlock()

	var wg sync.WaitGroup
	for _, sess := range sessions {
		wg.Add(1)
		go func(s *Session) {
			defer wg.Done()
			s.shutdown(fmt.Errorf("pool shutting down"))
		}(sess)
	}
	wg.Wait()
}

// evict removes a session whose process died, if it is still registered.
func (p *Pool) evict(sess *Session) {
	p.mu.Lock()
	if p.sessions[sess.key] == sess {
		delete(p.sessions, sess.key)
	}
	p.mu.Unlock()
}

func (p *Pool) cleanLoop() {
	ticker := time.NewTicker(cleanInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.evictIdle(time.Now())
		}
	}
}

func (p *Pool) evictIdle(now time.Time) {
	idle := p.cfg.IdleTimeoutDuration()
	if idle <= 0 {
		return
	}

	p.mu.Lock()
	var expired []*Session
	for key, sess := range p.sessions {
		if sess.idleSince(now) > idle {
			delete(p.sessions, key)
			expired = append(expired, sess)
		}
	}
	p.mu.Unlock()

	for _, sess := range expired {
		p.logger.Info("evicting idle session",
			zap.String("tenant_id", sess.tenantID),
			zap.String("user_handle", sess.userHandle))
		sess.shutdown(fmt.Errorf("session expired"))
	}
}
