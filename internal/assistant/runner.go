package assistant

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/tendrel/tendrel/internal/common/logger"
)

// readyTimeout bounds the init handshake after spawn.
const readyTimeout = 30 * time.Second

// Proc is the surface the session pool drives. *Process implements it; tests
// substitute a fake.
type Proc interface {
	InjectMessage(ctx context.Context, text string) (string, error)
	Alive() bool
	Close()
	Kill()
}

// Runner starts assistant processes.
type Runner interface {
	Start(ctx context.Context, opts Options) (Proc, error)
}

// SessionKey derives the subprocess session key. Including the reset
// timestamp means a /reset yields a fresh key, so the subprocess cannot
// resume the old context.
func SessionKey(sessionID string, resetAt *time.Time) string {
	if resetAt == nil {
		return sessionID
	}
	return fmt.Sprintf("%s-r%d", sessionID, resetAt.Unix())
}

// SubprocessRunner spawns real subprocesses with resume-then-fresh retry.
type SubprocessRunner struct {
	logger *logger.Logger
}

// NewSubprocessRunner creates the production runner.
func NewSubprocessRunner(log *logger.Logger) *SubprocessRunner {
	return &SubprocessRunner{logger: log.WithFields(zap.String("component", "assistant"))}
}

// Start spawns with resume first. A keyed session the subprocess does not
// know fails fast with a no-such-session marker; the failed child is killed
// and a fresh session is started instead.
func (r *SubprocessRunner) Start(ctx context.Context, opts Options) (Proc, error) {
	if opts.Resume {
		p, err := r.startOnce(ctx, opts)
		if err == nil {
			return p, nil
		}
		if !errors.Is(err, ErrNoSuchSession) {
			return nil, err
		}
		r.logger.Info("resume failed, starting fresh session",
			zap.String("session_key", opts.SessionKey))
	}

	fresh := opts
	fresh.Resume = false
	return r.startOnce(ctx, fresh)
}

func (r *SubprocessRunner) startOnce(ctx context.Context, opts Options) (Proc, error) {
	p, err := spawn(opts, r.logger)
	if err != nil {
		return nil, err
	}

	readyCtx, cancel := context.WithTimeout(ctx, readyTimeout)
	defer cancel()
	if err := p.WaitReady(readyCtx); err != nil {
		p.Kill()
		return nil, err
	}
	return p, nil
}
