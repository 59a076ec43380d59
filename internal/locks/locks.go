// Package locks provides the cluster-wide scheduler leader lock.
//
// The lock is held for the duration of one tick and released at its end. On
// Postgres it is a session advisory lock on a dedicated connection, so it
// also vanishes the moment the holder's connection dies. On SQLite, where
// only one process owns the file anyway, the lock degrades to a lease row
// with an expiry.
package locks

import (
	"context"
	"database/sql"
	"time"

	"go.uber.org/zap"

	"github.com/tendrel/tendrel/internal/common/logger"
	"github.com/tendrel/tendrel/internal/db"
	"github.com/tendrel/tendrel/internal/db/dialect"
)

// Advisory lock key, two int32s. Stable across releases; changing them would
// let two versions schedule concurrently during a rolling deploy.
const (
	lockClassID = 7345
	lockObjID   = 9913
)

// SchedulerLock guards the scheduler tick so exactly one instance runs it.
type SchedulerLock struct {
	pool   *db.Pool
	logger *logger.Logger
	owner  string
	ttl    time.Duration

	// conn pins the advisory lock to one session. Nil when not held or when
	// running on SQLite.
	conn *sql.Conn
	held bool
}

// New creates a lock with a unique owner identity for the lease fallback.
func New(pool *db.Pool, log *logger.Logger, owner string, ttl time.Duration) *SchedulerLock {
	return &SchedulerLock{
		pool:   pool,
		logger: log.WithFields(zap.String("component", "scheduler_lock"), zap.String("owner", owner)),
		owner:  owner,
		ttl:    ttl,
	}
}

// TryAcquire attempts to take or renew the lock without blocking. A false
// return means another instance holds it, or the backend is unreachable;
// either way the caller skips this tick.
func (l *SchedulerLock) TryAcquire(ctx context.Context) bool {
	if dialect.IsPostgres(l.pool.DriverName()) {
		return l.tryAdvisory(ctx)
	}
	return l.tryLease(ctx)
}

func (l *SchedulerLock) tryAdvisory(ctx context.Context) bool {
	// A leftover connection means the last Release never ran; drop it so the
	// session lock cannot outlive its tick.
	l.dropConn()

	conn, err := l.pool.Writer().DB.Conn(ctx)
	if err != nil {
		l.logger.Warn("advisory lock connection unavailable", zap.Error(err))
		return false
	}

	var got bool
	err = conn.QueryRowContext(ctx,
		"SELECT pg_try_advisory_lock($1, $2)", lockClassID, lockObjID).Scan(&got)
	if err != nil {
		l.logger.Warn("advisory lock query failed", zap.Error(err))
		_ = conn.Close()
		return false
	}
	if !got {
		_ = conn.Close()
		return false
	}

	l.conn = conn
	l.held = true
	return true
}

func (l *SchedulerLock) tryLease(ctx context.Context) bool {
	now := time.Now().UTC()
	res, err := l.pool.Writer().ExecContext(ctx, l.pool.Writer().Rebind(`
		UPDATE scheduler_lock SET owner = ?, expires_at = ?
		WHERE id = 1 AND (owner IS NULL OR owner = ? OR expires_at < ?)`),
		l.owner, now.Add(l.ttl), l.owner, now)
	if err != nil {
		l.logger.Warn("lease lock update failed", zap.Error(err))
		return false
	}
	n, _ := res.RowsAffected()
	l.held = n == 1
	return l.held
}

// Release gives the lock up. Safe to call when not held.
func (l *SchedulerLock) Release(ctx context.Context) {
	if !l.held {
		return
	}
	l.held = false

	if dialect.IsPostgres(l.pool.DriverName()) {
		if l.conn != nil {
			_, err := l.conn.ExecContext(ctx,
				"SELECT pg_advisory_unlock($1, $2)", lockClassID, lockObjID)
			if err != nil {
				l.logger.Warn("advisory unlock failed", zap.Error(err))
			}
			l.dropConn()
		}
		return
	}

	_, err := l.pool.Writer().ExecContext(ctx, l.pool.Writer().Rebind(`
		UPDATE scheduler_lock SET owner = NULL, expires_at = NULL
		WHERE id = 1 AND owner = ?`), l.owner)
	if err != nil {
		l.logger.Warn("lease lock release failed", zap.Error(err))
	}
}

func (l *SchedulerLock) dropConn() {
	if l.conn != nil {
		_ = l.conn.Close()
		l.conn = nil
	}
}
