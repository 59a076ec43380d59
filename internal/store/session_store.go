package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// FindActiveSession returns the unique session with ended_at IS NULL for the
// pair, or ErrNotFound.
func (s *Store) FindActiveSession(ctx context.Context, tenantID, userHandle string) (*ConversationSession, error) {
	var sess ConversationSession
	err := s.pool.Reader().GetContext(ctx, &sess, s.rebind(`
		SELECT id, tenant_id, user_handle, started_at, ended_at, reset_timestamp
		FROM conversation_sessions
		WHERE tenant_id = ? AND user_handle = ? AND ended_at IS NULL`),
		tenantID, userHandle)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find active session: %w", err)
	}
	return &sess, nil
}

// CreateSession opens a new conversational window. Callers must have ended
// any prior active session first; the at-most-one invariant is theirs to hold.
func (s *Store) CreateSession(ctx context.Context, tenantID, userHandle string) (*ConversationSession, error) {
	sess := &ConversationSession{
		ID:         uuid.New().String(),
		TenantID:   tenantID,
		UserHandle: userHandle,
		StartedAt:  s.now(),
	}
	_, err := s.pool.Writer().ExecContext(ctx, s.rebind(`
		INSERT INTO conversation_sessions (id, tenant_id, user_handle, started_at)
		VALUES (?, ?, ?, ?)`),
		sess.ID, sess.TenantID, sess.UserHandle, sess.StartedAt)
	if err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	return sess, nil
}

// EndSession closes a session. Conditional on it still being open so a
// concurrent close does not clobber the original end time.
func (s *Store) EndSession(ctx context.Context, sessionID string, endedAt time.Time) error {
	res, err := s.pool.Writer().ExecContext(ctx, s.rebind(`
		UPDATE conversation_sessions SET ended_at = ?
		WHERE id = ? AND ended_at IS NULL`), endedAt, sessionID)
	if err != nil {
		return fmt.Errorf("end session: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrStaleState
	}
	return nil
}

// MarkSessionReset advances the reset timestamp on an open session, which
// changes the derived assistant session key so the subprocess starts fresh.
func (s *Store) MarkSessionReset(ctx context.Context, sessionID string, resetAt time.Time) error {
	res, err := s.pool.Writer().ExecContext(ctx, s.rebind(`
		UPDATE conversation_sessions SET reset_timestamp = ?
		WHERE id = ? AND ended_at IS NULL`), resetAt, sessionID)
	if err != nil {
		return fmt.Errorf("mark session reset: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrStaleState
	}
	return nil
}
