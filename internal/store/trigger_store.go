package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

const triggerColumns = `id, tenant_id, user_handle, name, trigger_type, task_prompt,
	autonomy, config, status, cooldown_seconds, max_errors, error_count,
	last_triggered_at, next_check_at, webhook_path, webhook_secret,
	signature_type, execution_state, created_at`

// CreateTrigger inserts a trigger row. A duplicate webhook path maps to
// ErrDuplicatePath so the tool API can report it cleanly.
func (s *Store) CreateTrigger(ctx context.Context, t *Trigger) error {
	if t.ID == "" {
		t.ID = uuid.New().String()
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = s.now()
	}
	_, err := s.pool.Writer().ExecContext(ctx, s.rebind(`
		INSERT INTO triggers (`+triggerColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		t.ID, t.TenantID, t.UserHandle, t.Name, t.TriggerType, t.TaskPrompt,
		t.Autonomy, t.Config, t.Status, t.CooldownSeconds, t.MaxErrors, t.ErrorCount,
		t.LastTriggeredAt, t.NextCheckAt, t.WebhookPath, t.WebhookSecret,
		t.SignatureType, t.ExecutionState, t.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicatePath
		}
		return fmt.Errorf("create trigger: %w", err)
	}
	return nil
}

// isUniqueViolation detects a unique-constraint failure across both drivers.
func isUniqueViolation(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") || // sqlite3
		strings.Contains(msg, "duplicate key value") // postgres 23505
}

// GetTrigger fetches one trigger scoped by tenant.
func (s *Store) GetTrigger(ctx context.Context, tenantID, id string) (*Trigger, error) {
	var t Trigger
	err := s.pool.Reader().GetContext(ctx, &t, s.rebind(`
		SELECT `+triggerColumns+` FROM triggers
		WHERE id = ? AND tenant_id = ?`), id, tenantID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get trigger: %w", err)
	}
	return &t, nil
}

// GetTriggerByID fetches a trigger without tenant scoping. Internal use only;
// API handlers go through GetTrigger.
func (s *Store) GetTriggerByID(ctx context.Context, id string) (*Trigger, error) {
	var t Trigger
	err := s.pool.Reader().GetContext(ctx, &t, s.rebind(`
		SELECT `+triggerColumns+` FROM triggers WHERE id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get trigger by id: %w", err)
	}
	return &t, nil
}

// UpdateTriggerConfig replaces the per-type config blob. Used by the email
// poller to persist rotated, re-sealed credentials.
func (s *Store) UpdateTriggerConfig(ctx context.Context, id string, config []byte) error {
	res, err := s.pool.Writer().ExecContext(ctx, s.rebind(`
		UPDATE triggers SET config = ? WHERE id = ?`), config, id)
	if err != nil {
		return fmt.Errorf("update trigger config: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// GetTriggerByWebhookPath resolves an inbound webhook hit. Paths are globally
// unique, so this is the one lookup not scoped by tenant.
func (s *Store) GetTriggerByWebhookPath(ctx context.Context, path string) (*Trigger, error) {
	var t Trigger
	err := s.pool.Reader().GetContext(ctx, &t, s.rebind(`
		SELECT `+triggerColumns+` FROM triggers WHERE webhook_path = ?`), path)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get trigger by path: %w", err)
	}
	return &t, nil
}

// ListUserTriggers returns a user's triggers.
func (s *Store) ListUserTriggers(ctx context.Context, tenantID, userHandle string) ([]*Trigger, error) {
	var triggers []*Trigger
	err := s.pool.Reader().SelectContext(ctx, &triggers, s.rebind(`
		SELECT `+triggerColumns+` FROM triggers
		WHERE tenant_id = ? AND user_handle = ?
		ORDER BY created_at ASC`), tenantID, userHandle)
	if err != nil {
		return nil, fmt.Errorf("list user triggers: %w", err)
	}
	return triggers, nil
}

// ListDuePolledTriggers returns ACTIVE triggers of the given type whose
// next_check_at has passed or was never set. Used by the condition and email
// pollers.
func (s *Store) ListDuePolledTriggers(ctx context.Context, triggerType TriggerType, now time.Time, limit int) ([]*Trigger, error) {
	if limit <= 0 {
		limit = 100
	}
	var triggers []*Trigger
	err := s.pool.Reader().SelectContext(ctx, &triggers, s.rebind(`
		SELECT `+triggerColumns+` FROM triggers
		WHERE trigger_type = ? AND status = ?
			AND (next_check_at IS NULL OR next_check_at <= ?)
		ORDER BY next_check_at ASC
		LIMIT ?`), triggerType, TriggerActive, now, limit)
	if err != nil {
		return nil, fmt.Errorf("list due polled triggers: %w", err)
	}
	return triggers, nil
}

// SetTriggerNextCheck advances next_check_at. Called regardless of poll
// outcome so failing sources cannot hot-loop.
func (s *Store) SetTriggerNextCheck(ctx context.Context, id string, next time.Time) error {
	_, err := s.pool.Writer().ExecContext(ctx, s.rebind(`
		UPDATE triggers SET next_check_at = ? WHERE id = ?`), next, id)
	if err != nil {
		return fmt.Errorf("set trigger next check: %w", err)
	}
	return nil
}

// MarkTriggerFired records a successful firing: cooldown anchor moves, the
// error count resets, and the rolling execution state is replaced.
func (s *Store) MarkTriggerFired(ctx context.Context, id string, firedAt time.Time, state []byte) error {
	res, err := s.pool.Writer().ExecContext(ctx, s.rebind(`
		UPDATE triggers
		SET last_triggered_at = ?, error_count = 0, execution_state = ?
		WHERE id = ?`), firedAt, state, id)
	if err != nil {
		return fmt.Errorf("mark trigger fired: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// RecordTriggerFailure bumps the error count and flips status to ERROR once
// the max is reached. Returns the new error count.
func (s *Store) RecordTriggerFailure(ctx context.Context, id string) (int, error) {
	var result struct {
		ErrorCount int `db:"error_count"`
		MaxErrors  int `db:"max_errors"`
	}
	err := s.pool.Writer().GetContext(ctx, &result, s.rebind(`
		SELECT error_count, max_errors FROM triggers WHERE id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("record trigger failure: %w", err)
	}

	newCount := result.ErrorCount + 1
	status := TriggerActive
	if newCount >= result.MaxErrors {
		status = TriggerError
	}
	_, err = s.pool.Writer().ExecContext(ctx, s.rebind(`
		UPDATE triggers SET error_count = ?, status = ? WHERE id = ?`),
		newCount, status, id)
	if err != nil {
		return 0, fmt.Errorf("record trigger failure: %w", err)
	}
	return newCount, nil
}

// SetTriggerStatus flips a trigger's operational status (enable/disable).
// Re-activating clears the error count.
func (s *Store) SetTriggerStatus(ctx context.Context, tenantID, id string, status TriggerStatus) error {
	query := `UPDATE triggers SET status = ? WHERE id = ? AND tenant_id = ?`
	if status == TriggerActive {
		query = `UPDATE triggers SET status = ?, error_count = 0 WHERE id = ? AND tenant_id = ?`
	}
	res, err := s.pool.Writer().ExecContext(ctx, s.rebind(query), status, id, tenantID)
	if err != nil {
		return fmt.Errorf("set trigger status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteTrigger removes a trigger and its executions.
func (s *Store) DeleteTrigger(ctx context.Context, tenantID, id string) error {
	res, err := s.pool.Writer().ExecContext(ctx, s.rebind(`
		DELETE FROM triggers WHERE id = ? AND tenant_id = ?`), id, tenantID)
	if err != nil {
		return fmt.Errorf("delete trigger: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	_, err = s.pool.Writer().ExecContext(ctx, s.rebind(`
		DELETE FROM trigger_executions WHERE trigger_id = ? AND tenant_id = ?`), id, tenantID)
	if err != nil {
		return fmt.Errorf("delete trigger executions: %w", err)
	}
	return nil
}
