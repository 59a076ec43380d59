package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const executionColumns = `id, trigger_id, tenant_id, user_handle, status,
	confirmation_status, confirmation_deadline, confirmed_at, triggered_by,
	input_context, output, error_message, started_at, completed_at, duration_ms`

// InsertExecution records the start of a trigger firing.
func (s *Store) InsertExecution(ctx context.Context, e *TriggerExecution) error {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.StartedAt.IsZero() {
		e.StartedAt = s.now()
	}
	_, err := s.pool.Writer().ExecContext(ctx, s.rebind(`
		INSERT INTO trigger_executions (`+executionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		e.ID, e.TriggerID, e.TenantID, e.UserHandle, e.Status,
		e.ConfirmationStatus, e.ConfirmationDeadline, e.ConfirmedAt, e.TriggeredBy,
		e.InputContext, e.Output, e.ErrorMessage, e.StartedAt, e.CompletedAt, e.DurationMs)
	if err != nil {
		return fmt.Errorf("insert execution: %w", err)
	}
	return nil
}

// GetExecution fetches one execution scoped by tenant.
func (s *Store) GetExecution(ctx context.Context, tenantID, id string) (*TriggerExecution, error) {
	var e TriggerExecution
	err := s.pool.Reader().GetContext(ctx, &e, s.rebind(`
		SELECT `+executionColumns+` FROM trigger_executions
		WHERE id = ? AND tenant_id = ?`), id, tenantID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get execution: %w", err)
	}
	return &e, nil
}

// ListTriggerExecutions returns recent executions for a trigger, newest first.
func (s *Store) ListTriggerExecutions(ctx context.Context, tenantID, triggerID string, limit int) ([]*TriggerExecution, error) {
	if limit <= 0 {
		limit = 20
	}
	var execs []*TriggerExecution
	err := s.pool.Reader().SelectContext(ctx, &execs, s.rebind(`
		SELECT `+executionColumns+` FROM trigger_executions
		WHERE trigger_id = ? AND tenant_id = ?
		ORDER BY started_at DESC
		LIMIT ?`), triggerID, tenantID, limit)
	if err != nil {
		return nil, fmt.Errorf("list trigger executions: %w", err)
	}
	return execs, nil
}

// All state transitions below are conditional on the execution still being in
// the expected prior state. A transition that matches zero rows returns
// ErrStaleState so late writers (an expired confirmation, a double approval)
// lose cleanly instead of clobbering the record.

// MarkExecutionRunning moves PENDING or AWAITING_CONFIRMATION to RUNNING.
func (s *Store) MarkExecutionRunning(ctx context.Context, id string) error {
	res, err := s.pool.Writer().ExecContext(ctx, s.rebind(`
		UPDATE trigger_executions SET status = ?
		WHERE id = ? AND status IN (?, ?)`),
		ExecutionRunning, id, ExecutionPending, ExecutionAwaitingConfirmation)
	if err != nil {
		return fmt.Errorf("mark execution running: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrStaleState
	}
	return nil
}

// MarkExecutionAwaitingConfirmation parks a PENDING execution until the user
// decides, with a hard deadline.
func (s *Store) MarkExecutionAwaitingConfirmation(ctx context.Context, id string, deadline time.Time) error {
	res, err := s.pool.Writer().ExecContext(ctx, s.rebind(`
		UPDATE trigger_executions
		SET status = ?, confirmation_status = ?, confirmation_deadline = ?
		WHERE id = ? AND status = ?`),
		ExecutionAwaitingConfirmation, ConfirmationPending, deadline,
		id, ExecutionPending)
	if err != nil {
		return fmt.Errorf("mark execution awaiting confirmation: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrStaleState
	}
	return nil
}

// ResolveConfirmation records the user's decision on an execution still
// awaiting it. The deadline check is part of the predicate, so an approval
// arriving after expiry maps to ErrStaleState.
func (s *Store) ResolveConfirmation(ctx context.Context, id string, decision ConfirmationStatus, decidedAt time.Time) error {
	res, err := s.pool.Writer().ExecContext(ctx, s.rebind(`
		UPDATE trigger_executions
		SET confirmation_status = ?, confirmed_at = ?
		WHERE id = ? AND status = ? AND confirmation_status = ?
			AND (confirmation_deadline IS NULL OR confirmation_deadline >= ?)`),
		decision, decidedAt, id, ExecutionAwaitingConfirmation,
		ConfirmationPending, decidedAt)
	if err != nil {
		return fmt.Errorf("resolve confirmation: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrStaleState
	}
	return nil
}

// ExpireConfirmation marks an overdue AWAITING_CONFIRMATION execution as
// EXPIRED and CANCELLED. Conditional, so a racing approval wins or loses
// atomically.
func (s *Store) ExpireConfirmation(ctx context.Context, id string, now time.Time) error {
	res, err := s.pool.Writer().ExecContext(ctx, s.rebind(`
		UPDATE trigger_executions
		SET status = ?, confirmation_status = ?, completed_at = ?
		WHERE id = ? AND status = ? AND confirmation_status = ?`),
		ExecutionCancelled, ConfirmationExpired, now,
		id, ExecutionAwaitingConfirmation, ConfirmationPending)
	if err != nil {
		return fmt.Errorf("expire confirmation: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrStaleState
	}
	return nil
}

// CompleteExecution finishes a RUNNING execution with its output.
func (s *Store) CompleteExecution(ctx context.Context, id string, output string, completedAt time.Time, durationMs int64) error {
	res, err := s.pool.Writer().ExecContext(ctx, s.rebind(`
		UPDATE trigger_executions
		SET status = ?, output = ?, completed_at = ?, duration_ms = ?
		WHERE id = ? AND status = ?`),
		ExecutionCompleted, output, completedAt, durationMs,
		id, ExecutionRunning)
	if err != nil {
		return fmt.Errorf("complete execution: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrStaleState
	}
	return nil
}

// FailExecution finishes a PENDING or RUNNING execution with an error.
func (s *Store) FailExecution(ctx context.Context, id string, errMsg string, completedAt time.Time) error {
	res, err := s.pool.Writer().ExecContext(ctx, s.rebind(`
		UPDATE trigger_executions
		SET status = ?, error_message = ?, completed_at = ?
		WHERE id = ? AND status IN (?, ?)`),
		ExecutionFailed, errMsg, completedAt,
		id, ExecutionPending, ExecutionRunning)
	if err != nil {
		return fmt.Errorf("fail execution: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrStaleState
	}
	return nil
}

// CancelExecution cancels a not-yet-terminal execution (user rejection).
func (s *Store) CancelExecution(ctx context.Context, id string, completedAt time.Time) error {
	res, err := s.pool.Writer().ExecContext(ctx, s.rebind(`
		UPDATE trigger_executions
		SET status = ?, completed_at = ?
		WHERE id = ? AND status IN (?, ?)`),
		ExecutionCancelled, completedAt,
		id, ExecutionPending, ExecutionAwaitingConfirmation)
	if err != nil {
		return fmt.Errorf("cancel execution: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrStaleState
	}
	return nil
}

// FindAwaitingConfirmation returns the oldest execution awaiting this user's
// decision, or ErrNotFound. Inbound replies from the user route here first.
func (s *Store) FindAwaitingConfirmation(ctx context.Context, tenantID, userHandle string) (*TriggerExecution, error) {
	var e TriggerExecution
	err := s.pool.Reader().GetContext(ctx, &e, s.rebind(`
		SELECT `+executionColumns+` FROM trigger_executions
		WHERE tenant_id = ? AND user_handle = ? AND status = ?
		ORDER BY started_at ASC
		LIMIT 1`), tenantID, userHandle, ExecutionAwaitingConfirmation)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find awaiting confirmation: %w", err)
	}
	return &e, nil
}

// ListExpiredConfirmations returns executions whose confirmation deadline has
// passed but are still awaiting a decision.
func (s *Store) ListExpiredConfirmations(ctx context.Context, now time.Time, limit int) ([]*TriggerExecution, error) {
	if limit <= 0 {
		limit = 100
	}
	var execs []*TriggerExecution
	err := s.pool.Reader().SelectContext(ctx, &execs, s.rebind(`
		SELECT `+executionColumns+` FROM trigger_executions
		WHERE status = ? AND confirmation_status = ?
			AND confirmation_deadline IS NOT NULL AND confirmation_deadline < ?
		ORDER BY confirmation_deadline ASC
		LIMIT ?`), ExecutionAwaitingConfirmation, ConfirmationPending, now, limit)
	if err != nil {
		return nil, fmt.Errorf("list expired confirmations: %w", err)
	}
	return execs, nil
}
