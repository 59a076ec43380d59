package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
)

const taskColumns = `id, tenant_id, user_handle, task_prompt, task_type, timezone,
	cron_expr, run_at, is_one_time, next_run_at, last_run_at, error_count,
	enabled, lease_owner, lease_expires_at, execution_plan, created_at`

// CreateTask inserts a scheduled task.
func (s *Store) CreateTask(ctx context.Context, t *ScheduledTask) error {
	if t.ID == "" {
		t.ID = uuid.New().String()
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = s.now()
	}
	_, err := s.pool.Writer().ExecContext(ctx, s.rebind(`
		INSERT INTO scheduled_tasks (`+taskColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		t.ID, t.TenantID, t.UserHandle, t.TaskPrompt, t.TaskType, t.Timezone,
		t.CronExpr, t.RunAt, t.IsOneTime, t.NextRunAt, t.LastRunAt, t.ErrorCount,
		t.Enabled, t.LeaseOwner, t.LeaseExpiresAt, t.ExecutionPlan, t.CreatedAt)
	if err != nil {
		return fmt.Errorf("create task: %w", err)
	}
	return nil
}

// GetTask fetches one task scoped by tenant.
func (s *Store) GetTask(ctx context.Context, tenantID, id string) (*ScheduledTask, error) {
	var t ScheduledTask
	err := s.pool.Reader().GetContext(ctx, &t, s.rebind(`
		SELECT `+taskColumns+` FROM scheduled_tasks
		WHERE id = ? AND tenant_id = ?`), id, tenantID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get task: %w", err)
	}
	return &t, nil
}

// ListUserTasks returns a user's tasks ordered by next run.
func (s *Store) ListUserTasks(ctx context.Context, tenantID, userHandle string) ([]*ScheduledTask, error) {
	var tasks []*ScheduledTask
	err := s.pool.Reader().SelectContext(ctx, &tasks, s.rebind(`
		SELECT `+taskColumns+` FROM scheduled_tasks
		WHERE tenant_id = ? AND user_handle = ?
		ORDER BY next_run_at ASC`), tenantID, userHandle)
	if err != nil {
		return nil, fmt.Errorf("list user tasks: %w", err)
	}
	return tasks, nil
}

// CountEnabledTasks reports how many enabled tasks a user has. Enforces the
// per-user cap at creation time.
func (s *Store) CountEnabledTasks(ctx context.Context, tenantID, userHandle string) (int, error) {
	var count int
	err := s.pool.Reader().GetContext(ctx, &count, s.rebind(`
		SELECT COUNT(*) FROM scheduled_tasks
		WHERE tenant_id = ? AND user_handle = ? AND enabled`),
		tenantID, userHandle)
	if err != nil {
		return 0, fmt.Errorf("count enabled tasks: %w", err)
	}
	return count, nil
}

// DeleteTask removes a task (one-shot success path, or user cancellation).
func (s *Store) DeleteTask(ctx context.Context, tenantID, id string) error {
	res, err := s.pool.Writer().ExecContext(ctx, s.rebind(`
		DELETE FROM scheduled_tasks WHERE id = ? AND tenant_id = ?`), id, tenantID)
	if err != nil {
		return fmt.Errorf("delete task: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ClaimDueTasks atomically finds eligible tasks, stamps them with a lease,
// and returns them ordered by next_run_at ascending.
//
// Eligible: enabled, next_run_at <= now, and no live lease. On Postgres the
// claim is a single statement with FOR UPDATE SKIP LOCKED so competing
// workers can never claim the same row. On SQLite the single-writer
// connection serializes claims; each row is still leased with a conditional
// update so a crashed worker's claim expires rather than sticks.
func (s *Store) ClaimDueTasks(ctx context.Context, owner string, ttl time.Duration, limit int, now time.Time) ([]*ScheduledTask, error) {
	expires := now.Add(ttl)

	if s.isPostgres() {
		var tasks []*ScheduledTask
		err := s.pool.Writer().SelectContext(ctx, &tasks, s.rebind(`
			UPDATE scheduled_tasks SET lease_owner = ?, lease_expires_at = ?
			WHERE id IN (
				SELECT id FROM scheduled_tasks
				WHERE enabled AND next_run_at <= ?
					AND (lease_expires_at IS NULL OR lease_expires_at < ?)
				ORDER BY next_run_at ASC
				LIMIT ?
				FOR UPDATE SKIP LOCKED
			)
			RETURNING `+taskColumns),
			owner, expires, now, now, limit)
		if err != nil {
			return nil, fmt.Errorf("claim due tasks: %w", err)
		}
		// RETURNING order is unspecified; restore the claim order.
		sort.Slice(tasks, func(i, j int) bool {
			return tasks[i].NextRunAt.Before(tasks[j].NextRunAt)
		})
		return tasks, nil
	}

	var candidates []*ScheduledTask
	err := s.pool.Writer().SelectContext(ctx, &candidates, s.rebind(`
		SELECT `+taskColumns+` FROM scheduled_tasks
		WHERE enabled AND next_run_at <= ?
			AND (lease_expires_at IS NULL OR lease_expires_at < ?)
		ORDER BY next_run_at ASC
		LIMIT ?`), now, now, limit)
	if err != nil {
		return nil, fmt.Errorf("claim due tasks: %w", err)
	}

	claimed := make([]*ScheduledTask, 0, len(candidates))
	for _, t := range candidates {
		res, err := s.pool.Writer().ExecContext(ctx, s.rebind(`
			UPDATE scheduled_tasks SET lease_owner = ?, lease_expires_at = ?
			WHERE id = ? AND enabled AND next_run_at <= ?
				AND (lease_expires_at IS NULL OR lease_expires_at < ?)`),
			owner, expires, t.ID, now, now)
		if err != nil {
			return nil, fmt.Errorf("lease task %s: %w", t.ID, err)
		}
		if n, _ := res.RowsAffected(); n == 1 {
			t.LeaseOwner = &owner
			leaseExpires := expires
			t.LeaseExpiresAt = &leaseExpires
			claimed = append(claimed, t)
		}
	}
	return claimed, nil
}

// ReleaseTaskLease clears the lease fields.
func (s *Store) ReleaseTaskLease(ctx context.Context, id string) error {
	_, err := s.pool.Writer().ExecContext(ctx, s.rebind(`
		UPDATE scheduled_tasks SET lease_owner = NULL, lease_expires_at = NULL
		WHERE id = ?`), id)
	if err != nil {
		return fmt.Errorf("release task lease: %w", err)
	}
	return nil
}

// CompleteRecurringTask advances a recurring task after a successful run:
// next_run_at moves forward, the error count resets, the rolling output
// window is replaced, and the lease clears.
func (s *Store) CompleteRecurringTask(ctx context.Context, id string, ranAt, nextRunAt time.Time, plan []byte) error {
	res, err := s.pool.Writer().ExecContext(ctx, s.rebind(`
		UPDATE scheduled_tasks
		SET last_run_at = ?, next_run_at = ?, error_count = 0,
			execution_plan = ?, lease_owner = NULL, lease_expires_at = NULL
		WHERE id = ?`), ranAt, nextRunAt, plan, id)
	if err != nil {
		return fmt.Errorf("complete recurring task: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// RecordTaskFailure bumps the error count, optionally disables the task, and
// sets the retry time. The lease clears either way.
func (s *Store) RecordTaskFailure(ctx context.Context, id string, errorCount int, nextRunAt time.Time, disable bool) error {
	res, err := s.pool.Writer().ExecContext(ctx, s.rebind(`
		UPDATE scheduled_tasks
		SET error_count = ?, enabled = ?, next_run_at = ?,
			lease_owner = NULL, lease_expires_at = NULL
		WHERE id = ?`), errorCount, !disable, nextRunAt, id)
	if err != nil {
		return fmt.Errorf("record task failure: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// SetTaskEnabled flips the enabled flag (admin re-enable path). Re-enabling
// also zeroes the error count and pushes next_run_at forward so the task
// does not fire immediately with a stale schedule.
func (s *Store) SetTaskEnabled(ctx context.Context, tenantID, id string, enabled bool, nextRunAt time.Time) error {
	res, err := s.pool.Writer().ExecContext(ctx, s.rebind(`
		UPDATE scheduled_tasks
		SET enabled = ?, error_count = 0, next_run_at = ?
		WHERE id = ? AND tenant_id = ?`), enabled, nextRunAt, id, tenantID)
	if err != nil {
		return fmt.Errorf("set task enabled: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
