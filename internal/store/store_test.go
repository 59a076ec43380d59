package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tendrel/tendrel/internal/common/config"
	"github.com/tendrel/tendrel/internal/common/logger"
	"github.com/tendrel/tendrel/internal/db"
)

// createTestStore opens a file-backed SQLite store in a temp dir. File-backed
// because the pool keeps separate writer and reader connections.
func createTestStore(t *testing.T) *Store {
	t.Helper()

	pool, err := db.Open(config.DatabaseConfig{
		Path: filepath.Join(t.TempDir(), "test.db"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = pool.Close() })

	s, err := New(context.Background(), pool, logger.Default())
	require.NoError(t, err)
	return s
}

func createTestTenant(t *testing.T, s *Store, id string) {
	t.Helper()
	require.NoError(t, s.CreateTenant(context.Background(), &Tenant{
		ID:               id,
		Status:           TenantActive,
		MessagingChannel: "whatsapp",
		Onboarding:       OnboardingComplete,
	}))
}

func TestTenantRoundTrip(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	createTestTenant(t, s, "tenant-1")

	got, err := s.GetTenant(ctx, "tenant-1")
	require.NoError(t, err)
	assert.Equal(t, TenantActive, got.Status)
	assert.Equal(t, OnboardingComplete, got.Onboarding)

	_, err = s.GetTenant(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSessionLifecycle(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	createTestTenant(t, s, "tenant-1")

	_, err := s.FindActiveSession(ctx, "tenant-1", "+15551234")
	assert.ErrorIs(t, err, ErrNotFound)

	sess, err := s.CreateSession(ctx, "tenant-1", "+15551234")
	require.NoError(t, err)

	found, err := s.FindActiveSession(ctx, "tenant-1", "+15551234")
	require.NoError(t, err)
	assert.Equal(t, sess.ID, found.ID)
	assert.Nil(t, found.EndedAt)

	require.NoError(t, s.EndSession(ctx, sess.ID, time.Now().UTC()))

	// Second close of the same session loses.
	err = s.EndSession(ctx, sess.ID, time.Now().UTC())
	assert.ErrorIs(t, err, ErrStaleState)

	_, err = s.FindActiveSession(ctx, "tenant-1", "+15551234")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMarkSessionResetOnClosedSession(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	createTestTenant(t, s, "tenant-1")

	sess, err := s.CreateSession(ctx, "tenant-1", "user")
	require.NoError(t, err)
	require.NoError(t, s.MarkSessionReset(ctx, sess.ID, time.Now().UTC()))
	require.NoError(t, s.EndSession(ctx, sess.ID, time.Now().UTC()))

	err = s.MarkSessionReset(ctx, sess.ID, time.Now().UTC())
	assert.ErrorIs(t, err, ErrStaleState)
}

func TestMessagesInsertionOrder(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	createTestTenant(t, s, "tenant-1")

	sess, err := s.CreateSession(ctx, "tenant-1", "user")
	require.NoError(t, err)

	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	for i, content := range []string{"hi", "hello back", "thanks"} {
		dir := DirectionInbound
		status := DeliveryReceived
		if i == 1 {
			dir = DirectionOutbound
			status = DeliverySent
		}
		require.NoError(t, s.AppendMessage(ctx, &Message{
			TenantID:       "tenant-1",
			UserHandle:     "user",
			SessionID:      sess.ID,
			Direction:      dir,
			Content:        content,
			DeliveryStatus: status,
			CreatedAt:      base.Add(time.Duration(i) * time.Second),
		}))
	}

	msgs, err := s.ListSessionMessages(ctx, "tenant-1", sess.ID, 10)
	require.NoError(t, err)
	require.Len(t, msgs, 3)
	assert.Equal(t, "hi", msgs[0].Content)
	assert.Equal(t, DirectionOutbound, msgs[1].Direction)
	assert.Equal(t, "thanks", msgs[2].Content)
}

func newTestTask(tenantID, user string, nextRun time.Time) *ScheduledTask {
	cron := "0 9 * * *"
	return &ScheduledTask{
		TenantID:   tenantID,
		UserHandle: user,
		TaskPrompt: "send the morning summary",
		TaskType:   TaskReminder,
		Timezone:   "UTC",
		CronExpr:   &cron,
		NextRunAt:  nextRun,
		Enabled:    true,
	}
}

func TestClaimDueTasks(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	createTestTenant(t, s, "tenant-1")
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	due := newTestTask("tenant-1", "user", now.Add(-time.Minute))
	future := newTestTask("tenant-1", "user", now.Add(time.Hour))
	disabled := newTestTask("tenant-1", "user", now.Add(-time.Minute))
	disabled.Enabled = false
	require.NoError(t, s.CreateTask(ctx, due))
	require.NoError(t, s.CreateTask(ctx, future))
	require.NoError(t, s.CreateTask(ctx, disabled))

	claimed, err := s.ClaimDueTasks(ctx, "worker-a", 5*time.Minute, 50, now)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, due.ID, claimed[0].ID)
	require.NotNil(t, claimed[0].LeaseOwner)
	assert.Equal(t, "worker-a", *claimed[0].LeaseOwner)

	// The live lease blocks a second claimant.
	again, err := s.ClaimDueTasks(ctx, "worker-b", 5*time.Minute, 50, now)
	require.NoError(t, err)
	assert.Empty(t, again)

	// After the lease expires the row is claimable again.
	later := now.Add(6 * time.Minute)
	reclaimed, err := s.ClaimDueTasks(ctx, "worker-b", 5*time.Minute, 50, later)
	require.NoError(t, err)
	require.Len(t, reclaimed, 1)
	assert.Equal(t, due.ID, reclaimed[0].ID)
}

func TestClaimDueTasksOrderAndLimit(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	createTestTenant(t, s, "tenant-1")
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	oldest := newTestTask("tenant-1", "user", now.Add(-3*time.Minute))
	middle := newTestTask("tenant-1", "user", now.Add(-2*time.Minute))
	newest := newTestTask("tenant-1", "user", now.Add(-time.Minute))
	require.NoError(t, s.CreateTask(ctx, newest))
	require.NoError(t, s.CreateTask(ctx, oldest))
	require.NoError(t, s.CreateTask(ctx, middle))

	claimed, err := s.ClaimDueTasks(ctx, "worker-a", 5*time.Minute, 2, now)
	require.NoError(t, err)
	require.Len(t, claimed, 2)
	assert.Equal(t, oldest.ID, claimed[0].ID)
	assert.Equal(t, middle.ID, claimed[1].ID)
}

func TestCompleteRecurringTask(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	createTestTenant(t, s, "tenant-1")
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	task := newTestTask("tenant-1", "user", now.Add(-time.Minute))
	task.ErrorCount = 2
	require.NoError(t, s.CreateTask(ctx, task))
	_, err := s.ClaimDueTasks(ctx, "worker-a", 5*time.Minute, 50, now)
	require.NoError(t, err)

	next := now.Add(24 * time.Hour)
	plan := EncodePreviousOutputs([]string{"first output"}, 5)
	require.NoError(t, s.CompleteRecurringTask(ctx, task.ID, now, next, plan))

	got, err := s.GetTask(ctx, "tenant-1", task.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, got.ErrorCount)
	assert.Nil(t, got.LeaseOwner)
	assert.True(t, got.NextRunAt.Equal(next))
	assert.Equal(t, []string{"first output"}, got.PreviousOutputs())
}

func TestRecordTaskFailureDisables(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	createTestTenant(t, s, "tenant-1")
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	task := newTestTask("tenant-1", "user", now.Add(-time.Minute))
	task.ErrorCount = 2
	require.NoError(t, s.CreateTask(ctx, task))

	require.NoError(t, s.RecordTaskFailure(ctx, task.ID, 3, now.Add(time.Hour), true))

	got, err := s.GetTask(ctx, "tenant-1", task.ID)
	require.NoError(t, err)
	assert.False(t, got.Enabled)
	assert.Equal(t, 3, got.ErrorCount)
	assert.Nil(t, got.LeaseOwner)

	count, err := s.CountEnabledTasks(ctx, "tenant-1", "user")
	require.NoError(t, err)
	assert.Equal(t, 0, count)

	// Re-enable resets the error count.
	require.NoError(t, s.SetTaskEnabled(ctx, "tenant-1", task.ID, true, now.Add(2*time.Hour)))
	got, err = s.GetTask(ctx, "tenant-1", task.ID)
	require.NoError(t, err)
	assert.True(t, got.Enabled)
	assert.Equal(t, 0, got.ErrorCount)
}

func TestEncodePreviousOutputsWindow(t *testing.T) {
	raw := EncodePreviousOutputs([]string{"a", "b", "c", "d", "e", "f", "g"}, 5)
	task := &ScheduledTask{ExecutionPlan: raw}
	assert.Equal(t, []string{"c", "d", "e", "f", "g"}, task.PreviousOutputs())

	empty := &ScheduledTask{}
	assert.Nil(t, empty.PreviousOutputs())
}

func newTestTrigger(tenantID, user string, typ TriggerType) *Trigger {
	return &Trigger{
		TenantID:    tenantID,
		UserHandle:  user,
		Name:        "build failures",
		TriggerType: typ,
		TaskPrompt:  "summarize the failure",
		Autonomy:    AutonomyNotify,
		Status:      TriggerActive,
		MaxErrors:   3,
	}
}

func TestTriggerWebhookPathUnique(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	createTestTenant(t, s, "tenant-1")

	path := "a1b2c3"
	first := newTestTrigger("tenant-1", "user", TriggerWebhook)
	first.WebhookPath = &path
	require.NoError(t, s.CreateTrigger(ctx, first))

	dup := newTestTrigger("tenant-1", "other", TriggerWebhook)
	dup.WebhookPath = &path
	err := s.CreateTrigger(ctx, dup)
	assert.ErrorIs(t, err, ErrDuplicatePath)

	got, err := s.GetTriggerByWebhookPath(ctx, path)
	require.NoError(t, err)
	assert.Equal(t, first.ID, got.ID)

	_, err = s.GetTriggerByWebhookPath(ctx, "nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestTriggerFailureEscalatesToError(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	createTestTenant(t, s, "tenant-1")

	trig := newTestTrigger("tenant-1", "user", TriggerCondition)
	require.NoError(t, s.CreateTrigger(ctx, trig))

	for i := 1; i <= 2; i++ {
		n, err := s.RecordTriggerFailure(ctx, trig.ID)
		require.NoError(t, err)
		assert.Equal(t, i, n)
		got, err := s.GetTrigger(ctx, "tenant-1", trig.ID)
		require.NoError(t, err)
		assert.Equal(t, TriggerActive, got.Status)
	}

	n, err := s.RecordTriggerFailure(ctx, trig.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	got, err := s.GetTrigger(ctx, "tenant-1", trig.ID)
	require.NoError(t, err)
	assert.Equal(t, TriggerError, got.Status)

	// Re-activating clears the count.
	require.NoError(t, s.SetTriggerStatus(ctx, "tenant-1", trig.ID, TriggerActive))
	got, err = s.GetTrigger(ctx, "tenant-1", trig.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, got.ErrorCount)
}

func TestListDuePolledTriggers(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	createTestTenant(t, s, "tenant-1")
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	never := newTestTrigger("tenant-1", "user", TriggerCondition)
	require.NoError(t, s.CreateTrigger(ctx, never))

	past := now.Add(-time.Minute)
	due := newTestTrigger("tenant-1", "user", TriggerCondition)
	due.NextCheckAt = &past
	require.NoError(t, s.CreateTrigger(ctx, due))

	future := now.Add(time.Hour)
	notDue := newTestTrigger("tenant-1", "user", TriggerCondition)
	notDue.NextCheckAt = &future
	require.NoError(t, s.CreateTrigger(ctx, notDue))

	paused := newTestTrigger("tenant-1", "user", TriggerCondition)
	paused.Status = TriggerPaused
	require.NoError(t, s.CreateTrigger(ctx, paused))

	webhook := newTestTrigger("tenant-1", "user", TriggerWebhook)
	require.NoError(t, s.CreateTrigger(ctx, webhook))

	got, err := s.ListDuePolledTriggers(ctx, TriggerCondition, now, 100)
	require.NoError(t, err)
	require.Len(t, got, 2)
	ids := []string{got[0].ID, got[1].ID}
	assert.Contains(t, ids, never.ID)
	assert.Contains(t, ids, due.ID)
}

func TestMarkTriggerFiredResetsErrors(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	createTestTenant(t, s, "tenant-1")
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	trig := newTestTrigger("tenant-1", "user", TriggerCondition)
	require.NoError(t, s.CreateTrigger(ctx, trig))
	_, err := s.RecordTriggerFailure(ctx, trig.ID)
	require.NoError(t, err)

	state := EncodePreviousOutputs([]string{"fired once"}, 5)
	require.NoError(t, s.MarkTriggerFired(ctx, trig.ID, now, state))

	got, err := s.GetTrigger(ctx, "tenant-1", trig.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, got.ErrorCount)
	require.NotNil(t, got.LastTriggeredAt)
	assert.True(t, got.LastTriggeredAt.Equal(now))
	assert.Equal(t, []string{"fired once"}, got.PreviousOutputs())
}

func newTestExecution(s *Store, t *testing.T, tenantID, user string) *TriggerExecution {
	t.Helper()
	trig := newTestTrigger(tenantID, user, TriggerWebhook)
	require.NoError(t, s.CreateTrigger(context.Background(), trig))
	e := &TriggerExecution{
		TriggerID:   trig.ID,
		TenantID:    tenantID,
		UserHandle:  user,
		Status:      ExecutionPending,
		TriggeredBy: "webhook",
	}
	require.NoError(t, s.InsertExecution(context.Background(), e))
	return e
}

func TestExecutionHappyPath(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	createTestTenant(t, s, "tenant-1")
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	e := newTestExecution(s, t, "tenant-1", "user")
	require.NoError(t, s.MarkExecutionRunning(ctx, e.ID))
	require.NoError(t, s.CompleteExecution(ctx, e.ID, "done", now, 1200))

	got, err := s.GetExecution(ctx, "tenant-1", e.ID)
	require.NoError(t, err)
	assert.Equal(t, ExecutionCompleted, got.Status)
	require.NotNil(t, got.Output)
	assert.Equal(t, "done", *got.Output)
	require.NotNil(t, got.DurationMs)
	assert.Equal(t, int64(1200), *got.DurationMs)

	// Terminal states reject further transitions.
	assert.ErrorIs(t, s.MarkExecutionRunning(ctx, e.ID), ErrStaleState)
	assert.ErrorIs(t, s.FailExecution(ctx, e.ID, "late", now), ErrStaleState)
}

func TestConfirmationApproval(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	createTestTenant(t, s, "tenant-1")
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	e := newTestExecution(s, t, "tenant-1", "user")
	deadline := now.Add(30 * time.Minute)
	require.NoError(t, s.MarkExecutionAwaitingConfirmation(ctx, e.ID, deadline))

	pending, err := s.FindAwaitingConfirmation(ctx, "tenant-1", "user")
	require.NoError(t, err)
	assert.Equal(t, e.ID, pending.ID)

	// Approval inside the window succeeds; a second decision loses.
	require.NoError(t, s.ResolveConfirmation(ctx, e.ID, ConfirmationApproved, now.Add(time.Minute)))
	err = s.ResolveConfirmation(ctx, e.ID, ConfirmationRejected, now.Add(2*time.Minute))
	assert.ErrorIs(t, err, ErrStaleState)

	require.NoError(t, s.MarkExecutionRunning(ctx, e.ID))
}

func TestConfirmationExpiry(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	createTestTenant(t, s, "tenant-1")
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	e := newTestExecution(s, t, "tenant-1", "user")
	deadline := now.Add(30 * time.Minute)
	require.NoError(t, s.MarkExecutionAwaitingConfirmation(ctx, e.ID, deadline))

	// An approval after the deadline is a late write.
	err := s.ResolveConfirmation(ctx, e.ID, ConfirmationApproved, deadline.Add(time.Second))
	assert.ErrorIs(t, err, ErrStaleState)

	expired, err := s.ListExpiredConfirmations(ctx, deadline.Add(time.Second), 10)
	require.NoError(t, err)
	require.Len(t, expired, 1)
	require.NoError(t, s.ExpireConfirmation(ctx, e.ID, deadline.Add(time.Second)))

	got, err := s.GetExecution(ctx, "tenant-1", e.ID)
	require.NoError(t, err)
	assert.Equal(t, ExecutionCancelled, got.Status)
	require.NotNil(t, got.ConfirmationStatus)
	assert.Equal(t, ConfirmationExpired, *got.ConfirmationStatus)

	// Expiring twice loses too.
	assert.ErrorIs(t, s.ExpireConfirmation(ctx, e.ID, deadline.Add(time.Minute)), ErrStaleState)

	_, err = s.FindAwaitingConfirmation(ctx, "tenant-1", "user")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDeleteTriggerCascades(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	createTestTenant(t, s, "tenant-1")

	e := newTestExecution(s, t, "tenant-1", "user")
	require.NoError(t, s.DeleteTrigger(ctx, "tenant-1", e.TriggerID))

	_, err := s.GetTrigger(ctx, "tenant-1", e.TriggerID)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = s.GetExecution(ctx, "tenant-1", e.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}
