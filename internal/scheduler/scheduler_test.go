package scheduler

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tendrel/tendrel/internal/common/config"
	"github.com/tendrel/tendrel/internal/common/logger"
	"github.com/tendrel/tendrel/internal/db"
	"github.com/tendrel/tendrel/internal/store"
)

type fakeExecutor struct {
	mu         sync.Mutex
	prompts    []string
	notices    []string
	output     string
	err        error
	deliverErr error
}

func (f *fakeExecutor) ExecuteScheduledTask(ctx context.Context, tenantID, userHandle, prompt string, taskType store.TaskType, previousOutputs []string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.prompts = append(f.prompts, prompt)
	if f.err != nil {
		return "", f.err
	}
	if f.output != "" {
		return f.output, nil
	}
	return "task output", nil
}

func (f *fakeExecutor) Deliver(ctx context.Context, tenant *store.Tenant, userHandle, text string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.notices = append(f.notices, text)
	if f.deliverErr != nil {
		return "", f.deliverErr
	}
	return "notice-1", nil
}

func (f *fakeExecutor) promptCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.prompts)
}

func (f *fakeExecutor) lastPrompt() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.prompts[len(f.prompts)-1]
}

func (f *fakeExecutor) allNotices() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.notices...)
}

func (f *fakeExecutor) lastNotice() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.notices[len(f.notices)-1]
}

type fakeLock struct {
	denied   bool
	acquires int
	releases int
}

func (l *fakeLock) TryAcquire(ctx context.Context) bool {
	l.acquires++
	return !l.denied
}

func (l *fakeLock) Release(ctx context.Context) { l.releases++ }

func setup(t *testing.T) (*Scheduler, *store.Store, *fakeExecutor, *fakeLock) {
	t.Helper()
	pool, err := db.Open(config.DatabaseConfig{Path: filepath.Join(t.TempDir(), "test.db")})
	require.NoError(t, err)
	t.Cleanup(func() { pool.Close() })

	st, err := store.New(context.Background(), pool, logger.Default())
	require.NoError(t, err)

	exec := &fakeExecutor{}
	lock := &fakeLock{}
	s := New(st, lock, exec, nil, "worker-1", logger.Default())
	return s, st, exec, lock
}

func createTenant(t *testing.T, st *store.Store, id string) {
	t.Helper()
	require.NoError(t, st.CreateTenant(context.Background(), &store.Tenant{
		ID:               id,
		Status:           store.TenantActive,
		MessagingChannel: "telegram",
		Onboarding:       store.OnboardingComplete,
	}))
}

func strPtr(s string) *string { return &s }

func TestTickExecutesAndDeletesOneShot(t *testing.T) {
	s, st, exec, _ := setup(t)
	createTenant(t, st, "tenant-1")
	ctx := context.Background()

	now := time.Now().UTC()
	runAt := now.Add(-time.Minute)
	require.NoError(t, st.CreateTask(ctx, &store.ScheduledTask{
		ID:         "task-1",
		TenantID:   "tenant-1",
		UserHandle: "user-1",
		TaskPrompt: "send the weekly report",
		TaskType:   store.TaskExecute,
		Timezone:   "UTC",
		RunAt:      &runAt,
		IsOneTime:  true,
		NextRunAt:  runAt,
		Enabled:    true,
	}))

	s.tick(ctx)

	assert.Equal(t, 1, exec.promptCount())
	_, err := st.GetTask(ctx, "tenant-1", "task-1")
	assert.ErrorIs(t, err, store.ErrNotFound)

	// The assistant's output reaches the user.
	notices := exec.allNotices()
	require.Len(t, notices, 1)
	assert.Equal(t, "task output", notices[0])
}

func TestTickAdvancesRecurringTask(t *testing.T) {
	s, st, exec, _ := setup(t)
	createTenant(t, st, "tenant-1")
	ctx := context.Background()
	exec.output = "run #1 output"

	now := time.Now().UTC()
	require.NoError(t, st.CreateTask(ctx, &store.ScheduledTask{
		ID:         "task-1",
		TenantID:   "tenant-1",
		UserHandle: "user-1",
		TaskPrompt: "summarize inbox",
		TaskType:   store.TaskExecute,
		Timezone:   "UTC",
		CronExpr:   strPtr("0 9 * * *"),
		NextRunAt:  now.Add(-time.Minute),
		Enabled:    true,
	}))

	s.tick(ctx)

	task, err := st.GetTask(ctx, "tenant-1", "task-1")
	require.NoError(t, err)
	assert.True(t, task.NextRunAt.After(now))
	assert.Zero(t, task.ErrorCount)
	assert.Nil(t, task.LeaseOwner)
	require.NotNil(t, task.LastRunAt)
	assert.Equal(t, []string{"run #1 output"}, task.PreviousOutputs())
	assert.Equal(t, []string{"run #1 output"}, exec.allNotices())
}

func TestOverdueNoticeBoundary(t *testing.T) {
	s, st, exec, _ := setup(t)
	createTenant(t, st, "tenant-1")
	ctx := context.Background()

	fixed := time.Date(2026, 3, 3, 10, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return fixed }

	exec.output = "reminder text"

	// Exactly five minutes late: the reply is delivered as-is.
	runAt := fixed.Add(-5 * time.Minute)
	require.NoError(t, st.CreateTask(ctx, &store.ScheduledTask{
		ID: "task-exact", TenantID: "tenant-1", UserHandle: "user-1",
		TaskPrompt: "on time enough", TaskType: store.TaskExecute, Timezone: "UTC",
		RunAt: &runAt, IsOneTime: true, NextRunAt: runAt, Enabled: true,
	}))
	s.tick(ctx)
	require.Equal(t, 1, exec.promptCount())
	assert.Equal(t, "on time enough", exec.lastPrompt())
	assert.Equal(t, "reminder text", exec.lastNotice())

	// Six minutes late: the delivered reply carries the delay notice; the
	// prompt itself stays clean.
	lateAt := fixed.Add(-6 * time.Minute)
	require.NoError(t, st.CreateTask(ctx, &store.ScheduledTask{
		ID: "task-late", TenantID: "tenant-1", UserHandle: "user-1",
		TaskPrompt: "definitely late", TaskType: store.TaskExecute, Timezone: "UTC",
		RunAt: &lateAt, IsOneTime: true, NextRunAt: lateAt, Enabled: true,
	}))
	s.tick(ctx)
	require.Equal(t, 2, exec.promptCount())
	assert.Equal(t, "definitely late", exec.lastPrompt())
	assert.Equal(t, "Delayed 6 minutes: reminder text", exec.lastNotice())
}

func TestFirstFailureSendsApology(t *testing.T) {
	s, st, exec, _ := setup(t)
	createTenant(t, st, "tenant-1")
	ctx := context.Background()
	exec.err = assert.AnError

	now := time.Now().UTC()
	require.NoError(t, st.CreateTask(ctx, &store.ScheduledTask{
		ID: "task-1", TenantID: "tenant-1", UserHandle: "user-1",
		TaskPrompt: "flaky job", TaskType: store.TaskExecute, Timezone: "UTC",
		CronExpr: strPtr("*/5 * * * *"), NextRunAt: now.Add(-time.Minute), Enabled: true,
	}))

	s.tick(ctx)

	task, err := st.GetTask(ctx, "tenant-1", "task-1")
	require.NoError(t, err)
	assert.Equal(t, 1, task.ErrorCount)
	assert.True(t, task.Enabled)
	assert.True(t, task.NextRunAt.After(now))

	notices := exec.allNotices()
	require.Len(t, notices, 1)
	assert.Contains(t, notices[0], "failed")
}

func TestThirdFailureDisablesTask(t *testing.T) {
	s, st, exec, _ := setup(t)
	createTenant(t, st, "tenant-1")
	ctx := context.Background()
	exec.err = assert.AnError

	now := time.Now().UTC()
	require.NoError(t, st.CreateTask(ctx, &store.ScheduledTask{
		ID: "task-1", TenantID: "tenant-1", UserHandle: "user-1",
		TaskPrompt: "broken job", TaskType: store.TaskExecute, Timezone: "UTC",
		CronExpr: strPtr("*/5 * * * *"), NextRunAt: now.Add(-time.Minute),
		ErrorCount: 2, Enabled: true,
	}))

	s.tick(ctx)

	task, err := st.GetTask(ctx, "tenant-1", "task-1")
	require.NoError(t, err)
	assert.Equal(t, 3, task.ErrorCount)
	assert.False(t, task.Enabled)

	notices := exec.allNotices()
	require.Len(t, notices, 1)
	assert.Contains(t, notices[0], "paused")
}

func TestOneShotFailureRetriesInAMinute(t *testing.T) {
	s, st, exec, _ := setup(t)
	createTenant(t, st, "tenant-1")
	ctx := context.Background()
	exec.err = assert.AnError

	fixed := time.Date(2026, 3, 3, 10, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return fixed }

	runAt := fixed.Add(-time.Minute)
	require.NoError(t, st.CreateTask(ctx, &store.ScheduledTask{
		ID: "task-1", TenantID: "tenant-1", UserHandle: "user-1",
		TaskPrompt: "flaky one-shot", TaskType: store.TaskReminder, Timezone: "UTC",
		RunAt: &runAt, IsOneTime: true, NextRunAt: runAt, Enabled: true,
	}))

	s.tick(ctx)

	task, err := st.GetTask(ctx, "tenant-1", "task-1")
	require.NoError(t, err)
	assert.Equal(t, 1, task.ErrorCount)
	assert.True(t, task.Enabled)
	assert.WithinDuration(t, fixed.Add(time.Minute), task.NextRunAt, time.Second)
}

func TestDeliveryFailureCountsAsTaskFailure(t *testing.T) {
	s, st, exec, _ := setup(t)
	createTenant(t, st, "tenant-1")
	ctx := context.Background()
	exec.deliverErr = assert.AnError

	now := time.Now().UTC()
	runAt := now.Add(-time.Minute)
	require.NoError(t, st.CreateTask(ctx, &store.ScheduledTask{
		ID: "task-1", TenantID: "tenant-1", UserHandle: "user-1",
		TaskPrompt: "undeliverable", TaskType: store.TaskExecute, Timezone: "UTC",
		RunAt: &runAt, IsOneTime: true, NextRunAt: runAt, Enabled: true,
	}))

	s.tick(ctx)

	// The run produced output but it never reached the user, so the task is
	// kept for retry instead of being deleted.
	task, err := st.GetTask(ctx, "tenant-1", "task-1")
	require.NoError(t, err)
	assert.Equal(t, 1, task.ErrorCount)
}

func TestLockDeniedSkipsTick(t *testing.T) {
	s, st, exec, lock := setup(t)
	createTenant(t, st, "tenant-1")
	ctx := context.Background()
	lock.denied = true

	now := time.Now().UTC()
	runAt := now.Add(-time.Minute)
	require.NoError(t, st.CreateTask(ctx, &store.ScheduledTask{
		ID: "task-1", TenantID: "tenant-1", UserHandle: "user-1",
		TaskPrompt: "never runs here", TaskType: store.TaskExecute, Timezone: "UTC",
		RunAt: &runAt, IsOneTime: true, NextRunAt: runAt, Enabled: true,
	}))

	s.tick(ctx)

	assert.Equal(t, 1, lock.acquires)
	assert.Zero(t, lock.releases)
	assert.Zero(t, exec.promptCount())
	_, err := st.GetTask(ctx, "tenant-1", "task-1")
	assert.NoError(t, err)
}

func TestTickReleasesLock(t *testing.T) {
	s, _, _, lock := setup(t)

	s.tick(context.Background())
	assert.Equal(t, 1, lock.acquires)
	assert.Equal(t, 1, lock.releases)
}

func TestFutureTaskNotClaimed(t *testing.T) {
	s, st, exec, _ := setup(t)
	createTenant(t, st, "tenant-1")
	ctx := context.Background()

	now := time.Now().UTC()
	runAt := now.Add(time.Hour)
	require.NoError(t, st.CreateTask(ctx, &store.ScheduledTask{
		ID: "task-1", TenantID: "tenant-1", UserHandle: "user-1",
		TaskPrompt: "later", TaskType: store.TaskReminder, Timezone: "UTC",
		RunAt: &runAt, IsOneTime: true, NextRunAt: runAt, Enabled: true,
	}))

	s.tick(ctx)
	assert.Zero(t, exec.promptCount())
}

func TestStopReleasesLock(t *testing.T) {
	s, _, _, lock := setup(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s.Start(ctx)
	s.Stop(ctx)
	// The eager tick released once; Stop releases again defensively.
	assert.Equal(t, 2, lock.releases)
}
