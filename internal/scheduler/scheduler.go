// Package scheduler runs the minute-cadence loop that claims and executes due
// scheduled tasks. Cluster safety comes from the leader lock plus per-row
// leases; a tick on one instance can never double-run a task claimed by
// another.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/tendrel/tendrel/internal/common/logger"
	"github.com/tendrel/tendrel/internal/common/stringutil"
	"github.com/tendrel/tendrel/internal/events"
	"github.com/tendrel/tendrel/internal/events/bus"
	"github.com/tendrel/tendrel/internal/schedule"
	"github.com/tendrel/tendrel/internal/store"
)

const (
	tickInterval = time.Minute
	leaseTTL     = 5 * time.Minute
	claimLimit   = 50
	// overdueNotice is the lateness beyond which the delivered reply carries
	// a delay notice. Exactly this much lateness gets no notice.
	overdueNotice = 5 * time.Minute
	oneShotRetry  = time.Minute
	retryDelay    = 5 * time.Minute
	maxErrors     = 3
	drainTimeout  = 30 * time.Second
)

// Executor runs a task's prompt through the user's assistant and delivers
// operational notices. Implemented by the processor.
type Executor interface {
	ExecuteScheduledTask(ctx context.Context, tenantID, userHandle, prompt string, taskType store.TaskType, previousOutputs []string) (string, error)
	Deliver(ctx context.Context, tenant *store.Tenant, userHandle, text string) (string, error)
}

// Locker is the cluster leader lock for the tick.
type Locker interface {
	TryAcquire(ctx context.Context) bool
	Release(ctx context.Context)
}

// Scheduler owns the tick loop.
type Scheduler struct {
	store    *store.Store
	lock     Locker
	executor Executor
	bus      bus.EventBus
	logger   *logger.Logger
	owner    string

	now       func() time.Time
	isRunning atomic.Bool
	stopCh    chan struct{}
	stopOnce  sync.Once
	wg        sync.WaitGroup

	mu       sync.Mutex
	inFlight map[string]struct{}
}

// New creates a Scheduler. owner identifies this instance in task leases.
func New(st *store.Store, lock Locker, executor Executor, eventBus bus.EventBus, owner string, log *logger.Logger) *Scheduler {
	return &Scheduler{
		store:    st,
		lock:     lock,
		executor: executor,
		bus:      eventBus,
		logger:   log.WithFields(zap.String("component", "scheduler"), zap.String("owner", owner)),
		owner:    owner,
		now:      func() time.Time { return time.Now().UTC() },
		stopCh:   make(chan struct{}),
		inFlight: make(map[string]struct{}),
	}
}

// Start launches the loop: one eager tick immediately, then every minute.
func (s *Scheduler) Start(ctx context.Context) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.tick(ctx)

		ticker := time.NewTicker(tickInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				s.tick(ctx)
			case <-s.stopCh:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
	s.logger.Info("scheduler started")
}

// Stop ends the loop and waits for in-flight work, up to drainTimeout. The
// leader lock is released either way.
func (s *Scheduler) Stop(ctx context.Context) {
	s.stopOnce.Do(func() { close(s.stopCh) })

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(drainTimeout):
		s.logger.Warn("scheduler stop timed out draining in-flight tasks")
	}

	s.lock.Release(ctx)
	s.logger.Info("scheduler stopped")
}

// tick claims due tasks and executes them sequentially. Overlapping ticks are
// skipped rather than queued; the work catches up next minute.
func (s *Scheduler) tick(ctx context.Context) {
	if !s.isRunning.CompareAndSwap(false, true) {
		s.logger.Warn("previous tick still running, skipping")
		return
	}
	defer s.isRunning.Store(false)

	if !s.lock.TryAcquire(ctx) {
		return
	}
	// The leader lock covers one tick; other instances get their shot at the
	// next minute.
	defer s.lock.Release(ctx)

	now := s.now()
	tasks, err := s.store.ClaimDueTasks(ctx, s.owner, leaseTTL, claimLimit, now)
	if err != nil {
		s.logger.Error("claim due tasks failed", zap.Error(err))
		return
	}
	if len(tasks) == 0 {
		return
	}
	s.logger.Info("claimed due tasks", zap.Int("count", len(tasks)))

	for i, task := range tasks {
		select {
		case <-s.stopCh:
			// Shutdown mid-batch: hand the untouched claims back so another
			// instance can pick them up before the lease would expire.
			for _, rest := range tasks[i:] {
				if err := s.store.ReleaseTaskLease(ctx, rest.ID); err != nil {
					s.logger.Warn("release lease on shutdown failed",
						zap.String("task_id", rest.ID), zap.Error(err))
				}
			}
			return
		default:
		}
		s.executeTask(ctx, task)
	}
}

func (s *Scheduler) executeTask(ctx context.Context, task *store.ScheduledTask) {
	log := s.logger.WithTenant(task.TenantID).WithFields(
		zap.String("task_id", task.ID), zap.String("task_type", string(task.TaskType)))

	s.mu.Lock()
	if _, busy := s.inFlight[task.ID]; busy {
		s.mu.Unlock()
		return
	}
	s.inFlight[task.ID] = struct{}{}
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.inFlight, task.ID)
		s.mu.Unlock()
	}()

	now := s.now()
	output, err := s.executor.ExecuteScheduledTask(
		ctx, task.TenantID, task.UserHandle, task.TaskPrompt, task.TaskType, task.PreviousOutputs())
	if err != nil {
		s.handleFailure(ctx, task, err)
		return
	}

	reply := output
	if overdue := now.Sub(task.NextRunAt); overdue > overdueNotice {
		reply = fmt.Sprintf("Delayed %d minutes: %s", int(overdue.Minutes()), output)
	}
	if err := s.deliver(ctx, task, reply); err != nil {
		s.handleFailure(ctx, task, err)
		return
	}

	log.Info("task executed")
	if task.IsOneTime {
		if err := s.store.DeleteTask(ctx, task.TenantID, task.ID); err != nil && !errors.Is(err, store.ErrNotFound) {
			log.Error("delete one-shot task failed", zap.Error(err))
		}
		return
	}

	ranAt := s.now()
	next, err := s.nextFire(task, ranAt)
	if err != nil {
		log.Error("compute next run failed", zap.Error(err))
		next = ranAt.Add(retryDelay)
	}
	plan := store.EncodePreviousOutputs(append(task.PreviousOutputs(), reply), 5)
	if err := s.store.CompleteRecurringTask(ctx, task.ID, ranAt, next, plan); err != nil {
		log.Error("complete recurring task failed", zap.Error(err))
	}
}

// handleFailure bumps the error count, reschedules or disables, and keeps the
// user informed: an apology on the first failure, a pause notice when the
// task is disabled.
func (s *Scheduler) handleFailure(ctx context.Context, task *store.ScheduledTask, cause error) {
	log := s.logger.WithTenant(task.TenantID).WithFields(zap.String("task_id", task.ID))
	log.Warn("task execution failed", zap.Error(cause))

	count := task.ErrorCount + 1
	disable := count >= maxErrors

	now := s.now()
	next := now.Add(oneShotRetry)
	if !task.IsOneTime {
		next = now.Add(retryDelay)
		if n, err := s.nextFire(task, now); err == nil {
			next = n
		}
	}

	if err := s.store.RecordTaskFailure(ctx, task.ID, count, next, disable); err != nil {
		log.Error("record task failure failed", zap.Error(err))
		return
	}

	switch {
	case disable:
		s.notify(ctx, task, fmt.Sprintf(
			"Your scheduled task %q failed %d times in a row and has been paused. Ask me to re-enable it once the underlying problem is fixed.",
			taskLabel(task), count))
		s.publish(ctx, events.TaskDisabled, task)
	case count == 1:
		s.notify(ctx, task, fmt.Sprintf(
			"Sorry, your scheduled task %q just failed. I'll retry it automatically.",
			taskLabel(task)))
		s.publish(ctx, events.TaskFailed, task)
	}
}

func (s *Scheduler) nextFire(task *store.ScheduledTask, after time.Time) (time.Time, error) {
	if task.CronExpr == nil {
		return time.Time{}, fmt.Errorf("task %s has no cron expression", task.ID)
	}
	return schedule.NextFire(*task.CronExpr, task.Timezone, after)
}

// deliver sends text to the task's user over the tenant's channel.
func (s *Scheduler) deliver(ctx context.Context, task *store.ScheduledTask, text string) error {
	tenant, err := s.store.GetTenant(ctx, task.TenantID)
	if err != nil {
		return err
	}
	_, err = s.executor.Deliver(ctx, tenant, task.UserHandle, text)
	return err
}

func (s *Scheduler) notify(ctx context.Context, task *store.ScheduledTask, text string) {
	if err := s.deliver(ctx, task, text); err != nil {
		s.logger.Warn("notice delivery failed", zap.Error(err))
	}
}

func (s *Scheduler) publish(ctx context.Context, eventType string, task *store.ScheduledTask) {
	if s.bus == nil {
		return
	}
	subject := events.BuildTenantSubject(eventType, task.TenantID)
	err := s.bus.Publish(ctx, subject, bus.NewEvent(eventType, "scheduler", map[string]interface{}{
		"tenant_id":   task.TenantID,
		"user_handle": task.UserHandle,
		"task_id":     task.ID,
	}))
	if err != nil {
		s.logger.Warn("event publish failed", zap.String("subject", subject), zap.Error(err))
	}
}

// taskLabel identifies a task in notices by the first 30 characters of its
// prompt.
func taskLabel(task *store.ScheduledTask) string {
	return stringutil.Truncate(task.TaskPrompt, 30)
}
