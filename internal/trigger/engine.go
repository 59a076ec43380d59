// Package trigger evaluates fired triggers: it records an execution, applies
// the trigger's autonomy level, and keeps error bookkeeping on the trigger
// row in sync.
package trigger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/tendrel/tendrel/internal/common/logger"
	"github.com/tendrel/tendrel/internal/common/stringutil"
	"github.com/tendrel/tendrel/internal/events"
	"github.com/tendrel/tendrel/internal/events/bus"
	"github.com/tendrel/tendrel/internal/store"
)

const (
	// confirmDeadline bounds how long a CONFIRM execution waits for the user.
	confirmDeadline = 30 * time.Minute
	expirySweep     = time.Minute
	expiryBatch     = 50
)

// ErrSkipped reports that a firing was intentionally not executed
// (breaker open, trigger not active, or cooldown in effect).
var ErrSkipped = errors.New("trigger firing skipped")

// PromptRunner executes trigger prompts through the user's assistant and
// delivers notices. Implemented by the processor.
type PromptRunner interface {
	ExecuteTriggerPrompt(ctx context.Context, tenantID, userHandle, prompt, eventContext string, previousOutputs []string) (string, error)
	Deliver(ctx context.Context, tenant *store.Tenant, userHandle, text string) (string, error)
}

// Engine dispatches trigger firings.
type Engine struct {
	store  *store.Store
	runner PromptRunner
	bus    bus.EventBus
	logger *logger.Logger

	now     func() time.Time
	breaker *breaker

	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewEngine creates an Engine.
func NewEngine(st *store.Store, runner PromptRunner, eventBus bus.EventBus, log *logger.Logger) *Engine {
	now := func() time.Time { return time.Now().UTC() }
	return &Engine{
		store:   st,
		runner:  runner,
		bus:     eventBus,
		logger:  log.WithFields(zap.String("component", "trigger_engine")),
		now:     now,
		breaker: newBreaker(now),
		stopCh:  make(chan struct{}),
	}
}

// Start launches the confirmation-expiry sweep loop.
func (e *Engine) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(expirySweep)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				e.expireOverdueConfirmations(ctx)
			case <-e.stopCh:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop ends the sweep loop.
func (e *Engine) Stop() {
	e.stopOnce.Do(func() { close(e.stopCh) })
}

// Fire handles one firing of the given trigger. payload is the event data
// available to {{path}} interpolation; triggeredBy names the source for the
// audit record ("webhook", "condition", "email").
//
// Returns ErrSkipped when the firing is dropped by the breaker, by a
// non-ACTIVE status, or by the cooldown window.
func (e *Engine) Fire(ctx context.Context, triggerID string, payload map[string]interface{}, triggeredBy string) error {
	if !e.breaker.Allow(triggerID) {
		e.logger.Warn("breaker open, dropping firing", zap.String("trigger_id", triggerID))
		return ErrSkipped
	}

	// Reload for a fresh status; the caller may hold a stale row.
	trg, err := e.reload(ctx, triggerID)
	if err != nil {
		return err
	}
	log := e.logger.WithTenant(trg.TenantID).WithFields(
		zap.String("trigger_id", trg.ID), zap.String("autonomy", string(trg.Autonomy)))

	if trg.Status != store.TriggerActive {
		log.Debug("trigger not active, dropping firing")
		return ErrSkipped
	}

	now := e.now()
	if trg.CooldownSeconds > 0 && trg.LastTriggeredAt != nil {
		cooldownEnd := trg.LastTriggeredAt.Add(time.Duration(trg.CooldownSeconds) * time.Second)
		if now.Before(cooldownEnd) {
			log.Debug("cooldown in effect, dropping firing",
				zap.Time("until", cooldownEnd))
			return ErrSkipped
		}
	}

	inputCtx, _ := json.Marshal(payload)
	exec := &store.TriggerExecution{
		TriggerID:    trg.ID,
		TenantID:     trg.TenantID,
		UserHandle:   trg.UserHandle,
		Status:       store.ExecutionPending,
		TriggeredBy:  triggeredBy,
		InputContext: inputCtx,
		StartedAt:    now,
	}
	if err := e.store.InsertExecution(ctx, exec); err != nil {
		return fmt.Errorf("record execution: %w", err)
	}

	var dispatchErr error
	switch trg.Autonomy {
	case store.AutonomyNotify:
		dispatchErr = e.dispatchNotify(ctx, trg, exec, payload)
	case store.AutonomyConfirm:
		dispatchErr = e.dispatchConfirm(ctx, trg, exec, payload)
	default:
		dispatchErr = e.dispatchAuto(ctx, trg, exec, payload)
	}

	if dispatchErr != nil {
		e.recordFailure(ctx, trg, exec, dispatchErr)
		return dispatchErr
	}

	e.breaker.RecordSuccess(trg.ID)
	if err := e.store.MarkTriggerFired(ctx, trg.ID, e.now(), trg.ExecutionState); err != nil {
		log.Warn("mark trigger fired failed", zap.Error(err))
	}
	e.publish(ctx, events.TriggerFired, trg, map[string]interface{}{
		"trigger_id": trg.ID, "execution_id": exec.ID, "triggered_by": triggeredBy,
	})
	log.Info("trigger fired", zap.String("execution_id", exec.ID))
	return nil
}

// dispatchNotify sends the interpolated message to the user; the assistant is
// not involved.
func (e *Engine) dispatchNotify(ctx context.Context, trg *store.Trigger, exec *store.TriggerExecution, payload map[string]interface{}) error {
	if err := e.store.MarkExecutionRunning(ctx, exec.ID); err != nil {
		return err
	}
	started := e.now()

	text := Interpolate(trg.TaskPrompt, payload)
	tenant, err := e.store.GetTenant(ctx, trg.TenantID)
	if err != nil {
		return err
	}
	if _, err := e.runner.Deliver(ctx, tenant, trg.UserHandle, text); err != nil {
		return err
	}
	return e.store.CompleteExecution(ctx, exec.ID, text, e.now(),
		e.now().Sub(started).Milliseconds())
}

// dispatchConfirm parks the execution and asks the user to approve or reject.
func (e *Engine) dispatchConfirm(ctx context.Context, trg *store.Trigger, exec *store.TriggerExecution, payload map[string]interface{}) error {
	deadline := e.now().Add(confirmDeadline)
	if err := e.store.MarkExecutionAwaitingConfirmation(ctx, exec.ID, deadline); err != nil {
		return err
	}

	tenant, err := e.store.GetTenant(ctx, trg.TenantID)
	if err != nil {
		return err
	}
	ask := fmt.Sprintf(
		"Trigger %q fired:\n\n%s\n\nReply \"yes\" to run it or \"no\" to skip. This request expires in %d minutes.",
		trg.Name, Interpolate(trg.TaskPrompt, payload), int(confirmDeadline.Minutes()))
	if _, err := e.runner.Deliver(ctx, tenant, trg.UserHandle, ask); err != nil {
		return err
	}
	e.publish(ctx, events.TriggerConfirmationRequired, trg, map[string]interface{}{
		"trigger_id": trg.ID, "execution_id": exec.ID,
	})
	return nil
}

// dispatchAuto runs the prompt through the assistant immediately and delivers
// the output.
func (e *Engine) dispatchAuto(ctx context.Context, trg *store.Trigger, exec *store.TriggerExecution, payload map[string]interface{}) error {
	if err := e.store.MarkExecutionRunning(ctx, exec.ID); err != nil {
		return err
	}
	started := e.now()

	eventContext, _ := json.Marshal(payload)
	output, err := e.runner.ExecuteTriggerPrompt(ctx, trg.TenantID, trg.UserHandle,
		Interpolate(trg.TaskPrompt, payload), string(eventContext), trg.PreviousOutputs())
	if err != nil {
		if ferr := e.store.FailExecution(ctx, exec.ID, err.Error(), e.now()); ferr != nil {
			e.logger.Warn("fail execution failed", zap.Error(ferr))
		}
		return err
	}

	if err := e.store.CompleteExecution(ctx, exec.ID, output, e.now(),
		e.now().Sub(started).Milliseconds()); err != nil {
		return err
	}

	// Fire persists the updated state in its success bookkeeping.
	trg.ExecutionState = store.EncodePreviousOutputs(append(trg.PreviousOutputs(), output), 5)

	tenant, err := e.store.GetTenant(ctx, trg.TenantID)
	if err != nil {
		return err
	}
	_, err = e.runner.Deliver(ctx, tenant, trg.UserHandle, output)
	return err
}

// recordFailure keeps the breaker and the durable error count in sync, and
// tells the user when the trigger gets shut off.
func (e *Engine) recordFailure(ctx context.Context, trg *store.Trigger, exec *store.TriggerExecution, cause error) {
	log := e.logger.WithTenant(trg.TenantID).WithFields(zap.String("trigger_id", trg.ID))
	log.Warn("trigger dispatch failed", zap.Error(cause))

	e.breaker.RecordFailure(trg.ID)
	if err := e.store.FailExecution(ctx, exec.ID, cause.Error(), e.now()); err != nil && !errors.Is(err, store.ErrStaleState) {
		log.Warn("fail execution failed", zap.Error(err))
	}

	count, err := e.store.RecordTriggerFailure(ctx, trg.ID)
	if err != nil {
		log.Warn("record trigger failure failed", zap.Error(err))
		return
	}
	if count >= trg.MaxErrors {
		if tenant, terr := e.store.GetTenant(ctx, trg.TenantID); terr == nil {
			_, _ = e.runner.Deliver(ctx, tenant, trg.UserHandle, fmt.Sprintf(
				"Your trigger %q failed %d times in a row and has been disabled. Re-enable it once the underlying problem is fixed.",
				triggerLabel(trg), count))
		}
		e.publish(ctx, events.TriggerDisabled, trg, map[string]interface{}{
			"trigger_id": trg.ID, "error_count": count,
		})
	}
}

// Confirmation replies, matched against the whole message, case-insensitively.
var (
	approveWords = map[string]bool{"yes": true, "y": true, "approve": true, "ok": true}
	rejectWords  = map[string]bool{"no": true, "n": true, "reject": true}
)

// HandlePendingReply implements the processor's ConfirmationHandler: when the
// user has an execution awaiting confirmation, a yes/no style reply decides
// it instead of reaching the assistant.
func (e *Engine) HandlePendingReply(ctx context.Context, tenantID, userHandle, text string) (bool, string, error) {
	word := strings.ToLower(strings.TrimSpace(text))
	approve := approveWords[word]
	reject := rejectWords[word]
	if !approve && !reject {
		return false, "", nil
	}

	exec, err := e.store.FindAwaitingConfirmation(ctx, tenantID, userHandle)
	if errors.Is(err, store.ErrNotFound) {
		// A bare "yes" with nothing pending is a normal message.
		return false, "", nil
	}
	if err != nil {
		return false, "", err
	}

	now := e.now()
	if reject {
		if err := e.store.ResolveConfirmation(ctx, exec.ID, store.ConfirmationRejected, now); err != nil {
			if errors.Is(err, store.ErrStaleState) {
				return true, "That confirmation already expired, so nothing was run.", nil
			}
			return false, "", err
		}
		if err := e.store.CancelExecution(ctx, exec.ID, now); err != nil && !errors.Is(err, store.ErrStaleState) {
			return false, "", err
		}
		e.publishResolved(ctx, exec, store.ConfirmationRejected)
		return true, "Okay, skipped it.", nil
	}

	if err := e.store.ResolveConfirmation(ctx, exec.ID, store.ConfirmationApproved, now); err != nil {
		if errors.Is(err, store.ErrStaleState) {
			return true, "That confirmation already expired, so nothing was run.", nil
		}
		return false, "", err
	}
	if err := e.store.MarkExecutionRunning(ctx, exec.ID); err != nil {
		return false, "", err
	}
	e.publishResolved(ctx, exec, store.ConfirmationApproved)

	trg, err := e.reload(ctx, exec.TriggerID)
	if err != nil {
		return false, "", err
	}
	var payload map[string]interface{}
	_ = json.Unmarshal(exec.InputContext, &payload)

	started := e.now()
	output, err := e.runner.ExecuteTriggerPrompt(ctx, tenantID, userHandle,
		Interpolate(trg.TaskPrompt, payload), string(exec.InputContext), trg.PreviousOutputs())
	if err != nil {
		if ferr := e.store.FailExecution(ctx, exec.ID, err.Error(), e.now()); ferr != nil {
			e.logger.Warn("fail execution failed", zap.Error(ferr))
		}
		return true, "I tried to run it but something went wrong. Check the trigger's history for details.", nil
	}
	if err := e.store.CompleteExecution(ctx, exec.ID, output, e.now(),
		e.now().Sub(started).Milliseconds()); err != nil && !errors.Is(err, store.ErrStaleState) {
		e.logger.Warn("complete execution failed", zap.Error(err))
	}
	state := store.EncodePreviousOutputs(append(trg.PreviousOutputs(), output), 5)
	if err := e.store.MarkTriggerFired(ctx, trg.ID, e.now(), state); err != nil {
		e.logger.Warn("mark trigger fired failed", zap.Error(err))
	}
	return true, output, nil
}

// expireOverdueConfirmations cancels executions whose confirmation window
// passed and tells the user.
func (e *Engine) expireOverdueConfirmations(ctx context.Context) {
	now := e.now()
	overdue, err := e.store.ListExpiredConfirmations(ctx, now, expiryBatch)
	if err != nil {
		e.logger.Warn("list expired confirmations failed", zap.Error(err))
		return
	}

	for _, exec := range overdue {
		if err := e.store.ExpireConfirmation(ctx, exec.ID, now); err != nil {
			// Another instance won the race; nothing to announce.
			if !errors.Is(err, store.ErrStaleState) {
				e.logger.Warn("expire confirmation failed",
					zap.String("execution_id", exec.ID), zap.Error(err))
			}
			continue
		}
		if tenant, terr := e.store.GetTenant(ctx, exec.TenantID); terr == nil {
			_, _ = e.runner.Deliver(ctx, tenant, exec.UserHandle,
				"A trigger confirmation expired without a reply, so the task was not run.")
		}
		e.publishResolved(ctx, exec, store.ConfirmationExpired)
	}
}

// triggerLabel identifies a trigger in notices by the first 30 characters of
// its prompt.
func triggerLabel(trg *store.Trigger) string {
	return stringutil.Truncate(trg.TaskPrompt, 30)
}

func (e *Engine) reload(ctx context.Context, triggerID string) (*store.Trigger, error) {
	trg, err := e.store.GetTriggerByID(ctx, triggerID)
	if err != nil {
		return nil, fmt.Errorf("reload trigger: %w", err)
	}
	return trg, nil
}

func (e *Engine) publish(ctx context.Context, eventType string, trg *store.Trigger, data map[string]interface{}) {
	if e.bus == nil {
		return
	}
	subject := events.BuildTenantSubject(eventType, trg.TenantID)
	if err := e.bus.Publish(ctx, subject, bus.NewEvent(eventType, "trigger_engine", data)); err != nil {
		e.logger.Warn("event publish failed", zap.String("subject", subject), zap.Error(err))
	}
}

func (e *Engine) publishResolved(ctx context.Context, exec *store.TriggerExecution, decision store.ConfirmationStatus) {
	if e.bus == nil {
		return
	}
	subject := events.BuildTenantSubject(events.TriggerConfirmationResolved, exec.TenantID)
	err := e.bus.Publish(ctx, subject, bus.NewEvent(events.TriggerConfirmationResolved, "trigger_engine",
		map[string]interface{}{
			"execution_id": exec.ID,
			"trigger_id":   exec.TriggerID,
			"decision":     string(decision),
		}))
	if err != nil {
		e.logger.Warn("event publish failed", zap.Error(err))
	}
}
