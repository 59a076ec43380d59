package processor

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/tendrel/tendrel/internal/assistant"
	"github.com/tendrel/tendrel/internal/events"
	"github.com/tendrel/tendrel/internal/store"
)

// ExecuteScheduledTask runs a due task's prompt through the user's assistant
// and returns the assistant output. previousOutputs is the rolling window of
// earlier runs of the same recurring task, oldest first.
func (p *Processor) ExecuteScheduledTask(ctx context.Context, tenantID, userHandle, prompt string, taskType store.TaskType, previousOutputs []string) (string, error) {
	log := p.logger.WithTenant(tenantID).WithUser(userHandle)

	sess, _, err := p.ensureSession(ctx, tenantID, userHandle)
	if err != nil {
		return "", fmt.Errorf("resolve session: %w", err)
	}

	sessionKey := assistant.SessionKey(sess.ID, sess.ResetTimestamp)
	liveSess, _, err := p.pool.GetOrCreate(ctx, tenantID, userHandle, sessionKey)
	if err != nil {
		return "", fmt.Errorf("spawn assistant: %w", err)
	}

	envelope := buildTaskEnvelope(prompt, taskType, previousOutputs)
	output, err := liveSess.Inject(ctx, envelope)
	if err != nil {
		log.Warn("scheduled task execution failed", zap.Error(err))
		p.publish(ctx, events.TaskFailed, tenantID, map[string]interface{}{
			"tenant_id": tenantID, "user_handle": userHandle,
		})
		return "", err
	}

	p.publish(ctx, events.TaskExecuted, tenantID, map[string]interface{}{
		"tenant_id": tenantID, "user_handle": userHandle,
	})
	return output, nil
}

// ExecuteTriggerPrompt runs a fired trigger's prompt through the assistant.
// eventContext is the interpolated description of what fired.
func (p *Processor) ExecuteTriggerPrompt(ctx context.Context, tenantID, userHandle, prompt, eventContext string, previousOutputs []string) (string, error) {
	sess, _, err := p.ensureSession(ctx, tenantID, userHandle)
	if err != nil {
		return "", fmt.Errorf("resolve session: %w", err)
	}

	sessionKey := assistant.SessionKey(sess.ID, sess.ResetTimestamp)
	liveSess, _, err := p.pool.GetOrCreate(ctx, tenantID, userHandle, sessionKey)
	if err != nil {
		return "", fmt.Errorf("spawn assistant: %w", err)
	}

	var b strings.Builder
	b.WriteString("TRIGGERED TASK - EXECUTE\n\n")
	b.WriteString(prompt)
	if eventContext != "" {
		b.WriteString("\n\nEVENT CONTEXT:\n")
		b.WriteString(eventContext)
	}
	appendPreviousOutputs(&b, previousOutputs)

	return liveSess.Inject(ctx, b.String())
}

// IsAssistantError reports whether err is a real assistant failure rather
// than a transport or validation problem.
func IsAssistantError(err error) bool {
	var aerr *assistant.Error
	return errors.Is(err, assistant.ErrTimeout) || errors.As(err, &aerr)
}

// buildTaskEnvelope prefixes the prompt with a banner so the assistant knows
// this is machine-initiated work, not a live user message.
func buildTaskEnvelope(prompt string, taskType store.TaskType, previousOutputs []string) string {
	var b strings.Builder
	switch taskType {
	case store.TaskReminder:
		b.WriteString("SCHEDULED REMINDER\n\n")
		b.WriteString("Deliver the following reminder to the user in a natural, friendly tone:\n\n")
		b.WriteString(prompt)
	default:
		b.WriteString("SCHEDULED TASK - EXECUTE\n\n")
		b.WriteString(prompt)
		appendPreviousOutputs(&b, previousOutputs)
	}
	return b.String()
}

func appendPreviousOutputs(b *strings.Builder, previousOutputs []string) {
	if len(previousOutputs) == 0 {
		return
	}
	b.WriteString("\n\nPREVIOUS OUTPUTS (oldest first):\n")
	for i, out := range previousOutputs {
		fmt.Fprintf(b, "%d. %s\n", i+1, out)
	}
}
