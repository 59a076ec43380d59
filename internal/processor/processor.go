// Package processor routes inbound chat messages to the assistant and builds
// the prompt envelopes for scheduled and triggered work.
package processor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/tendrel/tendrel/internal/assistant"
	"github.com/tendrel/tendrel/internal/common/config"
	"github.com/tendrel/tendrel/internal/common/logger"
	"github.com/tendrel/tendrel/internal/events"
	"github.com/tendrel/tendrel/internal/events/bus"
	"github.com/tendrel/tendrel/internal/sessionpool"
	"github.com/tendrel/tendrel/internal/store"
	"github.com/tendrel/tendrel/internal/transport"
)

// Fixed user-facing strings. Terse on purpose; no stack traces reach users.
const (
	replyTimedOut       = "Request timed out"
	replyGenericFailure = "Sorry, something went wrong while processing your message. Please try again."
	replyFreshSession   = "Started a fresh conversation."
	replyReonboard      = "Onboarding restarted. Tell me about yourself and what you'd like help with."
	replyCancelled      = "Cancelled the current request."
	replyNothingCancel  = "Nothing to cancel."
)

// ValidationError is bad input from a user or tool caller.
type ValidationError struct {
	Msg string
}

func (e *ValidationError) Error() string { return e.Msg }

// Result is the outcome of ProcessIncoming.
type Result struct {
	Success        bool
	Reply          string
	ReplyMessageID string
	Error          string
}

// ConfirmationHandler intercepts inbound text when the user has a trigger
// execution awaiting their decision. Implemented by the trigger engine.
type ConfirmationHandler interface {
	// HandlePendingReply returns handled=false when no confirmation is
	// pending, letting the message flow to the assistant.
	HandlePendingReply(ctx context.Context, tenantID, userHandle, text string) (handled bool, reply string, err error)
}

// Processor is the conversational core.
type Processor struct {
	store     *store.Store
	pool      *sessionpool.Pool
	resolver  *transport.Resolver
	bus       bus.EventBus
	cfg       config.AssistantConfig
	logger    *logger.Logger
	confirmer ConfirmationHandler
}

// New creates a Processor.
func New(st *store.Store, pool *sessionpool.Pool, resolver *transport.Resolver, eventBus bus.EventBus, cfg config.AssistantConfig, log *logger.Logger) *Processor {
	return &Processor{
		store:    st,
		pool:     pool,
		resolver: resolver,
		bus:      eventBus,
		cfg:      cfg,
		logger:   log.WithFields(zap.String("component", "processor")),
	}
}

// SetConfirmationHandler wires the trigger engine in after construction; the
// engine itself depends on the processor for AUTO executions.
func (p *Processor) SetConfirmationHandler(h ConfirmationHandler) {
	p.confirmer = h
}

// ProcessIncoming handles one inbound message end to end: validation, slash
// commands, confirmation replies, session routing, the assistant round trip,
// persistence, and the outbound send.
func (p *Processor) ProcessIncoming(ctx context.Context, tenantID, userHandle, text, transportMessageID string) Result {
	log := p.logger.WithTenant(tenantID).WithUser(userHandle)

	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return Result{Error: "empty message"}
	}
	if max := p.cfg.MaxMessageChars; max > 0 && len([]rune(trimmed)) > max {
		return Result{Error: fmt.Sprintf("message exceeds %d characters", max)}
	}

	tenant, err := p.store.GetTenant(ctx, tenantID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return Result{Error: "unknown tenant"}
		}
		log.Error("tenant lookup failed", zap.Error(err))
		return Result{Error: "internal error"}
	}
	if tenant.Status != store.TenantActive {
		return Result{Error: "tenant suspended"}
	}

	if reply, ok := p.handleSlashCommand(ctx, tenant, userHandle, trimmed); ok {
		return p.respond(ctx, tenant, userHandle, trimmed, transportMessageID, reply, nil)
	}

	if p.confirmer != nil {
		handled, reply, err := p.confirmer.HandlePendingReply(ctx, tenantID, userHandle, trimmed)
		if err != nil {
			log.Error("confirmation reply handling failed", zap.Error(err))
			return p.respond(ctx, tenant, userHandle, trimmed, transportMessageID, replyGenericFailure, err)
		}
		if handled {
			return p.respond(ctx, tenant, userHandle, trimmed, transportMessageID, reply, nil)
		}
	}

	sess, hadSession, err := p.ensureSession(ctx, tenantID, userHandle)
	if err != nil {
		log.Error("session lookup failed", zap.Error(err))
		return Result{Error: "internal error"}
	}

	sessionKey := assistant.SessionKey(sess.ID, sess.ResetTimestamp)
	liveSess, created, err := p.pool.GetOrCreate(ctx, tenantID, userHandle, sessionKey)
	if err != nil {
		log.Error("assistant spawn failed", zap.Error(err))
		return p.respond(ctx, tenant, userHandle, trimmed, transportMessageID, replyGenericFailure, err)
	}
	if created && hadSession {
		// The subprocess had been evicted while the conversation window
		// stayed open; downstream learners key off this signal.
		p.publish(ctx, events.SessionExpired, tenantID, map[string]interface{}{
			"tenant_id":   tenantID,
			"user_handle": userHandle,
			"session_id":  sess.ID,
		})
	}

	prompt := trimmed
	if banner := onboardingBanner(tenant.Onboarding); banner != "" {
		prompt = banner + "\n\n" + trimmed
	}

	reply, err := liveSess.Inject(ctx, prompt)
	if err != nil {
		log.Warn("assistant call failed", zap.Error(err))
		return p.respond(ctx, tenant, userHandle, trimmed, transportMessageID, mapAssistantError(err), err)
	}

	p.publish(ctx, events.MessageReceived, tenantID, map[string]interface{}{
		"tenant_id":   tenantID,
		"user_handle": userHandle,
		"session_id":  sess.ID,
	})
	return p.respond(ctx, tenant, userHandle, trimmed, transportMessageID, reply, nil)
}

func mapAssistantError(err error) string {
	if errors.Is(err, assistant.ErrTimeout) {
		return replyTimedOut
	}
	return replyGenericFailure
}

// handleSlashCommand handles whole-message commands, case-insensitively.
// Returns ok=false when the text is not a command.
func (p *Processor) handleSlashCommand(ctx context.Context, tenant *store.Tenant, userHandle, text string) (string, bool) {
	switch strings.ToLower(text) {
	case "/reset", "/new":
		return p.resetSession(ctx, tenant.ID, userHandle), true
	case "/reonboard":
		if err := p.store.SetTenantOnboarding(ctx, tenant.ID, store.OnboardingDiscovery); err != nil {
			p.logger.Error("reonboard failed", zap.Error(err))
			return replyGenericFailure, true
		}
		tenant.Onboarding = store.OnboardingDiscovery
		return replyReonboard, true
	case "/cancel":
		if p.pool.Has(tenant.ID, userHandle) {
			p.pool.Close(tenant.ID, userHandle)
			return replyCancelled, true
		}
		return replyNothingCancel, true
	}
	return "", false
}

func (p *Processor) resetSession(ctx context.Context, tenantID, userHandle string) string {
	now := time.Now().UTC()
	if sess, err := p.store.FindActiveSession(ctx, tenantID, userHandle); err == nil {
		if err := p.store.EndSession(ctx, sess.ID, now); err != nil && !errors.Is(err, store.ErrStaleState) {
			p.logger.Error("end session failed", zap.Error(err))
			return replyGenericFailure
		}
		p.publish(ctx, events.SessionEnded, tenantID, map[string]interface{}{
			"tenant_id": tenantID, "session_id": sess.ID,
		})
	}
	p.pool.Close(tenantID, userHandle)

	if _, err := p.store.CreateSession(ctx, tenantID, userHandle); err != nil {
		p.logger.Error("create session failed", zap.Error(err))
		return replyGenericFailure
	}
	p.publish(ctx, events.SessionReset, tenantID, map[string]interface{}{
		"tenant_id": tenantID, "user_handle": userHandle,
	})
	return replyFreshSession
}

// ensureSession returns the open conversation window, creating one when
// absent. hadSession reports whether a window already existed.
func (p *Processor) ensureSession(ctx context.Context, tenantID, userHandle string) (*store.ConversationSession, bool, error) {
	sess, err := p.store.FindActiveSession(ctx, tenantID, userHandle)
	if err == nil {
		return sess, true, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, false, err
	}

	sess, err = p.store.CreateSession(ctx, tenantID, userHandle)
	if err != nil {
		return nil, false, err
	}
	p.publish(ctx, events.SessionStarted, tenantID, map[string]interface{}{
		"tenant_id": tenantID, "user_handle": userHandle, "session_id": sess.ID,
	})
	return sess, false, nil
}

func onboardingBanner(status store.OnboardingStatus) string {
	switch status {
	case store.OnboardingDiscovery:
		return "[ONBOARDING - DISCOVERY] The tenant is still in discovery. Ask about their business and goals before solving tasks."
	case store.OnboardingBuilding:
		return "[ONBOARDING - BUILDING] The tenant's setup is still being built out. Prefer clarifying questions over assumptions."
	}
	return ""
}

// respond persists the inbound/outbound pair and delivers the reply. A
// transport failure flips the result to a delivery failure; the reply is
// still persisted with status FAILED.
func (p *Processor) respond(ctx context.Context, tenant *store.Tenant, userHandle, inboundText, transportMessageID, reply string, cause error) Result {
	log := p.logger.WithTenant(tenant.ID).WithUser(userHandle)

	sessionID := ""
	if sess, err := p.store.FindActiveSession(ctx, tenant.ID, userHandle); err == nil {
		sessionID = sess.ID
	}

	if err := p.store.AppendMessage(ctx, &store.Message{
		TenantID:           tenant.ID,
		UserHandle:         userHandle,
		SessionID:          sessionID,
		TransportMessageID: transportMessageID,
		Direction:          store.DirectionInbound,
		Content:            inboundText,
		DeliveryStatus:     store.DeliveryReceived,
	}); err != nil {
		log.Error("persist inbound failed", zap.Error(err))
	}

	replyID, sendErr := p.send(ctx, tenant, userHandle, reply)
	status := store.DeliverySent
	if sendErr != nil {
		status = store.DeliveryFailed
	}
	if err := p.store.AppendMessage(ctx, &store.Message{
		TenantID:           tenant.ID,
		UserHandle:         userHandle,
		SessionID:          sessionID,
		TransportMessageID: replyID,
		Direction:          store.DirectionOutbound,
		Content:            reply,
		DeliveryStatus:     status,
	}); err != nil {
		log.Error("persist outbound failed", zap.Error(err))
	}

	if sendErr != nil {
		log.Warn("reply delivery failed", zap.Error(sendErr))
		return Result{Reply: reply, Error: "delivery failed"}
	}
	if cause != nil {
		// The apology was delivered, but the exchange itself failed.
		return Result{Reply: reply, ReplyMessageID: replyID, Error: cause.Error()}
	}

	p.publish(ctx, events.MessageSent, tenant.ID, map[string]interface{}{
		"tenant_id": tenant.ID, "user_handle": userHandle, "message_id": replyID,
	})
	return Result{Success: true, Reply: reply, ReplyMessageID: replyID}
}

// Deliver sends text to the user over the tenant's configured channel and
// records it as an OUTBOUND message. Shared with the scheduler and trigger
// engine for task deliveries and notices; respond persists its own pair.
func (p *Processor) Deliver(ctx context.Context, tenant *store.Tenant, userHandle, text string) (string, error) {
	msgID, sendErr := p.send(ctx, tenant, userHandle, text)
	status := store.DeliverySent
	if sendErr != nil {
		status = store.DeliveryFailed
	}

	sessionID := ""
	if sess, err := p.store.FindActiveSession(ctx, tenant.ID, userHandle); err == nil {
		sessionID = sess.ID
	}
	if err := p.store.AppendMessage(ctx, &store.Message{
		TenantID:           tenant.ID,
		UserHandle:         userHandle,
		SessionID:          sessionID,
		TransportMessageID: msgID,
		Direction:          store.DirectionOutbound,
		Content:            text,
		DeliveryStatus:     status,
	}); err != nil {
		p.logger.WithTenant(tenant.ID).Error("persist outbound failed", zap.Error(err))
	}
	return msgID, sendErr
}

func (p *Processor) send(ctx context.Context, tenant *store.Tenant, userHandle, text string) (string, error) {
	tr, err := p.resolver.ForChannel(tenant.MessagingChannel)
	if err != nil {
		return "", err
	}
	handle, err := tr.ResolveRecipient(ctx, tenant.ID, userHandle)
	if err != nil {
		return "", err
	}
	return tr.Send(ctx, handle, text)
}

func (p *Processor) publish(ctx context.Context, eventType, tenantID string, data map[string]interface{}) {
	if p.bus == nil {
		return
	}
	subject := events.BuildTenantSubject(eventType, tenantID)
	if err := p.bus.Publish(ctx, subject, bus.NewEvent(eventType, "processor", data)); err != nil {
		p.logger.Warn("event publish failed", zap.String("subject", subject), zap.Error(err))
	}
}
