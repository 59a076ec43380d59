// Package events defines the domain event vocabulary published on the bus.
package events

// Conversation events.
const (
	MessageReceived = "message.received"
	MessageSent     = "message.sent"
	SessionStarted  = "session.started"
	SessionEnded    = "session.ended"
	SessionReset    = "session.reset"
	SessionExpired  = "session.expired"
)

// Scheduler events.
const (
	TaskExecuted = "task.executed"
	TaskFailed   = "task.failed"
	TaskDisabled = "task.disabled"
)

// Trigger events.
const (
	TriggerFired                = "trigger.fired"
	TriggerConfirmationRequired = "trigger.confirmation_required"
	TriggerConfirmationResolved = "trigger.confirmation_resolved"
	TriggerDisabled             = "trigger.disabled"
)

// BuildTenantSubject scopes a subject to one tenant, e.g.
// "message.received.tenant-1".
func BuildTenantSubject(eventType, tenantID string) string {
	return eventType + "." + tenantID
}

// BuildTenantWildcardSubject subscribes across all tenants for one type.
func BuildTenantWildcardSubject(eventType string) string {
	return eventType + ".*"
}
