// Package store provides typed access to the Tendrel relational tables.
package store

import (
	"encoding/json"
	"time"
)

// TenantStatus enumerates tenant lifecycle states.
type TenantStatus string

const (
	TenantActive    TenantStatus = "ACTIVE"
	TenantSuspended TenantStatus = "SUSPENDED"
)

// OnboardingStatus tracks where a tenant is in onboarding.
type OnboardingStatus string

const (
	OnboardingDiscovery OnboardingStatus = "DISCOVERY"
	OnboardingBuilding  OnboardingStatus = "BUILDING"
	OnboardingComplete  OnboardingStatus = "COMPLETE"
)

// Tenant is the administrative scope owning all other rows.
type Tenant struct {
	ID               string           `db:"id"`
	Status           TenantStatus     `db:"status"`
	MessagingChannel string           `db:"messaging_channel"`
	Onboarding       OnboardingStatus `db:"onboarding_status"`
	CreatedAt        time.Time        `db:"created_at"`
}

// ConversationSession is one conversational window for a (tenant, user).
// At most one row per pair has EndedAt == nil.
type ConversationSession struct {
	ID             string     `db:"id"`
	TenantID       string     `db:"tenant_id"`
	UserHandle     string     `db:"user_handle"`
	StartedAt      time.Time  `db:"started_at"`
	EndedAt        *time.Time `db:"ended_at"`
	ResetTimestamp *time.Time `db:"reset_timestamp"`
}

// Direction of a persisted message.
type Direction string

const (
	DirectionInbound  Direction = "INBOUND"
	DirectionOutbound Direction = "OUTBOUND"
)

// DeliveryStatus of an outbound message.
type DeliveryStatus string

const (
	DeliveryReceived DeliveryStatus = "RECEIVED"
	DeliverySent     DeliveryStatus = "SENT"
	DeliveryFailed   DeliveryStatus = "FAILED"
)

// Message is one inbound or outbound message. Rows are never updated.
type Message struct {
	ID                 string         `db:"id"`
	TenantID           string         `db:"tenant_id"`
	UserHandle         string         `db:"user_handle"`
	SessionID          string         `db:"session_id"`
	TransportMessageID string         `db:"transport_message_id"`
	Direction          Direction      `db:"direction"`
	Content            string         `db:"content"`
	DeliveryStatus     DeliveryStatus `db:"delivery_status"`
	CreatedAt          time.Time      `db:"created_at"`
}

// TaskType distinguishes reminder deliveries from executable tasks.
type TaskType string

const (
	TaskReminder TaskType = "reminder"
	TaskExecute  TaskType = "execute"
)

// ScheduledTask is a time-triggered unit of work. Exactly one of CronExpr
// (recurring) or RunAt (one-shot) is set, signalled by IsOneTime.
type ScheduledTask struct {
	ID             string     `db:"id"`
	TenantID       string     `db:"tenant_id"`
	UserHandle     string     `db:"user_handle"`
	TaskPrompt     string     `db:"task_prompt"`
	TaskType       TaskType   `db:"task_type"`
	Timezone       string     `db:"timezone"`
	CronExpr       *string    `db:"cron_expr"`
	RunAt          *time.Time `db:"run_at"`
	IsOneTime      bool       `db:"is_one_time"`
	NextRunAt      time.Time  `db:"next_run_at"`
	LastRunAt      *time.Time `db:"last_run_at"`
	ErrorCount     int        `db:"error_count"`
	Enabled        bool       `db:"enabled"`
	LeaseOwner     *string    `db:"lease_owner"`
	LeaseExpiresAt *time.Time `db:"lease_expires_at"`
	ExecutionPlan  []byte     `db:"execution_plan"`
	CreatedAt      time.Time  `db:"created_at"`
}

// executionPlan is the persisted JSON shape of ScheduledTask.ExecutionPlan
// and Trigger.ExecutionState.
type executionPlan struct {
	PreviousOutputs []string `json:"previousOutputs"`
}

// PreviousOutputs decodes the rolling window of prior assistant outputs.
func (t *ScheduledTask) PreviousOutputs() []string {
	return decodePreviousOutputs(t.ExecutionPlan)
}

// EncodePreviousOutputs encodes outputs, keeping only the last keep entries.
func EncodePreviousOutputs(outputs []string, keep int) []byte {
	if len(outputs) > keep {
		outputs = outputs[len(outputs)-keep:]
	}
	data, err := json.Marshal(executionPlan{PreviousOutputs: outputs})
	if err != nil {
		return nil
	}
	return data
}

func decodePreviousOutputs(raw []byte) []string {
	if len(raw) == 0 {
		return nil
	}
	var plan executionPlan
	if err := json.Unmarshal(raw, &plan); err != nil {
		return nil
	}
	return plan.PreviousOutputs
}

// TriggerType enumerates event-source kinds.
type TriggerType string

const (
	TriggerWebhook   TriggerType = "WEBHOOK"
	TriggerCondition TriggerType = "CONDITION"
	TriggerEvent     TriggerType = "EVENT"
)

// Autonomy controls what happens when a trigger fires.
type Autonomy string

const (
	AutonomyNotify  Autonomy = "NOTIFY"
	AutonomyConfirm Autonomy = "CONFIRM"
	AutonomyAuto    Autonomy = "AUTO"
)

// TriggerStatus is the operational state of a trigger.
type TriggerStatus string

const (
	TriggerActive TriggerStatus = "ACTIVE"
	TriggerPaused TriggerStatus = "PAUSED"
	TriggerError  TriggerStatus = "ERROR"
)

// Trigger is a named external-event reaction.
type Trigger struct {
	ID              string        `db:"id"`
	TenantID        string        `db:"tenant_id"`
	UserHandle      string        `db:"user_handle"`
	Name            string        `db:"name"`
	TriggerType     TriggerType   `db:"trigger_type"`
	TaskPrompt      string        `db:"task_prompt"`
	Autonomy        Autonomy      `db:"autonomy"`
	Config          []byte        `db:"config"`
	Status          TriggerStatus `db:"status"`
	CooldownSeconds int           `db:"cooldown_seconds"`
	MaxErrors       int           `db:"max_errors"`
	ErrorCount      int           `db:"error_count"`
	LastTriggeredAt *time.Time    `db:"last_triggered_at"`
	NextCheckAt     *time.Time    `db:"next_check_at"`
	WebhookPath     *string       `db:"webhook_path"`
	// WebhookSecret is the AES-GCM sealed secret token, never plaintext.
	WebhookSecret   *string       `db:"webhook_secret"`
	SignatureType   *string       `db:"signature_type"`
	ExecutionState  []byte        `db:"execution_state"`
	CreatedAt       time.Time     `db:"created_at"`
}

// PreviousOutputs decodes the rolling window of prior assistant outputs.
func (t *Trigger) PreviousOutputs() []string {
	return decodePreviousOutputs(t.ExecutionState)
}

// DecodeConfig unmarshals the per-type trigger config into out.
func (t *Trigger) DecodeConfig(out any) error {
	if len(t.Config) == 0 {
		return nil
	}
	return json.Unmarshal(t.Config, out)
}

// ExecutionStatus tracks one trigger firing through its lifecycle.
type ExecutionStatus string

const (
	ExecutionPending              ExecutionStatus = "PENDING"
	ExecutionRunning              ExecutionStatus = "RUNNING"
	ExecutionAwaitingConfirmation ExecutionStatus = "AWAITING_CONFIRMATION"
	ExecutionCompleted            ExecutionStatus = "COMPLETED"
	ExecutionCancelled            ExecutionStatus = "CANCELLED"
	ExecutionFailed               ExecutionStatus = "FAILED"
)

// ConfirmationStatus tracks the human-in-the-loop decision.
type ConfirmationStatus string

const (
	ConfirmationPending  ConfirmationStatus = "PENDING"
	ConfirmationApproved ConfirmationStatus = "APPROVED"
	ConfirmationRejected ConfirmationStatus = "REJECTED"
	ConfirmationExpired  ConfirmationStatus = "EXPIRED"
)

// TriggerExecution is the audit record of a trigger firing.
type TriggerExecution struct {
	ID                   string              `db:"id"`
	TriggerID            string              `db:"trigger_id"`
	TenantID             string              `db:"tenant_id"`
	UserHandle           string              `db:"user_handle"`
	Status               ExecutionStatus     `db:"status"`
	ConfirmationStatus   *ConfirmationStatus `db:"confirmation_status"`
	ConfirmationDeadline *time.Time          `db:"confirmation_deadline"`
	ConfirmedAt          *time.Time          `db:"confirmed_at"`
	TriggeredBy          string              `db:"triggered_by"`
	InputContext         []byte              `db:"input_context"`
	Output               *string             `db:"output"`
	ErrorMessage         *string             `db:"error_message"`
	StartedAt            time.Time           `db:"started_at"`
	CompletedAt          *time.Time          `db:"completed_at"`
	DurationMs           *int64              `db:"duration_ms"`
}
