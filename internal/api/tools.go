package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/tendrel/tendrel/internal/schedule"
	"github.com/tendrel/tendrel/internal/store"
)

// The tool API is called by the assistant subprocess via its callback URL.
// Every request names the tenant it acts for; the subprocess only ever knows
// its own tenant ID, injected through its environment.

type scheduleTaskRequest struct {
	TenantID     string `json:"tenant_id" binding:"required"`
	UserHandle   string `json:"user_handle" binding:"required"`
	ScheduleText string `json:"schedule_text" binding:"required"`
	Prompt       string `json:"prompt" binding:"required"`
	TaskType     string `json:"task_type"`
	Timezone     string `json:"timezone"`
}

func (s *Server) handleScheduleTask(c *gin.Context) {
	var req scheduleTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	ctx := c.Request.Context()

	taskType := store.TaskType(req.TaskType)
	switch taskType {
	case store.TaskReminder, store.TaskExecute:
	case "":
		taskType = store.TaskExecute
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("unknown task_type %q", req.TaskType)})
		return
	}

	tz := req.Timezone
	if tz == "" {
		tz = "UTC"
	}

	now := s.now()
	parsed := schedule.Parse(req.ScheduleText, tz, now)
	if parsed == nil {
		// Refusing is better than guessing: a misparsed schedule would fire
		// at a time the user never asked for.
		c.JSON(http.StatusBadRequest, gin.H{
			"error": fmt.Sprintf("could not understand schedule %q; try a form like \"every day at 9am\" or \"in 2 hours\"", req.ScheduleText),
		})
		return
	}

	count, err := s.store.CountEnabledTasks(ctx, req.TenantID, req.UserHandle)
	if err != nil {
		s.logger.Error("count tasks failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	if max := s.cfg.Scheduler.MaxPerUser; max > 0 && count >= max {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": fmt.Sprintf("schedule limit reached (%d); cancel one first", max),
		})
		return
	}

	task := &store.ScheduledTask{
		TenantID:   req.TenantID,
		UserHandle: req.UserHandle,
		TaskPrompt: req.Prompt,
		TaskType:   taskType,
		Timezone:   parsed.TZ,
		Enabled:    true,
	}

	minSpacing := time.Duration(s.cfg.Scheduler.MinSpacingSecs) * time.Second
	if parsed.Recurring {
		next, err := schedule.NextFire(parsed.Cron, parsed.TZ, now)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		task.CronExpr = &parsed.Cron
		task.NextRunAt = next
	} else {
		if parsed.RunAt.Before(now.Add(minSpacing)) {
			c.JSON(http.StatusBadRequest, gin.H{
				"error": fmt.Sprintf("one-time schedules must be at least %s in the future", minSpacing),
			})
			return
		}
		runAt := parsed.RunAt
		task.RunAt = &runAt
		task.IsOneTime = true
		task.NextRunAt = runAt
	}

	if err := s.store.CreateTask(ctx, task); err != nil {
		s.logger.Error("create task failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"task_id":     task.ID,
		"recurring":   parsed.Recurring,
		"cron":        parsed.Cron,
		"next_run_at": task.NextRunAt.Format(time.RFC3339),
		"timezone":    parsed.TZ,
	})
}

type cancelScheduleRequest struct {
	TenantID string `json:"tenant_id" binding:"required"`
	TaskID   string `json:"task_id" binding:"required"`
}

func (s *Server) handleCancelSchedule(c *gin.Context) {
	var req cancelScheduleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	err := s.store.DeleteTask(c.Request.Context(), req.TenantID, req.TaskID)
	if errors.Is(err, store.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "task not found"})
		return
	}
	if err != nil {
		s.logger.Error("delete task failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"cancelled": true})
}

func (s *Server) handleListSchedules(c *gin.Context) {
	tenantID := c.Query("tenant_id")
	userHandle := c.Query("user_handle")
	if tenantID == "" || userHandle == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "tenant_id and user_handle are required"})
		return
	}

	tasks, err := s.store.ListUserTasks(c.Request.Context(), tenantID, userHandle)
	if err != nil {
		s.logger.Error("list tasks failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}

	out := make([]gin.H, 0, len(tasks))
	for _, t := range tasks {
		entry := gin.H{
			"task_id":     t.ID,
			"prompt":      t.TaskPrompt,
			"task_type":   t.TaskType,
			"enabled":     t.Enabled,
			"next_run_at": t.NextRunAt.Format(time.RFC3339),
			"timezone":    t.Timezone,
		}
		if t.CronExpr != nil {
			entry["cron"] = *t.CronExpr
		}
		out = append(out, entry)
	}
	c.JSON(http.StatusOK, gin.H{"schedules": out})
}

type createTriggerRequest struct {
	TenantID        string          `json:"tenant_id" binding:"required"`
	UserHandle      string          `json:"user_handle" binding:"required"`
	Name            string          `json:"name" binding:"required"`
	TriggerType     string          `json:"trigger_type" binding:"required"`
	TaskPrompt      string          `json:"task_prompt" binding:"required"`
	Autonomy        string          `json:"autonomy"`
	CooldownSeconds int             `json:"cooldown_seconds"`
	Config          json.RawMessage `json:"config"`
	// Secret, when set on a WEBHOOK trigger, requires HMAC-signed deliveries.
	Secret        string `json:"secret"`
	SignatureType string `json:"signature_type"`
}

func (s *Server) handleCreateTrigger(c *gin.Context) {
	var req createTriggerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	ctx := c.Request.Context()

	triggerType := store.TriggerType(req.TriggerType)
	switch triggerType {
	case store.TriggerWebhook, store.TriggerCondition, store.TriggerEvent:
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("unknown trigger_type %q", req.TriggerType)})
		return
	}

	autonomy := store.Autonomy(req.Autonomy)
	switch autonomy {
	case store.AutonomyNotify, store.AutonomyConfirm, store.AutonomyAuto:
	case "":
		autonomy = store.AutonomyNotify
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("unknown autonomy %q", req.Autonomy)})
		return
	}

	trg := &store.Trigger{
		TenantID:        req.TenantID,
		UserHandle:      req.UserHandle,
		Name:            req.Name,
		TriggerType:     triggerType,
		TaskPrompt:      req.TaskPrompt,
		Autonomy:        autonomy,
		Config:          req.Config,
		Status:          store.TriggerActive,
		CooldownSeconds: req.CooldownSeconds,
		MaxErrors:       3,
	}

	var webhookURL string
	if triggerType == store.TriggerWebhook {
		path := uuid.New().String()
		trg.WebhookPath = &path
		webhookURL = fmt.Sprintf("%s/webhooks/trigger/%s", s.cfg.Server.PublicURL, path)

		if req.Secret != "" {
			sealed, err := s.vault.Seal(req.Secret)
			if err != nil {
				s.logger.Error("seal webhook secret failed", zap.Error(err))
				c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
				return
			}
			trg.WebhookSecret = &sealed
			sigType := req.SignatureType
			if sigType == "" {
				sigType = "sha256"
			}
			trg.SignatureType = &sigType
		}
	}

	if err := s.store.CreateTrigger(ctx, trg); err != nil {
		if errors.Is(err, store.ErrDuplicatePath) {
			c.JSON(http.StatusConflict, gin.H{"error": "webhook path collision, retry"})
			return
		}
		s.logger.Error("create trigger failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}

	resp := gin.H{"trigger_id": trg.ID, "status": trg.Status}
	if webhookURL != "" {
		resp["webhook_url"] = webhookURL
	}
	c.JSON(http.StatusCreated, resp)
}

func (s *Server) handleListTriggers(c *gin.Context) {
	tenantID := c.Query("tenant_id")
	userHandle := c.Query("user_handle")
	if tenantID == "" || userHandle == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "tenant_id and user_handle are required"})
		return
	}

	triggers, err := s.store.ListUserTriggers(c.Request.Context(), tenantID, userHandle)
	if err != nil {
		s.logger.Error("list triggers failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}

	out := make([]gin.H, 0, len(triggers))
	for _, t := range triggers {
		entry := gin.H{
			"trigger_id":   t.ID,
			"name":         t.Name,
			"trigger_type": t.TriggerType,
			"autonomy":     t.Autonomy,
			"status":       t.Status,
			"error_count":  t.ErrorCount,
		}
		if t.WebhookPath != nil {
			entry["webhook_url"] = fmt.Sprintf("%s/webhooks/trigger/%s", s.cfg.Server.PublicURL, *t.WebhookPath)
		}
		if t.LastTriggeredAt != nil {
			entry["last_triggered_at"] = t.LastTriggeredAt.Format(time.RFC3339)
		}
		out = append(out, entry)
	}
	c.JSON(http.StatusOK, gin.H{"triggers": out})
}

type manageTriggerRequest struct {
	TenantID  string `json:"tenant_id" binding:"required"`
	TriggerID string `json:"trigger_id" binding:"required"`
	Action    string `json:"action" binding:"required"`
}

func (s *Server) handleManageTrigger(c *gin.Context) {
	var req manageTriggerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	ctx := c.Request.Context()

	var err error
	switch req.Action {
	case "enable":
		err = s.store.SetTriggerStatus(ctx, req.TenantID, req.TriggerID, store.TriggerActive)
	case "disable":
		err = s.store.SetTriggerStatus(ctx, req.TenantID, req.TriggerID, store.TriggerPaused)
	case "delete":
		err = s.store.DeleteTrigger(ctx, req.TenantID, req.TriggerID)
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("unknown action %q", req.Action)})
		return
	}

	if errors.Is(err, store.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "trigger not found"})
		return
	}
	if err != nil {
		s.logger.Error("manage trigger failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"action": req.Action, "trigger_id": req.TriggerID})
}
