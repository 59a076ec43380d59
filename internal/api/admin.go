package api

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/tendrel/tendrel/internal/schedule"
	"github.com/tendrel/tendrel/internal/store"
)

// adminAuth guards the /admin group with a bearer key. An unset key fails
// closed: the operator forgot to configure it, so nobody gets in.
func (s *Server) adminAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		key := s.cfg.Admin.APIKey
		if key == "" {
			c.AbortWithStatusJSON(http.StatusInternalServerError,
				gin.H{"error": "admin API key not configured"})
			return
		}

		header := c.GetHeader("Authorization")
		if header == "" || !strings.HasPrefix(header, "Bearer ") {
			c.AbortWithStatusJSON(http.StatusUnauthorized,
				gin.H{"error": "bearer token required"})
			return
		}
		provided := strings.TrimPrefix(header, "Bearer ")
		if subtle.ConstantTimeCompare([]byte(provided), []byte(key)) != 1 {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "invalid key"})
			return
		}
		c.Next()
	}
}

type createTenantRequest struct {
	ID               string `json:"id"`
	MessagingChannel string `json:"messaging_channel" binding:"required"`
}

func (s *Server) handleCreateTenant(c *gin.Context) {
	var req createTenantRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	tenant := &store.Tenant{
		ID:               req.ID,
		Status:           store.TenantActive,
		MessagingChannel: req.MessagingChannel,
		Onboarding:       store.OnboardingDiscovery,
	}
	if err := s.store.CreateTenant(c.Request.Context(), tenant); err != nil {
		s.logger.Error("create tenant failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"tenant_id": tenant.ID, "status": tenant.Status})
}

func (s *Server) handleGetTenant(c *gin.Context) {
	tenant, err := s.store.GetTenant(c.Request.Context(), c.Param("id"))
	if errors.Is(err, store.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "tenant not found"})
		return
	}
	if err != nil {
		s.logger.Error("get tenant failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"tenant_id":         tenant.ID,
		"status":            tenant.Status,
		"messaging_channel": tenant.MessagingChannel,
		"onboarding":        tenant.Onboarding,
		"created_at":        tenant.CreatedAt.Format(time.RFC3339),
	})
}

type setTenantStatusRequest struct {
	Status string `json:"status" binding:"required"`
}

func (s *Server) handleSetTenantStatus(c *gin.Context) {
	var req setTenantStatusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	status := store.TenantStatus(req.Status)
	if status != store.TenantActive && status != store.TenantSuspended {
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("unknown status %q", req.Status)})
		return
	}

	err := s.store.SetTenantStatus(c.Request.Context(), c.Param("id"), status)
	if errors.Is(err, store.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "tenant not found"})
		return
	}
	if err != nil {
		s.logger.Error("set tenant status failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"tenant_id": c.Param("id"), "status": status})
}

type reenableTaskRequest struct {
	TenantID string `json:"tenant_id" binding:"required"`
	TaskID   string `json:"task_id" binding:"required"`
}

// handleReenableTask turns a failure-disabled task back on with a freshly
// computed next run, so it does not instantly re-fire on a stale schedule.
func (s *Server) handleReenableTask(c *gin.Context) {
	var req reenableTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	ctx := c.Request.Context()

	task, err := s.store.GetTask(ctx, req.TenantID, req.TaskID)
	if errors.Is(err, store.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "task not found"})
		return
	}
	if err != nil {
		s.logger.Error("get task failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}

	now := s.now()
	next := now.Add(time.Minute)
	if task.CronExpr != nil {
		if n, err := schedule.NextFire(*task.CronExpr, task.Timezone, now); err == nil {
			next = n
		}
	}

	if err := s.store.SetTaskEnabled(ctx, req.TenantID, req.TaskID, true, next); err != nil {
		s.logger.Error("re-enable task failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"task_id": req.TaskID, "next_run_at": next.Format(time.RFC3339)})
}

type reenableTriggerRequest struct {
	TenantID  string `json:"tenant_id" binding:"required"`
	TriggerID string `json:"trigger_id" binding:"required"`
}

func (s *Server) handleReenableTrigger(c *gin.Context) {
	var req reenableTriggerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	err := s.store.SetTriggerStatus(c.Request.Context(), req.TenantID, req.TriggerID, store.TriggerActive)
	if errors.Is(err, store.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "trigger not found"})
		return
	}
	if err != nil {
		s.logger.Error("re-enable trigger failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"trigger_id": req.TriggerID, "status": store.TriggerActive})
}
