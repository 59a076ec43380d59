// Package api serves Tendrel's HTTP surface: the inbound messaging webhook,
// the tool endpoints the assistant subprocess calls back into, and the
// key-protected admin API.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/tendrel/tendrel/internal/common/config"
	"github.com/tendrel/tendrel/internal/common/httpmw"
	"github.com/tendrel/tendrel/internal/common/logger"
	"github.com/tendrel/tendrel/internal/processor"
	"github.com/tendrel/tendrel/internal/secrets"
	"github.com/tendrel/tendrel/internal/store"
)

// Server owns the gin router and the http.Server around it.
type Server struct {
	cfg    *config.Config
	store  *store.Store
	proc   *processor.Processor
	vault  *secrets.Vault
	logger *logger.Logger

	router *gin.Engine
	httpd  *http.Server
	now    func() time.Time
}

// NewServer builds the router with all routes mounted.
func NewServer(cfg *config.Config, st *store.Store, proc *processor.Processor, vault *secrets.Vault, log *logger.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()

	s := &Server{
		cfg:    cfg,
		store:  st,
		proc:   proc,
		vault:  vault,
		logger: log.WithFields(zap.String("component", "api")),
		router: router,
		now:    func() time.Time { return time.Now().UTC() },
	}

	router.Use(gin.Recovery(), httpmw.RequestLogger(s.logger), httpmw.OtelTracing("tendrel-api"))

	router.GET("/health", s.handleHealth)
	router.POST("/webhooks/messages/:tenantID", s.handleInboundMessage)

	tools := router.Group("/api/tools")
	{
		tools.POST("/schedule-task", s.handleScheduleTask)
		tools.POST("/cancel-schedule", s.handleCancelSchedule)
		tools.GET("/list-schedules", s.handleListSchedules)
		tools.POST("/create-trigger", s.handleCreateTrigger)
		tools.GET("/list-triggers", s.handleListTriggers)
		tools.POST("/manage-trigger", s.handleManageTrigger)
	}

	admin := router.Group("/admin", s.adminAuth())
	{
		admin.POST("/tenants", s.handleCreateTenant)
		admin.GET("/tenants/:id", s.handleGetTenant)
		admin.POST("/tenants/:id/status", s.handleSetTenantStatus)
		admin.POST("/tasks/re-enable", s.handleReenableTask)
		admin.POST("/triggers/re-enable", s.handleReenableTrigger)
	}

	return s
}

// Router exposes the mux so external receivers (trigger webhooks) can mount
// their routes on the same server.
func (s *Server) Router() gin.IRouter { return s.router }

// Start begins serving in the background.
func (s *Server) Start() {
	addr := fmt.Sprintf("%s:%d", s.cfg.Server.Host, s.cfg.Server.Port)
	s.httpd = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  s.cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: s.cfg.Server.WriteTimeoutDuration(),
	}
	go func() {
		s.logger.Info("http server listening", zap.String("addr", addr))
		if err := s.httpd.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("http server failed", zap.Error(err))
		}
	}()
}

// Shutdown drains connections until ctx expires.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpd == nil {
		return nil
	}
	return s.httpd.Shutdown(ctx)
}

func (s *Server) handleHealth(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()
	if err := s.store.Pool().Writer().PingContext(ctx); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded", "database": "unreachable"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
