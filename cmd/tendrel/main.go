// Package main is the unified entry point for Tendrel.
// A single binary runs the HTTP surface, the scheduler, the trigger engine,
// and the assistant session pool together with shared infrastructure.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/tendrel/tendrel/internal/api"
	"github.com/tendrel/tendrel/internal/assistant"
	"github.com/tendrel/tendrel/internal/common/config"
	"github.com/tendrel/tendrel/internal/common/logger"
	"github.com/tendrel/tendrel/internal/common/tracing"
	"github.com/tendrel/tendrel/internal/db"
	"github.com/tendrel/tendrel/internal/events"
	"github.com/tendrel/tendrel/internal/locks"
	"github.com/tendrel/tendrel/internal/processor"
	"github.com/tendrel/tendrel/internal/scheduler"
	"github.com/tendrel/tendrel/internal/secrets"
	"github.com/tendrel/tendrel/internal/sessionpool"
	"github.com/tendrel/tendrel/internal/store"
	"github.com/tendrel/tendrel/internal/transport"
	"github.com/tendrel/tendrel/internal/trigger"
	"github.com/tendrel/tendrel/internal/trigger/adapters"
)

func main() {
	// 1. Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// 2. Initialize logger
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetDefault(log)

	log.Info("Starting Tendrel...")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 3. Event bus (in-memory by default, NATS when configured)
	eventBus, closeBus, err := events.Provide(cfg, log)
	if err != nil {
		log.Fatal("Failed to initialize event bus", zap.Error(err))
	}
	defer closeBus()

	// 4. Database
	pool, err := db.Open(cfg.Database)
	if err != nil {
		log.Fatal("Failed to open database", zap.Error(err))
	}
	defer pool.Close()
	log.Info("Database ready", zap.String("driver", pool.DriverName()))

	st, err := store.New(ctx, pool, log)
	if err != nil {
		log.Fatal("Failed to initialize store", zap.Error(err))
	}

	// 5. Credential vault
	vault, err := secrets.NewVault(cfg.Secrets.EncryptionKey)
	if err != nil {
		log.Fatal("Failed to initialize credential vault", zap.Error(err))
	}

	// 6. Outbound transports
	resolver := transport.NewResolver()
	resolver.Register(transport.NewTelegram(cfg.Transport.Telegram, cfg.Transport.SendTimeoutDuration(), log))
	resolver.Register(transport.NewWebhook(cfg.Transport.Webhook, cfg.Transport.SendTimeoutDuration(), log))

	// 7. Assistant session pool
	runner := assistant.NewSubprocessRunner(log)
	sessions := sessionpool.New(runner, cfg.Assistant, cfg.Server.PublicURL, log)

	// 8. Message processor
	proc := processor.New(st, sessions, resolver, eventBus, cfg.Assistant, log)

	// 9. Trigger engine; the processor routes confirmation replies to it
	engine := trigger.NewEngine(st, proc, eventBus, log)
	proc.SetConfirmationHandler(engine)
	engine.Start(ctx)

	// 10. Scheduler behind the cluster leader lock
	owner := ownerIdentity()
	lock := locks.New(pool, log, owner, cfg.Scheduler.LeaseTTLDuration())
	sched := scheduler.New(st, lock, proc, eventBus, owner, log)
	sched.Start(ctx)
	log.Info("Scheduler started", zap.String("owner", owner))

	// 11. HTTP server, with the trigger webhook receiver on the same mux
	server := api.NewServer(cfg, st, proc, vault, log)

	receiver := adapters.NewWebhookReceiver(st, vault, engine, log)
	receiver.RegisterRoutes(server.Router())

	conditions := adapters.NewConditionPoller(st, engine, log)
	conditions.Start(ctx)

	emails := adapters.NewEmailPoller(st, vault, engine, log)
	emails.Start(ctx)

	server.Start()
	log.Info("Tendrel ready",
		zap.String("health", "/health"),
		zap.String("messages", "/webhooks/messages/:tenantID"),
		zap.String("tools", "/api/tools"),
	)

	// Graceful shutdown: stop taking work, drain, then kill what remains.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down Tendrel...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown error", zap.Error(err))
	}

	sched.Stop(shutdownCtx)
	engine.Stop()
	conditions.Stop()
	emails.Stop()

	sessions.CloseAll()
	assistant.KillAll()

	if err := tracing.Shutdown(shutdownCtx); err != nil {
		log.Error("Tracing shutdown error", zap.Error(err))
	}

	log.Info("Tendrel stopped")
}

// ownerIdentity names this instance for the scheduler lease fallback.
// Hostname plus a random suffix stays unique when replicas share a host.
func ownerIdentity() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "tendrel"
	}
	return host + "-" + uuid.NewString()[:8]
}
