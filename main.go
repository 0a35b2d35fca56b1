package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/xiaot623/gogo/agent/internal/adapter/orchestrator"
	"github.com/xiaot623/gogo/agent/internal/approval"
	"github.com/xiaot623/gogo/agent/internal/backoff"
	"github.com/xiaot623/gogo/agent/internal/config"
	"github.com/xiaot623/gogo/agent/internal/domain"
	"github.com/xiaot623/gogo/agent/internal/policy"
	"github.com/xiaot623/gogo/agent/internal/push"
	"github.com/xiaot623/gogo/agent/internal/service"
	"github.com/xiaot623/gogo/agent/internal/store"
	"github.com/xiaot623/gogo/agent/internal/tools"
	handler "github.com/xiaot623/gogo/agent/internal/transport/http"
)

func main() {
	// Load configuration
	cfg := config.Load()

	log.Printf("Starting agent...")
	log.Printf("Control API Port: %d", cfg.HTTPPort)
	log.Printf("Orchestrator: %s", cfg.OrchestratorURL)
	log.Printf("Database: %s", cfg.DatabaseURL)
	log.Printf("Sandbox root: %s", cfg.SandboxRoot)

	// Initialize store
	db, err := store.NewSQLiteStore(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("Failed to initialize store: %v", err)
	}
	defer db.Close()

	// Initialize orchestrator client
	orchClient := orchestrator.NewClient(cfg.OrchestratorURL, cfg.APIKey)

	// Initialize policy engine
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	policyEngine, err := policy.NewEngine(ctx, policy.DefaultPolicy)
	if err != nil {
		log.Fatalf("Failed to initialize policy engine: %v", err)
	}

	// Initialize sandbox and tool executors
	sandbox, err := tools.NewSandbox(cfg.SandboxRoot)
	if err != nil {
		log.Fatalf("Failed to initialize sandbox: %v", err)
	}
	toolDeps := tools.Deps{
		Sandbox:      sandbox,
		Policy:       policyEngine,
		Approval:     approval.NewClient(cfg.ApprovalURL, cfg.ApprovalTimeout),
		ShellTimeout: cfg.ShellTimeout,
	}

	// Initialize service
	svc := service.New(db, orchClient, toolDeps, cfg, func(n domain.Notification) {
		log.Printf("INFO: notification %s run=%s step=%d %s", n.Type, n.RunID, n.StepIndex, n.Message)
	})

	// Purge expired runs, then resume interrupted ones before accepting
	// new work
	if n, err := db.Cleanup(ctx, cfg.RetentionDays); err != nil {
		log.Printf("WARN: retention cleanup failed: %v", err)
	} else if n > 0 {
		log.Printf("INFO: retention cleanup removed %d runs", n)
	}
	if err := svc.ResumeAll(ctx); err != nil {
		log.Fatalf("Failed to resume runs: %v", err)
	}

	// Start background loops
	go svc.RunSyncReconciler(ctx)
	go svc.RunRetentionSweeper(ctx)

	// Start push channel when a device token is configured
	if cfg.DeviceToken != "" && cfg.PushURL != "" {
		pushClient := push.NewClient(cfg.PushURL, cfg.PushResultURL, cfg.DeviceToken, cfg.PushSecret, svc, backoff.Policy{
			Base: cfg.BackoffBase,
			Cap:  cfg.BackoffCap,
		})
		go func() {
			if err := pushClient.Run(ctx); err != nil && ctx.Err() == nil {
				log.Printf("ERROR: push channel stopped: %v", err)
			}
		}()
	}

	// Initialize handler
	h := handler.NewHandler(svc)

	// Create Echo server
	e := echo.New()
	e.HideBanner = true

	// Middleware
	e.Use(middleware.Logger())
	e.Use(middleware.Recover())

	// Register routes
	h.RegisterRoutes(e)

	// Start server
	go func() {
		addr := fmt.Sprintf(":%d", cfg.HTTPPort)
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Failed to start server: %v", err)
		}
	}()

	log.Printf("Control API started on port %d", cfg.HTTPPort)

	// Wait for interrupt signal
	<-ctx.Done()
	stop()

	log.Println("Shutting down agent...")

	// Graceful shutdown
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := e.Shutdown(shutdownCtx); err != nil {
		log.Printf("Failed to shutdown server gracefully: %v", err)
	}

	log.Println("Agent stopped")
}
