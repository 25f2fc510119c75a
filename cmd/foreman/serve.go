package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/spf13/cobra"

	"github.com/tobyms/foreman/internal/bus"
	"github.com/tobyms/foreman/internal/config"
	"github.com/tobyms/foreman/internal/engine"
	"github.com/tobyms/foreman/internal/ledger"
	"github.com/tobyms/foreman/internal/llm"
	"github.com/tobyms/foreman/internal/policy"
	"github.com/tobyms/foreman/internal/store"
	"github.com/tobyms/foreman/internal/tools"
	"github.com/tobyms/foreman/internal/tracequery"
	transport "github.com/tobyms/foreman/internal/transport/http"
	"github.com/tobyms/foreman/internal/worker"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the foreman server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe()
	},
}

func runServe() error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}

	log.Printf("Starting foreman...")
	log.Printf("HTTP Port: %d", cfg.HTTPPort)
	log.Printf("Database: %s", cfg.DatabaseURL)
	log.Printf("LLM Provider: %s (model %s)", cfg.LLMProvider, cfg.Model)

	db, err := store.NewSQLiteStore(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to initialize store: %w", err)
	}
	defer db.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	eventBus := bus.New(db)

	callLedger := ledger.New(cfg.LedgerTTL)
	go callLedger.RunSweeper(ctx)

	llmClient := llm.NewClient(cfg.LLMProvider, cfg.LLMBaseURL, cfg.LLMAPIKey, cfg.LLMTimeout)

	registry := tools.NewRegistry()
	runner := tools.NewRunnerClient(cfg.RunnerURL, cfg.ToolTimeout)
	archive := tools.NewArchiveClient(cfg.ArchiveURL, cfg.ToolTimeout)
	tools.RegisterBuiltins(registry, runner, archive)

	policyEngine, err := policy.NewEngine(ctx, policy.DefaultPolicy)
	if err != nil {
		return fmt.Errorf("failed to initialize policy engine: %w", err)
	}

	eng := engine.New(db, eventBus, callLedger, llmClient, registry, policyEngine, cfg)

	processor := worker.New(db, eventBus, eng, cfg.WorkerCount, cfg.QueueSize)
	eng.SetEnqueuer(processor)
	processor.Start(ctx)

	traces := tracequery.New(db, callLedger)
	h := transport.NewHandler(eng, db, eventBus, traces)

	server := echo.New()
	server.HideBanner = true
	server.Use(middleware.Logger())
	server.Use(middleware.Recover())
	server.Use(middleware.CORS())
	h.RegisterRoutes(server)

	go func() {
		addr := fmt.Sprintf(":%d", cfg.HTTPPort)
		if err := server.Start(addr); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Failed to start server: %v", err)
		}
	}()
	log.Printf("API started on port %d", cfg.HTTPPort)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down foreman...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("Failed to shutdown server gracefully: %v", err)
	}

	// Stop workers after the server so in-flight requests can still enqueue.
	cancel()
	processor.Wait()

	log.Println("Foreman stopped")
	return nil
}
