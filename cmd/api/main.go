package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"carbon-scribe/registry-core/internal/app"
	"carbon-scribe/registry-core/internal/config"
	"carbon-scribe/registry-core/internal/issuance"
)

func main() {
	// A missing .env is fine; the environment may already be populated.
	_ = godotenv.Load()

	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "config.json"
	}
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := app.NewLogger(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	registry, err := app.New(ctx, cfg, nil, logger)
	if err != nil {
		logger.Fatal("Failed to initialize registry", zap.Error(err))
	}
	defer registry.Close()

	router, err := registry.Router()
	if err != nil {
		logger.Fatal("Failed to build router", zap.Error(err))
	}

	sweeper := issuance.NewSweeper(registry.Coordinator, cfg.Issuance.ReconcileSchedule, cfg.Issuance.ReconcileGrace, logger.Named("sweeper"))
	if err := sweeper.Start(ctx); err != nil {
		logger.Fatal("Failed to start reconciliation sweeper", zap.Error(err))
	}

	srv := &http.Server{
		Addr:         cfg.Server.GetServerAddr(),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		logger.Info("Starting server", zap.String("address", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logger.Info("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server forced to shutdown", zap.Error(err))
	}
	sweeper.Stop()

	logger.Info("Server exited")
}
