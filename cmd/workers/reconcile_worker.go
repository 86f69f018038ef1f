package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"carbon-scribe/registry-core/internal/app"
	"carbon-scribe/registry-core/internal/config"
)

// pendingReconciler drives one reconciliation pass over stale issuance records
type pendingReconciler interface {
	ReconcilePending(ctx context.Context) (int, error)
}

// ReconcileWorker resolves issuance records left in flight, for deployments
// that run reconciliation outside the API process
type ReconcileWorker struct {
	reconciler pendingReconciler
	logger     *zap.Logger
	config     ReconcileWorkerConfig
	done       chan struct{}
}

// ReconcileWorkerConfig configuration for the reconcile worker
type ReconcileWorkerConfig struct {
	PollInterval time.Duration
	PassTimeout  time.Duration
}

// DefaultReconcileWorkerConfig returns default configuration
func DefaultReconcileWorkerConfig() ReconcileWorkerConfig {
	return ReconcileWorkerConfig{
		PollInterval: time.Minute,
		PassTimeout:  5 * time.Minute,
	}
}

// NewReconcileWorker creates a new reconcile worker
func NewReconcileWorker(reconciler pendingReconciler, logger *zap.Logger, config ReconcileWorkerConfig) *ReconcileWorker {
	defaults := DefaultReconcileWorkerConfig()
	if config.PollInterval <= 0 {
		config.PollInterval = defaults.PollInterval
	}
	if config.PassTimeout <= 0 {
		config.PassTimeout = defaults.PassTimeout
	}
	return &ReconcileWorker{
		reconciler: reconciler,
		logger:     logger,
		config:     config,
		done:       make(chan struct{}),
	}
}

// Start runs a pass immediately and then on every tick until ctx ends or
// Stop is called
func (w *ReconcileWorker) Start(ctx context.Context) error {
	w.logger.Info("Starting reconcile worker", zap.Duration("poll_interval", w.config.PollInterval))

	ticker := time.NewTicker(w.config.PollInterval)
	defer ticker.Stop()

	w.runPass(ctx)

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("Reconcile worker shutting down")
			return nil
		case <-w.done:
			w.logger.Info("Reconcile worker stopped")
			return nil
		case <-ticker.C:
			w.runPass(ctx)
		}
	}
}

// Stop stops the reconcile worker
func (w *ReconcileWorker) Stop() {
	close(w.done)
}

func (w *ReconcileWorker) runPass(ctx context.Context) {
	passCtx, cancel := context.WithTimeout(ctx, w.config.PassTimeout)
	defer cancel()

	start := time.Now()
	resolved, err := w.reconciler.ReconcilePending(passCtx)
	if err != nil {
		w.logger.Error("Reconcile pass failed", zap.Error(err))
		return
	}
	if resolved > 0 {
		w.logger.Info("Reconcile pass completed",
			zap.Int("resolved", resolved),
			zap.Duration("duration", time.Since(start)))
	}
}

func main() {
	_ = godotenv.Load()

	cfg, err := config.LoadConfig(os.Getenv("CONFIG_PATH"))
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := app.NewLogger(cfg.Logging)
	if err != nil {
		fmt.Printf("Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		logger.Info("Shutdown signal received")
		cancel()
	}()

	registry, err := app.New(ctx, cfg, nil, logger)
	if err != nil {
		logger.Fatal("Failed to initialize registry", zap.Error(err))
	}
	defer registry.Close()

	worker := NewReconcileWorker(registry.Coordinator, logger.Named("reconcile-worker"), ReconcileWorkerConfig{
		PollInterval: time.Minute,
		PassTimeout:  cfg.Issuance.ReconcileGrace,
	})
	if err := worker.Start(ctx); err != nil {
		logger.Error("Worker error", zap.Error(err))
	}
}
