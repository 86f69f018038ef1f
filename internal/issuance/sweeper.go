package issuance

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// Reconciler is the part of the coordinator the sweeper drives
type Reconciler interface {
	ReconcilePending(ctx context.Context) (int, error)
}

// Sweeper periodically reconciles issuance records stuck in flight
type Sweeper struct {
	cron       *cron.Cron
	reconciler Reconciler
	schedule   string
	timeout    time.Duration
	logger     *zap.Logger

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	sweeps  int
}

// NewSweeper creates a sweeper. schedule accepts standard cron expressions
// and descriptors such as "@every 1m".
func NewSweeper(reconciler Reconciler, schedule string, timeout time.Duration, logger *zap.Logger) *Sweeper {
	if schedule == "" {
		schedule = "@every 1m"
	}
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sweeper{
		cron:       cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger))),
		reconciler: reconciler,
		schedule:   schedule,
		timeout:    timeout,
		logger:     logger,
	}
}

// Start registers the sweep job and starts the scheduler
func (s *Sweeper) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return fmt.Errorf("sweeper already running")
	}

	runCtx, cancel := context.WithCancel(ctx)
	if _, err := s.cron.AddFunc(s.schedule, func() { s.Sweep(runCtx) }); err != nil {
		cancel()
		return fmt.Errorf("invalid sweep schedule %q: %w", s.schedule, err)
	}
	s.cancel = cancel
	s.running = true

	s.logger.Info("Starting reconciliation sweeper", zap.String("schedule", s.schedule))
	s.cron.Start()
	return nil
}

// Stop stops the scheduler and waits for a running sweep to finish
func (s *Sweeper) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	cancel := s.cancel
	s.mu.Unlock()

	s.logger.Info("Stopping reconciliation sweeper")
	done := s.cron.Stop()
	cancel()
	<-done.Done()
}

// Sweep runs one reconciliation pass
func (s *Sweeper) Sweep(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	start := time.Now()
	resolved, err := s.reconciler.ReconcilePending(ctx)

	s.mu.Lock()
	s.sweeps++
	s.mu.Unlock()

	if err != nil {
		s.logger.Error("Reconciliation sweep failed", zap.Error(err))
		return
	}
	if resolved > 0 {
		s.logger.Info("Reconciliation sweep finished",
			zap.Int("resolved", resolved),
			zap.Duration("duration", time.Since(start)))
	}
}

// Sweeps returns the number of completed sweep passes
func (s *Sweeper) Sweeps() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sweeps
}
