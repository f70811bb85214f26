package ingest

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/lgm-ops/movesync/internal/crm"
)

// SchedulerConfig tunes the background sync loop.
type SchedulerConfig struct {
	Tick        time.Duration // how often to poll for due integrations
	RunDeadline time.Duration // per-run wall clock budget
	WindowDays  int           // service days to sync per run, starting today
}

// Scheduler polls for due integrations and launches scheduled runs. Runs
// for different integrations proceed in parallel; the run lock keeps any
// one integration single-flight.
type Scheduler struct {
	orch *Orchestrator
	cfg  SchedulerConfig
	now  func() time.Time
}

// NewScheduler wires a scheduler over the orchestrator.
func NewScheduler(orch *Orchestrator, cfg SchedulerConfig) *Scheduler {
	if cfg.Tick <= 0 {
		cfg.Tick = time.Minute
	}
	if cfg.RunDeadline <= 0 {
		cfg.RunDeadline = time.Hour
	}
	// Today plus tomorrow, so evening runs already carry the next morning.
	if cfg.WindowDays <= 0 {
		cfg.WindowDays = 2
	}
	return &Scheduler{orch: orch, cfg: cfg, now: time.Now}
}

// Start blocks until ctx is done, polling every tick and syncing whatever
// is due. In-flight runs are waited for on shutdown.
func (s *Scheduler) Start(ctx context.Context) {
	log := zap.L().With(zap.String("component", "ingest.scheduler"))
	log.Info("scheduler started",
		zap.Duration("tick", s.cfg.Tick),
		zap.Int("window_days", s.cfg.WindowDays))

	ticker := time.NewTicker(s.cfg.Tick)
	defer ticker.Stop()

	var wg sync.WaitGroup
	s.tickOnce(ctx, &wg, log)
	for {
		select {
		case <-ctx.Done():
			log.Info("scheduler stopping, waiting for in-flight runs")
			wg.Wait()
			return
		case <-ticker.C:
			s.tickOnce(ctx, &wg, log)
		}
	}
}

func (s *Scheduler) tickOnce(ctx context.Context, wg *sync.WaitGroup, log *zap.Logger) {
	due, err := s.orch.integrations.Due(ctx, s.now())
	if err != nil {
		log.Error("failed to list due integrations", zap.Error(err))
		return
	}

	for i := range due {
		in := due[i]
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.runOne(ctx, &in)
		}()
	}
}

// runOne executes one scheduled run under the configured deadline.
func (s *Scheduler) runOne(ctx context.Context, in *crm.Integration) {
	log := zap.L().With(
		zap.String("component", "ingest.scheduler"),
		zap.String("integration_id", in.ID))

	runCtx, cancel := context.WithTimeout(ctx, s.cfg.RunDeadline)
	defer cancel()

	window := Window{
		From: s.now(),
		To:   s.now().AddDate(0, 0, s.cfg.WindowDays-1),
	}

	_, _, err := s.orch.Run(runCtx, in, crm.SyncScheduled, window)
	switch {
	case err == nil:
	case errors.Is(err, ErrAlreadyRunning):
		log.Debug("skipping: run already in progress")
	case errors.Is(err, context.DeadlineExceeded):
		log.Warn("run exceeded deadline", zap.Duration("deadline", s.cfg.RunDeadline))
	default:
		log.Error("scheduled run failed", zap.Error(err))
	}
}
