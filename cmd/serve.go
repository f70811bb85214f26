package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/lgm-ops/movesync/internal/db"
	"github.com/lgm-ops/movesync/internal/ingest"
	"github.com/lgm-ops/movesync/internal/monitoring"
	"github.com/lgm-ops/movesync/internal/server"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the scheduler and control-surface server",
	Long: `Long-lived sync process: recovers integrations left RUNNING by a
crash, polls for due integrations on the configured tick, and serves
the control-surface HTTP API until SIGINT/SIGTERM.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		pool, err := dbPool(ctx)
		if err != nil {
			return err
		}
		defer pool.Close()

		// Crash recovery: a lock older than the run deadline belongs to
		// a process that can no longer release it.
		integrations := ingest.NewIntegrations(pool)
		recovered, err := integrations.RecoverStale(ctx, cfg.Run.Deadline())
		if err != nil {
			return err
		}
		if recovered > 0 {
			zap.L().Warn("recovered stale runs", zap.Int64("count", recovered))
		}

		orch, err := buildOrchestrator(ctx, pool)
		if err != nil {
			return err
		}

		sched := ingest.NewScheduler(orch, ingest.SchedulerConfig{
			Tick:        cfg.Schedule.Tick(),
			RunDeadline: cfg.Run.Deadline(),
			WindowDays:  cfg.Run.DefaultWindowDays,
		})
		go sched.Start(ctx)

		go monitorLoop(ctx, pool)

		srv := server.New(pool, orch, server.Config{
			Addr:        fmt.Sprintf(":%d", cfg.Server.Port),
			RunDeadline: cfg.Run.Deadline(),
			WindowDays:  cfg.Run.DefaultWindowDays,
		})
		return srv.ListenAndServe(ctx)
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

// monitorLoop periodically snapshots sync health and raises webhook
// alerts. Collection failures are logged and retried next tick.
func monitorLoop(ctx context.Context, pool db.Pool) {
	log := zap.L().With(zap.String("component", "monitor"))
	collector := monitoring.NewCollector(pool)
	alerter := monitoring.NewAlerter(cfg.Alert)

	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		snap, err := collector.Collect(ctx, 24)
		if err != nil {
			log.Error("health snapshot failed", zap.Error(err))
			continue
		}

		alerts := alerter.Evaluate(snap)
		if len(alerts) == 0 {
			continue
		}
		sent := alerter.SendAlerts(ctx, alerts)
		log.Info("sync health alerts raised",
			zap.Int("alerts", len(alerts)),
			zap.Int("sent", sent),
			zap.Float64("fail_rate", snap.RunFailRate),
		)
	}
}
