package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/lgm-ops/movesync/internal/config"
	"github.com/lgm-ops/movesync/internal/db"
	"github.com/lgm-ops/movesync/internal/ingest"
)

var cfg *config.Config

var rootCmd = &cobra.Command{
	Use:   "movesync",
	Short: "SmartMoving ingestion core for the operations CRM",
	Long:  "Pulls branches, catalogs, customers and jobs from the SmartMoving API and reconciles them into the local CRM schema on a fixed cadence.",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		c, err := config.Load()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		cfg = c

		if err := config.InitLogger(cfg.Log); err != nil {
			return fmt.Errorf("init logger: %w", err)
		}

		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = zap.L().Sync()
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// dbPool creates the shared connection pool from config.
func dbPool(ctx context.Context) (*pgxpool.Pool, error) {
	if cfg.Database.URL == "" {
		return nil, eris.New("no database url configured (set database.url or MOVESYNC_DATABASE_URL)")
	}

	pool, err := db.NewPool(ctx, cfg.Database.URL, db.PoolOptions{
		MaxConns:            cfg.Database.PoolSize,
		StatementTimeoutSec: cfg.Database.StatementTimeoutSec,
	})
	if err != nil {
		return nil, err
	}
	return pool, nil
}

// systemUserID resolves the well-known system user that owns every
// synced row. Provisioning creates it; syncing cannot run without it.
func systemUserID(ctx context.Context, pool db.Pool) (string, error) {
	var id string
	err := pool.QueryRow(ctx,
		`SELECT id FROM crm.app_user WHERE is_system ORDER BY created_at LIMIT 1`,
	).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", eris.New("no system user found, run 'movesync provision' first")
	}
	if err != nil {
		return "", eris.Wrap(err, "query system user")
	}
	return id, nil
}

// buildOrchestrator wires the orchestrator from config.
func buildOrchestrator(ctx context.Context, pool db.Pool) (*ingest.Orchestrator, error) {
	sysUser, err := systemUserID(ctx, pool)
	if err != nil {
		return nil, err
	}

	return ingest.NewOrchestrator(pool, ingest.OrchestratorConfig{
		Concurrency:    cfg.Run.Concurrency,
		RatePerSec:     cfg.Upstream.RateLimitPerSec,
		RequestTimeout: cfg.Upstream.RequestTimeout(),
		MaxRetries:     cfg.Upstream.RetryMaxAttempts,
		SystemUserID:   sysUser,
	}), nil
}
