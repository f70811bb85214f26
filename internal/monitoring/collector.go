// Package monitoring reports sync health and raises webhook alerts.
package monitoring

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/lgm-ops/movesync/internal/db"
)

// MetricsSnapshot holds a point-in-time view of sync health.
type MetricsSnapshot struct {
	// Run metrics (within lookback window).
	RunsTotal     int `json:"runs_total"`
	RunsCompleted int `json:"runs_completed"`
	RunsPartial   int `json:"runs_partial"`
	RunsFailed    int `json:"runs_failed"`
	RunsRunning   int `json:"runs_running"`

	RecordsProcessed int64   `json:"records_processed"`
	RecordsFailed    int64   `json:"records_failed"`
	RunFailRate      float64 `json:"run_fail_rate"`

	// Integrations stuck in RUNNING longer than the staleness cutoff.
	StaleIntegrations []string `json:"stale_integrations,omitempty"`
	// Active integrations whose next_sync_at is long overdue.
	OverdueIntegrations []string `json:"overdue_integrations,omitempty"`

	LookbackHours int       `json:"lookback_hours"`
	CollectedAt   time.Time `json:"collected_at"`
}

// Collector aggregates sync health from the crm schema.
type Collector struct {
	pool db.Pool
}

// NewCollector creates a collector backed by the given connection pool.
func NewCollector(pool db.Pool) *Collector {
	return &Collector{pool: pool}
}

// Collect gathers a snapshot over the given lookback window. Staleness for
// the stuck/overdue lists is fixed at twice the lookback.
func (c *Collector) Collect(ctx context.Context, lookbackHours int) (*MetricsSnapshot, error) {
	if lookbackHours <= 0 {
		lookbackHours = 24
	}
	snap := &MetricsSnapshot{
		LookbackHours: lookbackHours,
		CollectedAt:   time.Now().UTC(),
	}
	cutoff := snap.CollectedAt.Add(-time.Duration(lookbackHours) * time.Hour)

	rows, err := c.pool.Query(ctx,
		`SELECT status, records_processed, records_failed
		 FROM crm.sync_log WHERE started_at >= $1`,
		cutoff,
	)
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: query sync log")
	}
	defer rows.Close()

	for rows.Next() {
		var status string
		var processed, failed int64
		if err := rows.Scan(&status, &processed, &failed); err != nil {
			return nil, eris.Wrap(err, "monitoring: scan sync log row")
		}
		snap.RunsTotal++
		snap.RecordsProcessed += processed
		snap.RecordsFailed += failed
		switch status {
		case "COMPLETED":
			snap.RunsCompleted++
		case "PARTIAL":
			snap.RunsPartial++
		case "FAILED":
			snap.RunsFailed++
		case "RUNNING":
			snap.RunsRunning++
		}
	}
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "monitoring: read sync log rows")
	}

	if finished := snap.RunsCompleted + snap.RunsPartial + snap.RunsFailed; finished > 0 {
		snap.RunFailRate = float64(snap.RunsFailed) / float64(finished)
	}

	staleCutoff := snap.CollectedAt.Add(-2 * time.Duration(lookbackHours) * time.Hour)

	snap.StaleIntegrations, err = c.integrationIDs(ctx,
		`SELECT id FROM crm.integration
		 WHERE sync_status = 'RUNNING' AND updated_at < $1`, staleCutoff)
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: query stale integrations")
	}

	snap.OverdueIntegrations, err = c.integrationIDs(ctx,
		`SELECT id FROM crm.integration
		 WHERE is_active AND sync_status <> 'RUNNING' AND next_sync_at < $1`, staleCutoff)
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: query overdue integrations")
	}

	return snap, nil
}

func (c *Collector) integrationIDs(ctx context.Context, sql string, cutoff time.Time) ([]string, error) {
	rows, err := c.pool.Query(ctx, sql, cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
