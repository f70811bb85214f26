package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"

	"github.com/lgm-ops/movesync/internal/crm"
	"github.com/lgm-ops/movesync/internal/db"
)

// maxErrorSamples caps the per-run error samples kept in sync_log metadata.
const maxErrorSamples = 20

// RunResult holds the counters and metadata of a finished run, passed to
// Complete().
type RunResult struct {
	Status           crm.SyncStatus
	RecordsProcessed int64
	RecordsCreated   int64
	RecordsUpdated   int64
	RecordsFailed    int64
	ErrorSamples     []string
	Metadata         map[string]any
}

// SyncLog provides read/write access to the crm.sync_log table.
type SyncLog struct {
	pool db.Pool
}

// NewSyncLog creates a new SyncLog backed by the given connection pool.
func NewSyncLog(pool db.Pool) *SyncLog {
	return &SyncLog{pool: pool}
}

// Start records the beginning of a run and returns its ID.
func (s *SyncLog) Start(ctx context.Context, integrationID string, syncType crm.SyncType) (string, error) {
	id := uuid.NewString()
	_, err := s.pool.Exec(ctx,
		`INSERT INTO crm.sync_log (id, integration_id, sync_type, status, started_at)
		 VALUES ($1, $2, $3, 'RUNNING', now())`,
		id, integrationID, string(syncType),
	)
	if err != nil {
		return "", eris.Wrapf(err, "synclog: start run for %s", integrationID)
	}
	return id, nil
}

// Complete finalizes a run with its counters and terminal status. Error
// samples beyond the cap are dropped and the overflow noted in metadata.
func (s *SyncLog) Complete(ctx context.Context, runID string, result *RunResult) error {
	meta := result.Metadata
	if len(result.ErrorSamples) > 0 {
		if meta == nil {
			meta = make(map[string]any)
		}
		samples := result.ErrorSamples
		if len(samples) > maxErrorSamples {
			meta["errors_truncated"] = len(samples) - maxErrorSamples
			samples = samples[:maxErrorSamples]
		}
		meta["error_samples"] = samples
	}

	var metaJSON []byte
	if meta != nil {
		var err error
		metaJSON, err = json.Marshal(meta)
		if err != nil {
			return eris.Wrap(err, "synclog: marshal metadata")
		}
	}

	_, err := s.pool.Exec(ctx,
		`UPDATE crm.sync_log
		 SET status = $1, completed_at = now(),
		     records_processed = $2, records_created = $3,
		     records_updated = $4, records_failed = $5,
		     metadata = $6
		 WHERE id = $7`,
		string(result.Status), result.RecordsProcessed, result.RecordsCreated,
		result.RecordsUpdated, result.RecordsFailed, metaJSON, runID,
	)
	if err != nil {
		return eris.Wrapf(err, "synclog: complete run %s", runID)
	}
	return nil
}

// Fail marks a run as failed with an error message.
func (s *SyncLog) Fail(ctx context.Context, runID, errMsg string) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE crm.sync_log
		 SET status = 'FAILED', completed_at = now(), error_message = $1
		 WHERE id = $2`,
		errMsg, runID,
	)
	if err != nil {
		return eris.Wrapf(err, "synclog: fail run %s", runID)
	}
	return nil
}

// Latest returns the integration's most recent run, or (nil, nil) if it has
// never run.
func (s *SyncLog) Latest(ctx context.Context, integrationID string) (*crm.SyncLog, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+syncLogColumns+` FROM crm.sync_log
		 WHERE integration_id = $1
		 ORDER BY started_at DESC LIMIT 1`,
		integrationID,
	)
	entry, err := scanSyncLog(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "synclog: latest for %s", integrationID)
	}
	return entry, nil
}

// Recent returns the integration's last n runs, most recent first.
func (s *SyncLog) Recent(ctx context.Context, integrationID string, n int) ([]crm.SyncLog, error) {
	if n <= 0 {
		n = 10
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+syncLogColumns+` FROM crm.sync_log
		 WHERE integration_id = $1
		 ORDER BY started_at DESC LIMIT $2`,
		integrationID, n,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "synclog: recent for %s", integrationID)
	}
	defer rows.Close()

	var entries []crm.SyncLog
	for rows.Next() {
		entry, err := scanSyncLog(rows)
		if err != nil {
			return nil, eris.Wrap(err, "synclog: scan entry")
		}
		entries = append(entries, *entry)
	}
	return entries, rows.Err()
}

const syncLogColumns = `id, integration_id, sync_type, status, started_at, completed_at,
	 records_processed, records_created, records_updated, records_failed,
	 error_message, metadata`

func scanSyncLog(row pgx.Row) (*crm.SyncLog, error) {
	var e crm.SyncLog
	var syncType, status string
	var completedAt *time.Time
	var errMsg *string
	var metaJSON []byte
	err := row.Scan(
		&e.ID, &e.IntegrationID, &syncType, &status, &e.StartedAt, &completedAt,
		&e.RecordsProcessed, &e.RecordsCreated, &e.RecordsUpdated, &e.RecordsFailed,
		&errMsg, &metaJSON,
	)
	if err != nil {
		return nil, err
	}
	e.SyncType = crm.SyncType(syncType)
	e.Status = crm.SyncStatus(status)
	e.CompletedAt = completedAt
	if errMsg != nil {
		e.ErrorMessage = *errMsg
	}
	if metaJSON != nil {
		_ = json.Unmarshal(metaJSON, &e.Metadata)
	}
	return &e, nil
}
