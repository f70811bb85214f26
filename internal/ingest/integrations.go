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

// ErrAlreadyRunning is returned when a run lock cannot be acquired because
// another run holds it.
var ErrAlreadyRunning = errors.New("integration sync already running")

const integrationColumns = `id, client_id, name, api_source, api_base_url, api_key, api_client_id,
	 is_active, sync_frequency_hours, last_sync_at, next_sync_at, sync_status, settings,
	 created_at, updated_at`

// Integrations provides read/write access to the crm.integration table and
// owns the durable run lock (the RUNNING sync_status transition).
type Integrations struct {
	pool db.Pool
}

// NewIntegrations creates a registry backed by the given connection pool.
func NewIntegrations(pool db.Pool) *Integrations {
	return &Integrations{pool: pool}
}

// Create inserts a new integration. A missing ID is generated. The
// (client_id, api_source) unique constraint rejects duplicates.
func (r *Integrations) Create(ctx context.Context, in *crm.Integration) error {
	if in.ID == "" {
		in.ID = uuid.NewString()
	}
	if in.SyncStatus == "" {
		in.SyncStatus = crm.SyncPending
	}
	if in.SyncFrequencyHours <= 0 {
		in.SyncFrequencyHours = 12
	}

	settings, err := marshalSettings(in.Settings)
	if err != nil {
		return err
	}

	_, err = r.pool.Exec(ctx,
		`INSERT INTO crm.integration
		 (id, client_id, name, api_source, api_base_url, api_key, api_client_id,
		  is_active, sync_frequency_hours, sync_status, settings)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		in.ID, in.ClientID, in.Name, in.APISource, in.APIBaseURL, in.APIKey, in.APIClientID,
		in.IsActive, in.SyncFrequencyHours, string(in.SyncStatus), settings,
	)
	if err != nil {
		return eris.Wrapf(err, "integrations: create %s/%s", in.ClientID, in.APISource)
	}
	return nil
}

// Get returns an integration by ID, or (nil, nil) if it does not exist.
func (r *Integrations) Get(ctx context.Context, id string) (*crm.Integration, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT `+integrationColumns+` FROM crm.integration WHERE id = $1`, id)
	in, err := scanIntegration(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "integrations: get %s", id)
	}
	return in, nil
}

// GetBySource returns the client's integration for an api_source, or
// (nil, nil) if none is configured.
func (r *Integrations) GetBySource(ctx context.Context, clientID, apiSource string) (*crm.Integration, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT `+integrationColumns+` FROM crm.integration
		 WHERE client_id = $1 AND api_source = $2`, clientID, apiSource)
	in, err := scanIntegration(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "integrations: get %s/%s", clientID, apiSource)
	}
	return in, nil
}

// ListActive returns every active integration.
func (r *Integrations) ListActive(ctx context.Context) ([]crm.Integration, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+integrationColumns+` FROM crm.integration
		 WHERE is_active ORDER BY created_at`)
	if err != nil {
		return nil, eris.Wrap(err, "integrations: list active")
	}
	defer rows.Close()
	return collectIntegrations(rows)
}

// Due returns active integrations whose next_sync_at has passed (or was
// never set) and that are not currently running.
func (r *Integrations) Due(ctx context.Context, now time.Time) ([]crm.Integration, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+integrationColumns+` FROM crm.integration
		 WHERE is_active
		   AND sync_status <> 'RUNNING'
		   AND (next_sync_at IS NULL OR next_sync_at <= $1)
		 ORDER BY next_sync_at NULLS FIRST`,
		now,
	)
	if err != nil {
		return nil, eris.Wrap(err, "integrations: list due")
	}
	defer rows.Close()
	return collectIntegrations(rows)
}

// IntegrationPatch holds the mutable settings of an integration. Nil fields
// are left unchanged.
type IntegrationPatch struct {
	Name               *string        `json:"name,omitempty"`
	APIBaseURL         *string        `json:"api_base_url,omitempty"`
	APIKey             *string        `json:"api_key,omitempty"`
	APIClientID        *string        `json:"api_client_id,omitempty"`
	IsActive           *bool          `json:"is_active,omitempty"`
	SyncFrequencyHours *int           `json:"sync_frequency_hours,omitempty"`
	Settings           map[string]any `json:"settings,omitempty"`
}

// Update applies a patch and returns the updated integration, or (nil, nil)
// if the integration does not exist.
func (r *Integrations) Update(ctx context.Context, id string, patch IntegrationPatch) (*crm.Integration, error) {
	var settings []byte
	if patch.Settings != nil {
		var err error
		settings, err = marshalSettings(patch.Settings)
		if err != nil {
			return nil, err
		}
	}

	row := r.pool.QueryRow(ctx,
		`UPDATE crm.integration SET
		   name                 = COALESCE($2, name),
		   api_base_url         = COALESCE($3, api_base_url),
		   api_key              = COALESCE($4, api_key),
		   api_client_id        = COALESCE($5, api_client_id),
		   is_active            = COALESCE($6, is_active),
		   sync_frequency_hours = COALESCE($7, sync_frequency_hours),
		   settings             = COALESCE($8, settings),
		   updated_at           = now()
		 WHERE id = $1
		 RETURNING `+integrationColumns,
		id, patch.Name, patch.APIBaseURL, patch.APIKey, patch.APIClientID,
		patch.IsActive, patch.SyncFrequencyHours, settings,
	)
	in, err := scanIntegration(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "integrations: update %s", id)
	}
	return in, nil
}

// AcquireRunLock transitions the integration to RUNNING. It fails with
// ErrAlreadyRunning if another run already holds the lock, and with a plain
// error if the integration is missing or inactive.
func (r *Integrations) AcquireRunLock(ctx context.Context, id string) error {
	tag, err := r.pool.Exec(ctx,
		`UPDATE crm.integration
		 SET sync_status = 'RUNNING', updated_at = now()
		 WHERE id = $1 AND is_active AND sync_status <> 'RUNNING'`,
		id,
	)
	if err != nil {
		return eris.Wrapf(err, "integrations: acquire run lock %s", id)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	// Distinguish a held lock from a missing/inactive integration.
	in, err := r.Get(ctx, id)
	if err != nil {
		return err
	}
	if in == nil {
		return eris.Errorf("integrations: %s not found", id)
	}
	if !in.IsActive {
		return eris.Errorf("integrations: %s is inactive", id)
	}
	return ErrAlreadyRunning
}

// ReleaseRunLock records the run outcome, frees the lock and advances the
// schedule. The schedule moves on every outcome, failures included, so a
// broken integration retries on its cadence instead of on every tick.
func (r *Integrations) ReleaseRunLock(ctx context.Context, id string, final crm.SyncStatus) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE crm.integration
		 SET sync_status  = $2,
		     last_sync_at = now(),
		     next_sync_at = now() + make_interval(hours => sync_frequency_hours),
		     updated_at   = now()
		 WHERE id = $1`,
		id, string(final),
	)
	if err != nil {
		return eris.Wrapf(err, "integrations: release run lock %s", id)
	}
	return nil
}

// RecoverStale clears RUNNING locks left behind by a crashed process. Any
// integration stuck in RUNNING longer than olderThan is marked FAILED so the
// scheduler can pick it up again. Returns the number of locks cleared.
func (r *Integrations) RecoverStale(ctx context.Context, olderThan time.Duration) (int64, error) {
	tag, err := r.pool.Exec(ctx,
		`UPDATE crm.integration
		 SET sync_status = 'FAILED', updated_at = now()
		 WHERE sync_status = 'RUNNING' AND updated_at < now() - $1::interval`,
		olderThan.String(),
	)
	if err != nil {
		return 0, eris.Wrap(err, "integrations: recover stale locks")
	}
	return tag.RowsAffected(), nil
}

func marshalSettings(settings map[string]any) ([]byte, error) {
	if settings == nil {
		return nil, nil
	}
	b, err := json.Marshal(settings)
	if err != nil {
		return nil, eris.Wrap(err, "integrations: marshal settings")
	}
	return b, nil
}

func scanIntegration(row pgx.Row) (*crm.Integration, error) {
	var in crm.Integration
	var apiClientID *string
	var settings []byte
	var status string
	err := row.Scan(
		&in.ID, &in.ClientID, &in.Name, &in.APISource, &in.APIBaseURL, &in.APIKey, &apiClientID,
		&in.IsActive, &in.SyncFrequencyHours, &in.LastSyncAt, &in.NextSyncAt, &status, &settings,
		&in.CreatedAt, &in.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if apiClientID != nil {
		in.APIClientID = *apiClientID
	}
	in.SyncStatus = crm.SyncStatus(status)
	if settings != nil {
		_ = json.Unmarshal(settings, &in.Settings)
	}
	return &in, nil
}

func collectIntegrations(rows pgx.Rows) ([]crm.Integration, error) {
	var out []crm.Integration
	for rows.Next() {
		in, err := scanIntegration(rows)
		if err != nil {
			return nil, eris.Wrap(err, "integrations: scan row")
		}
		out = append(out, *in)
	}
	return out, rows.Err()
}
