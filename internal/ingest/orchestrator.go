package ingest

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/lgm-ops/movesync/internal/crm"
	"github.com/lgm-ops/movesync/internal/db"
	"github.com/lgm-ops/movesync/internal/resilience"
	"github.com/lgm-ops/movesync/internal/smartmoving"
)

// Window is an inclusive range of service days.
type Window struct {
	From time.Time
	To   time.Time
}

// DayWindow is the window covering a single day.
func DayWindow(day time.Time) Window {
	return Window{From: day, To: day}
}

// Days enumerates the window's days in order. An inverted window yields
// just the From day.
func (w Window) Days() []time.Time {
	from := truncateDay(w.From)
	to := truncateDay(w.To)
	days := []time.Time{from}
	for d := from.AddDate(0, 0, 1); !d.After(to); d = d.AddDate(0, 0, 1) {
		days = append(days, d)
	}
	return days
}

func truncateDay(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// OrchestratorConfig carries the upstream and fan-out tuning knobs.
type OrchestratorConfig struct {
	Concurrency    int
	RatePerSec     float64
	RequestTimeout time.Duration
	MaxRetries     int
	SystemUserID   string
}

// Orchestrator drives one full run: lock, catalog refresh, location
// mirror, location/day fan-out, counter rollup, finalize.
type Orchestrator struct {
	pool         db.Pool
	integrations *Integrations
	syncLog      *SyncLog
	catalog      *CatalogLoader
	cfg          OrchestratorConfig

	// limiter is the single upstream token bucket. Every client this
	// orchestrator builds shares it, so concurrent runs cannot multiply
	// the configured rate.
	limiter *rate.Limiter

	// newClient is swappable in tests.
	newClient func(in *crm.Integration) smartmoving.Client
}

// NewOrchestrator wires an orchestrator over the shared pool.
func NewOrchestrator(pool db.Pool, cfg OrchestratorConfig) *Orchestrator {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 8
	}
	o := &Orchestrator{
		pool:         pool,
		integrations: NewIntegrations(pool),
		syncLog:      NewSyncLog(pool),
		catalog:      NewCatalogLoader(pool),
		cfg:          cfg,
		limiter:      smartmoving.SharedLimiter(cfg.RatePerSec),
	}
	o.newClient = o.defaultClient
	return o
}

func (o *Orchestrator) defaultClient(in *crm.Integration) smartmoving.Client {
	baseURL := in.APIBaseURL
	if baseURL == "" {
		baseURL = smartmoving.DefaultBaseURL
	}
	opts := []smartmoving.Option{
		smartmoving.WithRateLimiter(o.limiter),
	}
	if o.cfg.RequestTimeout > 0 {
		opts = append(opts, smartmoving.WithTimeout(o.cfg.RequestTimeout))
	}
	if o.cfg.MaxRetries > 0 {
		retry := resilience.DefaultRetryConfig()
		retry.MaxAttempts = o.cfg.MaxRetries
		opts = append(opts, smartmoving.WithRetry(retry))
	}
	return smartmoving.NewClient(baseURL, in.APIKey, opts...)
}

// runCounters aggregates outcomes across the branch/day fan-out.
type runCounters struct {
	mu        sync.Mutex
	processed int64
	created   int64
	updated   int64
	failed    int64
	samples   []string
}

func (c *runCounters) record(outcome ReconcileOutcome) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.processed++
	if outcome == OutcomeCreated {
		c.created++
	} else {
		c.updated++
	}
}

func (c *runCounters) recordFailure(msg string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.processed++
	c.failed++
	if len(c.samples) < maxErrorSamples {
		c.samples = append(c.samples, msg)
	}
}

// UpstreamClient builds an API client for the integration with the
// orchestrator's rate limit, timeout and retry settings applied.
func (o *Orchestrator) UpstreamClient(in *crm.Integration) smartmoving.Client {
	return o.newClient(in)
}

// Run executes one sync for the integration over the given window. It
// returns ErrAlreadyRunning without side effects when the run lock is held.
// The returned RunResult mirrors what was written to the sync log.
func (o *Orchestrator) Run(ctx context.Context, in *crm.Integration, syncType crm.SyncType, window Window) (runID string, result *RunResult, err error) {
	runID, err = o.begin(ctx, in, syncType)
	if err != nil {
		return "", nil, err
	}
	result, err = o.finish(ctx, in, runID, window)
	return runID, result, err
}

// RunAsync acquires the lock and opens the sync log entry, then completes
// the run in the background under the given deadline. The returned run ID
// can be polled through the sync log.
func (o *Orchestrator) RunAsync(ctx context.Context, in *crm.Integration, syncType crm.SyncType, window Window, deadline time.Duration) (string, error) {
	runID, err := o.begin(ctx, in, syncType)
	if err != nil {
		return "", err
	}

	bgCtx := context.WithoutCancel(ctx)
	go func() {
		runCtx := bgCtx
		if deadline > 0 {
			var cancel context.CancelFunc
			runCtx, cancel = context.WithTimeout(bgCtx, deadline)
			defer cancel()
		}
		if _, err := o.finish(runCtx, in, runID, window); err != nil {
			zap.L().Error("background sync run failed",
				zap.String("integration_id", in.ID),
				zap.String("run_id", runID),
				zap.Error(err))
		}
	}()
	return runID, nil
}

// begin acquires the run lock and opens the sync log entry.
func (o *Orchestrator) begin(ctx context.Context, in *crm.Integration, syncType crm.SyncType) (string, error) {
	if err := o.integrations.AcquireRunLock(ctx, in.ID); err != nil {
		return "", err
	}

	runID, err := o.syncLog.Start(ctx, in.ID, syncType)
	if err != nil {
		// Lock is held but the run never started; release as FAILED.
		if relErr := o.integrations.ReleaseRunLock(context.WithoutCancel(ctx), in.ID, crm.SyncFailed); relErr != nil {
			zap.L().Error("failed to release run lock",
				zap.String("integration_id", in.ID), zap.Error(relErr))
		}
		return "", err
	}

	zap.L().Info("sync run started",
		zap.String("component", "ingest.orchestrator"),
		zap.String("integration_id", in.ID),
		zap.String("sync_type", string(syncType)),
		zap.String("run_id", runID))
	return runID, nil
}

// finish runs the body of an already-begun run and finalizes the sync log
// entry and the lock. Finalization uses a context that survives
// cancellation so the integration is never left RUNNING.
func (o *Orchestrator) finish(ctx context.Context, in *crm.Integration, runID string, window Window) (*RunResult, error) {
	log := zap.L().With(
		zap.String("component", "ingest.orchestrator"),
		zap.String("integration_id", in.ID),
		zap.String("run_id", runID),
	)

	result, runErr := o.execute(ctx, in, window)

	finalCtx := context.WithoutCancel(ctx)
	if runErr != nil {
		if failErr := o.syncLog.Fail(finalCtx, runID, runErr.Error()); failErr != nil {
			log.Error("failed to record run failure", zap.Error(failErr))
		}
		if relErr := o.integrations.ReleaseRunLock(finalCtx, in.ID, crm.SyncFailed); relErr != nil {
			log.Error("failed to release run lock", zap.Error(relErr))
		}
		return nil, runErr
	}

	if err := o.syncLog.Complete(finalCtx, runID, result); err != nil {
		log.Error("failed to record run result", zap.Error(err))
	}
	if err := o.integrations.ReleaseRunLock(finalCtx, in.ID, result.Status); err != nil {
		log.Error("failed to release run lock", zap.Error(err))
	}

	log.Info("sync run finished",
		zap.String("status", string(result.Status)),
		zap.Int64("processed", result.RecordsProcessed),
		zap.Int64("created", result.RecordsCreated),
		zap.Int64("updated", result.RecordsUpdated),
		zap.Int64("failed", result.RecordsFailed))
	return result, nil
}

// execute does the actual work between lock acquisition and finalization.
// A returned error means the run failed outright; partial failures are
// reported through the result status instead.
func (o *Orchestrator) execute(ctx context.Context, in *crm.Integration, window Window) (*RunResult, error) {
	client := o.newClient(in)

	catalogStats, err := o.catalog.Refresh(ctx, client, in.ID)
	if err != nil {
		return nil, eris.Wrap(err, "orchestrator: catalog refresh")
	}

	branches, err := o.listBranches(ctx, client)
	if err != nil {
		return nil, eris.Wrap(err, "orchestrator: list branches")
	}

	locations, err := o.syncLocations(ctx, in.ClientID, branches)
	if err != nil {
		return nil, err
	}

	counters := &runCounters{}
	reconciler := NewReconciler(o.pool, in.ClientID, o.cfg.SystemUserID)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.cfg.Concurrency)
	for _, loc := range locations {
		for _, day := range window.Days() {
			g.Go(func() error {
				o.syncLocationDay(gctx, client, reconciler, loc, day, counters)
				return gctx.Err()
			})
		}
	}
	if err := g.Wait(); err != nil {
		return nil, eris.Wrap(err, "orchestrator: run cancelled")
	}

	result := &RunResult{
		Status:           crm.SyncCompleted,
		RecordsProcessed: counters.processed,
		RecordsCreated:   counters.created,
		RecordsUpdated:   counters.updated,
		RecordsFailed:    counters.failed,
		ErrorSamples:     counters.samples,
		Metadata: map[string]any{
			"branches":  len(branches),
			"locations": len(locations),
			"from":      window.From.Format("2006-01-02"),
			"to":        window.To.Format("2006-01-02"),
			"catalog":   catalogStats,
		},
	}
	switch {
	case counters.failed > 0 && counters.created+counters.updated == 0:
		// Nothing landed; the run failed even though the lock cycle worked.
		result.Status = crm.SyncFailed
	case counters.failed > 0 || len(catalogStats.Failed) > 0:
		result.Status = crm.SyncPartial
	}
	return result, nil
}

func (o *Orchestrator) listBranches(ctx context.Context, client smartmoving.Client) ([]smartmoving.Branch, error) {
	var branches []smartmoving.Branch
	err := smartmoving.EachPage(ctx, smartmoving.DefaultPageCap,
		func(ctx context.Context, page int) (*smartmoving.Page[smartmoving.Branch], error) {
			return client.ListBranches(ctx, page, 100)
		},
		func(p *smartmoving.Page[smartmoving.Branch]) error {
			branches = append(branches, p.PageResults...)
			return nil
		})
	return branches, err
}

// syncLocations mirrors the upstream branch list into crm.location, then
// returns the active local locations the run fans out over. The conflict
// update never flips is_active back on, so a location deactivated locally
// stays out of the fan-out.
func (o *Orchestrator) syncLocations(ctx context.Context, clientID string, branches []smartmoving.Branch) ([]crm.Location, error) {
	for _, b := range branches {
		address := ""
		if b.DispatchLocation != nil {
			address = b.DispatchLocation.FullAddress
		}
		_, err := o.pool.Exec(ctx,
			`INSERT INTO crm.location (id, client_id, external_id, name, address, phone, timezone, is_active)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, true)
			 ON CONFLICT (client_id, external_id) DO UPDATE SET
			   name = EXCLUDED.name, address = EXCLUDED.address,
			   phone = EXCLUDED.phone, timezone = EXCLUDED.timezone,
			   updated_at = now()`,
			uuid.NewString(), clientID, b.ID, b.Name, address, b.PhoneNumber, b.Timezone,
		)
		if err != nil {
			return nil, eris.Wrapf(err, "orchestrator: upsert location %s", b.ID)
		}
	}

	rows, err := o.pool.Query(ctx,
		`SELECT id, external_id, name FROM crm.location
		 WHERE client_id = $1 AND is_active ORDER BY name`,
		clientID,
	)
	if err != nil {
		return nil, eris.Wrap(err, "orchestrator: list active locations")
	}
	defer rows.Close()

	var locations []crm.Location
	for rows.Next() {
		loc := crm.Location{ClientID: clientID, IsActive: true}
		if err := rows.Scan(&loc.ID, &loc.ExternalID, &loc.Name); err != nil {
			return nil, eris.Wrap(err, "orchestrator: scan location")
		}
		locations = append(locations, loc)
	}
	return locations, rows.Err()
}

// syncLocationDay fetches and reconciles one location/day cell. Job-level
// failures are counted, never propagated; a fetch failure is one counted
// failure for the cell.
func (o *Orchestrator) syncLocationDay(ctx context.Context, client smartmoving.Client, reconciler *Reconciler, loc crm.Location, day time.Time, counters *runCounters) {
	log := zap.L().With(
		zap.String("component", "ingest.orchestrator"),
		zap.String("branch_id", loc.ExternalID),
		zap.String("day", day.Format("2006-01-02")),
	)

	fetcher := NewJobFetcher(client)
	err := fetcher.Fetch(ctx, loc.ExternalID, day, func(rec JobRecord) error {
		outcome, recErr := reconciler.Reconcile(ctx, rec)
		if recErr != nil {
			log.Warn("job reconcile failed",
				zap.String("job_id", rec.Job.ID), zap.Error(recErr))
			counters.recordFailure("job " + rec.Job.ID + ": " + recErr.Error())
			return nil
		}
		counters.record(outcome)
		return nil
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		log.Warn("branch/day fetch failed", zap.Error(err))
		counters.recordFailure("branch " + loc.ExternalID + " " + day.Format("2006-01-02") + ": " + err.Error())
	}
}
