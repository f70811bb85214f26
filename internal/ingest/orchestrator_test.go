package ingest

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lgm-ops/movesync/internal/crm"
	"github.com/lgm-ops/movesync/internal/smartmoving"
)

func TestWindow_Days(t *testing.T) {
	day := time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC)

	days := DayWindow(day).Days()
	require.Len(t, days, 1)
	assert.Equal(t, time.Date(2026, 3, 14, 0, 0, 0, 0, time.UTC), days[0])

	days = Window{From: day, To: day.AddDate(0, 0, 2)}.Days()
	require.Len(t, days, 3)
	assert.Equal(t, time.Date(2026, 3, 16, 0, 0, 0, 0, time.UTC), days[2])

	// Inverted windows collapse to the From day.
	days = Window{From: day, To: day.AddDate(0, 0, -5)}.Days()
	assert.Len(t, days, 1)
}

func TestRunCounters(t *testing.T) {
	c := &runCounters{}
	c.record(OutcomeCreated)
	c.record(OutcomeCreated)
	c.record(OutcomeUpdated)
	c.recordFailure("job j1: boom")

	assert.EqualValues(t, 4, c.processed)
	assert.EqualValues(t, 2, c.created)
	assert.EqualValues(t, 1, c.updated)
	assert.EqualValues(t, 1, c.failed)
	assert.Equal(t, []string{"job j1: boom"}, c.samples)
}

func TestRunCounters_SampleCap(t *testing.T) {
	c := &runCounters{}
	for i := 0; i < maxErrorSamples+10; i++ {
		c.recordFailure(fmt.Sprintf("job j%d: boom", i))
	}
	assert.EqualValues(t, maxErrorSamples+10, c.failed)
	assert.Len(t, c.samples, maxErrorSamples)
}

func testIntegration() *crm.Integration {
	return &crm.Integration{
		ID:                 "int-1",
		ClientID:           "client-1",
		Name:               "Acme",
		APISource:          "smartmoving",
		APIKey:             "key",
		IsActive:           true,
		SyncFrequencyHours: 12,
	}
}

// expectRunBegin adds the lock acquisition and sync log open expectations.
func expectRunBegin(mock pgxmock.PgxPoolIface, syncType string) {
	mock.ExpectExec("SET sync_status = 'RUNNING'").
		WithArgs("int-1").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec("INSERT INTO crm.sync_log").
		WithArgs(pgxmock.AnyArg(), "int-1", syncType).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
}

// expectRunFinalize adds the sync log completion and lock release
// expectations for a run ending with the given counters.
func expectRunFinalize(mock pgxmock.PgxPoolIface, status string, processed, created, updated, failed int64) {
	mock.ExpectExec("UPDATE crm.sync_log").
		WithArgs(status, processed, created, updated, failed, pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec("next_sync_at = now\\(\\) \\+ make_interval").
		WithArgs("int-1", status).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
}

// expectEmptyCatalogSweep adds the deactivate expectations for a refresh
// where upstream reports no items of any kind.
func expectEmptyCatalogSweep(mock pgxmock.PgxPoolIface) {
	for _, kind := range catalogKinds {
		expectKindDeactivate(mock, kind.table, 0)
	}
}

// expectBranchUpsert adds the location mirror expectation for one branch
// with no dispatch address, phone or timezone.
func expectBranchUpsert(mock pgxmock.PgxPoolIface, externalID, name string) {
	mock.ExpectExec("INSERT INTO crm.location").
		WithArgs(pgxmock.AnyArg(), "client-1", externalID, name, "", "", "").
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
}

// expectActiveLocations adds the active-location listing expectation.
func expectActiveLocations(mock pgxmock.PgxPoolIface, locs ...crm.Location) {
	rows := mock.NewRows([]string{"id", "external_id", "name"})
	for _, loc := range locs {
		rows.AddRow(loc.ID, loc.ExternalID, loc.Name)
	}
	mock.ExpectQuery("SELECT id, external_id, name FROM crm.location").
		WithArgs("client-1").
		WillReturnRows(rows)
}

func TestOrchestrator_Run_EmptyUpstream(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	expectRunBegin(mock, "MANUAL")
	expectEmptyCatalogSweep(mock)
	expectActiveLocations(mock)
	expectRunFinalize(mock, "COMPLETED", 0, 0, 0, 0)

	orch := NewOrchestrator(mock, OrchestratorConfig{Concurrency: 2, SystemUserID: "sys"})
	orch.newClient = func(*crm.Integration) smartmoving.Client { return &stubClient{} }

	runID, result, err := orch.Run(context.Background(), testIntegration(), crm.SyncManual, DayWindow(testDay))
	require.NoError(t, err)
	assert.NotEmpty(t, runID)
	assert.Equal(t, crm.SyncCompleted, result.Status)
	assert.EqualValues(t, 0, result.RecordsProcessed)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestOrchestrator_Run_AlreadyRunning(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectExec("SET sync_status = 'RUNNING'").
		WithArgs("int-1").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	mock.ExpectQuery("SELECT (.+) FROM crm.integration WHERE id").
		WithArgs("int-1").
		WillReturnRows(integrationRow(mock, crm.Integration{
			ID: "int-1", IsActive: true, SyncStatus: crm.SyncRunning,
		}))

	orch := NewOrchestrator(mock, OrchestratorConfig{})
	orch.newClient = func(*crm.Integration) smartmoving.Client { return &stubClient{} }

	_, _, err = orch.Run(context.Background(), testIntegration(), crm.SyncManual, DayWindow(testDay))
	assert.ErrorIs(t, err, ErrAlreadyRunning)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestOrchestrator_Run_PartialOnCatalogCollapse(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	expectRunBegin(mock, "SCHEDULED")
	// Every catalog kind fails upstream, so no catalog DB work happens.
	// The run still proceeds over the (empty) location fan-out and lands
	// PARTIAL with the collapse recorded in the metadata.
	expectActiveLocations(mock)
	expectRunFinalize(mock, "PARTIAL", 0, 0, 0, 0)

	fail := func(ctx context.Context, page, pageSize int) (*smartmoving.Page[smartmoving.CatalogItem], error) {
		return nil, fmt.Errorf("401 unauthorized")
	}
	client := &stubClient{
		materials: fail, serviceTypes: fail, moveSizes: fail,
		roomTypes: fail, referralSources: fail,
		users: func(ctx context.Context, page, pageSize int) (*smartmoving.Page[smartmoving.User], error) {
			return nil, fmt.Errorf("401 unauthorized")
		},
	}

	orch := NewOrchestrator(mock, OrchestratorConfig{SystemUserID: "sys"})
	orch.newClient = func(*crm.Integration) smartmoving.Client { return client }

	_, result, err := orch.Run(context.Background(), testIntegration(), crm.SyncScheduled, DayWindow(testDay))
	require.NoError(t, err)
	assert.Equal(t, crm.SyncPartial, result.Status)
	stats, ok := result.Metadata["catalog"].(CatalogStats)
	require.True(t, ok)
	assert.Len(t, stats.Failed, len(catalogKinds))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestOrchestrator_Run_FailedWhenEveryJobFails(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	expectRunBegin(mock, "MANUAL")
	expectEmptyCatalogSweep(mock)
	expectBranchUpsert(mock, "b1", "Downtown")
	expectActiveLocations(mock, crm.Location{ID: "loc-1", ExternalID: "b1", Name: "Downtown"})

	// The single location/day fetch blows up and nothing lands, so the
	// run finishes FAILED and the schedule still advances.
	expectRunFinalize(mock, "FAILED", 1, 0, 0, 1)

	client := &stubClient{
		branches: singlePage(smartmoving.Branch{ID: "b1", Name: "Downtown"}),
		customers: func(ctx context.Context, q smartmoving.CustomerQuery) (*smartmoving.Page[smartmoving.Customer], error) {
			return nil, fmt.Errorf("upstream 503")
		},
	}

	orch := NewOrchestrator(mock, OrchestratorConfig{Concurrency: 1, SystemUserID: "sys"})
	orch.newClient = func(*crm.Integration) smartmoving.Client { return client }

	_, result, err := orch.Run(context.Background(), testIntegration(), crm.SyncManual, DayWindow(testDay))
	require.NoError(t, err)
	assert.Equal(t, crm.SyncFailed, result.Status)
	assert.EqualValues(t, 1, result.RecordsFailed)
	require.Len(t, result.ErrorSamples, 1)
	assert.Contains(t, result.ErrorSamples[0], "branch b1")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestOrchestrator_Run_PartialWhenSomeJobsFail(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	expectRunBegin(mock, "MANUAL")
	expectEmptyCatalogSweep(mock)
	expectBranchUpsert(mock, "b1", "Downtown")
	expectActiveLocations(mock, crm.Location{ID: "loc-1", ExternalID: "b1", Name: "Downtown"})

	// j1 reconciles in its own transaction; the ID-less job is rejected
	// before any database work and only counts as a failure.
	mock.ExpectBegin()
	expectLocationCustomer(mock)
	mock.ExpectQuery("SELECT id FROM crm.truck_journey").
		WithArgs("client-1", "j1").
		WillReturnError(pgx.ErrNoRows)
	mock.ExpectExec("INSERT INTO crm.truck_journey").
		WithArgs(anyArgs(19)...).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	expectManagedTags(mock, pgxmock.AnyArg())
	mock.ExpectCommit()

	expectRunFinalize(mock, "PARTIAL", 2, 1, 0, 1)

	sd := smartmoving.NewServiceDate(testDay)
	cust := smartmoving.Customer{
		ID:           "c1",
		Name:         "Jane Smith",
		EmailAddress: "jane@example.com",
		PhoneNumber:  "555-0100",
		Address:      "12 Elm St",
		Opportunities: []smartmoving.Opportunity{{
			ID:     "o1",
			Status: 30,
			Branch: &smartmoving.Branch{
				ID: "b1", Name: "Downtown",
				PhoneNumber: "555-0199", Timezone: "America/Chicago",
			},
			Jobs: []smartmoving.Job{
				{ID: "j1", ServiceDate: sd, Type: 1},
				{ServiceDate: sd, Type: 1},
			},
		}},
	}
	client := &stubClient{
		branches: singlePage(smartmoving.Branch{ID: "b1", Name: "Downtown"}),
		customers: func(ctx context.Context, q smartmoving.CustomerQuery) (*smartmoving.Page[smartmoving.Customer], error) {
			return &smartmoving.Page[smartmoving.Customer]{
				PageResults:  []smartmoving.Customer{cust},
				TotalResults: 1,
				TotalPages:   1,
				LastPage:     true,
			}, nil
		},
	}
	orch := NewOrchestrator(mock, OrchestratorConfig{Concurrency: 1, SystemUserID: "sys"})
	orch.newClient = func(*crm.Integration) smartmoving.Client { return client }

	_, result, err := orch.Run(context.Background(), testIntegration(), crm.SyncManual, DayWindow(testDay))
	require.NoError(t, err)
	assert.Equal(t, crm.SyncPartial, result.Status)
	assert.EqualValues(t, 2, result.RecordsProcessed)
	assert.EqualValues(t, 1, result.RecordsCreated)
	assert.EqualValues(t, 1, result.RecordsFailed)
	require.Len(t, result.ErrorSamples, 1)
	assert.Contains(t, result.ErrorSamples[0], "without id")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestOrchestrator_Run_SkipsInactiveLocations(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	expectRunBegin(mock, "MANUAL")
	expectEmptyCatalogSweep(mock)
	expectBranchUpsert(mock, "b1", "Downtown")
	// The branch is mirrored but deactivated locally, so the active
	// listing comes back empty and no jobs are fetched for it.
	expectActiveLocations(mock)
	expectRunFinalize(mock, "COMPLETED", 0, 0, 0, 0)

	fetched := false
	client := &stubClient{
		branches: singlePage(smartmoving.Branch{ID: "b1", Name: "Downtown"}),
		customers: func(ctx context.Context, q smartmoving.CustomerQuery) (*smartmoving.Page[smartmoving.Customer], error) {
			fetched = true
			return emptyPage[smartmoving.Customer]()
		},
	}

	orch := NewOrchestrator(mock, OrchestratorConfig{Concurrency: 1, SystemUserID: "sys"})
	orch.newClient = func(*crm.Integration) smartmoving.Client { return client }

	_, result, err := orch.Run(context.Background(), testIntegration(), crm.SyncManual, DayWindow(testDay))
	require.NoError(t, err)
	assert.Equal(t, crm.SyncCompleted, result.Status)
	assert.False(t, fetched, "deactivated locations must not be fetched")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestOrchestrator_ClientsShareRateLimiter(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	// At 0.01 req/s the bucket holds a single token. The first client
	// spends it; a second client built by the same orchestrator must then
	// block on the shared bucket instead of getting a fresh one.
	orch := NewOrchestrator(nil, OrchestratorConfig{RatePerSec: 0.01})
	in := &crm.Integration{ID: "int-1", APIBaseURL: srv.URL, APIKey: "k"}

	require.NoError(t, orch.UpstreamClient(in).Ping(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := orch.UpstreamClient(in).Ping(ctx)
	require.Error(t, err)
}
