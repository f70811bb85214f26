package monitoring

import (
	"context"
	"testing"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMockCollector(t *testing.T) (*Collector, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	return NewCollector(mock), mock
}

func TestCollector_Collect_Empty(t *testing.T) {
	c, mock := newMockCollector(t)

	mock.ExpectQuery(`SELECT status, records_processed, records_failed`).
		WithArgs(pgxmock.AnyArg()).
		WillReturnRows(pgxmock.NewRows([]string{"status", "records_processed", "records_failed"}))
	mock.ExpectQuery(`sync_status = 'RUNNING' AND updated_at`).
		WithArgs(pgxmock.AnyArg()).
		WillReturnRows(pgxmock.NewRows([]string{"id"}))
	mock.ExpectQuery(`next_sync_at`).
		WithArgs(pgxmock.AnyArg()).
		WillReturnRows(pgxmock.NewRows([]string{"id"}))

	snap, err := c.Collect(context.Background(), 24)
	require.NoError(t, err)
	assert.Zero(t, snap.RunsTotal)
	assert.Zero(t, snap.RunFailRate)
	assert.Equal(t, 24, snap.LookbackHours)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCollector_Collect_Aggregates(t *testing.T) {
	c, mock := newMockCollector(t)

	mock.ExpectQuery(`SELECT status, records_processed, records_failed`).
		WithArgs(pgxmock.AnyArg()).
		WillReturnRows(pgxmock.NewRows([]string{"status", "records_processed", "records_failed"}).
			AddRow("COMPLETED", int64(120), int64(0)).
			AddRow("COMPLETED", int64(80), int64(0)).
			AddRow("PARTIAL", int64(40), int64(3)).
			AddRow("FAILED", int64(0), int64(0)).
			AddRow("RUNNING", int64(10), int64(0)))
	mock.ExpectQuery(`sync_status = 'RUNNING' AND updated_at`).
		WithArgs(pgxmock.AnyArg()).
		WillReturnRows(pgxmock.NewRows([]string{"id"}).AddRow("int-1"))
	mock.ExpectQuery(`next_sync_at`).
		WithArgs(pgxmock.AnyArg()).
		WillReturnRows(pgxmock.NewRows([]string{"id"}).AddRow("int-2").AddRow("int-3"))

	snap, err := c.Collect(context.Background(), 24)
	require.NoError(t, err)

	assert.Equal(t, 5, snap.RunsTotal)
	assert.Equal(t, 2, snap.RunsCompleted)
	assert.Equal(t, 1, snap.RunsPartial)
	assert.Equal(t, 1, snap.RunsFailed)
	assert.Equal(t, 1, snap.RunsRunning)
	assert.EqualValues(t, 250, snap.RecordsProcessed)
	assert.EqualValues(t, 3, snap.RecordsFailed)
	assert.InDelta(t, 0.25, snap.RunFailRate, 1e-9) // 1 failed / 4 finished
	assert.Equal(t, []string{"int-1"}, snap.StaleIntegrations)
	assert.Equal(t, []string{"int-2", "int-3"}, snap.OverdueIntegrations)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCollector_Collect_DefaultsLookback(t *testing.T) {
	c, mock := newMockCollector(t)

	mock.ExpectQuery(`FROM crm.sync_log`).
		WithArgs(pgxmock.AnyArg()).
		WillReturnRows(pgxmock.NewRows([]string{"status", "records_processed", "records_failed"}))
	mock.ExpectQuery(`sync_status = 'RUNNING' AND updated_at`).
		WithArgs(pgxmock.AnyArg()).
		WillReturnRows(pgxmock.NewRows([]string{"id"}))
	mock.ExpectQuery(`next_sync_at`).
		WithArgs(pgxmock.AnyArg()).
		WillReturnRows(pgxmock.NewRows([]string{"id"}))

	snap, err := c.Collect(context.Background(), 0)
	require.NoError(t, err)
	assert.Equal(t, 24, snap.LookbackHours)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCollector_Collect_QueryError(t *testing.T) {
	c, mock := newMockCollector(t)

	mock.ExpectQuery(`FROM crm.sync_log`).
		WithArgs(pgxmock.AnyArg()).
		WillReturnError(eris.New("connection refused"))

	_, err := c.Collect(context.Background(), 24)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "query sync log")
}
