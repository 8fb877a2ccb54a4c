package repository

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"air-quality-platform/internal/models"
	"air-quality-platform/pkg/database"
	"air-quality-platform/pkg/logging"
	"air-quality-platform/pkg/metrics"
)

func newRepo(t *testing.T) (MeasurementRepository, sqlmock.Sqlmock) {
	t.Helper()

	raw, mock, err := sqlmock.New()
	require.NoError(t, err)

	m := metrics.NewCollectorWithRegistry("test", prometheus.NewRegistry())
	db := database.Wrap(sqlx.NewDb(raw, "postgres"), database.Config{Database: "test"}, logging.NewNopLogger(), m)
	t.Cleanup(func() { raw.Close() })

	return NewMeasurementRepository(db, logging.NewNopLogger(), m), mock
}

func cleanedTable() *models.Table {
	day := time.Date(2020, 1, 4, 0, 0, 0, 0, time.UTC)
	schema := models.NewSchema(models.RequiredColumns...).WithDerived()
	return models.NewTable(schema, []models.Record{
		{
			Date:      models.TimePtr(day),
			City:      models.StringPtr("Delhi"),
			Parameter: models.StringPtr("PM2.5"),
			Value:     models.FloatPtr(120.5),
			Features:  &models.TimeFeatures{Year: 2020, Month: 1, DayOfWeek: 5, IsWeekend: true, Season: models.Summer},
		},
		{
			Date:      models.TimePtr(day),
			City:      models.StringPtr("Delhi"),
			Parameter: models.StringPtr("NO2"),
			Features:  &models.TimeFeatures{Year: 2020, Month: 1, DayOfWeek: 5, IsWeekend: true, Season: models.Summer},
		},
	})
}

func TestSaveMeasurements(t *testing.T) {
	repo, mock := newRepo(t)
	day := time.Date(2020, 1, 4, 0, 0, 0, 0, time.UTC)

	mock.ExpectBegin()
	mock.ExpectExec("DELETE FROM measurements").WithArgs("run-1").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectPrepare("INSERT INTO measurements")
	mock.ExpectExec("INSERT INTO measurements").
		WithArgs("run-1", day, "Delhi", nil, "PM2.5", 120.5, nil, nil, nil, 2020, 1, 5, true, "Summer").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("INSERT INTO measurements").
		WithArgs("run-1", day, "Delhi", nil, "NO2", nil, nil, nil, nil, 2020, 1, 5, true, "Summer").
		WillReturnResult(sqlmock.NewResult(2, 1))
	mock.ExpectCommit()

	n, err := repo.SaveMeasurements(context.Background(), "run-1", cleanedTable())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSaveMeasurements_RollbackOnError(t *testing.T) {
	repo, mock := newRepo(t)
	boom := errors.New("disk full")

	mock.ExpectBegin()
	mock.ExpectExec("DELETE FROM measurements").WithArgs("run-2").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectPrepare("INSERT INTO measurements")
	mock.ExpectExec("INSERT INTO measurements").WillReturnError(boom)
	mock.ExpectRollback()

	_, err := repo.SaveMeasurements(context.Background(), "run-2", cleanedTable())
	assert.ErrorIs(t, err, boom)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSaveMeasurements_SkipsUnstorableRecords(t *testing.T) {
	tbl := models.NewTable(models.NewSchema(models.RequiredColumns...), []models.Record{
		{City: models.StringPtr("Paris"), Parameter: models.StringPtr("O3")},
	})

	rows, skipped := toMeasurementRows("run-3", tbl)
	assert.Empty(t, rows)
	assert.Equal(t, 1, skipped)

	repo, mock := newRepo(t)
	mock.ExpectBegin()
	mock.ExpectExec("DELETE FROM measurements").WithArgs("run-3").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	n, err := repo.SaveMeasurements(context.Background(), "run-3", tbl)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRecordRun(t *testing.T) {
	repo, mock := newRepo(t)
	run := models.PipelineRun{
		RunID:          "run-4",
		Status:         models.RunFailed,
		StartedAt:      time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC),
		FinishedAt:     time.Date(2024, 5, 1, 10, 0, 2, 0, time.UTC),
		RecordsCleaned: 0,
		Phase:          "clean",
		Error:          "no records remain after cleaning",
	}

	mock.ExpectExec("INSERT INTO pipeline_runs").
		WithArgs("run-4", "failed", run.StartedAt, run.FinishedAt, 0, 0, 0, 0, "", "clean", run.Error).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, repo.RecordRun(context.Background(), run))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRecordRun_Error(t *testing.T) {
	repo, mock := newRepo(t)
	mock.ExpectExec("INSERT INTO pipeline_runs").WillReturnError(errors.New("relation does not exist"))

	err := repo.RecordRun(context.Background(), models.PipelineRun{RunID: "run-5"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "run-5")
}
