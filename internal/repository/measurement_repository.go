package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"air-quality-platform/internal/models"
	"air-quality-platform/pkg/database"
	"air-quality-platform/pkg/logging"
	"air-quality-platform/pkg/metrics"
)

// MeasurementRepository stores cleaned tables and run summaries in PostgreSQL
type MeasurementRepository interface {
	// SaveMeasurements replaces the rows stored for runID with the table's records
	// and returns the number of rows written.
	SaveMeasurements(ctx context.Context, runID string, t *models.Table) (int, error)
	RecordRun(ctx context.Context, run models.PipelineRun) error
	HealthCheck(ctx context.Context) error
}

// measurementRow is one persisted record; nullable columns are pointers
type measurementRow struct {
	RunID     string    `db:"run_id"`
	Date      time.Time `db:"measurement_date"`
	City      string    `db:"city"`
	Country   *string   `db:"country"`
	Parameter string    `db:"parameter"`
	Value     *float64  `db:"value"`
	Unit      *string   `db:"unit"`
	Latitude  *float64  `db:"latitude"`
	Longitude *float64  `db:"longitude"`
	Year      *int      `db:"year"`
	Month     *int      `db:"month"`
	DayOfWeek *int      `db:"day_of_week"`
	IsWeekend *bool     `db:"is_weekend"`
	Season    *string   `db:"season"`
}

const deleteRunMeasurements = `DELETE FROM measurements WHERE run_id = $1`

const insertMeasurement = `
	INSERT INTO measurements (
		run_id, measurement_date, city, country, parameter, value, unit,
		latitude, longitude, year, month, day_of_week, is_weekend, season
	)
	VALUES (
		:run_id, :measurement_date, :city, :country, :parameter, :value, :unit,
		:latitude, :longitude, :year, :month, :day_of_week, :is_weekend, :season
	)
`

const upsertRun = `
	INSERT INTO pipeline_runs (
		run_id, status, started_at, finished_at,
		records_collected, records_cleaned, duplicates_removed, values_imputed,
		dataset_path, failed_phase, error_message
	)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	ON CONFLICT (run_id) DO UPDATE SET
		status = EXCLUDED.status,
		finished_at = EXCLUDED.finished_at,
		records_collected = EXCLUDED.records_collected,
		records_cleaned = EXCLUDED.records_cleaned,
		duplicates_removed = EXCLUDED.duplicates_removed,
		values_imputed = EXCLUDED.values_imputed,
		dataset_path = EXCLUDED.dataset_path,
		failed_phase = EXCLUDED.failed_phase,
		error_message = EXCLUDED.error_message
`

type measurementRepository struct {
	db      *database.PostgresDB
	logger  *logging.StructuredLogger
	metrics *metrics.Collector
}

// NewMeasurementRepository creates a repository over db
func NewMeasurementRepository(db *database.PostgresDB, logger *logging.StructuredLogger, metricsCollector *metrics.Collector) MeasurementRepository {
	return &measurementRepository{
		db:      db,
		logger:  logger,
		metrics: metricsCollector,
	}
}

// SaveMeasurements writes all storable records in one transaction
func (r *measurementRepository) SaveMeasurements(ctx context.Context, runID string, t *models.Table) (int, error) {
	rows, skipped := toMeasurementRows(runID, t)

	timer := time.Now()
	err := r.db.WithTx(ctx, "insert_measurements", func(tx *sqlx.Tx) error {
		if _, err := tx.ExecContext(ctx, deleteRunMeasurements, runID); err != nil {
			return fmt.Errorf("failed to clear measurements of run %s: %w", runID, err)
		}
		if len(rows) == 0 {
			return nil
		}

		stmt, err := tx.PrepareNamedContext(ctx, insertMeasurement)
		if err != nil {
			return fmt.Errorf("failed to prepare statement: %w", err)
		}
		defer stmt.Close()

		for i := range rows {
			if _, err := stmt.ExecContext(ctx, rows[i]); err != nil {
				return fmt.Errorf("failed to insert measurement %d: %w", i, err)
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	r.metrics.PersistBatchSize.Observe(float64(len(rows)))
	r.logger.Debug(ctx, "[REPO_BATCH_INSERT] Batch insert completed", logging.Fields{
		"run_id":      runID,
		"count":       len(rows),
		"skipped":     skipped,
		"duration_ms": time.Since(timer).Milliseconds(),
	})

	return len(rows), nil
}

// RecordRun inserts or updates the summary row of a run
func (r *measurementRepository) RecordRun(ctx context.Context, run models.PipelineRun) error {
	_, err := r.db.ExecContext(ctx, "upsert_run", upsertRun,
		run.RunID,
		run.Status,
		run.StartedAt,
		run.FinishedAt,
		run.RecordsCollected,
		run.RecordsCleaned,
		run.DuplicatesRemoved,
		run.ValuesImputed,
		run.DatasetPath,
		run.Phase,
		run.Error,
	)
	if err != nil {
		return fmt.Errorf("failed to record run %s: %w", run.RunID, err)
	}
	return nil
}

// HealthCheck performs a repository health check
func (r *measurementRepository) HealthCheck(ctx context.Context) error {
	return r.db.HealthCheck(ctx)
}

// toMeasurementRows skips records that cannot satisfy the NOT NULL columns
func toMeasurementRows(runID string, t *models.Table) ([]measurementRow, int) {
	rows := make([]measurementRow, 0, t.Len())
	skipped := 0

	for _, rec := range t.Records {
		if rec.Date == nil || rec.City == nil || rec.Parameter == nil {
			skipped++
			continue
		}

		row := measurementRow{
			RunID:     runID,
			Date:      *rec.Date,
			City:      *rec.City,
			Country:   rec.Country,
			Parameter: *rec.Parameter,
			Value:     rec.Value,
			Unit:      rec.Unit,
			Latitude:  rec.Latitude,
			Longitude: rec.Longitude,
		}
		if f := rec.Features; f != nil {
			season := string(f.Season)
			row.Year = &f.Year
			row.Month = &f.Month
			row.DayOfWeek = &f.DayOfWeek
			row.IsWeekend = &f.IsWeekend
			row.Season = &season
		}
		rows = append(rows, row)
	}

	return rows, skipped
}
