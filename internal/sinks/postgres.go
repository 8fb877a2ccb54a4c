package sinks

import (
	"context"

	"air-quality-platform/internal/models"
	"air-quality-platform/internal/repository"
	"air-quality-platform/pkg/logging"
)

// PostgresSink stores each run's cleaned table through the measurement repository
type PostgresSink struct {
	repo   repository.MeasurementRepository
	logger *logging.StructuredLogger
}

// NewPostgresSink wraps repo as a pipeline sink
func NewPostgresSink(repo repository.MeasurementRepository, logger *logging.StructuredLogger) *PostgresSink {
	return &PostgresSink{repo: repo, logger: logger}
}

// Name identifies the sink in logs and metrics
func (s *PostgresSink) Name() string {
	return "postgres"
}

// WriteTable replaces the stored rows of runID
func (s *PostgresSink) WriteTable(ctx context.Context, runID string, t *models.Table) error {
	n, err := s.repo.SaveMeasurements(ctx, runID, t)
	if err != nil {
		return err
	}

	s.logger.Info(ctx, "[SINK_POSTGRES_COMPLETE] Measurements stored", logging.Fields{
		"run_id":  runID,
		"written": n,
	})
	return nil
}

// RecordRun stores the run summary
func (s *PostgresSink) RecordRun(ctx context.Context, run models.PipelineRun) error {
	return s.repo.RecordRun(ctx, run)
}
