package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"air-quality-platform/internal/aggregation"
	"air-quality-platform/internal/cleaning"
	"air-quality-platform/internal/collector"
	"air-quality-platform/internal/models"
	"air-quality-platform/internal/persistence"
	"air-quality-platform/pkg/logging"
	"air-quality-platform/pkg/metrics"
)

// Pipeline phases, used as log fields and metric labels
const (
	PhaseCollect = "collect"
	PhaseSchema  = "schema"
	PhaseClean   = "clean"
	PhasePersist = "persist"
	PhaseSink    = "sink"
)

const announceTimeout = 10 * time.Second

// Sink receives the cleaned table of every successful run
type Sink interface {
	Name() string
	WriteTable(ctx context.Context, runID string, t *models.Table) error
}

// RunRecorder stores run summaries
type RunRecorder interface {
	RecordRun(ctx context.Context, run models.PipelineRun) error
}

// EventPublisher announces finished runs
type EventPublisher interface {
	PublishRun(ctx context.Context, run models.PipelineRun) error
}

// PipelineOptions wires the pipeline components. Sinks, Runs and Publisher are optional.
type PipelineOptions struct {
	Collector collector.Collector
	Cleaning  cleaning.Options
	Adapter   *persistence.Adapter
	Sinks     []Sink
	Runs      RunRecorder
	Publisher EventPublisher
}

// PipelineResult is the outcome of a successful run
type PipelineResult struct {
	RunID      string
	Table      *models.Table
	Report     *cleaning.Report
	Save       *persistence.SaveResult
	Statistics []aggregation.GroupStats
	Duration   time.Duration
}

// PipelineService sequences collection, cleaning, persistence and the optional sinks
type PipelineService struct {
	opts    PipelineOptions
	logger  *logging.StructuredLogger
	metrics *metrics.Collector
}

// NewPipelineService creates a pipeline over opts
func NewPipelineService(opts PipelineOptions, logger *logging.StructuredLogger, metricsCollector *metrics.Collector) *PipelineService {
	return &PipelineService{
		opts:    opts,
		logger:  logger,
		metrics: metricsCollector,
	}
}

// Run executes one complete pipeline run. It halts on the first failing
// phase and never retries; nothing is persisted when cleaning fails.
func (s *PipelineService) Run(ctx context.Context) (*PipelineResult, error) {
	runID := uuid.NewString()
	ctx = logging.WithRunID(ctx, runID)
	timer := s.metrics.NewTimer(s.metrics.PipelineDuration)

	run := models.PipelineRun{
		RunID:     runID,
		StartedAt: time.Now().UTC(),
	}

	s.logger.Info(ctx, "[PIPELINE_START] Starting pipeline run", logging.Fields{
		"stage": "INITIALIZATION",
	})

	result, phase, err := s.execute(ctx, &run)
	run.FinishedAt = time.Now().UTC()
	duration := timer.ObserveDuration()

	if err != nil {
		run.Status = models.RunFailed
		run.Phase = phase
		run.Error = err.Error()

		s.metrics.PipelineRunsTotal.WithLabelValues("failure").Inc()
		s.metrics.RecordPipelineError(phase, errorType(err))
		s.logger.Error(ctx, "[PIPELINE_FAILED] Pipeline run failed", logging.Fields{
			"phase":            phase,
			"duration_seconds": duration.Seconds(),
		}, err)

		s.announce(ctx, run)
		return nil, fmt.Errorf("pipeline %s phase failed: %w", phase, err)
	}

	run.Status = models.RunSucceeded
	result.RunID = runID
	result.Duration = duration

	s.metrics.PipelineRunsTotal.WithLabelValues("success").Inc()
	s.logger.Info(ctx, "[PIPELINE_COMPLETE] Pipeline run completed", logging.Fields{
		"records_collected": run.RecordsCollected,
		"records_cleaned":   run.RecordsCleaned,
		"dataset_path":      run.DatasetPath,
		"duration_seconds":  duration.Seconds(),
		"stage":             "COMPLETE",
	})

	s.announce(ctx, run)
	return result, nil
}

func (s *PipelineService) execute(ctx context.Context, run *models.PipelineRun) (*PipelineResult, string, error) {
	raw, err := s.Collect(ctx)
	if err != nil {
		return nil, PhaseCollect, err
	}
	run.RecordsCollected = raw.Len()

	table, report, phase, err := s.clean(ctx, raw)
	if err != nil {
		return nil, phase, err
	}
	run.RecordsCleaned = table.Len()
	run.DuplicatesRemoved = report.DuplicatesRemoved
	run.ValuesImputed = report.ValuesImputed

	// artifacts stay under temporary names until every sink has succeeded
	staged, err := s.opts.Adapter.Stage(ctx, table)
	if err != nil {
		return nil, PhasePersist, err
	}
	defer staged.Discard()

	for _, sink := range s.opts.Sinks {
		timer := s.metrics.NewTimer(s.metrics.PersistDuration.WithLabelValues(sink.Name()))
		if err := sink.WriteTable(ctx, run.RunID, table); err != nil {
			return nil, PhaseSink, fmt.Errorf("sink %s: %w", sink.Name(), err)
		}
		timer.ObserveDuration()
	}

	save, err := staged.Commit(ctx)
	if err != nil {
		return nil, PhasePersist, err
	}
	run.DatasetPath = save.DatasetPath

	statistics := aggregation.GroupStatistics(table)
	s.logStatistics(ctx, table, statistics)

	return &PipelineResult{
		Table:      table,
		Report:     report,
		Save:       save,
		Statistics: statistics,
	}, "", nil
}

// Collect asks the configured collector for a raw table
func (s *PipelineService) Collect(ctx context.Context) (*models.RawTable, error) {
	start := time.Now()

	raw, err := s.opts.Collector.Collect(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to collect measurements: %w", err)
	}

	s.metrics.RecordsCollectedTotal.Add(float64(raw.Len()))
	s.logger.Info(ctx, "[COLLECT_COMPLETE] Raw measurements collected", logging.Fields{
		"records":     raw.Len(),
		"columns":     columnNames(raw.Schema.Columns()),
		"duration_ms": time.Since(start).Milliseconds(),
	})

	return raw, nil
}

// Clean checks the raw schema and runs the cleaning stages over raw
func (s *PipelineService) Clean(ctx context.Context, raw *models.RawTable) (*models.Table, *cleaning.Report, error) {
	table, report, _, err := s.clean(ctx, raw)
	return table, report, err
}

// clean also reports which phase failed: schema or clean
func (s *PipelineService) clean(ctx context.Context, raw *models.RawTable) (*models.Table, *cleaning.Report, string, error) {
	if err := CheckSchema(raw.Schema); err != nil {
		return nil, nil, PhaseSchema, err
	}

	opts := s.opts.Cleaning
	opts.Observer = s.observeStage
	table, report, err := cleaning.NewCleaner(opts).Clean(ctx, raw)
	if err != nil {
		return nil, report, PhaseClean, err
	}

	s.metrics.RecordsCleanedTotal.Add(float64(table.Len()))
	s.metrics.DuplicatesRemoved.Add(float64(report.DuplicatesRemoved))
	s.metrics.RecordsDropped.Add(float64(report.DroppedMissingEssential))
	s.metrics.ValuesImputed.Add(float64(report.ValuesImputed))
	for col, n := range report.ParseErrorCounts {
		s.metrics.ParseErrorsTotal.WithLabelValues(string(col)).Add(float64(n))
	}

	if report.DedupSkipped {
		s.logger.Warn(ctx, "[CLEAN_DEDUP_SKIPPED] Too few key columns for deduplication", logging.Fields{
			"key_columns": columnNames(report.DedupColumns),
		})
	}
	for _, sample := range report.ParseErrorSamples {
		s.logger.Debug(ctx, "[CLEAN_PARSE_ERROR] Cell coerced to null", logging.Fields{
			"row":    sample.Row,
			"column": string(sample.Column),
			"value":  sample.Value,
		})
	}

	fields := logging.Fields{
		"rows_in":              report.RowsIn,
		"rows_out":             report.RowsOut,
		"parse_errors":         report.ParseErrors(),
		"duplicates_removed":   report.DuplicatesRemoved,
		"dropped_missing":      report.DroppedMissingEssential,
		"nulls_before":         report.NullsBefore,
		"nulls_after":          report.NullsAfter,
		"values_imputed":       report.ValuesImputed,
		"unrecoverable_groups": report.UnrecoverableGroups,
	}
	if report.HasDateSpan {
		fields["date_min"] = report.DateMin.Format(models.DateLayout)
		fields["date_max"] = report.DateMax.Format(models.DateLayout)
	}
	s.logger.Info(ctx, "[CLEAN_COMPLETE] Cleaning completed", fields)

	return table, report, "", nil
}

func (s *PipelineService) observeStage(ctx context.Context, stage cleaning.StageReport) {
	s.metrics.StageDuration.WithLabelValues(string(stage.Stage)).Observe(stage.Duration.Seconds())
	s.logger.Info(ctx, "[CLEAN_STAGE] Stage completed", logging.Fields{
		"stage":       string(stage.Stage),
		"rows_in":     stage.RowsIn,
		"rows_out":    stage.RowsOut,
		"duration_ms": stage.Duration.Milliseconds(),
		"note":        stage.Note,
	})
}

func (s *PipelineService) logStatistics(ctx context.Context, t *models.Table, statistics []aggregation.GroupStats) {
	for _, g := range statistics {
		fields := logging.Fields{
			"city":      g.City,
			"parameter": g.Parameter,
			"count":     g.Count,
		}
		if g.Mean != nil {
			fields["mean"] = *g.Mean
			fields["min"] = *g.Min
			fields["max"] = *g.Max
		}
		if g.Std != nil {
			fields["std"] = *g.Std
		}
		s.logger.Debug(ctx, "[PIPELINE_GROUP_STATS] Group statistics", fields)
	}

	fields := logging.Fields{
		"records": t.Len(),
		"groups":  len(statistics),
	}
	if mean, ok := aggregation.MeanValue(t); ok {
		fields["mean_value"] = mean
	}
	s.logger.Info(ctx, "[PIPELINE_STATS] Summary statistics computed", fields)
}

// announce records and publishes the run summary. Failures are logged only:
// the run outcome has already been decided.
func (s *PipelineService) announce(ctx context.Context, run models.PipelineRun) {
	if s.opts.Runs == nil && s.opts.Publisher == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), announceTimeout)
	defer cancel()

	if s.opts.Runs != nil {
		if err := s.opts.Runs.RecordRun(ctx, run); err != nil {
			s.logger.Warn(ctx, "[PIPELINE_RECORD_FAILED] Failed to record run", logging.Fields{
				"error": err.Error(),
			})
		}
	}
	if s.opts.Publisher != nil {
		if err := s.opts.Publisher.PublishRun(ctx, run); err != nil {
			s.logger.Warn(ctx, "[PIPELINE_EVENT_FAILED] Failed to publish run event", logging.Fields{
				"error": err.Error(),
			})
		}
	}
}

// CheckSchema fails when a required column is absent from the raw schema
func CheckSchema(schema models.Schema) error {
	missing := schema.Missing(models.RequiredColumns...)
	if len(missing) == 0 {
		return nil
	}
	names := strings.Join(columnNames(missing), ", ")
	return &models.ValidationError{
		Field:   "schema",
		Value:   names,
		Message: fmt.Sprintf("raw table is missing required columns: %s", names),
	}
}

func errorType(err error) string {
	var validationErr *models.ValidationError
	var ioErr *models.IOError

	switch {
	case errors.As(err, &validationErr):
		return "validation_error"
	case errors.As(err, &ioErr):
		return "io_error"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "canceled"
	default:
		return "internal_error"
	}
}

func columnNames(cols []models.Column) []string {
	out := make([]string, len(cols))
	for i, c := range cols {
		out[i] = string(c)
	}
	return out
}
