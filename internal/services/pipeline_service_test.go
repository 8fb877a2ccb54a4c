package services

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"air-quality-platform/internal/cleaning"
	"air-quality-platform/internal/models"
	"air-quality-platform/internal/persistence"
	"air-quality-platform/pkg/logging"
	"air-quality-platform/pkg/metrics"
)

type staticCollector struct {
	raw *models.RawTable
	err error
}

func (c staticCollector) Collect(context.Context) (*models.RawTable, error) {
	return c.raw, c.err
}

type recordingSink struct {
	name   string
	runIDs []string
	rows   int
	err    error
}

func (s *recordingSink) Name() string { return s.name }

func (s *recordingSink) WriteTable(_ context.Context, runID string, t *models.Table) error {
	if s.err != nil {
		return s.err
	}
	s.runIDs = append(s.runIDs, runID)
	s.rows += t.Len()
	return nil
}

type runLog struct {
	runs []models.PipelineRun
	err  error
}

func (l *runLog) RecordRun(_ context.Context, run models.PipelineRun) error {
	l.runs = append(l.runs, run)
	return l.err
}

func (l *runLog) PublishRun(_ context.Context, run models.PipelineRun) error {
	l.runs = append(l.runs, run)
	return l.err
}

func rawTable(cols []models.Column, rows ...[]string) *models.RawTable {
	out := &models.RawTable{Schema: models.NewSchema(cols...)}
	for _, cells := range rows {
		row := make(models.RawRow, len(cols))
		for i, c := range cols {
			row[c] = cells[i]
		}
		out.Rows = append(out.Rows, row)
	}
	return out
}

func scenario() *models.RawTable {
	return rawTable(models.RequiredColumns,
		[]string{"2020-01-01", "Delhi", "PM2.5", "50"},
		[]string{"2020-01-01", "Delhi", "PM2.5", "50"},
		[]string{"2020-01-02", "Delhi", "PM2.5", ""},
	)
}

type pipelineFixture struct {
	service   *PipelineService
	dir       string
	sink      *recordingSink
	recorder  *runLog
	publisher *runLog
	metrics   *metrics.Collector
}

func newPipeline(t *testing.T, c staticCollector) *pipelineFixture {
	t.Helper()

	f := &pipelineFixture{
		dir:       filepath.Join(t.TempDir(), "processed"),
		sink:      &recordingSink{name: "memory"},
		recorder:  &runLog{},
		publisher: &runLog{},
		metrics:   metrics.NewCollectorWithRegistry("test", prometheus.NewRegistry()),
	}
	logger := logging.NewNopLogger()
	f.service = NewPipelineService(PipelineOptions{
		Collector: c,
		Cleaning:  cleaning.Options{Workers: 2},
		Adapter:   persistence.NewAdapter(f.dir, logger, f.metrics),
		Sinks:     []Sink{f.sink},
		Runs:      f.recorder,
		Publisher: f.publisher,
	}, logger, f.metrics)
	return f
}

func TestPipelineService_Run(t *testing.T) {
	f := newPipeline(t, staticCollector{raw: scenario()})

	result, err := f.service.Run(context.Background())
	require.NoError(t, err)

	require.Equal(t, 2, result.Table.Len())
	assert.Equal(t, 50.0, *result.Table.Records[1].Value)
	assert.NotEmpty(t, result.RunID)
	assert.Len(t, result.Report.Stages, 5)
	require.Len(t, result.Statistics, 1)
	assert.Equal(t, 2, result.Statistics[0].Count)

	for _, name := range []string{persistence.DatasetFile, persistence.CSVFile, persistence.SummaryFile} {
		assert.FileExists(t, filepath.Join(f.dir, name))
	}
	assert.Equal(t, []string{result.RunID}, f.sink.runIDs)
	assert.Equal(t, 2, f.sink.rows)

	require.Len(t, f.publisher.runs, 1)
	run := f.publisher.runs[0]
	assert.Equal(t, result.RunID, run.RunID)
	assert.Equal(t, models.RunSucceeded, run.Status)
	assert.Equal(t, 3, run.RecordsCollected)
	assert.Equal(t, 2, run.RecordsCleaned)
	assert.Equal(t, 1, run.DuplicatesRemoved)
	assert.Equal(t, 1, run.ValuesImputed)
	assert.Equal(t, result.Save.DatasetPath, run.DatasetPath)
	assert.False(t, run.FinishedAt.Before(run.StartedAt))
	assert.Equal(t, f.publisher.runs, f.recorder.runs)

	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.PipelineRunsTotal.WithLabelValues("success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.DuplicatesRemoved))
	assert.Equal(t, 3.0, testutil.ToFloat64(f.metrics.RecordsCollectedTotal))
}

func TestPipelineService_Failures(t *testing.T) {
	collectErr := errors.New("upstream unavailable")

	tests := []struct {
		name      string
		collector staticCollector
		phase     string
		errType   string
	}{
		{
			name:      "collector error",
			collector: staticCollector{err: collectErr},
			phase:     PhaseCollect,
			errType:   "internal_error",
		},
		{
			name: "missing required column",
			collector: staticCollector{raw: rawTable(
				[]models.Column{models.ColumnDate, models.ColumnCity, models.ColumnValue},
				[]string{"2020-01-01", "Delhi", "50"},
			)},
			phase:   PhaseSchema,
			errType: "validation_error",
		},
		{
			name: "nothing survives cleaning",
			collector: staticCollector{raw: rawTable(models.RequiredColumns,
				[]string{"2020-01-01", "", "PM2.5", "50"},
				[]string{"not a date", "Delhi", "PM2.5", "50"},
			)},
			phase:   PhaseClean,
			errType: "validation_error",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newPipeline(t, tt.collector)

			result, err := f.service.Run(context.Background())
			require.Error(t, err)
			assert.Nil(t, result)

			_, statErr := os.Stat(f.dir)
			assert.True(t, os.IsNotExist(statErr), "nothing is persisted")
			assert.Empty(t, f.sink.runIDs)

			require.Len(t, f.publisher.runs, 1)
			run := f.publisher.runs[0]
			assert.Equal(t, models.RunFailed, run.Status)
			assert.Equal(t, tt.phase, run.Phase)
			assert.NotEmpty(t, run.Error)

			assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.PipelineRunsTotal.WithLabelValues("failure")))
			assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.PipelineErrorsTotal.WithLabelValues(tt.phase, tt.errType)))
		})
	}
}

func TestPipelineService_ValidationErrorIsTyped(t *testing.T) {
	f := newPipeline(t, staticCollector{raw: rawTable(models.RequiredColumns,
		[]string{"2020-01-01", "", "PM2.5", "50"},
	)})

	_, err := f.service.Run(context.Background())

	var validationErr *models.ValidationError
	require.ErrorAs(t, err, &validationErr)
	assert.Equal(t, "records", validationErr.Field)
}

func TestPipelineService_SinkFailureIsFatal(t *testing.T) {
	f := newPipeline(t, staticCollector{raw: scenario()})
	boom := errors.New("connection reset")
	f.sink.err = boom

	_, err := f.service.Run(context.Background())
	require.ErrorIs(t, err, boom)
	assert.Contains(t, err.Error(), "memory")

	require.Len(t, f.publisher.runs, 1)
	assert.Equal(t, PhaseSink, f.publisher.runs[0].Phase)
	assert.Empty(t, f.publisher.runs[0].DatasetPath)

	_, err = os.Stat(filepath.Join(f.dir, persistence.DatasetFile))
	assert.True(t, os.IsNotExist(err), "no dataset is published when a sink fails")

	entries, err := os.ReadDir(f.dir)
	require.NoError(t, err)
	assert.Empty(t, entries, "staged files are removed")
}

func TestPipelineService_AnnounceFailureIsNotFatal(t *testing.T) {
	f := newPipeline(t, staticCollector{raw: scenario()})
	f.publisher.err = errors.New("broker unavailable")
	f.recorder.err = errors.New("relation does not exist")

	result, err := f.service.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, result.Table.Len())
}

func TestPipelineService_CanceledContext(t *testing.T) {
	f := newPipeline(t, staticCollector{raw: scenario()})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := f.service.Run(ctx)
	require.ErrorIs(t, err, context.Canceled)

	require.Len(t, f.publisher.runs, 1, "the failure is still announced")
	assert.Equal(t, PhaseClean, f.publisher.runs[0].Phase)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.PipelineErrorsTotal.WithLabelValues(PhaseClean, "canceled")))
}

func TestPipelineService_CleanChecksSchema(t *testing.T) {
	f := newPipeline(t, staticCollector{})
	raw := rawTable([]models.Column{models.ColumnCity, models.ColumnValue}, []string{"Delhi", "50"})

	table, report, err := f.service.Clean(context.Background(), raw)
	var validationErr *models.ValidationError
	require.ErrorAs(t, err, &validationErr)
	assert.Equal(t, "schema", validationErr.Field)
	assert.Nil(t, table)
	assert.Nil(t, report)
	assert.Zero(t, testutil.ToFloat64(f.metrics.RecordsCleanedTotal))
}

func TestCheckSchema(t *testing.T) {
	assert.NoError(t, CheckSchema(models.NewSchema(models.RequiredColumns...)))

	err := CheckSchema(models.NewSchema(models.ColumnCity, models.ColumnValue))
	var validationErr *models.ValidationError
	require.ErrorAs(t, err, &validationErr)
	assert.Equal(t, "schema", validationErr.Field)
	assert.Equal(t, "date, parameter", validationErr.Value)
}
