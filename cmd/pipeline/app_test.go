package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"air-quality-platform/internal/aggregation"
	"air-quality-platform/internal/collector"
	"air-quality-platform/internal/config"
	"air-quality-platform/internal/models"
	"air-quality-platform/internal/persistence"
	"air-quality-platform/pkg/logging"
	"air-quality-platform/pkg/metrics"
)

func testApp(t *testing.T) *app {
	t.Helper()
	dir := t.TempDir()
	return &app{
		cfg: &config.Config{
			Pipeline: config.PipelineConfig{
				DataDir:      dir,
				RawDir:       filepath.Join(dir, "raw"),
				ProcessedDir: filepath.Join(dir, "processed"),
				UseSample:    true,
				SampleSeed:   42,
				SampleStart:  "2020-01-01",
				SampleDays:   30,
				Hemisphere:   "southern",
				DedupPolicy:  "full-record",
				Workers:      2,
			},
		},
		logger:  logging.NewNopLogger(),
		metrics: metrics.NewCollectorWithRegistry("test", prometheus.NewRegistry()),
	}
}

func TestCollectorSelection(t *testing.T) {
	a := testApp(t)

	c, err := a.collector(true, "input.csv")
	require.NoError(t, err)
	assert.IsType(t, &collector.CSVCollector{}, c, "an explicit input wins")

	c, err = a.collector(true, "")
	require.NoError(t, err)
	assert.IsType(t, &collector.SampleCollector{}, c)

	a.cfg.Pipeline.InputFile = "configured.csv"
	c, err = a.collector(false, "")
	require.NoError(t, err)
	assert.IsType(t, &collector.CSVCollector{}, c)

	a.cfg.Pipeline.InputFile = ""
	_, err = a.collector(false, "")
	var validationErr *models.ValidationError
	assert.ErrorAs(t, err, &validationErr)
}

func TestCleaningOptions(t *testing.T) {
	a := testApp(t)

	opts, err := a.cleaningOptions()
	require.NoError(t, err)
	assert.Equal(t, models.SouthernHemisphere, opts.Hemisphere)
	assert.Equal(t, 2, opts.Workers)

	a.cfg.Pipeline.DedupPolicy = "fuzzy"
	_, err = a.cleaningOptions()
	assert.Error(t, err)
}

func TestPipelineRunAndExport(t *testing.T) {
	a := testApp(t)
	ctx := context.Background()

	p, err := a.runnable(ctx, true, "")
	require.NoError(t, err)
	result, err := p.Run(ctx)
	require.NoError(t, err)

	for _, path := range []string{result.Save.DatasetPath, result.Save.CSVPath, result.Save.SummaryPath} {
		_, err := os.Stat(path)
		assert.NoError(t, err, path)
	}

	table, err := persistence.LoadParquet(result.Save.DatasetPath)
	require.NoError(t, err)
	rows, err := aggregation.GroupMeans(ctx, table, 2)
	require.NoError(t, err)
	require.NotEmpty(t, rows)

	out := filepath.Join(a.cfg.Pipeline.ProcessedDir, ComparisonFile)
	require.NoError(t, persistence.ExportGroupMeans(out, rows))
	_, err = os.Stat(out)
	assert.NoError(t, err)
	assert.NoError(t, a.Close())
}
