package sinks

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"air-quality-platform/internal/models"
	"air-quality-platform/pkg/logging"
)

type fakeRepo struct {
	saved map[string]int
	runs  []models.PipelineRun
	err   error
}

func (f *fakeRepo) SaveMeasurements(_ context.Context, runID string, t *models.Table) (int, error) {
	if f.err != nil {
		return 0, f.err
	}
	if f.saved == nil {
		f.saved = make(map[string]int)
	}
	f.saved[runID] = t.Len()
	return t.Len(), nil
}

func (f *fakeRepo) RecordRun(_ context.Context, run models.PipelineRun) error {
	f.runs = append(f.runs, run)
	return f.err
}

func (f *fakeRepo) HealthCheck(context.Context) error { return nil }

func TestPostgresSink(t *testing.T) {
	repo := &fakeRepo{}
	sink := NewPostgresSink(repo, logging.NewNopLogger())
	assert.Equal(t, "postgres", sink.Name())

	require.NoError(t, sink.WriteTable(context.Background(), "run-1", table(4)))
	assert.Equal(t, map[string]int{"run-1": 4}, repo.saved)

	require.NoError(t, sink.RecordRun(context.Background(), models.PipelineRun{RunID: "run-1"}))
	assert.Len(t, repo.runs, 1)
}

func TestPostgresSink_Error(t *testing.T) {
	boom := errors.New("connection refused")
	sink := NewPostgresSink(&fakeRepo{err: boom}, logging.NewNopLogger())

	assert.ErrorIs(t, sink.WriteTable(context.Background(), "run-2", table(1)), boom)
}
