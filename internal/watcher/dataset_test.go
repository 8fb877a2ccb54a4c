package watcher

import (
	"context"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"air-quality-platform/pkg/logging"
)

func TestDatasetWatcher_ReloadsOnReplace(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "final_dataset.parquet")

	var reloads atomic.Int32
	w, err := NewDatasetWatcher(path, 20*time.Millisecond, func(_ context.Context, p string) error {
		assert.Equal(t, path, p)
		reloads.Add(1)
		return nil
	}, logging.NewNopLogger())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	require.NoError(t, os.WriteFile(filepath.Join(dir, "other.txt"), []byte("x"), 0o644))

	tmp := filepath.Join(dir, "dataset.tmp")
	require.NoError(t, os.WriteFile(tmp, []byte("v1"), 0o644))
	require.NoError(t, os.Rename(tmp, path))

	assert.Eventually(t, func() bool { return reloads.Load() == 1 }, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("watcher did not stop")
	}
}

func TestNewDatasetWatcher_MissingDirectory(t *testing.T) {
	_, err := NewDatasetWatcher(filepath.Join(t.TempDir(), "nope", "final_dataset.parquet"), 0, nil, logging.NewNopLogger())
	assert.Error(t, err)
}
