// Package persistence writes cleaned tables to the processed directory and
// reads them back.
package persistence

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-gota/gota/dataframe"
	"github.com/go-gota/gota/series"

	"air-quality-platform/internal/models"
	"air-quality-platform/pkg/logging"
	"air-quality-platform/pkg/metrics"
)

// Artifact file names inside the processed directory
const (
	DatasetFile = "final_dataset.parquet"
	CSVFile     = "cleaned_data.csv"
	SummaryFile = "summary.txt"
)

// SaveResult lists the artifacts written by SaveTable
type SaveResult struct {
	DatasetPath string
	CSVPath     string
	SummaryPath string
	Records     int
	Duration    time.Duration
}

// Adapter persists cleaned tables under a single directory
type Adapter struct {
	dir     string
	logger  *logging.StructuredLogger
	metrics *metrics.Collector
}

// NewAdapter creates a persistence adapter rooted at dir
func NewAdapter(dir string, logger *logging.StructuredLogger, metricsCollector *metrics.Collector) *Adapter {
	return &Adapter{
		dir:     dir,
		logger:  logger,
		metrics: metricsCollector,
	}
}

// Dir returns the processed directory
func (a *Adapter) Dir() string {
	return a.dir
}

// SaveTable stages the dataset, its CSV copy and the summary, then commits them
func (a *Adapter) SaveTable(ctx context.Context, t *models.Table) (*SaveResult, error) {
	staged, err := a.Stage(ctx, t)
	if err != nil {
		return nil, err
	}
	return staged.Commit(ctx)
}

// Staged holds artifacts written under temporary names. Nothing is visible at
// the final paths until Commit; Discard removes the temporary files.
type Staged struct {
	adapter *Adapter
	result  *SaveResult
	files   []stagedFile
	start   time.Time
	done    bool
}

type stagedFile struct {
	target string
	tmp    string
	path   string
}

// Stage writes every artifact of t to a temporary file in the processed
// directory. On failure the files written so far are removed.
func (a *Adapter) Stage(ctx context.Context, t *models.Table) (*Staged, error) {
	start := time.Now()

	if err := os.MkdirAll(a.dir, 0o755); err != nil {
		return nil, &models.IOError{Op: "mkdir", Path: a.dir, Err: err}
	}

	staged := &Staged{
		adapter: a,
		start:   start,
		result: &SaveResult{
			DatasetPath: filepath.Join(a.dir, DatasetFile),
			CSVPath:     filepath.Join(a.dir, CSVFile),
			SummaryPath: filepath.Join(a.dir, SummaryFile),
			Records:     t.Len(),
		},
	}

	// the dataset is renamed last so watchers never see it before its companions
	writers := []struct {
		target string
		path   string
		write  func(io.Writer) error
	}{
		{"csv", staged.result.CSVPath, func(w io.Writer) error { return WriteCSV(w, t) }},
		{"summary", staged.result.SummaryPath, func(w io.Writer) error { return WriteSummary(w, t) }},
		{"parquet", staged.result.DatasetPath, func(w io.Writer) error { return writeParquet(w, t) }},
	}

	for _, wr := range writers {
		if err := ctx.Err(); err != nil {
			staged.Discard()
			return nil, fmt.Errorf("save interrupted before %s: %w", wr.target, err)
		}

		timer := a.timer(wr.target)
		tmp, err := writeTemp(wr.path, wr.write)
		if err != nil {
			staged.Discard()
			return nil, err
		}
		d := timer.ObserveDuration()
		staged.files = append(staged.files, stagedFile{target: wr.target, tmp: tmp, path: wr.path})

		a.logger.Debug(ctx, "[PERSIST_FILE] Artifact staged", logging.Fields{
			"target":      wr.target,
			"path":        wr.path,
			"duration_ms": d.Milliseconds(),
		})
	}

	return staged, nil
}

// Commit renames the staged files into place
func (s *Staged) Commit(ctx context.Context) (*SaveResult, error) {
	if s.done {
		return nil, fmt.Errorf("staged artifacts already committed or discarded")
	}

	for i, f := range s.files {
		if err := os.Rename(f.tmp, f.path); err != nil {
			s.files = s.files[i:]
			s.Discard()
			return nil, &models.IOError{Op: "rename", Path: f.path, Err: err}
		}
	}
	s.done = true
	s.result.Duration = time.Since(s.start)

	s.adapter.logger.Info(ctx, "[PERSIST_COMPLETE] Cleaned table saved", logging.Fields{
		"dir":         s.adapter.dir,
		"records":     s.result.Records,
		"duration_ms": s.result.Duration.Milliseconds(),
	})
	return s.result, nil
}

// Discard removes the staged files. It is a no-op after Commit.
func (s *Staged) Discard() {
	if s.done {
		return
	}
	for _, f := range s.files {
		os.Remove(f.tmp)
	}
	s.files = nil
	s.done = true
}

// Result describes where the artifacts land on Commit
func (s *Staged) Result() SaveResult {
	return *s.result
}

// LoadTable reads a dataset written by SaveTable
func (a *Adapter) LoadTable(path string) (*models.Table, error) {
	return LoadParquet(path)
}

func (a *Adapter) timer(target string) *metrics.Timer {
	return a.metrics.NewTimer(a.metrics.PersistDuration.WithLabelValues(target))
}

// writeAtomic writes path through a temporary file renamed into place
func writeAtomic(path string, write func(io.Writer) error) error {
	tmp, err := writeTemp(path, write)
	if err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return &models.IOError{Op: "rename", Path: path, Err: err}
	}
	return nil
}

// writeTemp writes through a temporary file next to path and returns its
// name. The temporary file is removed on failure.
func writeTemp(path string, write func(io.Writer) error) (name string, err error) {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return "", &models.IOError{Op: "create", Path: path, Err: err}
	}
	name = tmp.Name()

	defer func() {
		if err != nil {
			tmp.Close()
			os.Remove(name)
		}
	}()

	if err = write(tmp); err != nil {
		return "", &models.IOError{Op: "write", Path: path, Err: err}
	}
	if err = tmp.Sync(); err != nil {
		return "", &models.IOError{Op: "sync", Path: path, Err: err}
	}
	if err = tmp.Close(); err != nil {
		return "", &models.IOError{Op: "close", Path: path, Err: err}
	}
	return name, nil
}

// WriteCSV writes the table, derived columns included, as CSV.
// Null cells are written empty.
func WriteCSV(w io.Writer, t *models.Table) error {
	columns := t.Schema.Columns()
	cols := make([]series.Series, 0, len(columns))

	for _, col := range columns {
		cells := make([]string, len(t.Records))
		for i, rec := range t.Records {
			cells[i] = formatCell(rec, col)
		}
		cols = append(cols, series.New(cells, series.String, string(col)))
	}

	df := dataframe.New(cols...)
	if df.Err != nil {
		return fmt.Errorf("failed to build dataframe: %w", df.Err)
	}
	return df.WriteCSV(w)
}

// WriteSummary writes the four-line dataset summary
func WriteSummary(w io.Writer, t *models.Table) error {
	var cities, params []string
	seenCity := make(map[string]bool)
	seenParam := make(map[string]bool)

	for _, rec := range t.Records {
		if rec.City != nil && !seenCity[*rec.City] {
			seenCity[*rec.City] = true
			cities = append(cities, *rec.City)
		}
		if rec.Parameter != nil && !seenParam[*rec.Parameter] {
			seenParam[*rec.Parameter] = true
			params = append(params, *rec.Parameter)
		}
	}

	period := "n/a"
	if min, max, ok := t.DateSpan(); ok {
		period = min.Format(models.DateLayout) + " – " + max.Format(models.DateLayout)
	}

	_, err := fmt.Fprintf(w, "Total records: %d\nCities: %d\nParameters: %s\nPeriod: %s\n",
		t.Len(), len(cities), strings.Join(params, ", "), period)
	return err
}

// formatCell renders one cell the way ToRaw does, extended to derived columns
func formatCell(rec models.Record, col models.Column) string {
	switch col {
	case models.ColumnDate:
		if rec.Date != nil {
			return rec.Date.Format(models.DateLayout)
		}
	case models.ColumnValue:
		return formatFloat(rec.Value)
	case models.ColumnLatitude:
		return formatFloat(rec.Latitude)
	case models.ColumnLongitude:
		return formatFloat(rec.Longitude)
	case models.ColumnYear, models.ColumnMonth, models.ColumnDayOfWeek, models.ColumnIsWeekend:
		if rec.Features == nil {
			return ""
		}
		switch col {
		case models.ColumnYear:
			return fmt.Sprint(rec.Features.Year)
		case models.ColumnMonth:
			return fmt.Sprint(rec.Features.Month)
		case models.ColumnDayOfWeek:
			return fmt.Sprint(rec.Features.DayOfWeek)
		default:
			return fmt.Sprint(rec.Features.IsWeekend)
		}
	default:
		if s := rec.StringField(col); s != nil {
			return *s
		}
	}
	return ""
}
