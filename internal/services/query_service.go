package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"air-quality-platform/internal/aggregation"
	"air-quality-platform/internal/models"
	"air-quality-platform/internal/persistence"
	"air-quality-platform/pkg/logging"
	"air-quality-platform/pkg/metrics"
)

// ErrNoDataset is returned by queries issued before any table was loaded
var ErrNoDataset = errors.New("no dataset loaded")

// ResponseCache stores computed aggregation responses
type ResponseCache interface {
	Get(ctx context.Context, key string, dst any) (bool, error)
	Set(ctx context.Context, key string, value any) error
}

// Query selects records of the loaded table. A nil list selects the whole
// domain of that column; a non-nil empty list selects nothing. Nil bounds
// default to the table's date span.
type Query struct {
	Cities     []string
	Parameters []string
	Start      *time.Time
	End        *time.Time
}

// Page is one slice of the filtered records
type Page struct {
	Records []models.Record
	Total   int
}

// MeanResult is the mean of the selected values; Mean is nil when undefined
type MeanResult struct {
	Mean  *float64 `json:"mean"`
	Count int      `json:"count"`
}

// DatasetInfo describes the loaded table
type DatasetInfo struct {
	Version    string     `json:"version"`
	Source     string     `json:"source"`
	LoadedAt   time.Time  `json:"loaded_at"`
	Records    int        `json:"records"`
	Cities     []string   `json:"cities"`
	Parameters []string   `json:"parameters"`
	Start      *time.Time `json:"start_date,omitempty"`
	End        *time.Time `json:"end_date,omitempty"`
}

type dataset struct {
	table      *models.Table
	info       DatasetInfo
	cities     []string
	parameters []string
	span       aggregation.DateRange
}

// QueryService answers aggregation queries over the most recently loaded table
type QueryService struct {
	current atomic.Pointer[dataset]
	cache   ResponseCache
	workers int
	logger  *logging.StructuredLogger
	metrics *metrics.Collector
}

// NewQueryService creates a query service. cache may be nil.
func NewQueryService(cache ResponseCache, workers int, logger *logging.StructuredLogger, metricsCollector *metrics.Collector) *QueryService {
	if workers < 1 {
		workers = 1
	}
	return &QueryService{
		cache:   cache,
		workers: workers,
		logger:  logger,
		metrics: metricsCollector,
	}
}

// Load reads a persisted dataset and swaps it in. On failure the previous
// table keeps being served.
func (s *QueryService) Load(ctx context.Context, path string) error {
	t, err := persistence.LoadParquet(path)
	if err != nil {
		s.metrics.DatasetReloads.WithLabelValues("failure").Inc()
		return fmt.Errorf("failed to load dataset: %w", err)
	}

	s.SetTable(ctx, t, path)
	return nil
}

// SetTable swaps in t. Queries in flight keep the table they started with.
func (s *QueryService) SetTable(ctx context.Context, t *models.Table, source string) {
	ds := &dataset{
		table:      t,
		cities:     distinct(t, models.ColumnCity),
		parameters: distinct(t, models.ColumnParameter),
	}
	ds.info = DatasetInfo{
		Version:    uuid.NewString(),
		Source:     source,
		LoadedAt:   time.Now().UTC(),
		Records:    t.Len(),
		Cities:     ds.cities,
		Parameters: ds.parameters,
	}
	if lo, hi, ok := t.DateSpan(); ok {
		ds.span = aggregation.DateRange{Start: lo, End: hi}
		ds.info.Start = &lo
		ds.info.End = &hi
	}

	s.current.Store(ds)
	s.metrics.DatasetReloads.WithLabelValues("success").Inc()
	s.metrics.DatasetRecords.Set(float64(t.Len()))

	s.logger.Info(ctx, "[DATASET_LOADED] Dataset swapped in", logging.Fields{
		"version": ds.info.Version,
		"source":  source,
		"records": t.Len(),
		"cities":  len(ds.cities),
	})
}

// Info describes the loaded table
func (s *QueryService) Info() (DatasetInfo, error) {
	ds := s.current.Load()
	if ds == nil {
		return DatasetInfo{}, ErrNoDataset
	}
	return ds.info, nil
}

// List returns the filtered records between offset and offset+limit
func (s *QueryService) List(ctx context.Context, q Query, limit, offset int) (*Page, error) {
	filtered, _, err := s.filter(q)
	if err != nil {
		return nil, err
	}

	total := filtered.Len()
	lo := min(max(offset, 0), total)
	hi := min(lo+max(limit, 0), total)

	return &Page{Records: filtered.Records[lo:hi], Total: total}, nil
}

// Mean returns the mean value of the selection
func (s *QueryService) Mean(ctx context.Context, q Query) (MeanResult, error) {
	filtered, _, err := s.filter(q)
	if err != nil {
		return MeanResult{}, err
	}

	var res MeanResult
	for _, rec := range filtered.Records {
		if rec.Value != nil {
			res.Count++
		}
	}
	if mean, ok := aggregation.MeanValue(filtered); ok {
		res.Mean = &mean
	}
	return res, nil
}

// Dominant returns the group of column with the highest mean value
func (s *QueryService) Dominant(ctx context.Context, q Query, column models.Column) (aggregation.GroupMean, error) {
	filtered, _, err := s.filter(q)
	if err != nil {
		return aggregation.GroupMean{}, err
	}
	return aggregation.Dominant(filtered, column)
}

// GroupMeans returns the (city, parameter) comparison view of the selection
func (s *QueryService) GroupMeans(ctx context.Context, q Query) ([]aggregation.CityParameterMean, error) {
	filtered, ds, err := s.filter(q)
	if err != nil {
		return nil, err
	}

	var out []aggregation.CityParameterMean
	err = s.cached(ctx, cacheKey(ds.info.Version, "groups", q), &out, func() error {
		var err error
		out, err = aggregation.GroupMeans(ctx, filtered, s.workers)
		return err
	})
	return out, err
}

// Statistics returns descriptive statistics per (city, parameter)
func (s *QueryService) Statistics(ctx context.Context, q Query) ([]aggregation.GroupStats, error) {
	filtered, ds, err := s.filter(q)
	if err != nil {
		return nil, err
	}

	var out []aggregation.GroupStats
	err = s.cached(ctx, cacheKey(ds.info.Version, "stats", q), &out, func() error {
		out = aggregation.GroupStatistics(filtered)
		return nil
	})
	return out, err
}

// cached serves dst from the cache or fills it with compute. Cache failures
// degrade to computing the value.
func (s *QueryService) cached(ctx context.Context, key string, dst any, compute func() error) error {
	if s.cache == nil {
		return compute()
	}

	hit, err := s.cache.Get(ctx, key, dst)
	if err != nil {
		s.logger.Warn(ctx, "[QUERY_CACHE_ERROR] Cache read failed", logging.Fields{
			"key":   key,
			"error": err.Error(),
		})
	}
	if hit {
		s.metrics.QueryCacheHits.Inc()
		return nil
	}

	s.metrics.QueryCacheMisses.Inc()
	if err := compute(); err != nil {
		return err
	}

	if err := s.cache.Set(ctx, key, dst); err != nil {
		s.logger.Warn(ctx, "[QUERY_CACHE_ERROR] Cache write failed", logging.Fields{
			"key":   key,
			"error": err.Error(),
		})
	}
	return nil
}

func (s *QueryService) filter(q Query) (*models.Table, *dataset, error) {
	ds := s.current.Load()
	if ds == nil {
		return nil, nil, ErrNoDataset
	}

	cities := q.Cities
	if cities == nil {
		cities = ds.cities
	}
	parameters := q.Parameters
	if parameters == nil {
		parameters = ds.parameters
	}

	r := ds.span
	if q.Start != nil {
		r.Start = *q.Start
	}
	if q.End != nil {
		r.End = *q.End
	}

	return aggregation.Filter(ds.table, cities, parameters, r), ds, nil
}

// distinct returns the sorted non-null labels of column c
func distinct(t *models.Table, c models.Column) []string {
	seen := make(map[string]bool)
	out := []string{}
	for _, rec := range t.Records {
		if v := rec.StringField(c); v != nil && !seen[*v] {
			seen[*v] = true
			out = append(out, *v)
		}
	}
	sort.Strings(out)
	return out
}

func cacheKey(version, kind string, q Query) string {
	return strings.Join([]string{
		version,
		kind,
		listKey(q.Cities),
		listKey(q.Parameters),
		dateKey(q.Start),
		dateKey(q.End),
	}, ":")
}

// listKey tells "no filter" apart from a filter on any set of labels. The
// JSON encoding quotes each label so separators inside labels cannot collide.
func listKey(items []string) string {
	if items == nil {
		return "all"
	}
	sorted := append([]string{}, items...)
	sort.Strings(sorted)
	encoded, _ := json.Marshal(sorted)
	return "in:" + string(encoded)
}

func dateKey(d *time.Time) string {
	if d == nil {
		return "*"
	}
	return d.Format(models.DateLayout)
}
