// Package cleaning turns raw collector tables into validated, feature-enriched
// measurement tables.
//
// Cleaning runs five ordered stages; each stage consumes the previous stage's
// output:
//
//  1. type normalization (dates and numbers, unparseable cells become null)
//  2. deduplication (first occurrence wins)
//  3. missing values (essential-field drop, per city/parameter mean imputation)
//  4. time features (year, month, day_of_week, is_weekend, season)
//  5. validation (an empty result is fatal)
//
// The cleaner performs no I/O. Progress is reported through an Observer.
package cleaning

import (
	"context"
	"fmt"
	"strings"
	"time"

	"air-quality-platform/internal/models"
)

// DedupPolicy selects the duplicate-detection key
type DedupPolicy string

const (
	// FullRecord treats records as duplicates when date, city, parameter,
	// value, latitude and longitude are all equal
	FullRecord DedupPolicy = "full-record"
	// NaturalKey treats (date, city, parameter) as unique
	NaturalKey DedupPolicy = "natural-key"
)

// ParseDedupPolicy validates a policy name
func ParseDedupPolicy(s string) (DedupPolicy, error) {
	switch p := DedupPolicy(strings.ToLower(strings.TrimSpace(s))); p {
	case FullRecord, NaturalKey:
		return p, nil
	}
	return "", &models.ValidationError{
		Field:   "dedup_policy",
		Value:   s,
		Message: "invalid dedup policy, expected full-record or natural-key",
	}
}

// KeyColumns returns the candidate key columns of the policy
func (p DedupPolicy) KeyColumns() []models.Column {
	if p == NaturalKey {
		return []models.Column{models.ColumnDate, models.ColumnCity, models.ColumnParameter}
	}
	return []models.Column{
		models.ColumnDate, models.ColumnCity, models.ColumnParameter,
		models.ColumnValue, models.ColumnLatitude, models.ColumnLongitude,
	}
}

// Stage identifies a cleaning stage
type Stage string

const (
	StageNormalize   Stage = "type_normalization"
	StageDeduplicate Stage = "deduplication"
	StageMissing     Stage = "missing_values"
	StageFeatures    Stage = "time_features"
	StageValidate    Stage = "validation"
)

// StageReport describes one completed stage
type StageReport struct {
	Stage    Stage
	RowsIn   int
	RowsOut  int
	Duration time.Duration
	Note     string
}

// Observer receives a report after every completed stage
type Observer func(ctx context.Context, stage StageReport)

// Report accumulates the diagnostics of one Clean call
type Report struct {
	RowsIn  int
	RowsOut int

	ParseErrorCounts  map[models.Column]int
	ParseErrorSamples []*models.ParseError

	DedupColumns      []models.Column
	DedupSkipped      bool
	DuplicatesRemoved int

	DroppedMissingEssential int
	NullsBefore             int
	NullsAfter              int
	ValuesImputed           int
	UnrecoverableGroups     int
	ImputationSkipped       bool

	FeaturesSkipped bool

	DateMin     time.Time
	DateMax     time.Time
	HasDateSpan bool

	Stages []StageReport
}

// ParseErrors returns the total number of cells coerced to null
func (r *Report) ParseErrors() int {
	total := 0
	for _, n := range r.ParseErrorCounts {
		total += n
	}
	return total
}

const maxParseErrorSamples = 10

func (r *Report) addParseError(err *models.ParseError) {
	r.ParseErrorCounts[err.Column]++
	if len(r.ParseErrorSamples) < maxParseErrorSamples {
		r.ParseErrorSamples = append(r.ParseErrorSamples, err)
	}
}

// Options configures a Cleaner
type Options struct {
	Hemisphere  models.Hemisphere
	DedupPolicy DedupPolicy
	// Workers bounds the goroutines computing group means
	Workers  int
	Observer Observer
}

// Cleaner runs the cleaning stages
type Cleaner struct {
	hemisphere models.Hemisphere
	policy     DedupPolicy
	workers    int
	observer   Observer
}

// NewCleaner creates a cleaner, filling unset options with the defaults
// (southern hemisphere, full-record dedup, one worker)
func NewCleaner(opts Options) *Cleaner {
	c := &Cleaner{
		hemisphere: opts.Hemisphere,
		policy:     opts.DedupPolicy,
		workers:    opts.Workers,
		observer:   opts.Observer,
	}
	if c.hemisphere == "" {
		c.hemisphere = models.SouthernHemisphere
	}
	if c.policy == "" {
		c.policy = FullRecord
	}
	if c.workers < 1 {
		c.workers = 1
	}
	return c
}

type stageFunc func(ctx context.Context, t *models.Table, r *Report) (*models.Table, string, error)

// Clean transforms raw into a cleaned table. raw is never modified.
// It fails with *models.ValidationError when no records survive.
func (c *Cleaner) Clean(ctx context.Context, raw *models.RawTable) (*models.Table, *Report, error) {
	report := &Report{
		RowsIn:           raw.Len(),
		ParseErrorCounts: make(map[models.Column]int),
	}

	if raw == nil {
		raw = &models.RawTable{}
	}

	start := time.Now()
	table := normalize(raw, report)
	c.emit(ctx, report, StageReport{
		Stage:    StageNormalize,
		RowsIn:   raw.Len(),
		RowsOut:  table.Len(),
		Duration: time.Since(start),
		Note:     fmt.Sprintf("%d cells coerced to null", report.ParseErrors()),
	})

	stages := []struct {
		name Stage
		fn   stageFunc
	}{
		{StageDeduplicate, c.deduplicate},
		{StageMissing, c.handleMissing},
		{StageFeatures, c.deriveTimeFeatures},
		{StageValidate, c.validate},
	}

	for _, s := range stages {
		if err := ctx.Err(); err != nil {
			return nil, report, fmt.Errorf("cleaning interrupted before %s: %w", s.name, err)
		}

		start := time.Now()
		rowsIn := table.Len()

		next, note, err := s.fn(ctx, table, report)
		if err != nil {
			return nil, report, err
		}
		table = next

		c.emit(ctx, report, StageReport{
			Stage:    s.name,
			RowsIn:   rowsIn,
			RowsOut:  table.Len(),
			Duration: time.Since(start),
			Note:     note,
		})
	}

	report.RowsOut = table.Len()
	return table, report, nil
}

func (c *Cleaner) emit(ctx context.Context, report *Report, stage StageReport) {
	report.Stages = append(report.Stages, stage)
	if c.observer != nil {
		c.observer(ctx, stage)
	}
}
