package cleaning

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/montanaflynn/stats"
	"golang.org/x/sync/errgroup"

	"air-quality-platform/internal/models"
)

// dateLayouts are tried in order; the first match wins
var dateLayouts = []string{
	models.DateLayout,
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
	time.RFC3339Nano,
	"2006-01-02 15:04:05Z07:00",
	"2006/01/02",
	"01/02/2006",
	"20060102",
}

// ParseDate parses a date cell, keeping the calendar day as written
func ParseDate(s string) (time.Time, bool) {
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return models.Date(t), true
		}
	}
	return time.Time{}, false
}

// parseFloat parses a numeric cell. NaN is a null marker, not a failure.
func parseFloat(s string) (*float64, bool) {
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return nil, false
	}
	if math.IsNaN(v) {
		return nil, true
	}
	return &v, true
}

// normalize builds typed records from raw rows. Derived columns of the input
// are discarded; the time-feature stage recomputes them.
func normalize(raw *models.RawTable, report *Report) *models.Table {
	schema := raw.Schema.WithoutDerived()
	columns := schema.Columns()
	records := make([]models.Record, 0, len(raw.Rows))

	for i, row := range raw.Rows {
		var rec models.Record

		for _, col := range columns {
			text, ok := row.Cell(col)
			if !ok {
				continue
			}

			switch col {
			case models.ColumnDate:
				if d, ok := ParseDate(text); ok {
					rec.Date = &d
				} else {
					report.addParseError(&models.ParseError{Column: col, Value: text, Row: i})
				}
			case models.ColumnValue, models.ColumnLatitude, models.ColumnLongitude:
				v, ok := parseFloat(text)
				if !ok {
					report.addParseError(&models.ParseError{Column: col, Value: text, Row: i})
					continue
				}
				switch col {
				case models.ColumnValue:
					rec.Value = v
				case models.ColumnLatitude:
					rec.Latitude = v
				default:
					rec.Longitude = v
				}
			case models.ColumnCity:
				rec.City = models.StringPtr(text)
			case models.ColumnCountry:
				rec.Country = models.StringPtr(text)
			case models.ColumnParameter:
				rec.Parameter = models.StringPtr(text)
			case models.ColumnUnit:
				rec.Unit = models.StringPtr(text)
			}
		}

		records = append(records, rec)
	}

	return models.NewTable(schema, records)
}

// deduplicate keeps the first record of every key. With fewer than two key
// columns present the key is too weak and the stage is skipped.
func (c *Cleaner) deduplicate(_ context.Context, t *models.Table, report *Report) (*models.Table, string, error) {
	keyCols := t.Schema.Present(c.policy.KeyColumns()...)
	report.DedupColumns = keyCols

	if len(keyCols) < 2 {
		report.DedupSkipped = true
		return t, fmt.Sprintf("skipped, only %d key column(s) present", len(keyCols)), nil
	}

	seen := make(map[string]struct{}, len(t.Records))
	kept := make([]models.Record, 0, len(t.Records))
	for _, rec := range t.Records {
		key := recordKey(rec, keyCols)
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		kept = append(kept, rec)
	}

	report.DuplicatesRemoved = len(t.Records) - len(kept)
	return models.NewTable(t.Schema, kept),
		fmt.Sprintf("removed %d duplicate(s) on %s", report.DuplicatesRemoved, joinColumns(keyCols)), nil
}

// recordKey encodes the key columns of rec. Null cells compare equal to each
// other and unequal to every value.
func recordKey(rec models.Record, cols []models.Column) string {
	var b strings.Builder
	for _, col := range cols {
		b.WriteByte(0x1f)
		switch col {
		case models.ColumnDate:
			if rec.Date == nil {
				b.WriteByte(0)
				continue
			}
			b.WriteByte('=')
			b.WriteString(rec.Date.Format(models.DateLayout))
		case models.ColumnValue:
			writeFloatKey(&b, rec.Value)
		case models.ColumnLatitude:
			writeFloatKey(&b, rec.Latitude)
		case models.ColumnLongitude:
			writeFloatKey(&b, rec.Longitude)
		default:
			s := rec.StringField(col)
			if s == nil {
				b.WriteByte(0)
				continue
			}
			b.WriteByte('=')
			b.WriteString(*s)
		}
	}
	return b.String()
}

func writeFloatKey(b *strings.Builder, v *float64) {
	if v == nil {
		b.WriteByte(0)
		return
	}
	f := *v
	if f == 0 {
		f = 0 // folds -0 into +0
	}
	b.WriteByte('=')
	b.WriteString(strconv.FormatFloat(f, 'g', -1, 64))
}

// handleMissing drops records missing an essential field, then fills null
// values with the mean of their (city, parameter) group
func (c *Cleaner) handleMissing(ctx context.Context, t *models.Table, report *Report) (*models.Table, string, error) {
	report.NullsBefore = countNulls(t)

	essential := t.Schema.Present(models.EssentialColumns...)
	kept := make([]models.Record, 0, len(t.Records))
	for _, rec := range t.Records {
		if hasNullIn(rec, essential) {
			continue
		}
		kept = append(kept, rec)
	}
	report.DroppedMissingEssential = len(t.Records) - len(kept)
	out := models.NewTable(t.Schema, kept)

	switch {
	case !out.Schema.Has(models.ColumnValue):
		report.ImputationSkipped = true
	case !out.Schema.Has(models.ColumnCity) || !out.Schema.Has(models.ColumnParameter):
		report.ImputationSkipped = true
	default:
		if err := c.imputeGroupMeans(ctx, out, report); err != nil {
			return nil, "", err
		}
	}

	report.NullsAfter = countNulls(out)
	return out, fmt.Sprintf("dropped %d, imputed %d, nulls %d -> %d",
		report.DroppedMissingEssential, report.ValuesImputed, report.NullsBefore, report.NullsAfter), nil
}

// imputeGroupMeans computes every group mean from the pre-imputation values,
// in parallel, then fills the null values in place
func (c *Cleaner) imputeGroupMeans(ctx context.Context, t *models.Table, report *Report) error {
	index := make(map[string]int)
	var groups [][]int
	for i, rec := range t.Records {
		key := *rec.City + "\x1f" + *rec.Parameter
		g, ok := index[key]
		if !ok {
			g = len(groups)
			index[key] = g
			groups = append(groups, nil)
		}
		groups[g] = append(groups[g], i)
	}

	means := make([]*float64, len(groups))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.workers)
	for i, members := range groups {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			means[i] = groupMean(t.Records, members)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("failed to compute group means: %w", err)
	}

	for i, members := range groups {
		mean := means[i]
		for _, idx := range members {
			if t.Records[idx].Value != nil {
				continue
			}
			if mean == nil {
				continue
			}
			t.Records[idx].Value = models.FloatPtr(*mean)
			report.ValuesImputed++
		}
		if mean == nil {
			report.UnrecoverableGroups++
		}
	}

	return nil
}

// groupMean returns the mean of the non-null values, nil when there are none
func groupMean(records []models.Record, members []int) *float64 {
	values := make(stats.Float64Data, 0, len(members))
	for _, idx := range members {
		if v := records[idx].Value; v != nil {
			values = append(values, *v)
		}
	}
	mean, err := stats.Mean(values)
	if err != nil {
		return nil
	}
	return &mean
}

// deriveTimeFeatures attaches calendar features to every dated record
func (c *Cleaner) deriveTimeFeatures(_ context.Context, t *models.Table, report *Report) (*models.Table, string, error) {
	if !t.Schema.Has(models.ColumnDate) {
		report.FeaturesSkipped = true
		return t, "skipped, no date column", nil
	}

	records := make([]models.Record, len(t.Records))
	for i, rec := range t.Records {
		if rec.Date != nil {
			f := TimeFeaturesOf(*rec.Date, c.hemisphere)
			rec.Features = &f
		}
		records[i] = rec
	}

	return models.NewTable(t.Schema.WithDerived(), records),
		fmt.Sprintf("derived features for %s hemisphere", c.hemisphere), nil
}

// TimeFeaturesOf derives the calendar features of a date.
// DayOfWeek counts from Monday = 0.
func TimeFeaturesOf(d time.Time, h models.Hemisphere) models.TimeFeatures {
	dow := (int(d.Weekday()) + 6) % 7
	month := int(d.Month())
	return models.TimeFeatures{
		Year:      d.Year(),
		Month:     month,
		DayOfWeek: dow,
		IsWeekend: dow >= 5,
		Season:    h.SeasonOf(month),
	}
}

func (c *Cleaner) validate(_ context.Context, t *models.Table, report *Report) (*models.Table, string, error) {
	if t.Len() == 0 {
		return nil, "", &models.ValidationError{
			Field:   "records",
			Value:   "0",
			Message: "no records remain after cleaning",
		}
	}

	if min, max, ok := t.DateSpan(); ok {
		report.DateMin, report.DateMax, report.HasDateSpan = min, max, true
		return t, fmt.Sprintf("%d records, %s to %s", t.Len(),
			min.Format(models.DateLayout), max.Format(models.DateLayout)), nil
	}
	return t, fmt.Sprintf("%d records", t.Len()), nil
}

func hasNullIn(rec models.Record, cols []models.Column) bool {
	for _, col := range cols {
		if isNull(rec, col) {
			return true
		}
	}
	return false
}

func countNulls(t *models.Table) int {
	cols := t.Schema.WithoutDerived().Columns()
	n := 0
	for _, rec := range t.Records {
		for _, col := range cols {
			if isNull(rec, col) {
				n++
			}
		}
	}
	return n
}

func isNull(rec models.Record, col models.Column) bool {
	switch col {
	case models.ColumnDate:
		return rec.Date == nil
	case models.ColumnValue:
		return rec.Value == nil
	case models.ColumnLatitude:
		return rec.Latitude == nil
	case models.ColumnLongitude:
		return rec.Longitude == nil
	}
	return rec.StringField(col) == nil
}

func joinColumns(cols []models.Column) string {
	names := make([]string, len(cols))
	for i, c := range cols {
		names[i] = string(c)
	}
	return strings.Join(names, ", ")
}
