package models

import (
	"strconv"
	"strings"
	"time"
)

// DateLayout is the canonical textual form of a measurement date
const DateLayout = "2006-01-02"

// Column names a field of the measurement table
type Column string

const (
	ColumnDate      Column = "date"
	ColumnCity      Column = "city"
	ColumnCountry   Column = "country"
	ColumnParameter Column = "parameter"
	ColumnValue     Column = "value"
	ColumnUnit      Column = "unit"
	ColumnLatitude  Column = "latitude"
	ColumnLongitude Column = "longitude"

	// Derived by the cleaner, never present in raw input
	ColumnYear      Column = "year"
	ColumnMonth     Column = "month"
	ColumnDayOfWeek Column = "day_of_week"
	ColumnIsWeekend Column = "is_weekend"
	ColumnSeason    Column = "season"
)

var (
	// RequiredColumns must be produced by every collector
	RequiredColumns = []Column{ColumnDate, ColumnCity, ColumnParameter, ColumnValue}

	// OptionalColumns may be omitted by a collector
	OptionalColumns = []Column{ColumnCountry, ColumnUnit, ColumnLatitude, ColumnLongitude}

	// DerivedColumns are appended by the time-feature stage
	DerivedColumns = []Column{ColumnYear, ColumnMonth, ColumnDayOfWeek, ColumnIsWeekend, ColumnSeason}

	// EssentialColumns cannot be imputed; records missing them are dropped
	EssentialColumns = []Column{ColumnDate, ColumnCity, ColumnParameter}
)

// rawColumnOrder is the canonical order of non-derived columns
var rawColumnOrder = []Column{
	ColumnDate, ColumnCity, ColumnCountry, ColumnParameter,
	ColumnValue, ColumnUnit, ColumnLatitude, ColumnLongitude,
}

// ParseColumn maps a header label to a known column
func ParseColumn(name string) (Column, bool) {
	c := Column(strings.ToLower(strings.TrimSpace(name)))
	for _, known := range rawColumnOrder {
		if c == known {
			return c, true
		}
	}
	for _, known := range DerivedColumns {
		if c == known {
			return c, true
		}
	}
	return "", false
}

// IsDerived reports whether the column is produced by the cleaner
func (c Column) IsDerived() bool {
	for _, d := range DerivedColumns {
		if c == d {
			return true
		}
	}
	return false
}

// Schema is the ordered set of columns present in a table.
// Absent optional columns are a normal condition, checked with Has.
type Schema struct {
	columns []Column
}

// NewSchema builds a schema in canonical column order, ignoring duplicates
func NewSchema(cols ...Column) Schema {
	present := make(map[Column]bool, len(cols))
	for _, c := range cols {
		present[c] = true
	}

	ordered := make([]Column, 0, len(present))
	for _, c := range rawColumnOrder {
		if present[c] {
			ordered = append(ordered, c)
		}
	}
	for _, c := range DerivedColumns {
		if present[c] {
			ordered = append(ordered, c)
		}
	}
	return Schema{columns: ordered}
}

// Columns returns a copy of the column list
func (s Schema) Columns() []Column {
	out := make([]Column, len(s.columns))
	copy(out, s.columns)
	return out
}

// Has reports whether the column is present
func (s Schema) Has(c Column) bool {
	for _, col := range s.columns {
		if col == c {
			return true
		}
	}
	return false
}

// Present filters cols down to the ones in the schema, keeping their order
func (s Schema) Present(cols ...Column) []Column {
	out := make([]Column, 0, len(cols))
	for _, c := range cols {
		if s.Has(c) {
			out = append(out, c)
		}
	}
	return out
}

// Missing returns the columns of cols absent from the schema
func (s Schema) Missing(cols ...Column) []Column {
	var out []Column
	for _, c := range cols {
		if !s.Has(c) {
			out = append(out, c)
		}
	}
	return out
}

// WithDerived returns the schema extended by the derived time columns
func (s Schema) WithDerived() Schema {
	return NewSchema(append(s.Columns(), DerivedColumns...)...)
}

// WithoutDerived returns the schema restricted to raw columns
func (s Schema) WithoutDerived() Schema {
	var raw []Column
	for _, c := range s.columns {
		if !c.IsDerived() {
			raw = append(raw, c)
		}
	}
	return NewSchema(raw...)
}

// RawRow is one untyped row as produced by a collector.
// An absent key or blank text is a null cell.
type RawRow map[Column]string

// Cell returns the trimmed cell text and whether it is non-null
func (r RawRow) Cell(c Column) (string, bool) {
	v, ok := r[c]
	if !ok {
		return "", false
	}
	v = strings.TrimSpace(v)
	if v == "" {
		return "", false
	}
	return v, true
}

// RawTable is the unvalidated output of a collector
type RawTable struct {
	Schema Schema
	Rows   []RawRow
}

// Len returns the number of raw rows
func (t *RawTable) Len() int {
	if t == nil {
		return 0
	}
	return len(t.Rows)
}

// TimeFeatures holds the calendar features derived from a record date
type TimeFeatures struct {
	Year      int    `json:"year"`
	Month     int    `json:"month"`
	DayOfWeek int    `json:"day_of_week"`
	IsWeekend bool   `json:"is_weekend"`
	Season    Season `json:"season"`
}

// Record is a single typed measurement.
// NULL values represented as nil pointers.
type Record struct {
	Date      *time.Time    `json:"date,omitempty"`
	City      *string       `json:"city,omitempty"`
	Country   *string       `json:"country,omitempty"`
	Parameter *string       `json:"parameter,omitempty"`
	Value     *float64      `json:"value,omitempty"`
	Unit      *string       `json:"unit,omitempty"`
	Latitude  *float64      `json:"latitude,omitempty"`
	Longitude *float64      `json:"longitude,omitempty"`
	Features  *TimeFeatures `json:"features,omitempty"`
}

// Clone returns a deep copy of the record
func (r Record) Clone() Record {
	out := Record{
		Date:      cloneTime(r.Date),
		City:      cloneString(r.City),
		Country:   cloneString(r.Country),
		Parameter: cloneString(r.Parameter),
		Value:     cloneFloat(r.Value),
		Unit:      cloneString(r.Unit),
		Latitude:  cloneFloat(r.Latitude),
		Longitude: cloneFloat(r.Longitude),
	}
	if r.Features != nil {
		f := *r.Features
		out.Features = &f
	}
	return out
}

// StringField returns the categorical field for column c, nil when null or not categorical
func (r Record) StringField(c Column) *string {
	switch c {
	case ColumnCity:
		return r.City
	case ColumnCountry:
		return r.Country
	case ColumnParameter:
		return r.Parameter
	case ColumnUnit:
		return r.Unit
	case ColumnSeason:
		if r.Features == nil {
			return nil
		}
		s := string(r.Features.Season)
		return &s
	}
	return nil
}

// Table is a typed measurement table
type Table struct {
	Schema  Schema
	Records []Record
}

// NewTable creates a table over the given records
func NewTable(schema Schema, records []Record) *Table {
	return &Table{Schema: schema, Records: records}
}

// Len returns the number of records
func (t *Table) Len() int {
	if t == nil {
		return 0
	}
	return len(t.Records)
}

// Clone returns a deep copy; the copy shares no pointers with t
func (t *Table) Clone() *Table {
	records := make([]Record, len(t.Records))
	for i, r := range t.Records {
		records[i] = r.Clone()
	}
	return &Table{Schema: t.Schema, Records: records}
}

// DateSpan returns the earliest and latest non-null dates
func (t *Table) DateSpan() (min, max time.Time, ok bool) {
	for _, r := range t.Records {
		if r.Date == nil {
			continue
		}
		if !ok || r.Date.Before(min) {
			min = *r.Date
		}
		if !ok || r.Date.After(max) {
			max = *r.Date
		}
		ok = true
	}
	return min, max, ok
}

// ToRaw formats the table back into raw text cells.
// Derived columns are dropped; floats keep full precision.
func (t *Table) ToRaw() *RawTable {
	schema := t.Schema.WithoutDerived()
	rows := make([]RawRow, 0, len(t.Records))

	for _, r := range t.Records {
		row := make(RawRow, len(schema.columns))
		for _, c := range schema.columns {
			switch c {
			case ColumnDate:
				if r.Date != nil {
					row[c] = r.Date.Format(DateLayout)
				}
			case ColumnValue:
				setFloat(row, c, r.Value)
			case ColumnLatitude:
				setFloat(row, c, r.Latitude)
			case ColumnLongitude:
				setFloat(row, c, r.Longitude)
			default:
				if s := r.StringField(c); s != nil {
					row[c] = *s
				}
			}
		}
		rows = append(rows, row)
	}

	return &RawTable{Schema: schema, Rows: rows}
}

func setFloat(row RawRow, c Column, v *float64) {
	if v != nil {
		row[c] = strconv.FormatFloat(*v, 'g', -1, 64)
	}
}

// Date truncates t to its calendar day in UTC, keeping the written year/month/day
func Date(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// StringPtr returns a pointer to s
func StringPtr(s string) *string { return &s }

// FloatPtr returns a pointer to v
func FloatPtr(v float64) *float64 { return &v }

// TimePtr returns a pointer to t
func TimePtr(t time.Time) *time.Time { return &t }

func cloneString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}

func cloneFloat(f *float64) *float64 {
	if f == nil {
		return nil
	}
	v := *f
	return &v
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
