// Package collector produces raw measurement tables from a synthetic
// generator or from CSV files.
package collector

import (
	"context"
	"fmt"
	"io"
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/go-gota/gota/dataframe"
	"github.com/go-gota/gota/series"

	"air-quality-platform/internal/models"
)

// Collector produces a raw, unvalidated table
type Collector interface {
	Collect(ctx context.Context) (*models.RawTable, error)
}

// sampleColumns is the schema produced by the sample generator
var sampleColumns = []models.Column{
	models.ColumnDate, models.ColumnCity, models.ColumnCountry, models.ColumnParameter,
	models.ColumnValue, models.ColumnUnit, models.ColumnLatitude, models.ColumnLongitude,
}

const (
	seasonalAmplitude = 10.0
	trendPerYear      = -0.5
	trendBaseYear     = 2020
	noiseStdDev       = 10.0
	minValue          = 1.0
)

// SampleOptions configures the synthetic generator
type SampleOptions struct {
	Seed    int64
	Start   time.Time
	Days    int
	Catalog *Catalog
}

// SampleCollector generates seasonal, trending, noisy daily measurements for
// every (city, pollutant) pair of a catalog. Equal seeds give equal tables.
type SampleCollector struct {
	opts SampleOptions
}

// NewSampleCollector creates a generator. A nil catalog selects the embedded one.
func NewSampleCollector(opts SampleOptions) (*SampleCollector, error) {
	if opts.Catalog == nil {
		c, err := DefaultCatalog()
		if err != nil {
			return nil, err
		}
		opts.Catalog = c
	}
	if opts.Days < 1 {
		return nil, &models.ValidationError{
			Field:   "sample_days",
			Value:   strconv.Itoa(opts.Days),
			Message: "sample days must be positive",
		}
	}
	opts.Start = models.Date(opts.Start)
	return &SampleCollector{opts: opts}, nil
}

// Collect generates the table
func (c *SampleCollector) Collect(ctx context.Context) (*models.RawTable, error) {
	rng := rand.New(rand.NewSource(c.opts.Seed))
	catalog := c.opts.Catalog

	table := &models.RawTable{
		Schema: models.NewSchema(sampleColumns...),
		Rows:   make([]models.RawRow, 0, len(catalog.Cities)*len(catalog.Pollutants)*c.opts.Days),
	}

	for _, city := range catalog.Cities {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("sample generation interrupted: %w", err)
		}

		lat := formatFloat(city.Latitude)
		lon := formatFloat(city.Longitude)
		r := catalog.BaseRange(city)

		for _, pollutant := range catalog.Pollutants {
			base := r.Min + rng.Float64()*(r.Max-r.Min)

			for i := 0; i < c.opts.Days; i++ {
				date := c.opts.Start.AddDate(0, 0, i)

				seasonal := seasonalAmplitude * math.Sin(2*math.Pi*float64(i)/365)
				trend := trendPerYear * float64(date.Year()-trendBaseYear)
				noise := rng.NormFloat64() * noiseStdDev

				value := math.Max(minValue, base+seasonal+trend+noise)
				value = math.Round(value*100) / 100

				table.Rows = append(table.Rows, models.RawRow{
					models.ColumnDate:      date.Format(models.DateLayout),
					models.ColumnCity:      city.Name,
					models.ColumnCountry:   city.Country,
					models.ColumnParameter: pollutant,
					models.ColumnValue:     formatFloat(value),
					models.ColumnUnit:      catalog.Unit,
					models.ColumnLatitude:  lat,
					models.ColumnLongitude: lon,
				})
			}
		}
	}

	return table, nil
}

// CSVCollector reads a CSV file with a header row. Header names are matched
// to columns case-insensitively; unknown columns are ignored.
type CSVCollector struct {
	path string
}

// NewCSVCollector creates a collector reading path
func NewCSVCollector(path string) *CSVCollector {
	return &CSVCollector{path: path}
}

// Collect reads the file
func (c *CSVCollector) Collect(ctx context.Context) (*models.RawTable, error) {
	f, err := os.Open(c.path)
	if err != nil {
		return nil, fmt.Errorf("failed to open input %s: %w", c.path, err)
	}
	defer f.Close()

	table, err := ReadCSV(f)
	if err != nil {
		return nil, fmt.Errorf("failed to read input %s: %w", c.path, err)
	}
	return table, ctx.Err()
}

// ReadCSV parses CSV text into a raw table. NA markers become null cells.
func ReadCSV(r io.Reader) (*models.RawTable, error) {
	df := dataframe.ReadCSV(r,
		dataframe.HasHeader(true),
		dataframe.DetectTypes(false),
		dataframe.DefaultType(series.String),
		dataframe.NaNValues([]string{"NA", "NaN", "nan", "null", "NULL", "None", "<nil>"}),
	)
	if df.Err != nil {
		return nil, df.Err
	}

	type source struct {
		col    models.Column
		series series.Series
	}

	var sources []source
	var cols []models.Column
	seen := make(map[models.Column]bool)
	for _, name := range df.Names() {
		col, ok := models.ParseColumn(name)
		if !ok || seen[col] {
			continue
		}
		seen[col] = true
		cols = append(cols, col)
		sources = append(sources, source{col: col, series: df.Col(name)})
	}

	rows := make([]models.RawRow, df.Nrow())
	for i := range rows {
		row := make(models.RawRow, len(sources))
		for _, s := range sources {
			elem := s.series.Elem(i)
			if elem.IsNA() {
				continue
			}
			row[s.col] = elem.String()
		}
		rows[i] = row
	}

	return &models.RawTable{Schema: models.NewSchema(cols...), Rows: rows}, nil
}

// WriteSnapshot writes a raw table as CSV, columns in schema order
func WriteSnapshot(w io.Writer, raw *models.RawTable) error {
	cols := make([]series.Series, 0, len(raw.Schema.Columns()))
	for _, col := range raw.Schema.Columns() {
		cells := make([]string, len(raw.Rows))
		for i, row := range raw.Rows {
			cells[i] = row[col]
		}
		cols = append(cols, series.New(cells, series.String, string(col)))
	}

	df := dataframe.New(cols...)
	if df.Err != nil {
		return df.Err
	}
	return df.WriteCSV(w)
}

// SaveSnapshot writes a raw table to path, creating its directory
func SaveSnapshot(path string, raw *models.RawTable) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return &models.IOError{Op: "mkdir", Path: path, Err: err}
	}

	f, err := os.Create(path)
	if err != nil {
		return &models.IOError{Op: "create", Path: path, Err: err}
	}
	if err := WriteSnapshot(f, raw); err != nil {
		f.Close()
		return &models.IOError{Op: "write", Path: path, Err: err}
	}
	if err := f.Close(); err != nil {
		return &models.IOError{Op: "close", Path: path, Err: err}
	}
	return nil
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
