package persistence

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/parquet-go/parquet-go"

	"air-quality-platform/internal/models"
)

// columnsMetadataKey stores the logical column list of the table.
// Absent columns are still physical columns in the file, holding nulls.
const columnsMetadataKey = "air_quality.columns"

const readBatchSize = 4096

const secondsPerDay = 24 * 60 * 60

// datasetRow is the physical parquet row. Nullable fields are pointers.
// Date is a parquet DATE, days since 1970-01-01.
type datasetRow struct {
	Date      *int32   `parquet:"date,optional,date"`
	City      *string  `parquet:"city"`
	Country   *string  `parquet:"country"`
	Parameter *string  `parquet:"parameter"`
	Value     *float64 `parquet:"value"`
	Unit      *string  `parquet:"unit"`
	Latitude  *float64 `parquet:"latitude"`
	Longitude *float64 `parquet:"longitude"`
	Year      int32    `parquet:"year"`
	Month     int32    `parquet:"month"`
	DayOfWeek int32    `parquet:"day_of_week"`
	IsWeekend bool     `parquet:"is_weekend"`
	Season    string   `parquet:"season"`
}

func toEpochDays(d time.Time) *int32 {
	days := int32(models.Date(d).Unix() / secondsPerDay)
	return &days
}

func fromEpochDays(days int32) time.Time {
	return time.Unix(int64(days)*secondsPerDay, 0).UTC()
}

func toDatasetRow(rec models.Record) datasetRow {
	row := datasetRow{
		City:      rec.City,
		Country:   rec.Country,
		Parameter: rec.Parameter,
		Value:     rec.Value,
		Unit:      rec.Unit,
		Latitude:  rec.Latitude,
		Longitude: rec.Longitude,
	}
	if rec.Date != nil {
		row.Date = toEpochDays(*rec.Date)
	}
	if f := rec.Features; f != nil {
		row.Year = int32(f.Year)
		row.Month = int32(f.Month)
		row.DayOfWeek = int32(f.DayOfWeek)
		row.IsWeekend = f.IsWeekend
		row.Season = string(f.Season)
	}
	return row
}

func (row datasetRow) toRecord(hasFeatures bool) models.Record {
	rec := models.Record{
		City:      row.City,
		Country:   row.Country,
		Parameter: row.Parameter,
		Value:     row.Value,
		Unit:      row.Unit,
		Latitude:  row.Latitude,
		Longitude: row.Longitude,
	}
	if row.Date != nil {
		rec.Date = models.TimePtr(fromEpochDays(*row.Date))
		if hasFeatures {
			rec.Features = &models.TimeFeatures{
				Year:      int(row.Year),
				Month:     int(row.Month),
				DayOfWeek: int(row.DayOfWeek),
				IsWeekend: row.IsWeekend,
				Season:    models.Season(row.Season),
			}
		}
	}
	return rec
}

func writeParquet(w io.Writer, t *models.Table) error {
	rows := make([]datasetRow, len(t.Records))
	for i, rec := range t.Records {
		rows[i] = toDatasetRow(rec)
	}

	pw := parquet.NewGenericWriter[datasetRow](w,
		parquet.KeyValueMetadata(columnsMetadataKey, encodeColumns(t.Schema.Columns())),
	)
	if _, err := pw.Write(rows); err != nil {
		pw.Close()
		return fmt.Errorf("failed to write rows: %w", err)
	}
	if err := pw.Close(); err != nil {
		return fmt.Errorf("failed to close parquet writer: %w", err)
	}
	return nil
}

// LoadParquet reads a dataset file, restoring the logical schema from the
// file metadata
func LoadParquet(path string) (*models.Table, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, &models.IOError{Op: "open", Path: path, Err: err}
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, &models.IOError{Op: "stat", Path: path, Err: err}
	}

	pf, err := parquet.OpenFile(f, info.Size())
	if err != nil {
		return nil, &models.IOError{Op: "read", Path: path, Err: err}
	}

	encoded, ok := pf.Lookup(columnsMetadataKey)
	if !ok {
		return nil, &models.IOError{Op: "read", Path: path, Err: fmt.Errorf("missing %s metadata", columnsMetadataKey)}
	}
	columns, err := decodeColumns(encoded)
	if err != nil {
		return nil, &models.IOError{Op: "read", Path: path, Err: err}
	}
	schema := models.NewSchema(columns...)

	reader := parquet.NewGenericReader[datasetRow](f)
	defer reader.Close()

	rows := make([]datasetRow, 0, reader.NumRows())
	for int64(len(rows)) < reader.NumRows() {
		// fresh buffer per batch; the reader may reuse pointer fields
		batch := make([]datasetRow, readBatchSize)
		n, err := reader.Read(batch)
		rows = append(rows, batch[:n]...)
		if err == io.EOF || (err == nil && n == 0) {
			break
		}
		if err != nil {
			return nil, &models.IOError{Op: "read", Path: path, Err: err}
		}
	}

	hasFeatures := schema.Has(models.ColumnYear)
	records := make([]models.Record, len(rows))
	for i, row := range rows {
		records[i] = row.toRecord(hasFeatures)
	}

	return models.NewTable(schema, records), nil
}

func encodeColumns(cols []models.Column) string {
	names := make([]string, len(cols))
	for i, c := range cols {
		names[i] = string(c)
	}
	return strings.Join(names, ",")
}

func decodeColumns(s string) ([]models.Column, error) {
	if s == "" {
		return nil, nil
	}
	var cols []models.Column
	for _, name := range strings.Split(s, ",") {
		c, ok := models.ParseColumn(name)
		if !ok {
			return nil, fmt.Errorf("unknown column %q in metadata", name)
		}
		cols = append(cols, c)
	}
	return cols, nil
}

func formatFloat(v *float64) string {
	if v == nil {
		return ""
	}
	return strconv.FormatFloat(*v, 'g', -1, 64)
}
