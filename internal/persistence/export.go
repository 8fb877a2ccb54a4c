package persistence

import (
	"fmt"
	"io"
	"sort"

	"github.com/xuri/excelize/v2"

	"air-quality-platform/internal/aggregation"
)

// ComparisonSheet is the sheet holding the city by parameter pivot
const ComparisonSheet = "Comparison"

// ExportGroupMeans writes the comparison view as an xlsx workbook: one row per
// city, one column per parameter, mean values in the cells. Groups without a
// mean are left blank.
func ExportGroupMeans(path string, rows []aggregation.CityParameterMean) error {
	return writeAtomic(path, func(w io.Writer) error {
		return writeComparison(w, rows)
	})
}

func writeComparison(w io.Writer, rows []aggregation.CityParameterMean) error {
	var cities, params []string
	seenCity := make(map[string]bool)
	seenParam := make(map[string]bool)
	means := make(map[[2]string]*float64, len(rows))

	for _, r := range rows {
		if !seenCity[r.City] {
			seenCity[r.City] = true
			cities = append(cities, r.City)
		}
		if !seenParam[r.Parameter] {
			seenParam[r.Parameter] = true
			params = append(params, r.Parameter)
		}
		means[[2]string{r.City, r.Parameter}] = r.Mean
	}
	sort.Strings(cities)
	sort.Strings(params)

	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName("Sheet1", ComparisonSheet); err != nil {
		return fmt.Errorf("failed to rename sheet: %w", err)
	}

	header := make([]interface{}, 0, len(params)+1)
	header = append(header, "City")
	for _, p := range params {
		header = append(header, p)
	}
	if err := f.SetSheetRow(ComparisonSheet, "A1", &header); err != nil {
		return fmt.Errorf("failed to write header: %w", err)
	}

	for i, city := range cities {
		cell, err := excelize.CoordinatesToCellName(1, i+2)
		if err != nil {
			return err
		}

		line := make([]interface{}, 0, len(params)+1)
		line = append(line, city)
		for _, p := range params {
			if m := means[[2]string{city, p}]; m != nil {
				line = append(line, *m)
			} else {
				line = append(line, nil)
			}
		}
		if err := f.SetSheetRow(ComparisonSheet, cell, &line); err != nil {
			return fmt.Errorf("failed to write row %s: %w", city, err)
		}
	}

	return f.Write(w)
}
