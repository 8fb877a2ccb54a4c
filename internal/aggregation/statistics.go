package aggregation

import (
	"github.com/montanaflynn/stats"

	"air-quality-platform/internal/models"
)

// GroupStats summarizes the values of one (city, parameter) group.
// Count is the number of non-null values; the remaining fields are nil when
// undefined for that count (Std needs at least two values).
type GroupStats struct {
	City      string   `json:"city"`
	Parameter string   `json:"parameter"`
	Count     int      `json:"count"`
	Mean      *float64 `json:"mean"`
	Std       *float64 `json:"std"`
	Min       *float64 `json:"min"`
	Max       *float64 `json:"max"`
}

// GroupStatistics returns descriptive statistics per (city, parameter),
// sorted by city then parameter
func GroupStatistics(t *models.Table) []GroupStats {
	groups := groupByCityParameter(t.Records)
	out := make([]GroupStats, 0, len(groups))

	for _, grp := range groups {
		data := values(grp.records(t.Records))
		row := GroupStats{City: grp.city, Parameter: grp.parameter, Count: len(data)}

		if len(data) > 0 {
			row.Mean = stat(stats.Mean, data)
			row.Min = stat(stats.Min, data)
			row.Max = stat(stats.Max, data)
		}
		if len(data) > 1 {
			row.Std = stat(stats.StandardDeviationSample, data)
		}

		out = append(out, row)
	}

	return out
}

func stat(fn func(stats.Float64Data) (float64, error), data stats.Float64Data) *float64 {
	v, err := fn(data)
	if err != nil {
		return nil
	}
	return &v
}
