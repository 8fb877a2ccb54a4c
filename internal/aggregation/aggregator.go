// Package aggregation provides the read-only views over a cleaned table:
// filtering, scalar means, dominant groups and per (city, parameter) means.
//
// Every function is pure. Filtered tables share records with their source;
// callers treat cleaned tables as immutable.
package aggregation

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/montanaflynn/stats"
	"golang.org/x/sync/errgroup"

	"air-quality-platform/internal/models"
)

// DateRange is an inclusive range of calendar days
type DateRange struct {
	Start time.Time
	End   time.Time
}

// Contains reports whether d falls within the range, comparing by day
func (r DateRange) Contains(d time.Time) bool {
	day := models.Date(d)
	return !day.Before(models.Date(r.Start)) && !day.After(models.Date(r.End))
}

// GroupMean is the mean value of one group of a categorical column
type GroupMean struct {
	Label string  `json:"label"`
	Mean  float64 `json:"mean"`
	Count int     `json:"count"`
}

// CityParameterMean is one row of the comparison view.
// Mean is nil when the group has no non-null values.
type CityParameterMean struct {
	City      string   `json:"city"`
	Parameter string   `json:"parameter"`
	Mean      *float64 `json:"mean"`
	Count     int      `json:"count"`
}

// GroupableColumns are the categorical columns accepted by Dominant
var GroupableColumns = []models.Column{
	models.ColumnCity, models.ColumnCountry, models.ColumnParameter,
	models.ColumnUnit, models.ColumnSeason,
}

// Filter selects records whose city and parameter are in the given sets and
// whose date is within r. An empty set selects nothing.
func Filter(t *models.Table, cities, parameters []string, r DateRange) *models.Table {
	citySet := toSet(cities)
	paramSet := toSet(parameters)

	out := make([]models.Record, 0)
	if len(citySet) == 0 || len(paramSet) == 0 {
		return models.NewTable(t.Schema, out)
	}

	for _, rec := range t.Records {
		if rec.City == nil || !citySet[*rec.City] {
			continue
		}
		if rec.Parameter == nil || !paramSet[*rec.Parameter] {
			continue
		}
		if rec.Date == nil || !r.Contains(*rec.Date) {
			continue
		}
		out = append(out, rec)
	}

	return models.NewTable(t.Schema, out)
}

// MeanValue returns the mean of the non-null values.
// It returns NaN and false when the mean is undefined.
func MeanValue(t *models.Table) (float64, bool) {
	mean, err := stats.Mean(values(t.Records))
	if err != nil {
		return math.NaN(), false
	}
	return mean, true
}

// Dominant returns the group of column with the highest mean value.
// Ties go to the lexically smallest label; records with a null label and
// groups without values are ignored.
func Dominant(t *models.Table, column models.Column) (GroupMean, error) {
	if !isGroupable(column) {
		return GroupMean{}, &models.ValidationError{
			Field:   "by",
			Value:   string(column),
			Message: fmt.Sprintf("cannot group by %q", column),
		}
	}
	if t.Len() == 0 {
		return GroupMean{}, &models.EmptyGroupError{Column: column}
	}

	groups := make(map[string]stats.Float64Data)
	for _, rec := range t.Records {
		label := rec.StringField(column)
		if label == nil {
			continue
		}
		if rec.Value == nil {
			if _, ok := groups[*label]; !ok {
				groups[*label] = stats.Float64Data{}
			}
			continue
		}
		groups[*label] = append(groups[*label], *rec.Value)
	}

	labels := make([]string, 0, len(groups))
	for label := range groups {
		labels = append(labels, label)
	}
	sort.Strings(labels)

	var best GroupMean
	found := false
	for _, label := range labels {
		mean, err := stats.Mean(groups[label])
		if err != nil {
			continue
		}
		if !found || mean > best.Mean {
			best = GroupMean{Label: label, Mean: mean, Count: len(groups[label])}
			found = true
		}
	}

	if !found {
		return GroupMean{}, &models.EmptyGroupError{Column: column}
	}
	return best, nil
}

// GroupMeans returns one row per observed (city, parameter) pair, sorted by
// city then parameter. Means are computed by at most workers goroutines.
func GroupMeans(ctx context.Context, t *models.Table, workers int) ([]CityParameterMean, error) {
	groups := groupByCityParameter(t.Records)

	rows := make([]CityParameterMean, len(groups))
	if workers < 1 {
		workers = 1
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for i, grp := range groups {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			row := CityParameterMean{City: grp.city, Parameter: grp.parameter, Count: len(grp.members)}
			if mean, err := stats.Mean(values(grp.records(t.Records))); err == nil {
				row.Mean = &mean
			}
			rows[i] = row
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("failed to compute group means: %w", err)
	}

	return rows, nil
}

func isGroupable(c models.Column) bool {
	for _, g := range GroupableColumns {
		if g == c {
			return true
		}
	}
	return false
}

func toSet(items []string) map[string]bool {
	set := make(map[string]bool, len(items))
	for _, it := range items {
		set[it] = true
	}
	return set
}

func values(records []models.Record) stats.Float64Data {
	out := make(stats.Float64Data, 0, len(records))
	for _, rec := range records {
		if rec.Value != nil {
			out = append(out, *rec.Value)
		}
	}
	return out
}

type cityParameterGroup struct {
	city      string
	parameter string
	members   []int
}

func (g cityParameterGroup) records(all []models.Record) []models.Record {
	out := make([]models.Record, len(g.members))
	for i, idx := range g.members {
		out[i] = all[idx]
	}
	return out
}

// groupByCityParameter groups record indices, sorted by city then parameter.
// Records with a null city or parameter belong to no group.
func groupByCityParameter(records []models.Record) []cityParameterGroup {
	index := make(map[[2]string]int)
	var groups []cityParameterGroup

	for i, rec := range records {
		if rec.City == nil || rec.Parameter == nil {
			continue
		}
		key := [2]string{*rec.City, *rec.Parameter}
		g, ok := index[key]
		if !ok {
			g = len(groups)
			index[key] = g
			groups = append(groups, cityParameterGroup{city: key[0], parameter: key[1]})
		}
		groups[g].members = append(groups[g].members, i)
	}

	sort.Slice(groups, func(a, b int) bool {
		if groups[a].city != groups[b].city {
			return groups[a].city < groups[b].city
		}
		return groups[a].parameter < groups[b].parameter
	})
	return groups
}
