package models

import (
	"fmt"
	"strings"
)

// Season is the meteorological season label of a month
type Season string

const (
	Summer Season = "Summer"
	Autumn Season = "Autumn"
	Winter Season = "Winter"
	Spring Season = "Spring"
)

// Hemisphere selects the month to season convention
type Hemisphere string

const (
	// SouthernHemisphere maps December-February to Summer
	SouthernHemisphere Hemisphere = "southern"
	// NorthernHemisphere maps December-February to Winter
	NorthernHemisphere Hemisphere = "northern"
)

// ParseHemisphere accepts "southern" or "northern", case-insensitive
func ParseHemisphere(s string) (Hemisphere, error) {
	switch h := Hemisphere(strings.ToLower(strings.TrimSpace(s))); h {
	case SouthernHemisphere, NorthernHemisphere:
		return h, nil
	}
	return "", &ValidationError{
		Field:   "hemisphere",
		Value:   s,
		Message: "invalid hemisphere, expected southern or northern",
	}
}

// SeasonOf maps a month (1-12) to its season
func (h Hemisphere) SeasonOf(month int) Season {
	var s Season
	switch month {
	case 12, 1, 2:
		s = Summer
	case 3, 4, 5:
		s = Autumn
	case 6, 7, 8:
		s = Winter
	default:
		s = Spring
	}

	if h == NorthernHemisphere {
		return s.opposite()
	}
	return s
}

func (s Season) opposite() Season {
	switch s {
	case Summer:
		return Winter
	case Winter:
		return Summer
	case Autumn:
		return Spring
	case Spring:
		return Autumn
	}
	panic(fmt.Sprintf("unknown season %q", string(s)))
}
