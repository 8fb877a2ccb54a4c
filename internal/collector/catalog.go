package collector

import (
	_ "embed"
	"fmt"

	"gopkg.in/yaml.v3"
)

//go:embed cities.yaml
var defaultCatalogYAML []byte

// Range is a closed interval of base concentration levels
type Range struct {
	Min float64 `yaml:"min"`
	Max float64 `yaml:"max"`
}

// City is one monitored location of the sample catalog
type City struct {
	Name      string  `yaml:"name"`
	Country   string  `yaml:"country"`
	Latitude  float64 `yaml:"latitude"`
	Longitude float64 `yaml:"longitude"`
	Tier      string  `yaml:"tier"`
}

// Catalog describes the synthetic measurement universe
type Catalog struct {
	Unit       string           `yaml:"unit"`
	Pollutants []string         `yaml:"pollutants"`
	Tiers      map[string]Range `yaml:"tiers"`
	Cities     []City           `yaml:"cities"`
}

// DefaultCatalog returns the embedded catalog
func DefaultCatalog() (*Catalog, error) {
	return ParseCatalog(defaultCatalogYAML)
}

// ParseCatalog decodes and validates a YAML catalog
func ParseCatalog(data []byte) (*Catalog, error) {
	var c Catalog
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("failed to parse catalog: %w", err)
	}

	if len(c.Cities) == 0 {
		return nil, fmt.Errorf("catalog has no cities")
	}
	if len(c.Pollutants) == 0 {
		return nil, fmt.Errorf("catalog has no pollutants")
	}
	for _, city := range c.Cities {
		r, ok := c.Tiers[city.Tier]
		if !ok {
			return nil, fmt.Errorf("city %q references unknown tier %q", city.Name, city.Tier)
		}
		if r.Max < r.Min {
			return nil, fmt.Errorf("tier %q has max %v below min %v", city.Tier, r.Max, r.Min)
		}
	}

	return &c, nil
}

// BaseRange returns the base level range of a city
func (c *Catalog) BaseRange(city City) Range {
	return c.Tiers[city.Tier]
}
