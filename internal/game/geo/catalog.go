// Package geo provides the city catalog and random position seeding for
// new players.
package geo

import (
	"fmt"
	"math"
	"math/rand"
	"os"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/congregate-gg/backend/internal/game/session"
)

// earthRadiusMeters is the mean Earth radius used for metre/degree conversion.
const earthRadiusMeters = 6371000.0

// City is one playable city with its centre coordinate.
type City struct {
	Name string  `yaml:"name"`
	Lat  float64 `yaml:"lat"`
	Long float64 `yaml:"long"`
}

// yamlCatalogFile is the top-level YAML structure for the city catalog.
type yamlCatalogFile struct {
	Cities []City `yaml:"cities"`
}

// Catalog holds the playable cities and seeds player spawn positions.
// All methods are safe for concurrent use.
type Catalog struct {
	cities []City
	byName map[string]City

	mu  sync.Mutex
	rng *rand.Rand
}

// NewCatalog creates a catalog from the given cities.
//
// Precondition: cities must be non-empty with unique names and coordinates
// in range.
// Postcondition: Returns a validated Catalog or a non-nil error.
func NewCatalog(cities []City) (*Catalog, error) {
	if len(cities) == 0 {
		return nil, fmt.Errorf("city catalog must not be empty")
	}

	byName := make(map[string]City, len(cities))
	for _, c := range cities {
		if c.Name == "" {
			return nil, fmt.Errorf("city with empty name")
		}
		if _, dup := byName[c.Name]; dup {
			return nil, fmt.Errorf("duplicate city %q", c.Name)
		}
		// Poles are excluded: the longitude offset in RandomPoint divides
		// by cos(lat), which vanishes at +-90.
		if c.Lat <= -90 || c.Lat >= 90 {
			return nil, fmt.Errorf("city %q: latitude %v out of range (-90, 90)", c.Name, c.Lat)
		}
		if c.Long < -180 || c.Long > 180 {
			return nil, fmt.Errorf("city %q: longitude %v out of range", c.Name, c.Long)
		}
		byName[c.Name] = c
	}

	return &Catalog{
		cities: append([]City(nil), cities...),
		byName: byName,
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}, nil
}

// LoadCatalog reads and validates the city catalog from a YAML file.
//
// Precondition: path must point to a valid YAML catalog file.
// Postcondition: Returns a validated Catalog or a non-nil error.
func LoadCatalog(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading city catalog %s: %w", path, err)
	}

	var file yamlCatalogFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parsing city catalog %s: %w", path, err)
	}
	return NewCatalog(file.Cities)
}

// City returns the city with the given name.
//
// Postcondition: Returns (city, true) if found, or (City{}, false) otherwise.
func (c *Catalog) City(name string) (City, bool) {
	city, ok := c.byName[name]
	return city, ok
}

// Cities returns all cities in catalog order.
func (c *Catalog) Cities() []City {
	return append([]City(nil), c.cities...)
}

// RandomCity picks a uniformly random city from the catalog.
func (c *Catalog) RandomCity() City {
	c.mu.Lock()
	i := c.rng.Intn(len(c.cities))
	c.mu.Unlock()
	return c.cities[i]
}

// RandomPoint returns a uniformly distributed point within radiusMeters of
// the named city's centre. An unknown city name falls back to a random
// catalog city, so a position can always be seeded.
//
// Precondition: radiusMeters must be positive.
func (c *Catalog) RandomPoint(cityName string, radiusMeters float64) session.Position {
	city, ok := c.byName[cityName]
	if !ok {
		city = c.RandomCity()
	}

	c.mu.Lock()
	u := c.rng.Float64()
	v := c.rng.Float64()
	c.mu.Unlock()

	// Uniform over the disk: radius scaled by sqrt(u).
	dist := radiusMeters * math.Sqrt(u)
	bearing := 2 * math.Pi * v

	dLat := (dist * math.Cos(bearing)) / earthRadiusMeters * (180 / math.Pi)
	dLong := (dist * math.Sin(bearing)) / (earthRadiusMeters * math.Cos(city.Lat*math.Pi/180)) * (180 / math.Pi)

	return session.Position{
		Lat:  city.Lat + dLat,
		Long: city.Long + dLong,
	}
}
