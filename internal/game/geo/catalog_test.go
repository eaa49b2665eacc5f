package geo

import (
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func testCities() []City {
	return []City{
		{Name: "portland", Lat: 45.5152, Long: -122.6784},
		{Name: "tokyo", Lat: 35.6762, Long: 139.6503},
		{Name: "london", Lat: 51.5074, Long: -0.1278},
	}
}

func TestNewCatalog(t *testing.T) {
	c, err := NewCatalog(testCities())
	require.NoError(t, err)

	city, ok := c.City("portland")
	require.True(t, ok)
	assert.Equal(t, 45.5152, city.Lat)

	_, ok = c.City("atlantis")
	assert.False(t, ok)

	assert.Len(t, c.Cities(), 3)
}

func TestNewCatalog_Empty(t *testing.T) {
	_, err := NewCatalog(nil)
	assert.Error(t, err)
}

func TestNewCatalog_DuplicateName(t *testing.T) {
	cities := append(testCities(), City{Name: "portland", Lat: 0, Long: 0})
	_, err := NewCatalog(cities)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate")
}

func TestNewCatalog_CoordinateRange(t *testing.T) {
	_, err := NewCatalog([]City{{Name: "bad", Lat: 91, Long: 0}})
	assert.Error(t, err)

	_, err = NewCatalog([]City{{Name: "bad", Lat: 0, Long: -181}})
	assert.Error(t, err)
}

func TestNewCatalog_RejectsPoles(t *testing.T) {
	// RandomPoint's longitude offset divides by cos(lat), so the poles
	// themselves are not valid centres.
	_, err := NewCatalog([]City{{Name: "north", Lat: 90, Long: 0}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "latitude")

	_, err = NewCatalog([]City{{Name: "south", Lat: -90, Long: 0}})
	assert.Error(t, err)
}

func TestLoadCatalog(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "cities.yaml")
	err := os.WriteFile(path, []byte(`
cities:
  - name: portland
    lat: 45.5152
    long: -122.6784
  - name: tokyo
    lat: 35.6762
    long: 139.6503
`), 0644)
	require.NoError(t, err)

	c, err := LoadCatalog(path)
	require.NoError(t, err)
	assert.Len(t, c.Cities(), 2)

	city, ok := c.City("tokyo")
	require.True(t, ok)
	assert.Equal(t, 139.6503, city.Long)
}

func TestLoadCatalog_MissingFile(t *testing.T) {
	_, err := LoadCatalog("/nonexistent/cities.yaml")
	assert.Error(t, err)
}

func TestRandomCity(t *testing.T) {
	c, err := NewCatalog(testCities())
	require.NoError(t, err)

	seen := make(map[string]bool)
	for i := 0; i < 200; i++ {
		seen[c.RandomCity().Name] = true
	}
	assert.Len(t, seen, 3, "all cities should appear over many draws")
}

func TestRandomPoint_UnknownCityFallsBack(t *testing.T) {
	c, err := NewCatalog(testCities())
	require.NoError(t, err)

	pos := c.RandomPoint("atlantis", 1000)
	assert.GreaterOrEqual(t, pos.Lat, -90.0)
	assert.LessOrEqual(t, pos.Lat, 90.0)
}

// haversineMeters computes the great-circle distance between two points.
func haversineMeters(lat1, long1, lat2, long2 float64) float64 {
	toRad := func(deg float64) float64 { return deg * math.Pi / 180 }
	dLat := toRad(lat2 - lat1)
	dLong := toRad(long2 - long1)
	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(toRad(lat1))*math.Cos(toRad(lat2))*math.Sin(dLong/2)*math.Sin(dLong/2)
	return 2 * earthRadiusMeters * math.Asin(math.Sqrt(a))
}

func TestPropertyRandomPointWithinRadius(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		c, err := NewCatalog(testCities())
		if err != nil {
			t.Fatalf("building catalog: %v", err)
		}

		cities := testCities()
		city := cities[rapid.IntRange(0, len(cities)-1).Draw(t, "city_idx")]
		radius := rapid.Float64Range(100, 50000).Draw(t, "radius")

		pos := c.RandomPoint(city.Name, radius)
		dist := haversineMeters(city.Lat, city.Long, pos.Lat, pos.Long)

		// Allow 1% slack for the planar approximation.
		if dist > radius*1.01 {
			t.Fatalf("point %v is %vm from %s centre, radius %vm", pos, dist, city.Name, radius)
		}
	})
}
