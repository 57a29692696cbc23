// -------------------------------------------------------------------------------
// Geo - Coordinates and Great-Circle Distance
//
// Author: Alex Freidah
//
// Coordinate type, haversine distance in meters, and the ~100 m rounding used
// to key cached search responses.
// -------------------------------------------------------------------------------

package geo

import (
	"fmt"
	"math"
)

// EarthRadiusMeters is the mean earth radius used for distance calculations.
const EarthRadiusMeters = 6371000.0

// Coordinate is a WGS84 latitude/longitude pair in degrees.
type Coordinate struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// Valid reports whether the coordinate lies within WGS84 bounds.
func (c Coordinate) Valid() bool {
	return c.Lat >= -90 && c.Lat <= 90 && c.Lng >= -180 && c.Lng <= 180 &&
		!math.IsNaN(c.Lat) && !math.IsNaN(c.Lng)
}

// Rounded returns the coordinate rounded to three decimals (~100 m).
func (c Coordinate) Rounded() Coordinate {
	return Coordinate{Lat: round3(c.Lat), Lng: round3(c.Lng)}
}

// Key returns the rounded coordinate as a stable cache key fragment.
func (c Coordinate) Key() string {
	r := c.Rounded()
	return fmt.Sprintf("%.3f,%.3f", r.Lat, r.Lng)
}

func round3(v float64) float64 {
	r := math.Round(v*1000) / 1000
	// Avoid "-0.000" keys for values that round to zero from below.
	if r == 0 {
		return 0
	}
	return r
}

// Distance returns the great-circle distance between two coordinates in meters.
func Distance(a, b Coordinate) float64 {
	dLat := toRadians(b.Lat - a.Lat)
	dLng := toRadians(b.Lng - a.Lng)

	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(toRadians(a.Lat))*math.Cos(toRadians(b.Lat))*
			math.Sin(dLng/2)*math.Sin(dLng/2)

	return 2 * EarthRadiusMeters * math.Asin(math.Sqrt(h))
}

// DistanceOrInf returns the distance from origin to c, or +Inf when c is nil.
func DistanceOrInf(origin Coordinate, c *Coordinate) float64 {
	if c == nil {
		return math.Inf(1)
	}
	return Distance(origin, *c)
}

func toRadians(deg float64) float64 {
	return deg * math.Pi / 180
}
