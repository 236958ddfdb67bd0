// Package geo has the small amount of spherical geometry the marker history
// needs.
package geo

import "math"

// EarthRadiusMeters is the mean Earth radius used for distances.
const EarthRadiusMeters = 6371008.8

// Point is a WGS84 coordinate in degrees.
type Point struct {
	Lat float64
	Lon float64
}

// Distance returns the great-circle distance between a and b in meters.
func Distance(a, b Point) float64 {
	lat1 := a.Lat * math.Pi / 180
	lat2 := b.Lat * math.Pi / 180
	dLat := lat2 - lat1
	dLon := (b.Lon - a.Lon) * math.Pi / 180

	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLon/2)*math.Sin(dLon/2)
	return 2 * EarthRadiusMeters * math.Asin(math.Min(1, math.Sqrt(h)))
}

// PathLength sums the distances between consecutive points.
func PathLength(pts []Point) float64 {
	var total float64
	for i := 1; i < len(pts); i++ {
		total += Distance(pts[i-1], pts[i])
	}
	return total
}

// Bounds is an axis-aligned bounding box. The zero value is empty.
type Bounds struct {
	Min, Max Point
	valid    bool
}

// Extend grows b to include p.
func (b *Bounds) Extend(p Point) {
	if !b.valid {
		b.Min, b.Max, b.valid = p, p, true
		return
	}
	b.Min.Lat = math.Min(b.Min.Lat, p.Lat)
	b.Min.Lon = math.Min(b.Min.Lon, p.Lon)
	b.Max.Lat = math.Max(b.Max.Lat, p.Lat)
	b.Max.Lon = math.Max(b.Max.Lon, p.Lon)
}

// Empty reports whether no point has been added.
func (b Bounds) Empty() bool { return !b.valid }

// Span returns the diagonal of b in meters, 0 when empty.
func (b Bounds) Span() float64 {
	if !b.valid {
		return 0
	}
	return Distance(b.Min, b.Max)
}

// Center returns the midpoint of b.
func (b Bounds) Center() Point {
	return Point{Lat: (b.Min.Lat + b.Max.Lat) / 2, Lon: (b.Min.Lon + b.Max.Lon) / 2}
}

// Valid reports whether p is a usable coordinate.
func Valid(p Point) bool {
	return !math.IsNaN(p.Lat) && !math.IsNaN(p.Lon) &&
		p.Lat >= -90 && p.Lat <= 90 && p.Lon >= -180 && p.Lon <= 180
}
