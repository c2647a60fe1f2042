// Package geo defines the area of interest and the coordinate helpers shared
// by compositing, export and the chip grid.
package geo

import (
	"fmt"
	"math"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/project"
)

// MetersPerDegree is the length of one degree of longitude at the equator on
// the WGS84 ellipsoid. A metre scale in EPSG:4326 is turned into a degree
// pixel size by dividing by this value.
const MetersPerDegree = 111319.49079327357

// AOI is an immutable axis-aligned lon/lat rectangle with planar edges.
type AOI struct {
	bound orb.Bound
}

// DefaultAOI is the rectangle between 4°29'45"S 58°20'19"W and
// 8°32'46"S 54°41'01"W.
var DefaultAOI = AOI{bound: orb.Bound{
	Min: orb.Point{-58.338611, -8.546111},
	Max: orb.Point{-54.683611, -4.495833},
}}

// NewAOI builds an AOI from its corners.
func NewAOI(lonMin, latMin, lonMax, latMax float64) (AOI, error) {
	if lonMin >= lonMax || latMin >= latMax {
		return AOI{}, fmt.Errorf("aoi minimums must be below maximums: [%f, %f, %f, %f]", lonMin, latMin, lonMax, latMax)
	}
	if lonMin < -180 || lonMax > 180 || latMin < -90 || latMax > 90 {
		return AOI{}, fmt.Errorf("aoi outside WGS84 range: [%f, %f, %f, %f]", lonMin, latMin, lonMax, latMax)
	}
	return AOI{bound: orb.Bound{Min: orb.Point{lonMin, latMin}, Max: orb.Point{lonMax, latMax}}}, nil
}

// FromSlice builds an AOI from lon_min, lat_min, lon_max, lat_max.
func FromSlice(v []float64) (AOI, error) {
	if len(v) != 4 {
		return AOI{}, fmt.Errorf("aoi needs 4 values, got %d", len(v))
	}
	return NewAOI(v[0], v[1], v[2], v[3])
}

// Bound returns the AOI as an orb.Bound.
func (a AOI) Bound() orb.Bound { return a.bound }

// West returns the minimum longitude.
func (a AOI) West() float64 { return a.bound.Min[0] }

// South returns the minimum latitude.
func (a AOI) South() float64 { return a.bound.Min[1] }

// East returns the maximum longitude.
func (a AOI) East() float64 { return a.bound.Max[0] }

// North returns the maximum latitude.
func (a AOI) North() float64 { return a.bound.Max[1] }

// Contains reports whether lon/lat lies inside the AOI, edges included.
func (a AOI) Contains(lon, lat float64) bool {
	return a.bound.Contains(orb.Point{lon, lat})
}

// ContainsBound reports whether b lies entirely inside the AOI.
func (a AOI) ContainsBound(b orb.Bound) bool {
	return a.bound.Contains(b.Min) && a.bound.Contains(b.Max)
}

// Intersects reports whether b overlaps the AOI.
func (a AOI) Intersects(b orb.Bound) bool {
	return a.bound.Intersects(b)
}

// Center returns the AOI centre as lon/lat.
func (a AOI) Center() orb.Point {
	return a.bound.Center()
}

// Polygon returns the AOI outline.
func (a AOI) Polygon() orb.Polygon {
	return a.bound.ToPolygon()
}

// Corner is a labelled AOI vertex.
type Corner struct {
	Label string
	Lon   float64
	Lat   float64
}

// Corners returns the SW, SE, NE and NW vertices in that order.
func (a AOI) Corners() []Corner {
	return []Corner{
		{Label: "SW", Lon: a.West(), Lat: a.South()},
		{Label: "SE", Lon: a.East(), Lat: a.South()},
		{Label: "NE", Lon: a.East(), Lat: a.North()},
		{Label: "NW", Lon: a.West(), Lat: a.North()},
	}
}

// MercatorBound returns the AOI in EPSG:3857 metres.
func (a AOI) MercatorBound() orb.Bound {
	return orb.Bound{Min: ToMercator(a.bound.Min), Max: ToMercator(a.bound.Max)}
}

// String formats the AOI as [lon_min, lat_min, lon_max, lat_max].
func (a AOI) String() string {
	return fmt.Sprintf("[%.6f, %.6f, %.6f, %.6f]", a.West(), a.South(), a.East(), a.North())
}

// ToMercator projects a lon/lat point to EPSG:3857.
func ToMercator(p orb.Point) orb.Point {
	return project.Point(p, project.WGS84.ToMercator)
}

// ToWGS84 projects an EPSG:3857 point back to lon/lat.
func ToWGS84(p orb.Point) orb.Point {
	return project.Point(p, project.Mercator.ToWGS84)
}

// DegreesForMeters converts a metre length to the equatorial degree length
// used for EPSG:4326 pixel and cell sizes.
func DegreesForMeters(m float64) float64 {
	return m / MetersPerDegree
}

// MetersForDegrees is the inverse of DegreesForMeters.
func MetersForDegrees(d float64) float64 {
	return d * MetersPerDegree
}

// Snap rounds v to the nearest multiple of step when it is within a few ulps,
// so that floating point noise does not add an extra grid row or column.
func Snap(v, step float64) float64 {
	q := v / step
	r := math.Round(q)
	if math.Abs(q-r) < 1e-9 {
		return r * step
	}
	return v
}
