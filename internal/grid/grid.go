// Package grid partitions the area of interest into square chips.
//
// In EPSG:4326 the cell edge is cellMeters divided by the equatorial metres
// per degree and cells are aligned to 0°,0°, so a 2560 m grid has cells of
// about 0.023° on each side. In EPSG:3857 the edge is cellMeters in Mercator
// metres and cells are aligned to the Mercator origin. Either grid covers the
// AOI's bounding box; WithinOnly keeps only cells that lie fully inside it.
package grid

import (
	"encoding/json"
	"fmt"
	"math"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"

	"github.com/banshee-data/composite.report/internal/config"
	"github.com/banshee-data/composite.report/internal/geo"
)

// Options controls the covering.
type Options struct {
	CellMeters float64
	Projection string // config.ProjectionWGS84 or config.ProjectionMercator
	WithinOnly bool
}

// OptionsFromConfig reads the chip grid settings from cfg.
func OptionsFromConfig(cfg *config.CompositeConfig) Options {
	return Options{
		CellMeters: cfg.GetChipSizeMeters(),
		Projection: cfg.GetGridProjection(),
		WithinOnly: cfg.GetGridWithinAOI(),
	}
}

// Cell is one chip. Row 0 is the southernmost row and Col 0 the westernmost
// column of the covering.
type Cell struct {
	Row   int       `json:"row"`
	Col   int       `json:"col"`
	ID    string    `json:"id"`
	Bound orb.Bound `json:"-"`
}

// Grid is the set of chips covering an AOI.
type Grid struct {
	AOI     geo.AOI
	Options Options
	Rows    int
	Cols    int
	Cells   []Cell
}

// Covering builds the chip grid over aoi.
func Covering(aoi geo.AOI, opts Options) (*Grid, error) {
	if opts.CellMeters <= 0 {
		return nil, fmt.Errorf("cell size must be positive, got %f", opts.CellMeters)
	}
	var (
		bound orb.Bound
		edge  float64
		back  func(orb.Point) orb.Point
	)
	switch opts.Projection {
	case config.ProjectionWGS84, "":
		bound = aoi.Bound()
		edge = geo.DegreesForMeters(opts.CellMeters)
		back = func(p orb.Point) orb.Point { return p }
	case config.ProjectionMercator:
		bound = aoi.MercatorBound()
		edge = opts.CellMeters
		back = geo.ToWGS84
	default:
		return nil, fmt.Errorf("unsupported grid projection %q", opts.Projection)
	}

	c0 := int(math.Floor(geo.Snap(bound.Min[0]/edge, 1)))
	c1 := int(math.Ceil(geo.Snap(bound.Max[0]/edge, 1)))
	r0 := int(math.Floor(geo.Snap(bound.Min[1]/edge, 1)))
	r1 := int(math.Ceil(geo.Snap(bound.Max[1]/edge, 1)))

	g := &Grid{AOI: aoi, Options: opts, Rows: r1 - r0, Cols: c1 - c0}
	for r := r0; r < r1; r++ {
		for c := c0; c < c1; c++ {
			cell := orb.Bound{
				Min: orb.Point{float64(c) * edge, float64(r) * edge},
				Max: orb.Point{float64(c+1) * edge, float64(r+1) * edge},
			}
			if opts.WithinOnly && !within(cell, bound) {
				continue
			}
			row, col := r-r0, c-c0
			g.Cells = append(g.Cells, Cell{
				Row:   row,
				Col:   col,
				ID:    fmt.Sprintf("r%d_c%d", row, col),
				Bound: orb.Bound{Min: back(cell.Min), Max: back(cell.Max)},
			})
		}
	}
	return g, nil
}

// within reports whether inner lies inside outer, allowing for rounding at
// shared edges.
func within(inner, outer orb.Bound) bool {
	const eps = 1e-9
	return inner.Min[0] >= outer.Min[0]-eps && inner.Min[1] >= outer.Min[1]-eps &&
		inner.Max[0] <= outer.Max[0]+eps && inner.Max[1] <= outer.Max[1]+eps
}

// Len returns the number of cells.
func (g *Grid) Len() int { return len(g.Cells) }

// Bound returns the extent of all cells.
func (g *Grid) Bound() orb.Bound {
	if len(g.Cells) == 0 {
		return orb.Bound{}
	}
	b := g.Cells[0].Bound
	for _, c := range g.Cells[1:] {
		b = b.Union(c.Bound)
	}
	return b
}

// FeatureCollection returns the cells as GeoJSON polygons with id, row and
// col properties.
func (g *Grid) FeatureCollection() *geojson.FeatureCollection {
	fc := geojson.NewFeatureCollection()
	for _, c := range g.Cells {
		f := geojson.NewFeature(c.Bound.ToPolygon())
		f.ID = c.ID
		f.Properties["id"] = c.ID
		f.Properties["row"] = c.Row
		f.Properties["col"] = c.Col
		fc.Append(f)
	}
	return fc
}

// MarshalGeoJSON encodes the grid as a GeoJSON FeatureCollection.
func (g *Grid) MarshalGeoJSON() ([]byte, error) {
	return json.Marshal(g.FeatureCollection())
}
