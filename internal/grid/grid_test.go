package grid

import (
	"math"
	"testing"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/composite.report/internal/config"
	"github.com/banshee-data/composite.report/internal/geo"
)

func TestCoveringDefaultAOI(t *testing.T) {
	g, err := Covering(geo.DefaultAOI, OptionsFromConfig(config.DefaultCompositeConfig()))
	require.NoError(t, err)

	assert.Equal(t, 160, g.Cols)
	assert.Equal(t, 177, g.Rows)
	assert.Equal(t, 160*177, g.Len())

	edge := 2560 / geo.MetersPerDegree
	for _, c := range g.Cells[:10] {
		assert.InDelta(t, edge, c.Bound.Max[0]-c.Bound.Min[0], 1e-12)
		assert.InDelta(t, edge, c.Bound.Max[1]-c.Bound.Min[1], 1e-12)
		// Aligned to the origin.
		q := c.Bound.Min[0] / edge
		assert.InDelta(t, math.Round(q), q, 1e-9)
	}

	b := g.Bound()
	aoi := geo.DefaultAOI.Bound()
	assert.True(t, b.Contains(aoi.Min) && b.Contains(aoi.Max), "grid %v must cover the AOI %v", b, aoi)
	assert.Less(t, aoi.Min[0]-b.Min[0], edge)
	assert.Less(t, b.Max[1]-aoi.Max[1], edge)

	first, last := g.Cells[0], g.Cells[len(g.Cells)-1]
	assert.Equal(t, "r0_c0", first.ID)
	assert.Equal(t, "r176_c159", last.ID)
	assert.Less(t, first.Bound.Min[1], last.Bound.Min[1], "row 0 is the southernmost")
}

func TestCoveringExactMultiple(t *testing.T) {
	e := geo.DegreesForMeters(1000)
	aoi, err := geo.NewAOI(0, 0, 2*e, e)
	require.NoError(t, err)

	g, err := Covering(aoi, Options{CellMeters: 1000, Projection: config.ProjectionWGS84})
	require.NoError(t, err)
	assert.Equal(t, 2, g.Cols)
	assert.Equal(t, 1, g.Rows)
	assert.Equal(t, []string{"r0_c0", "r0_c1"}, []string{g.Cells[0].ID, g.Cells[1].ID})
}

func TestCoveringWithinOnly(t *testing.T) {
	e := geo.DegreesForMeters(1000)
	aoi, err := geo.NewAOI(0.5*e, 0, 2.5*e, e)
	require.NoError(t, err)

	all, err := Covering(aoi, Options{CellMeters: 1000})
	require.NoError(t, err)
	assert.Equal(t, 3, all.Len())

	inside, err := Covering(aoi, Options{CellMeters: 1000, WithinOnly: true})
	require.NoError(t, err)
	require.Equal(t, 1, inside.Len())
	assert.Equal(t, "r0_c1", inside.Cells[0].ID)
}

func TestCoveringMercatorChips(t *testing.T) {
	g, err := Covering(geo.DefaultAOI, Options{CellMeters: 1280, Projection: config.ProjectionMercator, WithinOnly: true})
	require.NoError(t, err)

	assert.InDelta(t, 319, g.Cols, 1)
	assert.InDelta(t, 356, g.Rows, 1)
	// Neither AOI edge falls on a cell boundary, so exactly the outer ring is
	// dropped.
	assert.Equal(t, (g.Cols-2)*(g.Rows-2), g.Len())

	aoi := geo.DefaultAOI
	for _, c := range g.Cells {
		if c.Bound.Min[0] < aoi.West()-1e-9 || c.Bound.Max[0] > aoi.East()+1e-9 ||
			c.Bound.Min[1] < aoi.South()-1e-9 || c.Bound.Max[1] > aoi.North()+1e-9 {
			t.Fatalf("cell %s %v outside AOI", c.ID, c.Bound)
		}
	}

	m := geo.ToMercator(g.Cells[0].Bound.Min)
	assert.InDelta(t, 1280, geo.ToMercator(g.Cells[0].Bound.Max)[0]-m[0], 1e-6)
	assert.InDelta(t, math.Round(m[0]/1280), m[0]/1280, 1e-6)
}

func TestCoveringErrors(t *testing.T) {
	_, err := Covering(geo.DefaultAOI, Options{CellMeters: 0})
	assert.Error(t, err)
	_, err = Covering(geo.DefaultAOI, Options{CellMeters: 2560, Projection: "EPSG:32721"})
	assert.Error(t, err)
}

func TestFeatureCollection(t *testing.T) {
	e := geo.DegreesForMeters(1000)
	aoi, err := geo.NewAOI(0, 0, 2*e, 2*e)
	require.NoError(t, err)
	g, err := Covering(aoi, Options{CellMeters: 1000})
	require.NoError(t, err)

	data, err := g.MarshalGeoJSON()
	require.NoError(t, err)
	fc, err := geojson.UnmarshalFeatureCollection(data)
	require.NoError(t, err)
	require.Len(t, fc.Features, 4)

	f := fc.Features[3]
	assert.Equal(t, "r1_c1", f.Properties.MustString("id"))
	assert.Equal(t, 1, f.Properties.MustInt("row"))
	assert.Equal(t, 1, f.Properties.MustInt("col"))
	poly, ok := f.Geometry.(orb.Polygon)
	require.True(t, ok)
	assert.InDelta(t, e, poly.Bound().Min[0], 1e-12)
	assert.InDelta(t, 2*e, poly.Bound().Max[1], 1e-12)
}

func TestEmptyGridBound(t *testing.T) {
	assert.Equal(t, orb.Bound{}, (&Grid{}).Bound())
}
