package geo

import (
	"math"
	"testing"

	"github.com/paulmach/orb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultAOI(t *testing.T) {
	a := DefaultAOI
	assert.Equal(t, -58.338611, a.West())
	assert.Equal(t, -8.546111, a.South())
	assert.Equal(t, -54.683611, a.East())
	assert.Equal(t, -4.495833, a.North())

	c := a.Center()
	assert.InDelta(t, -56.511111, c[0], 1e-6)
	assert.InDelta(t, -6.520972, c[1], 1e-6)
}

func TestNewAOIValidation(t *testing.T) {
	_, err := NewAOI(-54, -8, -58, -4)
	assert.Error(t, err)

	_, err = NewAOI(-58, -4, -54, -8)
	assert.Error(t, err)

	_, err = NewAOI(-181, -8, -54, -4)
	assert.Error(t, err)

	a, err := FromSlice([]float64{-58.338611, -8.546111, -54.683611, -4.495833})
	require.NoError(t, err)
	assert.Equal(t, DefaultAOI.Bound(), a.Bound())

	_, err = FromSlice([]float64{1, 2})
	assert.Error(t, err)
}

func TestContainsAndIntersects(t *testing.T) {
	a := DefaultAOI
	assert.True(t, a.Contains(-56, -6))
	assert.True(t, a.Contains(a.West(), a.South()), "edges are inside")
	assert.False(t, a.Contains(-60, -6))

	inside := orb.Bound{Min: orb.Point{-57, -7}, Max: orb.Point{-56, -6}}
	straddle := orb.Bound{Min: orb.Point{-59, -7}, Max: orb.Point{-58, -6}}
	outside := orb.Bound{Min: orb.Point{-70, -20}, Max: orb.Point{-69, -19}}

	assert.True(t, a.ContainsBound(inside))
	assert.False(t, a.ContainsBound(straddle))
	assert.True(t, a.Intersects(straddle))
	assert.False(t, a.Intersects(outside))
}

func TestCorners(t *testing.T) {
	corners := DefaultAOI.Corners()
	require.Len(t, corners, 4)
	assert.Equal(t, "SW", corners[0].Label)
	assert.Equal(t, DefaultAOI.North(), corners[2].Lat)
	assert.Equal(t, DefaultAOI.West(), corners[3].Lon)
}

func TestMercatorRoundTrip(t *testing.T) {
	p := orb.Point{-56.5, -6.5}
	m := ToMercator(p)
	assert.InDelta(t, -56.5*MetersPerDegree, m[0], 1e-3)
	back := ToWGS84(m)
	assert.InDelta(t, p[0], back[0], 1e-9)
	assert.InDelta(t, p[1], back[1], 1e-9)

	mb := DefaultAOI.MercatorBound()
	assert.Less(t, mb.Min[0], mb.Max[0])
	assert.Less(t, mb.Min[1], mb.Max[1])
}

func TestDegreeConversions(t *testing.T) {
	assert.InDelta(t, 2560/MetersPerDegree, DegreesForMeters(2560), 1e-15)
	assert.InDelta(t, 10.0, MetersForDegrees(DegreesForMeters(10)), 1e-9)
	assert.Equal(t, 3.0, Snap(2.9999999999999996, 1))
	assert.Equal(t, 2.5, Snap(2.5, 1))
	assert.False(t, math.IsNaN(Snap(0, 0.1)))
}
