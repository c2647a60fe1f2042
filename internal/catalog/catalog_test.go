package catalog

import (
	"context"
	"errors"
	"math"
	"net/http"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/paulmach/orb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/composite.report/internal/fsutil"
	"github.com/banshee-data/composite.report/internal/geo"
	"github.com/banshee-data/composite.report/internal/httputil"
	"github.com/banshee-data/composite.report/internal/raster"
	"github.com/banshee-data/composite.report/internal/security"
	"github.com/banshee-data/composite.report/internal/testutil"
)

func day(s string) time.Time {
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		panic(err)
	}
	return t
}

var insideAOI = orb.Bound{Min: orb.Point{-57, -7}, Max: orb.Point{-56, -6}}

func scene(id string, acquired string, props map[string]any) *Scene {
	return &Scene{
		ID:         id,
		Collection: S2SurfaceReflectance,
		Acquired:   day(acquired),
		Footprint:  insideAOI,
		Properties: props,
	}
}

func TestFilterBounds(t *testing.T) {
	far := scene("far", "2024-07-01", nil)
	far.Footprint = orb.Bound{Min: orb.Point{10, 10}, Max: orb.Point{11, 11}}
	edge := scene("edge", "2024-07-01", nil)
	edge.Footprint = orb.Bound{Min: orb.Point{-60, -9}, Max: orb.Point{-58.338611, -8}}
	c := &Collection{ID: S2SurfaceReflectance, Scenes: []*Scene{scene("in", "2024-07-01", nil), far, edge}}

	got := c.FilterBounds(geo.DefaultAOI)
	assert.Equal(t, []string{"in", "edge"}, got.IDs())
	assert.Equal(t, 3, c.Len(), "receiver must be unchanged")
}

func TestFilterDateHalfOpen(t *testing.T) {
	c := &Collection{Scenes: []*Scene{
		scene("before", "2024-05-31", nil),
		scene("start", "2024-06-01", nil),
		scene("mid", "2024-09-15", nil),
		scene("last", "2024-11-29", nil),
		scene("end", "2024-11-30", nil),
	}}
	got := c.FilterDate(day("2024-06-01"), day("2024-11-30"))
	assert.Equal(t, []string{"start", "mid", "last"}, got.IDs())
}

func TestFilterLt(t *testing.T) {
	c := &Collection{Scenes: []*Scene{
		scene("clear", "2024-07-01", map[string]any{PropertyCloudyPixelPercentage: 12.5}),
		scene("boundary", "2024-07-02", map[string]any{PropertyCloudyPixelPercentage: 60.0}),
		scene("cloudy", "2024-07-03", map[string]any{PropertyCloudyPixelPercentage: 85}),
		scene("missing", "2024-07-04", nil),
		scene("string", "2024-07-05", map[string]any{PropertyCloudyPixelPercentage: "7"}),
	}}
	got := c.FilterLt(PropertyCloudyPixelPercentage, 60)
	assert.Equal(t, []string{"clear", "string"}, got.IDs())
}

func TestMergeKeepsOrder(t *testing.T) {
	l8 := &Collection{ID: Landsat8L2, Scenes: []*Scene{scene("LC08_b", "2024-07-02", nil), scene("LC08_a", "2024-07-01", nil)}}
	l9 := &Collection{ID: Landsat9L2, Scenes: []*Scene{scene("LC09_a", "2024-06-30", nil)}}
	got := l8.Merge(l9)
	assert.Equal(t, []string{"LC08_b", "LC08_a", "LC09_a"}, got.IDs())
	assert.Equal(t, Landsat8L2+","+Landsat9L2, got.ID)
	assert.Equal(t, 0, (&Collection{}).Merge(&Collection{}).Len())
}

func TestSaveFirstInnerJoin(t *testing.T) {
	primary := &Collection{ID: S2SurfaceReflectance, Scenes: []*Scene{
		scene("A", "2024-07-01", nil),
		scene("B", "2024-07-02", nil),
		scene("C", "2024-07-03", nil),
	}}
	probA1 := &Scene{ID: "A", Collection: S2CloudProbability, Properties: map[string]any{"n": 1}}
	probA2 := &Scene{ID: "A", Collection: S2CloudProbability, Properties: map[string]any{"n": 2}}
	probC := &Scene{ID: "C", Collection: S2CloudProbability}
	probX := &Scene{ID: "X", Collection: S2CloudProbability}
	secondary := &Collection{ID: S2CloudProbability, Scenes: []*Scene{probA1, probX, probA2, probC}}

	got := primary.SaveFirst(secondary, "cloud_mask")
	require.Equal(t, []string{"A", "C"}, got.IDs(), "B has no probability scene and must be dropped")
	assert.Same(t, probA1, got.Scenes[0].Joined["cloud_mask"], "first match wins")
	assert.Same(t, probC, got.Scenes[1].Joined["cloud_mask"])
	assert.Nil(t, primary.Scenes[0].Joined, "primary scenes must not be modified")

	empty := primary.SaveFirst(&Collection{}, "cloud_mask")
	assert.Equal(t, 0, empty.Len())
}

const manifestJSON = `{
  "scenes": [
    {
      "id": "20240702T135709_20240702T135711_T21MVN",
      "collection": "COPERNICUS/S2_SR_HARMONIZED",
      "acquired": "2024-07-02T13:57:09Z",
      "bbox": [-57.1, -7.1, -56.1, -6.1],
      "grid": {"width": 2, "height": 1, "transform": {"origin_x": -57.1, "origin_y": -6.1, "pixel_width": 0.0001, "pixel_height": 0.0001}, "scale_meters": 10},
      "properties": {"CLOUDY_PIXEL_PERCENTAGE": 3.2},
      "assets": {"B8": "s2/B8.tif"}
    },
    {
      "id": "LC08_227065_20240610",
      "collection": "LANDSAT/LC08/C02/T1_L2",
      "acquired": "2024-06-10T13:40:00Z",
      "bbox": [-57.5, -7.5, -55.5, -5.5],
      "grid": {"width": 1, "height": 1, "transform": {"origin_x": -57.5, "origin_y": -5.5, "pixel_width": 0.0003, "pixel_height": 0.0003}, "scale_meters": 30},
      "assets": {"QA_PIXEL": "https://example.invalid/qa.tif"}
    }
  ]
}`

func TestParseManifest(t *testing.T) {
	scenes, err := ParseManifest([]byte(manifestJSON))
	require.NoError(t, err)
	require.Len(t, scenes, 2)

	// Sorted by acquisition.
	assert.Equal(t, "LC08_227065_20240610", scenes[0].ID)
	s2 := scenes[1]
	assert.Equal(t, orb.Bound{Min: orb.Point{-57.1, -7.1}, Max: orb.Point{-56.1, -6.1}}, s2.Footprint)
	v, ok := s2.Number(PropertyCloudyPixelPercentage)
	assert.True(t, ok)
	assert.Equal(t, 3.2, v)
	assert.Equal(t, 10.0, s2.Grid.ScaleMeters)

	back := FromScene(s2)
	if diff := cmp.Diff([]float64{-57.1, -7.1, -56.1, -6.1}, back.BBox); diff != "" {
		t.Errorf("FromScene bbox mismatch (-want +got):\n%s", diff)
	}

	bad := []string{
		`{`,
		`{"scenes":[{"collection":"x","bbox":[0,0,1,1]}]}`,
		`{"scenes":[{"id":"a","collection":"x","bbox":[1,0,0,1],"grid":{"width":1,"height":1,"transform":{"pixel_width":1,"pixel_height":1}}}]}`,
		`{"scenes":[{"id":"a","collection":"x","bbox":[0,0,1,1],"grid":{"width":0,"height":1}}]}`,
	}
	for _, in := range bad {
		_, err := ParseManifest([]byte(in))
		assert.Error(t, err, "input %s", in)
	}
}

func TestManifestSource(t *testing.T) {
	fs := fsutil.NewMemoryFileSystem()
	require.NoError(t, fs.WriteFile("catalog/manifest.json", []byte(manifestJSON), 0644))
	src := &ManifestSource{FS: fs, Path: "catalog/manifest.json"}

	c, err := src.Scenes(context.Background(), S2SurfaceReflectance)
	require.NoError(t, err)
	assert.Equal(t, S2SurfaceReflectance, c.ID)
	assert.Equal(t, []string{"20240702T135709_20240702T135711_T21MVN"}, c.IDs())

	c, err = src.Scenes(context.Background(), Landsat9L2)
	require.NoError(t, err)
	assert.Equal(t, 0, c.Len())

	_, err = (&ManifestSource{FS: fs, Path: "missing.json"}).Scenes(context.Background(), Landsat8L2)
	assert.Error(t, err)
}

func TestHTTPSource(t *testing.T) {
	client := httputil.NewMockHTTPClient()
	client.AddResponse(http.StatusOK, []byte(manifestJSON))
	client.AddResponse(http.StatusInternalServerError, nil)
	src := &HTTPSource{Client: client, URL: "https://example.invalid/manifest.json"}

	c, err := src.Scenes(context.Background(), Landsat8L2)
	require.NoError(t, err)
	assert.Equal(t, []string{"LC08_227065_20240610"}, c.IDs())

	_, err = src.Scenes(context.Background(), Landsat8L2)
	assert.Error(t, err)
	assert.Equal(t, 2, client.RequestCount())
}

func TestAssetLoader(t *testing.T) {
	fs := fsutil.NewMemoryFileSystem()
	g := testutil.SceneGrid(3, 1, 10)
	testutil.WriteBand(t, fs, "data/s/B4.tif", g, []float64{100, 0, 300})
	testutil.WriteBand(t, fs, "data/s/B8.tif", g, []float64{1, 2, 3})

	client := httputil.NewMockHTTPClient()
	s := &Scene{
		ID:         "s",
		Collection: S2SurfaceReflectance,
		Grid:       g,
		Properties: map[string]any{PropertyNoData: 0.0, "SPACECRAFT_NAME": "Sentinel-2A"},
		Assets:     map[string]string{"B4": "s/B4.tif", "B8": "s/B8.tif", "B2": "https://example.invalid/B2.tif"},
	}
	loader := &AssetLoader{FS: fs, Client: client, BaseDir: "data"}

	im, err := loader.Load(context.Background(), s, "B8", "B4")
	require.NoError(t, err)
	assert.Equal(t, []string{"B8", "B4"}, im.BandNames())
	assert.Equal(t, "s", im.ID())
	assert.Equal(t, "Sentinel-2A", im.Properties["SPACECRAFT_NAME"])
	b4, err := im.Band("B4")
	require.NoError(t, err)
	assert.Equal(t, 100.0, b4.Data[0])
	assert.True(t, math.IsNaN(b4.Data[1]), "nodata pixel should be masked")

	_, err = loader.Load(context.Background(), s, "B11")
	assert.True(t, errors.Is(err, raster.ErrBandNotFound), "got %v", err)

	client.AddResponse(http.StatusNotFound, nil)
	_, err = loader.Load(context.Background(), s, "B2")
	assert.Error(t, err)

	small := s.Clone()
	small.Grid = testutil.SceneGrid(2, 1, 10)
	_, err = loader.Load(context.Background(), small, "B4")
	assert.True(t, errors.Is(err, raster.ErrGridMismatch), "got %v", err)

	escaping := s.Clone()
	escaping.Assets["B4"] = "../secrets/B4.tif"
	_, err = loader.Load(context.Background(), escaping, "B4")
	assert.True(t, errors.Is(err, security.ErrPathEscape), "got %v", err)
}
