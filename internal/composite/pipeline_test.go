package composite

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/composite.report/internal/catalog"
	"github.com/banshee-data/composite.report/internal/cloudmask"
	"github.com/banshee-data/composite.report/internal/config"
	"github.com/banshee-data/composite.report/internal/fsutil"
	"github.com/banshee-data/composite.report/internal/geo"
	"github.com/banshee-data/composite.report/internal/monitoring"
	"github.com/banshee-data/composite.report/internal/raster"
	"github.com/banshee-data/composite.report/internal/testutil"
)

// fixture builds an in-memory catalog over a 50 m square in the north-west
// corner of the default AOI.
type fixture struct {
	t     *testing.T
	fs    *fsutil.MemoryFileSystem
	scene []catalog.ManifestScene
}

func newFixture(t *testing.T) *fixture {
	return &fixture{t: t, fs: fsutil.NewMemoryFileSystem()}
}

func testConfig() *config.CompositeConfig {
	cfg := config.DefaultCompositeConfig()
	w, n := geo.DefaultAOI.West(), geo.DefaultAOI.North()
	cfg.AOI = []float64{w, n - geo.DegreesForMeters(50), w + geo.DegreesForMeters(50), n}
	workers := 2
	cfg.LoadWorkers = &workers
	return cfg
}

func (f *fixture) add(id, collection, acquired string, g raster.Grid, props map[string]any, bands map[string][]float64) {
	f.t.Helper()
	at, err := time.Parse(time.RFC3339, acquired)
	require.NoError(f.t, err)
	assets := make(map[string]string, len(bands))
	for name, data := range bands {
		path := fmt.Sprintf("%s/%s.tif", id, name)
		testutil.WriteBand(f.t, f.fs, "data/"+path, g, data)
		assets[name] = path
	}
	b := g.Bound()
	f.scene = append(f.scene, catalog.ManifestScene{
		ID:         id,
		Collection: collection,
		Acquired:   at,
		BBox:       []float64{b.Min[0], b.Min[1], b.Max[0], b.Max[1]},
		Grid:       g,
		Properties: props,
		Assets:     assets,
	})
}

func (f *fixture) addS2(id, acquired string, cloudy float64, b2 float64, prob []float64) {
	g := testutil.SceneGrid(5, 5, 10)
	bands := map[string][]float64{}
	for _, name := range cloudmask.S2Bands {
		bands[name] = testutil.Fill(g.Len(), 3000)
	}
	bands["B2"] = testutil.Fill(g.Len(), b2)
	f.add(id, catalog.S2SurfaceReflectance, acquired, g, map[string]any{catalog.PropertyCloudyPixelPercentage: cloudy}, bands)
	if prob != nil {
		f.add(id, catalog.S2CloudProbability, acquired, g, nil, map[string][]float64{cloudmask.ProbabilityBand: prob})
	}
}

func (f *fixture) addLandsat(id, collection, acquired string, sr float64, qa []float64) {
	g := testutil.SceneGrid(2, 2, 30)
	bands := map[string][]float64{cloudmask.LandsatQABand: qa}
	for _, name := range cloudmask.LandsatSRBands {
		bands[name] = testutil.Fill(g.Len(), sr)
	}
	f.add(id, collection, acquired, g, nil, bands)
}

func (f *fixture) pipeline(cfg *config.CompositeConfig, opts ...Option) *Pipeline {
	f.t.Helper()
	p, err := f.newPipeline(cfg, opts...)
	require.NoError(f.t, err)
	return p
}

func (f *fixture) newPipeline(cfg *config.CompositeConfig, opts ...Option) (*Pipeline, error) {
	f.t.Helper()
	data, err := json.Marshal(catalog.Manifest{Scenes: f.scene})
	require.NoError(f.t, err)
	require.NoError(f.t, f.fs.WriteFile("manifest.json", data, 0644))
	return NewPipeline(cfg,
		&catalog.ManifestSource{FS: f.fs, Path: "manifest.json"},
		&catalog.AssetLoader{FS: f.fs, BaseDir: "data"},
		opts...)
}

func assemble(t *testing.T, c *Composite) *raster.Image {
	t.Helper()
	require.NotNil(t, c)
	img, err := c.Image.Assemble(context.Background())
	require.NoError(t, err)
	return img
}

func standardFixture(t *testing.T) *fixture {
	f := newFixture(t)
	clear := testutil.Fill(25, 0)
	corner := testutil.Fill(25, 0)
	corner[0] = 100

	f.addS2("A", "2024-07-01T13:57:00Z", 5, 500, clear)
	f.addS2("B", "2024-07-06T13:57:00Z", 80, 10000, clear) // too cloudy
	f.addS2("C", "2024-07-11T13:57:00Z", 5, 10000, nil)    // no probability scene
	f.addS2("D", "2024-08-01T13:57:00Z", 5, 900, clear)
	f.addS2("E", "2024-09-01T13:57:00Z", 5, 1500, corner)
	f.addS2("F", "2024-11-30T13:57:00Z", 5, 10000, clear) // outside the window

	f.addLandsat("LC08_1", catalog.Landsat8L2, "2024-07-02T13:40:00Z", 10000, []float64{21824, 21824, 21824, 21824})
	f.addLandsat("LC09_1", catalog.Landsat9L2, "2024-07-10T13:40:00Z", 20000, []float64{21824 | cloudmask.QACloud, 21824, 21824, 21824})
	f.addLandsat("LC09_late", catalog.Landsat9L2, "2025-01-10T13:40:00Z", 30000, []float64{21824, 21824, 21824, 21824})
	return f
}

func TestSentinelScenes(t *testing.T) {
	f := standardFixture(t)
	p := f.pipeline(testConfig())

	lines, restore := monitoring.Capture()
	defer restore()

	c, err := p.SentinelScenes(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"A", "D", "E"}, c.IDs())
	for _, s := range c.Scenes {
		require.NotNil(t, s.Joined[CloudMaskJoin], "scene %s", s.ID)
		assert.Equal(t, catalog.S2CloudProbability, s.Joined[CloudMaskJoin].Collection)
	}
	require.Len(t, *lines, 1)
	assert.Contains(t, (*lines)[0], "1 Sentinel-2 scenes have no cloud probability match")
}

func TestLandsatScenes(t *testing.T) {
	f := standardFixture(t)
	p := f.pipeline(testConfig())

	c, err := p.LandsatScenes(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"LC08_1", "LC09_1"}, c.IDs())
}

func TestComposites(t *testing.T) {
	f := standardFixture(t)
	p := f.pipeline(testConfig())

	_, restore := monitoring.Capture()
	defer restore()

	res := p.Composites(context.Background())
	require.NoError(t, res.Err())
	assert.Equal(t, 3, res.S2.Scenes)
	assert.Equal(t, 2, res.Landsat.Scenes)
	assert.Equal(t, SensorSentinel2, res.S2.Sensor)

	s2 := assemble(t, res.S2)
	assert.Equal(t, cloudmask.S2Bands, s2.BandNames())
	assert.Equal(t, 5, s2.Grid.Width)
	b2, err := s2.Band("B2")
	require.NoError(t, err)
	for i, v := range b2.Data {
		// Scene E is masked everywhere except the far corner of its
		// dilated cloud.
		want := 0.07
		if i == 24 {
			want = 0.09
		}
		assert.InDelta(t, want, v, 1e-12, "pixel %d", i)
	}

	ls := assemble(t, res.Landsat)
	assert.Equal(t, cloudmask.LandsatBands, ls.BandNames())
	assert.Equal(t, 2, ls.Grid.Width)
	lb4, err := ls.Band("B4")
	require.NoError(t, err)
	assert.InDelta(t, 0.075, lb4.Data[0], 1e-12)
	for _, v := range lb4.Data[1:] {
		assert.InDelta(t, (0.075+0.35)/2, v, 1e-12)
	}
	assert.Equal(t, SensorLandsat, res.Landsat.Image.Properties["sensor"])
	assert.Equal(t, 2, res.Landsat.Image.Properties["image_count"])
}

func TestCompositesBlockSizeInvariant(t *testing.T) {
	_, restore := monitoring.Capture()
	defer restore()

	run := func(blockSize int) (*raster.Image, *raster.Image, int) {
		f := standardFixture(t)
		cfg := testConfig()
		cfg.BlockSize = &blockSize
		res := f.pipeline(cfg).Composites(context.Background())
		require.NoError(t, res.Err())
		return assemble(t, res.S2), assemble(t, res.Landsat), len(res.S2.Image.Blocks)
	}

	wantS2, wantLandsat, n := run(1024)
	require.Equal(t, 1, n)
	for _, size := range []int{1, 2, 3} {
		t.Run(fmt.Sprintf("block %d", size), func(t *testing.T) {
			s2, ls, n := run(size)
			assert.Greater(t, n, 1)
			if diff := cmp.Diff(wantS2.Bands, s2.Bands, cmpopts.EquateNaNs()); diff != "" {
				t.Errorf("sentinel-2 mismatch (-single +blocked):\n%s", diff)
			}
			if diff := cmp.Diff(wantLandsat.Bands, ls.Bands, cmpopts.EquateNaNs()); diff != "" {
				t.Errorf("landsat mismatch (-single +blocked):\n%s", diff)
			}
		})
	}
}

func TestCompositesMasksBlocksWithoutScenes(t *testing.T) {
	_, restore := monitoring.Capture()
	defer restore()

	f := standardFixture(t)
	cfg := testConfig()
	// 100 m square: the scenes only cover its north-west quarter.
	cfg.AOI[1] = cfg.AOI[3] - geo.DegreesForMeters(100)
	cfg.AOI[2] = cfg.AOI[0] + geo.DegreesForMeters(100)
	size := 5
	cfg.BlockSize = &size

	res := f.pipeline(cfg).Composites(context.Background())
	require.NoError(t, res.Err())
	require.Len(t, res.S2.Image.Blocks, 4)

	s2 := assemble(t, res.S2)
	b2, err := s2.Band("B2")
	require.NoError(t, err)
	for row := 0; row < s2.Grid.Height; row++ {
		for col := 0; col < s2.Grid.Width; col++ {
			v := b2.Data[row*s2.Grid.Width+col]
			if row < 5 && col < 5 {
				assert.False(t, math.IsNaN(v), "pixel (%d,%d) should be kept", col, row)
			} else {
				assert.True(t, math.IsNaN(v), "pixel (%d,%d) should be masked", col, row)
			}
		}
	}
}

func TestCompositesSpill(t *testing.T) {
	_, restore := monitoring.Capture()
	defer restore()

	f := standardFixture(t)
	cfg := testConfig()
	size := 2
	cfg.BlockSize = &size
	want := f.pipeline(cfg).Composites(context.Background())
	require.NoError(t, want.Err())

	spill := fsutil.NewMemoryFileSystem()
	got := f.pipeline(cfg, WithSpill(spill, "blocks")).Composites(context.Background())
	require.NoError(t, got.Err())

	assert.True(t, spill.Exists("blocks/sentinel-2/0000000000-0000000000.json"))
	assert.True(t, spill.Exists("blocks/sentinel-2/0000000004-0000000004_B2.tif"))
	assert.True(t, spill.Exists("blocks/landsat/0000000000-0000000000_B7.tif"))

	for _, pair := range [][2]*Composite{{want.S2, got.S2}, {want.Landsat, got.Landsat}} {
		w, g := assemble(t, pair[0]), assemble(t, pair[1])
		for bi, band := range w.Bands {
			for i, v := range band.Data {
				gv := g.Bands[bi].Data[i]
				if math.IsNaN(v) {
					assert.True(t, math.IsNaN(gv), "%s pixel %d", band.Name, i)
					continue
				}
				assert.InDelta(t, v, gv, 1e-4, "%s pixel %d", band.Name, i)
			}
		}
	}
}

func TestMemoryBudget(t *testing.T) {
	_, restore := monitoring.Capture()
	defer restore()

	t.Run("full AOI held in memory", func(t *testing.T) {
		_, err := NewPipeline(config.DefaultCompositeConfig(), nil, nil)
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrMemoryBudget), "got %v", err)
		assert.Contains(t, err.Error(), SensorSentinel2)
	})

	t.Run("full AOI with spilled blocks", func(t *testing.T) {
		_, err := NewPipeline(config.DefaultCompositeConfig(), nil, nil,
			WithSpill(fsutil.NewMemoryFileSystem(), "blocks"))
		assert.NoError(t, err)
	})

	t.Run("block larger than budget", func(t *testing.T) {
		cfg := config.DefaultCompositeConfig()
		size, mb := 4096, 256
		cfg.BlockSize, cfg.MemoryBudgetMB = &size, &mb
		_, err := NewPipeline(cfg, nil, nil, WithSpill(fsutil.NewMemoryFileSystem(), "blocks"))
		assert.True(t, errors.Is(err, ErrMemoryBudget), "got %v", err)
	})

	t.Run("oversized scene fails only its sensor", func(t *testing.T) {
		f := standardFixture(t)
		g := testutil.SceneGrid(2000, 2000, 30)
		b := g.Bound()
		// Listed but never read: the budget is checked before loading.
		f.scene = append(f.scene, catalog.ManifestScene{
			ID:         "LC08_huge",
			Collection: catalog.Landsat8L2,
			Acquired:   time.Date(2024, 7, 20, 13, 40, 0, 0, time.UTC),
			BBox:       []float64{b.Min[0], b.Min[1], b.Max[0], b.Max[1]},
			Grid:       g,
			Assets:     map[string]string{},
		})
		cfg := testConfig()
		mb := 1
		cfg.MemoryBudgetMB = &mb

		res := f.pipeline(cfg).Composites(context.Background())
		require.NoError(t, res.S2Err)
		require.NotNil(t, res.S2)
		assert.Nil(t, res.Landsat)
		assert.True(t, errors.Is(res.LandsatErr, ErrMemoryBudget), "got %v", res.LandsatErr)
	})
}

func TestCompositesClipsToAOI(t *testing.T) {
	f := standardFixture(t)
	cfg := testConfig()
	// A 41 m wide AOI still yields a 5 pixel wide grid; the last column's
	// centre lies outside it.
	cfg.AOI[2] = cfg.AOI[0] + geo.DegreesForMeters(41)
	p := f.pipeline(cfg)

	_, restore := monitoring.Capture()
	defer restore()

	res := p.Composites(context.Background())
	require.NoError(t, res.Err())
	b2, _ := assemble(t, res.S2).Band("B2")
	for row := 0; row < 5; row++ {
		assert.True(t, math.IsNaN(b2.Data[row*5+4]), "row %d last column should be clipped", row)
		assert.False(t, math.IsNaN(b2.Data[row*5]), "row %d first column should be kept", row)
	}
}

func TestWindowCollections(t *testing.T) {
	f := standardFixture(t)
	p := f.pipeline(testConfig())

	window := testutil.SceneGrid(5, 5, 10).Window(1, 1, 2, 3)
	s2, err := p.SentinelSR(context.Background(), window)
	require.NoError(t, err)
	require.Equal(t, 3, s2.Len())
	for _, img := range s2.Images {
		assert.True(t, img.Grid.Equal(window))
		assert.Equal(t, cloudmask.S2Bands, img.BandNames())
	}

	ls, err := p.Landsat(context.Background(), window)
	require.NoError(t, err)
	assert.Equal(t, 2, ls.Len())
}

func TestCompositesSensorFailures(t *testing.T) {
	_, restore := monitoring.Capture()
	defer restore()

	t.Run("no landsat scenes keeps sentinel-2", func(t *testing.T) {
		f := newFixture(t)
		f.addS2("A", "2024-07-01T13:57:00Z", 5, 500, testutil.Fill(25, 0))
		res := f.pipeline(testConfig()).Composites(context.Background())

		require.NoError(t, res.S2Err)
		require.NotNil(t, res.S2)
		assert.Equal(t, 1, res.S2.Scenes)
		assert.Nil(t, res.Landsat)
		require.Error(t, res.LandsatErr)
		assert.True(t, errors.Is(res.LandsatErr, raster.ErrEmptyCollection), "got %v", res.LandsatErr)
		assert.Contains(t, res.LandsatErr.Error(), SensorLandsat)
		assert.True(t, errors.Is(res.Err(), raster.ErrEmptyCollection))
	})

	t.Run("no cloud probability match keeps landsat", func(t *testing.T) {
		f := newFixture(t)
		f.addS2("A", "2024-07-01T13:57:00Z", 5, 500, nil)
		f.addLandsat("LC08_1", catalog.Landsat8L2, "2024-07-02T13:40:00Z", 10000, []float64{21824, 21824, 21824, 21824})
		res := f.pipeline(testConfig()).Composites(context.Background())

		assert.Nil(t, res.S2)
		assert.True(t, errors.Is(res.S2Err, raster.ErrEmptyCollection), "got %v", res.S2Err)
		require.NoError(t, res.LandsatErr)
		lb4, err := assemble(t, res.Landsat).Band("B4")
		require.NoError(t, err)
		assert.InDelta(t, 0.075, lb4.Data[0], 1e-12)
	})

	t.Run("missing asset", func(t *testing.T) {
		f := standardFixture(t)
		f.scene[0].Assets["B11"] = "A/missing.tif"
		res := f.pipeline(testConfig()).Composites(context.Background())
		require.Error(t, res.S2Err)
		assert.Contains(t, res.S2Err.Error(), "scene A")
		assert.NoError(t, res.LandsatErr)
	})

	t.Run("invalid config", func(t *testing.T) {
		cfg := testConfig()
		bad := -1.0
		cfg.CloudProbabilityThreshold = &bad
		_, err := NewPipeline(cfg, nil, nil)
		assert.Error(t, err)
	})
}
