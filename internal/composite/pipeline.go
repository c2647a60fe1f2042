// Package composite builds the masked, median-reduced Sentinel-2 and Landsat
// composites over the area of interest.
//
// Composites are reduced one block of the working grid at a time: for each
// block the overlapping scenes are loaded, masked on their own grid,
// resampled onto the block and reduced. Finished blocks go to a
// raster.TileStore, so peak memory follows the block size and the number of
// overlapping scenes rather than the size of the AOI.
package composite

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/banshee-data/composite.report/internal/catalog"
	"github.com/banshee-data/composite.report/internal/cloudmask"
	"github.com/banshee-data/composite.report/internal/config"
	"github.com/banshee-data/composite.report/internal/fsutil"
	"github.com/banshee-data/composite.report/internal/geo"
	"github.com/banshee-data/composite.report/internal/monitoring"
	"github.com/banshee-data/composite.report/internal/raster"
)

// CloudMaskJoin is the name the probability scene is joined under.
const CloudMaskJoin = "cloud_mask"

// Sensor names, also used as property values and spill sub-directories.
const (
	SensorSentinel2 = "sentinel-2"
	SensorLandsat   = "landsat"
)

// ErrMemoryBudget is returned when a reduction would not fit in
// memory_budget_mb.
var ErrMemoryBudget = errors.New("composite exceeds memory budget")

// sceneCopies approximates how many copies of a scene's decoded bands are
// alive while it is masked: the bands, the mask layers and the masked copy.
const sceneCopies = 3

// Pipeline evaluates the filter, mask and median stages for one run.
type Pipeline struct {
	cfg    *config.CompositeConfig
	source catalog.Source
	loader catalog.Loader
	aoi    geo.AOI
	start  time.Time
	end    time.Time
	s2     cloudmask.S2Params

	// tileStores returns where a sensor's finished blocks are kept. Nil
	// keeps them in memory.
	tileStores func(sensor string) raster.TileStore
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithTileStores keeps each sensor's finished blocks in the store fn
// returns. Those blocks are not counted against the memory budget.
func WithTileStores(fn func(sensor string) raster.TileStore) Option {
	return func(p *Pipeline) { p.tileStores = fn }
}

// WithSpill writes finished blocks as TIFF tiles under dir/<sensor> on fs.
func WithSpill(fs fsutil.FileSystem, dir string) Option {
	return WithTileStores(func(sensor string) raster.TileStore {
		return raster.NewFileTileStore(fs, filepath.Join(dir, sensor))
	})
}

// NewPipeline validates cfg and prepares a pipeline reading scenes from
// source and pixels through loader. It fails with ErrMemoryBudget when a
// single block of either sensor, plus any output kept in memory, cannot fit
// the configured budget.
func NewPipeline(cfg *config.CompositeConfig, source catalog.Source, loader catalog.Loader, opts ...Option) (*Pipeline, error) {
	if cfg == nil {
		cfg = config.DefaultCompositeConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid composite config: %w", err)
	}
	aoi, err := geo.FromSlice(cfg.GetAOI())
	if err != nil {
		return nil, err
	}
	start, end := cfg.GetDateRange()
	p := &Pipeline{
		cfg:    cfg,
		source: source,
		loader: loader,
		aoi:    aoi,
		start:  start,
		end:    end,
		s2:     cloudmask.S2ParamsFromConfig(cfg),
	}
	for _, opt := range opts {
		opt(p)
	}
	for _, s := range []sensor{p.sentinel(), p.landsat()} {
		target, err := p.workingGrid(s.scale)
		if err != nil {
			return nil, err
		}
		if err := p.checkMemory(s, target, 1, 0); err != nil {
			return nil, fmt.Errorf("%s: %w", s.name, err)
		}
	}
	return p, nil
}

// AOI returns the region the pipeline composites over.
func (p *Pipeline) AOI() geo.AOI { return p.aoi }

// Config returns the run configuration.
func (p *Pipeline) Config() *config.CompositeConfig { return p.cfg }

func (p *Pipeline) filtered(ctx context.Context, collectionID string) (*catalog.Collection, error) {
	c, err := p.source.Scenes(ctx, collectionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", collectionID, err)
	}
	return c.FilterBounds(p.aoi).FilterDate(p.start, p.end), nil
}

// SentinelScenes returns the Sentinel-2 surface reflectance scenes that pass
// the bounds, date and cloudy-percentage filters and have a cloud
// probability scene joined under CloudMaskJoin.
func (p *Pipeline) SentinelScenes(ctx context.Context) (*catalog.Collection, error) {
	sr, err := p.filtered(ctx, catalog.S2SurfaceReflectance)
	if err != nil {
		return nil, err
	}
	sr = sr.FilterLt(catalog.PropertyCloudyPixelPercentage, p.cfg.GetMaxCloudyPixelPercentage())
	prob, err := p.filtered(ctx, catalog.S2CloudProbability)
	if err != nil {
		return nil, err
	}
	joined := sr.SaveFirst(prob, CloudMaskJoin)
	if dropped := sr.Len() - joined.Len(); dropped > 0 {
		monitoring.Logf("composite: %d Sentinel-2 scenes have no cloud probability match", dropped)
	}
	return joined, nil
}

// LandsatScenes returns the Landsat 8 and 9 scenes that pass the bounds and
// date filters, Landsat 8 first.
func (p *Pipeline) LandsatScenes(ctx context.Context) (*catalog.Collection, error) {
	l8, err := p.filtered(ctx, catalog.Landsat8L2)
	if err != nil {
		return nil, err
	}
	l9, err := p.filtered(ctx, catalog.Landsat9L2)
	if err != nil {
		return nil, err
	}
	return l8.Merge(l9), nil
}

// sensor is one scene family: how it is listed, loaded and masked, and the
// scale and bands of its composite.
type sensor struct {
	name      string
	scale     float64
	bands     []string
	loadBands int
	scenes    func(context.Context) (*catalog.Collection, error)
	mask      func(context.Context, *catalog.Scene) (*raster.Image, error)
}

func (p *Pipeline) sentinel() sensor {
	return sensor{
		name:      SensorSentinel2,
		scale:     p.cfg.GetS2ExportScale(),
		bands:     cloudmask.S2Bands,
		loadBands: len(cloudmask.S2Bands) + 1,
		scenes:    p.SentinelScenes,
		mask: func(ctx context.Context, s *catalog.Scene) (*raster.Image, error) {
			img, err := p.loader.Load(ctx, s, cloudmask.S2Bands...)
			if err != nil {
				return nil, err
			}
			prob, err := p.loader.Load(ctx, s.Joined[CloudMaskJoin], cloudmask.ProbabilityBand)
			if err != nil {
				return nil, err
			}
			return cloudmask.MaskS2(img, prob, p.s2)
		},
	}
}

func (p *Pipeline) landsat() sensor {
	bands := append(append([]string{}, cloudmask.LandsatSRBands...), cloudmask.LandsatQABand)
	return sensor{
		name:      SensorLandsat,
		scale:     p.cfg.GetLandsatExportScale(),
		bands:     cloudmask.LandsatBands,
		loadBands: len(bands),
		scenes:    p.LandsatScenes,
		mask: func(ctx context.Context, s *catalog.Scene) (*raster.Image, error) {
			img, err := p.loader.Load(ctx, s, bands...)
			if err != nil {
				return nil, err
			}
			return cloudmask.MaskLandsat(img)
		},
	}
}

// workingGrid is the AOI grid at a sensor's export scale.
func (p *Pipeline) workingGrid(scaleMeters float64) (raster.Grid, error) {
	return raster.NewGridForRegion(p.aoi, scaleMeters)
}

// SentinelSR loads and masks the Sentinel-2 scenes overlapping window and
// resamples them onto it.
func (p *Pipeline) SentinelSR(ctx context.Context, window raster.Grid) (*raster.Collection, error) {
	return p.windowCollection(ctx, p.sentinel(), window)
}

// Landsat loads and masks the Landsat scenes overlapping window and
// resamples them onto it.
func (p *Pipeline) Landsat(ctx context.Context, window raster.Grid) (*raster.Collection, error) {
	return p.windowCollection(ctx, p.landsat(), window)
}

func (p *Pipeline) windowCollection(ctx context.Context, s sensor, window raster.Grid) (*raster.Collection, error) {
	scenes, err := s.scenes(ctx)
	if err != nil {
		return nil, err
	}
	return p.masked(ctx, s, window, overlapping(scenes.Scenes, window))
}

func overlapping(scenes []*catalog.Scene, window raster.Grid) []*catalog.Scene {
	bound := window.Bound()
	var out []*catalog.Scene
	for _, s := range scenes {
		if s.Footprint.Intersects(bound) {
			out = append(out, s)
		}
	}
	return out
}

// masked masks scenes with at most LoadWorkers in flight and resamples each
// onto window, keeping the scene order.
func (p *Pipeline) masked(ctx context.Context, s sensor, window raster.Grid, scenes []*catalog.Scene) (*raster.Collection, error) {
	images := make([]*raster.Image, len(scenes))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(p.cfg.GetLoadWorkers())
	for i, sc := range scenes {
		g.Go(func() error {
			img, err := s.mask(ctx, sc)
			if err != nil {
				return fmt.Errorf("scene %s: %w", sc.ID, err)
			}
			images[i] = img.Resample(window)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return raster.NewCollection(images...), nil
}

// checkMemory estimates the peak pixel memory of a reduction whose busiest
// block overlaps stack scenes of at most sceneBytes each.
func (p *Pipeline) checkMemory(s sensor, target raster.Grid, stack int, sceneBytes float64) error {
	bs := p.cfg.GetBlockSize()
	blockPixels := min(bs, target.Width) * min(bs, target.Height)
	need := raster.Bytes(blockPixels, len(s.bands)) * float64(stack+1)
	need += sceneBytes * float64(min(p.cfg.GetLoadWorkers(), max(stack, 1)))
	if p.tileStores == nil {
		need += raster.Bytes(target.Len(), len(s.bands))
	}
	if budget := p.cfg.GetMemoryBudgetBytes(); need > budget {
		return fmt.Errorf("%dx%d working grid in %d px blocks over %d scenes needs %s, budget is %s: %w",
			target.Width, target.Height, bs, stack, raster.FormatBytes(need), raster.FormatBytes(budget), ErrMemoryBudget)
	}
	return nil
}

func (p *Pipeline) tileStore(sensor string) raster.TileStore {
	if p.tileStores == nil {
		return nil
	}
	return p.tileStores(sensor)
}

// Composite is one sensor's median composite, clipped to the AOI.
type Composite struct {
	Sensor string
	Image  *raster.Tiled
	Scenes int
}

// reduce builds the composite of one sensor block by block.
func (p *Pipeline) reduce(ctx context.Context, s sensor) (*Composite, error) {
	scenes, err := s.scenes(ctx)
	if err != nil {
		return nil, err
	}
	if scenes.Len() == 0 {
		return nil, fmt.Errorf("median: %w", raster.ErrEmptyCollection)
	}
	target, err := p.workingGrid(s.scale)
	if err != nil {
		return nil, err
	}
	out := raster.NewTiled(target, s.bands, p.cfg.GetBlockSize(), p.tileStore(s.name))

	perBlock := make([][]*catalog.Scene, len(out.Blocks))
	stack := 0
	for i, b := range out.Blocks {
		perBlock[i] = overlapping(scenes.Scenes, b.Grid)
		stack = max(stack, len(perBlock[i]))
	}
	var sceneBytes float64
	for _, sc := range scenes.Scenes {
		sceneBytes = max(sceneBytes, raster.Bytes(sc.Grid.Len(), s.loadBands)*sceneCopies)
	}
	if err := p.checkMemory(s, target, stack, sceneBytes); err != nil {
		return nil, err
	}

	monitoring.Logf("composite: %s median over %d scenes in %d blocks", s.name, scenes.Len(), len(out.Blocks))
	for i, b := range out.Blocks {
		tile, err := p.reduceBlock(ctx, s, b, perBlock[i])
		if err != nil {
			return nil, fmt.Errorf("block %s: %w", b.Key(), err)
		}
		if err := out.Put(b, tile); err != nil {
			return nil, err
		}
	}
	out.Properties[raster.PropertyIndex] = "median"
	out.Properties["sensor"] = s.name
	out.Properties["image_count"] = scenes.Len()
	return &Composite{Sensor: s.name, Image: out, Scenes: scenes.Len()}, nil
}

func (p *Pipeline) reduceBlock(ctx context.Context, s sensor, b raster.Block, scenes []*catalog.Scene) (*raster.Image, error) {
	if len(scenes) == 0 {
		return raster.MaskedImage(b.Grid, s.bands, nil), nil
	}
	c, err := p.masked(ctx, s, b.Grid, scenes)
	if err != nil {
		return nil, err
	}
	med, err := c.Median(ctx)
	if err != nil {
		return nil, fmt.Errorf("median: %w", err)
	}
	return med.Clip(p.aoi), nil
}

// Result holds the outcome of each sensor. A failed sensor has a nil
// composite and a non-nil error; it never affects the other sensor.
type Result struct {
	S2         *Composite
	Landsat    *Composite
	S2Err      error
	LandsatErr error
}

// Err joins the sensor errors. It is nil when both composites were built.
func (r *Result) Err() error {
	return errors.Join(r.S2Err, r.LandsatErr)
}

// Composites builds both median composites concurrently. Each sensor
// succeeds or fails on its own.
func (p *Pipeline) Composites(ctx context.Context) *Result {
	var res Result
	var wg sync.WaitGroup
	run := func(s sensor, out **Composite, outErr *error) {
		defer wg.Done()
		c, err := p.reduce(ctx, s)
		if err != nil {
			*outErr = fmt.Errorf("%s: %w", s.name, err)
			monitoring.Logf("composite: %v", *outErr)
			return
		}
		*out = c
	}
	wg.Add(2)
	go run(p.sentinel(), &res.S2, &res.S2Err)
	go run(p.landsat(), &res.Landsat, &res.LandsatErr)
	wg.Wait()
	return &res
}
