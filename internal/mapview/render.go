package mapview

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/color"
	"math"
	"path/filepath"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/components"
	"github.com/go-echarts/go-echarts/v2/opts"
	"github.com/paulmach/orb"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"

	"github.com/banshee-data/composite.report/internal/fsutil"
	"github.com/banshee-data/composite.report/internal/raster"
)

const echartsAssetsHost = "https://go-echarts.github.io/go-echarts-assets/assets/"

// MaxThumbnailSide caps the rendered raster size; larger images are
// subsampled by nearest neighbour.
const MaxThumbnailSide = 1024

var (
	aoiColor  = color.RGBA{R: 0x52, G: 0xa9, B: 0xff, A: 0xff}
	gridColor = color.RGBA{R: 0xff, G: 0xff, A: 0xff}
)

// Render writes one PNG per layer and index.html into dir and returns the
// written paths.
func (m *Map) Render(ctx context.Context, fs fsutil.FileSystem, dir string) ([]string, error) {
	if err := fs.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create map dir: %w", err)
	}
	var files []string
	for _, l := range m.Layers {
		p, err := m.plotLayer(ctx, l)
		if err != nil {
			return files, fmt.Errorf("layer %q: %w", l.Name, err)
		}
		path := filepath.Join(dir, FileName(l.Name))
		if err := savePlot(fs, p, path); err != nil {
			return files, fmt.Errorf("layer %q: %w", l.Name, err)
		}
		files = append(files, path)
	}

	index := filepath.Join(dir, "index.html")
	html, err := m.renderIndex(ctx)
	if err != nil {
		return files, err
	}
	if err := fs.WriteFile(index, html, 0644); err != nil {
		return files, fmt.Errorf("failed to write index: %w", err)
	}
	return append(files, index), nil
}

func savePlot(fs fsutil.FileSystem, p *plot.Plot, path string) error {
	wt, err := p.WriterTo(8*vg.Inch, 8*vg.Inch, "png")
	if err != nil {
		return err
	}
	f, err := fs.Create(path)
	if err != nil {
		return err
	}
	if _, err := wt.WriteTo(f); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func (m *Map) plotLayer(ctx context.Context, l Layer) (*plot.Plot, error) {
	p := plot.New()
	p.Title.Text = l.Name
	p.X.Label.Text = "Longitude"
	p.Y.Label.Text = "Latitude"

	switch {
	case l.Image != nil:
		img, err := Thumbnail(ctx, l.Image, l.Vis, MaxThumbnailSide)
		if err != nil {
			return nil, err
		}
		b := l.Image.Grid.Bound()
		p.Add(plotter.NewImage(img, b.Min[0], b.Min[1], b.Max[0], b.Max[1]))
	case l.Grid != nil:
		for _, c := range l.Grid.Cells {
			poly, err := outline(c.Bound.Min, c.Bound.Max, gridColor, 0.5)
			if err != nil {
				return nil, err
			}
			p.Add(poly)
		}
	case l.Vectors != nil:
		for _, f := range l.Vectors.Features {
			shapes, err := vectorShapes(f.Geometry, l.Style)
			if err != nil {
				return nil, err
			}
			p.Add(shapes...)
		}
	}

	if m.AOI != nil {
		poly, err := outline(m.AOI.Bound().Min, m.AOI.Bound().Max, aoiColor, 2)
		if err != nil {
			return nil, err
		}
		p.Add(poly)
	}
	return p, nil
}

func outline(lo, hi orb.Point, c color.Color, width float64) (*plotter.Polygon, error) {
	poly, err := plotter.NewPolygon(plotter.XYs{
		{X: lo[0], Y: lo[1]},
		{X: hi[0], Y: lo[1]},
		{X: hi[0], Y: hi[1]},
		{X: lo[0], Y: hi[1]},
	})
	if err != nil {
		return nil, err
	}
	poly.Color = nil
	poly.LineStyle.Color = c
	poly.LineStyle.Width = vg.Points(width)
	return poly, nil
}

func ringXYs(r orb.Ring) plotter.XYs {
	xys := make(plotter.XYs, len(r))
	for i, p := range r {
		xys[i] = plotter.XY{X: p[0], Y: p[1]}
	}
	return xys
}

// vectorShapes turns one feature geometry into unfilled plot outlines.
func vectorShapes(geom orb.Geometry, style Style) ([]plot.Plotter, error) {
	switch g := geom.(type) {
	case orb.Bound:
		return vectorShapes(g.ToPolygon(), style)
	case orb.Ring:
		return vectorShapes(orb.Polygon{g}, style)
	case orb.Polygon:
		rings := make([]plotter.XYer, len(g))
		for i, r := range g {
			rings[i] = ringXYs(r)
		}
		poly, err := plotter.NewPolygon(rings...)
		if err != nil {
			return nil, err
		}
		poly.Color = nil
		poly.LineStyle.Color = style.Color
		poly.LineStyle.Width = vg.Points(style.Width)
		return []plot.Plotter{poly}, nil
	case orb.MultiPolygon:
		var out []plot.Plotter
		for _, p := range g {
			s, err := vectorShapes(p, style)
			if err != nil {
				return nil, err
			}
			out = append(out, s...)
		}
		return out, nil
	case orb.LineString:
		line, err := plotter.NewLine(ringXYs(orb.Ring(g)))
		if err != nil {
			return nil, err
		}
		line.LineStyle.Color = style.Color
		line.LineStyle.Width = vg.Points(style.Width)
		return []plot.Plotter{line}, nil
	case orb.MultiLineString:
		var out []plot.Plotter
		for _, ls := range g {
			s, err := vectorShapes(ls, style)
			if err != nil {
				return nil, err
			}
			out = append(out, s...)
		}
		return out, nil
	}
	return nil, fmt.Errorf("unsupported geometry %T", geom)
}

// thumbnailGrid is the grid of a thumbnail taking every step-th pixel of g,
// starting with the north-west one.
func thumbnailGrid(g raster.Grid, step int) raster.Grid {
	t := g.Transform
	return raster.Grid{
		Width:  (g.Width + step - 1) / step,
		Height: (g.Height + step - 1) / step,
		Transform: raster.Transform{
			OriginX:     t.OriginX + t.PixelWidth/2 - float64(step)*t.PixelWidth/2,
			OriginY:     t.OriginY - t.PixelHeight/2 + float64(step)*t.PixelHeight/2,
			PixelWidth:  float64(step) * t.PixelWidth,
			PixelHeight: float64(step) * t.PixelHeight,
		},
		ScaleMeters: float64(step) * g.ScaleMeters,
	}
}

// Thumbnail stretches the Vis bands of img to an 8-bit image no larger than
// maxSide on either axis. Pixels masked in any displayed band are
// transparent. Only the subsampled pixels are read from the blocks.
func Thumbnail(ctx context.Context, img *raster.Tiled, vis Vis, maxSide int) (*image.NRGBA, error) {
	if err := vis.Validate(img); err != nil {
		return nil, err
	}
	step := 1
	if side := max(img.Grid.Width, img.Grid.Height); maxSide > 0 && side > maxSide {
		step = int(math.Ceil(float64(side) / float64(maxSide)))
	}
	g := thumbnailGrid(img.Grid, step)
	small, err := img.Window(ctx, g)
	if err != nil {
		return nil, err
	}
	bands := make([]raster.Band, len(vis.Bands))
	for i, name := range vis.Bands {
		bands[i], _ = small.Band(name)
	}
	w, h := g.Width, g.Height
	out := image.NewNRGBA(image.Rect(0, 0, w, h))

	stretch := func(v float64) uint8 {
		s := (v - vis.Min) / (vis.Max - vis.Min)
		return uint8(math.Round(255 * math.Max(0, math.Min(1, s))))
	}
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			i := y*w + x
			var px [3]uint8
			masked := false
			for bi, b := range bands {
				v := b.Data[i]
				if raster.IsMasked(v) {
					masked = true
					break
				}
				px[bi] = stretch(v)
			}
			if masked {
				continue
			}
			if len(bands) == 1 {
				px[1], px[2] = px[0], px[0]
			}
			out.SetNRGBA(x, y, color.NRGBA{R: px[0], G: px[1], B: px[2], A: 0xff})
		}
	}
	return out, nil
}

func (m *Map) renderIndex(ctx context.Context) ([]byte, error) {
	var names []string
	var valid []opts.BarData
	cells, features := 0, 0
	for _, l := range m.Layers {
		switch {
		case l.Grid != nil:
			cells += l.Grid.Len()
			continue
		case l.Vectors != nil:
			features += len(l.Vectors.Features)
			continue
		}
		stats, err := l.Image.Stats(ctx)
		if err != nil {
			return nil, fmt.Errorf("layer %q: %w", l.Name, err)
		}
		var fraction float64
		for _, s := range stats {
			if s.Name == l.Vis.Bands[0] {
				fraction = s.ValidFraction
			}
		}
		names = append(names, l.Name)
		valid = append(valid, opts.BarData{Value: math.Round(fraction*1000) / 10})
	}

	bar := charts.NewBar()
	bar.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: "Composite layers", Width: "100%", Height: "480px", AssetsHost: echartsAssetsHost}),
		charts.WithTitleOpts(opts.Title{Title: "Unmasked pixels (%)", Subtitle: fmt.Sprintf("zoom=%d centre=%.6f,%.6f grid cells=%d reference features=%d", m.Zoom, m.Center[1], m.Center[0], cells, features)}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
	)
	bar.SetXAxis(names).
		AddSeries("valid", valid,
			charts.WithLabelOpts(opts.Label{Show: opts.Bool(true), Position: "top"}),
		)

	page := components.NewPage()
	page.SetAssetsHost(echartsAssetsHost)
	page.AddCharts(bar)

	if m.AOI != nil {
		var pts []opts.ScatterData
		for _, c := range m.AOI.Corners() {
			pts = append(pts, opts.ScatterData{Name: c.Label, Value: []interface{}{c.Lon, c.Lat}})
		}
		scatter := charts.NewScatter()
		scatter.SetGlobalOptions(
			charts.WithInitializationOpts(opts.Initialization{Width: "100%", Height: "480px", AssetsHost: echartsAssetsHost}),
			charts.WithTitleOpts(opts.Title{Title: "AOI corners", Subtitle: m.AOI.String()}),
			charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
			charts.WithXAxisOpts(opts.XAxis{Name: "Longitude", Min: m.AOI.West() - 0.5, Max: m.AOI.East() + 0.5}),
			charts.WithYAxisOpts(opts.YAxis{Name: "Latitude", Min: m.AOI.South() - 0.5, Max: m.AOI.North() + 0.5}),
		)
		scatter.AddSeries("corners", pts,
			charts.WithLabelOpts(opts.Label{Show: opts.Bool(true), Formatter: "{b}"}),
		)
		page.AddCharts(scatter)
	}

	var buf bytes.Buffer
	if err := page.Render(&buf); err != nil {
		return nil, fmt.Errorf("render index: %w", err)
	}
	return buf.Bytes(), nil
}
