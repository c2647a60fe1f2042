// Package mapview registers display layers for the composites and the chip
// grid and renders them to PNG files with an HTML index.
package mapview

import (
	"fmt"
	"image/color"
	"strings"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"

	"github.com/banshee-data/composite.report/internal/fsutil"
	"github.com/banshee-data/composite.report/internal/geo"
	"github.com/banshee-data/composite.report/internal/grid"
	"github.com/banshee-data/composite.report/internal/raster"
)

// Vis is a display stretch: one band rendered as grey or three as RGB,
// mapped linearly from [Min, Max] to [0, 255].
type Vis struct {
	Bands []string
	Min   float64
	Max   float64
}

// Validate checks the stretch against img.
func (v Vis) Validate(img *raster.Tiled) error {
	if len(v.Bands) != 1 && len(v.Bands) != 3 {
		return fmt.Errorf("vis needs 1 or 3 bands, got %d", len(v.Bands))
	}
	if !(v.Min < v.Max) {
		return fmt.Errorf("vis min %g must be below max %g", v.Min, v.Max)
	}
	for _, b := range v.Bands {
		if !img.HasBand(b) {
			return fmt.Errorf("%w: %s", raster.ErrBandNotFound, b)
		}
	}
	return nil
}

// Style is the outline of a vector layer. Polygons are never filled.
type Style struct {
	Color color.Color
	Width float64 // points
}

// Layer is one registered display layer. Exactly one of Image, Grid and
// Vectors is set.
type Layer struct {
	Name    string
	Image   *raster.Tiled
	Vis     Vis
	Grid    *grid.Grid
	Vectors *geojson.FeatureCollection
	Style   Style
}

// Map is the ordered set of layers plus the view centre.
type Map struct {
	Center orb.Point
	Zoom   int
	AOI    *geo.AOI
	Layers []Layer
}

// New returns an empty map.
func New() *Map {
	return &Map{}
}

// CenterObject centres the view on the AOI at zoom.
func (m *Map) CenterObject(aoi geo.AOI, zoom int) {
	m.Center = aoi.Center()
	m.Zoom = zoom
	m.AOI = &aoi
}

// AddLayer registers an image layer.
func (m *Map) AddLayer(img *raster.Tiled, vis Vis, name string) error {
	if img == nil {
		return fmt.Errorf("layer %q has no image", name)
	}
	if err := vis.Validate(img); err != nil {
		return fmt.Errorf("layer %q: %w", name, err)
	}
	m.Layers = append(m.Layers, Layer{Name: name, Image: img, Vis: vis})
	return nil
}

// AddGridLayer registers a chip grid overlay.
func (m *Map) AddGridLayer(g *grid.Grid, name string) error {
	if g == nil {
		return fmt.Errorf("layer %q has no grid", name)
	}
	m.Layers = append(m.Layers, Layer{Name: name, Grid: g})
	return nil
}

// AddVectorLayer registers an outline overlay of the polygons and lines in
// fc. Every feature must carry one of those geometries.
func (m *Map) AddVectorLayer(fc *geojson.FeatureCollection, style Style, name string) error {
	if fc == nil {
		return fmt.Errorf("layer %q has no features", name)
	}
	if style.Color == nil || style.Width <= 0 {
		return fmt.Errorf("layer %q needs a colour and a positive width", name)
	}
	for i, f := range fc.Features {
		switch f.Geometry.(type) {
		case orb.Polygon, orb.MultiPolygon, orb.Ring, orb.Bound, orb.LineString, orb.MultiLineString:
		default:
			return fmt.Errorf("layer %q feature %d: unsupported geometry %T", name, i, f.Geometry)
		}
	}
	m.Layers = append(m.Layers, Layer{Name: name, Vectors: fc, Style: style})
	return nil
}

// ReadVectors loads a GeoJSON feature collection. Shapefiles are converted
// to GeoJSON beforehand (ogr2ogr -f GeoJSON).
func ReadVectors(fs fsutil.FileSystem, path string) (*geojson.FeatureCollection, error) {
	data, err := fs.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	fc, err := geojson.UnmarshalFeatureCollection(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	return fc, nil
}

// Layer names registered by AddDefaultLayers and the command line run.
const (
	LayerS2RGB      = "S2 median RGB"
	LayerS2SWIR     = "S2 SWIR comp"
	LayerLandsatRGB = "Landsat median RGB"
	LayerGrid       = "grid chips"
	LayerReference  = "mining reference"
)

// ReferenceStyle outlines reference polygons in red.
var ReferenceStyle = Style{Color: color.RGBA{R: 0xff, A: 0xff}, Width: 1.5}

// Default stretches.
var (
	S2RGBVis      = Vis{Bands: []string{"B4", "B3", "B2"}, Min: 0.02, Max: 0.3}
	S2SWIRVis     = Vis{Bands: []string{"B12", "B8", "B4"}, Min: 0.02, Max: 0.35}
	LandsatRGBVis = Vis{Bands: []string{"B4", "B3", "B2"}, Min: 0.02, Max: 0.3}
)

// DefaultZoom is the zoom level the view is centred at.
const DefaultZoom = 7

// AddDefaultLayers centres the map on aoi and registers the composite views
// and the chip grid. A nil composite is skipped so the views of the other
// sensor are still drawn.
func (m *Map) AddDefaultLayers(aoi geo.AOI, s2, landsat *raster.Tiled, g *grid.Grid) error {
	m.CenterObject(aoi, DefaultZoom)
	if s2 != nil {
		if err := m.AddLayer(s2, S2RGBVis, LayerS2RGB); err != nil {
			return err
		}
		if err := m.AddLayer(s2, S2SWIRVis, LayerS2SWIR); err != nil {
			return err
		}
	}
	if landsat != nil {
		if err := m.AddLayer(landsat, LandsatRGBVis, LayerLandsatRGB); err != nil {
			return err
		}
	}
	return m.AddGridLayer(g, LayerGrid)
}

// FileName returns the PNG name of a layer: lower case with non-alphanumeric
// runs replaced by underscores.
func FileName(layer string) string {
	var sb strings.Builder
	under := false
	for _, r := range strings.ToLower(layer) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			sb.WriteRune(r)
			under = false
			continue
		}
		if !under && sb.Len() > 0 {
			sb.WriteByte('_')
			under = true
		}
	}
	return strings.TrimSuffix(sb.String(), "_") + ".png"
}
