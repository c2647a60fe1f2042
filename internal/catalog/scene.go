// Package catalog describes the scenes available to the compositing
// pipeline and the filter and join operations applied to them before any
// pixel is read.
package catalog

import (
	"encoding/json"
	"maps"
	"strconv"
	"time"

	"github.com/paulmach/orb"

	"github.com/banshee-data/composite.report/internal/raster"
)

// Collection identifiers.
const (
	S2SurfaceReflectance = "COPERNICUS/S2_SR_HARMONIZED"
	S2CloudProbability   = "COPERNICUS/S2_CLOUD_PROBABILITY"
	Landsat8L2           = "LANDSAT/LC08/C02/T1_L2"
	Landsat9L2           = "LANDSAT/LC09/C02/T1_L2"
)

// Scene properties read by the pipeline.
const (
	PropertyCloudyPixelPercentage = "CLOUDY_PIXEL_PERCENTAGE"
	PropertyNoData                = "nodata"
)

// Scene is one acquisition: its metadata plus where each band lives.
type Scene struct {
	ID         string
	Collection string
	Acquired   time.Time
	Footprint  orb.Bound
	Grid       raster.Grid
	Properties map[string]any
	Assets     map[string]string // band name -> path or URL

	// Joined holds secondary scenes attached by SaveFirst, keyed by join name.
	Joined map[string]*Scene
}

// Clone returns a copy whose maps may be modified independently.
func (s *Scene) Clone() *Scene {
	c := *s
	c.Properties = maps.Clone(s.Properties)
	c.Assets = maps.Clone(s.Assets)
	c.Joined = maps.Clone(s.Joined)
	return &c
}

// Number returns a numeric property.
func (s *Scene) Number(name string) (float64, bool) {
	return toFloat(s.Properties[name])
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	default:
		return 0, false
	}
}
