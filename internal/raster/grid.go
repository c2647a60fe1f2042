package raster

import (
	"errors"
	"fmt"
	"math"

	"github.com/paulmach/orb"

	"github.com/banshee-data/composite.report/internal/geo"
)

// ErrGridMismatch is returned when two rasters that must share pixels do not.
var ErrGridMismatch = errors.New("raster grids do not match")

// Transform maps pixel indices to lon/lat. The origin is the north-west
// corner of pixel (0, 0); PixelHeight is positive and rows grow southwards.
type Transform struct {
	OriginX     float64 `json:"origin_x"`
	OriginY     float64 `json:"origin_y"`
	PixelWidth  float64 `json:"pixel_width"`
	PixelHeight float64 `json:"pixel_height"`
}

// PixelCenter returns the lon/lat of the centre of pixel (col, row).
func (t Transform) PixelCenter(col, row int) (lon, lat float64) {
	return t.OriginX + (float64(col)+0.5)*t.PixelWidth, t.OriginY - (float64(row)+0.5)*t.PixelHeight
}

// PixelAt returns the pixel containing lon/lat. The result may lie outside
// the grid; callers check bounds.
func (t Transform) PixelAt(lon, lat float64) (col, row int) {
	return int(math.Floor((lon - t.OriginX) / t.PixelWidth)), int(math.Floor((t.OriginY - lat) / t.PixelHeight))
}

// Grid is the pixel geometry shared by every band of an image.
type Grid struct {
	Width       int       `json:"width"`
	Height      int       `json:"height"`
	Transform   Transform `json:"transform"`
	ScaleMeters float64   `json:"scale_meters"` // nominal ground pixel size
}

// NewGridForRegion lays a grid of scaleMeters pixels over the AOI, anchored
// at its north-west corner. The degree pixel size uses the equatorial
// metre-per-degree factor, matching EPSG:4326 exports at a metre scale.
func NewGridForRegion(aoi geo.AOI, scaleMeters float64) (Grid, error) {
	if scaleMeters <= 0 {
		return Grid{}, fmt.Errorf("scale must be positive, got %f", scaleMeters)
	}
	px := geo.DegreesForMeters(scaleMeters)
	w := int(math.Ceil(geo.Snap((aoi.East()-aoi.West())/px, 1)))
	h := int(math.Ceil(geo.Snap((aoi.North()-aoi.South())/px, 1)))
	return Grid{
		Width:  w,
		Height: h,
		Transform: Transform{
			OriginX:     aoi.West(),
			OriginY:     aoi.North(),
			PixelWidth:  px,
			PixelHeight: px,
		},
		ScaleMeters: scaleMeters,
	}, nil
}

// Len returns the number of pixels.
func (g Grid) Len() int { return g.Width * g.Height }

// Bound returns the lon/lat extent of the grid.
func (g Grid) Bound() orb.Bound {
	t := g.Transform
	return orb.Bound{
		Min: orb.Point{t.OriginX, t.OriginY - float64(g.Height)*t.PixelHeight},
		Max: orb.Point{t.OriginX + float64(g.Width)*t.PixelWidth, t.OriginY},
	}
}

// Equal reports whether two grids address the same pixels.
func (g Grid) Equal(o Grid) bool {
	if g.Width != o.Width || g.Height != o.Height {
		return false
	}
	const eps = 1e-9
	return math.Abs(g.Transform.OriginX-o.Transform.OriginX) < eps &&
		math.Abs(g.Transform.OriginY-o.Transform.OriginY) < eps &&
		math.Abs(g.Transform.PixelWidth-o.Transform.PixelWidth) < eps &&
		math.Abs(g.Transform.PixelHeight-o.Transform.PixelHeight) < eps
}

// Validate checks that the grid can hold pixels.
func (g Grid) Validate() error {
	if g.Width <= 0 || g.Height <= 0 {
		return fmt.Errorf("grid must have positive size, got %dx%d", g.Width, g.Height)
	}
	if g.Transform.PixelWidth <= 0 || g.Transform.PixelHeight <= 0 {
		return fmt.Errorf("grid pixel size must be positive, got %gx%g", g.Transform.PixelWidth, g.Transform.PixelHeight)
	}
	return nil
}

// RadiusPixels converts a metre radius to pixels at the grid's nominal scale.
func (g Grid) RadiusPixels(radiusMeters float64) float64 {
	if g.ScaleMeters <= 0 {
		return radiusMeters / geo.MetersForDegrees(g.Transform.PixelWidth)
	}
	return radiusMeters / g.ScaleMeters
}

// Window returns the w x h sub-grid whose north-west pixel is (col, row) of g.
func (g Grid) Window(col, row, w, h int) Grid {
	t := g.Transform
	return Grid{
		Width:  w,
		Height: h,
		Transform: Transform{
			OriginX:     t.OriginX + float64(col)*t.PixelWidth,
			OriginY:     t.OriginY - float64(row)*t.PixelHeight,
			PixelWidth:  t.PixelWidth,
			PixelHeight: t.PixelHeight,
		},
		ScaleMeters: g.ScaleMeters,
	}
}

// Block is a window of a parent grid. Col and Row are the pixel offsets of
// its north-west corner in the parent.
type Block struct {
	Col  int  `json:"col"`
	Row  int  `json:"row"`
	Grid Grid `json:"grid"`
}

// Key names the block by its row and column offsets, zero padded so keys
// sort in row-major order.
func (b Block) Key() string {
	return fmt.Sprintf("%010d-%010d", b.Row, b.Col)
}

// Blocks splits g into row-major windows of at most size x size pixels.
// Blocks on the east and south edges are truncated. A size of zero or less
// yields one block covering g.
func (g Grid) Blocks(size int) []Block {
	if g.Width <= 0 || g.Height <= 0 {
		return nil
	}
	if size <= 0 {
		size = max(g.Width, g.Height)
	}
	var out []Block
	for row := 0; row < g.Height; row += size {
		h := min(size, g.Height-row)
		for col := 0; col < g.Width; col += size {
			w := min(size, g.Width-col)
			out = append(out, Block{Col: col, Row: row, Grid: g.Window(col, row, w, h)})
		}
	}
	return out
}
