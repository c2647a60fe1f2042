package raster

import (
	"errors"
	"fmt"
	"maps"
	"math"

	"github.com/banshee-data/composite.report/internal/geo"
)

// ErrBandNotFound is returned when a requested band is absent from an image.
var ErrBandNotFound = errors.New("band not found")

// PropertyIndex is the property holding the scene identifier.
const PropertyIndex = "system:index"

// Image is a multi-band raster over one grid with free-form metadata.
type Image struct {
	Grid       Grid
	Bands      []Band
	Properties map[string]any
}

// NewImage returns an image with no bands.
func NewImage(g Grid, props map[string]any) *Image {
	p := make(map[string]any, len(props))
	maps.Copy(p, props)
	return &Image{Grid: g, Properties: p}
}

// AddBand appends b, replacing any band of the same name.
func (im *Image) AddBand(b Band) error {
	if len(b.Data) != im.Grid.Len() {
		return fmt.Errorf("band %s: %w (%d pixels, grid %dx%d)", b.Name, ErrGridMismatch, len(b.Data), im.Grid.Width, im.Grid.Height)
	}
	for i := range im.Bands {
		if im.Bands[i].Name == b.Name {
			im.Bands[i] = b
			return nil
		}
	}
	im.Bands = append(im.Bands, b)
	return nil
}

// Band returns the named band.
func (im *Image) Band(name string) (Band, error) {
	for _, b := range im.Bands {
		if b.Name == name {
			return b, nil
		}
	}
	return Band{}, fmt.Errorf("%w: %s", ErrBandNotFound, name)
}

// BandNames returns band names in order.
func (im *Image) BandNames() []string {
	names := make([]string, len(im.Bands))
	for i, b := range im.Bands {
		names[i] = b.Name
	}
	return names
}

// ID returns the system:index property, or "" if unset.
func (im *Image) ID() string {
	s, _ := im.Properties[PropertyIndex].(string)
	return s
}

// SameGrid reports whether o shares the pixel grid of im.
func (im *Image) SameGrid(o *Image) bool {
	return im.Grid.Equal(o.Grid)
}

// Select returns a new image holding the named bands in the given order.
func (im *Image) Select(names ...string) (*Image, error) {
	out := NewImage(im.Grid, im.Properties)
	for _, n := range names {
		b, err := im.Band(n)
		if err != nil {
			return nil, err
		}
		out.Bands = append(out.Bands, Band{Name: n, Data: b.Data})
	}
	return out, nil
}

// Rename returns a copy with bands renamed positionally.
func (im *Image) Rename(names ...string) (*Image, error) {
	if len(names) != len(im.Bands) {
		return nil, fmt.Errorf("rename needs %d names, got %d", len(im.Bands), len(names))
	}
	out := NewImage(im.Grid, im.Properties)
	for i, b := range im.Bands {
		out.Bands = append(out.Bands, Band{Name: names[i], Data: b.Data})
	}
	return out, nil
}

// MultiplyAdd returns a copy with every band mapped to v*mul + add.
func (im *Image) MultiplyAdd(mul, add float64) *Image {
	out := NewImage(im.Grid, im.Properties)
	for _, b := range im.Bands {
		out.Bands = append(out.Bands, b.Scale(mul, add))
	}
	return out
}

// Divide returns a copy with every band divided by d.
func (im *Image) Divide(d float64) *Image {
	out := NewImage(im.Grid, im.Properties)
	for _, b := range im.Bands {
		out.Bands = append(out.Bands, b.Divide(d))
	}
	return out
}

// UpdateMask returns a copy in which pixels are masked wherever mask is zero
// or masked. Pixels already masked stay masked.
func (im *Image) UpdateMask(mask Band) (*Image, error) {
	if len(mask.Data) != im.Grid.Len() {
		return nil, fmt.Errorf("update mask: %w (%d pixels, grid %dx%d)", ErrGridMismatch, len(mask.Data), im.Grid.Width, im.Grid.Height)
	}
	out := NewImage(im.Grid, im.Properties)
	for _, b := range im.Bands {
		nb := Band{Name: b.Name, Data: make([]float64, len(b.Data))}
		for i, v := range b.Data {
			m := mask.Data[i]
			if IsMasked(m) || m == 0 {
				nb.Data[i] = math.NaN()
				continue
			}
			nb.Data[i] = v
		}
		out.Bands = append(out.Bands, nb)
	}
	return out, nil
}

// CopyProperties returns a copy of im carrying every property of src.
// Properties present on both take the value from src.
func (im *Image) CopyProperties(src *Image) *Image {
	out := NewImage(im.Grid, im.Properties)
	maps.Copy(out.Properties, src.Properties)
	out.Bands = append(out.Bands, im.Bands...)
	return out
}

// Clip returns a copy with every pixel whose centre lies outside the AOI
// masked.
func (im *Image) Clip(aoi geo.AOI) *Image {
	inside := make([]bool, im.Grid.Len())
	for row := 0; row < im.Grid.Height; row++ {
		for col := 0; col < im.Grid.Width; col++ {
			lon, lat := im.Grid.Transform.PixelCenter(col, row)
			inside[row*im.Grid.Width+col] = aoi.Contains(lon, lat)
		}
	}
	out := NewImage(im.Grid, im.Properties)
	for _, b := range im.Bands {
		nb := Band{Name: b.Name, Data: make([]float64, len(b.Data))}
		for i, v := range b.Data {
			if !inside[i] {
				v = math.NaN()
			}
			nb.Data[i] = v
		}
		out.Bands = append(out.Bands, nb)
	}
	return out
}

// Resample maps the image onto target by nearest neighbour. Target pixels
// whose centre falls outside the source grid are masked.
func (im *Image) Resample(target Grid) *Image {
	if im.Grid.Equal(target) {
		out := NewImage(target, im.Properties)
		out.Bands = append(out.Bands, im.Bands...)
		return out
	}
	src := make([]int, target.Len())
	for row := 0; row < target.Height; row++ {
		for col := 0; col < target.Width; col++ {
			lon, lat := target.Transform.PixelCenter(col, row)
			sc, sr := im.Grid.Transform.PixelAt(lon, lat)
			idx := -1
			if sc >= 0 && sr >= 0 && sc < im.Grid.Width && sr < im.Grid.Height {
				idx = sr*im.Grid.Width + sc
			}
			src[row*target.Width+col] = idx
		}
	}
	out := NewImage(target, im.Properties)
	for _, b := range im.Bands {
		nb := Band{Name: b.Name, Data: make([]float64, target.Len())}
		for i, s := range src {
			if s < 0 {
				nb.Data[i] = math.NaN()
				continue
			}
			nb.Data[i] = b.Data[s]
		}
		out.Bands = append(out.Bands, nb)
	}
	return out
}
