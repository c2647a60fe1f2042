package raster

import (
	"fmt"
	"image"
	"image/color"
	"io"
	"math"

	"golang.org/x/image/tiff"
)

// Encoding maps reflectance to 16-bit digital numbers: DN = round((v+Offset)*Scale).
// Masked pixels are written as NoData; other values are clamped so they never
// collide with it.
type Encoding struct {
	Scale  float64 `json:"scale"`
	Offset float64 `json:"offset"`
	NoData uint16  `json:"nodata"`
}

// ReflectanceEncoding stores reflectance in [-0.2, 6.35] with 1e-4 precision
// and reserves 0 for masked pixels.
var ReflectanceEncoding = Encoding{Scale: 10000, Offset: 0.2, NoData: 0}

// Encode converts one value to a digital number.
func (e Encoding) Encode(v float64) uint16 {
	if IsMasked(v) {
		return e.NoData
	}
	dn := math.Round((v + e.Offset) * e.Scale)
	dn = math.Max(0, math.Min(math.MaxUint16, dn))
	out := uint16(dn)
	if out == e.NoData {
		if e.NoData == math.MaxUint16 {
			out--
		} else {
			out++
		}
	}
	return out
}

// Decode converts a digital number back to a value; NoData becomes NaN.
func (e Encoding) Decode(dn uint16) float64 {
	if dn == e.NoData {
		return math.NaN()
	}
	return float64(dn)/e.Scale - e.Offset
}

// DecodeBand reads a single-channel TIFF and returns its raw digital numbers.
// Gray and Gray16 images are read directly; anything else goes through the
// Gray16 colour model.
func DecodeBand(name string, r io.Reader) (Band, int, int, error) {
	img, err := tiff.Decode(r)
	if err != nil {
		return Band{}, 0, 0, fmt.Errorf("decode %s: %w", name, err)
	}
	bounds := img.Bounds()
	w, h := bounds.Dx(), bounds.Dy()
	b := NewBand(name, w*h)
	switch t := img.(type) {
	case *image.Gray16:
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				b.Data[y*w+x] = float64(t.Gray16At(bounds.Min.X+x, bounds.Min.Y+y).Y)
			}
		}
	case *image.Gray:
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				b.Data[y*w+x] = float64(t.GrayAt(bounds.Min.X+x, bounds.Min.Y+y).Y)
			}
		}
	default:
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				c := color.Gray16Model.Convert(img.At(bounds.Min.X+x, bounds.Min.Y+y)).(color.Gray16)
				b.Data[y*w+x] = float64(c.Y)
			}
		}
	}
	return b, w, h, nil
}

// EncodeBand writes b as a deflate-compressed 16-bit grayscale TIFF.
func EncodeBand(w io.Writer, b Band, g Grid, enc Encoding) error {
	if len(b.Data) != g.Len() {
		return fmt.Errorf("encode %s: %w", b.Name, ErrGridMismatch)
	}
	img := image.NewGray16(image.Rect(0, 0, g.Width, g.Height))
	for y := 0; y < g.Height; y++ {
		for x := 0; x < g.Width; x++ {
			img.SetGray16(x, y, color.Gray16{Y: enc.Encode(b.Data[y*g.Width+x])})
		}
	}
	if err := tiff.Encode(w, img, &tiff.Options{Compression: tiff.Deflate}); err != nil {
		return fmt.Errorf("encode %s: %w", b.Name, err)
	}
	return nil
}
