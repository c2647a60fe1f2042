package raster

import (
	"fmt"
	"math"
)

// kernelOffset is one (dx, dy) member of a circular neighbourhood.
type kernelOffset struct{ dx, dy int }

// circleKernel returns the offsets within radius pixels of the centre,
// the centre included.
func circleKernel(radius float64) []kernelOffset {
	r := int(math.Floor(radius))
	r2 := radius * radius
	var k []kernelOffset
	for dy := -r; dy <= r; dy++ {
		for dx := -r; dx <= r; dx++ {
			if float64(dx*dx+dy*dy) <= r2 {
				k = append(k, kernelOffset{dx, dy})
			}
		}
	}
	return k
}

// FocalMax replaces every pixel with the maximum of its circular
// neighbourhood of radiusPixels. Masked neighbours are ignored; a pixel whose
// whole neighbourhood is masked stays masked. A radius below one pixel
// returns a copy of the band.
func FocalMax(b Band, g Grid, radiusPixels float64) (Band, error) {
	if len(b.Data) != g.Len() {
		return Band{}, fmt.Errorf("focal max on %s: %w (%d pixels, grid %dx%d)", b.Name, ErrGridMismatch, len(b.Data), g.Width, g.Height)
	}
	if radiusPixels < 0 {
		return Band{}, fmt.Errorf("focal max radius must be non-negative, got %f", radiusPixels)
	}
	kernel := circleKernel(radiusPixels)
	out := Band{Name: b.Name, Data: make([]float64, len(b.Data))}
	for row := 0; row < g.Height; row++ {
		for col := 0; col < g.Width; col++ {
			best := math.Inf(-1)
			seen := false
			for _, k := range kernel {
				x, y := col+k.dx, row+k.dy
				if x < 0 || y < 0 || x >= g.Width || y >= g.Height {
					continue
				}
				v := b.Data[y*g.Width+x]
				if IsMasked(v) {
					continue
				}
				if !seen || v > best {
					best = v
					seen = true
				}
			}
			if !seen {
				best = math.NaN()
			}
			out.Data[row*g.Width+col] = best
		}
	}
	return out, nil
}
