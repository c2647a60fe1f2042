package raster

import (
	"fmt"
	"math"
)

// Band is a named single-channel raster. NaN marks a masked pixel.
type Band struct {
	Name string
	Data []float64
}

// NewBand returns a band of n zero pixels.
func NewBand(name string, n int) Band {
	return Band{Name: name, Data: make([]float64, n)}
}

// MaskedBand returns a band of n masked pixels.
func MaskedBand(name string, n int) Band {
	b := NewBand(name, n)
	for i := range b.Data {
		b.Data[i] = math.NaN()
	}
	return b
}

// IsMasked reports whether v is a masked pixel.
func IsMasked(v float64) bool { return math.IsNaN(v) }

func boolValue(ok bool) float64 {
	if ok {
		return 1
	}
	return 0
}

func (b Band) mapValues(name string, fn func(float64) float64) Band {
	out := Band{Name: name, Data: make([]float64, len(b.Data))}
	for i, v := range b.Data {
		if IsMasked(v) {
			out.Data[i] = math.NaN()
			continue
		}
		out.Data[i] = fn(v)
	}
	return out
}

func zip(a, b Band, name string, fn func(x, y float64) float64) (Band, error) {
	if len(a.Data) != len(b.Data) {
		return Band{}, fmt.Errorf("%s: %w (%d vs %d pixels)", name, ErrGridMismatch, len(a.Data), len(b.Data))
	}
	out := Band{Name: name, Data: make([]float64, len(a.Data))}
	for i := range a.Data {
		x, y := a.Data[i], b.Data[i]
		if IsMasked(x) || IsMasked(y) {
			out.Data[i] = math.NaN()
			continue
		}
		out.Data[i] = fn(x, y)
	}
	return out, nil
}

// Gt returns 1 where the pixel is strictly greater than threshold, else 0.
func (b Band) Gt(threshold float64) Band {
	return b.mapValues(b.Name, func(v float64) float64 { return boolValue(v > threshold) })
}

// Lt returns 1 where the pixel is strictly less than threshold, else 0.
func (b Band) Lt(threshold float64) Band {
	return b.mapValues(b.Name, func(v float64) float64 { return boolValue(v < threshold) })
}

// Eq returns 1 where the pixel equals value, else 0.
func (b Band) Eq(value float64) Band {
	return b.mapValues(b.Name, func(v float64) float64 { return boolValue(v == value) })
}

// Not returns 1 where the pixel is zero, else 0.
func (b Band) Not() Band {
	return b.mapValues(b.Name, func(v float64) float64 { return boolValue(v == 0) })
}

// BitwiseAnd truncates each pixel to an unsigned integer and ands it with bits.
func (b Band) BitwiseAnd(bits uint64) Band {
	return b.mapValues(b.Name, func(v float64) float64 {
		return float64(uint64(v) & bits)
	})
}

// Scale returns v*mul + add per pixel.
func (b Band) Scale(mul, add float64) Band {
	return b.mapValues(b.Name, func(v float64) float64 { return v*mul + add })
}

// Divide returns v/d per pixel.
func (b Band) Divide(d float64) Band {
	return b.mapValues(b.Name, func(v float64) float64 { return v / d })
}

// And returns 1 where both pixels are non-zero.
func And(a, b Band) (Band, error) {
	return zip(a, b, a.Name, func(x, y float64) float64 { return boolValue(x != 0 && y != 0) })
}

// Or returns 1 where either pixel is non-zero.
func Or(a, b Band) (Band, error) {
	return zip(a, b, a.Name, func(x, y float64) float64 { return boolValue(x != 0 || y != 0) })
}

// Valid counts unmasked pixels.
func (b Band) Valid() int {
	n := 0
	for _, v := range b.Data {
		if !IsMasked(v) {
			n++
		}
	}
	return n
}
