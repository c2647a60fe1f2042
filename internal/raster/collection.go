package raster

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"

	"golang.org/x/sync/errgroup"
)

// ErrEmptyCollection is returned when reducing a collection with no images.
var ErrEmptyCollection = errors.New("image collection is empty")

// Collection is an ordered set of images sharing one grid and band layout.
type Collection struct {
	Images []*Image
}

// NewCollection wraps images.
func NewCollection(images ...*Image) *Collection {
	return &Collection{Images: images}
}

// Len returns the number of images.
func (c *Collection) Len() int { return len(c.Images) }

// Median reduces the collection to one image whose pixels are the per-band
// median of the unmasked observations. A pixel with no unmasked observation
// is masked. For an even number of observations the two middle values are
// averaged. Bands are reduced concurrently.
func (c *Collection) Median(ctx context.Context) (*Image, error) {
	if len(c.Images) == 0 {
		return nil, ErrEmptyCollection
	}
	first := c.Images[0]
	names := first.BandNames()
	for _, im := range c.Images[1:] {
		if !im.SameGrid(first) {
			return nil, fmt.Errorf("median over %s: %w", im.ID(), ErrGridMismatch)
		}
	}

	// Resolve every band up front so the workers only read.
	stacks := make([][]Band, len(names))
	for bi, name := range names {
		stacks[bi] = make([]Band, len(c.Images))
		for ii, im := range c.Images {
			b, err := im.Band(name)
			if err != nil {
				return nil, fmt.Errorf("median over %s: %w", im.ID(), err)
			}
			stacks[bi][ii] = b
		}
	}

	out := NewImage(first.Grid, map[string]any{
		PropertyIndex: "median",
		"image_count": len(c.Images),
	})
	out.Bands = make([]Band, len(names))

	g, ctx := errgroup.WithContext(ctx)
	for bi, name := range names {
		g.Go(func() error {
			b, err := medianBand(ctx, name, stacks[bi], first.Grid)
			if err != nil {
				return err
			}
			out.Bands[bi] = b
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

func medianBand(ctx context.Context, name string, stack []Band, g Grid) (Band, error) {
	out := Band{Name: name, Data: make([]float64, g.Len())}
	buf := make([]float64, 0, len(stack))
	for row := 0; row < g.Height; row++ {
		if err := ctx.Err(); err != nil {
			return Band{}, err
		}
		for col := 0; col < g.Width; col++ {
			i := row*g.Width + col
			buf = buf[:0]
			for _, b := range stack {
				if v := b.Data[i]; !IsMasked(v) {
					buf = append(buf, v)
				}
			}
			out.Data[i] = Median(buf)
		}
	}
	return out, nil
}

// Median returns the median of vals, sorting them in place. An empty slice
// yields NaN.
func Median(vals []float64) float64 {
	n := len(vals)
	if n == 0 {
		return math.NaN()
	}
	sort.Float64s(vals)
	if n%2 == 1 {
		return vals[n/2]
	}
	return (vals[n/2-1] + vals[n/2]) / 2
}
