package raster

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
)

// ErrTileNotFound is returned when a block of a tiled image was never stored.
var ErrTileNotFound = errors.New("tile not found")

// TileStore keeps the blocks of a tiled image by key.
type TileStore interface {
	PutTile(key string, img *Image) error
	Tile(key string) (*Image, error)
}

// Tiled is an image too large to hold at once. It is cut into row-major
// blocks of Grid that are stored and read back one at a time.
type Tiled struct {
	Grid       Grid
	Bands      []string
	Properties map[string]any
	Blocks     []Block
	BlockSize  int

	store TileStore
}

// NewTiled lays blocks of at most blockSize pixels over g. A blockSize of zero
// or less gives one block. A nil store keeps the blocks in memory.
func NewTiled(g Grid, bands []string, blockSize int, store TileStore) *Tiled {
	if store == nil {
		store = NewMemoryTileStore()
	}
	if blockSize <= 0 {
		blockSize = max(g.Width, g.Height, 1)
	}
	return &Tiled{
		Grid:       g,
		Bands:      slices.Clone(bands),
		Properties: map[string]any{},
		Blocks:     g.Blocks(blockSize),
		BlockSize:  blockSize,
		store:      store,
	}
}

// TiledFromImage wraps img as a single block held in memory.
func TiledFromImage(img *Image) *Tiled {
	t := NewTiled(img.Grid, img.BandNames(), 0, nil)
	maps.Copy(t.Properties, img.Properties)
	if len(t.Blocks) == 1 {
		t.store.(*MemoryTileStore).tiles[t.Blocks[0].Key()] = img
	}
	return t
}

// ID returns the system:index property, or "" if unset.
func (t *Tiled) ID() string {
	s, _ := t.Properties[PropertyIndex].(string)
	return s
}

// HasBand reports whether name is one of the bands.
func (t *Tiled) HasBand(name string) bool {
	return slices.Contains(t.Bands, name)
}

// Put stores the pixels of block b. img must lie on b's grid and carry every
// band; extra bands are dropped.
func (t *Tiled) Put(b Block, img *Image) error {
	if !img.Grid.Equal(b.Grid) {
		return fmt.Errorf("block %s: %w", b.Key(), ErrGridMismatch)
	}
	sel, err := img.Select(t.Bands...)
	if err != nil {
		return fmt.Errorf("block %s: %w", b.Key(), err)
	}
	return t.store.PutTile(b.Key(), sel)
}

// Tile reads back the pixels of block b.
func (t *Tiled) Tile(b Block) (*Image, error) {
	img, err := t.store.Tile(b.Key())
	if err != nil {
		return nil, fmt.Errorf("block %s: %w", b.Key(), err)
	}
	return img, nil
}

// Each calls fn for every block in row-major order.
func (t *Tiled) Each(ctx context.Context, fn func(Block, *Image) error) error {
	for _, b := range t.Blocks {
		if err := ctx.Err(); err != nil {
			return err
		}
		img, err := t.Tile(b)
		if err != nil {
			return err
		}
		if err := fn(b, img); err != nil {
			return err
		}
	}
	return nil
}

// blockIndex returns the position in Blocks of the block holding parent
// pixel (col, row).
func (t *Tiled) blockIndex(col, row int) int {
	perRow := (t.Grid.Width + t.BlockSize - 1) / t.BlockSize
	return (row/t.BlockSize)*perRow + col/t.BlockSize
}

// Window maps the tiled image onto target by nearest neighbour, reading only
// the blocks target overlaps. Target pixels outside Grid are masked.
func (t *Tiled) Window(ctx context.Context, target Grid) (*Image, error) {
	type ref struct{ dst, col, row int }
	byBlock := map[int][]ref{}
	for row := 0; row < target.Height; row++ {
		for col := 0; col < target.Width; col++ {
			lon, lat := target.Transform.PixelCenter(col, row)
			sc, sr := t.Grid.Transform.PixelAt(lon, lat)
			if sc < 0 || sr < 0 || sc >= t.Grid.Width || sr >= t.Grid.Height {
				continue
			}
			bi := t.blockIndex(sc, sr)
			byBlock[bi] = append(byBlock[bi], ref{dst: row*target.Width + col, col: sc, row: sr})
		}
	}

	out := MaskedImage(target, t.Bands, t.Properties)
	keys := slices.Sorted(maps.Keys(byBlock))
	for _, bi := range keys {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		b := t.Blocks[bi]
		tile, err := t.Tile(b)
		if err != nil {
			return nil, err
		}
		for i, name := range t.Bands {
			src, err := tile.Band(name)
			if err != nil {
				return nil, fmt.Errorf("block %s: %w", b.Key(), err)
			}
			dst := out.Bands[i].Data
			for _, r := range byBlock[bi] {
				dst[r.dst] = src.Data[(r.row-b.Row)*b.Grid.Width+(r.col-b.Col)]
			}
		}
	}
	return out, nil
}

// Assemble reads every block into one image on Grid.
func (t *Tiled) Assemble(ctx context.Context) (*Image, error) {
	return t.Window(ctx, t.Grid)
}

// Stats returns the statistics of every band over all blocks.
func (t *Tiled) Stats(ctx context.Context) ([]BandStats, error) {
	out := make([]BandStats, len(t.Bands))
	for i, name := range t.Bands {
		out[i] = BandStats{Name: name}
	}
	err := t.Each(ctx, func(b Block, img *Image) error {
		for i, name := range t.Bands {
			band, err := img.Band(name)
			if err != nil {
				return fmt.Errorf("block %s: %w", b.Key(), err)
			}
			out[i] = MergeStats(out[i], Stats(band))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// MaskedImage returns an image on g with every named band fully masked.
func MaskedImage(g Grid, bands []string, props map[string]any) *Image {
	out := NewImage(g, props)
	for _, name := range bands {
		out.Bands = append(out.Bands, MaskedBand(name, g.Len()))
	}
	return out
}

// bytesPerPixel is the in-memory size of one band pixel.
const bytesPerPixel = 8

// Bytes returns the in-memory size of pixels x bands float64 values.
func Bytes(pixels, bands int) float64 {
	return float64(pixels) * float64(bands) * bytesPerPixel
}

// FormatBytes renders n with a binary unit for error messages.
func FormatBytes(n float64) string {
	units := []string{"B", "KiB", "MiB", "GiB", "TiB"}
	i := 0
	for n >= 1024 && i < len(units)-1 {
		n /= 1024
		i++
	}
	if i == 0 {
		return fmt.Sprintf("%.0f %s", n, units[i])
	}
	return fmt.Sprintf("%.1f %s", n, units[i])
}
