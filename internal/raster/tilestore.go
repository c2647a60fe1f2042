package raster

import (
	"bytes"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sync"

	"github.com/banshee-data/composite.report/internal/fsutil"
)

// MemoryTileStore keeps tiles in a map.
type MemoryTileStore struct {
	mu    sync.RWMutex
	tiles map[string]*Image
}

// NewMemoryTileStore returns an empty store.
func NewMemoryTileStore() *MemoryTileStore {
	return &MemoryTileStore{tiles: make(map[string]*Image)}
}

// PutTile stores img under key.
func (m *MemoryTileStore) PutTile(key string, img *Image) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tiles[key] = img
	return nil
}

// Tile returns the image stored under key.
func (m *MemoryTileStore) Tile(key string) (*Image, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	img, ok := m.tiles[key]
	if !ok {
		return nil, ErrTileNotFound
	}
	return img, nil
}

// Len returns the number of stored tiles.
func (m *MemoryTileStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.tiles)
}

// FileTileStore writes each tile to Dir as one encoded 16-bit TIFF per band
// plus a JSON header. Values go through Encoding, so a tile read back has
// the precision of the encoding.
type FileTileStore struct {
	FS       fsutil.FileSystem
	Dir      string
	Encoding Encoding
}

// NewFileTileStore returns a store using the reflectance encoding.
func NewFileTileStore(fs fsutil.FileSystem, dir string) *FileTileStore {
	return &FileTileStore{FS: fs, Dir: dir, Encoding: ReflectanceEncoding}
}

type tileHeader struct {
	Grid       Grid           `json:"grid"`
	Bands      []string       `json:"bands"`
	Properties map[string]any `json:"properties,omitempty"`
}

func (s *FileTileStore) bandPath(key, band string) string {
	return filepath.Join(s.Dir, fmt.Sprintf("%s_%s.tif", key, band))
}

// PutTile encodes every band of img.
func (s *FileTileStore) PutTile(key string, img *Image) error {
	if err := s.FS.MkdirAll(s.Dir, 0755); err != nil {
		return fmt.Errorf("failed to create tile dir: %w", err)
	}
	for _, b := range img.Bands {
		var buf bytes.Buffer
		if err := EncodeBand(&buf, b, img.Grid, s.Encoding); err != nil {
			return err
		}
		if err := s.FS.WriteFile(s.bandPath(key, b.Name), buf.Bytes(), 0644); err != nil {
			return fmt.Errorf("failed to write tile %s: %w", key, err)
		}
	}
	data, err := json.Marshal(tileHeader{Grid: img.Grid, Bands: img.BandNames(), Properties: img.Properties})
	if err != nil {
		return fmt.Errorf("failed to encode tile header: %w", err)
	}
	if err := s.FS.WriteFile(filepath.Join(s.Dir, key+".json"), data, 0644); err != nil {
		return fmt.Errorf("failed to write tile %s: %w", key, err)
	}
	return nil
}

// Tile decodes the tile stored under key.
func (s *FileTileStore) Tile(key string) (*Image, error) {
	headerPath := filepath.Join(s.Dir, key+".json")
	if !s.FS.Exists(headerPath) {
		return nil, ErrTileNotFound
	}
	data, err := s.FS.ReadFile(headerPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read tile %s: %w", key, err)
	}
	var h tileHeader
	if err := json.Unmarshal(data, &h); err != nil {
		return nil, fmt.Errorf("failed to parse tile %s: %w", key, err)
	}
	img := NewImage(h.Grid, h.Properties)
	for _, name := range h.Bands {
		raw, err := s.FS.ReadFile(s.bandPath(key, name))
		if err != nil {
			return nil, fmt.Errorf("failed to read tile %s: %w", key, err)
		}
		b, w, ht, err := DecodeBand(name, bytes.NewReader(raw))
		if err != nil {
			return nil, err
		}
		if w != h.Grid.Width || ht != h.Grid.Height {
			return nil, fmt.Errorf("tile %s band %s is %dx%d: %w", key, name, w, ht, ErrGridMismatch)
		}
		for i, dn := range b.Data {
			b.Data[i] = s.Encoding.Decode(uint16(dn))
		}
		if err := img.AddBand(b); err != nil {
			return nil, err
		}
	}
	return img, nil
}
