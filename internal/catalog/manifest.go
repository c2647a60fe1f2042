package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/paulmach/orb"

	"github.com/banshee-data/composite.report/internal/fsutil"
	"github.com/banshee-data/composite.report/internal/httputil"
	"github.com/banshee-data/composite.report/internal/raster"
)

// Source provides the scenes of a catalog collection.
type Source interface {
	Scenes(ctx context.Context, collectionID string) (*Collection, error)
}

// Manifest is the JSON document listing scenes.
type Manifest struct {
	Scenes []ManifestScene `json:"scenes"`
}

// ManifestScene is the wire form of a Scene.
type ManifestScene struct {
	ID         string            `json:"id"`
	Collection string            `json:"collection"`
	Acquired   time.Time         `json:"acquired"`
	BBox       []float64         `json:"bbox"`
	Grid       raster.Grid       `json:"grid"`
	Properties map[string]any    `json:"properties,omitempty"`
	Assets     map[string]string `json:"assets"`
}

// Scene converts the wire form, validating the bounding box and grid.
func (m ManifestScene) Scene() (*Scene, error) {
	if m.ID == "" || m.Collection == "" {
		return nil, fmt.Errorf("manifest scene needs id and collection")
	}
	if len(m.BBox) != 4 || m.BBox[0] > m.BBox[2] || m.BBox[1] > m.BBox[3] {
		return nil, fmt.Errorf("scene %s: bbox must be [lon_min, lat_min, lon_max, lat_max], got %v", m.ID, m.BBox)
	}
	if err := m.Grid.Validate(); err != nil {
		return nil, fmt.Errorf("scene %s: %w", m.ID, err)
	}
	return &Scene{
		ID:         m.ID,
		Collection: m.Collection,
		Acquired:   m.Acquired.UTC(),
		Footprint:  orb.Bound{Min: orb.Point{m.BBox[0], m.BBox[1]}, Max: orb.Point{m.BBox[2], m.BBox[3]}},
		Grid:       m.Grid,
		Properties: m.Properties,
		Assets:     m.Assets,
	}, nil
}

// FromScene returns the wire form of s.
func FromScene(s *Scene) ManifestScene {
	return ManifestScene{
		ID:         s.ID,
		Collection: s.Collection,
		Acquired:   s.Acquired,
		BBox:       []float64{s.Footprint.Min[0], s.Footprint.Min[1], s.Footprint.Max[0], s.Footprint.Max[1]},
		Grid:       s.Grid,
		Properties: s.Properties,
		Assets:     s.Assets,
	}
}

// ParseManifest decodes a manifest and returns its scenes ordered by
// acquisition time then ID. Numeric properties decode as float64.
func ParseManifest(data []byte) ([]*Scene, error) {
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to parse manifest: %w", err)
	}
	scenes := make([]*Scene, 0, len(m.Scenes))
	for _, ms := range m.Scenes {
		s, err := ms.Scene()
		if err != nil {
			return nil, err
		}
		scenes = append(scenes, s)
	}
	sort.SliceStable(scenes, func(i, j int) bool {
		if !scenes[i].Acquired.Equal(scenes[j].Acquired) {
			return scenes[i].Acquired.Before(scenes[j].Acquired)
		}
		return scenes[i].ID < scenes[j].ID
	})
	return scenes, nil
}

func collect(id string, scenes []*Scene) *Collection {
	c := &Collection{ID: id}
	for _, s := range scenes {
		if s.Collection == id {
			c.Scenes = append(c.Scenes, s)
		}
	}
	return c
}

// ManifestSource reads scenes from a manifest file.
type ManifestSource struct {
	FS   fsutil.FileSystem
	Path string
}

// All returns every scene in the manifest.
func (m *ManifestSource) All(ctx context.Context) ([]*Scene, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := m.FS.ReadFile(m.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest %s: %w", m.Path, err)
	}
	return ParseManifest(data)
}

// Scenes returns the scenes of one collection.
func (m *ManifestSource) Scenes(ctx context.Context, collectionID string) (*Collection, error) {
	all, err := m.All(ctx)
	if err != nil {
		return nil, err
	}
	return collect(collectionID, all), nil
}

// HTTPSource reads scenes from a manifest served over HTTP.
type HTTPSource struct {
	Client httputil.HTTPClient
	URL    string
}

// All returns every scene in the manifest.
func (h *HTTPSource) All(ctx context.Context) ([]*Scene, error) {
	data, err := httputil.Fetch(ctx, h.Client, h.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch manifest: %w", err)
	}
	return ParseManifest(data)
}

// Scenes returns the scenes of one collection.
func (h *HTTPSource) Scenes(ctx context.Context, collectionID string) (*Collection, error) {
	all, err := h.All(ctx)
	if err != nil {
		return nil, err
	}
	return collect(collectionID, all), nil
}
