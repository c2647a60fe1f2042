package catalog

import (
	"bytes"
	"context"
	"fmt"
	"math"
	"path/filepath"
	"strings"

	"github.com/banshee-data/composite.report/internal/fsutil"
	"github.com/banshee-data/composite.report/internal/httputil"
	"github.com/banshee-data/composite.report/internal/raster"
	"github.com/banshee-data/composite.report/internal/security"
)

// Loader reads the pixels of a scene.
type Loader interface {
	Load(ctx context.Context, s *Scene, bands ...string) (*raster.Image, error)
}

// AssetLoader reads single-band TIFF assets. Assets starting with http:// or
// https:// are fetched with Client; anything else is a path read from FS,
// relative paths resolved against BaseDir.
type AssetLoader struct {
	FS      fsutil.FileSystem
	Client  httputil.HTTPClient
	BaseDir string
}

// Load returns an image holding the requested bands in order, with the
// scene's properties and system:index set. Pixels equal to the scene's
// nodata property are masked.
//
// TODO: read only the overlapped tiles of tiled GeoTIFF assets so a scene
// spanning several composite blocks is not decoded once per block.
func (l *AssetLoader) Load(ctx context.Context, s *Scene, bands ...string) (*raster.Image, error) {
	props := make(map[string]any, len(s.Properties)+2)
	for k, v := range s.Properties {
		props[k] = v
	}
	props[raster.PropertyIndex] = s.ID
	props["collection"] = s.Collection
	im := raster.NewImage(s.Grid, props)

	nodata, hasNoData := s.Number(PropertyNoData)
	for _, name := range bands {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		asset, ok := s.Assets[name]
		if !ok {
			return nil, fmt.Errorf("scene %s: %w: %s", s.ID, raster.ErrBandNotFound, name)
		}
		data, err := l.read(ctx, asset)
		if err != nil {
			return nil, fmt.Errorf("scene %s band %s: %w", s.ID, name, err)
		}
		b, w, h, err := raster.DecodeBand(name, bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("scene %s: %w", s.ID, err)
		}
		if w != s.Grid.Width || h != s.Grid.Height {
			return nil, fmt.Errorf("scene %s band %s is %dx%d, grid is %dx%d: %w",
				s.ID, name, w, h, s.Grid.Width, s.Grid.Height, raster.ErrGridMismatch)
		}
		if hasNoData {
			for i, v := range b.Data {
				if v == nodata {
					b.Data[i] = math.NaN()
				}
			}
		}
		if err := im.AddBand(b); err != nil {
			return nil, err
		}
	}
	return im, nil
}

func (l *AssetLoader) read(ctx context.Context, asset string) ([]byte, error) {
	if strings.HasPrefix(asset, "http://") || strings.HasPrefix(asset, "https://") {
		if l.Client == nil {
			return nil, fmt.Errorf("no HTTP client configured for %s", asset)
		}
		return httputil.Fetch(ctx, l.Client, asset)
	}
	if l.FS == nil {
		return nil, fmt.Errorf("no filesystem configured for %s", asset)
	}
	path := asset
	if !filepath.IsAbs(path) && l.BaseDir != "" {
		var err error
		if path, err = security.JoinWithin(l.BaseDir, asset); err != nil {
			return nil, err
		}
	}
	return l.FS.ReadFile(path)
}
