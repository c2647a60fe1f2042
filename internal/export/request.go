// Package export writes composites to disk through an asynchronous task
// queue. Callers submit a request and get a task ID back; they never wait
// for the raster to be written.
package export

import (
	"errors"
	"fmt"

	"github.com/banshee-data/composite.report/internal/config"
	"github.com/banshee-data/composite.report/internal/geo"
	"github.com/banshee-data/composite.report/internal/raster"
	"github.com/banshee-data/composite.report/internal/security"
)

var (
	// ErrUnsupportedCRS is returned for any CRS other than EPSG:4326.
	ErrUnsupportedCRS = errors.New("unsupported crs")
	// ErrTooManyPixels is returned when the export grid exceeds MaxPixels.
	ErrTooManyPixels = errors.New("export exceeds max pixels")
)

// DefaultMaxPixels applies when a request leaves MaxPixels unset.
const DefaultMaxPixels = 1e8

// Request describes one raster export.
type Request struct {
	Image          *raster.Tiled
	Description    string
	FileNamePrefix string
	Region         geo.AOI
	Scale          float64 // metres per pixel
	MaxPixels      float64
	CRS            string
}

// Grid returns the output pixel grid: the region at the request scale.
func (r Request) Grid() (raster.Grid, error) {
	return raster.NewGridForRegion(r.Region, r.Scale)
}

func (r Request) maxPixels() float64 {
	if r.MaxPixels <= 0 {
		return DefaultMaxPixels
	}
	return r.MaxPixels
}

// Validate checks the request before it is queued.
func (r Request) Validate() error {
	if r.Image == nil {
		return fmt.Errorf("export %q has no image", r.Description)
	}
	if r.FileNamePrefix == "" {
		return fmt.Errorf("export %q needs a file name prefix", r.Description)
	}
	if err := security.ValidateFileName(r.FileNamePrefix); err != nil {
		return fmt.Errorf("export %q: %w", r.Description, err)
	}
	if r.CRS != config.ProjectionWGS84 {
		return fmt.Errorf("export %q: %w %q", r.Description, ErrUnsupportedCRS, r.CRS)
	}
	if r.Scale <= 0 {
		return fmt.Errorf("export %q: scale must be positive, got %f", r.Description, r.Scale)
	}
	g, err := r.Grid()
	if err != nil {
		return err
	}
	if n := float64(g.Width) * float64(g.Height); n > r.maxPixels() {
		return fmt.Errorf("export %q: %w (%.0f > %.0f)", r.Description, ErrTooManyPixels, n, r.maxPixels())
	}
	return nil
}

// Requests returns the Sentinel-2 and Landsat exports of a run. The
// description of each export is its file name prefix.
func Requests(cfg *config.CompositeConfig, aoi geo.AOI, s2, landsat *raster.Tiled) []Request {
	return []Request{
		{
			Image:          s2,
			Description:    cfg.GetS2ExportPrefix(),
			FileNamePrefix: cfg.GetS2ExportPrefix(),
			Region:         aoi,
			Scale:          cfg.GetS2ExportScale(),
			MaxPixels:      cfg.GetMaxPixels(),
			CRS:            cfg.GetCRS(),
		},
		{
			Image:          landsat,
			Description:    cfg.GetLandsatExportPrefix(),
			FileNamePrefix: cfg.GetLandsatExportPrefix(),
			Region:         aoi,
			Scale:          cfg.GetLandsatExportScale(),
			MaxPixels:      cfg.GetMaxPixels(),
			CRS:            cfg.GetCRS(),
		},
	}
}
