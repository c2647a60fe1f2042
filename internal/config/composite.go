package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// DefaultConfigPath is the path to the canonical composite defaults file.
const DefaultConfigPath = "config/composite.defaults.json"

// DateLayout is the layout of start_date and end_date.
const DateLayout = "2006-01-02"

// Buffer units accepted by buffer_units.
const (
	BufferUnitsMeters = "meters"
	BufferUnitsPixels = "pixels"
)

// Projections accepted by grid_projection.
const (
	ProjectionWGS84    = "EPSG:4326"
	ProjectionMercator = "EPSG:3857"
)

// CompositeConfig represents the root configuration of a compositing run.
// Every field is optional; the Get* accessors supply the defaults of the
// 2024 dry-season run over the Tapajós AOI.
type CompositeConfig struct {
	// Run window and region
	StartDate *string   `json:"start_date,omitempty"` // inclusive, YYYY-MM-DD
	EndDate   *string   `json:"end_date,omitempty"`   // exclusive, YYYY-MM-DD
	AOI       []float64 `json:"aoi,omitempty"`        // lon_min, lat_min, lon_max, lat_max

	// Sentinel-2 cloud/shadow mask
	CloudProbabilityThreshold *float64 `json:"cloud_probability_threshold,omitempty"`
	BufferMeters              *float64 `json:"buffer_meters,omitempty"`
	BufferUnits               *string  `json:"buffer_units,omitempty"`
	DarkNIRThreshold          *float64 `json:"dark_nir_threshold,omitempty"`
	MaxCloudyPixelPercentage  *float64 `json:"max_cloudy_pixel_percentage,omitempty"`

	// Exports
	S2ExportPrefix      *string  `json:"s2_export_prefix,omitempty"`
	LandsatExportPrefix *string  `json:"landsat_export_prefix,omitempty"`
	S2ExportScale       *float64 `json:"s2_export_scale,omitempty"`
	LandsatExportScale  *float64 `json:"landsat_export_scale,omitempty"`
	MaxPixels           *float64 `json:"max_pixels,omitempty"`
	CRS                 *string  `json:"crs,omitempty"`
	ExportDir           *string  `json:"export_dir,omitempty"`

	// Chip grid
	ChipSizeMeters *float64 `json:"chip_size_meters,omitempty"`
	GridProjection *string  `json:"grid_projection,omitempty"`
	GridWithinAOI  *bool    `json:"grid_within_aoi,omitempty"`

	// Map view
	ReferenceOverlay *string `json:"reference_overlay,omitempty"` // GeoJSON of reference polygons

	// Runtime
	LoadWorkers    *int    `json:"load_workers,omitempty"`
	ExportWorkers  *int    `json:"export_workers,omitempty"`
	BlockSize      *int    `json:"block_size,omitempty"`       // composite block edge in pixels
	MemoryBudgetMB *int    `json:"memory_budget_mb,omitempty"` // pixel working set per sensor
	SpillDir       *string `json:"spill_dir,omitempty"`        // where finished composite blocks are kept
}

// Helper functions to create pointers
func ptrFloat64(v float64) *float64 { return &v }
func ptrBool(v bool) *bool          { return &v }
func ptrString(v string) *string    { return &v }
func ptrInt(v int) *int             { return &v }

// EmptyCompositeConfig returns a CompositeConfig with all fields set to nil.
func EmptyCompositeConfig() *CompositeConfig {
	return &CompositeConfig{}
}

// DefaultCompositeConfig returns a config with every field populated from
// the accessor defaults, suitable for writing out as a starting file.
func DefaultCompositeConfig() *CompositeConfig {
	empty := EmptyCompositeConfig()
	start, end := empty.GetDateRange()
	return &CompositeConfig{
		StartDate:                 ptrString(start.Format(DateLayout)),
		EndDate:                   ptrString(end.Format(DateLayout)),
		AOI:                       empty.GetAOI(),
		CloudProbabilityThreshold: ptrFloat64(empty.GetCloudProbabilityThreshold()),
		BufferMeters:              ptrFloat64(empty.GetBufferMeters()),
		BufferUnits:               ptrString(empty.GetBufferUnits()),
		DarkNIRThreshold:          ptrFloat64(empty.GetDarkNIRThreshold()),
		MaxCloudyPixelPercentage:  ptrFloat64(empty.GetMaxCloudyPixelPercentage()),
		S2ExportPrefix:            ptrString(empty.GetS2ExportPrefix()),
		LandsatExportPrefix:       ptrString(empty.GetLandsatExportPrefix()),
		S2ExportScale:             ptrFloat64(empty.GetS2ExportScale()),
		LandsatExportScale:        ptrFloat64(empty.GetLandsatExportScale()),
		MaxPixels:                 ptrFloat64(empty.GetMaxPixels()),
		CRS:                       ptrString(empty.GetCRS()),
		ExportDir:                 ptrString(empty.GetExportDir()),
		ChipSizeMeters:            ptrFloat64(empty.GetChipSizeMeters()),
		GridProjection:            ptrString(empty.GetGridProjection()),
		GridWithinAOI:             ptrBool(empty.GetGridWithinAOI()),
		ReferenceOverlay:          ptrString(empty.GetReferenceOverlay()),
		LoadWorkers:               ptrInt(empty.GetLoadWorkers()),
		ExportWorkers:             ptrInt(empty.GetExportWorkers()),
		BlockSize:                 ptrInt(empty.GetBlockSize()),
		MemoryBudgetMB:            ptrInt(empty.GetMemoryBudgetMB()),
		SpillDir:                  ptrString(empty.GetSpillDir()),
	}
}

// LoadCompositeConfig loads a CompositeConfig from a JSON file.
// The file is validated to ensure it has a .json extension and is under the max file size.
// Fields omitted from the JSON file fall back to the Get* defaults, so
// partial configs are safe.
func LoadCompositeConfig(path string) (*CompositeConfig, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	// Check file size for safety (max 1MB)
	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	const maxFileSize = 1 * 1024 * 1024 // 1MB
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := EmptyCompositeConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that the configuration values are valid.
func (c *CompositeConfig) Validate() error {
	var start, end time.Time
	if c.StartDate != nil {
		t, err := time.Parse(DateLayout, *c.StartDate)
		if err != nil {
			return fmt.Errorf("invalid start_date '%s': %w", *c.StartDate, err)
		}
		start = t
	}
	if c.EndDate != nil {
		t, err := time.Parse(DateLayout, *c.EndDate)
		if err != nil {
			return fmt.Errorf("invalid end_date '%s': %w", *c.EndDate, err)
		}
		end = t
	}
	if c.StartDate != nil || c.EndDate != nil {
		if start.IsZero() || end.IsZero() {
			start, end = c.GetDateRange()
		}
		if !start.Before(end) {
			return fmt.Errorf("start_date must be before end_date, got %s..%s",
				start.Format(DateLayout), end.Format(DateLayout))
		}
	}

	if c.AOI != nil {
		if len(c.AOI) != 4 {
			return fmt.Errorf("aoi must have 4 values (lon_min, lat_min, lon_max, lat_max), got %d", len(c.AOI))
		}
		if c.AOI[0] >= c.AOI[2] || c.AOI[1] >= c.AOI[3] {
			return fmt.Errorf("aoi minimums must be below maximums, got %v", c.AOI)
		}
		if c.AOI[0] < -180 || c.AOI[2] > 180 || c.AOI[1] < -90 || c.AOI[3] > 90 {
			return fmt.Errorf("aoi outside WGS84 range: %v", c.AOI)
		}
	}

	if c.CloudProbabilityThreshold != nil {
		if v := *c.CloudProbabilityThreshold; v < 0 || v > 100 {
			return fmt.Errorf("cloud_probability_threshold must be between 0 and 100, got %f", v)
		}
	}
	if c.BufferMeters != nil && *c.BufferMeters < 0 {
		return fmt.Errorf("buffer_meters must be non-negative, got %f", *c.BufferMeters)
	}
	if c.BufferUnits != nil {
		switch *c.BufferUnits {
		case BufferUnitsMeters, BufferUnitsPixels:
		default:
			return fmt.Errorf("buffer_units must be %q or %q, got %q", BufferUnitsMeters, BufferUnitsPixels, *c.BufferUnits)
		}
	}
	if c.DarkNIRThreshold != nil {
		if v := *c.DarkNIRThreshold; v < 0 || v > 1 {
			return fmt.Errorf("dark_nir_threshold must be between 0 and 1, got %f", v)
		}
	}
	if c.MaxCloudyPixelPercentage != nil {
		if v := *c.MaxCloudyPixelPercentage; v < 0 || v > 100 {
			return fmt.Errorf("max_cloudy_pixel_percentage must be between 0 and 100, got %f", v)
		}
	}

	if c.S2ExportPrefix != nil && *c.S2ExportPrefix == "" {
		return fmt.Errorf("s2_export_prefix must not be empty")
	}
	if c.LandsatExportPrefix != nil && *c.LandsatExportPrefix == "" {
		return fmt.Errorf("landsat_export_prefix must not be empty")
	}
	if c.GetS2ExportPrefix() == c.GetLandsatExportPrefix() {
		return fmt.Errorf("s2_export_prefix and landsat_export_prefix must differ, both are %q", c.GetS2ExportPrefix())
	}
	if c.S2ExportScale != nil && *c.S2ExportScale <= 0 {
		return fmt.Errorf("s2_export_scale must be positive, got %f", *c.S2ExportScale)
	}
	if c.LandsatExportScale != nil && *c.LandsatExportScale <= 0 {
		return fmt.Errorf("landsat_export_scale must be positive, got %f", *c.LandsatExportScale)
	}
	if c.MaxPixels != nil && *c.MaxPixels <= 0 {
		return fmt.Errorf("max_pixels must be positive, got %g", *c.MaxPixels)
	}
	if c.CRS != nil && *c.CRS != ProjectionWGS84 {
		return fmt.Errorf("crs %q is not supported, only %s", *c.CRS, ProjectionWGS84)
	}

	if c.ChipSizeMeters != nil && *c.ChipSizeMeters <= 0 {
		return fmt.Errorf("chip_size_meters must be positive, got %f", *c.ChipSizeMeters)
	}
	if c.GridProjection != nil {
		switch *c.GridProjection {
		case ProjectionWGS84, ProjectionMercator:
		default:
			return fmt.Errorf("grid_projection must be %s or %s, got %q", ProjectionWGS84, ProjectionMercator, *c.GridProjection)
		}
	}

	if c.LoadWorkers != nil && *c.LoadWorkers < 1 {
		return fmt.Errorf("load_workers must be at least 1, got %d", *c.LoadWorkers)
	}
	if c.ExportWorkers != nil && *c.ExportWorkers < 1 {
		return fmt.Errorf("export_workers must be at least 1, got %d", *c.ExportWorkers)
	}
	if c.BlockSize != nil && *c.BlockSize < 1 {
		return fmt.Errorf("block_size must be at least 1, got %d", *c.BlockSize)
	}
	if c.MemoryBudgetMB != nil && *c.MemoryBudgetMB < 1 {
		return fmt.Errorf("memory_budget_mb must be at least 1, got %d", *c.MemoryBudgetMB)
	}
	if c.ReferenceOverlay != nil && *c.ReferenceOverlay != "" {
		if ext := filepath.Ext(*c.ReferenceOverlay); ext != ".geojson" && ext != ".json" {
			return fmt.Errorf("reference_overlay must be a .geojson or .json file, got %q", *c.ReferenceOverlay)
		}
	}

	return nil
}

// GetDateRange returns the [start, end) acquisition window.
func (c *CompositeConfig) GetDateRange() (time.Time, time.Time) {
	start := time.Date(2024, time.June, 1, 0, 0, 0, 0, time.UTC)
	end := time.Date(2024, time.November, 30, 0, 0, 0, 0, time.UTC)
	if c.StartDate != nil {
		if t, err := time.Parse(DateLayout, *c.StartDate); err == nil {
			start = t
		}
	}
	if c.EndDate != nil {
		if t, err := time.Parse(DateLayout, *c.EndDate); err == nil {
			end = t
		}
	}
	return start, end
}

// GetAOI returns the AOI corners as lon_min, lat_min, lon_max, lat_max.
func (c *CompositeConfig) GetAOI() []float64 {
	if len(c.AOI) != 4 {
		return []float64{-58.338611, -8.546111, -54.683611, -4.495833}
	}
	out := make([]float64, 4)
	copy(out, c.AOI)
	return out
}

// GetCloudProbabilityThreshold returns the s2cloudless probability above which a pixel is cloud.
func (c *CompositeConfig) GetCloudProbabilityThreshold() float64 {
	if c.CloudProbabilityThreshold == nil {
		return 40
	}
	return *c.CloudProbabilityThreshold
}

// GetBufferMeters returns the dilation radius applied to cloud and dark flags.
func (c *CompositeConfig) GetBufferMeters() float64 {
	if c.BufferMeters == nil {
		return 50
	}
	return *c.BufferMeters
}

// GetBufferUnits returns the unit the buffer radius is expressed in.
func (c *CompositeConfig) GetBufferUnits() string {
	if c.BufferUnits == nil || *c.BufferUnits == "" {
		return BufferUnitsMeters
	}
	return *c.BufferUnits
}

// GetDarkNIRThreshold returns the scaled B8 reflectance below which a pixel is dark.
func (c *CompositeConfig) GetDarkNIRThreshold() float64 {
	if c.DarkNIRThreshold == nil {
		return 0.15
	}
	return *c.DarkNIRThreshold
}

// GetMaxCloudyPixelPercentage returns the scene-level CLOUDY_PIXEL_PERCENTAGE cut-off.
func (c *CompositeConfig) GetMaxCloudyPixelPercentage() float64 {
	if c.MaxCloudyPixelPercentage == nil {
		return 60
	}
	return *c.MaxCloudyPixelPercentage
}

// GetS2ExportPrefix returns the Sentinel-2 export file name prefix.
func (c *CompositeConfig) GetS2ExportPrefix() string {
	if c.S2ExportPrefix == nil || *c.S2ExportPrefix == "" {
		return "v3_new_ret_s2_median_2024_dry"
	}
	return *c.S2ExportPrefix
}

// GetLandsatExportPrefix returns the Landsat export file name prefix.
func (c *CompositeConfig) GetLandsatExportPrefix() string {
	if c.LandsatExportPrefix == nil || *c.LandsatExportPrefix == "" {
		return "v3_new_ret_ls_median_2024_dry"
	}
	return *c.LandsatExportPrefix
}

// GetS2ExportScale returns the Sentinel-2 export pixel size in metres.
func (c *CompositeConfig) GetS2ExportScale() float64 {
	if c.S2ExportScale == nil {
		return 10
	}
	return *c.S2ExportScale
}

// GetLandsatExportScale returns the Landsat export pixel size in metres.
func (c *CompositeConfig) GetLandsatExportScale() float64 {
	if c.LandsatExportScale == nil {
		return 30
	}
	return *c.LandsatExportScale
}

// GetMaxPixels returns the per-export pixel budget.
func (c *CompositeConfig) GetMaxPixels() float64 {
	if c.MaxPixels == nil {
		return 1e13
	}
	return *c.MaxPixels
}

// GetCRS returns the export coordinate reference system.
func (c *CompositeConfig) GetCRS() string {
	if c.CRS == nil || *c.CRS == "" {
		return ProjectionWGS84
	}
	return *c.CRS
}

// GetExportDir returns the directory export tasks write into.
func (c *CompositeConfig) GetExportDir() string {
	if c.ExportDir == nil || *c.ExportDir == "" {
		return "exports"
	}
	return *c.ExportDir
}

// GetChipSizeMeters returns the chip grid cell edge.
func (c *CompositeConfig) GetChipSizeMeters() float64 {
	if c.ChipSizeMeters == nil {
		return 2560
	}
	return *c.ChipSizeMeters
}

// GetGridProjection returns the projection the chip grid is aligned to.
func (c *CompositeConfig) GetGridProjection() string {
	if c.GridProjection == nil || *c.GridProjection == "" {
		return ProjectionWGS84
	}
	return *c.GridProjection
}

// GetGridWithinAOI reports whether only cells fully inside the AOI are kept.
func (c *CompositeConfig) GetGridWithinAOI() bool {
	if c.GridWithinAOI == nil {
		return false
	}
	return *c.GridWithinAOI
}

// GetLoadWorkers returns how many scenes are loaded and masked concurrently.
func (c *CompositeConfig) GetLoadWorkers() int {
	if c.LoadWorkers == nil {
		return 4
	}
	return *c.LoadWorkers
}

// GetExportWorkers returns how many export tasks run concurrently.
func (c *CompositeConfig) GetExportWorkers() int {
	if c.ExportWorkers == nil {
		return 1
	}
	return *c.ExportWorkers
}

// GetReferenceOverlay returns the GeoJSON file drawn as the reference layer,
// or "" when none is configured.
func (c *CompositeConfig) GetReferenceOverlay() string {
	if c.ReferenceOverlay == nil {
		return ""
	}
	return *c.ReferenceOverlay
}

// GetBlockSize returns the edge, in pixels, of the blocks composites are
// reduced in.
func (c *CompositeConfig) GetBlockSize() int {
	if c.BlockSize == nil {
		return 1024
	}
	return *c.BlockSize
}

// GetMemoryBudgetMB returns the pixel memory one sensor's reduction may use.
func (c *CompositeConfig) GetMemoryBudgetMB() int {
	if c.MemoryBudgetMB == nil {
		return 8192
	}
	return *c.MemoryBudgetMB
}

// GetMemoryBudgetBytes returns GetMemoryBudgetMB in bytes.
func (c *CompositeConfig) GetMemoryBudgetBytes() float64 {
	return float64(c.GetMemoryBudgetMB()) * (1 << 20)
}

// GetSpillDir returns the directory finished composite blocks are written to
// by the command line run.
func (c *CompositeConfig) GetSpillDir() string {
	if c.SpillDir == nil || *c.SpillDir == "" {
		return "exports/.blocks"
	}
	return *c.SpillDir
}
