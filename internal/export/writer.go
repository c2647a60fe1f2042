package export

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/banshee-data/composite.report/internal/fsutil"
	"github.com/banshee-data/composite.report/internal/raster"
	"github.com/banshee-data/composite.report/internal/version"
)

// wgs84WKT is written to every .prj file.
const wgs84WKT = `GEOGCS["WGS 84",DATUM["WGS_1984",SPHEROID["WGS 84",6378137,298.257223563]],PRIMEM["Greenwich",0],UNIT["degree",0.0174532925199433]]`

// DefaultShardSize is the edge, in pixels, of the tiles an export is split
// into when the writer leaves ShardSize unset.
const DefaultShardSize = 2048

// Executor performs an export.
type Executor interface {
	Execute(ctx context.Context, req Request) ([]string, error)
}

// Writer exports to a directory: 16-bit TIFFs per band with world files, a
// .prj and a JSON sidecar. Grids wider or taller than ShardSize are split
// into shards named <prefix>-<row>-<col>_<band>.tif, each with its own world
// file; a single shard keeps the plain <prefix>_<band>.tif names.
type Writer struct {
	FS        fsutil.FileSystem
	Dir       string
	Encoding  raster.Encoding
	ShardSize int
}

// NewWriter returns a writer using the reflectance encoding.
func NewWriter(fs fsutil.FileSystem, dir string) *Writer {
	return &Writer{FS: fs, Dir: dir, Encoding: raster.ReflectanceEncoding, ShardSize: DefaultShardSize}
}

func (w *Writer) shardSize() int {
	if w.ShardSize <= 0 {
		return DefaultShardSize
	}
	return w.ShardSize
}

// Sidecar is the JSON document written next to the band files.
type Sidecar struct {
	Description    string          `json:"description"`
	FileNamePrefix string          `json:"file_name_prefix"`
	CRS            string          `json:"crs"`
	Scale          float64         `json:"scale"`
	Region         []float64       `json:"region"`
	Grid           raster.Grid     `json:"grid"`
	Encoding       raster.Encoding `json:"encoding"`
	Bands          []SidecarBand   `json:"bands"`
	Shards         []raster.Block  `json:"shards"`
	Properties     map[string]any  `json:"properties,omitempty"`
	Version        string          `json:"version"`
}

// SidecarBand describes one band. File is set when the band was written as
// a single file; Files lists every shard in row-major order. Stats cover the
// whole grid.
type SidecarBand struct {
	Name  string           `json:"name"`
	File  string           `json:"file,omitempty"`
	Files []string         `json:"files"`
	Stats raster.BandStats `json:"stats"`
}

// ShardPrefix returns the file name prefix of one shard.
func ShardPrefix(prefix string, shard raster.Block, single bool) string {
	if single {
		return prefix
	}
	return fmt.Sprintf("%s-%s", prefix, shard.Key())
}

// Execute maps the image onto the request grid shard by shard and writes its
// files. Only one shard is held in memory at a time. It returns the written
// paths.
func (w *Writer) Execute(ctx context.Context, req Request) ([]string, error) {
	g, err := req.Grid()
	if err != nil {
		return nil, err
	}
	if err := w.FS.MkdirAll(w.Dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create export dir: %w", err)
	}

	shards := g.Blocks(w.shardSize())
	single := len(shards) == 1
	side := Sidecar{
		Description:    req.Description,
		FileNamePrefix: req.FileNamePrefix,
		CRS:            req.CRS,
		Scale:          req.Scale,
		Region:         []float64{req.Region.West(), req.Region.South(), req.Region.East(), req.Region.North()},
		Grid:           g,
		Encoding:       w.Encoding,
		Shards:         shards,
		Properties:     req.Image.Properties,
		Version:        version.String(),
	}
	for _, name := range req.Image.Bands {
		side.Bands = append(side.Bands, SidecarBand{Name: name, Stats: raster.BandStats{Name: name}})
	}

	var files []string
	for _, shard := range shards {
		img, err := req.Image.Window(ctx, shard.Grid)
		if err != nil {
			return files, err
		}
		prefix := ShardPrefix(req.FileNamePrefix, shard, single)
		for i, b := range img.Bands {
			if err := ctx.Err(); err != nil {
				return files, err
			}
			name := fmt.Sprintf("%s_%s.tif", prefix, b.Name)
			path := filepath.Join(w.Dir, name)
			if err := w.writeBand(path, b, shard.Grid); err != nil {
				return files, err
			}
			files = append(files, path)
			side.Bands[i].Files = append(side.Bands[i].Files, name)
			side.Bands[i].Stats = raster.MergeStats(side.Bands[i].Stats, raster.Stats(b))
		}

		tfw := filepath.Join(w.Dir, prefix+".tfw")
		if err := w.FS.WriteFile(tfw, []byte(WorldFile(shard.Grid.Transform)), 0644); err != nil {
			return files, fmt.Errorf("failed to write world file: %w", err)
		}
		files = append(files, tfw)
	}
	if single {
		for i := range side.Bands {
			side.Bands[i].File = side.Bands[i].Files[0]
		}
	}

	prj := filepath.Join(w.Dir, req.FileNamePrefix+".prj")
	if err := w.FS.WriteFile(prj, []byte(wgs84WKT), 0644); err != nil {
		return files, fmt.Errorf("failed to write prj: %w", err)
	}
	files = append(files, prj)

	data, err := json.MarshalIndent(side, "", "  ")
	if err != nil {
		return files, fmt.Errorf("failed to encode sidecar: %w", err)
	}
	meta := filepath.Join(w.Dir, req.FileNamePrefix+".json")
	if err := w.FS.WriteFile(meta, data, 0644); err != nil {
		return files, fmt.Errorf("failed to write sidecar: %w", err)
	}
	files = append(files, meta)
	return files, nil
}

func (w *Writer) writeBand(path string, b raster.Band, g raster.Grid) error {
	f, err := w.FS.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", path, err)
	}
	if err := raster.EncodeBand(f, b, g, w.Encoding); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("failed to close %s: %w", path, err)
	}
	return nil
}

// WorldFile renders the six-line ESRI world file for a north-up transform.
// The reference point is the centre of the upper-left pixel.
func WorldFile(t raster.Transform) string {
	var sb strings.Builder
	for _, v := range []float64{
		t.PixelWidth,
		0,
		0,
		-t.PixelHeight,
		t.OriginX + t.PixelWidth/2,
		t.OriginY - t.PixelHeight/2,
	} {
		fmt.Fprintf(&sb, "%.12f\n", v)
	}
	return sb.String()
}
