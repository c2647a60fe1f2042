package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/banshee-data/composite.report/internal/api"
	"github.com/banshee-data/composite.report/internal/catalog"
	"github.com/banshee-data/composite.report/internal/composite"
	"github.com/banshee-data/composite.report/internal/config"
	"github.com/banshee-data/composite.report/internal/dataset"
	"github.com/banshee-data/composite.report/internal/db"
	"github.com/banshee-data/composite.report/internal/export"
	"github.com/banshee-data/composite.report/internal/fsutil"
	"github.com/banshee-data/composite.report/internal/geo"
	"github.com/banshee-data/composite.report/internal/grid"
	"github.com/banshee-data/composite.report/internal/httputil"
	"github.com/banshee-data/composite.report/internal/mapview"
	"github.com/banshee-data/composite.report/internal/monitoring"
	"github.com/banshee-data/composite.report/internal/raster"
	"github.com/banshee-data/composite.report/internal/timeutil"
	"github.com/banshee-data/composite.report/internal/version"
)

const defaultDBPath = "composite.db"

func main() {
	flag.Usage = printUsage
	flag.Parse()

	if flag.NArg() < 1 {
		printUsage()
		os.Exit(1)
	}

	command := flag.Arg(0)
	args := flag.Args()[1:]

	switch command {
	case "run":
		handleRun(args)
	case "ingest":
		handleIngest(args)
	case "grid":
		handleGrid(args)
	case "split":
		handleSplit(args)
	case "migrate":
		handleMigrate(args)
	case "serve":
		handleServe(args)
	case "config":
		handleConfig(args)
	case "version":
		fmt.Println(version.String())
	case "help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", command)
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println(`composite - cloud-masked median composites over an area of interest

Usage: composite <command> [options]

Commands:
  run        Build the Sentinel-2 and Landsat composites, queue exports and render map layers
  ingest     Load a scene manifest into the database
  grid       Write the chip grid as GeoJSON
  split      Split labelled chips into train and test sets
  migrate    Manage database migrations (composite migrate help)
  serve      Serve the JSON API, debug endpoints and rendered map layers
  config     Print the default configuration
  version    Show version
  help       Show this help message

Run 'composite <command> -h' for command flags.`)
}

func loadConfig(path string) *config.CompositeConfig {
	if path == "" {
		return config.EmptyCompositeConfig()
	}
	cfg, err := config.LoadCompositeConfig(path)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	return cfg
}

// sceneSource picks the manifest named by manifest (a path or an http(s)
// URL) or, when it is empty, the scenes ingested into database.
func sceneSource(manifest string, database *db.DB, fs fsutil.FileSystem, client httputil.HTTPClient) (catalog.Source, error) {
	switch {
	case strings.HasPrefix(manifest, "http://"), strings.HasPrefix(manifest, "https://"):
		return &catalog.HTTPSource{Client: client, URL: manifest}, nil
	case manifest != "":
		return &catalog.ManifestSource{FS: fs, Path: manifest}, nil
	case database != nil:
		return database, nil
	default:
		return nil, fmt.Errorf("a manifest or a database is required")
	}
}

func handleRun(args []string) {
	fset := flag.NewFlagSet("run", flag.ExitOnError)
	cfgPath := fset.String("config", "", "Composite config JSON (defaults apply when empty)")
	manifest := fset.String("manifest", "", "Scene manifest path or URL (uses the database when empty)")
	dbPath := fset.String("db", "", "SQLite database for scenes and export history")
	assets := fset.String("assets", ".", "Base directory for relative scene asset paths")
	mapDir := fset.String("map-dir", "map", "Directory for rendered map layers")
	fset.Parse(args)

	cfg := loadConfig(*cfgPath)
	fs := fsutil.OSFileSystem{}
	client := httputil.NewStandardClient(&http.Client{Timeout: 5 * time.Minute})

	var database *db.DB
	var store export.TaskStore = export.NewMemoryTaskStore()
	if *dbPath != "" {
		var err error
		database, err = db.NewDB(*dbPath)
		if err != nil {
			log.Fatalf("Failed to open database: %v", err)
		}
		defer database.Close()
		store = database
	}

	source, err := sceneSource(*manifest, database, fs, client)
	if err != nil {
		log.Fatalf("No scene source: %v", err)
	}
	loader := &catalog.AssetLoader{FS: fs, Client: client, BaseDir: *assets}

	spillDir := cfg.GetSpillDir()
	pipeline, err := composite.NewPipeline(cfg, source, loader, composite.WithSpill(fs, spillDir))
	if err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}
	defer os.RemoveAll(spillDir)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	res := pipeline.Composites(ctx)
	if res.S2 == nil && res.Landsat == nil {
		log.Fatalf("Compositing failed: %v", res.Err())
	}
	var s2Image, landsatImage *raster.Tiled
	if res.S2 != nil {
		s2Image = res.S2.Image
		monitoring.Logf("S2 composite from %d scenes", res.S2.Scenes)
	}
	if res.Landsat != nil {
		landsatImage = res.Landsat.Image
		monitoring.Logf("Landsat composite from %d scenes", res.Landsat.Scenes)
	}

	queue := export.NewQueue(store, export.NewWriter(fs, cfg.GetExportDir()), timeutil.RealClock{}, cfg.GetExportWorkers())
	causes := []error{res.S2Err, res.LandsatErr}
	for i, req := range export.Requests(cfg, pipeline.AOI(), s2Image, landsatImage) {
		var id string
		if req.Image == nil {
			id, err = queue.SubmitFailed(req, causes[i])
		} else {
			id, err = queue.Submit(req)
		}
		if err != nil {
			log.Printf("Export %s not submitted: %v", req.Description, err)
			continue
		}
		monitoring.Logf("Submitted export %s as task %s", req.Description, id)
	}

	chips, err := grid.Covering(pipeline.AOI(), grid.OptionsFromConfig(cfg))
	if err != nil {
		log.Fatalf("Chip grid failed: %v", err)
	}
	if database != nil {
		if err := database.ReplaceGridCells(ctx, chips); err != nil {
			log.Printf("Failed to store grid cells: %v", err)
		}
	}

	m := mapview.New()
	if err := m.AddDefaultLayers(pipeline.AOI(), s2Image, landsatImage, chips); err != nil {
		log.Fatalf("Map layers failed: %v", err)
	}
	if path := cfg.GetReferenceOverlay(); path != "" {
		fc, err := mapview.ReadVectors(fs, path)
		if err == nil {
			err = m.AddVectorLayer(fc, mapview.ReferenceStyle, mapview.LayerReference)
		}
		if err != nil {
			log.Printf("Reference overlay skipped: %v", err)
		}
	}
	files, err := m.Render(ctx, fs, *mapDir)
	if err != nil {
		log.Printf("Map rendering failed: %v", err)
	}
	monitoring.Logf("Rendered %d map files into %s", len(files), *mapDir)

	// Exports keep running after submission; the process waits for them
	// before exiting unless interrupted.
	go func() {
		<-ctx.Done()
		queue.Abort()
	}()
	if err := queue.Close(); err != nil {
		log.Printf("Export queue close: %v", err)
	}
	for _, t := range queue.Tasks() {
		monitoring.Logf("Export %s: %s %s", t.Description, t.Status, t.Error)
	}
}

// sceneLister is implemented by the manifest sources.
type sceneLister interface {
	All(ctx context.Context) ([]*catalog.Scene, error)
}

func handleIngest(args []string) {
	fset := flag.NewFlagSet("ingest", flag.ExitOnError)
	manifest := fset.String("manifest", "", "Scene manifest path or URL (required)")
	dbPath := fset.String("db", defaultDBPath, "SQLite database path")
	fset.Parse(args)

	if *manifest == "" {
		fmt.Fprintln(os.Stderr, "Error: --manifest is required")
		fset.Usage()
		os.Exit(1)
	}

	database, err := db.NewDB(*dbPath)
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}
	defer database.Close()

	fs := fsutil.OSFileSystem{}
	client := httputil.NewStandardClient(&http.Client{Timeout: time.Minute})
	source, err := sceneSource(*manifest, nil, fs, client)
	if err != nil {
		log.Fatalf("No scene source: %v", err)
	}

	ctx := context.Background()
	scenes, err := source.(sceneLister).All(ctx)
	if err != nil {
		log.Fatalf("Failed to read manifest: %v", err)
	}
	n, err := database.IngestScenes(ctx, scenes)
	if err != nil {
		log.Fatalf("Ingest stopped after %d scenes: %v", n, err)
	}
	counts, err := database.SceneCounts(ctx)
	if err != nil {
		log.Fatalf("Failed to count scenes: %v", err)
	}
	log.Printf("Ingested %d scenes; stored per collection: %v", n, counts)
}

func handleGrid(args []string) {
	fset := flag.NewFlagSet("grid", flag.ExitOnError)
	cfgPath := fset.String("config", "", "Composite config JSON (defaults apply when empty)")
	out := fset.String("out", "grid_chips.geojson", "GeoJSON output path")
	dbPath := fset.String("db", "", "Also store the cells in this database")
	fset.Parse(args)

	cfg := loadConfig(*cfgPath)
	aoi, err := geo.FromSlice(cfg.GetAOI())
	if err != nil {
		log.Fatalf("Invalid AOI: %v", err)
	}
	chips, err := grid.Covering(aoi, grid.OptionsFromConfig(cfg))
	if err != nil {
		log.Fatalf("Chip grid failed: %v", err)
	}
	data, err := chips.MarshalGeoJSON()
	if err != nil {
		log.Fatalf("Failed to encode grid: %v", err)
	}
	if err := os.WriteFile(*out, data, 0644); err != nil {
		log.Fatalf("Failed to write %s: %v", *out, err)
	}
	if *dbPath != "" {
		database, err := db.NewDB(*dbPath)
		if err != nil {
			log.Fatalf("Failed to open database: %v", err)
		}
		defer database.Close()
		if err := database.ReplaceGridCells(context.Background(), chips); err != nil {
			log.Fatalf("Failed to store grid cells: %v", err)
		}
	}
	log.Printf("Wrote %d cells (%d rows x %d cols) to %s", chips.Len(), chips.Rows, chips.Cols, *out)
}

func handleSplit(args []string) {
	fset := flag.NewFlagSet("split", flag.ExitOnError)
	base := fset.String("base", "data", "Directory holding one directory per class")
	out := fset.String("out", "dataset", "Output directory")
	classes := fset.String("classes", strings.Join(dataset.DefaultClasses, ","), "Comma-separated class directories")
	ratio := fset.Float64("ratio", dataset.DefaultTrainRatio, "Share of each class copied to train")
	seed := fset.Int64("seed", time.Now().UnixNano(), "Shuffle seed")
	fset.Parse(args)

	counts, err := dataset.Split(fsutil.OSFileSystem{}, dataset.Options{
		BaseDir:    *base,
		OutputDir:  *out,
		Classes:    parseClasses(*classes),
		TrainRatio: ratio,
		Seed:       *seed,
	})
	if err != nil {
		log.Fatalf("Split failed: %v", err)
	}
	for cls, c := range counts {
		log.Printf("%s: %d train, %d test", cls, c.Train, c.Test)
	}
}

func parseClasses(s string) []string {
	var out []string
	for _, c := range strings.Split(s, ",") {
		if c = strings.TrimSpace(c); c != "" {
			out = append(out, c)
		}
	}
	return out
}

func handleMigrate(args []string) {
	fset := flag.NewFlagSet("migrate", flag.ExitOnError)
	dbPath := fset.String("db", defaultDBPath, "SQLite database path")
	fset.Parse(args)
	db.RunMigrateCommand(fset.Args(), *dbPath)
}

func handleServe(args []string) {
	fset := flag.NewFlagSet("serve", flag.ExitOnError)
	dbPath := fset.String("db", defaultDBPath, "SQLite database path")
	cfgPath := fset.String("config", "", "Composite config JSON shown at /api/config")
	listen := fset.String("listen", ":8080", "Listen address")
	mapDir := fset.String("map-dir", "map", "Directory of rendered map layers served under /map/")
	fset.Parse(args)

	database, err := db.NewDB(*dbPath)
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}
	defer database.Close()

	mux := api.NewServer(database, loadConfig(*cfgPath)).ServeMux()
	if err := database.AttachAdminRoutes(mux); err != nil {
		log.Fatalf("Failed to attach admin routes: %v", err)
	}
	mux.Handle("/map/", http.StripPrefix("/map/", http.FileServer(http.Dir(*mapDir))))

	server := &http.Server{Addr: *listen, Handler: api.LoggingMiddleware(mux)}
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("failed to start server: %v", err)
		}
	}()
	log.Printf("Serving on %s", *listen)

	<-ctx.Done()
	log.Println("shutting down HTTP server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("HTTP server shutdown error: %v", err)
		server.Close()
	}
}

func handleConfig(args []string) {
	fset := flag.NewFlagSet("config", flag.ExitOnError)
	fset.Parse(args)
	data, err := json.MarshalIndent(config.DefaultCompositeConfig(), "", "  ")
	if err != nil {
		log.Fatalf("Failed to encode config: %v", err)
	}
	fmt.Println(string(data))
}
