// Package api serves the stored scene catalog, export history and chip grid
// as JSON.
package api

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/paulmach/orb/geojson"

	"github.com/banshee-data/composite.report/internal/catalog"
	"github.com/banshee-data/composite.report/internal/config"
	"github.com/banshee-data/composite.report/internal/db"
)

const (
	colorCyan      = "\033[36m"
	colorReset     = "\033[0m"
	colorYellow    = "\033[33m"
	colorBoldGreen = "\033[1;32m"
	colorBoldRed   = "\033[1;31m"
)

type Server struct {
	db  *db.DB
	cfg *config.CompositeConfig
}

func NewServer(database *db.DB, cfg *config.CompositeConfig) *Server {
	if cfg == nil {
		cfg = config.EmptyCompositeConfig()
	}
	return &Server{db: database, cfg: cfg}
}

type loggingResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (lrw *loggingResponseWriter) WriteHeader(code int) {
	lrw.statusCode = code
	lrw.ResponseWriter.WriteHeader(code)
}

func statusCodeColor(statusCode int) string {
	switch {
	case statusCode >= 200 && statusCode < 300:
		return colorBoldGreen + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 300 && statusCode < 400:
		return colorYellow + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 400:
		return colorBoldRed + strconv.Itoa(statusCode) + colorReset
	default:
		return strconv.Itoa(statusCode)
	}
}

// LoggingMiddleware logs method, path, status and duration.
func LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lrw := &loggingResponseWriter{w, http.StatusOK}
		next.ServeHTTP(lrw, r)
		log.Printf(
			"[%s] %s %s%s%s %vms",
			statusCodeColor(lrw.statusCode), r.Method,
			colorCyan, r.RequestURI, colorReset,
			float64(time.Since(start).Nanoseconds())/1e6,
		)
	})
}

// Register mounts the API handlers on mux.
func (s *Server) Register(mux *http.ServeMux) {
	mux.HandleFunc("/api/scenes", s.listScenes)
	mux.HandleFunc("/api/exports", s.listExports)
	mux.HandleFunc("/api/grid", s.showGrid)
	mux.HandleFunc("/api/config", s.showConfig)
}

// ServeMux returns a mux holding only the API handlers.
func (s *Server) ServeMux() *http.ServeMux {
	mux := http.NewServeMux()
	s.Register(mux)
	return mux
}

func writeJSONError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("failed to encode response: %v", err)
	}
}

func getOnly(w http.ResponseWriter, r *http.Request) bool {
	if r.Method != http.MethodGet {
		writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return false
	}
	return true
}

func (s *Server) listScenes(w http.ResponseWriter, r *http.Request) {
	if !getOnly(w, r) {
		return
	}
	collection := r.URL.Query().Get("collection")
	if collection == "" {
		collection = catalog.S2SurfaceReflectance
	}
	c, err := s.db.Scenes(r.Context(), collection)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("Failed to list scenes: %v", err))
		return
	}
	out := make([]catalog.ManifestScene, 0, c.Len())
	for _, sc := range c.Scenes {
		out = append(out, catalog.FromScene(sc))
	}
	writeJSON(w, catalog.Manifest{Scenes: out})
}

func (s *Server) listExports(w http.ResponseWriter, r *http.Request) {
	if !getOnly(w, r) {
		return
	}
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeJSONError(w, http.StatusBadRequest, "Invalid 'limit' parameter")
			return
		}
		limit = n
	}
	tasks, err := s.db.ExportTasks(r.Context(), limit)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("Failed to list exports: %v", err))
		return
	}
	writeJSON(w, tasks)
}

func (s *Server) showGrid(w http.ResponseWriter, r *http.Request) {
	if !getOnly(w, r) {
		return
	}
	cells, err := s.db.GridCells(r.Context())
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("Failed to load grid: %v", err))
		return
	}
	fc := geojson.NewFeatureCollection()
	for _, c := range cells {
		f := geojson.NewFeature(c.Bound.ToPolygon())
		f.ID = c.ID
		f.Properties["id"] = c.ID
		f.Properties["row"] = c.Row
		f.Properties["col"] = c.Col
		fc.Append(f)
	}
	w.Header().Set("Content-Type", "application/geo+json")
	if err := json.NewEncoder(w).Encode(fc); err != nil {
		log.Printf("failed to encode grid: %v", err)
	}
}

func (s *Server) showConfig(w http.ResponseWriter, r *http.Request) {
	if !getOnly(w, r) {
		return
	}
	start, end := s.cfg.GetDateRange()
	writeJSON(w, map[string]any{
		"start_date":       start.Format(config.DateLayout),
		"end_date":         end.Format(config.DateLayout),
		"aoi":              s.cfg.GetAOI(),
		"chip_size_meters": s.cfg.GetChipSizeMeters(),
		"crs":              s.cfg.GetCRS(),
		"s2_export":        s.cfg.GetS2ExportPrefix(),
		"landsat_export":   s.cfg.GetLandsatExportPrefix(),
	})
}
