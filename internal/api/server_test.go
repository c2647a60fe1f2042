package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"

	"github.com/banshee-data/composite.report/internal/catalog"
	"github.com/banshee-data/composite.report/internal/db"
	"github.com/banshee-data/composite.report/internal/export"
	"github.com/banshee-data/composite.report/internal/geo"
	"github.com/banshee-data/composite.report/internal/grid"
	"github.com/banshee-data/composite.report/internal/testutil"
)

func setupTestServer(t *testing.T) (*Server, *db.DB) {
	t.Helper()
	database, err := db.NewDB(filepath.Join(t.TempDir(), "api.db"))
	if err != nil {
		t.Fatalf("NewDB: %v", err)
	}
	t.Cleanup(func() { database.Close() })
	return NewServer(database, nil), database
}

func get(t *testing.T, s *Server, path string) *httptest.ResponseRecorder {
	t.Helper()
	w := httptest.NewRecorder()
	s.ServeMux().ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
	return w
}

func TestListScenes(t *testing.T) {
	server, database := setupTestServer(t)
	scene := &catalog.Scene{
		ID:         "LC08_227065_20240705",
		Collection: catalog.Landsat8L2,
		Acquired:   time.Date(2024, 7, 5, 13, 50, 0, 0, time.UTC),
		Footprint:  orb.Bound{Min: orb.Point{-58, -8}, Max: orb.Point{-56, -6}},
		Grid:       testutil.SceneGrid(2, 2, 30),
		Assets:     map[string]string{"SR_B4": "LC08/SR_B4.tif"},
	}
	if err := database.UpsertScene(context.Background(), scene); err != nil {
		t.Fatalf("UpsertScene: %v", err)
	}

	w := get(t, server, "/api/scenes?collection="+catalog.Landsat8L2)
	testutil.AssertStatusCode(t, w.Code, http.StatusOK)
	var m catalog.Manifest
	if err := json.Unmarshal(w.Body.Bytes(), &m); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(m.Scenes) != 1 || m.Scenes[0].ID != scene.ID {
		t.Fatalf("scenes = %+v", m.Scenes)
	}
	if got := m.Scenes[0].BBox; got[0] != -58 || got[3] != -6 {
		t.Errorf("bbox = %v", got)
	}

	w = get(t, server, "/api/scenes")
	testutil.AssertStatusCode(t, w.Code, http.StatusOK)
	if err := json.Unmarshal(w.Body.Bytes(), &m); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(m.Scenes) != 0 {
		t.Errorf("default collection should be empty, got %d scenes", len(m.Scenes))
	}
}

func TestListExports(t *testing.T) {
	server, database := setupTestServer(t)
	for i, id := range []string{"a", "b", "c"} {
		task := &export.Task{ID: id, Description: id, FileNamePrefix: id, Scale: 10, CRS: "EPSG:4326",
			Status: export.StatusReady, CreatedAt: time.Unix(int64(1000+i), 0)}
		if err := database.InsertExportTask(task); err != nil {
			t.Fatalf("InsertExportTask: %v", err)
		}
	}

	w := get(t, server, "/api/exports?limit=2")
	testutil.AssertStatusCode(t, w.Code, http.StatusOK)
	var tasks []export.Task
	if err := json.Unmarshal(w.Body.Bytes(), &tasks); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(tasks) != 2 || tasks[0].ID != "c" || tasks[1].ID != "b" {
		t.Errorf("tasks = %+v, want c then b", tasks)
	}

	testutil.AssertStatusCode(t, get(t, server, "/api/exports?limit=zero").Code, http.StatusBadRequest)
}

func TestShowGrid(t *testing.T) {
	server, database := setupTestServer(t)
	w0, s0 := geo.DefaultAOI.West(), geo.DefaultAOI.South()
	aoi, err := geo.NewAOI(w0, s0, w0+geo.DegreesForMeters(5000), s0+geo.DegreesForMeters(5000))
	if err != nil {
		t.Fatalf("NewAOI: %v", err)
	}
	g, err := grid.Covering(aoi, grid.Options{CellMeters: 2560})
	if err != nil {
		t.Fatalf("Covering: %v", err)
	}
	if err := database.ReplaceGridCells(context.Background(), g); err != nil {
		t.Fatalf("ReplaceGridCells: %v", err)
	}

	w := get(t, server, "/api/grid")
	testutil.AssertStatusCode(t, w.Code, http.StatusOK)
	fc, err := geojson.UnmarshalFeatureCollection(w.Body.Bytes())
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(fc.Features) != g.Len() {
		t.Errorf("features = %d, want %d", len(fc.Features), g.Len())
	}
	if id := fc.Features[0].Properties.MustString("id"); id != g.Cells[0].ID {
		t.Errorf("first cell id = %s, want %s", id, g.Cells[0].ID)
	}
}

func TestShowConfigAndMethods(t *testing.T) {
	server, _ := setupTestServer(t)

	w := get(t, server, "/api/config")
	testutil.AssertStatusCode(t, w.Code, http.StatusOK)
	var cfg map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &cfg); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if cfg["start_date"] != "2024-06-01" || cfg["crs"] != "EPSG:4326" {
		t.Errorf("config = %v", cfg)
	}

	for _, path := range []string{"/api/config", "/api/scenes", "/api/exports", "/api/grid"} {
		w := httptest.NewRecorder()
		server.ServeMux().ServeHTTP(w, httptest.NewRequest(http.MethodPost, path, nil))
		testutil.AssertStatusCode(t, w.Code, http.StatusMethodNotAllowed)
	}
}

func TestLoggingMiddleware(t *testing.T) {
	h := LoggingMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/x", nil))
	testutil.AssertStatusCode(t, w.Code, http.StatusTeapot)
}
