// Package testutil provides shared test utilities and fixtures.
package testutil

import (
	"bytes"
	"math"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/banshee-data/composite.report/internal/fsutil"
	"github.com/banshee-data/composite.report/internal/geo"
	"github.com/banshee-data/composite.report/internal/raster"
)

// RawEncoding writes digital numbers unchanged and reserves 65535 for masked
// pixels, matching how scene assets are read.
var RawEncoding = raster.Encoding{Scale: 1, Offset: 0, NoData: math.MaxUint16}

// AssertStatusCode checks that the response status code matches expected.
func AssertStatusCode(t *testing.T, got, want int) {
	t.Helper()
	if got != want {
		t.Errorf("status code = %d, want %d", got, want)
	}
}

// AssertNoError fails the test if err is not nil.
func AssertNoError(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

// AssertError fails the test if err is nil.
func AssertError(t *testing.T, err error) {
	t.Helper()
	if err == nil {
		t.Fatal("expected error, got nil")
	}
}

// NewTestRequest creates a test HTTP request.
func NewTestRequest(method, path string) *http.Request {
	return httptest.NewRequest(method, path, nil)
}

// NewTestRecorder creates a test response recorder.
func NewTestRecorder() *httptest.ResponseRecorder {
	return httptest.NewRecorder()
}

// SceneGrid returns a w x h grid of scaleMeters pixels whose north-west
// corner is the north-west corner of the default AOI.
func SceneGrid(w, h int, scaleMeters float64) raster.Grid {
	px := geo.DegreesForMeters(scaleMeters)
	return raster.Grid{
		Width:  w,
		Height: h,
		Transform: raster.Transform{
			OriginX:     geo.DefaultAOI.West(),
			OriginY:     geo.DefaultAOI.North(),
			PixelWidth:  px,
			PixelHeight: px,
		},
		ScaleMeters: scaleMeters,
	}
}

// Fill returns n copies of v.
func Fill(n int, v float64) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = v
	}
	return out
}

// WriteBand encodes data as a raw 16-bit TIFF at path.
func WriteBand(t testing.TB, fs fsutil.FileSystem, path string, g raster.Grid, data []float64) {
	t.Helper()
	var buf bytes.Buffer
	if err := raster.EncodeBand(&buf, raster.Band{Name: path, Data: data}, g, RawEncoding); err != nil {
		t.Fatalf("encode %s: %v", path, err)
	}
	if err := fs.WriteFile(path, buf.Bytes(), 0644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}
