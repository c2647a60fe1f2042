package fsutil

import (
	"io"
	"os"
	"path/filepath"
	"testing"
)

func TestOSFileSystem_ReadDir(t *testing.T) {
	dir := t.TempDir()
	osfs := OSFileSystem{}

	for _, name := range []string{"b.png", "a.png"} {
		if err := osfs.WriteFile(filepath.Join(dir, name), []byte("x"), 0644); err != nil {
			t.Fatalf("WriteFile failed: %v", err)
		}
	}
	if err := osfs.MkdirAll(filepath.Join(dir, "nested"), 0755); err != nil {
		t.Fatalf("MkdirAll failed: %v", err)
	}

	names, err := osfs.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir failed: %v", err)
	}
	if len(names) != 2 || names[0] != "a.png" || names[1] != "b.png" {
		t.Errorf("ReadDir = %v, want [a.png b.png]", names)
	}
	if !osfs.Exists(filepath.Join(dir, "nested")) {
		t.Error("expected nested directory to exist")
	}
}

func TestMemoryFileSystem_WriteAndRead(t *testing.T) {
	mfs := NewMemoryFileSystem()

	testData := []byte("hello, world")
	if err := mfs.WriteFile("/test.txt", testData, 0644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	data, err := mfs.ReadFile("/test.txt")
	if err != nil {
		t.Fatalf("ReadFile failed: %v", err)
	}
	if string(data) != string(testData) {
		t.Errorf("expected %q, got %q", testData, data)
	}

	info, err := mfs.Stat("/test.txt")
	if err != nil {
		t.Fatalf("Stat failed: %v", err)
	}
	if info.Size() != int64(len(testData)) {
		t.Errorf("size = %d, want %d", info.Size(), len(testData))
	}
}

func TestMemoryFileSystem_CreateVisibleOnClose(t *testing.T) {
	mfs := NewMemoryFileSystem()

	w, err := mfs.Create("/out/chip.tif")
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if _, err := io.WriteString(w, "tiff"); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	data, err := mfs.ReadFile("/out/chip.tif")
	if err != nil {
		t.Fatalf("ReadFile failed: %v", err)
	}
	if string(data) != "tiff" {
		t.Errorf("got %q", data)
	}
}

func TestMemoryFileSystem_ReadDir(t *testing.T) {
	mfs := NewMemoryFileSystem()
	_ = mfs.WriteFile("/data/cls/b.png", nil, 0644)
	_ = mfs.WriteFile("/data/cls/a.png", nil, 0644)
	_ = mfs.WriteFile("/data/cls/deeper/c.png", nil, 0644)

	names, err := mfs.ReadDir("/data/cls")
	if err != nil {
		t.Fatalf("ReadDir failed: %v", err)
	}
	if len(names) != 2 || names[0] != "a.png" || names[1] != "b.png" {
		t.Errorf("ReadDir = %v", names)
	}

	if _, err := mfs.ReadDir("/missing"); !os.IsNotExist(err) {
		t.Errorf("expected not-exist error, got %v", err)
	}

	if err := mfs.MkdirAll("/empty", 0755); err != nil {
		t.Fatalf("MkdirAll failed: %v", err)
	}
	names, err = mfs.ReadDir("/empty")
	if err != nil || len(names) != 0 {
		t.Errorf("ReadDir(/empty) = %v, %v", names, err)
	}
}

func TestMemoryFileSystem_FilesWithPrefix(t *testing.T) {
	mfs := NewMemoryFileSystem()
	_ = mfs.WriteFile("/exports/s2_B2.tif", nil, 0644)
	_ = mfs.WriteFile("/exports/ls_B2.tif", nil, 0644)

	got := mfs.FilesWithPrefix("/exports/s2")
	if len(got) != 1 || got[0] != "/exports/s2_B2.tif" {
		t.Errorf("FilesWithPrefix = %v", got)
	}
}
