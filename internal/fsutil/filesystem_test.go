package fsutil

import (
	"errors"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"testing"
)

func TestOSFileSystem_RoundTrip(t *testing.T) {
	fsys := OSFileSystem{}
	dir := filepath.Join(t.TempDir(), "out", "nested")

	if err := fsys.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}
	path := filepath.Join(dir, "report.json")
	w, err := fsys.Create(path)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := io.WriteString(w, `{"ok":true}`); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	if !fsys.Exists(path) {
		t.Fatal("expected file to exist")
	}
	data, err := fsys.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if string(data) != `{"ok":true}` {
		t.Errorf("ReadFile = %q", data)
	}
	info, err := fsys.Stat(path)
	if err != nil || info.Size() != int64(len(data)) {
		t.Errorf("Stat = %v, %v", info, err)
	}
}

func TestMemoryFileSystem(t *testing.T) {
	m := NewMemoryFileSystem()
	m.WriteFile("depth/img_001.raw", []byte{1, 2, 3, 4})

	f, err := m.Open("depth/img_001.raw")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	data, err := io.ReadAll(f)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if len(data) != 4 {
		t.Errorf("read %d bytes, want 4", len(data))
	}
	info, _ := f.Stat()
	if info.Name() != "img_001.raw" || info.Size() != 4 {
		t.Errorf("unexpected stat %s/%d", info.Name(), info.Size())
	}
	f.Close()

	if _, err := m.Open("depth/missing.raw"); !errors.Is(err, fs.ErrNotExist) {
		t.Errorf("expected ErrNotExist, got %v", err)
	}

	w, _ := m.Create("out/summary.txt")
	io.WriteString(w, "hello")
	w.Close()
	got, err := m.ReadFile("out/summary.txt")
	if err != nil || string(got) != "hello" {
		t.Errorf("ReadFile = %q, %v", got, err)
	}

	if err := m.MkdirAll("a/b/c", os.ModePerm); err != nil {
		t.Fatal(err)
	}
	for _, p := range []string{"a", "a/b", "a/b/c"} {
		if !m.Exists(p) {
			t.Errorf("expected dir %s to exist", p)
		}
	}
	if info, err := m.Stat("a/b"); err != nil || !info.IsDir() {
		t.Errorf("Stat(a/b) = %v, %v", info, err)
	}
}
