package local

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/cochaviz/tib/internal/artifacts"
	"github.com/cochaviz/tib/internal/build"
)

const testDigest = "9f86d081884c7d659a2feaa0c55ad015a3bf4f1b2b0b822cd15d6c15b0f00a08"

func TestArchiveCachePutLookupRemove(t *testing.T) {
	t.Parallel()

	baseDir := filepath.Join(t.TempDir(), "cache")
	stored := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	cache := &LocalArchiveCache{BaseDir: baseDir, Now: func() time.Time { return stored }}

	if path, err := cache.Lookup(testDigest); err != nil || path != "" {
		t.Fatalf("Lookup() on empty cache = %q, %v", path, err)
	}

	src := filepath.Join(t.TempDir(), "download.tmp")
	if err := os.WriteFile(src, []byte("test"), 0o644); err != nil {
		t.Fatalf("write source: %v", err)
	}

	path, err := cache.Put(src, artifacts.Entry{SHA256: strings.ToUpper(testDigest), Kind: artifacts.BSPKind, Locator: "https://example.com/bsp.tbz2"})
	if err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	if filepath.Dir(path) != baseDir {
		t.Fatalf("Put() path = %q, want inside %q", path, baseDir)
	}
	if _, err := os.Stat(src); !os.IsNotExist(err) {
		t.Fatalf("source file still present after Put: %v", err)
	}

	found, err := cache.Lookup(testDigest)
	if err != nil || found != path {
		t.Fatalf("Lookup() = %q, %v; want %q", found, err, path)
	}

	entries, err := cache.List()
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(entries) != 1 || entries[0].Kind != artifacts.BSPKind || entries[0].Size != 4 || !entries[0].StoredAt.Equal(stored) {
		t.Fatalf("List() = %+v", entries)
	}

	if err := cache.Remove(testDigest); err != nil {
		t.Fatalf("Remove() error = %v", err)
	}
	if path, _ := cache.Lookup(testDigest); path != "" {
		t.Fatalf("Lookup() after Remove = %q", path)
	}
}

func TestArchiveCacheRejectsMalformedDigest(t *testing.T) {
	t.Parallel()

	cache := &LocalArchiveCache{BaseDir: t.TempDir()}
	if _, err := cache.Lookup("../../etc/passwd"); err == nil {
		t.Fatalf("Lookup() accepted a path as digest")
	}
	if _, err := cache.Put(filepath.Join(t.TempDir(), "x"), artifacts.Entry{SHA256: "abc"}); err == nil {
		t.Fatalf("Put() accepted a short digest")
	}
}

func TestArchiveCacheClear(t *testing.T) {
	t.Parallel()

	baseDir := t.TempDir()
	cache := &LocalArchiveCache{BaseDir: baseDir}
	src := filepath.Join(t.TempDir(), "a")
	if err := os.WriteFile(src, []byte("a"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := cache.Put(src, artifacts.Entry{SHA256: testDigest, Kind: artifacts.RootFSKind}); err != nil {
		t.Fatalf("Put() error = %v", err)
	}

	if err := cache.Clear(); err != nil {
		t.Fatalf("Clear() error = %v", err)
	}
	entries, err := os.ReadDir(baseDir)
	if err != nil {
		t.Fatalf("read cache dir: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("cache dir not empty after Clear: %v", entries)
	}

	missing := &LocalArchiveCache{BaseDir: filepath.Join(baseDir, "missing")}
	if err := missing.Clear(); err != nil {
		t.Fatalf("Clear() on missing dir error = %v", err)
	}
}

func TestBuildRecordRepository(t *testing.T) {
	t.Parallel()

	rep := &LocalBuildRecordRepository{BaseDir: filepath.Join(t.TempDir(), "builds")}
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	records := []build.BuildRecord{
		{ID: "first", Board: "nano", Revision: "b00", StartedAt: base},
		{ID: "second", Board: "nx", StartedAt: base.Add(time.Hour)},
		{ID: "third", Board: "nano", Revision: "a02", StartedAt: base.Add(2 * time.Hour)},
	}
	for _, record := range records {
		if err := rep.Save(record); err != nil {
			t.Fatalf("Save(%s) error = %v", record.ID, err)
		}
	}

	listed, err := rep.List()
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(listed) != 3 || listed[0].ID != "third" || listed[2].ID != "first" {
		t.Fatalf("List() order = %+v", listed)
	}

	latest, err := rep.LatestForBoard("nano")
	if err != nil || latest == nil || latest.ID != "third" {
		t.Fatalf("LatestForBoard(nano) = %+v, %v", latest, err)
	}

	got, err := rep.Get("second")
	if err != nil || got == nil || got.Board != "nx" {
		t.Fatalf("Get(second) = %+v, %v", got, err)
	}
	if missing, err := rep.Get("nope"); err != nil || missing != nil {
		t.Fatalf("Get(nope) = %+v, %v", missing, err)
	}

	if err := rep.Save(build.BuildRecord{}); err == nil {
		t.Fatalf("Save() without id succeeded")
	}
}
