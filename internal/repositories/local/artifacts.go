package local

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/cochaviz/tib/internal/artifacts"
)

var digestPattern = regexp.MustCompile(`^[0-9a-f]{64}$`)

// LocalArchiveCache keeps verified bundle archives under BaseDir, named by
// their sha256 digest, each with a JSON metadata document next to it.
type LocalArchiveCache struct {
	BaseDir string
	Now     func() time.Time
}

var _ artifacts.Store = (*LocalArchiveCache)(nil)

// Lookup returns the path of the archive with the given digest, or "" when
// it is not cached.
func (store *LocalArchiveCache) Lookup(sha256 string) (string, error) {
	archivePath, err := store.archivePath(sha256)
	if err != nil {
		return "", err
	}
	info, err := os.Stat(archivePath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", nil
		}
		return "", err
	}
	if !info.Mode().IsRegular() {
		return "", fmt.Errorf("cached archive %s is not a regular file", archivePath)
	}
	return archivePath, nil
}

// Put moves the verified archive at path into the cache and records its
// metadata. The source file is consumed.
func (store *LocalArchiveCache) Put(path string, entry artifacts.Entry) (string, error) {
	if store.BaseDir == "" {
		return "", errors.New("base directory is not configured")
	}
	if path == "" {
		return "", errors.New("archive path is required")
	}
	destPath, err := store.archivePath(entry.SHA256)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(store.BaseDir, 0o755); err != nil {
		return "", err
	}

	if err := moveFile(path, destPath); err != nil {
		return "", err
	}

	info, err := os.Stat(destPath)
	if err != nil {
		return "", err
	}
	entry.Path = destPath
	entry.Size = info.Size()
	entry.StoredAt = store.now()

	if err := store.writeMetadata(destPath, entry); err != nil {
		return "", err
	}
	return destPath, nil
}

// List returns the cached archives ordered by kind and digest.
func (store *LocalArchiveCache) List() ([]artifacts.Entry, error) {
	entries, err := os.ReadDir(store.BaseDir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}

	var cached []artifacts.Entry
	for _, dirEntry := range entries {
		if dirEntry.IsDir() || !strings.HasSuffix(dirEntry.Name(), ".json") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(store.BaseDir, dirEntry.Name()))
		if err != nil {
			return nil, err
		}
		var entry artifacts.Entry
		if err := json.Unmarshal(data, &entry); err != nil {
			return nil, fmt.Errorf("decode %s: %w", dirEntry.Name(), err)
		}
		cached = append(cached, entry)
	}

	sort.Slice(cached, func(i, j int) bool {
		if cached[i].Kind != cached[j].Kind {
			return artifacts.StageOrder(cached[i].Kind) < artifacts.StageOrder(cached[j].Kind)
		}
		return cached[i].SHA256 < cached[j].SHA256
	})
	return cached, nil
}

// Remove deletes the archive and its metadata document.
func (store *LocalArchiveCache) Remove(sha256 string) error {
	archivePath, err := store.archivePath(sha256)
	if err != nil {
		return err
	}
	if err := os.Remove(archivePath); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	if err := os.Remove(metadataPath(archivePath)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

// Clear removes all archives and metadata under the cache directory.
func (store *LocalArchiveCache) Clear() error {
	entries, err := os.ReadDir(store.BaseDir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return err
	}

	for _, entry := range entries {
		if err := os.RemoveAll(filepath.Join(store.BaseDir, entry.Name())); err != nil {
			return err
		}
	}
	return nil
}

func (store *LocalArchiveCache) archivePath(sha256 string) (string, error) {
	digest := strings.ToLower(strings.TrimSpace(sha256))
	if !digestPattern.MatchString(digest) {
		return "", fmt.Errorf("invalid sha256 digest %q", sha256)
	}
	return filepath.Join(store.BaseDir, digest+".archive"), nil
}

func (store *LocalArchiveCache) writeMetadata(archivePath string, entry artifacts.Entry) error {
	payload, err := json.MarshalIndent(entry, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(metadataPath(archivePath), payload, 0o644)
}

func (store *LocalArchiveCache) now() time.Time {
	if store.Now != nil {
		return store.Now()
	}
	return time.Now()
}

func metadataPath(path string) string {
	return path + ".json"
}

// moveFile renames src to dst, falling back to a copy when both are on
// different filesystems.
func moveFile(src, dst string) error {
	if err := os.Rename(src, dst); err == nil {
		return nil
	}

	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	tmp := dst + ".tmp"
	out, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(tmp)
		return err
	}
	if err := out.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, dst); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Remove(src)
}
