// Package fetch retrieves pinned vendor bundles, verifies them against an
// inline sha256 or a published checksum file and extracts them into a host
// staging directory.
package fetch

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/cochaviz/tib/internal/artifacts"
	"github.com/cochaviz/tib/internal/board"
	"github.com/cochaviz/tib/internal/build"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

const digestMarkerSuffix = ".sha256"

// ErrUnpinned is returned for bundles with neither a sha256 nor a checksum
// file to verify against.
var ErrUnpinned = errors.New("bundle has no pinned digest")

// Fetcher implements build.BundleFetcher.
type Fetcher struct {
	Logger     *slog.Logger
	Cache      artifacts.Store
	StagingDir string
	Transports map[string]Transport

	// PreserveOwnership keeps archived owners and device nodes. The root
	// filesystem needs it to boot.
	PreserveOwnership bool
	MaxFileSize       int64
	MaxTotalSize      int64
}

var _ build.BundleFetcher = (*Fetcher)(nil)

// FetchAll fetches kinds concurrently. The first failure cancels the
// remaining fetches. Bundles are returned in staging order.
func (f *Fetcher) FetchAll(ctx context.Context, spec board.Spec, kinds []artifacts.Kind) ([]artifacts.Bundle, error) {
	bundles := make([]artifacts.Bundle, len(kinds))

	group, groupCtx := errgroup.WithContext(ctx)
	for idx, kind := range kinds {
		group.Go(func() error {
			bundle, err := f.Fetch(groupCtx, spec, kind)
			if err != nil {
				return err
			}
			bundles[idx] = bundle
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return nil, err
	}

	sort.SliceStable(bundles, func(i, j int) bool {
		return artifacts.StageOrder(bundles[i].Kind) < artifacts.StageOrder(bundles[j].Kind)
	})
	return bundles, nil
}

// Fetch retrieves, verifies and extracts one bundle of spec.
func (f *Fetcher) Fetch(ctx context.Context, spec board.Spec, kind artifacts.Kind) (artifacts.Bundle, error) {
	source, ok := spec.Bundle(kind)
	if !ok {
		return artifacts.Bundle{}, &build.VerificationError{
			Kind: kind,
			Err:  fmt.Errorf("board %s has no %s bundle", spec.ID, kind),
		}
	}
	if f.StagingDir == "" {
		return artifacts.Bundle{}, errors.New("staging directory is not configured")
	}

	logger := f.logger().With("board", spec.ID, "kind", kind)
	want, err := f.resolvePin(ctx, logger, kind, source)
	if err != nil {
		return artifacts.Bundle{}, err
	}

	bundle := artifacts.Bundle{Kind: kind, Locator: source.URL}
	target := filepath.Join(f.StagingDir, string(spec.ID), string(kind))

	if key, digest := stagedDigest(target); key == want.key() && digest != "" {
		logger.Info("bundle already staged", "path", target)
		bundle.SHA256 = digest
		bundle.Path = target
		return bundle, nil
	}

	archivePath, digest, cleanupArchive, err := f.obtain(ctx, logger, bundle, want)
	if err != nil {
		return artifacts.Bundle{}, err
	}
	defer cleanupArchive()
	bundle.SHA256 = digest

	if err := f.extract(ctx, logger, archivePath, target, want.key(), digest, source.Strip); err != nil {
		return artifacts.Bundle{}, &build.VerificationError{
			Kind:    kind,
			Locator: source.URL,
			Err:     fmt.Errorf("extract: %w", err),
		}
	}

	bundle.Path = target
	logger.Info("bundle staged", "path", target)
	return bundle, nil
}

// obtain returns a verified archive for bundle and its sha256, from the
// cache when possible. The returned func releases a temporary archive.
func (f *Fetcher) obtain(ctx context.Context, logger *slog.Logger, bundle artifacts.Bundle, want pin) (string, string, func(), error) {
	noop := func() {}

	if f.Cache != nil {
		cached, cachedDigest := f.lookup(logger, want)
		if cached != "" {
			digest, pinned, err := hashFile(cached, want)
			if err == nil && pinned == want.digest {
				logger.Info("using cached archive", "path", cached)
				return cached, digest, noop, nil
			}
			logger.Warn("cached archive is corrupt, downloading again", "path", cached, want.algorithm, pinned, "error", err)
			if err := f.Cache.Remove(cachedDigest); err != nil {
				logger.Warn("failed to evict cached archive", "error", err)
			}
		}
	}

	downloaded, digest, err := f.download(ctx, logger, bundle, want)
	if err != nil {
		return "", "", noop, err
	}

	if f.Cache == nil {
		return downloaded, digest, func() { os.Remove(downloaded) }, nil
	}
	entry := artifacts.Entry{
		SHA256:  digest,
		Kind:    bundle.Kind,
		Locator: bundle.Locator,
	}
	if want.algorithm != board.SHA256 {
		entry.Checksum = want.key()
	}
	stored, err := f.Cache.Put(downloaded, entry)
	if err != nil {
		logger.Warn("failed to cache archive", "error", err)
		return downloaded, digest, func() { os.Remove(downloaded) }, nil
	}
	return stored, digest, noop, nil
}

// lookup finds a cached archive for want. Archives are keyed by sha256, so
// other pins are matched through the checksum recorded with the entry.
func (f *Fetcher) lookup(logger *slog.Logger, want pin) (string, string) {
	if want.algorithm == board.SHA256 {
		cached, err := f.Cache.Lookup(want.digest)
		if err != nil {
			logger.Warn("archive cache lookup failed", "error", err)
		}
		return cached, want.digest
	}

	entries, err := f.Cache.List()
	if err != nil {
		logger.Warn("archive cache lookup failed", "error", err)
		return "", ""
	}
	for _, entry := range entries {
		if entry.Checksum != want.key() {
			continue
		}
		cached, err := f.Cache.Lookup(entry.SHA256)
		if err != nil {
			logger.Warn("archive cache lookup failed", "error", err)
		}
		return cached, entry.SHA256
	}
	return "", ""
}

// open resolves a locator to its transport and opens it.
func (f *Fetcher) open(ctx context.Context, rawLocator string) (io.ReadCloser, error) {
	locator, err := url.Parse(rawLocator)
	if err != nil {
		return nil, fmt.Errorf("parse locator: %w", err)
	}
	transport, ok := f.Transports[locator.Scheme]
	if !ok {
		return nil, fmt.Errorf("unsupported locator scheme %q", locator.Scheme)
	}
	return transport.Open(ctx, locator)
}

// download streams the locator into a temporary file while hashing it and
// returns the file with its sha256. The file is removed unless it matches
// want.
func (f *Fetcher) download(ctx context.Context, logger *slog.Logger, bundle artifacts.Bundle, want pin) (string, string, error) {
	verificationErr := func(err error) error {
		return &build.VerificationError{Kind: bundle.Kind, Locator: bundle.Locator, Err: err}
	}

	downloadDir := filepath.Join(f.StagingDir, ".downloads")
	if err := os.MkdirAll(downloadDir, 0o755); err != nil {
		return "", "", err
	}

	logger.Info("downloading bundle", "locator", bundle.Locator)
	body, err := f.open(ctx, bundle.Locator)
	if err != nil {
		return "", "", verificationErr(err)
	}
	defer body.Close()

	tmpPath := filepath.Join(downloadDir, fmt.Sprintf("%s-%s.part", bundle.Kind, uuid.NewString()))
	out, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0o644)
	if err != nil {
		return "", "", err
	}

	digest, pinned := sha256.New(), want.newHash()
	size, copyErr := io.Copy(io.MultiWriter(out, digest, pinned), body)
	closeErr := out.Close()
	if err := errors.Join(copyErr, closeErr); err != nil {
		os.Remove(tmpPath)
		return "", "", verificationErr(err)
	}

	got := hex.EncodeToString(pinned.Sum(nil))
	if got != want.digest {
		os.Remove(tmpPath)
		return "", "", &build.VerificationError{
			Kind:      bundle.Kind,
			Locator:   bundle.Locator,
			Algorithm: want.algorithm,
			Want:      want.digest,
			Got:       got,
		}
	}

	sum := hex.EncodeToString(digest.Sum(nil))
	logger.Info("bundle verified", "bytes", size, "sha256", sum, "pin", want.key())
	return tmpPath, sum, nil
}

// extract unpacks archivePath next to target and renames it into place once
// complete. A marker records the pin and sha256 of what the directory holds.
func (f *Fetcher) extract(ctx context.Context, logger *slog.Logger, archivePath, target, key, digest string, strip int) error {
	partial := target + ".partial"
	marker := target + digestMarkerSuffix

	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return err
	}
	for _, stale := range []string{partial, target, marker} {
		if err := os.RemoveAll(stale); err != nil {
			return err
		}
	}

	logger.Info("extracting bundle", "archive", archivePath)
	err := Extract(ctx, archivePath, partial, ExtractOptions{
		Strip:             strip,
		PreserveOwnership: f.PreserveOwnership,
		MaxFileSize:       f.MaxFileSize,
		MaxTotalSize:      f.MaxTotalSize,
		Logger:            logger,
	})
	if err != nil {
		if removeErr := os.RemoveAll(partial); removeErr != nil {
			logger.Warn("failed to remove partial extraction", "path", partial, "error", removeErr)
		}
		return err
	}

	if err := os.Rename(partial, target); err != nil {
		os.RemoveAll(partial)
		return err
	}
	return os.WriteFile(marker, []byte(key+"\n"+digest+"\n"), 0o644)
}

func (f *Fetcher) logger() *slog.Logger {
	if f.Logger != nil {
		return f.Logger
	}
	return slog.Default()
}

// stagedDigest returns the pin key and sha256 recorded for an extracted
// directory, or empty strings when there is none.
func stagedDigest(target string) (string, string) {
	info, err := os.Stat(target)
	if err != nil || !info.IsDir() {
		return "", ""
	}
	data, err := os.ReadFile(target + digestMarkerSuffix)
	if err != nil {
		return "", ""
	}
	key, digest, _ := strings.Cut(strings.TrimSpace(string(data)), "\n")
	if digest == "" {
		digest = key
	}
	return key, strings.TrimSpace(digest)
}

// hashFile returns the sha256 of filePath and its digest under want.
func hashFile(filePath string, want pin) (string, string, error) {
	file, err := os.Open(filePath)
	if err != nil {
		return "", "", err
	}
	defer file.Close()

	digest, pinned := sha256.New(), want.newHash()
	if _, err := io.Copy(io.MultiWriter(digest, pinned), file); err != nil {
		return "", "", err
	}
	return hex.EncodeToString(digest.Sum(nil)), hex.EncodeToString(pinned.Sum(nil)), nil
}
