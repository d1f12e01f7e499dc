package fetch

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"crypto/md5"
	"crypto/sha1"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/cochaviz/tib/internal/artifacts"
	"github.com/cochaviz/tib/internal/board"
	"github.com/cochaviz/tib/internal/build"
	"github.com/cochaviz/tib/internal/logging"
	"github.com/cochaviz/tib/internal/repositories/local"

	"github.com/ulikunitz/xz"
)

type tarEntry struct {
	name     string
	body     string
	typeflag byte
	linkname string
	mode     int64
}

func TestFetchDownloadsVerifiesAndExtracts(t *testing.T) {
	t.Parallel()

	archive := gzipTar(t, []tarEntry{
		{name: "Linux_for_Tegra/", typeflag: tar.TypeDir, mode: 0o755},
		{name: "Linux_for_Tegra/flash.sh", body: "#!/bin/bash\n", mode: 0o755},
		{name: "Linux_for_Tegra/tools/", typeflag: tar.TypeDir, mode: 0o755},
		{name: "Linux_for_Tegra/tools/creator.sh", body: "echo create\n", mode: 0o700},
		{name: "Linux_for_Tegra/flash", typeflag: tar.TypeSymlink, linkname: "flash.sh"},
	})
	server, requests := serve(t, archive)

	fetcher, cacheDir := newFetcher(t)
	spec := testSpec(server.URL+"/bsp.tbz2", digestOf(archive), 1)

	bundle, err := fetcher.Fetch(context.Background(), spec, artifacts.BSPKind)
	if err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}
	if bundle.SHA256 != digestOf(archive) || bundle.Path == "" {
		t.Fatalf("bundle = %+v", bundle)
	}

	data, err := os.ReadFile(filepath.Join(bundle.Path, "tools", "creator.sh"))
	if err != nil || string(data) != "echo create\n" {
		t.Fatalf("extracted file = %q, %v", data, err)
	}
	info, err := os.Stat(filepath.Join(bundle.Path, "tools", "creator.sh"))
	if err != nil || info.Mode().Perm() != 0o700 {
		t.Fatalf("extracted mode = %v, %v", info.Mode(), err)
	}
	if link, err := os.Readlink(filepath.Join(bundle.Path, "flash")); err != nil || link != "flash.sh" {
		t.Fatalf("symlink = %q, %v", link, err)
	}

	cached, err := os.ReadDir(cacheDir)
	if err != nil || len(cached) != 2 {
		t.Fatalf("cache contents = %v, %v; want archive and metadata", cached, err)
	}
	if got := requests.Load(); got != 1 {
		t.Fatalf("requests = %d, want 1", got)
	}

	if _, err := fetcher.Fetch(context.Background(), spec, artifacts.BSPKind); err != nil {
		t.Fatalf("second Fetch() error = %v", err)
	}
	if got := requests.Load(); got != 1 {
		t.Fatalf("already staged bundle downloaded again (%d requests)", got)
	}

	if err := os.RemoveAll(bundle.Path); err != nil {
		t.Fatalf("remove staged bundle: %v", err)
	}
	if _, err := fetcher.Fetch(context.Background(), spec, artifacts.BSPKind); err != nil {
		t.Fatalf("third Fetch() error = %v", err)
	}
	if got := requests.Load(); got != 1 {
		t.Fatalf("cached archive downloaded again (%d requests)", got)
	}
}

func TestFetchDigestMismatchLeavesNothingBehind(t *testing.T) {
	t.Parallel()

	archive := gzipTar(t, []tarEntry{{name: "rootfs/etc/hostname", body: "jetson\n", mode: 0o644}})
	server, _ := serve(t, archive)

	fetcher, cacheDir := newFetcher(t)
	wrong := digestOf([]byte("something else"))
	spec := testSpec(server.URL+"/rootfs.tbz2", wrong, 0)

	_, err := fetcher.Fetch(context.Background(), spec, artifacts.BSPKind)

	var verificationErr *build.VerificationError
	if !errors.As(err, &verificationErr) {
		t.Fatalf("Fetch() error = %v, want VerificationError", err)
	}
	if verificationErr.Want != wrong || verificationErr.Got != digestOf(archive) {
		t.Fatalf("digests = want %s got %s", verificationErr.Want, verificationErr.Got)
	}
	if build.ExitCode(err) != build.ExitVerification {
		t.Fatalf("ExitCode() = %d", build.ExitCode(err))
	}

	assertNoFiles(t, fetcher.StagingDir)
	assertNoFiles(t, cacheDir)
}

func TestFetchRejectsUnpinnedBundleWithoutDownloading(t *testing.T) {
	t.Parallel()

	server, requests := serve(t, []byte("irrelevant"))
	fetcher, _ := newFetcher(t)

	_, err := fetcher.Fetch(context.Background(), testSpec(server.URL+"/bsp", "", 0), artifacts.BSPKind)
	if !errors.Is(err, ErrUnpinned) {
		t.Fatalf("Fetch() error = %v, want ErrUnpinned", err)
	}
	if requests.Load() != 0 {
		t.Fatalf("unpinned bundle was downloaded")
	}
}

func TestFetchVerifiesAgainstPublishedChecksum(t *testing.T) {
	t.Parallel()

	archive := gzipTar(t, []tarEntry{{name: "gcc/bin/aarch64-linux-gnu-gcc", body: "gcc\n", mode: 0o755}})
	md5sum := md5.Sum(archive)
	listing := "-----BEGIN PGP SIGNED MESSAGE-----\nHash: SHA1\n\n" +
		"0123456789abcdef0123456789abcdef  other.tar.xz\n" +
		hex.EncodeToString(md5sum[:]) + "  gcc.tar.xz\n" +
		"-----BEGIN PGP SIGNATURE-----\niQEcBAEBAgAGBQJbAAAAAAoJEAAAAAAAAAAA\n-----END PGP SIGNATURE-----\n"

	var archiveRequests atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/gcc.tar.xz", func(w http.ResponseWriter, r *http.Request) {
		archiveRequests.Add(1)
		w.Write(archive)
	})
	mux.HandleFunc("/gcc.tar.xz.asc", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(listing))
	})
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)

	fetcher, _ := newFetcher(t)
	spec := board.Spec{
		ID: "nano",
		Bundles: map[artifacts.Kind]board.BundleSource{
			artifacts.ToolchainKind: {
				URL:      server.URL + "/gcc.tar.xz",
				Checksum: &board.ChecksumSource{URL: server.URL + "/gcc.tar.xz.asc", Algorithm: "md5"},
			},
		},
	}

	bundle, err := fetcher.Fetch(context.Background(), spec, artifacts.ToolchainKind)
	if err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}
	if bundle.SHA256 != digestOf(archive) {
		t.Fatalf("bundle sha256 = %s, want %s", bundle.SHA256, digestOf(archive))
	}
	if _, err := os.Stat(filepath.Join(bundle.Path, "gcc", "bin", "aarch64-linux-gnu-gcc")); err != nil {
		t.Fatalf("toolchain not extracted: %v", err)
	}

	if err := os.RemoveAll(filepath.Join(fetcher.StagingDir, "nano")); err != nil {
		t.Fatal(err)
	}
	again, err := fetcher.Fetch(context.Background(), spec, artifacts.ToolchainKind)
	if err != nil {
		t.Fatalf("second Fetch() error = %v", err)
	}
	if archiveRequests.Load() != 1 {
		t.Fatalf("archive downloaded %d times, want the cached copy reused", archiveRequests.Load())
	}
	if again.SHA256 != bundle.SHA256 {
		t.Fatalf("second bundle = %+v", again)
	}
}

func TestFetchPublishedChecksumMismatch(t *testing.T) {
	t.Parallel()

	archive := gzipTar(t, []tarEntry{{name: "Linux_for_Tegra/flash.sh", body: "#!/bin/bash\n", mode: 0o755}})
	wrong := "da39a3ee5e6b4b0d3255bfef95601890afd80709"

	mux := http.NewServeMux()
	mux.HandleFunc("/bsp.tbz2", func(w http.ResponseWriter, r *http.Request) { w.Write(archive) })
	mux.HandleFunc("/bsp.tbz2.sha1sum", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(wrong + "  bsp.tbz2\n"))
	})
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)

	fetcher, cacheDir := newFetcher(t)
	spec := board.Spec{
		ID: "nano",
		Bundles: map[artifacts.Kind]board.BundleSource{
			artifacts.BSPKind: {
				URL:      server.URL + "/bsp.tbz2",
				Checksum: &board.ChecksumSource{URL: server.URL + "/bsp.tbz2.sha1sum", Algorithm: "sha1"},
			},
		},
	}

	_, err := fetcher.Fetch(context.Background(), spec, artifacts.BSPKind)

	var verificationErr *build.VerificationError
	if !errors.As(err, &verificationErr) {
		t.Fatalf("Fetch() error = %v, want VerificationError", err)
	}
	sha1sum := sha1.Sum(archive)
	if verificationErr.Algorithm != "sha1" || verificationErr.Want != wrong || verificationErr.Got != hex.EncodeToString(sha1sum[:]) {
		t.Fatalf("verification error = %+v", verificationErr)
	}
	assertNoFiles(t, fetcher.StagingDir)
	assertNoFiles(t, cacheDir)
}

func TestParseChecksumFile(t *testing.T) {
	t.Parallel()

	const (
		first  = "0123456789abcdef0123456789abcdef"
		second = "fedcba9876543210fedcba9876543210"
	)
	tests := []struct {
		name    string
		data    string
		want    string
		wantErr bool
	}{
		{name: "named entry", data: first + "  other.tbz2\n" + second + "  bsp.tbz2\n", want: second},
		{name: "binary mode marker", data: first + " *bsp.tbz2\n", want: first},
		{name: "path in listing", data: first + "  T210/bsp.tbz2\n", want: first},
		{name: "bare digest", data: strings.ToUpper(first) + "\n", want: first},
		{name: "armoured", data: "-----BEGIN PGP SIGNED MESSAGE-----\nHash: SHA1\n\n" + second + "  bsp.tbz2\n-----BEGIN PGP SIGNATURE-----\n", want: second},
		{name: "only other files", data: first + "  other.tbz2\n", wantErr: true},
		{name: "ambiguous bare digests", data: first + "\n" + second + "\n", wantErr: true},
		{name: "wrong length", data: first + "00  bsp.tbz2\n", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			got, err := parseChecksumFile(tt.data, "bsp.tbz2", digestPatterns[board.MD5])
			if tt.wantErr {
				if err == nil {
					t.Fatalf("parseChecksumFile() = %q, want error", got)
				}
				return
			}
			if err != nil || got != tt.want {
				t.Fatalf("parseChecksumFile() = %q, %v, want %q", got, err, tt.want)
			}
		})
	}
}

func TestFetchRejectsUnsafeArchives(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name    string
		entries []tarEntry
	}{
		{
			name:    "parent traversal",
			entries: []tarEntry{{name: "../escape", body: "x", mode: 0o644}},
		},
		{
			name:    "absolute path",
			entries: []tarEntry{{name: "/etc/shadow", body: "x", mode: 0o644}},
		},
		{
			name:    "escaping symlink",
			entries: []tarEntry{{name: "link", typeflag: tar.TypeSymlink, linkname: "../../outside"}},
		},
		{
			name: "write through symlink",
			entries: []tarEntry{
				{name: "etc", typeflag: tar.TypeSymlink, linkname: "/etc"},
				{name: "etc/passwd", body: "root::0:0::/:/bin/sh\n", mode: 0o644},
			},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			archive := gzipTar(t, tc.entries)
			archivePath := filepath.Join(t.TempDir(), "evil.tar.gz")
			if err := os.WriteFile(archivePath, archive, 0o644); err != nil {
				t.Fatalf("write archive: %v", err)
			}

			fetcher, _ := newFetcher(t)
			spec := testSpec("file://"+archivePath, digestOf(archive), 0)

			_, err := fetcher.Fetch(context.Background(), spec, artifacts.BSPKind)
			if !errors.Is(err, ErrUnsafeEntry) {
				t.Fatalf("Fetch() error = %v, want ErrUnsafeEntry", err)
			}
			target := filepath.Join(fetcher.StagingDir, "nano", "bsp")
			for _, leftover := range []string{target, target + ".partial"} {
				if _, err := os.Stat(leftover); !os.IsNotExist(err) {
					t.Fatalf("%s exists after failed extraction", leftover)
				}
			}
		})
	}
}

func TestExtractXZWithStrip(t *testing.T) {
	t.Parallel()

	plain := plainTar(t, []tarEntry{
		{name: "gcc-linaro/bin/aarch64-linux-gnu-gcc", body: "gcc", mode: 0o755},
		{name: "gcc-linaro/README", body: "readme", mode: 0o644},
	})
	var compressed bytes.Buffer
	writer, err := xz.NewWriter(&compressed)
	if err != nil {
		t.Fatalf("xz writer: %v", err)
	}
	if _, err := writer.Write(plain); err != nil {
		t.Fatalf("xz write: %v", err)
	}
	if err := writer.Close(); err != nil {
		t.Fatalf("xz close: %v", err)
	}

	archivePath := filepath.Join(t.TempDir(), "toolchain.tar.xz")
	if err := os.WriteFile(archivePath, compressed.Bytes(), 0o644); err != nil {
		t.Fatalf("write archive: %v", err)
	}

	dest := filepath.Join(t.TempDir(), "toolchain")
	if err := Extract(context.Background(), archivePath, dest, ExtractOptions{Strip: 1, Logger: logging.Discard()}); err != nil {
		t.Fatalf("Extract() error = %v", err)
	}
	if data, err := os.ReadFile(filepath.Join(dest, "bin", "aarch64-linux-gnu-gcc")); err != nil || string(data) != "gcc" {
		t.Fatalf("stripped file = %q, %v", data, err)
	}
}

func TestFetchAllReturnsStagingOrderAndFailsFast(t *testing.T) {
	t.Parallel()

	bsp := gzipTar(t, []tarEntry{{name: "l4t/flash.sh", body: "flash", mode: 0o755}})
	rootfs := gzipTar(t, []tarEntry{{name: "etc/hostname", body: "jetson", mode: 0o644}})
	dir := t.TempDir()
	bspPath := filepath.Join(dir, "bsp.tgz")
	rootfsPath := filepath.Join(dir, "rootfs.tgz")
	for path, data := range map[string][]byte{bspPath: bsp, rootfsPath: rootfs} {
		if err := os.WriteFile(path, data, 0o644); err != nil {
			t.Fatalf("write %s: %v", path, err)
		}
	}

	spec := board.Spec{
		ID: "nano",
		Bundles: map[artifacts.Kind]board.BundleSource{
			artifacts.BSPKind:    {URL: "file://" + bspPath, SHA256: digestOf(bsp), Strip: 1},
			artifacts.RootFSKind: {URL: "file://" + rootfsPath, SHA256: digestOf(rootfs)},
		},
	}

	fetcher, _ := newFetcher(t)
	bundles, err := fetcher.FetchAll(context.Background(), spec, []artifacts.Kind{artifacts.RootFSKind, artifacts.BSPKind})
	if err != nil {
		t.Fatalf("FetchAll() error = %v", err)
	}
	if len(bundles) != 2 || bundles[0].Kind != artifacts.BSPKind || bundles[1].Kind != artifacts.RootFSKind {
		t.Fatalf("FetchAll() order = %+v", bundles)
	}

	spec.Bundles[artifacts.KernelSourcesKind] = board.BundleSource{URL: "file://" + filepath.Join(dir, "missing.tbz2"), SHA256: digestOf([]byte("x"))}
	_, err = fetcher.FetchAll(context.Background(), spec, []artifacts.Kind{artifacts.BSPKind, artifacts.KernelSourcesKind})
	if build.ExitCode(err) != build.ExitVerification {
		t.Fatalf("FetchAll() error = %v, want VerificationError", err)
	}
}

func newFetcher(t *testing.T) (*Fetcher, string) {
	t.Helper()
	logger := logging.Discard()
	cacheDir := filepath.Join(t.TempDir(), "cache")
	return &Fetcher{
		Logger:     logger,
		Cache:      &local.LocalArchiveCache{BaseDir: cacheDir},
		StagingDir: filepath.Join(t.TempDir(), "staging"),
		Transports: DefaultTransports(logger, 0, ""),
	}, cacheDir
}

func testSpec(locator, digest string, strip int) board.Spec {
	return board.Spec{
		ID: "nano",
		Bundles: map[artifacts.Kind]board.BundleSource{
			artifacts.BSPKind: {URL: locator, SHA256: digest, Strip: strip},
		},
	}
}

func serve(t *testing.T, payload []byte) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var requests atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		w.Write(payload)
	}))
	t.Cleanup(server.Close)
	return server, &requests
}

func digestOf(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func gzipTar(t *testing.T, entries []tarEntry) []byte {
	t.Helper()
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	if _, err := gz.Write(plainTar(t, entries)); err != nil {
		t.Fatalf("gzip write: %v", err)
	}
	if err := gz.Close(); err != nil {
		t.Fatalf("gzip close: %v", err)
	}
	return buf.Bytes()
}

func plainTar(t *testing.T, entries []tarEntry) []byte {
	t.Helper()
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	for _, entry := range entries {
		typeflag := entry.typeflag
		if typeflag == 0 {
			typeflag = tar.TypeReg
		}
		hdr := &tar.Header{
			Name:     entry.name,
			Typeflag: typeflag,
			Linkname: entry.linkname,
			Mode:     entry.mode,
			Size:     int64(len(entry.body)),
		}
		if typeflag != tar.TypeReg {
			hdr.Size = 0
		}
		if err := tw.WriteHeader(hdr); err != nil {
			t.Fatalf("write header %s: %v", entry.name, err)
		}
		if typeflag == tar.TypeReg {
			if _, err := tw.Write([]byte(entry.body)); err != nil {
				t.Fatalf("write body %s: %v", entry.name, err)
			}
		}
	}
	if err := tw.Close(); err != nil {
		t.Fatalf("close tar: %v", err)
	}
	return buf.Bytes()
}

func assertNoFiles(t *testing.T, root string) {
	t.Helper()
	err := filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if !d.IsDir() {
			t.Errorf("unexpected file left behind: %s", path)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("walk %s: %v", root, err)
	}
}
