package fetch

import (
	"archive/tar"
	"bufio"
	"bytes"
	"compress/bzip2"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/klauspost/pgzip"
	"github.com/ulikunitz/xz"
	"golang.org/x/sys/unix"
)

// Compression identifies the stream format of an archive.
type Compression string

const (
	CompressionNone  Compression = "none"
	CompressionGzip  Compression = "gzip"
	CompressionBzip2 Compression = "bzip2"
	CompressionXZ    Compression = "xz"
)

var (
	gzipMagic  = []byte{0x1f, 0x8b}
	bzip2Magic = []byte("BZh")
	xzMagic    = []byte{0xfd, '7', 'z', 'X', 'Z', 0x00}
)

// ExtractOptions controls how an archive is unpacked.
type ExtractOptions struct {
	// Strip drops leading path components, like tar --strip-components.
	Strip int
	// PreserveOwnership applies archived uid and gid and creates device
	// nodes. It requires root.
	PreserveOwnership bool
	MaxFileSize       int64
	MaxTotalSize      int64
	Logger            *slog.Logger
}

// DetectCompression inspects the leading bytes of r.
func DetectCompression(r *bufio.Reader) Compression {
	header, _ := r.Peek(len(xzMagic))
	switch {
	case bytes.HasPrefix(header, gzipMagic):
		return CompressionGzip
	case bytes.HasPrefix(header, bzip2Magic):
		return CompressionBzip2
	case bytes.HasPrefix(header, xzMagic):
		return CompressionXZ
	default:
		return CompressionNone
	}
}

// Extract unpacks the tar archive at archivePath into dest, which is
// created if missing.
func Extract(ctx context.Context, archivePath, dest string, opts ExtractOptions) error {
	file, err := os.Open(archivePath)
	if err != nil {
		return err
	}
	defer file.Close()

	buffered := bufio.NewReaderSize(file, 1<<20)
	stream, err := decompress(buffered)
	if err != nil {
		return err
	}
	if closer, ok := stream.(io.Closer); ok {
		defer closer.Close()
	}

	if err := os.MkdirAll(dest, 0o755); err != nil {
		return err
	}
	return extractTar(ctx, tar.NewReader(stream), dest, opts)
}

func decompress(r *bufio.Reader) (io.Reader, error) {
	switch DetectCompression(r) {
	case CompressionGzip:
		return pgzip.NewReader(r)
	case CompressionBzip2:
		return bzip2.NewReader(r), nil
	case CompressionXZ:
		return xz.NewReader(r)
	default:
		return r, nil
	}
}

type deferredDir struct {
	path  string
	mode  os.FileMode
	mtime time.Time
}

func extractTar(ctx context.Context, tr *tar.Reader, dest string, opts ExtractOptions) error {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	validator := NewValidator(dest, opts.MaxFileSize, opts.MaxTotalSize)

	var dirs []deferredDir
	var skipped int
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if errors.Is(err, tar.ErrInsecurePath) {
			return fmt.Errorf("%w: %s", ErrUnsafeEntry, hdr.Name)
		}
		if err != nil {
			return fmt.Errorf("read archive: %w", err)
		}

		name, ok := stripComponents(hdr.Name, opts.Strip)
		if !ok {
			continue
		}
		if err := validator.ValidatePath(name); err != nil {
			return err
		}
		if err := validator.ValidateParents(name); err != nil {
			return err
		}
		target := filepath.Join(dest, filepath.FromSlash(name))
		mode := hdr.FileInfo().Mode()

		switch hdr.Typeflag {
		case tar.TypeDir:
			if info, err := os.Lstat(target); err == nil && info.Mode()&os.ModeSymlink != 0 {
				return fmt.Errorf("%w: directory %s replaces a symlink", ErrUnsafeEntry, name)
			}
			if err := os.MkdirAll(target, 0o755); err != nil {
				return err
			}
			dirs = append(dirs, deferredDir{path: target, mode: mode.Perm() | mode&(os.ModeSetgid|os.ModeSticky), mtime: hdr.ModTime})
			if err := applyOwnership(target, hdr, opts); err != nil {
				return err
			}
			continue

		case tar.TypeReg:
			if err := validator.AddExtractedSize(hdr.Size); err != nil {
				return fmt.Errorf("%s: %w", name, err)
			}
			if err := writeFile(tr, target); err != nil {
				return fmt.Errorf("%s: %w", name, err)
			}

		case tar.TypeSymlink:
			if err := validator.ValidateSymlink(name, hdr.Linkname); err != nil {
				return err
			}
			if err := replaceWith(target, func() error { return os.Symlink(hdr.Linkname, target) }); err != nil {
				return err
			}
			if err := applyOwnership(target, hdr, opts); err != nil {
				return err
			}
			continue

		case tar.TypeLink:
			linkName, ok := stripComponents(hdr.Linkname, opts.Strip)
			if !ok {
				return fmt.Errorf("%w: hard link %s targets stripped entry %s", ErrUnsafeEntry, name, hdr.Linkname)
			}
			if err := validator.ValidatePath(linkName); err != nil {
				return err
			}
			source := filepath.Join(dest, filepath.FromSlash(linkName))
			if err := replaceWith(target, func() error { return os.Link(source, target) }); err != nil {
				return err
			}
			continue

		case tar.TypeChar, tar.TypeBlock, tar.TypeFifo:
			if !opts.PreserveOwnership {
				skipped++
				continue
			}
			if err := makeNode(target, hdr); err != nil {
				return fmt.Errorf("%s: %w", name, err)
			}

		default:
			skipped++
			continue
		}

		if err := applyOwnership(target, hdr, opts); err != nil {
			return err
		}
		if err := os.Chmod(target, mode.Perm()|mode&(os.ModeSetuid|os.ModeSetgid|os.ModeSticky)); err != nil {
			return err
		}
		if err := os.Chtimes(target, hdr.ModTime, hdr.ModTime); err != nil {
			return err
		}
	}

	for idx := len(dirs) - 1; idx >= 0; idx-- {
		dir := dirs[idx]
		if err := os.Chmod(dir.path, dir.mode); err != nil {
			return err
		}
		if err := os.Chtimes(dir.path, dir.mtime, dir.mtime); err != nil {
			return err
		}
	}

	if skipped > 0 {
		logger.Debug("skipped archive entries", "count", skipped, "dest", dest)
	}
	logger.Debug("archive extracted", "dest", dest, "bytes", validator.Extracted())
	return nil
}

// stripComponents drops the first n components of name. It reports false
// when nothing is left.
func stripComponents(name string, n int) (string, bool) {
	clean := path.Clean(strings.TrimPrefix(name, "./"))
	if clean == "." || clean == "" {
		return "", false
	}
	if n <= 0 {
		return clean, true
	}
	parts := strings.Split(clean, "/")
	if len(parts) <= n {
		return "", false
	}
	return strings.Join(parts[n:], "/"), true
}

func writeFile(r io.Reader, target string) error {
	return replaceWith(target, func() error {
		out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0o600)
		if err != nil {
			return err
		}
		if _, err := io.Copy(out, r); err != nil {
			out.Close()
			return err
		}
		return out.Close()
	})
}

// replaceWith removes any non-directory entry at target before create runs.
func replaceWith(target string, create func() error) error {
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return err
	}
	if info, err := os.Lstat(target); err == nil && !info.IsDir() {
		if err := os.Remove(target); err != nil {
			return err
		}
	}
	return create()
}

func makeNode(target string, hdr *tar.Header) error {
	var mode uint32
	switch hdr.Typeflag {
	case tar.TypeChar:
		mode = unix.S_IFCHR
	case tar.TypeBlock:
		mode = unix.S_IFBLK
	case tar.TypeFifo:
		mode = unix.S_IFIFO
	}
	dev := unix.Mkdev(uint32(hdr.Devmajor), uint32(hdr.Devminor))
	return replaceWith(target, func() error {
		return unix.Mknod(target, mode|uint32(hdr.Mode&0o7777), int(dev))
	})
}

func applyOwnership(target string, hdr *tar.Header, opts ExtractOptions) error {
	if !opts.PreserveOwnership {
		return nil
	}
	if err := os.Lchown(target, hdr.Uid, hdr.Gid); err != nil {
		return fmt.Errorf("chown %s: %w", target, err)
	}
	return nil
}
