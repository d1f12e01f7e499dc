package fetch

import (
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
)

// Default extraction limits. A full sample root filesystem expands to a few
// gigabytes.
const (
	DefaultMaxFileSize  int64 = 16 << 30
	DefaultMaxTotalSize int64 = 64 << 30
)

// ErrUnsafeEntry is returned for archive entries that would land outside
// the extraction root.
var ErrUnsafeEntry = errors.New("unsafe archive entry")

// Validator guards archive extraction against entries escaping the
// destination and against oversized contents.
type Validator struct {
	root         string
	maxFileSize  int64
	maxTotalSize int64

	mu        sync.Mutex
	extracted int64
}

// NewValidator returns a validator for extraction into root.
func NewValidator(root string, maxFileSize, maxTotalSize int64) *Validator {
	if maxFileSize <= 0 {
		maxFileSize = DefaultMaxFileSize
	}
	if maxTotalSize <= 0 {
		maxTotalSize = DefaultMaxTotalSize
	}
	return &Validator{root: root, maxFileSize: maxFileSize, maxTotalSize: maxTotalSize}
}

// ValidatePath rejects absolute names and names that climb above the root.
// name is slash separated as stored in the archive.
func (v *Validator) ValidatePath(name string) error {
	if path.IsAbs(name) {
		return fmt.Errorf("%w: absolute path %s", ErrUnsafeEntry, name)
	}
	clean := path.Clean(name)
	if clean == ".." || strings.HasPrefix(clean, "../") {
		return fmt.Errorf("%w: path traversal %s", ErrUnsafeEntry, name)
	}
	return nil
}

// ValidateSymlink checks a link at name pointing to target. Absolute
// targets are interpreted relative to the extracted tree and accepted;
// relative targets must resolve inside it.
func (v *Validator) ValidateSymlink(name, target string) error {
	if path.IsAbs(target) {
		return nil
	}
	resolved := path.Join(path.Dir(path.Clean(name)), target)
	if resolved == ".." || strings.HasPrefix(resolved, "../") {
		return fmt.Errorf("%w: symlink %s -> %s escapes the archive root", ErrUnsafeEntry, name, target)
	}
	return nil
}

// ValidateParents makes sure no existing parent of name inside the root is
// a symlink, so writes can never be redirected outside of it.
func (v *Validator) ValidateParents(name string) error {
	current := v.root
	parts := strings.Split(path.Dir(path.Clean(name)), "/")
	for _, part := range parts {
		if part == "" || part == "." {
			continue
		}
		current = filepath.Join(current, part)
		info, err := os.Lstat(current)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return nil
			}
			return err
		}
		if info.Mode()&os.ModeSymlink != 0 {
			return fmt.Errorf("%w: %s is below symlink %s", ErrUnsafeEntry, name, current)
		}
	}
	return nil
}

// AddExtractedSize tracks the total extracted size and checks both limits.
func (v *Validator) AddExtractedSize(size int64) error {
	if size > v.maxFileSize {
		return fmt.Errorf("file size %d exceeds limit %d", size, v.maxFileSize)
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	v.extracted += size
	if v.extracted > v.maxTotalSize {
		return fmt.Errorf("total extracted size %d exceeds limit %d", v.extracted, v.maxTotalSize)
	}
	return nil
}

// Extracted returns the number of bytes extracted so far.
func (v *Validator) Extracted() int64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.extracted
}
