package artifacts

import (
	"fmt"
	"time"
)

// Kind identifies one of the vendor bundles a build consumes.
type Kind string

const (
	RootFSKind        Kind = "rootfs"         // Sample root filesystem
	BSPKind           Kind = "bsp"            // Board support package (Linux_for_Tegra)
	KernelSourcesKind Kind = "kernel_sources" // Public kernel sources
	ToolchainKind     Kind = "toolchain"      // Cross compiler for kernel builds
)

// Kinds returns every bundle kind in staging order.
func Kinds() []Kind {
	return []Kind{BSPKind, RootFSKind, KernelSourcesKind, ToolchainKind}
}

// ParseKind validates a kind read from configuration.
func ParseKind(value string) (Kind, error) {
	for _, kind := range Kinds() {
		if string(kind) == value {
			return kind, nil
		}
	}
	return "", fmt.Errorf("unknown bundle kind %q", value)
}

// Bundle is a pinned, digest-verified archive and the directory it was
// extracted into.
type Bundle struct {
	Kind    Kind
	Locator string
	SHA256  string

	// Path is the staging directory holding the extracted contents. It is
	// only set once verification and extraction have succeeded.
	Path string
}

// StageOrder reports the position of k when staging bundles into an
// environment. Bundles later in the order may be nested in earlier ones.
func StageOrder(k Kind) int {
	for idx, kind := range Kinds() {
		if kind == k {
			return idx
		}
	}
	return len(Kinds())
}

// Entry describes an archive held by a Store.
type Entry struct {
	SHA256  string `json:"sha256"`
	Kind    Kind   `json:"kind"`
	Locator string `json:"locator,omitempty"`
	// Checksum is the "algorithm:digest" of a published checksum the
	// archive was verified against, when that was not its sha256.
	Checksum string    `json:"checksum,omitempty"`
	Path     string    `json:"path"`
	Size     int64     `json:"size"`
	StoredAt time.Time `json:"stored_at"`
}
