// Package board describes the supported target boards and the pinned vendor
// bundles each one is built from.
package board

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/cochaviz/tib/arch"
	"github.com/cochaviz/tib/internal/artifacts"
)

var (
	// ErrUnknownBoard is returned for identifiers missing from the table.
	ErrUnknownBoard = errors.New("unknown board")
	// ErrUnknownRevision is returned for revisions a board does not define.
	ErrUnknownRevision = errors.New("unknown hardware revision")
)

// ID identifies a board in the table.
type ID string

const (
	Nano ID = "nano"
	NX   ID = "nx"
)

// Revision selects a hardware revision of a board family.
type Revision string

// RevisionSpec holds the values a hardware revision changes.
type RevisionSpec struct {
	SKU string `yaml:"sku"` // passed to the image creator as -r
	DTB string `yaml:"dtb"` // device tree file under /boot
}

// Digest algorithms a published checksum file may carry.
const (
	SHA256 = "sha256"
	SHA1   = "sha1"
	MD5    = "md5"
)

// BundleSource pins where a bundle comes from and what it must hash to.
// A bundle without an inline SHA256 is pinned by the checksum file its
// vendor publishes next to it.
type BundleSource struct {
	URL      string          `yaml:"url"`
	SHA256   string          `yaml:"sha256"`
	Checksum *ChecksumSource `yaml:"checksum,omitempty"`
	// Strip is the number of leading path components removed on extraction.
	Strip int `yaml:"strip"`
}

// ChecksumSource locates a published checksum file.
type ChecksumSource struct {
	URL       string `yaml:"url"`
	Algorithm string `yaml:"algorithm"` // sha256 when empty
}

// Pinned reports whether the source can be verified.
func (b BundleSource) Pinned() bool {
	return strings.TrimSpace(b.SHA256) != "" || (b.Checksum != nil && b.Checksum.URL != "")
}

// DigestAlgorithm returns the normalized algorithm of the checksum file.
func (c ChecksumSource) DigestAlgorithm() string {
	algorithm := strings.ToLower(strings.TrimSpace(c.Algorithm))
	if algorithm == "" {
		return SHA256
	}
	return algorithm
}

// Spec carries the constants of one board.
type Spec struct {
	ID                ID                              `yaml:"id"`
	Description       string                          `yaml:"description"`
	SoC               string                          `yaml:"soc"`
	Arch              arch.Architecture               `yaml:"arch"`
	ImageCreatorBoard string                          `yaml:"image_creator_board"`
	DefaultRevision   Revision                        `yaml:"default_revision"`
	Revisions         map[Revision]RevisionSpec       `yaml:"revisions"`
	Bundles           map[artifacts.Kind]BundleSource `yaml:"bundles"`
}

// Bundle returns the pinned source of kind.
func (s Spec) Bundle(kind artifacts.Kind) (BundleSource, bool) {
	source, ok := s.Bundles[kind]
	return source, ok
}

// RevisionNames lists the revisions of the board in sorted order.
func (s Spec) RevisionNames() []string {
	names := make([]string, 0, len(s.Revisions))
	for rev := range s.Revisions {
		names = append(names, string(rev))
	}
	sort.Strings(names)
	return names
}

// ResolveRevision validates value against the board. An empty value selects
// the default revision. Boards without revisions accept only an empty value.
func (s Spec) ResolveRevision(value string) (Revision, RevisionSpec, error) {
	value = strings.ToLower(strings.TrimSpace(value))
	if len(s.Revisions) == 0 {
		if value != "" {
			return "", RevisionSpec{}, fmt.Errorf("%w %q: board %s has no revisions", ErrUnknownRevision, value, s.ID)
		}
		return "", RevisionSpec{}, nil
	}

	rev := Revision(value)
	if rev == "" {
		rev = s.DefaultRevision
	}
	spec, ok := s.Revisions[rev]
	if !ok {
		return "", RevisionSpec{}, fmt.Errorf("%w %q for board %s (supported: %s)", ErrUnknownRevision, value, s.ID, strings.Join(s.RevisionNames(), ", "))
	}
	return rev, spec, nil
}

func (s Spec) validate() error {
	if s.ID == "" {
		return errors.New("board id is required")
	}
	if !s.Arch.IsValid() {
		return fmt.Errorf("board %s: unsupported architecture %q", s.ID, s.Arch)
	}
	if s.ImageCreatorBoard == "" {
		return fmt.Errorf("board %s: image_creator_board is required", s.ID)
	}
	if len(s.Revisions) > 0 {
		if _, ok := s.Revisions[s.DefaultRevision]; !ok {
			return fmt.Errorf("board %s: default revision %q is not defined", s.ID, s.DefaultRevision)
		}
	}
	for _, kind := range []artifacts.Kind{artifacts.BSPKind, artifacts.RootFSKind} {
		if source, ok := s.Bundles[kind]; !ok || source.URL == "" {
			return fmt.Errorf("board %s: %s bundle is required", s.ID, kind)
		}
	}
	for kind, source := range s.Bundles {
		if _, err := artifacts.ParseKind(string(kind)); err != nil {
			return fmt.Errorf("board %s: %w", s.ID, err)
		}
		if source.Strip < 0 {
			return fmt.Errorf("board %s: %s strip must not be negative", s.ID, kind)
		}
		if checksum := source.Checksum; checksum != nil {
			if checksum.URL == "" {
				return fmt.Errorf("board %s: %s checksum url is required", s.ID, kind)
			}
			switch checksum.DigestAlgorithm() {
			case SHA256, SHA1, MD5:
			default:
				return fmt.Errorf("board %s: %s checksum algorithm %q is not supported", s.ID, kind, checksum.Algorithm)
			}
		}
	}
	return nil
}
