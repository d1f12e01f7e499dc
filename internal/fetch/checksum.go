package fetch

import (
	"context"
	"crypto/md5"
	"crypto/sha1"
	"crypto/sha256"
	"fmt"
	"hash"
	"io"
	"log/slog"
	"net/url"
	"path"
	"regexp"
	"strings"

	"github.com/cochaviz/tib/internal/artifacts"
	"github.com/cochaviz/tib/internal/board"
	"github.com/cochaviz/tib/internal/build"
)

// maxChecksumFileSize bounds what is read from a published checksum file.
const maxChecksumFileSize = 64 << 10

var digestPatterns = map[string]*regexp.Regexp{
	board.SHA256: regexp.MustCompile(`(?i)^[0-9a-f]{64}$`),
	board.SHA1:   regexp.MustCompile(`(?i)^[0-9a-f]{40}$`),
	board.MD5:    regexp.MustCompile(`(?i)^[0-9a-f]{32}$`),
}

// pin is the digest an archive must hash to.
type pin struct {
	algorithm string
	digest    string
}

// key identifies the pin in staging markers and cache entries. Plain
// sha256 pins keep the bare digest.
func (p pin) key() string {
	if p.algorithm == board.SHA256 {
		return p.digest
	}
	return p.algorithm + ":" + p.digest
}

func (p pin) newHash() hash.Hash {
	switch p.algorithm {
	case board.SHA1:
		return sha1.New()
	case board.MD5:
		return md5.New()
	default:
		return sha256.New()
	}
}

// resolvePin returns the digest source must match: the inline sha256 when
// set, otherwise the entry for the archive in its published checksum file.
func (f *Fetcher) resolvePin(ctx context.Context, logger *slog.Logger, kind artifacts.Kind, source board.BundleSource) (pin, error) {
	verificationErr := func(err error) error {
		return &build.VerificationError{Kind: kind, Locator: source.URL, Err: err}
	}

	if digest := strings.ToLower(strings.TrimSpace(source.SHA256)); digest != "" {
		if !digestPatterns[board.SHA256].MatchString(digest) {
			return pin{}, verificationErr(fmt.Errorf("malformed sha256 digest %q", source.SHA256))
		}
		return pin{algorithm: board.SHA256, digest: digest}, nil
	}
	if source.Checksum == nil || source.Checksum.URL == "" {
		return pin{}, verificationErr(ErrUnpinned)
	}

	algorithm := source.Checksum.DigestAlgorithm()
	pattern, ok := digestPatterns[algorithm]
	if !ok {
		return pin{}, verificationErr(fmt.Errorf("unsupported checksum algorithm %q", source.Checksum.Algorithm))
	}

	logger.Debug("fetching published checksum", "locator", source.Checksum.URL, "algorithm", algorithm)
	body, err := f.open(ctx, source.Checksum.URL)
	if err != nil {
		return pin{}, verificationErr(fmt.Errorf("checksum file: %w", err))
	}
	defer body.Close()

	data, err := io.ReadAll(io.LimitReader(body, maxChecksumFileSize+1))
	if err != nil {
		return pin{}, verificationErr(fmt.Errorf("checksum file: %w", err))
	}
	if len(data) > maxChecksumFileSize {
		return pin{}, verificationErr(fmt.Errorf("checksum file %s exceeds %d bytes", source.Checksum.URL, maxChecksumFileSize))
	}

	digest, err := parseChecksumFile(string(data), archiveName(source.URL), pattern)
	if err != nil {
		return pin{}, verificationErr(fmt.Errorf("checksum file %s: %w", source.Checksum.URL, err))
	}
	return pin{algorithm: algorithm, digest: digest}, nil
}

// parseChecksumFile picks the digest for name out of a "digest  name"
// listing as written by sha256sum and friends. Lines that do not start
// with a digest (PGP armour, comments) are skipped. A lone digest without
// a file name is accepted when it is the only one.
func parseChecksumFile(data, name string, pattern *regexp.Regexp) (string, error) {
	var unnamed []string
	for _, line := range strings.Split(data, "\n") {
		fields := strings.Fields(line)
		if len(fields) == 0 || !pattern.MatchString(fields[0]) {
			continue
		}
		digest := strings.ToLower(fields[0])
		if len(fields) == 1 {
			unnamed = append(unnamed, digest)
			continue
		}
		if path.Base(strings.TrimPrefix(fields[1], "*")) == name {
			return digest, nil
		}
	}
	if len(unnamed) == 1 {
		return unnamed[0], nil
	}
	return "", fmt.Errorf("no digest listed for %s", name)
}

func archiveName(locator string) string {
	parsed, err := url.Parse(locator)
	if err != nil {
		return path.Base(locator)
	}
	return path.Base(parsed.Path)
}
