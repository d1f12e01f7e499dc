package build

import (
	"fmt"
	"strings"

	"github.com/docker/go-units"
)

// MinMemoryBudget is the smallest memory budget a build environment accepts.
const MinMemoryBudget uint64 = 2 << 30

// ParseMemoryBudget parses sizes such as "8G", "512M" or "8GiB" into bytes.
// Suffixes are binary; a bare number is taken as bytes.
func ParseMemoryBudget(value string) (uint64, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return 0, fmt.Errorf("memory budget is empty")
	}

	amount, err := units.RAMInBytes(trimmed)
	if err != nil {
		return 0, fmt.Errorf("invalid memory budget %q: %w", value, err)
	}
	if amount <= 0 {
		return 0, fmt.Errorf("invalid memory budget %q", value)
	}
	return uint64(amount), nil
}

// FormatBytes renders n in binary units, e.g. "8GiB".
func FormatBytes(n uint64) string {
	return units.BytesSize(float64(n))
}
