package libvirt

import (
	"fmt"

	"github.com/cochaviz/tib/internal/build"

	"golang.org/x/sys/unix"
)

// hostResources reports host memory and free disk space.
type hostResources interface {
	TotalMemory() (uint64, error)
	FreeDisk(path string) (uint64, error)
}

type unixResources struct{}

func (unixResources) TotalMemory() (uint64, error) {
	var info unix.Sysinfo_t
	if err := unix.Sysinfo(&info); err != nil {
		return 0, fmt.Errorf("sysinfo: %w", err)
	}
	return uint64(info.Totalram) * uint64(info.Unit), nil
}

func (unixResources) FreeDisk(path string) (uint64, error) {
	var stat unix.Statfs_t
	if err := unix.Statfs(path, &stat); err != nil {
		return 0, fmt.Errorf("statfs %s: %w", path, err)
	}
	return stat.Bavail * uint64(stat.Bsize), nil
}

// checkMemoryBudget parses budget and rejects values below the minimum or
// above what the host has.
func checkMemoryBudget(budget string, host hostResources) (uint64, error) {
	if budget == "" {
		budget = build.DefaultMemoryBudget
	}
	bytes, err := build.ParseMemoryBudget(budget)
	if err != nil {
		return 0, err
	}
	if bytes < build.MinMemoryBudget {
		return 0, fmt.Errorf("memory budget %s is below the minimum of %s", budget, build.FormatBytes(build.MinMemoryBudget))
	}
	total, err := host.TotalMemory()
	if err != nil {
		return 0, err
	}
	if bytes > total {
		return 0, fmt.Errorf("memory budget %s exceeds host memory of %s", budget, build.FormatBytes(total))
	}
	return bytes, nil
}
