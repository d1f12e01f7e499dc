package assemble

import (
	"errors"
	"slices"
	"strings"
)

var errNoKernelEntry = errors.New("extlinux.conf has no LINUX entry")

// setFDT points the first boot entry of an extlinux.conf at dtb. An existing
// FDT line in that entry is replaced, otherwise one is added after the
// INITRD line (or the LINUX line when there is no initrd).
func setFDT(conf, dtb string) (string, error) {
	lines := strings.Split(conf, "\n")

	start, end := -1, len(lines)
	for idx, line := range lines {
		if !hasKeyword(line, "LABEL") {
			continue
		}
		if start >= 0 {
			end = idx
			break
		}
		start = idx
	}
	if start < 0 {
		start = 0
	}

	linux, initrd, fdt := -1, -1, -1
	for idx := start; idx < end; idx++ {
		switch {
		case hasKeyword(lines[idx], "LINUX"):
			linux = idx
		case hasKeyword(lines[idx], "INITRD"):
			initrd = idx
		case hasKeyword(lines[idx], "FDT"):
			fdt = idx
		}
	}
	if linux < 0 {
		return "", errNoKernelEntry
	}

	anchor := linux
	if initrd >= 0 {
		anchor = initrd
	}
	entry := indentOf(lines[anchor]) + "FDT " + dtb

	if fdt >= 0 {
		lines[fdt] = entry
		return strings.Join(lines, "\n"), nil
	}

	lines = slices.Insert(lines, anchor+1, entry)
	return strings.Join(lines, "\n"), nil
}

func hasKeyword(line, keyword string) bool {
	fields := strings.Fields(line)
	return len(fields) > 0 && strings.EqualFold(fields[0], keyword)
}

func indentOf(line string) string {
	return line[:len(line)-len(strings.TrimLeft(line, " \t"))]
}
