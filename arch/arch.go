package arch

import (
	"fmt"
	"runtime"
	"sort"
	"strings"
)

// Architecture defines the set of values accepted by qemu/libvirt.
type Architecture string

const (
	X86_64  Architecture = "x86_64"
	AArch64 Architecture = "aarch64"
	ARMV7L  Architecture = "armv7l"
)

// Supported returns the full list of supported architectures.
func Supported() []Architecture {
	return []Architecture{
		X86_64,
		AArch64,
		ARMV7L,
	}
}

// IsValid reports whether a matches a supported architecture value.
func (a Architecture) IsValid() bool {
	switch a {
	case X86_64, AArch64, ARMV7L:
		return true
	default:
		return false
	}
}

// String returns the architecture as string.
func (a Architecture) String() string {
	return string(a)
}

// KernelArch returns the value passed as ARCH= to the kernel build system.
func (a Architecture) KernelArch() string {
	switch a {
	case AArch64:
		return "arm64"
	case ARMV7L:
		return "arm"
	case X86_64:
		return "x86_64"
	default:
		return string(a)
	}
}

// QemuUserStatic returns the file name of the statically linked qemu user-mode
// emulator that runs binaries of this architecture.
func (a Architecture) QemuUserStatic() string {
	switch a {
	case ARMV7L:
		return "qemu-arm-static"
	default:
		return fmt.Sprintf("qemu-%s-static", a)
	}
}

// Parse returns the canonical Architecture for the provided string or an error if unsupported.
func Parse(value string) (Architecture, error) {
	if arch := Normalize(value); arch != "" {
		return arch, nil
	}
	return "", fmt.Errorf("unsupported architecture %q (supported: %s)", value, strings.Join(supportedStrings(), ", "))
}

// MustParse is like Parse but panics on error.
func MustParse(value string) Architecture {
	arch, err := Parse(value)
	if err != nil {
		panic(err)
	}
	return arch
}

// Normalize maps a possibly ambiguous string into a canonical Architecture. Returns ""
// when the string cannot be normalized.
func Normalize(value string) Architecture {
	normalized := strings.ToLower(strings.TrimSpace(value))
	switch normalized {
	case string(X86_64), "x86-64", "amd64":
		return X86_64
	case string(AArch64), "arm64":
		return AArch64
	case string(ARMV7L), "arm", "armv7", "armhf":
		return ARMV7L
	default:
		return ""
	}
}

// Host returns the architecture of the running process.
func Host() Architecture {
	return Normalize(runtime.GOARCH)
}

// RequiresEmulation reports whether binaries built for target cannot run
// natively on host.
func RequiresEmulation(host, target Architecture) bool {
	if host == "" || target == "" {
		return true
	}
	return host != target
}

func supportedStrings() []string {
	all := Supported()
	out := make([]string, 0, len(all))
	for _, a := range all {
		out = append(out, a.String())
	}
	sort.Strings(out)
	return out
}
