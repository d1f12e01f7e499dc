package setup

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
)

var ConfigDir = "/etc/tib"
var StorageDir = "/var/lib/tib/"

// RequiredCommands are the host binaries a build shells out to.
var RequiredCommands = []string{"qemu-img", "ssh"}

var geteuid = os.Geteuid

// Verify checks that the host can run a build: root privileges, the
// required commands and writable storage directories, which are created
// when missing.
func Verify(dirs ...string) error {
	if err := requireRoot(); err != nil {
		return err
	}
	if err := ensureCommands(RequiredCommands...); err != nil {
		return err
	}
	return EnsureDirectories(dirs...)
}

// EnsureDirectories creates dirs and checks that they are writable.
func EnsureDirectories(dirs ...string) error {
	for _, dir := range dirs {
		if dir == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
		probe, err := os.CreateTemp(dir, ".probe-*")
		if err != nil {
			return fmt.Errorf("%s is not writable: %w", dir, err)
		}
		probe.Close()
		os.Remove(probe.Name())
	}
	getLogger().Debug("storage directories ready", "dirs", dirs)
	return nil
}

// ClearDirectory removes everything below dir but keeps dir itself.
func ClearDirectory(dir string) error {
	getLogger().Info("clearing directory", "dir", dir)

	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read %s: %w", dir, err)
	}
	for _, entry := range entries {
		if err := os.RemoveAll(filepath.Join(dir, entry.Name())); err != nil {
			return fmt.Errorf("failed to remove %s: %w", entry.Name(), err)
		}
	}
	return nil
}

func requireRoot() error {
	if geteuid() != 0 {
		return errors.New("run me as root")
	}
	return nil
}

func ensureCommands(names ...string) error {
	for _, name := range names {
		if _, err := exec.LookPath(name); err != nil {
			return fmt.Errorf("%s not found: %w", name, err)
		}
	}
	return nil
}
