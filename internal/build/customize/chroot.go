package customize

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"strings"

	"github.com/cochaviz/tib/arch"
	"github.com/cochaviz/tib/internal/build"
)

// Mount is a filesystem mounted below the root filesystem while the chroot
// is in use. Target is relative to the root filesystem.
type Mount struct {
	Source  string
	Target  string
	Type    string
	Options []string
}

func (m Mount) command(rootfs string) []string {
	args := []string{"mount"}
	if m.Type != "" {
		args = append(args, "-t", m.Type)
	}
	if len(m.Options) > 0 {
		args = append(args, "-o", strings.Join(m.Options, ","))
	}
	return append(args, m.Source, path.Join(rootfs, m.Target))
}

// DefaultMounts returns the mounts a functional chroot needs, in mount
// order. They keep the build environment safe from accidents, they are not
// a sandbox.
func DefaultMounts() []Mount {
	return []Mount{
		{Source: "sysfs", Target: "sys", Type: "sysfs", Options: []string{"ro", "nosuid", "nodev", "noexec", "relatime"}},
		{Source: "proc", Target: "proc", Type: "proc", Options: []string{"ro", "nosuid", "nodev", "noexec", "relatime"}},
		{Source: "/dev", Target: "dev", Options: []string{"bind", "ro"}},
		{Source: "devpts", Target: "dev/pts", Type: "devpts", Options: []string{"rw", "nosuid", "noexec", "relatime", "gid=5", "mode=620", "ptmxmode=000"}},
		// Scripts are copied to /tmp and executed from there, so no noexec.
		{Source: "tmpfs", Target: "tmp", Type: "tmpfs"},
	}
}

// chroot tracks what was mounted and copied into a root filesystem so it
// can be undone in reverse order.
type chroot struct {
	env    build.BuildEnvironment
	rootfs string
	logger *slog.Logger

	mounted []string
	copied  []string
}

func newChroot(env build.BuildEnvironment, logger *slog.Logger) *chroot {
	return &chroot{env: env, rootfs: env.Layout().RootFS(), logger: logger}
}

// setup installs the emulator when target binaries cannot run natively and
// mounts the pseudo filesystems. On failure everything done so far is
// undone.
func (c *chroot) setup(ctx context.Context, target arch.Architecture, mounts []Mount) (err error) {
	defer func() {
		if err != nil {
			if releaseErr := c.release(context.WithoutCancel(ctx)); releaseErr != nil {
				c.logger.Warn("failed to undo partial chroot setup", "error", releaseErr)
			}
		}
	}()

	if arch.RequiresEmulation(c.env.Layout().Arch, target) {
		if err := c.installEmulator(ctx, target); err != nil {
			return err
		}
	}

	for _, mount := range mounts {
		if err := c.run(ctx, mount.command(c.rootfs)...); err != nil {
			return fmt.Errorf("mount %s: %w", mount.Target, err)
		}
		c.mounted = append(c.mounted, path.Join(c.rootfs, mount.Target))
	}

	resolv, ok := c.resolvTarget(ctx)
	if !ok {
		c.logger.Warn("no resolv.conf in root filesystem, network may not be reachable inside the chroot")
		return nil
	}
	if err := c.run(ctx, "mount", "-o", "bind,ro", "/etc/resolv.conf", resolv); err != nil {
		return fmt.Errorf("mount resolv.conf: %w", err)
	}
	c.mounted = append(c.mounted, resolv)
	return nil
}

// installEmulator copies the qemu user-mode emulator into the root
// filesystem, or bind mounts it over an existing copy so that copy is left
// untouched.
func (c *chroot) installEmulator(ctx context.Context, target arch.Architecture) error {
	name := target.QemuUserStatic()
	source := path.Join("/usr/bin", name)
	dest := path.Join(c.rootfs, "usr", "bin", name)

	if !c.test(ctx, "-x", source) {
		return fmt.Errorf("emulator %s not found in build environment", source)
	}

	if c.test(ctx, "-f", dest) {
		if err := c.run(ctx, "mount", "-o", "bind,ro", source, dest); err != nil {
			return fmt.Errorf("bind emulator: %w", err)
		}
		c.mounted = append(c.mounted, dest)
		return nil
	}

	if err := c.run(ctx, "cp", source, dest); err != nil {
		return fmt.Errorf("copy emulator: %w", err)
	}
	c.copied = append(c.copied, dest)
	return nil
}

// resolvTarget picks the resolv.conf inside the root filesystem the host
// resolver is bound over.
func (c *chroot) resolvTarget(ctx context.Context) (string, bool) {
	runResolv := path.Join(c.rootfs, "run", "resolvconf", "resolv.conf")
	etcResolv := path.Join(c.rootfs, "etc", "resolv.conf")

	switch {
	case c.test(ctx, "-e", runResolv) && c.test(ctx, "-L", etcResolv):
		return runResolv, true
	case c.test(ctx, "-e", etcResolv) && !c.test(ctx, "-L", etcResolv):
		return etcResolv, true
	default:
		return "", false
	}
}

// release removes copied files and unmounts in reverse order. It keeps
// going after failures and reports all of them.
func (c *chroot) release(ctx context.Context) error {
	var errs []error
	for _, copied := range c.copied {
		if err := c.run(ctx, "rm", "-f", copied); err != nil {
			errs = append(errs, fmt.Errorf("remove %s: %w", copied, err))
		}
	}
	c.copied = nil

	for idx := len(c.mounted) - 1; idx >= 0; idx-- {
		target := c.mounted[idx]
		if err := c.run(ctx, "umount", target); err != nil {
			c.logger.Warn("unmount failed, detaching lazily", "target", target, "error", err)
			if lazyErr := c.run(ctx, "umount", "--lazy", target); lazyErr != nil {
				errs = append(errs, fmt.Errorf("unmount %s: %w", target, lazyErr))
			}
		}
	}
	c.mounted = nil
	return errors.Join(errs...)
}

// command wraps args to run as root inside the chroot.
func (c *chroot) command(args ...string) build.Command {
	return build.Command{
		Args:   append([]string{"chroot", c.rootfs}, args...),
		AsRoot: true,
	}
}

func (c *chroot) run(ctx context.Context, args ...string) error {
	status, err := c.env.Run(ctx, build.Command{Args: args, AsRoot: true})
	if err != nil {
		return err
	}
	if !status.Success() {
		return fmt.Errorf("%s: exit status %d: %s", strings.Join(args, " "), status.Code, build.Tail(status.Output, 5))
	}
	return nil
}

func (c *chroot) test(ctx context.Context, flag, target string) bool {
	status, err := c.env.Run(ctx, build.Command{Args: []string{"test", flag, target}, AsRoot: true})
	return err == nil && status.Success()
}
