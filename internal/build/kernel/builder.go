// Package kernel rebuilds the board kernel inside a build environment:
// it extracts the public sources, applies patches, configures, compiles and
// installs the result into the L4T kernel directory so apply_binaries.sh
// picks it up.
package kernel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"time"

	"github.com/cochaviz/tib/internal/board"
	"github.com/cochaviz/tib/internal/build"
)

const (
	// SourceTarball is the kernel archive inside the public sources bundle.
	SourceTarball = "kernel_src.tbz2"
	// SupplementsArchive holds the kernel modules apply_binaries.sh installs.
	SupplementsArchive = "kernel_supplements.tbz2"

	sourceSubdir = "kernel/kernel-4.9"
	patchDir     = "/tmp/kernel_patches"
)

// Targets built by a kernel compile, in order.
var Targets = []string{"Image", "dtbs", "modules"}

// Builder implements build.KernelBuilder.
type Builder struct {
	Logger *slog.Logger
	Now    func() time.Time
}

var _ build.KernelBuilder = (*Builder)(nil)

// Build runs extraction, patching, configuration, compilation and
// installation in that order. Saving the configuration happens last and
// never fails the build.
func (b *Builder) Build(ctx context.Context, env build.BuildEnvironment, target board.Spec, opts build.KernelOptions) (build.KernelArtifacts, error) {
	j := b.newJob(env, target, opts)
	j.logger.Info("preparing kernel build", "patches", len(opts.Patches), "menuconfig", opts.Menuconfig, "load_config", opts.LoadConfig)

	if err := j.extract(ctx); err != nil {
		return build.KernelArtifacts{}, err
	}
	for idx, patch := range opts.Patches {
		if err := j.applyPatch(ctx, idx+1, patch); err != nil {
			return build.KernelArtifacts{}, err
		}
	}
	if err := j.configure(ctx, opts.LoadConfig); err != nil {
		return build.KernelArtifacts{}, err
	}
	if opts.Menuconfig {
		if err := j.menuconfig(ctx); err != nil {
			return build.KernelArtifacts{}, err
		}
	}
	if err := j.compile(ctx); err != nil {
		return build.KernelArtifacts{}, err
	}
	artifacts, err := j.install(ctx)
	if err != nil {
		return build.KernelArtifacts{}, err
	}

	if opts.SaveConfig != "" {
		if err := j.saveConfig(ctx, opts.SaveConfig); err != nil {
			j.logger.Warn("failed to save kernel config", "path", opts.SaveConfig, "error", err)
			artifacts.ConfigSaveErr = err
		}
	}
	return artifacts, nil
}

// job holds the paths of one kernel build.
type job struct {
	env    build.BuildEnvironment
	layout build.Layout
	logger *slog.Logger
	now    func() time.Time

	kernelArch string
	work       string
	source     string
	out        string
	make       []string
}

func (b *Builder) newJob(env build.BuildEnvironment, target board.Spec, opts build.KernelOptions) *job {
	layout := env.Layout()
	work := layout.KernelWorkDir()
	out := path.Join(work, "out")

	localVersion := opts.LocalVersion
	if localVersion == "" {
		localVersion = build.DefaultLocalVersion
	}

	return &job{
		env:        env,
		layout:     layout,
		logger:     b.logger().With("board", target.ID, "stage", "kernel"),
		now:        b.now,
		kernelArch: target.Arch.KernelArch(),
		work:       work,
		source:     path.Join(work, sourceSubdir),
		out:        out,
		make: []string{
			"make",
			"ARCH=" + target.Arch.KernelArch(),
			"O=" + out,
			"CROSS_COMPILE=" + CrossPrefix(layout.ToolchainDir(), target),
			"LOCALVERSION=" + localVersion,
		},
	}
}

// CrossPrefix returns the CROSS_COMPILE value for the toolchain staged at
// dir.
func CrossPrefix(dir string, target board.Spec) string {
	return path.Join(dir, "bin", target.Arch.String()+"-linux-gnu-")
}

// extract unpacks a fresh copy of the kernel sources into the work
// directory.
func (j *job) extract(ctx context.Context) error {
	tarball := path.Join(j.layout.SourceDir(), SourceTarball)
	j.logger.Info("extracting kernel sources", "tarball", tarball, "dest", j.work)

	steps := [][]string{
		{"rm", "-rf", j.work},
		{"mkdir", "-p", j.out},
		{"tar", "-xjf", tarball, "-C", j.work},
	}
	for _, args := range steps {
		status, err := j.env.Run(ctx, build.Command{Args: args})
		if err != nil || !status.Success() {
			return &build.CompileError{Target: "extract sources", Output: status.Output, Err: statusErr(args, status, err)}
		}
	}
	return nil
}

// applyPatch copies patch into the environment and applies it at the root
// of the extracted sources. Index is 1-based.
func (j *job) applyPatch(ctx context.Context, index int, patch string) error {
	name := filepath.Base(patch)
	dest := path.Join(patchDir, fmt.Sprintf("%02d-%s", index, name))
	logger := j.logger.With("patch", name, "index", index)
	logger.Info("applying kernel patch")

	if err := j.env.CopyIn(ctx, patch, dest); err != nil {
		return &build.PatchError{Index: index, Patch: name, Err: fmt.Errorf("copy patch: %w", err)}
	}

	args := []string{"patch", "-p1", "--forward", "--batch", "-i", dest}
	status, err := j.env.Run(ctx, build.Command{Args: args, Dir: j.work})
	if err != nil || !status.Success() {
		return &build.PatchError{Index: index, Patch: name, Output: status.Output, Err: statusErr(args, status, err)}
	}
	return nil
}

// configure loads the supplied configuration or falls back to the vendor
// defconfig.
func (j *job) configure(ctx context.Context, load string) error {
	if load == "" {
		j.logger.Info("using default kernel config", "target", "tegra_defconfig")
		status, err := j.runMake(ctx, "tegra_defconfig")
		if err != nil || !status.Success() {
			return &build.ConfigError{Output: status.Output, Err: statusErr(j.make, status, err)}
		}
		return nil
	}

	j.logger.Info("using supplied kernel config", "path", load)
	if err := j.env.CopyIn(ctx, load, path.Join(j.out, ".config")); err != nil {
		return &build.ConfigError{Path: load, Err: fmt.Errorf("copy config: %w", err)}
	}
	status, err := j.runMake(ctx, "olddefconfig")
	if err != nil || !status.Success() {
		return &build.ConfigError{Path: load, Output: status.Output, Err: statusErr(j.make, status, err)}
	}
	return nil
}

func (j *job) menuconfig(ctx context.Context) error {
	j.logger.Info("starting interactive kernel configuration, exit menuconfig to continue the build")
	cmd := build.Command{Args: append(append([]string{}, j.make...), "menuconfig"), Dir: j.source}
	status, err := j.env.RunInteractive(ctx, cmd)
	if err != nil || !status.Success() {
		return &build.ConfigError{Err: fmt.Errorf("menuconfig: %w", statusErr(cmd.Args, status, err))}
	}
	return nil
}

func (j *job) compile(ctx context.Context) error {
	jobs := max(j.layout.CPUs, 1)
	j.logger.Info("building kernel", "targets", Targets, "jobs", jobs)

	args := append([]string{"-j" + strconv.Itoa(jobs)}, Targets...)
	status, err := j.runMake(ctx, args...)
	if err != nil || !status.Success() {
		return &build.CompileError{Target: "Image dtbs modules", Output: status.Output, Err: statusErr(j.make, status, err)}
	}
	return nil
}

// install replaces the L4T kernel image and device trees with the build
// output, backing up the originals, and packs the modules into the
// supplements archive.
func (j *job) install(ctx context.Context) (build.KernelArtifacts, error) {
	kernelDir := j.layout.KernelDir()
	boot := path.Join(j.out, "arch", j.kernelArch, "boot")
	artifacts := build.KernelArtifacts{
		Image:       path.Join(kernelDir, "Image"),
		DTBDir:      path.Join(kernelDir, "dtb"),
		Supplements: path.Join(kernelDir, SupplementsArchive),
	}
	modulesRoot := path.Join(j.work, "modules_root")
	stamp := strconv.FormatInt(j.now().Unix(), 10)

	j.logger.Info("installing kernel", "dest", kernelDir)

	if err := j.replace(ctx, path.Join(boot, "Image"), artifacts.Image, stamp); err != nil {
		return build.KernelArtifacts{}, err
	}
	if err := j.replace(ctx, path.Join(boot, "dts"), artifacts.DTBDir, stamp); err != nil {
		return build.KernelArtifacts{}, err
	}

	if status, err := j.runMake(ctx, "modules_install", "INSTALL_MOD_STRIP=1", "INSTALL_MOD_PATH="+modulesRoot); err != nil || !status.Success() {
		return build.KernelArtifacts{}, &build.CompileError{Target: "modules_install", Output: status.Output, Err: statusErr(j.make, status, err)}
	}

	if err := j.backup(ctx, artifacts.Supplements, stamp); err != nil {
		return build.KernelArtifacts{}, err
	}
	args := []string{"tar", "--owner", "0", "--group", "0", "-cjf", artifacts.Supplements, "-C", modulesRoot, "lib/modules"}
	if status, err := j.env.Run(ctx, build.Command{Args: args, AsRoot: true}); err != nil || !status.Success() {
		return build.KernelArtifacts{}, &build.CompileError{Target: "archive modules", Output: status.Output, Err: statusErr(args, status, err)}
	}
	return artifacts, nil
}

// replace moves a build output over its L4T counterpart after backing the
// counterpart up.
func (j *job) replace(ctx context.Context, built, dest, stamp string) error {
	if !j.test(ctx, "-e", built) {
		return &build.CompileError{Target: "install", Err: fmt.Errorf("build output %s not found", built)}
	}
	if err := j.backup(ctx, dest, stamp); err != nil {
		return err
	}
	args := []string{"mv", built, dest}
	if status, err := j.env.Run(ctx, build.Command{Args: args, AsRoot: true}); err != nil || !status.Success() {
		return &build.CompileError{Target: "install", Output: status.Output, Err: statusErr(args, status, err)}
	}
	return nil
}

func (j *job) backup(ctx context.Context, target, stamp string) error {
	if !j.test(ctx, "-e", target) {
		return nil
	}
	backup := target + ".backup." + stamp
	j.logger.Debug("backing up", "path", target, "backup", backup)
	args := []string{"mv", target, backup}
	if status, err := j.env.Run(ctx, build.Command{Args: args, AsRoot: true}); err != nil || !status.Success() {
		return &build.CompileError{Target: "install", Output: status.Output, Err: statusErr(args, status, err)}
	}
	return nil
}

// saveConfig copies the effective configuration to dest on the host. An
// existing file at dest is kept as a timestamped backup.
func (j *job) saveConfig(ctx context.Context, dest string) error {
	if _, err := os.Stat(dest); err == nil {
		backup := dest + ".backup." + strconv.FormatInt(j.now().Unix(), 10)
		if err := os.Rename(dest, backup); err != nil {
			return fmt.Errorf("back up existing config: %w", err)
		}
		j.logger.Info("backed up existing kernel config", "backup", backup)
	} else if !errors.Is(err, os.ErrNotExist) {
		return err
	}

	if err := j.env.CopyOut(ctx, path.Join(j.out, ".config"), dest); err != nil {
		return fmt.Errorf("copy config out: %w", err)
	}
	j.logger.Info("kernel config saved", "path", dest)
	return nil
}

func (j *job) runMake(ctx context.Context, targets ...string) (build.ExitStatus, error) {
	args := append(append([]string{}, j.make...), targets...)
	return j.env.Run(ctx, build.Command{Args: args, Dir: j.source})
}

func (j *job) test(ctx context.Context, flag, target string) bool {
	status, err := j.env.Run(ctx, build.Command{Args: []string{"test", flag, target}, AsRoot: true})
	return err == nil && status.Success()
}

func (b *Builder) logger() *slog.Logger {
	if b.Logger != nil {
		return b.Logger
	}
	return slog.Default()
}

func (b *Builder) now() time.Time {
	if b.Now != nil {
		return b.Now()
	}
	return time.Now()
}

// statusErr describes why a command failed: either the transport error or
// the exit status.
func statusErr(args []string, status build.ExitStatus, err error) error {
	if err != nil {
		return err
	}
	return fmt.Errorf("%s exited with status %d", args[0], status.Code)
}
