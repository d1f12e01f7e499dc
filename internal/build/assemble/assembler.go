// Package assemble turns a staged and customized L4T tree into a flashable
// SD-card image and publishes it on the host without ever leaving a
// partial file at the output path.
package assemble

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"time"

	"github.com/cochaviz/tib/internal/build"

	"github.com/google/uuid"
)

const (
	applyBinaries = "apply_binaries.sh"
	imageCreator  = "tools/jetson-disk-image-creator.sh"
	extlinuxConf  = "boot/extlinux/extlinux.conf"
)

// Assembler implements build.ImageAssembler.
type Assembler struct {
	Logger *slog.Logger
	Now    func() time.Time
}

var _ build.ImageAssembler = (*Assembler)(nil)

// Assemble installs the vendor binaries into the root filesystem, runs the
// image creator and copies the image to spec.OutPath.
func (a *Assembler) Assemble(ctx context.Context, env build.BuildEnvironment, spec build.ImageSpec) (build.ImageFile, error) {
	if err := checkOutput(spec.OutPath, spec.Overwrite); err != nil {
		return build.ImageFile{}, err
	}

	layout := env.Layout()
	logger := a.logger().With("board", spec.Board.ID, "stage", "assemble")

	args := []string{"./" + applyBinaries}
	if spec.KernelRebuilt {
		// Target overlay mode installs the rebuilt kernel and modules.
		args = append(args, "--target-overlay")
	}
	logger.Info("applying binaries to root filesystem", "target_overlay", spec.KernelRebuilt)
	if err := runStep(ctx, env, "apply binaries", build.Command{Args: args, Dir: layout.L4T(), AsRoot: true}); err != nil {
		return build.ImageFile{}, err
	}

	if spec.Patched && spec.RevisionSpec.DTB != "" {
		if err := a.patchExtlinux(ctx, logger, env, spec.RevisionSpec.DTB); err != nil {
			return build.ImageFile{}, err
		}
	}

	image := path.Join(layout.Home, filepath.Base(spec.OutPath))
	args = []string{"./" + imageCreator, "-o", image, "-b", spec.Board.ImageCreatorBoard}
	if spec.RevisionSpec.SKU != "" {
		args = append(args, "-r", spec.RevisionSpec.SKU)
	}
	logger.Info("creating sd card image", "image_creator_board", spec.Board.ImageCreatorBoard, "revision", spec.Revision)
	if err := runStep(ctx, env, "create image", build.Command{Args: args, Dir: layout.L4T(), AsRoot: true}); err != nil {
		return build.ImageFile{}, err
	}

	logger.Info("transferring image", "from", image, "to", spec.OutPath)
	file, err := publish(ctx, env, image, spec.OutPath, spec.Overwrite)
	if err != nil {
		return build.ImageFile{}, err
	}
	logger.Info("image published", "path", file.Path, "sha256", file.SHA256, "size", file.Size)
	return file, nil
}

// patchExtlinux points the primary boot entry at the revision's device tree
// so the rebuilt kernel boots with the matching DTB. The original file is
// kept next to it with a timestamp suffix.
func (a *Assembler) patchExtlinux(ctx context.Context, logger *slog.Logger, env build.BuildEnvironment, dtb string) error {
	layout := env.Layout()
	rootfs := layout.RootFS()
	conf := path.Join(rootfs, extlinuxConf)
	dtbPath := path.Join("/boot", dtb)

	logger.Info("patching extlinux.conf", "fdt", dtbPath)

	if status, err := env.Run(ctx, build.Command{Args: []string{"test", "-f", path.Join(rootfs, dtbPath)}, AsRoot: true}); err != nil || !status.Success() {
		return &build.AssemblyError{Step: "patch extlinux.conf", Err: fmt.Errorf("device tree %s not found in root filesystem", dtbPath)}
	}

	status, err := env.Run(ctx, build.Command{Args: []string{"cat", conf}, AsRoot: true})
	if err != nil || !status.Success() {
		return &build.AssemblyError{Step: "read extlinux.conf", Output: status.Output, Err: err}
	}
	patched, err := setFDT(status.Output, dtbPath)
	if err != nil {
		return &build.AssemblyError{Step: "patch extlinux.conf", Err: err}
	}

	local, err := os.CreateTemp("", "extlinux-*.conf")
	if err != nil {
		return &build.AssemblyError{Step: "patch extlinux.conf", Err: err}
	}
	defer os.Remove(local.Name())
	if _, err := io.WriteString(local, patched); err != nil {
		local.Close()
		return &build.AssemblyError{Step: "patch extlinux.conf", Err: err}
	}
	if err := local.Close(); err != nil {
		return &build.AssemblyError{Step: "patch extlinux.conf", Err: err}
	}

	staged := path.Join(layout.ScratchDir(), "extlinux.conf")
	if err := env.CopyIn(ctx, local.Name(), staged); err != nil {
		return &build.AssemblyError{Step: "patch extlinux.conf", Err: err}
	}
	backup := conf + ".backup." + strconv.FormatInt(a.now().Unix(), 10)
	for _, args := range [][]string{
		{"cp", "-p", conf, backup},
		{"install", "-m", "0644", staged, conf},
	} {
		if err := runStep(ctx, env, "patch extlinux.conf", build.Command{Args: args, AsRoot: true}); err != nil {
			return err
		}
	}
	return nil
}

// checkOutput refuses an existing output unless overwriting was requested.
func checkOutput(out string, overwrite bool) error {
	if overwrite {
		return nil
	}
	if _, err := os.Lstat(out); err == nil {
		return &build.OutputExistsError{Path: out}
	} else if !errors.Is(err, fs.ErrNotExist) {
		return &build.AssemblyError{Step: "check output", Err: err}
	}
	return nil
}

// publish copies image out of the environment next to out and moves it in
// place in one step. Without overwrite a file that appeared at out in the
// meantime is left untouched. The partial copy never survives a failure.
func publish(ctx context.Context, env build.BuildEnvironment, image, out string, overwrite bool) (_ build.ImageFile, err error) {
	partial := filepath.Join(filepath.Dir(out), fmt.Sprintf(".%s.%s.partial", filepath.Base(out), uuid.NewString()))
	defer func() {
		if err != nil {
			os.Remove(partial)
		}
	}()

	if err := env.CopyOut(ctx, image, partial); err != nil {
		return build.ImageFile{}, &build.AssemblyError{Step: "transfer image", Err: err}
	}
	sum, size, err := hashFile(partial)
	if err != nil {
		return build.ImageFile{}, &build.AssemblyError{Step: "hash image", Err: err}
	}

	if overwrite {
		if err := os.Rename(partial, out); err != nil {
			return build.ImageFile{}, &build.AssemblyError{Step: "publish image", Err: err}
		}
	} else {
		if err := os.Link(partial, out); err != nil {
			if errors.Is(err, fs.ErrExist) {
				return build.ImageFile{}, &build.OutputExistsError{Path: out}
			}
			return build.ImageFile{}, &build.AssemblyError{Step: "publish image", Err: err}
		}
		if err := os.Remove(partial); err != nil {
			return build.ImageFile{}, &build.AssemblyError{Step: "publish image", Err: err}
		}
	}

	return build.ImageFile{Path: out, SHA256: sum, Size: size}, nil
}

func hashFile(name string) (string, int64, error) {
	file, err := os.Open(name)
	if err != nil {
		return "", 0, err
	}
	defer file.Close()

	hash := sha256.New()
	size, err := io.Copy(hash, file)
	if err != nil {
		return "", 0, err
	}
	return hex.EncodeToString(hash.Sum(nil)), size, nil
}

func runStep(ctx context.Context, env build.BuildEnvironment, step string, cmd build.Command) error {
	status, err := env.Run(ctx, cmd)
	if err != nil {
		return &build.AssemblyError{Step: step, Output: status.Output, Err: err}
	}
	if !status.Success() {
		return &build.AssemblyError{Step: step, Output: status.Output, Err: fmt.Errorf("%s exited with status %d", path.Base(cmd.Args[0]), status.Code)}
	}
	return nil
}

func (a *Assembler) logger() *slog.Logger {
	if a.Logger != nil {
		return a.Logger
	}
	return slog.Default()
}

func (a *Assembler) now() time.Time {
	if a.Now != nil {
		return a.Now()
	}
	return time.Now()
}
