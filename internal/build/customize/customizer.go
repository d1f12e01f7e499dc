// Package customize applies ordered scripts and an optional interactive
// shell to the staged root filesystem through a chroot.
package customize

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"path/filepath"

	"github.com/cochaviz/tib/internal/board"
	"github.com/cochaviz/tib/internal/build"

	"github.com/google/uuid"
)

// Customizer implements build.FilesystemCustomizer.
type Customizer struct {
	Logger *slog.Logger
	// Mounts overrides DefaultMounts.
	Mounts []Mount
}

var _ build.FilesystemCustomizer = (*Customizer)(nil)

// Apply runs steps in order inside the root filesystem chroot. The first
// failing step stops the sequence and is returned as a
// build.CustomizationError.
func (c *Customizer) Apply(ctx context.Context, env build.BuildEnvironment, target board.Spec, steps []build.CustomizationStep) (err error) {
	if err := validateSteps(steps); err != nil {
		return err
	}

	logger := c.logger().With("rootfs", env.Layout().RootFS())
	sess := newSession(logger)

	root := newChroot(env, logger)
	if err := root.setup(ctx, target.Arch, c.mounts()); err != nil {
		sess.fail()
		return &build.CustomizationError{Err: err}
	}
	if err := sess.transition(stateStaged); err != nil {
		return err
	}

	defer func() {
		releaseErr := root.release(context.WithoutCancel(ctx))
		if releaseErr == nil {
			return
		}
		if err != nil {
			logger.Warn("failed to release chroot after customization failure", "error", releaseErr)
			return
		}
		err = &build.CustomizationError{Err: fmt.Errorf("release chroot: %w", releaseErr)}
	}()

	for idx, step := range steps {
		number := idx + 1
		stepLogger := logger.With("step", number, "name", step.Name())

		switch step.Kind {
		case build.ScriptStepKind:
			if err := sess.transition(stateScriptRunning); err != nil {
				sess.fail()
				return err
			}
			stepLogger.Info("running chroot script")
			status, err := c.runScript(ctx, stepLogger, env, root, step.Path)
			if err != nil || !status.Success() {
				sess.fail()
				return &build.CustomizationError{Step: number, Script: step.Name(), Status: status, Err: err}
			}

		case build.InteractiveStepKind:
			if err := sess.transition(stateInteractive); err != nil {
				sess.fail()
				return err
			}
			stepLogger.Info("entering interactive chroot shell, exit the shell to continue the build")
			status, err := env.RunInteractive(ctx, root.command("/bin/bash", "-l"))
			if err != nil || !status.Success() {
				sess.fail()
				return &build.CustomizationError{Step: number, Script: step.Name(), Status: status, Err: err}
			}
		}

		if err := sess.transition(stateStaged); err != nil {
			sess.fail()
			return err
		}
	}

	return sess.transition(stateDone)
}

// runScript copies the script into the chroot's /tmp, runs it as root and
// removes the copy on every path.
func (c *Customizer) runScript(ctx context.Context, logger *slog.Logger, env build.BuildEnvironment, root *chroot, hostPath string) (build.ExitStatus, error) {
	name := fmt.Sprintf("tib-%s-%s", uuid.NewString()[:8], filepath.Base(hostPath))
	inChroot := path.Join("/tmp", name)
	inEnv := path.Join(root.rootfs, "tmp", name)

	defer func() {
		if err := root.run(context.WithoutCancel(ctx), "rm", "-f", inEnv); err != nil {
			logger.Warn("failed to remove script copy", "path", inEnv, "error", err)
		}
	}()

	if err := env.CopyIn(ctx, hostPath, inEnv); err != nil {
		return build.ExitStatus{}, fmt.Errorf("copy script into chroot: %w", err)
	}
	if err := root.run(ctx, "chmod", "0755", inEnv); err != nil {
		return build.ExitStatus{}, err
	}

	status, err := env.Run(ctx, root.command(inChroot))
	if err != nil {
		return status, err
	}
	if status.Output != "" {
		logger.Debug("chroot script output", "output", build.Tail(status.Output, 50))
	}
	return status, nil
}

func (c *Customizer) mounts() []Mount {
	if len(c.Mounts) > 0 {
		return c.Mounts
	}
	return DefaultMounts()
}

func (c *Customizer) logger() *slog.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return slog.Default()
}

func validateSteps(steps []build.CustomizationStep) error {
	for idx, step := range steps {
		switch step.Kind {
		case build.ScriptStepKind:
			if step.Path == "" {
				return fmt.Errorf("customization step %d has no script", idx+1)
			}
		case build.InteractiveStepKind:
			if idx != len(steps)-1 {
				return errors.New("the interactive shell must be the last customization step")
			}
		default:
			return fmt.Errorf("customization step %d has unknown kind %q", idx+1, step.Kind)
		}
	}
	return nil
}
