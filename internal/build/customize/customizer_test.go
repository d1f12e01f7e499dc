package customize

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/cochaviz/tib/arch"
	"github.com/cochaviz/tib/internal/artifacts"
	"github.com/cochaviz/tib/internal/board"
	"github.com/cochaviz/tib/internal/build"
	"github.com/cochaviz/tib/internal/logging"
)

const rootfs = "/home/ubuntu/Linux_for_Tegra/rootfs"

var nano = board.Spec{ID: "nano", Arch: arch.AArch64}

func TestApplyStopsAtFirstFailingScript(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	scripts := []string{writeScript(t, dir, "a.sh"), writeScript(t, dir, "b.sh"), writeScript(t, dir, "c.sh")}

	env := newStubEnv(arch.X86_64)
	env.handler = func(cmd build.Command) build.ExitStatus {
		if isChrootExec(cmd) && strings.HasSuffix(cmd.Args[2], "-b.sh") {
			return build.ExitStatus{Code: 2, Output: "b failed"}
		}
		return build.ExitStatus{}
	}

	customizer := &Customizer{Logger: logging.Discard()}
	err := customizer.Apply(context.Background(), env, nano, []build.CustomizationStep{
		build.ScriptStep(scripts[0]),
		build.ScriptStep(scripts[1]),
		build.ScriptStep(scripts[2]),
	})

	var customizeErr *build.CustomizationError
	if !errors.As(err, &customizeErr) {
		t.Fatalf("Apply() error = %v, want CustomizationError", err)
	}
	if customizeErr.Step != 2 || customizeErr.Script != "b.sh" || customizeErr.Status.Code != 2 {
		t.Fatalf("error = %+v, want step 2 b.sh exit 2", customizeErr)
	}
	if !strings.Contains(customizeErr.Error(), "b failed") {
		t.Fatalf("error message %q lacks script output", customizeErr.Error())
	}

	executed := env.chrootExecs()
	if len(executed) != 2 {
		t.Fatalf("executed %d scripts, want 2: %v", len(executed), executed)
	}
	if len(env.copies) != 2 {
		t.Fatalf("copied %d scripts, want 2", len(env.copies))
	}
	for _, copied := range env.copies {
		if !env.ran("rm -f " + copied) {
			t.Fatalf("script copy %s was not removed", copied)
		}
	}
	env.assertUnmountedInReverse(t)
}

func TestApplyRemovesScriptCopyWhenExecutionFails(t *testing.T) {
	t.Parallel()

	env := newStubEnv(arch.X86_64)
	env.runErr = func(cmd build.Command) error {
		if isChrootExec(cmd) {
			return errors.New("guest agent lost")
		}
		return nil
	}

	customizer := &Customizer{Logger: logging.Discard()}
	err := customizer.Apply(context.Background(), env, nano, []build.CustomizationStep{
		build.ScriptStep(writeScript(t, t.TempDir(), "setup.sh")),
	})
	if build.ExitCode(err) != build.ExitCustomization {
		t.Fatalf("Apply() error = %v", err)
	}
	if len(env.copies) != 1 || !env.ran("rm -f "+env.copies[0]) {
		t.Fatalf("script copy not removed after transport failure: %v", env.commandLines())
	}
}

func TestApplyCopiesEmulatorForForeignArchitecture(t *testing.T) {
	t.Parallel()

	env := newStubEnv(arch.X86_64)
	env.missing[rootfs+"/usr/bin/qemu-aarch64-static"] = true

	customizer := &Customizer{Logger: logging.Discard()}
	if err := customizer.Apply(context.Background(), env, nano, []build.CustomizationStep{
		build.ScriptStep(writeScript(t, t.TempDir(), "a.sh")),
	}); err != nil {
		t.Fatalf("Apply() error = %v", err)
	}

	if !env.ran("cp /usr/bin/qemu-aarch64-static " + rootfs + "/usr/bin/qemu-aarch64-static") {
		t.Fatalf("emulator not copied: %v", env.commandLines())
	}
	if !env.ran("rm -f " + rootfs + "/usr/bin/qemu-aarch64-static") {
		t.Fatalf("copied emulator not removed")
	}
}

func TestApplyBindsEmulatorOverExistingCopy(t *testing.T) {
	t.Parallel()

	env := newStubEnv(arch.X86_64)
	customizer := &Customizer{Logger: logging.Discard()}
	if err := customizer.Apply(context.Background(), env, nano, []build.CustomizationStep{build.InteractiveStep()}); err != nil {
		t.Fatalf("Apply() error = %v", err)
	}

	target := rootfs + "/usr/bin/qemu-aarch64-static"
	if !env.ran("mount -o bind,ro /usr/bin/qemu-aarch64-static " + target) {
		t.Fatalf("emulator not bind mounted: %v", env.commandLines())
	}
	if env.ran("rm -f " + target) {
		t.Fatalf("existing emulator in rootfs was removed")
	}
	if len(env.interactive) != 1 || strings.Join(env.interactive[0].Args, " ") != "chroot "+rootfs+" /bin/bash -l" {
		t.Fatalf("interactive commands = %v", env.interactive)
	}
	env.assertUnmountedInReverse(t)
}

func TestApplyNativeArchitectureSkipsEmulator(t *testing.T) {
	t.Parallel()

	env := newStubEnv(arch.AArch64)
	customizer := &Customizer{Logger: logging.Discard()}
	if err := customizer.Apply(context.Background(), env, nano, []build.CustomizationStep{
		build.ScriptStep(writeScript(t, t.TempDir(), "a.sh")),
	}); err != nil {
		t.Fatalf("Apply() error = %v", err)
	}
	for _, line := range env.commandLines() {
		if strings.Contains(line, "qemu-aarch64-static") {
			t.Fatalf("emulator touched on native architecture: %s", line)
		}
	}
}

func TestApplyExecutesScriptThroughItsShebang(t *testing.T) {
	t.Parallel()

	env := newStubEnv(arch.AArch64)
	customizer := &Customizer{Logger: logging.Discard()}
	if err := customizer.Apply(context.Background(), env, nano, []build.CustomizationStep{
		build.ScriptStep(writeScript(t, t.TempDir(), "setup.py")),
	}); err != nil {
		t.Fatalf("Apply() error = %v", err)
	}

	if len(env.copies) != 1 {
		t.Fatalf("copied %d scripts, want 1", len(env.copies))
	}
	copied := env.copies[0]
	if !env.ran("chmod 0755 " + copied) {
		t.Fatalf("script copy not made executable: %v", env.commandLines())
	}

	executed := env.chrootExecs()
	if len(executed) != 1 {
		t.Fatalf("executed %v, want one script", executed)
	}
	want := []string{"chroot", rootfs, strings.TrimPrefix(copied, rootfs)}
	if got := executed[0].Args; strings.Join(got, " ") != strings.Join(want, " ") || !executed[0].AsRoot {
		t.Fatalf("script command = %v (root %v), want %v as root", got, executed[0].AsRoot, want)
	}
}

func TestApplyInteractiveFailure(t *testing.T) {
	t.Parallel()

	env := newStubEnv(arch.X86_64)
	env.interactiveStatus = build.ExitStatus{Code: 130}

	customizer := &Customizer{Logger: logging.Discard()}
	err := customizer.Apply(context.Background(), env, nano, []build.CustomizationStep{build.InteractiveStep()})

	var customizeErr *build.CustomizationError
	if !errors.As(err, &customizeErr) || customizeErr.Step != 1 || customizeErr.Status.Code != 130 {
		t.Fatalf("Apply() error = %v, want interactive step failure", err)
	}
	env.assertUnmountedInReverse(t)
}

func TestApplySetupFailureUndoesMounts(t *testing.T) {
	t.Parallel()

	env := newStubEnv(arch.X86_64)
	env.handler = func(cmd build.Command) build.ExitStatus {
		if len(cmd.Args) > 0 && cmd.Args[0] == "mount" && strings.HasSuffix(cmd.Args[len(cmd.Args)-1], "/dev/pts") {
			return build.ExitStatus{Code: 32, Output: "mount: permission denied"}
		}
		return build.ExitStatus{}
	}

	customizer := &Customizer{Logger: logging.Discard()}
	err := customizer.Apply(context.Background(), env, nano, []build.CustomizationStep{
		build.ScriptStep(writeScript(t, t.TempDir(), "a.sh")),
	})

	var customizeErr *build.CustomizationError
	if !errors.As(err, &customizeErr) || customizeErr.Step != 0 {
		t.Fatalf("Apply() error = %v, want chroot setup failure", err)
	}
	if len(env.chrootExecs()) != 0 {
		t.Fatalf("script ran after setup failure")
	}
	env.assertUnmountedInReverse(t)
}

func TestApplyRejectsMisorderedSteps(t *testing.T) {
	t.Parallel()

	env := newStubEnv(arch.X86_64)
	customizer := &Customizer{Logger: logging.Discard()}
	err := customizer.Apply(context.Background(), env, nano, []build.CustomizationStep{
		build.InteractiveStep(),
		build.ScriptStep("/tmp/a.sh"),
	})
	if err == nil {
		t.Fatalf("Apply() accepted a script after the interactive shell")
	}
	if len(env.commands) != 0 {
		t.Fatalf("commands ran for invalid steps: %v", env.commandLines())
	}
}

func TestSessionTransitions(t *testing.T) {
	t.Parallel()

	sess := newSession(logging.Discard())
	for _, next := range []state{stateStaged, stateScriptRunning, stateStaged, stateInteractive, stateStaged} {
		if err := sess.transition(next); err != nil {
			t.Fatalf("transition(%s) error = %v", next, err)
		}
	}
	if err := sess.transition(stateScriptRunning); err == nil {
		t.Fatalf("script allowed after interactive shell")
	}
	if err := sess.transition(stateInteractive); err == nil {
		t.Fatalf("second interactive shell allowed")
	}
	if err := sess.transition(stateDone); err != nil {
		t.Fatalf("transition(done) error = %v", err)
	}
	if err := sess.transition(stateStaged); err == nil {
		t.Fatalf("transition out of done allowed")
	}
}

type stubEnv struct {
	layout            build.Layout
	handler           func(build.Command) build.ExitStatus
	runErr            func(build.Command) error
	interactiveStatus build.ExitStatus
	missing           map[string]bool

	commands    []build.Command
	interactive []build.Command
	copies      []string
}

func newStubEnv(hostArch arch.Architecture) *stubEnv {
	return &stubEnv{
		layout:  build.Layout{Home: "/home/ubuntu", Arch: hostArch, CPUs: 4},
		missing: map[string]bool{rootfs + "/run/resolvconf/resolv.conf": true},
	}
}

func (e *stubEnv) ID() string                    { return "stub" }
func (e *stubEnv) Layout() build.Layout          { return e.layout }
func (e *stubEnv) Describe() string              { return "stub" }
func (e *stubEnv) Cleanup(context.Context) error { return nil }

func (e *stubEnv) Stage(context.Context, []artifacts.Bundle) error { return nil }

func (e *stubEnv) Run(_ context.Context, cmd build.Command) (build.ExitStatus, error) {
	e.commands = append(e.commands, cmd)
	if e.runErr != nil {
		if err := e.runErr(cmd); err != nil {
			return build.ExitStatus{}, err
		}
	}
	if len(cmd.Args) == 3 && cmd.Args[0] == "test" {
		switch cmd.Args[1] {
		case "-L":
			return build.ExitStatus{Code: 1}, nil
		default:
			if e.missing[cmd.Args[2]] {
				return build.ExitStatus{Code: 1}, nil
			}
			return build.ExitStatus{}, nil
		}
	}
	if e.handler != nil {
		return e.handler(cmd), nil
	}
	return build.ExitStatus{}, nil
}

func (e *stubEnv) RunInteractive(_ context.Context, cmd build.Command) (build.ExitStatus, error) {
	e.interactive = append(e.interactive, cmd)
	return e.interactiveStatus, nil
}

func (e *stubEnv) CopyIn(_ context.Context, _ string, envPath string) error {
	e.copies = append(e.copies, envPath)
	return nil
}

func (e *stubEnv) CopyOut(context.Context, string, string) error { return nil }

func (e *stubEnv) commandLines() []string {
	lines := make([]string, 0, len(e.commands))
	for _, cmd := range e.commands {
		lines = append(lines, strings.Join(cmd.Args, " "))
	}
	return lines
}

func (e *stubEnv) ran(line string) bool {
	for _, candidate := range e.commandLines() {
		if candidate == line {
			return true
		}
	}
	return false
}

func (e *stubEnv) chrootExecs() []build.Command {
	var execs []build.Command
	for _, cmd := range e.commands {
		if isChrootExec(cmd) {
			execs = append(execs, cmd)
		}
	}
	return execs
}

// assertUnmountedInReverse checks every mount is undone, last mounted
// first.
func (e *stubEnv) assertUnmountedInReverse(t *testing.T) {
	t.Helper()

	var mounted, unmounted []string
	for _, cmd := range e.commands {
		switch {
		case len(cmd.Args) > 0 && cmd.Args[0] == "mount":
			mounted = append(mounted, cmd.Args[len(cmd.Args)-1])
		case len(cmd.Args) == 2 && cmd.Args[0] == "umount":
			unmounted = append(unmounted, cmd.Args[1])
		}
		if !cmd.AsRoot {
			t.Fatalf("command %v did not run as root", cmd.Args)
		}
	}

	// A mount that failed is not undone.
	succeeded := mounted
	if len(mounted) > len(unmounted) {
		succeeded = mounted[:len(unmounted)]
	}
	if len(succeeded) != len(unmounted) {
		t.Fatalf("mounted %v, unmounted %v", mounted, unmounted)
	}
	for idx := range succeeded {
		if succeeded[idx] != unmounted[len(unmounted)-1-idx] {
			t.Fatalf("unmount order %v does not reverse mount order %v", unmounted, succeeded)
		}
	}
}

func isChrootExec(cmd build.Command) bool {
	return len(cmd.Args) == 3 && cmd.Args[0] == "chroot" && strings.HasPrefix(cmd.Args[2], "/tmp/tib-")
}

func writeScript(t *testing.T, dir, name string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	if err := os.WriteFile(p, []byte("#!/bin/bash\nexit 0\n"), 0o755); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return p
}
