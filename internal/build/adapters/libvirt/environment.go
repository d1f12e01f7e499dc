package libvirt

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"os/exec"
	"path"
	"path/filepath"
	"slices"
	"strings"

	"github.com/cochaviz/tib/internal/artifacts"
	"github.com/cochaviz/tib/internal/build"

	"github.com/google/uuid"
)

var _ build.BuildEnvironment = (*LibvirtBuildEnvironment)(nil)

// LibvirtBuildEnvironment is a running build VM and the run directory that
// backs it on the host.
type LibvirtBuildEnvironment struct {
	ConnectURI string

	id         string
	name       string
	user       string
	runDir     string
	stagingDir string
	keyPath    string
	address    string
	layout     build.Layout
	logger     *slog.Logger

	hypervisor         Hypervisor
	domain             Domain
	storagePoolCleaner StoragePoolCleaner

	// sharesMounted switches command output from the agent's capture buffer
	// to log files on the transfer share.
	sharesMounted bool
}

func (env *LibvirtBuildEnvironment) ID() string { return env.id }

func (env *LibvirtBuildEnvironment) Layout() build.Layout { return env.layout }

func (env *LibvirtBuildEnvironment) Describe() string {
	access := "virsh console " + env.name
	if env.address != "" {
		access = "ssh " + strings.Join(sshBaseArgs(env.keyPath, env.user, env.address), " ")
	}
	return fmt.Sprintf("domain %s (%s), run directory %s", env.name, access, env.runDir)
}

// initialize waits for first boot provisioning and mounts the shares.
func (env *LibvirtBuildEnvironment) initialize(ctx context.Context) error {
	env.logger.Info("waiting for cloud-init to finish")
	status, err := env.Run(ctx, build.Command{Args: []string{"cloud-init", "status", "--wait"}, AsRoot: true})
	if err != nil {
		return fmt.Errorf("wait for cloud-init: %w", err)
	}
	// 2 means cloud-init finished with recoverable errors.
	if status.Code != 0 && status.Code != 2 {
		return fmt.Errorf("cloud-init exited with status %d: %s", status.Code, build.Tail(status.Output, 5))
	}

	mounts := [][]string{
		{"mkdir", "-p", transferMount, stagingMount},
		{"mount", "-t", "9p", "-o", "trans=virtio,version=9p2000.L,msize=262144", transferTag, transferMount},
		{"mount", "-t", "9p", "-o", "trans=virtio,version=9p2000.L,msize=262144,ro", stagingTag, stagingMount},
	}
	for _, args := range mounts {
		if err := env.mustRun(ctx, build.Command{Args: args, AsRoot: true}); err != nil {
			return err
		}
	}
	env.sharesMounted = true
	return nil
}

// Stage copies the extracted bundles from the read-only staging share to
// their place in the layout, in staging order.
func (env *LibvirtBuildEnvironment) Stage(ctx context.Context, bundles []artifacts.Bundle) error {
	ordered := slices.Clone(bundles)
	slices.SortStableFunc(ordered, func(a, b artifacts.Bundle) int {
		return cmp.Compare(artifacts.StageOrder(a.Kind), artifacts.StageOrder(b.Kind))
	})

	for _, bundle := range ordered {
		dest, err := env.layout.StagePath(bundle.Kind)
		if err != nil {
			return &build.StagingError{Kind: bundle.Kind, Err: err}
		}
		src, err := env.sharedPath(bundle.Path)
		if err != nil {
			return &build.StagingError{Kind: bundle.Kind, Err: err}
		}

		env.logger.Info("staging bundle", "kind", bundle.Kind, "dest", dest)
		for _, args := range [][]string{
			{"mkdir", "-p", dest},
			{"cp", "-a", src + "/.", dest + "/"},
		} {
			if err := env.mustRun(ctx, build.Command{Args: args, AsRoot: true}); err != nil {
				return &build.StagingError{Kind: bundle.Kind, Err: err}
			}
		}
	}
	return nil
}

// sharedPath maps a directory below the host staging root to its path on
// the staging share.
func (env *LibvirtBuildEnvironment) sharedPath(hostPath string) (string, error) {
	if hostPath == "" {
		return "", errors.New("bundle has not been extracted")
	}
	rel, err := filepath.Rel(env.stagingDir, hostPath)
	if err != nil || rel == ".." || strings.HasPrefix(rel, "../") {
		return "", fmt.Errorf("%s is outside the shared staging directory %s", hostPath, env.stagingDir)
	}
	return path.Join(stagingMount, filepath.ToSlash(rel)), nil
}

// Run executes cmd through the guest agent. Unprivileged commands run as
// the build user with its home directory set.
func (env *LibvirtBuildEnvironment) Run(ctx context.Context, cmd build.Command) (build.ExitStatus, error) {
	if env.domain == nil {
		return build.ExitStatus{}, errors.New("build vm is not running")
	}
	if len(cmd.Args) == 0 {
		return build.ExitStatus{}, errors.New("empty command")
	}
	script := env.commandScript(cmd)

	if !env.sharesMounted {
		result, err := runGuestCommand(ctx, env.domain, "/bin/bash", []string{"-c", script}, true)
		if err != nil {
			return build.ExitStatus{}, err
		}
		return build.ExitStatus{Code: result.ExitCode, Output: result.Stdout + result.Stderr}, nil
	}

	// The agent caps captured output, so long builds log to the share.
	logName := uuid.NewString() + ".log"
	hostLog := env.transferPath("logs", logName)
	defer os.Remove(hostLog)
	wrapper := "exec >" + shellQuote(path.Join(transferMount, "logs", logName)) + " 2>&1\n" + script

	result, err := runGuestCommand(ctx, env.domain, "/usr/bin/setsid", []string{"/bin/bash", "-c", wrapper}, false)
	output, readErr := os.ReadFile(hostLog)
	if err != nil {
		return build.ExitStatus{Output: string(output)}, err
	}
	if readErr != nil && !errors.Is(readErr, fs.ErrNotExist) {
		return build.ExitStatus{Code: result.ExitCode}, fmt.Errorf("read command output: %w", readErr)
	}
	return build.ExitStatus{Code: result.ExitCode, Output: string(output)}, nil
}

// RunInteractive attaches the terminal to cmd over ssh.
func (env *LibvirtBuildEnvironment) RunInteractive(ctx context.Context, cmd build.Command) (build.ExitStatus, error) {
	if env.address == "" && env.domain != nil {
		addr, err := env.domain.Address()
		if err != nil {
			return build.ExitStatus{}, fmt.Errorf("resolve guest address: %w", err)
		}
		env.address = addr
	}
	if env.address == "" {
		return build.ExitStatus{}, errors.New("build vm has no address")
	}

	args := env.interactiveArgs(cmd)
	session := exec.CommandContext(ctx, "ssh", args...)
	session.Stdin = os.Stdin
	session.Stdout = os.Stdout
	session.Stderr = os.Stderr

	err := session.Run()
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		code := exitErr.ExitCode()
		// ssh reserves 255 for its own failures.
		if code == 255 {
			return build.ExitStatus{Code: code}, fmt.Errorf("ssh session failed: %w", err)
		}
		return build.ExitStatus{Code: code}, nil
	}
	if err != nil {
		return build.ExitStatus{}, fmt.Errorf("start ssh session: %w", err)
	}
	return build.ExitStatus{}, nil
}

func (env *LibvirtBuildEnvironment) interactiveArgs(cmd build.Command) []string {
	args := append([]string{"-t"}, sshBaseArgs(env.keyPath, env.user, env.address)...)
	if len(cmd.Args) == 0 {
		return args
	}
	remote := commandBody(cmd)
	if cmd.AsRoot {
		remote = "exec sudo -H -- /bin/bash -c " + shellQuote(remote)
	}
	return append(args, "--", remote)
}

func sshBaseArgs(keyPath, user, address string) []string {
	return []string{
		"-i", keyPath,
		"-o", "StrictHostKeyChecking=no",
		"-o", "UserKnownHostsFile=/dev/null",
		"-o", "LogLevel=ERROR",
		user + "@" + address,
	}
}

// CopyIn places a host file at envPath through the transfer share. The
// file takes the owner of its destination directory and is made readable
// to every guest user, whatever its host mode.
func (env *LibvirtBuildEnvironment) CopyIn(ctx context.Context, hostPath, envPath string) error {
	info, err := os.Stat(hostPath)
	if err != nil {
		return err
	}
	if !info.Mode().IsRegular() {
		return fmt.Errorf("%s is not a regular file", hostPath)
	}

	name := uuid.NewString()
	staged := env.transferPath("in", name)
	if err := copyFile(hostPath, staged, info.Mode().Perm()); err != nil {
		return fmt.Errorf("stage %s for transfer: %w", hostPath, err)
	}
	defer os.Remove(staged)

	dir := path.Dir(envPath)
	for _, args := range [][]string{
		{"mkdir", "-p", dir},
		{"cp", path.Join(transferMount, "in", name), envPath},
		{"chown", "--reference=" + dir, envPath},
		{"chmod", "a+r", envPath},
	} {
		if err := env.mustRun(ctx, build.Command{Args: args, AsRoot: true}); err != nil {
			return fmt.Errorf("copy %s to %s: %w", filepath.Base(hostPath), envPath, err)
		}
	}
	return nil
}

// CopyOut retrieves envPath into hostPath through the transfer share.
func (env *LibvirtBuildEnvironment) CopyOut(ctx context.Context, envPath, hostPath string) error {
	name := uuid.NewString()
	staged := env.transferPath("out", name)
	defer os.Remove(staged)

	if err := env.mustRun(ctx, build.Command{Args: []string{"cp", envPath, path.Join(transferMount, "out", name)}, AsRoot: true}); err != nil {
		return fmt.Errorf("copy %s out of the environment: %w", envPath, err)
	}
	if err := moveFile(staged, hostPath); err != nil {
		return fmt.Errorf("move %s to %s: %w", envPath, hostPath, err)
	}
	return os.Chmod(hostPath, 0o644)
}

// Cleanup stops the VM and removes the run directory. Every step is
// attempted; failures are joined.
func (env *LibvirtBuildEnvironment) Cleanup(_ context.Context) error {
	var cleanupErr error

	if env.domain != nil {
		if err := env.domain.Destroy(); err != nil {
			cleanupErr = errors.Join(cleanupErr, fmt.Errorf("destroy domain %s: %w", env.name, err))
		}
		env.domain = nil
	}
	if env.hypervisor != nil {
		if err := env.hypervisor.Close(); err != nil {
			cleanupErr = errors.Join(cleanupErr, fmt.Errorf("close libvirt connection: %w", err))
		}
		env.hypervisor = nil
	}

	if env.storagePoolCleaner != nil && env.ConnectURI != "" && env.runDir != "" {
		if err := env.storagePoolCleaner.CleanupStoragePool(env.ConnectURI, env.runDir); err != nil {
			cleanupErr = errors.Join(cleanupErr, fmt.Errorf("cleanup storage pool: %w", err))
		}
	}

	if env.runDir != "" {
		if err := os.RemoveAll(env.runDir); err != nil && !errors.Is(err, fs.ErrNotExist) {
			cleanupErr = errors.Join(cleanupErr, fmt.Errorf("remove run directory: %w", err))
		}
	}

	return cleanupErr
}

func (env *LibvirtBuildEnvironment) mustRun(ctx context.Context, cmd build.Command) error {
	status, err := env.Run(ctx, cmd)
	if err != nil {
		return fmt.Errorf("%s: %w", cmd.Args[0], err)
	}
	if !status.Success() {
		return fmt.Errorf("%s exited with status %d: %s", cmd.Args[0], status.Code, build.Tail(status.Output, 5))
	}
	return nil
}

// commandScript renders cmd as a bash script run by the agent as root.
func (env *LibvirtBuildEnvironment) commandScript(cmd build.Command) string {
	body := commandBody(cmd)
	if cmd.AsRoot {
		return body
	}
	return "exec sudo -u " + shellQuote(env.user) + " -H -- /bin/bash -c " + shellQuote(body)
}

func commandBody(cmd build.Command) string {
	var b strings.Builder
	if cmd.Dir != "" {
		b.WriteString("cd " + shellQuote(cmd.Dir) + " || exit 1\n")
	}
	b.WriteString("exec ")
	if len(cmd.Env) > 0 {
		b.WriteString("env ")
		for _, kv := range cmd.Env {
			b.WriteString(shellQuote(kv) + " ")
		}
	}
	b.WriteString(shellJoin(cmd.Args))
	return b.String()
}

func (env *LibvirtBuildEnvironment) transferPath(elem ...string) string {
	return filepath.Join(append([]string{env.runDir, "transfer"}, elem...)...)
}

func shellJoin(args []string) string {
	quoted := make([]string, len(args))
	for idx, arg := range args {
		quoted[idx] = shellQuote(arg)
	}
	return strings.Join(quoted, " ")
}

func shellQuote(value string) string {
	if value != "" && strings.IndexFunc(value, func(r rune) bool {
		return !(r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' || strings.ContainsRune("@%+=:,./_-", r))
	}) < 0 {
		return value
	}
	return "'" + strings.ReplaceAll(value, "'", `'\''`) + "'"
}

func moveFile(src, dst string) error {
	if err := os.Rename(src, dst); err == nil {
		return nil
	}
	info, err := os.Stat(src)
	if err != nil {
		return err
	}
	if err := copyFile(src, dst, info.Mode().Perm()); err != nil {
		os.Remove(dst)
		return err
	}
	return os.Remove(src)
}
