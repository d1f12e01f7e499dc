// Package libvirt provisions disposable build VMs through libvirt. Commands
// run through the qemu guest agent, files move through a 9p share of the
// run directory and interactive sessions attach over ssh.
package libvirt

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/cochaviz/tib/arch"
	"github.com/cochaviz/tib/internal/build"
)

// Defaults applied when the preparer leaves a field empty.
const (
	DefaultConnectionURI = "qemu:///system"
	DefaultNetworkName   = "tib"
	DefaultUser          = "ubuntu"
	DefaultDiskSize      = "64G"
	DefaultAgentTimeout  = 20 * time.Minute

	agentPollInterval = 5 * time.Second
	teardownTimeout   = 2 * time.Minute
)

// Ensure LibvirtBuildEnvironmentPreparer implements the EnvironmentPreparer interface.
var _ build.BuildEnvironmentPreparer = (*LibvirtBuildEnvironmentPreparer)(nil)

// StoragePoolCleaner abstracts libvirt storage cleanup to simplify testing.
type StoragePoolCleaner interface {
	CleanupStoragePool(connectionURI, targetPath string) error
}

// LibvirtBuildEnvironmentPreparer boots a fresh VM from a cloud image for
// every build.
type LibvirtBuildEnvironmentPreparer struct {
	// BaseDir holds one run directory per build.
	BaseDir string
	// StagingDir is the root the fetcher extracts bundles into. It is
	// shared read-only with the VM.
	StagingDir    string
	ConnectionURI string
	// BaseImage is a qcow2 cloud image with cloud-init.
	BaseImage    string
	NetworkName  string
	User         string
	DiskSize     string
	AgentTimeout time.Duration
	Logger       *slog.Logger

	Connect            Connector          // Uses ConnectLibvirt by default
	StoragePoolCleaner StoragePoolCleaner // Uses LibvirtStoragePoolCleaner by default

	resources     hostResources
	createOverlay func(ctx context.Context, base, overlay, size string) error
}

// Prepare boots the build VM for buildCtx and waits until it accepts
// commands. Anything created before a failure is torn down again.
func (p *LibvirtBuildEnvironmentPreparer) Prepare(ctx context.Context, buildCtx build.BuildContext) (_ build.BuildEnvironment, err error) {
	logger := p.logger().With("build", buildCtx.ID)

	memory, err := checkMemoryBudget(buildCtx.Request.MemoryBudget, p.hostResources())
	if err != nil {
		return nil, &build.ProvisionError{Reason: "memory budget", Err: err}
	}
	cpus := buildCtx.Request.CPUs
	if cpus <= 0 {
		cpus = runtime.NumCPU()
	}
	if p.BaseImage == "" {
		return nil, &build.ProvisionError{Reason: "base image", Err: errors.New("no base image configured")}
	}
	if _, err := os.Stat(p.BaseImage); err != nil {
		return nil, &build.ProvisionError{Reason: "base image", Err: err}
	}
	if p.StagingDir == "" {
		return nil, &build.ProvisionError{Reason: "staging directory", Err: errors.New("no staging directory configured")}
	}
	if err := ensureDirectory(p.BaseDir); err != nil {
		return nil, &build.ProvisionError{Reason: "run directory", Err: err}
	}
	p.warnOnLowDisk(logger)

	user := p.user()
	name := domainName(buildCtx.ID)
	runDir := filepath.Join(p.BaseDir, buildCtx.ID)
	env := &LibvirtBuildEnvironment{
		id:                 buildCtx.ID,
		name:               name,
		user:               user,
		runDir:             runDir,
		stagingDir:         p.StagingDir,
		layout:             build.Layout{Home: "/home/" + user, Arch: arch.Host(), CPUs: cpus},
		logger:             logger,
		ConnectURI:         p.connectionURI(),
		storagePoolCleaner: p.storagePoolCleaner(),
	}
	defer func() {
		if err == nil {
			return
		}
		teardownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), teardownTimeout)
		defer cancel()
		if cleanupErr := env.Cleanup(teardownCtx); cleanupErr != nil {
			logger.Error("failed to tear down partially provisioned environment", "error", cleanupErr)
		}
	}()

	for _, dir := range []string{runDir, env.transferPath("in"), env.transferPath("out"), env.transferPath("logs")} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, &build.ProvisionError{Reason: "run directory", Err: err}
		}
	}
	if err := ensureExecutePermissions(runDir); err != nil {
		return nil, &build.ProvisionError{Reason: "run directory", Err: err}
	}

	keyPath, authorizedKey, err := generateKeyPair(runDir, "tib@"+name)
	if err != nil {
		return nil, &build.ProvisionError{Reason: "ssh key", Err: err}
	}
	env.keyPath = keyPath

	seed, err := writeSeedImage(runDir, buildCtx.ID, name, user, authorizedKey)
	if err != nil {
		return nil, &build.ProvisionError{Reason: "cloud-init seed", Err: err}
	}

	overlay := filepath.Join(runDir, "disk.qcow2")
	logger.Info("creating disk overlay", "base_image", p.BaseImage, "size", p.diskSize())
	if err := p.overlayCreator()(ctx, p.BaseImage, overlay, p.diskSize()); err != nil {
		return nil, &build.ProvisionError{Reason: "disk overlay", Err: err}
	}

	hypervisor, err := p.connector()(env.ConnectURI, logger)
	if err != nil {
		return nil, &build.ProvisionError{Reason: "libvirt connection", Err: err}
	}
	env.hypervisor = hypervisor

	network := p.networkName()
	if err := hypervisor.EnsureNetwork(network); err != nil {
		return nil, &build.ProvisionError{Reason: "network", Err: err}
	}

	data, err := buildDomainTemplateData(name, memory, cpus, env.layout.Arch, overlay, seed, network, []domainShare{
		{Source: env.transferPath(), Tag: transferTag},
		{Source: p.StagingDir, Tag: stagingTag, ReadOnly: true},
	})
	if err != nil {
		return nil, &build.ProvisionError{Reason: "domain definition", Err: err}
	}
	domainXML, err := renderDomainXML(defaultDomain, data)
	if err != nil {
		return nil, &build.ProvisionError{Reason: "domain definition", Err: err}
	}
	if err := os.WriteFile(filepath.Join(runDir, "domain.xml"), domainXML, 0o644); err != nil {
		return nil, &build.ProvisionError{Reason: "domain definition", Err: err}
	}

	logger.Info("starting build vm", "domain", name, "memory", build.FormatBytes(memory), "cpus", cpus, "type", data.DomainType)
	domain, err := hypervisor.StartDomain(string(domainXML))
	if err != nil {
		return nil, &build.ProvisionError{Reason: "start domain", Err: err}
	}
	env.domain = domain

	logger.Info("waiting for guest agent", "timeout", p.agentTimeout())
	agentCtx, cancel := context.WithTimeout(ctx, p.agentTimeout())
	err = waitForGuestAgent(agentCtx, domain, agentPollInterval)
	cancel()
	if err != nil {
		return nil, &build.ProvisionError{Reason: "guest agent", Err: err}
	}

	if err := env.initialize(ctx); err != nil {
		return nil, &build.ProvisionError{Reason: "guest setup", Err: err}
	}

	if addr, err := domain.Address(); err == nil {
		env.address = addr
	} else {
		logger.Warn("guest address not known yet", "error", err)
	}
	return env, nil
}

func (p *LibvirtBuildEnvironmentPreparer) warnOnLowDisk(logger *slog.Logger) {
	want, err := build.ParseMemoryBudget(p.diskSize())
	if err != nil {
		return
	}
	free, err := p.hostResources().FreeDisk(p.BaseDir)
	if err != nil {
		logger.Warn("unable to determine free disk space", "path", p.BaseDir, "error", err)
		return
	}
	if free < want {
		logger.Warn("free disk space is below the VM disk size, the build may run out of space",
			"path", p.BaseDir,
			"free", build.FormatBytes(free),
			"disk_size", p.diskSize(),
		)
	}
}

func (p *LibvirtBuildEnvironmentPreparer) logger() *slog.Logger {
	if p.Logger != nil {
		return p.Logger
	}
	return slog.Default()
}

func (p *LibvirtBuildEnvironmentPreparer) hostResources() hostResources {
	if p.resources != nil {
		return p.resources
	}
	return unixResources{}
}

func (p *LibvirtBuildEnvironmentPreparer) overlayCreator() func(context.Context, string, string, string) error {
	if p.createOverlay != nil {
		return p.createOverlay
	}
	return createDiskOverlay
}

func (p *LibvirtBuildEnvironmentPreparer) connector() Connector {
	if p.Connect != nil {
		return p.Connect
	}
	return ConnectLibvirt
}

func (p *LibvirtBuildEnvironmentPreparer) storagePoolCleaner() StoragePoolCleaner {
	if p.StoragePoolCleaner != nil {
		return p.StoragePoolCleaner
	}
	return &LibvirtStoragePoolCleaner{}
}

func (p *LibvirtBuildEnvironmentPreparer) connectionURI() string {
	if p.ConnectionURI != "" {
		return p.ConnectionURI
	}
	return DefaultConnectionURI
}

func (p *LibvirtBuildEnvironmentPreparer) networkName() string {
	if p.NetworkName != "" {
		return p.NetworkName
	}
	return DefaultNetworkName
}

func (p *LibvirtBuildEnvironmentPreparer) user() string {
	if p.User != "" {
		return p.User
	}
	return DefaultUser
}

func (p *LibvirtBuildEnvironmentPreparer) diskSize() string {
	if p.DiskSize != "" {
		return p.DiskSize
	}
	return DefaultDiskSize
}

func (p *LibvirtBuildEnvironmentPreparer) agentTimeout() time.Duration {
	if p.AgentTimeout > 0 {
		return p.AgentTimeout
	}
	return DefaultAgentTimeout
}

func domainName(id string) string {
	if len(id) > 8 {
		id = id[:8]
	}
	return "tib-" + id
}

func ensureDirectory(dir string) error {
	if dir == "" {
		return errors.New("base directory is empty")
	}
	info, err := os.Stat(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return os.MkdirAll(dir, 0o755)
		}
		return fmt.Errorf("stat base dir %q: %w", dir, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("base dir %q is not a directory", dir)
	}
	return nil
}

func ensureExecutePermissions(path string) error {
	for dir := path; ; {
		if info, err := os.Stat(dir); err == nil {
			currentPerm := info.Mode().Perm()
			desiredPerm := currentPerm | 0o755
			if desiredPerm != currentPerm {
				newMode := info.Mode()&^os.ModePerm | desiredPerm
				if err := os.Chmod(dir, newMode); err != nil {
					if errors.Is(err, fs.ErrPermission) {
						break
					}
					return fmt.Errorf("chmod %q: %w", dir, err)
				}
			}
		} else if !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("stat %q: %w", dir, err)
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}

	return nil
}
