package build

import (
	"fmt"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/cochaviz/tib/arch"
	"github.com/cochaviz/tib/internal/artifacts"
	"github.com/cochaviz/tib/internal/board"
)

// Defaults applied to a BuildRequest when the caller leaves a field empty.
const (
	DefaultMemoryBudget = "8G"
	DefaultOutPath      = "sdcard.img"
	DefaultLocalVersion = "-tib"
)

// BuildRequest carries every user input of a single build.
type BuildRequest struct {
	Board        string
	Revision     string
	MemoryBudget string
	CPUs         int
	OutPath      string
	Overwrite    bool

	// Scripts run inside the build environment, outside the chroot.
	Scripts []string
	// ChrootScripts run inside the root filesystem chroot.
	ChrootScripts []string
	EnterChroot   bool

	Patches     []string
	Menuconfig  bool
	LoadKconfig string
	SaveKconfig string

	// Retain keeps the build environment alive after the build.
	Retain bool

	RequestedAt time.Time
}

// WantsKernel reports whether the kernel build stage has to run.
func (r BuildRequest) WantsKernel() bool {
	return len(r.Patches) > 0 || r.Menuconfig || r.LoadKconfig != "" || r.SaveKconfig != ""
}

// RequiredKinds returns the bundle kinds the request needs, in staging order.
func (r BuildRequest) RequiredKinds() []artifacts.Kind {
	kinds := []artifacts.Kind{artifacts.BSPKind, artifacts.RootFSKind}
	if r.WantsKernel() {
		kinds = append(kinds, artifacts.KernelSourcesKind, artifacts.ToolchainKind)
	}
	return kinds
}

// BuildContext is the resolved, validated form of a request that is passed
// across pipeline stages.
type BuildContext struct {
	ID           string
	Request      BuildRequest
	Board        board.Spec
	Revision     board.Revision
	RevisionSpec board.RevisionSpec
	OutPath      string
	Bundles      []artifacts.Bundle
}

// Command is a command executed inside a build environment.
type Command struct {
	Args   []string
	Dir    string
	Env    []string
	AsRoot bool
}

func (c Command) String() string {
	return strings.Join(c.Args, " ")
}

// ExitStatus is the outcome of a command that ran to completion.
type ExitStatus struct {
	Code   int
	Output string
}

// Success reports whether the command exited zero.
func (s ExitStatus) Success() bool {
	return s.Code == 0
}

// Layout describes where things live inside a build environment. Paths are
// slash separated regardless of the host.
type Layout struct {
	Home string
	Arch arch.Architecture
	CPUs int
}

// L4T is the vendor Linux_for_Tegra directory.
func (l Layout) L4T() string { return path.Join(l.Home, "Linux_for_Tegra") }

// RootFS is the target root filesystem inside the L4T directory.
func (l Layout) RootFS() string { return path.Join(l.L4T(), "rootfs") }

// KernelDir holds the kernel image, device trees and module archive that
// apply_binaries.sh installs.
func (l Layout) KernelDir() string { return path.Join(l.L4T(), "kernel") }

// SourceDir holds the public sources bundle.
func (l Layout) SourceDir() string { return path.Join(l.L4T(), "source", "public") }

// KernelWorkDir is where kernel sources are extracted and built.
func (l Layout) KernelWorkDir() string { return path.Join(l.Home, "kernel_build") }

// ToolchainDir is where the cross toolchain is staged.
func (l Layout) ToolchainDir() string { return "/opt/tib/toolchain" }

// ScratchDir holds files copied in for a single step.
func (l Layout) ScratchDir() string { return "/tmp/tib" }

// StagePath returns the destination of a bundle of kind.
func (l Layout) StagePath(kind artifacts.Kind) (string, error) {
	switch kind {
	case artifacts.BSPKind:
		return l.L4T(), nil
	case artifacts.RootFSKind:
		return l.RootFS(), nil
	case artifacts.KernelSourcesKind:
		return l.SourceDir(), nil
	case artifacts.ToolchainKind:
		return l.ToolchainDir(), nil
	default:
		return "", fmt.Errorf("no staging location for bundle kind %q", kind)
	}
}

// CustomizationStepKind distinguishes scripted from interactive steps.
type CustomizationStepKind string

const (
	ScriptStepKind      CustomizationStepKind = "script"
	InteractiveStepKind CustomizationStepKind = "interactive"
)

// CustomizationStep is one ordered change applied to the root filesystem.
type CustomizationStep struct {
	Kind CustomizationStepKind
	Path string
}

// ScriptStep runs the host script at path inside the chroot.
func ScriptStep(path string) CustomizationStep {
	return CustomizationStep{Kind: ScriptStepKind, Path: path}
}

// InteractiveStep hands an interactive chroot shell to the user.
func InteractiveStep() CustomizationStep {
	return CustomizationStep{Kind: InteractiveStepKind}
}

// Name returns a short label for logs and errors.
func (s CustomizationStep) Name() string {
	if s.Kind == InteractiveStepKind {
		return "interactive shell"
	}
	return filepath.Base(s.Path)
}

// KernelOptions is the requested kernel configuration state.
type KernelOptions struct {
	Patches      []string
	LoadConfig   string
	SaveConfig   string
	Menuconfig   bool
	LocalVersion string
}

// KernelArtifacts locates the kernel build outputs inside the environment.
type KernelArtifacts struct {
	Image       string
	DTBDir      string
	Supplements string

	// ConfigSaveErr is set when saving the configuration failed. It does not
	// fail the build.
	ConfigSaveErr error
}

// ImageSpec describes the image the assembler produces.
type ImageSpec struct {
	OutPath       string
	Board         board.Spec
	Revision      board.Revision
	RevisionSpec  board.RevisionSpec
	Overwrite     bool
	KernelRebuilt bool
	Patched       bool
}

// ImageFile is a published image on the host.
type ImageFile struct {
	Path   string
	SHA256 string
	Size   int64
}

// BuildRecord is the persisted summary of a successful build.
type BuildRecord struct {
	ID            string    `json:"id"`
	Board         string    `json:"board"`
	Revision      string    `json:"revision,omitempty"`
	OutPath       string    `json:"out_path"`
	SHA256        string    `json:"sha256"`
	Size          int64     `json:"size"`
	KernelRebuilt bool      `json:"kernel_rebuilt"`
	Patches       []string  `json:"patches,omitempty"`
	Retained      bool      `json:"retained"`
	Environment   string    `json:"environment,omitempty"`
	StartedAt     time.Time `json:"started_at"`
	FinishedAt    time.Time `json:"finished_at"`
}

// BuildResult is returned by a successful build.
type BuildResult struct {
	ID          string
	Image       ImageFile
	Retained    bool
	Environment string

	ConfigSaveErr error
	CleanupErr    error
}
