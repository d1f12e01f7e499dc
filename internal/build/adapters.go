package build

import (
	"context"

	"github.com/cochaviz/tib/internal/artifacts"
	"github.com/cochaviz/tib/internal/board"
)

// BoardRepository resolves board identifiers.
type BoardRepository interface {
	Get(id string) (board.Spec, error)
}

// BundleFetcher retrieves, verifies and extracts the bundles of a board.
type BundleFetcher interface {
	FetchAll(ctx context.Context, spec board.Spec, kinds []artifacts.Kind) ([]artifacts.Bundle, error)
}

// BuildEnvironmentPreparer provisions the disposable build environment.
type BuildEnvironmentPreparer interface {
	Prepare(ctx context.Context, buildCtx BuildContext) (BuildEnvironment, error)
}

// BuildEnvironment is a provisioned sandbox. It is owned by exactly one
// pipeline and released through Cleanup exactly once.
type BuildEnvironment interface {
	ID() string
	Layout() Layout
	// Describe returns where the environment can be reached when retained.
	Describe() string

	Stage(ctx context.Context, bundles []artifacts.Bundle) error
	// Run executes cmd to completion. A non-nil error means the command could
	// not be executed; a failing command is reported through ExitStatus.
	Run(ctx context.Context, cmd Command) (ExitStatus, error)
	// RunInteractive attaches the user's terminal to cmd and blocks until it
	// exits. There is no timeout.
	RunInteractive(ctx context.Context, cmd Command) (ExitStatus, error)
	CopyIn(ctx context.Context, hostPath, envPath string) error
	CopyOut(ctx context.Context, envPath, hostPath string) error

	Cleanup(ctx context.Context) error
}

// FilesystemCustomizer applies ordered customization steps to the staged
// root filesystem.
type FilesystemCustomizer interface {
	Apply(ctx context.Context, env BuildEnvironment, target board.Spec, steps []CustomizationStep) error
}

// KernelBuilder patches, configures and compiles the board kernel.
type KernelBuilder interface {
	Build(ctx context.Context, env BuildEnvironment, target board.Spec, opts KernelOptions) (KernelArtifacts, error)
}

// ImageAssembler produces the flashable image and publishes it on the host.
type ImageAssembler interface {
	Assemble(ctx context.Context, env BuildEnvironment, spec ImageSpec) (ImageFile, error)
}

// BuildRecordRepository persists summaries of successful builds.
type BuildRecordRepository interface {
	Save(record BuildRecord) error
}
