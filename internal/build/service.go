package build

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/cochaviz/tib/internal/board"

	"github.com/google/uuid"
)

const defaultCleanupTimeout = 5 * time.Minute

// BuildService drives one build through fetch, provisioning, staging,
// customization, the optional kernel build and image assembly.
type BuildService struct {
	Logger              *slog.Logger
	Boards              BoardRepository
	Fetcher             BundleFetcher
	EnvironmentPreparer BuildEnvironmentPreparer
	Customizer          FilesystemCustomizer
	KernelBuilder       KernelBuilder
	Assembler           ImageAssembler
	Records             BuildRecordRepository

	// Preflight checks the host once the request is known to be valid and
	// before anything is fetched or provisioned.
	Preflight func() error

	CleanupTimeout time.Duration
	Now            func() time.Time
}

// Run executes request. Every provisioned environment is released exactly
// once before Run returns unless the request retains it.
func (s *BuildService) Run(ctx context.Context, request BuildRequest) (BuildResult, error) {
	if err := s.validateConfiguration(); err != nil {
		return BuildResult{}, err
	}

	buildCtx, err := s.Resolve(request)
	if err != nil {
		return BuildResult{}, err
	}
	if s.Preflight != nil {
		if err := s.Preflight(); err != nil {
			return BuildResult{}, fmt.Errorf("host preflight: %w", err)
		}
	}

	logger := s.logger().With("build", buildCtx.ID, "board", buildCtx.Board.ID)
	if buildCtx.Revision != "" {
		logger = logger.With("revision", buildCtx.Revision)
	}
	logger.Info("starting image build", "out", buildCtx.OutPath, "kernel", request.WantsKernel())

	startedAt := s.now()
	state := newPipelineState(logger, s.now)

	if err := state.advance(StateFetching); err != nil {
		return BuildResult{}, err
	}
	bundles, err := s.Fetcher.FetchAll(ctx, buildCtx.Board, request.RequiredKinds())
	if err != nil {
		return BuildResult{}, state.fail(classify(err, func(err error) error {
			return &VerificationError{Err: err}
		}))
	}
	buildCtx.Bundles = bundles
	logger.Info("bundles verified", "count", len(bundles))

	if err := state.advance(StateProvisioning); err != nil {
		return BuildResult{}, err
	}
	env, err := s.EnvironmentPreparer.Prepare(ctx, buildCtx)
	if err != nil {
		return BuildResult{}, state.fail(classify(err, func(err error) error {
			return &ProvisionError{Err: err}
		}))
	}
	logger = logger.With("environment", env.ID())
	logger.Info("build environment ready")

	lifecycle := NewLifecycle(env, request.Retain, logger)
	result, runErr := s.runStages(ctx, logger, state, buildCtx, env)

	releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cleanupTimeout())
	cleanupErr := lifecycle.Release(releaseCtx)
	cancel()

	if runErr != nil {
		var pipelineErr *PipelineError
		if errors.As(runErr, &pipelineErr) {
			pipelineErr.Secondary = cleanupErr
		}
		if cleanupErr != nil {
			logger.Error("build environment cleanup failed", "error", cleanupErr)
		}
		return BuildResult{}, runErr
	}

	if cleanupErr != nil {
		logger.Error("build environment cleanup failed, resources may need manual removal", "error", cleanupErr)
	}
	result.ID = buildCtx.ID
	result.Retained = lifecycle.Retained()
	result.CleanupErr = cleanupErr
	if result.Retained {
		result.Environment = env.Describe()
	}

	s.saveRecord(logger, buildCtx, result, startedAt)
	logger.Info("image build finished",
		"image", result.Image.Path,
		"sha256", result.Image.SHA256,
		"duration", s.now().Sub(startedAt).Round(time.Second),
	)
	return result, nil
}

// Resolve validates request and resolves the board and revision. It has no
// side effects.
func (s *BuildService) Resolve(request BuildRequest) (BuildContext, error) {
	if s.Boards == nil {
		return BuildContext{}, errors.New("board repository is not configured")
	}

	spec, err := s.Boards.Get(strings.ToLower(strings.TrimSpace(request.Board)))
	if err != nil {
		return BuildContext{}, &InputError{Field: "board", Value: request.Board, Err: err}
	}

	revision, revisionSpec, err := spec.ResolveRevision(request.Revision)
	if err != nil {
		return BuildContext{}, &InputError{Field: "revision", Value: request.Revision, Err: err}
	}

	if request.MemoryBudget == "" {
		request.MemoryBudget = DefaultMemoryBudget
	}
	budget, err := ParseMemoryBudget(request.MemoryBudget)
	if err != nil {
		return BuildContext{}, &InputError{Field: "memory budget", Value: request.MemoryBudget, Err: err}
	}
	if budget < MinMemoryBudget {
		return BuildContext{}, &InputError{
			Field: "memory budget",
			Value: request.MemoryBudget,
			Err:   fmt.Errorf("below the minimum of %s", FormatBytes(MinMemoryBudget)),
		}
	}

	if request.CPUs < 0 {
		return BuildContext{}, &InputError{Field: "cpus", Value: fmt.Sprint(request.CPUs), Err: errors.New("must not be negative")}
	}
	if request.CPUs == 0 {
		request.CPUs = runtime.NumCPU()
	}

	for _, group := range []struct {
		field string
		paths []string
	}{
		{field: "script", paths: request.Scripts},
		{field: "chroot script", paths: request.ChrootScripts},
		{field: "patch", paths: request.Patches},
	} {
		for _, candidate := range group.paths {
			if err := requireRegularFile(candidate); err != nil {
				return BuildContext{}, &InputError{Field: group.field, Value: candidate, Err: err}
			}
		}
	}
	if request.LoadKconfig != "" {
		if err := requireRegularFile(request.LoadKconfig); err != nil {
			return BuildContext{}, &InputError{Field: "kernel config", Value: request.LoadKconfig, Err: err}
		}
	}
	if request.SaveKconfig != "" {
		if err := requireDirectory(filepath.Dir(request.SaveKconfig)); err != nil {
			return BuildContext{}, &InputError{Field: "kernel config destination", Value: request.SaveKconfig, Err: err}
		}
	}

	outPath, err := resolveOutPath(request.OutPath, request.Overwrite)
	if err != nil {
		return BuildContext{}, err
	}
	request.OutPath = outPath

	if request.RequestedAt.IsZero() {
		request.RequestedAt = s.now()
	}

	return BuildContext{
		ID:           uuid.NewString(),
		Request:      request,
		Board:        spec,
		Revision:     revision,
		RevisionSpec: revisionSpec,
		OutPath:      outPath,
	}, nil
}

func (s *BuildService) runStages(ctx context.Context, logger *slog.Logger, state *pipelineState, buildCtx BuildContext, env BuildEnvironment) (BuildResult, error) {
	request := buildCtx.Request

	if err := state.advance(StateStaging); err != nil {
		return BuildResult{}, err
	}
	if err := env.Stage(ctx, buildCtx.Bundles); err != nil {
		return BuildResult{}, state.fail(classify(err, func(err error) error {
			return &StagingError{Err: err}
		}))
	}
	logger.Info("bundles staged")

	if len(request.Scripts) > 0 {
		if err := state.advance(StateScripts); err != nil {
			return BuildResult{}, err
		}
		if err := runEnvironmentScripts(ctx, logger, env, request.Scripts); err != nil {
			return BuildResult{}, state.fail(err)
		}
	}

	if steps := customizationSteps(request); len(steps) > 0 {
		if err := state.advance(StateCustomizing); err != nil {
			return BuildResult{}, err
		}
		if err := s.Customizer.Apply(ctx, env, buildCtx.Board, steps); err != nil {
			return BuildResult{}, state.fail(classify(err, func(err error) error {
				return &CustomizationError{Err: err}
			}))
		}
		logger.Info("root filesystem customized", "steps", len(steps))
	}

	var result BuildResult
	if request.WantsKernel() {
		if err := state.advance(StateKernel); err != nil {
			return BuildResult{}, err
		}
		kernel, err := s.KernelBuilder.Build(ctx, env, buildCtx.Board, KernelOptions{
			Patches:      request.Patches,
			LoadConfig:   request.LoadKconfig,
			SaveConfig:   request.SaveKconfig,
			Menuconfig:   request.Menuconfig,
			LocalVersion: DefaultLocalVersion,
		})
		if err != nil {
			return BuildResult{}, state.fail(classify(err, func(err error) error {
				return &CompileError{Target: "kernel", Err: err}
			}))
		}
		if kernel.ConfigSaveErr != nil {
			logger.Warn("kernel config was not saved", "path", request.SaveKconfig, "error", kernel.ConfigSaveErr)
		}
		result.ConfigSaveErr = kernel.ConfigSaveErr
		logger.Info("kernel built", "image", kernel.Image)
	}

	if err := state.advance(StateAssembling); err != nil {
		return BuildResult{}, err
	}
	image, err := s.Assembler.Assemble(ctx, env, ImageSpec{
		OutPath:       buildCtx.OutPath,
		Board:         buildCtx.Board,
		Revision:      buildCtx.Revision,
		RevisionSpec:  buildCtx.RevisionSpec,
		Overwrite:     request.Overwrite,
		KernelRebuilt: request.WantsKernel(),
		Patched:       len(request.Patches) > 0,
	})
	if err != nil {
		return BuildResult{}, state.fail(classify(err, func(err error) error {
			return &AssemblyError{Step: "produce image", Err: err}
		}))
	}

	if err := state.advance(StateSucceeded); err != nil {
		return BuildResult{}, err
	}
	result.Image = image
	return result, nil
}

// runEnvironmentScripts runs host scripts inside the build environment as
// the unprivileged user, outside the chroot. The first failure stops the
// sequence.
func runEnvironmentScripts(ctx context.Context, logger *slog.Logger, env BuildEnvironment, scripts []string) error {
	layout := env.Layout()
	for idx, script := range scripts {
		step := idx + 1
		name := filepath.Base(script)
		target := path.Join(layout.ScratchDir(), "scripts", fmt.Sprintf("%02d-%s", step, name))

		logger.Info("running environment script", "step", step, "script", name)
		if err := env.CopyIn(ctx, script, target); err != nil {
			return &CustomizationError{Step: step, Script: name, Err: err}
		}
		status, err := env.Run(ctx, Command{
			Args: []string{"/bin/bash", target},
			Dir:  layout.Home,
		})
		if err != nil {
			return &CustomizationError{Step: step, Script: name, Err: err}
		}
		if !status.Success() {
			return &CustomizationError{Step: step, Script: name, Status: status}
		}
	}
	return nil
}

func customizationSteps(request BuildRequest) []CustomizationStep {
	steps := make([]CustomizationStep, 0, len(request.ChrootScripts)+1)
	for _, script := range request.ChrootScripts {
		steps = append(steps, ScriptStep(script))
	}
	if request.EnterChroot {
		steps = append(steps, InteractiveStep())
	}
	return steps
}

func (s *BuildService) saveRecord(logger *slog.Logger, buildCtx BuildContext, result BuildResult, startedAt time.Time) {
	if s.Records == nil {
		return
	}
	record := BuildRecord{
		ID:            buildCtx.ID,
		Board:         string(buildCtx.Board.ID),
		Revision:      string(buildCtx.Revision),
		OutPath:       result.Image.Path,
		SHA256:        result.Image.SHA256,
		Size:          result.Image.Size,
		KernelRebuilt: buildCtx.Request.WantsKernel(),
		Retained:      result.Retained,
		Environment:   result.Environment,
		StartedAt:     startedAt,
		FinishedAt:    s.now(),
	}
	for _, patch := range buildCtx.Request.Patches {
		record.Patches = append(record.Patches, filepath.Base(patch))
	}
	if err := s.Records.Save(record); err != nil {
		logger.Warn("failed to save build record", "error", err)
	}
}

func (s *BuildService) validateConfiguration() error {
	switch {
	case s.Boards == nil:
		return errors.New("board repository is not configured")
	case s.Fetcher == nil:
		return errors.New("bundle fetcher is not configured")
	case s.EnvironmentPreparer == nil:
		return errors.New("build environment preparer is not configured")
	case s.Customizer == nil:
		return errors.New("filesystem customizer is not configured")
	case s.KernelBuilder == nil:
		return errors.New("kernel builder is not configured")
	case s.Assembler == nil:
		return errors.New("image assembler is not configured")
	}
	return nil
}

func (s *BuildService) logger() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}

func (s *BuildService) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

func (s *BuildService) cleanupTimeout() time.Duration {
	if s.CleanupTimeout > 0 {
		return s.CleanupTimeout
	}
	return defaultCleanupTimeout
}

// classify wraps err with wrap unless it already has a pipeline error kind.
func classify(err error, wrap func(error) error) error {
	if classified(err) {
		return err
	}
	return wrap(err)
}

func resolveOutPath(value string, overwrite bool) (string, error) {
	if strings.TrimSpace(value) == "" {
		value = DefaultOutPath
	}
	outPath, err := filepath.Abs(value)
	if err != nil {
		return "", &InputError{Field: "output path", Value: value, Err: err}
	}
	if err := requireDirectory(filepath.Dir(outPath)); err != nil {
		return "", &InputError{Field: "output path", Value: value, Err: err}
	}

	info, err := os.Stat(outPath)
	switch {
	case err == nil && info.IsDir():
		return "", &InputError{Field: "output path", Value: value, Err: errors.New("is a directory")}
	case err == nil && !overwrite:
		return "", &OutputExistsError{Path: outPath}
	case err != nil && !errors.Is(err, os.ErrNotExist):
		return "", &InputError{Field: "output path", Value: value, Err: err}
	}
	return outPath, nil
}

func requireRegularFile(candidate string) error {
	info, err := os.Stat(candidate)
	if err != nil {
		return err
	}
	if !info.Mode().IsRegular() {
		return errors.New("not a regular file")
	}
	return nil
}

func requireDirectory(candidate string) error {
	info, err := os.Stat(candidate)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return errors.New("not a directory")
	}
	return nil
}

var _ BoardRepository = (*board.Table)(nil)
