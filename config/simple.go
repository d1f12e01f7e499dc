package simple

import (
	"context"
	"log/slog"

	"github.com/cochaviz/tib/internal/artifacts"
	"github.com/cochaviz/tib/internal/board"
	"github.com/cochaviz/tib/internal/build"
	"github.com/cochaviz/tib/internal/build/adapters/libvirt"
	"github.com/cochaviz/tib/internal/build/assemble"
	"github.com/cochaviz/tib/internal/build/customize"
	"github.com/cochaviz/tib/internal/build/kernel"
	"github.com/cochaviz/tib/internal/fetch"
	"github.com/cochaviz/tib/internal/logging"
	"github.com/cochaviz/tib/internal/repositories/local"
	"github.com/cochaviz/tib/internal/setup"
)

// Boards loads the board table, preferring the configured override file.
func Boards(settings Settings) (*board.Table, error) {
	if settings.BoardsFile != "" {
		return board.LoadFile(settings.BoardsFile)
	}
	return board.Default()
}

// NewBuildService wires the build pipeline for settings.
func NewBuildService(settings Settings, logger *slog.Logger) (*build.BuildService, error) {
	logger = logging.Ensure(logger)

	boards, err := Boards(settings)
	if err != nil {
		return nil, err
	}

	return &build.BuildService{
		Logger: logger.With("service", "build"),
		Boards: boards,
		Fetcher: &fetch.Fetcher{
			Logger:            logger.With("stage", "fetch"),
			Cache:             archiveCache(settings),
			StagingDir:        settings.StagingDir(),
			Transports:        fetch.DefaultTransports(logger, settings.HTTPRetries, settings.S3Region),
			PreserveOwnership: true,
			MaxFileSize:       settings.MaxFileSize,
			MaxTotalSize:      settings.MaxTotalSize,
		},
		EnvironmentPreparer: &libvirt.LibvirtBuildEnvironmentPreparer{
			BaseDir:            settings.RunDir,
			StagingDir:         settings.StagingDir(),
			ConnectionURI:      settings.ConnectURI,
			BaseImage:          settings.BaseImage,
			NetworkName:        settings.NetworkName,
			User:               settings.SSHUser,
			DiskSize:           settings.DiskSize,
			Logger:             logger.With("stage", "provision"),
			StoragePoolCleaner: libvirt.LibvirtStoragePoolCleaner{},
		},
		Customizer:    &customize.Customizer{Logger: logger.With("stage", "customize")},
		KernelBuilder: &kernel.Builder{Logger: logger.With("stage", "kernel")},
		Assembler:     &assemble.Assembler{Logger: logger.With("stage", "assemble")},
		Records:       buildRecords(settings),
	}, nil
}

// Build verifies the host and runs a single build.
func Build(ctx context.Context, settings Settings, request build.BuildRequest, logger *slog.Logger) (build.BuildResult, error) {
	logger = logging.Ensure(logger).With("component", "config.simple")

	service, err := NewBuildService(settings, logger)
	if err != nil {
		return build.BuildResult{}, err
	}
	// Run resolves the request first, so a typo never needs root.
	service.Preflight = func() error {
		return setup.Verify(settings.ArchiveDir(), settings.StagingDir(), settings.RunDir, settings.BuildsDir())
	}

	return service.Run(ctx, request)
}

// ListCache returns the verified archives held in the cache.
func ListCache(settings Settings) ([]artifacts.Entry, error) {
	return archiveCache(settings).List()
}

// ClearCache removes every cached archive and every extracted bundle.
func ClearCache(settings Settings) error {
	if err := archiveCache(settings).Clear(); err != nil {
		return err
	}
	return setup.ClearDirectory(settings.StagingDir())
}

// ListBuilds returns the recorded successful builds, newest first.
func ListBuilds(settings Settings) ([]build.BuildRecord, error) {
	return buildRecords(settings).List()
}

func archiveCache(settings Settings) *local.LocalArchiveCache {
	return &local.LocalArchiveCache{BaseDir: settings.ArchiveDir()}
}

func buildRecords(settings Settings) *local.LocalBuildRecordRepository {
	return &local.LocalBuildRecordRepository{BaseDir: settings.BuildsDir()}
}
