package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	simple "github.com/cochaviz/tib/config"
	"github.com/cochaviz/tib/internal/artifacts"
	"github.com/cochaviz/tib/internal/build"
	"github.com/cochaviz/tib/internal/build/adapters/libvirt"
	"github.com/cochaviz/tib/internal/logging"
	"github.com/cochaviz/tib/internal/setup"
)

const exitCodeHelp = `Exit codes:
  0    success
  1    unexpected error
  2    invalid input (board, revision, flags, missing files)
  3    bundle verification failed
  4    build environment could not be provisioned
  5    staging bundles into the environment failed
  6    a customization script or session failed
  7    a kernel patch did not apply
  8    a kernel configuration could not be loaded
  9    kernel compilation failed
  10   image assembly failed
  11   output image exists and --overwrite was not given
  130  interrupted`

type buildFunc func(ctx context.Context, settings simple.Settings, request build.BuildRequest, logger *slog.Logger) (build.BuildResult, error)

type app struct {
	stdout   io.Writer
	stderr   io.Writer
	viper    *viper.Viper
	levelVar *slog.LevelVar
	logger   *slog.Logger
	logFile  *os.File

	configFile string
	settings   simple.Settings

	build buildFunc
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := newApp(os.Stdout, os.Stderr).execute(ctx, os.Args[1:])
	stop()
	os.Exit(code)
}

func newApp(stdout, stderr io.Writer) *app {
	var levelVar slog.LevelVar
	levelVar.Set(slog.LevelInfo)

	logger := logging.NewCLI(stderr, &levelVar)
	slog.SetDefault(logger)

	return &app{
		stdout:   stdout,
		stderr:   stderr,
		viper:    simple.NewViper(),
		levelVar: &levelVar,
		logger:   logger,
		build:    simple.Build,
	}
}

// execute runs the command line and returns the process exit code.
func (a *app) execute(ctx context.Context, args []string) int {
	root := a.newRootCommand()
	root.SetArgs(args)
	root.SetOut(a.stdout)
	root.SetErr(a.stderr)
	defer a.closeLogFile()

	err := root.ExecuteContext(ctx)
	if err == nil {
		return build.ExitOK
	}

	code := build.ExitCode(err)
	if code == build.ExitInterrupted {
		a.logger.Warn("build interrupted", "error", err)
		return code
	}

	var compileErr *build.CompileError
	if errors.As(err, &compileErr) && compileErr.Output != "" {
		fmt.Fprintln(a.stderr, compileErr.Output)
	}
	a.logger.Error("command failed", "error", err, "exit_code", code)
	return code
}

func (a *app) newRootCommand() *cobra.Command {
	var request build.BuildRequest

	root := &cobra.Command{
		Use:   "tib <board>",
		Short: "Build a flashable SD card image for a Jetson board",
		Long: "tib fetches the vendor bundles of a Jetson board, customizes the root\n" +
			"filesystem and kernel inside a disposable build environment and writes a\n" +
			"flashable SD card image.\n\n" + exitCodeHelp,
		Args: func(cmd *cobra.Command, args []string) error {
			if err := cobra.ExactArgs(1)(cmd, args); err != nil {
				return &build.InputError{Field: "board", Err: err}
			}
			return nil
		},
		SilenceErrors: true,
		SilenceUsage:  true,
		RunE: func(cmd *cobra.Command, args []string) error {
			request.Board = strings.TrimSpace(args[0])
			return a.runBuild(cmd.Context(), request)
		},
	}
	root.SetFlagErrorFunc(func(cmd *cobra.Command, err error) error {
		return &build.InputError{Field: "arguments", Err: err}
	})

	persistent := root.PersistentFlags()
	persistent.StringVar(&a.configFile, "config", "", "Configuration file (default: tib.yaml in ., ~/.config/tib or "+setup.ConfigDir+")")
	persistent.String("log-level", "info", "Set log verbosity (debug, info, warning, error)")
	persistent.String("log-format", "cli", "Log output format (cli, json)")
	persistent.String("storage-dir", setup.StorageDir, "Directory holding the cache, build environments and build records")
	persistent.String("boards-file", "", "YAML board table replacing the built-in one")

	flags := root.Flags()
	flags.StringVarP(&request.Revision, "revision", "r", "", "Hardware revision (a01, a02, b00; default b00, nano only)")
	flags.String("mem", build.DefaultMemoryBudget, "Memory ceiling of the build environment")
	flags.Int("cpus", 0, "CPUs of the build environment (default: host CPU count)")
	flags.StringVarP(&request.OutPath, "out", "o", build.DefaultOutPath, "Output image path")
	flags.BoolVar(&request.Overwrite, "overwrite", false, "Replace an existing output image")
	flags.StringArrayVar(&request.Scripts, "scripts", nil, "Script to run in the build environment; repeat to run several in order")
	flags.StringArrayVar(&request.ChrootScripts, "chroot-scripts", nil, "Script to run inside the root filesystem chroot; repeat to run several in order")
	flags.BoolVar(&request.EnterChroot, "enter-chroot", false, "Open an interactive shell in the root filesystem chroot")
	flags.StringArrayVar(&request.Patches, "patches", nil, "Kernel patch to apply; repeat to apply several in order")
	flags.BoolVar(&request.Menuconfig, "menuconfig", false, "Run the interactive kernel configuration")
	flags.StringVar(&request.LoadKconfig, "load-kconfig", "", "Kernel configuration to build with")
	flags.StringVar(&request.SaveKconfig, "save-kconfig", "", "Save the final kernel configuration to this path")
	flags.BoolVar(&request.Retain, "no-cleanup", false, "Keep the build environment after the build")
	flags.String("connect-uri", libvirt.DefaultConnectionURI, "Libvirt connection URI")
	flags.String("base-image", "", "Base disk image of the build environment (default: <storage-dir>/images/base.qcow2)")
	flags.String("log-file", "tib.log", "File receiving a debug-level copy of the build log (empty to disable)")

	root.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		if err := bindFlags(a.viper, cmd.Flags(), "log-level", "log-format", "storage-dir", "boards-file"); err != nil {
			return err
		}
		if cmd == root {
			if err := bindFlags(a.viper, cmd.Flags(), "mem", "cpus", "connect-uri", "base-image", "log-file"); err != nil {
				return err
			}
		}
		return a.loadSettings(cmd == root)
	}

	root.AddCommand(
		a.newBoardsCommand(),
		a.newCacheCommand(),
		a.newBuildsCommand(),
	)
	return root
}

func bindFlags(v *viper.Viper, flags *pflag.FlagSet, names ...string) error {
	for _, name := range names {
		if err := v.BindPFlag(name, flags.Lookup(name)); err != nil {
			return fmt.Errorf("bind flag %s: %w", name, err)
		}
	}
	return nil
}

// loadSettings reads the configuration and rebuilds the logger from it.
// Builds additionally log at debug level to the configured log file.
func (a *app) loadSettings(withLogFile bool) error {
	settings, err := simple.Load(a.viper, a.configFile)
	if err != nil {
		return &build.InputError{Field: "configuration", Err: err}
	}

	level, err := logging.ParseLevel(settings.LogLevel)
	if err != nil {
		return &build.InputError{Field: "log level", Err: err}
	}
	mode, err := logging.ParseMode(settings.LogFormat)
	if err != nil {
		return &build.InputError{Field: "log format", Err: err}
	}
	a.levelVar.Set(level)
	a.logger = logging.New(mode, a.stderr, a.levelVar)

	if withLogFile && settings.LogFile != "" {
		file, err := os.OpenFile(settings.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return &build.InputError{Field: "log file", Err: err}
		}
		a.logFile = file
		a.logger = slog.New(logging.Fanout(
			a.logger.Handler(),
			logging.NewCLI(file, slog.LevelDebug).Handler(),
		))
	}
	slog.SetDefault(a.logger)
	setup.SetLogger(a.logger.With("component", "setup"))

	a.logger.Debug("settings loaded", "config", a.viper.ConfigFileUsed(), "storage_dir", settings.StorageDir, "log_file", settings.LogFile)
	a.settings = settings
	return nil
}

func (a *app) closeLogFile() {
	if a.logFile == nil {
		return
	}
	if err := a.logFile.Close(); err != nil {
		fmt.Fprintf(a.stderr, "close log file: %v\n", err)
	}
	a.logFile = nil
}

func (a *app) runBuild(ctx context.Context, request build.BuildRequest) error {
	logger := a.logger.With("command", "build", "board", request.Board)

	if request.Revision != "" {
		if boards, err := simple.Boards(a.settings); err == nil {
			if spec, err := boards.Get(strings.ToLower(request.Board)); err == nil && len(spec.Revisions) == 0 {
				logger.Warn("board has no hardware revisions, ignoring --revision", "revision", request.Revision)
				request.Revision = ""
			}
		}
	}
	request.MemoryBudget = a.settings.Mem
	request.CPUs = a.settings.CPUs
	request.RequestedAt = time.Now()

	logger.Info("starting build", "out", request.OutPath, "mem", request.MemoryBudget, "storage_dir", a.settings.StorageDir)

	result, err := a.build(ctx, a.settings, request, logger)
	if err != nil {
		return err
	}

	if result.ConfigSaveErr != nil {
		logger.Warn("kernel configuration was not saved", "path", request.SaveKconfig, "error", result.ConfigSaveErr)
	}
	// Cleanup failures and retention were already reported by the build.
	attrs := []any{
		"id", result.ID,
		"image", result.Image.Path,
		"sha256", result.Image.SHA256,
		"size", build.FormatBytes(uint64(result.Image.Size)),
	}
	if result.Retained {
		attrs = append(attrs, "environment", result.Environment)
	}
	logger.Info("build completed", attrs...)
	fmt.Fprintln(a.stdout, result.Image.Path)
	return nil
}

func (a *app) newBoardsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "boards",
		Args:  cobra.NoArgs,
		Short: "List supported boards, their revisions and bundles",
		RunE: func(cmd *cobra.Command, args []string) error {
			boards, err := simple.Boards(a.settings)
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "BOARD\tDESCRIPTION\tARCH\tREVISIONS\tBUNDLES")
			for _, spec := range boards.ListAll() {
				revisions := "-"
				if names := spec.RevisionNames(); len(names) > 0 {
					revisions = fmt.Sprintf("%s (default %s)", strings.Join(names, ", "), spec.DefaultRevision)
				}
				var kinds []string
				for _, kind := range artifacts.Kinds() {
					if _, ok := spec.Bundle(kind); ok {
						kinds = append(kinds, string(kind))
					}
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", spec.ID, spec.Description, spec.Arch, revisions, strings.Join(kinds, ", "))
			}
			return w.Flush()
		},
	}
}

func (a *app) newCacheCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Inspect or clear the bundle cache",
	}

	cmd.AddCommand(
		&cobra.Command{
			Use:   "list",
			Args:  cobra.NoArgs,
			Short: "List verified bundle archives",
			RunE: func(cmd *cobra.Command, args []string) error {
				entries, err := simple.ListCache(a.settings)
				if err != nil {
					return err
				}
				if len(entries) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "cache is empty")
					return nil
				}

				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(w, "KIND\tSHA256\tSIZE\tSTORED\tSOURCE")
				for _, entry := range entries {
					fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
						entry.Kind,
						shortDigest(entry.SHA256),
						build.FormatBytes(uint64(entry.Size)),
						entry.StoredAt.Local().Format(time.DateTime),
						entry.Locator,
					)
				}
				return w.Flush()
			},
		},
		&cobra.Command{
			Use:   "clear",
			Args:  cobra.NoArgs,
			Short: "Remove cached archives and extracted bundles",
			RunE: func(cmd *cobra.Command, args []string) error {
				if err := simple.ClearCache(a.settings); err != nil {
					return err
				}
				a.logger.Info("cache cleared", "cache_dir", a.settings.CacheDir)
				return nil
			},
		},
	)
	return cmd
}

func (a *app) newBuildsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "builds",
		Args:  cobra.NoArgs,
		Short: "List recorded builds, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			records, err := simple.ListBuilds(a.settings)
			if err != nil {
				return err
			}
			if len(records) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "no builds recorded")
				return nil
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tBOARD\tREVISION\tIMAGE\tSIZE\tKERNEL\tFINISHED")
			for _, record := range records {
				revision := record.Revision
				if revision == "" {
					revision = "-"
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%t\t%s\n",
					shortDigest(record.ID),
					record.Board,
					revision,
					record.OutPath,
					build.FormatBytes(uint64(record.Size)),
					record.KernelRebuilt,
					record.FinishedAt.Local().Format(time.DateTime),
				)
			}
			return w.Flush()
		},
	}
}

func shortDigest(value string) string {
	if len(value) > 12 {
		return value[:12]
	}
	return value
}
