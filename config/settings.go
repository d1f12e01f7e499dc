package simple

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/cochaviz/tib/internal/build"
	"github.com/cochaviz/tib/internal/build/adapters/libvirt"
	"github.com/cochaviz/tib/internal/setup"

	"github.com/spf13/viper"
)

// Settings holds the layered configuration of tib: defaults, an optional
// YAML file, TIB_ environment variables and command line flags.
type Settings struct {
	// Libvirt
	ConnectURI  string `mapstructure:"connect-uri"`
	BaseImage   string `mapstructure:"base-image"`
	NetworkName string `mapstructure:"network-name"`
	SSHUser     string `mapstructure:"ssh-user"`
	DiskSize    string `mapstructure:"disk-size"`

	// Storage
	StorageDir string `mapstructure:"storage-dir"`
	CacheDir   string `mapstructure:"cache-dir"`
	RunDir     string `mapstructure:"run-dir"`

	// Build environment sizing
	Mem  string `mapstructure:"mem"`
	CPUs int    `mapstructure:"cpus"`

	// Bundle retrieval
	HTTPRetries  int    `mapstructure:"http-retries"`
	S3Region     string `mapstructure:"s3-region"`
	BoardsFile   string `mapstructure:"boards-file"`
	MaxFileSize  int64  `mapstructure:"max-file-size"`
	MaxTotalSize int64  `mapstructure:"max-total-size"`

	LogLevel  string `mapstructure:"log-level"`
	LogFormat string `mapstructure:"log-format"`
	// LogFile receives a debug-level copy of a build's log. Empty disables it.
	LogFile string `mapstructure:"log-file"`
}

// NewViper returns a viper instance with tib's defaults and environment
// binding. Flags are bound by the caller.
func NewViper() *viper.Viper {
	v := viper.New()

	v.SetDefault("connect-uri", libvirt.DefaultConnectionURI)
	v.SetDefault("base-image", "")
	v.SetDefault("network-name", libvirt.DefaultNetworkName)
	v.SetDefault("ssh-user", libvirt.DefaultUser)
	v.SetDefault("disk-size", libvirt.DefaultDiskSize)
	v.SetDefault("storage-dir", setup.StorageDir)
	v.SetDefault("cache-dir", "")
	v.SetDefault("run-dir", "")
	v.SetDefault("mem", build.DefaultMemoryBudget)
	v.SetDefault("cpus", 0)
	v.SetDefault("http-retries", 3)
	v.SetDefault("s3-region", "us-east-1")
	v.SetDefault("boards-file", "")
	v.SetDefault("max-file-size", int64(16<<30))
	v.SetDefault("max-total-size", int64(64<<30))
	v.SetDefault("log-level", "info")
	v.SetDefault("log-format", "cli")
	v.SetDefault("log-file", "tib.log")

	// Environment variables (TIB_CONNECT_URI, TIB_BASE_IMAGE, ...)
	v.SetEnvPrefix("TIB")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	return v
}

// Load reads the optional configuration file and unmarshals the settings.
// An explicitly named file must exist; the default search locations are
// optional.
func Load(v *viper.Viper, configFile string) (Settings, error) {
	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("tib")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.config/tib")
		v.AddConfigPath(setup.ConfigDir)
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if configFile != "" || !errors.As(err, &notFound) {
			return Settings{}, fmt.Errorf("read config: %w", err)
		}
	}

	var settings Settings
	if err := v.Unmarshal(&settings); err != nil {
		return Settings{}, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	settings.applyDerivedDefaults()
	return settings, settings.Validate()
}

func (s *Settings) applyDerivedDefaults() {
	if s.CacheDir == "" {
		s.CacheDir = filepath.Join(s.StorageDir, "cache")
	}
	if s.RunDir == "" {
		s.RunDir = filepath.Join(s.StorageDir, "runs")
	}
	if s.BaseImage == "" {
		s.BaseImage = filepath.Join(s.StorageDir, "images", "base.qcow2")
	}
}

// Validate checks configuration for errors.
func (s Settings) Validate() error {
	if s.StorageDir == "" {
		return fmt.Errorf("storage-dir cannot be empty")
	}
	if s.HTTPRetries < 0 {
		return fmt.Errorf("http-retries must be non-negative")
	}
	if s.CPUs < 0 {
		return fmt.Errorf("cpus must be non-negative")
	}
	if s.MaxFileSize <= 0 || s.MaxTotalSize <= 0 {
		return fmt.Errorf("max-file-size and max-total-size must be positive")
	}
	return nil
}

// ArchiveDir holds verified bundle archives.
func (s Settings) ArchiveDir() string { return filepath.Join(s.CacheDir, "archives") }

// StagingDir holds extracted bundles shared with build environments.
func (s Settings) StagingDir() string { return filepath.Join(s.CacheDir, "staging") }

// BuildsDir holds build records.
func (s Settings) BuildsDir() string { return filepath.Join(s.StorageDir, "builds") }
