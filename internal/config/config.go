package config

import (
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"time"

	"github.com/openmined/file-replicator/internal/ignore"
	"github.com/openmined/file-replicator/internal/utils"
	"github.com/spf13/viper"
)

const EnvPrefix = "FILE_REPLICATOR"

var (
	home, _           = os.UserHomeDir()
	DefaultConfigPath = filepath.Join(home, ".config", "file-replicator", "config.yaml")
)

// ErrConfig marks bad arguments, an unusable source directory or broken ignore rules.
var ErrConfig = errors.New("configuration error")

type Config struct {
	SourceDir     string   `mapstructure:"-" yaml:"source_dir"`
	DestParentDir string   `mapstructure:"-" yaml:"dest_parent_dir"`
	Command       []string `mapstructure:"-" yaml:"command,flow"`

	CleanOutFirst      bool `mapstructure:"clean_out_first" yaml:"clean_out_first"`
	InitialReplication bool `mapstructure:"initial_replication" yaml:"initial_replication"`
	ReplicateOnChange  bool `mapstructure:"replicate_on_change" yaml:"replicate_on_change"`

	Gitignore      bool     `mapstructure:"gitignore" yaml:"gitignore"`
	IgnoreFile     string   `mapstructure:"ignore_file" yaml:"ignore_file,omitempty"`
	Exclude        []string `mapstructure:"exclude" yaml:"exclude,omitempty"`
	IncludeVCS     bool     `mapstructure:"include_vcs" yaml:"include_vcs"`
	FollowSymlinks bool     `mapstructure:"follow_symlinks" yaml:"follow_symlinks"`

	Debounce         time.Duration `mapstructure:"debounce" yaml:"-"`
	DesyncRecoveries int           `mapstructure:"desync_recoveries" yaml:"desync_recoveries"`
	BatchSize        int           `mapstructure:"batch_size" yaml:"batch_size"`
	StartupProbe     time.Duration `mapstructure:"startup_probe" yaml:"-"`
	ShutdownTimeout  time.Duration `mapstructure:"shutdown_timeout" yaml:"-"`

	Lock    bool   `mapstructure:"lock" yaml:"lock"`
	Debug   bool   `mapstructure:"debug" yaml:"debug"`
	LogFile string `mapstructure:"log_file" yaml:"log_file,omitempty"`

	// Path is the config file that was read, if any.
	Path string `mapstructure:"-" yaml:"-"`
}

func Default() *Config {
	return &Config{
		InitialReplication: true,
		ReplicateOnChange:  true,
		Gitignore:          true,
		FollowSymlinks:     true,
		Debounce:           50 * time.Millisecond,
		DesyncRecoveries:   1,
		BatchSize:          64,
		StartupProbe:       250 * time.Millisecond,
		ShutdownTimeout:    5 * time.Second,
		Lock:               true,
	}
}

// SetDefaults registers every option with v so that environment variables are picked up
// for all of them.
func SetDefaults(v *viper.Viper) {
	d := Default()
	v.SetDefault("clean_out_first", d.CleanOutFirst)
	v.SetDefault("initial_replication", d.InitialReplication)
	v.SetDefault("replicate_on_change", d.ReplicateOnChange)
	v.SetDefault("gitignore", d.Gitignore)
	v.SetDefault("ignore_file", d.IgnoreFile)
	v.SetDefault("exclude", []string{})
	v.SetDefault("include_vcs", d.IncludeVCS)
	v.SetDefault("follow_symlinks", d.FollowSymlinks)
	v.SetDefault("debounce", d.Debounce)
	v.SetDefault("desync_recoveries", d.DesyncRecoveries)
	v.SetDefault("batch_size", d.BatchSize)
	v.SetDefault("startup_probe", d.StartupProbe)
	v.SetDefault("shutdown_timeout", d.ShutdownTimeout)
	v.SetDefault("lock", d.Lock)
	v.SetDefault("debug", d.Debug)
	v.SetDefault("log_file", d.LogFile)
}

// Load layers the config file (configPath, or DefaultConfigPath when empty) and FILE_REPLICATOR_*
// environment variables over the defaults. Flags must be bound to v before calling Load.
// A missing default config file is not an error.
func Load(v *viper.Viper, configPath string) (*Config, error) {
	SetDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigFile(DefaultConfigPath)
	}
	v.SetConfigType("yaml")

	if err := v.ReadInConfig(); err != nil {
		enoent := errors.Is(err, os.ErrNotExist)
		var notFound viper.ConfigFileNotFoundError
		if configPath != "" || (!enoent && !errors.As(err, &notFound)) {
			return nil, fmt.Errorf("%w: config read '%s': %w", ErrConfig, v.ConfigFileUsed(), err)
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.AutomaticEnv()

	cfg := Default()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConfig, err)
	}
	if utils.FileExists(v.ConfigFileUsed()) {
		cfg.Path = v.ConfigFileUsed()
	}
	return cfg, nil
}

// Validate resolves the local paths and checks every option. All failures wrap ErrConfig.
func (c *Config) Validate() error {
	if c.SourceDir == "" {
		return fmt.Errorf("%w: source directory is required", ErrConfig)
	}
	src, err := utils.ResolvePath(c.SourceDir)
	if err != nil {
		return fmt.Errorf("%w: source directory: %w", ErrConfig, err)
	}
	info, err := os.Stat(src)
	if err != nil {
		return fmt.Errorf("%w: source directory: %w", ErrConfig, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("%w: source %q is not a directory", ErrConfig, src)
	}
	if name := filepath.Base(src); name == string(filepath.Separator) || name == "." {
		return fmt.Errorf("%w: cannot replicate the filesystem root", ErrConfig)
	}
	c.SourceDir = src

	// the destination lives on the remote side, which is always POSIX
	if !path.IsAbs(c.DestParentDir) {
		return fmt.Errorf("%w: destination parent directory must be absolute, got %q", ErrConfig, c.DestParentDir)
	}
	c.DestParentDir = path.Clean(c.DestParentDir)

	if len(c.Command) == 0 || c.Command[0] == "" {
		return fmt.Errorf("%w: connection command is required", ErrConfig)
	}

	if c.IgnoreFile != "" {
		p, err := utils.ResolvePath(c.IgnoreFile)
		if err != nil {
			return fmt.Errorf("%w: ignore file: %w", ErrConfig, err)
		}
		if !utils.FileExists(p) {
			return fmt.Errorf("%w: ignore file %q does not exist", ErrConfig, p)
		}
		c.IgnoreFile = p
	}

	switch {
	case c.Debounce < 0:
		return fmt.Errorf("%w: `debounce` must not be negative", ErrConfig)
	case c.DesyncRecoveries < 0:
		return fmt.Errorf("%w: `desync_recoveries` must not be negative", ErrConfig)
	case c.BatchSize < 1:
		return fmt.Errorf("%w: `batch_size` must be at least 1", ErrConfig)
	case c.StartupProbe < 0:
		return fmt.Errorf("%w: `startup_probe` must not be negative", ErrConfig)
	case c.ShutdownTimeout < 0:
		return fmt.Errorf("%w: `shutdown_timeout` must not be negative", ErrConfig)
	}

	return nil
}

// SourceName is the top-level directory every archive member is nested under.
func (c *Config) SourceName() string {
	return filepath.Base(c.SourceDir)
}

// IgnoreRuleFile is the rule file consulted by the filter, or "" for none.
func (c *Config) IgnoreRuleFile() string {
	if c.IgnoreFile != "" {
		return c.IgnoreFile
	}
	if c.Gitignore {
		return filepath.Join(c.SourceDir, ignore.GitignoreFile)
	}
	return ""
}

// IgnoreOptions describes the filter for this configuration.
func (c *Config) IgnoreOptions() ignore.Options {
	return ignore.Options{
		RuleFile:   c.IgnoreRuleFile(),
		Patterns:   c.Exclude,
		IncludeVCS: c.IncludeVCS,
	}
}

// MarshalYAML renders durations in their human form.
func (c Config) MarshalYAML() (any, error) {
	type plain Config
	return struct {
		plain           `yaml:",inline"`
		Debounce        string `yaml:"debounce"`
		StartupProbe    string `yaml:"startup_probe"`
		ShutdownTimeout string `yaml:"shutdown_timeout"`
	}{
		plain:           plain(c),
		Debounce:        c.Debounce.String(),
		StartupProbe:    c.StartupProbe.String(),
		ShutdownTimeout: c.ShutdownTimeout.String(),
	}, nil
}
