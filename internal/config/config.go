package config

import (
	"os"
	"path/filepath"
	"regexp"
	"runtime"
	"strings"

	"github.com/spf13/viper"

	"github.com/thoreinstein/snapchain/internal/chain"
	"github.com/thoreinstein/snapchain/internal/errors"
	"github.com/thoreinstein/snapchain/internal/paths"
	"github.com/thoreinstein/snapchain/pkg/fileutil"
)

// EnvPrefix is the prefix of environment variables overriding config keys,
// e.g. SNAPCHAIN_OUTPUT.
const EnvPrefix = "SNAPCHAIN"

// Config keys.
const (
	KeyVersion       = "version"
	KeyRoots         = "roots"
	KeyExclude       = "exclude"
	KeyExcludeRegex  = "exclude_regex"
	KeyExcludeGlob   = "exclude_glob"
	KeyOutput        = "output"
	KeyBase          = "base"
	KeyIncremental   = "incremental"
	KeyLevel         = "level"
	KeyThreads       = "threads"
	KeyStrictness    = "strictness"
	KeyConflict      = "conflict"
	KeyAllowEmpty    = "allow_empty"
	KeyKeepOriginals = "keep_originals"
)

// Config represents the settings file.
type Config struct {
	Version int `mapstructure:"version" yaml:"version" json:"version" toml:"version"`

	// Roots are the files and directories to back up.
	Roots []string `mapstructure:"roots" yaml:"roots" json:"roots" toml:"roots"`

	Exclude      []string `mapstructure:"exclude" yaml:"exclude,omitempty" json:"exclude,omitempty" toml:"exclude,omitempty"`
	ExcludeRegex []string `mapstructure:"exclude_regex" yaml:"exclude_regex,omitempty" json:"exclude_regex,omitempty" toml:"exclude_regex,omitempty"`
	ExcludeGlob  []string `mapstructure:"exclude_glob" yaml:"exclude_glob,omitempty" json:"exclude_glob,omitempty" toml:"exclude_glob,omitempty"`

	// Output is the directory holding the archive chain.
	Output string `mapstructure:"output" yaml:"output" json:"output" toml:"output"`

	// Base makes stored paths relative to this directory.
	Base string `mapstructure:"base" yaml:"base,omitempty" json:"base,omitempty" toml:"base,omitempty"`

	Incremental   bool   `mapstructure:"incremental" yaml:"incremental" json:"incremental" toml:"incremental"`
	Level         int    `mapstructure:"level" yaml:"level" json:"level" toml:"level"`
	Threads       int    `mapstructure:"threads" yaml:"threads" json:"threads" toml:"threads"`
	Strictness    string `mapstructure:"strictness" yaml:"strictness" json:"strictness" toml:"strictness"`
	Conflict      string `mapstructure:"conflict" yaml:"conflict" json:"conflict" toml:"conflict"`
	AllowEmpty    bool   `mapstructure:"allow_empty" yaml:"allow_empty" json:"allow_empty" toml:"allow_empty"`
	KeepOriginals bool   `mapstructure:"keep_originals" yaml:"keep_originals" json:"keep_originals" toml:"keep_originals"`
}

// Init initializes Viper with default configuration.
// Call this once at application startup before accessing config values.
func Init() {
	// Config file settings. The type follows the extension (yaml, yml or toml).
	viper.SetConfigName("config")

	// Search paths (in order of precedence)
	viper.AddConfigPath(".")
	viper.AddConfigPath(paths.ConfigDir())

	// Environment variable support
	viper.SetEnvPrefix(EnvPrefix)
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	d := Default()
	viper.SetDefault(KeyVersion, d.Version)
	viper.SetDefault(KeyRoots, d.Roots)
	viper.SetDefault(KeyExclude, d.Exclude)
	viper.SetDefault(KeyExcludeRegex, d.ExcludeRegex)
	viper.SetDefault(KeyExcludeGlob, d.ExcludeGlob)
	viper.SetDefault(KeyOutput, d.Output)
	viper.SetDefault(KeyBase, d.Base)
	viper.SetDefault(KeyIncremental, d.Incremental)
	viper.SetDefault(KeyLevel, d.Level)
	viper.SetDefault(KeyThreads, d.Threads)
	viper.SetDefault(KeyStrictness, d.Strictness)
	viper.SetDefault(KeyConflict, d.Conflict)
	viper.SetDefault(KeyAllowEmpty, d.AllowEmpty)
	viper.SetDefault(KeyKeepOriginals, d.KeepOriginals)
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	return &Config{
		Version:     1,
		Roots:       []string{},
		Output:      paths.DefaultOutputDir(),
		Incremental: true,
		Level:       chain.DefaultLevel,
		Threads:     runtime.NumCPU(),
		Strictness:  string(chain.StrictnessMetadata),
		Conflict:    string(chain.ConflictFail),
	}
}

// Load reads the configuration file.
// If path is provided, it reads from that specific file.
// If path is empty, it searches in the default locations.
// Returns the loaded configuration or default values if no file is found (when path is empty).
func Load(path string) (*Config, error) {
	if path != "" {
		viper.SetConfigFile(path)
	}

	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		switch {
		case errors.As(err, &notFound) && path == "":
			// Implicit load falls back to defaults
		case errors.As(err, &notFound), os.IsNotExist(err):
			return nil, errors.Mark(errors.Wrapf(err, "config file not found at %s", path), errors.ErrNotFound)
		default:
			return nil, errors.Wrap(err, "reading config file")
		}
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, errors.Wrap(err, "unmarshaling config")
	}

	return &cfg, nil
}

// Used returns the path of the loaded config file, or "" when defaults are in use.
func Used() string {
	return viper.ConfigFileUsed()
}

// Resolve expands "~" and makes every path absolute.
func (c *Config) Resolve() error {
	var err error
	abs := func(field, p string) string {
		if err != nil || p == "" {
			return p
		}
		var out string
		out, err = paths.Absolute(paths.ExpandHome(p))
		if err != nil {
			err = &PathError{Field: field, Path: p, Err: err}
		}
		return out
	}

	for i, r := range c.Roots {
		c.Roots[i] = abs(KeyRoots, r)
	}
	for i, e := range c.Exclude {
		c.Exclude[i] = abs(KeyExclude, e)
	}
	c.Output = abs(KeyOutput, c.Output)
	c.Base = abs(KeyBase, c.Base)
	return err
}

// Rules converts the config into selection rules. Call Resolve first.
func (c *Config) Rules() (chain.Rules, error) {
	rules := chain.Rules{
		Roots:       c.Roots,
		Exclude:     c.Exclude,
		ExcludeGlob: c.ExcludeGlob,
		Base:        c.Base,
	}
	for _, expr := range c.ExcludeRegex {
		re, err := regexp.Compile(expr)
		if err != nil {
			return chain.Rules{}, &FieldError{Field: KeyExcludeRegex, Value: expr, Err: err}
		}
		rules.ExcludeRegex = append(rules.ExcludeRegex, re)
	}
	return rules, nil
}

// Settings returns the subset of the config embedded in archive manifests.
func (c *Config) Settings() *chain.Settings {
	return &chain.Settings{
		Roots:        c.Roots,
		Exclude:      c.Exclude,
		ExcludeRegex: c.ExcludeRegex,
		ExcludeGlob:  c.ExcludeGlob,
		Base:         c.Base,
		Incremental:  c.Incremental,
		Level:        c.Level,
		Strictness:   chain.Strictness(c.Strictness),
	}
}

// ManagerOptions returns the chain.Manager options the config describes.
func (c *Config) ManagerOptions() []chain.Option {
	return []chain.Option{
		chain.WithOutputDir(c.Output),
		chain.WithWorkers(c.Threads),
		chain.WithLevel(c.Level),
		chain.WithChangeDetection(chain.Strictness(c.Strictness)),
		chain.WithConflict(chain.ConflictPolicy(c.Conflict)),
		chain.WithAllowEmpty(c.AllowEmpty),
		chain.WithKeepOriginals(c.KeepOriginals),
	}
}

// Write saves cfg to path as TOML when the extension is .toml, YAML otherwise.
func Write(path string, cfg *Config) error {
	if err := paths.EnsureDir(filepath.Dir(path), paths.DefaultDirPerm); err != nil {
		return errors.Wrap(err, "creating config directory")
	}
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		return fileutil.AtomicWriteTOML(path, cfg)
	}
	return fileutil.AtomicWriteYAML(path, cfg)
}
