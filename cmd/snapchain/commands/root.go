// Package commands implements the CLI commands for snapchain.
package commands

import (
	"context"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/thoreinstein/snapchain/cmd"
	"github.com/thoreinstein/snapchain/internal/config"
	"github.com/thoreinstein/snapchain/internal/errors"
	"github.com/thoreinstein/snapchain/internal/logging"
	"github.com/thoreinstein/snapchain/internal/paths"
)

// configFile holds the value of the --config flag.
var configFile string

// outputFlag holds the value of the --output flag.
var outputFlag string

// verbosity holds the count of -v flags.
var verbosity int

// quiet holds the value of the -q/--quiet flag.
var quiet bool

// logFormat holds the value of the --log-format flag.
var logFormat string

// logFile holds the path to the log file.
var logFile string

// cfg holds the loaded, resolved settings.
var cfg *config.Config

// configLoadErr holds any error that occurred during config loading.
var configLoadErr error

func init() {
	cobra.OnInitialize(initConfig)

	// Add persistent flags
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "",
		"settings file (default: ./config.yaml or ~/.config/snapchain/config.yaml)")
	rootCmd.PersistentFlags().StringVarP(&outputFlag, "output", "o", "",
		"directory holding the archive chain (overrides the output setting)")
	rootCmd.PersistentFlags().CountVarP(&verbosity, "verbose", "v",
		"increase verbosity level (e.g., -v, -vv)")
	rootCmd.PersistentFlags().BoolVarP(&quiet, "quiet", "q", false,
		"suppress non-error output")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "text",
		"log format: text, json")
	rootCmd.PersistentFlags().StringVar(&logFile, "log-file", "",
		"write logs to file in JSON format")

	// Add version flag
	rootCmd.Version = cmd.Version
	rootCmd.SetVersionTemplate("snapchain version {{.Version}}\n")

	// Silence errors and usage so we can control error output
	rootCmd.SilenceErrors = true
	rootCmd.SilenceUsage = true
}

func initConfig() {
	config.Init()
	// Capture load errors for later reporting
	cfg, configLoadErr = config.Load(configFile)
	if configLoadErr == nil {
		configLoadErr = cfg.Resolve()
	}
}

var rootCmd = &cobra.Command{
	Use:   "snapchain",
	Short: "Incremental backups as a chain of tar.zst archives",
	Long: `snapchain backs up files and directories into a chain of compressed
archives. The first archive holds everything; every later archive holds only
what was added or changed since the previous one, plus a record of every path
that was deleted.

Any point of the chain can be restored, deleted files can be recovered on
their own, and adjacent archives can be merged to keep the chain short.

Archives are plain .tar.zst files. Each carries a YAML manifest describing
its files and the settings the backup ran with.`,
	Example: `  # Write a starter settings file
  snapchain config init

  # Back up the configured roots
  snapchain backup

  # Show the chain
  snapchain list

  # Restore everything into a directory
  snapchain restore --to /tmp/restored

  # Merge the three most recent archives
  snapchain merge --last 3

  See Also: snapchain config, snapchain files, snapchain verify`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// Initialize logging first
		if err := setupLogging(cmd); err != nil {
			return err
		}
		return checkConfig(cmd, args)
	},
	Run: func(cmd *cobra.Command, args []string) {
		_ = cmd.Help()
	},
}

// setupLogging configures the default logger based on verbosity flags.
func setupLogging(cmd *cobra.Command) error {
	if quiet && verbosity > 0 {
		return errors.NewUserError(nil, "cannot use --quiet and --verbose together")
	}

	var level slog.Level
	if quiet {
		level = slog.LevelError
	} else {
		v := verbosity

		// CLI flags take precedence, but if not set, check env var
		if v == 0 {
			if val, ok := os.LookupEnv("SNAPCHAIN_DEBUG"); ok {
				switch val {
				case "1", "true":
					v = 2 // Debug
				case "2":
					v = 3 // Trace
				}
			}
		}
		level = logging.LevelFromVerbosity(v)
	}

	opts := &slog.HandlerOptions{
		Level: level,
	}

	var primaryHandler slog.Handler
	switch logging.Format(logFormat) {
	case logging.FormatJSON:
		primaryHandler = slog.NewJSONHandler(cmd.ErrOrStderr(), opts)
	default:
		primaryHandler = logging.NewHandler(cmd.ErrOrStderr(), opts)
	}

	handlers := []slog.Handler{primaryHandler}

	if logFile != "" {
		f, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
		if err != nil {
			return errors.NewUserError(err, "failed to open log file")
		}
		// File output uses JSON format
		handlers = append(handlers, slog.NewJSONHandler(f, &slog.HandlerOptions{
			Level: level,
		}))
	}

	logger := slog.New(logging.Tee(handlers...))
	slog.SetDefault(logger)

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	cmd.SetContext(logging.NewContext(ctx, logger))

	return nil
}

// checkConfig reports load and validation errors and applies --output.
func checkConfig(cmd *cobra.Command, _ []string) error {
	// Commands that work without valid settings
	switch cmd.Name() {
	case "help", "version", "init", "gen-doc":
		return nil
	case "doctor", "validate":
		return applyOutputFlag(settings())
	}

	if configLoadErr != nil {
		return errors.NewConfigError(configLoadErr)
	}

	c := settings()
	if err := applyOutputFlag(c); err != nil {
		return err
	}

	if errs := config.Validate(c); len(errs) > 0 {
		return errors.NewConfigError(errors.Mark(errors.Join(errs...), errors.ErrInvalidConfig))
	}

	slog.Debug("settings loaded", "file", config.Used(), "output", c.Output)
	return nil
}

// applyOutputFlag points c at the --output directory when one is given.
func applyOutputFlag(c *config.Config) error {
	if outputFlag == "" {
		return nil
	}
	out, err := paths.Absolute(paths.ExpandHome(outputFlag))
	if err != nil {
		return errors.NewUserError(err, "Check the --output path")
	}
	c.Output = out
	return nil
}

// settings returns the loaded settings, or the defaults before loading.
func settings() *config.Config {
	if cfg == nil {
		cfg = config.Default()
	}
	return cfg
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}
