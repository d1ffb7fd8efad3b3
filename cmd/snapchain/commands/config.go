package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/thoreinstein/snapchain/internal/config"
	"github.com/thoreinstein/snapchain/internal/editor"
	"github.com/thoreinstein/snapchain/internal/errors"
	"github.com/thoreinstein/snapchain/internal/paths"
	"github.com/thoreinstein/snapchain/internal/validator"
)

var (
	configShowFormat string
	configInitFormat string
	configInitForce  bool
	configInitRoots  []string

	configValidateFormat string
)

func init() {
	configShowCmd.Flags().StringVarP(&configShowFormat, "format", "f", "yaml",
		"output format: yaml, toml, json")
	configInitCmd.Flags().StringVarP(&configInitFormat, "format", "f", "yaml",
		"file format: yaml, toml")
	configInitCmd.Flags().BoolVar(&configInitForce, "force", false,
		"overwrite an existing settings file")
	configInitCmd.Flags().StringSliceVarP(&configInitRoots, "root", "r", nil,
		"paths to back up")

	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configGetCmd)
	configCmd.AddCommand(configInitCmd)
	configValidateCmd.Flags().StringVarP(&configValidateFormat, "format", "f", "text",
		"output format: text, json")

	configCmd.AddCommand(configEditCmd)
	configCmd.AddCommand(configValidateCmd)
	rootCmd.AddCommand(configCmd)
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage snapchain settings",
	Long: `Manage the snapchain settings file, ~/.config/snapchain/config.yaml by default.

A config.yaml, config.yml or config.toml in the working directory takes
precedence. Every setting can be overridden by an environment variable such
as SNAPCHAIN_OUTPUT or SNAPCHAIN_LEVEL.

Without a subcommand, shows the effective settings.`,
	Example: `  # Show the effective settings
  snapchain config

  # Write a starter file
  snapchain config init --root ~/documents --root ~/photos

  # Get a single value
  snapchain config get output

See Also: snapchain backup`,
	RunE: runConfigShow,
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the effective settings",
	Long: `Show the settings after merging defaults, the settings file, environment
variables and the --output flag.`,
	Example: `  # As YAML
  snapchain config show

  # As TOML
  snapchain config show --format toml

See Also: snapchain config get`,
	RunE: runConfigShow,
}

var configGetCmd = &cobra.Command{
	Use:   "get <key>",
	Short: "Get a setting",
	Long: `Get a single setting by key.

List values are printed one per line.`,
	Example: `  # Where archives are written
  snapchain config get output

  # The configured roots
  snapchain config get roots

See Also: snapchain config show`,
	Args: cobra.ExactArgs(1),
	RunE: runConfigGet,
}

var configInitCmd = &cobra.Command{
	Use:   "init [path]",
	Short: "Write a starter settings file",
	Long: `Write a settings file with the default values.

Without a path the file is written to ~/.config/snapchain/config.yaml (or
config.toml with --format toml).`,
	Example: `  # Default location
  snapchain config init --root ~/documents

  # A TOML file in the working directory
  snapchain config init ./config.toml

See Also: snapchain config edit`,
	Args: cobra.MaximumNArgs(1),
	RunE: runConfigInit,
}

var configEditCmd = &cobra.Command{
	Use:   "edit",
	Short: "Open the settings file in $EDITOR",
	Long: `Open the settings file in your default editor.

Uses $EDITOR, then $VISUAL, falling back to nano or vi.
If no settings file exists, prints an error suggesting to run 'snapchain config init'.`,
	Example: `  # Open settings in default editor
  snapchain config edit

  # Open with specific editor
  EDITOR=nano snapchain config edit

See Also: snapchain config init`,
	RunE: runConfigEdit,
}

var configValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Check the settings for problems",
	Long: `Check the effective settings without running a backup.

Reports values that are out of range, patterns that do not compile, roots
outside the base directory and roots missing on disk. Exits with status 1
when any error is found.`,
	Example: `  # Check the settings file in use
  snapchain config validate

  # Check another file and print JSON
  snapchain --config ./host.toml config validate -f json

See Also: snapchain doctor`,
	RunE: runConfigValidate,
}

func runConfigValidate(cmd *cobra.Command, _ []string) error {
	return runConfigValidateWithWriter(cmd.OutOrStdout())
}

func runConfigValidateWithWriter(w io.Writer) error {
	if configLoadErr != nil {
		return errors.NewConfigError(configLoadErr)
	}

	var format validator.Format
	switch strings.ToLower(configValidateFormat) {
	case "text":
		format = validator.FormatText
	case "json":
		format = validator.FormatJSON
	default:
		return errors.NewUserError(errors.Newf("unknown format %q", configValidateFormat),
			"Valid formats: text, json")
	}

	result := config.Check(settings())
	if err := validator.NewReporter(w, format).Report(result); err != nil {
		return errors.Wrap(err, "writing report")
	}
	if result.HasErrors() {
		return errors.NewExitError(nil, errors.ExitUser)
	}
	return nil
}

func runConfigShow(cmd *cobra.Command, _ []string) error {
	return runConfigShowWithWriter(cmd.OutOrStdout())
}

func runConfigShowWithWriter(w io.Writer) error {
	c := settings()

	var (
		data []byte
		err  error
	)
	switch strings.ToLower(configShowFormat) {
	case "yaml", "yml":
		data, err = yaml.Marshal(c)
	case "toml":
		data, err = toml.Marshal(c)
	case "json":
		data, err = json.MarshalIndent(c, "", "  ")
		data = append(data, '\n')
	default:
		return errors.NewUserError(errors.Newf("unknown format %q", configShowFormat),
			"Valid formats: yaml, toml, json")
	}
	if err != nil {
		return errors.Wrap(err, "marshaling settings")
	}

	if used := config.Used(); used != "" {
		fmt.Fprintf(w, "# %s\n", used)
	}
	_, err = w.Write(data)
	return errors.Wrap(err, "writing settings")
}

func runConfigGet(cmd *cobra.Command, args []string) error {
	return runConfigGetWithWriter(cmd.OutOrStdout(), args[0])
}

func runConfigGetWithWriter(w io.Writer, key string) error {
	// Check if value exists
	if !viper.IsSet(key) {
		fmt.Fprintln(w, "not set")
		return nil
	}

	// Get the value and determine its type
	switch v := viper.Get(key).(type) {
	case []any:
		// Array values - print one per line
		for _, item := range v {
			fmt.Fprintln(w, item)
		}
	case []string:
		// String slice - print one per line
		for _, item := range v {
			fmt.Fprintln(w, item)
		}
	default:
		// Scalar values
		fmt.Fprintln(w, viper.GetString(key))
	}

	return nil
}

func runConfigInit(cmd *cobra.Command, args []string) error {
	return runConfigInitWithWriter(cmd.OutOrStdout(), args)
}

func runConfigInitWithWriter(w io.Writer, args []string) error {
	format := strings.ToLower(configInitFormat)
	if format != "yaml" && format != "toml" {
		return errors.NewUserError(errors.Newf("unknown format %q", configInitFormat),
			"Valid formats: yaml, toml")
	}

	path := filepath.Join(paths.ConfigDir(), "config."+format)
	if len(args) > 0 {
		path = paths.ExpandHome(args[0])
	}

	if _, err := os.Stat(path); err == nil && !configInitForce {
		return errors.NewUserError(errors.Newf("settings file %s already exists", path),
			"Use --force to overwrite it, or: snapchain config edit")
	}

	c := config.Default()
	for _, r := range configInitRoots {
		abs, err := paths.Absolute(paths.ExpandHome(r))
		if err != nil {
			return errors.NewUserError(err, "Check the --root paths")
		}
		c.Roots = append(c.Roots, abs)
	}

	if err := config.Write(path, c); err != nil {
		return errors.NewSystemError(err, "")
	}

	fmt.Fprintf(w, "%s✓ Wrote %s%s\n", colorGreen, path, colorReset)
	if len(c.Roots) == 0 {
		fmt.Fprintln(w, "Add the paths to back up under 'roots', then run: snapchain backup")
	}
	return nil
}

func runConfigEdit(cmd *cobra.Command, _ []string) error {
	configPath := config.Used()
	if configPath == "" {
		configPath = filepath.Join(paths.ConfigDir(), "config.yaml")
	}

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return errors.NewUserError(errors.Newf("settings file not found at %s", configPath),
			"Run: snapchain config init")
	}

	if err := editor.Open(cmd.Context(), configPath, cmd.OutOrStdout()); err != nil {
		return errors.NewSystemError(err, "Set $EDITOR to an installed editor")
	}
	return nil
}
