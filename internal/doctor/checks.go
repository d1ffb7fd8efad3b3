package doctor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	toml "github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"

	"github.com/thoreinstein/snapchain/internal/config"
)

// SettingsSyntaxCheck validates the syntax of the settings file in use.
type SettingsSyntaxCheck struct {
	path string
}

var _ Check = (*SettingsSyntaxCheck)(nil)

// NewSettingsSyntaxCheck creates a syntax check for the settings file at
// path. An empty path means no file was loaded.
func NewSettingsSyntaxCheck(path string) *SettingsSyntaxCheck {
	return &SettingsSyntaxCheck{path: path}
}

// Name returns the unique identifier for this check.
func (c *SettingsSyntaxCheck) Name() string {
	return "settings-syntax"
}

// Category returns the grouping for this check.
func (c *SettingsSyntaxCheck) Category() string {
	return "config"
}

// Run parses the settings file according to its extension.
func (c *SettingsSyntaxCheck) Run(_ context.Context) *CheckResult {
	result := &CheckResult{
		Name:     c.Name(),
		Category: c.Category(),
		Status:   SeverityPass,
	}

	if c.path == "" {
		result.Status = SeverityInfo
		result.Message = "no settings file found, using defaults"
		result.FixHint = "snapchain config init"
		return result
	}
	result.Details = map[string]any{"path": c.path}

	data, err := os.ReadFile(c.path)
	if err != nil {
		result.Status = SeverityError
		if errors.Is(err, os.ErrPermission) {
			result.Message = fmt.Sprintf("permission denied: %v", err)
			result.FixHint = "chmod 644 " + c.path
		} else {
			result.Message = fmt.Sprintf("read error: %v", err)
		}
		return result
	}

	// Empty files are valid (no content to parse)
	if len(data) == 0 {
		result.Message = "settings file is empty"
		return result
	}

	var msg string
	switch strings.ToLower(filepath.Ext(c.path)) {
	case ".json":
		msg = validateJSON(data)
	case ".toml":
		msg = validateTOML(data)
	default:
		msg = validateYAML(data)
	}
	if msg != "" {
		result.Status = SeverityError
		result.Message = msg
		result.FixHint = "fix the syntax in " + c.path
		return result
	}

	result.Message = "settings file parsed successfully"
	return result
}

// validateJSON returns a positioned error message, or "" when data parses.
func validateJSON(data []byte) string {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return formatJSONError(err, data)
	}
	return ""
}

func validateTOML(data []byte) string {
	var v any
	if err := toml.Unmarshal(data, &v); err != nil {
		return formatTOMLError(err)
	}
	return ""
}

func validateYAML(data []byte) string {
	var v any
	if err := yaml.Unmarshal(data, &v); err != nil {
		return fmt.Sprintf("YAML error: %v", err)
	}
	return ""
}

// formatJSONError extracts position information from JSON syntax errors.
func formatJSONError(err error, data []byte) string {
	var syntaxErr *json.SyntaxError
	if errors.As(err, &syntaxErr) {
		line, col := offsetToLineCol(data, int(syntaxErr.Offset))
		return fmt.Sprintf("JSON syntax error at line %d, column %d: %s", line, col, syntaxErr.Error())
	}

	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &typeErr) {
		line, col := offsetToLineCol(data, int(typeErr.Offset))
		return fmt.Sprintf("JSON type error at line %d, column %d: %s", line, col, typeErr.Error())
	}

	return fmt.Sprintf("JSON error: %v", err)
}

// formatTOMLError extracts position information from TOML decode errors.
func formatTOMLError(err error) string {
	var decodeErr *toml.DecodeError
	if errors.As(err, &decodeErr) {
		row, col := decodeErr.Position()
		return fmt.Sprintf("TOML syntax error at line %d, column %d: %s",
			row, col, decodeErr.Error())
	}

	return fmt.Sprintf("TOML error: %v", err)
}

// offsetToLineCol converts a byte offset to line and column numbers.
// Lines and columns are 1-indexed.
func offsetToLineCol(data []byte, offset int) (line, col int) {
	if offset > len(data) {
		offset = len(data)
	}
	if offset < 0 {
		offset = 0
	}

	line = 1
	lineStart := 0

	for i := range offset {
		if data[i] == '\n' {
			line++
			lineStart = i + 1
		}
	}

	col = offset - lineStart + 1
	return line, col
}

// SettingsCheck validates resolved settings and the backup roots they name.
type SettingsCheck struct {
	cfg *config.Config
}

var _ Check = (*SettingsCheck)(nil)

// NewSettingsCheck creates a check over resolved settings.
func NewSettingsCheck(cfg *config.Config) *SettingsCheck {
	return &SettingsCheck{cfg: cfg}
}

// Name returns the unique identifier for this check.
func (c *SettingsCheck) Name() string {
	return "settings"
}

// Category returns the grouping for this check.
func (c *SettingsCheck) Category() string {
	return "config"
}

// Run reports validation errors and roots that cannot be walked.
func (c *SettingsCheck) Run(_ context.Context) *CheckResult {
	result := &CheckResult{
		Name:     c.Name(),
		Category: c.Category(),
		Status:   SeverityPass,
	}

	if errs := config.Validate(c.cfg); len(errs) > 0 {
		problems := make([]string, 0, len(errs))
		for _, err := range errs {
			problems = append(problems, err.Error())
		}
		result.Status = SeverityError
		result.Message = fmt.Sprintf("%d invalid setting(s)", len(errs))
		result.Details = map[string]any{"problems": problems}
		result.FixHint = "snapchain config edit"
		return result
	}

	if len(c.cfg.Roots) == 0 {
		result.Status = SeverityWarning
		result.Message = "no backup roots configured"
		result.FixHint = "add paths to 'roots' with snapchain config edit"
		return result
	}

	var missing []string
	for _, root := range c.cfg.Roots {
		info, err := os.Stat(root)
		switch {
		case err != nil:
			missing = append(missing, fmt.Sprintf("%s: %v", root, err))
		case !info.IsDir():
			missing = append(missing, root+": not a directory")
		}
	}
	if len(missing) > 0 {
		result.Status = SeverityWarning
		result.Message = fmt.Sprintf("%d of %d root(s) cannot be backed up", len(missing), len(c.cfg.Roots))
		result.Details = map[string]any{"roots": missing}
		result.FixHint = "remove or fix the listed roots"
		return result
	}

	result.Message = fmt.Sprintf("settings valid, %d root(s) present", len(c.cfg.Roots))
	return result
}
