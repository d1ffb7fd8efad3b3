package config

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/thoreinstein/snapchain/internal/chain"
	"github.com/thoreinstein/snapchain/internal/errors"
	"github.com/thoreinstein/snapchain/internal/validator"
)

// Check reports everything wrong with cfg, from values Validate rejects to
// roots that are missing on disk. Call Resolve first so paths are absolute.
func Check(cfg *Config) *validator.Result {
	result := &validator.Result{}
	var fileCtx map[string]string
	if used := Used(); used != "" {
		fileCtx = map[string]string{"file": used}
	}
	add := func(fn func(field, message string, value any), field, message string, value any) {
		fn(field, message, value)
		result.Issues[len(result.Issues)-1].Context = fileCtx
	}

	for _, err := range Validate(cfg) {
		var (
			fieldErr *FieldError
			pathErr  *PathError
		)
		switch {
		case errors.As(err, &fieldErr):
			add(result.AddError, fieldErr.Field, fieldErr.Err.Error(), fieldErr.Value)
		case errors.As(err, &pathErr):
			add(result.AddError, pathErr.Field, pathErr.Err.Error(), pathErr.Path)
		case errors.Is(err, ErrVersionTooLow):
			add(result.AddError, KeyVersion, err.Error(), cfg.Version)
		default:
			add(result.AddError, "", err.Error(), nil)
		}
	}
	if result.HasErrors() {
		return result
	}

	if len(cfg.Roots) == 0 {
		add(result.AddWarning, KeyRoots, "no paths to back up", nil)
		return result
	}

	rules, err := cfg.Rules()
	if err == nil {
		_, err = chain.NewSelector(rules)
	}
	if err != nil {
		add(result.AddError, KeyRoots, err.Error(), nil)
		return result
	}

	for _, root := range cfg.Roots {
		info, err := os.Stat(root)
		switch {
		case err != nil && os.IsNotExist(err):
			add(result.AddWarning, KeyRoots, "does not exist", root)
		case err != nil:
			add(result.AddWarning, KeyRoots, "cannot be read", root)
		case !info.IsDir():
			add(result.AddInfo, KeyRoots, "is a single file", root)
		}
		if cfg.Output != "" && (cfg.Output == root || strings.HasPrefix(cfg.Output, root+string(filepath.Separator))) {
			add(result.AddInfo, KeyOutput, "lies inside a root and is skipped during backups", cfg.Output)
		}
	}

	return result
}
