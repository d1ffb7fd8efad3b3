package config

import (
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/thoreinstein/snapchain/internal/chain"
	"github.com/thoreinstein/snapchain/internal/errors"
)

// Validation errors for configuration fields.
var (
	// ErrVersionTooLow indicates the version field is below the minimum.
	ErrVersionTooLow = errors.New("version must be >= 1")

	// ErrInvalidValue indicates a field holds a value outside its allowed set.
	ErrInvalidValue = errors.New("invalid value")

	// ErrInvalidPath indicates a path value is malformed.
	ErrInvalidPath = errors.New("invalid path")
)

// Validate checks a Config for validity.
// Returns nil if valid, or a slice of validation errors.
// Roots may be empty here; commands that back up check them separately.
func Validate(cfg *Config) []error {
	if cfg == nil {
		return []error{errors.New("config is nil")}
	}

	var errs []error

	if cfg.Version < 1 {
		errs = append(errs, ErrVersionTooLow)
	}

	if cfg.Level < chain.MinLevel || cfg.Level > chain.MaxLevel {
		errs = append(errs, &FieldError{Field: KeyLevel, Value: strconv.Itoa(cfg.Level), Err: ErrInvalidValue})
	}
	if cfg.Threads < 0 {
		errs = append(errs, &FieldError{Field: KeyThreads, Value: strconv.Itoa(cfg.Threads), Err: ErrInvalidValue})
	}
	if !chain.Strictness(cfg.Strictness).Valid() {
		errs = append(errs, &FieldError{Field: KeyStrictness, Value: cfg.Strictness, Err: ErrInvalidValue})
	}
	if cfg.Conflict != "" && !chain.ConflictPolicy(cfg.Conflict).Valid() {
		errs = append(errs, &FieldError{Field: KeyConflict, Value: cfg.Conflict, Err: ErrInvalidValue})
	}

	for _, expr := range cfg.ExcludeRegex {
		if _, err := regexp.Compile(expr); err != nil {
			errs = append(errs, &FieldError{Field: KeyExcludeRegex, Value: expr, Err: err})
		}
	}
	for _, g := range cfg.ExcludeGlob {
		if !doublestar.ValidatePattern(g) {
			errs = append(errs, &FieldError{Field: KeyExcludeGlob, Value: g, Err: ErrInvalidValue})
		}
	}

	check := func(field, p string) {
		if err := validatePath(p); err != nil {
			errs = append(errs, &PathError{Field: field, Path: p, Err: err})
		}
	}
	for _, r := range cfg.Roots {
		if r == "" {
			errs = append(errs, &PathError{Field: KeyRoots, Path: r, Err: ErrInvalidPath})
			continue
		}
		check(KeyRoots, r)
	}
	for _, e := range cfg.Exclude {
		check(KeyExclude, e)
	}
	check(KeyOutput, cfg.Output)
	check(KeyBase, cfg.Base)

	return errs
}

// validatePath checks if a path string is well-formed.
// It does not check if the path exists, only that it's syntactically valid.
func validatePath(path string) error {
	// Empty paths are valid (they mean "use default")
	if path == "" {
		return nil
	}

	// Check for null bytes which are never valid in paths
	if strings.ContainsRune(path, '\x00') {
		return ErrInvalidPath
	}

	// Clean the path and check it's not empty after cleaning
	cleaned := filepath.Clean(path)
	if cleaned == "" {
		return ErrInvalidPath
	}

	return nil
}

// FieldError represents an invalid value of a non-path field.
type FieldError struct {
	Field string
	Value string
	Err   error
}

func (e *FieldError) Error() string {
	return e.Field + ": " + e.Err.Error() + ": " + e.Value
}

func (e *FieldError) Unwrap() error {
	return e.Err
}

// PathError represents an error for a specific path field.
type PathError struct {
	Field string
	Path  string
	Err   error
}

func (e *PathError) Error() string {
	return e.Field + ": " + e.Err.Error() + ": " + e.Path
}

func (e *PathError) Unwrap() error {
	return e.Err
}
