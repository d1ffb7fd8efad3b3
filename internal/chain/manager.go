package chain

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"slices"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/thoreinstein/snapchain/internal/paths"
)

// Manager ties the engine components to one output directory.
type Manager struct {
	outputDir     string
	workers       int
	level         int
	strictness    Strictness
	conflict      ConflictPolicy
	allowEmpty    bool
	keepOriginals bool
	logger        *slog.Logger
	now           func() time.Time
}

// Option configures a Manager.
type Option func(*Manager)

// WithOutputDir sets the directory holding the chain.
func WithOutputDir(dir string) Option {
	return func(m *Manager) {
		if dir != "" {
			m.outputDir = dir
		}
	}
}

// WithWorkers sets the number of files compressed concurrently.
func WithWorkers(n int) Option {
	return func(m *Manager) {
		m.workers = n
	}
}

// WithLevel sets the zstd compression level.
func WithLevel(level int) Option {
	return func(m *Manager) {
		if level != 0 {
			m.level = clampLevel(level)
		}
	}
}

// WithChangeDetection sets how incremental backups detect changed files.
func WithChangeDetection(s Strictness) Option {
	return func(m *Manager) {
		if s != "" {
			m.strictness = s
		}
	}
}

// WithConflict sets the default restore conflict policy.
func WithConflict(p ConflictPolicy) Option {
	return func(m *Manager) {
		if p != "" {
			m.conflict = p
		}
	}
}

// WithAllowEmpty makes Backup write an archive even when nothing changed.
func WithAllowEmpty(allow bool) Option {
	return func(m *Manager) {
		m.allowEmpty = allow
	}
}

// WithKeepOriginals keeps merged archives as staged ".old" files.
func WithKeepOriginals(keep bool) Option {
	return func(m *Manager) {
		m.keepOriginals = keep
	}
}

// WithLogger sets the logger for engine events.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.logger = l
		}
	}
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

// NewManager creates a Manager with the given options.
func NewManager(opts ...Option) *Manager {
	m := &Manager{
		outputDir:  paths.DefaultOutputDir(),
		workers:    runtime.NumCPU(),
		level:      DefaultLevel,
		strictness: StrictnessMetadata,
		conflict:   ConflictFail,
		logger:     slog.New(slog.DiscardHandler),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// OutputDir returns the directory holding the chain.
func (m *Manager) OutputDir() string {
	return m.outputDir
}

// Chain discovers the chain in the output directory. Originals left staged
// by an interrupted merge are renamed back first. Corrupt archives are
// logged and returned as warnings.
func (m *Manager) Chain() (*Chain, []Warning, error) {
	recovered, err := Recover(m.outputDir)
	for _, p := range recovered {
		m.logger.Warn("recovered archive of an interrupted merge", "archive", filepath.Base(p))
	}
	if err != nil {
		return nil, nil, err
	}
	c, warnings, err := Discover(m.outputDir)
	if err != nil {
		return nil, nil, err
	}
	for _, w := range warnings {
		m.logger.Warn("ignoring unreadable archive", "path", w.Path, "error", w.Err)
	}
	return c, warnings, nil
}

// BackupOptions configure one backup run.
type BackupOptions struct {
	Rules Rules

	// Full ignores the prior state for change detection. Deletions are still
	// recorded so the chain keeps resolving correctly.
	Full bool

	// DryRun selects without writing an archive.
	DryRun bool

	// Settings are embedded in the manifest.
	Settings *Settings
}

// BackupResult describes a backup run.
type BackupResult struct {
	// Archive is nil for dry runs and skipped runs.
	Archive *Archive

	Selection *Selection

	// Warnings collects chain, selection and compression warnings.
	Warnings []Warning

	// Skipped is set when nothing changed and no archive was written.
	Skipped bool
}

// Backup selects against the current chain and writes the next archive.
// When nothing changed no archive is written unless AllowEmpty is set.
func (m *Manager) Backup(ctx context.Context, opts BackupOptions) (*BackupResult, error) {
	c, warnings, err := m.Chain()
	if err != nil {
		return nil, err
	}

	rules := opts.Rules
	outAbs, err := filepath.Abs(m.outputDir)
	if err != nil {
		return nil, errors.Wrap(err, "resolving output directory")
	}
	// Never archive the chain itself.
	rules.Exclude = append(slices.Clone(rules.Exclude), outAbs)

	var prior State
	base := ""
	if c.Len() > 0 {
		prior = c.State()
		if !opts.Full {
			base = c.Latest().Name
		}
	}

	sel, err := NewSelector(rules,
		WithStrictness(m.strictness),
		WithFull(opts.Full),
		WithSelectorLogger(m.logger))
	if err != nil {
		return nil, err
	}
	selection, err := sel.Select(ctx, prior)
	if err != nil {
		return nil, err
	}

	result := &BackupResult{
		Selection: selection,
		Warnings:  append(warnings, selection.Warnings...),
	}
	if selection.Changes() == 0 && !m.allowEmpty {
		m.logger.Info("nothing changed, no archive written", "chain", c.Len())
		result.Skipped = true
		return result, nil
	}
	if opts.DryRun {
		return result, nil
	}

	w := &Writer{Workers: m.workers, Level: m.level, Logger: m.logger}
	a, writeWarnings, err := w.Write(ctx, m.outputDir, selection, WriteOptions{
		CreatedAt: m.nextTimestamp(c),
		Base:      base,
		Settings:  opts.Settings,
	})
	if err != nil {
		return nil, err
	}
	result.Archive = a
	result.Warnings = append(result.Warnings, writeWarnings...)
	return result, nil
}

// nextTimestamp returns a creation time strictly after the newest archive
// whose name is not taken in the output directory.
func (m *Manager) nextTimestamp(c *Chain) time.Time {
	t := truncateTime(m.now())
	if latest := c.Latest(); latest != nil && !t.After(latest.CreatedAt()) {
		t = truncateTime(latest.CreatedAt()).Add(time.Second)
	}
	for {
		name := filepath.Join(m.outputDir, ArchiveName(t))
		_, err := os.Lstat(name)
		_, errOld := os.Lstat(name + StagedExt)
		if err != nil && errOld != nil {
			return t
		}
		t = t.Add(time.Second)
	}
}

// Restore discovers the chain and restores it. An empty conflict policy
// uses the Manager's default.
func (m *Manager) Restore(ctx context.Context, opts RestoreOptions) (*RestoreReport, error) {
	c, warnings, err := m.Chain()
	if err != nil {
		return nil, err
	}
	if c.Len() == 0 {
		return nil, errors.Mark(errors.Newf("no archives in %s", m.outputDir), ErrArchiveNotFound)
	}
	if opts.Conflict == "" {
		opts.Conflict = m.conflict
	}
	if opts.Logger == nil {
		opts.Logger = m.logger
	}

	report, err := Restore(ctx, c, opts)
	if report != nil {
		report.Warnings = append(warnings, report.Warnings...)
	}
	return report, err
}

// Merge merges chain positions from..to.
func (m *Manager) Merge(ctx context.Context, from, to int) (*MergeResult, error) {
	c, _, err := m.Chain()
	if err != nil {
		return nil, err
	}
	return Merge(ctx, c, from, to, m.mergeOptions())
}

// MergeNames merges the named archives, which must be adjacent in the chain.
func (m *Manager) MergeNames(ctx context.Context, names []string) (*MergeResult, error) {
	c, _, err := m.Chain()
	if err != nil {
		return nil, err
	}
	from, to, err := RangeByName(c, names)
	if err != nil {
		return nil, err
	}
	return Merge(ctx, c, from, to, m.mergeOptions())
}

func (m *Manager) mergeOptions() MergeOptions {
	return MergeOptions{
		KeepOriginals: m.keepOriginals,
		Level:         m.level,
		Logger:        m.logger,
	}
}
