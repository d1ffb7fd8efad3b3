package chain

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/cockroachdb/errors"
)

// Strictness selects how the Selector decides a file is unchanged.
type Strictness string

const (
	// StrictnessMetadata compares size and modification time.
	StrictnessMetadata Strictness = "metadata"

	// StrictnessChecksum additionally compares the SHA-256 of the content
	// when size and modification time match.
	StrictnessChecksum Strictness = "checksum"
)

// Valid reports whether s is a known strictness level. Empty means metadata.
func (s Strictness) Valid() bool {
	return s == "" || s == StrictnessMetadata || s == StrictnessChecksum
}

// Decision is the Selector's verdict for one path.
type Decision int

const (
	Skip Decision = iota
	IncludeFull
	IncludeChanged
	TombstoneDecision
)

func (d Decision) String() string {
	switch d {
	case IncludeFull:
		return "new"
	case IncludeChanged:
		return "changed"
	case TombstoneDecision:
		return "deleted"
	default:
		return "unchanged"
	}
}

// Includes reports whether the decision stores a body.
func (d Decision) Includes() bool {
	return d == IncludeFull || d == IncludeChanged
}

// Rules describe what a backup covers. All paths are absolute and cleaned.
type Rules struct {
	// Roots are the include paths. Directories are walked recursively.
	Roots []string

	// Exclude holds literal paths. A directory excludes its whole subtree.
	Exclude []string

	// ExcludeRegex is matched against the slash separated absolute path.
	ExcludeRegex []*regexp.Regexp

	// ExcludeGlob holds doublestar patterns matched like ExcludeRegex.
	ExcludeGlob []string

	// Base, when set, makes record paths relative to it instead of to the
	// filesystem root. Every root must be Base or live under it.
	Base string
}

// Entry is one classified path.
type Entry struct {
	// Path is the record key.
	Path string

	// AbsPath is the location on disk. Empty for tombstones.
	AbsPath string

	Decision Decision

	// Info is the Lstat result at selection time. Nil for tombstones.
	Info fs.FileInfo

	// Link is the symlink target for symlinks.
	Link string
}

// Selection is the ordered result of a walk.
type Selection struct {
	// Entries are in walk order (lexical per directory, roots in given
	// order) followed by tombstones sorted by path.
	Entries  []Entry
	Warnings []Warning
}

// Count returns the number of entries with decision d.
func (s *Selection) Count(d Decision) int {
	n := 0
	for _, e := range s.Entries {
		if e.Decision == d {
			n++
		}
	}
	return n
}

// Changes returns the number of entries that produce a manifest record.
func (s *Selection) Changes() int {
	return len(s.Entries) - s.Count(Skip)
}

// Selector walks the roots and classifies every path against a prior state.
type Selector struct {
	rules      Rules
	strictness Strictness
	full       bool
	logger     *slog.Logger
}

// SelectorOption configures a Selector.
type SelectorOption func(*Selector)

// WithStrictness sets the change detection level.
func WithStrictness(s Strictness) SelectorOption {
	return func(sel *Selector) {
		if s != "" {
			sel.strictness = s
		}
	}
}

// WithFull makes every included file IncludeFull. Tombstones are still
// computed when a prior state is supplied.
func WithFull(full bool) SelectorOption {
	return func(sel *Selector) {
		sel.full = full
	}
}

// WithSelectorLogger sets the logger used for per-path events.
func WithSelectorLogger(l *slog.Logger) SelectorOption {
	return func(sel *Selector) {
		if l != nil {
			sel.logger = l
		}
	}
}

// NewSelector validates rules and returns a Selector.
func NewSelector(rules Rules, opts ...SelectorOption) (*Selector, error) {
	if len(rules.Roots) == 0 {
		return nil, errors.Mark(errors.New("at least one root is required"), ErrInvalidRules)
	}
	for _, r := range rules.Roots {
		if !filepath.IsAbs(r) {
			return nil, errors.Mark(errors.Newf("root %q is not absolute", r), ErrInvalidRules)
		}
		if rules.Base != "" && r != rules.Base && !within(rules.Base, r) {
			return nil, errors.Mark(errors.Newf("root %q is outside base %q", r, rules.Base), ErrInvalidRules)
		}
	}
	for _, g := range rules.ExcludeGlob {
		if !doublestar.ValidatePattern(g) {
			return nil, errors.Mark(errors.Newf("invalid glob pattern %q", g), ErrInvalidRules)
		}
	}

	s := &Selector{
		rules:      rules,
		strictness: StrictnessMetadata,
		logger:     slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// RecordPath converts an absolute path to its record key.
func (s *Selector) RecordPath(abs string) string {
	return RecordKey(s.rules.Base, abs)
}

// RecordKey converts an absolute path to its record key in archives made
// with the given base directory. An empty base keeps the whole path.
func RecordKey(base, abs string) string {
	if base != "" {
		if rel, err := filepath.Rel(base, abs); err == nil {
			return filepath.ToSlash(rel)
		}
	}
	p := strings.TrimPrefix(abs, filepath.VolumeName(abs))
	p = strings.TrimLeft(filepath.ToSlash(p), "/")
	if p == "" {
		return "."
	}
	return p
}

// Excluded reports whether abs matches an exclude rule. Ancestors are not checked.
func (s *Selector) Excluded(abs string) bool {
	for _, ex := range s.rules.Exclude {
		if abs == ex || within(ex, abs) {
			return true
		}
	}
	slashed := filepath.ToSlash(abs)
	for _, re := range s.rules.ExcludeRegex {
		if re.MatchString(slashed) {
			return true
		}
	}
	// Globs may be written against the absolute path or without the leading
	// slash, so "**/node_modules" works as expected.
	trimmed := strings.TrimPrefix(slashed, "/")
	for _, g := range s.rules.ExcludeGlob {
		if ok, _ := doublestar.Match(g, slashed); ok {
			return true
		}
		if ok, _ := doublestar.Match(g, trimmed); ok {
			return true
		}
	}
	return false
}

// excludedWithAncestors applies Excluded to abs and every parent directory,
// so a root nested in an excluded directory is pruned too.
func (s *Selector) excludedWithAncestors(abs string) bool {
	for p := abs; ; {
		if s.Excluded(p) {
			return true
		}
		parent := filepath.Dir(p)
		if parent == p {
			return false
		}
		p = parent
	}
}

// Select walks the roots and classifies each file. prior is the resolved
// state of the existing chain; nil means a first, full backup.
func (s *Selector) Select(ctx context.Context, prior State) (*Selection, error) {
	w := &walk{
		sel:        s,
		prior:      prior,
		seen:       make(map[string]struct{}),
		unreadable: nil,
		out:        &Selection{},
	}

	for _, root := range s.rules.Roots {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if s.excludedWithAncestors(root) {
			s.logger.Debug("root excluded", "root", root)
			continue
		}
		if err := filepath.WalkDir(root, w.visit(ctx, root)); err != nil {
			return nil, errors.Wrapf(err, "walking %s", root)
		}
	}

	if prior != nil {
		w.tombstones()
	}
	return w.out, nil
}

type walk struct {
	sel        *Selector
	prior      State
	seen       map[string]struct{}
	unreadable []string
	out        *Selection
}

func (w *walk) warn(path string, err error) {
	w.sel.logger.Warn("skipping unreadable path", "path", path, "error", err)
	w.out.Warnings = append(w.out.Warnings, newWarning(path, err, ErrPathUnreadable))
}

func (w *walk) visit(ctx context.Context, root string) fs.WalkDirFunc {
	return func(path string, d fs.DirEntry, err error) error {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if err != nil {
			if path == root && errors.Is(err, fs.ErrNotExist) {
				// A missing root is an empty root. Its prior files become tombstones.
				w.sel.logger.Info("root does not exist", "root", root)
				return nil
			}
			// Whatever lives below an unreadable directory keeps its prior state.
			w.unreadable = append(w.unreadable, w.sel.RecordPath(path))
			w.warn(path, err)
			if d != nil && d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}

		if path != root && w.sel.Excluded(path) {
			if d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			return nil
		}

		rel := w.sel.RecordPath(path)
		if _, dup := w.seen[rel]; dup {
			return nil
		}
		w.seen[rel] = struct{}{}

		info, err := d.Info()
		if err != nil {
			w.warn(path, err)
			return nil
		}

		entry := Entry{Path: rel, AbsPath: path, Info: info}
		switch {
		case info.Mode().IsRegular():
		case info.Mode()&fs.ModeSymlink != 0:
			link, err := os.Readlink(path)
			if err != nil {
				w.warn(path, err)
				return nil
			}
			entry.Link = link
		default:
			w.sel.logger.Debug("skipping special file", "path", path, "mode", info.Mode().String())
			delete(w.seen, rel)
			return nil
		}

		decision, err := w.sel.classify(entry, w.prior)
		if err != nil {
			w.warn(path, err)
			return nil
		}
		entry.Decision = decision
		w.out.Entries = append(w.out.Entries, entry)
		return nil
	}
}

func (s *Selector) classify(e Entry, prior State) (Decision, error) {
	if prior == nil || s.full {
		return IncludeFull, nil
	}
	res, ok := prior.Live(e.Path)
	if !ok {
		return IncludeFull, nil
	}
	rec := res.Record

	kind := KindFile
	if e.Link != "" || e.Info.Mode()&fs.ModeSymlink != 0 {
		kind = KindSymlink
	}
	switch {
	case rec.Kind != "" && rec.Kind != kind:
		return IncludeChanged, nil
	case rec.Size != e.Info.Size(), !rec.ModTime.Equal(e.Info.ModTime()):
		return IncludeChanged, nil
	case kind == KindSymlink && rec.Link != e.Link:
		return IncludeChanged, nil
	}

	if s.strictness == StrictnessChecksum && kind == KindFile && rec.SHA256 != "" {
		sum, err := hashFile(e.AbsPath)
		if err != nil {
			return Skip, err
		}
		if sum != rec.SHA256 {
			return IncludeChanged, nil
		}
	}
	return Skip, nil
}

func (w *walk) tombstones() {
	var gone []string
	for path, res := range w.prior {
		if res.Record.Deleted {
			continue
		}
		if _, ok := w.seen[path]; ok {
			continue
		}
		if w.underUnreadable(path) {
			continue
		}
		gone = append(gone, path)
	}
	slices.Sort(gone)
	for _, p := range gone {
		w.out.Entries = append(w.out.Entries, Entry{Path: p, Decision: TombstoneDecision})
	}
}

func (w *walk) underUnreadable(path string) bool {
	for _, dir := range w.unreadable {
		if path == dir || dir == "." || strings.HasPrefix(path, dir+"/") {
			return true
		}
	}
	return false
}

// within reports whether p is strictly inside dir.
func within(dir, p string) bool {
	rel, err := filepath.Rel(dir, p)
	if err != nil || rel == "." {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

func hashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
