package chain

import (
	"cmp"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"slices"
	"strings"

	"github.com/cockroachdb/errors"

	"github.com/thoreinstein/snapchain/internal/logging"
	"github.com/thoreinstein/snapchain/internal/paths"
	"github.com/thoreinstein/snapchain/pkg/fileutil"
)

// Mode selects which resolved paths a restore acts on.
type Mode int

const (
	// ModeAll materializes every path whose final state is live.
	ModeAll Mode = iota

	// ModeOnlyDeleted reports the paths whose final state is deleted. With
	// Prune it removes them from the destination, with Undelete it writes
	// their last content. Otherwise nothing is written.
	ModeOnlyDeleted

	// ModeOnlySelected restricts ModeAll to RestoreOptions.Selected.
	ModeOnlySelected
)

func (m Mode) String() string {
	switch m {
	case ModeOnlyDeleted:
		return "deleted"
	case ModeOnlySelected:
		return "selected"
	default:
		return "all"
	}
}

// ParseMode converts a mode name to a Mode.
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(s) {
	case "", "all":
		return ModeAll, nil
	case "deleted", "only-deleted":
		return ModeOnlyDeleted, nil
	case "selected", "only-selected":
		return ModeOnlySelected, nil
	}
	return ModeAll, errors.Newf("unknown restore mode %q (valid: all, deleted, selected)", s)
}

// ConflictPolicy decides what happens when a restore target already exists.
type ConflictPolicy string

const (
	ConflictOverwrite ConflictPolicy = "overwrite"
	ConflictSkip      ConflictPolicy = "skip"
	ConflictFail      ConflictPolicy = "fail"
)

// Valid reports whether p is a known policy.
func (p ConflictPolicy) Valid() bool {
	switch p {
	case ConflictOverwrite, ConflictSkip, ConflictFail:
		return true
	}
	return false
}

// RestoreOptions configure Restore.
type RestoreOptions struct {
	Mode Mode

	// Selected holds record paths or directory prefixes for ModeOnlySelected.
	Selected []string

	// Destination is the directory files are restored under.
	Destination string

	// Conflict applies to targets that already exist. Empty means fail.
	Conflict ConflictPolicy

	// DryRun reports what would happen without touching the destination.
	DryRun bool

	// Prune removes deleted paths from the destination in ModeOnlyDeleted.
	Prune bool

	// Undelete writes the newest content each deleted path had before its
	// deletion. Only valid with ModeOnlyDeleted.
	Undelete bool

	// Regex keeps only paths matching at least one pattern, in every mode
	// and on top of Selected.
	Regex []*regexp.Regexp

	// Flatten restores every file directly under Destination by its base
	// name. When names collide the first path in sorted order wins and the
	// rest become warnings marked ErrConflictAtDestination.
	Flatten bool

	// At names the newest archive to consider. Empty means the whole chain.
	At string

	Logger *slog.Logger
}

// RestoreReport lists what a restore did, path by path.
type RestoreReport struct {
	Restored []string
	Skipped  []string
	Deleted  []string
	Removed  []string
	NotFound []string
	Warnings []Warning
}

// Restore resolves the chain and materializes the result under the
// destination. Each body is read from the single archive holding the
// winning record.
//
// Per-path failures, including rejected traversal, become warnings. A
// destination that cannot be created and a conflict under ConflictFail are
// fatal. Conflicts are checked before anything is written.
func Restore(ctx context.Context, c *Chain, opts RestoreOptions) (*RestoreReport, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if opts.Conflict == "" {
		opts.Conflict = ConflictFail
	}
	if !opts.Conflict.Valid() {
		return nil, errors.Newf("unknown conflict policy %q", opts.Conflict)
	}
	if opts.Destination == "" {
		return nil, errors.New("restore destination is required")
	}
	dest, err := filepath.Abs(opts.Destination)
	if err != nil {
		return nil, errors.Wrap(err, "resolving destination")
	}
	opts.Destination = dest
	if opts.Mode == ModeOnlySelected && len(opts.Selected) == 0 {
		return nil, errors.New("no paths selected")
	}
	if opts.Undelete && (opts.Mode != ModeOnlyDeleted || opts.Prune) {
		return nil, errors.New("undelete needs the deleted mode and cannot be combined with prune")
	}

	if opts.At != "" {
		i := c.Index(opts.At)
		if i < 0 {
			return nil, errors.Mark(errors.Newf("archive %s", opts.At), ErrArchiveNotFound)
		}
		c = c.Upto(i)
	}

	st := c.State()
	report := &RestoreReport{}

	var scope []string
	if opts.Mode == ModeOnlySelected {
		scope = st.Match(opts.Selected)
		for _, sel := range opts.Selected {
			if len(st.Match([]string{sel})) == 0 {
				report.NotFound = append(report.NotFound, sel)
			}
		}
	} else {
		scope = st.Paths(nil)
	}
	if len(opts.Regex) > 0 {
		scope = slices.DeleteFunc(scope, func(p string) bool {
			return !slices.ContainsFunc(opts.Regex, func(re *regexp.Regexp) bool { return re.MatchString(p) })
		})
	}

	// Content records to write, in path order.
	var picked []Resolved
	for _, p := range scope {
		res := st[p]
		if res.Record.Deleted {
			report.Deleted = append(report.Deleted, p)
			if !opts.Undelete {
				continue
			}
			prev, ok := LatestLive(c.Archives, p)
			if !ok {
				report.NotFound = append(report.NotFound, p)
				continue
			}
			picked = append(picked, prev)
			continue
		}
		if opts.Mode == ModeOnlyDeleted {
			continue
		}
		picked = append(picked, res)
	}

	if opts.Mode == ModeOnlyDeleted && !opts.Undelete {
		if opts.Prune {
			prune(dest, report, opts.DryRun, logger)
		}
		return report, nil
	}

	if !opts.DryRun {
		if err := paths.EnsureDir(dest, paths.DefaultDirPerm); err != nil {
			return nil, unwritable(err, "creating restore destination")
		}
	}

	// Records grouped by the archive that holds them.
	byArchive := make(map[*Archive][]FileRecord)
	targets := make(map[string]string)
	claimed := make(map[string]string)
	for _, res := range picked {
		rec := res.Record
		target, err := restoreTarget(dest, rec.Path, opts.Flatten)
		if err != nil {
			logger.Warn("rejecting path", "path", rec.Path, "error", err)
			report.Warnings = append(report.Warnings, Warning{Path: rec.Path, Err: err})
			continue
		}
		if first, ok := claimed[target]; ok {
			err := errors.Mark(errors.Newf("%s is already restored as %s", first, filepath.Base(target)),
				ErrConflictAtDestination)
			logger.Warn("flattened name taken", "path", rec.Path, "error", err)
			report.Warnings = append(report.Warnings, Warning{Path: rec.Path, Err: err})
			continue
		}
		claimed[target] = rec.Path
		targets[rec.Path] = target
		byArchive[res.Archive] = append(byArchive[res.Archive], rec)
	}

	if opts.Conflict == ConflictFail {
		var conflicts []string
		for p, target := range targets {
			if _, err := os.Lstat(target); err == nil {
				conflicts = append(conflicts, p)
			}
		}
		if len(conflicts) > 0 {
			slices.Sort(conflicts)
			return report, errors.Mark(
				errors.Newf("%d file(s) already exist at destination, first: %s", len(conflicts), conflicts[0]),
				ErrConflictAtDestination)
		}
	}

	// Archives in chain order, records in frame order for sequential reads.
	for _, a := range c.Archives {
		recs := byArchive[a]
		if len(recs) == 0 {
			continue
		}
		slices.SortFunc(recs, func(x, y FileRecord) int {
			return cmp.Compare(x.Offset, y.Offset)
		})
		if err := restoreFrom(ctx, a, recs, targets, opts, report, logger); err != nil {
			return report, err
		}
	}

	slices.Sort(report.Restored)
	slices.Sort(report.Skipped)
	return report, nil
}

func restoreFrom(ctx context.Context, a *Archive, recs []FileRecord, targets map[string]string,
	opts RestoreOptions, report *RestoreReport, logger *slog.Logger,
) error {
	var fr *frameReader
	if !opts.DryRun {
		var err error
		fr, err = openFrameReader(a.Path)
		if err != nil {
			for _, rec := range recs {
				report.Warnings = append(report.Warnings, newWarning(rec.Path, err, ErrCorruptArchive))
			}
			return nil
		}
		defer fr.Close()
	}

	for _, rec := range recs {
		if err := ctx.Err(); err != nil {
			return err
		}
		target, ok := targets[rec.Path]
		if !ok {
			continue
		}

		if _, err := os.Lstat(target); err == nil && opts.Conflict == ConflictSkip {
			report.Skipped = append(report.Skipped, rec.Path)
			continue
		}
		if opts.DryRun {
			report.Restored = append(report.Restored, rec.Path)
			continue
		}

		if err := extract(fr, rec, opts.Destination, target); err != nil {
			logger.Warn("restore failed", "path", rec.Path, "archive", a.Name, "error", err)
			report.Warnings = append(report.Warnings, Warning{Path: rec.Path, Err: err})
			continue
		}
		logger.Log(ctx, logging.LevelTrace, "restored", "path", rec.Path, "archive", a.Name)
		report.Restored = append(report.Restored, rec.Path)
	}
	return nil
}

func extract(fr *frameReader, rec FileRecord, root, target string) error {
	if err := checkParents(root, target); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(target), paths.DefaultDirPerm); err != nil {
		return unwritable(err, "creating parent directory")
	}

	if info, err := os.Lstat(target); err == nil && info.IsDir() {
		return errors.Mark(errors.Newf("%s is a directory", target), ErrConflictAtDestination)
	}

	hdr, body, err := fr.entry(rec)
	if err != nil {
		return err
	}

	if rec.Kind == KindSymlink {
		if err := os.Remove(target); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return unwritable(err, "replacing existing file")
		}
		return errors.Wrap(os.Symlink(hdr.Linkname, target), "creating symlink")
	}

	perm := rec.Mode.Perm()
	if perm == 0 {
		perm = 0o644
	}
	err = fileutil.AtomicWrite(target, perm, func(w io.Writer) error {
		h := sha256.New()
		if _, err := io.Copy(io.MultiWriter(w, h), body); err != nil {
			return corrupt(err, "decompressing %s", rec.Path)
		}
		if rec.SHA256 != "" && hex.EncodeToString(h.Sum(nil)) != rec.SHA256 {
			return corruptf("checksum mismatch for %s", rec.Path)
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrCorruptArchive) {
			return err
		}
		return unwritable(err, "writing file")
	}
	return errors.Wrap(os.Chtimes(target, rec.ModTime, rec.ModTime), "setting modification time")
}

func prune(dest string, report *RestoreReport, dryRun bool, logger *slog.Logger) {
	for _, p := range report.Deleted {
		target, err := safeJoin(dest, p)
		if err != nil {
			report.Warnings = append(report.Warnings, Warning{Path: p, Err: err})
			continue
		}
		info, err := os.Lstat(target)
		if err != nil || info.IsDir() {
			continue
		}
		if err := checkParents(dest, target); err != nil {
			report.Warnings = append(report.Warnings, Warning{Path: p, Err: err})
			continue
		}
		if !dryRun {
			if err := os.Remove(target); err != nil {
				report.Warnings = append(report.Warnings, newWarning(p, err, ErrDestinationUnwritable))
				continue
			}
		}
		logger.Debug("pruned deleted path", "path", p)
		report.Removed = append(report.Removed, p)
	}
}

// restoreTarget returns where recPath is written under dest.
func restoreTarget(dest, recPath string, flatten bool) (string, error) {
	if flatten {
		return safeJoin(dest, path.Base(recPath))
	}
	return safeJoin(dest, recPath)
}

// safeJoin maps a record path under root. Absolute paths and paths that
// climb out of root are rejected with ErrPathTraversalRejected.
func safeJoin(root, recPath string) (string, error) {
	rel := filepath.FromSlash(recPath)
	if rel == "" || !filepath.IsLocal(rel) {
		return "", errors.Mark(errors.Newf("path %q escapes the destination", recPath), ErrPathTraversalRejected)
	}

	full := filepath.Join(root, rel)
	check, err := filepath.Rel(root, full)
	if err != nil || check == ".." || strings.HasPrefix(check, ".."+string(filepath.Separator)) {
		return "", errors.Mark(errors.Newf("path %q escapes the destination", recPath), ErrPathTraversalRejected)
	}
	return full, nil
}

// checkParents rejects targets whose existing parent directories include a
// symlink, which would let a restored link redirect later writes.
func checkParents(root, target string) error {
	rel, err := filepath.Rel(root, filepath.Dir(target))
	if err != nil {
		return errors.Mark(err, ErrPathTraversalRejected)
	}
	if rel == "." {
		return nil
	}
	cur := root
	for _, part := range strings.Split(rel, string(filepath.Separator)) {
		cur = filepath.Join(cur, part)
		info, err := os.Lstat(cur)
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		if err != nil {
			return err
		}
		if info.Mode()&fs.ModeSymlink != 0 {
			return errors.Mark(errors.Newf("parent %s is a symlink", cur), ErrPathTraversalRejected)
		}
	}
	return nil
}
