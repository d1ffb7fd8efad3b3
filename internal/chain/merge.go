package chain

import (
	"bufio"
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"slices"

	"github.com/cockroachdb/errors"

	"github.com/thoreinstein/snapchain/pkg/fileutil"
)

// MergeOptions configure Merge.
type MergeOptions struct {
	// KeepOriginals leaves the replaced archives next to the result with
	// the StagedExt suffix instead of removing them.
	KeepOriginals bool

	// Level is the zstd level of the manifest frame. Content frames are
	// copied as they are.
	Level int

	Logger *slog.Logger

	// rename is swapped in tests to simulate failures.
	rename func(oldpath, newpath string) error
}

// MergeResult describes a completed merge.
type MergeResult struct {
	// Archive is the merged archive. It takes the name and creation time of
	// the newest archive of the range.
	Archive *Archive

	// Replaced lists the names of the archives folded into Archive.
	Replaced []string

	// Staged lists the kept originals when KeepOriginals is set.
	Staged []string

	// DroppedTombstones counts deletions that no longer need a record.
	DroppedTombstones int
}

// RangeByName returns the chain positions spanned by names. The names must
// all be in the chain and form a contiguous run of at least two archives.
func RangeByName(c *Chain, names []string) (from, to int, err error) {
	if len(names) < 2 {
		return 0, 0, errors.Mark(errors.New("at least two archives are required"), ErrMergeRangeInvalid)
	}
	idx := make([]int, 0, len(names))
	for _, n := range names {
		i := c.Index(filepath.Base(n))
		if i < 0 {
			return 0, 0, errors.Mark(errors.Mark(errors.Newf("archive %s", n), ErrArchiveNotFound), ErrMergeRangeInvalid)
		}
		idx = append(idx, i)
	}
	slices.Sort(idx)
	idx = slices.Compact(idx)
	if len(idx) != len(names) {
		return 0, 0, errors.Mark(errors.New("archive named more than once"), ErrMergeRangeInvalid)
	}
	for k := 1; k < len(idx); k++ {
		if idx[k] != idx[k-1]+1 {
			return 0, 0, errors.Mark(
				errors.Newf("%s and %s are not adjacent in the chain",
					c.Archives[idx[k-1]].Name, c.Archives[idx[k]].Name),
				ErrMergeRangeInvalid)
		}
	}
	return idx[0], idx[len(idx)-1], nil
}

// Merge replaces the archives at positions from..to (inclusive) with one
// archive equivalent to them.
//
// The result holds the folded state of the range: the newest content record
// of each surviving path, with its frame copied without recompression, and a
// tombstone only for paths that were live before the range. Replacement is
// transactional. Until the merged file is renamed into place every failure
// restores the original archives and removes the temp file.
func Merge(ctx context.Context, c *Chain, from, to int, opts MergeOptions) (*MergeResult, error) {
	if from < 0 || to >= c.Len() || to-from < 1 {
		return nil, errors.Mark(
			errors.Newf("range %d..%d does not span two or more of %d archives", from, to, c.Len()),
			ErrMergeRangeInvalid)
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	rename := opts.rename
	if rename == nil {
		rename = os.Rename
	}
	level := opts.Level
	if level == 0 {
		level = DefaultLevel
	}

	rng := c.Archives[from : to+1]
	newest := rng[len(rng)-1]
	before := Fold(c.Archives[:from])
	inRange := Fold(rng)

	result := &MergeResult{}
	m := &Manifest{
		Version:   ManifestVersion,
		CreatedAt: newest.CreatedAt(),
		Base:      rng[0].Manifest.Base,
		Settings:  newest.Manifest.Settings,
		Files:     make([]FileRecord, 0, len(inRange)),
	}
	for _, a := range rng {
		result.Replaced = append(result.Replaced, a.Name)
		// Keep the full lineage when merging archives that are merges themselves.
		m.Merged = append(m.Merged, a.Manifest.Merged...)
		m.Merged = append(m.Merged, a.Name)
	}
	m.Merged = slices.Compact(m.Merged)

	pending, err := fileutil.CreatePending(newest.Path, ArchivePerm)
	if err != nil {
		return nil, unwritable(err, "creating merged archive")
	}
	defer pending.Abort()

	buffered := bufio.NewWriterSize(pending, 1<<20)
	fa := &frameAppender{w: buffered}
	readers := make(map[*Archive]*frameReader)
	defer func() {
		for _, fr := range readers {
			fr.Close()
		}
	}()

	for _, p := range inRange.Paths(nil) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		res := inRange[p]
		rec := res.Record
		if rec.Deleted {
			if _, live := before.Live(p); live {
				m.Files = append(m.Files, rec)
			} else {
				result.DroppedTombstones++
			}
			continue
		}

		fr, ok := readers[res.Archive]
		if !ok {
			fr, err = openFrameReader(res.Archive.Path)
			if err != nil {
				return nil, errors.Wrapf(err, "opening %s", res.Archive.Name)
			}
			readers[res.Archive] = fr
		}
		off, n, err := fa.copyFrom(fr.raw(rec))
		if err != nil {
			return nil, unwritable(err, "copying frame")
		}
		if n != rec.Length {
			return nil, corruptf("%s: frame of %q is truncated", res.Archive.Name, p)
		}
		rec.Offset, rec.Length = off, n
		m.Files = append(m.Files, rec)
	}

	enc, err := newEncoder(level)
	if err != nil {
		return nil, errors.Wrap(err, "creating zstd encoder")
	}
	defer enc.Close()
	if err := finishArchive(fa, enc, m); err != nil {
		return nil, unwritable(err, "writing manifest")
	}
	if err := buffered.Flush(); err != nil {
		return nil, unwritable(err, "flushing merged archive")
	}
	if err := pending.Seal(); err != nil {
		return nil, unwritable(err, "sealing merged archive")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	// Stage the originals, then move the merged file into place.
	var staged []string
	rollback := func() {
		for i := len(staged) - 1; i >= 0; i-- {
			orig := staged[i][:len(staged[i])-len(StagedExt)]
			if err := rename(staged[i], orig); err != nil {
				logger.Error("restoring original archive failed", "archive", orig, "error", err)
			}
		}
	}
	for _, a := range rng {
		old := a.Path + StagedExt
		if err := rename(a.Path, old); err != nil {
			rollback()
			return nil, unwritable(err, "staging original archive")
		}
		staged = append(staged, old)
	}
	if err := rename(pending.TempName(), newest.Path); err != nil {
		rollback()
		return nil, unwritable(err, "publishing merged archive")
	}
	pending.Commit()

	if opts.KeepOriginals {
		result.Staged = staged
	} else {
		for _, old := range staged {
			if err := os.Remove(old); err != nil {
				logger.Warn("removing merged original failed", "path", old, "error", err)
				result.Staged = append(result.Staged, old)
			}
		}
	}

	result.Archive = &Archive{
		Path:     newest.Path,
		Name:     newest.Name,
		Size:     fa.off,
		Manifest: m,
	}
	logger.Info("archives merged",
		"archive", newest.Name,
		"replaced", len(rng),
		"files", m.ContentCount(),
		"deleted", m.TombstoneCount(),
		"dropped", result.DroppedTombstones)
	return result, nil
}
