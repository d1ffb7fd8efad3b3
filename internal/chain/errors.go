package chain

import (
	"fmt"

	"github.com/cockroachdb/errors"
)

// Error kinds. Failures are marked with one of these so callers can test
// them with errors.Is regardless of the underlying cause.
var (
	// ErrPathUnreadable marks a source file that could not be read. The run continues.
	ErrPathUnreadable = errors.New("path unreadable")

	// ErrDestinationUnwritable marks a failure to write the engine's own output.
	ErrDestinationUnwritable = errors.New("destination unwritable")

	// ErrCorruptArchive marks an archive whose footer, manifest or frame cannot be parsed.
	ErrCorruptArchive = errors.New("corrupt archive")

	// ErrPathTraversalRejected marks a stored path that would escape the restore destination.
	ErrPathTraversalRejected = errors.New("path traversal rejected")

	// ErrMergeRangeInvalid marks a merge request that is not a contiguous range of the chain.
	ErrMergeRangeInvalid = errors.New("merge range invalid")

	// ErrConflictAtDestination marks an existing destination file under the fail policy.
	ErrConflictAtDestination = errors.New("conflict at destination")

	// ErrInvalidRules marks selection rules that cannot be used.
	ErrInvalidRules = errors.New("invalid selection rules")

	// ErrArchiveNotFound indicates a named archive is not part of the chain.
	ErrArchiveNotFound = errors.New("archive not found in chain")

	// ErrInterruptedMerge marks a merge original that is the only copy of its archive.
	ErrInterruptedMerge = errors.New("interrupted merge")
)

// Warning is a per-path problem that did not abort the run.
type Warning struct {
	Path string
	Err  error
}

func (w Warning) Error() string {
	return fmt.Sprintf("%s: %v", w.Path, w.Err)
}

func (w Warning) Unwrap() error {
	return w.Err
}

func newWarning(path string, err error, kind error) Warning {
	return Warning{Path: path, Err: errors.Mark(err, kind)}
}

func corrupt(err error, format string, args ...any) error {
	return errors.Mark(errors.Wrapf(err, format, args...), ErrCorruptArchive)
}

func corruptf(format string, args ...any) error {
	return errors.Mark(errors.Newf(format, args...), ErrCorruptArchive)
}

func unwritable(err error, msg string) error {
	return errors.Mark(errors.Wrap(err, msg), ErrDestinationUnwritable)
}
