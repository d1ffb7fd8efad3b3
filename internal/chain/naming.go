package chain

import (
	"regexp"
	"time"
)

const (
	// ArchiveExt is the extension of archive files (tar container, zstd frames).
	ArchiveExt = ".tar.zst"

	// StagedExt is appended to archives replaced by a merge.
	StagedExt = ".old"

	archivePrefix = "backup_"
	nameLayout    = "2006-01-02_15-04-05"
)

var archiveNameRE = regexp.MustCompile(`^backup_(\d{4}-\d{2}-\d{2}_\d{2}-\d{2}-\d{2})\.tar\.zst$`)

// ArchiveName returns the file name for an archive created at t.
// The timestamp is rendered in UTC so names sort the same on every machine.
func ArchiveName(t time.Time) string {
	return archivePrefix + t.UTC().Format(nameLayout) + ArchiveExt
}

// ParseArchiveName reports whether name follows the archive naming convention
// and returns the timestamp encoded in it.
func ParseArchiveName(name string) (time.Time, bool) {
	m := archiveNameRE.FindStringSubmatch(name)
	if m == nil {
		return time.Time{}, false
	}
	t, err := time.ParseInLocation(nameLayout, m[1], time.UTC)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}
