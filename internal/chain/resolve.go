package chain

import (
	"slices"
	"strings"
)

// Resolved is the latest record for a path and the archive that holds it.
type Resolved struct {
	Record  FileRecord
	Archive *Archive
}

// State maps every path ever recorded to its latest record.
type State map[string]Resolved

// Fold applies the archives in order, later records replacing earlier ones.
// The archives must already be in chain order.
func Fold(archives []*Archive) State {
	st := make(State)
	for _, a := range archives {
		for _, r := range a.Manifest.Files {
			st[r.Path] = Resolved{Record: r, Archive: a}
		}
	}
	return st
}

// Live returns the resolved record of path if its latest record is content.
func (s State) Live(path string) (Resolved, bool) {
	r, ok := s[path]
	if !ok || r.Record.Deleted {
		return Resolved{}, false
	}
	return r, true
}

// Deleted reports whether the latest record of path is a tombstone.
func (s State) Deleted(path string) bool {
	r, ok := s[path]
	return ok && r.Record.Deleted
}

// Paths returns the sorted paths whose latest record satisfies keep.
// A nil keep returns every path.
func (s State) Paths(keep func(Resolved) bool) []string {
	out := make([]string, 0, len(s))
	for p, r := range s {
		if keep == nil || keep(r) {
			out = append(out, p)
		}
	}
	slices.Sort(out)
	return out
}

// LivePaths returns the sorted paths that exist in the resolved state.
func (s State) LivePaths() []string {
	return s.Paths(func(r Resolved) bool { return !r.Record.Deleted })
}

// DeletedPaths returns the sorted paths whose latest record is a tombstone.
func (s State) DeletedPaths() []string {
	return s.Paths(func(r Resolved) bool { return r.Record.Deleted })
}

// Match returns the sorted paths selected by the given entries. An entry
// selects the path equal to it and, for directory prefixes, everything below.
func (s State) Match(selected []string) []string {
	return s.Paths(func(r Resolved) bool {
		return matchesAny(r.Record.Path, selected)
	})
}

func matchesAny(path string, selected []string) bool {
	for _, sel := range selected {
		sel = strings.Trim(sel, "/")
		if sel == "" || sel == "." {
			return true
		}
		if path == sel || strings.HasPrefix(path, sel+"/") {
			return true
		}
	}
	return false
}

// LatestLive returns the newest content record of path in archives,
// skipping tombstones. It is how a deleted file is brought back.
func LatestLive(archives []*Archive, path string) (Resolved, bool) {
	for i := len(archives) - 1; i >= 0; i-- {
		if r, ok := archives[i].Manifest.Lookup(path); ok && !r.Deleted {
			return Resolved{Record: r, Archive: archives[i]}, true
		}
	}
	return Resolved{}, false
}
