package chain

import (
	"io/fs"
	"slices"
	"time"
)

// ManifestVersion is the manifest format version for forward compatibility.
const ManifestVersion = 1

// Default configuration values.
const (
	// DefaultLevel is the zstd level used when none is configured.
	DefaultLevel = 21

	// MinLevel and MaxLevel bound the configurable zstd level.
	MinLevel = 1
	MaxLevel = 22
)

// Kind distinguishes the filesystem object a record describes.
type Kind string

const (
	KindFile    Kind = "file"
	KindSymlink Kind = "symlink"
)

// FileRecord is one entry of a manifest.
//
// A record is either a content record, whose body is stored in the archive
// at [Offset, Offset+Length), or a tombstone with Deleted set and no body.
type FileRecord struct {
	// Path is the normalized, slash separated, root-relative path.
	Path string `yaml:"path" json:"path" toml:"path"`

	Size    int64       `yaml:"size,omitempty" json:"size,omitempty" toml:"size,omitempty"`
	ModTime time.Time   `yaml:"mtime,omitempty" json:"mtime,omitzero" toml:"mtime,omitempty"`
	Mode    fs.FileMode `yaml:"mode,omitempty" json:"mode,omitempty" toml:"mode,omitempty"`
	Kind    Kind        `yaml:"kind,omitempty" json:"kind,omitempty" toml:"kind,omitempty"`

	// Link is the symlink target for KindSymlink records.
	Link string `yaml:"link,omitempty" json:"link,omitempty" toml:"link,omitempty"`

	// SHA256 is the hex digest of the body as it was read.
	SHA256 string `yaml:"sha256,omitempty" json:"sha256,omitempty" toml:"sha256,omitempty"`

	// Deleted marks a tombstone.
	Deleted bool `yaml:"deleted,omitempty" json:"deleted,omitempty" toml:"deleted,omitempty"`

	// Offset and Length locate the zstd frame holding the body.
	Offset int64 `yaml:"offset,omitempty" json:"offset,omitempty" toml:"offset,omitempty"`
	Length int64 `yaml:"length,omitempty" json:"length,omitempty" toml:"length,omitempty"`
}

// Tombstone returns a record marking path as removed.
func Tombstone(path string) FileRecord {
	return FileRecord{Path: path, Deleted: true}
}

// IsTombstone reports whether the record marks a deletion.
func (r FileRecord) IsTombstone() bool {
	return r.Deleted
}

// Settings are the selection and compression settings a backup ran with.
// They are embedded in every manifest so an archive documents itself.
type Settings struct {
	Roots        []string   `yaml:"roots" json:"roots" toml:"roots"`
	Exclude      []string   `yaml:"exclude,omitempty" json:"exclude,omitempty" toml:"exclude,omitempty"`
	ExcludeRegex []string   `yaml:"exclude_regex,omitempty" json:"exclude_regex,omitempty" toml:"exclude_regex,omitempty"`
	ExcludeGlob  []string   `yaml:"exclude_glob,omitempty" json:"exclude_glob,omitempty" toml:"exclude_glob,omitempty"`
	Base         string     `yaml:"base,omitempty" json:"base,omitempty" toml:"base,omitempty"`
	Incremental  bool       `yaml:"incremental" json:"incremental" toml:"incremental"`
	Level        int        `yaml:"level" json:"level" toml:"level"`
	Strictness   Strictness `yaml:"strictness,omitempty" json:"strictness,omitempty" toml:"strictness,omitempty"`
}

// Manifest describes what one archive contains and deletes.
type Manifest struct {
	// Version is the manifest format version.
	Version int `yaml:"version" json:"version" toml:"version"`

	// CreatedAt orders the chain and names the archive file.
	CreatedAt time.Time `yaml:"created_at" json:"created_at" toml:"created_at"`

	// Base is the file name of the archive this one was computed against.
	// Empty for full backups.
	Base string `yaml:"base,omitempty" json:"base,omitempty" toml:"base,omitempty"`

	// Merged lists the archives folded into this one by a merge.
	Merged []string `yaml:"merged,omitempty" json:"merged,omitempty" toml:"merged,omitempty"`

	Settings *Settings `yaml:"settings,omitempty" json:"settings,omitempty" toml:"settings,omitempty"`

	// Files holds the records in enumeration order.
	Files []FileRecord `yaml:"files" json:"files" toml:"files"`
}

// ContentCount returns the number of records that carry a body.
func (m *Manifest) ContentCount() int {
	n := 0
	for _, r := range m.Files {
		if !r.Deleted {
			n++
		}
	}
	return n
}

// TombstoneCount returns the number of deletion records.
func (m *Manifest) TombstoneCount() int {
	return len(m.Files) - m.ContentCount()
}

// Lookup returns the record for path, if present.
func (m *Manifest) Lookup(path string) (FileRecord, bool) {
	for _, r := range m.Files {
		if r.Path == path {
			return r, true
		}
	}
	return FileRecord{}, false
}

// Archive is one immutable backup file on disk.
type Archive struct {
	// Path is the absolute path of the archive file.
	Path string

	// Name is the base name (backup_<timestamp>.tar.zst).
	Name string

	// Size is the size of the archive file in bytes.
	Size int64

	Manifest *Manifest
}

// CreatedAt returns the manifest creation time.
func (a *Archive) CreatedAt() time.Time {
	return a.Manifest.CreatedAt
}

// Chain is the time ordered view over the archives of one output directory.
// It is rebuilt by Discover on every run and never persisted.
type Chain struct {
	Dir      string
	Archives []*Archive
}

// Len returns the number of archives in the chain.
func (c *Chain) Len() int {
	return len(c.Archives)
}

// Latest returns the newest archive, or nil for an empty chain.
func (c *Chain) Latest() *Archive {
	if len(c.Archives) == 0 {
		return nil
	}
	return c.Archives[len(c.Archives)-1]
}

// Index returns the position of the archive with the given file name, or -1.
func (c *Chain) Index(name string) int {
	return slices.IndexFunc(c.Archives, func(a *Archive) bool {
		return a.Name == name
	})
}

// Upto returns the chain prefix ending at position i (inclusive).
func (c *Chain) Upto(i int) *Chain {
	return &Chain{Dir: c.Dir, Archives: c.Archives[:i+1]}
}

// State folds the whole chain.
func (c *Chain) State() State {
	return Fold(c.Archives)
}
