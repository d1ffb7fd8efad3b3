// Package fileutil provides file system utilities including atomic write operations.
package fileutil

import (
	"bytes"
	"io"
	"os"
	"path/filepath"

	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"

	"github.com/thoreinstein/snapchain/internal/errors"
)

// TempPattern is the os.CreateTemp pattern used for in-progress writes.
// Names produced by it never match the archive naming convention.
const TempPattern = ".snapchain-atomic-*.tmp"

// PendingFile is a temp file in the destination directory that becomes
// visible under its final name only when Publish succeeds.
//
// The zero value is not usable; create one with CreatePending.
type PendingFile struct {
	f      *os.File
	target string
	perm   os.FileMode
	sealed bool
	done   bool
}

// CreatePending creates a temp file next to target.
// The caller is responsible for ensuring the parent directory exists.
func CreatePending(target string, perm os.FileMode) (*PendingFile, error) {
	// Same directory as the target so the final rename never crosses filesystems
	tmp, err := os.CreateTemp(filepath.Dir(target), TempPattern)
	if err != nil {
		return nil, errors.Wrap(err, "creating temp file")
	}
	return &PendingFile{f: tmp, target: target, perm: perm}, nil
}

// Write appends p to the temp file.
func (p *PendingFile) Write(b []byte) (int, error) {
	return p.f.Write(b)
}

// TempName returns the path of the temp file.
func (p *PendingFile) TempName() string {
	return p.f.Name()
}

// Seal flushes the temp file to stable storage, applies permissions and
// closes it. The file stays under its temp name.
func (p *PendingFile) Seal() error {
	if p.sealed {
		return nil
	}
	p.sealed = true

	if err := p.f.Sync(); err != nil {
		p.f.Close()
		return errors.Wrap(err, "syncing temp file")
	}
	if err := p.f.Chmod(p.perm); err != nil {
		p.f.Close()
		return errors.Wrap(err, "setting file permissions")
	}
	if err := p.f.Close(); err != nil {
		return errors.Wrap(err, "closing temp file")
	}
	return nil
}

// Publish seals the file if needed and renames it onto the target path.
func (p *PendingFile) Publish() error {
	if p.done {
		return errors.New("pending file already finished")
	}
	if err := p.Seal(); err != nil {
		return err
	}
	if err := os.Rename(p.f.Name(), p.target); err != nil {
		return errors.Wrap(err, "renaming temp file")
	}
	p.done = true
	return nil
}

// Commit records that the sealed temp file was moved into place by the
// caller, for multi-file swaps that cannot use Publish. Abort then does nothing.
func (p *PendingFile) Commit() {
	p.done = true
}

// Abort discards the temp file. It is safe to call after Publish, in which
// case it does nothing, so callers can defer it unconditionally.
func (p *PendingFile) Abort() {
	if p.done {
		return
	}
	p.done = true
	if !p.sealed {
		p.f.Close()
	}
	os.Remove(p.f.Name())
}

// AtomicWrite streams content produced by write into path using a temp file
// + rename pattern. If write returns an error nothing is left behind.
//
// The caller is responsible for ensuring the parent directory exists.
func AtomicWrite(path string, perm os.FileMode, write func(w io.Writer) error) error {
	p, err := CreatePending(path, perm)
	if err != nil {
		return err
	}
	defer p.Abort()

	if err := write(p); err != nil {
		return errors.Wrap(err, "writing temp file")
	}
	return p.Publish()
}

// AtomicWriteFile writes data to a file atomically using a temp file + rename pattern.
// This ensures interrupted writes leave the original file intact.
//
// The caller is responsible for ensuring the parent directory exists.
// Permissions are applied to the final file via the perm parameter.
func AtomicWriteFile(path string, data []byte, perm os.FileMode) error {
	return AtomicWrite(path, perm, func(w io.Writer) error {
		_, err := io.Copy(w, bytes.NewReader(data))
		return err
	})
}

// AtomicWriteYAMLWithPerm writes v as YAML to path atomically with specified permissions.
// Appends a trailing newline for POSIX compliance.
//
// The caller is responsible for ensuring the parent directory exists.
func AtomicWriteYAMLWithPerm(path string, v any, perm os.FileMode) (err error) {
	// yaml.Marshal panics on unmarshalable types; recover and return error
	defer func() {
		if r := recover(); r != nil {
			err = errors.Newf("marshaling YAML: %v", r)
		}
	}()

	data, err := yaml.Marshal(v)
	if err != nil {
		return errors.Wrap(err, "marshaling YAML")
	}

	// yaml.Marshal already includes trailing newline, but ensure it
	if len(data) > 0 && data[len(data)-1] != '\n' {
		data = append(data, '\n')
	}

	return AtomicWriteFile(path, data, perm)
}

// AtomicWriteYAML writes v as YAML to path atomically.
// Appends a trailing newline for POSIX compliance.
//
// The caller is responsible for ensuring the parent directory exists.
// The file is created with 0644 permissions.
func AtomicWriteYAML(path string, v any) (err error) {
	return AtomicWriteYAMLWithPerm(path, v, 0644)
}

// AtomicWriteTOML writes v as TOML to path atomically with 0644 permissions.
//
// The caller is responsible for ensuring the parent directory exists.
func AtomicWriteTOML(path string, v any) error {
	data, err := toml.Marshal(v)
	if err != nil {
		return errors.Wrap(err, "marshaling TOML")
	}
	if len(data) > 0 && data[len(data)-1] != '\n' {
		data = append(data, '\n')
	}
	return AtomicWriteFile(path, data, 0644)
}
