package chain

import (
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/cockroachdb/errors"
)

// Discover builds the chain of dir from the archive files found in it.
//
// Only names matching the archive convention are considered, so staged
// merge originals and in-progress temp files are ignored. An archive whose
// manifest cannot be read, or whose creation time does not match its name,
// is left out of the chain and reported as a warning marked
// ErrCorruptArchive. Originals staged by a merge that never finished are
// reported as warnings marked ErrInterruptedMerge; Recover puts them back.
// A missing or empty directory yields an empty chain.
func Discover(dir string) (*Chain, []Warning, error) {
	c, warnings, err := readChain(dir)
	if err != nil {
		return nil, nil, err
	}
	orphans, err := orphaned(c)
	if err != nil {
		return nil, nil, err
	}
	for _, o := range orphans {
		err := errors.Newf("staged by an interrupted merge, %s is missing from the chain",
			strings.TrimSuffix(filepath.Base(o), StagedExt))
		warnings = append(warnings, newWarning(o, err, ErrInterruptedMerge))
	}
	return c, warnings, nil
}

func readChain(dir string) (*Chain, []Warning, error) {
	c := &Chain{Dir: dir}

	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return c, nil, nil
		}
		return nil, nil, errors.Wrapf(err, "reading output directory %s", dir)
	}

	var warnings []Warning
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if _, ok := ParseArchiveName(e.Name()); !ok {
			continue
		}
		path := filepath.Join(dir, e.Name())
		a, err := ReadManifest(path)
		if err == nil && ArchiveName(a.CreatedAt()) != a.Name {
			err = corruptf("created_at %s does not match the file name", a.CreatedAt().UTC().Format(nameLayout))
		}
		if err != nil {
			if !errors.Is(err, ErrCorruptArchive) {
				err = errors.Mark(err, ErrCorruptArchive)
			}
			warnings = append(warnings, Warning{Path: path, Err: err})
			continue
		}
		c.Archives = append(c.Archives, a)
	}

	// Names encode created_at to the second, so no two archives tie.
	slices.SortStableFunc(c.Archives, func(a, b *Archive) int {
		if cmp := a.CreatedAt().Compare(b.CreatedAt()); cmp != 0 {
			return cmp
		}
		return strings.Compare(a.Name, b.Name)
	})
	return c, warnings, nil
}

// Staged returns merge originals (".old" files) left in dir.
func Staged(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, errors.Wrapf(err, "reading output directory %s", dir)
	}
	var out []string
	for _, e := range entries {
		name, ok := strings.CutSuffix(e.Name(), StagedExt)
		if !ok || e.IsDir() {
			continue
		}
		if _, ok := ParseArchiveName(name); ok {
			out = append(out, filepath.Join(dir, e.Name()))
		}
	}
	return out, nil
}

// orphaned returns the staged originals of c's directory that no merged
// archive accounts for and whose own name is free. Those are the only
// copies left by a merge that stopped between staging and publishing.
func orphaned(c *Chain) ([]string, error) {
	staged, err := Staged(c.Dir)
	if err != nil || len(staged) == 0 {
		return nil, err
	}
	merged := make(map[string]bool)
	for _, a := range c.Archives {
		for _, name := range a.Manifest.Merged {
			merged[name] = true
		}
	}

	var out []string
	for _, s := range staged {
		name := strings.TrimSuffix(filepath.Base(s), StagedExt)
		if merged[name] {
			continue
		}
		if _, err := os.Lstat(filepath.Join(c.Dir, name)); !errors.Is(err, fs.ErrNotExist) {
			continue
		}
		out = append(out, s)
	}
	return out, nil
}

// Recover renames the originals of an interrupted merge in dir back to
// their archive names and returns the restored archive paths.
func Recover(dir string) ([]string, error) {
	c, _, err := readChain(dir)
	if err != nil {
		return nil, err
	}
	orphans, err := orphaned(c)
	if err != nil {
		return nil, err
	}
	var recovered []string
	for _, o := range orphans {
		target := strings.TrimSuffix(o, StagedExt)
		if err := os.Rename(o, target); err != nil {
			return recovered, unwritable(err, "restoring staged archive")
		}
		recovered = append(recovered, target)
	}
	return recovered, nil
}
