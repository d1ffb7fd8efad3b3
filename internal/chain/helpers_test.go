package chain

import (
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/thoreinstein/snapchain/internal/logging"
)

// epoch is the base for file and clock times in tests.
var epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// testClock advances by one minute on every call.
type testClock struct {
	t time.Time
}

func newTestClock() *testClock {
	return &testClock{t: epoch}
}

func (c *testClock) Now() time.Time {
	c.t = c.t.Add(time.Minute)
	return c.t
}

// fixture is a source tree plus an output directory.
type fixture struct {
	t     *testing.T
	src   string
	out   string
	clock *testClock
	tick  int
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	return &fixture{
		t:     t,
		src:   t.TempDir(),
		out:   filepath.Join(t.TempDir(), "backups"),
		clock: newTestClock(),
	}
}

func (f *fixture) manager(opts ...Option) *Manager {
	base := []Option{
		WithOutputDir(f.out),
		WithWorkers(4),
		WithLevel(3),
		WithClock(f.clock.Now),
		WithLogger(logging.ForTest(f.t)),
	}
	return NewManager(append(base, opts...)...)
}

func (f *fixture) rules() Rules {
	return Rules{Roots: []string{f.src}, Base: f.src}
}

// write creates or replaces a file with a fresh, strictly increasing mtime
// so metadata change detection always sees the edit.
func (f *fixture) write(rel, content string) {
	f.t.Helper()
	f.tick++
	writeFile(f.t, filepath.Join(f.src, rel), content, epoch.Add(time.Duration(f.tick)*time.Hour))
}

func (f *fixture) remove(rel string) {
	f.t.Helper()
	require.NoError(f.t, os.RemoveAll(filepath.Join(f.src, filepath.FromSlash(rel))))
}

func (f *fixture) backup(m *Manager) *BackupResult {
	f.t.Helper()
	res, err := m.Backup(f.t.Context(), BackupOptions{Rules: f.rules()})
	require.NoError(f.t, err)
	return res
}

func (f *fixture) chain() *Chain {
	f.t.Helper()
	c, warnings, err := Discover(f.out)
	require.NoError(f.t, err)
	require.Empty(f.t, warnings)
	return c
}

func writeFile(t *testing.T, path, content string, mtime time.Time) {
	t.Helper()
	path = filepath.FromSlash(path)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	require.NoError(t, os.Chtimes(path, mtime, mtime))
}

// readTree returns the regular files under root keyed by slash path.
// Symlinks are rendered as "-> target".
func readTree(t *testing.T, root string) map[string]string {
	t.Helper()
	out := make(map[string]string)
	if _, err := os.Stat(root); os.IsNotExist(err) {
		return out
	}
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if d.Type()&fs.ModeSymlink != 0 {
			link, err := os.Readlink(path)
			if err != nil {
				return err
			}
			out[rel] = "-> " + link
			return nil
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		out[rel] = string(data)
		return nil
	})
	require.NoError(t, err)
	return out
}

// copyDir copies the regular files of src into dst.
func copyDir(t *testing.T, src, dst string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(dst, 0o755))
	entries, err := os.ReadDir(src)
	require.NoError(t, err)
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		in, err := os.Open(filepath.Join(src, e.Name()))
		require.NoError(t, err)
		out, err := os.Create(filepath.Join(dst, e.Name()))
		require.NoError(t, err)
		_, err = io.Copy(out, in)
		require.NoError(t, err)
		require.NoError(t, in.Close())
		require.NoError(t, out.Close())
	}
}

// restoreTree restores c with opts into a fresh directory and returns its tree.
func restoreTree(t *testing.T, c *Chain, opts RestoreOptions) (map[string]string, *RestoreReport) {
	t.Helper()
	opts.Destination = t.TempDir()
	report, err := Restore(t.Context(), c, opts)
	require.NoError(t, err)
	return readTree(t, opts.Destination), report
}

func manifestPaths(m *Manifest) []string {
	out := make([]string, 0, len(m.Files))
	for _, r := range m.Files {
		out = append(out, r.Path)
	}
	return out
}
