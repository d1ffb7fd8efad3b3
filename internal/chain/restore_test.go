package chain

import (
	"os"
	"path/filepath"
	"regexp"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thoreinstein/snapchain/internal/errors"
)

// threeStepChain builds a chain with an edit, an addition and a deletion.
func threeStepChain(t *testing.T) (*fixture, *Chain) {
	t.Helper()
	f := newFixture(t)
	m := f.manager()

	f.write("a.txt", "a1")
	f.write("dir/b.txt", "b1")
	f.write("dir/sub/c.txt", "c1")
	f.backup(m)

	f.write("a.txt", "a2 edited")
	f.write("dir/d.txt", "d1")
	f.backup(m)

	f.remove("dir/b.txt")
	f.backup(m)

	return f, f.chain()
}

func TestRestore_Modes(t *testing.T) {
	_, c := threeStepChain(t)

	tests := []struct {
		name         string
		opts         RestoreOptions
		wantTree     map[string]string
		wantDeleted  []string
		wantNotFound []string
	}{
		{
			name: "all",
			opts: RestoreOptions{Mode: ModeAll},
			wantTree: map[string]string{
				"a.txt":         "a2 edited",
				"dir/sub/c.txt": "c1",
				"dir/d.txt":     "d1",
			},
			wantDeleted: []string{"dir/b.txt"},
		},
		{
			name:        "only deleted",
			opts:        RestoreOptions{Mode: ModeOnlyDeleted},
			wantTree:    map[string]string{},
			wantDeleted: []string{"dir/b.txt"},
		},
		{
			name:        "only deleted brought back",
			opts:        RestoreOptions{Mode: ModeOnlyDeleted, Undelete: true},
			wantTree:    map[string]string{"dir/b.txt": "b1"},
			wantDeleted: []string{"dir/b.txt"},
		},
		{
			name: "regex filter",
			opts: RestoreOptions{Mode: ModeAll, Regex: []*regexp.Regexp{regexp.MustCompile(`^dir/`)}},
			wantTree: map[string]string{
				"dir/sub/c.txt": "c1",
				"dir/d.txt":     "d1",
			},
			wantDeleted: []string{"dir/b.txt"},
		},
		{
			name: "regex on top of selection",
			opts: RestoreOptions{
				Mode:     ModeOnlySelected,
				Selected: []string{"dir"},
				Regex:    []*regexp.Regexp{regexp.MustCompile(`c\.txt$`), regexp.MustCompile(`^a`)},
			},
			wantTree: map[string]string{"dir/sub/c.txt": "c1"},
		},
		{
			name: "flatten",
			opts: RestoreOptions{Mode: ModeAll, Flatten: true},
			wantTree: map[string]string{
				"a.txt": "a2 edited",
				"c.txt": "c1",
				"d.txt": "d1",
			},
			wantDeleted: []string{"dir/b.txt"},
		},
		{
			name: "only selected with prefix",
			opts: RestoreOptions{Mode: ModeOnlySelected, Selected: []string{"dir/sub", "missing.txt"}},
			wantTree: map[string]string{
				"dir/sub/c.txt": "c1",
			},
			wantNotFound: []string{"missing.txt"},
		},
		{
			name:         "only selected deleted path",
			opts:         RestoreOptions{Mode: ModeOnlySelected, Selected: []string{"dir/b.txt", "a.txt"}},
			wantTree:     map[string]string{"a.txt": "a2 edited"},
			wantDeleted:  []string{"dir/b.txt"},
			wantNotFound: nil,
		},
		{
			name: "as of first archive",
			opts: RestoreOptions{Mode: ModeAll, At: c.Archives[0].Name},
			wantTree: map[string]string{
				"a.txt":         "a1",
				"dir/b.txt":     "b1",
				"dir/sub/c.txt": "c1",
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, report := restoreTree(t, c, tt.opts)
			assert.Equal(t, tt.wantTree, got)
			assert.Equal(t, tt.wantDeleted, report.Deleted)
			assert.Equal(t, tt.wantNotFound, report.NotFound)
			assert.Empty(t, report.Warnings)
		})
	}
}

func TestRestore_FlattenCollision(t *testing.T) {
	f := newFixture(t)
	f.write("notes.txt", "top")
	f.write("dir/notes.txt", "nested")
	f.write("dir/other.txt", "other")
	f.backup(f.manager())

	got, report := restoreTree(t, f.chain(), RestoreOptions{Mode: ModeAll, Flatten: true})
	assert.Equal(t, map[string]string{"notes.txt": "nested", "other.txt": "other"}, got)
	assert.Equal(t, []string{"dir/notes.txt", "dir/other.txt"}, report.Restored)
	require.Len(t, report.Warnings, 1)
	assert.Equal(t, "notes.txt", report.Warnings[0].Path)
	assert.True(t, errors.Is(report.Warnings[0].Err, ErrConflictAtDestination))
}

func TestRestore_UndeleteNeedsDeletedMode(t *testing.T) {
	_, c := threeStepChain(t)
	for _, opts := range []RestoreOptions{
		{Mode: ModeAll, Undelete: true},
		{Mode: ModeOnlyDeleted, Undelete: true, Prune: true},
	} {
		opts.Destination = t.TempDir()
		_, err := Restore(t.Context(), c, opts)
		assert.Error(t, err, "%+v", opts)
	}
}

func TestRestore_ReadsOnlyWinningArchive(t *testing.T) {
	f, c := threeStepChain(t)

	// Damage the body section of the first archive. a.txt was superseded, so
	// restoring it must not touch that archive.
	first := c.Archives[0]
	rec, ok := first.Manifest.Lookup("a.txt")
	require.True(t, ok)
	fh, err := os.OpenFile(first.Path, os.O_WRONLY, 0)
	require.NoError(t, err)
	_, err = fh.WriteAt(make([]byte, rec.Length), rec.Offset)
	require.NoError(t, err)
	require.NoError(t, fh.Close())

	c, _, err = Discover(f.out)
	require.NoError(t, err)
	got, report := restoreTree(t, c, RestoreOptions{Mode: ModeOnlySelected, Selected: []string{"a.txt"}})
	assert.Equal(t, map[string]string{"a.txt": "a2 edited"}, got)
	assert.Empty(t, report.Warnings)
}

func TestRestore_ConflictPolicies(t *testing.T) {
	_, c := threeStepChain(t)

	setup := func(t *testing.T) string {
		dest := t.TempDir()
		writeFile(t, filepath.Join(dest, "a.txt"), "local", epoch)
		return dest
	}

	t.Run("fail aborts before writing", func(t *testing.T) {
		dest := setup(t)
		_, err := Restore(t.Context(), c, RestoreOptions{Destination: dest, Conflict: ConflictFail})
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrConflictAtDestination))
		assert.Equal(t, map[string]string{"a.txt": "local"}, readTree(t, dest))
	})

	t.Run("skip keeps existing", func(t *testing.T) {
		dest := setup(t)
		report, err := Restore(t.Context(), c, RestoreOptions{Destination: dest, Conflict: ConflictSkip})
		require.NoError(t, err)
		assert.Equal(t, []string{"a.txt"}, report.Skipped)
		assert.Equal(t, "local", readTree(t, dest)["a.txt"])
		assert.Equal(t, "c1", readTree(t, dest)["dir/sub/c.txt"])
	})

	t.Run("overwrite replaces existing", func(t *testing.T) {
		dest := setup(t)
		report, err := Restore(t.Context(), c, RestoreOptions{Destination: dest, Conflict: ConflictOverwrite})
		require.NoError(t, err)
		assert.Empty(t, report.Skipped)
		assert.Equal(t, "a2 edited", readTree(t, dest)["a.txt"])
	})

	t.Run("unknown policy", func(t *testing.T) {
		_, err := Restore(t.Context(), c, RestoreOptions{Destination: t.TempDir(), Conflict: "merge"})
		require.Error(t, err)
	})
}

func TestRestore_DryRun(t *testing.T) {
	_, c := threeStepChain(t)
	dest := filepath.Join(t.TempDir(), "not-created")

	report, err := Restore(t.Context(), c, RestoreOptions{Destination: dest, DryRun: true})
	require.NoError(t, err)
	assert.Equal(t, []string{"a.txt", "dir/d.txt", "dir/sub/c.txt"}, report.Restored)
	_, err = os.Stat(dest)
	assert.True(t, os.IsNotExist(err))
}

func TestRestore_PruneDeleted(t *testing.T) {
	_, c := threeStepChain(t)
	dest := t.TempDir()
	writeFile(t, filepath.Join(dest, "dir", "b.txt"), "stale", epoch)
	writeFile(t, filepath.Join(dest, "a.txt"), "kept", epoch)

	report, err := Restore(t.Context(), c, RestoreOptions{Mode: ModeOnlyDeleted, Destination: dest, Prune: true})
	require.NoError(t, err)
	assert.Equal(t, []string{"dir/b.txt"}, report.Removed)
	assert.Equal(t, map[string]string{"a.txt": "kept"}, readTree(t, dest))
}

func TestRestore_RejectsTraversal(t *testing.T) {
	src := t.TempDir()
	good := filepath.Join(src, "good.txt")
	writeFile(t, good, "fine", epoch)
	info, err := os.Lstat(good)
	require.NoError(t, err)

	out := t.TempDir()
	sel := &Selection{Entries: []Entry{
		{Path: "../escape.txt", AbsPath: good, Info: info, Decision: IncludeFull},
		{Path: "good.txt", AbsPath: good, Info: info, Decision: IncludeFull},
	}}
	w := &Writer{Workers: 2, Level: 1}
	_, _, err = w.Write(t.Context(), out, sel, WriteOptions{CreatedAt: epoch})
	require.NoError(t, err)

	c, _, err := Discover(out)
	require.NoError(t, err)

	parent := t.TempDir()
	dest := filepath.Join(parent, "dest")
	report, err := Restore(t.Context(), c, RestoreOptions{Destination: dest})
	require.NoError(t, err)

	assert.Equal(t, []string{"good.txt"}, report.Restored)
	require.Len(t, report.Warnings, 1)
	assert.True(t, errors.Is(report.Warnings[0], ErrPathTraversalRejected))
	_, err = os.Stat(filepath.Join(parent, "escape.txt"))
	assert.True(t, os.IsNotExist(err))
}

func TestRestore_RejectsSymlinkParent(t *testing.T) {
	_, c := threeStepChain(t)
	dest := t.TempDir()
	elsewhere := t.TempDir()
	require.NoError(t, os.Symlink(elsewhere, filepath.Join(dest, "dir")))

	report, err := Restore(t.Context(), c, RestoreOptions{Destination: dest, Conflict: ConflictOverwrite})
	require.NoError(t, err)
	assert.Equal(t, []string{"a.txt"}, report.Restored)
	assert.Len(t, report.Warnings, 2)
	for _, w := range report.Warnings {
		assert.True(t, errors.Is(w, ErrPathTraversalRejected), w.Error())
	}
	assert.Empty(t, readTree(t, elsewhere))
}

func TestSafeJoin(t *testing.T) {
	root := filepath.FromSlash("/restore/root")
	tests := []struct {
		path    string
		want    string
		wantErr bool
	}{
		{path: "a.txt", want: filepath.Join(root, "a.txt")},
		{path: "dir/b.txt", want: filepath.Join(root, "dir", "b.txt")},
		{path: "dir/../b.txt", want: filepath.Join(root, "b.txt")},
		{path: "../b.txt", wantErr: true},
		{path: "dir/../../b.txt", wantErr: true},
		{path: "/etc/passwd", wantErr: true},
		{path: "", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			got, err := safeJoin(root, tt.path)
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, errors.Is(err, ErrPathTraversalRejected))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseMode(t *testing.T) {
	for in, want := range map[string]Mode{
		"":         ModeAll,
		"all":      ModeAll,
		"deleted":  ModeOnlyDeleted,
		"Selected": ModeOnlySelected,
	} {
		got, err := ParseMode(in)
		require.NoError(t, err)
		assert.Equal(t, want, got, in)
	}
	_, err := ParseMode("everything")
	assert.Error(t, err)
}
