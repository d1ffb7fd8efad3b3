package commands

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/thoreinstein/snapchain/internal/config"
	"github.com/thoreinstein/snapchain/internal/errors"
)

// fileTime is the base mtime of files written by tests.
var fileTime = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// tree is a source directory backed up into its own chain.
type tree struct {
	t    *testing.T
	src  string
	cfg  *config.Config
	tick int
}

// newTree installs settings that back up a fresh source directory and
// resets every command flag.
func newTree(t *testing.T) *tree {
	t.Helper()
	src := t.TempDir()

	c := config.Default()
	c.Roots = []string{src}
	c.Base = src
	c.Output = filepath.Join(t.TempDir(), "chain")
	c.Level = 3
	c.Threads = 2

	prev := cfg
	cfg = c
	t.Cleanup(func() { cfg = prev })
	resetFlags(t)

	return &tree{t: t, src: src, cfg: c}
}

// write creates or replaces a file with a strictly increasing mtime.
func (tr *tree) write(rel, content string) {
	tr.t.Helper()
	tr.tick++
	path := filepath.Join(tr.src, filepath.FromSlash(rel))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		tr.t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		tr.t.Fatal(err)
	}
	mtime := fileTime.Add(time.Duration(tr.tick) * time.Hour)
	if err := os.Chtimes(path, mtime, mtime); err != nil {
		tr.t.Fatal(err)
	}
}

func (tr *tree) remove(rel string) {
	tr.t.Helper()
	if err := os.RemoveAll(filepath.Join(tr.src, filepath.FromSlash(rel))); err != nil {
		tr.t.Fatal(err)
	}
}

// backup runs the backup command and returns its output.
func (tr *tree) backup() string {
	tr.t.Helper()
	var buf bytes.Buffer
	if err := runBackupWithWriter(tr.t.Context(), nil, &buf); err != nil {
		tr.t.Fatalf("backup failed: %v", err)
	}
	return buf.String()
}

// archives returns the archive file names in the chain directory.
func (tr *tree) archives() []string {
	tr.t.Helper()
	entries, err := os.ReadDir(tr.cfg.Output)
	if err != nil {
		tr.t.Fatal(err)
	}
	var names []string
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), ".tar.zst") {
			names = append(names, e.Name())
		}
	}
	return names
}

// resetFlags puts every command flag back to its zero value now and after
// the test.
func resetFlags(t *testing.T) {
	t.Helper()
	reset := func() {
		backupFull, backupDryRun, backupAllowEmpty, backupExportList = false, false, false, ""
		restoreTo, restoreMode, restoreSelectFile, restoreConflict, restoreAt = "", "", "", "", ""
		restoreSelect = nil
		restoreInteractive, restoreDryRun, restorePrune = false, false, false
		restoreUndelete, restoreFlatten, restoreRegex = false, false, nil
		mergeFrom, mergeTo, mergeLast, mergeKeepOriginals = 0, 0, 0, false
		listJSON = false
		inspectFormat, inspectFiles = "text", false
		filesAt, filesDeleted, filesCSV = "", false, false
		doctorJSON, doctorQuiet, doctorVerbose, doctorFix, doctorDeep = false, false, false, false, false
		configShowFormat, configInitFormat, configInitForce, configInitRoots = "yaml", "yaml", false, nil
		configValidateFormat = "text"
		pickPaths = fuzzyPickPaths
	}
	reset()
	t.Cleanup(reset)
}

func readFile(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("reading %s: %v", path, err)
	}
	return string(data)
}

// exitCode returns the exit code carried by err, or -1.
func exitCode(err error) int {
	var exitErr *errors.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	return -1
}
