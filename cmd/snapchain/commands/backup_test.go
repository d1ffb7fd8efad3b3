package commands

import (
	"bytes"
	"path/filepath"
	"strings"
	"testing"

	"github.com/thoreinstein/snapchain/internal/errors"
)

func TestBackup_FirstAndIncremental(t *testing.T) {
	tr := newTree(t)
	tr.write("a.txt", "alpha")
	tr.write("docs/b.txt", "bravo")

	out := tr.backup()
	if !strings.Contains(out, "✓ Created backup_") || !strings.Contains(out, "(2 files, 0 deleted") {
		t.Errorf("unexpected first backup output:\n%s", out)
	}

	out = tr.backup()
	if !strings.Contains(out, "No changes") {
		t.Errorf("expected a skipped backup, got:\n%s", out)
	}
	if got := len(tr.archives()); got != 1 {
		t.Fatalf("expected 1 archive after a no-op backup, got %d", got)
	}

	tr.write("a.txt", "alpha two")
	tr.remove("docs/b.txt")
	out = tr.backup()
	if !strings.Contains(out, "(1 files, 1 deleted") {
		t.Errorf("unexpected incremental output:\n%s", out)
	}
	if got := len(tr.archives()); got != 2 {
		t.Errorf("expected 2 archives, got %d", got)
	}
}

func TestBackup_AllowEmpty(t *testing.T) {
	tr := newTree(t)
	tr.write("a.txt", "alpha")
	tr.backup()

	backupAllowEmpty = true
	out := tr.backup()
	if !strings.Contains(out, "(0 files, 0 deleted") {
		t.Errorf("expected an empty archive, got:\n%s", out)
	}
	if got := len(tr.archives()); got != 2 {
		t.Errorf("expected 2 archives, got %d", got)
	}
}

func TestBackup_DryRunWithExport(t *testing.T) {
	tr := newTree(t)
	tr.write("a.txt", "alpha")
	tr.write("b.txt", "bravo!")

	backupDryRun = true
	backupExportList = filepath.Join(t.TempDir(), "list.csv")
	out := tr.backup()

	if !strings.Contains(out, "Would store 2 new, 0 changed and record 0 deleted") {
		t.Errorf("unexpected dry run output:\n%s", out)
	}
	if !strings.Contains(out, "a.txt") || !strings.Contains(out, "b.txt") {
		t.Errorf("dry run should list the files:\n%s", out)
	}

	csv := readFile(t, backupExportList)
	if !strings.HasPrefix(csv, "mtime,size,bytes,status,archive,path\n") {
		t.Errorf("unexpected CSV header:\n%s", csv)
	}
	if !strings.Contains(csv, ",new,,b.txt") {
		t.Errorf("CSV should list b.txt as new:\n%s", csv)
	}
	if names := tr.archives(); len(names) != 0 {
		t.Errorf("dry run wrote archives: %v", names)
	}
}

func TestBackup_PathArguments(t *testing.T) {
	tr := newTree(t)
	tr.write("keep/a.txt", "alpha")
	tr.write("skip/b.txt", "bravo")

	var buf bytes.Buffer
	if err := runBackupWithWriter(t.Context(), []string{filepath.Join(tr.src, "keep")}, &buf); err != nil {
		t.Fatalf("backup failed: %v", err)
	}
	if !strings.Contains(buf.String(), "(1 files") {
		t.Errorf("only the given path should be stored:\n%s", buf.String())
	}
}

func TestBackup_NoRoots(t *testing.T) {
	tr := newTree(t)
	tr.cfg.Roots = nil

	err := runBackupWithWriter(t.Context(), nil, &bytes.Buffer{})
	if err == nil {
		t.Fatal("expected an error without roots")
	}
	if !errors.Is(err, errors.ErrNoRoots) {
		t.Errorf("expected ErrNoRoots, got %v", err)
	}
	if exitCode(err) != errors.ExitUser {
		t.Errorf("exit code = %d, want %d", exitCode(err), errors.ExitUser)
	}
}

func TestBackup_RootOutsideBase(t *testing.T) {
	tr := newTree(t)
	tr.cfg.Roots = []string{t.TempDir()}

	err := runBackupWithWriter(t.Context(), nil, &bytes.Buffer{})
	if exitCode(err) != errors.ExitUser {
		t.Errorf("expected a user error for a root outside base, got %v", err)
	}
}
