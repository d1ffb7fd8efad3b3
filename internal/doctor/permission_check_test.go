package doctor

import (
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/thoreinstein/snapchain/internal/chain"
)

// outputDir creates an output directory holding one archive with the given modes.
func outputDir(t *testing.T, dirMode, fileMode os.FileMode) (dir, archive string) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("Unix permissions only")
	}
	dir = filepath.Join(t.TempDir(), "out")
	if err := os.Mkdir(dir, 0o700); err != nil {
		t.Fatal(err)
	}
	archive = filepath.Join(dir, chain.ArchiveName(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)))
	if err := os.WriteFile(archive, []byte("frames"), 0o600); err != nil {
		t.Fatal(err)
	}
	// A file that is not an archive is never checked.
	if err := os.WriteFile(filepath.Join(dir, "notes.txt"), nil, 0o666); err != nil {
		t.Fatal(err)
	}
	if err := os.Chmod(archive, fileMode); err != nil {
		t.Fatal(err)
	}
	if err := os.Chmod(dir, dirMode); err != nil {
		t.Fatal(err)
	}
	return dir, archive
}

func TestPathPermissionCheck_Secure(t *testing.T) {
	dir, _ := outputDir(t, 0o700, 0o600)
	c := NewPathPermissionCheck(dir)

	result := c.Run(t.Context())
	if result.Status != SeverityPass {
		t.Fatalf("status = %v, want pass (%s)", result.Status, result.Message)
	}
	if result.Message != "all 2 paths have valid permissions" {
		t.Errorf("message = %q", result.Message)
	}
	if c.CanFix() {
		t.Error("nothing should be fixable")
	}
}

func TestPathPermissionCheck_Missing(t *testing.T) {
	c := NewPathPermissionCheck(filepath.Join(t.TempDir(), "never"))
	result := c.Run(t.Context())
	if result.Status != SeverityInfo {
		t.Errorf("status = %v, want info", result.Status)
	}
}

func TestPathPermissionCheck_NotADirectory(t *testing.T) {
	file := filepath.Join(t.TempDir(), "out")
	if err := os.WriteFile(file, nil, 0o600); err != nil {
		t.Fatal(err)
	}
	result := NewPathPermissionCheck(file).Run(t.Context())
	if result.Status != SeverityError {
		t.Errorf("status = %v, want error", result.Status)
	}
}

func TestPathPermissionCheck_FixReadableArchive(t *testing.T) {
	dir, archive := outputDir(t, 0o700, 0o644)
	c := NewPathPermissionCheck(dir)

	result := c.Run(t.Context())
	if result.Status != SeverityWarning {
		t.Fatalf("status = %v, want warning", result.Status)
	}
	if !result.Fixable || c.CountFixable() != 1 {
		t.Fatalf("expected one fixable issue, got %d", c.CountFixable())
	}

	fixes := c.Fix()
	if len(fixes) != 1 || !fixes[0].Fixed || fixes[0].Path != archive {
		t.Fatalf("unexpected fixes: %+v", fixes)
	}
	info, err := os.Stat(archive)
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm() != secureFilePerm {
		t.Errorf("archive mode = %04o, want %04o", info.Mode().Perm(), secureFilePerm)
	}

	if result := c.Run(t.Context()); result.Status != SeverityPass {
		t.Errorf("after fix status = %v (%s)", result.Status, result.Message)
	}
}

func TestPathPermissionCheck_FixWorldWritableDir(t *testing.T) {
	dir, _ := outputDir(t, 0o777, 0o600)
	c := NewPathPermissionCheck(dir)

	result := c.Run(t.Context())
	if result.Status != SeverityWarning {
		t.Fatalf("status = %v, want warning", result.Status)
	}
	issues, ok := result.Details["issues"].([]map[string]any)
	if !ok || len(issues) != 1 || issues[0]["type"] != "directory" {
		t.Fatalf("unexpected issues: %v", result.Details["issues"])
	}

	for _, fix := range c.Fix() {
		if !fix.Fixed {
			t.Errorf("fix of %s failed: %s", fix.Path, fix.Description)
		}
	}
	info, err := os.Stat(dir)
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm() != secureDirPerm {
		t.Errorf("dir mode = %04o, want %04o", info.Mode().Perm(), secureDirPerm)
	}
}

func TestPermissionFixer_UnknownType(t *testing.T) {
	f := &PermissionFixer{}
	f.setIssues([]pathIssue{{Path: "/nowhere", Type: "socket", Fixable: true}})

	fixes := f.Fix()
	if len(fixes) != 1 || fixes[0].Fixed || fixes[0].Error == nil {
		t.Errorf("unknown types should fail to fix: %+v", fixes)
	}
}
