package doctor

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/thoreinstein/snapchain/internal/chain"
)

// PathPermissionCheck validates the output directory and the permissions of
// the archives in it. Archives hold copies of private files, so anything
// readable by other users is reported.
type PathPermissionCheck struct {
	PermissionFixer
	dir string
}

var (
	_ Check = (*PathPermissionCheck)(nil)
	_ Fixer = (*PathPermissionCheck)(nil)
)

// NewPathPermissionCheck creates a permission check for the output directory dir.
func NewPathPermissionCheck(dir string) *PathPermissionCheck {
	return &PathPermissionCheck{dir: dir}
}

// Name returns the unique identifier for this check.
func (c *PathPermissionCheck) Name() string {
	return "path-permissions"
}

// Category returns the grouping for this check.
func (c *PathPermissionCheck) Category() string {
	return "filesystem"
}

// Run executes the path and permission diagnostic check.
func (c *PathPermissionCheck) Run(_ context.Context) *CheckResult {
	info, err := os.Stat(c.dir)
	if os.IsNotExist(err) {
		c.setIssues(nil)
		return &CheckResult{
			Name:     c.Name(),
			Category: c.Category(),
			Status:   SeverityInfo,
			Message:  "output directory does not exist yet, the first backup creates it",
			Details:  map[string]any{"path": c.dir},
		}
	}

	var issues []pathIssue
	checked := 1
	if err != nil {
		issues = append(issues, pathIssue{
			Path:     c.dir,
			Type:     "directory",
			Problem:  fmt.Sprintf("cannot stat directory: %v", err),
			Severity: SeverityError,
		})
	} else {
		issues = append(issues, c.checkDirectory(c.dir, info)...)
		if info.IsDir() {
			fileIssues, n := c.checkArchives()
			issues = append(issues, fileIssues...)
			checked += n
		}
	}

	c.setIssues(issues)
	return c.buildResult(issues, checked)
}

// pathIssue represents a single path or permission problem.
type pathIssue struct {
	Path        string
	Type        string // "file" or "directory"
	Problem     string
	Severity    Severity
	Permissions string // octal representation if available
	Fixable     bool
	FixHint     string
}

// checkDirectory validates the output directory path and permissions.
func (c *PathPermissionCheck) checkDirectory(path string, info os.FileInfo) []pathIssue {
	if !info.IsDir() {
		return []pathIssue{{
			Path:     path,
			Type:     "directory",
			Problem:  "expected directory but found file",
			Severity: SeverityError,
		}}
	}

	var issues []pathIssue

	// Check if directory is writable by creating a temp file
	writable, err := c.isDirectoryWritable(path)
	if err != nil || !writable {
		issues = append(issues, pathIssue{
			Path:        path,
			Type:        "directory",
			Problem:     "directory is not writable, backups and merges will fail",
			Severity:    SeverityError,
			Permissions: formatPermissions(info.Mode()),
			FixHint:     "chmod u+w " + path,
		})
	}

	// Unix permissions don't apply on Windows
	if runtime.GOOS != "windows" && info.Mode().Perm()&0o002 != 0 {
		issues = append(issues, pathIssue{
			Path:        path,
			Type:        "directory",
			Problem:     "directory is world-writable (security risk)",
			Severity:    SeverityWarning,
			Permissions: formatPermissions(info.Mode()),
			Fixable:     true,
			FixHint:     fmt.Sprintf("chmod %s %s", formatOctal(secureDirPerm), path),
		})
	}

	return issues
}

// checkArchives validates the permissions of every archive and staged
// original in the output directory.
func (c *PathPermissionCheck) checkArchives() ([]pathIssue, int) {
	if runtime.GOOS == "windows" {
		return nil, 0
	}
	entries, err := os.ReadDir(c.dir)
	if err != nil {
		return []pathIssue{{
			Path:     c.dir,
			Type:     "directory",
			Problem:  fmt.Sprintf("cannot list directory: %v", err),
			Severity: SeverityError,
		}}, 0
	}

	var (
		issues  []pathIssue
		checked int
	)
	for _, e := range entries {
		if e.IsDir() || !isArchiveFile(e.Name()) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		checked++
		path := filepath.Join(c.dir, e.Name())
		if perm := info.Mode().Perm(); perm&0o077 != 0 {
			issues = append(issues, pathIssue{
				Path:        path,
				Type:        "file",
				Problem:     fmt.Sprintf("archive is accessible to other users (mode %s, expected %s)", formatPermissions(info.Mode()), formatOctal(secureFilePerm)),
				Severity:    SeverityWarning,
				Permissions: formatPermissions(info.Mode()),
				Fixable:     true,
				FixHint:     fmt.Sprintf("chmod %s %s", formatOctal(secureFilePerm), path),
			})
		}
	}
	return issues, checked
}

func isArchiveFile(name string) bool {
	name = strings.TrimSuffix(name, chain.StagedExt)
	_, ok := chain.ParseArchiveName(name)
	return ok
}

// isDirectoryWritable tests if a directory is writable by creating a temp file.
func (c *PathPermissionCheck) isDirectoryWritable(path string) (bool, error) {
	tmpFile, err := os.CreateTemp(path, ".snapchain-doctor-*")
	if err != nil {
		return false, err
	}

	// Clean up the test file
	tmpPath := tmpFile.Name()
	tmpFile.Close()
	os.Remove(tmpPath)

	return true, nil
}

// buildResult constructs the final CheckResult from accumulated issues.
func (c *PathPermissionCheck) buildResult(issues []pathIssue, checked int) *CheckResult {
	if len(issues) == 0 {
		return &CheckResult{
			Name:     c.Name(),
			Category: c.Category(),
			Status:   SeverityPass,
			Message:  fmt.Sprintf("all %d paths have valid permissions", checked),
		}
	}

	// Find the highest severity among all issues
	highestSeverity := SeverityPass
	for _, issue := range issues {
		if issue.Severity > highestSeverity {
			highestSeverity = issue.Severity
		}
	}

	details := make(map[string]any)
	details["checked_paths"] = checked
	details["issue_count"] = len(issues)

	// Convert issues to a slice of maps for JSON serialization
	issueDetails := make([]map[string]any, 0, len(issues))
	for _, issue := range issues {
		issueMap := map[string]any{
			"path":     issue.Path,
			"type":     issue.Type,
			"problem":  issue.Problem,
			"severity": issue.Severity.String(),
		}
		if issue.Permissions != "" {
			issueMap["permissions"] = issue.Permissions
		}
		if issue.FixHint != "" {
			issueMap["fix_hint"] = issue.FixHint
		}
		issueDetails = append(issueDetails, issueMap)
	}
	details["issues"] = issueDetails

	fixable := false
	var fixHints []string
	for _, issue := range issues {
		if issue.Fixable {
			fixable = true
		}
		if issue.FixHint != "" {
			fixHints = append(fixHints, issue.FixHint)
		}
	}

	result := &CheckResult{
		Name:     c.Name(),
		Category: c.Category(),
		Status:   highestSeverity,
		Message:  fmt.Sprintf("found %d permission issue(s) across %d paths", len(issues), checked),
		Details:  details,
		Fixable:  fixable,
	}

	if len(fixHints) > 0 {
		result.FixHint = strings.Join(fixHints, "; ")
	}

	return result
}

// formatPermissions returns a human-readable permission string (e.g., "0644").
func formatPermissions(mode os.FileMode) string {
	return fmt.Sprintf("%04o", mode.Perm())
}

// formatOctal returns the octal representation of a file mode.
func formatOctal(mode os.FileMode) string {
	return fmt.Sprintf("%04o", mode)
}
