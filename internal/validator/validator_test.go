package validator

import (
	"testing"
)

func TestSeverity_String(t *testing.T) {
	tests := []struct {
		s    Severity
		want string
	}{
		{SeverityError, "error"},
		{SeverityWarning, "warning"},
		{SeverityInfo, "info"},
		{Severity(99), "unknown"},
	}
	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			if got := tt.s.String(); got != tt.want {
				t.Errorf("Severity.String() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestIssue_Error(t *testing.T) {
	tests := []struct {
		name string
		i    Issue
		want string
	}{
		{
			name: "error with field and value",
			i: Issue{
				Severity: SeverityError,
				Field:    "roots",
				Message:  "invalid path",
				Value:    "",
			},
			want: "error: field \"roots\": invalid path (got )",
		},
		{
			name: "warning without field",
			i: Issue{
				Severity: SeverityWarning,
				Message:  "no paths to back up",
			},
			want: "warning: no paths to back up",
		},
		{
			name: "info with field",
			i: Issue{
				Severity: SeverityInfo,
				Field:    "output",
				Message:  "created on first backup",
			},
			want: "info: field \"output\": created on first backup",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.i.Error(); got != tt.want {
				t.Errorf("Issue.Error() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestResult_Helpers(t *testing.T) {
	r := &Result{}

	if r.HasErrors() {
		t.Error("expected no errors")
	}

	r.AddError("level", "invalid value", 40)
	if !r.HasErrors() {
		t.Error("expected errors")
	}
	if len(r.Errors()) != 1 {
		t.Errorf("expected 1 error, got %d", len(r.Errors()))
	}

	if r.HasWarnings() {
		t.Error("expected no warnings")
	}
	r.AddWarning("roots", "does not exist", "/srv/gone")
	if !r.HasWarnings() {
		t.Error("expected warnings")
	}
	if len(r.Warnings()) != 1 {
		t.Errorf("expected 1 warning, got %d", len(r.Warnings()))
	}

	r.AddInfo("output", "lies inside a root", nil)
	if len(r.Issues) != 3 {
		t.Errorf("expected 3 issues, got %d", len(r.Issues))
	}
	if len(r.Infos()) != 1 {
		t.Errorf("expected 1 info, got %d", len(r.Infos()))
	}
}

func TestResult_NilSafety(t *testing.T) {
	var r *Result
	if r.HasErrors() {
		t.Error("expected no errors for nil result")
	}
	if r.HasWarnings() {
		t.Error("expected no warnings for nil result")
	}
	if r.Errors() != nil {
		t.Error("expected nil Errors() for nil result")
	}
	if r.Warnings() != nil {
		t.Error("expected nil Warnings() for nil result")
	}
	if r.Infos() != nil {
		t.Error("expected nil Infos() for nil result")
	}
}
