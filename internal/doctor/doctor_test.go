package doctor

import (
	"context"
	"testing"
)

// stubCheck returns a fixed result and counts its runs.
type stubCheck struct {
	name   string
	result *CheckResult
	runs   int
}

func (s *stubCheck) Name() string     { return s.name }
func (s *stubCheck) Category() string { return "test" }

func (s *stubCheck) Run(context.Context) *CheckResult {
	s.runs++
	return s.result
}

func TestNewRunner(t *testing.T) {
	r := NewRunner()
	if r == nil {
		t.Fatal("NewRunner returned nil")
	}
	if len(r.Checks()) != 0 {
		t.Errorf("NewRunner().Checks() = %d, want 0", len(r.Checks()))
	}
}

func TestRunner_AddCheck(t *testing.T) {
	r := NewRunner()
	names := []string{"first", "second", "third"}
	for _, name := range names {
		r.AddCheck(&stubCheck{name: name})
	}

	if len(r.Checks()) != len(names) {
		t.Fatalf("checks count = %d, want %d", len(r.Checks()), len(names))
	}
	for i, want := range names {
		if got := r.Checks()[i].Name(); got != want {
			t.Errorf("checks[%d].Name() = %q, want %q", i, got, want)
		}
	}
}

func TestRunner_Run(t *testing.T) {
	tests := []struct {
		name         string
		statuses     []Severity
		wantPassed   int
		wantInfo     int
		wantWarnings int
		wantErrors   int
	}{
		{name: "empty runner"},
		{name: "all pass", statuses: []Severity{SeverityPass, SeverityPass}, wantPassed: 2},
		{
			name:         "mixed",
			statuses:     []Severity{SeverityPass, SeverityInfo, SeverityWarning, SeverityError, SeverityWarning},
			wantPassed:   1,
			wantInfo:     1,
			wantWarnings: 2,
			wantErrors:   1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := NewRunner()
			for _, s := range tt.statuses {
				r.AddCheck(&stubCheck{name: s.String(), result: &CheckResult{Status: s}})
			}

			report := r.Run(t.Context())

			if len(report.Results) != len(tt.statuses) {
				t.Errorf("results = %d, want %d", len(report.Results), len(tt.statuses))
			}
			if report.Timestamp.IsZero() {
				t.Error("report timestamp not set")
			}
			s := report.Summary
			if s.Passed != tt.wantPassed || s.Info != tt.wantInfo || s.Warnings != tt.wantWarnings || s.Errors != tt.wantErrors {
				t.Errorf("summary = %+v, want passed=%d info=%d warnings=%d errors=%d",
					s, tt.wantPassed, tt.wantInfo, tt.wantWarnings, tt.wantErrors)
			}
			if report.HasErrors() != (tt.wantErrors > 0) {
				t.Errorf("HasErrors() = %v", report.HasErrors())
			}
			if report.HasWarnings() != (tt.wantWarnings > 0) {
				t.Errorf("HasWarnings() = %v", report.HasWarnings())
			}
		})
	}
}

func TestRunner_RunCancelled(t *testing.T) {
	check := &stubCheck{name: "never", result: &CheckResult{}}
	r := NewRunner()
	r.AddCheck(check)

	ctx, cancel := context.WithCancel(t.Context())
	cancel()

	report := r.Run(ctx)
	if check.runs != 0 || len(report.Results) != 0 {
		t.Errorf("cancelled run executed %d check(s)", check.runs)
	}
}

func TestSeverity_String(t *testing.T) {
	tests := []struct {
		s    Severity
		want string
	}{
		{SeverityPass, "pass"},
		{SeverityInfo, "info"},
		{SeverityWarning, "warning"},
		{SeverityError, "error"},
		{Severity(42), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.s.String(); got != tt.want {
			t.Errorf("Severity(%d).String() = %q, want %q", tt.s, got, tt.want)
		}
	}
}
