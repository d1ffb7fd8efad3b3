package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/thoreinstein/snapchain/internal/config"
	"github.com/thoreinstein/snapchain/internal/doctor"
	"github.com/thoreinstein/snapchain/internal/errors"
)

var (
	doctorJSON    bool
	doctorQuiet   bool
	doctorVerbose bool
	doctorFix     bool
	doctorDeep    bool
)

func init() {
	doctorCmd.Flags().BoolVar(&doctorJSON, "json", false,
		"output results as JSON")
	doctorCmd.Flags().BoolVar(&doctorQuiet, "quiet", false,
		"suppress output, exit code only")
	doctorCmd.Flags().BoolVar(&doctorVerbose, "verbose", false,
		"show detailed check-by-check output")
	doctorCmd.Flags().BoolVar(&doctorFix, "fix", false,
		"tighten permissions and recover archives of interrupted merges")
	doctorCmd.Flags().BoolVar(&doctorDeep, "deep", false,
		"decode every archive to check its contents")
	doctorCmd.MarkFlagsMutuallyExclusive("json", "quiet", "verbose")
	rootCmd.AddCommand(doctorCmd)
}

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Diagnose settings and chain problems",
	Long: `Run diagnostic checks on the settings file, the backup roots, the output
directory and the archive chain.

The chain check reports archives that cannot be read, gaps left by archives
removed by hand, and merge originals that were kept. Originals left behind
by a merge that stopped before publishing its result are errors; --fix
puts them back. With --deep every archive is decoded as 'snapchain verify'
does.

Output modes (mutually exclusive):
  (default)   Show errors and warnings
  --verbose   Show all checks including passed ones
  --quiet     No output, exit code only
  --json      Machine-readable JSON output

Exit codes:
  0 - All checks passed (no errors or warnings)
  1 - Warnings present, no errors
  2 - Errors present`,
	Example: `  # Check everything
  snapchain doctor

  # Check archive contents too and fix loose permissions
  snapchain doctor --deep --fix`,
	RunE: runDoctor,
}

func runDoctor(cmd *cobra.Command, _ []string) error {
	return runDoctorWithWriter(cmd.Context(), cmd.OutOrStdout())
}

func runDoctorWithWriter(ctx context.Context, w io.Writer) error {
	runner := doctorRunner()
	report := runner.Run(ctx)

	if doctorFix {
		if fixed := applyFixes(runner, report, w); fixed > 0 {
			report = runner.Run(ctx)
		}
	}

	if err := outputDoctorReport(report, w); err != nil {
		return err
	}

	// Determine exit code based on results
	if report.HasErrors() {
		return errors.NewExitError(nil, errors.ExitSystem)
	}
	if report.HasWarnings() {
		return errors.NewExitError(nil, errors.ExitUser)
	}
	return nil
}

func doctorRunner() *doctor.Runner {
	c := settings()
	path := config.Used()
	if path == "" {
		path = configFile
	}

	runner := doctor.NewRunner()
	runner.AddCheck(doctor.NewSettingsSyntaxCheck(path))
	runner.AddCheck(doctor.NewSettingsCheck(c))
	runner.AddCheck(doctor.NewPathPermissionCheck(c.Output))
	runner.AddCheck(doctor.NewChainCheck(c.Output, doctorDeep))
	return runner
}

// applyFixes runs the fixers of failing checks and returns how many
// problems were repaired.
func applyFixes(runner *doctor.Runner, report *doctor.DoctorReport, w io.Writer) int {
	fixed := 0
	for i, check := range runner.Checks() {
		if i >= len(report.Results) || !report.Results[i].Fixable {
			continue
		}
		fixer, ok := check.(doctor.Fixer)
		if !ok || !fixer.CanFix() {
			continue
		}
		for _, res := range fixer.Fix() {
			if res.Fixed {
				fixed++
			}
			if doctorQuiet || doctorJSON {
				continue
			}
			if res.Fixed {
				fmt.Fprintf(w, "%s✓%s fixed %s: %s\n", colorGreen, colorReset, res.Path, res.Description)
			} else {
				fmt.Fprintf(w, "%s✗%s could not fix %s: %s\n", colorRed, colorReset, res.Path, res.Description)
			}
		}
	}
	return fixed
}

func outputDoctorReport(report *doctor.DoctorReport, w io.Writer) error {
	if doctorQuiet {
		return nil
	}

	if doctorJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		if err := enc.Encode(report); err != nil {
			return errors.Wrap(err, "encoding JSON")
		}
		return nil
	}

	// In normal mode, show only errors and warnings
	showAll := doctorVerbose

	hasOutput := false
	for _, result := range report.Results {
		problem := result.Status == doctor.SeverityError || result.Status == doctor.SeverityWarning
		if !showAll && !problem {
			continue
		}

		hasOutput = true
		fmt.Fprintf(w, "%s [%s] %s: %s\n", statusIcon(result.Status), result.Category, result.Name, result.Message)
		if problems, ok := result.Details["problems"].([]string); ok {
			for _, p := range problems {
				fmt.Fprintf(w, "    %s\n", p)
			}
		}
		if result.FixHint != "" && (problem || showAll) {
			fmt.Fprintf(w, "  hint: %s\n", result.FixHint)
		}
	}

	if hasOutput {
		fmt.Fprintln(w)
	}

	fmt.Fprintf(w, "Summary: %d passed, %d info, %d warnings, %d errors\n",
		report.Summary.Passed, report.Summary.Info, report.Summary.Warnings, report.Summary.Errors)

	return nil
}

func statusIcon(s doctor.Severity) string {
	switch s {
	case doctor.SeverityPass:
		return colorGreen + "✓" + colorReset
	case doctor.SeverityInfo:
		return colorCyan + "ℹ" + colorReset
	case doctor.SeverityWarning:
		return colorYellow + "⚠" + colorReset
	case doctor.SeverityError:
		return colorRed + "✗" + colorReset
	default:
		return "?"
	}
}
