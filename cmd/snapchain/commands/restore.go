package commands

import (
	"context"
	"fmt"
	"io"
	"path"
	"path/filepath"
	"regexp"

	"github.com/ktr0731/go-fuzzyfinder"
	"github.com/spf13/cobra"

	"github.com/thoreinstein/snapchain/internal/chain"
	"github.com/thoreinstein/snapchain/internal/errors"
	"github.com/thoreinstein/snapchain/internal/paths"
	"github.com/thoreinstein/snapchain/pkg/fileutil"
)

var (
	restoreTo          string
	restoreMode        string
	restoreSelect      []string
	restoreSelectFile  string
	restoreInteractive bool
	restoreConflict    string
	restoreDryRun      bool
	restorePrune       bool
	restoreUndelete    bool
	restoreRegex       []string
	restoreFlatten     bool
	restoreAt          string
)

// pickPaths lets the user choose among candidate paths. Swapped in tests.
var pickPaths = fuzzyPickPaths

func init() {
	restoreCmd.Flags().StringVarP(&restoreTo, "to", "t", "",
		"directory to restore into (required)")
	restoreCmd.Flags().StringVarP(&restoreMode, "mode", "m", "",
		"what to restore: all, deleted, selected (default: all, or selected when paths are given)")
	restoreCmd.Flags().StringSliceVarP(&restoreSelect, "select", "s", nil,
		"paths or directory prefixes to restore")
	restoreCmd.Flags().StringVar(&restoreSelectFile, "select-file", "",
		"file with one path per line to restore")
	restoreCmd.Flags().BoolVarP(&restoreInteractive, "interactive", "i", false,
		"pick the paths to restore interactively")
	restoreCmd.Flags().StringVar(&restoreConflict, "conflict", "",
		"existing files at the destination: fail, skip, overwrite (default from settings)")
	restoreCmd.Flags().BoolVarP(&restoreDryRun, "dry-run", "n", false,
		"show what would be restored without writing")
	restoreCmd.Flags().BoolVar(&restorePrune, "prune", false,
		"with --mode deleted, remove deleted paths from the destination")
	restoreCmd.Flags().BoolVar(&restoreUndelete, "undelete", false,
		"with --mode deleted, write the last content of every deleted path")
	restoreCmd.Flags().StringArrayVar(&restoreRegex, "regex", nil,
		"only restore paths matching this regular expression (repeatable)")
	restoreCmd.Flags().BoolVarP(&restoreFlatten, "flatten", "F", false,
		"restore every file directly into the destination, dropping its directories")
	restoreCmd.MarkFlagsMutuallyExclusive("prune", "undelete")
	restoreCmd.Flags().StringVar(&restoreAt, "at", "",
		"restore the chain as of this archive")
	_ = restoreCmd.MarkFlagRequired("to")
	rootCmd.AddCommand(restoreCmd)
}

var restoreCmd = &cobra.Command{
	Use:   "restore [path...]",
	Short: "Restore files from the chain",
	Long: `Restore files from the archive chain into a destination directory.

Every path resolves to the newest archive that mentions it. Paths whose
newest record is a deletion are not restored. Each file is read only from
the archive holding its winning record.

Modes:
  all       restore every live path
  deleted   list the paths the chain records as deleted; --prune removes
            them from the destination, --undelete writes their last content
  selected  restore the given paths or directory prefixes

Paths are record paths as shown by 'snapchain files'. Absolute paths are
converted using the configured base. --regex narrows any mode further.

Stored paths that would escape the destination are rejected and reported.`,
	Example: `  # Restore everything
  snapchain restore --to /tmp/restored

  # Bring back deleted files without touching existing ones
  snapchain restore --to ~/documents --mode deleted --undelete --conflict skip

  # Collect every PDF into one directory
  snapchain restore --to /tmp/pdfs --regex '\.pdf$' --flatten

  # Restore one directory as of an older archive
  snapchain restore docs/reports --to /tmp/old --at backup_2024-05-01_10-00-00.tar.zst

  # Pick paths interactively and preview
  snapchain restore --to /tmp/restored -i --dry-run

  See Also:
    snapchain files - List the paths of the chain
    snapchain list  - Show the chain`,
	RunE: runRestore,
}

func runRestore(cmd *cobra.Command, args []string) error {
	return runRestoreWithWriter(cmd.Context(), args, cmd.OutOrStdout())
}

func runRestoreWithWriter(ctx context.Context, args []string, w io.Writer) error {
	selected := append(append([]string{}, restoreSelect...), args...)
	if restoreSelectFile != "" {
		listed, err := fileutil.ReadPathList(restoreSelectFile)
		if err != nil {
			return errors.NewUserError(err, "Check the --select-file path")
		}
		selected = append(selected, listed...)
	}

	selected = normalizeSelected(selected, settings().Base)

	var filters []*regexp.Regexp
	for _, expr := range restoreRegex {
		re, err := regexp.Compile(expr)
		if err != nil {
			return errors.NewUserError(errors.Wrapf(err, "invalid --regex %q", expr),
				"Use Go regular expression syntax")
		}
		filters = append(filters, re)
	}

	mgr := newManager(ctx)

	if restoreInteractive {
		picked, err := pickFromChain(mgr, restoreAt)
		if err != nil {
			return err
		}
		if len(picked) == 0 {
			fmt.Fprintln(w, "Nothing selected.")
			return nil
		}
		selected = append(selected, picked...)
	}

	mode := chain.ModeAll
	if len(selected) > 0 {
		mode = chain.ModeOnlySelected
	}
	if restoreMode != "" {
		m, err := chain.ParseMode(restoreMode)
		if err != nil {
			return errors.NewUserError(err, "Valid modes: all, deleted, selected")
		}
		mode = m
	}
	if mode == chain.ModeOnlySelected && len(selected) == 0 {
		return errors.NewUserError(errors.New("no paths selected"),
			"Pass paths as arguments, with --select, --select-file or --interactive")
	}
	if mode != chain.ModeOnlySelected && len(selected) > 0 {
		return errors.NewUserError(errors.Newf("paths given with --mode %s", mode),
			"Use --mode selected, or drop the paths")
	}
	if restoreUndelete && mode != chain.ModeOnlyDeleted {
		return errors.NewUserError(errors.New("--undelete only applies to deleted paths"),
			"Add --mode deleted")
	}

	conflict := chain.ConflictPolicy(restoreConflict)
	if conflict != "" && !conflict.Valid() {
		return errors.NewUserError(errors.Newf("invalid conflict policy %q", restoreConflict),
			"Valid policies: fail, skip, overwrite")
	}

	report, err := mgr.Restore(ctx, chain.RestoreOptions{
		Mode:        mode,
		Selected:    selected,
		Destination: restoreTo,
		Conflict:    conflict,
		DryRun:      restoreDryRun,
		Prune:       restorePrune,
		Undelete:    restoreUndelete,
		Regex:       filters,
		Flatten:     restoreFlatten,
		At:          restoreAt,
	})
	if err != nil {
		return commandError(err, "restore")
	}

	printRestoreReport(w, mode, report)
	return nil
}

func printRestoreReport(w io.Writer, mode chain.Mode, report *chain.RestoreReport) {
	verb := "Restored"
	if restoreDryRun {
		verb = "Would restore"
	}

	if mode == chain.ModeOnlyDeleted {
		for _, p := range report.Deleted {
			fmt.Fprintf(w, "  %sdeleted%s  %s\n", colorGray, colorReset, p)
		}
	}
	for _, p := range report.Removed {
		fmt.Fprintf(w, "  %sremoved%s  %s\n", colorRed, colorReset, p)
	}
	for _, p := range report.NotFound {
		fmt.Fprintf(w, "  %snot in chain%s  %s\n", colorYellow, colorReset, p)
	}
	printWarnings(w, report.Warnings)

	fmt.Fprintf(w, "%s✓ %s %d file(s) to %s%s", colorGreen, verb, len(report.Restored), restoreTo, colorReset)
	if len(report.Skipped) > 0 {
		fmt.Fprintf(w, ", skipped %d existing", len(report.Skipped))
	}
	fmt.Fprintln(w)
}

// normalizeSelected turns user supplied paths into record paths. Absolute
// and ~ paths are made relative to base the way backups record them.
func normalizeSelected(selected []string, base string) []string {
	out := make([]string, 0, len(selected))
	for _, sel := range selected {
		if expanded := paths.ExpandHome(sel); filepath.IsAbs(expanded) {
			out = append(out, chain.RecordKey(base, filepath.Clean(expanded)))
			continue
		}
		out = append(out, path.Clean(filepath.ToSlash(sel)))
	}
	return out
}

// pickFromChain offers every path of the chain, live or deleted, as of the
// archive named at.
func pickFromChain(mgr *chain.Manager, at string) ([]string, error) {
	c, _, err := mgr.Chain()
	if err != nil {
		return nil, commandError(err, "reading chain")
	}
	if at != "" {
		i := c.Index(at)
		if i < 0 {
			return nil, commandError(errors.Mark(errors.Newf("archive %s", at), chain.ErrArchiveNotFound), "restore")
		}
		c = c.Upto(i)
	}
	rows := chain.StateRows(c.State(), true)
	if len(rows) == 0 {
		return nil, nil
	}
	return pickPaths(rows)
}

func fuzzyPickPaths(rows []chain.ListRow) ([]string, error) {
	idx, err := fuzzyfinder.FindMulti(
		rows,
		func(i int) string {
			return rows[i].Path
		},
		fuzzyfinder.WithPreviewWindow(func(i, w, h int) string {
			if i == -1 {
				return ""
			}
			r := rows[i]
			return fmt.Sprintf("Path: %s\nStatus: %s\nSize: %s\nModified: %s\nArchive: %s",
				r.Path,
				r.Status,
				humanSize(r.Size),
				r.ModTime.Local().Format(timeLayout),
				r.Archive,
			)
		}),
	)
	if err != nil {
		if errors.Is(err, fuzzyfinder.ErrAbort) {
			return nil, nil
		}
		return nil, errors.Wrap(err, "interactive selection failed")
	}

	out := make([]string, 0, len(idx))
	for _, i := range idx {
		out = append(out, rows[i].Path)
	}
	return out, nil
}
