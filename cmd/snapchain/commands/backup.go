package commands

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/thoreinstein/snapchain/internal/chain"
	"github.com/thoreinstein/snapchain/internal/errors"
	"github.com/thoreinstein/snapchain/internal/paths"
	"github.com/thoreinstein/snapchain/pkg/fileutil"
)

var (
	backupFull       bool
	backupDryRun     bool
	backupAllowEmpty bool
	backupExportList string
)

func init() {
	backupCmd.Flags().BoolVar(&backupFull, "full", false,
		"store every file instead of only the changes")
	backupCmd.Flags().BoolVarP(&backupDryRun, "dry-run", "n", false,
		"show what would be stored without writing an archive")
	backupCmd.Flags().BoolVar(&backupAllowEmpty, "allow-empty", false,
		"write an archive even when nothing changed")
	backupCmd.Flags().StringVar(&backupExportList, "export-list", "",
		"write the selected files to a CSV file")
	rootCmd.AddCommand(backupCmd)
}

var backupCmd = &cobra.Command{
	Use:   "backup [path...]",
	Short: "Write the next archive of the chain",
	Long: `Back up the configured roots into a new archive.

The first archive of a chain stores every file. Later archives store only
files that are new or changed since the chain's current state, and record
every path that disappeared. Paths given as arguments replace the roots of
the settings file.

When nothing changed no archive is written, unless --allow-empty is set.`,
	Example: `  # Back up the configured roots
  snapchain backup

  # Back up two directories into a custom chain
  snapchain backup ~/documents ~/photos --output /srv/backups

  # Preview an incremental backup and save the file list
  snapchain backup --dry-run --export-list changes.csv

  # Force a full backup
  snapchain backup --full

  See Also:
    snapchain list    - Show the chain
    snapchain restore - Restore files from the chain`,
	RunE: runBackup,
}

func runBackup(cmd *cobra.Command, args []string) error {
	return runBackupWithWriter(cmd.Context(), args, cmd.OutOrStdout())
}

func runBackupWithWriter(ctx context.Context, args []string, w io.Writer) error {
	c := settings()

	roots := c.Roots
	if len(args) > 0 {
		roots = make([]string, 0, len(args))
		for _, a := range args {
			abs, err := paths.Absolute(paths.ExpandHome(a))
			if err != nil {
				return errors.NewUserError(err, "Check the paths to back up")
			}
			roots = append(roots, abs)
		}
	}
	if len(roots) == 0 {
		return errors.NewUserError(errors.ErrNoRoots,
			"Add roots to the settings file or pass paths: snapchain backup <path>...")
	}

	rules, err := c.Rules()
	if err != nil {
		return errors.NewConfigError(err)
	}
	rules.Roots = roots

	full := backupFull || !c.Incremental
	embedded := c.Settings()
	embedded.Roots = roots
	embedded.Incremental = !full

	mgr := newManager(ctx, chain.WithAllowEmpty(c.AllowEmpty || backupAllowEmpty))
	res, err := mgr.Backup(ctx, chain.BackupOptions{
		Rules:    rules,
		Full:     full,
		DryRun:   backupDryRun,
		Settings: embedded,
	})
	if err != nil {
		return commandError(err, "backup")
	}

	rows := chain.SelectionRows(res.Selection)
	if backupExportList != "" {
		err := fileutil.AtomicWrite(backupExportList, 0o644, func(f io.Writer) error {
			return chain.WriteCSV(f, rows)
		})
		if err != nil {
			return errors.NewSystemError(errors.Wrap(err, "exporting file list"), "")
		}
	}

	printWarnings(w, res.Warnings)
	sel := res.Selection

	switch {
	case res.Skipped:
		fmt.Fprintf(w, "%sNo changes since the last archive; nothing written%s\n", colorGray, colorReset)
	case backupDryRun:
		tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
		fmt.Fprintf(tw, "%sSTATUS%s\t%sSIZE%s\t%sPATH%s\n",
			colorBold, colorReset, colorBold, colorReset, colorBold, colorReset)
		for _, r := range rows {
			size := ""
			if r.Status != chain.TombstoneDecision.String() {
				size = humanSize(r.Size)
			}
			fmt.Fprintf(tw, "%s\t%s\t%s\n", r.Status, size, r.Path)
		}
		tw.Flush()
		fmt.Fprintf(w, "Would store %d new, %d changed and record %d deleted\n",
			sel.Count(chain.IncludeFull), sel.Count(chain.IncludeChanged), sel.Count(chain.TombstoneDecision))
	default:
		a := res.Archive
		fmt.Fprintf(w, "%s✓ Created %s%s (%d files, %d deleted, %s)\n",
			colorGreen, a.Name, colorReset,
			a.Manifest.ContentCount(), a.Manifest.TombstoneCount(), humanSize(a.Size))
	}

	if backupExportList != "" {
		fmt.Fprintf(w, "File list written to %s\n", backupExportList)
	}
	return nil
}
