package commands

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/thoreinstein/snapchain/internal/chain"
	"github.com/thoreinstein/snapchain/internal/errors"
)

var (
	mergeFrom          int
	mergeTo            int
	mergeLast          int
	mergeKeepOriginals bool
)

func init() {
	mergeCmd.Flags().IntVar(&mergeFrom, "from", 0,
		"first archive to merge, by position in 'snapchain list'")
	mergeCmd.Flags().IntVar(&mergeTo, "to", 0,
		"last archive to merge, by position in 'snapchain list'")
	mergeCmd.Flags().IntVar(&mergeLast, "last", 0,
		"merge the N most recent archives")
	mergeCmd.Flags().BoolVar(&mergeKeepOriginals, "keep-originals", false,
		"keep the merged archives as <name>.old")
	mergeCmd.MarkFlagsRequiredTogether("from", "to")
	mergeCmd.MarkFlagsMutuallyExclusive("from", "last")
	rootCmd.AddCommand(mergeCmd)
}

var mergeCmd = &cobra.Command{
	Use:   "merge [archive...]",
	Short: "Merge adjacent archives into one",
	Long: `Merge a contiguous run of archives into a single archive.

Restoring the chain gives the same files before and after a merge. The
merged archive keeps the newest record of every path in the range and takes
the name of the newest archive. A deletion is kept only when the path
existed before the range; otherwise it is dropped.

Compressed file data is copied without recompression. The originals are
renamed to <name>.old and removed once the merged archive is in place.`,
	Example: `  # Merge two named archives
  snapchain merge backup_2024-05-01_10-00-00.tar.zst backup_2024-05-02_10-00-00.tar.zst

  # Merge positions 2 to 5 of 'snapchain list'
  snapchain merge --from 2 --to 5

  # Merge the three most recent archives, keeping the originals
  snapchain merge --last 3 --keep-originals

  See Also:
    snapchain list - Show the chain and archive positions`,
	RunE: runMerge,
}

func runMerge(cmd *cobra.Command, args []string) error {
	return runMergeWithWriter(cmd.Context(), args, cmd.OutOrStdout())
}

func runMergeWithWriter(ctx context.Context, args []string, w io.Writer) error {
	mgr := newManager(ctx, chain.WithKeepOriginals(settings().KeepOriginals || mergeKeepOriginals))

	var (
		res *chain.MergeResult
		err error
	)
	switch {
	case len(args) > 0:
		if mergeLast != 0 || mergeFrom != 0 {
			return errors.NewUserError(errors.New("archive names cannot be combined with --from or --last"), "")
		}
		res, err = mgr.MergeNames(ctx, args)
	case mergeLast != 0, mergeFrom != 0:
		c, _, cerr := mgr.Chain()
		if cerr != nil {
			return commandError(cerr, "reading chain")
		}
		from, to := mergeFrom-1, mergeTo-1
		if mergeLast != 0 {
			from, to = c.Len()-mergeLast, c.Len()-1
		}
		res, err = mgr.Merge(ctx, from, to)
	default:
		return errors.NewUserError(errors.New("nothing to merge"),
			"Name the archives, or use --from/--to or --last")
	}
	if err != nil {
		return commandError(err, "merge")
	}

	fmt.Fprintf(w, "%s✓ Merged %d archives into %s%s (%d files, %d deleted, %s)\n",
		colorGreen, len(res.Replaced), res.Archive.Name, colorReset,
		res.Archive.Manifest.ContentCount(), res.Archive.Manifest.TombstoneCount(),
		humanSize(res.Archive.Size))
	if res.DroppedTombstones > 0 {
		fmt.Fprintf(w, "  dropped %d deletion record(s) no longer needed\n", res.DroppedTombstones)
	}
	for _, s := range res.Staged {
		fmt.Fprintf(w, "  %skept %s%s\n", colorGray, s, colorReset)
	}
	return nil
}
