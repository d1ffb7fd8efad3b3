package commands

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/thoreinstein/snapchain/internal/chain"
	"github.com/thoreinstein/snapchain/internal/errors"
)

func init() {
	rootCmd.AddCommand(verifyCmd)
}

var verifyCmd = &cobra.Command{
	Use:   "verify [archive...]",
	Short: "Check that archives can be read back",
	Long: `Decompress every file of the given archives, or of the whole chain, and
compare it with the size and SHA-256 checksum recorded in the manifest.

Archives are given by name, as positions from 'snapchain list', or as paths.`,
	Example: `  # Verify the whole chain
  snapchain verify

  # Verify the newest archive only
  snapchain verify 3

  See Also:
    snapchain inspect - Show the manifest of an archive`,
	RunE: runVerify,
}

func runVerify(cmd *cobra.Command, args []string) error {
	return runVerifyWithWriter(cmd.Context(), args, cmd.OutOrStdout())
}

func runVerifyWithWriter(ctx context.Context, args []string, w io.Writer) error {
	mgr := newManager(ctx)

	var archives []*chain.Archive
	if len(args) == 0 {
		c, warnings, err := mgr.Chain()
		if err != nil {
			return commandError(err, "reading chain")
		}
		for _, warn := range warnings {
			fmt.Fprintf(w, "%s✗ %s%s: %v\n", colorRed, warn.Path, colorReset, warn.Err)
		}
		if len(warnings) > 0 && c.Len() == 0 {
			return commandError(errors.Mark(errors.New("no readable archives"), chain.ErrCorruptArchive), "verify")
		}
		archives = c.Archives
	} else {
		for _, ref := range args {
			a, err := findArchive(mgr, ref)
			if err != nil {
				return err
			}
			archives = append(archives, a)
		}
	}

	if len(archives) == 0 {
		fmt.Fprintf(w, "%s(no archives)%s\n", colorGray, colorReset)
		return nil
	}

	bad := 0
	for _, a := range archives {
		problems, err := chain.Verify(ctx, a)
		if err != nil {
			return commandError(err, "verifying "+a.Name)
		}
		if len(problems) == 0 {
			fmt.Fprintf(w, "%s✓ %s%s (%d files)\n", colorGreen, a.Name, colorReset, a.Manifest.ContentCount())
			continue
		}
		bad++
		fmt.Fprintf(w, "%s✗ %s%s: %d problem(s)\n", colorRed, a.Name, colorReset, len(problems))
		for _, p := range problems {
			fmt.Fprintf(w, "    %s: %v\n", p.Path, p.Err)
		}
	}

	if bad > 0 {
		return commandError(errors.Mark(errors.Newf("%d of %d archive(s) failed verification", bad, len(archives)),
			chain.ErrCorruptArchive), "verify")
	}
	return nil
}
