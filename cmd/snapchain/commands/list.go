package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"path/filepath"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/thoreinstein/snapchain/internal/chain"
)

var listJSON bool

func init() {
	listCmd.Flags().BoolVar(&listJSON, "json", false, "Output in JSON format")
	rootCmd.AddCommand(listCmd)
}

var listCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "Show the archives of the chain",
	Long: `List the archives of the chain in the order they were created, oldest
first. The position shown in the first column can be passed to
'snapchain merge --from/--to'.

Files that look like archives but cannot be read are reported and left out
of the chain. Originals left behind by an interrupted merge are listed too.`,
	Example: `  # Show the chain
  snapchain list

  # Show a chain in another directory as JSON
  snapchain list --output /srv/backups --json

  See Also:
    snapchain inspect - Show one archive
    snapchain merge   - Merge adjacent archives`,
	RunE: runList,
}

// archiveOutput represents a single archive in JSON output.
type archiveOutput struct {
	Position   int       `json:"position"`
	Name       string    `json:"name"`
	CreatedAt  time.Time `json:"created_at"`
	Base       string    `json:"base,omitempty"`
	Merged     []string  `json:"merged,omitempty"`
	Files      int       `json:"files"`
	Tombstones int       `json:"tombstones"`
	Size       int64     `json:"size"`
}

// listOutput represents the JSON output for list.
type listOutput struct {
	Dir      string          `json:"dir"`
	Archives []archiveOutput `json:"archives"`
	Ignored  []string        `json:"ignored,omitempty"`
	Staged   []string        `json:"staged,omitempty"`
}

func runList(cmd *cobra.Command, _ []string) error {
	return runListWithWriter(cmd.Context(), cmd.OutOrStdout())
}

func runListWithWriter(ctx context.Context, w io.Writer) error {
	mgr := newManager(ctx)
	c, warnings, err := mgr.Chain()
	if err != nil {
		return commandError(err, "reading chain")
	}
	staged, err := chain.Staged(mgr.OutputDir())
	if err != nil {
		return commandError(err, "reading chain")
	}

	out := listOutput{Dir: mgr.OutputDir(), Archives: make([]archiveOutput, 0, c.Len())}
	for i, a := range c.Archives {
		out.Archives = append(out.Archives, archiveOutput{
			Position:   i + 1,
			Name:       a.Name,
			CreatedAt:  a.CreatedAt(),
			Base:       a.Manifest.Base,
			Merged:     a.Manifest.Merged,
			Files:      a.Manifest.ContentCount(),
			Tombstones: a.Manifest.TombstoneCount(),
			Size:       a.Size,
		})
	}
	for _, warn := range warnings {
		out.Ignored = append(out.Ignored, filepath.Base(warn.Path))
	}
	for _, s := range staged {
		out.Staged = append(out.Staged, filepath.Base(s))
	}

	if listJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(out)
	}
	return outputListTabular(w, out, warnings)
}

func outputListTabular(w io.Writer, out listOutput, warnings []chain.Warning) error {
	fmt.Fprintf(w, "%sChain: %s%s\n", colorCyan+colorBold, out.Dir, colorReset)

	if len(out.Archives) == 0 {
		fmt.Fprintf(w, "  %s(no archives)%s\n", colorGray, colorReset)
		fmt.Fprintln(w)
		fmt.Fprintln(w, "Create the first archive with: snapchain backup")
	} else {
		var total int64
		tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
		fmt.Fprintf(tw, "  %s#%s\t%sNAME%s\t%sCREATED%s\t%sFILES%s\t%sDELETED%s\t%sSIZE%s\t%sBASE%s\n",
			colorBold, colorReset,
			colorBold, colorReset,
			colorBold, colorReset,
			colorBold, colorReset,
			colorBold, colorReset,
			colorBold, colorReset,
			colorBold, colorReset)
		for _, a := range out.Archives {
			base := a.Base
			switch {
			case len(a.Merged) > 0:
				base = fmt.Sprintf("merged %d", len(a.Merged))
			case base == "":
				base = "full"
			}
			fmt.Fprintf(tw, "  %d\t%s%s%s\t%s\t%d\t%d\t%s\t%s\n",
				a.Position,
				colorGreen, a.Name, colorReset,
				a.CreatedAt.Local().Format(timeLayout),
				a.Files,
				a.Tombstones,
				humanSize(a.Size),
				truncate(base, 40))
			total += a.Size
		}
		tw.Flush()
		fmt.Fprintf(w, "%d archive(s), %s\n", len(out.Archives), humanSize(total))
	}

	for _, warn := range warnings {
		fmt.Fprintf(w, "%s! ignored %s: %v%s\n", colorYellow, filepath.Base(warn.Path), warn.Err, colorReset)
	}
	if len(out.Staged) > 0 {
		fmt.Fprintf(w, "%sLeft over from an interrupted merge:%s\n", colorYellow, colorReset)
		for _, s := range out.Staged {
			fmt.Fprintf(w, "  %s\n", s)
		}
	}
	return nil
}
