package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/thoreinstein/snapchain/internal/chain"
	"github.com/thoreinstein/snapchain/internal/errors"
)

var (
	inspectFormat string
	inspectFiles  bool
)

func init() {
	inspectCmd.Flags().StringVarP(&inspectFormat, "format", "f", "text",
		"output format: text, yaml, toml, json")
	inspectCmd.Flags().BoolVar(&inspectFiles, "files", false,
		"list the records of the archive (text format)")
	rootCmd.AddCommand(inspectCmd)
}

var inspectCmd = &cobra.Command{
	Use:   "inspect [archive]",
	Short: "Show the manifest of an archive",
	Long: `Show the manifest of one archive: when it was created, which archive it
was computed against, the settings the backup ran with and its records.

The archive can be given by name, as a position from 'snapchain list', or as
a path to any archive file. Without an argument the newest archive of the
chain is shown.`,
	Example: `  # Summary of the newest archive
  snapchain inspect

  # Full manifest of the first archive as TOML
  snapchain inspect 1 --format toml

  # An archive outside the chain directory
  snapchain inspect /mnt/usb/backup_2024-05-01_10-00-00.tar.zst --files

  See Also:
    snapchain list   - Show the chain
    snapchain verify - Check archive contents`,
	Args: cobra.MaximumNArgs(1),
	RunE: runInspect,
}

func runInspect(cmd *cobra.Command, args []string) error {
	return runInspectWithWriter(cmd.Context(), args, cmd.OutOrStdout())
}

func runInspectWithWriter(ctx context.Context, args []string, w io.Writer) error {
	ref := ""
	if len(args) > 0 {
		ref = args[0]
	}
	a, err := findArchive(newManager(ctx), ref)
	if err != nil {
		return err
	}

	switch strings.ToLower(inspectFormat) {
	case "yaml", "yml":
		data, err := yaml.Marshal(a.Manifest)
		if err != nil {
			return errors.Wrap(err, "marshaling manifest")
		}
		_, err = w.Write(data)
		return err
	case "toml":
		data, err := toml.Marshal(a.Manifest)
		if err != nil {
			return errors.Wrap(err, "marshaling manifest")
		}
		_, err = w.Write(data)
		return err
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(a.Manifest)
	case "text":
		return outputInspectText(w, a)
	default:
		return errors.NewUserError(errors.Newf("unknown format %q", inspectFormat),
			"Valid formats: text, yaml, toml, json")
	}
}

// findArchive resolves ref to an archive. An empty ref means the newest
// archive of the chain.
func findArchive(mgr *chain.Manager, ref string) (*chain.Archive, error) {
	if ref != "" && strings.ContainsRune(ref, filepath.Separator) {
		if _, err := os.Stat(ref); err == nil {
			a, err := chain.ReadManifest(ref)
			if err != nil {
				return nil, commandError(err, "reading archive")
			}
			return a, nil
		}
	}

	c, _, err := mgr.Chain()
	if err != nil {
		return nil, commandError(err, "reading chain")
	}
	if c.Len() == 0 {
		return nil, commandError(errors.Mark(errors.Newf("no archives in %s", mgr.OutputDir()), chain.ErrArchiveNotFound), "inspect")
	}
	if ref == "" {
		return c.Latest(), nil
	}

	if pos, err := strconv.Atoi(ref); err == nil {
		if pos < 1 || pos > c.Len() {
			return nil, commandError(errors.Mark(errors.Newf("position %d (chain has %d)", pos, c.Len()), chain.ErrArchiveNotFound), "inspect")
		}
		return c.Archives[pos-1], nil
	}

	i := c.Index(filepath.Base(ref))
	if i < 0 {
		return nil, commandError(errors.Mark(errors.Newf("archive %s", ref), chain.ErrArchiveNotFound), "inspect")
	}
	return c.Archives[i], nil
}

func outputInspectText(w io.Writer, a *chain.Archive) error {
	m := a.Manifest
	fmt.Fprintf(w, "%sArchive: %s%s\n", colorCyan+colorBold, a.Name, colorReset)
	fmt.Fprintf(w, "  Path:       %s\n", a.Path)
	fmt.Fprintf(w, "  Created:    %s\n", m.CreatedAt.Local().Format(timeLayout))
	if m.Base != "" {
		fmt.Fprintf(w, "  Based on:   %s\n", m.Base)
	} else {
		fmt.Fprintf(w, "  Based on:   %s(full backup)%s\n", colorGray, colorReset)
	}
	if len(m.Merged) > 0 {
		fmt.Fprintf(w, "  Merged:     %s\n", strings.Join(m.Merged, ", "))
	}
	fmt.Fprintf(w, "  Files:      %d\n", m.ContentCount())
	fmt.Fprintf(w, "  Deleted:    %d\n", m.TombstoneCount())
	fmt.Fprintf(w, "  Size:       %s\n", humanSize(a.Size))

	if s := m.Settings; s != nil {
		fmt.Fprintf(w, "%sSettings:%s\n", colorBold, colorReset)
		fmt.Fprintf(w, "  Roots:       %s\n", strings.Join(s.Roots, ", "))
		if len(s.Exclude) > 0 {
			fmt.Fprintf(w, "  Exclude:     %s\n", strings.Join(s.Exclude, ", "))
		}
		if len(s.ExcludeRegex) > 0 {
			fmt.Fprintf(w, "  Regex:       %s\n", strings.Join(s.ExcludeRegex, ", "))
		}
		if len(s.ExcludeGlob) > 0 {
			fmt.Fprintf(w, "  Glob:        %s\n", strings.Join(s.ExcludeGlob, ", "))
		}
		if s.Base != "" {
			fmt.Fprintf(w, "  Base:        %s\n", s.Base)
		}
		fmt.Fprintf(w, "  Incremental: %t\n", s.Incremental)
		fmt.Fprintf(w, "  Level:       %d\n", s.Level)
		if s.Strictness != "" {
			fmt.Fprintf(w, "  Strictness:  %s\n", s.Strictness)
		}
	}

	if !inspectFiles || len(m.Files) == 0 {
		return nil
	}
	fmt.Fprintf(w, "%sRecords:%s\n", colorBold, colorReset)
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	for _, r := range m.Files {
		if r.Deleted {
			fmt.Fprintf(tw, "  %sdeleted%s\t\t\t%s\n", colorRed, colorReset, r.Path)
			continue
		}
		path := r.Path
		if r.Kind == chain.KindSymlink {
			path += " -> " + r.Link
		}
		fmt.Fprintf(tw, "  %s\t%s\t%s\t%s\n",
			r.Mode, humanSize(r.Size), r.ModTime.Local().Format(timeLayout), path)
	}
	return tw.Flush()
}
