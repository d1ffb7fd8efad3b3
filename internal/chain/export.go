package chain

import (
	"encoding/csv"
	"io"
	"strconv"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/docker/go-units"
)

// ListRow is one line of a file list.
type ListRow struct {
	Path    string
	Size    int64
	ModTime time.Time
	Status  string

	// Archive names the archive holding the record. Empty for selections.
	Archive string
}

// SelectionRows lists the entries of sel that produce a record.
func SelectionRows(sel *Selection) []ListRow {
	rows := make([]ListRow, 0, sel.Changes())
	for _, e := range sel.Entries {
		if e.Decision == Skip {
			continue
		}
		row := ListRow{Path: e.Path, Status: e.Decision.String()}
		if e.Info != nil {
			row.Size = e.Info.Size()
			row.ModTime = e.Info.ModTime()
		}
		rows = append(rows, row)
	}
	return rows
}

// StateRows lists every path of st in path order. Deleted paths are included
// only when withDeleted is set.
func StateRows(st State, withDeleted bool) []ListRow {
	var rows []ListRow
	for _, p := range st.Paths(nil) {
		res := st[p]
		if res.Record.Deleted && !withDeleted {
			continue
		}
		row := ListRow{
			Path:    p,
			Size:    res.Record.Size,
			ModTime: res.Record.ModTime,
			Status:  "live",
			Archive: res.Archive.Name,
		}
		if res.Record.Deleted {
			row.Status = "deleted"
		}
		rows = append(rows, row)
	}
	return rows
}

// WriteCSV writes rows with a header line. Sizes are written both in bytes
// and in human readable form.
func WriteCSV(w io.Writer, rows []ListRow) error {
	cw := csv.NewWriter(w)
	if err := cw.Write([]string{"mtime", "size", "bytes", "status", "archive", "path"}); err != nil {
		return errors.Wrap(err, "writing header")
	}
	for _, r := range rows {
		mtime := ""
		if !r.ModTime.IsZero() {
			mtime = r.ModTime.UTC().Format(time.RFC3339)
		}
		rec := []string{
			mtime,
			units.HumanSize(float64(r.Size)),
			strconv.FormatInt(r.Size, 10),
			r.Status,
			r.Archive,
			r.Path,
		}
		if err := cw.Write(rec); err != nil {
			return errors.Wrapf(err, "writing %s", r.Path)
		}
	}
	cw.Flush()
	return errors.Wrap(cw.Error(), "flushing file list")
}
