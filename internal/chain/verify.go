package chain

import (
	"archive/tar"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"

	"github.com/cockroachdb/errors"
)

// Verify decodes every content frame of a and checks it against its record.
// Problems are returned as warnings marked ErrCorruptArchive. The error is
// reserved for failures to open the archive at all.
func Verify(ctx context.Context, a *Archive) ([]Warning, error) {
	fr, err := openFrameReader(a.Path)
	if err != nil {
		return nil, err
	}
	defer fr.Close()

	var warnings []Warning
	for _, rec := range a.Manifest.Files {
		if err := ctx.Err(); err != nil {
			return warnings, err
		}
		if rec.Deleted {
			continue
		}
		if err := verifyRecord(fr, rec); err != nil {
			warnings = append(warnings, newWarning(rec.Path, err, ErrCorruptArchive))
		}
	}
	return warnings, nil
}

func verifyRecord(fr *frameReader, rec FileRecord) error {
	hdr, body, err := fr.entry(rec)
	if err != nil {
		return err
	}

	switch rec.Kind {
	case KindSymlink:
		if hdr.Typeflag != tar.TypeSymlink || hdr.Linkname != rec.Link {
			return errors.Newf("symlink target %q does not match manifest %q", hdr.Linkname, rec.Link)
		}
		return nil
	default:
		if hdr.Size != rec.Size {
			return errors.Newf("entry size %d does not match manifest %d", hdr.Size, rec.Size)
		}
	}

	h := sha256.New()
	if _, err := io.Copy(h, body); err != nil {
		return errors.Wrap(err, "decompressing body")
	}
	if rec.SHA256 != "" && hex.EncodeToString(h.Sum(nil)) != rec.SHA256 {
		return errors.New("checksum mismatch")
	}
	return nil
}
