package chain

import (
	"archive/tar"
	"bytes"
	"encoding/binary"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/klauspost/compress/zstd"
	"gopkg.in/yaml.v3"
)

// ManifestEntryName is the tar entry name of the manifest.
const ManifestEntryName = "manifest.yml"

const (
	// skippableMagic is a zstd skippable frame magic number. Decoders ignore
	// such frames, so the footer does not disturb plain `tar --zstd` reads.
	skippableMagic  uint32 = 0x184D2A5E
	footerPayload          = 16
	footerSize             = 8 + footerPayload
	maxManifestSize        = 256 << 20
)

// frameAppender writes zstd frames sequentially and tracks their offsets.
// It is used by a single goroutine.
type frameAppender struct {
	w   io.Writer
	off int64
}

func (fa *frameAppender) append(frame []byte) (offset, length int64, err error) {
	offset = fa.off
	n, err := fa.w.Write(frame)
	fa.off += int64(n)
	if err != nil {
		return 0, 0, err
	}
	return offset, int64(n), nil
}

func (fa *frameAppender) copyFrom(r io.Reader) (offset, length int64, err error) {
	offset = fa.off
	n, err := io.Copy(fa.w, r)
	fa.off += n
	if err != nil {
		return 0, 0, err
	}
	return offset, n, nil
}

// newEncoder returns a single threaded encoder. Parallelism comes from
// running one encoder per worker, not from the encoder itself.
func newEncoder(level int) (*zstd.Encoder, error) {
	return zstd.NewWriter(nil,
		zstd.WithEncoderLevel(zstd.EncoderLevelFromZstd(clampLevel(level))),
		zstd.WithEncoderConcurrency(1),
	)
}

func newDecoder() (*zstd.Decoder, error) {
	return zstd.NewReader(nil, zstd.WithDecoderConcurrency(1))
}

func clampLevel(level int) int {
	return min(max(level, MinLevel), MaxLevel)
}

// encodeEntry compresses one tar entry (header, body and padding) into buf
// as a standalone zstd frame. The tar end-of-archive marker is not written.
func encodeEntry(enc *zstd.Encoder, buf *bytes.Buffer, hdr *tar.Header, body io.Reader) error {
	enc.Reset(buf)
	tw := tar.NewWriter(enc)
	if err := tw.WriteHeader(hdr); err != nil {
		return errors.Wrap(err, "writing tar header")
	}
	if body != nil && hdr.Size > 0 {
		if _, err := io.CopyN(tw, body, hdr.Size); err != nil {
			return errors.Wrap(err, "copying body")
		}
	}
	if err := tw.Flush(); err != nil {
		return errors.Wrap(err, "padding tar entry")
	}
	return errors.Wrap(enc.Close(), "closing zstd frame")
}

// encodeManifest returns the final frame of an archive: the manifest entry
// followed by the tar end-of-archive blocks.
func encodeManifest(enc *zstd.Encoder, m *Manifest) ([]byte, error) {
	data, err := yaml.Marshal(m)
	if err != nil {
		return nil, errors.Wrap(err, "marshaling manifest")
	}

	var buf bytes.Buffer
	enc.Reset(&buf)
	tw := tar.NewWriter(enc)
	hdr := &tar.Header{
		Typeflag: tar.TypeReg,
		Name:     ManifestEntryName,
		Mode:     0o644,
		Size:     int64(len(data)),
		ModTime:  m.CreatedAt,
		Format:   tar.FormatPAX,
	}
	if err := tw.WriteHeader(hdr); err != nil {
		return nil, errors.Wrap(err, "writing manifest header")
	}
	if _, err := tw.Write(data); err != nil {
		return nil, errors.Wrap(err, "writing manifest")
	}
	if err := tw.Close(); err != nil {
		return nil, errors.Wrap(err, "closing tar stream")
	}
	if err := enc.Close(); err != nil {
		return nil, errors.Wrap(err, "closing zstd frame")
	}
	return buf.Bytes(), nil
}

func encodeFooter(manifestOffset, manifestLength int64) []byte {
	b := make([]byte, footerSize)
	binary.LittleEndian.PutUint32(b[0:4], skippableMagic)
	binary.LittleEndian.PutUint32(b[4:8], footerPayload)
	binary.LittleEndian.PutUint64(b[8:16], uint64(manifestOffset))
	binary.LittleEndian.PutUint64(b[16:24], uint64(manifestLength))
	return b
}

// finishArchive appends the manifest frame and the footer.
func finishArchive(fa *frameAppender, enc *zstd.Encoder, m *Manifest) error {
	frame, err := encodeManifest(enc, m)
	if err != nil {
		return err
	}
	off, n, err := fa.append(frame)
	if err != nil {
		return errors.Wrap(err, "writing manifest frame")
	}
	if _, _, err := fa.append(encodeFooter(off, n)); err != nil {
		return errors.Wrap(err, "writing footer")
	}
	return nil
}

// ReadManifest opens the archive at path and parses its manifest without
// touching the body frames. Failures are marked ErrCorruptArchive.
func ReadManifest(path string) (*Archive, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "opening archive")
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, errors.Wrap(err, "stat archive")
	}

	m, err := readManifestAt(f, info.Size())
	if err != nil {
		return nil, err
	}
	return &Archive{
		Path:     path,
		Name:     filepath.Base(path),
		Size:     info.Size(),
		Manifest: m,
	}, nil
}

func readManifestAt(r io.ReaderAt, size int64) (*Manifest, error) {
	if size < footerSize {
		return nil, corruptf("archive too small (%d bytes)", size)
	}

	footer := make([]byte, footerSize)
	if _, err := r.ReadAt(footer, size-footerSize); err != nil {
		return nil, corrupt(err, "reading footer")
	}
	if binary.LittleEndian.Uint32(footer[0:4]) != skippableMagic ||
		binary.LittleEndian.Uint32(footer[4:8]) != footerPayload {
		return nil, corruptf("missing archive footer")
	}
	off := int64(binary.LittleEndian.Uint64(footer[8:16]))
	length := int64(binary.LittleEndian.Uint64(footer[16:24]))
	if off < 0 || length <= 0 || off+length != size-footerSize {
		return nil, corruptf("manifest frame out of bounds (offset %d, length %d)", off, length)
	}

	dec, err := newDecoder()
	if err != nil {
		return nil, errors.Wrap(err, "creating decoder")
	}
	defer dec.Close()

	tr, err := openFrame(dec, r, off, length)
	if err != nil {
		return nil, err
	}
	hdr, err := tr.Next()
	if err != nil {
		return nil, corrupt(err, "reading manifest entry")
	}
	if hdr.Name != ManifestEntryName {
		return nil, corruptf("unexpected entry %q where manifest was expected", hdr.Name)
	}
	if hdr.Size > maxManifestSize {
		return nil, corruptf("manifest of %d bytes exceeds limit", hdr.Size)
	}
	data, err := io.ReadAll(io.LimitReader(tr, hdr.Size))
	if err != nil {
		return nil, corrupt(err, "decompressing manifest")
	}

	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, corrupt(err, "parsing manifest")
	}
	if err := validateManifest(&m, off); err != nil {
		return nil, err
	}
	return &m, nil
}

func validateManifest(m *Manifest, bodyEnd int64) error {
	if m.Version != ManifestVersion {
		return corruptf("unsupported manifest version %d", m.Version)
	}
	if m.CreatedAt.IsZero() {
		return corruptf("manifest has no creation time")
	}
	seen := make(map[string]struct{}, len(m.Files))
	for _, r := range m.Files {
		if r.Path == "" {
			return corruptf("manifest record without path")
		}
		if _, dup := seen[r.Path]; dup {
			return corruptf("duplicate manifest record %q", r.Path)
		}
		seen[r.Path] = struct{}{}
		if r.Deleted {
			continue
		}
		if r.Offset < 0 || r.Length <= 0 || r.Offset+r.Length > bodyEnd {
			return corruptf("record %q points outside the body section", r.Path)
		}
	}
	return nil
}

// openFrame positions dec on the frame [off, off+length) of r.
func openFrame(dec *zstd.Decoder, r io.ReaderAt, off, length int64) (*tar.Reader, error) {
	if err := dec.Reset(io.NewSectionReader(r, off, length)); err != nil {
		return nil, corrupt(err, "opening frame at %d", off)
	}
	return tar.NewReader(dec), nil
}

// frameReader reads bodies out of one archive file.
type frameReader struct {
	f   *os.File
	dec *zstd.Decoder
}

func openFrameReader(path string) (*frameReader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "opening archive")
	}
	dec, err := newDecoder()
	if err != nil {
		f.Close()
		return nil, errors.Wrap(err, "creating decoder")
	}
	return &frameReader{f: f, dec: dec}, nil
}

// entry returns the tar header and body reader of the record's frame.
// The reader is valid until the next call.
func (fr *frameReader) entry(rec FileRecord) (*tar.Header, io.Reader, error) {
	tr, err := openFrame(fr.dec, fr.f, rec.Offset, rec.Length)
	if err != nil {
		return nil, nil, err
	}
	hdr, err := tr.Next()
	if err != nil {
		return nil, nil, corrupt(err, "reading entry %q", rec.Path)
	}
	if hdr.Name != rec.Path {
		return nil, nil, corruptf("frame holds %q, manifest expects %q", hdr.Name, rec.Path)
	}
	return hdr, tr, nil
}

// raw returns the compressed frame bytes of rec for copying into another archive.
func (fr *frameReader) raw(rec FileRecord) io.Reader {
	return io.NewSectionReader(fr.f, rec.Offset, rec.Length)
}

func (fr *frameReader) Close() error {
	fr.dec.Close()
	return fr.f.Close()
}

// truncateTime drops the sub-second part, matching archive name resolution.
func truncateTime(t time.Time) time.Time {
	return t.UTC().Truncate(time.Second)
}
