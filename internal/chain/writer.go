package chain

import (
	"archive/tar"
	"bufio"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/klauspost/compress/zstd"
	"golang.org/x/sync/errgroup"

	"github.com/thoreinstein/snapchain/internal/logging"
	"github.com/thoreinstein/snapchain/internal/paths"
	"github.com/thoreinstein/snapchain/pkg/fileutil"
)

// ArchivePerm is the permission of published archive files. Archives hold
// copies of private files, so only the owner may read them.
const ArchivePerm = 0o600

// Writer turns a Selection into an archive file.
//
// Files are compressed concurrently, each into its own zstd frame, and
// appended by a single goroutine. The manifest lists records in selection
// order no matter which worker finished first.
type Writer struct {
	// Workers bounds the number of files compressed at once.
	// Zero or less means runtime.NumCPU.
	Workers int

	// Level is the zstd level, clamped to MinLevel..MaxLevel.
	Level int

	Logger *slog.Logger
}

// WriteOptions describe the archive being written.
type WriteOptions struct {
	// CreatedAt names the archive. It is truncated to the second.
	CreatedAt time.Time

	// Base is the name of the archive the selection was computed against.
	Base string

	// Settings are embedded in the manifest.
	Settings *Settings
}

// compressed is a finished frame on its way to the appender.
type compressed struct {
	index  int
	frame  []byte
	record FileRecord
}

func (w *Writer) workers() int {
	n := w.Workers
	if n <= 0 || n > runtime.NumCPU() {
		n = runtime.NumCPU()
	}
	return n
}

func (w *Writer) logger() *slog.Logger {
	if w.Logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return w.Logger
}

// Write stores every included entry of sel and a tombstone for every
// deletion, then publishes the archive in dir under its timestamp name.
//
// Unreadable files are reported as warnings and left out of the manifest.
// Any failure to write the archive itself is fatal and leaves nothing at
// the final name.
func (w *Writer) Write(ctx context.Context, dir string, sel *Selection, opts WriteOptions) (*Archive, []Warning, error) {
	logger := w.logger()
	created := truncateTime(opts.CreatedAt)
	if created.IsZero() {
		return nil, nil, errors.New("archive creation time is required")
	}
	target := filepath.Join(dir, ArchiveName(created))

	if err := paths.EnsureDir(dir, paths.DefaultDirPerm); err != nil {
		return nil, nil, unwritable(err, "creating output directory")
	}
	if _, err := os.Lstat(target); err == nil {
		return nil, nil, errors.Mark(errors.Newf("archive %s already exists", target), ErrDestinationUnwritable)
	}

	pending, err := fileutil.CreatePending(target, ArchivePerm)
	if err != nil {
		return nil, nil, unwritable(err, "creating archive")
	}
	defer pending.Abort()

	workers := w.workers()
	encoders := make(chan *zstd.Encoder, workers)
	defer func() {
		close(encoders)
		for enc := range encoders {
			enc.Close()
		}
	}()
	for range workers {
		enc, err := newEncoder(w.Level)
		if err != nil {
			return nil, nil, errors.Wrap(err, "creating zstd encoder")
		}
		encoders <- enc
	}

	buffered := bufio.NewWriterSize(pending, 1<<20)
	fa := &frameAppender{w: buffered}
	records := make([]*FileRecord, len(sel.Entries))

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Single appender. It keeps draining after a failure so workers never block.
	results := make(chan compressed)
	appendErr := make(chan error, 1)
	go func() {
		var failed error
		for c := range results {
			if failed != nil {
				continue
			}
			off, n, err := fa.append(c.frame)
			if err != nil {
				failed = err
				cancel()
				continue
			}
			rec := c.record
			rec.Offset, rec.Length = off, n
			records[c.index] = &rec
		}
		appendErr <- failed
	}()

	var (
		mu       sync.Mutex
		warnings []Warning
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)

	for i, e := range sel.Entries {
		if !e.Decision.Includes() {
			continue
		}
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			enc := <-encoders
			defer func() { encoders <- enc }()

			c, err := compressEntry(enc, e)
			if err != nil {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				logger.Warn("skipping file", "path", e.AbsPath, "error", err)
				mu.Lock()
				warnings = append(warnings, newWarning(e.AbsPath, err, ErrPathUnreadable))
				mu.Unlock()
				return nil
			}
			c.index = i
			logger.Log(gctx, logging.LevelTrace, "compressed",
				"path", e.Path, "size", c.record.Size, "frame", len(c.frame))

			select {
			case results <- c:
				return nil
			case <-gctx.Done():
				return gctx.Err()
			}
		})
	}

	workErr := g.Wait()
	close(results)
	if err := <-appendErr; err != nil {
		return nil, nil, unwritable(err, "writing archive body")
	}
	if workErr != nil {
		return nil, nil, workErr
	}
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}

	m := &Manifest{
		Version:   ManifestVersion,
		CreatedAt: created,
		Base:      opts.Base,
		Settings:  opts.Settings,
		Files:     make([]FileRecord, 0, len(sel.Entries)),
	}
	for i, e := range sel.Entries {
		switch {
		case e.Decision == TombstoneDecision:
			m.Files = append(m.Files, Tombstone(e.Path))
		case records[i] != nil:
			m.Files = append(m.Files, *records[i])
		}
	}

	enc := <-encoders
	err = finishArchive(fa, enc, m)
	encoders <- enc
	if err != nil {
		return nil, nil, unwritable(err, "writing manifest")
	}
	if err := buffered.Flush(); err != nil {
		return nil, nil, unwritable(err, "flushing archive")
	}
	if err := pending.Publish(); err != nil {
		return nil, nil, unwritable(err, "publishing archive")
	}

	slices.SortFunc(warnings, func(a, b Warning) int {
		return strings.Compare(a.Path, b.Path)
	})
	logger.Info("archive written",
		"archive", filepath.Base(target),
		"files", m.ContentCount(),
		"deleted", m.TombstoneCount(),
		"bytes", fa.off)

	return &Archive{
		Path:     target,
		Name:     filepath.Base(target),
		Size:     fa.off,
		Manifest: m,
	}, warnings, nil
}

// compressEntry reads one entry from disk and encodes it as a frame.
func compressEntry(enc *zstd.Encoder, e Entry) (compressed, error) {
	info := e.Info
	rec := FileRecord{
		Path:    e.Path,
		Size:    info.Size(),
		ModTime: info.ModTime(),
		Mode:    info.Mode().Perm(),
		Kind:    KindFile,
	}
	hdr := &tar.Header{
		Name:    e.Path,
		Mode:    int64(info.Mode().Perm()),
		ModTime: info.ModTime(),
		Format:  tar.FormatPAX,
	}

	var buf bytes.Buffer
	if info.Mode()&fs.ModeSymlink != 0 {
		rec.Kind = KindSymlink
		rec.Link = e.Link
		hdr.Typeflag = tar.TypeSymlink
		hdr.Linkname = e.Link
		if err := encodeEntry(enc, &buf, hdr, nil); err != nil {
			return compressed{}, err
		}
		return compressed{frame: buf.Bytes(), record: rec}, nil
	}

	f, err := os.Open(e.AbsPath)
	if err != nil {
		return compressed{}, err
	}
	defer f.Close()

	hdr.Typeflag = tar.TypeReg
	hdr.Size = info.Size()
	h := sha256.New()
	if err := encodeEntry(enc, &buf, hdr, io.TeeReader(f, h)); err != nil {
		if errors.Is(err, io.EOF) {
			return compressed{}, errors.Wrap(err, "file shrank while reading")
		}
		return compressed{}, err
	}
	rec.SHA256 = hex.EncodeToString(h.Sum(nil))
	return compressed{frame: buf.Bytes(), record: rec}, nil
}
