package fileutil

import (
	"bufio"
	"bytes"
	"io"
	"os"
	"strings"

	"github.com/thoreinstein/snapchain/internal/errors"
)

// MaxListSize bounds the files read by ReadPathList.
const MaxListSize = 4 << 20

// ErrFileTooLarge indicates that a file exceeded MaxListSize.
var ErrFileTooLarge = errors.Newf("file exceeds maximum size of %d bytes", MaxListSize)

// ReadPathList reads one path per line. Surrounding space is trimmed, and
// blank lines and lines starting with # are skipped.
func ReadPathList(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "opening file")
	}
	defer f.Close()

	if info, err := f.Stat(); err == nil && info.Size() > MaxListSize {
		return nil, ErrFileTooLarge
	}
	data, err := io.ReadAll(io.LimitReader(f, MaxListSize+1))
	if err != nil {
		return nil, errors.Wrap(err, "reading file")
	}
	if len(data) > MaxListSize {
		return nil, ErrFileTooLarge
	}

	var out []string
	sc := bufio.NewScanner(bytes.NewReader(data))
	sc.Buffer(nil, MaxListSize)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		out = append(out, line)
	}
	return out, errors.Wrap(sc.Err(), "scanning file")
}
