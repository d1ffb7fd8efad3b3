package commands

import (
	"context"
	"fmt"
	"io"

	"github.com/docker/go-units"

	"github.com/thoreinstein/snapchain/internal/chain"
	"github.com/thoreinstein/snapchain/internal/errors"
	"github.com/thoreinstein/snapchain/internal/logging"
)

// ANSI color codes for terminal output.
const (
	colorReset  = "\033[0m"
	colorBold   = "\033[1m"
	colorCyan   = "\033[36m"
	colorGreen  = "\033[32m"
	colorYellow = "\033[33m"
	colorRed    = "\033[31m"
	colorGray   = "\033[90m"
)

// timeLayout is how archive and file times are shown.
const timeLayout = "2006-01-02 15:04:05"

// truncate shortens a string to maxLen characters, adding "..." if truncated.
func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	if maxLen <= 3 {
		return s[:maxLen]
	}
	return s[:maxLen-3] + "..."
}

// humanSize formats a byte count the way the file lists do.
func humanSize(n int64) string {
	return units.HumanSize(float64(n))
}

// newManager builds a chain.Manager from the loaded settings. Extra options
// are applied last and override the settings.
func newManager(ctx context.Context, extra ...chain.Option) *chain.Manager {
	opts := settings().ManagerOptions()
	opts = append(opts, chain.WithLogger(logging.FromContext(ctx)))
	opts = append(opts, extra...)
	return chain.NewManager(opts...)
}

// printWarnings lists per-path problems that did not stop the command.
func printWarnings(w io.Writer, warnings []chain.Warning) {
	if len(warnings) == 0 {
		return
	}
	fmt.Fprintf(w, "%s%d warning(s):%s\n", colorYellow, len(warnings), colorReset)
	for _, warn := range warnings {
		fmt.Fprintf(w, "  %s! %s%s: %v\n", colorYellow, warn.Path, colorReset, warn.Err)
	}
}

// commandError attaches an exit code and a suggestion to engine failures.
// Errors that already carry an exit code are returned unchanged.
func commandError(err error, action string) error {
	if err == nil {
		return nil
	}
	var exitErr *errors.ExitError
	if errors.As(err, &exitErr) {
		return err
	}

	err = errors.Wrap(err, action)
	switch {
	case errors.Is(err, chain.ErrConflictAtDestination):
		return errors.NewUserError(err, "Use --conflict overwrite or --conflict skip, or restore into an empty directory")
	case errors.Is(err, chain.ErrArchiveNotFound):
		return errors.NewUserError(err, "Run: snapchain list")
	case errors.Is(err, chain.ErrMergeRangeInvalid):
		return errors.NewUserError(err, "Name at least two adjacent archives, see: snapchain list")
	case errors.Is(err, chain.ErrPathTraversalRejected):
		return errors.NewUserError(err, "The archive holds paths outside the destination")
	case errors.Is(err, chain.ErrCorruptArchive):
		return errors.NewSystemError(err, "Run: snapchain verify")
	case errors.Is(err, chain.ErrDestinationUnwritable):
		return errors.NewSystemError(err, "Check permissions and free space of the destination")
	case errors.Is(err, chain.ErrInvalidRules), errors.Is(err, errors.ErrInvalidConfig):
		return errors.NewConfigError(err)
	default:
		return errors.NewSystemError(err, "")
	}
}
