package doctor

import (
	"context"
	"fmt"
	"path/filepath"
	"slices"
	"strings"

	"github.com/docker/go-units"

	"github.com/thoreinstein/snapchain/internal/chain"
	"github.com/thoreinstein/snapchain/internal/errors"
)

// ChainCheck inspects the archive chain in an output directory.
//
// It reports archives left out of the chain, gaps where an archive's base is
// not its predecessor, and merge originals left behind. Originals of a merge
// that never finished are errors, and Fix renames them back. With
// verification enabled every content frame is decoded and checked as well.
type ChainCheck struct {
	dir     string
	verify  bool
	orphans []string
}

var (
	_ Check = (*ChainCheck)(nil)
	_ Fixer = (*ChainCheck)(nil)
)

// NewChainCheck creates a chain check for dir. When verify is set the check
// reads every archive in full.
func NewChainCheck(dir string, verify bool) *ChainCheck {
	return &ChainCheck{dir: dir, verify: verify}
}

// Name returns the unique identifier for this check.
func (c *ChainCheck) Name() string {
	if c.verify {
		return "chain-integrity"
	}
	return "chain"
}

// Category returns the grouping for this check.
func (c *ChainCheck) Category() string {
	return "chain"
}

// Run discovers the chain and reports its problems.
func (c *ChainCheck) Run(ctx context.Context) *CheckResult {
	result := &CheckResult{
		Name:     c.Name(),
		Category: c.Category(),
		Status:   SeverityPass,
		Details:  map[string]any{"dir": c.dir},
	}

	ch, warnings, err := chain.Discover(c.dir)
	if err != nil {
		result.Status = SeverityError
		result.Message = fmt.Sprintf("cannot read chain: %v", err)
		return result
	}

	c.orphans = nil
	var problems []string
	for _, w := range warnings {
		if errors.Is(w.Err, chain.ErrInterruptedMerge) {
			c.orphans = append(c.orphans, w.Path)
			continue
		}
		problems = append(problems, fmt.Sprintf("ignored %s: %v", filepath.Base(w.Path), w.Err))
	}
	for i, a := range ch.Archives {
		base := a.Manifest.Base
		if base == "" {
			continue
		}
		if i == 0 || ch.Archives[i-1].Name != base {
			problems = append(problems, fmt.Sprintf("%s is based on %s, which is not its predecessor", a.Name, base))
		}
	}

	var corrupt []string
	if c.verify {
		for _, a := range ch.Archives {
			found, err := chain.Verify(ctx, a)
			if err != nil {
				corrupt = append(corrupt, fmt.Sprintf("%s: %v", a.Name, err))
				continue
			}
			for _, w := range found {
				corrupt = append(corrupt, fmt.Sprintf("%s: %v", a.Name, w))
			}
		}
	}

	staged, err := chain.Staged(c.dir)
	if err != nil {
		problems = append(problems, err.Error())
	}
	names := make([]string, 0, len(staged))
	for _, s := range staged {
		if !slices.Contains(c.orphans, s) {
			names = append(names, filepath.Base(s))
		}
	}

	var size int64
	for _, a := range ch.Archives {
		size += a.Size
	}
	result.Details["archives"] = ch.Len()
	result.Details["size"] = size
	if len(names) > 0 {
		result.Details["staged"] = names
	}

	switch {
	case len(c.orphans) > 0:
		result.Status = SeverityError
		result.Message = fmt.Sprintf("%d archive(s) left staged by an interrupted merge", len(c.orphans))
		var lines []string
		for _, o := range c.orphans {
			lines = append(lines, fmt.Sprintf("%s is the only copy of its archive", filepath.Base(o)))
		}
		result.Details["problems"] = append(append(lines, corrupt...), problems...)
		result.Fixable = true
		result.FixHint = "snapchain doctor --fix renames them back"
	case len(corrupt) > 0:
		result.Status = SeverityError
		result.Message = fmt.Sprintf("%d damaged record(s) found", len(corrupt))
		result.Details["problems"] = append(corrupt, problems...)
		result.FixHint = "restore what you can, then start a new chain with snapchain backup --full"
	case len(problems) > 0:
		result.Status = SeverityWarning
		result.Message = fmt.Sprintf("%d chain problem(s) found", len(problems))
		result.Details["problems"] = problems
		result.FixHint = "run snapchain verify, and take a full backup if archives are missing"
	case ch.Len() == 0:
		result.Status = SeverityInfo
		result.Message = "no archives yet"
		result.FixHint = "snapchain backup"
	case len(names) > 0:
		result.Status = SeverityInfo
		result.Message = fmt.Sprintf("%d archive(s), %s; %d merge original(s) kept", ch.Len(), units.HumanSize(float64(size)), len(names))
		result.FixHint = "the merged archives replace them; delete the .old files when no longer needed"
	default:
		result.Message = fmt.Sprintf("%d archive(s), %s", ch.Len(), units.HumanSize(float64(size)))
	}

	return result
}

// CanFix reports whether Run found originals of an interrupted merge.
func (c *ChainCheck) CanFix() bool {
	return len(c.orphans) > 0
}

// Fix renames the originals of an interrupted merge back into the chain.
func (c *ChainCheck) Fix() []FixResult {
	recovered, err := chain.Recover(c.dir)
	results := make([]FixResult, 0, len(c.orphans))
	for _, o := range c.orphans {
		target := strings.TrimSuffix(o, chain.StagedExt)
		if slices.Contains(recovered, target) {
			results = append(results, FixResult{Path: target, Fixed: true, Description: "restored from " + filepath.Base(o)})
			continue
		}
		desc := "still staged"
		if err != nil {
			desc = err.Error()
		}
		results = append(results, FixResult{Path: o, Description: desc, Error: err})
	}
	return results
}
