package gcov

import "github.com/quikcov/quikcov/internal/logger"

// LineCoverage is one source line's execution count within a function.
type LineCoverage struct {
	Lineno    uint32
	ExecCount uint64
}

// FnCoverage is the finalized, cross-run coverage record for one function.
type FnCoverage struct {
	StartLine      uint32
	StartCol       *uint32
	EndLine        *uint32
	EndCol         *uint32
	ExecutedBlocks int
	TotalBlocks    int
	Lines          []LineCoverage
	// Blocks holds each block's counter in declaration order, kept for
	// tooling that wants block-level rather than line-level granularity.
	Blocks []uint64
}

// FileCoverage is the finalized coverage for every function GCC attributed
// to one source file, keyed by function name.
type FileCoverage struct {
	Fns map[string]*FnCoverage
}

// ProgCoverage is one complete coverage snapshot: every file covered by one
// DataSession.Build call, or the running merge of many such snapshots
// across a fuzzing campaign.
type ProgCoverage struct {
	Cwd   *string
	Files map[string]*FileCoverage
}

// Merge folds other into p using max semantics: for every line and block,
// the merged count is the larger of the two inputs. This is the spec's
// resolution of counters-are-monotonic-across-runs -- a campaign's coverage
// never "loses" a previously observed hit just because a later run exited
// before reaching it again.
//
// Merge fails if the two snapshots were produced against note graphs from
// different working directories: mixing them would silently conflate
// unrelated builds.
func (p *ProgCoverage) Merge(other *ProgCoverage) error {
	if p.Cwd != nil && other.Cwd != nil && *p.Cwd != *other.Cwd {
		return valueErr("cannot merge coverage snapshots built from different working directories")
	}
	if p.Cwd == nil && other.Cwd != nil {
		p.Cwd = other.Cwd
	}

	if p.Files == nil {
		p.Files = make(map[string]*FileCoverage)
	}

	for fileName, otherFile := range other.Files {
		file, ok := p.Files[fileName]
		if !ok {
			p.Files[fileName] = otherFile
			continue
		}
		if err := file.merge(otherFile); err != nil {
			return err
		}
	}
	return nil
}

func (f *FileCoverage) merge(other *FileCoverage) error {
	if f.Fns == nil {
		f.Fns = make(map[string]*FnCoverage)
	}
	for name, otherFn := range other.Fns {
		fn, ok := f.Fns[name]
		if !ok {
			f.Fns[name] = otherFn
			continue
		}
		fn.merge(name, otherFn)
	}
	return nil
}

// merge folds other into fn using max semantics, but only if the two
// records describe the same function shape. If total_blocks or the number
// of tracked lines differs, the two runs can't be reconciled positionally
// (the compiler reshaped the function between builds) and the merge is
// skipped, logging a warning and leaving fn as-is.
func (fn *FnCoverage) merge(name string, other *FnCoverage) {
	if fn.TotalBlocks != other.TotalBlocks || len(fn.Lines) != len(other.Lines) {
		logger.Warn("skipping coverage merge for function %q: shape mismatch (total_blocks %d vs %d, lines %d vs %d)",
			name, fn.TotalBlocks, other.TotalBlocks, len(fn.Lines), len(other.Lines))
		return
	}

	for i, v := range other.Blocks {
		if v > fn.Blocks[i] {
			fn.Blocks[i] = v
		}
	}

	fn.ExecutedBlocks = 0
	for _, v := range fn.Blocks {
		if v > 0 {
			fn.ExecutedBlocks++
		}
	}

	counts := make(map[uint32]uint64, len(fn.Lines))
	for _, l := range fn.Lines {
		counts[l.Lineno] = l.ExecCount
	}
	for _, l := range other.Lines {
		if l.ExecCount > counts[l.Lineno] {
			counts[l.Lineno] = l.ExecCount
		}
	}

	merged := make([]LineCoverage, 0, len(counts))
	for lineno, count := range counts {
		merged = append(merged, LineCoverage{Lineno: lineno, ExecCount: count})
	}
	fn.Lines = merged
}
