package gcov

import (
	"sort"

	"github.com/quikcov/quikcov/internal/logger"
	"github.com/quikcov/quikcov/internal/reader"
)

// Arc flag bits, as written by GCC into each ARCS record entry.
const (
	ArcOnTree uint32 = 1 << 0
	ArcFake   uint32 = 1 << 1
)

const (
	tagFunction       uint32 = 0x0100_0000
	tagBlocks         uint32 = 0x0141_0000
	tagArcs           uint32 = 0x0143_0000
	tagLines          uint32 = 0x0145_0000
	tagCounterArcs    uint32 = 0x01a1_0000
	tagObjectSummary  uint32 = 0xa100_0000
	tagProgramSummary uint32 = 0xa300_0000
)

// Edge is a control-flow arc between two blocks of the same function.
type Edge struct {
	Src, Dst int
	Flags    uint32
	Counter  uint64
}

// OnTree reports whether the compiler placed this edge in its chosen
// spanning tree (its counter is reconstructed, never read from the data
// file).
func (e *Edge) OnTree() bool { return e.Flags&ArcOnTree != 0 }

// Block is one basic block of a function's control-flow graph.
type Block struct {
	ID       int
	InEdges  []int // indices into Function.Edges
	OutEdges []int // indices into Function.Edges, sorted by Edges[i].Dst
	Lines    map[uint32]struct{}
	LineMax  uint32
	Counter  uint64
}

func newBlock(id int) *Block {
	return &Block{ID: id, Lines: make(map[uint32]struct{})}
}

// Function is one translation-unit function's control-flow graph plus
// identity metadata, as recorded in the note file.
type Function struct {
	Ident         uint32
	LineChecksum  uint32
	CfgChecksum   *uint32
	Name          string
	FileName      string
	StartLine     uint32
	StartCol      *uint32
	EndLine       *uint32
	EndCol        *uint32
	Artificial    *uint32
	Blocks        []*Block
	Edges         []*Edge
	RealEdgeCount int
	Executed      bool
	// Lines maps an accepted source line number to its execution count.
	// Entries are seeded with 0 while decoding the note file and populated
	// for real once a DataSession is finalized.
	Lines map[uint32]uint64
}

// NoteGraph is the decoded form of a single .gcno file: one control-flow
// graph per function, plus the metadata needed to validate and fold
// matching .gcda data against it.
type NoteGraph struct {
	Version      uint32
	Checksum     uint32
	Cwd          *string // present iff Version >= 90
	Functions    []*Function
	identToIndex map[uint32]int
}

// FunctionByIdent looks up a function by its .gcno-assigned identifier.
func (g *NoteGraph) FunctionByIdent(ident uint32) (*Function, bool) {
	idx, ok := g.identToIndex[ident]
	if !ok {
		return nil, false
	}
	return g.Functions[idx], true
}

// DecodeNoteGraph parses a complete .gcno byte slice into a NoteGraph.
func DecodeNoteGraph(data []byte) (*NoteGraph, error) {
	r := reader.New(data)

	kind, err := r.MagicNumber()
	if err != nil {
		return nil, wrapReaderErr(err)
	}
	if kind != reader.KindGcno {
		logger.Error("wrong file magic number encountered while decoding .gcno (expected .gcno, got .gcda)")
		return nil, valueErr(".gcda magic number where .gcno was expected")
	}

	version, err := r.Version()
	if err != nil {
		return nil, wrapReaderErr(err)
	}
	logger.Debug(".gcno file version %d detected", version)

	if version >= 113 {
		if _, err := r.U32(); err != nil { // bbg_stamp, unused
			return nil, wrapReaderErr(err)
		}
	}

	checksum, err := r.U32()
	if err != nil {
		return nil, wrapReaderErr(err)
	}

	var cwd *string
	if version >= 90 {
		s, err := r.String(version)
		if err != nil {
			return nil, wrapReaderErr(err)
		}
		cwd = &s
		logger.Debug("cwd=%s", s)
	}

	if version >= 80 {
		if _, err := r.U32(); err != nil { // has_unexecuted_blocks
			return nil, wrapReaderErr(err)
		}
	}

	g := &NoteGraph{
		Version:      version,
		Checksum:     checksum,
		Cwd:          cwd,
		identToIndex: make(map[uint32]int),
	}

	for !r.IsEmpty() {
		tag, err := r.U32()
		if err != nil {
			return nil, wrapReaderErr(err)
		}

		switch tag {
		case 0:
			if !r.IsEmpty() {
				logger.Error("null tag reached while reader had bytes remaining in .gcno file")
				return nil, &Error{Kind: ErrTrailingBytes}
			}
			return g, nil
		case tagFunction:
			logger.Trace("parsing gcno function element")
			fn, err := readFunction(r, version)
			if err != nil {
				return nil, err
			}
			idx := len(g.Functions)
			g.identToIndex[fn.Ident] = idx
			g.Functions = append(g.Functions, fn)
		case tagBlocks:
			logger.Trace("parsing gcno blocks element")
			if len(g.Functions) == 0 {
				continue
			}
			if err := readBlocks(r, g.Functions[len(g.Functions)-1], version); err != nil {
				return nil, err
			}
		case tagArcs:
			logger.Trace("parsing gcno arcs element")
			if len(g.Functions) == 0 {
				continue
			}
			if err := readArcs(r, g.Functions[len(g.Functions)-1]); err != nil {
				return nil, err
			}
		case tagLines:
			logger.Trace("parsing gcno lines element")
			if len(g.Functions) == 0 {
				continue
			}
			if err := readLines(r, g.Functions[len(g.Functions)-1], version); err != nil {
				return nil, err
			}
		default:
			logger.Warn("unrecognized element tag %#x found in gcno file", tag)
			if err := skipRecord(r, version); err != nil {
				return nil, err
			}
		}
	}

	return g, nil
}

// skipRecord discards one length-prefixed record body, applying the
// word/byte scaling rule in effect before/after format version 130.
func skipRecord(r *reader.Reader, version uint32) error {
	length, err := r.U32()
	if err != nil {
		return wrapReaderErr(err)
	}
	n := int(length)
	if version < 130 {
		n *= 4
	}
	if err := r.Discard(n); err != nil {
		return wrapReaderErr(err)
	}
	return nil
}

func readFunction(r *reader.Reader, version uint32) (*Function, error) {
	length, err := r.U32()
	if err != nil {
		return nil, wrapReaderErr(err)
	}
	n := int(length)
	if version < 130 {
		n *= 4
	}

	body, err := r.Bytes(n)
	if err != nil {
		return nil, wrapReaderErr(err)
	}
	sub := reader.New(body)

	fn := &Function{Lines: make(map[uint32]uint64)}

	if fn.Ident, err = sub.U32(); err != nil {
		return nil, wrapReaderErr(err)
	}
	if fn.LineChecksum, err = sub.U32(); err != nil {
		return nil, wrapReaderErr(err)
	}
	if version >= 47 {
		v, err := sub.U32()
		if err != nil {
			return nil, wrapReaderErr(err)
		}
		fn.CfgChecksum = &v
	}
	if fn.Name, err = sub.String(version); err != nil {
		return nil, wrapReaderErr(err)
	}
	if version >= 80 {
		v, err := sub.U32()
		if err != nil {
			return nil, wrapReaderErr(err)
		}
		fn.Artificial = &v
	}
	if fn.FileName, err = sub.String(version); err != nil {
		return nil, wrapReaderErr(err)
	}
	if fn.StartLine, err = sub.U32(); err != nil {
		return nil, wrapReaderErr(err)
	}
	if version >= 80 {
		startCol, err := sub.U32()
		if err != nil {
			return nil, wrapReaderErr(err)
		}
		endLine, err := sub.U32()
		if err != nil {
			return nil, wrapReaderErr(err)
		}
		endCol, err := sub.U32()
		if err != nil {
			return nil, wrapReaderErr(err)
		}
		fn.StartCol, fn.EndLine, fn.EndCol = &startCol, &endLine, &endCol
	}

	if err := sub.Finish(); err != nil {
		return nil, wrapReaderErr(err)
	}

	return fn, nil
}

func readBlocks(r *reader.Reader, fn *Function, version uint32) error {
	// For version >= 80 the outer length field is informational only and the
	// block count follows as a separate field. Before version 80 the length
	// field is itself the block count, followed by one flag word per block.
	length, err := r.U32()
	if err != nil {
		return wrapReaderErr(err)
	}

	if version >= 80 {
		count, err := r.U32()
		if err != nil {
			return wrapReaderErr(err)
		}
		for i := 0; i < int(count); i++ {
			fn.Blocks = append(fn.Blocks, newBlock(i))
		}
		return nil
	}

	for i := 0; i < int(length); i++ {
		if _, err := r.U32(); err != nil { // per-block flags, discarded
			return wrapReaderErr(err)
		}
		fn.Blocks = append(fn.Blocks, newBlock(i))
	}
	return nil
}

func readArcs(r *reader.Reader, fn *Function) error {
	length, err := r.U32()
	if err != nil {
		return wrapReaderErr(err)
	}
	words := int(length) / 4
	if words < 1 {
		return &Error{Kind: ErrInsufficientBytes}
	}
	count := (words - 1) / 2

	srcID, err := r.U32()
	if err != nil {
		return wrapReaderErr(err)
	}
	if int(srcID) >= len(fn.Blocks) {
		return valueErr("block id exceeded total block count in arcs")
	}
	block := fn.Blocks[srcID]

	for i := 0; i < count; i++ {
		dst, err := r.U32()
		if err != nil {
			return wrapReaderErr(err)
		}
		flags, err := r.U32()
		if err != nil {
			return wrapReaderErr(err)
		}

		edgeIdx := len(fn.Edges)
		fn.Edges = append(fn.Edges, &Edge{Src: int(srcID), Dst: int(dst), Flags: flags})

		insertSortedByDst(fn, block, edgeIdx)
		fn.Blocks[dst].InEdges = append(fn.Blocks[dst].InEdges, edgeIdx)

		if flags&ArcOnTree == 0 {
			fn.RealEdgeCount++
		}
	}

	return nil
}

// insertSortedByDst inserts edgeIdx into block.OutEdges keeping the list
// sorted by the destination block id of the referenced edge (spec.md
// invariant: out_edges[b] is sorted by destination block id).
func insertSortedByDst(fn *Function, block *Block, edgeIdx int) {
	dst := fn.Edges[edgeIdx].Dst
	i := sort.Search(len(block.OutEdges), func(i int) bool {
		return fn.Edges[block.OutEdges[i]].Dst >= dst
	})
	block.OutEdges = append(block.OutEdges, 0)
	copy(block.OutEdges[i+1:], block.OutEdges[i:])
	block.OutEdges[i] = edgeIdx
}

func readLines(r *reader.Reader, fn *Function, version uint32) error {
	if _, err := r.U32(); err != nil { // outer length, unused
		return wrapReaderErr(err)
	}
	blockID, err := r.U32()
	if err != nil {
		return wrapReaderErr(err)
	}
	if int(blockID) >= len(fn.Blocks) {
		return valueErr("block id exceeded total block count in lines")
	}
	block := fn.Blocks[blockID]

	lineInFile := false
	for {
		line, err := r.U32()
		if err != nil {
			return wrapReaderErr(err)
		}
		if line == 0 {
			filename, err := r.String(version)
			if err != nil {
				return wrapReaderErr(err)
			}
			if filename == "" {
				break
			}
			lineInFile = filename == fn.FileName
			continue
		}

		if !lineInFile {
			continue
		}
		if version >= 80 {
			if fn.EndLine == nil {
				return valueErr("missing end line despite version indicating presence")
			}
			if line < fn.StartLine || line > *fn.EndLine {
				continue
			}
		}

		fn.Lines[line] = 0
		block.Lines[line] = struct{}{}
		if line > block.LineMax {
			block.LineMax = line
		}
	}

	return nil
}
