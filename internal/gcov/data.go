package gcov

import (
	"github.com/quikcov/quikcov/internal/logger"
	"github.com/quikcov/quikcov/internal/reader"
)

// DataSession binds one decoded NoteGraph to an accumulator that absorbs
// .gcda data blobs over the lifetime of a fuzzing/testing run. Each call to
// AddData folds one blob's counters into the graph; Build produces an
// immutable snapshot without disturbing the session, so it remains usable
// for further folds.
type DataSession struct {
	graph       *NoteGraph
	currentFnIx int // index into graph.Functions, -1 if none active
	runCounts   uint32
	programRuns uint32
}

// NewDataSession creates a session that owns graph exclusively.
func NewDataSession(graph *NoteGraph) *DataSession {
	return &DataSession{graph: graph, currentFnIx: -1}
}

// Graph returns the note graph this session decodes data against.
func (s *DataSession) Graph() *NoteGraph { return s.graph }

// RunCounts returns the advisory total execution count accumulated from
// OBJECT_SUMMARY and PROGRAM_SUMMARY records across every folded .gcda blob.
func (s *DataSession) RunCounts() uint32 { return s.runCounts }

// ProgramRuns returns the number of PROGRAM_SUMMARY records seen, one per
// complete process execution that flushed coverage data.
func (s *DataSession) ProgramRuns() uint32 { return s.programRuns }

// AddData folds one .gcda byte slice's counters into the session's graph.
func (s *DataSession) AddData(data []byte) error {
	r := reader.New(data)

	kind, err := r.MagicNumber()
	if err != nil {
		return wrapReaderErr(err)
	}
	if kind != reader.KindGcda {
		return valueErr("file type gcda needed but gcno found")
	}

	version, err := r.Version()
	if err != nil {
		return wrapReaderErr(err)
	}
	if version != s.graph.Version {
		return &Error{Kind: ErrVersionMismatch}
	}

	checksum, err := r.U32()
	if err != nil {
		return wrapReaderErr(err)
	}
	if checksum != s.graph.Checksum {
		return &Error{Kind: ErrChecksum}
	}

	s.currentFnIx = -1

	for !r.IsEmpty() {
		tag, err := r.U32()
		if err != nil {
			return wrapReaderErr(err)
		}

		switch tag {
		case tagFunction:
			if err := s.readFunction(r, version); err != nil {
				return err
			}
		case tagCounterArcs:
			if err := s.readCounterArcs(r); err != nil {
				return err
			}
		case tagObjectSummary:
			if err := s.readObjectSummary(r, version); err != nil {
				return err
			}
		case tagProgramSummary:
			if err := s.readProgramSummary(r, version); err != nil {
				return err
			}
		case 0:
			if !r.IsEmpty() {
				logger.Error("element tag 0 reached yet .gcda file had trailing bytes")
				return &Error{Kind: ErrTrailingBytes}
			}
			return nil
		default:
			logger.Warn("unrecognized element tag %#x found in gcda file", tag)
			if err := skipRecord(r, version); err != nil {
				return err
			}
		}
	}

	return nil
}

func (s *DataSession) readFunction(r *reader.Reader, version uint32) error {
	logger.Trace("parsing gcda function element")
	length, err := r.U32()
	if err != nil {
		return wrapReaderErr(err)
	}
	if length == 0 {
		logger.Warn("empty function element (length = 0)")
		s.currentFnIx = -1
		return nil
	}
	if length != 3 {
		return &Error{Kind: ErrLength}
	}

	functionID, err := r.U32()
	if err != nil {
		return wrapReaderErr(err)
	}
	lineChecksum, err := r.U32()
	if err != nil {
		return wrapReaderErr(err)
	}
	var cfgChecksum *uint32
	if version >= 47 {
		v, err := r.U32()
		if err != nil {
			return wrapReaderErr(err)
		}
		cfgChecksum = &v
	}

	idx, ok := s.graph.identToIndex[functionID]
	if !ok {
		return valueErr("invalid function identifier--does not map to any function in corresponding gcno file")
	}
	fn := s.graph.Functions[idx]

	if lineChecksum != fn.LineChecksum || !checksumsEqual(cfgChecksum, fn.CfgChecksum) {
		return &Error{Kind: ErrChecksum}
	}

	s.currentFnIx = idx
	return nil
}

func checksumsEqual(a, b *uint32) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func (s *DataSession) readCounterArcs(r *reader.Reader) error {
	logger.Trace("parsing gcda arcs element")
	length, err := r.U32()
	if err != nil {
		return wrapReaderErr(err)
	}

	if s.currentFnIx < 0 {
		// No active function: discard the counters, nowhere to put them.
		return r.Discard(int(length) * 4)
	}
	fn := s.graph.Functions[s.currentFnIx]

	if fn.RealEdgeCount != int(length)/2 {
		return valueErr("incorrect number of edges found for function in gcda")
	}

	for _, edge := range fn.Edges {
		if edge.OnTree() {
			continue
		}
		counter, err := r.U64()
		if err != nil {
			return wrapReaderErr(err)
		}
		edge.Counter += counter
		fn.Blocks[edge.Src].Counter += counter
	}

	return nil
}

func (s *DataSession) readObjectSummary(r *reader.Reader, version uint32) error {
	logger.Trace("parsing gcda Object Summary element")
	length, err := summaryLength(r, version)
	if err != nil {
		return err
	}
	if length == 0 {
		logger.Warn("Object Summary element contained no bytes")
		return nil
	}

	body, err := r.Bytes(length)
	if err != nil {
		return wrapReaderErr(err)
	}
	sr := reader.New(body)

	runCounts, err := sr.U32()
	if err != nil {
		return wrapReaderErr(err)
	}
	if _, err := sr.U32(); err != nil { // unused field
		return wrapReaderErr(err)
	}

	if length == 9 {
		v, err := sr.U32()
		if err != nil {
			return wrapReaderErr(err)
		}
		s.runCounts += v
	} else {
		s.runCounts += runCounts
	}

	if !sr.IsEmpty() {
		logger.Trace("Object Summary element contained excess unread bytes")
	}
	return nil
}

func (s *DataSession) readProgramSummary(r *reader.Reader, version uint32) error {
	logger.Trace("parsing gcda program summary element")
	length, err := summaryLength(r, version)
	if err != nil {
		return err
	}
	if length == 0 {
		logger.Warn("Program Summary element contained no bytes")
		return nil
	}

	body, err := r.Bytes(length)
	if err != nil {
		return wrapReaderErr(err)
	}
	sr := reader.New(body)

	if _, err := sr.U32(); err != nil { // unused
		return wrapReaderErr(err)
	}
	if _, err := sr.U32(); err != nil { // unused
		return wrapReaderErr(err)
	}
	v, err := sr.U32()
	if err != nil {
		return wrapReaderErr(err)
	}
	s.runCounts += v
	s.programRuns++

	if !sr.IsEmpty() {
		logger.Trace("Program Summary element contained excess unread bytes")
	}
	return nil
}

func summaryLength(r *reader.Reader, version uint32) (int, error) {
	length, err := r.U32()
	if err != nil {
		return 0, wrapReaderErr(err)
	}
	n := int(length)
	if version < 130 {
		n *= 4
	}
	return n, nil
}

// Build finalizes a clone of the session's note graph into an immutable
// ProgCoverage snapshot, leaving the session itself untouched so it can
// absorb further data blobs.
func (s *DataSession) Build() (*ProgCoverage, error) {
	clone := cloneGraph(s.graph)

	if err := completeSpanningTree(clone); err != nil {
		return nil, err
	}
	accountLines(clone)

	files := make(map[string]*FileCoverage)

	for _, fn := range clone.Functions {
		lines := make([]LineCoverage, 0, len(fn.Lines))
		for lineno, count := range fn.Lines {
			lines = append(lines, LineCoverage{Lineno: lineno, ExecCount: count})
		}

		blocks := make([]uint64, len(fn.Blocks))
		executedBlocks := 0
		for i, b := range fn.Blocks {
			blocks[i] = b.Counter
			if b.Counter > 0 {
				executedBlocks++
			}
		}

		fc := &FnCoverage{
			StartLine:      fn.StartLine,
			StartCol:       fn.StartCol,
			EndLine:        fn.EndLine,
			EndCol:         fn.EndCol,
			ExecutedBlocks: executedBlocks,
			TotalBlocks:    len(fn.Blocks),
			Lines:          lines,
			Blocks:         blocks,
		}

		file, ok := files[fn.FileName]
		if !ok {
			file = &FileCoverage{Fns: make(map[string]*FnCoverage)}
			files[fn.FileName] = file
		}
		if _, exists := file.Fns[fn.Name]; exists {
			return nil, valueErr("collision in function names for a given file")
		}
		file.Fns[fn.Name] = fc
	}

	return &ProgCoverage{Cwd: clone.Cwd, Files: files}, nil
}

// cloneGraph performs the deep copy that lets Build finalize a disposable
// working copy of the graph without mutating the live session.
func cloneGraph(g *NoteGraph) *NoteGraph {
	clone := &NoteGraph{
		Version:      g.Version,
		Checksum:     g.Checksum,
		Cwd:          g.Cwd,
		identToIndex: g.identToIndex,
		Functions:    make([]*Function, len(g.Functions)),
	}
	for i, fn := range g.Functions {
		clone.Functions[i] = cloneFunction(fn)
	}
	return clone
}

func cloneFunction(fn *Function) *Function {
	nf := &Function{
		Ident:         fn.Ident,
		LineChecksum:  fn.LineChecksum,
		CfgChecksum:   fn.CfgChecksum,
		Name:          fn.Name,
		FileName:      fn.FileName,
		StartLine:     fn.StartLine,
		StartCol:      fn.StartCol,
		EndLine:       fn.EndLine,
		EndCol:        fn.EndCol,
		Artificial:    fn.Artificial,
		RealEdgeCount: fn.RealEdgeCount,
		Lines:         make(map[uint32]uint64, len(fn.Lines)),
		Edges:         make([]*Edge, len(fn.Edges)),
		Blocks:        make([]*Block, len(fn.Blocks)),
	}
	for k, v := range fn.Lines {
		nf.Lines[k] = v
	}
	for i, e := range fn.Edges {
		ec := *e
		nf.Edges[i] = &ec
	}
	for i, b := range fn.Blocks {
		nb := &Block{
			ID:       b.ID,
			InEdges:  append([]int(nil), b.InEdges...),
			OutEdges: append([]int(nil), b.OutEdges...),
			Lines:    make(map[uint32]struct{}, len(b.Lines)),
			LineMax:  b.LineMax,
			Counter:  b.Counter,
		}
		for k := range b.Lines {
			nb.Lines[k] = struct{}{}
		}
		nf.Blocks[i] = nb
	}
	return nf
}

// completeSpanningTree adds the synthetic sink->source edge that closes the
// compiler's spanning tree and runs Kirchhoff propagation over it, exactly
// as spec.md §4.3 step 1/2 describe.
func completeSpanningTree(g *NoteGraph) error {
	for _, fn := range g.Functions {
		if len(fn.Blocks) < 2 {
			continue
		}

		srcID := 0
		sinkID := 1
		if g.Version < 48 {
			sinkID = len(fn.Blocks) - 1
		}

		edgeIdx := len(fn.Edges)
		fn.Edges = append(fn.Edges, &Edge{Src: sinkID, Dst: srcID, Flags: ArcOnTree})

		if sinkID >= len(fn.Blocks) || srcID >= len(fn.Blocks) {
			return valueErr("internal: error indexing sink/src block while accounting for on-tree arcs")
		}
		sinkBlock := fn.Blocks[sinkID]
		insertSortedByDst(fn, sinkBlock, edgeIdx)
		srcBlock := fn.Blocks[srcID]
		srcBlock.InEdges = append(srcBlock.InEdges, edgeIdx)

		visited := make(map[int]bool, len(fn.Blocks))
		for blockID := range fn.Blocks {
			propagateCounts(fn.Blocks, fn.Edges, blockID, -1, visited)
		}

		for i := len(fn.Edges) - 1; i >= 0; i-- {
			edge := fn.Edges[i]
			if edge.OnTree() {
				fn.Blocks[edge.Src].Counter += edge.Counter
			}
		}
	}
	return nil
}

// propagateCounts recursively derives the unique counter for each on-tree
// edge from Kirchhoff's circuit law: for any block, the sum of incoming
// edge counts equals the sum of outgoing edge counts. predEdge is the edge
// index the recursion arrived through, or -1 at the top level.
func propagateCounts(blocks []*Block, edges []*Edge, blockNo int, predEdge int, visited map[int]bool) uint64 {
	if visited[blockNo] {
		return 0
	}
	visited[blockNo] = true

	block := blocks[blockNo]
	var pos, neg uint64

	for _, edgeID := range block.InEdges {
		if edgeID == predEdge {
			continue
		}
		edge := edges[edgeID]
		if edge.OnTree() {
			pos += propagateCounts(blocks, edges, edge.Src, edgeID, visited)
		} else {
			pos += edge.Counter
		}
	}
	for _, edgeID := range block.OutEdges {
		if edgeID == predEdge {
			continue
		}
		edge := edges[edgeID]
		if edge.OnTree() {
			neg += propagateCounts(blocks, edges, edge.Dst, edgeID, visited)
		} else {
			neg += edge.Counter
		}
	}

	var excess uint64
	if pos >= neg {
		excess = pos - neg
	} else {
		excess = neg - pos
	}

	if predEdge >= 0 {
		edges[predEdge].Counter = excess
	}
	return excess
}

// accountLines applies spec.md §4.3 step 4: a function not executed gets
// every one of its lines recorded at zero; an executed function's line
// counts are the sum of the counters of every block that touches that
// line. This is the "deliberately simple" heuristic the spec calls out in
// §9 — it overcounts lines spanned by multiple blocks.
func accountLines(g *NoteGraph) {
	for _, fn := range g.Functions {
		fn.Executed = len(fn.Edges) > 0 && fn.Edges[0].Counter > 0

		if !fn.Executed {
			for _, block := range fn.Blocks {
				for line := range block.Lines {
					if _, ok := fn.Lines[line]; !ok {
						fn.Lines[line] = 0
					}
				}
			}
			continue
		}

		lineCounts := make(map[uint32]uint64, len(fn.Blocks))
		for _, block := range fn.Blocks {
			for line := range block.Lines {
				lineCounts[line] += block.Counter
			}
		}
		for line, count := range lineCounts {
			fn.Lines[line] = count
		}
	}
}
