package gcov

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// version47Tag packs format version 47: the narrow band where cfg_checksum
// is present (version >= 47) but the synthetic spanning-tree edge still
// sinks into the last block rather than block 1 (version < 48) -- the
// shape scenario (A) in the coverage build properties is specified against.
var version47Tag = []byte("*704")

func buildStraightLineGcno() []byte {
	functionBody := concatAll(
		u32le(1),             // ident
		u32le(0x1111),        // line checksum
		u32le(0x2222),        // cfg checksum (version >= 47)
		strFieldWords("f"),   // name
		strFieldWords("a.c"), // filename
		u32le(1),             // start line
	)
	functionRecord := concatAll(tagBytes(tagFunction), lenPrefixedWords(functionBody))

	blocksBody := concatAll(u32le(0), u32le(0), u32le(0)) // 3 blocks, per-block flags discarded (version < 80)
	blocksRecord := concatAll(tagBytes(tagBlocks), u32le(3) /* length = block count (version < 80) */, blocksBody)

	arcsFrom0Body := concatAll(u32le(0), u32le(1), u32le(0)) // src=0, dst=1, off-tree
	arcsFrom0 := concatAll(tagBytes(tagArcs), u32le(uint32(len(arcsFrom0Body))), arcsFrom0Body)

	arcsFrom1Body := concatAll(u32le(1), u32le(2), u32le(0)) // src=1, dst=2, off-tree
	arcsFrom1 := concatAll(tagBytes(tagArcs), u32le(uint32(len(arcsFrom1Body))), arcsFrom1Body)

	return concatAll(
		[]byte("gcno"),
		version47Tag,
		u32le(0xcafef00d),
		functionRecord,
		blocksRecord,
		arcsFrom0,
		arcsFrom1,
		u32le(0),
	)
}

func buildStraightLineGcda(c0, c1 uint64) []byte {
	functionBody := concatAll(u32le(1), u32le(0x1111), u32le(0x2222))
	functionRecord := concatAll(tagBytes(tagFunction), u32le(3), functionBody)

	counterArcsBody := concatAll(u64le(c0), u64le(c1))
	counterArcsRecord := concatAll(tagBytes(tagCounterArcs), u32le(4) /* 2 u64s = 4 words */, counterArcsBody)

	return concatAll([]byte("gcda"), version47Tag, u32le(0xcafef00d), functionRecord, counterArcsRecord, u32le(0))
}

// Scenario A: a 3-block straight-line function (entry=0, internal=1, exit=2)
// whose two real edges both carry off-tree counters; with matching data
// supplying {7, 7}, every block counter converges on 7 via the synthetic
// exit->entry edge that closes the spanning tree.
func TestScenarioA_StraightLineBothEdgesReal(t *testing.T) {
	g, err := DecodeNoteGraph(buildStraightLineGcno())
	require.NoError(t, err)
	require.Equal(t, 2, g.Functions[0].RealEdgeCount)

	session := NewDataSession(g)
	require.NoError(t, session.AddData(buildStraightLineGcda(7, 7)))

	cov, err := session.Build()
	require.NoError(t, err)

	fn := cov.Files["a.c"].Fns["f"]
	assert.Equal(t, []uint64{7, 7, 7}, fn.Blocks)
	assert.Equal(t, 3, fn.ExecutedBlocks)
	assert.Equal(t, 3, fn.TotalBlocks)
}

// Scenario B: identical note file, no data folded at all. Every block
// counter stays zero and the function is considered unexecuted.
func TestScenarioB_NoDataFolded(t *testing.T) {
	g, err := DecodeNoteGraph(buildStraightLineGcno())
	require.NoError(t, err)

	session := NewDataSession(g)
	cov, err := session.Build()
	require.NoError(t, err)

	fn := cov.Files["a.c"].Fns["f"]
	assert.Equal(t, []uint64{0, 0, 0}, fn.Blocks)
	assert.Equal(t, 0, fn.ExecutedBlocks)
}

// Scenario E: a note graph built under one format version must reject data
// built under a different one with VersionMismatch, leaving session state
// untouched -- a later, correctly-versioned blob still folds cleanly.
func TestScenarioE_VersionMismatchLeavesSessionUnchanged(t *testing.T) {
	g, err := DecodeNoteGraph(buildDiamondGcno())
	require.NoError(t, err)
	assert.Equal(t, uint32(80), g.Version)

	mismatched := buildDiamondGcda(5)
	mismatched[5] = '1' // "*008" (v80) -> "*108" (v81)

	session := NewDataSession(g)
	err = session.AddData(mismatched)
	require.Error(t, err)
	assert.ErrorIs(t, err, &Error{Kind: ErrVersionMismatch})

	// A second, well-formed data blob should still be accepted: the failed
	// AddData call must not have corrupted any session-wide state.
	require.NoError(t, session.AddData(buildDiamondGcda(5)))
}

// Scenario F: an unknown tag inside a note file is skipped via the length
// rule (word-scaled below version 130) rather than treated as fatal, and
// parsing continues afterward.
func TestScenarioF_UnknownTagSkippedByLengthRule(t *testing.T) {
	unknownBody := []byte{1, 2, 3, 4, 5, 6, 7, 8} // 2 words of filler
	unknownRecord := concatAll(u32le(0xdead0000), u32le(2) /* 2 words */, unknownBody)

	note := concatAll(
		[]byte("gcno"),
		version47Tag,
		u32le(0xcafef00d),
		unknownRecord,
		u32le(0),
	)

	g, err := DecodeNoteGraph(note)
	require.NoError(t, err)
	assert.Empty(t, g.Functions)
}
