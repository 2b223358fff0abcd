// SPDX-License-Identifier: MIT
package merge

import (
	"math"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openscribe/scribed/internal/model"
)

// twoChunks builds the minimal overlapping geometry: [0,300] and [285,600].
func twoChunks() []model.Chunk {
	return []model.Chunk{
		{Index: 0, Start: 0, End: 300},
		{Index: 1, Start: 285, End: 600, Overlap: 15},
	}
}

// manyChunks builds n chunks with stride 300 and overlap 15 so the merger
// takes the timestamp-join path.
func manyChunks(n int) []model.Chunk {
	chunks := make([]model.Chunk, n)
	start := 0.0
	for i := 0; i < n; i++ {
		c := model.Chunk{Index: i, Start: start, End: start + 300}
		if i > 0 {
			c.Overlap = 15
		}
		chunks[i] = c
		start = c.End - 15
	}
	return chunks
}

func TestSingleChunkPassThrough(t *testing.T) {
	m := &Merger{MinSilenceGap: 0.5}
	chunks := []model.Chunk{{Index: 0, Start: 0, End: 90}}
	segs := [][]model.Segment{{
		{Start: 1, End: 3, Text: "hello"},
		{Start: 4, End: 6, Text: "world"},
	}}

	res, err := m.Merge(chunks, segs, 90)
	require.NoError(t, err)
	require.Len(t, res.Segments, 2)
	assert.Equal(t, "hello world", res.Text)
	assert.Equal(t, 0, res.Dropped)
}

func TestAbsolutiseShiftsByChunkStart(t *testing.T) {
	m := &Merger{}
	chunks := twoChunks()
	segs := [][]model.Segment{
		{{Start: 10, End: 20, Text: "first"}},
		{{Start: 30, End: 40, Text: "second"}}, // abs 315..325
	}

	res, err := m.Merge(chunks, segs, 600)
	require.NoError(t, err)
	require.Len(t, res.Segments, 2)
	assert.Equal(t, 10.0, res.Segments[0].Start)
	assert.Equal(t, 315.0, res.Segments[1].Start)
}

func TestTimestampJoinPrefersSuccessor(t *testing.T) {
	n := 10
	chunks := manyChunks(n)
	duration := chunks[n-1].End

	perChunk := make([][]model.Segment, n)
	for i := range perChunk {
		perChunk[i] = []model.Segment{
			{Start: 5, End: 8, Text: "body"},
		}
	}
	// Chunk 0 also rendered the shared region past chunk 1's start; the
	// successor's version must win.
	perChunk[0] = append(perChunk[0], model.Segment{Start: 290, End: 295, Text: "dup from predecessor"})
	perChunk[1] = append([]model.Segment{{Start: 6, End: 9, Text: "dup from successor"}}, perChunk[1]...)

	m := &Merger{}
	res, err := m.Merge(chunks, perChunk, duration)
	require.NoError(t, err)

	for _, s := range res.Segments {
		assert.NotEqual(t, "dup from predecessor", s.Text)
	}
	assert.Contains(t, res.Text, "dup from successor")
}

func TestLexicalJoinDropsSharedWords(t *testing.T) {
	chunks := twoChunks()
	perChunk := [][]model.Segment{
		{
			{Start: 10, End: 15, Text: "unique opening words"},
			{Start: 287, End: 292, Text: "the shared tail phrase"}, // abs 287..292, inside overlap
		},
		{
			{Start: 3, End: 8, Text: "The shared tail phrase."}, // abs 288..293
			{Start: 30, End: 35, Text: "unique closing words"},
		},
	}

	m := &Merger{}
	res, err := m.Merge(chunks, perChunk, 600)
	require.NoError(t, err)

	count := 0
	for _, s := range res.Segments {
		if s.Text == "The shared tail phrase." {
			count++
		}
		assert.NotEqual(t, "the shared tail phrase", s.Text, "predecessor duplicate must be dropped")
	}
	assert.Equal(t, 1, count, "successor rendering survives exactly once")
}

func TestLexicalJoinKeepsPartialTail(t *testing.T) {
	chunks := twoChunks()
	perChunk := [][]model.Segment{
		{{Start: 286, End: 294, Text: "brand new words then shared part"}},
		{{Start: 5, End: 9, Text: "shared part"}}, // abs 290..294
	}

	m := &Merger{}
	res, err := m.Merge(chunks, perChunk, 600)
	require.NoError(t, err)

	assert.Contains(t, res.Text, "brand new words then")
	assert.NotContains(t, res.Text, "shared part shared part")
}

func TestCanonicaliseNudgesResidualOverlap(t *testing.T) {
	m := &Merger{}
	chunks := []model.Chunk{{Index: 0, Start: 0, End: 90}}
	perChunk := [][]model.Segment{{
		{Start: 1, End: 5.04, Text: "a"},
		{Start: 5, End: 9, Text: "b"},
	}}

	res, err := m.Merge(chunks, perChunk, 90)
	require.NoError(t, err)
	require.Len(t, res.Segments, 2)
	assert.LessOrEqual(t, res.Segments[0].End, res.Segments[1].Start)
}

func TestCanonicaliseCountsOverlapBeyondTolerance(t *testing.T) {
	within := []model.Segment{
		{Start: 1, End: 5.04, Text: "a"},
		{Start: 5, End: 9, Text: "b"},
	}
	out, dropped, missed := canonicalise(within)
	require.Len(t, out, 2)
	assert.Zero(t, dropped)
	assert.Zero(t, missed, "a 40 ms overlap is expected join residue")
	assert.Equal(t, out[1].Start, out[0].End)

	beyond := []model.Segment{
		{Start: 1, End: 7, Text: "a"},
		{Start: 5, End: 9, Text: "b"},
	}
	out, dropped, missed = canonicalise(beyond)
	require.Len(t, out, 2)
	assert.Zero(t, dropped)
	assert.Equal(t, 1, missed, "a 2 s overlap is a dedup miss")
	assert.Equal(t, out[1].Start, out[0].End, "the overlap is still nudged away")
}

func TestCanonicaliseDropsCollapsedSegment(t *testing.T) {
	m := &Merger{}
	chunks := []model.Chunk{{Index: 0, Start: 0, End: 90}}
	perChunk := [][]model.Segment{{
		{Start: 5, End: 5.02, Text: "swallowed"},
		{Start: 5, End: 9, Text: "keeper"},
	}}

	res, err := m.Merge(chunks, perChunk, 90)
	require.NoError(t, err)
	require.Len(t, res.Segments, 1)
	assert.Equal(t, "keeper", res.Segments[0].Text)
	assert.Equal(t, 1, res.Dropped)
}

func TestNaNSegmentsDroppedNonFatally(t *testing.T) {
	m := &Merger{}
	chunks := []model.Chunk{{Index: 0, Start: 0, End: 90}}
	perChunk := [][]model.Segment{{
		{Start: math.NaN(), End: 5, Text: "broken"},
		{Start: 1, End: 3, Text: "fine"},
	}}

	res, err := m.Merge(chunks, perChunk, 90)
	require.NoError(t, err)
	require.Len(t, res.Segments, 1)
	assert.Equal(t, "fine", res.Segments[0].Text)
	assert.Equal(t, 1, res.Dropped)
}

func TestEmptyChunksTolerated(t *testing.T) {
	m := &Merger{}
	chunks := twoChunks()
	perChunk := [][]model.Segment{nil, nil}

	res, err := m.Merge(chunks, perChunk, 600)
	require.NoError(t, err)
	assert.Empty(t, res.Segments)
	assert.Equal(t, "", res.Text)
}

func TestStructuralViolationIsFatal(t *testing.T) {
	m := &Merger{}
	chunks := []model.Chunk{{Index: 0, Start: 0, End: 500}} // does not cover 600

	_, err := m.Merge(chunks, [][]model.Segment{nil}, 600)
	require.Error(t, err)

	reason, _ := model.ClassifyReason(err)
	assert.Equal(t, model.RMerge, reason)
	assert.False(t, reason.Retryable())
}

func TestMismatchedListCountIsFatal(t *testing.T) {
	m := &Merger{}
	_, err := m.Merge(twoChunks(), [][]model.Segment{nil}, 600)
	assert.Error(t, err)
}

func TestParagraphBreakAtChunkBoundaryAfterSilence(t *testing.T) {
	m := &Merger{MinSilenceGap: 0.5}
	chunks := twoChunks()
	perChunk := [][]model.Segment{
		{{Start: 10, End: 290, Text: "part one"}},
		{{Start: 20, End: 30, Text: "part two"}}, // abs 305, gap 15s spans the boundary at 300
	}

	res, err := m.Merge(chunks, perChunk, 600)
	require.NoError(t, err)
	assert.Equal(t, "part one\n\npart two", res.Text)
}

func TestNoParagraphBreakWithoutSilenceGap(t *testing.T) {
	m := &Merger{MinSilenceGap: 0.5}
	chunks := twoChunks()
	perChunk := [][]model.Segment{
		{{Start: 10, End: 299.9, Text: "part one"}},
		{{Start: 15, End: 25, Text: "part two"}}, // abs 300.0, no gap
	}

	res, err := m.Merge(chunks, perChunk, 600)
	require.NoError(t, err)
	assert.Equal(t, "part one part two", res.Text)
}

func TestMergeIsDeterministic(t *testing.T) {
	chunks := manyChunks(12)
	duration := chunks[len(chunks)-1].End
	perChunk := make([][]model.Segment, len(chunks))
	for i := range perChunk {
		perChunk[i] = []model.Segment{
			{Start: 2, End: 6, Text: "alpha"},
			{Start: 100, End: 110, Text: "beta"},
			{Start: 288, End: 292, Text: "gamma"},
		}
	}

	m := &Merger{MinSilenceGap: 0.5}
	first, err := m.Merge(chunks, perChunk, duration)
	require.NoError(t, err)
	second, err := m.Merge(chunks, perChunk, duration)
	require.NoError(t, err)

	if diff := cmp.Diff(first.Segments, second.Segments); diff != "" {
		t.Fatalf("merge output not deterministic (-first +second):\n%s", diff)
	}
	assert.Equal(t, first.Text, second.Text)
}
