// SPDX-License-Identifier: MIT

// Package merge turns per-chunk, chunk-local segment lists into one
// globally-timestamped transcript. Overlap duplicates between adjacent
// chunks are resolved by a timestamp join for long recordings and a lexical
// join for short ones.
package merge

import (
	"math"
	"sort"
	"strings"

	"github.com/openscribe/scribed/internal/log"
	"github.com/openscribe/scribed/internal/model"
	"github.com/openscribe/scribed/internal/segment"
)

// lexicalJoinLimit is the chunk count below which the O(m*n) lexical join is
// used. Above it the linear timestamp join wins on both cost and accuracy.
const lexicalJoinLimit = 10

// overlapTolerance is the residual overlap (seconds) that canonicalise will
// nudge away rather than treat as a dedup miss.
const overlapTolerance = 0.05

// Result is the merger output for one job.
type Result struct {
	Segments []model.Segment
	Text     string
	// Dropped counts segments discarded for NaN or collapsed timestamps.
	Dropped int
}

// Merger combines decoded chunks. MinSilenceGap controls paragraph breaks in
// the assembled text.
type Merger struct {
	MinSilenceGap float64
}

// Merge validates the chunk geometry, absolutises segment times, resolves
// overlap duplicates, and assembles the final transcript. Output is total
// and deterministic for a given input.
func (m *Merger) Merge(chunks []model.Chunk, perChunk [][]model.Segment, duration float64) (*Result, error) {
	if err := segment.Validate(chunks, duration); err != nil {
		return nil, err
	}
	if len(perChunk) != len(chunks) {
		return nil, model.NewReasonError(model.RMerge, "segment list count does not match chunk count", nil)
	}

	dropped := 0
	abs := make([][]model.Segment, len(chunks))
	for i, c := range chunks {
		abs[i] = make([]model.Segment, 0, len(perChunk[i]))
		for _, s := range perChunk[i] {
			s.Start += c.Start
			s.End += c.Start
			if !finite(s) {
				dropped++
				continue
			}
			abs[i] = append(abs[i], s)
		}
		sortSegments(abs[i])
	}

	if len(chunks) >= lexicalJoinLimit {
		timestampJoin(chunks, abs)
	} else {
		lexicalJoin(chunks, abs)
	}

	var all []model.Segment
	for _, segs := range abs {
		all = append(all, segs...)
	}
	sortSegments(all)

	final, nudgeDropped, missed := canonicalise(all)
	dropped += nudgeDropped
	if dropped > 0 || missed > 0 {
		l := log.WithComponent("merge")
		if dropped > 0 {
			l.Warn().Int("dropped", dropped).Msg("segments dropped during merge")
		}
		if missed > 0 {
			l.Warn().Int("overlaps", missed).Msg("residual overlap beyond tolerance, possible dedup miss")
		}
	}

	return &Result{
		Segments: final,
		Text:     assembleText(final, chunks, m.MinSilenceGap),
		Dropped:  dropped,
	}, nil
}

// timestampJoin discards from each chunk any segment that starts after the
// successor chunk begins. The successor's rendering of the shared region is
// preferred because its chunk boundary was snapped to silence.
func timestampJoin(chunks []model.Chunk, abs [][]model.Segment) {
	for i := 0; i < len(chunks)-1; i++ {
		cut := chunks[i+1].Start
		kept := abs[i][:0]
		for _, s := range abs[i] {
			if s.Start > cut {
				continue
			}
			kept = append(kept, s)
		}
		abs[i] = kept
	}
}

// canonicalise re-sorts and enforces end_i <= start_{i+1} by pulling end_i
// down; segments whose extent collapses are dropped. Overlaps larger than
// overlapTolerance mean the join left a duplicate behind, so they are
// counted separately for the caller to surface.
func canonicalise(segs []model.Segment) ([]model.Segment, int, int) {
	sortSegments(segs)

	dropped, missed := 0, 0
	out := make([]model.Segment, 0, len(segs))
	for _, s := range segs {
		if len(out) > 0 {
			prev := &out[len(out)-1]
			if prev.End > s.Start {
				if prev.End-s.Start > overlapTolerance {
					missed++
				}
				prev.End = s.Start
				if prev.End-prev.Start <= 0 {
					out = out[:len(out)-1]
					dropped++
				}
			}
		}
		out = append(out, s)
	}
	return out, dropped, missed
}

// assembleText joins segment texts with single spaces, inserting a paragraph
// break where a chunk boundary falls inside an inter-segment silence gap
// longer than minGap.
func assembleText(segs []model.Segment, chunks []model.Chunk, minGap float64) string {
	if len(segs) == 0 {
		return ""
	}

	boundaries := make([]float64, 0, len(chunks))
	for i := 0; i < len(chunks)-1; i++ {
		boundaries = append(boundaries, chunks[i].End)
	}

	var b strings.Builder
	for i, s := range segs {
		if i > 0 {
			if paragraphBreak(segs[i-1], s, boundaries, minGap) {
				b.WriteString("\n\n")
			} else {
				b.WriteByte(' ')
			}
		}
		b.WriteString(s.Text)
	}
	return b.String()
}

func paragraphBreak(prev, cur model.Segment, boundaries []float64, minGap float64) bool {
	if minGap <= 0 || cur.Start-prev.End <= minGap {
		return false
	}
	for _, bd := range boundaries {
		if bd >= prev.End && bd <= cur.Start {
			return true
		}
	}
	return false
}

// sortSegments orders by (start, end, text) so ties resolve the same way on
// every run.
func sortSegments(segs []model.Segment) {
	sort.SliceStable(segs, func(a, b int) bool {
		if segs[a].Start != segs[b].Start {
			return segs[a].Start < segs[b].Start
		}
		if segs[a].End != segs[b].End {
			return segs[a].End < segs[b].End
		}
		return segs[a].Text < segs[b].Text
	})
}

func finite(s model.Segment) bool {
	for _, v := range []float64{s.Start, s.End} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return s.End >= s.Start
}
