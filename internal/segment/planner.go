// SPDX-License-Identifier: MIT

// Package segment plans how an audio file is cut into overlapping chunks.
// The planner never reads PCM itself; silence snapping goes through a
// SilenceScanner so tests can stub the probe stream.
package segment

import (
	"context"
	"math"

	"github.com/openscribe/scribed/internal/log"
	"github.com/openscribe/scribed/internal/media"
	"github.com/openscribe/scribed/internal/model"
)

// Config is the chunk geometry plus VAD snapping parameters, all seconds.
type Config struct {
	Stride       float64 // nominal chunk length
	Overlap      float64 // shared audio between adjacent chunks
	SearchWindow float64 // silence search radius around each boundary
	MinDuration  float64 // below this, the whole file is one chunk
}

// Planner produces chunk descriptors for a probed audio file.
type Planner struct {
	Config  Config
	Scanner media.SilenceScanner // nil disables snapping
}

// Plan returns the chunk sequence for a file of the given duration.
// Invariants: chunks cover [0, duration]; chunk i starts exactly Overlap
// before chunk i-1 ends; every boundary either sits inside a detected
// silence or at the nominal stride position.
func (p *Planner) Plan(ctx context.Context, path string, duration float64) ([]model.Chunk, error) {
	if duration <= 0 {
		return nil, model.NewReasonError(model.RAudioDecode, "non-positive audio duration", nil)
	}

	if duration < p.Config.MinDuration || duration <= p.Config.Stride {
		return []model.Chunk{{Index: 0, Start: 0, End: duration}}, nil
	}

	var chunks []model.Chunk
	start := 0.0
	for i := 0; ; i++ {
		nominalEnd := start + p.Config.Stride
		if nominalEnd >= duration {
			chunks = append(chunks, p.chunk(i, start, duration))
			break
		}

		end := p.snap(ctx, path, nominalEnd, start, duration)
		chunks = append(chunks, p.chunk(i, start, end))

		next := end - p.Config.Overlap
		if next+p.Config.Overlap >= duration {
			// The remainder is already inside this chunk's tail.
			chunks[len(chunks)-1].End = duration
			break
		}
		start = next
	}
	return chunks, nil
}

func (p *Planner) chunk(i int, start, end float64) model.Chunk {
	overlap := 0.0
	if i > 0 {
		overlap = p.Config.Overlap
	}
	return model.Chunk{Index: i, Start: start, End: end, Overlap: overlap}
}

// snap moves a nominal boundary to the nearest silence midpoint within the
// search window. VAD failure is non-fatal; the boundary stays put.
func (p *Planner) snap(ctx context.Context, path string, nominal, chunkStart, duration float64) float64 {
	if p.Scanner == nil || p.Config.SearchWindow <= 0 {
		return nominal
	}

	from := math.Max(nominal-p.Config.SearchWindow, chunkStart+p.Config.Overlap)
	to := math.Min(nominal+p.Config.SearchWindow, duration)

	intervals, err := p.Scanner.Scan(ctx, path, from, to)
	if err != nil {
		l := log.WithComponent("segment")
		l.Warn().Err(err).
			Float64("boundary", nominal).
			Msg("silence scan failed, boundary unsnapped")
		return nominal
	}
	if len(intervals) == 0 {
		return nominal
	}

	best := nominal
	bestDist := math.Inf(1)
	for _, iv := range intervals {
		mid := iv.Mid()
		if mid <= chunkStart+p.Config.Overlap || mid >= duration {
			continue
		}
		if d := math.Abs(mid - nominal); d < bestDist {
			bestDist = d
			best = mid
		}
	}
	return best
}

// Validate checks chunk-sequence structural invariants. The merger calls
// this before trusting the geometry; a violation is a planner bug and fails
// the job hard.
func Validate(chunks []model.Chunk, duration float64) error {
	if len(chunks) == 0 {
		return model.NewReasonError(model.RMerge, "empty chunk sequence", nil)
	}
	const eps = 1e-6
	if math.Abs(chunks[0].Start) > eps {
		return model.NewReasonError(model.RMerge, "first chunk does not start at zero", nil)
	}
	if math.Abs(chunks[len(chunks)-1].End-duration) > eps {
		return model.NewReasonError(model.RMerge, "last chunk does not end at audio duration", nil)
	}
	for i := 1; i < len(chunks); i++ {
		prev, cur := chunks[i-1], chunks[i]
		if cur.Index != prev.Index+1 {
			return model.NewReasonError(model.RMerge, "chunk indexes not contiguous", nil)
		}
		if cur.Start >= cur.End {
			return model.NewReasonError(model.RMerge, "chunk with non-positive extent", nil)
		}
		if math.Abs(prev.End-cur.Overlap-cur.Start) > eps {
			return model.NewReasonError(model.RMerge, "chunk overlap does not match geometry", nil)
		}
	}
	return nil
}
