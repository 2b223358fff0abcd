// SPDX-License-Identifier: MIT

package model

import "strings"

// Segment is a single timestamped transcript unit. Times are seconds,
// chunk-local while inside the decoder, absolute from the merger onward.
type Segment struct {
	Start float64 `json:"start"`
	End   float64 `json:"end"`
	Text  string  `json:"text"`
}

// Trimmed returns a copy with whitespace-trimmed text.
func (s Segment) Trimmed() Segment {
	s.Text = strings.TrimSpace(s.Text)
	return s
}

// Duration returns End-Start.
func (s Segment) Duration() float64 {
	return s.End - s.Start
}

// Chunk describes one bounded time-range of the source audio. Chunks are
// worker-internal: created by the segmenter, decoded by the pool, and
// discarded once the merger has consumed their segments.
type Chunk struct {
	Index   int     // 0-based
	Start   float64 // source-file-relative seconds
	End     float64
	Overlap float64 // overlap extent with the previous chunk, 0 for chunk 0
}

// Duration returns the chunk length in seconds.
func (c Chunk) Duration() float64 {
	return c.End - c.Start
}
