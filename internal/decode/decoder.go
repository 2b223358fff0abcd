// SPDX-License-Identifier: MIT

// Package decode runs the parallel speech-decode stage: a bounded pool of
// workers that extract chunk audio, invoke the speech decoder, and emit
// per-chunk segment lists in chunk-local time.
package decode

import (
	"context"

	"github.com/openscribe/scribed/internal/model"
)

// Decoder is the opaque speech decoder capability: chunk audio in, segments
// with chunk-local timestamps out. Implementations must be safe to call
// concurrently up to the pool size; the operator picks that size to fit GPU
// memory.
type Decoder interface {
	Decode(ctx context.Context, wavPath string) ([]model.Segment, error)
}

// DecoderFunc adapts a function to the Decoder interface.
type DecoderFunc func(ctx context.Context, wavPath string) ([]model.Segment, error)

// Decode implements Decoder.
func (f DecoderFunc) Decode(ctx context.Context, wavPath string) ([]model.Segment, error) {
	return f(ctx, wavPath)
}
