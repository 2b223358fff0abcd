// SPDX-License-Identifier: MIT

package decode

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/openscribe/scribed/internal/log"
	"github.com/openscribe/scribed/internal/media"
	"github.com/openscribe/scribed/internal/model"
)

var (
	chunkDecodeSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "scribed",
		Name:      "chunk_decode_seconds",
		Help:      "Wall time per chunk decode task",
		Buckets:   prometheus.ExponentialBuckets(1, 2, 12),
	})

	chunkFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "scribed",
		Name:      "chunk_decode_failures_total",
		Help:      "Failed chunk decode tasks",
	}, []string{"cause"}) // cause: decode|extract|timeout

	activeDecoders = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "scribed",
		Name:      "active_decoders",
		Help:      "Decode tasks currently running",
	})
)

// timeoutSlack is the fixed allowance on top of the duration-proportional
// soft timeout per chunk.
const timeoutSlack = 60 * time.Second

// ExtractFunc writes the [start, end) range of src as a decoder-ready WAV
// at dst. Injected so tests run without ffmpeg.
type ExtractFunc func(ctx context.Context, src string, start, end float64, dst string) error

// Result pairs a chunk with its decoded segments (chunk-local times).
type Result struct {
	Chunk    model.Chunk
	Segments []model.Segment
	Err      error
}

// Pool decodes chunks with bounded concurrency. Tasks are independent;
// completion order is arbitrary and results are re-sorted by chunk index.
type Pool struct {
	Workers int
	WorkDir string
	Decoder Decoder
	Extract ExtractFunc // defaults to media.ExtractRange
}

// Run decodes every chunk of src. It blocks until all started tasks settle.
//
// Failure semantics: one failed chunk fails the whole job (a hole in the
// audio cannot be papered over), but the remaining in-flight tasks run to
// completion first. Context cancellation stops feeding the pool; pending
// chunks are dropped and the partial results discarded.
func (p *Pool) Run(ctx context.Context, src string, chunks []model.Chunk) ([]Result, error) {
	if p.Decoder == nil {
		return nil, model.NewReasonError(model.RDecode, "no speech decoder configured", nil)
	}
	workers := p.Workers
	if workers < 1 {
		workers = 1
	}
	extract := p.Extract
	if extract == nil {
		extract = media.ExtractRange
	}

	logger := log.WithComponentFromContext(ctx, "decode")
	logger.Info().
		Int("chunks", len(chunks)).
		Int("workers", workers).
		Msg("decode pool started")

	// Bounded queue between the segmenter's output and the pool; K*2 is
	// plenty because chunk descriptors are tiny.
	work := make(chan model.Chunk, workers*2)
	results := make(chan Result, len(chunks))

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for c := range work {
				results <- p.runTask(ctx, extract, src, c)
			}
		}()
	}

	fed := 0
feed:
	for _, c := range chunks {
		select {
		case work <- c:
			fed++
		case <-ctx.Done():
			break feed
		}
	}
	close(work)
	wg.Wait()
	close(results)

	if ctx.Err() != nil {
		// Abort path: partial results are discarded by contract.
		return nil, model.NewReasonError(model.RCancelled, "decode cancelled", ctx.Err())
	}

	out := make([]Result, 0, fed)
	failed := 0
	for r := range results {
		if r.Err != nil {
			failed++
			logger.Warn().Err(r.Err).Int("chunk", r.Chunk.Index).Msg("chunk decode failed")
		}
		out = append(out, r)
	}
	sort.Slice(out, func(a, b int) bool { return out[a].Chunk.Index < out[b].Chunk.Index })

	if failed > 0 {
		return nil, model.NewReasonError(model.RDecode,
			fmt.Sprintf("%d of %d chunks failed to decode", failed, len(chunks)), nil)
	}
	return out, nil
}

// runTask extracts one chunk to a temp WAV, decodes it, and cleans up. The
// extraction is serial disk I/O; only the decoder call holds a GPU slot.
func (p *Pool) runTask(ctx context.Context, extract ExtractFunc, src string, c model.Chunk) Result {
	started := time.Now()
	activeDecoders.Inc()
	defer func() {
		activeDecoders.Dec()
		chunkDecodeSeconds.Observe(time.Since(started).Seconds())
	}()

	// Soft timeout: generous multiple of real time plus fixed slack.
	budget := time.Duration(c.Duration()*10)*time.Second + timeoutSlack
	taskCtx, cancel := context.WithTimeout(ctx, budget)
	defer cancel()

	wav := filepath.Join(p.workDir(), fmt.Sprintf("chunk-%d-%d.wav", os.Getpid(), c.Index))
	if err := extract(taskCtx, src, c.Start, c.End, wav); err != nil {
		chunkFailures.WithLabelValues("extract").Inc()
		return Result{Chunk: c, Err: fmt.Errorf("extract chunk %d: %w", c.Index, err)}
	}
	defer func() {
		if err := os.Remove(wav); err != nil && !os.IsNotExist(err) {
			l := log.WithComponent("decode")
			l.Debug().Err(err).Str("path", wav).Msg("temp wav cleanup")
		}
	}()

	segs, err := p.Decoder.Decode(taskCtx, wav)
	if err != nil {
		cause := "decode"
		if taskCtx.Err() == context.DeadlineExceeded {
			cause = "timeout"
		}
		chunkFailures.WithLabelValues(cause).Inc()
		return Result{Chunk: c, Err: fmt.Errorf("decode chunk %d: %w", c.Index, err)}
	}

	// Normalise: trim text, drop empties. Silence-only chunks legitimately
	// produce nothing.
	clean := make([]model.Segment, 0, len(segs))
	for _, s := range segs {
		s = s.Trimmed()
		if s.Text == "" {
			continue
		}
		clean = append(clean, s)
	}
	return Result{Chunk: c, Segments: clean}
}

func (p *Pool) workDir() string {
	if p.WorkDir != "" {
		return p.WorkDir
	}
	return os.TempDir()
}
