// SPDX-License-Identifier: MIT

package worker

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/openscribe/scribed/internal/api"
	"github.com/openscribe/scribed/internal/log"
	"github.com/openscribe/scribed/internal/media"
	"github.com/openscribe/scribed/internal/model"
)

// process runs download, probe, plan, decode, merge, and commit for one
// leased job. Every returned error carries a ReasonCode for the fail RPC.
func (w *Worker) process(ctx context.Context, job *api.NextResponse) error {
	logger := log.WithComponentFromContext(ctx, "worker")
	started := time.Now()

	audioPath, err := w.download(ctx, job)
	if err != nil {
		return err
	}
	defer func() {
		if rerr := os.Remove(audioPath); rerr != nil && !os.IsNotExist(rerr) {
			logger.Debug().Err(rerr).Str("path", audioPath).Msg("audio cleanup")
		}
	}()

	probe := w.Probe
	if probe == nil {
		probe = media.Probe
	}
	info, err := probe(ctx, audioPath)
	if err != nil {
		return err
	}
	logger.Info().
		Float64("duration_seconds", info.DurationSeconds).
		Str("format", info.Format).
		Msg("audio probed")

	chunks, err := w.Planner.Plan(ctx, audioPath, info.DurationSeconds)
	if err != nil {
		return err
	}

	results, err := w.Pool.Run(ctx, audioPath, chunks)
	if err != nil {
		return err
	}

	perChunk := make([][]model.Segment, len(results))
	for i, r := range results {
		perChunk[i] = r.Segments
	}

	merged, err := w.Merger.Merge(chunks, perChunk, info.DurationSeconds)
	if err != nil {
		return err
	}
	logger.Info().
		Int("chunks", len(chunks)).
		Int("segments", len(merged.Segments)).
		Int("dropped", merged.Dropped).
		Msg("transcript merged")

	return w.Uploader.Commit(ctx, job.ID, merged, time.Since(started).Seconds())
}

// download streams the job's audio blob into the work directory.
func (w *Worker) download(ctx context.Context, job *api.NextResponse) (string, error) {
	path := filepath.Join(w.WorkDir, fmt.Sprintf("%d-%s", os.Getpid(), job.AudioKey))
	f, err := os.Create(path) // #nosec G304 - worker-local work directory
	if err != nil {
		return "", model.NewReasonError(model.RIO, "create audio scratch file", err)
	}

	if err := w.Client.DownloadBlob(ctx, job.AudioKey, f); err != nil {
		_ = f.Close()
		_ = os.Remove(path)
		return "", err
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(path)
		return "", model.NewReasonError(model.RIO, "flush audio scratch file", err)
	}
	return path, nil
}
