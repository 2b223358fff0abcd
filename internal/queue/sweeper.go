// SPDX-License-Identifier: MIT

package queue

import (
	"context"
	"time"

	"github.com/openscribe/scribed/internal/blob"
	"github.com/openscribe/scribed/internal/log"
	"github.com/openscribe/scribed/internal/model"
)

// Sweeper removes dangling artifact blobs: writes that landed in the blob
// store before a commit was rejected. A job that reached failed can never
// reference text/segments blobs, so anything under those keys is garbage.
// Reclamation is eventually consistent; re-running is always safe because
// keys are job-scoped.
type Sweeper struct {
	Service  *Service
	Interval time.Duration
}

// Run blocks until ctx is done.
func (s *Sweeper) Run(ctx context.Context) error {
	interval := s.Interval
	if interval <= 0 {
		interval = 5 * time.Minute
	}

	logger := log.WithComponent("sweeper")
	logger.Info().Dur("interval", interval).Msg("orphan sweeper started")

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info().Msg("orphan sweeper stopped")
			return ctx.Err()
		case <-ticker.C:
			if n, err := s.sweepOnce(ctx); err != nil {
				logger.Error().Err(err).Msg("sweep pass failed")
			} else if n > 0 {
				logger.Info().Int("removed", n).Msg("orphan blobs removed")
			}
		}
	}
}

func (s *Sweeper) sweepOnce(ctx context.Context) (int, error) {
	jobs, err := s.Service.Store.ListTerminal(ctx)
	if err != nil {
		return 0, err
	}

	removed := 0
	for _, j := range jobs {
		select {
		case <-ctx.Done():
			return removed, ctx.Err()
		default:
		}

		keys, err := s.Service.Blobs.ListForJob(j.ID)
		if err != nil {
			return removed, err
		}
		for _, key := range keys {
			if !s.orphaned(j, key) {
				continue
			}
			if err := s.Service.Blobs.Delete(key); err != nil {
				l := log.WithComponent("sweeper")
				l.Warn().Err(err).Str("key", key).Msg("orphan delete failed")
				continue
			}
			orphanBlobsSwept.Inc()
			removed++
		}
	}
	return removed, nil
}

// orphaned reports whether key is a dangling artifact for the terminal job j.
// Audio blobs are kept for reprocessing and audit; only unreferenced text and
// segments artifacts are garbage.
func (s *Sweeper) orphaned(j *model.Job, key string) bool {
	if key == j.AudioKey {
		return false
	}
	if j.Stage == model.StageCompleted {
		return key != j.TextKey && key != j.SegmentsKey
	}
	// Failed jobs reference no artifacts at all.
	return key == blob.TextKey(j.ID) || key == blob.SegmentsKey(j.ID)
}
