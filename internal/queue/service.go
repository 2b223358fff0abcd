// SPDX-License-Identifier: MIT

// Package queue is the coordinator's job queue: lease-based dispatch,
// heartbeat tracking, commit validation, and the background reaper and
// orphan-blob sweeper. All state lives in the metadata store; this package
// adds the invariants the HTTP surface relies on.
package queue

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/openscribe/scribed/internal/blob"
	"github.com/openscribe/scribed/internal/log"
	"github.com/openscribe/scribed/internal/model"
	"github.com/openscribe/scribed/internal/store"
)

// Service wires the metadata store and blob store into the queue contract.
type Service struct {
	Store store.Store
	Blobs *blob.Store

	LeaseDuration time.Duration
	MaxRetries    int

	// Now is injectable for tests; defaults to time.Now.
	Now func() time.Time
}

func (s *Service) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

// Submit stores the audio blob and creates a pending job. The audio is
// durable before the job row exists, so a crash between the two leaves an
// orphan blob (swept later) but never a job without audio.
func (s *Service) Submit(ctx context.Context, name, ext string, audio io.Reader) (*model.Job, error) {
	id := uuid.NewString()
	key := blob.AudioKey(id, ext)

	if err := s.Blobs.PutStream(key, audio); err != nil {
		return nil, fmt.Errorf("store audio: %w", err)
	}
	if err := s.Store.InsertPending(ctx, id, name, key, s.now()); err != nil {
		_ = s.Blobs.Delete(key)
		return nil, fmt.Errorf("insert job: %w", err)
	}

	jobsSubmitted.Inc()
	logger := log.WithComponentFromContext(ctx, "queue")
	logger.Info().
		Str("job_id", id).
		Str("name", name).
		Str("audio_key", key).
		Msg("job submitted")

	return s.Store.Get(ctx, id)
}

// Next claims at most one job for workerID. Returns (nil, nil) when idle.
func (s *Service) Next(ctx context.Context, workerID string) (*model.Job, error) {
	j, err := s.Store.ClaimOne(ctx, workerID, s.now(), s.LeaseDuration)
	if err != nil {
		return nil, err
	}
	if j == nil {
		return nil, nil
	}
	jobsClaimed.Inc()
	logger := log.WithComponentFromContext(ctx, "queue")
	logger.Info().
		Str("job_id", j.ID).
		Str("worker", workerID).
		Int("retry_count", j.RetryCount).
		Int64("lease_expires_at", j.LeaseExpiresAt).
		Msg("job claimed")
	return j, nil
}

// Heartbeat extends the lease. ok=false means the worker must abort.
func (s *Service) Heartbeat(ctx context.Context, jobID, workerID string) (int64, bool, error) {
	expiry, ok, err := s.Store.Heartbeat(ctx, jobID, workerID, s.now(), s.LeaseDuration)
	if err != nil {
		return 0, false, err
	}
	if !ok {
		commitRejected.WithLabelValues("heartbeat").Inc()
	}
	return expiry, ok, nil
}

// Complete validates the artifacts then commits the job as completed.
// Invariant: stage=completed implies the text artifact exists in the blob
// store, so the existence check happens before the store transition.
func (s *Service) Complete(ctx context.Context, jobID, workerID, textKey, segmentsKey, summary string, procSeconds float64) (bool, error) {
	if textKey == "" {
		return false, model.NewReasonError(model.RNotFound, "complete without text key", nil)
	}
	// A completed job must carry a segments artifact or a summary alongside
	// the text.
	if segmentsKey == "" && summary == "" {
		return false, model.NewReasonError(model.RNotFound, "complete without segments artifact or summary", nil)
	}
	for _, key := range []string{textKey, segmentsKey} {
		if key == "" {
			continue
		}
		if !strings.HasPrefix(key, jobID+".") {
			return false, model.NewReasonError(model.RNotFound,
				fmt.Sprintf("artifact key %q not scoped to job %s", key, jobID), nil)
		}
		ok, err := s.Blobs.Exists(key)
		if err != nil {
			return false, err
		}
		if !ok {
			return false, model.NewReasonError(model.RNotFound,
				fmt.Sprintf("artifact blob %s missing", key), nil)
		}
	}

	ok, err := s.Store.CommitComplete(ctx, jobID, workerID, textKey, segmentsKey, summary, procSeconds, s.now())
	if err != nil {
		return false, err
	}
	if !ok {
		commitRejected.WithLabelValues("complete").Inc()
		return false, nil
	}

	jobsCompleted.Inc()
	processingSeconds.Observe(procSeconds)
	logger := log.WithComponentFromContext(ctx, "queue")
	logger.Info().
		Str("job_id", jobID).
		Str("worker", workerID).
		Float64("processing_seconds", procSeconds).
		Msg("job completed")
	return true, nil
}

// Fail commits a failure under the worker's lease.
func (s *Service) Fail(ctx context.Context, jobID, workerID, reason string, retryable bool) (bool, error) {
	ok, err := s.Store.CommitFail(ctx, jobID, workerID, reason, retryable, s.MaxRetries, s.now())
	if err != nil {
		return false, err
	}
	if !ok {
		commitRejected.WithLabelValues("fail").Inc()
		return false, nil
	}
	jobsFailed.WithLabelValues(fmt.Sprintf("%t", retryable)).Inc()
	logger := log.WithComponentFromContext(ctx, "queue")
	logger.Warn().
		Str("job_id", jobID).
		Str("worker", workerID).
		Str("reason", reason).
		Bool("retryable", retryable).
		Msg("job failed")
	return true, nil
}

// Job returns the record for submitter polling.
func (s *Service) Job(ctx context.Context, id string) (*model.Job, error) {
	return s.Store.Get(ctx, id)
}

// WorkerIdentity builds a stable process identity string.
func WorkerIdentity(host string, pid int) string {
	return fmt.Sprintf("%s-%d-%s", host, pid, uuid.NewString())
}
