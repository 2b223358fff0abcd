// SPDX-License-Identifier: MIT

// Package worker runs the GPU-host side: poll for a job, hold its lease
// with heartbeats, run the segment/decode/merge pipeline, and commit or
// fail the job.
package worker

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/openscribe/scribed/internal/api"
	"github.com/openscribe/scribed/internal/client"
	"github.com/openscribe/scribed/internal/decode"
	"github.com/openscribe/scribed/internal/log"
	"github.com/openscribe/scribed/internal/media"
	"github.com/openscribe/scribed/internal/merge"
	"github.com/openscribe/scribed/internal/model"
	"github.com/openscribe/scribed/internal/segment"
	"github.com/openscribe/scribed/internal/upload"
)

var (
	jobsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "scribed",
		Subsystem: "worker",
		Name:      "jobs_total",
		Help:      "Jobs processed by terminal outcome",
	}, []string{"outcome"}) // outcome: completed|failed|lease_lost

	pipelineSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "scribed",
		Subsystem: "worker",
		Name:      "pipeline_seconds",
		Help:      "End-to-end pipeline wall time per job",
		Buckets:   prometheus.ExponentialBuckets(10, 2, 12),
	})
)

// failRPCTimeout bounds the fail report once the job context is dead.
const failRPCTimeout = 30 * time.Second

// Worker processes one job at a time against one coordinator.
type Worker struct {
	Client            *client.Client
	WorkDir           string
	PollInterval      time.Duration
	HeartbeatInterval time.Duration

	Planner  *segment.Planner
	Pool     *decode.Pool
	Merger   *merge.Merger
	Uploader *upload.Uploader

	// Probe defaults to media.Probe; injected in tests.
	Probe func(ctx context.Context, path string) (*media.Info, error)
}

// Run polls for jobs until ctx is cancelled. A shutdown signal mid-job
// cancels the pipeline; the lease expires and the coordinator re-dispatches.
func (w *Worker) Run(ctx context.Context) error {
	logger := log.WithComponent("worker")
	logger.Info().
		Str("worker_id", w.Client.WorkerID()).
		Dur("poll_interval", w.PollInterval).
		Msg("worker started")

	for {
		job, err := w.Client.Next(ctx)
		switch {
		case errors.Is(err, client.ErrNoJob):
			if !sleep(ctx, w.PollInterval) {
				return ctx.Err()
			}
			continue
		case errors.Is(err, context.Canceled):
			return ctx.Err()
		case err != nil:
			logger.Warn().Err(err).Msg("poll failed")
			if !sleep(ctx, w.PollInterval) {
				return ctx.Err()
			}
			continue
		}

		w.runJob(ctx, job)

		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
}

// runJob executes the full pipeline for one leased job, with a heartbeat
// goroutine keeping the lease alive. A lost lease cancels the pipeline and
// the job is abandoned without a fail RPC; the coordinator re-dispatches.
func (w *Worker) runJob(parent context.Context, job *api.NextResponse) {
	ctx, cancel := context.WithCancel(log.ContextWithJobID(parent, job.ID))
	defer cancel()

	logger := log.WithComponentFromContext(ctx, "worker")
	logger.Info().
		Str("audio_key", job.AudioKey).
		Int("retry_count", job.RetryCount).
		Msg("job leased")

	var leaseLost atomic.Bool
	hbDone := make(chan struct{})
	go func() {
		defer close(hbDone)
		w.heartbeatLoop(ctx, job.ID, &leaseLost, cancel)
	}()

	started := time.Now()
	err := w.process(ctx, job)
	cancel()
	<-hbDone
	pipelineSeconds.Observe(time.Since(started).Seconds())

	switch {
	case err == nil:
		jobsProcessed.WithLabelValues("completed").Inc()
		logger.Info().Dur("elapsed", time.Since(started)).Msg("job completed")

	case leaseLost.Load() || isLeaseLost(err):
		jobsProcessed.WithLabelValues("lease_lost").Inc()
		logger.Warn().Err(err).Msg("lease lost, abandoning attempt")

	case parent.Err() != nil:
		logger.Warn().Msg("shutdown mid-job, lease will expire")

	default:
		jobsProcessed.WithLabelValues("failed").Inc()
		reason, detail := model.ClassifyReason(err)
		logger.Error().Err(err).
			Str("reason", string(reason)).
			Bool("retryable", reason.Retryable()).
			Msg("job failed")

		failCtx, failCancel := context.WithTimeout(context.Background(), failRPCTimeout)
		defer failCancel()
		if ferr := w.Client.Fail(failCtx, job.ID, string(reason)+": "+detail, reason.Retryable()); ferr != nil {
			logger.Warn().Err(ferr).Msg("fail rpc not delivered, lease will expire")
		}
	}
}

// heartbeatLoop extends the lease until ctx ends. A definitive 409 flips
// leaseLost and cancels the pipeline; transient transport errors (already
// retried inside the client) just wait for the next tick.
func (w *Worker) heartbeatLoop(ctx context.Context, jobID string, leaseLost *atomic.Bool, cancel context.CancelFunc) {
	logger := log.WithComponentFromContext(ctx, "worker")
	ticker := time.NewTicker(w.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			expiry, err := w.Client.Heartbeat(ctx, jobID)
			switch {
			case errors.Is(err, client.ErrLeaseLost):
				leaseLost.Store(true)
				cancel()
				return
			case errors.Is(err, context.Canceled):
				return
			case err != nil:
				logger.Warn().Err(err).Msg("heartbeat not delivered")
			default:
				logger.Debug().Int64("lease_expiry_unix_ms", expiry).Msg("heartbeat")
			}
		}
	}
}

func isLeaseLost(err error) bool {
	if errors.Is(err, client.ErrLeaseLost) {
		return true
	}
	reason, _ := model.ClassifyReason(err)
	return reason == model.RLeaseLost
}

// sleep waits d or until ctx ends; reports whether the full wait elapsed.
func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
