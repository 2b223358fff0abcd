// SPDX-License-Identifier: MIT

// Package store is the system-of-record for jobs and their leases.
//
// Design intent:
//   - All cross-worker coordination lives here; there is no in-memory
//     leader election or gossip anywhere else.
//   - Every primitive is a single transaction. Claims are linearizable:
//     no two workers can ever hold the same live lease.
//   - Workers never touch the store directly; they go through the
//     coordinator's HTTP surface.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/openscribe/scribed/internal/model"
)

var (
	// ErrNotFound is returned when a job id has no record.
	ErrNotFound = errors.New("job not found")
)

// Store exposes the transactional primitives the job queue is built on.
type Store interface {
	// InsertPending creates a job at stage pending with retry 0.
	InsertPending(ctx context.Context, id, name, audioKey string, now time.Time) error

	// Get returns the job record or ErrNotFound.
	Get(ctx context.Context, id string) (*model.Job, error)

	// ClaimOne atomically picks one claimable job (stage pending or
	// failed_retryable, or running with an expired lease), assigns the lease
	// to workerID and moves it to running. Returns (nil, nil) when the queue
	// is empty. Tie-break: earliest created instant.
	ClaimOne(ctx context.Context, workerID string, now time.Time, leaseDuration time.Duration) (*model.Job, error)

	// Heartbeat extends the lease iff workerID still holds a live lease.
	// ok=false means the lease was lost and the worker must abort.
	Heartbeat(ctx context.Context, jobID, workerID string, now time.Time, leaseDuration time.Duration) (expiryUnixMS int64, ok bool, err error)

	// CommitComplete moves the job to completed and records artifact keys,
	// iff workerID still holds the lease. Replays by the same worker with
	// the same text key are accepted (ok=true) without further mutation.
	CommitComplete(ctx context.Context, jobID, workerID, textKey, segmentsKey, summary string, processingSeconds float64, now time.Time) (ok bool, err error)

	// CommitFail records a failure. Retryable failures below the retry cap
	// park the job at failed_retryable for a future claim; everything else
	// is terminal. ok=false means the lease was not held.
	CommitFail(ctx context.Context, jobID, workerID, reason string, retryable bool, maxRetries int, now time.Time) (ok bool, err error)

	// ReapExpired returns running jobs whose leases expired before now to
	// failed_retryable (or failed once the retry cap is hit). This is the
	// crash-recovery path for dead workers.
	ReapExpired(ctx context.Context, now time.Time, maxRetries int) (int, error)

	// ListTerminal returns completed and failed jobs, oldest first. Used by
	// the orphan-blob sweeper.
	ListTerminal(ctx context.Context) ([]*model.Job, error)

	Close() error
}
