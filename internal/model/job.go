// SPDX-License-Identifier: MIT

package model

import (
	"regexp"
	"time"
)

// Stage is the lifecycle stage of a job. Transitions are monotone along
// the graph enforced by the metadata store:
//
//	pending -> running -> completed
//	                   -> failed_retryable -> running
//	                   -> failed
type Stage string

const (
	StagePending         Stage = "pending"
	StageRunning         Stage = "running"
	StageFailedRetryable Stage = "failed_retryable"
	StageCompleted       Stage = "completed"
	StageFailed          Stage = "failed"
)

// IsTerminal reports whether no further transitions are possible.
func (s Stage) IsTerminal() bool {
	return s == StageCompleted || s == StageFailed
}

// Claimable reports whether a claim may pick the job up (ignoring lease expiry,
// which the store checks separately for running jobs).
func (s Stage) Claimable() bool {
	return s == StagePending || s == StageFailedRetryable
}

// CanTransition validates a stage move against the lifecycle graph.
func CanTransition(from, to Stage) bool {
	switch from {
	case StagePending:
		return to == StageRunning
	case StageRunning:
		return to == StageCompleted || to == StageFailed || to == StageFailedRetryable
	case StageFailedRetryable:
		return to == StageRunning || to == StageFailed
	default:
		return false
	}
}

// Job is the authoritative record for one uploaded audio file. The
// coordinator owns every field; workers only ever see copies.
type Job struct {
	ID       string `json:"id"` // uuid, immutable
	Name     string `json:"name"`
	AudioKey string `json:"audio_key"`

	Stage         Stage  `json:"stage"`
	FailureReason string `json:"failure_reason,omitempty"`
	RetryCount    int    `json:"retry_count"`

	// Lease. Holder empty means unleased. A job is leased iff Holder != ""
	// and LeaseExpiresAt is in the future.
	LeaseHolder    string `json:"lease_holder,omitempty"`
	LeaseExpiresAt int64  `json:"lease_expires_at_unix_ms,omitempty"`

	// Artifacts, set atomically on completion.
	TextKey     string `json:"text_key,omitempty"`
	SegmentsKey string `json:"segments_key,omitempty"`
	Summary     string `json:"summary,omitempty"`

	CreatedAt   int64 `json:"created_at_unix_ms"`
	UpdatedAt   int64 `json:"updated_at_unix_ms"`
	CompletedAt int64 `json:"completed_at_unix_ms,omitempty"`
}

// Leased reports whether the job holds a live lease at now.
func (j *Job) Leased(now time.Time) bool {
	return j.LeaseHolder != "" && j.LeaseExpiresAt > now.UnixMilli()
}

var safeJobID = regexp.MustCompile(`^[a-zA-Z0-9-]{1,64}$`)

// IsSafeJobID rejects identifiers that could escape the blob keyspace.
func IsSafeJobID(id string) bool {
	return safeJobID.MatchString(id)
}
