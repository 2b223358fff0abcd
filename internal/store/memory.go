// SPDX-License-Identifier: MIT

package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/openscribe/scribed/internal/model"
)

// MemoryStore is an in-process Store used by tests and single-node setups.
// A single mutex gives the same linearizable claim semantics the SQLite
// store gets from its write transactions.
type MemoryStore struct {
	mu   sync.Mutex
	jobs map[string]*model.Job
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{jobs: make(map[string]*model.Job)}
}

// Close is a no-op.
func (m *MemoryStore) Close() error { return nil }

func (m *MemoryStore) InsertPending(ctx context.Context, id, name, audioKey string, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	ms := now.UnixMilli()
	m.jobs[id] = &model.Job{
		ID:        id,
		Name:      name,
		AudioKey:  audioKey,
		Stage:     model.StagePending,
		CreatedAt: ms,
		UpdatedAt: ms,
	}
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*model.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *j
	return &cp, nil
}

func (m *MemoryStore) ClaimOne(ctx context.Context, workerID string, now time.Time, leaseDuration time.Duration) (*model.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ms := now.UnixMilli()
	var pick *model.Job
	for _, j := range m.jobs {
		claimable := j.Stage.Claimable() ||
			(j.Stage == model.StageRunning && j.LeaseExpiresAt < ms)
		if !claimable {
			continue
		}
		if pick == nil || j.CreatedAt < pick.CreatedAt {
			pick = j
		}
	}
	if pick == nil {
		return nil, nil
	}

	pick.Stage = model.StageRunning
	pick.LeaseHolder = workerID
	pick.LeaseExpiresAt = now.Add(leaseDuration).UnixMilli()
	pick.UpdatedAt = ms
	cp := *pick
	return &cp, nil
}

func (m *MemoryStore) Heartbeat(ctx context.Context, jobID, workerID string, now time.Time, leaseDuration time.Duration) (int64, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.jobs[jobID]
	if !ok {
		return 0, false, nil
	}
	ms := now.UnixMilli()
	if j.Stage != model.StageRunning || j.LeaseHolder != workerID || j.LeaseExpiresAt < ms {
		return 0, false, nil
	}
	j.LeaseExpiresAt = now.Add(leaseDuration).UnixMilli()
	j.UpdatedAt = ms
	return j.LeaseExpiresAt, true, nil
}

func (m *MemoryStore) CommitComplete(ctx context.Context, jobID, workerID, textKey, segmentsKey, summary string, processingSeconds float64, now time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.jobs[jobID]
	if !ok {
		return false, ErrNotFound
	}
	if j.Stage == model.StageCompleted && j.TextKey == textKey {
		return true, nil
	}
	ms := now.UnixMilli()
	if j.Stage != model.StageRunning || j.LeaseHolder != workerID || j.LeaseExpiresAt < ms {
		return false, nil
	}
	j.Stage = model.StageCompleted
	j.LeaseHolder = ""
	j.LeaseExpiresAt = 0
	j.TextKey = textKey
	j.SegmentsKey = segmentsKey
	j.Summary = summary
	j.UpdatedAt = ms
	j.CompletedAt = ms
	return true, nil
}

func (m *MemoryStore) CommitFail(ctx context.Context, jobID, workerID, reason string, retryable bool, maxRetries int, now time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.jobs[jobID]
	if !ok {
		return false, ErrNotFound
	}
	if (j.Stage == model.StageFailed || j.Stage == model.StageFailedRetryable) && j.FailureReason == reason {
		return true, nil
	}
	ms := now.UnixMilli()
	if j.Stage != model.StageRunning || j.LeaseHolder != workerID || j.LeaseExpiresAt < ms {
		return false, nil
	}
	if retryable && j.RetryCount < maxRetries {
		j.Stage = model.StageFailedRetryable
		j.RetryCount++
	} else {
		j.Stage = model.StageFailed
	}
	j.LeaseHolder = ""
	j.LeaseExpiresAt = 0
	j.FailureReason = reason
	j.UpdatedAt = ms
	return true, nil
}

func (m *MemoryStore) ReapExpired(ctx context.Context, now time.Time, maxRetries int) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ms := now.UnixMilli()
	count := 0
	for _, j := range m.jobs {
		if j.Stage != model.StageRunning || j.LeaseExpiresAt >= ms {
			continue
		}
		if j.RetryCount < maxRetries {
			j.Stage = model.StageFailedRetryable
			j.RetryCount++
			j.FailureReason = "lease expired"
		} else {
			j.Stage = model.StageFailed
			j.FailureReason = "lease expired, retries exhausted"
		}
		j.LeaseHolder = ""
		j.LeaseExpiresAt = 0
		j.UpdatedAt = ms
		count++
	}
	return count, nil
}

func (m *MemoryStore) ListTerminal(ctx context.Context) ([]*model.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var jobs []*model.Job
	for _, j := range m.jobs {
		if j.Stage.IsTerminal() {
			cp := *j
			jobs = append(jobs, &cp)
		}
	}
	sort.Slice(jobs, func(a, b int) bool { return jobs[a].CreatedAt < jobs[b].CreatedAt })
	return jobs, nil
}
