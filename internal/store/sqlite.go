// SPDX-License-Identifier: MIT

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // SQLite driver (pure Go, no CGO)

	"github.com/openscribe/scribed/internal/model"
)

// SQLiteStore persists jobs in a single SQLite database. WAL mode plus
// busy_timeout are set via DSN pragmas so they apply to every pooled
// connection. Claim and commit run inside BEGIN IMMEDIATE transactions,
// which serializes writers and makes the claim predicate linearizable.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite initializes the store and runs migrations.
func OpenSQLite(dbPath string) (*SQLiteStore, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)&_pragma=foreign_keys(ON)", dbPath)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open failed: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(1 * time.Hour)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite: ping failed: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite: migrate failed: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS jobs (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		audio_key TEXT NOT NULL,
		stage TEXT NOT NULL CHECK(stage IN ('pending', 'running', 'failed_retryable', 'completed', 'failed')),
		failure_reason TEXT NOT NULL DEFAULT '',
		retry_count INTEGER NOT NULL DEFAULT 0,
		lease_holder TEXT NOT NULL DEFAULT '',
		lease_expires_at INTEGER NOT NULL DEFAULT 0,
		text_key TEXT NOT NULL DEFAULT '',
		segments_key TEXT NOT NULL DEFAULT '',
		summary TEXT NOT NULL DEFAULT '',
		processing_seconds REAL NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		completed_at INTEGER NOT NULL DEFAULT 0
	);

	CREATE INDEX IF NOT EXISTS idx_jobs_stage_lease ON jobs(stage, lease_expires_at);
	CREATE INDEX IF NOT EXISTS idx_jobs_created ON jobs(created_at);
	`
	_, err := s.db.Exec(schema)
	return err
}

const jobColumns = `id, name, audio_key, stage, failure_reason, retry_count,
	lease_holder, lease_expires_at, text_key, segments_key, summary,
	created_at, updated_at, completed_at`

func scanJob(row interface{ Scan(...any) error }) (*model.Job, error) {
	var j model.Job
	var stage string
	err := row.Scan(&j.ID, &j.Name, &j.AudioKey, &stage, &j.FailureReason,
		&j.RetryCount, &j.LeaseHolder, &j.LeaseExpiresAt, &j.TextKey,
		&j.SegmentsKey, &j.Summary, &j.CreatedAt, &j.UpdatedAt, &j.CompletedAt)
	if err != nil {
		return nil, err
	}
	j.Stage = model.Stage(stage)
	return &j, nil
}

// InsertPending creates a job at stage pending with retry 0.
func (s *SQLiteStore) InsertPending(ctx context.Context, id, name, audioKey string, now time.Time) error {
	ms := now.UnixMilli()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO jobs (id, name, audio_key, stage, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		id, name, audioKey, string(model.StagePending), ms, ms)
	if err != nil {
		return fmt.Errorf("insert pending job: %w", err)
	}
	return nil
}

// Get returns the job record or ErrNotFound.
func (s *SQLiteStore) Get(ctx context.Context, id string) (*model.Job, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)
	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return j, nil
}

func (s *SQLiteStore) beginImmediate(ctx context.Context) (*sql.Tx, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	// Promote to a write transaction up front so concurrent claimers
	// serialize on the sqlite write lock instead of failing at commit.
	if _, err := tx.ExecContext(ctx, "UPDATE jobs SET id = id WHERE 0"); err != nil {
		_ = tx.Rollback()
		return nil, err
	}
	return tx, nil
}

// ClaimOne atomically leases the oldest claimable job to workerID.
func (s *SQLiteStore) ClaimOne(ctx context.Context, workerID string, now time.Time, leaseDuration time.Duration) (*model.Job, error) {
	tx, err := s.beginImmediate(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	ms := now.UnixMilli()
	row := tx.QueryRowContext(ctx, `
		SELECT `+jobColumns+` FROM jobs
		WHERE stage IN (?, ?) OR (stage = ? AND lease_expires_at < ?)
		ORDER BY created_at ASC
		LIMIT 1`,
		string(model.StagePending), string(model.StageFailedRetryable),
		string(model.StageRunning), ms)

	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	expiry := now.Add(leaseDuration).UnixMilli()
	res, err := tx.ExecContext(ctx, `
		UPDATE jobs
		SET stage = ?, lease_holder = ?, lease_expires_at = ?, updated_at = ?
		WHERE id = ? AND (stage IN (?, ?) OR (stage = ? AND lease_expires_at < ?))`,
		string(model.StageRunning), workerID, expiry, ms,
		j.ID,
		string(model.StagePending), string(model.StageFailedRetryable),
		string(model.StageRunning), ms)
	if err != nil {
		return nil, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if n == 0 {
		// Lost the race inside our own pool; treat as empty queue.
		return nil, nil
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}

	j.Stage = model.StageRunning
	j.LeaseHolder = workerID
	j.LeaseExpiresAt = expiry
	j.UpdatedAt = ms
	return j, nil
}

// Heartbeat extends a live lease held by workerID.
func (s *SQLiteStore) Heartbeat(ctx context.Context, jobID, workerID string, now time.Time, leaseDuration time.Duration) (int64, bool, error) {
	ms := now.UnixMilli()
	expiry := now.Add(leaseDuration).UnixMilli()
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs
		SET lease_expires_at = ?, updated_at = ?
		WHERE id = ? AND stage = ? AND lease_holder = ? AND lease_expires_at >= ?`,
		expiry, ms, jobID, string(model.StageRunning), workerID, ms)
	if err != nil {
		return 0, false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, false, err
	}
	if n == 0 {
		return 0, false, nil
	}
	return expiry, true, nil
}

// CommitComplete finalizes a job under a held lease.
func (s *SQLiteStore) CommitComplete(ctx context.Context, jobID, workerID, textKey, segmentsKey, summary string, processingSeconds float64, now time.Time) (bool, error) {
	tx, err := s.beginImmediate(ctx)
	if err != nil {
		return false, err
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, jobID)
	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return false, ErrNotFound
	}
	if err != nil {
		return false, err
	}

	// Idempotent replay: the commit already landed with the same artifact.
	if j.Stage == model.StageCompleted && j.TextKey == textKey {
		return true, nil
	}

	ms := now.UnixMilli()
	if j.Stage != model.StageRunning || j.LeaseHolder != workerID || j.LeaseExpiresAt < ms {
		return false, nil
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE jobs
		SET stage = ?, lease_holder = '', lease_expires_at = 0,
		    text_key = ?, segments_key = ?, summary = ?, processing_seconds = ?,
		    updated_at = ?, completed_at = ?
		WHERE id = ?`,
		string(model.StageCompleted), textKey, segmentsKey, summary,
		processingSeconds, ms, ms, jobID)
	if err != nil {
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, err
	}
	return true, nil
}

// CommitFail records a failure under a held lease.
func (s *SQLiteStore) CommitFail(ctx context.Context, jobID, workerID, reason string, retryable bool, maxRetries int, now time.Time) (bool, error) {
	tx, err := s.beginImmediate(ctx)
	if err != nil {
		return false, err
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, jobID)
	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return false, ErrNotFound
	}
	if err != nil {
		return false, err
	}

	// Idempotent replay of the same failure.
	if (j.Stage == model.StageFailed || j.Stage == model.StageFailedRetryable) && j.FailureReason == reason {
		return true, nil
	}

	ms := now.UnixMilli()
	if j.Stage != model.StageRunning || j.LeaseHolder != workerID || j.LeaseExpiresAt < ms {
		return false, nil
	}

	stage := model.StageFailed
	retries := j.RetryCount
	if retryable && j.RetryCount < maxRetries {
		stage = model.StageFailedRetryable
		retries++
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE jobs
		SET stage = ?, lease_holder = '', lease_expires_at = 0,
		    failure_reason = ?, retry_count = ?, updated_at = ?
		WHERE id = ?`,
		string(stage), reason, retries, ms, jobID)
	if err != nil {
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, err
	}
	return true, nil
}

// ReapExpired reclaims running jobs whose lease expired before now.
func (s *SQLiteStore) ReapExpired(ctx context.Context, now time.Time, maxRetries int) (int, error) {
	tx, err := s.beginImmediate(ctx)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()

	ms := now.UnixMilli()

	// Jobs still below the cap go back to the queue with one more retry.
	resRetry, err := tx.ExecContext(ctx, `
		UPDATE jobs
		SET stage = ?, lease_holder = '', lease_expires_at = 0,
		    retry_count = retry_count + 1, failure_reason = ?, updated_at = ?
		WHERE stage = ? AND lease_expires_at < ? AND retry_count < ?`,
		string(model.StageFailedRetryable), "lease expired", ms,
		string(model.StageRunning), ms, maxRetries)
	if err != nil {
		return 0, err
	}

	// Jobs at the cap are terminal.
	resDead, err := tx.ExecContext(ctx, `
		UPDATE jobs
		SET stage = ?, lease_holder = '', lease_expires_at = 0,
		    failure_reason = ?, updated_at = ?
		WHERE stage = ? AND lease_expires_at < ? AND retry_count >= ?`,
		string(model.StageFailed), "lease expired, retries exhausted", ms,
		string(model.StageRunning), ms, maxRetries)
	if err != nil {
		return 0, err
	}

	nRetry, _ := resRetry.RowsAffected()
	nDead, _ := resDead.RowsAffected()
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return int(nRetry + nDead), nil
}

// ListTerminal returns completed and failed jobs, oldest first.
func (s *SQLiteStore) ListTerminal(ctx context.Context) ([]*model.Job, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+jobColumns+` FROM jobs
		WHERE stage IN (?, ?)
		ORDER BY created_at ASC`,
		string(model.StageCompleted), string(model.StageFailed))
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var jobs []*model.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}
