package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// JobStatus is the queue-level state of a job, distinct from task lifecycle.
type JobStatus string

const (
	JobStatusWaiting JobStatus = "waiting"
	JobStatusActive  JobStatus = "active"
	JobStatusDone    JobStatus = "done"
	JobStatusFailed  JobStatus = "failed"
)

// Job is one unit of queued work. Lower priority values run first; within a
// priority level jobs run in insertion order.
type Job struct {
	ID          string
	Queue       string
	Key         string
	Priority    int
	Status      JobStatus
	Payload     string
	Result      string
	Error       string
	Attempts    int
	MaxAttempts int
	AvailableAt time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

var ErrJobNotFound = errors.New("job not found")

// sqlTime formats a timestamp the way CURRENT_TIMESTAMP renders it, so
// availability comparisons in SQL stay consistent.
func sqlTime(t time.Time) string {
	return t.UTC().Format("2006-01-02 15:04:05")
}

// EnqueueJob inserts a waiting job. A non-empty key is unique among waiting
// jobs: re-enqueueing the same key replaces the old payload and timing, which
// lets schedule updates supersede stale firings.
func (s *Store) EnqueueJob(ctx context.Context, queue, key, payload string, priority, maxAttempts int, delay time.Duration) (*Job, error) {
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	job := &Job{
		ID:          uuid.NewString(),
		Queue:       queue,
		Key:         key,
		Priority:    priority,
		Status:      JobStatusWaiting,
		Payload:     payload,
		MaxAttempts: maxAttempts,
		AvailableAt: time.Now().UTC().Add(delay),
	}
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin enqueue tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		if key != "" {
			if _, err := tx.ExecContext(ctx, `
				DELETE FROM jobs WHERE key = ? AND status = 'waiting';
			`, key); err != nil {
				return fmt.Errorf("replace keyed job: %w", err)
			}
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO jobs (id, queue, key, priority, status, payload, max_attempts, available_at, created_at, updated_at)
			VALUES (?, ?, NULLIF(?, ''), ?, 'waiting', ?, ?, ?, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP);
		`, job.ID, queue, key, priority, payload, maxAttempts, sqlTime(job.AvailableAt)); err != nil {
			return fmt.Errorf("insert job: %w", err)
		}
		return tx.Commit()
	})
	if err != nil {
		return nil, err
	}
	return job, nil
}

// ClaimJob atomically takes the most urgent available job from a queue, or
// returns nil when none is ready.
func (s *Store) ClaimJob(ctx context.Context, queue string) (*Job, error) {
	var result *Job
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin claim tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		row := tx.QueryRowContext(ctx, `
			SELECT id, queue, COALESCE(key, ''), priority, status, payload,
				COALESCE(result, ''), COALESCE(error, ''), attempts, max_attempts,
				available_at, created_at, updated_at
			FROM jobs
			WHERE queue = ? AND status = 'waiting' AND available_at <= CURRENT_TIMESTAMP
			ORDER BY priority ASC, created_at ASC, id ASC
			LIMIT 1;
		`, queue)
		job, err := scanJob(row.Scan)
		if errors.Is(err, sql.ErrNoRows) {
			result = nil
			return nil
		}
		if err != nil {
			return fmt.Errorf("select waiting job: %w", err)
		}

		res, err := tx.ExecContext(ctx, `
			UPDATE jobs
			SET status = 'active', attempts = attempts + 1, updated_at = CURRENT_TIMESTAMP
			WHERE id = ? AND status = 'waiting';
		`, job.ID)
		if err != nil {
			return fmt.Errorf("claim job: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("claim rows affected: %w", err)
		}
		if n != 1 {
			result = nil
			return nil
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit claim tx: %w", err)
		}
		job.Status = JobStatusActive
		job.Attempts++
		result = job
		return nil
	})
	return result, err
}

// CompleteJob marks an active job done and stores its result.
func (s *Store) CompleteJob(ctx context.Context, id, result string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs
		SET status = 'done', result = ?, error = NULL, updated_at = CURRENT_TIMESTAMP
		WHERE id = ? AND status = 'active';
	`, result, id)
	if err != nil {
		return fmt.Errorf("complete job: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("complete rows affected: %w", err)
	}
	if n == 0 {
		return ErrJobNotFound
	}
	return nil
}

// FailJob records a failure. Below the attempt cap the job returns to waiting
// with an exponential delay; at the cap it goes terminal. Returns true when
// the job was requeued for another attempt.
func (s *Store) FailJob(ctx context.Context, id, errMsg string) (retried bool, err error) {
	err = retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin fail tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		var attempts, maxAttempts int
		if err := tx.QueryRowContext(ctx, `
			SELECT attempts, max_attempts FROM jobs WHERE id = ? AND status = 'active';
		`, id).Scan(&attempts, &maxAttempts); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return ErrJobNotFound
			}
			return fmt.Errorf("select job for failure: %w", err)
		}

		if attempts >= maxAttempts {
			if _, err := tx.ExecContext(ctx, `
				UPDATE jobs SET status = 'failed', error = ?, updated_at = CURRENT_TIMESTAMP
				WHERE id = ?;
			`, errMsg, id); err != nil {
				return fmt.Errorf("mark job failed: %w", err)
			}
			retried = false
			return tx.Commit()
		}

		delay := retryDelay(attempts)
		if _, err := tx.ExecContext(ctx, `
			UPDATE jobs
			SET status = 'waiting', error = ?, available_at = ?, updated_at = CURRENT_TIMESTAMP
			WHERE id = ?;
		`, errMsg, sqlTime(time.Now().Add(delay)), id); err != nil {
			return fmt.Errorf("requeue job: %w", err)
		}
		retried = true
		return tx.Commit()
	})
	return retried, err
}

// retryDelay doubles per attempt: 1s, 2s, 4s... capped at 30s.
func retryDelay(attempt int) time.Duration {
	delay := 1 * time.Second
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= 30*time.Second {
			return 30 * time.Second
		}
	}
	return delay
}

func (s *Store) GetJob(ctx context.Context, id string) (*Job, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, queue, COALESCE(key, ''), priority, status, payload,
			COALESCE(result, ''), COALESCE(error, ''), attempts, max_attempts,
			available_at, created_at, updated_at
		FROM jobs WHERE id = ?;
	`, id)
	job, err := scanJob(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return job, nil
}

// ListWaitingJobs returns waiting jobs for a queue in claim order.
func (s *Store) ListWaitingJobs(ctx context.Context, queue string) ([]Job, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, queue, COALESCE(key, ''), priority, status, payload,
			COALESCE(result, ''), COALESCE(error, ''), attempts, max_attempts,
			available_at, created_at, updated_at
		FROM jobs
		WHERE queue = ? AND status = 'waiting'
		ORDER BY priority ASC, created_at ASC, id ASC;
	`, queue)
	if err != nil {
		return nil, fmt.Errorf("list waiting jobs: %w", err)
	}
	defer rows.Close()

	var out []Job
	for rows.Next() {
		job, err := scanJob(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		out = append(out, *job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("job rows: %w", err)
	}
	return out, nil
}

// RemoveWaitingJob deletes a waiting job by id. Active jobs are untouched:
// whoever claimed them owns their fate.
func (s *Store) RemoveWaitingJob(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM jobs WHERE id = ? AND status = 'waiting';
	`, id)
	if err != nil {
		return false, fmt.Errorf("remove waiting job: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("remove rows affected: %w", err)
	}
	return n == 1, nil
}

// RemoveWaitingJobsByKey deletes all waiting jobs with the given key.
func (s *Store) RemoveWaitingJobsByKey(ctx context.Context, key string) (int64, error) {
	if key == "" {
		return 0, nil
	}
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM jobs WHERE key = ? AND status = 'waiting';
	`, key)
	if err != nil {
		return 0, fmt.Errorf("remove jobs by key: %w", err)
	}
	return res.RowsAffected()
}

// RecoverActiveJobs returns jobs stuck in active (a previous process died
// mid-run) to waiting so they are retried. Called once at startup.
func (s *Store) RecoverActiveJobs(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET status = 'waiting', updated_at = CURRENT_TIMESTAMP
		WHERE status = 'active';
	`)
	if err != nil {
		return 0, fmt.Errorf("recover active jobs: %w", err)
	}
	return res.RowsAffected()
}

// PruneFinishedJobs keeps only the newest retain terminal jobs per queue.
func (s *Store) PruneFinishedJobs(ctx context.Context, queue string, retain int) (int64, error) {
	if retain <= 0 {
		retain = 200
	}
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM jobs
		WHERE queue = ? AND status IN ('done', 'failed')
		AND id NOT IN (
			SELECT id FROM jobs
			WHERE queue = ? AND status IN ('done', 'failed')
			ORDER BY updated_at DESC, id DESC
			LIMIT ?
		);
	`, queue, queue, retain)
	if err != nil {
		return 0, fmt.Errorf("prune finished jobs: %w", err)
	}
	return res.RowsAffected()
}

func scanJob(scanFn func(dest ...any) error) (*Job, error) {
	var (
		job    Job
		status string
	)
	if err := scanFn(
		&job.ID,
		&job.Queue,
		&job.Key,
		&job.Priority,
		&status,
		&job.Payload,
		&job.Result,
		&job.Error,
		&job.Attempts,
		&job.MaxAttempts,
		&job.AvailableAt,
		&job.CreatedAt,
		&job.UpdatedAt,
	); err != nil {
		return nil, err
	}
	job.Status = JobStatus(status)
	return &job, nil
}
