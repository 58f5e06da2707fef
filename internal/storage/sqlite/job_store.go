package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nexaas/nexaas/internal/common"
	"github.com/nexaas/nexaas/internal/models"
)

// JobStore manages the persistent job queue.
type JobStore struct {
	db *sql.DB
}

const jobColumns = `id, COALESCE(event_id, ''), source, priority,
	COALESCE(concurrency_key, ''), action_type, action_config, status,
	COALESCE(worker_id, ''), queued_at, COALESCE(started_at, ''),
	COALESCE(completed_at, ''), COALESCE(result, ''), COALESCE(error, '')`

func scanJob(row interface{ Scan(...any) error }) (*models.Job, error) {
	var j models.Job
	var config, queued, started, completed string

	err := row.Scan(&j.ID, &j.EventID, &j.Source, &j.Priority,
		&j.ConcurrencyKey, &j.ActionType, &config, &j.Status,
		&j.WorkerID, &queued, &started, &completed, &j.Result, &j.Error)
	if err != nil {
		return nil, err
	}

	j.ActionConfig = json.RawMessage(config)
	j.QueuedAt = common.ParseTime(queued)
	j.StartedAt = common.ParseTime(started)
	j.CompletedAt = common.ParseTime(completed)
	return &j, nil
}

// HasActiveJob reports whether any job with the key is queued or running.
func (s *JobStore) HasActiveJob(ctx context.Context, concurrencyKey string) (bool, error) {
	var id int64
	err := s.db.QueryRowContext(ctx, `
		SELECT id FROM job_queue
		WHERE concurrency_key = ? AND status IN ('queued', 'running')
		LIMIT 1`,
		concurrencyKey).Scan(&id)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("check active job key=%s: %w", concurrencyKey, err)
	}
	return true, nil
}

// Insert adds a queued row and returns its id.
func (s *JobStore) Insert(ctx context.Context, j *models.Job) (int64, error) {
	if j.Status == "" {
		j.Status = models.JobStatusQueued
	}
	if j.QueuedAt.IsZero() {
		j.QueuedAt = time.Now()
	}
	config := string(j.ActionConfig)
	if config == "" {
		config = "{}"
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO job_queue (event_id, source, priority, concurrency_key,
			action_type, action_config, status, queued_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		nullString(j.EventID), j.Source, j.Priority, nullString(j.ConcurrencyKey),
		j.ActionType, config, j.Status, common.FormatTime(j.QueuedAt))
	if err != nil {
		return 0, fmt.Errorf("insert job: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	j.ID = id
	return id, nil
}

// Claim is the atomic single-claim dequeue: one UPDATE with a correlated
// subquery picks the eligible row in (priority ASC, queued_at ASC) order,
// excluding concurrency keys that are currently running, and RETURNING
// hands it back. Two racing workers cannot claim the same row.
func (s *JobStore) Claim(ctx context.Context, workerID string, now time.Time) (*models.Job, error) {
	row := s.db.QueryRowContext(ctx, `
		UPDATE job_queue SET status = 'running', worker_id = ?, started_at = ?
		WHERE id = (
			SELECT id FROM job_queue
			WHERE status = 'queued'
			AND (concurrency_key IS NULL OR concurrency_key NOT IN (
				SELECT DISTINCT concurrency_key FROM job_queue
				WHERE status = 'running' AND concurrency_key IS NOT NULL
			))
			ORDER BY priority ASC, queued_at ASC
			LIMIT 1
		)
		RETURNING `+jobColumns,
		workerID, common.FormatTime(now))

	j, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim job: %w", err)
	}
	return j, nil
}

// Complete transitions a job to its terminal status.
func (s *JobStore) Complete(ctx context.Context, id int64, result, errMsg string, now time.Time) error {
	status := models.JobStatusCompleted
	if errMsg != "" {
		status = models.JobStatusFailed
	}
	_, err := s.db.ExecContext(ctx, `
		UPDATE job_queue SET status = ?, result = ?, error = ?, completed_at = ?
		WHERE id = ? AND status NOT IN ('completed', 'failed')`,
		status, result, nullString(errMsg), common.FormatTime(now), id)
	if err != nil {
		return fmt.Errorf("complete job %d: %w", id, err)
	}
	return nil
}

// Get returns one job or nil when absent.
func (s *JobStore) Get(ctx context.Context, id int64) (*models.Job, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+jobColumns+" FROM job_queue WHERE id = ?", id)
	j, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get job %d: %w", id, err)
	}
	return j, nil
}

// CountByStatus returns job counts per status.
func (s *JobStore) CountByStatus(ctx context.Context) (map[string]int, error) {
	counts := map[string]int{
		models.JobStatusQueued:    0,
		models.JobStatusRunning:   0,
		models.JobStatusCompleted: 0,
		models.JobStatusFailed:    0,
	}
	rows, err := s.db.QueryContext(ctx,
		"SELECT status, COUNT(*) FROM job_queue GROUP BY status")
	if err != nil {
		return nil, fmt.Errorf("count jobs: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

// Recent returns the most recent rows, newest first.
func (s *JobStore) Recent(ctx context.Context, limit int) ([]*models.Job, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+jobColumns+" FROM job_queue ORDER BY id DESC LIMIT ?", limit)
	if err != nil {
		return nil, fmt.Errorf("recent jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*models.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

// StaleRunning returns ids of running jobs started before the cutoff.
func (s *JobStore) StaleRunning(ctx context.Context, cutoff time.Time) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT id FROM job_queue WHERE status = 'running' AND started_at < ?",
		common.FormatTime(cutoff))
	if err != nil {
		return nil, fmt.Errorf("stale running jobs: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ForceFail fails a job only while it is still running.
func (s *JobStore) ForceFail(ctx context.Context, id int64, errMsg string, now time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE job_queue SET status = 'failed', error = ?, completed_at = ?
		WHERE id = ? AND status = 'running'`,
		errMsg, common.FormatTime(now), id)
	if err != nil {
		return false, fmt.Errorf("force fail job %d: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// CountQueuedBefore counts jobs queued before the cutoff and still queued.
func (s *JobStore) CountQueuedBefore(ctx context.Context, cutoff time.Time) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM job_queue WHERE status = 'queued' AND queued_at < ?",
		common.FormatTime(cutoff)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count queued before: %w", err)
	}
	return n, nil
}

// CountFailedSince counts jobs that failed after the cutoff.
func (s *JobStore) CountFailedSince(ctx context.Context, cutoff time.Time) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM job_queue WHERE status = 'failed' AND completed_at > ?",
		common.FormatTime(cutoff)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count failed since: %w", err)
	}
	return n, nil
}
