// Package queue provides the priority job queue with concurrency-key
// admission control and atomic single-claim dequeue.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nexaas/nexaas/internal/common"
	"github.com/nexaas/nexaas/internal/interfaces"
	"github.com/nexaas/nexaas/internal/models"
)

// Queue fronts the job store with enqueue dedup and completion accounting.
type Queue struct {
	jobs   interfaces.JobStore
	logger *common.Logger
}

// New creates a queue over the given job store.
func New(jobs interfaces.JobStore, logger *common.Logger) *Queue {
	return &Queue{jobs: jobs, logger: logger}
}

// Enqueue inserts a queued job. Priority is stored verbatim; 0 is the most
// urgent value, defaults belong to whoever builds the event. When
// concurrencyKey is set and a job with the same key is already queued or
// running, the call is a silent dedup hit: (0, false, nil).
func (q *Queue) Enqueue(ctx context.Context, actionType string, actionConfig json.RawMessage,
	eventID, source string, priority int, concurrencyKey string) (int64, bool, error) {

	if concurrencyKey != "" {
		active, err := q.jobs.HasActiveJob(ctx, concurrencyKey)
		if err != nil {
			return 0, false, fmt.Errorf("enqueue dedup check: %w", err)
		}
		if active {
			q.logger.Debug().
				Str("action_type", actionType).
				Str("key", concurrencyKey).
				Msg("Skipped enqueue, job with key already active")
			return 0, false, nil
		}
	}

	job := &models.Job{
		EventID:        eventID,
		Source:         source,
		Priority:       priority,
		ConcurrencyKey: concurrencyKey,
		ActionType:     actionType,
		ActionConfig:   actionConfig,
		Status:         models.JobStatusQueued,
		QueuedAt:       time.Now(),
	}
	id, err := q.jobs.Insert(ctx, job)
	if err != nil {
		return 0, false, err
	}

	q.logger.Info().
		Int64("job_id", id).
		Str("action_type", actionType).
		Str("event_id", eventID).
		Msg("Enqueued job")
	return id, true, nil
}

// Dequeue claims the next eligible job for the worker, or returns nil when
// the queue is empty or every queued row is excluded by a running
// concurrency key.
func (q *Queue) Dequeue(ctx context.Context, workerID string) (*models.Job, error) {
	return q.jobs.Claim(ctx, workerID, time.Now())
}

// CompleteJob transitions a job to completed (no error) or failed.
func (q *Queue) CompleteJob(ctx context.Context, id int64, result, errMsg string) error {
	if err := q.jobs.Complete(ctx, id, result, errMsg, time.Now()); err != nil {
		return err
	}
	status := models.JobStatusCompleted
	if errMsg != "" {
		status = models.JobStatusFailed
	}
	q.logger.Info().Int64("job_id", id).Str("status", status).Msg("Job finished")
	return nil
}

// Status returns per-status counts and the most recent rows.
func (q *Queue) Status(ctx context.Context) (*models.QueueStatus, error) {
	counts, err := q.jobs.CountByStatus(ctx)
	if err != nil {
		return nil, err
	}
	recent, err := q.jobs.Recent(ctx, 20)
	if err != nil {
		return nil, err
	}
	return &models.QueueStatus{Counts: counts, Recent: recent}, nil
}
