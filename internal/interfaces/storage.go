// Package interfaces defines the narrow contracts between the orchestrator's
// components. Services accept these interfaces and return concrete types.
package interfaces

import (
	"context"
	"time"

	"github.com/nexaas/nexaas/internal/models"
)

// StorageManager is the process-wide handle to the relational store.
type StorageManager interface {
	Events() EventStore
	Jobs() JobStore
	Runs() RunStore
	BusJournal() BusJournalStore
	Ops() OpsStore
	Usage() UsageStore

	// Ping verifies the database is reachable.
	Ping(ctx context.Context) error
	Close() error
}

// EventStore manages event rows: external upserts, engine mutation, and
// worker run accounting.
type EventStore interface {
	Upsert(ctx context.Context, event *models.Event) error
	Get(ctx context.Context, id string) (*models.Event, error)
	List(ctx context.Context, status string, limit int) ([]*models.Event, error)
	Delete(ctx context.Context, id string) error

	// DueCandidates returns active events with next_eval_at <= now whose
	// lock is vacant or expired.
	DueCandidates(ctx context.Context, now time.Time) ([]*models.Event, error)

	// AcquireLock writes holder/expiry only if the lock is still vacant or
	// expired. Returns false when another instance won the race.
	AcquireLock(ctx context.Context, id, holder string, now, until time.Time) (bool, error)
	ReleaseLock(ctx context.Context, id string) error

	// Pause sets status=paused and releases the lock.
	Pause(ctx context.Context, id string) error

	// AdvanceNextEval updates next_eval_at and updated_at and releases the lock.
	AdvanceNextEval(ctx context.Context, id string, next, now time.Time) error

	// SetNextEvalNow makes an event due immediately (manual/webhook/chain advance).
	SetNextEvalNow(ctx context.Context, id string, now time.Time) error

	// ApplyRunResult updates run accounting on the owning event: run_count
	// always increments; failure increments fail_count and consecutive_fails,
	// success resets consecutive_fails.
	ApplyRunResult(ctx context.Context, id string, success bool, output string, now time.Time) error

	// ChainedFlowEvents returns flow events chained to the given parent flow id.
	ChainedFlowEvents(ctx context.Context, flowID string) ([]*models.Event, error)

	// ClearExpiredLocks evicts every lease with lock_expires_at < now and
	// returns the affected event ids.
	ClearExpiredLocks(ctx context.Context, now time.Time) ([]string, error)
}

// JobStore manages the persistent job queue.
type JobStore interface {
	// HasActiveJob reports whether any job with the key is queued or running.
	HasActiveJob(ctx context.Context, concurrencyKey string) (bool, error)

	Insert(ctx context.Context, job *models.Job) (int64, error)

	// Claim atomically selects the single eligible queued row, respecting
	// concurrency-key exclusion and (priority ASC, queued_at ASC) order,
	// and transitions it to running. Returns nil when nothing is eligible.
	Claim(ctx context.Context, workerID string, now time.Time) (*models.Job, error)

	// Complete transitions a job to completed or failed. Terminal rows are
	// never re-animated.
	Complete(ctx context.Context, id int64, result, errMsg string, now time.Time) error

	Get(ctx context.Context, id int64) (*models.Job, error)
	CountByStatus(ctx context.Context) (map[string]int, error)
	Recent(ctx context.Context, limit int) ([]*models.Job, error)

	// StaleRunning returns ids of running jobs started before the cutoff.
	StaleRunning(ctx context.Context, cutoff time.Time) ([]int64, error)

	// ForceFail fails a job only if it is still running.
	ForceFail(ctx context.Context, id int64, errMsg string, now time.Time) (bool, error)

	CountQueuedBefore(ctx context.Context, cutoff time.Time) (int, error)
	CountFailedSince(ctx context.Context, cutoff time.Time) (int, error)
}

// RunStore appends to the immutable run ledger.
type RunStore interface {
	Insert(ctx context.Context, run *models.Run) error
	ListByEvent(ctx context.Context, eventID string, limit int) ([]*models.Run, error)
}

// BusJournalStore persists published bus events.
type BusJournalStore interface {
	Append(ctx context.Context, eventType, source string, data []byte, now time.Time) error
	Recent(ctx context.Context, limit int) ([]*models.BusEvent, error)
}

// OpsStore persists monitor alerts and health snapshots.
type OpsStore interface {
	InsertAlert(ctx context.Context, alert *models.Alert) error
	ListAlerts(ctx context.Context, limit int) ([]*models.Alert, error)
	AcknowledgeAlert(ctx context.Context, id int64) error
	InsertSnapshot(ctx context.Context, snap *models.HealthSnapshot) error
	LatestSnapshot(ctx context.Context) (*models.HealthSnapshot, error)
}

// UsageStore is the token-usage billing sink.
type UsageStore interface {
	Record(ctx context.Context, rec *models.UsageRecord) error
}
