package interfaces

import (
	"context"
	"encoding/json"
)

// Runnable is the lifecycle contract shared by the engine and the worker
// pool. The ops monitor restarts either through this interface.
type Runnable interface {
	Start()
	Stop()
	Running() bool
}

// JobQueue is the enqueue contract used by the engine and by HTTP triggers.
type JobQueue interface {
	// Enqueue inserts a queued job. Returns (0, false, nil) when a job with
	// the same concurrency key is already queued or running (dedup hit).
	Enqueue(ctx context.Context, actionType string, actionConfig json.RawMessage,
		eventID, source string, priority int, concurrencyKey string) (int64, bool, error)
}

// Executor runs one action. The returned string is the action output; a
// result beginning with "error" signals a soft (retryable) failure, a
// returned error is fatal.
type Executor func(ctx context.Context, config map[string]any) (string, error)
