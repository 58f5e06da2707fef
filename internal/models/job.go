package models

import (
	"encoding/json"
	"time"
)

// Job is a unit of work owned by the queue. Jobs are created queued,
// transition once to running on claim, and once more to a terminal status.
type Job struct {
	ID             int64           `json:"id"`
	EventID        string          `json:"event_id,omitempty"`
	Source         string          `json:"source"`
	Priority       int             `json:"priority"`
	ConcurrencyKey string          `json:"concurrency_key,omitempty"`
	ActionType     string          `json:"action_type"`
	ActionConfig   json.RawMessage `json:"action_config"`
	Status         string          `json:"status"`
	WorkerID       string          `json:"worker_id,omitempty"`
	QueuedAt       time.Time       `json:"queued_at"`
	StartedAt      time.Time       `json:"started_at,omitzero"`
	CompletedAt    time.Time       `json:"completed_at,omitzero"`
	Result         string          `json:"result,omitempty"`
	Error          string          `json:"error,omitempty"`
}

// Job status constants
const (
	JobStatusQueued    = "queued"
	JobStatusRunning   = "running"
	JobStatusCompleted = "completed"
	JobStatusFailed    = "failed"
)

// Job result constants
const (
	ResultSuccess = "success"
	ResultFailed  = "failed"
)

// DefaultJobPriority applies when an event upsert omits a priority.
// 0 is a legal, most-urgent value, so only truly-omitted priorities default.
const DefaultJobPriority = 5

// QueueStatus summarizes queue state for introspection.
type QueueStatus struct {
	Counts map[string]int `json:"counts"`
	Recent []*Job         `json:"recent"`
}
