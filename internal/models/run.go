package models

import "time"

// Run is an immutable record of one job execution attempt.
type Run struct {
	ID          int64     `json:"id"`
	EventID     string    `json:"event_id,omitempty"`
	StartedAt   time.Time `json:"started_at"`
	CompletedAt time.Time `json:"completed_at"`
	Result      string    `json:"result"`
	Output      string    `json:"output,omitempty"`
	DurationMS  int64     `json:"duration_ms"`
	Error       string    `json:"error,omitempty"`
	WorkerID    string    `json:"worker_id"`
}

// MaxRunOutputLen caps the output column of a run row.
const MaxRunOutputLen = 10000

// MaxEventOutputLen caps the last_output column on an event row.
const MaxEventOutputLen = 2000
