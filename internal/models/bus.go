package models

import "time"

// BusEvent is a journaled pub/sub record.
type BusEvent struct {
	ID        int64          `json:"id,omitempty"`
	Type      string         `json:"type"`
	Source    string         `json:"source,omitempty"`
	Data      map[string]any `json:"data"`
	CreatedAt time.Time      `json:"created_at"`
}

// Bus topics emitted by the core.
const (
	TopicEventTriggered = "event.triggered"
	TopicEventPaused    = "event.paused"
	TopicEventCreated   = "event.created"
	TopicEventUpdated   = "event.updated"
	TopicJobCompleted   = "job.completed"
	TopicJobFailed      = "job.failed"
	TopicFlowCompleted  = "flow.completed"
	TopicOpsAlert       = "ops.alert"

	// TopicWildcard matches every topic on subscribe.
	TopicWildcard = "*"
)

// SSEQueueCapacity bounds each attached stream queue. Overflow drops the
// event; the journal keeps the durable record.
const SSEQueueCapacity = 256
