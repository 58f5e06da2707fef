// Package models defines the persisted types shared across the orchestrator.
package models

import (
	"encoding/json"
	"time"
)

// Event is a declarative schedule or trigger paired with an action.
// Events are upserted externally, evaluated by the engine, and mutated by
// workers through run accounting.
type Event struct {
	ID            string          `json:"id"`
	Type          string          `json:"type"`
	ConditionType string          `json:"condition_type"`
	ConditionExpr string          `json:"condition_expr"`
	NextEvalAt    time.Time       `json:"next_eval_at"`
	ActionType    string          `json:"action_type"`
	ActionConfig  json.RawMessage `json:"action_config"`
	Status        string          `json:"status"`

	// Priority: lower = more urgent.
	Priority       int    `json:"priority"`
	ConcurrencyKey string `json:"concurrency_key,omitempty"`

	MaxRetries          int    `json:"max_retries"`
	RetryBackoffMinutes string `json:"retry_backoff_minutes,omitempty"`
	ConsecutiveFails    int    `json:"consecutive_fails"`
	RunCount            int    `json:"run_count"`
	FailCount           int    `json:"fail_count"`

	LastRunAt  time.Time `json:"last_run_at,omitzero"`
	LastResult string    `json:"last_result,omitempty"`
	LastOutput string    `json:"last_output,omitempty"`

	// Soft lease held by one engine instance during evaluation.
	LockHolder    string    `json:"lock_holder,omitempty"`
	LockExpiresAt time.Time `json:"lock_expires_at,omitzero"`

	ExpiresAt   time.Time `json:"expires_at,omitzero"`
	Metadata    string    `json:"metadata,omitempty"`
	Description string    `json:"description,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Event status constants
const (
	EventStatusActive  = "active"
	EventStatusPaused  = "paused"
	EventStatusFailed  = "failed"
	EventStatusExpired = "expired"
)

// Condition type constants
const (
	ConditionCron      = "cron"
	ConditionInterval  = "interval"
	ConditionOnce      = "once"
	ConditionWebhook   = "webhook"
	ConditionManual    = "manual"
	ConditionFlowChain = "flow_chain"
)

// Action type constants
const (
	ActionClaudeChat = "claude_chat"
	ActionSkill      = "skill"
	ActionScript     = "script"
	ActionWebhook    = "webhook"
	ActionFlow       = "flow"
)

// EventTypeFlow tags events synced from flow definitions. The type column
// is a freeform tag; only flow chaining depends on this value.
const EventTypeFlow = "flow"

// DefaultMaxRetries applies when an event row carries no retry budget.
const DefaultMaxRetries = 3
