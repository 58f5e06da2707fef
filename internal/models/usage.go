package models

import "time"

// UsageRecord tracks token usage for one LLM invocation.
type UsageRecord struct {
	ID                  int64     `json:"id"`
	Workspace           string    `json:"workspace,omitempty"`
	Agent               string    `json:"agent,omitempty"`
	SessionID           string    `json:"session_id,omitempty"`
	Source              string    `json:"source"`
	Model               string    `json:"model"`
	InputTokens         int64     `json:"input_tokens"`
	OutputTokens        int64     `json:"output_tokens"`
	CacheReadTokens     int64     `json:"cache_read_tokens"`
	CacheCreationTokens int64     `json:"cache_creation_tokens"`
	CostUSD             float64   `json:"cost_usd"`
	CreatedAt           time.Time `json:"created_at"`
}
