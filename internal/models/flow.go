package models

import (
	"encoding/json"
	"fmt"
	"strings"
)

// FlowConfig is the decoded action_config of a flow event.
type FlowConfig struct {
	FlowID         string         `json:"flow_id"`
	Name           string         `json:"name,omitempty"`
	Trigger        FlowTrigger    `json:"trigger,omitempty"`
	Steps          []FlowStep     `json:"steps"`
	TriggerPayload map[string]any `json:"trigger_payload,omitempty"`
}

// FlowTrigger describes how a flow is started. For chained flows the
// condition gates on the parent flow's completion status.
type FlowTrigger struct {
	Type      string `json:"type,omitempty"`
	AfterFlow string `json:"after,omitempty"`
	Condition string `json:"condition,omitempty"`
	Schedule  string `json:"schedule,omitempty"`
}

// Chain trigger conditions. Any other value is treated as success.
const (
	ChainOnSuccess = "success"
	ChainOnFailure = "failure"
	ChainOnBoth    = "both"
	ChainOnAlways  = "always"
)

// FlowStep is one sequential step of a flow.
type FlowStep struct {
	ID     string         `json:"id,omitempty"`
	Action string         `json:"action,omitempty"`
	Config map[string]any `json:"config,omitempty"`
	Agent  string         `json:"agent,omitempty"`

	// Condition gates execution; every clause must be truthy after
	// interpolation. "when" is an accepted alias.
	Condition StringList `json:"condition,omitempty"`
	When      StringList `json:"when,omitempty"`

	// SkipUnlessError marks an error-handler step that only runs after an
	// earlier step has failed.
	SkipUnlessError bool `json:"skip_unless_error,omitempty"`

	// OnError is "fail" (default), "continue", or "goto:<step id>".
	OnError string `json:"on_error,omitempty"`

	Retry *FlowRetry `json:"retry,omitempty"`
}

// Clauses returns the step's condition clauses, honoring the "when" alias.
func (s *FlowStep) Clauses() []string {
	if len(s.Condition) > 0 {
		return s.Condition
	}
	return s.When
}

// FlowRetry configures per-step retry. Backoff entries are seconds; attempts
// beyond the schedule reuse the last entry.
type FlowRetry struct {
	Attempts int       `json:"attempts"`
	Backoff  []float64 `json:"backoff,omitempty"`
}

// StringList decodes a JSON string or array of strings.
type StringList []string

// UnmarshalJSON accepts "x" and ["x","y"].
func (l *StringList) UnmarshalJSON(data []byte) error {
	trimmed := strings.TrimSpace(string(data))
	if trimmed == "null" {
		*l = nil
		return nil
	}
	if strings.HasPrefix(trimmed, "[") {
		var list []string
		if err := json.Unmarshal(data, &list); err != nil {
			return err
		}
		*l = list
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	if s == "" {
		*l = nil
		return nil
	}
	*l = StringList{s}
	return nil
}

// ParseFlowConfig decodes and validates a flow's action_config. Step ids
// default to step-<index>, actions default to claude_chat, and goto targets
// must name a later step.
func ParseFlowConfig(raw json.RawMessage) (*FlowConfig, error) {
	var cfg FlowConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse flow config: %w", err)
	}
	if cfg.FlowID == "" {
		cfg.FlowID = "unknown"
	}
	if cfg.Name == "" {
		cfg.Name = cfg.FlowID
	}

	index := make(map[string]int, len(cfg.Steps))
	for i := range cfg.Steps {
		step := &cfg.Steps[i]
		if step.ID == "" {
			step.ID = fmt.Sprintf("step-%d", i)
		}
		if step.Action == "" {
			step.Action = ActionClaudeChat
		}
		if step.OnError == "" {
			step.OnError = "fail"
		}
		index[step.ID] = i
	}

	for i := range cfg.Steps {
		step := &cfg.Steps[i]
		target, ok := strings.CutPrefix(step.OnError, "goto:")
		if !ok {
			continue
		}
		j, exists := index[target]
		if !exists {
			return nil, fmt.Errorf("flow %s: step %s on_error goto target %q does not exist", cfg.FlowID, step.ID, target)
		}
		if j <= i {
			return nil, fmt.Errorf("flow %s: step %s on_error goto target %q must be a later step", cfg.FlowID, step.ID, target)
		}
	}
	return &cfg, nil
}
