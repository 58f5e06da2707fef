package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nexaas/nexaas/internal/common"
	"github.com/nexaas/nexaas/internal/interfaces"
	"github.com/nexaas/nexaas/internal/models"
	"github.com/nexaas/nexaas/internal/services/bus"
)

// FlowRunner interprets multi-step flow configs. Steps run sequentially;
// each step's output feeds later steps through interpolation.
type FlowRunner struct {
	events interfaces.EventStore
	bus    *bus.Bus
	logger *common.Logger

	// lookup resolves a step action to an executor. Set by the pool so
	// flow steps share the job-level registry.
	lookup func(action string) interfaces.Executor

	// sleep is replaceable in tests to make backoff instant.
	sleep func(ctx context.Context, d time.Duration)
}

// NewFlowRunner creates a runner; the executor lookup is bound later by the
// pool via BindRegistry.
func NewFlowRunner(events interfaces.EventStore, b *bus.Bus, logger *common.Logger) *FlowRunner {
	return &FlowRunner{
		events: events,
		bus:    b,
		logger: logger,
		lookup: func(string) interfaces.Executor { return nil },
		sleep:  ctxSleep,
	}
}

// BindRegistry wires the step-action lookup.
func (r *FlowRunner) BindRegistry(lookup func(action string) interfaces.Executor) {
	r.lookup = lookup
}

// Execute runs a flow to completion and returns the multi-line report. A
// failed flow returns a string prefixed "error: flow failed - <msg>".
func (r *FlowRunner) Execute(ctx context.Context, config map[string]any) (string, error) {
	raw, err := json.Marshal(config)
	if err != nil {
		return "", fmt.Errorf("encode flow config: %w", err)
	}
	cfg, err := models.ParseFlowConfig(raw)
	if err != nil {
		return "", err
	}
	if len(cfg.Steps) == 0 {
		return "error: flow has no steps", nil
	}

	r.logger.Info().
		Str("flow_id", cfg.FlowID).
		Str("name", cfg.Name).
		Int("steps", len(cfg.Steps)).
		Msg("Starting flow")

	fc := newFlowContext(cfg.FlowID, cfg.Name, cfg.TriggerPayload)
	var results []string
	success := true
	errorMessage := ""

	for i := 0; i < len(cfg.Steps); i++ {
		step := &cfg.Steps[i]

		if clauses := step.Clauses(); len(clauses) > 0 {
			met := true
			for _, clause := range clauses {
				if !truthy(fc.interpolate(clause)) {
					met = false
					break
				}
			}
			if !met {
				r.logger.Info().
					Str("flow_id", cfg.FlowID).
					Str("step", step.ID).
					Msg("Skipping step, condition not met")
				fc.steps[step.ID] = &stepState{Skipped: true}
				results = append(results, fmt.Sprintf("[%s] SKIPPED (condition not met)", step.ID))
				continue
			}
		}

		if step.SkipUnlessError && success {
			r.logger.Info().
				Str("flow_id", cfg.FlowID).
				Str("step", step.ID).
				Msg("Skipping error handler, no error")
			fc.steps[step.ID] = &stepState{Skipped: true}
			continue
		}

		stepConfig, _ := fc.interpolateValue(step.Config).(map[string]any)
		if stepConfig == nil {
			stepConfig = map[string]any{}
		}
		if step.Agent != "" {
			if _, has := stepConfig["agent"]; !has {
				stepConfig["agent"] = step.Agent
			}
		}

		r.logger.Info().
			Str("flow_id", cfg.FlowID).
			Str("step", step.ID).
			Str("action", step.Action).
			Msg("Executing step")

		var stepError string
		var stepOutput string
		executor := r.lookup(step.Action)
		if executor == nil {
			stepError = "Unknown action type: " + step.Action
		} else {
			stepOutput, stepError = r.runWithRetry(ctx, cfg.FlowID, step, executor, stepConfig)
		}

		fc.steps[step.ID] = &stepState{Output: stepOutput, Error: stepError}

		if stepError == "" {
			preview := stepOutput
			if len(preview) > 200 {
				preview = preview[:200]
			}
			results = append(results, fmt.Sprintf("[%s] OK: %s", step.ID, preview))
			continue
		}

		results = append(results, fmt.Sprintf("[%s] ERROR: %s", step.ID, stepError))
		switch {
		case step.OnError == "continue":
			continue
		case strings.HasPrefix(step.OnError, "goto:"):
			target := strings.TrimPrefix(step.OnError, "goto:")
			r.logger.Info().
				Str("flow_id", cfg.FlowID).
				Str("step", step.ID).
				Str("target", target).
				Msg("Continuing to error handler")
			// The flow keeps running in declaration order; marking the
			// failure is what arms the skip_unless_error handler. Parse
			// guarantees the target is a later step.
			success = false
			errorMessage = stepError
		default:
			success = false
			errorMessage = stepError
			i = len(cfg.Steps)
		}
	}

	if err := r.triggerChained(ctx, cfg.FlowID, success); err != nil {
		r.logger.Error().Err(err).Str("flow_id", cfg.FlowID).Msg("Failed to trigger chained flows")
	}

	r.bus.Publish(ctx, models.TopicFlowCompleted, map[string]any{
		"flow_id": cfg.FlowID,
		"success": success,
		"steps":   len(cfg.Steps),
		"error":   errorMessage,
	}, "worker")

	status := "SUCCESS"
	if !success {
		status = "FAILED"
	}
	lines := []string{
		fmt.Sprintf("Flow: %s (%s)", cfg.Name, cfg.FlowID),
		"Status: " + status,
		fmt.Sprintf("Steps: %d/%d", len(results), len(cfg.Steps)),
		"",
		"Results:",
	}
	lines = append(lines, results...)
	report := strings.Join(lines, "\n")

	if !success {
		return fmt.Sprintf("error: flow failed - %s\n\n%s", errorMessage, report), nil
	}
	return report, nil
}

// runWithRetry executes one step up to retry.attempts times. Both an
// "error"-prefixed output and a returned error count as retryable failures.
func (r *FlowRunner) runWithRetry(ctx context.Context, flowID string, step *models.FlowStep,
	executor interfaces.Executor, config map[string]any) (output, stepError string) {

	attempts := 1
	backoff := []float64{5}
	if step.Retry != nil {
		if step.Retry.Attempts > 0 {
			attempts = step.Retry.Attempts
		}
		if len(step.Retry.Backoff) > 0 {
			backoff = step.Retry.Backoff
		}
	}

	for attempt := 0; attempt < attempts; attempt++ {
		out, err := executor(ctx, config)
		if err != nil {
			output, stepError = "", err.Error()
			r.logger.Error().Err(err).
				Str("flow_id", flowID).
				Str("step", step.ID).
				Msg("Step execution error")
		} else if strings.HasPrefix(out, "error") {
			output, stepError = out, out
		} else {
			return out, ""
		}

		if attempt < attempts-1 {
			wait := backoff[min(attempt, len(backoff)-1)]
			r.logger.Info().
				Str("flow_id", flowID).
				Str("step", step.ID).
				Float64("wait_seconds", wait).
				Msg("Step failed, retrying")
			r.sleep(ctx, time.Duration(wait*float64(time.Second)))
		}
	}
	return output, stepError
}

// triggerChained advances every flow event chained to the completed flow
// whose trigger condition matches the completion status.
func (r *FlowRunner) triggerChained(ctx context.Context, flowID string, success bool) error {
	chained, err := r.events.ChainedFlowEvents(ctx, flowID)
	if err != nil {
		return err
	}

	now := time.Now()
	triggered := 0
	for _, event := range chained {
		var cfg models.FlowConfig
		if err := json.Unmarshal(event.ActionConfig, &cfg); err != nil {
			r.logger.Warn().Err(err).Str("event_id", event.ID).Msg("Skipping chained flow with bad config")
			continue
		}
		if !chainMatches(cfg.Trigger.Condition, success) {
			continue
		}
		if err := r.events.SetNextEvalNow(ctx, event.ID, now); err != nil {
			r.logger.Error().Err(err).Str("event_id", event.ID).Msg("Failed to advance chained flow")
			continue
		}
		triggered++
	}

	if triggered > 0 {
		r.logger.Info().
			Str("flow_id", flowID).
			Int("triggered", triggered).
			Msg("Triggered chained flows")
	}
	return nil
}

// chainMatches gates a chained flow on its parent's completion status.
// Unrecognized conditions behave like success.
func chainMatches(condition string, success bool) bool {
	switch condition {
	case models.ChainOnBoth, models.ChainOnAlways:
		return true
	case models.ChainOnFailure:
		return !success
	case models.ChainOnSuccess:
		return success
	default:
		return success
	}
}

func ctxSleep(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
