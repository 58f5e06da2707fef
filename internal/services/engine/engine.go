// Package engine runs the event evaluation loop: it scans for due events,
// fences each one behind a lease, evaluates its condition, and enqueues jobs.
package engine

import (
	"context"
	"fmt"
	"runtime/debug"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nexaas/nexaas/internal/common"
	"github.com/nexaas/nexaas/internal/interfaces"
	"github.com/nexaas/nexaas/internal/models"
	"github.com/nexaas/nexaas/internal/services/bus"
)

// onceHorizon pushes a one-shot event's next evaluation far enough out that
// it never comes due again.
const onceHorizon = 100 * 365 * 24 * time.Hour

// Engine is the tick loop. One instance per process; multiple processes are
// safe because every candidate is fenced by the per-event lock lease.
type Engine struct {
	events interfaces.EventStore
	queue  interfaces.JobQueue
	bus    *bus.Bus
	logger *common.Logger
	config common.EngineConfig

	instanceID string

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
}

// New creates an engine with a fresh instance id.
func New(events interfaces.EventStore, queue interfaces.JobQueue, b *bus.Bus,
	logger *common.Logger, config common.EngineConfig) *Engine {
	return &Engine{
		events:     events,
		queue:      queue,
		bus:        b,
		logger:     logger,
		config:     config,
		instanceID: uuid.NewString()[:8],
	}
}

// InstanceID returns the lock-holder identity of this engine.
func (e *Engine) InstanceID() string {
	return e.instanceID
}

// Start launches the tick loop. Safe to call again after Stop.
func (e *Engine) Start() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.running {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel
	e.running = true

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				e.logger.Error().
					Str("panic", fmt.Sprintf("%v", r)).
					Str("stack", string(debug.Stack())).
					Msg("Recovered from panic in engine loop")
			}
		}()
		e.loop(ctx)
	}()

	e.logger.Info().
		Str("instance_id", e.instanceID).
		Dur("tick", e.config.TickInterval()).
		Msg("Event engine started")
}

// Stop cancels the loop and waits for the current tick to finish.
func (e *Engine) Stop() {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return
	}
	e.running = false
	cancel := e.cancel
	e.cancel = nil
	e.mu.Unlock()

	cancel()
	e.wg.Wait()
	e.logger.Info().Str("instance_id", e.instanceID).Msg("Event engine stopped")
}

// Running reports whether the loop is active.
func (e *Engine) Running() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.running
}

func (e *Engine) loop(ctx context.Context) {
	ticker := time.NewTicker(e.config.TickInterval())
	defer ticker.Stop()

	for {
		if err := e.Tick(ctx); err != nil {
			e.logger.Error().Err(err).Msg("Engine tick error")
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Tick runs one evaluation pass. Exported so triggers and tests can force an
// immediate pass without waiting for the timer.
func (e *Engine) Tick(ctx context.Context) error {
	now := time.Now()
	candidates, err := e.events.DueCandidates(ctx, now)
	if err != nil {
		return fmt.Errorf("fetch due events: %w", err)
	}

	for _, event := range candidates {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		e.processCandidate(ctx, event, now)
	}
	return nil
}

// processCandidate evaluates one due event under its lock. Any error releases
// the lock without touching next_eval_at, so the event is retried next tick.
func (e *Engine) processCandidate(ctx context.Context, event *models.Event, now time.Time) {
	until := now.Add(e.config.LockDuration())
	got, err := e.events.AcquireLock(ctx, event.ID, e.instanceID, now, until)
	if err != nil {
		e.logger.Error().Err(err).Str("event_id", event.ID).Msg("Lock acquire failed")
		return
	}
	if !got {
		// Another instance or a prior tick holds the lease.
		return
	}

	if !conditionMet(event.ConditionType) {
		if event.ConditionType != models.ConditionWebhook && event.ConditionType != models.ConditionManual {
			e.logger.Debug().
				Str("event_id", event.ID).
				Str("condition_type", event.ConditionType).
				Msg("Skipping event with unhandled condition type")
		}
		e.releaseLock(ctx, event.ID)
		return
	}

	maxRetries := event.MaxRetries
	if maxRetries <= 0 {
		maxRetries = models.DefaultMaxRetries
	}
	if event.ConsecutiveFails >= maxRetries {
		e.logger.Warn().
			Str("event_id", event.ID).
			Int("consecutive_fails", event.ConsecutiveFails).
			Msg("Event exceeded max retries, pausing")
		if err := e.events.Pause(ctx, event.ID); err != nil {
			e.logger.Error().Err(err).Str("event_id", event.ID).Msg("Failed to pause event")
			e.releaseLock(ctx, event.ID)
			return
		}
		e.bus.Publish(ctx, models.TopicEventPaused, map[string]any{
			"event_id": event.ID,
			"reason":   "max_retries",
		}, "engine")
		return
	}

	jobID, enqueued, err := e.queue.Enqueue(ctx, event.ActionType, event.ActionConfig,
		event.ID, "engine", event.Priority, event.ConcurrencyKey)
	if err != nil {
		e.logger.Error().Err(err).Str("event_id", event.ID).Msg("Enqueue failed")
		e.releaseLock(ctx, event.ID)
		return
	}
	if !enqueued {
		// Deduplicated against an active job with the same key. Leave
		// next_eval_at alone so the event fires once the key clears.
		e.releaseLock(ctx, event.ID)
		return
	}

	next := e.computeNextEval(event.ConditionType, event.ConditionExpr, now)
	if err := e.events.AdvanceNextEval(ctx, event.ID, next, now); err != nil {
		e.logger.Error().Err(err).Str("event_id", event.ID).Msg("Failed to advance next_eval_at")
		e.releaseLock(ctx, event.ID)
		return
	}

	e.bus.Publish(ctx, models.TopicEventTriggered, map[string]any{
		"event_id": event.ID,
		"job_id":   jobID,
	}, "engine")
	e.logger.Info().
		Str("event_id", event.ID).
		Int64("job_id", jobID).
		Str("next_eval_at", common.FormatTime(next)).
		Msg("Event triggered")
}

func (e *Engine) releaseLock(ctx context.Context, id string) {
	if err := e.events.ReleaseLock(ctx, id); err != nil {
		e.logger.Error().Err(err).Str("event_id", id).Msg("Failed to release event lock")
	}
}

// conditionMet decides whether a due event actually fires. Schedule types
// fire whenever they are due. Chained flow events are only ever made due by
// chain advancement after a parent flow completes, so a due row means the
// chain condition already matched. Webhook and manual events are enqueued
// directly by the trigger API and never fire from the tick loop.
func conditionMet(conditionType string) bool {
	switch conditionType {
	case models.ConditionCron, models.ConditionInterval, models.ConditionOnce:
		return true
	case models.ConditionFlowChain:
		return true
	default:
		return false
	}
}

// computeNextEval returns the next evaluation time after a successful enqueue.
func (e *Engine) computeNextEval(conditionType, conditionExpr string, now time.Time) time.Time {
	switch conditionType {
	case models.ConditionInterval:
		seconds := parseIntervalSeconds(conditionExpr)
		return now.Add(time.Duration(seconds) * time.Second)
	case models.ConditionCron:
		// Approximate advancement. A real cron parser can refine this;
		// the invariant is strictly monotonic progress.
		return now.Add(60 * time.Second)
	case models.ConditionOnce:
		return now.Add(onceHorizon)
	case models.ConditionFlowChain:
		// Re-armed only by the next chain advancement.
		return now.Add(onceHorizon)
	default:
		return now.Add(e.config.TickInterval())
	}
}

func parseIntervalSeconds(expr string) int {
	seconds, err := strconv.Atoi(strings.TrimSpace(expr))
	if err != nil || seconds <= 0 {
		return 300
	}
	return seconds
}
