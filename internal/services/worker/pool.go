// Package worker runs the pool that claims jobs from the queue and executes
// them through the action registry.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nexaas/nexaas/internal/common"
	"github.com/nexaas/nexaas/internal/interfaces"
	"github.com/nexaas/nexaas/internal/models"
	"github.com/nexaas/nexaas/internal/services/bus"
)

// jobQueue is the slice of the queue service the pool consumes.
type jobQueue interface {
	Dequeue(ctx context.Context, workerID string) (*models.Job, error)
	CompleteJob(ctx context.Context, id int64, result, errMsg string) error
}

// Pool claims and executes jobs with N concurrent workers.
type Pool struct {
	queue  jobQueue
	events interfaces.EventStore
	runs   interfaces.RunStore
	bus    *bus.Bus
	logger *common.Logger
	config common.WorkerConfig

	registry map[string]interfaces.Executor

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
}

// NewPool creates a pool with the default action registry: claude_chat and
// skill through the Claude runner, script, webhook, and flow.
func NewPool(
	q jobQueue,
	storage interfaces.StorageManager,
	b *bus.Bus,
	logger *common.Logger,
	workerCfg common.WorkerConfig,
	claudeCfg common.ClaudeConfig,
) *Pool {
	sessions := NewSessionManager(claudeCfg, logger)
	claude := NewClaudeRunner(sessions, storage.Usage(), logger)
	flows := NewFlowRunner(storage.Events(), b, logger)

	p := &Pool{
		queue:  q,
		events: storage.Events(),
		runs:   storage.Runs(),
		bus:    b,
		logger: logger,
		config: workerCfg,
		registry: map[string]interfaces.Executor{
			models.ActionClaudeChat: claude.Chat,
			models.ActionSkill:      claude.Skill,
			models.ActionScript:     ScriptExecutor(claudeCfg.WorkspaceRoot),
			models.ActionWebhook:    WebhookExecutor(&http.Client{}),
			models.ActionFlow:       flows.Execute,
		},
	}
	flows.BindRegistry(p.Executor)
	return p
}

// Executor returns the registered executor for an action type, or nil.
func (p *Pool) Executor(action string) interfaces.Executor {
	return p.registry[action]
}

// Register installs or replaces an executor. Used by tests to stub actions.
func (p *Pool) Register(action string, executor interfaces.Executor) {
	p.registry[action] = executor
}

// Start launches the worker goroutines. Safe to call again after Stop.
func (p *Pool) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	p.running = true

	size := p.config.GetPoolSize()
	for i := 0; i < size; i++ {
		workerID := fmt.Sprintf("worker-%d-%s", i, uuid.NewString()[:4])
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			defer func() {
				if r := recover(); r != nil {
					p.logger.Error().
						Str("worker_id", workerID).
						Str("panic", fmt.Sprintf("%v", r)).
						Str("stack", string(debug.Stack())).
						Msg("Recovered from panic in worker loop")
				}
			}()
			p.workerLoop(ctx, workerID)
		}()
	}
	p.logger.Info().Int("workers", size).Msg("Worker pool started")
}

// Stop cancels the loops and waits for in-flight jobs to finish.
func (p *Pool) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	cancel := p.cancel
	p.cancel = nil
	p.mu.Unlock()

	cancel()
	p.wg.Wait()
	p.logger.Info().Msg("Worker pool stopped")
}

// Running reports whether the pool loops are active.
func (p *Pool) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

func (p *Pool) workerLoop(ctx context.Context, workerID string) {
	p.logger.Info().Str("worker_id", workerID).Msg("Worker started")
	idle := p.config.GetIdleSleep()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		job, err := p.queue.Dequeue(ctx, workerID)
		if err != nil {
			p.logger.Error().Err(err).Str("worker_id", workerID).Msg("Dequeue failed")
			ctxSleep(ctx, idle)
			continue
		}
		if job == nil {
			ctxSleep(ctx, idle)
			continue
		}
		p.processJob(ctx, workerID, job)
	}
}

// processJob executes one claimed job. Executor panics fail the job but
// never kill the worker.
func (p *Pool) processJob(ctx context.Context, workerID string, job *models.Job) {
	p.logger.Info().
		Str("worker_id", workerID).
		Int64("job_id", job.ID).
		Str("action_type", job.ActionType).
		Msg("Processing job")

	started := time.Now()

	executor := p.registry[job.ActionType]
	if executor == nil {
		errMsg := "Unknown action_type: " + job.ActionType
		p.finishJob(ctx, workerID, job, started, "", errMsg)
		return
	}

	var config map[string]any
	if len(job.ActionConfig) > 0 {
		if err := json.Unmarshal(job.ActionConfig, &config); err != nil {
			p.finishJob(ctx, workerID, job, started, "", "invalid action_config: "+err.Error())
			return
		}
	}
	if config == nil {
		config = map[string]any{}
	}

	output, err := p.safeExecute(ctx, executor, config)
	errMsg := ""
	if err != nil {
		errMsg = err.Error()
		output = ""
	} else if strings.HasPrefix(output, "error") {
		errMsg = output
	}
	p.finishJob(ctx, workerID, job, started, output, errMsg)
}

// safeExecute converts an executor panic into an error.
func (p *Pool) safeExecute(ctx context.Context, executor interfaces.Executor, config map[string]any) (output string, err error) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error().
				Str("panic", fmt.Sprintf("%v", r)).
				Str("stack", string(debug.Stack())).
				Msg("Executor panicked")
			output = ""
			err = fmt.Errorf("executor panic: %v", r)
		}
	}()
	return executor(ctx, config)
}

// finishJob records the terminal transition, the run row, the event
// accounting, and the bus notification.
func (p *Pool) finishJob(ctx context.Context, workerID string, job *models.Job, started time.Time, output, errMsg string) {
	result := models.ResultSuccess
	if errMsg != "" {
		result = models.ResultFailed
	}

	if err := p.queue.CompleteJob(ctx, job.ID, result, errMsg); err != nil {
		p.logger.Error().Err(err).Int64("job_id", job.ID).Msg("Failed to complete job")
	}

	now := time.Now()
	run := &models.Run{
		EventID:     job.EventID,
		StartedAt:   started,
		CompletedAt: now,
		Result:      result,
		Output:      output,
		DurationMS:  now.Sub(started).Milliseconds(),
		Error:       errMsg,
		WorkerID:    workerID,
	}
	if err := p.runs.Insert(ctx, run); err != nil {
		p.logger.Error().Err(err).Int64("job_id", job.ID).Msg("Failed to record run")
	}

	if job.EventID != "" {
		eventOutput := output
		if errMsg != "" {
			eventOutput = errMsg
		}
		if err := p.events.ApplyRunResult(ctx, job.EventID, errMsg == "", eventOutput, now); err != nil {
			p.logger.Error().Err(err).Str("event_id", job.EventID).Msg("Failed to apply run result")
		}
	}

	topic := models.TopicJobCompleted
	data := map[string]any{
		"job_id":   job.ID,
		"event_id": job.EventID,
		"result":   result,
	}
	if errMsg != "" && output == "" {
		// A thrown failure rather than a soft "error" result.
		topic = models.TopicJobFailed
		data["error"] = errMsg
	}
	p.bus.Publish(ctx, topic, data, "worker")

	p.logger.Info().
		Str("worker_id", workerID).
		Int64("job_id", job.ID).
		Str("result", result).
		Dur("duration", now.Sub(started)).
		Msg("Job finished")
}
