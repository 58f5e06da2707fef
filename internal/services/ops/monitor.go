// Package ops runs the self-healing monitor: health checks, loop restarts,
// stale job reaping, lock eviction, and alert escalation.
package ops

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"runtime/debug"
	"strconv"
	"sync"
	"time"

	"github.com/nexaas/nexaas/internal/common"
	"github.com/nexaas/nexaas/internal/interfaces"
	"github.com/nexaas/nexaas/internal/models"
	"github.com/nexaas/nexaas/internal/services/bus"
)

// restartWindow bounds automatic restarts: at most restartBudget restarts of
// a loop per window before the monitor escalates instead.
const (
	restartWindow = 10 * time.Minute
	restartBudget = 3

	pendingCutoff  = 5 * time.Minute
	webhookTimeout = 10 * time.Second
	failedLookback = time.Hour
)

// Monitor watches the engine and worker pool, heals what it can, and
// escalates what it cannot.
type Monitor struct {
	storage interfaces.StorageManager
	bus     *bus.Bus
	engine  interfaces.Runnable
	workers interfaces.Runnable
	logger  *common.Logger
	config  common.OpsConfig
	client  *http.Client

	workerSize int

	mu             sync.Mutex
	cancel         context.CancelFunc
	wg             sync.WaitGroup
	running        bool
	engineRestarts []time.Time
	workerRestarts []time.Time
}

// NewMonitor creates a monitor over the engine and worker pool.
func NewMonitor(
	storage interfaces.StorageManager,
	b *bus.Bus,
	engine, workers interfaces.Runnable,
	workerSize int,
	logger *common.Logger,
	config common.OpsConfig,
) *Monitor {
	return &Monitor{
		storage:    storage,
		bus:        b,
		engine:     engine,
		workers:    workers,
		workerSize: workerSize,
		logger:     logger,
		config:     config,
		client:     &http.Client{Timeout: webhookTimeout},
	}
}

// Start launches the monitor loop. A disabled monitor never starts.
func (m *Monitor) Start() {
	if !m.config.Enabled {
		m.logger.Info().Msg("Ops monitor disabled via config")
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	m.running = true

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				m.logger.Error().
					Str("panic", fmt.Sprintf("%v", r)).
					Str("stack", string(debug.Stack())).
					Msg("Recovered from panic in ops monitor loop")
			}
		}()
		m.loop(ctx)
	}()

	m.logger.Info().Dur("interval", m.config.Interval()).Msg("Ops monitor started")
}

// Stop cancels the loop and waits for the current tick to finish.
func (m *Monitor) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	cancel := m.cancel
	m.cancel = nil
	m.mu.Unlock()

	cancel()
	m.wg.Wait()
	m.logger.Info().Msg("Ops monitor stopped")
}

// Running reports whether the monitor loop is active.
func (m *Monitor) Running() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

func (m *Monitor) loop(ctx context.Context) {
	ticker := time.NewTicker(m.config.Interval())
	defer ticker.Stop()

	for {
		m.Tick(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Tick runs one full health pass. Exported for tests and the heal API.
func (m *Monitor) Tick(ctx context.Context) {
	if err := m.storage.Ping(ctx); err != nil {
		m.alert(ctx, models.SeverityCritical, models.CategoryDB, "Database is unreachable", false, nil)
		return
	}

	engineRunning := m.checkEngine(ctx)
	workersAlive := m.checkWorkers(ctx)

	if _, err := m.FailStaleJobs(ctx); err != nil {
		m.logger.Error().Err(err).Msg("Stale job check failed")
	}

	pending, err := m.storage.Jobs().CountQueuedBefore(ctx, time.Now().Add(-pendingCutoff))
	if err != nil {
		m.logger.Error().Err(err).Msg("Pending job count failed")
	}

	failedLastHour := m.checkFailureRate(ctx)

	staleLocks, err := m.ClearExpiredLocks(ctx)
	if err != nil {
		m.logger.Error().Err(err).Msg("Lock eviction failed")
	}

	workerCount := 0
	if m.workers.Running() {
		workerCount = m.workerSize
	}
	snap := &models.HealthSnapshot{
		EngineRunning:      engineRunning,
		WorkerCount:        workerCount,
		WorkersAlive:       workersAlive,
		PendingJobs:        pending,
		FailedJobsLastHour: failedLastHour,
		StaleLocks:         staleLocks,
		DBOk:               true,
	}
	if err := m.storage.Ops().InsertSnapshot(ctx, snap); err != nil {
		m.logger.Error().Err(err).Msg("Failed to write health snapshot")
	}
}

// checkEngine restarts a stopped engine within the restart budget.
func (m *Monitor) checkEngine(ctx context.Context) bool {
	if m.engine.Running() {
		return true
	}

	if !m.consumeBudget(&m.engineRestarts) {
		m.alert(ctx, models.SeverityCritical, models.CategoryEngine,
			"Engine restart failed repeatedly (>3 in 10min)", false, nil)
		return false
	}

	m.engine.Start()
	m.alert(ctx, models.SeverityInfo, models.CategoryEngine,
		"Event engine was stopped; auto-restarted", true, nil)
	return true
}

// checkWorkers restarts a stopped pool within the restart budget and returns
// the live worker count.
func (m *Monitor) checkWorkers(ctx context.Context) int {
	if m.workers.Running() {
		return m.workerSize
	}

	if !m.consumeBudget(&m.workerRestarts) {
		m.alert(ctx, models.SeverityCritical, models.CategoryWorker,
			"Worker pool restart failed repeatedly (>3 in 10min)", false, nil)
		return 0
	}

	m.workers.Start()
	m.alert(ctx, models.SeverityInfo, models.CategoryWorker,
		"Worker pool was stopped; auto-restarted", true, nil)
	return m.workerSize
}

// consumeBudget prunes restart timestamps outside the window and reserves a
// slot if one remains.
func (m *Monitor) consumeBudget(restarts *[]time.Time) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := time.Now().Add(-restartWindow)
	kept := (*restarts)[:0]
	for _, t := range *restarts {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	*restarts = kept

	if len(*restarts) >= restartBudget {
		return false
	}
	*restarts = append(*restarts, time.Now())
	return true
}

// FailStaleJobs force-fails jobs stuck in running past the timeout.
func (m *Monitor) FailStaleJobs(ctx context.Context) (int, error) {
	cutoff := time.Now().Add(-m.config.StaleJobTimeout())
	ids, err := m.storage.Jobs().StaleRunning(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	if len(ids) == 0 {
		return 0, nil
	}

	now := time.Now()
	failed := make([]int64, 0, len(ids))
	for _, id := range ids {
		ok, err := m.storage.Jobs().ForceFail(ctx, id, "Force-failed by ops monitor (stale)", now)
		if err != nil {
			m.logger.Error().Err(err).Int64("job_id", id).Msg("Failed to force-fail stale job")
			continue
		}
		if ok {
			failed = append(failed, id)
		}
	}
	if len(failed) == 0 {
		return 0, nil
	}

	m.alert(ctx, models.SeverityInfo, models.CategoryJob,
		fmt.Sprintf("Force-failed %d stale job(s)", len(failed)), true,
		map[string]any{"job_ids": failed})
	return len(failed), nil
}

// checkFailureRate alerts when the last hour's failures exceed the threshold.
func (m *Monitor) checkFailureRate(ctx context.Context) int {
	count, err := m.storage.Jobs().CountFailedSince(ctx, time.Now().Add(-failedLookback))
	if err != nil {
		m.logger.Error().Err(err).Msg("Failed job count failed")
		return 0
	}
	if count > m.config.MaxFailedJobsHour {
		m.alert(ctx, models.SeverityWarning, models.CategoryJob,
			fmt.Sprintf("High job failure rate: %d failures in last hour (threshold: %d)",
				count, m.config.MaxFailedJobsHour),
			false,
			map[string]any{"count": count, "threshold": m.config.MaxFailedJobsHour})
	}
	return count
}

// ClearExpiredLocks evicts expired event lock leases.
func (m *Monitor) ClearExpiredLocks(ctx context.Context) (int, error) {
	ids, err := m.storage.Events().ClearExpiredLocks(ctx, time.Now())
	if err != nil {
		return 0, err
	}
	if len(ids) > 0 {
		m.alert(ctx, models.SeverityInfo, models.CategoryEngine,
			fmt.Sprintf("Cleared %d expired event lock(s)", len(ids)), true,
			map[string]any{"event_ids": ids})
	}
	return len(ids), nil
}

// Heal executes a named heal action and returns a human-readable summary.
func (m *Monitor) Heal(ctx context.Context, action string) (string, error) {
	switch action {
	case models.HealRestartWorkers:
		if m.workers.Running() {
			m.workers.Stop()
		}
		m.workers.Start()
		m.alert(ctx, models.SeverityInfo, models.CategoryWorker,
			"Worker pool manually restarted", false, map[string]any{"source": "api"})
		return "Workers restarted", nil
	case models.HealRestartEngine:
		if m.engine.Running() {
			m.engine.Stop()
		}
		m.engine.Start()
		m.alert(ctx, models.SeverityInfo, models.CategoryEngine,
			"Event engine manually restarted", false, map[string]any{"source": "api"})
		return "Engine restarted", nil
	case models.HealClearLocks:
		count, err := m.ClearExpiredLocks(ctx)
		if err != nil {
			return "", err
		}
		return "Cleared " + strconv.Itoa(count) + " expired lock(s)", nil
	case models.HealFailStaleJobs:
		count, err := m.FailStaleJobs(ctx)
		if err != nil {
			return "", err
		}
		return "Force-failed " + strconv.Itoa(count) + " stale job(s)", nil
	default:
		return "", fmt.Errorf("unknown heal action: %s", action)
	}
}

// alert persists, publishes, and for critical severity escalates to the
// configured webhook.
func (m *Monitor) alert(ctx context.Context, severity, category, message string, autoHealed bool, details map[string]any) {
	rec := &models.Alert{
		Severity:   severity,
		Category:   category,
		Message:    message,
		AutoHealed: autoHealed,
		Details:    details,
	}
	if err := m.storage.Ops().InsertAlert(ctx, rec); err != nil {
		m.logger.Error().Err(err).Msg("Failed to persist ops alert")
	}

	m.bus.Publish(ctx, models.TopicOpsAlert, map[string]any{
		"severity":    severity,
		"category":    category,
		"message":     message,
		"auto_healed": autoHealed,
		"details":     details,
	}, "ops_monitor")

	if severity == models.SeverityCritical && m.config.WebhookURL != "" {
		m.postWebhook(ctx, severity, category, message, details)
	}
}

func (m *Monitor) postWebhook(ctx context.Context, severity, category, message string, details map[string]any) {
	payload, err := json.Marshal(map[string]any{
		"severity":  severity,
		"category":  category,
		"message":   message,
		"details":   details,
		"timestamp": common.NowISO(),
	})
	if err != nil {
		return
	}

	reqCtx, cancel := context.WithTimeout(ctx, webhookTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, m.config.WebhookURL, bytes.NewReader(payload))
	if err != nil {
		m.logger.Error().Err(err).Msg("Failed to build ops webhook request")
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := m.client.Do(req)
	if err != nil {
		m.logger.Error().Err(err).Msg("Failed to send ops webhook")
		return
	}
	resp.Body.Close()
}
