package engine

import (
	"context"
	"encoding/json"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/nexaas/nexaas/internal/common"
	"github.com/nexaas/nexaas/internal/models"
	"github.com/nexaas/nexaas/internal/services/bus"
	"github.com/nexaas/nexaas/internal/services/queue"
	"github.com/nexaas/nexaas/internal/storage/sqlite"
)

// recordingSubscriber captures bus notifications for assertions.
type recordingSubscriber struct {
	mu     sync.Mutex
	events []string
}

func (r *recordingSubscriber) Notify(_ context.Context, eventType string, _ map[string]any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, eventType)
}

func (r *recordingSubscriber) seen(eventType string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.events {
		if e == eventType {
			return true
		}
	}
	return false
}

type testRig struct {
	store  *sqlite.Store
	queue  *queue.Queue
	bus    *bus.Bus
	engine *Engine
}

func newTestRig(t *testing.T) *testRig {
	t.Helper()
	logger := common.NewSilentLogger()
	store, err := sqlite.New(filepath.Join(t.TempDir(), "engine.db"), logger)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	b := bus.New(store.BusJournal(), logger)
	q := queue.New(store.Jobs(), logger)
	cfg := common.EngineConfig{TickSeconds: 30, LockSeconds: 120}
	return &testRig{
		store:  store,
		queue:  q,
		bus:    b,
		engine: New(store.Events(), q, b, logger, cfg),
	}
}

func (r *testRig) putEvent(t *testing.T, e *models.Event) {
	t.Helper()
	if err := r.store.Events().Upsert(context.Background(), e); err != nil {
		t.Fatalf("upsert: %v", err)
	}
}

func (r *testRig) queuedJobs(t *testing.T) int {
	t.Helper()
	counts, err := r.store.Jobs().CountByStatus(context.Background())
	if err != nil {
		t.Fatalf("counts: %v", err)
	}
	return counts[models.JobStatusQueued]
}

func dueInterval(id, expr string) *models.Event {
	return &models.Event{
		ID:            id,
		Type:          "schedule",
		ConditionType: models.ConditionInterval,
		ConditionExpr: expr,
		NextEvalAt:    time.Now().Add(-time.Second),
		ActionType:    models.ActionScript,
		ActionConfig:  json.RawMessage(`{"command":"true"}`),
		Status:        models.EventStatusActive,
	}
}

func TestTickIntervalEventEnqueuesAndAdvances(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	sub := &recordingSubscriber{}
	rig.bus.Subscribe(models.TopicEventTriggered, sub)
	rig.putEvent(t, dueInterval("ev-1", "300"))

	before := time.Now()
	if err := rig.engine.Tick(ctx); err != nil {
		t.Fatalf("tick: %v", err)
	}

	if n := rig.queuedJobs(t); n != 1 {
		t.Fatalf("queued jobs = %d, want 1", n)
	}
	if !sub.seen(models.TopicEventTriggered) {
		t.Fatal("event.triggered not published")
	}

	got, _ := rig.store.Events().Get(ctx, "ev-1")
	if got.LockHolder != "" {
		t.Fatalf("lock not released: %+v", got)
	}
	wantNext := before.Add(300 * time.Second)
	if got.NextEvalAt.Before(wantNext.Add(-2*time.Second)) || got.NextEvalAt.After(wantNext.Add(2*time.Second)) {
		t.Fatalf("next_eval_at = %v, want about %v", got.NextEvalAt, wantNext)
	}

	// No longer due: a second tick is a no-op.
	if err := rig.engine.Tick(ctx); err != nil {
		t.Fatalf("second tick: %v", err)
	}
	if n := rig.queuedJobs(t); n != 1 {
		t.Fatalf("second tick enqueued again: %d jobs", n)
	}
}

func TestTickWebhookAndManualNeverSelfTrigger(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	for _, cond := range []string{models.ConditionWebhook, models.ConditionManual} {
		e := dueInterval("ev-"+cond, "")
		e.ConditionType = cond
		rig.putEvent(t, e)
	}

	if err := rig.engine.Tick(ctx); err != nil {
		t.Fatalf("tick: %v", err)
	}
	if n := rig.queuedJobs(t); n != 0 {
		t.Fatalf("webhook/manual events enqueued %d jobs", n)
	}

	// next_eval_at untouched, lock released: the events stay due.
	got, _ := rig.store.Events().Get(ctx, "ev-webhook")
	if got.LockHolder != "" || !got.NextEvalAt.Before(time.Now()) {
		t.Fatalf("webhook event mutated: %+v", got)
	}
}

func TestTickPausesAfterMaxRetries(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	sub := &recordingSubscriber{}
	rig.bus.Subscribe(models.TopicEventPaused, sub)

	e := dueInterval("ev-1", "60")
	e.MaxRetries = 3
	rig.putEvent(t, e)
	for i := 0; i < 3; i++ {
		rig.store.Events().ApplyRunResult(ctx, "ev-1", false, "boom", time.Now())
	}

	if err := rig.engine.Tick(ctx); err != nil {
		t.Fatalf("tick: %v", err)
	}

	if n := rig.queuedJobs(t); n != 0 {
		t.Fatalf("paused event enqueued %d jobs", n)
	}
	got, _ := rig.store.Events().Get(ctx, "ev-1")
	if got.Status != models.EventStatusPaused {
		t.Fatalf("status = %q, want paused", got.Status)
	}
	if !sub.seen(models.TopicEventPaused) {
		t.Fatal("event.paused not published")
	}
}

func TestTickDedupKeepsNextEval(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	e := dueInterval("ev-1", "300")
	e.ConcurrencyKey = "nightly"
	rig.putEvent(t, e)

	// An active job already holds the key.
	_, _, err := rig.queue.Enqueue(ctx, "script", nil, "other", "api", 5, "nightly")
	if err != nil {
		t.Fatalf("seed job: %v", err)
	}

	if err := rig.engine.Tick(ctx); err != nil {
		t.Fatalf("tick: %v", err)
	}

	if n := rig.queuedJobs(t); n != 1 {
		t.Fatalf("dedup tick enqueued: %d jobs total", n)
	}
	got, _ := rig.store.Events().Get(ctx, "ev-1")
	if got.LockHolder != "" {
		t.Fatalf("lock not released on dedup: %+v", got)
	}
	if !got.NextEvalAt.Before(time.Now()) {
		t.Fatalf("next_eval_at advanced on dedup: %v", got.NextEvalAt)
	}
}

func TestTickRespectsForeignLock(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()
	now := time.Now()

	rig.putEvent(t, dueInterval("ev-1", "300"))
	ok, err := rig.store.Events().AcquireLock(ctx, "ev-1", "other-instance", now, now.Add(2*time.Minute))
	if err != nil || !ok {
		t.Fatalf("foreign lock: ok=%v err=%v", ok, err)
	}

	if err := rig.engine.Tick(ctx); err != nil {
		t.Fatalf("tick: %v", err)
	}
	if n := rig.queuedJobs(t); n != 0 {
		t.Fatalf("locked event was triggered: %d jobs", n)
	}
}

func TestDualInstancesTriggerOnce(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	logger := common.NewSilentLogger()
	cfg := common.EngineConfig{TickSeconds: 30, LockSeconds: 120}
	second := New(rig.store.Events(), rig.queue, rig.bus, logger, cfg)
	if second.InstanceID() == rig.engine.InstanceID() {
		t.Fatal("instances share an id")
	}

	rig.putEvent(t, dueInterval("ev-1", "300"))

	var wg sync.WaitGroup
	for _, e := range []*Engine{rig.engine, second} {
		wg.Add(1)
		go func(eng *Engine) {
			defer wg.Done()
			if err := eng.Tick(ctx); err != nil {
				t.Errorf("tick: %v", err)
			}
		}(e)
	}
	wg.Wait()

	if n := rig.queuedJobs(t); n != 1 {
		t.Fatalf("dual instances enqueued %d jobs, want 1", n)
	}
}

func TestTickChainedFlowFiresWhenAdvanced(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	chained := &models.Event{
		ID:            "flow-f2",
		Type:          models.EventTypeFlow,
		ConditionType: models.ConditionFlowChain,
		ConditionExpr: "f1",
		NextEvalAt:    time.Now().Add(876000 * time.Hour),
		ActionType:    models.ActionFlow,
		ActionConfig:  json.RawMessage(`{"flow_id":"f2","steps":[{"id":"s1","action":"script"}]}`),
		Status:        models.EventStatusActive,
	}
	rig.putEvent(t, chained)

	// Not due: never fires.
	rig.engine.Tick(ctx)
	if n := rig.queuedJobs(t); n != 0 {
		t.Fatalf("undue chained flow fired: %d jobs", n)
	}

	// Chain advancement makes it due; the next tick enqueues it once.
	if err := rig.store.Events().SetNextEvalNow(ctx, "flow-f2", time.Now()); err != nil {
		t.Fatalf("advance: %v", err)
	}
	rig.engine.Tick(ctx)
	if n := rig.queuedJobs(t); n != 1 {
		t.Fatalf("advanced chained flow jobs = %d, want 1", n)
	}

	// Re-armed far in the future, not every tick.
	got, _ := rig.store.Events().Get(ctx, "flow-f2")
	if got.NextEvalAt.Before(time.Now().Add(24 * time.Hour)) {
		t.Fatalf("chained flow still due after firing: %v", got.NextEvalAt)
	}
}

func TestStartStopRunning(t *testing.T) {
	rig := newTestRig(t)

	if rig.engine.Running() {
		t.Fatal("engine running before start")
	}
	rig.engine.Start()
	if !rig.engine.Running() {
		t.Fatal("engine not running after start")
	}
	rig.engine.Stop()
	if rig.engine.Running() {
		t.Fatal("engine running after stop")
	}

	// Restartable.
	rig.engine.Start()
	if !rig.engine.Running() {
		t.Fatal("engine not running after restart")
	}
	rig.engine.Stop()
}
