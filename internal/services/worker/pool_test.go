package worker

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nexaas/nexaas/internal/common"
	"github.com/nexaas/nexaas/internal/models"
	"github.com/nexaas/nexaas/internal/services/bus"
	"github.com/nexaas/nexaas/internal/services/queue"
	"github.com/nexaas/nexaas/internal/storage/sqlite"
)

type poolRig struct {
	store *sqlite.Store
	queue *queue.Queue
	bus   *bus.Bus
	pool  *Pool
	sub   *topicRecorder
}

type topicRecorder struct {
	mu     sync.Mutex
	topics []string
	data   []map[string]any
}

func (r *topicRecorder) Notify(_ context.Context, eventType string, data map[string]any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.topics = append(r.topics, eventType)
	r.data = append(r.data, data)
}

func (r *topicRecorder) last() (string, map[string]any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.topics) == 0 {
		return "", nil
	}
	return r.topics[len(r.topics)-1], r.data[len(r.data)-1]
}

func newPoolRig(t *testing.T) *poolRig {
	t.Helper()
	logger := common.NewSilentLogger()
	store, err := sqlite.New(filepath.Join(t.TempDir(), "pool.db"), logger)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	b := bus.New(store.BusJournal(), logger)
	q := queue.New(store.Jobs(), logger)
	p := NewPool(q, store, b, logger, common.WorkerConfig{PoolSize: 1}, common.ClaudeConfig{})

	sub := &topicRecorder{}
	b.Subscribe("*", sub)
	return &poolRig{store: store, queue: q, bus: b, pool: p, sub: sub}
}

// runOne enqueues a job for the given event, claims it, and processes it
// synchronously through the pool.
func (r *poolRig) runOne(t *testing.T, actionType, actionConfig, eventID string) *models.Job {
	t.Helper()
	ctx := context.Background()
	var raw json.RawMessage
	if actionConfig != "" {
		raw = json.RawMessage(actionConfig)
	}
	if _, _, err := r.queue.Enqueue(ctx, actionType, raw, eventID, "test", 5, ""); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	job, err := r.queue.Dequeue(ctx, "worker-test")
	if err != nil || job == nil {
		t.Fatalf("dequeue: job=%v err=%v", job, err)
	}
	r.pool.processJob(ctx, "worker-test", job)
	return job
}

func (r *poolRig) putEvent(t *testing.T, id string) {
	t.Helper()
	e := &models.Event{
		ID:            id,
		ConditionType: models.ConditionInterval,
		ConditionExpr: "300",
		NextEvalAt:    time.Now(),
		ActionType:    models.ActionScript,
		Status:        models.EventStatusActive,
	}
	if err := r.store.Events().Upsert(context.Background(), e); err != nil {
		t.Fatalf("upsert: %v", err)
	}
}

func TestPoolProcessJobSuccess(t *testing.T) {
	rig := newPoolRig(t)
	ctx := context.Background()
	rig.putEvent(t, "ev-1")
	rig.pool.Register("stub", func(_ context.Context, config map[string]any) (string, error) {
		return "did " + config["task"].(string), nil
	})

	job := rig.runOne(t, "stub", `{"task":"report"}`, "ev-1")

	got, _ := rig.store.Jobs().Get(ctx, job.ID)
	if got.Status != models.JobStatusCompleted || got.Result != models.ResultSuccess {
		t.Fatalf("job = %+v", got)
	}

	runs, _ := rig.store.Runs().ListByEvent(ctx, "ev-1", 10)
	if len(runs) != 1 || runs[0].Result != models.ResultSuccess || runs[0].WorkerID != "worker-test" {
		t.Fatalf("runs = %+v", runs)
	}
	if runs[0].Output != "did report" {
		t.Fatalf("run output = %q", runs[0].Output)
	}

	e, _ := rig.store.Events().Get(ctx, "ev-1")
	if e.RunCount != 1 || e.ConsecutiveFails != 0 || e.LastResult != "success" {
		t.Fatalf("event accounting = %+v", e)
	}

	topic, data := rig.sub.last()
	if topic != models.TopicJobCompleted || data["result"] != models.ResultSuccess {
		t.Fatalf("bus = %s %v", topic, data)
	}
}

func TestPoolSoftErrorOutput(t *testing.T) {
	rig := newPoolRig(t)
	ctx := context.Background()
	rig.putEvent(t, "ev-1")
	rig.pool.Register("stub", func(context.Context, map[string]any) (string, error) {
		return "error (exit 1): no such file", nil
	})

	job := rig.runOne(t, "stub", "", "ev-1")

	got, _ := rig.store.Jobs().Get(ctx, job.ID)
	if got.Result != models.ResultFailed {
		t.Fatalf("soft error not failed: %+v", got)
	}

	e, _ := rig.store.Events().Get(ctx, "ev-1")
	if e.ConsecutiveFails != 1 || e.FailCount != 1 {
		t.Fatalf("event accounting = %+v", e)
	}

	// Soft failures still publish job.completed; only thrown errors are
	// job.failed.
	topic, _ := rig.sub.last()
	if topic != models.TopicJobCompleted {
		t.Fatalf("topic = %s", topic)
	}
}

func TestPoolThrownErrorPublishesJobFailed(t *testing.T) {
	rig := newPoolRig(t)
	rig.pool.Register("stub", func(context.Context, map[string]any) (string, error) {
		return "", errors.New("connection reset")
	})

	job := rig.runOne(t, "stub", "", "")

	got, _ := rig.store.Jobs().Get(context.Background(), job.ID)
	if got.Result != models.ResultFailed || got.Error != "connection reset" {
		t.Fatalf("job = %+v", got)
	}

	topic, data := rig.sub.last()
	if topic != models.TopicJobFailed || data["error"] != "connection reset" {
		t.Fatalf("bus = %s %v", topic, data)
	}
}

func TestPoolUnknownActionFailsJob(t *testing.T) {
	rig := newPoolRig(t)
	job := rig.runOne(t, "nonsense", "", "")

	got, _ := rig.store.Jobs().Get(context.Background(), job.ID)
	if got.Result != models.ResultFailed || !strings.Contains(got.Error, "Unknown action_type: nonsense") {
		t.Fatalf("job = %+v", got)
	}
}

func TestPoolBadActionConfigFailsJob(t *testing.T) {
	rig := newPoolRig(t)
	rig.pool.Register("stub", func(context.Context, map[string]any) (string, error) {
		t.Fatal("executor ran with invalid config")
		return "", nil
	})

	job := rig.runOne(t, "stub", `{not json`, "")

	got, _ := rig.store.Jobs().Get(context.Background(), job.ID)
	if got.Result != models.ResultFailed || !strings.Contains(got.Error, "invalid action_config") {
		t.Fatalf("job = %+v", got)
	}
}

func TestPoolExecutorPanicFailsJobOnly(t *testing.T) {
	rig := newPoolRig(t)
	rig.pool.Register("stub", func(context.Context, map[string]any) (string, error) {
		panic("nil map write")
	})

	job := rig.runOne(t, "stub", "", "")

	got, _ := rig.store.Jobs().Get(context.Background(), job.ID)
	if got.Result != models.ResultFailed || !strings.Contains(got.Error, "executor panic") {
		t.Fatalf("job = %+v", got)
	}

	// The worker is still usable after the panic.
	rig.pool.Register("stub", func(context.Context, map[string]any) (string, error) {
		return "ok", nil
	})
	job2 := rig.runOne(t, "stub", "", "")
	got2, _ := rig.store.Jobs().Get(context.Background(), job2.ID)
	if got2.Result != models.ResultSuccess {
		t.Fatalf("pool dead after panic: %+v", got2)
	}
}

func TestPoolStartStop(t *testing.T) {
	rig := newPoolRig(t)
	rig.pool.Start()
	if !rig.pool.Running() {
		t.Fatal("pool not running after start")
	}
	rig.pool.Stop()
	if rig.pool.Running() {
		t.Fatal("pool running after stop")
	}
	rig.pool.Start()
	if !rig.pool.Running() {
		t.Fatal("pool not restartable")
	}
	rig.pool.Stop()
}

func TestPoolDefaultRegistry(t *testing.T) {
	rig := newPoolRig(t)
	for _, action := range []string{
		models.ActionClaudeChat, models.ActionSkill, models.ActionScript,
		models.ActionWebhook, models.ActionFlow,
	} {
		if rig.pool.Executor(action) == nil {
			t.Errorf("no default executor for %s", action)
		}
	}
	if rig.pool.Executor("bogus") != nil {
		t.Error("bogus action resolved")
	}
}
