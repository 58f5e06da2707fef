package bus

import (
	"context"
	"path/filepath"
	"sync"
	"testing"

	"github.com/nexaas/nexaas/internal/common"
	"github.com/nexaas/nexaas/internal/models"
	"github.com/nexaas/nexaas/internal/storage/sqlite"
)

type countingSubscriber struct {
	mu    sync.Mutex
	count int
	last  string
	data  map[string]any
}

func (s *countingSubscriber) Notify(_ context.Context, eventType string, data map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.count++
	s.last = eventType
	s.data = data
}

func (s *countingSubscriber) snapshot() (int, string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.count, s.last
}

type panickingSubscriber struct{}

func (panickingSubscriber) Notify(context.Context, string, map[string]any) {
	panic("subscriber bug")
}

func newTestBus(t *testing.T) (*Bus, *sqlite.Store) {
	t.Helper()
	logger := common.NewSilentLogger()
	store, err := sqlite.New(filepath.Join(t.TempDir(), "bus.db"), logger)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return New(store.BusJournal(), logger), store
}

func TestPublishReachesTopicSubscriber(t *testing.T) {
	b, _ := newTestBus(t)
	sub := &countingSubscriber{}
	b.Subscribe(models.TopicJobCompleted, sub)

	b.Publish(context.Background(), models.TopicJobCompleted, map[string]any{"job_id": int64(1)}, "test")
	b.Publish(context.Background(), models.TopicJobFailed, map[string]any{"job_id": int64(2)}, "test")

	count, last := sub.snapshot()
	if count != 1 || last != models.TopicJobCompleted {
		t.Fatalf("count=%d last=%s", count, last)
	}
	if sub.data["job_id"] != int64(1) {
		t.Fatalf("data = %v", sub.data)
	}
}

func TestWildcardSubscriberSeesEverything(t *testing.T) {
	b, _ := newTestBus(t)
	sub := &countingSubscriber{}
	b.Subscribe(models.TopicWildcard, sub)

	b.Publish(context.Background(), models.TopicEventTriggered, nil, "test")
	b.Publish(context.Background(), models.TopicOpsAlert, nil, "test")

	if count, _ := sub.snapshot(); count != 2 {
		t.Fatalf("count = %d, want 2", count)
	}
}

func TestUnsubscribeByIdentity(t *testing.T) {
	b, _ := newTestBus(t)
	keep := &countingSubscriber{}
	drop := &countingSubscriber{}
	b.Subscribe(models.TopicJobCompleted, keep)
	b.Subscribe(models.TopicJobCompleted, drop)

	b.Unsubscribe(models.TopicJobCompleted, drop)
	b.Publish(context.Background(), models.TopicJobCompleted, nil, "test")

	if count, _ := keep.snapshot(); count != 1 {
		t.Fatalf("kept subscriber count = %d", count)
	}
	if count, _ := drop.snapshot(); count != 0 {
		t.Fatalf("dropped subscriber still notified: %d", count)
	}
}

func TestPanickingSubscriberDoesNotPoisonPublish(t *testing.T) {
	b, _ := newTestBus(t)
	after := &countingSubscriber{}
	b.Subscribe(models.TopicJobCompleted, panickingSubscriber{})
	b.Subscribe(models.TopicJobCompleted, after)

	b.Publish(context.Background(), models.TopicJobCompleted, nil, "test")

	if count, _ := after.snapshot(); count != 1 {
		t.Fatal("subscriber after the panicking one was not notified")
	}
}

func TestPublishWritesJournal(t *testing.T) {
	b, store := newTestBus(t)
	ctx := context.Background()

	b.Publish(ctx, models.TopicEventCreated, map[string]any{"event_id": "ev-1"}, "api")

	rows, err := store.BusJournal().Recent(ctx, 10)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(rows) != 1 || rows[0].Type != models.TopicEventCreated || rows[0].Source != "api" {
		t.Fatalf("journal = %+v", rows)
	}
}

func TestFullSSEQueueDropsWithoutBlocking(t *testing.T) {
	b, _ := newTestBus(t)
	ctx := context.Background()

	stuck := b.CreateSSEQueue()
	live := b.CreateSSEQueue()

	// Saturate the stuck queue; a live consumer still gets every event.
	for i := 0; i < models.SSEQueueCapacity+5; i++ {
		b.Publish(ctx, models.TopicJobCompleted, map[string]any{"n": i}, "test")
		select {
		case <-live:
		default:
			t.Fatalf("live queue missed event %d", i)
		}
	}
	if len(stuck) != models.SSEQueueCapacity {
		t.Fatalf("stuck queue len = %d, want %d", len(stuck), models.SSEQueueCapacity)
	}
}

func TestRemoveSSEQueueStopsDelivery(t *testing.T) {
	b, _ := newTestBus(t)
	ctx := context.Background()

	q := b.CreateSSEQueue()
	b.RemoveSSEQueue(q)
	b.Publish(ctx, models.TopicJobCompleted, nil, "test")

	if len(q) != 0 {
		t.Fatalf("removed queue still receiving: %d", len(q))
	}
}
