// Package bus provides the in-process pub/sub event bus with a durable
// journal and backpressured stream queues.
package bus

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/nexaas/nexaas/internal/common"
	"github.com/nexaas/nexaas/internal/interfaces"
	"github.com/nexaas/nexaas/internal/models"
)

// Subscriber receives published events. Implementations are registered per
// topic (or the "*" wildcard) and compared by identity on unsubscribe, so
// register pointer types.
type Subscriber interface {
	Notify(ctx context.Context, eventType string, data map[string]any)
}

// Bus decouples producers from observers. Publish journals the event, then
// dispatches to in-process subscribers, then pushes to stream queues
// without blocking.
type Bus struct {
	journal interfaces.BusJournalStore
	logger  *common.Logger

	mu          sync.Mutex
	subscribers map[string][]Subscriber
	sseQueues   []chan models.BusEvent
}

// New creates a bus over the given journal store.
func New(journal interfaces.BusJournalStore, logger *common.Logger) *Bus {
	return &Bus{
		journal:     journal,
		logger:      logger,
		subscribers: make(map[string][]Subscriber),
	}
}

// Subscribe registers a subscriber for one topic. The wildcard "*" matches
// every topic.
func (b *Bus) Subscribe(eventType string, sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribers[eventType] = append(b.subscribers[eventType], sub)
	b.logger.Debug().Str("type", eventType).Msg("Bus subscription added")
}

// Unsubscribe removes a subscriber registration by identity.
func (b *Bus) Unsubscribe(eventType string, sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := b.subscribers[eventType]
	for i, s := range subs {
		if s == sub {
			b.subscribers[eventType] = append(subs[:i:i], subs[i+1:]...)
			return
		}
	}
}

// Publish journals the event and fans it out. The journal write is durable
// but its failure never blocks observer dispatch; a panicking subscriber is
// logged and does not poison the publish; a full stream queue drops the
// event with a warning.
func (b *Bus) Publish(ctx context.Context, eventType string, data map[string]any, source string) {
	now := time.Now()
	if data == nil {
		data = map[string]any{}
	}

	payload, err := json.Marshal(data)
	if err != nil {
		b.logger.Error().Str("type", eventType).Err(err).Msg("Failed to marshal bus event")
		payload = []byte("{}")
	}
	if err := b.journal.Append(ctx, eventType, source, payload, now); err != nil {
		b.logger.Error().Str("type", eventType).Err(err).Msg("Failed to persist bus event")
	}

	b.mu.Lock()
	subs := make([]Subscriber, 0, len(b.subscribers[eventType])+len(b.subscribers[models.TopicWildcard]))
	subs = append(subs, b.subscribers[eventType]...)
	subs = append(subs, b.subscribers[models.TopicWildcard]...)
	queues := make([]chan models.BusEvent, len(b.sseQueues))
	copy(queues, b.sseQueues)
	b.mu.Unlock()

	for _, sub := range subs {
		b.notify(ctx, sub, eventType, data)
	}

	evt := models.BusEvent{
		Type:      eventType,
		Source:    source,
		Data:      data,
		CreatedAt: now,
	}
	for _, q := range queues {
		select {
		case q <- evt:
		default:
			b.logger.Warn().Str("type", eventType).Msg("SSE queue full, dropping event")
		}
	}
}

// notify dispatches to one subscriber with panic recovery.
func (b *Bus) notify(ctx context.Context, sub Subscriber, eventType string, data map[string]any) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error().
				Str("type", eventType).
				Any("panic", r).
				Msg("Subscriber panicked during publish")
		}
	}()
	sub.Notify(ctx, eventType, data)
}

// CreateSSEQueue registers and returns a bounded stream queue.
func (b *Bus) CreateSSEQueue() chan models.BusEvent {
	q := make(chan models.BusEvent, models.SSEQueueCapacity)
	b.mu.Lock()
	b.sseQueues = append(b.sseQueues, q)
	b.mu.Unlock()
	return q
}

// RemoveSSEQueue detaches a stream queue.
func (b *Bus) RemoveSSEQueue(q chan models.BusEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, existing := range b.sseQueues {
		if existing == q {
			b.sseQueues = append(b.sseQueues[:i:i], b.sseQueues[i+1:]...)
			return
		}
	}
}
