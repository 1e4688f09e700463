package eventbus

import (
	"context"
	"sync"
	"sync/atomic"

	"log/slog"

	"github.com/google/uuid"

	"dinehub-restaurant-platform/api/internal/models"
	"dinehub-restaurant-platform/shared/logx"
	"dinehub-restaurant-platform/shared/metricsx"
)

// Handler applies one event for one consumer. Handlers must be idempotent:
// a crash between the handler and the inbox write redelivers the event.
type Handler func(ctx context.Context, event DomainEvent) error

// Subscription pairs an explicit consumer name with its handler. The name
// keys the idempotency record, so renaming a consumer redelivers history.
type Subscription struct {
	Consumer string
	Handler  Handler
}

// WildcardEvent subscribes a consumer to every event name.
const WildcardEvent = "*"

// EventStore is the durable side of the bus, satisfied by repos.EventsRepo.
type EventStore interface {
	Append(ctx context.Context, event models.StoredEvent) (models.StoredEvent, error)
	ClaimPendingBatch(ctx context.Context, owner string, limit int) ([]models.StoredEvent, error)
	MarkProcessed(ctx context.Context, eventID uuid.UUID) error
	MarkFailed(ctx context.Context, eventID uuid.UUID, lastErr string) error
}

// Stats is a point-in-time snapshot of bus counters. Counts are process
// local and reset on restart; durable truth lives in the event store.
type Stats struct {
	Published      int64
	Persisted      int64
	PersistFailed  int64
	FallbackQueued int64
	Flushed        int64
	Processed      int64
	Failed         int64
	FallbackDepth  int
}

// ReliableEventBus persists every published event before acknowledging it.
// When the store is unreachable the event is parked in an in-memory queue
// instead of being dropped; the queue survives store outages but not
// process restarts, and is drained by FlushFallback at the start of every
// dispatch cycle.
type ReliableEventBus struct {
	store  EventStore
	logger logx.Logger

	mu   sync.RWMutex
	subs map[string][]Subscription

	fallbackMu sync.Mutex
	fallback   []models.StoredEvent

	published      atomic.Int64
	persisted      atomic.Int64
	persistFailed  atomic.Int64
	fallbackQueued atomic.Int64
	flushed        atomic.Int64
	processed      atomic.Int64
	failed         atomic.Int64
}

func New(store EventStore, logger logx.Logger) *ReliableEventBus {
	return &ReliableEventBus{
		store:  store,
		logger: logger,
		subs:   make(map[string][]Subscription),
	}
}

// Subscribe registers a named consumer for an event name. Registration
// order is delivery order. Re-registering the same consumer for the same
// event is a no-op so wiring code can run more than once.
func (b *ReliableEventBus) Subscribe(eventName string, consumerName string, handler Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, sub := range b.subs[eventName] {
		if sub.Consumer == consumerName {
			return
		}
	}
	b.subs[eventName] = append(b.subs[eventName], Subscription{Consumer: consumerName, Handler: handler})
}

func (b *ReliableEventBus) Unsubscribe(eventName string, consumerName string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := b.subs[eventName]
	for i, sub := range subs {
		if sub.Consumer == consumerName {
			b.subs[eventName] = append(subs[:i:i], subs[i+1:]...)
			return
		}
	}
}

// ConsumersFor returns the subscriptions for an event name, wildcard
// subscribers last, in registration order.
func (b *ReliableEventBus) ConsumersFor(eventName string) []Subscription {
	b.mu.RLock()
	defer b.mu.RUnlock()
	named := b.subs[eventName]
	wild := b.subs[WildcardEvent]
	if len(wild) == 0 {
		return append([]Subscription(nil), named...)
	}
	out := make([]Subscription, 0, len(named)+len(wild))
	out = append(out, named...)
	out = append(out, wild...)
	return out
}

// Publish durably records the event. It returns an error only when the
// event could not be encoded; a store failure diverts the event to the
// fallback queue and still counts as accepted.
func (b *ReliableEventBus) Publish(ctx context.Context, event DomainEvent) error {
	b.published.Add(1)
	metricsx.IncEventPublished()

	stored, err := event.toStored()
	if err != nil {
		return err
	}

	if _, err := b.store.Append(ctx, stored); err != nil {
		b.persistFailed.Add(1)
		metricsx.IncEventPersistFailure()
		b.enqueueFallback(stored)
		b.logger.Warn(ctx, "event_fallback_queued", "event store unavailable, event parked in memory",
			slog.String("event_id", stored.EventID.String()),
			slog.String("event_name", stored.EventName),
			slog.String("error", err.Error()),
		)
		return nil
	}

	b.persisted.Add(1)
	metricsx.IncEventPersisted()
	return nil
}

func (b *ReliableEventBus) enqueueFallback(stored models.StoredEvent) {
	b.fallbackMu.Lock()
	b.fallback = append(b.fallback, stored)
	depth := len(b.fallback)
	b.fallbackMu.Unlock()

	b.fallbackQueued.Add(1)
	metricsx.IncEventFallbackQueued()
	metricsx.SetFallbackQueueDepth(depth)
}

// FlushFallback attempts to persist every parked event. Events that still
// fail go back to the front of the queue in their original order, so a
// later flush retries them first. Returns the number persisted.
func (b *ReliableEventBus) FlushFallback(ctx context.Context) int {
	b.fallbackMu.Lock()
	pending := b.fallback
	b.fallback = nil
	b.fallbackMu.Unlock()

	if len(pending) == 0 {
		return 0
	}

	flushed := 0
	var remaining []models.StoredEvent
	for _, stored := range pending {
		if _, err := b.store.Append(ctx, stored); err != nil {
			remaining = append(remaining, stored)
			continue
		}
		flushed++
	}

	b.fallbackMu.Lock()
	b.fallback = append(remaining, b.fallback...)
	depth := len(b.fallback)
	b.fallbackMu.Unlock()

	if flushed > 0 {
		b.flushed.Add(int64(flushed))
		for i := 0; i < flushed; i++ {
			metricsx.IncEventFlushed()
		}
		b.logger.Info(ctx, "event_fallback_flushed", "parked events persisted",
			slog.Int("flushed", flushed),
			slog.Int("remaining", depth),
		)
	}
	metricsx.SetFallbackQueueDepth(depth)
	return flushed
}

// recordProcessed and recordFailed are the dispatcher's feedback channel:
// one call per event settled, one per failed attempt.
func (b *ReliableEventBus) recordProcessed() { b.processed.Add(1) }
func (b *ReliableEventBus) recordFailed()    { b.failed.Add(1) }

func (b *ReliableEventBus) FallbackDepth() int {
	b.fallbackMu.Lock()
	defer b.fallbackMu.Unlock()
	return len(b.fallback)
}

func (b *ReliableEventBus) Stats() Stats {
	return Stats{
		Published:      b.published.Load(),
		Persisted:      b.persisted.Load(),
		PersistFailed:  b.persistFailed.Load(),
		FallbackQueued: b.fallbackQueued.Load(),
		Flushed:        b.flushed.Load(),
		Processed:      b.processed.Load(),
		Failed:         b.failed.Load(),
		FallbackDepth:  b.FallbackDepth(),
	}
}
