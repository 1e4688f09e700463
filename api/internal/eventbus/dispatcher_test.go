package eventbus

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"

	"dinehub-restaurant-platform/shared/lifecycle"
)

func newTestDispatcher(store *memStore, bus *ReliableEventBus, timeout time.Duration) *Dispatcher {
	return NewDispatcher(bus, store, store, busLogger(), DispatcherOptions{
		Owner:          "test-worker",
		BatchSize:      10,
		IdleSleep:      time.Millisecond,
		HandlerTimeout: timeout,
	})
}

func TestDispatchNoConsumersMarksProcessed(t *testing.T) {
	store := newMemStore()
	bus := New(store, busLogger())
	dispatcher := newTestDispatcher(store, bus, time.Second)

	event := NewEvent("order.created", map[string]any{"order_number": "A-1"})
	if err := bus.Publish(context.Background(), event); err != nil {
		t.Fatalf("publish: %v", err)
	}

	result := dispatcher.RunCycle(context.Background())
	if result.Claimed != 1 || result.Processed != 1 || result.Failed != 0 {
		t.Fatalf("result = %+v", result)
	}
	stored := store.get(t, event.ID)
	if stored.Status != lifecycle.EventStatusProcessed {
		t.Fatalf("status = %s", stored.Status)
	}
	if stored.ProcessedAt == nil {
		t.Fatalf("processed_at not stamped")
	}
}

func TestDispatchSequentialConsumersIdempotentRetry(t *testing.T) {
	store := newMemStore()
	bus := New(store, busLogger())
	dispatcher := newTestDispatcher(store, bus, time.Second)

	var billingCalls, notifyCalls atomic.Int64
	var notifyFailures atomic.Int64
	notifyFailures.Store(1)

	bus.Subscribe("order.created", "billing", func(context.Context, DomainEvent) error {
		billingCalls.Add(1)
		return nil
	})
	bus.Subscribe("order.created", "notifications", func(context.Context, DomainEvent) error {
		notifyCalls.Add(1)
		if notifyFailures.Add(-1) >= 0 {
			return errors.New("smtp unavailable")
		}
		return nil
	})

	event := NewEvent("order.created", map[string]any{"order_number": "A-1"})
	if err := bus.Publish(context.Background(), event); err != nil {
		t.Fatalf("publish: %v", err)
	}

	// First attempt: billing applies, notifications fails, event goes to
	// failed with one retry consumed.
	result := dispatcher.RunCycle(context.Background())
	if result.Processed != 0 || result.Failed != 1 {
		t.Fatalf("first cycle = %+v", result)
	}
	stored := store.get(t, event.ID)
	if stored.Status != lifecycle.EventStatusFailed || stored.Retries != 1 {
		t.Fatalf("after first cycle: status=%s retries=%d", stored.Status, stored.Retries)
	}
	if stored.LastError == nil || !strings.Contains(*stored.LastError, "notifications") {
		t.Fatalf("last_error = %v", stored.LastError)
	}
	if stored.LastAttemptAt == nil {
		t.Fatalf("last_attempt_at not stamped")
	}

	// Retry after the backoff window: billing is skipped by its inbox
	// record, notifications runs again and succeeds.
	store.advance(lifecycle.NextAttempt(stored.Retries))
	result = dispatcher.RunCycle(context.Background())
	if result.Processed != 1 {
		t.Fatalf("second cycle = %+v", result)
	}
	if got := billingCalls.Load(); got != 1 {
		t.Fatalf("billing ran %d times, want exactly once", got)
	}
	if got := notifyCalls.Load(); got != 2 {
		t.Fatalf("notifications ran %d times, want 2", got)
	}
	stored = store.get(t, event.ID)
	if stored.Status != lifecycle.EventStatusProcessed {
		t.Fatalf("final status = %s", stored.Status)
	}

	// Both consumers have exactly one inbox record each.
	if n := store.applies["billing|"+event.ID.String()]; n != 1 {
		t.Fatalf("billing inbox writes = %d", n)
	}
	if n := store.applies["notifications|"+event.ID.String()]; n != 1 {
		t.Fatalf("notifications inbox writes = %d", n)
	}
}

func TestDispatchHandlerTimeout(t *testing.T) {
	store := newMemStore()
	bus := New(store, busLogger())
	dispatcher := newTestDispatcher(store, bus, 20*time.Millisecond)

	bus.Subscribe("report.requested", "slow-report", func(context.Context, DomainEvent) error {
		time.Sleep(200 * time.Millisecond)
		return nil
	})

	event := NewEvent("report.requested", nil)
	if err := bus.Publish(context.Background(), event); err != nil {
		t.Fatalf("publish: %v", err)
	}

	result := dispatcher.RunCycle(context.Background())
	if result.Failed != 1 {
		t.Fatalf("result = %+v", result)
	}
	stored := store.get(t, event.ID)
	if stored.Status != lifecycle.EventStatusFailed {
		t.Fatalf("status = %s", stored.Status)
	}
	if stored.LastError == nil || !strings.Contains(*stored.LastError, "timed out") {
		t.Fatalf("last_error = %v", stored.LastError)
	}
}

func TestDispatchRetriesUntilDeadLetter(t *testing.T) {
	store := newMemStore()
	bus := New(store, busLogger())
	dispatcher := newTestDispatcher(store, bus, time.Second)

	var calls atomic.Int64
	bus.Subscribe("payment.captured", "ledger", func(context.Context, DomainEvent) error {
		calls.Add(1)
		return errors.New("ledger rejects everything")
	})

	event := NewEvent("payment.captured", map[string]any{"amount_cents": float64(1200)})
	if err := bus.Publish(context.Background(), event); err != nil {
		t.Fatalf("publish: %v", err)
	}

	for i := 0; i < lifecycle.MaxRetries+3; i++ {
		dispatcher.RunCycle(context.Background())
		store.advance(time.Minute)
	}

	stored := store.get(t, event.ID)
	if stored.Status != lifecycle.EventStatusFailed || stored.Retries != lifecycle.MaxRetries {
		t.Fatalf("status=%s retries=%d", stored.Status, stored.Retries)
	}
	if !lifecycle.DeadLettered(stored.Status, stored.Retries) {
		t.Fatalf("event should be dead-lettered")
	}
	if got := calls.Load(); got != int64(lifecycle.MaxRetries) {
		t.Fatalf("handler ran %d times, want %d", got, lifecycle.MaxRetries)
	}

	// A dead-lettered row is never claimed again.
	result := dispatcher.RunCycle(context.Background())
	if result.Claimed != 0 {
		t.Fatalf("dead-lettered event reclaimed: %+v", result)
	}
}

func TestDispatchBackoffDefersRetry(t *testing.T) {
	store := newMemStore()
	bus := New(store, busLogger())
	dispatcher := newTestDispatcher(store, bus, time.Second)

	bus.Subscribe("payment.captured", "ledger", func(context.Context, DomainEvent) error {
		return errors.New("ledger offline")
	})

	event := NewEvent("payment.captured", map[string]any{"amount_cents": float64(500)})
	if err := bus.Publish(context.Background(), event); err != nil {
		t.Fatalf("publish: %v", err)
	}

	result := dispatcher.RunCycle(context.Background())
	if result.Claimed != 1 || result.Failed != 1 {
		t.Fatalf("first cycle = %+v", result)
	}
	stored := store.get(t, event.ID)
	if stored.NextAttemptAt == nil {
		t.Fatalf("next_attempt_at not stamped on failure")
	}
	window := lifecycle.NextAttempt(stored.Retries)
	if got := stored.NextAttemptAt.Sub(*stored.LastAttemptAt); got != window {
		t.Fatalf("backoff window = %s, want %s", got, window)
	}

	// Inside the window the row stays out of reach.
	if result := dispatcher.RunCycle(context.Background()); result.Claimed != 0 {
		t.Fatalf("claimed during backoff: %+v", result)
	}
	store.advance(window - time.Millisecond)
	if result := dispatcher.RunCycle(context.Background()); result.Claimed != 0 {
		t.Fatalf("claimed just before window elapsed: %+v", result)
	}

	store.advance(time.Millisecond)
	result = dispatcher.RunCycle(context.Background())
	if result.Claimed != 1 || result.Failed != 1 {
		t.Fatalf("cycle after window = %+v", result)
	}
	if stored := store.get(t, event.ID); stored.Retries != 2 {
		t.Fatalf("retries = %d, want 2", stored.Retries)
	}
}

func TestStatsTrackProcessedAndFailed(t *testing.T) {
	store := newMemStore()
	bus := New(store, busLogger())
	dispatcher := newTestDispatcher(store, bus, time.Second)

	bus.Subscribe("payment.captured", "ledger", func(context.Context, DomainEvent) error {
		return errors.New("ledger offline")
	})

	if err := bus.Publish(context.Background(), NewEvent("order.created", nil)); err != nil {
		t.Fatalf("publish: %v", err)
	}
	failing := NewEvent("payment.captured", nil)
	if err := bus.Publish(context.Background(), failing); err != nil {
		t.Fatalf("publish: %v", err)
	}

	dispatcher.RunCycle(context.Background())
	stats := bus.Stats()
	if stats.Processed != 1 || stats.Failed != 1 {
		t.Fatalf("stats = %+v", stats)
	}

	// Each retry attempt counts as a failure in the snapshot.
	store.advance(lifecycle.NextAttempt(1))
	dispatcher.RunCycle(context.Background())
	stats = bus.Stats()
	if stats.Processed != 1 || stats.Failed != 2 {
		t.Fatalf("stats after retry = %+v", stats)
	}
	if stats.Published != 2 || stats.Persisted != 2 {
		t.Fatalf("publish counters = %+v", stats)
	}
}

func TestDispatchCycleFlushesFallbackFirst(t *testing.T) {
	store := newMemStore()
	bus := New(store, busLogger())
	dispatcher := newTestDispatcher(store, bus, time.Second)

	store.setAppendErr(errors.New("down"))
	event := NewEvent("order.created", nil)
	if err := bus.Publish(context.Background(), event); err != nil {
		t.Fatalf("publish: %v", err)
	}
	store.setAppendErr(nil)

	// One cycle both persists the parked event and delivers it.
	result := dispatcher.RunCycle(context.Background())
	if result.Flushed != 1 || result.Claimed != 1 || result.Processed != 1 {
		t.Fatalf("result = %+v", result)
	}
	if stored := store.get(t, event.ID); stored.Status != lifecycle.EventStatusProcessed {
		t.Fatalf("status = %s", stored.Status)
	}
}

func TestDispatchUndecodablePayloadFails(t *testing.T) {
	store := newMemStore()
	bus := New(store, busLogger())
	dispatcher := newTestDispatcher(store, bus, time.Second)

	event := NewEvent("order.created", nil)
	stored, err := event.toStored()
	if err != nil {
		t.Fatalf("toStored: %v", err)
	}
	stored.Payload = []byte("{not json")
	if _, err := store.Append(context.Background(), stored); err != nil {
		t.Fatalf("append: %v", err)
	}

	result := dispatcher.RunCycle(context.Background())
	if result.Failed != 1 {
		t.Fatalf("result = %+v", result)
	}
	row := store.get(t, event.ID)
	if row.Status != lifecycle.EventStatusFailed || row.Retries != 1 {
		t.Fatalf("status=%s retries=%d", row.Status, row.Retries)
	}
}

func TestRunStopsOnContextCancel(t *testing.T) {
	store := newMemStore()
	bus := New(store, busLogger())
	dispatcher := newTestDispatcher(store, bus, time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- dispatcher.Run(ctx)
	}()

	time.Sleep(10 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("run returned %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("dispatcher did not stop")
	}
}

func TestRelayRepublishesWithTenantKey(t *testing.T) {
	store := newMemStore()
	bus := New(store, busLogger())

	var topics []string
	var keys []string
	producer := relayFunc(func(_ context.Context, topic string, key []byte, _ []byte, headers map[string]string) error {
		topics = append(topics, topic)
		keys = append(keys, string(key))
		if headers["event_name"] == "" {
			t.Fatalf("headers = %#v", headers)
		}
		return nil
	})
	RegisterKafkaRelay(bus, producer, "dinehub")
	dispatcher := newTestDispatcher(store, bus, time.Second)

	tenantID := uuid.New()
	event := NewEvent("order.created", map[string]any{"order_number": "A-1"})
	event.TenantID = &tenantID
	if err := bus.Publish(context.Background(), event); err != nil {
		t.Fatalf("publish: %v", err)
	}

	result := dispatcher.RunCycle(context.Background())
	if result.Processed != 1 {
		t.Fatalf("result = %+v", result)
	}
	if len(topics) != 1 || topics[0] != "dinehub.order.created" {
		t.Fatalf("topics = %v", topics)
	}
	if keys[0] != tenantID.String() {
		t.Fatalf("key = %s, want tenant id", keys[0])
	}
}

type relayFunc func(ctx context.Context, topic string, key []byte, value []byte, headers map[string]string) error

func (f relayFunc) Publish(ctx context.Context, topic string, key []byte, value []byte, headers map[string]string) error {
	return f(ctx, topic, key, value, headers)
}
