package eventbus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"dinehub-restaurant-platform/api/internal/models"
	"dinehub-restaurant-platform/shared/lifecycle"
	"dinehub-restaurant-platform/shared/logx"
)

// memStore is an in-memory EventStore plus Inbox honoring the lifecycle
// rules: conditional claims, retry counting, backoff windows and the
// dead-letter cutoff. Time is a store-local clock that tests move forward
// with advance, so backoff eligibility is deterministic.
type memStore struct {
	mu         sync.Mutex
	now        time.Time
	events     map[uuid.UUID]*models.StoredEvent
	order      []uuid.UUID
	appendErr  error
	maxRetries int
	inbox      map[string]struct{}
	applies    map[string]int
}

func newMemStore() *memStore {
	return &memStore{
		now:        time.Now().UTC(),
		events:     make(map[uuid.UUID]*models.StoredEvent),
		maxRetries: lifecycle.MaxRetries,
		inbox:      make(map[string]struct{}),
		applies:    make(map[string]int),
	}
}

func (m *memStore) advance(d time.Duration) {
	m.mu.Lock()
	m.now = m.now.Add(d)
	m.mu.Unlock()
}

func (m *memStore) Append(_ context.Context, event models.StoredEvent) (models.StoredEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.appendErr != nil {
		return models.StoredEvent{}, m.appendErr
	}
	if event.EventID == uuid.Nil {
		event.EventID = uuid.New()
	}
	if event.Status == "" {
		event.Status = lifecycle.EventStatusPending
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = m.now
	}
	stored := event
	m.events[stored.EventID] = &stored
	m.order = append(m.order, stored.EventID)
	return stored, nil
}

func (m *memStore) ClaimPendingBatch(_ context.Context, owner string, limit int) ([]models.StoredEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var claimed []models.StoredEvent
	for _, id := range m.order {
		if len(claimed) >= limit {
			break
		}
		event := m.events[id]
		retryable := event.Status == lifecycle.EventStatusFailed &&
			event.Retries < m.maxRetries &&
			(event.NextAttemptAt == nil || !m.now.Before(*event.NextAttemptAt))
		if event.Status != lifecycle.EventStatusPending && !retryable {
			continue
		}
		event.Status = lifecycle.EventStatusProcessing
		event.ClaimedBy = &owner
		claimed = append(claimed, *event)
	}
	return claimed, nil
}

func (m *memStore) MarkProcessed(_ context.Context, eventID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	event, ok := m.events[eventID]
	if !ok || event.Status != lifecycle.EventStatusProcessing {
		return errors.New("event not in processing")
	}
	now := m.now
	event.Status = lifecycle.EventStatusProcessed
	event.ProcessedAt = &now
	event.ClaimedBy = nil
	return nil
}

func (m *memStore) MarkFailed(_ context.Context, eventID uuid.UUID, lastErr string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	event, ok := m.events[eventID]
	if !ok || event.Status != lifecycle.EventStatusProcessing {
		return errors.New("event not in processing")
	}
	now := m.now
	event.Status = lifecycle.EventStatusFailed
	event.Retries++
	next := now.Add(lifecycle.NextAttempt(event.Retries))
	event.LastAttemptAt = &now
	event.NextAttemptAt = &next
	event.LastError = &lastErr
	event.ClaimedBy = nil
	return nil
}

func (m *memStore) MarkApplied(_ context.Context, consumer string, eventID uuid.UUID, _ string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := consumer + "|" + eventID.String()
	m.inbox[key] = struct{}{}
	m.applies[key]++
	return nil
}

func (m *memStore) HasApplied(_ context.Context, consumer string, eventID uuid.UUID) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.inbox[consumer+"|"+eventID.String()]
	return ok, nil
}

func (m *memStore) get(t *testing.T, eventID uuid.UUID) models.StoredEvent {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()
	event, ok := m.events[eventID]
	if !ok {
		t.Fatalf("event %s not in store", eventID)
	}
	return *event
}

func (m *memStore) setAppendErr(err error) {
	m.mu.Lock()
	m.appendErr = err
	m.mu.Unlock()
}

func busLogger() logx.Logger {
	return logx.New("eventbus-test", "test", "", "error")
}

func TestPublishPersistsEnvelope(t *testing.T) {
	store := newMemStore()
	bus := New(store, busLogger())
	userID := uuid.New()

	event := NewEvent("order.created", map[string]any{"order_number": "A-1001"})
	event.UserID = &userID
	if err := bus.Publish(context.Background(), event); err != nil {
		t.Fatalf("publish: %v", err)
	}

	stored := store.get(t, event.ID)
	if stored.Status != lifecycle.EventStatusPending {
		t.Fatalf("status = %s", stored.Status)
	}
	var doc map[string]any
	if err := json.Unmarshal(stored.Payload, &doc); err != nil {
		t.Fatalf("payload: %v", err)
	}
	if doc["event_id"] != event.ID.String() || doc["user_id"] != userID.String() {
		t.Fatalf("envelope = %#v", doc)
	}
	if doc["order_number"] != "A-1001" {
		t.Fatalf("business field lost: %#v", doc)
	}
	if _, ok := doc["timestamp"]; !ok {
		t.Fatalf("timestamp missing: %#v", doc)
	}
}

func TestPublishFallsBackWhenStoreDown(t *testing.T) {
	store := newMemStore()
	bus := New(store, busLogger())
	store.setAppendErr(errors.New("connection refused"))

	event := NewEvent("order.created", map[string]any{"order_number": "A-1"})
	if err := bus.Publish(context.Background(), event); err != nil {
		t.Fatalf("publish must absorb store failures, got %v", err)
	}
	if depth := bus.FallbackDepth(); depth != 1 {
		t.Fatalf("fallback depth = %d", depth)
	}

	// Store still down: flush keeps the event parked.
	if flushed := bus.FlushFallback(context.Background()); flushed != 0 {
		t.Fatalf("flushed = %d with store down", flushed)
	}
	if depth := bus.FallbackDepth(); depth != 1 {
		t.Fatalf("fallback depth after failed flush = %d", depth)
	}

	store.setAppendErr(nil)
	if flushed := bus.FlushFallback(context.Background()); flushed != 1 {
		t.Fatalf("flushed = %d", flushed)
	}
	if depth := bus.FallbackDepth(); depth != 0 {
		t.Fatalf("fallback depth after flush = %d", depth)
	}
	if stored := store.get(t, event.ID); stored.Status != lifecycle.EventStatusPending {
		t.Fatalf("flushed event status = %s", stored.Status)
	}

	stats := bus.Stats()
	if stats.Published != 1 || stats.PersistFailed != 1 || stats.FallbackQueued != 1 || stats.Flushed != 1 {
		t.Fatalf("stats = %+v", stats)
	}
}

func TestSubscribeDuplicateAndOrder(t *testing.T) {
	bus := New(newMemStore(), busLogger())
	noop := func(context.Context, DomainEvent) error { return nil }

	bus.Subscribe("order.created", "billing", noop)
	bus.Subscribe("order.created", "notifications", noop)
	bus.Subscribe("order.created", "billing", noop) // duplicate, no-op
	bus.Subscribe(WildcardEvent, "kafka-relay", noop)

	subs := bus.ConsumersFor("order.created")
	if len(subs) != 3 {
		t.Fatalf("len = %d", len(subs))
	}
	if subs[0].Consumer != "billing" || subs[1].Consumer != "notifications" || subs[2].Consumer != "kafka-relay" {
		t.Fatalf("order = %s, %s, %s", subs[0].Consumer, subs[1].Consumer, subs[2].Consumer)
	}

	bus.Unsubscribe("order.created", "billing")
	subs = bus.ConsumersFor("order.created")
	if len(subs) != 2 || subs[0].Consumer != "notifications" {
		t.Fatalf("after unsubscribe: %+v", subs)
	}

	// Wildcard subscribers apply to names never registered directly.
	subs = bus.ConsumersFor("payment.captured")
	if len(subs) != 1 || subs[0].Consumer != "kafka-relay" {
		t.Fatalf("wildcard delivery: %+v", subs)
	}
}

func TestEnvelopeRoundTrip(t *testing.T) {
	tenantID := uuid.New()
	userID := uuid.New()
	aggregateID := uuid.New()

	event := NewEvent("menu.updated", map[string]any{"menu_id": aggregateID.String(), "items": float64(4)})
	event.TenantID = &tenantID
	event.UserID = &userID
	event.AggregateType = "menu"
	event.AggregateID = &aggregateID

	stored, err := event.toStored()
	if err != nil {
		t.Fatalf("toStored: %v", err)
	}
	back, err := fromStored(stored)
	if err != nil {
		t.Fatalf("fromStored: %v", err)
	}

	if back.ID != event.ID || back.Name != event.Name {
		t.Fatalf("identity lost: %+v", back)
	}
	if back.TenantID == nil || *back.TenantID != tenantID {
		t.Fatalf("tenant lost: %+v", back.TenantID)
	}
	if back.UserID == nil || *back.UserID != userID {
		t.Fatalf("user lost: %+v", back.UserID)
	}
	if back.AggregateType != "menu" || back.AggregateID == nil || *back.AggregateID != aggregateID {
		t.Fatalf("aggregate lost: %+v", back)
	}
	if back.Data["menu_id"] != aggregateID.String() || back.Data["items"] != float64(4) {
		t.Fatalf("data = %#v", back.Data)
	}
	for _, key := range []string{"event_id", "user_id", "timestamp"} {
		if _, ok := back.Data[key]; ok {
			t.Fatalf("envelope key %q leaked into data", key)
		}
	}
}

func TestEnvelopeNilUserID(t *testing.T) {
	event := NewEvent("tenant.created", map[string]any{"slug": "mario"})
	payload, err := event.envelope()
	if err != nil {
		t.Fatalf("envelope: %v", err)
	}
	var doc map[string]any
	if err := json.Unmarshal(payload, &doc); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if v, ok := doc["user_id"]; !ok || v != nil {
		t.Fatalf("user_id = %v (present %v)", v, ok)
	}
}

func TestFlushPreservesOrder(t *testing.T) {
	store := newMemStore()
	bus := New(store, busLogger())
	store.setAppendErr(fmt.Errorf("down"))

	first := NewEvent("order.created", map[string]any{"n": float64(1)})
	second := NewEvent("order.created", map[string]any{"n": float64(2)})
	_ = bus.Publish(context.Background(), first)
	_ = bus.Publish(context.Background(), second)

	store.setAppendErr(nil)
	if flushed := bus.FlushFallback(context.Background()); flushed != 2 {
		t.Fatalf("flushed = %d", flushed)
	}

	store.mu.Lock()
	defer store.mu.Unlock()
	if len(store.order) != 2 || store.order[0] != first.ID || store.order[1] != second.ID {
		t.Fatalf("append order = %v", store.order)
	}
}
