// Package eventbus implements reliable domain event delivery: publishers
// hand events to the bus, which persists them to the event store (or parks
// them in a volatile fallback queue when the store is down), and the
// dispatcher drains the store and fans each event out to its named
// consumers with per-consumer idempotency.
package eventbus

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"dinehub-restaurant-platform/api/internal/models"
)

// DomainEvent is the in-process shape of an event. Data carries the
// business payload; identity and timing live in the named fields and are
// folded into the stored envelope on publish.
type DomainEvent struct {
	ID            uuid.UUID
	Name          string
	TenantID      *uuid.UUID
	UserID        *uuid.UUID
	AggregateType string
	AggregateID   *uuid.UUID
	OccurredAt    time.Time
	Data          map[string]any
}

// NewEvent fills identity and timing so callers only supply the business
// fields.
func NewEvent(name string, data map[string]any) DomainEvent {
	return DomainEvent{
		ID:         uuid.New(),
		Name:       name,
		OccurredAt: time.Now().UTC(),
		Data:       data,
	}
}

// envelope is the persisted payload: the business data plus event_id,
// user_id, and timestamp, so consumers see one flat document. Envelope keys
// win over colliding data keys.
func (e DomainEvent) envelope() ([]byte, error) {
	doc := make(map[string]any, len(e.Data)+3)
	for k, v := range e.Data {
		doc[k] = v
	}
	doc["event_id"] = e.ID.String()
	doc["timestamp"] = e.OccurredAt.Format(time.RFC3339Nano)
	if e.UserID != nil {
		doc["user_id"] = e.UserID.String()
	} else {
		doc["user_id"] = nil
	}
	return json.Marshal(doc)
}

func (e DomainEvent) toStored() (models.StoredEvent, error) {
	payload, err := e.envelope()
	if err != nil {
		return models.StoredEvent{}, fmt.Errorf("encode event %s: %w", e.Name, err)
	}
	stored := models.StoredEvent{
		EventID:     e.ID,
		TenantID:    e.TenantID,
		EventName:   e.Name,
		AggregateID: e.AggregateID,
		Payload:     payload,
		OccurredAt:  e.OccurredAt,
	}
	if e.AggregateType != "" {
		aggregateType := e.AggregateType
		stored.AggregateType = &aggregateType
	}
	return stored, nil
}

// fromStored rebuilds the in-process event from a claimed row. The envelope
// fields are lifted back out of the payload; the remaining keys become Data.
func fromStored(stored models.StoredEvent) (DomainEvent, error) {
	event := DomainEvent{
		ID:          stored.EventID,
		Name:        stored.EventName,
		TenantID:    stored.TenantID,
		AggregateID: stored.AggregateID,
		OccurredAt:  stored.OccurredAt,
	}
	if stored.AggregateType != nil {
		event.AggregateType = *stored.AggregateType
	}

	if len(stored.Payload) == 0 {
		return event, nil
	}
	var doc map[string]any
	if err := json.Unmarshal(stored.Payload, &doc); err != nil {
		return DomainEvent{}, fmt.Errorf("decode event %s payload: %w", stored.EventID, err)
	}
	if raw, ok := doc["user_id"].(string); ok {
		if userID, err := uuid.Parse(raw); err == nil {
			event.UserID = &userID
		}
	}
	delete(doc, "event_id")
	delete(doc, "user_id")
	delete(doc, "timestamp")
	event.Data = doc
	return event, nil
}
