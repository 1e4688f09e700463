// Package events defines the wire envelope shared by the ingest gateway
// and the bridge that lands external events in the durable event log.
package events

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Envelope wraps one externally produced event on its way through Kafka.
// LocationID and Channel identify where the event came from; they travel
// in the envelope rather than the payload so the bridge can index on them
// without decoding partner-specific bodies.
type Envelope struct {
	EventID       uuid.UUID       `json:"event_id"`
	TenantID      uuid.UUID       `json:"tenant_id"`
	LocationID    string          `json:"location_id,omitempty"`
	Channel       string          `json:"channel,omitempty"`
	OccurredAt    time.Time       `json:"occurred_at"`
	AggregateType string          `json:"aggregate_type"`
	AggregateID   uuid.UUID       `json:"aggregate_id"`
	EventType     string          `json:"event_type"`
	Payload       json.RawMessage `json:"payload"`
}

// Ingest topics, one per external source class. Routing config may map
// event types onto these or name its own topics.
const (
	TopicPOSOrders         = "ingest.pos.orders"
	TopicPartnerOrders     = "ingest.partner.orders"
	TopicPaymentWebhooks   = "ingest.payments.webhooks"
	TopicReservationEvents = "ingest.reservations"
	TopicInventoryEvents   = "ingest.inventory"
)
