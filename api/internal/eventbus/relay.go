package eventbus

import (
	"context"
)

// RelayConsumer is the built-in consumer that republishes every processed
// event to Kafka for external subscribers. It rides the same inbox
// idempotency as business consumers, so a retried event is not re-emitted.
const RelayConsumer = "kafka-relay"

// RelayProducer is satisfied by mqx.Producer.
type RelayProducer interface {
	Publish(ctx context.Context, topic string, key []byte, value []byte, headers map[string]string) error
}

// RegisterKafkaRelay subscribes the relay as a wildcard consumer. Topics
// are prefix-qualified per event name, e.g. "dinehub.order.created".
// Messages are keyed by tenant so one tenant's events stay ordered within
// a partition; platform events key on the event id.
func RegisterKafkaRelay(bus *ReliableEventBus, producer RelayProducer, topicPrefix string) {
	bus.Subscribe(WildcardEvent, RelayConsumer, func(ctx context.Context, event DomainEvent) error {
		payload, err := event.envelope()
		if err != nil {
			return err
		}

		key := event.ID.String()
		headers := map[string]string{
			"event_id":   event.ID.String(),
			"event_name": event.Name,
		}
		if event.TenantID != nil {
			key = event.TenantID.String()
			headers["tenant_id"] = event.TenantID.String()
		}

		return producer.Publish(ctx, topicPrefix+"."+event.Name, []byte(key), payload, headers)
	})
}
