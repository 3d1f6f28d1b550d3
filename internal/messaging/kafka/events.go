package kafka

import (
	"encoding/json"
	"time"

	"github.com/vladislavdragonenkov/reconciler/internal/domain"
)

// Topics по умолчанию.
const (
	TopicOrderEvents       = "reconciler.order.events"
	TopicCommissionEvents  = "reconciler.commission.events"
	TopicInventoryCommands = "reconciler.inventory.commands"
	TopicDeadLetterQueue   = "reconciler.outbox.dlq"
)

// Заголовки сообщений.
const (
	HeaderEventType     = "x-event-type"
	HeaderAggregateType = "x-aggregate-type"
	HeaderOutboxID      = "x-outbox-id"
	HeaderOriginalTopic = "x-original-topic"
	HeaderErrorMessage  = "x-error-message"
	HeaderFailedAt      = "x-failed-at"
)

// Topics сопоставляет тип агрегата outbox с topic.
type Topics struct {
	Order      string
	Commission string
	Inventory  string
	// Default получает агрегаты без отдельного topic.
	Default string
	DLQ     string
}

// DefaultTopics возвращает topics по умолчанию.
func DefaultTopics() Topics {
	return Topics{
		Order:      TopicOrderEvents,
		Commission: TopicCommissionEvents,
		Inventory:  TopicInventoryCommands,
		Default:    TopicOrderEvents,
		DLQ:        TopicDeadLetterQueue,
	}
}

// For выбирает topic по типу агрегата.
func (t Topics) For(aggregateType string) string {
	var topic string
	switch aggregateType {
	case domain.AggregateOrder:
		topic = t.Order
	case domain.AggregateCommission:
		topic = t.Commission
	case domain.AggregateInventory:
		topic = t.Inventory
	}
	if topic == "" {
		topic = t.Default
	}
	if topic == "" {
		topic = TopicOrderEvents
	}
	return topic
}

// Envelope — формат сообщения outbox в Kafka.
type Envelope struct {
	ID            string          `json:"id"`
	AggregateType string          `json:"aggregate_type"`
	AggregateID   string          `json:"aggregate_id"`
	EventType     string          `json:"event_type"`
	Payload       json.RawMessage `json:"payload"`
	PublishedAt   time.Time       `json:"published_at"`
}

// NewEnvelope оборачивает outbox-сообщение.
func NewEnvelope(msg domain.OutboxMessage, at time.Time) Envelope {
	payload := json.RawMessage(msg.Payload)
	if len(payload) == 0 {
		payload = json.RawMessage("null")
	}
	return Envelope{
		ID:            msg.ID,
		AggregateType: msg.AggregateType,
		AggregateID:   msg.AggregateID,
		EventType:     msg.EventType,
		Payload:       payload,
		PublishedAt:   at.UTC(),
	}
}

// DLQRecord — сообщение, которое не удалось опубликовать после всех попыток.
type DLQRecord struct {
	OutboxID       string          `json:"outbox_id"`
	AggregateType  string          `json:"aggregate_type"`
	AggregateID    string          `json:"aggregate_id"`
	EventType      string          `json:"event_type"`
	Payload        json.RawMessage `json:"payload"`
	PublishError   string          `json:"publish_error"`
	DLQPublishedAt time.Time       `json:"dlq_published_at"`
}

// OutboxMessage восстанавливает исходное outbox-сообщение для повторной публикации.
func (r DLQRecord) OutboxMessage() domain.OutboxMessage {
	return domain.OutboxMessage{
		ID:            r.OutboxID,
		AggregateType: r.AggregateType,
		AggregateID:   r.AggregateID,
		EventType:     r.EventType,
		Payload:       []byte(r.Payload),
	}
}
