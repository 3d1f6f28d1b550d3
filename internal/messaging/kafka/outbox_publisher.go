package kafka

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/vladislavdragonenkov/reconciler/internal/domain"
)

// OutboxPublisher публикует outbox-сообщения в topic своего агрегата.
// Ключом сообщения служит идентификатор агрегата, поэтому события одного заказа
// попадают в одну партицию и сохраняют порядок.
type OutboxPublisher struct {
	producer *Producer
	topics   Topics
	now      func() time.Time
}

// NewOutboxPublisher создаёт паблишер transactional outbox.
func NewOutboxPublisher(producer *Producer, topics Topics) *OutboxPublisher {
	return &OutboxPublisher{producer: producer, topics: topics, now: time.Now}
}

// Publish отправляет сообщение.
func (p *OutboxPublisher) Publish(msg domain.OutboxMessage) error {
	if p == nil || p.producer == nil {
		return errors.New("kafka outbox publisher is not initialized")
	}
	key := msg.AggregateID
	if key == "" {
		key = msg.ID
	}
	if err := p.producer.PublishEvent(p.topics.For(msg.AggregateType), key, NewEnvelope(msg, p.now()), map[string]string{
		HeaderEventType:     msg.EventType,
		HeaderAggregateType: msg.AggregateType,
		HeaderOutboxID:      msg.ID,
	}); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrOutboxPublish, err)
	}
	return nil
}

// DLQPublisher отправляет не опубликованные сообщения в DLQ topic.
type DLQPublisher struct {
	producer *Producer
	topics   Topics
	now      func() time.Time
}

// NewDLQPublisher создаёт паблишер DLQ.
func NewDLQPublisher(producer *Producer, topics Topics) *DLQPublisher {
	return &DLQPublisher{producer: producer, topics: topics, now: time.Now}
}

// PublishFailed кладёт в DLQ сообщение вместе с причиной сбоя.
func (p *DLQPublisher) PublishFailed(msg domain.OutboxMessage, cause error) error {
	if p == nil || p.producer == nil {
		return errors.New("kafka dlq publisher is not initialized")
	}
	payload := json.RawMessage(msg.Payload)
	if len(payload) == 0 {
		payload = json.RawMessage("null")
	}
	failedAt := p.now().UTC()
	record := DLQRecord{
		OutboxID:       msg.ID,
		AggregateType:  msg.AggregateType,
		AggregateID:    msg.AggregateID,
		EventType:      msg.EventType,
		Payload:        payload,
		PublishError:   cause.Error(),
		DLQPublishedAt: failedAt,
	}
	topic := p.topics.DLQ
	if topic == "" {
		topic = TopicDeadLetterQueue
	}
	return p.producer.PublishEvent(topic, msg.AggregateID, record, map[string]string{
		HeaderOriginalTopic: p.topics.For(msg.AggregateType),
		HeaderErrorMessage:  cause.Error(),
		HeaderFailedAt:      failedAt.Format(time.RFC3339Nano),
		HeaderOutboxID:      msg.ID,
	})
}

var _ domain.OutboxPublisher = (*OutboxPublisher)(nil)
