package kafka

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/reconciler/internal/domain"
)

func TestTopicsFor(t *testing.T) {
	topics := DefaultTopics()
	assert.Equal(t, TopicOrderEvents, topics.For(domain.AggregateOrder))
	assert.Equal(t, TopicCommissionEvents, topics.For(domain.AggregateCommission))
	assert.Equal(t, TopicInventoryCommands, topics.For(domain.AggregateInventory))
	assert.Equal(t, TopicOrderEvents, topics.For("unknown"))
	assert.Equal(t, TopicOrderEvents, Topics{}.For(domain.AggregateCommission))
}

func TestOutboxPublisher_RoutesByAggregate(t *testing.T) {
	cases := []struct {
		aggregate string
		topic     string
	}{
		{aggregate: domain.AggregateOrder, topic: TopicOrderEvents},
		{aggregate: domain.AggregateCommission, topic: TopicCommissionEvents},
		{aggregate: domain.AggregateInventory, topic: TopicInventoryCommands},
	}
	for _, tc := range cases {
		t.Run(tc.aggregate, func(t *testing.T) {
			mockProducer := mocks.NewSyncProducer(t, nil)
			mockProducer.ExpectSendMessageWithMessageCheckerFunctionAndSucceed(func(msg *sarama.ProducerMessage) error {
				if msg.Topic != tc.topic {
					return fmt.Errorf("topic %s, want %s", msg.Topic, tc.topic)
				}
				key, _ := msg.Key.Encode()
				if string(key) != "agg-1" {
					return fmt.Errorf("key %s", key)
				}
				value, _ := msg.Value.Encode()
				var env Envelope
				if err := json.Unmarshal(value, &env); err != nil {
					return err
				}
				if env.ID != "outbox-1" || string(env.Payload) != `{"status":"paid"}` {
					return fmt.Errorf("unexpected envelope %+v", env)
				}
				if headerValue(msg, HeaderOutboxID) != "outbox-1" {
					return errors.New("missing outbox id header")
				}
				return nil
			})

			publisher := NewOutboxPublisher(NewProducerFrom(mockProducer, nil), DefaultTopics())
			err := publisher.Publish(domain.OutboxMessage{
				ID:            "outbox-1",
				AggregateType: tc.aggregate,
				AggregateID:   "agg-1",
				EventType:     "some.event",
				Payload:       []byte(`{"status":"paid"}`),
			})
			require.NoError(t, err)
			require.NoError(t, mockProducer.Close())
		})
	}
}

func TestOutboxPublisher_FallsBackToMessageIDAsKey(t *testing.T) {
	mockProducer := mocks.NewSyncProducer(t, nil)
	mockProducer.ExpectSendMessageWithMessageCheckerFunctionAndSucceed(func(msg *sarama.ProducerMessage) error {
		key, _ := msg.Key.Encode()
		if string(key) != "outbox-9" {
			return fmt.Errorf("key %s", key)
		}
		return nil
	})
	publisher := NewOutboxPublisher(NewProducerFrom(mockProducer, nil), DefaultTopics())
	require.NoError(t, publisher.Publish(domain.OutboxMessage{ID: "outbox-9", AggregateType: domain.AggregateOrder}))
	require.NoError(t, mockProducer.Close())
}

func TestOutboxPublisher_WrapsSendError(t *testing.T) {
	mockProducer := mocks.NewSyncProducer(t, nil)
	mockProducer.ExpectSendMessageAndFail(sarama.ErrNotLeaderForPartition)
	publisher := NewOutboxPublisher(NewProducerFrom(mockProducer, nil), DefaultTopics())

	err := publisher.Publish(domain.OutboxMessage{ID: "1", AggregateType: domain.AggregateOrder, AggregateID: "o"})
	assert.ErrorIs(t, err, domain.ErrOutboxPublish)
	require.NoError(t, mockProducer.Close())
}

func TestOutboxPublisher_Uninitialized(t *testing.T) {
	var publisher *OutboxPublisher
	assert.Error(t, publisher.Publish(domain.OutboxMessage{ID: "1"}))
}

func TestDLQPublisher_PublishFailed(t *testing.T) {
	mockProducer := mocks.NewSyncProducer(t, nil)
	mockProducer.ExpectSendMessageWithMessageCheckerFunctionAndSucceed(func(msg *sarama.ProducerMessage) error {
		if msg.Topic != TopicDeadLetterQueue {
			return fmt.Errorf("topic %s", msg.Topic)
		}
		if headerValue(msg, HeaderOriginalTopic) != TopicCommissionEvents {
			return errors.New("missing original topic header")
		}
		value, _ := msg.Value.Encode()
		var rec DLQRecord
		if err := json.Unmarshal(value, &rec); err != nil {
			return err
		}
		if rec.OutboxID != "outbox-2" || rec.PublishError != "broker down" {
			return fmt.Errorf("unexpected record %+v", rec)
		}
		return nil
	})
	dlq := NewDLQPublisher(NewProducerFrom(mockProducer, nil), DefaultTopics())
	dlq.now = func() time.Time { return time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC) }

	err := dlq.PublishFailed(domain.OutboxMessage{
		ID:            "outbox-2",
		AggregateType: domain.AggregateCommission,
		AggregateID:   "order-2",
		EventType:     domain.EventTypeCommissionAccrued,
		Payload:       []byte(`{"amount_minor":120}`),
	}, errors.New("broker down"))
	require.NoError(t, err)
	require.NoError(t, mockProducer.Close())
}
