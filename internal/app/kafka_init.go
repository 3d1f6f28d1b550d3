package app

import (
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/reconciler/internal/messaging/kafka"
)

// kafkaPublishers — producer и связанные с ним публикаторы outbox и DLQ.
type kafkaPublishers struct {
	producer *kafka.Producer
	outbox   *kafka.OutboxPublisher
	dlq      *kafka.DLQPublisher
}

// topics собирает маршрутизацию по типам агрегатов из конфигурации.
func (c Config) topics() kafka.Topics {
	t := kafka.DefaultTopics()
	if c.KafkaTopicOrders != "" {
		t.Order = c.KafkaTopicOrders
		t.Default = c.KafkaTopicOrders
	}
	if c.KafkaTopicCommission != "" {
		t.Commission = c.KafkaTopicCommission
	}
	if c.KafkaTopicInventory != "" {
		t.Inventory = c.KafkaTopicInventory
	}
	if c.KafkaTopicDLQ != "" {
		t.DLQ = c.KafkaTopicDLQ
	}
	return t
}

// initKafka создаёт producer, если заданы brokers. Без brokers возвращает nil, nil:
// события копятся в outbox до появления брокера.
func initKafka(cfg Config, logger *log.Entry) (*kafkaPublishers, error) {
	if len(cfg.KafkaBrokers) == 0 {
		logger.Info("kafka brokers not configured, outbox relay disabled")
		return nil, nil
	}
	producer, err := kafka.NewProducer(cfg.KafkaBrokers, cfg.KafkaClientID, logger.WithField("component", "kafka-producer"))
	if err != nil {
		return nil, err
	}
	topics := cfg.topics()
	logger.WithField("brokers", cfg.KafkaBrokers).Info("kafka producer initialized")
	return &kafkaPublishers{
		producer: producer,
		outbox:   kafka.NewOutboxPublisher(producer, topics),
		dlq:      kafka.NewDLQPublisher(producer, topics),
	}, nil
}

// closeKafka закрывает producer, если он был создан.
func closeKafka(k *kafkaPublishers, logger *log.Entry) {
	if k == nil || k.producer == nil {
		return
	}
	if err := k.producer.Close(); err != nil {
		logger.WithError(err).Warn("failed to close kafka producer")
		return
	}
	logger.Info("kafka producer closed")
}
