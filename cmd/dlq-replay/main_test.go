package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/reconciler/internal/domain"
	"github.com/vladislavdragonenkov/reconciler/internal/messaging/kafka"
)

func dlqValue(t *testing.T, aggregateType, aggregateID string) []byte {
	t.Helper()
	raw, err := json.Marshal(kafka.DLQRecord{
		OutboxID:       "outbox-1",
		AggregateType:  aggregateType,
		AggregateID:    aggregateID,
		EventType:      "order.paid",
		Payload:        json.RawMessage(`{"order_id":"` + aggregateID + `"}`),
		PublishError:   "broker unavailable",
		DLQPublishedAt: time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC),
	})
	require.NoError(t, err)
	return raw
}

func dlqMessage(t *testing.T, partition int32, offset int64, aggregateID string) *sarama.ConsumerMessage {
	return &sarama.ConsumerMessage{Partition: partition, Offset: offset, Value: dlqValue(t, domain.AggregateOrder, aggregateID)}
}

func testConfig() config {
	topics := kafka.DefaultTopics()
	return config{
		sourceTopic: kafka.TopicDeadLetterQueue,
		topics:      topics,
		limit:       10,
		idleTimeout: 20 * time.Millisecond,
	}
}

func envOf(values map[string]string) func(string) string {
	return func(key string) string { return values[key] }
}

func TestParseBrokers(t *testing.T) {
	assert.Equal(t, []string{"broker-1:9092", "broker-2:9092"}, parseBrokers(" broker-1:9092, ,broker-2:9092 "))
	assert.Empty(t, parseBrokers(""))
}

func TestReadConfigFromFlags(t *testing.T) {
	cfg, err := readConfig([]string{
		"-brokers=broker-1:9092,broker-2:9092",
		"-source-topic=custom.dlq",
		"-order-topic=custom.orders",
		"-limit=10",
		"-execute",
		"-from-newest",
		"-idle-timeout=3s",
	}, envOf(nil))
	require.NoError(t, err)

	assert.Equal(t, []string{"broker-1:9092", "broker-2:9092"}, cfg.brokers)
	assert.Equal(t, "custom.dlq", cfg.sourceTopic)
	assert.Equal(t, "custom.orders", cfg.topics.Order)
	assert.Equal(t, "custom.orders", cfg.topics.Default)
	assert.Equal(t, kafka.TopicCommissionEvents, cfg.topics.Commission)
	assert.Equal(t, 10, cfg.limit)
	assert.True(t, cfg.execute)
	assert.True(t, cfg.fromNewest)
	assert.Equal(t, 3*time.Second, cfg.idleTimeout)
}

func TestReadConfigBrokersFromEnv(t *testing.T) {
	cfg, err := readConfig(nil, envOf(map[string]string{brokersEnv: "k:9092"}))
	require.NoError(t, err)
	assert.Equal(t, []string{"k:9092"}, cfg.brokers)
	assert.False(t, cfg.execute)
}

func TestReadConfigValidation(t *testing.T) {
	tests := []struct {
		args    []string
		wantErr string
	}{
		{args: []string{"-brokers="}, wantErr: "kafka brokers are required"},
		{args: []string{"-brokers=b:9092", "-source-topic="}, wantErr: "source-topic is required"},
		{args: []string{"-brokers=b:9092", "-order-topic="}, wantErr: "order-topic is required"},
		{args: []string{"-brokers=b:9092", "-limit=0"}, wantErr: "limit must be > 0"},
		{args: []string{"-brokers=b:9092", "-idle-timeout=0s"}, wantErr: "idle-timeout must be > 0"},
		{args: []string{"-target-topic=x"}, wantErr: "flag provided but not defined"},
	}
	for _, tt := range tests {
		t.Run(tt.wantErr, func(t *testing.T) {
			_, err := readConfig(tt.args, envOf(nil))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestExtractReplayMessageRoutesByAggregate(t *testing.T) {
	now := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)
	msg := &sarama.ConsumerMessage{Value: dlqValue(t, domain.AggregateCommission, "order-9")}

	got, err := extractReplayMessage(msg, kafka.DefaultTopics(), now)
	require.NoError(t, err)

	assert.Equal(t, kafka.TopicCommissionEvents, got.topic)
	assert.Equal(t, "order-9", got.key)
	assert.Equal(t, "outbox-1", got.envelope.ID)
	assert.Equal(t, "order.paid", got.envelope.EventType)
	assert.Equal(t, now, got.envelope.PublishedAt)
	assert.JSONEq(t, `{"order_id":"order-9"}`, string(got.envelope.Payload))
	assert.Equal(t, "outbox-1", got.headers[kafka.HeaderOutboxID])
}

func TestExtractReplayMessagePrefersOriginalTopicHeader(t *testing.T) {
	msg := &sarama.ConsumerMessage{
		Value:   dlqValue(t, domain.AggregateOrder, "order-1"),
		Headers: []*sarama.RecordHeader{{Key: []byte(kafka.HeaderOriginalTopic), Value: []byte("legacy.orders")}},
	}

	got, err := extractReplayMessage(msg, kafka.DefaultTopics(), time.Now())
	require.NoError(t, err)
	assert.Equal(t, "legacy.orders", got.topic)
}

func TestExtractReplayMessageRejectsUnsupported(t *testing.T) {
	for name, value := range map[string]string{
		"not json":      `not-json`,
		"unknown shape": `{"foo":"bar"}`,
		"no payload":    `{"outbox_id":"o-1","event_type":"order.paid","aggregate_id":"a"}`,
		"null payload":  `{"outbox_id":"o-1","event_type":"order.paid","payload":null}`,
	} {
		t.Run(name, func(t *testing.T) {
			_, err := extractReplayMessage(&sarama.ConsumerMessage{Value: []byte(value)}, kafka.DefaultTopics(), time.Now())
			assert.Error(t, err)
		})
	}
}

func TestProcessPartitionDryRun(t *testing.T) {
	client := &stubOffsetClient{offsets: map[int32]offsetRange{0: {oldest: 0, newest: 2}}}
	consumer := &stubPartitionConsumerSource{consumers: map[int32]partitionConsumer{
		0: closedPartitionConsumer(dlqMessage(t, 0, 0, "order-1")),
	}}

	stats, err := processPartition(context.Background(), consumer, client, nil, testConfig(), 0, 10)
	require.NoError(t, err)
	assert.Equal(t, partitionStats{processed: 1, replayed: 1}, stats)
	require.Len(t, consumer.calls, 1)
	assert.Equal(t, int64(0), consumer.calls[0].offset)
}

func TestProcessPartitionFromNewest(t *testing.T) {
	client := &stubOffsetClient{offsets: map[int32]offsetRange{0: {oldest: 0, newest: 10}}}
	consumer := &stubPartitionConsumerSource{consumers: map[int32]partitionConsumer{
		0: closedPartitionConsumer(dlqMessage(t, 0, 8, "order-8"), dlqMessage(t, 0, 9, "order-9")),
	}}
	cfg := testConfig()
	cfg.fromNewest = true

	stats, err := processPartition(context.Background(), consumer, client, nil, cfg, 0, 2)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.replayed)
	assert.Equal(t, int64(8), consumer.calls[0].offset)
}

func TestProcessPartitionExecutePublishesEnvelope(t *testing.T) {
	client := &stubOffsetClient{offsets: map[int32]offsetRange{0: {oldest: 0, newest: 1}}}
	consumer := &stubPartitionConsumerSource{consumers: map[int32]partitionConsumer{
		0: closedPartitionConsumer(dlqMessage(t, 0, 0, "order-1")),
	}}

	sp := mocks.NewSyncProducer(t, nil)
	sp.ExpectSendMessageWithMessageCheckerFunctionAndSucceed(func(msg *sarama.ProducerMessage) error {
		if msg.Topic != kafka.TopicOrderEvents {
			return fmt.Errorf("unexpected topic %s", msg.Topic)
		}
		key, _ := msg.Key.Encode()
		if string(key) != "order-1" {
			return fmt.Errorf("unexpected key %s", key)
		}
		value, _ := msg.Value.Encode()
		var env kafka.Envelope
		if err := json.Unmarshal(value, &env); err != nil {
			return err
		}
		if env.ID != "outbox-1" || env.AggregateType != domain.AggregateOrder {
			return fmt.Errorf("unexpected envelope %+v", env)
		}
		return nil
	})
	producer := kafka.NewProducerFrom(sp, nil)
	defer func() { _ = producer.Close() }()

	cfg := testConfig()
	cfg.execute = true
	stats, err := processPartition(context.Background(), consumer, client, producer, cfg, 0, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.replayed)
}

func TestProcessPartitionSkipsBadRecords(t *testing.T) {
	client := &stubOffsetClient{offsets: map[int32]offsetRange{0: {oldest: 0, newest: 2}}}
	consumer := &stubPartitionConsumerSource{consumers: map[int32]partitionConsumer{
		0: closedPartitionConsumer(
			&sarama.ConsumerMessage{Partition: 0, Offset: 0, Value: []byte(`{"id":"x","payload":"not-an-object"}`)},
			dlqMessage(t, 0, 1, "order-2"),
		),
	}}
	publisher := &stubPublisher{}
	cfg := testConfig()
	cfg.execute = true

	stats, err := processPartition(context.Background(), consumer, client, publisher, cfg, 0, 10)
	require.NoError(t, err)
	assert.Equal(t, partitionStats{processed: 2, replayed: 1, skipped: 1}, stats)
	assert.Equal(t, []string{"order-2"}, publisher.keys)
}

func TestProcessPartitionErrors(t *testing.T) {
	cfg := testConfig()
	cfg.execute = true
	client := &stubOffsetClient{offsets: map[int32]offsetRange{0: {oldest: 0, newest: 2}}}

	t.Run("offset", func(t *testing.T) {
		broken := &stubOffsetClient{offsetErr: map[int32]error{0: errors.New("offset")}}
		_, err := processPartition(context.Background(), &stubPartitionConsumerSource{}, broken, &stubPublisher{}, cfg, 0, 1)
		assert.ErrorContains(t, err, "get oldest offset")
	})

	t.Run("consume", func(t *testing.T) {
		_, err := processPartition(context.Background(), &stubPartitionConsumerSource{consumeErr: errors.New("consume")}, client, &stubPublisher{}, cfg, 0, 1)
		assert.ErrorContains(t, err, "consume partition 0")
	})

	t.Run("consumer error", func(t *testing.T) {
		pc := &stubPartitionConsumer{
			messages: make(chan *sarama.ConsumerMessage),
			errors:   make(chan *sarama.ConsumerError, 1),
		}
		pc.errors <- &sarama.ConsumerError{Err: errors.New("consumer boom")}
		consumer := &stubPartitionConsumerSource{consumers: map[int32]partitionConsumer{0: pc}}
		_, err := processPartition(context.Background(), consumer, client, &stubPublisher{}, cfg, 0, 1)
		assert.ErrorContains(t, err, "consumer error")
	})

	t.Run("publish", func(t *testing.T) {
		consumer := &stubPartitionConsumerSource{consumers: map[int32]partitionConsumer{
			0: closedPartitionConsumer(dlqMessage(t, 0, 0, "order-1")),
		}}
		_, err := processPartition(context.Background(), consumer, client, &stubPublisher{err: errors.New("send fail")}, cfg, 0, 1)
		assert.ErrorContains(t, err, "publish replay message")
	})
}

func TestProcessPartitionIdleTimeoutAndCancel(t *testing.T) {
	client := &stubOffsetClient{offsets: map[int32]offsetRange{0: {oldest: 0, newest: 2}}}
	cfg := testConfig()

	idle := &stubPartitionConsumer{messages: make(chan *sarama.ConsumerMessage), errors: make(chan *sarama.ConsumerError)}
	consumer := &stubPartitionConsumerSource{consumers: map[int32]partitionConsumer{0: idle}}
	stats, err := processPartition(context.Background(), consumer, client, nil, cfg, 0, 1)
	require.NoError(t, err)
	assert.Zero(t, stats.processed)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	cfg.idleTimeout = time.Minute
	blocked := &stubPartitionConsumer{messages: make(chan *sarama.ConsumerMessage), errors: make(chan *sarama.ConsumerError)}
	consumer = &stubPartitionConsumerSource{consumers: map[int32]partitionConsumer{0: blocked}}
	_, err = processPartition(ctx, consumer, client, nil, cfg, 0, 1)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRunReplay(t *testing.T) {
	cfg := testConfig()
	cfg.limit = 1

	require.Error(t, runReplay(context.Background(), cfg, nil, nil, nil))

	client := &stubOffsetClient{
		partitions: []int32{2, 0},
		offsets: map[int32]offsetRange{
			0: {oldest: 0, newest: 2},
			2: {oldest: 0, newest: 2},
		},
	}
	consumer := &stubPartitionConsumerSource{consumers: map[int32]partitionConsumer{
		0: closedPartitionConsumer(dlqMessage(t, 0, 0, "order-1")),
		2: closedPartitionConsumer(dlqMessage(t, 2, 0, "order-2")),
	}}
	require.NoError(t, runReplay(context.Background(), cfg, client, consumer, nil))
	require.Len(t, consumer.calls, 1, "limit stops after the first partition")
	assert.Equal(t, int32(0), consumer.calls[0].partition)

	executeCfg := cfg
	executeCfg.execute = true
	assert.ErrorContains(t, runReplay(context.Background(), executeCfg, client, consumer, nil), "producer is required")

	assert.NoError(t, runReplay(context.Background(), cfg, &stubOffsetClient{}, consumer, nil))

	failing := &stubOffsetClient{partitionsErr: errors.New("metadata")}
	assert.ErrorContains(t, runReplay(context.Background(), cfg, failing, consumer, nil), "get partitions")
}

func TestRunClosesDependencies(t *testing.T) {
	oldDeps := newReplayDependencies
	t.Cleanup(func() { newReplayDependencies = oldDeps })

	newReplayDependencies = func(config) (offsetClient, partitionConsumerSource, replayPublisher, error) {
		return nil, nil, nil, errors.New("deps failed")
	}
	err := run(context.Background(), testConfig())
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "deps failed"))

	client := &stubOffsetClient{partitions: []int32{0}, offsets: map[int32]offsetRange{0: {oldest: 0, newest: 1}}}
	consumer := &stubPartitionConsumerSource{consumers: map[int32]partitionConsumer{
		0: closedPartitionConsumer(dlqMessage(t, 0, 0, "order-1")),
	}}
	publisher := &stubPublisher{}
	newReplayDependencies = func(config) (offsetClient, partitionConsumerSource, replayPublisher, error) {
		return client, consumer, publisher, nil
	}
	cfg := testConfig()
	cfg.execute = true
	require.NoError(t, run(context.Background(), cfg))
	assert.True(t, client.closed)
	assert.True(t, consumer.closed)
	assert.True(t, publisher.closed)
	assert.Equal(t, []string{"order-1"}, publisher.keys)
}

type offsetRange struct {
	oldest int64
	newest int64
}

type stubOffsetClient struct {
	partitions    []int32
	partitionsErr error
	offsets       map[int32]offsetRange
	offsetErr     map[int32]error
	closed        bool
}

func (s *stubOffsetClient) GetOffset(_ string, partition int32, marker int64) (int64, error) {
	if err, ok := s.offsetErr[partition]; ok {
		return 0, err
	}
	r := s.offsets[partition]
	switch marker {
	case sarama.OffsetOldest:
		return r.oldest, nil
	case sarama.OffsetNewest:
		return r.newest, nil
	default:
		return 0, fmt.Errorf("unsupported marker %d", marker)
	}
}

func (s *stubOffsetClient) Partitions(string) ([]int32, error) {
	if s.partitionsErr != nil {
		return nil, s.partitionsErr
	}
	return append([]int32(nil), s.partitions...), nil
}

func (s *stubOffsetClient) Close() error {
	s.closed = true
	return nil
}

type consumeCall struct {
	partition int32
	offset    int64
}

type stubPartitionConsumerSource struct {
	consumers  map[int32]partitionConsumer
	consumeErr error
	calls      []consumeCall
	closed     bool
}

func (s *stubPartitionConsumerSource) ConsumePartition(_ string, partition int32, offset int64) (partitionConsumer, error) {
	s.calls = append(s.calls, consumeCall{partition: partition, offset: offset})
	if s.consumeErr != nil {
		return nil, s.consumeErr
	}
	pc, ok := s.consumers[partition]
	if !ok {
		return nil, fmt.Errorf("partition %d not configured", partition)
	}
	return pc, nil
}

func (s *stubPartitionConsumerSource) Close() error {
	s.closed = true
	return nil
}

type stubPartitionConsumer struct {
	messages chan *sarama.ConsumerMessage
	errors   chan *sarama.ConsumerError
}

func (s *stubPartitionConsumer) Messages() <-chan *sarama.ConsumerMessage { return s.messages }
func (s *stubPartitionConsumer) Errors() <-chan *sarama.ConsumerError     { return s.errors }
func (s *stubPartitionConsumer) Close() error                             { return nil }

// closedPartitionConsumer отдаёт сообщения и закрывает канал. Канал ошибок
// не закрывается, чтобы select не выбирал его вхолостую.
func closedPartitionConsumer(messages ...*sarama.ConsumerMessage) *stubPartitionConsumer {
	msgCh := make(chan *sarama.ConsumerMessage, len(messages))
	for _, msg := range messages {
		msgCh <- msg
	}
	close(msgCh)
	return &stubPartitionConsumer{messages: msgCh, errors: make(chan *sarama.ConsumerError)}
}

type stubPublisher struct {
	err    error
	keys   []string
	closed bool
}

func (s *stubPublisher) PublishEvent(_, key string, _ any, _ map[string]string) error {
	if s.err != nil {
		return s.err
	}
	s.keys = append(s.keys, key)
	return nil
}

func (s *stubPublisher) Close() error {
	s.closed = true
	return nil
}
