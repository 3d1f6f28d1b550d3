// Package journal записывает побочные следы обработки заказа: события
// истории заказа и сообщения transactional outbox.
package journal

import (
	"encoding/json"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/reconciler/internal/domain"
	"github.com/vladislavdragonenkov/reconciler/internal/metrics"
)

// Journal не возвращает ошибок: сбой записи истории или outbox логируется
// и не откатывает уже сохранённое состояние заказа.
type Journal struct {
	outbox   domain.OutboxRepository
	timeline domain.TimelineRepository
	metrics  *metrics.ReconcileMetrics
	logger   *log.Entry
	now      func() time.Time
}

// New создаёт журнал. outbox и timeline могут быть nil.
func New(outbox domain.OutboxRepository, timeline domain.TimelineRepository, m *metrics.ReconcileMetrics, logger *log.Entry) *Journal {
	if logger == nil {
		logger = log.WithField("component", "journal")
	}
	return &Journal{
		outbox:   outbox,
		timeline: timeline,
		metrics:  m,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Timeline добавляет событие в историю заказа.
func (j *Journal) Timeline(orderID, eventType, reason string) {
	if j == nil || j.timeline == nil {
		return
	}
	event := domain.TimelineEvent{
		OrderID:  orderID,
		Type:     eventType,
		Reason:   reason,
		Occurred: j.now(),
	}
	if err := j.timeline.Append(event); err != nil {
		j.logger.WithError(err).WithFields(log.Fields{
			"order_id": orderID,
			"event":    eventType,
		}).Warn("append timeline event failed")
		return
	}
	j.metrics.RecordTimelineEvent()
}

// Publish кладёт событие в outbox. В payload добавляются aggregate_id и ts.
func (j *Journal) Publish(aggregateType, aggregateID, eventType string, payload map[string]any) {
	if j == nil || j.outbox == nil {
		return
	}
	if payload == nil {
		payload = make(map[string]any)
	}
	payload["event_type"] = eventType
	payload[aggregateType+"_id"] = aggregateID
	payload["ts"] = j.now().Format(time.RFC3339Nano)

	data, err := json.Marshal(payload)
	if err != nil {
		j.logger.WithError(err).WithFields(log.Fields{
			"aggregate_id": aggregateID,
			"event":        eventType,
		}).Error("marshal event failed")
		return
	}
	j.enqueue(domain.OutboxMessage{
		AggregateType: aggregateType,
		AggregateID:   aggregateID,
		EventType:     eventType,
		Payload:       data,
	})
}

// PublishRaw кладёт в outbox уже сериализованное сообщение.
func (j *Journal) PublishRaw(msg domain.OutboxMessage) error {
	if j == nil || j.outbox == nil {
		return nil
	}
	return j.enqueue(msg)
}

func (j *Journal) enqueue(msg domain.OutboxMessage) error {
	if _, err := j.outbox.Enqueue(msg); err != nil {
		j.logger.WithError(err).WithFields(log.Fields{
			"aggregate_id": msg.AggregateID,
			"event":        msg.EventType,
		}).Error("enqueue event failed")
		return err
	}
	j.metrics.RecordOutboxEvent()
	return nil
}

// OrderEvent публикует событие заказа и одновременно пишет его в историю.
func (j *Journal) OrderEvent(order domain.Order, eventType, timelineType, reason string, extra map[string]any) {
	payload := map[string]any{
		"customer_id":    order.CustomerID,
		"status":         string(order.Status),
		"payment_status": string(order.PaymentStatus),
		"total_minor":    order.Total(),
		"currency":       order.Currency,
	}
	if reason != "" {
		payload["reason"] = reason
	}
	for k, v := range extra {
		payload[k] = v
	}
	j.Publish(domain.AggregateOrder, order.ID, eventType, payload)
	if timelineType != "" {
		j.Timeline(order.ID, timelineType, reason)
	}
}
