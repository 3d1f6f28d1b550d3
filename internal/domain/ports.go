package domain

import (
	"context"
	"time"
)

// InventoryService описывает взаимодействие со складом.
// Реализация обязана дедуплицировать операции по (order_id, action).
type InventoryService interface {
	// Reserve резервирует товары под заказ при оформлении.
	Reserve(ctx context.Context, orderID string, items []OrderItem) error
	// Decrement списывает резерв после оплаты.
	Decrement(ctx context.Context, orderID string, items []OrderItem) error
	// Release снимает резерв (отказ оплаты, отмена).
	Release(ctx context.Context, orderID string, items []OrderItem) error
}

// CouponValidator проверяет купон для корзины и возвращает скидку.
type CouponValidator interface {
	Validate(ctx context.Context, code string, subtotalMinor int64, currency string) (int64, error)
}

// OutboxPublisher публикует события из transactional outbox.
type OutboxPublisher interface {
	// Publish передаёт событие наружу; должен быть идемпотентным.
	Publish(event OutboxMessage) error
}

// OutboxRepository позволяет сохранять события для последующей публикации.
type OutboxRepository interface {
	Enqueue(msg OutboxMessage) (OutboxMessage, error)
	PullPending(limit int) ([]OutboxMessage, error)
	Stats() (OutboxStats, error)
	MarkSent(id string) error
	MarkFailed(id string) error
	// DeleteSentBefore удаляет отправленные сообщения старше before, не больше limit за раз.
	DeleteSentBefore(before time.Time, limit int) (int, error)
}

// TimelineRepository хранит события жизненного цикла заказа.
type TimelineRepository interface {
	Append(event TimelineEvent) error
	List(orderID string) ([]TimelineEvent, error)
}

// OutboxMessage хранит данные для публикуемого события.
type OutboxMessage struct {
	ID            string
	AggregateType string
	AggregateID   string
	EventType     string
	Payload       []byte
}

// Типы агрегатов outbox; по ним publisher выбирает topic.
const (
	AggregateOrder      = "order"
	AggregateCommission = "commission"
	AggregateInventory  = "inventory"
)

// Типы событий outbox.
const (
	EventTypeOrderCreated         = "order.created"
	EventTypeOrderPaymentChanged  = "order.payment_status_changed"
	EventTypeOrderAmountMismatch  = "order.amount_mismatch"
	EventTypeOrderCancelled       = "order.cancelled"
	EventTypeOrderStatusChanged   = "order.status_changed"
	EventTypeOrderRefundRequested = "order.refund_requested"
	EventTypeCommissionAccrued    = "commission.accrued"
	EventTypeCommissionSettled    = "commission.settled"
	// Складские команды: "inventory." + InventoryAction.
	EventTypeInventoryPrefix = "inventory."
)

// OutboxStats описывает текущее состояние backlog transactional outbox.
type OutboxStats struct {
	PendingCount    int
	OldestPendingAt time.Time
}
