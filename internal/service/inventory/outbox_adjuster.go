package inventory

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/vladislavdragonenkov/reconciler/internal/domain"
)

// OutboxAdjuster отправляет складские команды внешнему складу через outbox.
// Склад-получатель дедуплицирует команды по ключу сообщения (order_id:action).
type OutboxAdjuster struct {
	outbox domain.OutboxRepository
	now    func() time.Time
}

// NewOutboxAdjuster создаёт адаптер поверх outbox.
func NewOutboxAdjuster(outbox domain.OutboxRepository) *OutboxAdjuster {
	return &OutboxAdjuster{
		outbox: outbox,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

func (a *OutboxAdjuster) Reserve(ctx context.Context, orderID string, items []domain.OrderItem) error {
	return a.enqueue(ctx, orderID, domain.InventoryActionReserve, items)
}

func (a *OutboxAdjuster) Decrement(ctx context.Context, orderID string, items []domain.OrderItem) error {
	return a.enqueue(ctx, orderID, domain.InventoryActionDecrement, items)
}

func (a *OutboxAdjuster) Release(ctx context.Context, orderID string, items []domain.OrderItem) error {
	return a.enqueue(ctx, orderID, domain.InventoryActionRelease, items)
}

func (a *OutboxAdjuster) enqueue(ctx context.Context, orderID string, action domain.InventoryAction, items []domain.OrderItem) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	adj := domain.InventoryAdjustment{
		OrderID:     orderID,
		Action:      action,
		Lines:       domain.InventoryLinesOf(items),
		RequestedAt: a.now(),
	}
	payload, err := json.Marshal(adj)
	if err != nil {
		return fmt.Errorf("marshal inventory adjustment: %w", err)
	}
	if _, err := a.outbox.Enqueue(domain.OutboxMessage{
		AggregateType: domain.AggregateInventory,
		AggregateID:   adj.Key(),
		EventType:     domain.EventTypeInventoryPrefix + string(action),
		Payload:       payload,
	}); err != nil {
		return fmt.Errorf("enqueue inventory %s: %w", action, err)
	}
	return nil
}

var _ domain.InventoryService = (*OutboxAdjuster)(nil)
