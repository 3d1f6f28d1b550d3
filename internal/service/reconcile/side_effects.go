package reconcile

import (
	"context"
	"fmt"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/reconciler/internal/domain"
)

// applySideEffects выполняется после сохранения заказа и вне блокировки.
// Флаги склада уже записаны в заказ, поэтому каждая складская операция
// запускается не больше одного раза за жизнь заказа.
func (e *Engine) applySideEffects(ctx context.Context, event domain.PaymentEvent, before domain.Order, tr domain.Transition) error {
	after := tr.Order

	if before.PaymentStatus != after.PaymentStatus {
		e.metrics.RecordTransition(string(before.PaymentStatus), string(after.PaymentStatus))
	}

	if tr.DecrementInventory {
		e.adjustInventory(ctx, after, domain.InventoryActionDecrement)
	}
	if tr.ReleaseInventory {
		e.adjustInventory(ctx, after, domain.InventoryActionRelease)
	}

	if tr.AmountMismatch {
		e.metrics.RecordAmountMismatch(string(event.Provider))
		reason := fmt.Sprintf("captured %d %s, order total %d %s", after.CapturedMinor, event.Currency, after.Total(), after.Currency)
		e.logger.WithFields(log.Fields{
			"order_id":       after.ID,
			"provider":       event.Provider,
			"event_id":       event.EventID,
			"captured_minor": after.CapturedMinor,
			"total_minor":    after.Total(),
			"anomaly":        "amount_mismatch",
		}).Warn("captured amount differs from order total, flagged for review")
		e.journal.OrderEvent(after, domain.EventTypeOrderAmountMismatch, domain.TimelineAmountMismatch, reason, map[string]any{
			"captured_minor": after.CapturedMinor,
			"event_currency": event.Currency,
		})
	}

	e.journal.OrderEvent(after, domain.EventTypeOrderPaymentChanged, domain.TimelinePaymentEventApplied,
		fmt.Sprintf("%s via %s (%s): %s", event.Kind, event.Provider, event.EventID, tr.Reason),
		map[string]any{
			"previous_payment_status": string(before.PaymentStatus),
			"provider":                string(event.Provider),
			"provider_event_id":       event.EventID,
			"captured_minor":          after.CapturedMinor,
			"refunded_minor":          after.RefundedMinor,
		})
	if before.Status != after.Status {
		e.journal.Timeline(after.ID, domain.TimelineStatusChanged,
			fmt.Sprintf("%s -> %s", before.Status, after.Status))
		if after.Status == domain.OrderStatusCancelled {
			e.journal.OrderEvent(after, domain.EventTypeOrderCancelled, "", tr.Reason, nil)
		}
	}

	return e.accrueIfCaptured(ctx, event, after)
}

// accrueIfCaptured начисляет комиссию по captured-событию. Ошибка возвращается
// наверх: ledger снимет запись, и повтор провайдера дойдёт сюда снова.
func (e *Engine) accrueIfCaptured(ctx context.Context, event domain.PaymentEvent, order domain.Order) error {
	if e.commissions == nil || event.Kind != domain.EventCaptured || !order.PaymentStatus.IsPaidFamily() {
		return nil
	}
	accrueCtx, cancel := context.WithTimeout(ctx, e.opts.SideEffectTimeout)
	defer cancel()

	if _, err := e.commissions.Accrue(accrueCtx, order); err != nil {
		return fmt.Errorf("accrue commission for order %s: %w", order.ID, err)
	}
	return nil
}

func (e *Engine) adjustInventory(ctx context.Context, order domain.Order, action domain.InventoryAction) {
	if e.inventory == nil {
		return
	}
	adjCtx, cancel := context.WithTimeout(ctx, e.opts.SideEffectTimeout)
	defer cancel()

	var (
		err          error
		timelineType string
	)
	switch action {
	case domain.InventoryActionDecrement:
		err = e.inventory.Decrement(adjCtx, order.ID, order.Items)
		timelineType = domain.TimelineInventoryDecremented
	case domain.InventoryActionRelease:
		err = e.inventory.Release(adjCtx, order.ID, order.Items)
		timelineType = domain.TimelineInventoryReleased
	default:
		return
	}

	if err != nil {
		// Флаг уже сохранён: повтор по webhook не случится, нужен ручной разбор.
		e.metrics.RecordInventoryFailure(string(action))
		e.logger.WithError(err).WithFields(log.Fields{
			"order_id": order.ID,
			"action":   action,
			"anomaly":  "inventory_adjustment",
		}).Error("inventory adjustment failed")
		e.journal.Timeline(order.ID, domain.TimelineInventoryFailed, fmt.Sprintf("%s: %v", action, err))
		return
	}
	e.journal.Timeline(order.ID, timelineType, "")
}
