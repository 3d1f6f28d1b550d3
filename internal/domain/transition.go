package domain

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// MismatchTolerance задаёт допустимое расхождение между списанной суммой и total заказа.
// Расхождение больше max(AbsoluteMinor, total*Percent/100) помечается для ручной проверки.
type MismatchTolerance struct {
	AbsoluteMinor int64
	Percent       decimal.Decimal
}

// Allows сообщает, укладывается ли списанная сумма в допуск.
func (t MismatchTolerance) Allows(totalMinor, capturedMinor int64) bool {
	delta := capturedMinor - totalMinor
	if delta < 0 {
		delta = -delta
	}
	limit := t.AbsoluteMinor
	if t.Percent.IsPositive() {
		pct := decimal.NewFromInt(totalMinor).Mul(t.Percent).Div(hundred).Round(0).IntPart()
		if pct > limit {
			limit = pct
		}
	}
	return delta <= limit
}

// Transition — результат применения события к заказу.
type Transition struct {
	Order Order
	// Changed — заказ нужно сохранить.
	Changed bool
	// EnteredPaid — платёж впервые перешёл в paid.
	EnteredPaid bool
	// DecrementInventory и ReleaseInventory выставляются ровно один раз за жизнь заказа.
	DecrementInventory bool
	ReleaseInventory   bool
	AmountMismatch     bool
	RefundedFully      bool
	Reason             string
}

// ApplyPaymentEvent применяет нормализованное событие к копии заказа.
// Неприменимое событие возвращает ошибку, оборачивающую ErrIllegalTransition.
func ApplyPaymentEvent(order Order, event PaymentEvent, tolerance MismatchTolerance, now time.Time) (Transition, error) {
	next := order.Clone()
	tr := Transition{Order: next}

	switch event.Kind {
	case EventAuthorized:
		if order.PaymentStatus != PaymentStatusPending {
			return tr, illegal(order, event)
		}
		tr.Order.PaymentStatus = PaymentStatusAuthorized
		tr.Changed = true
		tr.Reason = "payment authorized"

	case EventCaptured:
		switch order.PaymentStatus {
		case PaymentStatusPaid:
			tr.Reason = "already paid"
			return tr, nil
		case PaymentStatusPending, PaymentStatusAuthorized:
		default:
			return tr, illegal(order, event)
		}
		if order.Status == OrderStatusCancelled {
			return tr, fmt.Errorf("%w: captured on cancelled order %s", ErrIllegalTransition, order.ID)
		}
		applyCapture(&tr, event, tolerance, now)

	case EventFailed:
		if order.PaymentStatus != PaymentStatusPending && order.PaymentStatus != PaymentStatusAuthorized {
			return tr, illegal(order, event)
		}
		tr.Order.PaymentStatus = PaymentStatusFailed
		if !order.Status.IsTerminal() {
			tr.Order.Status = OrderStatusCancelled
		}
		if order.InventoryReserved && !order.InventoryDecremented && !order.InventoryReleased {
			tr.Order.InventoryReleased = true
			tr.ReleaseInventory = true
		}
		tr.Changed = true
		tr.Reason = "payment failed"

	case EventRefunded:
		if !refundable(order.PaymentStatus) {
			return tr, illegal(order, event)
		}
		markFullRefund(&tr)

	case EventPartiallyRefunded:
		if !refundable(order.PaymentStatus) {
			return tr, illegal(order, event)
		}
		if event.AmountMinor <= 0 {
			return tr, fmt.Errorf("%w: partial refund without amount for order %s", ErrIllegalTransition, order.ID)
		}
		refunded := order.RefundedMinor + event.AmountMinor
		if event.AmountIsCumulative {
			refunded = event.AmountMinor
		}
		if refunded <= order.RefundedMinor {
			tr.Reason = "refund total unchanged"
			return tr, nil
		}
		if refunded >= refundBase(order) {
			markFullRefund(&tr)
			break
		}
		tr.Order.CapturedMinor = refundBase(order)
		tr.Order.RefundedMinor = refunded
		tr.Order.PaymentStatus = PaymentStatusPartiallyRefunded
		tr.Changed = true
		tr.Reason = "payment partially refunded"

	default:
		return tr, fmt.Errorf("%w: %q", ErrUnknownEventKind, event.Kind)
	}

	if tr.Changed {
		tr.Order.UpdatedAt = now
	}
	return tr, nil
}

func applyCapture(tr *Transition, event PaymentEvent, tolerance MismatchTolerance, now time.Time) {
	order := &tr.Order
	total := order.Total()

	captured := event.AmountMinor
	if captured <= 0 {
		captured = total
	}
	order.CapturedMinor = captured
	order.PaymentStatus = PaymentStatusPaid
	if order.Status == OrderStatusPending {
		order.Status = OrderStatusConfirmed
	}
	paidAt := now
	order.PaidAt = &paidAt

	currencyMismatch := event.Currency != "" && !strings.EqualFold(event.Currency, order.Currency)
	if currencyMismatch || !tolerance.Allows(total, captured) {
		order.AmountMismatch = true
		tr.AmountMismatch = true
	}
	if !order.InventoryDecremented {
		order.InventoryDecremented = true
		tr.DecrementInventory = true
	}

	tr.Changed = true
	tr.EnteredPaid = true
	tr.Reason = "payment captured"
}

func markFullRefund(tr *Transition) {
	base := refundBase(tr.Order)
	tr.Order.CapturedMinor = base
	tr.Order.RefundedMinor = base
	tr.Order.PaymentStatus = PaymentStatusRefunded
	tr.Order.Status = OrderStatusRefunded
	tr.Changed = true
	tr.RefundedFully = true
	tr.Reason = "payment refunded"
}

// refundBase — сумма, от которой считаются возвраты. Для заказов, оплаченных
// до появления CapturedMinor, берётся total.
func refundBase(order Order) int64 {
	if order.CapturedMinor > 0 {
		return order.CapturedMinor
	}
	return order.Total()
}

func refundable(status PaymentStatus) bool {
	return status == PaymentStatusPaid || status == PaymentStatusPartiallyRefunded
}

func illegal(order Order, event PaymentEvent) error {
	return fmt.Errorf("%w: %s event on order %s with payment status %s",
		ErrIllegalTransition, event.Kind, order.ID, order.PaymentStatus)
}

// fulfillmentNext задаёт линейную цепочку исполнения заказа.
var fulfillmentNext = map[OrderStatus]OrderStatus{
	OrderStatusPending:    OrderStatusConfirmed,
	OrderStatusConfirmed:  OrderStatusProcessing,
	OrderStatusProcessing: OrderStatusShipped,
	OrderStatusShipped:    OrderStatusDelivered,
}

// CanAdvanceStatus проверяет переход статуса заказа.
// cancelled достижим из любого нетерминального статуса.
func CanAdvanceStatus(from, to OrderStatus) bool {
	if from.IsTerminal() {
		return false
	}
	if to == OrderStatusCancelled {
		return true
	}
	return fulfillmentNext[from] == to
}
