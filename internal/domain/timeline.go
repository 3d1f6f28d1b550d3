package domain

import "time"

// Типы событий истории заказа.
const (
	TimelineOrderCreated         = "order_created"
	TimelineIntentCreated        = "intent_created"
	TimelineIntentFailed         = "intent_failed"
	TimelinePaymentEventApplied  = "payment_event_applied"
	TimelineTransitionRejected   = "transition_rejected"
	TimelineAmountMismatch       = "amount_mismatch"
	TimelineInventoryReserved    = "inventory_reserved"
	TimelineInventoryDecremented = "inventory_decremented"
	TimelineInventoryReleased    = "inventory_released"
	TimelineInventoryFailed      = "inventory_adjustment_failed"
	TimelineCommissionAccrued    = "commission_accrued"
	TimelineRefundRequested      = "refund_requested"
	TimelineStatusChanged        = "status_changed"
)

// TimelineEvent описывает событие в жизненном цикле заказа.
type TimelineEvent struct {
	OrderID  string
	Type     string
	Reason   string
	Occurred time.Time
}
