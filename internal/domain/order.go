package domain

import (
	"fmt"
	"time"

	"go.uber.org/multierr"
)

// OrderStatus описывает жизненный цикл заказа.
type OrderStatus string

const (
	// OrderStatusPending — заказ создан, оплата ещё не подтверждена.
	OrderStatusPending OrderStatus = "pending"
	// OrderStatusConfirmed — оплата получена, заказ принят в работу.
	OrderStatusConfirmed  OrderStatus = "confirmed"
	OrderStatusProcessing OrderStatus = "processing"
	OrderStatusShipped    OrderStatus = "shipped"
	OrderStatusDelivered  OrderStatus = "delivered"
	// OrderStatusCancelled — заказ отменён до завершения цикла.
	OrderStatusCancelled OrderStatus = "cancelled"
	// OrderStatusRefunded — деньги по заказу полностью возвращены.
	OrderStatusRefunded OrderStatus = "refunded"
)

// IsTerminal сообщает, что из статуса нет штатных переходов.
func (s OrderStatus) IsTerminal() bool {
	switch s {
	case OrderStatusDelivered, OrderStatusCancelled, OrderStatusRefunded:
		return true
	default:
		return false
	}
}

// PaymentStatus описывает жизненный цикл оплаты заказа.
type PaymentStatus string

const (
	PaymentStatusPending           PaymentStatus = "pending"
	PaymentStatusAuthorized        PaymentStatus = "authorized"
	PaymentStatusPaid              PaymentStatus = "paid"
	PaymentStatusFailed            PaymentStatus = "failed"
	PaymentStatusRefunded          PaymentStatus = "refunded"
	PaymentStatusPartiallyRefunded PaymentStatus = "partially_refunded"
)

// IsPaidFamily сообщает, что деньги по заказу были списаны (включая последующие возвраты).
func (s PaymentStatus) IsPaidFamily() bool {
	switch s {
	case PaymentStatusPaid, PaymentStatusPartiallyRefunded, PaymentStatusRefunded:
		return true
	default:
		return false
	}
}

// Provider идентифицирует платёжного провайдера.
type Provider string

const (
	ProviderCardProcessor    Provider = "card_processor"
	ProviderRegionalGatewayA Provider = "regional_gateway_a"
	ProviderRegionalGatewayB Provider = "regional_gateway_b"
)

// Providers возвращает всех известных провайдеров в стабильном порядке.
func Providers() []Provider {
	return []Provider{ProviderCardProcessor, ProviderRegionalGatewayA, ProviderRegionalGatewayB}
}

// Valid проверяет, что провайдер известен системе.
func (p Provider) Valid() bool {
	for _, known := range Providers() {
		if p == known {
			return true
		}
	}
	return false
}

// OrderItem представляет одну позицию заказа. После создания заказа не меняется.
type OrderItem struct {
	ID             string
	ProductID      string
	VariantID      string
	Qty            int32
	UnitPriceMinor int64
	LineTotalMinor int64
}

// NewOrderItem считает сумму позиции.
func NewOrderItem(id, productID, variantID string, qty int32, unitPriceMinor int64) OrderItem {
	return OrderItem{
		ID:             id,
		ProductID:      productID,
		VariantID:      variantID,
		Qty:            qty,
		UnitPriceMinor: unitPriceMinor,
		LineTotalMinor: int64(qty) * unitPriceMinor,
	}
}

// Order агрегирует состояние заказа, оплаты и позиции.
type Order struct {
	ID         string
	Number     string
	CustomerID string
	Items      []OrderItem
	Currency   string

	SubtotalMinor int64
	DiscountMinor int64
	ShippingMinor int64
	TaxMinor      int64

	Status            OrderStatus
	PaymentStatus     PaymentStatus
	PaymentMethod     Provider
	ProviderReference string
	CouponCode        string

	// CapturedMinor — сумма, фактически списанная провайдером.
	CapturedMinor int64
	// RefundedMinor — накопленная сумма возвратов.
	RefundedMinor  int64
	AmountMismatch bool

	// Флаги побочных эффектов: хранятся явно, а не выводятся из статуса.
	InventoryReserved    bool
	InventoryDecremented bool
	InventoryReleased    bool

	Version   int64
	CreatedAt time.Time
	UpdatedAt time.Time
	PaidAt    *time.Time
}

// Total всегда пересчитывается: subtotal - discount + shipping + tax.
func (o Order) Total() int64 {
	return o.SubtotalMinor - o.DiscountMinor + o.ShippingMinor + o.TaxMinor
}

// RefundableMinor возвращает остаток, который ещё можно вернуть.
func (o Order) RefundableMinor() int64 {
	remaining := o.CapturedMinor - o.RefundedMinor
	if remaining < 0 {
		return 0
	}
	return remaining
}

// Clone возвращает копию заказа без общих срезов и указателей.
func (o Order) Clone() Order {
	clone := o
	if o.Items != nil {
		clone.Items = make([]OrderItem, len(o.Items))
		copy(clone.Items, o.Items)
	}
	if o.PaidAt != nil {
		paidAt := *o.PaidAt
		clone.PaidAt = &paidAt
	}
	return clone
}

// SubtotalOf суммирует позиции.
func SubtotalOf(items []OrderItem) int64 {
	var sum int64
	for _, item := range items {
		sum += item.LineTotalMinor
	}
	return sum
}

// ValidateInvariants проверяет инварианты заказа и возвращает все нарушения сразу.
func (o Order) ValidateInvariants() error {
	var errs error

	if o.ID == "" {
		errs = multierr.Append(errs, ErrOrderIDRequired)
	}
	if o.CustomerID == "" {
		errs = multierr.Append(errs, ErrCustomerRequired)
	}
	if o.Currency == "" {
		errs = multierr.Append(errs, ErrCurrencyRequired)
	}
	if len(o.Items) == 0 {
		errs = multierr.Append(errs, ErrItemsRequired)
	}

	for i, item := range o.Items {
		if item.Qty <= 0 {
			errs = multierr.Append(errs, fmt.Errorf("item %d: %w", i, ErrItemQtyInvalid))
		}
		if item.UnitPriceMinor < 0 {
			errs = multierr.Append(errs, fmt.Errorf("item %d: %w", i, ErrItemPriceInvalid))
		}
		if item.LineTotalMinor != int64(item.Qty)*item.UnitPriceMinor {
			errs = multierr.Append(errs, fmt.Errorf("item %d: %w", i, ErrLineTotalMismatch))
		}
	}
	if SubtotalOf(o.Items) != o.SubtotalMinor {
		errs = multierr.Append(errs, ErrSubtotalMismatch)
	}
	if o.DiscountMinor < 0 || o.DiscountMinor > o.SubtotalMinor {
		errs = multierr.Append(errs, ErrDiscountInvalid)
	}
	if o.ShippingMinor < 0 || o.TaxMinor < 0 {
		errs = multierr.Append(errs, ErrSurchargeNegative)
	}
	if o.RefundedMinor > o.CapturedMinor {
		errs = multierr.Append(errs, ErrRefundExceedsCapture)
	}

	return errs
}
