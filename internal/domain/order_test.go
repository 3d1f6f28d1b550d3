package domain_test

import (
	"errors"
	"testing"
	"time"

	"go.uber.org/multierr"

	"github.com/vladislavdragonenkov/reconciler/internal/domain"
)

// helper для создания базового заказа: 2 x 40.00 + 1 x 20.00, скидка 10.00, доставка 5.00, налог 8.00.
func makeOrder() domain.Order {
	now := time.Now().UTC()
	items := []domain.OrderItem{
		domain.NewOrderItem("item-1", "prod-1", "var-1", 2, 4000),
		domain.NewOrderItem("item-2", "prod-2", "", 1, 2000),
	}
	return domain.Order{
		ID:            "order-1",
		Number:        "ORD-20260101-AAAAAA",
		CustomerID:    "customer-1",
		Items:         items,
		Currency:      "USD",
		SubtotalMinor: domain.SubtotalOf(items),
		DiscountMinor: 1000,
		ShippingMinor: 500,
		TaxMinor:      800,
		Status:        domain.OrderStatusPending,
		PaymentStatus: domain.PaymentStatusPending,
		PaymentMethod: domain.ProviderCardProcessor,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

func TestOrderTotal(t *testing.T) {
	order := makeOrder()
	if order.SubtotalMinor != 10000 {
		t.Fatalf("unexpected subtotal: %d", order.SubtotalMinor)
	}
	if got := order.Total(); got != 10300 {
		t.Fatalf("expected total 10300, got %d", got)
	}

	order.TaxMinor = 0
	if got := order.Total(); got != 9500 {
		t.Fatalf("total must be recomputed on read, got %d", got)
	}
}

func TestOrderValidateInvariants_Ok(t *testing.T) {
	order := makeOrder()
	if err := order.ValidateInvariants(); err != nil {
		t.Fatalf("expected no validation errors, got %v", err)
	}
}

func TestOrderValidateInvariants_Errors(t *testing.T) {
	cases := []struct {
		name string
		mut  func(o *domain.Order)
		want error
	}{
		{
			name: "no customer",
			mut:  func(o *domain.Order) { o.CustomerID = "" },
			want: domain.ErrCustomerRequired,
		},
		{
			name: "no currency",
			mut:  func(o *domain.Order) { o.Currency = "" },
			want: domain.ErrCurrencyRequired,
		},
		{
			name: "no items",
			mut: func(o *domain.Order) {
				o.Items = nil
				o.SubtotalMinor = 0
				o.DiscountMinor = 0
			},
			want: domain.ErrItemsRequired,
		},
		{
			name: "zero qty",
			mut:  func(o *domain.Order) { o.Items[0].Qty = 0 },
			want: domain.ErrItemQtyInvalid,
		},
		{
			name: "tampered line total",
			mut:  func(o *domain.Order) { o.Items[1].LineTotalMinor = 1 },
			want: domain.ErrLineTotalMismatch,
		},
		{
			name: "subtotal mismatch",
			mut:  func(o *domain.Order) { o.SubtotalMinor++ },
			want: domain.ErrSubtotalMismatch,
		},
		{
			name: "discount above subtotal",
			mut:  func(o *domain.Order) { o.DiscountMinor = o.SubtotalMinor + 1 },
			want: domain.ErrDiscountInvalid,
		},
		{
			name: "negative tax",
			mut:  func(o *domain.Order) { o.TaxMinor = -1 },
			want: domain.ErrSurchargeNegative,
		},
		{
			name: "refund above capture",
			mut: func(o *domain.Order) {
				o.CapturedMinor = 100
				o.RefundedMinor = 101
			},
			want: domain.ErrRefundExceedsCapture,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			order := makeOrder()
			tc.mut(&order)
			err := order.ValidateInvariants()
			if !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
		})
	}
}

func TestOrderValidateInvariants_CollectsAllErrors(t *testing.T) {
	order := makeOrder()
	order.CustomerID = ""
	order.Currency = ""
	order.TaxMinor = -5

	errs := multierr.Errors(order.ValidateInvariants())
	if len(errs) != 3 {
		t.Fatalf("expected 3 errors, got %d: %v", len(errs), errs)
	}
}

func TestOrderClone_DoesNotShareState(t *testing.T) {
	order := makeOrder()
	paidAt := time.Now().UTC()
	order.PaidAt = &paidAt

	clone := order.Clone()
	clone.Items[0].Qty = 99
	*clone.PaidAt = paidAt.Add(time.Hour)

	if order.Items[0].Qty != 2 {
		t.Fatal("clone must not share items slice")
	}
	if !order.PaidAt.Equal(paidAt) {
		t.Fatal("clone must not share PaidAt pointer")
	}
}

func TestOrderStatusTerminal(t *testing.T) {
	terminal := []domain.OrderStatus{domain.OrderStatusDelivered, domain.OrderStatusCancelled, domain.OrderStatusRefunded}
	for _, s := range terminal {
		if !s.IsTerminal() {
			t.Errorf("%s must be terminal", s)
		}
	}
	if domain.OrderStatusShipped.IsTerminal() {
		t.Error("shipped must not be terminal")
	}
}

func TestProviderValid(t *testing.T) {
	for _, p := range domain.Providers() {
		if !p.Valid() {
			t.Errorf("%s must be valid", p)
		}
	}
	if domain.Provider("paypal").Valid() {
		t.Error("unknown provider must be invalid")
	}
}
