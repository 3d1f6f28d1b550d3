package httpapi

import (
	"time"

	"github.com/vladislavdragonenkov/reconciler/internal/domain"
	"github.com/vladislavdragonenkov/reconciler/internal/provider"
)

type orderItemView struct {
	ID             string `json:"id"`
	ProductID      string `json:"product_id"`
	VariantID      string `json:"variant_id,omitempty"`
	Qty            int32  `json:"qty"`
	UnitPriceMinor int64  `json:"unit_price_minor"`
	LineTotalMinor int64  `json:"line_total_minor"`
}

type orderView struct {
	ID                string          `json:"id"`
	Number            string          `json:"number"`
	CustomerID        string          `json:"customer_id"`
	Status            string          `json:"status"`
	PaymentStatus     string          `json:"payment_status"`
	PaymentMethod     string          `json:"payment_method"`
	ProviderReference string          `json:"provider_reference,omitempty"`
	Currency          string          `json:"currency"`
	SubtotalMinor     int64           `json:"subtotal_minor"`
	DiscountMinor     int64           `json:"discount_minor"`
	ShippingMinor     int64           `json:"shipping_minor"`
	TaxMinor          int64           `json:"tax_minor"`
	TotalMinor        int64           `json:"total_minor"`
	CapturedMinor     int64           `json:"captured_minor"`
	RefundedMinor     int64           `json:"refunded_minor"`
	AmountMismatch    bool            `json:"amount_mismatch"`
	CouponCode        string          `json:"coupon_code,omitempty"`
	Items             []orderItemView `json:"items"`
	Version           int64           `json:"version"`
	CreatedAt         time.Time       `json:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at"`
	PaidAt            *time.Time      `json:"paid_at,omitempty"`
}

func newOrderView(o domain.Order) orderView {
	items := make([]orderItemView, 0, len(o.Items))
	for _, it := range o.Items {
		items = append(items, orderItemView{
			ID:             it.ID,
			ProductID:      it.ProductID,
			VariantID:      it.VariantID,
			Qty:            it.Qty,
			UnitPriceMinor: it.UnitPriceMinor,
			LineTotalMinor: it.LineTotalMinor,
		})
	}
	return orderView{
		ID:                o.ID,
		Number:            o.Number,
		CustomerID:        o.CustomerID,
		Status:            string(o.Status),
		PaymentStatus:     string(o.PaymentStatus),
		PaymentMethod:     string(o.PaymentMethod),
		ProviderReference: o.ProviderReference,
		Currency:          o.Currency,
		SubtotalMinor:     o.SubtotalMinor,
		DiscountMinor:     o.DiscountMinor,
		ShippingMinor:     o.ShippingMinor,
		TaxMinor:          o.TaxMinor,
		TotalMinor:        o.Total(),
		CapturedMinor:     o.CapturedMinor,
		RefundedMinor:     o.RefundedMinor,
		AmountMismatch:    o.AmountMismatch,
		CouponCode:        o.CouponCode,
		Items:             items,
		Version:           o.Version,
		CreatedAt:         o.CreatedAt,
		UpdatedAt:         o.UpdatedAt,
		PaidAt:            o.PaidAt,
	}
}

type checkoutView struct {
	Order        orderView `json:"order"`
	ClientHandle string    `json:"client_handle,omitempty"`
	IntentStatus string    `json:"intent_status,omitempty"`
}

type timelineView struct {
	Type     string    `json:"type"`
	Reason   string    `json:"reason,omitempty"`
	Occurred time.Time `json:"occurred_at"`
}

func newTimelineViews(events []domain.TimelineEvent) []timelineView {
	out := make([]timelineView, 0, len(events))
	for _, ev := range events {
		out = append(out, timelineView{Type: ev.Type, Reason: ev.Reason, Occurred: ev.Occurred})
	}
	return out
}

type refundView struct {
	Reference   string `json:"reference"`
	Status      string `json:"status"`
	AmountMinor int64  `json:"amount_minor"`
}

func newRefundView(r provider.RefundResult) refundView {
	return refundView{Reference: r.Reference, Status: r.Status, AmountMinor: r.AmountMinor}
}

type commissionView struct {
	OrderID         string     `json:"order_id"`
	Currency        string     `json:"currency"`
	OrderTotalMinor int64      `json:"order_total_minor"`
	RatePercent     string     `json:"rate_percent"`
	AmountMinor     int64      `json:"amount_minor"`
	BeneficiaryRole string     `json:"beneficiary_role"`
	Status          string     `json:"status"`
	AccruedAt       time.Time  `json:"accrued_at"`
	SettledAt       *time.Time `json:"settled_at,omitempty"`
}

func newCommissionView(e domain.CommissionEntry) commissionView {
	return commissionView{
		OrderID:         e.OrderID,
		Currency:        e.Currency,
		OrderTotalMinor: e.OrderTotalMinor,
		RatePercent:     e.RatePercent.String(),
		AmountMinor:     e.AmountMinor,
		BeneficiaryRole: e.BeneficiaryRole,
		Status:          string(e.Status),
		AccruedAt:       e.AccruedAt,
		SettledAt:       e.SettledAt,
	}
}

func newCommissionViews(entries []domain.CommissionEntry) []commissionView {
	out := make([]commissionView, 0, len(entries))
	for _, e := range entries {
		out = append(out, newCommissionView(e))
	}
	return out
}
