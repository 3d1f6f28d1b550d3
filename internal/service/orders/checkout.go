package orders

import (
	"context"
	"errors"
	"fmt"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/reconciler/internal/domain"
	"github.com/vladislavdragonenkov/reconciler/internal/provider"
)

// CheckoutItem — позиция корзины.
type CheckoutItem struct {
	ProductID      string `json:"product_id" validate:"required,max=128"`
	VariantID      string `json:"variant_id,omitempty" validate:"max=128"`
	Qty            int32  `json:"qty" validate:"gt=0,lte=1000"`
	UnitPriceMinor int64  `json:"unit_price_minor" validate:"gte=0"`
}

// CheckoutRequest — намерение оформить заказ. CustomerID берётся из проверенной личности.
type CheckoutRequest struct {
	CustomerID    string         `json:"-" validate:"required"`
	Provider      string         `json:"provider" validate:"required"`
	Currency      string         `json:"currency" validate:"required,len=3,uppercase"`
	Items         []CheckoutItem `json:"items" validate:"required,min=1,max=100,dive"`
	ShippingMinor int64          `json:"shipping_minor" validate:"gte=0"`
	TaxMinor      int64          `json:"tax_minor" validate:"gte=0"`
	CouponCode    string         `json:"coupon_code,omitempty" validate:"max=64"`
	SourceToken   string         `json:"source_token,omitempty" validate:"max=512"`
}

// CheckoutResult — созданный заказ и данные для завершения оплаты клиентом.
type CheckoutResult struct {
	Order        domain.Order
	ClientHandle string
	IntentStatus string
}

// Checkout создаёт заказ в pending/pending и платёжное намерение у провайдера.
//
// Намерение создаётся без блокировки заказа. Если провайдер недоступен, заказ
// остаётся pending и возвращается вместе с ошибкой: поздний webhook его сведёт.
func (s *Service) Checkout(ctx context.Context, req CheckoutRequest) (CheckoutResult, error) {
	req.Currency = provider.NormalizeCurrency(req.Currency)
	if err := validateStruct(req); err != nil {
		return CheckoutResult{}, err
	}

	adapter, err := s.providers.Get(domain.Provider(req.Provider))
	if err != nil {
		return CheckoutResult{}, err
	}
	if !adapter.Enabled() {
		return CheckoutResult{}, fmt.Errorf("%w: %s is disabled", provider.ErrProviderUnavailable, req.Provider)
	}

	now := s.now()
	orderID := s.newID()
	items := make([]domain.OrderItem, 0, len(req.Items))
	for i, it := range req.Items {
		items = append(items, domain.NewOrderItem(fmt.Sprintf("%s-%d", orderID, i+1), it.ProductID, it.VariantID, it.Qty, it.UnitPriceMinor))
	}
	subtotal := domain.SubtotalOf(items)

	var discount int64
	if req.CouponCode != "" {
		if s.coupons == nil {
			return CheckoutResult{}, fmt.Errorf("%w: coupons are not accepted", domain.ErrCouponInvalid)
		}
		discount, err = s.coupons.Validate(ctx, req.CouponCode, subtotal, req.Currency)
		if err != nil {
			return CheckoutResult{}, err
		}
	}

	order := domain.Order{
		ID:            orderID,
		Number:        orderNumber(orderID, now),
		CustomerID:    req.CustomerID,
		Items:         items,
		Currency:      req.Currency,
		SubtotalMinor: subtotal,
		DiscountMinor: discount,
		ShippingMinor: req.ShippingMinor,
		TaxMinor:      req.TaxMinor,
		Status:        domain.OrderStatusPending,
		PaymentStatus: domain.PaymentStatusPending,
		PaymentMethod: adapter.Name(),
		CouponCode:    req.CouponCode,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := order.ValidateInvariants(); err != nil {
		return CheckoutResult{}, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	if err := provider.ValidateAmount(order.Total(), order.Currency); err != nil {
		return CheckoutResult{}, fmt.Errorf("order total %d %s: %w", order.Total(), order.Currency, err)
	}

	if s.inventory != nil {
		if err := s.inventory.Reserve(ctx, order.ID, order.Items); err != nil {
			return CheckoutResult{}, fmt.Errorf("reserve inventory: %w", err)
		}
		order.InventoryReserved = true
	}
	if err := s.orders.Create(order); err != nil {
		s.releaseReservation(ctx, order)
		return CheckoutResult{}, fmt.Errorf("create order: %w", err)
	}

	fields := log.Fields{"order_id": order.ID, "provider": order.PaymentMethod, "total_minor": order.Total()}
	s.journal.OrderEvent(order, domain.EventTypeOrderCreated, domain.TimelineOrderCreated, "checkout", map[string]any{
		"order_number":   order.Number,
		"provider":       string(order.PaymentMethod),
		"discount_minor": order.DiscountMinor,
		"coupon_code":    order.CouponCode,
	})
	if order.InventoryReserved {
		s.journal.Timeline(order.ID, domain.TimelineInventoryReserved, "")
	}

	intentCtx, cancel := context.WithTimeout(ctx, s.opts.IntentTimeout)
	intent, err := adapter.CreateIntent(intentCtx, provider.IntentRequest{
		OrderID:        order.ID,
		OrderNumber:    order.Number,
		AmountMinor:    order.Total(),
		Currency:       order.Currency,
		IdempotencyKey: "intent-" + order.ID,
		SourceToken:    req.SourceToken,
		Metadata:       map[string]string{"order_id": order.ID, "order_number": order.Number},
	})
	cancel()
	if err != nil {
		return s.intentFailed(ctx, order, err)
	}

	res, err := s.updater.Update(ctx, order.ID, func(current domain.Order) (domain.Order, bool, error) {
		if current.ProviderReference != "" {
			return current, false, nil
		}
		current.ProviderReference = intent.Reference
		current.UpdatedAt = s.now()
		return current, true, nil
	})
	if err != nil {
		s.logger.WithError(err).WithFields(fields).Error("persist provider reference failed")
		return CheckoutResult{Order: order}, fmt.Errorf("persist provider reference: %w", err)
	}
	s.journal.Timeline(order.ID, domain.TimelineIntentCreated, fmt.Sprintf("%s %s", intent.Reference, intent.Status))
	s.logger.WithFields(fields).WithField("reference", intent.Reference).Info("checkout completed")

	return CheckoutResult{
		Order:        res.After,
		ClientHandle: intent.ClientHandle,
		IntentStatus: intent.Status,
	}, nil
}

// intentFailed обрабатывает отказ провайдера. Отказ по сумме отменяет заказ и снимает резерв;
// недоступность провайдера оставляет заказ pending.
func (s *Service) intentFailed(ctx context.Context, order domain.Order, cause error) (CheckoutResult, error) {
	fields := log.Fields{"order_id": order.ID, "provider": order.PaymentMethod}
	s.journal.Timeline(order.ID, domain.TimelineIntentFailed, cause.Error())

	if !errors.Is(cause, provider.ErrInvalidAmount) && !errors.Is(cause, provider.ErrRequestRejected) {
		s.logger.WithError(cause).WithFields(fields).Warn("payment intent not created, order stays pending")
		return CheckoutResult{Order: order}, fmt.Errorf("create payment intent: %w", cause)
	}

	s.logger.WithError(cause).WithFields(fields).Warn("payment intent rejected, cancelling order")
	res, err := s.updater.Update(ctx, order.ID, func(current domain.Order) (domain.Order, bool, error) {
		if current.Status.IsTerminal() || current.PaymentStatus.IsPaidFamily() {
			return current, false, nil
		}
		current.Status = domain.OrderStatusCancelled
		current.PaymentStatus = domain.PaymentStatusFailed
		if current.InventoryReserved && !current.InventoryDecremented && !current.InventoryReleased {
			current.InventoryReleased = true
		}
		current.UpdatedAt = s.now()
		return current, true, nil
	})
	if err != nil {
		s.logger.WithError(err).WithFields(fields).Error("cancel order after rejected intent failed")
		return CheckoutResult{Order: order}, fmt.Errorf("create payment intent: %w", cause)
	}
	if res.Changed {
		if res.After.InventoryReleased && !res.Before.InventoryReleased {
			s.releaseReservation(ctx, res.After)
		}
		s.journal.OrderEvent(res.After, domain.EventTypeOrderCancelled, domain.TimelineStatusChanged, "payment intent rejected", nil)
	}
	return CheckoutResult{Order: res.After}, fmt.Errorf("create payment intent: %w", cause)
}

func (s *Service) releaseReservation(ctx context.Context, order domain.Order) {
	if s.inventory == nil || !order.InventoryReserved {
		return
	}
	if err := s.inventory.Release(ctx, order.ID, order.Items); err != nil {
		s.logger.WithError(err).WithField("order_id", order.ID).Error("release inventory failed")
		s.journal.Timeline(order.ID, domain.TimelineInventoryFailed, fmt.Sprintf("%s: %v", domain.InventoryActionRelease, err))
		return
	}
	s.journal.Timeline(order.ID, domain.TimelineInventoryReleased, "")
}
