package orders

import (
	"context"
	"fmt"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/reconciler/internal/domain"
	"github.com/vladislavdragonenkov/reconciler/internal/provider"
)

// RefundRequest — запрос администратора на возврат. AmountMinor == nil — вернуть остаток.
type RefundRequest struct {
	OrderID     string `json:"-" validate:"required"`
	AmountMinor *int64 `json:"amount_minor,omitempty" validate:"omitempty,gt=0"`
	Reason      string `json:"reason,omitempty" validate:"max=256"`
}

// Refund просит провайдера вернуть деньги. Состояние заказа меняет только
// последующий webhook провайдера; здесь заказ не блокируется.
func (s *Service) Refund(ctx context.Context, req RefundRequest) (provider.RefundResult, error) {
	if err := validateStruct(req); err != nil {
		return provider.RefundResult{}, err
	}
	order, err := s.orders.Get(req.OrderID)
	if err != nil {
		return provider.RefundResult{}, err
	}
	if order.PaymentStatus != domain.PaymentStatusPaid && order.PaymentStatus != domain.PaymentStatusPartiallyRefunded {
		if order.PaymentStatus == domain.PaymentStatusRefunded {
			return provider.RefundResult{}, provider.ErrAlreadyRefunded
		}
		return provider.RefundResult{}, fmt.Errorf("%w: payment status %s", ErrNotRefundable, order.PaymentStatus)
	}

	remaining := order.RefundableMinor()
	if remaining <= 0 {
		return provider.RefundResult{}, provider.ErrAlreadyRefunded
	}
	amount := remaining
	if req.AmountMinor != nil {
		amount = *req.AmountMinor
		if amount > remaining {
			return provider.RefundResult{}, fmt.Errorf("%w: requested %d, refundable %d", provider.ErrInvalidAmount, amount, remaining)
		}
	}
	if order.ProviderReference == "" {
		return provider.RefundResult{}, ErrNoProviderReference
	}

	adapter, err := s.providers.Get(order.PaymentMethod)
	if err != nil {
		return provider.RefundResult{}, err
	}

	refundCtx, cancel := context.WithTimeout(ctx, s.opts.RefundTimeout)
	defer cancel()
	result, err := adapter.Refund(refundCtx, provider.RefundRequest{
		OrderID:        order.ID,
		Reference:      order.ProviderReference,
		AmountMinor:    &amount,
		Currency:       order.Currency,
		IdempotencyKey: fmt.Sprintf("refund-%s-%d-%d", order.ID, order.RefundedMinor, amount),
	})
	fields := log.Fields{"order_id": order.ID, "provider": order.PaymentMethod, "amount_minor": amount}
	if err != nil {
		s.logger.WithError(err).WithFields(fields).Warn("refund request failed")
		return provider.RefundResult{}, fmt.Errorf("refund order %s: %w", order.ID, err)
	}

	reason := fmt.Sprintf("%d %s requested, refund %s %s", amount, order.Currency, result.Reference, result.Status)
	if req.Reason != "" {
		reason += ": " + req.Reason
	}
	s.journal.OrderEvent(order, domain.EventTypeOrderRefundRequested, domain.TimelineRefundRequested, reason, map[string]any{
		"amount_minor":     amount,
		"refund_reference": result.Reference,
	})
	s.logger.WithFields(fields).WithField("refund_reference", result.Reference).Info("refund requested")
	return result, nil
}

// Cancel отменяет неоплаченный заказ и один раз снимает резерв склада.
func (s *Service) Cancel(ctx context.Context, orderID, reason string) (domain.Order, error) {
	res, err := s.updater.Update(ctx, orderID, func(order domain.Order) (domain.Order, bool, error) {
		if order.PaymentStatus.IsPaidFamily() {
			return order, false, ErrCancelPaidOrder
		}
		if order.Status == domain.OrderStatusCancelled {
			return order, false, nil
		}
		if !domain.CanAdvanceStatus(order.Status, domain.OrderStatusCancelled) {
			return order, false, fmt.Errorf("%w: cannot cancel order in status %s", domain.ErrIllegalTransition, order.Status)
		}
		order.Status = domain.OrderStatusCancelled
		if order.InventoryReserved && !order.InventoryDecremented && !order.InventoryReleased {
			order.InventoryReleased = true
		}
		order.UpdatedAt = s.now()
		return order, true, nil
	})
	if err != nil {
		return res.Before, err
	}
	if !res.Changed {
		return res.After, nil
	}

	if res.After.InventoryReleased && !res.Before.InventoryReleased {
		s.releaseReservation(ctx, res.After)
	}
	if reason == "" {
		reason = "cancelled by admin"
	}
	s.journal.OrderEvent(res.After, domain.EventTypeOrderCancelled, domain.TimelineStatusChanged,
		fmt.Sprintf("%s -> %s: %s", res.Before.Status, res.After.Status, reason), nil)
	if res.After.PaymentStatus == domain.PaymentStatusAuthorized {
		s.logger.WithField("order_id", orderID).Warn("cancelled order holds an authorized payment, void it at the provider")
	}
	return res.After, nil
}

// AdvanceFulfillment переводит оплаченный заказ по цепочке processing → shipped → delivered.
func (s *Service) AdvanceFulfillment(ctx context.Context, orderID string, target domain.OrderStatus) (domain.Order, error) {
	switch target {
	case domain.OrderStatusProcessing, domain.OrderStatusShipped, domain.OrderStatusDelivered:
	default:
		return domain.Order{}, &ValidationError{Fields: map[string]string{"status": "must be one of [processing shipped delivered]"}}
	}

	res, err := s.updater.Update(ctx, orderID, func(order domain.Order) (domain.Order, bool, error) {
		if order.PaymentStatus != domain.PaymentStatusPaid && order.PaymentStatus != domain.PaymentStatusPartiallyRefunded {
			return order, false, fmt.Errorf("%w: fulfillment requires a paid order, payment status %s", domain.ErrIllegalTransition, order.PaymentStatus)
		}
		if order.Status == target {
			return order, false, nil
		}
		if !domain.CanAdvanceStatus(order.Status, target) {
			return order, false, fmt.Errorf("%w: %s -> %s", domain.ErrIllegalTransition, order.Status, target)
		}
		order.Status = target
		order.UpdatedAt = s.now()
		return order, true, nil
	})
	if err != nil {
		return res.Before, err
	}
	if res.Changed {
		s.journal.OrderEvent(res.After, domain.EventTypeOrderStatusChanged, domain.TimelineStatusChanged,
			fmt.Sprintf("%s -> %s", res.Before.Status, res.After.Status), map[string]any{
				"previous_status": string(res.Before.Status),
			})
	}
	return res.After, nil
}
