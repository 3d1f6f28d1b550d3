// Package reconcile сводит webhook-и провайдеров с состоянием заказов.
// Единственная точка входа: Engine.HandleWebhook.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/reconciler/internal/domain"
	"github.com/vladislavdragonenkov/reconciler/internal/lock"
	"github.com/vladislavdragonenkov/reconciler/internal/metrics"
	"github.com/vladislavdragonenkov/reconciler/internal/provider"
	"github.com/vladislavdragonenkov/reconciler/internal/service/journal"
	"github.com/vladislavdragonenkov/reconciler/internal/service/orderupdate"
)

// Outcome — итог обработки webhook.
type Outcome string

const (
	OutcomeApplied       Outcome = "applied"
	OutcomeDuplicate     Outcome = "duplicate"
	OutcomeIgnored       Outcome = "ignored"
	OutcomeNoop          Outcome = "noop"
	OutcomeIllegal       Outcome = "illegal_transition"
	OutcomeOrderNotFound Outcome = "order_not_found"
)

// Ack — подтверждение провайдеру. Возвращается для любого события с валидной подписью.
type Ack struct {
	Provider       domain.Provider         `json:"provider"`
	EventID        string                  `json:"event_id,omitempty"`
	EventType      string                  `json:"event_type,omitempty"`
	Kind           domain.PaymentEventKind `json:"kind,omitempty"`
	OrderID        string                  `json:"order_id,omitempty"`
	Outcome        Outcome                 `json:"outcome"`
	Duplicate      bool                    `json:"duplicate,omitempty"`
	OrderStatus    domain.OrderStatus      `json:"order_status,omitempty"`
	PaymentStatus  domain.PaymentStatus    `json:"payment_status,omitempty"`
	AmountMismatch bool                    `json:"amount_mismatch,omitempty"`
}

// Accruer начисляет комиссию. Повторный вызов для заказа не создаёт вторую запись.
type Accruer interface {
	Accrue(ctx context.Context, order domain.Order) (domain.CommissionEntry, error)
}

// Options — неизменяемые настройки движка.
type Options struct {
	Tolerance domain.MismatchTolerance
	// SaveAttempts и SaveBaseDelay управляют повтором при конфликте версий.
	SaveAttempts  int
	SaveBaseDelay time.Duration
	// SideEffectTimeout ограничивает вызовы склада и ledger комиссий.
	SideEffectTimeout time.Duration
}

// DefaultOptions возвращает настройки по умолчанию: любое расхождение суммы помечается.
func DefaultOptions() Options {
	return Options{
		SaveAttempts:      orderupdate.DefaultAttempts,
		SaveBaseDelay:     orderupdate.DefaultBaseDelay,
		SideEffectTimeout: 5 * time.Second,
	}
}

// Deps — зависимости движка.
type Deps struct {
	Providers   *provider.Registry
	Orders      domain.OrderRepository
	Ledger      domain.LedgerRepository
	Locker      lock.Locker
	Inventory   domain.InventoryService
	Commissions Accruer
	Journal     *journal.Journal
	Metrics     *metrics.ReconcileMetrics
}

// Engine — движок сверки.
type Engine struct {
	providers   *provider.Registry
	orders      domain.OrderRepository
	ledger      domain.LedgerRepository
	updater     *orderupdate.Updater
	inventory   domain.InventoryService
	commissions Accruer
	journal     *journal.Journal
	metrics     *metrics.ReconcileMetrics
	logger      *log.Entry
	opts        Options
	now         func() time.Time
}

// NewEngine создаёт движок.
func NewEngine(deps Deps, opts Options, logger *log.Entry) *Engine {
	if logger == nil {
		logger = log.WithField("component", "reconcile")
	}
	if opts.SideEffectTimeout <= 0 {
		opts.SideEffectTimeout = DefaultOptions().SideEffectTimeout
	}
	locker := deps.Locker
	if locker == nil {
		locker = lock.NewLocal()
	}
	return &Engine{
		providers:   deps.Providers,
		orders:      deps.Orders,
		ledger:      deps.Ledger,
		updater:     orderupdate.New(deps.Orders, locker, opts.SaveAttempts, opts.SaveBaseDelay, logger),
		inventory:   deps.Inventory,
		commissions: deps.Commissions,
		journal:     deps.Journal,
		metrics:     deps.Metrics,
		logger:      logger,
		opts:        opts,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// HandleWebhook проверяет подпись, пропускает событие через ledger и применяет его к заказу.
//
// Для ErrOrderNotFound возвращается заполненный Ack: провайдеру отвечают 2xx,
// чтобы остановить повторы. Ошибка инфраструктуры снимает запись ledger'а,
// и повторная доставка провайдера применит событие заново.
func (e *Engine) HandleWebhook(ctx context.Context, name domain.Provider, raw []byte, headers http.Header) (Ack, error) {
	started := time.Now()
	e.metrics.InFlightStarted()
	defer func() {
		e.metrics.InFlightFinished()
		e.metrics.ObserveReconcile(string(name), time.Since(started))
	}()

	adapter, err := e.providers.Get(name)
	if err != nil {
		return Ack{}, err
	}

	event, err := adapter.VerifyWebhook(ctx, raw, headers)
	if err != nil {
		e.rejectDelivery(name, err, len(raw))
		return Ack{}, err
	}

	ack := Ack{
		Provider:  name,
		EventID:   event.EventID,
		EventType: event.ProviderType,
		Kind:      event.Kind,
	}
	fields := log.Fields{
		"provider":      name,
		"event_id":      event.EventID,
		"provider_type": event.ProviderType,
	}

	if event.Ignored() {
		ack.Outcome = OutcomeIgnored
		e.metrics.RecordWebhook(string(name), metrics.ResultIgnored)
		e.logger.WithFields(fields).Debug("webhook event type is not reconciled")
		return ack, nil
	}
	if event.ReceivedAt.IsZero() {
		event.ReceivedAt = e.now()
	}

	record, err := e.ledger.TryApply(name, event.EventID, event.Kind, event.ReceivedAt)
	if err != nil {
		if domain.IsAlreadyApplied(err) {
			ack.Outcome = OutcomeDuplicate
			ack.Duplicate = true
			ack.OrderID = record.OrderID
			ack.OrderStatus = record.ResultingOrderStatus
			ack.PaymentStatus = record.ResultingPaymentStatus
			e.metrics.RecordWebhook(string(name), metrics.ResultDuplicate)
			e.logger.WithFields(fields).Info("duplicate webhook delivery acknowledged")
			return ack, nil
		}
		e.metrics.RecordWebhook(string(name), metrics.ResultError)
		return ack, fmt.Errorf("ledger try apply: %w", err)
	}

	ack, err = e.reconcile(ctx, event, ack)
	switch {
	case err == nil:
	case errors.Is(err, domain.ErrOrderNotFound):
		return ack, err
	default:
		e.metrics.RecordWebhook(string(name), metrics.ResultError)
		if relErr := e.ledger.Release(name, event.EventID); relErr != nil {
			e.logger.WithError(relErr).WithFields(fields).Error("release ledger record failed")
		}
		e.logger.WithError(err).WithFields(fields).Error("webhook processing failed, provider will retry")
		return ack, err
	}
	return ack, nil
}

func (e *Engine) rejectDelivery(name domain.Provider, err error, size int) {
	fields := log.Fields{"provider": name, "payload_bytes": size}
	if errors.Is(err, provider.ErrSignatureInvalid) {
		fields["security_event"] = true
		e.metrics.RecordWebhook(string(name), metrics.ResultSignatureInvalid)
		e.logger.WithError(err).WithFields(fields).Warn("webhook signature rejected")
		return
	}
	e.metrics.RecordWebhook(string(name), metrics.ResultError)
	e.logger.WithError(err).WithFields(fields).Warn("webhook payload rejected")
}

// reconcile выполняет шаги после ledger'а: поиск заказа, переход, побочные эффекты, итог.
func (e *Engine) reconcile(ctx context.Context, event domain.PaymentEvent, ack Ack) (Ack, error) {
	fields := log.Fields{
		"provider": event.Provider,
		"event_id": event.EventID,
		"kind":     event.Kind,
	}

	orderID, err := e.resolveOrder(event)
	if err != nil {
		if !errors.Is(err, domain.ErrOrderNotFound) {
			return ack, err
		}
		ack.Outcome = OutcomeOrderNotFound
		fields["anomaly"] = "data_integrity"
		fields["order_reference"] = event.OrderReference
		fields["provider_reference"] = event.ProviderReference
		e.logger.WithFields(fields).Error("webhook references unknown order")
		e.metrics.RecordWebhook(string(event.Provider), metrics.ResultOrderNotFound)
		e.recordOutcome(event, domain.LedgerOutcome{
			Outcome: domain.LedgerOutcomeOrderNotFound,
			Detail:  fmt.Sprintf("order_reference=%q provider_reference=%q", event.OrderReference, event.ProviderReference),
		})
		return ack, err
	}
	ack.OrderID = orderID
	fields["order_id"] = orderID

	var tr domain.Transition
	res, err := e.updater.Update(ctx, orderID, func(order domain.Order) (domain.Order, bool, error) {
		next, err := domain.ApplyPaymentEvent(order, event, e.opts.Tolerance, e.now())
		if err != nil {
			return order, false, err
		}
		tr = next
		return next.Order, next.Changed, nil
	})
	ack.OrderStatus = res.Before.Status
	ack.PaymentStatus = res.Before.PaymentStatus

	if err != nil {
		if !domain.IsIllegalTransition(err) && !errors.Is(err, domain.ErrUnknownEventKind) {
			return ack, err
		}
		ack.Outcome = OutcomeIllegal
		e.logger.WithError(err).WithFields(fields).Warn("payment event rejected by state machine")
		e.metrics.RecordWebhook(string(event.Provider), metrics.ResultIllegal)
		e.journal.Timeline(orderID, domain.TimelineTransitionRejected,
			fmt.Sprintf("%s via %s (%s) on payment status %s", event.Kind, event.Provider, event.EventID, res.Before.PaymentStatus))
		e.recordOutcome(event, outcomeOf(domain.LedgerOutcomeIllegalTransition, res.Before, err.Error()))
		return ack, nil
	}

	after := res.After
	ack.OrderStatus = after.Status
	ack.PaymentStatus = after.PaymentStatus
	ack.AmountMismatch = tr.AmountMismatch

	if !res.Changed {
		ack.Outcome = OutcomeNoop
		// Повтор после сбоя начисления: заказ уже paid, комиссия могла не записаться.
		if err := e.accrueIfCaptured(ctx, event, after); err != nil {
			return ack, err
		}
		e.metrics.RecordWebhook(string(event.Provider), metrics.ResultNoop)
		e.logger.WithFields(fields).WithField("reason", tr.Reason).Info("payment event changed nothing")
		e.recordOutcome(event, outcomeOf(domain.LedgerOutcomeNoop, after, tr.Reason))
		return ack, nil
	}

	if err := e.applySideEffects(ctx, event, res.Before, tr); err != nil {
		return ack, err
	}

	ack.Outcome = OutcomeApplied
	e.metrics.RecordWebhook(string(event.Provider), metrics.ResultApplied)
	e.logger.WithFields(fields).WithFields(log.Fields{
		"from":   res.Before.PaymentStatus,
		"to":     after.PaymentStatus,
		"status": after.Status,
	}).Info("payment event applied")
	e.recordOutcome(event, outcomeOf(domain.LedgerOutcomeApplied, after, tr.Reason))
	return ack, nil
}

func (e *Engine) resolveOrder(event domain.PaymentEvent) (string, error) {
	if event.OrderReference != "" {
		order, err := e.orders.Get(event.OrderReference)
		if err == nil {
			return order.ID, nil
		}
		if !errors.Is(err, domain.ErrOrderNotFound) {
			return "", fmt.Errorf("load order %s: %w", event.OrderReference, err)
		}
	}
	if event.ProviderReference != "" {
		order, err := e.orders.GetByProviderReference(event.Provider, event.ProviderReference)
		if err == nil {
			return order.ID, nil
		}
		if !errors.Is(err, domain.ErrOrderNotFound) {
			return "", fmt.Errorf("load order by reference %s: %w", event.ProviderReference, err)
		}
	}
	return "", domain.ErrOrderNotFound
}

func (e *Engine) recordOutcome(event domain.PaymentEvent, outcome domain.LedgerOutcome) {
	if err := e.ledger.RecordOutcome(event.Provider, event.EventID, outcome); err != nil {
		e.logger.WithError(err).WithFields(log.Fields{
			"provider": event.Provider,
			"event_id": event.EventID,
			"outcome":  outcome.Outcome,
		}).Warn("record ledger outcome failed")
	}
}

func outcomeOf(kind domain.LedgerOutcomeType, order domain.Order, detail string) domain.LedgerOutcome {
	return domain.LedgerOutcome{
		OrderID:                order.ID,
		Outcome:                kind,
		ResultingOrderStatus:   order.Status,
		ResultingPaymentStatus: order.PaymentStatus,
		Detail:                 detail,
	}
}
