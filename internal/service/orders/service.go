// Package orders оформляет заказы, запускает возвраты и выполняет
// административные операции над заказами.
package orders

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/reconciler/internal/domain"
	"github.com/vladislavdragonenkov/reconciler/internal/lock"
	"github.com/vladislavdragonenkov/reconciler/internal/provider"
	"github.com/vladislavdragonenkov/reconciler/internal/service/journal"
	"github.com/vladislavdragonenkov/reconciler/internal/service/orderupdate"
)

var (
	// ErrCancelPaidOrder — оплаченный заказ отменяется только через возврат.
	ErrCancelPaidOrder = fmt.Errorf("%w: paid order must be refunded, not cancelled", domain.ErrIllegalTransition)
	// ErrNotRefundable — по заказу нет списанных денег.
	ErrNotRefundable = fmt.Errorf("%w: order payment is not refundable", domain.ErrIllegalTransition)
	// ErrNoProviderReference — провайдер ещё не вернул идентификатор платежа.
	ErrNoProviderReference = errors.New("order has no provider reference")
)

// Options — таймауты исходящих вызовов.
type Options struct {
	IntentTimeout time.Duration
	RefundTimeout time.Duration
}

// DefaultOptions возвращает таймауты по умолчанию.
func DefaultOptions() Options {
	return Options{
		IntentTimeout: 15 * time.Second,
		RefundTimeout: 15 * time.Second,
	}
}

// Deps — зависимости сервиса.
type Deps struct {
	Providers *provider.Registry
	Orders    domain.OrderRepository
	Timeline  domain.TimelineRepository
	Locker    lock.Locker
	Inventory domain.InventoryService
	Coupons   domain.CouponValidator
	Journal   *journal.Journal
}

// Service — операции над заказами вне webhook-потока.
type Service struct {
	providers *provider.Registry
	orders    domain.OrderRepository
	timeline  domain.TimelineRepository
	updater   *orderupdate.Updater
	inventory domain.InventoryService
	coupons   domain.CouponValidator
	journal   *journal.Journal
	logger    *log.Entry
	opts      Options
	now       func() time.Time
	newID     func() string
}

// NewService создаёт сервис заказов.
func NewService(deps Deps, opts Options, logger *log.Entry) *Service {
	if logger == nil {
		logger = log.WithField("component", "orders")
	}
	def := DefaultOptions()
	if opts.IntentTimeout <= 0 {
		opts.IntentTimeout = def.IntentTimeout
	}
	if opts.RefundTimeout <= 0 {
		opts.RefundTimeout = def.RefundTimeout
	}
	locker := deps.Locker
	if locker == nil {
		locker = lock.NewLocal()
	}
	return &Service{
		providers: deps.Providers,
		orders:    deps.Orders,
		timeline:  deps.Timeline,
		updater:   orderupdate.New(deps.Orders, locker, 0, 0, logger),
		inventory: deps.Inventory,
		coupons:   deps.Coupons,
		journal:   deps.Journal,
		logger:    logger,
		opts:      opts,
		now:       func() time.Time { return time.Now().UTC() },
		newID:     uuid.NewString,
	}
}

// Get возвращает заказ.
func (s *Service) Get(_ context.Context, orderID string) (domain.Order, error) {
	if strings.TrimSpace(orderID) == "" {
		return domain.Order{}, domain.ErrOrderIDRequired
	}
	return s.orders.Get(orderID)
}

// Timeline возвращает историю заказа.
func (s *Service) Timeline(_ context.Context, orderID string) ([]domain.TimelineEvent, error) {
	if _, err := s.orders.Get(orderID); err != nil {
		return nil, err
	}
	if s.timeline == nil {
		return []domain.TimelineEvent{}, nil
	}
	return s.timeline.List(orderID)
}

// orderNumber — человекочитаемый номер: R-20260301-1A2B3C4D.
func orderNumber(id string, at time.Time) string {
	short := strings.ToUpper(strings.ReplaceAll(id, "-", ""))
	if len(short) > 8 {
		short = short[:8]
	}
	return "R-" + at.Format("20060102") + "-" + short
}
