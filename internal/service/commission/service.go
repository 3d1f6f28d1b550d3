// Package commission начисляет комиссию платформы по оплаченным заказам
// и строит отчёты по начислениям.
package commission

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/reconciler/internal/domain"
	"github.com/vladislavdragonenkov/reconciler/internal/metrics"
	"github.com/vladislavdragonenkov/reconciler/internal/service/journal"
)

var (
	// ErrNotAccruable — платёж по заказу не в оплаченном состоянии.
	ErrNotAccruable = errors.New("order is not accruable")
	// ErrRoleNotConfigured — для роли-получателя не задана ставка.
	ErrRoleNotConfigured = errors.New("commission rate is not configured for role")
)

// Service — ledger комиссий. Ставка читается из снимка в момент начисления.
type Service struct {
	repo    domain.CommissionRepository
	rates   atomic.Pointer[RateTable]
	role    string
	journal *journal.Journal
	metrics *metrics.ReconcileMetrics
	logger  *log.Entry
	now     func() time.Time
}

// NewService создаёт сервис. Комиссия начисляется по ставке роли role.
func NewService(repo domain.CommissionRepository, rates RateTable, role string, j *journal.Journal, m *metrics.ReconcileMetrics, logger *log.Entry) *Service {
	if logger == nil {
		logger = log.WithField("component", "commission")
	}
	if role == "" {
		role = domain.RolePlatformOperator
	}
	s := &Service{
		repo:    repo,
		role:    role,
		journal: j,
		metrics: m,
		logger:  logger,
		now:     func() time.Time { return time.Now().UTC() },
	}
	s.rates.Store(&rates)
	return s
}

// Accrue начисляет комиссию по заказу. Повторный вызов возвращает уже существующую запись.
func (s *Service) Accrue(ctx context.Context, order domain.Order) (domain.CommissionEntry, error) {
	if err := ctx.Err(); err != nil {
		return domain.CommissionEntry{}, err
	}
	if !order.PaymentStatus.IsPaidFamily() {
		return domain.CommissionEntry{}, fmt.Errorf("%w: order %s payment status %s", ErrNotAccruable, order.ID, order.PaymentStatus)
	}

	rate, ok := s.rates.Load().Resolve(s.role)
	if !ok {
		return domain.CommissionEntry{}, fmt.Errorf("%w: %s", ErrRoleNotConfigured, s.role)
	}

	total := order.Total()
	entry, created, err := s.repo.Insert(domain.CommissionEntry{
		OrderID:         order.ID,
		Currency:        order.Currency,
		OrderTotalMinor: total,
		RatePercent:     rate,
		AmountMinor:     domain.CommissionAmount(total, rate),
		BeneficiaryRole: s.role,
		Status:          domain.CommissionStatusPending,
		AccruedAt:       s.now(),
	})
	if err != nil {
		return domain.CommissionEntry{}, fmt.Errorf("insert commission: %w", err)
	}
	if !created {
		s.logger.WithField("order_id", order.ID).Debug("commission already accrued")
		return entry, nil
	}

	s.metrics.RecordCommissionAccrued(entry.Currency, entry.AmountMinor)
	s.journal.Publish(domain.AggregateCommission, entry.OrderID, domain.EventTypeCommissionAccrued, map[string]any{
		"currency":          entry.Currency,
		"order_total_minor": entry.OrderTotalMinor,
		"rate_percent":      entry.RatePercent.String(),
		"amount_minor":      entry.AmountMinor,
		"beneficiary_role":  entry.BeneficiaryRole,
	})
	s.journal.Timeline(entry.OrderID, domain.TimelineCommissionAccrued,
		fmt.Sprintf("%d %s at %s%%", entry.AmountMinor, entry.Currency, entry.RatePercent))
	s.logger.WithFields(log.Fields{
		"order_id":     entry.OrderID,
		"amount_minor": entry.AmountMinor,
		"rate":         entry.RatePercent.String(),
	}).Info("commission accrued")
	return entry, nil
}

// Settle переводит начисление в settled; вызывается внешним процессом выплат.
func (s *Service) Settle(ctx context.Context, orderID string) (domain.CommissionEntry, error) {
	if err := ctx.Err(); err != nil {
		return domain.CommissionEntry{}, err
	}
	entry, err := s.repo.MarkSettled(orderID, s.now())
	if err != nil {
		return entry, err
	}
	s.journal.Publish(domain.AggregateCommission, entry.OrderID, domain.EventTypeCommissionSettled, map[string]any{
		"currency":     entry.Currency,
		"amount_minor": entry.AmountMinor,
	})
	return entry, nil
}

// SetRate меняет ставку роли. Уже начисленные записи не пересчитываются.
func (s *Service) SetRate(role string, percent decimal.Decimal) (RateTable, error) {
	for {
		current := s.rates.Load()
		next, err := current.With(role, percent)
		if err != nil {
			return *current, err
		}
		if s.rates.CompareAndSwap(current, &next) {
			s.logger.WithFields(log.Fields{"role": role, "rate": percent.String()}).Info("commission rate changed")
			return next, nil
		}
	}
}

// Rates возвращает текущий снимок ставок.
func (s *Service) Rates() RateTable {
	return *s.rates.Load()
}
