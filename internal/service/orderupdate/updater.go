// Package orderupdate выполняет изменения заказа под блокировкой заказа
// с повтором при конфликте версий.
package orderupdate

import (
	"context"
	"fmt"
	"time"

	"github.com/sethvargo/go-retry"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/reconciler/internal/domain"
	"github.com/vladislavdragonenkov/reconciler/internal/lock"
)

const (
	// DefaultAttempts — число попыток сохранения при конфликте версий.
	DefaultAttempts = 3
	// DefaultBaseDelay — первая задержка экспоненциального backoff.
	DefaultBaseDelay = 10 * time.Millisecond
)

// MutateFunc получает свежую копию заказа и возвращает новое состояние.
// changed=false означает, что сохранять нечего.
type MutateFunc func(order domain.Order) (next domain.Order, changed bool, err error)

// Result — состояние заказа до и после изменения.
type Result struct {
	Before  domain.Order
	After   domain.Order
	Changed bool
}

// Updater сериализует изменения одного заказа.
type Updater struct {
	orders    domain.OrderRepository
	locker    lock.Locker
	attempts  uint64
	baseDelay time.Duration
	logger    *log.Entry
}

// New создаёт Updater. attempts <= 0 и baseDelay <= 0 заменяются значениями по умолчанию.
func New(orders domain.OrderRepository, locker lock.Locker, attempts int, baseDelay time.Duration, logger *log.Entry) *Updater {
	if attempts <= 0 {
		attempts = DefaultAttempts
	}
	if baseDelay <= 0 {
		baseDelay = DefaultBaseDelay
	}
	if logger == nil {
		logger = log.WithField("component", "order-updater")
	}
	return &Updater{
		orders:    orders,
		locker:    locker,
		attempts:  uint64(attempts),
		baseDelay: baseDelay,
		logger:    logger,
	}
}

// Update берёт блокировку заказа, применяет mutate и сохраняет результат.
// Ошибка mutate возвращается как есть, вместе с текущим состоянием в Result.Before.
func (u *Updater) Update(ctx context.Context, orderID string, mutate MutateFunc) (Result, error) {
	unlock, err := u.locker.Lock(ctx, lock.OrderKey(orderID))
	if err != nil {
		return Result{}, fmt.Errorf("lock order %s: %w", orderID, err)
	}
	defer unlock()

	backoff := retry.WithMaxRetries(u.attempts-1, retry.NewExponential(u.baseDelay))

	var (
		result  Result
		attempt int
	)
	err = retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempt++
		current, err := u.orders.Get(orderID)
		if err != nil {
			return err
		}
		result = Result{Before: current, After: current}

		next, changed, err := mutate(current.Clone())
		if err != nil {
			return err
		}
		if !changed {
			return nil
		}
		if err := u.orders.Save(next); err != nil {
			if domain.IsVersionConflict(err) {
				u.logger.WithFields(log.Fields{
					"order_id": orderID,
					"attempt":  attempt,
					"version":  current.Version,
				}).Warn("version conflict detected, retrying")
				return retry.RetryableError(err)
			}
			return fmt.Errorf("save order %s: %w", orderID, err)
		}
		next.Version = current.Version + 1
		result.After = next
		result.Changed = true
		return nil
	})
	return result, err
}
