// Package lock сериализует обработку событий одного заказа.
package lock

import (
	"context"
	"errors"
)

// ErrLockTimeout — блокировку не удалось получить до дедлайна.
var ErrLockTimeout = errors.New("order lock wait timed out")

// Unlock освобождает ранее захваченную блокировку. Повторный вызов безопасен.
type Unlock func()

// Locker выдаёт эксклюзивную блокировку на ключ.
type Locker interface {
	Lock(ctx context.Context, key string) (Unlock, error)
}

// OrderKey строит ключ блокировки для заказа.
func OrderKey(orderID string) string {
	return "order:" + orderID
}
