package domain

import "time"

// OrderRepository описывает требования к хранилищу заказов.
type OrderRepository interface {
	// Create сохраняет новый заказ. Возвращает ErrOrderAlreadyExists, если ID занят.
	Create(order Order) error
	// Get возвращает заказ по идентификатору или ErrOrderNotFound, если его нет.
	Get(id string) (Order, error)
	// GetByProviderReference ищет заказ по идентификатору платежа у провайдера.
	GetByProviderReference(provider Provider, reference string) (Order, error)
	// ListByCustomer возвращает заказы клиента с опциональным ограничением на количество.
	ListByCustomer(customerID string, limit int) ([]Order, error)
	// Save применяет обновления к заказу с учётом optimistic locking.
	Save(order Order) error
}

// LedgerRepository — хранилище идемпотентности событий провайдеров.
type LedgerRepository interface {
	// TryApply атомарно создаёт запись; повтор ключа возвращает ErrAlreadyApplied.
	TryApply(provider Provider, eventID string, kind PaymentEventKind, receivedAt time.Time) (LedgerRecord, error)
	// RecordOutcome дописывает итог обработки. Повторная запись итога запрещена.
	RecordOutcome(provider Provider, eventID string, outcome LedgerOutcome) error
	Get(provider Provider, eventID string) (LedgerRecord, error)
	// Release удаляет запись без итога, чтобы повторная доставка провайдера
	// смогла применить событие после инфраструктурного сбоя.
	Release(provider Provider, eventID string) error
}

// CommissionRepository хранит начисления комиссии.
type CommissionRepository interface {
	// Insert создаёт запись; если запись по заказу уже есть, возвращает её и created=false.
	Insert(entry CommissionEntry) (stored CommissionEntry, created bool, err error)
	GetByOrder(orderID string) (CommissionEntry, error)
	// ListAccruedBetween возвращает записи с AccruedAt в [from, to).
	ListAccruedBetween(from, to time.Time) ([]CommissionEntry, error)
	// List возвращает записи по убыванию AccruedAt.
	List(limit, offset int) ([]CommissionEntry, error)
	ListByStatus(status CommissionStatus) ([]CommissionEntry, error)
	MarkSettled(orderID string, at time.Time) (CommissionEntry, error)
}
