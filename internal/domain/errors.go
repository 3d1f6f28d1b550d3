package domain

import "errors"

var (
	// Ошибка отсутствующего идентификатора заказа.
	ErrOrderIDRequired = errors.New("order_id is required")
	// Ошибка отсутствующего идентификатора клиента.
	ErrCustomerRequired = errors.New("customer_id is required")
	// Ошибка отсутствующего кода валюты.
	ErrCurrencyRequired = errors.New("currency is required")
	// Ошибка отсутствия хотя бы одного товара в заказе.
	ErrItemsRequired = errors.New("order must contain at least one item")
	// Ошибка при некорректном количестве товара (<= 0).
	ErrItemQtyInvalid = errors.New("item qty must be greater than zero")
	// Ошибка, если цена позиции отрицательная.
	ErrItemPriceInvalid = errors.New("item price must be non-negative")
	// Ошибка, если сумма позиции не равна qty * unit price.
	ErrLineTotalMismatch = errors.New("item line total does not match qty * unit price")
	// Ошибка несоответствия subtotal и суммы позиций.
	ErrSubtotalMismatch = errors.New("order subtotal does not match items sum")
	// Ошибка скидки больше subtotal или отрицательной.
	ErrDiscountInvalid = errors.New("discount must be within [0, subtotal]")
	// Ошибка отрицательной доставки или налога.
	ErrSurchargeNegative = errors.New("shipping and tax must be non-negative")
	// Ошибка возврата больше списанной суммы.
	ErrRefundExceedsCapture = errors.New("refunded amount exceeds captured amount")

	// ErrOrderNotFound возвращается, если заказ не найден в репозитории.
	ErrOrderNotFound = errors.New("order not found")
	// ErrOrderAlreadyExists возвращается при повторном создании заказа с тем же ID.
	ErrOrderAlreadyExists = errors.New("order already exists")
	// ErrOrderVersionConflict сигнализирует о конфликте версий при сохранении.
	ErrOrderVersionConflict = errors.New("order version conflict")

	// ErrIllegalTransition — событие валидно, но неприменимо к текущему состоянию заказа.
	ErrIllegalTransition = errors.New("illegal transition")
	// ErrUnknownEventKind — тип нормализованного события не поддерживается автоматом.
	ErrUnknownEventKind = errors.New("unknown payment event kind")

	// ErrAlreadyApplied — событие провайдера уже было принято ledger'ом.
	ErrAlreadyApplied = errors.New("provider event already applied")
	// ErrLedgerRecordNotFound — в ledger нет записи для (provider, event_id).
	ErrLedgerRecordNotFound = errors.New("ledger record not found")
	// ErrLedgerOutcomeRecorded — запись уже содержит итог и не может быть изменена или удалена.
	ErrLedgerOutcomeRecorded = errors.New("ledger outcome already recorded")
	// ErrEventIDRequired — провайдер не передал идентификатор события.
	ErrEventIDRequired = errors.New("provider event id is required")

	// ErrCommissionNotFound — для заказа нет записи о комиссии.
	ErrCommissionNotFound = errors.New("commission entry not found")
	// ErrCommissionSettled — комиссия уже выплачена.
	ErrCommissionSettled = errors.New("commission entry already settled")

	// ErrInventoryUnavailable — бизнес-ошибка от склада (нет стока/недоступность позиции).
	ErrInventoryUnavailable = errors.New("inventory unavailable")
	// ErrCouponInvalid — купон не найден или неприменим к корзине.
	ErrCouponInvalid = errors.New("coupon is not valid for this cart")

	// ErrOutboxPublish — ошибка при публикации сообщения из outbox.
	ErrOutboxPublish = errors.New("outbox publish failed")
)

// IsVersionConflict проверяет, является ли ошибка конфликтом версий.
func IsVersionConflict(err error) bool {
	return errors.Is(err, ErrOrderVersionConflict)
}

// IsIllegalTransition проверяет, отклонил ли автомат событие.
func IsIllegalTransition(err error) bool {
	return errors.Is(err, ErrIllegalTransition)
}

// IsAlreadyApplied проверяет, является ли ошибка повторной доставкой события.
func IsAlreadyApplied(err error) bool {
	return errors.Is(err, ErrAlreadyApplied)
}
