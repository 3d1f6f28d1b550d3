package domain

import "time"

// PaymentEventKind — нормализованный тип события провайдера.
type PaymentEventKind string

const (
	EventAuthorized        PaymentEventKind = "authorized"
	EventCaptured          PaymentEventKind = "captured"
	EventFailed            PaymentEventKind = "failed"
	EventRefunded          PaymentEventKind = "refunded"
	EventPartiallyRefunded PaymentEventKind = "partially_refunded"
)

// Valid проверяет, что тип события известен автомату.
func (k PaymentEventKind) Valid() bool {
	switch k {
	case EventAuthorized, EventCaptured, EventFailed, EventRefunded, EventPartiallyRefunded:
		return true
	default:
		return false
	}
}

// PaymentEvent — провайдеро-независимое представление вебхука.
// Живёт только в рамках одной доставки; в хранилище попадает лишь запись ledger'а.
type PaymentEvent struct {
	Provider Provider
	EventID  string
	// OrderReference — наш order_id, если провайдер вернул его в метаданных.
	OrderReference string
	// ProviderReference — идентификатор платежа на стороне провайдера.
	ProviderReference string
	Kind              PaymentEventKind
	AmountMinor       int64
	Currency          string
	// AmountIsCumulative — провайдер присылает нарастающую сумму возвратов, а не дельту.
	AmountIsCumulative bool
	ReceivedAt         time.Time
	SignatureValid     bool
	// ProviderType — исходный тип события у провайдера, для логов.
	ProviderType string
}

// Ignored сообщает, что событие прошло проверку подписи, но автомату не интересно.
func (e PaymentEvent) Ignored() bool {
	return e.Kind == ""
}
