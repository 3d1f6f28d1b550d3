package domain

import "time"

// LedgerOutcomeType — итог обработки принятого события.
type LedgerOutcomeType string

const (
	// LedgerOutcomeAccepted — событие прошло гейт, итог ещё не записан.
	LedgerOutcomeAccepted LedgerOutcomeType = "accepted"

	LedgerOutcomeApplied           LedgerOutcomeType = "applied"
	LedgerOutcomeNoop              LedgerOutcomeType = "noop"
	LedgerOutcomeIllegalTransition LedgerOutcomeType = "illegal_transition"
	LedgerOutcomeOrderNotFound     LedgerOutcomeType = "order_not_found"
)

// LedgerRecord фиксирует факт применения события провайдера.
// Ключ (Provider, EventID) уникален на всё время жизни системы.
type LedgerRecord struct {
	Provider   Provider
	EventID    string
	EventKind  PaymentEventKind
	ReceivedAt time.Time
	AppliedAt  time.Time

	OrderID                string
	Outcome                LedgerOutcomeType
	ResultingOrderStatus   OrderStatus
	ResultingPaymentStatus PaymentStatus
	Detail                 string
}

// HasOutcome сообщает, что итог обработки уже записан.
func (r LedgerRecord) HasOutcome() bool {
	return r.Outcome != "" && r.Outcome != LedgerOutcomeAccepted
}

// LedgerOutcome — данные, которые дописываются в запись после обработки.
type LedgerOutcome struct {
	OrderID                string
	Outcome                LedgerOutcomeType
	ResultingOrderStatus   OrderStatus
	ResultingPaymentStatus PaymentStatus
	Detail                 string
}
