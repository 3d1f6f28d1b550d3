package memory

import (
	"strings"
	"sync"
	"time"

	"github.com/vladislavdragonenkov/reconciler/internal/domain"
)

type ledgerKey struct {
	provider domain.Provider
	eventID  string
}

// ledgerRepositoryInMemory — ledger идемпотентности под одним мьютексом.
type ledgerRepositoryInMemory struct {
	mu    sync.Mutex
	items map[ledgerKey]domain.LedgerRecord
}

// NewLedgerRepository создаёт in-memory реализацию LedgerRepository.
func NewLedgerRepository() domain.LedgerRepository {
	return &ledgerRepositoryInMemory{items: make(map[ledgerKey]domain.LedgerRecord)}
}

// TryApply атомарно создаёт запись; повтор ключа возвращает существующую запись и ErrAlreadyApplied.
func (r *ledgerRepositoryInMemory) TryApply(provider domain.Provider, eventID string, kind domain.PaymentEventKind, receivedAt time.Time) (domain.LedgerRecord, error) {
	eventID = strings.TrimSpace(eventID)
	if eventID == "" {
		return domain.LedgerRecord{}, domain.ErrEventIDRequired
	}
	if receivedAt.IsZero() {
		receivedAt = time.Now().UTC()
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	key := ledgerKey{provider: provider, eventID: eventID}
	if existing, ok := r.items[key]; ok {
		return existing, domain.ErrAlreadyApplied
	}

	record := domain.LedgerRecord{
		Provider:   provider,
		EventID:    eventID,
		EventKind:  kind,
		ReceivedAt: receivedAt,
		Outcome:    domain.LedgerOutcomeAccepted,
	}
	r.items[key] = record
	return record, nil
}

// RecordOutcome дописывает итог обработки ровно один раз.
func (r *ledgerRepositoryInMemory) RecordOutcome(provider domain.Provider, eventID string, outcome domain.LedgerOutcome) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := ledgerKey{provider: provider, eventID: eventID}
	record, ok := r.items[key]
	if !ok {
		return domain.ErrLedgerRecordNotFound
	}
	if record.HasOutcome() {
		return domain.ErrLedgerOutcomeRecorded
	}

	record.OrderID = outcome.OrderID
	record.Outcome = outcome.Outcome
	record.ResultingOrderStatus = outcome.ResultingOrderStatus
	record.ResultingPaymentStatus = outcome.ResultingPaymentStatus
	record.Detail = outcome.Detail
	record.AppliedAt = time.Now().UTC()
	r.items[key] = record
	return nil
}

// Get возвращает запись ledger.
func (r *ledgerRepositoryInMemory) Get(provider domain.Provider, eventID string) (domain.LedgerRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	record, ok := r.items[ledgerKey{provider: provider, eventID: eventID}]
	if !ok {
		return domain.LedgerRecord{}, domain.ErrLedgerRecordNotFound
	}
	return record, nil
}

// Release удаляет запись без итога.
func (r *ledgerRepositoryInMemory) Release(provider domain.Provider, eventID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := ledgerKey{provider: provider, eventID: eventID}
	record, ok := r.items[key]
	if !ok {
		return domain.ErrLedgerRecordNotFound
	}
	if record.HasOutcome() {
		return domain.ErrLedgerOutcomeRecorded
	}
	delete(r.items, key)
	return nil
}

var _ domain.LedgerRepository = (*ledgerRepositoryInMemory)(nil)
