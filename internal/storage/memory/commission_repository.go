package memory

import (
	"sort"
	"sync"
	"time"

	"github.com/vladislavdragonenkov/reconciler/internal/domain"
)

// commissionRepositoryInMemory хранит начисления комиссии, одна запись на заказ.
type commissionRepositoryInMemory struct {
	mu    sync.RWMutex
	items map[string]domain.CommissionEntry
}

// NewCommissionRepository создаёт in-memory реализацию CommissionRepository.
func NewCommissionRepository() domain.CommissionRepository {
	return &commissionRepositoryInMemory{items: make(map[string]domain.CommissionEntry)}
}

func (r *commissionRepositoryInMemory) Insert(entry domain.CommissionEntry) (domain.CommissionEntry, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.items[entry.OrderID]; ok {
		return cloneCommission(existing), false, nil
	}
	if entry.Status == "" {
		entry.Status = domain.CommissionStatusPending
	}
	r.items[entry.OrderID] = cloneCommission(entry)
	return cloneCommission(entry), true, nil
}

func (r *commissionRepositoryInMemory) GetByOrder(orderID string) (domain.CommissionEntry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entry, ok := r.items[orderID]
	if !ok {
		return domain.CommissionEntry{}, domain.ErrCommissionNotFound
	}
	return cloneCommission(entry), nil
}

func (r *commissionRepositoryInMemory) ListAccruedBetween(from, to time.Time) ([]domain.CommissionEntry, error) {
	return r.filter(func(e domain.CommissionEntry) bool {
		return !e.AccruedAt.Before(from) && e.AccruedAt.Before(to)
	}), nil
}

func (r *commissionRepositoryInMemory) List(limit, offset int) ([]domain.CommissionEntry, error) {
	all := r.filter(func(domain.CommissionEntry) bool { return true })
	if offset >= len(all) {
		return []domain.CommissionEntry{}, nil
	}
	if offset > 0 {
		all = all[offset:]
	}
	if limit > 0 && len(all) > limit {
		all = all[:limit]
	}
	return all, nil
}

func (r *commissionRepositoryInMemory) ListByStatus(status domain.CommissionStatus) ([]domain.CommissionEntry, error) {
	return r.filter(func(e domain.CommissionEntry) bool { return e.Status == status }), nil
}

func (r *commissionRepositoryInMemory) MarkSettled(orderID string, at time.Time) (domain.CommissionEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.items[orderID]
	if !ok {
		return domain.CommissionEntry{}, domain.ErrCommissionNotFound
	}
	if entry.Status == domain.CommissionStatusSettled {
		return cloneCommission(entry), domain.ErrCommissionSettled
	}
	entry.Status = domain.CommissionStatusSettled
	settledAt := at
	entry.SettledAt = &settledAt
	r.items[orderID] = entry
	return cloneCommission(entry), nil
}

// filter возвращает подходящие записи по убыванию AccruedAt.
func (r *commissionRepositoryInMemory) filter(keep func(domain.CommissionEntry) bool) []domain.CommissionEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]domain.CommissionEntry, 0, len(r.items))
	for _, entry := range r.items {
		if keep(entry) {
			result = append(result, cloneCommission(entry))
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if !result[i].AccruedAt.Equal(result[j].AccruedAt) {
			return result[i].AccruedAt.After(result[j].AccruedAt)
		}
		return result[i].OrderID > result[j].OrderID
	})
	return result
}

func cloneCommission(entry domain.CommissionEntry) domain.CommissionEntry {
	if entry.SettledAt != nil {
		settledAt := *entry.SettledAt
		entry.SettledAt = &settledAt
	}
	return entry
}

var _ domain.CommissionRepository = (*commissionRepositoryInMemory)(nil)
