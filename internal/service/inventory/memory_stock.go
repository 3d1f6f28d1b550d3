// Package inventory содержит реализации domain.InventoryService.
package inventory

import (
	"context"
	"fmt"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/reconciler/internal/domain"
)

type stockKey struct {
	productID string
	variantID string
}

// MemoryStock — склад в памяти процесса. Товары без заведённого остатка
// считаются неограниченными.
type MemoryStock struct {
	mu       sync.Mutex
	onHand   map[stockKey]int64
	reserved map[string][]domain.InventoryLine
	applied  map[string]struct{}
	logger   *log.Entry
}

// NewMemoryStock создаёт пустой склад.
func NewMemoryStock(logger *log.Entry) *MemoryStock {
	if logger == nil {
		logger = log.WithField("component", "inventory")
	}
	return &MemoryStock{
		onHand:   make(map[stockKey]int64),
		reserved: make(map[string][]domain.InventoryLine),
		applied:  make(map[string]struct{}),
		logger:   logger,
	}
}

// Seed задаёт остаток позиции.
func (s *MemoryStock) Seed(productID, variantID string, qty int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onHand[stockKey{productID, variantID}] = qty
}

// Available возвращает остаток за вычетом резервов; ok=false для неограниченной позиции.
func (s *MemoryStock) Available(productID, variantID string) (int64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.available(stockKey{productID, variantID})
}

// Applied сообщает, выполнялась ли операция по заказу.
func (s *MemoryStock) Applied(orderID string, action domain.InventoryAction) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.applied[adjustmentKey(orderID, action)]
	return ok
}

func (s *MemoryStock) Reserve(_ context.Context, orderID string, items []domain.OrderItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.seen(orderID, domain.InventoryActionReserve) {
		return nil
	}

	lines := domain.InventoryLinesOf(items)
	need := make(map[stockKey]int64, len(lines))
	for _, line := range lines {
		need[stockKey{line.ProductID, line.VariantID}] += int64(line.Qty)
	}
	for key, qty := range need {
		if avail, limited := s.available(key); limited && avail < qty {
			return fmt.Errorf("%w: %s/%s requested %d, available %d",
				domain.ErrInventoryUnavailable, key.productID, key.variantID, qty, avail)
		}
	}

	s.reserved[orderID] = lines
	s.mark(orderID, domain.InventoryActionReserve)
	s.logger.WithFields(log.Fields{"order_id": orderID, "lines": len(lines)}).Debug("inventory reserved")
	return nil
}

// Decrement списывает резерв с остатка. Без резерва списывает позиции заказа.
func (s *MemoryStock) Decrement(_ context.Context, orderID string, items []domain.OrderItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.seen(orderID, domain.InventoryActionDecrement) {
		return nil
	}
	if s.seen(orderID, domain.InventoryActionRelease) {
		s.logger.WithField("order_id", orderID).Warn("decrement after release, stock taken from on-hand")
	}

	lines, ok := s.reserved[orderID]
	if !ok {
		lines = domain.InventoryLinesOf(items)
	}
	for _, line := range lines {
		key := stockKey{line.ProductID, line.VariantID}
		if qty, limited := s.onHand[key]; limited {
			qty -= int64(line.Qty)
			if qty < 0 {
				s.logger.WithFields(log.Fields{
					"order_id":   orderID,
					"product_id": line.ProductID,
				}).Warn("stock went negative, clamped to zero")
				qty = 0
			}
			s.onHand[key] = qty
		}
	}
	delete(s.reserved, orderID)
	s.mark(orderID, domain.InventoryActionDecrement)
	return nil
}

// Release снимает резерв. После списания ничего не возвращает на склад.
func (s *MemoryStock) Release(_ context.Context, orderID string, _ []domain.OrderItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.seen(orderID, domain.InventoryActionRelease) {
		return nil
	}
	delete(s.reserved, orderID)
	s.mark(orderID, domain.InventoryActionRelease)
	return nil
}

func (s *MemoryStock) available(key stockKey) (int64, bool) {
	onHand, limited := s.onHand[key]
	if !limited {
		return 0, false
	}
	for _, lines := range s.reserved {
		for _, line := range lines {
			if line.ProductID == key.productID && line.VariantID == key.variantID {
				onHand -= int64(line.Qty)
			}
		}
	}
	return onHand, true
}

func (s *MemoryStock) seen(orderID string, action domain.InventoryAction) bool {
	_, ok := s.applied[adjustmentKey(orderID, action)]
	return ok
}

func (s *MemoryStock) mark(orderID string, action domain.InventoryAction) {
	s.applied[adjustmentKey(orderID, action)] = struct{}{}
}

func adjustmentKey(orderID string, action domain.InventoryAction) string {
	return domain.InventoryAdjustment{OrderID: orderID, Action: action}.Key()
}

var _ domain.InventoryService = (*MemoryStock)(nil)
