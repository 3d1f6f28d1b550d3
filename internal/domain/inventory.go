package domain

import "time"

// InventoryAction — вид складской операции по заказу.
type InventoryAction string

const (
	// InventoryActionReserve — резерв при оформлении заказа.
	InventoryActionReserve InventoryAction = "reserve"
	// InventoryActionDecrement — списание резерва после оплаты.
	InventoryActionDecrement InventoryAction = "decrement"
	// InventoryActionRelease — снятие резерва при отказе/отмене.
	InventoryActionRelease InventoryAction = "release"
)

// InventoryLine — позиция складской операции.
type InventoryLine struct {
	ProductID string `json:"product_id"`
	VariantID string `json:"variant_id,omitempty"`
	Qty       int32  `json:"qty"`
}

// InventoryAdjustment — команда складу. Склад дедуплицирует по (OrderID, Action).
type InventoryAdjustment struct {
	OrderID     string          `json:"order_id"`
	Action      InventoryAction `json:"action"`
	Lines       []InventoryLine `json:"lines"`
	RequestedAt time.Time       `json:"requested_at"`
}

// InventoryLinesOf переводит позиции заказа в строки складской операции.
func InventoryLinesOf(items []OrderItem) []InventoryLine {
	lines := make([]InventoryLine, 0, len(items))
	for _, item := range items {
		lines = append(lines, InventoryLine{
			ProductID: item.ProductID,
			VariantID: item.VariantID,
			Qty:       item.Qty,
		})
	}
	return lines
}

// Key возвращает ключ идемпотентности операции.
func (a InventoryAdjustment) Key() string {
	return a.OrderID + ":" + string(a.Action)
}
