package procurement

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/odyssey-ledger/internal/costing"
	"github.com/odyssey-erp/odyssey-ledger/internal/shared"
)

// Status is the purchase order lifecycle state.
type Status string

const (
	StatusDraft   Status = "draft"
	StatusBought  Status = "bought"
	StatusShipped Status = "shipped"
	StatusArrived Status = "arrived"
)

// Receivable reports whether goods of an order in this state may be booked into stock.
func (s Status) Receivable() bool {
	switch s {
	case StatusBought, StatusShipped, StatusArrived:
		return true
	}
	return false
}

// PurchaseOrder domain model.
type PurchaseOrder struct {
	ID           int64           `json:"id"`
	Number       string          `json:"number"`
	SupplierName string          `json:"supplier_name,omitempty"`
	Status       Status          `json:"status"`
	Freight      decimal.Decimal `json:"freight"`
	ExtraFees    decimal.Decimal `json:"extra_fees"`
	DutyCost     decimal.Decimal `json:"duty_cost"`
	DutyPending  bool            `json:"duty_pending"`
	StockPosted  bool            `json:"stock_posted"`
	ArrivedAt    *time.Time      `json:"arrived_at,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	Items        []PurchaseItem  `json:"items"`
}

// PurchaseItem is one ordered variant.
type PurchaseItem struct {
	ID              int64           `json:"id"`
	PurchaseOrderID int64           `json:"purchase_order_id"`
	VariantID       int64           `json:"variant_id"`
	Quantity        int64           `json:"quantity"`
	ItemCost        decimal.Decimal `json:"item_cost"`
}

// Costs converts the order into landed-cost inputs.
func (po PurchaseOrder) Costs() costing.OrderCosts {
	costs := costing.OrderCosts{
		PurchaseOrderID: po.ID,
		Freight:         po.Freight,
		ExtraFees:       po.ExtraFees,
		Duty:            po.DutyCost,
		DutyPending:     po.DutyPending,
		Lines:           make([]costing.LineCost, 0, len(po.Items)),
	}
	for _, item := range po.Items {
		costs.Lines = append(costs.Lines, costing.LineCost{
			PurchaseItemID: item.ID,
			VariantID:      item.VariantID,
			Quantity:       item.Quantity,
			ItemCost:       item.ItemCost,
		})
	}
	return costs
}

var (
	// ErrInvalidState occurs when action violates status workflow.
	ErrInvalidState = fmt.Errorf("procurement: invalid state transition: %w", shared.ErrConflict)
	// ErrOrderNotFound indicates a missing purchase order.
	ErrOrderNotFound = fmt.Errorf("procurement: purchase order not found: %w", shared.ErrNotFound)
)
