package ledger

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/odyssey-ledger/internal/shared"
)

// EntryType enumerates stock ledger movements.
type EntryType string

const (
	// EntryIn records units received from a purchase.
	EntryIn EntryType = "in"
	// EntryOut records units leaving through a sale.
	EntryOut EntryType = "out"
	// EntryAdjustment records manual corrections.
	EntryAdjustment EntryType = "adjustment"
)

// ReferenceType names the document a stock ledger entry belongs to.
type ReferenceType string

const (
	RefNone     ReferenceType = ""
	RefSale     ReferenceType = "sale"
	RefPurchase ReferenceType = "purchase"
)

// InventoryLot is a cost-bearing batch of one variant received from one purchase order line.
type InventoryLot struct {
	ID                int64           `json:"id"`
	VariantID         int64           `json:"variant_id"`
	PurchaseOrderID   int64           `json:"purchase_order_id"`
	PurchaseItemID    int64           `json:"purchase_item_id"`
	QuantityReceived  int64           `json:"quantity_received"`
	QuantityRemaining int64           `json:"quantity_remaining"`
	UnitCost          decimal.Decimal `json:"unit_cost"`
	ReceivedAt        time.Time       `json:"received_at"`
	CostPendingTax    bool            `json:"cost_pending_tax"`
}

// LoadLot validates a lot row read from the store.
func LoadLot(lot InventoryLot) (InventoryLot, error) {
	if lot.VariantID == 0 {
		return InventoryLot{}, fmt.Errorf("%w: lot %d has no variant", ErrInvalidLot, lot.ID)
	}
	if lot.QuantityReceived <= 0 {
		return InventoryLot{}, fmt.Errorf("%w: lot %d received %d", ErrInvalidLot, lot.ID, lot.QuantityReceived)
	}
	if lot.QuantityRemaining < 0 || lot.QuantityRemaining > lot.QuantityReceived {
		return InventoryLot{}, fmt.Errorf("%w: lot %d remaining %d of %d", ErrInvalidLot, lot.ID, lot.QuantityRemaining, lot.QuantityReceived)
	}
	if lot.UnitCost.IsNegative() {
		return InventoryLot{}, fmt.Errorf("%w: lot %d unit cost %s", ErrInvalidLot, lot.ID, lot.UnitCost)
	}
	return lot, nil
}

// NewLot builds a fresh lot with all units remaining.
func NewLot(variantID, purchaseOrderID, purchaseItemID, quantity int64, unitCost decimal.Decimal, receivedAt time.Time, costPending bool) (InventoryLot, error) {
	return LoadLot(InventoryLot{
		VariantID:         variantID,
		PurchaseOrderID:   purchaseOrderID,
		PurchaseItemID:    purchaseItemID,
		QuantityReceived:  quantity,
		QuantityRemaining: quantity,
		UnitCost:          unitCost,
		ReceivedAt:        receivedAt,
		CostPendingTax:    costPending,
	})
}

// Headroom is how many units may still be restored into the lot.
func (l InventoryLot) Headroom() int64 {
	return l.QuantityReceived - l.QuantityRemaining
}

// Exhausted reports whether no units remain.
func (l InventoryLot) Exhausted() bool {
	return l.QuantityRemaining == 0
}

// LotConsumption links a sale line item to a lot it drew from.
// UnitCostAtConsumption is a snapshot and is never rewritten.
type LotConsumption struct {
	ID                    int64
	SaleItemID            int64
	LotID                 int64
	QuantityConsumed      int64
	UnitCostAtConsumption decimal.Decimal
}

// Cost returns quantity times the booked unit cost.
func (c LotConsumption) Cost() decimal.Decimal {
	return c.UnitCostAtConsumption.Mul(decimal.NewFromInt(c.QuantityConsumed))
}

// StockLedgerEntry is an append-style quantity movement used for on-hand display.
type StockLedgerEntry struct {
	ID            int64
	VariantID     int64
	Type          EntryType
	Quantity      int64
	ReferenceType ReferenceType
	ReferenceID   int64
	Note          string
	CreatedAt     time.Time
}

// Delta returns the signed quantity change.
func (e StockLedgerEntry) Delta() int64 {
	if e.Type == EntryOut {
		return -e.Quantity
	}
	return e.Quantity
}

// PlanLine is one lot's share of a consumption.
type PlanLine struct {
	LotID           int64
	PurchaseOrderID int64
	Quantity        int64
	UnitCost        decimal.Decimal
	CostPending     bool
}

// Cost returns the line's contribution to COGS.
func (l PlanLine) Cost() decimal.Decimal {
	return l.UnitCost.Mul(decimal.NewFromInt(l.Quantity))
}

// ConsumptionPlan describes which lots fulfil a requested quantity and at what cost.
type ConsumptionPlan struct {
	VariantID   int64
	Requested   int64
	Fulfilled   int64
	Lines       []PlanLine
	TotalCost   decimal.Decimal
	CostPending bool
}

// Shortfall is the part of the request no lot could cover. It carries no cost.
func (p ConsumptionPlan) Shortfall() int64 {
	return p.Requested - p.Fulfilled
}

// Empty reports whether no lot was touched.
func (p ConsumptionPlan) Empty() bool {
	return len(p.Lines) == 0
}

// ReceiptLine is one purchase order line arriving into stock.
type ReceiptLine struct {
	PurchaseItemID int64
	VariantID      int64
	Quantity       int64
	UnitCost       decimal.Decimal
}

// ReceiptInput creates the lots of one arrived purchase order.
type ReceiptInput struct {
	PurchaseOrderID int64
	ReceivedAt      time.Time
	CostPending     bool
	Lines           []ReceiptLine
}

// CostUpdate rewrites a lot's unit cost during cost correction.
type CostUpdate struct {
	LotID       int64
	UnitCost    decimal.Decimal
	CostPending bool
}

// RollbackFailure records a lot that could not be restored during compensation.
type RollbackFailure struct {
	LotID    int64
	Quantity int64
	Err      error
}

func (f RollbackFailure) Error() string {
	return fmt.Sprintf("restore lot %d by %d: %v", f.LotID, f.Quantity, f.Err)
}

var (
	// ErrInvalidLot indicates a lot row violating ledger invariants.
	ErrInvalidLot = errors.New("ledger: invalid lot")
	// ErrInvalidQuantity indicates a non-positive quantity.
	ErrInvalidQuantity = fmt.Errorf("ledger: quantity must be positive: %w", shared.ErrValidation)
	// ErrLotNotFound indicates a missing lot.
	ErrLotNotFound = fmt.Errorf("ledger: lot %w", shared.ErrNotFound)
	// ErrLotContention indicates the conditional decrement found fewer units than planned.
	ErrLotContention = fmt.Errorf("ledger: lot remaining changed concurrently: %w", shared.ErrConflict)
	// ErrLotOverRestore indicates a restore would exceed the received quantity.
	ErrLotOverRestore = errors.New("ledger: restore exceeds received quantity")
	// ErrAlreadyReceived indicates lots already exist for the purchase order.
	ErrAlreadyReceived = fmt.Errorf("ledger: purchase order already received: %w", shared.ErrConflict)
	// ErrInsufficientStock indicates the shortfall policy refused a consumption.
	ErrInsufficientStock = fmt.Errorf("ledger: insufficient stock: %w", shared.ErrUnprocessable)
	// ErrLockTimeout indicates a variant lock could not be obtained in time.
	ErrLockTimeout = fmt.Errorf("ledger: variant lock not obtained: %w", shared.ErrUnavailable)
)
