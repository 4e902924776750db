package costing

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/odyssey-ledger/internal/ledger"
	"github.com/odyssey-erp/odyssey-ledger/internal/shared"
)

// OrderPort reads and updates purchase order landed-cost inputs.
type OrderPort interface {
	OrderCosts(ctx context.Context, purchaseOrderID int64) (OrderCosts, error)
	SetDuty(ctx context.Context, purchaseOrderID int64, duty decimal.Decimal) error
}

// LedgerPort is the lot surface the engine rewrites.
type LedgerPort interface {
	LotsForPurchaseOrder(ctx context.Context, purchaseOrderID int64) ([]ledger.InventoryLot, error)
	ApplyUnitCosts(ctx context.Context, updates []ledger.CostUpdate) error
}

// SalesFlagger marks sales that consumed re-costed lots as cost-pending.
type SalesFlagger interface {
	FlagCogsPending(ctx context.Context, lotIDs []int64) (int, error)
}

// LotChange is one lot's cost before and after correction.
type LotChange struct {
	LotID   int64           `json:"lot_id"`
	OldCost decimal.Decimal `json:"old_cost"`
	NewCost decimal.Decimal `json:"new_cost"`
}

// Correction summarises a recompute.
type Correction struct {
	PurchaseOrderID int64       `json:"purchase_order_id"`
	LotsUpdated     int         `json:"lots_updated"`
	SalesFlagged    int         `json:"sales_flagged"`
	Changes         []LotChange `json:"changes,omitempty"`
}

// Engine folds deferred landed costs into existing lots.
type Engine struct {
	orders OrderPort
	ledger LedgerPort
	sales  SalesFlagger
	locker ledger.VariantLocker
	logger *slog.Logger
}

// NewEngine constructs Engine. sales may be nil.
func NewEngine(orders OrderPort, ledgerSvc LedgerPort, sales SalesFlagger, locker ledger.VariantLocker, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{orders: orders, ledger: ledgerSvc, sales: sales, locker: locker, logger: logger}
}

// RecomputeLotCost stores the new duty, rewrites each lot's unit cost and clears its
// pending flag. Consumption snapshots keep the cost they were booked at; sales that
// drew from a lot whose cost moved are flagged cost-pending instead.
func (e *Engine) RecomputeLotCost(ctx context.Context, purchaseOrderID int64, duty decimal.Decimal) (Correction, error) {
	result := Correction{PurchaseOrderID: purchaseOrderID}
	if duty.IsNegative() {
		return result, fmt.Errorf("%w: duty %s", shared.ErrValidation, duty)
	}
	order, err := e.orders.OrderCosts(ctx, purchaseOrderID)
	if err != nil {
		return result, err
	}
	order.Duty = shared.RoundMoney(duty)
	landed, err := Apportion(order)
	if err != nil {
		return result, err
	}
	costByItem := make(map[int64]decimal.Decimal, len(landed))
	for _, line := range landed {
		costByItem[line.PurchaseItemID] = line.UnitCost
	}

	lots, err := e.ledger.LotsForPurchaseOrder(ctx, purchaseOrderID)
	if err != nil {
		return result, fmt.Errorf("costing: list lots: %w", err)
	}
	variants := make([]int64, 0, len(lots))
	for _, lot := range lots {
		variants = append(variants, lot.VariantID)
	}
	release, err := ledger.LockVariants(ctx, e.locker, variants)
	if err != nil {
		return result, err
	}
	defer release()

	if err := e.orders.SetDuty(ctx, purchaseOrderID, order.Duty); err != nil {
		return result, fmt.Errorf("costing: store duty: %w", err)
	}

	updates := make([]ledger.CostUpdate, 0, len(lots))
	var consumedChanged []int64
	for _, lot := range lots {
		cost, ok := costByItem[lot.PurchaseItemID]
		if !ok {
			e.logger.Warn("costing: lot without purchase line",
				slog.Int64("lot_id", lot.ID), slog.Int64("purchase_item_id", lot.PurchaseItemID))
			continue
		}
		updates = append(updates, ledger.CostUpdate{LotID: lot.ID, UnitCost: cost, CostPending: false})
		if !cost.Equal(lot.UnitCost) {
			result.Changes = append(result.Changes, LotChange{LotID: lot.ID, OldCost: lot.UnitCost, NewCost: cost})
			if lot.QuantityRemaining < lot.QuantityReceived {
				consumedChanged = append(consumedChanged, lot.ID)
			}
		}
	}
	if err := e.ledger.ApplyUnitCosts(ctx, updates); err != nil {
		return result, err
	}
	result.LotsUpdated = len(updates)

	if e.sales != nil && len(consumedChanged) > 0 {
		flagged, err := e.sales.FlagCogsPending(ctx, consumedChanged)
		if err != nil {
			e.logger.Warn("costing: sales not flagged cost-pending",
				slog.Int64("purchase_order_id", purchaseOrderID), slog.Any("error", err))
		}
		result.SalesFlagged = flagged
	}
	e.logger.Info("costing: lot cost recomputed",
		slog.Int64("purchase_order_id", purchaseOrderID),
		slog.Int("lots", result.LotsUpdated),
		slog.Int("changed", len(result.Changes)),
		slog.Int("sales_flagged", result.SalesFlagged))
	return result, nil
}
