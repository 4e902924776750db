package ledger

import (
	"sort"

	"github.com/shopspring/decimal"
)

// SortFIFO orders lots oldest first; lots received at the same instant keep id order.
func SortFIFO(lots []InventoryLot) {
	sort.SliceStable(lots, func(i, j int) bool {
		if !lots[i].ReceivedAt.Equal(lots[j].ReceivedAt) {
			return lots[i].ReceivedAt.Before(lots[j].ReceivedAt)
		}
		return lots[i].ID < lots[j].ID
	})
}

// PlanFIFO allocates quantity across lots oldest first without touching the store.
// Lots of other variants and exhausted lots are ignored. Any remainder is left as
// shortfall and adds nothing to TotalCost.
func PlanFIFO(variantID int64, lots []InventoryLot, quantity int64) (ConsumptionPlan, error) {
	if quantity <= 0 {
		return ConsumptionPlan{}, ErrInvalidQuantity
	}
	open := make([]InventoryLot, 0, len(lots))
	for _, lot := range lots {
		if lot.VariantID == variantID && lot.QuantityRemaining > 0 {
			open = append(open, lot)
		}
	}
	SortFIFO(open)

	plan := ConsumptionPlan{VariantID: variantID, Requested: quantity, TotalCost: decimal.Zero}
	need := quantity
	for _, lot := range open {
		if need == 0 {
			break
		}
		take := min(need, lot.QuantityRemaining)
		line := PlanLine{
			LotID:           lot.ID,
			PurchaseOrderID: lot.PurchaseOrderID,
			Quantity:        take,
			UnitCost:        lot.UnitCost,
			CostPending:     lot.CostPendingTax,
		}
		plan.Lines = append(plan.Lines, line)
		plan.TotalCost = plan.TotalCost.Add(line.Cost())
		plan.CostPending = plan.CostPending || lot.CostPendingTax
		need -= take
	}
	plan.Fulfilled = quantity - need
	return plan, nil
}

// Available sums the remaining units of a variant's lots.
func Available(lots []InventoryLot) int64 {
	var total int64
	for _, lot := range lots {
		total += lot.QuantityRemaining
	}
	return total
}
