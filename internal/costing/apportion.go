package costing

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/odyssey-ledger/internal/shared"
)

// ErrNoUnits indicates an order without units to spread landed cost over.
var ErrNoUnits = fmt.Errorf("costing: order has no units: %w", shared.ErrValidation)

// ErrNegativeCost indicates a negative landed-cost component.
var ErrNegativeCost = errors.New("costing: landed cost component negative")

// LineCost is one purchase order line's base cost.
type LineCost struct {
	PurchaseItemID int64
	VariantID      int64
	Quantity       int64
	ItemCost       decimal.Decimal
}

// OrderCosts holds the landed-cost inputs of a purchase order.
type OrderCosts struct {
	PurchaseOrderID int64
	Freight         decimal.Decimal
	ExtraFees       decimal.Decimal
	Duty            decimal.Decimal
	DutyPending     bool
	Lines           []LineCost
}

// TotalUnits sums the quantity of every line.
func (o OrderCosts) TotalUnits() int64 {
	var total int64
	for _, line := range o.Lines {
		total += line.Quantity
	}
	return total
}

// Overhead is the order-level cost spread across all units.
func (o OrderCosts) Overhead() decimal.Decimal {
	return o.Freight.Add(o.ExtraFees).Add(o.Duty)
}

// LandedLine is a line with its apportioned unit cost.
type LandedLine struct {
	LineCost
	UnitCost decimal.Decimal
}

// Apportion computes itemCost + (freight + extraFees + duty) / totalUnits for every line.
func Apportion(o OrderCosts) ([]LandedLine, error) {
	units := o.TotalUnits()
	if units <= 0 {
		return nil, fmt.Errorf("%w: %d", ErrNoUnits, o.PurchaseOrderID)
	}
	for _, d := range []decimal.Decimal{o.Freight, o.ExtraFees, o.Duty} {
		if d.IsNegative() {
			return nil, fmt.Errorf("%w: order %d", ErrNegativeCost, o.PurchaseOrderID)
		}
	}
	perUnit := o.Overhead().Div(decimal.NewFromInt(units))
	out := make([]LandedLine, 0, len(o.Lines))
	for _, line := range o.Lines {
		if line.ItemCost.IsNegative() {
			return nil, fmt.Errorf("%w: item %d", ErrNegativeCost, line.PurchaseItemID)
		}
		out = append(out, LandedLine{LineCost: line, UnitCost: shared.RoundUnitCost(line.ItemCost.Add(perUnit))})
	}
	return out, nil
}
