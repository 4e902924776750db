package attribution

import (
	"fmt"
	"maps"
	"slices"

	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/odyssey-ledger/internal/ledger"
	"github.com/odyssey-erp/odyssey-ledger/internal/sales"
	"github.com/odyssey-erp/odyssey-ledger/internal/shared"
)

// split divides total into cent amounts proportional to weights. The part with the
// largest weight absorbs the rounding remainder so the parts always sum to total.
// Non-positive weight sums split evenly.
func split(total decimal.Decimal, weights []decimal.Decimal) []decimal.Decimal {
	parts := make([]decimal.Decimal, len(weights))
	if len(weights) == 0 {
		return parts
	}
	sum := decimal.Sum(decimal.Zero, weights...)
	if !sum.IsPositive() {
		weights = slices.Repeat([]decimal.Decimal{decimal.NewFromInt(1)}, len(weights))
		sum = decimal.NewFromInt(int64(len(weights)))
	}
	largest := 0
	allocated := decimal.Zero
	for i, w := range weights {
		if w.GreaterThan(weights[largest]) {
			largest = i
		}
		parts[i] = shared.RoundMoney(total.Mul(w).Div(sum))
		allocated = allocated.Add(parts[i])
	}
	parts[largest] = parts[largest].Add(total.Sub(allocated))
	return parts
}

// share is one item's slice of its sale.
type share struct {
	item       sales.SaleLineItem
	revenue    decimal.Decimal
	sharedCost decimal.Decimal
}

// allocate spreads the discounted revenue and the sale-level costs (fee, shipping,
// fixed costs) over the items by their share of gross revenue.
func allocate(sale sales.Sale, items []sales.SaleLineItem) []share {
	gross := make([]decimal.Decimal, len(items))
	for i, item := range items {
		gross[i] = item.Gross()
	}
	overhead := sale.PaymentFee.Add(sale.Shipping).Add(sale.FixedCostsApplied)
	revenue := split(sale.GrossAfterDiscount, gross)
	costs := split(overhead, gross)
	shares := make([]share, len(items))
	for i, item := range items {
		shares[i] = share{item: item, revenue: revenue[i], sharedCost: costs[i]}
	}
	return shares
}

type replay struct {
	ds          Dataset
	itemsBySale map[int64][]sales.SaleLineItem
	rowsByItem  map[int64][]ledger.LotConsumption
	lotsByID    map[int64]ledger.InventoryLot
}

func newReplay(ds Dataset) replay {
	r := replay{
		ds:          ds,
		itemsBySale: make(map[int64][]sales.SaleLineItem),
		rowsByItem:  make(map[int64][]ledger.LotConsumption),
		lotsByID:    make(map[int64]ledger.InventoryLot, len(ds.Lots)),
	}
	for _, item := range ds.Items {
		r.itemsBySale[item.SaleID] = append(r.itemsBySale[item.SaleID], item)
	}
	for _, row := range ds.Consumptions {
		r.rowsByItem[row.SaleItemID] = append(r.rowsByItem[row.SaleItemID], row)
	}
	for _, lot := range ds.Lots {
		r.lotsByID[lot.ID] = lot
	}
	return r
}

// Build replays the dataset into a report for the dimension.
func Build(dim Dimension, period Period, ds Dataset) (Report, error) {
	r := newReplay(ds)
	var groups map[int64]*Line
	switch dim {
	case ByProduct:
		groups = r.byProduct()
	case ByCustomer:
		groups = r.byCustomer()
	case ByPurchaseOrder:
		groups = r.byPurchaseOrder()
	default:
		return Report{}, fmt.Errorf("%w: %q", ErrUnknownDimension, dim)
	}

	report := Report{Dimension: dim, Period: period, Sales: len(ds.Sales), Lines: make([]Line, 0, len(groups))}
	for _, sale := range ds.Sales {
		if sale.CogsPending {
			report.CogsPending++
		}
	}
	for _, key := range slices.Sorted(maps.Keys(groups)) {
		line := *groups[key]
		report.Lines = append(report.Lines, line)
		report.Totals.add(line.Units, line.Revenue, line.COGS, line.SharedCosts)
	}
	report.Totals.Label = "total"
	return report, nil
}

func group(groups map[int64]*Line, key int64, label string) *Line {
	line, ok := groups[key]
	if !ok {
		line = &Line{Key: key, Label: label}
		groups[key] = line
	}
	return line
}

func (r replay) byProduct() map[int64]*Line {
	groups := make(map[int64]*Line)
	for _, sale := range r.ds.Sales {
		for _, s := range allocate(sale, r.itemsBySale[sale.ID]) {
			group(groups, s.item.ProductID, s.item.ProductLabel).add(s.item.Quantity, s.revenue, s.item.COGS, s.sharedCost)
		}
	}
	return groups
}

func (r replay) byCustomer() map[int64]*Line {
	groups := make(map[int64]*Line)
	for _, sale := range r.ds.Sales {
		label := "walk-in"
		if sale.CustomerID != 0 {
			label = fmt.Sprintf("customer %d", sale.CustomerID)
		}
		line := group(groups, sale.CustomerID, label)
		shares := allocate(sale, r.itemsBySale[sale.ID])
		if len(shares) == 0 {
			overhead := sale.PaymentFee.Add(sale.Shipping).Add(sale.FixedCostsApplied)
			line.add(0, sale.GrossAfterDiscount, sale.ProductCost, overhead)
			continue
		}
		for _, s := range shares {
			line.add(s.item.Quantity, s.revenue, s.item.COGS, s.sharedCost)
		}
	}
	return groups
}

// unsourcedKey groups revenue that no lot backs: service lines and shortfall units.
const unsourcedKey = 0

func (r replay) byPurchaseOrder() map[int64]*Line {
	groups := make(map[int64]*Line)
	for _, sale := range r.ds.Sales {
		for _, s := range allocate(sale, r.itemsBySale[sale.ID]) {
			r.attributeItem(groups, s)
		}
	}
	for poID, line := range groups {
		if poID != unsourcedKey {
			line.Stock = r.stock(poID)
		}
	}
	return groups
}

// attributeItem splits an item over the lots it drew from by quantity. COGS follows
// each row's booked cost; units no lot covered land in the unsourced group at zero cost.
func (r replay) attributeItem(groups map[int64]*Line, s share) {
	rows := r.rowsByItem[s.item.ID]
	if s.item.VariantID == 0 || len(rows) == 0 {
		group(groups, unsourcedKey, "unsourced").add(s.item.Quantity, s.revenue, s.item.COGS, s.sharedCost)
		return
	}
	qtyWeights := make([]decimal.Decimal, 0, len(rows)+1)
	costWeights := make([]decimal.Decimal, 0, len(rows)+1)
	var sourced int64
	for _, row := range rows {
		sourced += row.QuantityConsumed
		qtyWeights = append(qtyWeights, decimal.NewFromInt(row.QuantityConsumed))
		costWeights = append(costWeights, row.Cost())
	}
	shortfall := max(s.item.Quantity-sourced, 0)
	qtyWeights = append(qtyWeights, decimal.NewFromInt(shortfall))
	costWeights = append(costWeights, decimal.Zero)

	revenue := split(s.revenue, qtyWeights)
	costs := split(s.sharedCost, qtyWeights)
	cogs := split(s.item.COGS, costWeights)
	for i, row := range rows {
		key, label := int64(unsourcedKey), "unsourced"
		if lot, ok := r.lotsByID[row.LotID]; ok {
			key, label = lot.PurchaseOrderID, fmt.Sprintf("purchase order %d", lot.PurchaseOrderID)
		}
		group(groups, key, label).add(row.QuantityConsumed, revenue[i], cogs[i], costs[i])
	}
	last := len(rows)
	if shortfall > 0 || !revenue[last].IsZero() || !cogs[last].IsZero() || !costs[last].IsZero() {
		group(groups, unsourcedKey, "unsourced").add(shortfall, revenue[last], cogs[last], costs[last])
	}
}

func (r replay) stock(purchaseOrderID int64) *Stock {
	st := &Stock{}
	for _, lot := range r.ds.Lots {
		if lot.PurchaseOrderID != purchaseOrderID {
			continue
		}
		st.UnitsReceived += lot.QuantityReceived
		st.UnitsSold += lot.QuantityReceived - lot.QuantityRemaining
		st.CostBasis = st.CostBasis.Add(lot.UnitCost.Mul(decimal.NewFromInt(lot.QuantityReceived)))
		st.CostPending = st.CostPending || lot.CostPendingTax
	}
	st.CostBasis = shared.RoundMoney(st.CostBasis)
	switch {
	case st.UnitsSold == 0:
		st.SellThrough = Unsold
	case st.UnitsSold >= st.UnitsReceived:
		st.SellThrough = SoldOut
	default:
		st.SellThrough = Partial
	}
	return st
}
