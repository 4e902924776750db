package attribution

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/odyssey-ledger/internal/ledger"
	"github.com/odyssey-erp/odyssey-ledger/internal/platform/db"
	"github.com/odyssey-erp/odyssey-ledger/internal/sales"
)

// PgRepository reads report datasets from PostgreSQL.
type PgRepository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs PgRepository.
func NewRepository(pool *pgxpool.Pool) *PgRepository {
	return &PgRepository{pool: pool}
}

const periodSales = `SELECT id FROM sales WHERE sold_at >= $1 AND sold_at < $2`

// SalesInPeriod returns sale headers sold within the period.
func (r *PgRepository) SalesInPeriod(ctx context.Context, p Period) ([]sales.Sale, error) {
	rows, err := r.pool.Query(ctx, `
SELECT id, COALESCE(customer_id, 0), sold_at, gross_amount::text, gross_after_discount::text,
	payment_fee::text, shipping::text, fixed_costs_applied::text, product_cost::text, net_profit::text,
	cogs_pending
FROM sales WHERE sold_at >= $1 AND sold_at < $2 ORDER BY sold_at, id`, p.From, p.To)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (sales.Sale, error) {
		var s sales.Sale
		var money [7]string
		if err := row.Scan(&s.ID, &s.CustomerID, &s.SoldAt, &money[0], &money[1], &money[2], &money[3],
			&money[4], &money[5], &money[6], &s.CogsPending); err != nil {
			return s, err
		}
		targets := []*decimal.Decimal{
			&s.GrossAmount, &s.GrossAfterDiscount, &s.PaymentFee, &s.Shipping,
			&s.FixedCostsApplied, &s.ProductCost, &s.NetProfit,
		}
		for i, target := range targets {
			if err := parseInto(target, money[i]); err != nil {
				return s, err
			}
		}
		return s, nil
	})
}

// ItemsInPeriod returns the line items of sales sold within the period.
func (r *PgRepository) ItemsInPeriod(ctx context.Context, p Period) ([]sales.SaleLineItem, error) {
	rows, err := r.pool.Query(ctx, `
SELECT id, sale_id, product_id, variant_id, product_label, quantity, unit_price::text, cogs::text
FROM sale_items WHERE sale_id IN (`+periodSales+`) ORDER BY sale_id, line_no, id`, p.From, p.To)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (sales.SaleLineItem, error) {
		var item sales.SaleLineItem
		var price, cogs string
		if err := row.Scan(&item.ID, &item.SaleID, &item.ProductID, &item.VariantID, &item.ProductLabel,
			&item.Quantity, &price, &cogs); err != nil {
			return item, err
		}
		if err := parseInto(&item.UnitPrice, price); err != nil {
			return item, err
		}
		return item, parseInto(&item.COGS, cogs)
	})
}

// ConsumptionsInPeriod returns the lot consumption rows of items sold within the period.
func (r *PgRepository) ConsumptionsInPeriod(ctx context.Context, p Period) ([]ledger.LotConsumption, error) {
	rows, err := r.pool.Query(ctx, `
SELECT c.id, c.sale_item_id, c.lot_id, c.quantity_consumed, c.unit_cost_at_consumption::text
FROM lot_consumptions c
JOIN sale_items i ON i.id = c.sale_item_id
WHERE i.sale_id IN (`+periodSales+`) ORDER BY c.id`, p.From, p.To)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (ledger.LotConsumption, error) {
		var c ledger.LotConsumption
		var cost string
		if err := row.Scan(&c.ID, &c.SaleItemID, &c.LotID, &c.QuantityConsumed, &cost); err != nil {
			return c, err
		}
		return c, parseInto(&c.UnitCostAtConsumption, cost)
	})
}

// LotsInPeriod returns every lot of the purchase orders that supplied sales within the period.
func (r *PgRepository) LotsInPeriod(ctx context.Context, p Period) ([]ledger.InventoryLot, error) {
	rows, err := r.pool.Query(ctx, `
SELECT id, variant_id, purchase_order_id, purchase_item_id, quantity_received, quantity_remaining,
	unit_cost::text, received_at, cost_pending_tax
FROM inventory_lots WHERE purchase_order_id IN (
	SELECT l.purchase_order_id FROM inventory_lots l
	JOIN lot_consumptions c ON c.lot_id = l.id
	JOIN sale_items i ON i.id = c.sale_item_id
	WHERE i.sale_id IN (`+periodSales+`))
ORDER BY purchase_order_id, id`, p.From, p.To)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (ledger.InventoryLot, error) {
		return ledger.ScanLot(row)
	})
}

func parseInto(dst *decimal.Decimal, raw string) error {
	d, err := db.ParseNumeric(raw)
	if err != nil {
		return err
	}
	*dst = d
	return nil
}
