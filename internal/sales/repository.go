package sales

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/odyssey-ledger/internal/platform/db"
)

// Repository persists sales in PostgreSQL. Every method issues exactly one statement.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// CreateSale inserts the sale header.
func (r *Repository) CreateSale(ctx context.Context, s Sale) (int64, error) {
	var id int64
	err := r.pool.QueryRow(ctx, `
INSERT INTO sales (customer_id, sold_at, channel, note, gross_amount, discount_percent, discount_amount,
	gross_after_discount, payment_fee, shipping, fixed_costs_applied, product_cost, net_profit,
	margin_percent, is_preorder, cogs_pending, created_at, updated_at)
VALUES (NULLIF($1::bigint, 0), $2, $3, $4, $5::text::numeric, $6::text::numeric, $7::text::numeric,
	$8::text::numeric, $9::text::numeric, $10::text::numeric, $11::text::numeric, $12::text::numeric, $13::text::numeric,
	$14::text::numeric, $15, $16, $17, $18)
RETURNING id`,
		s.CustomerID, s.SoldAt, s.Channel, s.Note,
		db.Numeric(s.GrossAmount), db.Numeric(s.DiscountPercent), db.Numeric(s.DiscountAmount),
		db.Numeric(s.GrossAfterDiscount), db.Numeric(s.PaymentFee), db.Numeric(s.Shipping),
		db.Numeric(s.FixedCostsApplied), db.Numeric(s.ProductCost), db.Numeric(s.NetProfit),
		db.Numeric(s.MarginPercent), s.IsPreorder, s.CogsPending, s.CreatedAt, s.UpdatedAt,
	).Scan(&id)
	return id, err
}

// UpdateSale rewrites the sale header.
func (r *Repository) UpdateSale(ctx context.Context, s Sale) error {
	tag, err := r.pool.Exec(ctx, `
UPDATE sales SET customer_id = NULLIF($2::bigint, 0), sold_at = $3, channel = $4, note = $5,
	gross_amount = $6::text::numeric, discount_percent = $7::text::numeric, discount_amount = $8::text::numeric,
	gross_after_discount = $9::text::numeric, payment_fee = $10::text::numeric, shipping = $11::text::numeric,
	fixed_costs_applied = $12::text::numeric, product_cost = $13::text::numeric, net_profit = $14::text::numeric,
	margin_percent = $15::text::numeric, is_preorder = $16, cogs_pending = $17, updated_at = $18
WHERE id = $1`,
		s.ID, s.CustomerID, s.SoldAt, s.Channel, s.Note,
		db.Numeric(s.GrossAmount), db.Numeric(s.DiscountPercent), db.Numeric(s.DiscountAmount),
		db.Numeric(s.GrossAfterDiscount), db.Numeric(s.PaymentFee), db.Numeric(s.Shipping),
		db.Numeric(s.FixedCostsApplied), db.Numeric(s.ProductCost), db.Numeric(s.NetProfit),
		db.Numeric(s.MarginPercent), s.IsPreorder, s.CogsPending, s.UpdatedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %d", ErrSaleNotFound, s.ID)
	}
	return nil
}

// DeleteSale removes the sale header.
func (r *Repository) DeleteSale(ctx context.Context, id int64) error {
	_, err := r.pool.Exec(ctx, `DELETE FROM sales WHERE id = $1`, id)
	return err
}

// GetSale loads the sale header.
func (r *Repository) GetSale(ctx context.Context, id int64) (Sale, error) {
	var s Sale
	var money [10]string
	err := r.pool.QueryRow(ctx, `
SELECT id, COALESCE(customer_id, 0), sold_at, channel, note, gross_amount::text, discount_percent::text,
	discount_amount::text, gross_after_discount::text, payment_fee::text, shipping::text,
	fixed_costs_applied::text, product_cost::text, net_profit::text, margin_percent::text,
	is_preorder, cogs_pending, created_at, updated_at
FROM sales WHERE id = $1`, id).Scan(
		&s.ID, &s.CustomerID, &s.SoldAt, &s.Channel, &s.Note,
		&money[0], &money[1], &money[2], &money[3], &money[4], &money[5], &money[6], &money[7], &money[8], &money[9],
		&s.IsPreorder, &s.CogsPending, &s.CreatedAt, &s.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Sale{}, fmt.Errorf("%w: %d", ErrSaleNotFound, id)
	}
	if err != nil {
		return Sale{}, err
	}
	targets := []*decimal.Decimal{
		&s.GrossAmount, &s.DiscountPercent, &s.DiscountAmount, &s.GrossAfterDiscount, &s.PaymentFee,
		&s.Shipping, &s.FixedCostsApplied, &s.ProductCost, &s.NetProfit, &s.MarginPercent,
	}
	for i, target := range targets {
		if *target, err = db.ParseNumeric(money[i]); err != nil {
			return Sale{}, err
		}
	}
	return s, nil
}

// InsertItems writes all line items of a sale in a single statement, returning them with ids in input order.
func (r *Repository) InsertItems(ctx context.Context, saleID int64, items []SaleLineItem) ([]SaleLineItem, error) {
	n := len(items)
	ord, productIDs, variantIDs, qtys := make([]int64, n), make([]int64, n), make([]int64, n), make([]int64, n)
	shortfalls := make([]int64, n)
	productLabels, variantLabels, sizes := make([]string, n), make([]string, n), make([]string, n)
	prices, cogs := make([]decimal.Decimal, n), make([]decimal.Decimal, n)
	pending := make([]bool, n)
	for i, item := range items {
		ord[i] = int64(i)
		productIDs[i], variantIDs[i], qtys[i] = item.ProductID, item.VariantID, item.Quantity
		shortfalls[i] = item.ShortfallUnits
		productLabels[i], variantLabels[i], sizes[i] = item.ProductLabel, item.VariantLabel, item.Size
		prices[i], cogs[i] = item.UnitPrice, item.COGS
		pending[i] = item.CostPending
	}
	rows, err := r.pool.Query(ctx, `
INSERT INTO sale_items (sale_id, line_no, product_id, variant_id, product_label, variant_label, size,
	quantity, unit_price, cogs, cost_pending, shortfall_units)
SELECT $1::bigint, t.* FROM unnest($2::bigint[], $3::bigint[], $4::bigint[], $5::text[], $6::text[], $7::text[],
	$8::bigint[], $9::text[]::numeric[], $10::text[]::numeric[], $11::bool[], $12::bigint[]) AS t
RETURNING id, line_no`,
		saleID, ord, productIDs, variantIDs, productLabels, variantLabels, sizes, qtys,
		db.Numerics(prices), db.Numerics(cogs), pending, shortfalls)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]SaleLineItem, n)
	copy(out, items)
	for rows.Next() {
		var id, line int64
		if err := rows.Scan(&id, &line); err != nil {
			return nil, err
		}
		out[line].ID = id
		out[line].SaleID = saleID
	}
	return out, rows.Err()
}

// ListItems returns a sale's line items in entry order.
func (r *Repository) ListItems(ctx context.Context, saleID int64) ([]SaleLineItem, error) {
	rows, err := r.pool.Query(ctx, `
SELECT id, sale_id, product_id, variant_id, product_label, variant_label, size, quantity,
	unit_price::text, cogs::text, cost_pending, shortfall_units
FROM sale_items WHERE sale_id = $1 ORDER BY line_no, id`, saleID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []SaleLineItem
	for rows.Next() {
		var item SaleLineItem
		var price, cogs string
		if err := rows.Scan(&item.ID, &item.SaleID, &item.ProductID, &item.VariantID, &item.ProductLabel,
			&item.VariantLabel, &item.Size, &item.Quantity, &price, &cogs, &item.CostPending, &item.ShortfallUnits); err != nil {
			return nil, err
		}
		if item.UnitPrice, err = db.ParseNumeric(price); err != nil {
			return nil, err
		}
		if item.COGS, err = db.ParseNumeric(cogs); err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

// DeleteItems removes every line item of a sale.
func (r *Repository) DeleteItems(ctx context.Context, saleID int64) error {
	_, err := r.pool.Exec(ctx, `DELETE FROM sale_items WHERE sale_id = $1`, saleID)
	return err
}

// GetPools loads fixed cost pools by id.
func (r *Repository) GetPools(ctx context.Context, ids []int64) ([]FixedCostPool, error) {
	rows, err := r.pool.Query(ctx, `SELECT id, name, unit_cost::text, remaining_units
FROM fixed_cost_pools WHERE id = ANY($1) ORDER BY id`, ids)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var pools []FixedCostPool
	for rows.Next() {
		var pool FixedCostPool
		var cost string
		if err := rows.Scan(&pool.ID, &pool.Name, &cost, &pool.RemainingUnits); err != nil {
			return nil, err
		}
		if pool.UnitCost, err = db.ParseNumeric(cost); err != nil {
			return nil, err
		}
		pools = append(pools, pool)
	}
	return pools, rows.Err()
}

// DecrementPool takes one unit when the pool still has one.
func (r *Repository) DecrementPool(ctx context.Context, poolID int64) error {
	tag, err := r.pool.Exec(ctx, `UPDATE fixed_cost_pools SET remaining_units = remaining_units - 1
WHERE id = $1 AND remaining_units > 0`, poolID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %d", ErrPoolExhausted, poolID)
	}
	return nil
}

// IncrementPool gives one unit back.
func (r *Repository) IncrementPool(ctx context.Context, poolID int64) error {
	tag, err := r.pool.Exec(ctx, `UPDATE fixed_cost_pools SET remaining_units = remaining_units + 1 WHERE id = $1`, poolID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %d", ErrPoolNotFound, poolID)
	}
	return nil
}

// InsertPoolUsage records one unit charged to a sale.
func (r *Repository) InsertPoolUsage(ctx context.Context, u FixedCostUsage) error {
	_, err := r.pool.Exec(ctx, `INSERT INTO fixed_cost_usages (pool_id, sale_id, unit_cost, created_at)
VALUES ($1, $2, $3::text::numeric, $4)`, u.PoolID, u.SaleID, db.Numeric(u.UnitCost), u.CreatedAt)
	return err
}

// ListPoolUsage returns the usage rows of a sale.
func (r *Repository) ListPoolUsage(ctx context.Context, saleID int64) ([]FixedCostUsage, error) {
	rows, err := r.pool.Query(ctx, `SELECT id, pool_id, sale_id, unit_cost::text, created_at
FROM fixed_cost_usages WHERE sale_id = $1 ORDER BY id`, saleID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var usages []FixedCostUsage
	for rows.Next() {
		var u FixedCostUsage
		var cost string
		if err := rows.Scan(&u.ID, &u.PoolID, &u.SaleID, &cost, &u.CreatedAt); err != nil {
			return nil, err
		}
		if u.UnitCost, err = db.ParseNumeric(cost); err != nil {
			return nil, err
		}
		usages = append(usages, u)
	}
	return usages, rows.Err()
}

// DeletePoolUsage removes one usage row.
func (r *Repository) DeletePoolUsage(ctx context.Context, id int64) error {
	_, err := r.pool.Exec(ctx, `DELETE FROM fixed_cost_usages WHERE id = $1`, id)
	return err
}

// ListCogsPending returns cost-pending sales with the number of their consumed lots still pending.
func (r *Repository) ListCogsPending(ctx context.Context) ([]PendingCogs, error) {
	rows, err := r.pool.Query(ctx, `
SELECT s.id, COUNT(l.id) FILTER (WHERE l.cost_pending_tax)
FROM sales s
LEFT JOIN sale_items i ON i.sale_id = s.id
LEFT JOIN lot_consumptions c ON c.sale_item_id = i.id
LEFT JOIN inventory_lots l ON l.id = c.lot_id
WHERE s.cogs_pending
GROUP BY s.id
ORDER BY s.id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []PendingCogs
	for rows.Next() {
		var p PendingCogs
		if err := rows.Scan(&p.SaleID, &p.PendingLots); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// MarkCogsPendingByLots flags sales that drew from any of the lots.
func (r *Repository) MarkCogsPendingByLots(ctx context.Context, lotIDs []int64) (int, error) {
	tag, err := r.pool.Exec(ctx, `
UPDATE sales SET cogs_pending = TRUE, updated_at = NOW()
WHERE NOT cogs_pending AND id IN (
	SELECT i.sale_id FROM sale_items i
	JOIN lot_consumptions c ON c.sale_item_id = i.id
	WHERE c.lot_id = ANY($1::bigint[]))`, lotIDs)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}
