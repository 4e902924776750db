package procurement

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/odyssey-ledger/internal/platform/db"
)

// Repository provides PostgreSQL backed persistence.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// GetOrder returns the purchase order header and its items.
func (r *Repository) GetOrder(ctx context.Context, id int64) (PurchaseOrder, error) {
	var po PurchaseOrder
	var freight, fees, duty string
	err := r.pool.QueryRow(ctx, `
SELECT id, number, COALESCE(supplier_name, ''), status, freight::text, extra_fees::text, duty_cost::text,
	duty_pending, stock_posted, arrived_at, created_at
FROM purchase_orders WHERE id = $1`, id).Scan(
		&po.ID, &po.Number, &po.SupplierName, &po.Status, &freight, &fees, &duty,
		&po.DutyPending, &po.StockPosted, &po.ArrivedAt, &po.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return PurchaseOrder{}, fmt.Errorf("%w: %d", ErrOrderNotFound, id)
	}
	if err != nil {
		return PurchaseOrder{}, err
	}
	for target, raw := range map[*decimal.Decimal]string{&po.Freight: freight, &po.ExtraFees: fees, &po.DutyCost: duty} {
		if *target, err = db.ParseNumeric(raw); err != nil {
			return PurchaseOrder{}, err
		}
	}

	rows, err := r.pool.Query(ctx, `
SELECT id, purchase_order_id, variant_id, quantity, item_cost::text
FROM purchase_items WHERE purchase_order_id = $1 ORDER BY id`, id)
	if err != nil {
		return PurchaseOrder{}, err
	}
	defer rows.Close()
	for rows.Next() {
		var item PurchaseItem
		var cost string
		if err := rows.Scan(&item.ID, &item.PurchaseOrderID, &item.VariantID, &item.Quantity, &cost); err != nil {
			return PurchaseOrder{}, err
		}
		if item.ItemCost, err = db.ParseNumeric(cost); err != nil {
			return PurchaseOrder{}, err
		}
		po.Items = append(po.Items, item)
	}
	return po, rows.Err()
}

// MarkStockPosted moves the order to arrived and records that its lots exist.
func (r *Repository) MarkStockPosted(ctx context.Context, id int64, arrivedAt time.Time) error {
	tag, err := r.pool.Exec(ctx, `
UPDATE purchase_orders SET status = 'arrived', stock_posted = TRUE, arrived_at = COALESCE(arrived_at, $2)
WHERE id = $1`, id, arrivedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %d", ErrOrderNotFound, id)
	}
	return nil
}

// SetDuty stores the final duty and clears the pending flag.
func (r *Repository) SetDuty(ctx context.Context, id int64, duty decimal.Decimal) error {
	tag, err := r.pool.Exec(ctx, `
UPDATE purchase_orders SET duty_cost = $2::text::numeric, duty_pending = FALSE
WHERE id = $1`, id, db.Numeric(duty))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %d", ErrOrderNotFound, id)
	}
	return nil
}
