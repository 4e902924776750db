package ledger

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

// Repository persists lots, consumption rows and stock ledger entries in PostgreSQL.
// Every method issues exactly one statement.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

const lotColumns = `id, variant_id, purchase_order_id, purchase_item_id, quantity_received,
	quantity_remaining, unit_cost::text, received_at, cost_pending_tax`

// InsertLots writes all lots of one receipt in a single statement.
func (r *Repository) InsertLots(ctx context.Context, lots []InventoryLot) ([]InventoryLot, error) {
	n := len(lots)
	variantIDs, poIDs, itemIDs := make([]int64, n), make([]int64, n), make([]int64, n)
	qtys := make([]int64, n)
	costs := make([]decimal.Decimal, n)
	receivedAt := make([]time.Time, n)
	pending := make([]bool, n)
	for i, lot := range lots {
		variantIDs[i], poIDs[i], itemIDs[i] = lot.VariantID, lot.PurchaseOrderID, lot.PurchaseItemID
		qtys[i] = lot.QuantityReceived
		costs[i] = lot.UnitCost
		receivedAt[i] = lot.ReceivedAt
		pending[i] = lot.CostPendingTax
	}
	rows, err := r.pool.Query(ctx, `
INSERT INTO inventory_lots (variant_id, purchase_order_id, purchase_item_id, quantity_received,
	quantity_remaining, unit_cost, received_at, cost_pending_tax)
SELECT v, po, item, q, q, c, at, p
FROM unnest($1::bigint[], $2::bigint[], $3::bigint[], $4::bigint[], $5::text[]::numeric[], $6::timestamptz[], $7::bool[])
	AS t(v, po, item, q, c, at, p)
RETURNING `+lotColumns,
		variantIDs, poIDs, itemIDs, qtys, db.Numerics(costs), receivedAt, pending)
	if err != nil {
		return nil, err
	}
	return collectLots(rows)
}

// ListOpenLots returns lots of the variant with units remaining, oldest first.
func (r *Repository) ListOpenLots(ctx context.Context, variantID int64) ([]InventoryLot, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+lotColumns+` FROM inventory_lots
WHERE variant_id = $1 AND quantity_remaining > 0
ORDER BY received_at, id`, variantID)
	if err != nil {
		return nil, err
	}
	return collectLots(rows)
}

// ListLotsByVariant returns every lot of the variant.
func (r *Repository) ListLotsByVariant(ctx context.Context, variantID int64) ([]InventoryLot, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+lotColumns+` FROM inventory_lots
WHERE variant_id = $1 ORDER BY received_at, id`, variantID)
	if err != nil {
		return nil, err
	}
	return collectLots(rows)
}

// ListLotsByPurchaseOrder returns the lots created from one purchase order.
func (r *Repository) ListLotsByPurchaseOrder(ctx context.Context, purchaseOrderID int64) ([]InventoryLot, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+lotColumns+` FROM inventory_lots
WHERE purchase_order_id = $1 ORDER BY id`, purchaseOrderID)
	if err != nil {
		return nil, err
	}
	return collectLots(rows)
}

// DecrementLot atomically subtracts quantity when enough units remain.
func (r *Repository) DecrementLot(ctx context.Context, lotID, quantity int64) (int64, error) {
	var remaining int64
	err := r.pool.QueryRow(ctx, `UPDATE inventory_lots
SET quantity_remaining = quantity_remaining - $2
WHERE id = $1 AND quantity_remaining >= $2
RETURNING quantity_remaining`, lotID, quantity).Scan(&remaining)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, r.missingOr(ctx, lotID, ErrLotContention)
	}
	return remaining, err
}

// IncrementLot atomically adds quantity without exceeding the received amount.
func (r *Repository) IncrementLot(ctx context.Context, lotID, quantity int64) (int64, error) {
	var remaining int64
	err := r.pool.QueryRow(ctx, `UPDATE inventory_lots
SET quantity_remaining = quantity_remaining + $2
WHERE id = $1 AND quantity_remaining + $2 <= quantity_received
RETURNING quantity_remaining`, lotID, quantity).Scan(&remaining)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, r.missingOr(ctx, lotID, ErrLotOverRestore)
	}
	return remaining, err
}

func (r *Repository) missingOr(ctx context.Context, lotID int64, cause error) error {
	var exists bool
	if err := r.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM inventory_lots WHERE id = $1)`, lotID).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return fmt.Errorf("%w: %d", ErrLotNotFound, lotID)
	}
	return fmt.Errorf("%w: %d", cause, lotID)
}

// UpdateLotCost rewrites a lot's unit cost and pending flag.
func (r *Repository) UpdateLotCost(ctx context.Context, update CostUpdate) error {
	tag, err := r.pool.Exec(ctx, `UPDATE inventory_lots SET unit_cost = $2::text::numeric, cost_pending_tax = $3 WHERE id = $1`,
		update.LotID, db.Numeric(update.UnitCost), update.CostPending)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %d", ErrLotNotFound, update.LotID)
	}
	return nil
}

// InsertConsumptions writes audit rows in a single statement.
func (r *Repository) InsertConsumptions(ctx context.Context, rows []LotConsumption) error {
	n := len(rows)
	itemIDs, lotIDs, qtys := make([]int64, n), make([]int64, n), make([]int64, n)
	costs := make([]decimal.Decimal, n)
	for i, row := range rows {
		itemIDs[i], lotIDs[i], qtys[i], costs[i] = row.SaleItemID, row.LotID, row.QuantityConsumed, row.UnitCostAtConsumption
	}
	_, err := r.pool.Exec(ctx, `
INSERT INTO lot_consumptions (sale_item_id, lot_id, quantity_consumed, unit_cost_at_consumption)
SELECT * FROM unnest($1::bigint[], $2::bigint[], $3::bigint[], $4::text[]::numeric[])`,
		itemIDs, lotIDs, qtys, db.Numerics(costs))
	return err
}

// ListConsumptionsByItems returns audit rows of the sale items.
func (r *Repository) ListConsumptionsByItems(ctx context.Context, saleItemIDs []int64) ([]LotConsumption, error) {
	rows, err := r.pool.Query(ctx, `SELECT id, sale_item_id, lot_id, quantity_consumed, unit_cost_at_consumption::text
FROM lot_consumptions WHERE sale_item_id = ANY($1) ORDER BY id`, saleItemIDs)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []LotConsumption
	for rows.Next() {
		var c LotConsumption
		var cost string
		if err := rows.Scan(&c.ID, &c.SaleItemID, &c.LotID, &c.QuantityConsumed, &cost); err != nil {
			return nil, err
		}
		if c.UnitCostAtConsumption, err = db.ParseNumeric(cost); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// DeleteConsumption removes one audit row.
func (r *Repository) DeleteConsumption(ctx context.Context, id int64) error {
	_, err := r.pool.Exec(ctx, `DELETE FROM lot_consumptions WHERE id = $1`, id)
	return err
}

// InsertEntries writes stock ledger entries in a single statement.
func (r *Repository) InsertEntries(ctx context.Context, entries []StockLedgerEntry) error {
	n := len(entries)
	variantIDs, qtys, refIDs := make([]int64, n), make([]int64, n), make([]int64, n)
	types, refTypes, notes := make([]string, n), make([]string, n), make([]string, n)
	createdAt := make([]time.Time, n)
	for i, e := range entries {
		variantIDs[i], qtys[i], refIDs[i] = e.VariantID, e.Quantity, e.ReferenceID
		types[i], refTypes[i], notes[i] = string(e.Type), string(e.ReferenceType), e.Note
		createdAt[i] = e.CreatedAt
	}
	_, err := r.pool.Exec(ctx, `
INSERT INTO stock_ledger_entries (variant_id, entry_type, quantity, reference_type, reference_id, note, created_at)
SELECT * FROM unnest($1::bigint[], $2::text[], $3::bigint[], $4::text[], $5::bigint[], $6::text[], $7::timestamptz[])`,
		variantIDs, types, qtys, refTypes, refIDs, notes, createdAt)
	return err
}

// ListEntriesByReference returns entries of one document.
func (r *Repository) ListEntriesByReference(ctx context.Context, refType ReferenceType, refID int64) ([]StockLedgerEntry, error) {
	rows, err := r.pool.Query(ctx, `SELECT id, variant_id, entry_type, quantity, reference_type, reference_id, note, created_at
FROM stock_ledger_entries WHERE reference_type = $1 AND reference_id = $2 ORDER BY id`, string(refType), refID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []StockLedgerEntry
	for rows.Next() {
		var e StockLedgerEntry
		var entryType, ref string
		if err := rows.Scan(&e.ID, &e.VariantID, &entryType, &e.Quantity, &ref, &e.ReferenceID, &e.Note, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.Type, e.ReferenceType = EntryType(entryType), ReferenceType(ref)
		out = append(out, e)
	}
	return out, rows.Err()
}

// DeleteEntriesByReference removes entries of one document.
func (r *Repository) DeleteEntriesByReference(ctx context.Context, refType ReferenceType, refID int64) error {
	_, err := r.pool.Exec(ctx, `DELETE FROM stock_ledger_entries WHERE reference_type = $1 AND reference_id = $2`, string(refType), refID)
	return err
}

// ListLotUsage returns every lot with the units its consumption rows account for.
func (r *Repository) ListLotUsage(ctx context.Context) ([]LotUsage, error) {
	rows, err := r.pool.Query(ctx, `SELECT l.id, l.variant_id, l.purchase_order_id, l.purchase_item_id, l.quantity_received,
	l.quantity_remaining, l.unit_cost::text, l.received_at, l.cost_pending_tax, COALESCE(SUM(c.quantity_consumed), 0)::bigint
FROM inventory_lots l
LEFT JOIN lot_consumptions c ON c.lot_id = l.id
GROUP BY l.id
ORDER BY l.id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []LotUsage
	for rows.Next() {
		var u LotUsage
		var cost string
		if err := rows.Scan(&u.Lot.ID, &u.Lot.VariantID, &u.Lot.PurchaseOrderID, &u.Lot.PurchaseItemID, &u.Lot.QuantityReceived,
			&u.Lot.QuantityRemaining, &cost, &u.Lot.ReceivedAt, &u.Lot.CostPendingTax, &u.Consumed); err != nil {
			return nil, err
		}
		if u.Lot.UnitCost, err = db.ParseNumeric(cost); err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

// ScanLot reads one row selected with the lot columns and validates it. Rows breaking a
// lot invariant fail with ErrInvalidLot.
func ScanLot(row pgx.Row) (InventoryLot, error) {
	var lot InventoryLot
	var cost string
	if err := row.Scan(&lot.ID, &lot.VariantID, &lot.PurchaseOrderID, &lot.PurchaseItemID, &lot.QuantityReceived,
		&lot.QuantityRemaining, &cost, &lot.ReceivedAt, &lot.CostPendingTax); err != nil {
		return InventoryLot{}, err
	}
	var err error
	if lot.UnitCost, err = db.ParseNumeric(cost); err != nil {
		return InventoryLot{}, err
	}
	return LoadLot(lot)
}

func collectLots(rows pgx.Rows) ([]InventoryLot, error) {
	defer rows.Close()
	var lots []InventoryLot
	for rows.Next() {
		lot, err := ScanLot(rows)
		if err != nil {
			return nil, err
		}
		lots = append(lots, lot)
	}
	return lots, rows.Err()
}
