package sales

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/odyssey-ledger/internal/ledger"
	"github.com/odyssey-erp/odyssey-ledger/internal/shared"
)

// Sale is the financial record of one transaction.
type Sale struct {
	ID                 int64           `json:"id"`
	CustomerID         int64           `json:"customer_id"`
	SoldAt             time.Time       `json:"sold_at"`
	Channel            string          `json:"channel"`
	Note               string          `json:"note"`
	GrossAmount        decimal.Decimal `json:"gross_amount"`
	DiscountPercent    decimal.Decimal `json:"discount_percent"`
	DiscountAmount     decimal.Decimal `json:"discount_amount"`
	GrossAfterDiscount decimal.Decimal `json:"gross_after_discount"`
	PaymentFee         decimal.Decimal `json:"payment_fee"`
	Shipping           decimal.Decimal `json:"shipping"`
	FixedCostsApplied  decimal.Decimal `json:"fixed_costs_applied"`
	ProductCost        decimal.Decimal `json:"product_cost"`
	NetProfit          decimal.Decimal `json:"net_profit"`
	MarginPercent      decimal.Decimal `json:"margin_percent"`
	IsPreorder         bool            `json:"is_preorder"`
	CogsPending        bool            `json:"cogs_pending"`
	CreatedAt          time.Time       `json:"created_at"`
	UpdatedAt          time.Time       `json:"updated_at"`
	Items              []SaleLineItem  `json:"items,omitempty"`
}

// VariantIDs lists the inventory variants of the sale's items.
func (s Sale) VariantIDs() []int64 {
	ids := make([]int64, 0, len(s.Items))
	for _, item := range s.Items {
		if item.VariantID != 0 {
			ids = append(ids, item.VariantID)
		}
	}
	return ids
}

// ReversalItems describes the stock items for the ledger. Preorders took no stock.
func (s Sale) ReversalItems() []ledger.ReversalItem {
	if s.IsPreorder {
		return nil
	}
	items := make([]ledger.ReversalItem, 0, len(s.Items))
	for _, item := range s.Items {
		if item.VariantID == 0 {
			continue
		}
		items = append(items, ledger.ReversalItem{
			SaleItemID: item.ID,
			VariantID:  item.VariantID,
			Sourced:    item.Quantity - item.ShortfallUnits,
		})
	}
	return items
}

// SaleLineItem is one product line with a snapshot of the catalog data at sale time.
type SaleLineItem struct {
	ID           int64           `json:"id"`
	SaleID       int64           `json:"sale_id"`
	ProductID    int64           `json:"product_id"`
	VariantID    int64           `json:"variant_id"`
	ProductLabel string          `json:"product_label"`
	VariantLabel string          `json:"variant_label"`
	Size         string          `json:"size"`
	Quantity     int64           `json:"quantity"`
	UnitPrice    decimal.Decimal `json:"unit_price"`
	COGS         decimal.Decimal `json:"cogs"`
	CostPending  bool            `json:"cost_pending"`

	// ShortfallUnits were sold without lot stock behind them.
	ShortfallUnits int64 `json:"shortfall_units,omitempty"`
}

// Gross is quantity times unit price.
func (i SaleLineItem) Gross() decimal.Decimal {
	return i.UnitPrice.Mul(decimal.NewFromInt(i.Quantity))
}

// FixedCostPool is a consumable cost bucket such as packaging bought in bulk.
type FixedCostPool struct {
	ID             int64           `json:"id"`
	Name           string          `json:"name"`
	UnitCost       decimal.Decimal `json:"unit_cost"`
	RemainingUnits int64           `json:"remaining_units"`
}

// FixedCostUsage records one unit of a pool charged to a sale.
type FixedCostUsage struct {
	ID        int64           `json:"id"`
	PoolID    int64           `json:"pool_id"`
	SaleID    int64           `json:"sale_id"`
	UnitCost  decimal.Decimal `json:"unit_cost"`
	CreatedAt time.Time       `json:"created_at"`
}

// LineInput describes a line of a sale being recorded or edited.
type LineInput struct {
	ProductID    int64
	VariantID    int64
	ProductLabel string
	VariantLabel string
	Size         string
	Quantity     int64
	UnitPrice    decimal.Decimal
}

// SaleInput carries everything needed to record or edit a sale.
type SaleInput struct {
	CustomerID      int64
	SoldAt          time.Time
	Channel         string
	Note            string
	IsPreorder      bool
	DiscountPercent decimal.Decimal
	DiscountAmount  decimal.Decimal
	PaymentFee      decimal.Decimal
	Shipping        decimal.Decimal
	// FixedCostPoolIDs opts the sale into one unit of each pool. Ignored for preorders and edits.
	FixedCostPoolIDs []int64
	// AcknowledgeShortfall confirms the caller accepts selling beyond lot stock.
	AcknowledgeShortfall bool
	IdempotencyKey       string
	Lines                []LineInput
}

// Validate checks caller input before any write.
func (in SaleInput) Validate() error {
	if len(in.Lines) == 0 {
		return fmt.Errorf("%w: at least one line required", shared.ErrValidation)
	}
	for i, line := range in.Lines {
		if line.Quantity <= 0 {
			return fmt.Errorf("%w: line %d quantity must be positive", shared.ErrValidation, i+1)
		}
		if line.UnitPrice.IsNegative() {
			return fmt.Errorf("%w: line %d unit price negative", shared.ErrValidation, i+1)
		}
	}
	for name, v := range map[string]decimal.Decimal{
		"discount percent": in.DiscountPercent,
		"discount amount":  in.DiscountAmount,
		"payment fee":      in.PaymentFee,
		"shipping":         in.Shipping,
	} {
		if v.IsNegative() {
			return fmt.Errorf("%w: %s negative", shared.ErrValidation, name)
		}
	}
	if in.DiscountPercent.GreaterThan(hundred) {
		return fmt.Errorf("%w: discount percent above 100", shared.ErrValidation)
	}
	return nil
}

// requested sums quantities per inventory variant.
func (in SaleInput) requested() map[int64]int64 {
	out := make(map[int64]int64)
	for _, line := range in.Lines {
		if line.VariantID != 0 {
			out[line.VariantID] += line.Quantity
		}
	}
	return out
}

// Result is returned by every committed saga.
type Result struct {
	SaleID      int64
	CogsPending bool
	// ShortfallUnits counts units sold beyond lot stock; they carry no cost.
	ShortfallUnits int64
	Warnings       []Warning
	// Reversal is set for edits and deletes.
	Reversal *ReversalSummary
}

// ReversalSummary reports how a sale's earlier inventory effects were undone.
type ReversalSummary struct {
	RestoredUnits   int64 `json:"restored_units"`
	Audited         bool  `json:"audited"`
	Inconsistent    bool  `json:"inconsistent"`
	UnrestoredUnits int64 `json:"unrestored_units"`
	PoolsRestored   int   `json:"pools_restored"`
}

// Warning is a non-fatal phase failure attached to a committed sale.
type Warning struct {
	Kind   Kind   `json:"kind"`
	Phase  Phase  `json:"phase"`
	Detail string `json:"detail"`
}
