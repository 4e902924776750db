package attribution

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/odyssey-ledger/internal/ledger"
	"github.com/odyssey-erp/odyssey-ledger/internal/sales"
	"github.com/odyssey-erp/odyssey-ledger/internal/shared"
)

// Dimension selects how a margin report groups sales.
type Dimension string

const (
	ByProduct       Dimension = "product"
	ByCustomer      Dimension = "customer"
	ByPurchaseOrder Dimension = "purchase_order"
)

// Valid reports whether the dimension is known.
func (d Dimension) Valid() bool {
	switch d {
	case ByProduct, ByCustomer, ByPurchaseOrder:
		return true
	}
	return false
}

// ErrUnknownDimension is returned for an unsupported grouping.
var ErrUnknownDimension = fmt.Errorf("attribution: unknown dimension: %w", shared.ErrValidation)

// Period is a half-open sale date range [From, To).
type Period struct {
	From time.Time `json:"from"`
	To   time.Time `json:"to"`
}

// Validate checks the period bounds.
func (p Period) Validate() error {
	if p.From.IsZero() || p.To.IsZero() || !p.To.After(p.From) {
		return fmt.Errorf("%w: period needs from < to", shared.ErrValidation)
	}
	return nil
}

// Dataset is everything a report replays.
type Dataset struct {
	Sales        []sales.Sale
	Items        []sales.SaleLineItem
	Consumptions []ledger.LotConsumption
	Lots         []ledger.InventoryLot
}

// SellThrough describes how much of a purchase order has been sold.
type SellThrough string

const (
	Unsold  SellThrough = "unsold"
	Partial SellThrough = "partial"
	SoldOut SellThrough = "sold_out"
)

// Stock summarises a purchase order's lots.
type Stock struct {
	UnitsReceived int64           `json:"units_received"`
	UnitsSold     int64           `json:"units_sold"`
	SellThrough   SellThrough     `json:"sell_through"`
	CostBasis     decimal.Decimal `json:"cost_basis"`
	CostPending   bool            `json:"cost_pending"`
}

// Line is one group of a margin report.
type Line struct {
	Key           int64           `json:"key"`
	Label         string          `json:"label"`
	Units         int64           `json:"units"`
	Revenue       decimal.Decimal `json:"revenue"`
	COGS          decimal.Decimal `json:"cogs"`
	SharedCosts   decimal.Decimal `json:"shared_costs"`
	Profit        decimal.Decimal `json:"profit"`
	MarginPercent decimal.Decimal `json:"margin_percent"`
	Stock         *Stock          `json:"stock,omitempty"`
}

func (l *Line) add(units int64, revenue, cogs, sharedCost decimal.Decimal) {
	l.Units += units
	l.Revenue = l.Revenue.Add(revenue)
	l.COGS = l.COGS.Add(cogs)
	l.SharedCosts = l.SharedCosts.Add(sharedCost)
	l.Profit = l.Revenue.Sub(l.COGS).Sub(l.SharedCosts)
	l.MarginPercent = shared.Ratio(l.Profit, l.Revenue)
}

// Report is a margin breakdown for a period.
type Report struct {
	Dimension   Dimension `json:"dimension"`
	Period      Period    `json:"period"`
	Sales       int       `json:"sales"`
	CogsPending int       `json:"cogs_pending"`
	Lines       []Line    `json:"lines"`
	Totals      Line      `json:"totals"`
}
