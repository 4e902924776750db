package sales

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/odyssey-ledger/internal/shared"
)

var hundred = decimal.NewFromInt(100)

// ErrMarginIdentity indicates a persisted sale whose net profit does not re-derive.
var ErrMarginIdentity = errors.New("sales: net profit does not match its inputs")

// Discount holds a sale's revenue before and after discount.
type Discount struct {
	Gross   decimal.Decimal
	Percent decimal.Decimal
	Amount  decimal.Decimal
	After   decimal.Decimal
}

// Totals sums line revenue and applies the discount. A positive percent wins and
// derives the amount; otherwise the amount derives the percent. The amount is capped at gross.
func Totals(items []SaleLineItem, percent, amount decimal.Decimal) Discount {
	gross := decimal.Zero
	for _, item := range items {
		gross = gross.Add(item.Gross())
	}
	gross = shared.RoundMoney(gross)

	d := Discount{Gross: gross}
	switch {
	case percent.IsPositive():
		d.Percent = percent.Round(2)
		d.Amount = shared.PercentOf(gross, d.Percent)
	case amount.IsPositive():
		d.Amount = shared.RoundMoney(decimal.Min(amount, gross))
		d.Percent = shared.Ratio(d.Amount, gross)
	default:
		d.Percent, d.Amount = decimal.Zero, decimal.Zero
	}
	d.After = gross.Sub(d.Amount)
	return d
}

// Financials is the derived profit of a sale.
type Financials struct {
	NetProfit     decimal.Decimal
	MarginPercent decimal.Decimal
}

// Derive computes net profit and margin. Inputs are rounded to cents first so the
// result satisfies the margin identity exactly. Margin is zero when revenue is not positive.
func Derive(grossAfterDiscount, fee, shipping, fixedCosts, cogs decimal.Decimal) Financials {
	after := shared.RoundMoney(grossAfterDiscount)
	net := after.
		Sub(shared.RoundMoney(fee)).
		Sub(shared.RoundMoney(shipping)).
		Sub(shared.RoundMoney(fixedCosts)).
		Sub(shared.RoundMoney(cogs))
	return Financials{NetProfit: net, MarginPercent: shared.Ratio(net, after)}
}

// CheckMarginIdentity re-derives a sale's net profit from its persisted inputs.
func CheckMarginIdentity(s Sale) error {
	f := Derive(s.GrossAfterDiscount, s.PaymentFee, s.Shipping, s.FixedCostsApplied, s.ProductCost)
	if !f.NetProfit.Equal(s.NetProfit) {
		return fmt.Errorf("%w: sale %d stored %s derived %s", ErrMarginIdentity, s.ID, s.NetProfit, f.NetProfit)
	}
	return nil
}

// applyFinancials fills the derived money fields of a sale from its items and inputs.
func applyFinancials(sale *Sale, in SaleInput) {
	d := Totals(sale.Items, in.DiscountPercent, in.DiscountAmount)
	cogs := decimal.Zero
	pending := false
	for _, item := range sale.Items {
		cogs = cogs.Add(item.COGS)
		pending = pending || item.CostPending
	}
	sale.GrossAmount = d.Gross
	sale.DiscountPercent = d.Percent
	sale.DiscountAmount = d.Amount
	sale.GrossAfterDiscount = d.After
	sale.PaymentFee = shared.RoundMoney(in.PaymentFee)
	sale.Shipping = shared.RoundMoney(in.Shipping)
	sale.FixedCostsApplied = shared.RoundMoney(sale.FixedCostsApplied)
	sale.ProductCost = shared.RoundMoney(cogs)
	sale.CogsPending = pending

	f := Derive(sale.GrossAfterDiscount, sale.PaymentFee, sale.Shipping, sale.FixedCostsApplied, sale.ProductCost)
	sale.NetProfit = f.NetProfit
	sale.MarginPercent = f.MarginPercent
}
