package sales

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestDeriveNetProfitAndMargin(t *testing.T) {
	f := Derive(dec("90"), dec("5"), dec("3"), dec("2"), dec("74"))
	require.True(t, dec("6").Equal(f.NetProfit), f.NetProfit.String())
	require.True(t, dec("6.67").Equal(f.MarginPercent), f.MarginPercent.String())
}

func TestDeriveZeroRevenueHasZeroMargin(t *testing.T) {
	f := Derive(decimal.Zero, dec("1"), decimal.Zero, decimal.Zero, decimal.Zero)
	require.True(t, dec("-1").Equal(f.NetProfit))
	require.True(t, f.MarginPercent.IsZero())
}

func TestTotalsPercentDiscount(t *testing.T) {
	items := []SaleLineItem{{Quantity: 2, UnitPrice: dec("30")}, {Quantity: 1, UnitPrice: dec("40")}}
	d := Totals(items, dec("10"), decimal.Zero)
	require.True(t, dec("100").Equal(d.Gross))
	require.True(t, dec("10").Equal(d.Amount))
	require.True(t, dec("90").Equal(d.After))
}

func TestTotalsAmountDiscountDerivesPercent(t *testing.T) {
	items := []SaleLineItem{{Quantity: 3, UnitPrice: dec("10")}}
	d := Totals(items, decimal.Zero, dec("45"))
	require.True(t, dec("30").Equal(d.Amount), "capped at gross")
	require.True(t, dec("100").Equal(d.Percent))
	require.True(t, d.After.IsZero())

	d = Totals(items, decimal.Zero, dec("3"))
	require.True(t, dec("10").Equal(d.Percent))
}

func TestCheckMarginIdentity(t *testing.T) {
	sale := Sale{
		Items:             []SaleLineItem{{Quantity: 1, UnitPrice: dec("19.99"), COGS: dec("7.333")}},
		FixedCostsApplied: dec("0.5"),
	}
	applyFinancials(&sale, SaleInput{DiscountPercent: dec("12.5"), PaymentFee: dec("0.99"), Shipping: dec("1.25")})
	require.NoError(t, CheckMarginIdentity(sale))

	sale.NetProfit = sale.NetProfit.Add(dec("0.01"))
	require.ErrorIs(t, CheckMarginIdentity(sale), ErrMarginIdentity)
}
