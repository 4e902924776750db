package attribution

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/odyssey-ledger/internal/ledger"
	"github.com/odyssey-erp/odyssey-ledger/internal/sales"
)

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func assertDec(t *testing.T, want string, got decimal.Decimal, msg ...any) {
	t.Helper()
	assert.True(t, dec(want).Equal(got), append([]any{"want %s got %s", want, got.String()}, msg...)...)
}

var june = Period{From: time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC), To: time.Date(2024, 7, 1, 0, 0, 0, 0, time.UTC)}

// fixtureDataset holds two sales:
//   - sale 1 (customer 3): 7 units of product 1 drawn from lot 1 (5 @ 10) and lot 2 (2 @ 12),
//     a 30.00 service line, 10% discount, 10.00 of fee, shipping and fixed costs. Net profit 6.
//   - sale 2 (walk-in): 2 units of product 1, one from lot 2, one never sourced. Net profit 18.
func fixtureDataset() Dataset {
	soldAt := june.From.AddDate(0, 0, 3)
	return Dataset{
		Sales: []sales.Sale{
			{
				ID: 1, CustomerID: 3, SoldAt: soldAt,
				GrossAmount: dec("100"), GrossAfterDiscount: dec("90"),
				PaymentFee: dec("5"), Shipping: dec("3"), FixedCostsApplied: dec("2"),
				ProductCost: dec("74"), NetProfit: dec("6"),
			},
			{
				ID: 2, SoldAt: soldAt.Add(time.Hour),
				GrossAmount: dec("30"), GrossAfterDiscount: dec("30"),
				ProductCost: dec("12"), NetProfit: dec("18"), CogsPending: true,
			},
		},
		Items: []sales.SaleLineItem{
			{ID: 1, SaleID: 1, ProductID: 1, VariantID: 1, ProductLabel: "Tee", Quantity: 7, UnitPrice: dec("10"), COGS: dec("74")},
			{ID: 2, SaleID: 1, ProductID: 2, ProductLabel: "Gift wrap", Quantity: 1, UnitPrice: dec("30")},
			{ID: 3, SaleID: 2, ProductID: 1, VariantID: 1, ProductLabel: "Tee", Quantity: 2, UnitPrice: dec("15"), COGS: dec("12")},
		},
		Consumptions: []ledger.LotConsumption{
			{ID: 1, SaleItemID: 1, LotID: 1, QuantityConsumed: 5, UnitCostAtConsumption: dec("10")},
			{ID: 2, SaleItemID: 1, LotID: 2, QuantityConsumed: 2, UnitCostAtConsumption: dec("12")},
			{ID: 3, SaleItemID: 3, LotID: 2, QuantityConsumed: 1, UnitCostAtConsumption: dec("12")},
		},
		Lots: []ledger.InventoryLot{
			{ID: 1, VariantID: 1, PurchaseOrderID: 10, QuantityReceived: 5, QuantityRemaining: 0, UnitCost: dec("10")},
			{ID: 2, VariantID: 1, PurchaseOrderID: 11, QuantityReceived: 5, QuantityRemaining: 2, UnitCost: dec("12"), CostPendingTax: true},
		},
	}
}

func lineByKey(t *testing.T, report Report, key int64) Line {
	t.Helper()
	for _, line := range report.Lines {
		if line.Key == key {
			return line
		}
	}
	t.Fatalf("no line %d in %s report", key, report.Dimension)
	return Line{}
}

func TestSplitKeepsTotal(t *testing.T) {
	parts := split(dec("10"), []decimal.Decimal{dec("1"), dec("1"), dec("1")})
	assertDec(t, "3.34", parts[0])
	assertDec(t, "3.33", parts[1])
	assertDec(t, "10", decimal.Sum(parts[0], parts[1:]...))

	parts = split(dec("5"), []decimal.Decimal{decimal.Zero, decimal.Zero})
	assertDec(t, "5", parts[0].Add(parts[1]))

	assert.Empty(t, split(dec("1"), nil))
}

func TestAllocateProRatesDiscountAndSharedCosts(t *testing.T) {
	ds := fixtureDataset()
	shares := allocate(ds.Sales[0], ds.Items[:2])
	require.Len(t, shares, 2)
	assertDec(t, "63", shares[0].revenue)
	assertDec(t, "27", shares[1].revenue)
	assertDec(t, "7", shares[0].sharedCost)
	assertDec(t, "3", shares[1].sharedCost)
}

func TestBuildByProduct(t *testing.T) {
	report, err := Build(ByProduct, june, fixtureDataset())
	require.NoError(t, err)
	require.Len(t, report.Lines, 2)

	tee := lineByKey(t, report, 1)
	assert.Equal(t, int64(9), tee.Units)
	assertDec(t, "93", tee.Revenue)
	assertDec(t, "86", tee.COGS)
	assertDec(t, "0", tee.Profit)

	wrap := lineByKey(t, report, 2)
	assert.Equal(t, "Gift wrap", wrap.Label)
	assertDec(t, "24", wrap.Profit)
	assertDec(t, "24", report.Totals.Profit)
	assert.Equal(t, 2, report.Sales)
	assert.Equal(t, 1, report.CogsPending)
}

func TestBuildByCustomer(t *testing.T) {
	report, err := Build(ByCustomer, june, fixtureDataset())
	require.NoError(t, err)
	require.Len(t, report.Lines, 2)
	assert.Equal(t, "walk-in", report.Lines[0].Label)
	assertDec(t, "18", lineByKey(t, report, 0).Profit)
	assertDec(t, "6", lineByKey(t, report, 3).Profit)
	assertDec(t, "6.67", lineByKey(t, report, 3).MarginPercent)
}

func TestBuildByPurchaseOrderTracesLots(t *testing.T) {
	report, err := Build(ByPurchaseOrder, june, fixtureDataset())
	require.NoError(t, err)
	require.Len(t, report.Lines, 3)

	first := lineByKey(t, report, 10)
	assert.Equal(t, int64(5), first.Units)
	assertDec(t, "45", first.Revenue)
	assertDec(t, "50", first.COGS)
	assertDec(t, "-10", first.Profit)
	require.NotNil(t, first.Stock)
	assert.Equal(t, SoldOut, first.Stock.SellThrough)
	assertDec(t, "50", first.Stock.CostBasis)

	second := lineByKey(t, report, 11)
	assert.Equal(t, int64(3), second.Units)
	assertDec(t, "33", second.Revenue)
	assertDec(t, "36", second.COGS)
	assertDec(t, "-5", second.Profit)
	assert.Equal(t, Partial, second.Stock.SellThrough)
	assert.Equal(t, int64(3), second.Stock.UnitsSold)
	assert.True(t, second.Stock.CostPending)

	unsourced := lineByKey(t, report, unsourcedKey)
	assert.Nil(t, unsourced.Stock)
	assert.Equal(t, int64(2), unsourced.Units)
	assertDec(t, "42", unsourced.Revenue)
	assertDec(t, "39", unsourced.Profit)
}

func TestReportTotalsReconcileWithNetProfit(t *testing.T) {
	ds := fixtureDataset()
	var net decimal.Decimal
	for _, sale := range ds.Sales {
		net = net.Add(sale.NetProfit)
	}
	for _, dim := range []Dimension{ByProduct, ByCustomer, ByPurchaseOrder} {
		report, err := Build(dim, june, ds)
		require.NoError(t, err)
		assertDec(t, net.String(), report.Totals.Profit, dim)
		assertDec(t, "120", report.Totals.Revenue, dim)
	}
}

func TestBuildRejectsUnknownDimension(t *testing.T) {
	_, err := Build("region", june, Dataset{})
	require.ErrorIs(t, err, ErrUnknownDimension)
}
