package shared

import "github.com/shopspring/decimal"

const (
	// MoneyScale is the persisted precision of monetary amounts.
	MoneyScale int32 = 2
	// UnitCostScale keeps apportioned landed costs precise per unit.
	UnitCostScale int32 = 4
)

var hundred = decimal.NewFromInt(100)

// RoundMoney rounds an amount to cents (half away from zero).
func RoundMoney(d decimal.Decimal) decimal.Decimal {
	return d.Round(MoneyScale)
}

// RoundUnitCost rounds a per-unit cost to UnitCostScale places.
func RoundUnitCost(d decimal.Decimal) decimal.Decimal {
	return d.Round(UnitCostScale)
}

// PercentOf returns pct% of amount, rounded to cents.
func PercentOf(amount, pct decimal.Decimal) decimal.Decimal {
	return RoundMoney(amount.Mul(pct).Div(hundred))
}

// Ratio returns part/whole*100 rounded to two places, or zero when whole is not positive.
func Ratio(part, whole decimal.Decimal) decimal.Decimal {
	if !whole.IsPositive() {
		return decimal.Zero
	}
	return part.Div(whole).Mul(hundred).Round(2)
}
