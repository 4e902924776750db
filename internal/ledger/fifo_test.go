package ledger

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

var day = time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

func lot(id, variantID int64, dayOffset int, qty int64, cost string) InventoryLot {
	return InventoryLot{
		ID:                id,
		VariantID:         variantID,
		PurchaseOrderID:   100 + id,
		QuantityReceived:  qty,
		QuantityRemaining: qty,
		UnitCost:          decimal.RequireFromString(cost),
		ReceivedAt:        day.AddDate(0, 0, dayOffset),
	}
}

func TestPlanFIFOSpansLotsOldestFirst(t *testing.T) {
	lots := []InventoryLot{lot(2, 1, 2, 5, "12.00"), lot(1, 1, 0, 5, "10.00")}

	plan, err := PlanFIFO(1, lots, 7)
	require.NoError(t, err)
	require.Len(t, plan.Lines, 2)
	require.Equal(t, int64(1), plan.Lines[0].LotID)
	require.Equal(t, int64(5), plan.Lines[0].Quantity)
	require.Equal(t, int64(2), plan.Lines[1].LotID)
	require.Equal(t, int64(2), plan.Lines[1].Quantity)
	require.True(t, decimal.NewFromInt(74).Equal(plan.TotalCost), plan.TotalCost.String())
	require.Zero(t, plan.Shortfall())
}

func TestPlanFIFOTieBreaksOnLotID(t *testing.T) {
	a := lot(9, 1, 0, 1, "3.00")
	b := lot(4, 1, 0, 1, "5.00")

	plan, err := PlanFIFO(1, []InventoryLot{a, b}, 1)
	require.NoError(t, err)
	require.Equal(t, int64(4), plan.Lines[0].LotID)
}

func TestPlanFIFOShortfallCarriesNoCost(t *testing.T) {
	lots := []InventoryLot{lot(1, 1, 0, 3, "2.50")}

	plan, err := PlanFIFO(1, lots, 5)
	require.NoError(t, err)
	require.Equal(t, int64(3), plan.Fulfilled)
	require.Equal(t, int64(2), plan.Shortfall())
	require.True(t, decimal.RequireFromString("7.5").Equal(plan.TotalCost))
}

func TestPlanFIFOSkipsOtherVariantsAndEmptyLots(t *testing.T) {
	empty := lot(1, 1, 0, 4, "1.00")
	empty.QuantityRemaining = 0
	other := lot(2, 2, 0, 4, "1.00")
	pending := lot(3, 1, 1, 4, "2.00")
	pending.CostPendingTax = true

	plan, err := PlanFIFO(1, []InventoryLot{empty, other, pending}, 2)
	require.NoError(t, err)
	require.Len(t, plan.Lines, 1)
	require.Equal(t, int64(3), plan.Lines[0].LotID)
	require.True(t, plan.CostPending)
}

func TestPlanFIFORejectsNonPositiveQuantity(t *testing.T) {
	_, err := PlanFIFO(1, nil, 0)
	require.ErrorIs(t, err, ErrInvalidQuantity)
}

func TestLoadLotValidatesRemaining(t *testing.T) {
	bad := lot(1, 1, 0, 5, "1.00")
	bad.QuantityRemaining = 6
	_, err := LoadLot(bad)
	require.ErrorIs(t, err, ErrInvalidLot)

	_, err = NewLot(1, 1, 1, 0, decimal.Zero, day, false)
	require.ErrorIs(t, err, ErrInvalidLot)
}

func TestShortfallPolicyCheck(t *testing.T) {
	shortages := []Shortage{{VariantID: 1, Requested: 5, Available: 3}}

	require.ErrorIs(t, ShortfallReject.Check(shortages, true), ErrInsufficientStock)
	require.ErrorIs(t, ShortfallAcknowledge.Check(shortages, false), ErrInsufficientStock)
	require.NoError(t, ShortfallAcknowledge.Check(shortages, true))
	require.NoError(t, ShortfallAllow.Check(shortages, false))
	require.NoError(t, ShortfallReject.Check(nil, false))
	require.Equal(t, int64(2), shortages[0].Missing())
}
