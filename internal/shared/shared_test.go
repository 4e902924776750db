package shared

import (
	"context"
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type partialErr struct{}

func (partialErr) Error() string   { return "partly committed" }
func (partialErr) RetainKey() bool { return true }

func TestGuardReleasesKeyOnFailure(t *testing.T) {
	keys := NewMemoryIdempotency()
	ctx := context.Background()

	err := Guard(ctx, keys, "sales:record:a", "sales.record", func(context.Context) error {
		return errors.New("boom")
	})
	require.EqualError(t, err, "boom")
	assert.False(t, keys.Has("sales:record:a"))

	require.NoError(t, Guard(ctx, keys, "sales:record:a", "sales.record", func(context.Context) error { return nil }))
	assert.True(t, keys.Has("sales:record:a"))

	err = Guard(ctx, keys, "sales:record:a", "sales.record", func(context.Context) error {
		t.Fatal("duplicate must not run")
		return nil
	})
	require.ErrorIs(t, err, ErrIdempotencyConflict)
}

func TestGuardRetainsKeyForPartialCommit(t *testing.T) {
	keys := NewMemoryIdempotency()

	err := Guard(context.Background(), keys, "k", "m", func(context.Context) error {
		return partialErr{}
	})
	require.Error(t, err)
	assert.True(t, keys.Has("k"))
}

func TestGuardWithoutKeyRunsDirectly(t *testing.T) {
	ran := false
	require.NoError(t, Guard(context.Background(), nil, "", "m", func(context.Context) error {
		ran = true
		return nil
	}))
	assert.True(t, ran)
}

func TestMoneyHelpers(t *testing.T) {
	d := decimal.RequireFromString
	assert.Equal(t, "2.35", RoundMoney(d("2.345")).String())
	assert.Equal(t, "-2.35", RoundMoney(d("-2.345")).String())
	assert.Equal(t, "3.3333", RoundUnitCost(d("10").Div(d("3"))).String())
	assert.Equal(t, "1.5", PercentOf(d("10"), d("15")).String())
	assert.Equal(t, "33.33", Ratio(d("1"), d("3")).String())
	assert.True(t, Ratio(d("5"), decimal.Zero).IsZero())
}

func TestVariantLockKey(t *testing.T) {
	assert.Equal(t, "ledger:variant:42:lock", VariantLockKey(42))
}
