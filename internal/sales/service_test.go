package sales

import (
	"context"
	"errors"
	"slices"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/odyssey-ledger/internal/ledger"
	"github.com/odyssey-erp/odyssey-ledger/internal/shared"
)

// ============================================================================
// MOCK REPOSITORY
// ============================================================================

type mockRepository struct {
	mu     sync.Mutex
	sales  map[int64]Sale
	items  map[int64][]SaleLineItem
	pools  map[int64]FixedCostPool
	usages []FixedCostUsage

	nextSaleID  int64
	nextItemID  int64
	nextUsageID int64

	consumptions func() []ledger.LotConsumption

	// Error injection
	createSaleError  error
	updateSaleError  error
	insertItemsError error
	decrementPoolErr error
	deleteItemsError error
}

func newMockRepository() *mockRepository {
	return &mockRepository{
		sales: make(map[int64]Sale),
		items: make(map[int64][]SaleLineItem),
		pools: make(map[int64]FixedCostPool),
	}
}

func (m *mockRepository) CreateSale(_ context.Context, sale Sale) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.createSaleError != nil {
		return 0, m.createSaleError
	}
	m.nextSaleID++
	sale.ID = m.nextSaleID
	sale.Items = nil
	m.sales[sale.ID] = sale
	return sale.ID, nil
}

func (m *mockRepository) UpdateSale(_ context.Context, sale Sale) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.updateSaleError != nil {
		return m.updateSaleError
	}
	if _, ok := m.sales[sale.ID]; !ok {
		return ErrSaleNotFound
	}
	sale.Items = nil
	m.sales[sale.ID] = sale
	return nil
}

func (m *mockRepository) DeleteSale(_ context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sales, id)
	return nil
}

func (m *mockRepository) GetSale(_ context.Context, id int64) (Sale, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sale, ok := m.sales[id]
	if !ok {
		return Sale{}, ErrSaleNotFound
	}
	return sale, nil
}

func (m *mockRepository) InsertItems(_ context.Context, saleID int64, items []SaleLineItem) ([]SaleLineItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.insertItemsError != nil {
		return nil, m.insertItemsError
	}
	out := make([]SaleLineItem, 0, len(items))
	for _, item := range items {
		m.nextItemID++
		item.ID = m.nextItemID
		item.SaleID = saleID
		out = append(out, item)
	}
	m.items[saleID] = append(m.items[saleID], out...)
	return out, nil
}

func (m *mockRepository) ListItems(_ context.Context, saleID int64) ([]SaleLineItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.items[saleID]), nil
}

func (m *mockRepository) DeleteItems(_ context.Context, saleID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.deleteItemsError != nil {
		return m.deleteItemsError
	}
	delete(m.items, saleID)
	return nil
}

func (m *mockRepository) GetPools(_ context.Context, ids []int64) ([]FixedCostPool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []FixedCostPool
	for _, id := range ids {
		if pool, ok := m.pools[id]; ok {
			out = append(out, pool)
		}
	}
	return out, nil
}

func (m *mockRepository) DecrementPool(_ context.Context, poolID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.decrementPoolErr != nil {
		return m.decrementPoolErr
	}
	pool := m.pools[poolID]
	if pool.RemainingUnits <= 0 {
		return ErrPoolExhausted
	}
	pool.RemainingUnits--
	m.pools[poolID] = pool
	return nil
}

func (m *mockRepository) IncrementPool(_ context.Context, poolID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	pool, ok := m.pools[poolID]
	if !ok {
		return ErrPoolNotFound
	}
	pool.RemainingUnits++
	m.pools[poolID] = pool
	return nil
}

func (m *mockRepository) InsertPoolUsage(_ context.Context, usage FixedCostUsage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextUsageID++
	usage.ID = m.nextUsageID
	m.usages = append(m.usages, usage)
	return nil
}

func (m *mockRepository) ListPoolUsage(_ context.Context, saleID int64) ([]FixedCostUsage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []FixedCostUsage
	for _, u := range m.usages {
		if u.SaleID == saleID {
			out = append(out, u)
		}
	}
	return out, nil
}

func (m *mockRepository) DeletePoolUsage(_ context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.usages = slices.DeleteFunc(m.usages, func(u FixedCostUsage) bool { return u.ID == id })
	return nil
}

func (m *mockRepository) ListCogsPending(_ context.Context) ([]PendingCogs, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []PendingCogs
	for id, sale := range m.sales {
		if sale.CogsPending {
			out = append(out, PendingCogs{SaleID: id})
		}
	}
	return out, nil
}

func (m *mockRepository) MarkCogsPendingByLots(_ context.Context, lotIDs []int64) (int, error) {
	var rows []ledger.LotConsumption
	if m.consumptions != nil {
		rows = m.consumptions()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	itemSale := make(map[int64]int64)
	for saleID, items := range m.items {
		for _, item := range items {
			itemSale[item.ID] = saleID
		}
	}
	flagged := 0
	for _, row := range rows {
		if !slices.Contains(lotIDs, row.LotID) {
			continue
		}
		sale, ok := m.sales[itemSale[row.SaleItemID]]
		if !ok || sale.CogsPending {
			continue
		}
		sale.CogsPending = true
		m.sales[sale.ID] = sale
		flagged++
	}
	return flagged, nil
}

func (m *mockRepository) pool(id int64) FixedCostPool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pools[id]
}

// faultyLedgerRepo injects store failures below the ledger service.
type faultyLedgerRepo struct {
	*ledger.MemoryRepository
	consumptionsError error
	entriesError      error

	// failConsumptionsCall fails only the nth InsertConsumptions call, counting from 1.
	failConsumptionsCall int32
	consumptionCalls     atomic.Int32
}

func (r *faultyLedgerRepo) InsertConsumptions(ctx context.Context, rows []ledger.LotConsumption) error {
	if r.consumptionsError != nil {
		return r.consumptionsError
	}
	if call := r.consumptionCalls.Add(1); call == r.failConsumptionsCall {
		return errors.New("audit write lost")
	}
	return r.MemoryRepository.InsertConsumptions(ctx, rows)
}

func (r *faultyLedgerRepo) InsertEntries(ctx context.Context, entries []ledger.StockLedgerEntry) error {
	if r.entriesError != nil {
		return r.entriesError
	}
	return r.MemoryRepository.InsertEntries(ctx, entries)
}

type countingObserver struct {
	mu       sync.Mutex
	outcomes map[string][]Outcome
}

func (o *countingObserver) SagaFinished(operation string, outcome Outcome) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.outcomes[operation] = append(o.outcomes[operation], outcome)
}

type countingInvalidator struct {
	mu    sync.Mutex
	calls int
}

func (i *countingInvalidator) Invalidate(context.Context) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.calls++
	return nil
}

// ============================================================================
// TEST HARNESS
// ============================================================================

type testService struct {
	*Service
	repo        *mockRepository
	ledger      *ledger.Service
	lots        *ledger.MemoryRepository
	ledgerRepo  *faultyLedgerRepo
	idempotency *shared.MemoryIdempotency
	observer    *countingObserver
	invalidator *countingInvalidator
}

var day1 = time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)

func newTestService(policy ledger.ShortfallPolicy) *testService {
	lots := ledger.NewMemoryRepository()
	lots.Seed(
		ledger.InventoryLot{ID: 1, VariantID: 1, PurchaseOrderID: 10, QuantityReceived: 5, QuantityRemaining: 5, UnitCost: dec("10.00"), ReceivedAt: day1},
		ledger.InventoryLot{ID: 2, VariantID: 1, PurchaseOrderID: 11, QuantityReceived: 5, QuantityRemaining: 5, UnitCost: dec("12.00"), ReceivedAt: day1.AddDate(0, 0, 2)},
	)
	ledgerRepo := &faultyLedgerRepo{MemoryRepository: lots}
	idem := shared.NewMemoryIdempotency()
	ledgerSvc := ledger.NewService(ledgerRepo, idem, ledger.Config{ShortfallPolicy: policy, LegacyReversal: true}, nil, nil)

	repo := newMockRepository()
	repo.consumptions = lots.Consumptions
	repo.pools[1] = FixedCostPool{ID: 1, Name: "packaging", UnitCost: dec("2.00"), RemainingUnits: 3}

	svc := NewService(repo, ledgerSvc, ledger.NewLocalLocker(), nil, idem, nil)
	observer := &countingObserver{outcomes: make(map[string][]Outcome)}
	invalidator := &countingInvalidator{}
	svc.SetObserver(observer)
	svc.SetInvalidator(invalidator)
	svc.WithNow(func() time.Time { return day1.AddDate(0, 0, 5) })
	return &testService{
		Service:     svc,
		repo:        repo,
		ledger:      ledgerSvc,
		lots:        lots,
		ledgerRepo:  ledgerRepo,
		idempotency: idem,
		observer:    observer,
		invalidator: invalidator,
	}
}

// scenarioInput sells 7 units of variant 1 at 10.00 plus a 30.00 service line:
// gross 100, 10% discount, fee 5, shipping 3, packaging 2.
func scenarioInput() SaleInput {
	return SaleInput{
		CustomerID:       3,
		DiscountPercent:  dec("10"),
		PaymentFee:       dec("5"),
		Shipping:         dec("3"),
		FixedCostPoolIDs: []int64{1},
		Lines: []LineInput{
			{ProductID: 1, VariantID: 1, ProductLabel: "Tee", VariantLabel: "Black", Size: "M", Quantity: 7, UnitPrice: dec("10")},
			{ProductID: 2, ProductLabel: "Gift wrap", Quantity: 1, UnitPrice: dec("30")},
		},
	}
}

func (ts *testService) remaining(t *testing.T, lotID int64) int64 {
	t.Helper()
	lot, ok := ts.lots.Lot(lotID)
	require.True(t, ok)
	return lot.QuantityRemaining
}

// ============================================================================
// RECORD SALE
// ============================================================================

func TestRecordSaleConsumesFIFOAndDerivesMargin(t *testing.T) {
	ts := newTestService(ledger.ShortfallAcknowledge)
	ctx := context.Background()

	res, err := ts.RecordSale(ctx, scenarioInput())
	require.NoError(t, err)
	require.NotZero(t, res.SaleID)
	assert.Empty(t, res.Warnings)
	assert.False(t, res.CogsPending)

	assert.Equal(t, int64(0), ts.remaining(t, 1))
	assert.Equal(t, int64(3), ts.remaining(t, 2))

	sale, err := ts.GetSale(ctx, res.SaleID)
	require.NoError(t, err)
	require.Len(t, sale.Items, 2)
	assert.True(t, dec("100").Equal(sale.GrossAmount))
	assert.True(t, dec("90").Equal(sale.GrossAfterDiscount))
	assert.True(t, dec("2").Equal(sale.FixedCostsApplied))
	assert.True(t, dec("74").Equal(sale.ProductCost), sale.ProductCost.String())
	assert.True(t, dec("6").Equal(sale.NetProfit), sale.NetProfit.String())
	assert.True(t, dec("6.67").Equal(sale.MarginPercent))
	assert.True(t, dec("74").Equal(sale.Items[0].COGS))
	assert.True(t, sale.Items[1].COGS.IsZero())
	require.NoError(t, CheckMarginIdentity(sale))

	rows := ts.lots.Consumptions()
	require.Len(t, rows, 2)
	assert.Equal(t, int64(1), rows[0].LotID)
	assert.Equal(t, int64(5), rows[0].QuantityConsumed)
	assert.Equal(t, int64(2), rows[1].LotID)
	assert.Equal(t, int64(2), rows[1].QuantityConsumed)

	entries := ts.lots.Entries()
	require.Len(t, entries, 1)
	assert.Equal(t, ledger.EntryOut, entries[0].Type)
	assert.Equal(t, int64(7), entries[0].Quantity)
	assert.Equal(t, res.SaleID, entries[0].ReferenceID)

	assert.Equal(t, int64(2), ts.repo.pool(1).RemainingUnits)
	assert.Len(t, ts.repo.usages, 1)
	assert.Equal(t, []Outcome{Committed}, ts.observer.outcomes[opRecord])
	assert.Equal(t, 1, ts.invalidator.calls)
}

func TestRecordSalePersistFailureRestoresLots(t *testing.T) {
	ts := newTestService(ledger.ShortfallAcknowledge)
	ts.repo.createSaleError = errors.New("insert failed")
	in := scenarioInput()
	in.IdempotencyKey = "checkout-1"

	_, err := ts.RecordSale(context.Background(), in)
	se, ok := AsSaleError(err)
	require.True(t, ok)
	assert.Equal(t, KindConsumptionPersist, se.Kind)
	assert.Equal(t, PhasePersistSale, se.Phase)
	assert.Equal(t, CompensatedFailure, se.Outcome)
	assert.Zero(t, se.SaleID)
	assert.Empty(t, se.RollbackFailures)

	assert.Equal(t, int64(5), ts.remaining(t, 1))
	assert.Equal(t, int64(5), ts.remaining(t, 2))
	assert.Empty(t, ts.lots.Consumptions())
	assert.Equal(t, int64(3), ts.repo.pool(1).RemainingUnits)
	assert.False(t, ts.idempotency.Has("sales:record:checkout-1"))
	assert.Equal(t, 0, ts.invalidator.calls)
}

func TestRecordSaleItemsFailureLeavesFlaggedPartialSale(t *testing.T) {
	ts := newTestService(ledger.ShortfallAcknowledge)
	ts.repo.insertItemsError = errors.New("insert items failed")
	ctx := context.Background()
	in := scenarioInput()
	in.IdempotencyKey = "checkout-2"

	_, err := ts.RecordSale(ctx, in)
	se, ok := AsSaleError(err)
	require.True(t, ok)
	assert.Equal(t, KindPartialSave, se.Kind)
	assert.Equal(t, UncompensatedFailure, se.Outcome)
	require.NotZero(t, se.SaleID)
	assert.True(t, se.RetainKey())

	sale, err := ts.GetSale(ctx, se.SaleID)
	require.NoError(t, err)
	assert.Empty(t, sale.Items)
	assert.Equal(t, int64(0), ts.remaining(t, 1), "consumption is not rolled back")
	assert.True(t, ts.idempotency.Has("sales:record:checkout-2"))
	assert.Equal(t, []Outcome{UncompensatedFailure}, ts.observer.outcomes[opRecord])
}

func TestRecordSaleSecondaryPhaseFailuresAreWarnings(t *testing.T) {
	ts := newTestService(ledger.ShortfallAcknowledge)
	ts.ledgerRepo.consumptionsError = errors.New("audit down")
	ts.ledgerRepo.entriesError = errors.New("ledger down")
	ts.repo.decrementPoolErr = errors.New("pool down")

	res, err := ts.RecordSale(context.Background(), scenarioInput())
	require.NoError(t, err)
	kinds := make([]Kind, 0, len(res.Warnings))
	for _, w := range res.Warnings {
		kinds = append(kinds, w.Kind)
	}
	assert.Contains(t, kinds, KindAuditWrite)
	assert.Contains(t, kinds, KindLedgerEntryWrite)
	assert.Contains(t, kinds, KindFixedCostApply)
	assert.Equal(t, int64(3), ts.remaining(t, 2))
}

func TestRecordSalePreorderTouchesNoInventory(t *testing.T) {
	ts := newTestService(ledger.ShortfallReject)
	in := scenarioInput()
	in.IsPreorder = true
	in.Lines[0].Quantity = 50

	res, err := ts.RecordSale(context.Background(), in)
	require.NoError(t, err)
	assert.Equal(t, int64(5), ts.remaining(t, 1))
	assert.Empty(t, ts.lots.Consumptions())
	assert.Empty(t, ts.lots.Entries())
	assert.Empty(t, ts.repo.usages)

	sale, err := ts.GetSale(context.Background(), res.SaleID)
	require.NoError(t, err)
	assert.True(t, sale.ProductCost.IsZero())
	assert.True(t, sale.FixedCostsApplied.IsZero())
}

func TestRecordSaleShortfallPolicies(t *testing.T) {
	over := func() SaleInput {
		in := scenarioInput()
		in.Lines[0].Quantity = 12
		return in
	}

	t.Run("reject", func(t *testing.T) {
		ts := newTestService(ledger.ShortfallReject)
		in := over()
		in.AcknowledgeShortfall = true
		_, err := ts.RecordSale(context.Background(), in)
		se, ok := AsSaleError(err)
		require.True(t, ok)
		assert.Equal(t, KindInsufficientStock, se.Kind)
		assert.ErrorIs(t, err, ledger.ErrInsufficientStock)
		assert.Equal(t, int64(5), ts.remaining(t, 1))
	})

	t.Run("acknowledge requires confirmation", func(t *testing.T) {
		ts := newTestService(ledger.ShortfallAcknowledge)
		_, err := ts.RecordSale(context.Background(), over())
		assert.ErrorIs(t, err, ledger.ErrInsufficientStock)

		in := over()
		in.AcknowledgeShortfall = true
		res, err := ts.RecordSale(context.Background(), in)
		require.NoError(t, err)
		assert.Equal(t, int64(2), res.ShortfallUnits)
	})

	t.Run("allow", func(t *testing.T) {
		ts := newTestService(ledger.ShortfallAllow)
		res, err := ts.RecordSale(context.Background(), over())
		require.NoError(t, err)
		assert.Equal(t, int64(2), res.ShortfallUnits)

		sale, err := ts.GetSale(context.Background(), res.SaleID)
		require.NoError(t, err)
		assert.True(t, dec("110").Equal(sale.ProductCost), "shortfall units carry no cost")
	})
}

func TestRecordSaleIdempotencyKey(t *testing.T) {
	ts := newTestService(ledger.ShortfallAcknowledge)
	in := scenarioInput()
	in.Lines[0].Quantity = 1
	in.IdempotencyKey = "abc"

	_, err := ts.RecordSale(context.Background(), in)
	require.NoError(t, err)
	_, err = ts.RecordSale(context.Background(), in)
	assert.ErrorIs(t, err, ErrDuplicateRequest)
	assert.Equal(t, int64(4), ts.remaining(t, 1))
}

func TestRecordSaleValidatesInput(t *testing.T) {
	ts := newTestService(ledger.ShortfallAcknowledge)
	in := scenarioInput()
	in.Lines[0].Quantity = 0
	_, err := ts.RecordSale(context.Background(), in)
	assert.ErrorIs(t, err, shared.ErrValidation)

	in = scenarioInput()
	in.FixedCostPoolIDs = []int64{99}
	_, err = ts.RecordSale(context.Background(), in)
	assert.ErrorIs(t, err, ErrPoolNotFound)
	assert.Equal(t, int64(5), ts.remaining(t, 1))
}

// ============================================================================
// UPDATE / DELETE
// ============================================================================

func TestDeleteSaleRestoresEverything(t *testing.T) {
	ts := newTestService(ledger.ShortfallAcknowledge)
	ctx := context.Background()
	res, err := ts.RecordSale(ctx, scenarioInput())
	require.NoError(t, err)

	out, err := ts.DeleteSale(ctx, res.SaleID)
	require.NoError(t, err)
	require.NotNil(t, out.Reversal)
	assert.True(t, out.Reversal.Audited)
	assert.Equal(t, int64(7), out.Reversal.RestoredUnits)
	assert.Equal(t, 1, out.Reversal.PoolsRestored)

	assert.Equal(t, int64(5), ts.remaining(t, 1))
	assert.Equal(t, int64(5), ts.remaining(t, 2))
	assert.Empty(t, ts.lots.Consumptions())
	assert.Empty(t, ts.lots.Entries())
	assert.Equal(t, int64(3), ts.repo.pool(1).RemainingUnits)
	assert.Empty(t, ts.repo.usages)

	_, err = ts.GetSale(ctx, res.SaleID)
	assert.ErrorIs(t, err, ErrSaleNotFound)
}

func TestDeleteSaleWithoutAuditRowsIsFlagged(t *testing.T) {
	ts := newTestService(ledger.ShortfallAcknowledge)
	ts.ledgerRepo.consumptionsError = errors.New("audit down")
	ctx := context.Background()
	res, err := ts.RecordSale(ctx, scenarioInput())
	require.NoError(t, err)

	out, err := ts.DeleteSale(ctx, res.SaleID)
	require.NoError(t, err)
	assert.True(t, out.Reversal.Inconsistent)
	require.Len(t, out.Warnings, 1)
	assert.Equal(t, KindReversalInconsistency, out.Warnings[0].Kind)
	assert.Equal(t, int64(5), ts.remaining(t, 1))
	assert.Equal(t, int64(5), ts.remaining(t, 2))
}

// twoVariantInput sells 2 units of variant 1 and 3 units of variant 2.
func twoVariantInput() SaleInput {
	return SaleInput{
		CustomerID: 3,
		Lines: []LineInput{
			{ProductID: 1, VariantID: 1, Quantity: 2, UnitPrice: dec("20")},
			{ProductID: 4, VariantID: 2, Quantity: 3, UnitPrice: dec("9")},
		},
	}
}

func (ts *testService) seedVariantTwo() {
	ts.lots.Seed(ledger.InventoryLot{ID: 3, VariantID: 2, PurchaseOrderID: 12, QuantityReceived: 5, QuantityRemaining: 5, UnitCost: dec("4.00"), ReceivedAt: day1})
}

func TestDeleteSaleRestoresItemMissingAuditRows(t *testing.T) {
	ts := newTestService(ledger.ShortfallAcknowledge)
	ts.seedVariantTwo()
	ts.ledgerRepo.failConsumptionsCall = 2
	ctx := context.Background()

	res, err := ts.RecordSale(ctx, twoVariantInput())
	require.NoError(t, err)
	require.Len(t, res.Warnings, 1)
	assert.Equal(t, KindAuditWrite, res.Warnings[0].Kind)
	assert.Equal(t, int64(3), ts.remaining(t, 1))
	assert.Equal(t, int64(2), ts.remaining(t, 3))

	out, err := ts.DeleteSale(ctx, res.SaleID)
	require.NoError(t, err)
	assert.Equal(t, int64(5), ts.remaining(t, 1))
	assert.Equal(t, int64(5), ts.remaining(t, 3))
	assert.Equal(t, int64(5), out.Reversal.RestoredUnits)
	assert.False(t, out.Reversal.Audited)
	assert.True(t, out.Reversal.Inconsistent)
	require.Len(t, out.Warnings, 1)
	assert.Equal(t, KindReversalInconsistency, out.Warnings[0].Kind)
	assert.Empty(t, ts.lots.Consumptions())
}

func TestUpdateSaleCreditsItemMissingAuditRows(t *testing.T) {
	ts := newTestService(ledger.ShortfallReject)
	ts.seedVariantTwo()
	ts.ledgerRepo.failConsumptionsCall = 2
	ctx := context.Background()

	res, err := ts.RecordSale(ctx, twoVariantInput())
	require.NoError(t, err)

	in := twoVariantInput()
	in.Lines[1].Quantity = 5
	out, err := ts.UpdateSale(ctx, res.SaleID, in)
	require.NoError(t, err)
	assert.True(t, out.Reversal.Inconsistent)
	assert.Equal(t, int64(0), ts.remaining(t, 3))
	assert.Equal(t, int64(3), ts.remaining(t, 1))
}

func TestDeleteSaleLeavesShortfallUnitsOut(t *testing.T) {
	ts := newTestService(ledger.ShortfallAllow)
	ctx := context.Background()

	in := scenarioInput()
	in.Lines[0].Quantity = 12
	res, err := ts.RecordSale(ctx, in)
	require.NoError(t, err)
	require.Equal(t, int64(2), res.ShortfallUnits)

	sale, err := ts.GetSale(ctx, res.SaleID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), sale.Items[0].ShortfallUnits)

	out, err := ts.DeleteSale(ctx, res.SaleID)
	require.NoError(t, err)
	assert.True(t, out.Reversal.Audited)
	assert.False(t, out.Reversal.Inconsistent)
	assert.Equal(t, int64(10), out.Reversal.RestoredUnits)
	assert.Equal(t, int64(5), ts.remaining(t, 1))
	assert.Equal(t, int64(5), ts.remaining(t, 2))
}

func TestConcurrentSalesRejectOversellOfLastUnits(t *testing.T) {
	ts := newTestService(ledger.ShortfallReject)
	ts.lots.Seed(ledger.InventoryLot{ID: 3, VariantID: 2, PurchaseOrderID: 12, QuantityReceived: 9, QuantityRemaining: 9, UnitCost: dec("4.00"), ReceivedAt: day1})
	ctx := context.Background()

	const buyers = 10
	errs := make(chan error, buyers)
	var wg sync.WaitGroup
	for range buyers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := ts.RecordSale(ctx, SaleInput{
				CustomerID: 3,
				Lines:      []LineInput{{ProductID: 4, VariantID: 2, Quantity: 1, UnitPrice: dec("9")}},
			})
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	var succeeded, rejected int
	for err := range errs {
		if err == nil {
			succeeded++
			continue
		}
		se, ok := AsSaleError(err)
		require.True(t, ok, err)
		assert.Equal(t, KindInsufficientStock, se.Kind)
		rejected++
	}
	assert.Equal(t, buyers-1, succeeded)
	assert.Equal(t, 1, rejected)
	assert.Equal(t, int64(0), ts.remaining(t, 3))

	violations, err := ts.ledger.CheckIntegrity(ctx)
	require.NoError(t, err)
	assert.Empty(t, violations)
}

func TestUpdateSaleReappliesWithNewLines(t *testing.T) {
	ts := newTestService(ledger.ShortfallAcknowledge)
	ctx := context.Background()
	res, err := ts.RecordSale(ctx, scenarioInput())
	require.NoError(t, err)

	in := scenarioInput()
	in.Lines[0].Quantity = 3
	out, err := ts.UpdateSale(ctx, res.SaleID, in)
	require.NoError(t, err)
	assert.Equal(t, int64(7), out.Reversal.RestoredUnits)

	assert.Equal(t, int64(2), ts.remaining(t, 1))
	assert.Equal(t, int64(5), ts.remaining(t, 2))

	sale, err := ts.GetSale(ctx, res.SaleID)
	require.NoError(t, err)
	require.Len(t, sale.Items, 2)
	assert.True(t, dec("30").Equal(sale.ProductCost))
	assert.True(t, dec("2").Equal(sale.FixedCostsApplied), "fixed costs survive edits")
	assert.Equal(t, int64(2), ts.repo.pool(1).RemainingUnits)
	require.NoError(t, CheckMarginIdentity(sale))

	rows := ts.lots.Consumptions()
	require.Len(t, rows, 1)
	assert.Equal(t, sale.Items[0].ID, rows[0].SaleItemID)
	require.Len(t, ts.lots.Entries(), 1)
}

func TestUpdateSaleCountsOwnUnitsAsAvailable(t *testing.T) {
	ts := newTestService(ledger.ShortfallReject)
	ctx := context.Background()
	res, err := ts.RecordSale(ctx, scenarioInput())
	require.NoError(t, err)

	in := scenarioInput()
	in.Lines[0].Quantity = 10
	_, err = ts.UpdateSale(ctx, res.SaleID, in)
	require.NoError(t, err)
	assert.Equal(t, int64(0), ts.remaining(t, 1))
	assert.Equal(t, int64(0), ts.remaining(t, 2))

	in.Lines[0].Quantity = 11
	_, err = ts.UpdateSale(ctx, res.SaleID, in)
	assert.ErrorIs(t, err, ledger.ErrInsufficientStock)
	assert.Equal(t, int64(0), ts.remaining(t, 2), "rejected edit leaves the sale untouched")
}

func TestUpdateSaleFailureAfterReversalIsPartial(t *testing.T) {
	ts := newTestService(ledger.ShortfallAcknowledge)
	ctx := context.Background()
	res, err := ts.RecordSale(ctx, scenarioInput())
	require.NoError(t, err)

	ts.repo.updateSaleError = errors.New("update failed")
	_, err = ts.UpdateSale(ctx, res.SaleID, scenarioInput())
	se, ok := AsSaleError(err)
	require.True(t, ok)
	assert.Equal(t, PhasePersistSale, se.Phase)
	assert.Equal(t, UncompensatedFailure, se.Outcome)
	assert.Equal(t, res.SaleID, se.SaleID)

	assert.Equal(t, int64(5), ts.remaining(t, 1))
	assert.Equal(t, int64(5), ts.remaining(t, 2))

	ts.repo.updateSaleError = nil
	_, err = ts.UpdateSale(ctx, res.SaleID, scenarioInput())
	require.NoError(t, err)
	assert.Equal(t, int64(3), ts.remaining(t, 2))
}

func TestScanPendingCogs(t *testing.T) {
	ts := newTestService(ledger.ShortfallAcknowledge)
	ts.repo.sales[40] = Sale{ID: 40, CogsPending: true}
	ts.repo.sales[41] = Sale{ID: 41}

	summary, err := ts.ScanPendingCogs(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Pending)
	assert.Equal(t, []int64{40}, summary.Reconcilable)
}

func TestFlagCogsPendingMarksConsumingSales(t *testing.T) {
	ts := newTestService(ledger.ShortfallAcknowledge)
	ctx := context.Background()
	res, err := ts.RecordSale(ctx, scenarioInput())
	require.NoError(t, err)
	require.False(t, ts.repo.sales[res.SaleID].CogsPending)
	before := ts.invalidator.calls

	flagged, err := ts.FlagCogsPending(ctx, []int64{2})
	require.NoError(t, err)
	assert.Equal(t, 1, flagged)
	assert.True(t, ts.repo.sales[res.SaleID].CogsPending)
	assert.Greater(t, ts.invalidator.calls, before)

	flagged, err = ts.FlagCogsPending(ctx, []int64{2})
	require.NoError(t, err)
	assert.Zero(t, flagged)
}

func TestSaleItemsGross(t *testing.T) {
	item := SaleLineItem{Quantity: 3, UnitPrice: decimal.RequireFromString("2.50")}
	assert.True(t, dec("7.5").Equal(item.Gross()))
}
