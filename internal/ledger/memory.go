package ledger

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"sync"
)

// MemoryRepository is an in-process RepositoryPort with the same single-statement
// semantics as Repository. It backs tests of the ledger and its callers.
type MemoryRepository struct {
	mu           sync.Mutex
	lots         map[int64]InventoryLot
	consumptions []LotConsumption
	entries      []StockLedgerEntry
	nextLot      int64
	nextRow      int64
	nextEntry    int64
}

// NewMemoryRepository constructs MemoryRepository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{lots: make(map[int64]InventoryLot)}
}

// Seed stores lots as-is, assigning ids to lots without one.
func (m *MemoryRepository) Seed(lots ...InventoryLot) []InventoryLot {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]InventoryLot, 0, len(lots))
	for _, lot := range lots {
		if lot.ID == 0 {
			m.nextLot++
			lot.ID = m.nextLot
		} else if lot.ID > m.nextLot {
			m.nextLot = lot.ID
		}
		m.lots[lot.ID] = lot
		out = append(out, lot)
	}
	return out
}

// Lot returns a copy of one lot.
func (m *MemoryRepository) Lot(id int64) (InventoryLot, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	lot, ok := m.lots[id]
	return lot, ok
}

// Consumptions returns a copy of every audit row.
func (m *MemoryRepository) Consumptions() []LotConsumption {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.consumptions)
}

// Entries returns a copy of every stock ledger entry.
func (m *MemoryRepository) Entries() []StockLedgerEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.entries)
}

func (m *MemoryRepository) InsertLots(_ context.Context, lots []InventoryLot) ([]InventoryLot, error) {
	return m.Seed(lots...), nil
}

func (m *MemoryRepository) ListOpenLots(_ context.Context, variantID int64) ([]InventoryLot, error) {
	return m.filter(func(l InventoryLot) bool { return l.VariantID == variantID && l.QuantityRemaining > 0 })
}

func (m *MemoryRepository) ListLotsByVariant(_ context.Context, variantID int64) ([]InventoryLot, error) {
	return m.filter(func(l InventoryLot) bool { return l.VariantID == variantID })
}

func (m *MemoryRepository) ListLotsByPurchaseOrder(_ context.Context, purchaseOrderID int64) ([]InventoryLot, error) {
	return m.filter(func(l InventoryLot) bool { return l.PurchaseOrderID == purchaseOrderID })
}

// filter validates every matching lot the way ScanLot does for stored rows.
func (m *MemoryRepository) filter(keep func(InventoryLot) bool) ([]InventoryLot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []InventoryLot
	for _, lot := range m.lots {
		if !keep(lot) {
			continue
		}
		if _, err := LoadLot(lot); err != nil {
			return nil, err
		}
		out = append(out, lot)
	}
	SortFIFO(out)
	return out, nil
}

func (m *MemoryRepository) DecrementLot(_ context.Context, lotID, quantity int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	lot, ok := m.lots[lotID]
	if !ok {
		return 0, fmt.Errorf("%w: %d", ErrLotNotFound, lotID)
	}
	if lot.QuantityRemaining < quantity {
		return 0, fmt.Errorf("%w: %d", ErrLotContention, lotID)
	}
	lot.QuantityRemaining -= quantity
	m.lots[lotID] = lot
	return lot.QuantityRemaining, nil
}

func (m *MemoryRepository) IncrementLot(_ context.Context, lotID, quantity int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	lot, ok := m.lots[lotID]
	if !ok {
		return 0, fmt.Errorf("%w: %d", ErrLotNotFound, lotID)
	}
	if lot.QuantityRemaining+quantity > lot.QuantityReceived {
		return 0, fmt.Errorf("%w: %d", ErrLotOverRestore, lotID)
	}
	lot.QuantityRemaining += quantity
	m.lots[lotID] = lot
	return lot.QuantityRemaining, nil
}

func (m *MemoryRepository) UpdateLotCost(_ context.Context, update CostUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	lot, ok := m.lots[update.LotID]
	if !ok {
		return fmt.Errorf("%w: %d", ErrLotNotFound, update.LotID)
	}
	lot.UnitCost = update.UnitCost
	lot.CostPendingTax = update.CostPending
	m.lots[update.LotID] = lot
	return nil
}

func (m *MemoryRepository) InsertConsumptions(_ context.Context, rows []LotConsumption) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, row := range rows {
		m.nextRow++
		row.ID = m.nextRow
		m.consumptions = append(m.consumptions, row)
	}
	return nil
}

func (m *MemoryRepository) ListConsumptionsByItems(_ context.Context, saleItemIDs []int64) ([]LotConsumption, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []LotConsumption
	for _, row := range m.consumptions {
		if slices.Contains(saleItemIDs, row.SaleItemID) {
			out = append(out, row)
		}
	}
	return out, nil
}

func (m *MemoryRepository) DeleteConsumption(_ context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.consumptions = slices.DeleteFunc(m.consumptions, func(row LotConsumption) bool { return row.ID == id })
	return nil
}

func (m *MemoryRepository) InsertEntries(_ context.Context, entries []StockLedgerEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, entry := range entries {
		m.nextEntry++
		entry.ID = m.nextEntry
		m.entries = append(m.entries, entry)
	}
	return nil
}

func (m *MemoryRepository) ListEntriesByReference(_ context.Context, refType ReferenceType, refID int64) ([]StockLedgerEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []StockLedgerEntry
	for _, entry := range m.entries {
		if entry.ReferenceType == refType && entry.ReferenceID == refID {
			out = append(out, entry)
		}
	}
	return out, nil
}

func (m *MemoryRepository) DeleteEntriesByReference(_ context.Context, refType ReferenceType, refID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = slices.DeleteFunc(m.entries, func(e StockLedgerEntry) bool {
		return e.ReferenceType == refType && e.ReferenceID == refID
	})
	return nil
}

func (m *MemoryRepository) ListLotUsage(_ context.Context) ([]LotUsage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	consumed := make(map[int64]int64)
	for _, row := range m.consumptions {
		consumed[row.LotID] += row.QuantityConsumed
	}
	out := make([]LotUsage, 0, len(m.lots))
	for _, lot := range m.lots {
		out = append(out, LotUsage{Lot: lot, Consumed: consumed[lot.ID]})
	}
	slices.SortFunc(out, func(a, b LotUsage) int { return cmp.Compare(a.Lot.ID, b.Lot.ID) })
	return out, nil
}
