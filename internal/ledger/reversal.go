package ledger

import (
	"context"
	"fmt"
	"log/slog"
)

// ReversalItem is one sale item to undo.
type ReversalItem struct {
	SaleItemID int64
	VariantID  int64
	// Sourced is how many of the item's units were drawn from lots; shortfall units are excluded.
	Sourced int64
}

// Restoration is one lot put back by a reversal.
type Restoration struct {
	LotID    int64
	Quantity int64
}

// ReversalReport summarises what ReverseItems restored.
type ReversalReport struct {
	Restored []Restoration
	// Audited is false when any item that drew from lots had no consumption rows.
	Audited bool
	// Inconsistent flags the unaudited path: lot distribution may differ from before the sale.
	Inconsistent bool
	// Unrestored counts units that could not be placed back into any lot.
	Unrestored int64
}

// RestoredUnits totals the restored quantity.
func (r ReversalReport) RestoredUnits() int64 {
	var total int64
	for _, restoration := range r.Restored {
		total += restoration.Quantity
	}
	return total
}

// ReverseItems undoes a sale's inventory effects. Items with consumption rows get their
// exact lots back, each row deleted right after its lot is restored so a retry resumes
// with the rows still present. Items without rows go through the unaudited path. The
// sale's stock ledger entries are deleted last.
func (s *Service) ReverseItems(ctx context.Context, saleID int64, items []ReversalItem) (ReversalReport, error) {
	var report ReversalReport
	rows, err := s.ConsumptionsForItems(ctx, saleItemIDs(items))
	if err != nil {
		return report, fmt.Errorf("ledger: list consumptions: %w", err)
	}

	audited := make(map[int64]bool, len(rows))
	for _, row := range rows {
		audited[row.SaleItemID] = true
		if _, err := s.repo.IncrementLot(ctx, row.LotID, row.QuantityConsumed); err != nil {
			return report, fmt.Errorf("ledger: restore lot %d: %w", row.LotID, err)
		}
		report.Restored = append(report.Restored, Restoration{LotID: row.LotID, Quantity: row.QuantityConsumed})
		if err := s.repo.DeleteConsumption(ctx, row.ID); err != nil {
			return report, fmt.Errorf("ledger: delete consumption %d: %w", row.ID, err)
		}
	}

	missing := unaudited(items, audited)
	report.Audited = len(missing) == 0
	if err := s.reverseUnaudited(ctx, saleID, missing, &report); err != nil {
		return report, err
	}

	if err := s.repo.DeleteEntriesByReference(ctx, RefSale, saleID); err != nil {
		return report, fmt.Errorf("ledger: delete sale entries: %w", err)
	}
	return report, nil
}

// ReversalCredit returns, per variant, the units ReverseItems would put back for the items.
// Unaudited units count only up to the headroom left once audited rows are restored.
func (s *Service) ReversalCredit(ctx context.Context, items []ReversalItem) (map[int64]int64, error) {
	rows, err := s.ConsumptionsForItems(ctx, saleItemIDs(items))
	if err != nil {
		return nil, fmt.Errorf("ledger: list consumptions: %w", err)
	}
	variantOf := make(map[int64]int64, len(items))
	for _, item := range items {
		variantOf[item.SaleItemID] = item.VariantID
	}
	credit := make(map[int64]int64)
	audited := make(map[int64]bool, len(rows))
	for _, row := range rows {
		audited[row.SaleItemID] = true
		credit[variantOf[row.SaleItemID]] += row.QuantityConsumed
	}
	if !s.cfg.LegacyReversal {
		return credit, nil
	}

	pending := make(map[int64]int64)
	for _, item := range unaudited(items, audited) {
		pending[item.VariantID] += item.Sourced
	}
	for variantID, units := range pending {
		lots, err := s.repo.ListLotsByVariant(ctx, variantID)
		if err != nil {
			return nil, fmt.Errorf("ledger: list lots for variant %d: %w", variantID, err)
		}
		var headroom int64
		for _, lot := range lots {
			headroom += lot.Headroom()
		}
		credit[variantID] += min(units, max(headroom-credit[variantID], 0))
	}
	return credit, nil
}

// reverseUnaudited handles items whose consumption rows are absent, either because the sale
// predates them or because writing them failed. The original lots are unknown, so units go
// back oldest first into lots with headroom.
func (s *Service) reverseUnaudited(ctx context.Context, saleID int64, items []ReversalItem, report *ReversalReport) error {
	var moved int64
	for _, item := range items {
		moved += item.Sourced
	}
	if moved == 0 {
		return nil
	}
	report.Inconsistent = true
	if !s.cfg.LegacyReversal {
		report.Unrestored += moved
		s.logger.Warn("ledger: unaudited reversal disabled, stock not restored",
			slog.Int64("sale_id", saleID), slog.Int64("units", moved))
		return nil
	}

	var restored, unrestored int64
	for _, item := range items {
		lots, err := s.LotsForVariant(ctx, item.VariantID)
		if err != nil {
			return fmt.Errorf("ledger: list lots for variant %d: %w", item.VariantID, err)
		}
		need := item.Sourced
		for _, lot := range lots {
			if need == 0 {
				break
			}
			put := min(need, lot.Headroom())
			if put == 0 {
				continue
			}
			if _, err := s.repo.IncrementLot(ctx, lot.ID, put); err != nil {
				return fmt.Errorf("ledger: restore lot %d: %w", lot.ID, err)
			}
			report.Restored = append(report.Restored, Restoration{LotID: lot.ID, Quantity: put})
			restored += put
			need -= put
		}
		unrestored += need
	}
	report.Unrestored += unrestored
	s.logger.Warn("ledger: sale items reversed without consumption rows",
		slog.Int64("sale_id", saleID), slog.Int("items", len(items)),
		slog.Int64("restored", restored), slog.Int64("unrestored", unrestored))
	return nil
}

func saleItemIDs(items []ReversalItem) []int64 {
	ids := make([]int64, 0, len(items))
	for _, item := range items {
		ids = append(ids, item.SaleItemID)
	}
	return ids
}

func unaudited(items []ReversalItem, audited map[int64]bool) []ReversalItem {
	var out []ReversalItem
	for _, item := range items {
		if item.Sourced > 0 && !audited[item.SaleItemID] {
			out = append(out, item)
		}
	}
	return out
}
