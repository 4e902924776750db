package ledger

import (
	"context"
	"fmt"
)

// LotUsage pairs a lot with the units its live consumption rows account for.
type LotUsage struct {
	Lot      InventoryLot
	Consumed int64
}

// Violation describes a lot breaking a ledger invariant.
type Violation struct {
	LotID     int64
	VariantID int64
	Reason    string
}

// CheckIntegrity scans all lots for invariant breaches.
func (s *Service) CheckIntegrity(ctx context.Context) ([]Violation, error) {
	usage, err := s.repo.ListLotUsage(ctx)
	if err != nil {
		return nil, fmt.Errorf("ledger: list lot usage: %w", err)
	}
	var violations []Violation
	for _, u := range usage {
		lot := u.Lot
		if _, err := LoadLot(lot); err != nil {
			violations = append(violations, Violation{LotID: lot.ID, VariantID: lot.VariantID, Reason: err.Error()})
			continue
		}
		if u.Consumed > lot.QuantityReceived {
			violations = append(violations, Violation{
				LotID:     lot.ID,
				VariantID: lot.VariantID,
				Reason:    fmt.Sprintf("consumed %d exceeds received %d", u.Consumed, lot.QuantityReceived),
			})
		}
	}
	return violations, nil
}
