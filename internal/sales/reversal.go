package sales

import (
	"context"
	"fmt"
)

// reverse undoes a sale's inventory effects through the ledger. Fixed cost usage is
// released only on delete: edits keep the units the sale already charged.
func (g *saga) reverse(ctx context.Context, sale Sale, releasePools bool) (*ReversalSummary, error) {
	report, err := g.svc.ledger.ReverseItems(ctx, sale.ID, sale.ReversalItems())
	summary := &ReversalSummary{
		RestoredUnits:   report.RestoredUnits(),
		Audited:         report.Audited,
		Inconsistent:    report.Inconsistent,
		UnrestoredUnits: report.Unrestored,
	}
	if err != nil {
		return summary, err
	}
	if report.Inconsistent {
		g.warn(sale.ID, KindReversalInconsistency, PhaseReverse,
			fmt.Errorf("restored %d units without consumption rows, %d not restored", summary.RestoredUnits, summary.UnrestoredUnits))
	}
	if !releasePools {
		return summary, nil
	}
	restored, err := g.releasePools(ctx, sale.ID)
	summary.PoolsRestored = restored
	if err != nil {
		return summary, fmt.Errorf("release fixed costs: %w", err)
	}
	return summary, nil
}

// releasePools gives back one unit per usage row. Each row is removed right after its
// pool is restored, so a retry resumes with the rows still present.
func (g *saga) releasePools(ctx context.Context, saleID int64) (int, error) {
	usages, err := g.svc.repo.ListPoolUsage(ctx, saleID)
	if err != nil {
		return 0, err
	}
	restored := 0
	for _, usage := range usages {
		if err := g.svc.repo.IncrementPool(ctx, usage.PoolID); err != nil {
			return restored, fmt.Errorf("pool %d: %w", usage.PoolID, err)
		}
		if err := g.svc.repo.DeletePoolUsage(ctx, usage.ID); err != nil {
			return restored, fmt.Errorf("usage %d: %w", usage.ID, err)
		}
		restored++
	}
	return restored, nil
}
