package sales

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/odyssey-ledger/internal/ledger"
	"github.com/odyssey-erp/odyssey-ledger/internal/shared"
)

// saga runs one record, update or delete. Phases execute strictly in order and each
// store call is a single statement; consumption is compensated until the sale record exists.
type saga struct {
	svc       *Service
	operation string
	warnings  []Warning
	shortfall int64
}

func (s *Service) newSaga(operation string) *saga {
	return &saga{svc: s, operation: operation}
}

// consumeError carries the restores that failed while undoing a broken consumption phase.
type consumeError struct {
	err      error
	failures []ledger.RollbackFailure
}

func (e *consumeError) Error() string { return e.err.Error() }
func (e *consumeError) Unwrap() error { return e.err }

func (g *saga) fail(kind Kind, phase Phase, outcome Outcome, saleID int64, err error) *SaleError {
	se := &SaleError{Kind: kind, Phase: phase, Outcome: outcome, SaleID: saleID, Err: err}
	var ce *consumeError
	if errors.As(err, &ce) {
		se.RollbackFailures = append(se.RollbackFailures, ce.failures...)
	}
	return se
}

func (g *saga) warn(saleID int64, kind Kind, phase Phase, err error) {
	g.svc.logger.Warn("sales: saga phase failed",
		slog.String("operation", g.operation),
		slog.Int64("sale_id", saleID),
		slog.String("phase", string(phase)),
		slog.String("kind", string(kind)),
		slog.Any("error", err))
	g.warnings = append(g.warnings, Warning{Kind: kind, Phase: phase, Detail: err.Error()})
}

func (g *saga) lock(ctx context.Context, variantIDs []int64) (func(), error) {
	release, err := ledger.LockVariants(ctx, g.svc.locker, variantIDs)
	if err != nil {
		return nil, err
	}
	return sync.OnceFunc(release), nil
}

func (g *saga) result(sale Sale) Result {
	return Result{
		SaleID:         sale.ID,
		CogsPending:    sale.CogsPending,
		ShortfallUnits: g.shortfall,
		Warnings:       g.warnings,
	}
}

func (g *saga) record(ctx context.Context, in SaleInput) (Result, error) {
	var pools []FixedCostPool
	if !in.IsPreorder {
		var err error
		if pools, err = g.resolvePools(ctx, in.FixedCostPoolIDs); err != nil {
			return Result{}, err
		}
	}

	release, err := g.lock(ctx, lineVariants(in))
	if err != nil {
		return Result{}, g.fail(KindConsumptionPersist, PhaseConsume, CompensatedFailure, 0, err)
	}
	defer release()

	if err := g.checkStock(ctx, in, nil, 0); err != nil {
		return Result{}, err
	}
	plans, err := g.consume(ctx, in)
	if err != nil {
		return Result{}, g.fail(KindConsumptionPersist, PhaseConsume, CompensatedFailure, 0, err)
	}

	now := g.svc.now().UTC()
	sale := Sale{
		CustomerID: in.CustomerID,
		SoldAt:     soldAt(in, now),
		Channel:    in.Channel,
		Note:       in.Note,
		IsPreorder: in.IsPreorder,
		Items:      buildItems(in, plans),
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	for _, pool := range pools {
		sale.FixedCostsApplied = sale.FixedCostsApplied.Add(pool.UnitCost)
	}
	applyFinancials(&sale, in)

	id, err := g.svc.repo.CreateSale(ctx, sale)
	if err != nil {
		failures := g.compensate(ctx, plans)
		return Result{}, g.fail(KindConsumptionPersist, PhasePersistSale, CompensatedFailure, 0, &consumeError{err: err, failures: failures})
	}
	release()
	sale.ID = id

	items, err := g.svc.repo.InsertItems(ctx, id, sale.Items)
	if err != nil {
		return Result{}, g.fail(KindPartialSave, PhasePersistItems, UncompensatedFailure, id, err)
	}
	sale.Items = items

	g.persistAudit(ctx, sale, plans)
	g.persistLedger(ctx, sale)
	g.applyFixedCosts(ctx, sale, pools)
	return g.result(sale), nil
}

func (g *saga) update(ctx context.Context, existing Sale, in SaleInput) (Result, error) {
	release, err := g.lock(ctx, append(existing.VariantIDs(), lineVariants(in)...))
	if err != nil {
		return Result{}, g.fail(KindConsumptionPersist, PhaseConsume, CompensatedFailure, existing.ID, err)
	}
	defer release()

	credit, err := g.credit(ctx, existing)
	if err != nil {
		return Result{}, g.fail(KindConsumptionPersist, PhaseConsume, CompensatedFailure, existing.ID, err)
	}
	if err := g.checkStock(ctx, in, credit, existing.ID); err != nil {
		return Result{}, err
	}

	summary, err := g.reverse(ctx, existing, false)
	if err != nil {
		return Result{}, g.fail(KindReversal, PhaseReverse, UncompensatedFailure, existing.ID, err)
	}
	if err := g.svc.repo.DeleteItems(ctx, existing.ID); err != nil {
		return Result{}, g.fail(KindReversal, PhaseReverse, UncompensatedFailure, existing.ID, err)
	}

	// From here on the sale exists without items, so every failure is a partial state.
	plans, err := g.consume(ctx, in)
	if err != nil {
		return Result{}, g.fail(KindConsumptionPersist, PhaseConsume, UncompensatedFailure, existing.ID, err)
	}

	now := g.svc.now().UTC()
	sale := existing
	sale.CustomerID = in.CustomerID
	sale.SoldAt = soldAt(in, existing.SoldAt)
	sale.Channel = in.Channel
	sale.Note = in.Note
	sale.IsPreorder = in.IsPreorder
	sale.Items = buildItems(in, plans)
	sale.UpdatedAt = now
	applyFinancials(&sale, in)

	if err := g.svc.repo.UpdateSale(ctx, sale); err != nil {
		failures := g.compensate(ctx, plans)
		return Result{}, g.fail(KindConsumptionPersist, PhasePersistSale, UncompensatedFailure, existing.ID, &consumeError{err: err, failures: failures})
	}
	release()

	items, err := g.svc.repo.InsertItems(ctx, sale.ID, sale.Items)
	if err != nil {
		return Result{}, g.fail(KindPartialSave, PhasePersistItems, UncompensatedFailure, sale.ID, err)
	}
	sale.Items = items

	g.persistAudit(ctx, sale, plans)
	g.persistLedger(ctx, sale)
	result := g.result(sale)
	result.Reversal = summary
	return result, nil
}

func (g *saga) remove(ctx context.Context, existing Sale) (Result, error) {
	release, err := g.lock(ctx, existing.VariantIDs())
	if err != nil {
		return Result{}, g.fail(KindReversal, PhaseReverse, CompensatedFailure, existing.ID, err)
	}
	defer release()

	summary, err := g.reverse(ctx, existing, true)
	if err != nil {
		return Result{}, g.fail(KindReversal, PhaseReverse, UncompensatedFailure, existing.ID, err)
	}
	if err := g.svc.repo.DeleteItems(ctx, existing.ID); err != nil {
		return Result{}, g.fail(KindReversal, PhaseRemoveSale, UncompensatedFailure, existing.ID, err)
	}
	if err := g.svc.repo.DeleteSale(ctx, existing.ID); err != nil {
		return Result{}, g.fail(KindReversal, PhaseRemoveSale, UncompensatedFailure, existing.ID, err)
	}
	return Result{SaleID: existing.ID, Warnings: g.warnings, Reversal: summary}, nil
}

// checkStock applies the shortfall policy before any write. credit holds units the
// sale being edited already consumed, which its reversal will put back.
func (g *saga) checkStock(ctx context.Context, in SaleInput, credit map[int64]int64, saleID int64) error {
	if in.IsPreorder {
		return nil
	}
	requested := in.requested()
	if len(requested) == 0 {
		return nil
	}
	shortages, err := g.svc.ledger.Shortages(ctx, requested)
	if err != nil {
		return g.fail(KindConsumptionPersist, PhaseConsume, CompensatedFailure, saleID, err)
	}
	var uncovered []ledger.Shortage
	for _, shortage := range shortages {
		shortage.Available += credit[shortage.VariantID]
		if shortage.Missing() > 0 {
			uncovered = append(uncovered, shortage)
		}
	}
	if err := g.svc.ledger.Policy().Check(uncovered, in.AcknowledgeShortfall); err != nil {
		return g.fail(KindInsufficientStock, PhaseConsume, CompensatedFailure, saleID, err)
	}
	return nil
}

// credit sums the units each variant regains when the sale is reversed.
func (g *saga) credit(ctx context.Context, sale Sale) (map[int64]int64, error) {
	return g.svc.ledger.ReversalCredit(ctx, sale.ReversalItems())
}

// consume is phase 1. Plans are index-aligned with in.Lines; lines without a variant
// and preorders get empty plans. A failure undoes every plan taken in this call.
func (g *saga) consume(ctx context.Context, in SaleInput) ([]ledger.ConsumptionPlan, error) {
	plans := make([]ledger.ConsumptionPlan, len(in.Lines))
	if in.IsPreorder {
		return plans, nil
	}
	for i, line := range in.Lines {
		if line.VariantID == 0 {
			continue
		}
		plan, err := g.svc.ledger.Consume(ctx, line.VariantID, line.Quantity)
		if err != nil {
			failures := g.compensate(ctx, plans[:i])
			return nil, &consumeError{err: fmt.Errorf("consume variant %d: %w", line.VariantID, err), failures: failures}
		}
		plans[i] = plan
		g.shortfall += plan.Shortfall()
	}
	return plans, nil
}

func (g *saga) compensate(ctx context.Context, plans []ledger.ConsumptionPlan) []ledger.RollbackFailure {
	var failures []ledger.RollbackFailure
	for _, plan := range plans {
		if plan.Empty() {
			continue
		}
		failures = append(failures, g.svc.ledger.Compensate(ctx, plan)...)
	}
	return failures
}

// persistAudit is phase 4. Failures are logged per item.
func (g *saga) persistAudit(ctx context.Context, sale Sale, plans []ledger.ConsumptionPlan) {
	if len(sale.Items) != len(plans) {
		g.warn(sale.ID, KindAuditWrite, PhasePersistAudit, fmt.Errorf("%d items stored for %d plans", len(sale.Items), len(plans)))
		return
	}
	for i, item := range sale.Items {
		if err := g.svc.ledger.RecordConsumptions(ctx, item.ID, plans[i]); err != nil {
			g.warn(sale.ID, KindAuditWrite, PhasePersistAudit, fmt.Errorf("item %d: %w", item.ID, err))
		}
	}
}

// persistLedger is phase 5: one out entry per item with a variant.
func (g *saga) persistLedger(ctx context.Context, sale Sale) {
	if sale.IsPreorder {
		return
	}
	var entries []ledger.StockLedgerEntry
	for _, item := range sale.Items {
		if item.VariantID == 0 {
			continue
		}
		entries = append(entries, ledger.StockLedgerEntry{
			VariantID:     item.VariantID,
			Type:          ledger.EntryOut,
			Quantity:      item.Quantity,
			ReferenceType: ledger.RefSale,
			ReferenceID:   sale.ID,
			Note:          fmt.Sprintf("sale #%d", sale.ID),
		})
	}
	if err := g.svc.ledger.AppendEntries(ctx, entries); err != nil {
		g.warn(sale.ID, KindLedgerEntryWrite, PhasePersistLedger, err)
	}
}

// applyFixedCosts is phase 6, new sales only. The pool is decremented before the
// usage row is written so an exhausted pool never gains a usage row.
func (g *saga) applyFixedCosts(ctx context.Context, sale Sale, pools []FixedCostPool) {
	for _, pool := range pools {
		if err := g.svc.repo.DecrementPool(ctx, pool.ID); err != nil {
			g.warn(sale.ID, KindFixedCostApply, PhaseApplyFixedCost, fmt.Errorf("pool %d: %w", pool.ID, err))
			continue
		}
		usage := FixedCostUsage{PoolID: pool.ID, SaleID: sale.ID, UnitCost: pool.UnitCost, CreatedAt: sale.CreatedAt}
		if err := g.svc.repo.InsertPoolUsage(ctx, usage); err != nil {
			g.warn(sale.ID, KindFixedCostApply, PhaseApplyFixedCost, fmt.Errorf("pool %d usage: %w", pool.ID, err))
		}
	}
}

// resolvePools loads the opted-in pools. Exhausted pools are skipped and not charged.
func (g *saga) resolvePools(ctx context.Context, ids []int64) ([]FixedCostPool, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	pools, err := g.svc.repo.GetPools(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("sales: load fixed cost pools: %w", err)
	}
	found := make(map[int64]bool, len(pools))
	var usable []FixedCostPool
	for _, pool := range pools {
		found[pool.ID] = true
		if pool.RemainingUnits <= 0 {
			g.warn(0, KindFixedCostApply, PhaseApplyFixedCost, fmt.Errorf("%w: %d", ErrPoolExhausted, pool.ID))
			continue
		}
		pool.UnitCost = shared.RoundMoney(pool.UnitCost)
		usable = append(usable, pool)
	}
	for _, id := range ids {
		if !found[id] {
			return nil, fmt.Errorf("%w: %d", ErrPoolNotFound, id)
		}
	}
	return usable, nil
}

func buildItems(in SaleInput, plans []ledger.ConsumptionPlan) []SaleLineItem {
	items := make([]SaleLineItem, 0, len(in.Lines))
	for i, line := range in.Lines {
		item := SaleLineItem{
			ProductID:    line.ProductID,
			VariantID:    line.VariantID,
			ProductLabel: line.ProductLabel,
			VariantLabel: line.VariantLabel,
			Size:         line.Size,
			Quantity:     line.Quantity,
			UnitPrice:    shared.RoundMoney(line.UnitPrice),
			COGS:         decimal.Zero,
		}
		if i < len(plans) {
			item.ShortfallUnits = plans[i].Shortfall()
		}
		if i < len(plans) && !plans[i].Empty() {
			item.COGS = shared.RoundMoney(plans[i].TotalCost)
			item.CostPending = plans[i].CostPending
		}
		items = append(items, item)
	}
	return items
}

func lineVariants(in SaleInput) []int64 {
	if in.IsPreorder {
		return nil
	}
	ids := make([]int64, 0, len(in.Lines))
	for _, line := range in.Lines {
		ids = append(ids, line.VariantID)
	}
	return ids
}

func soldAt(in SaleInput, fallback time.Time) time.Time {
	if in.SoldAt.IsZero() {
		return fallback
	}
	return in.SoldAt.UTC()
}
