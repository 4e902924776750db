package sales

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/odyssey-erp/odyssey-ledger/internal/ledger"
	"github.com/odyssey-erp/odyssey-ledger/internal/shared"
)

// RepositoryPort describes the single-statement store operations used by Service.
type RepositoryPort interface {
	CreateSale(ctx context.Context, sale Sale) (int64, error)
	UpdateSale(ctx context.Context, sale Sale) error
	DeleteSale(ctx context.Context, id int64) error
	GetSale(ctx context.Context, id int64) (Sale, error)

	InsertItems(ctx context.Context, saleID int64, items []SaleLineItem) ([]SaleLineItem, error)
	ListItems(ctx context.Context, saleID int64) ([]SaleLineItem, error)
	DeleteItems(ctx context.Context, saleID int64) error

	GetPools(ctx context.Context, ids []int64) ([]FixedCostPool, error)
	DecrementPool(ctx context.Context, poolID int64) error
	IncrementPool(ctx context.Context, poolID int64) error
	InsertPoolUsage(ctx context.Context, usage FixedCostUsage) error
	ListPoolUsage(ctx context.Context, saleID int64) ([]FixedCostUsage, error)
	DeletePoolUsage(ctx context.Context, id int64) error

	ListCogsPending(ctx context.Context) ([]PendingCogs, error)
	MarkCogsPendingByLots(ctx context.Context, lotIDs []int64) (int, error)
}

// LedgerPort is the lot ledger surface the saga drives.
type LedgerPort interface {
	Policy() ledger.ShortfallPolicy
	Shortages(ctx context.Context, requested map[int64]int64) ([]ledger.Shortage, error)
	Consume(ctx context.Context, variantID, quantity int64) (ledger.ConsumptionPlan, error)
	Compensate(ctx context.Context, plan ledger.ConsumptionPlan) []ledger.RollbackFailure
	RecordConsumptions(ctx context.Context, saleItemID int64, plan ledger.ConsumptionPlan) error
	ReversalCredit(ctx context.Context, items []ledger.ReversalItem) (map[int64]int64, error)
	AppendEntries(ctx context.Context, entries []ledger.StockLedgerEntry) error
	ReverseItems(ctx context.Context, saleID int64, items []ledger.ReversalItem) (ledger.ReversalReport, error)
}

// AuditPort reused from shared.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// Observer is notified when a saga finishes.
type Observer interface {
	SagaFinished(operation string, outcome Outcome)
}

// Invalidator drops cached reports after sale writes.
type Invalidator interface {
	Invalidate(ctx context.Context) error
}

// Service records, edits and deletes sales.
type Service struct {
	repo        RepositoryPort
	ledger      LedgerPort
	locker      ledger.VariantLocker
	audit       AuditPort
	idempotency shared.IdempotencyKeys
	observer    Observer
	invalidator Invalidator
	logger      *slog.Logger
	now         func() time.Time
}

// NewService constructs the sales service.
func NewService(repo RepositoryPort, ledgerSvc LedgerPort, locker ledger.VariantLocker, audit AuditPort, idem shared.IdempotencyKeys, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		repo:        repo,
		ledger:      ledgerSvc,
		locker:      locker,
		audit:       audit,
		idempotency: idem,
		logger:      logger,
		now:         time.Now,
	}
}

// SetObserver wires saga metrics.
func (s *Service) SetObserver(observer Observer) {
	s.observer = observer
}

// SetInvalidator wires report cache invalidation.
func (s *Service) SetInvalidator(invalidator Invalidator) {
	s.invalidator = invalidator
}

// WithNow overrides the clock.
func (s *Service) WithNow(now func() time.Time) {
	s.now = now
}

// IdempotencyModule tags the idempotency keys claimed by RecordSale.
const IdempotencyModule = "sales.record"

const (
	opRecord = "record"
	opUpdate = "update"
	opDelete = "delete"
)

// RecordSale runs the sale saga for a new sale.
func (s *Service) RecordSale(ctx context.Context, in SaleInput) (Result, error) {
	if err := in.Validate(); err != nil {
		return Result{}, err
	}
	var key string
	if in.IdempotencyKey != "" {
		key = "sales:record:" + in.IdempotencyKey
	}
	var result Result
	err := shared.Guard(ctx, s.idempotency, key, IdempotencyModule, func(ctx context.Context) error {
		var err error
		result, err = s.newSaga(opRecord).record(ctx, in)
		return err
	})
	if errors.Is(err, shared.ErrIdempotencyConflict) {
		return Result{}, fmt.Errorf("%w: %s", ErrDuplicateRequest, in.IdempotencyKey)
	}
	s.finish(ctx, opRecord, result.SaleID, err)
	return result, err
}

// UpdateSale reverses the sale's inventory effects and re-applies it with new lines.
func (s *Service) UpdateSale(ctx context.Context, saleID int64, in SaleInput) (Result, error) {
	if err := in.Validate(); err != nil {
		return Result{}, err
	}
	existing, err := s.GetSale(ctx, saleID)
	if err != nil {
		return Result{}, err
	}
	result, err := s.newSaga(opUpdate).update(ctx, existing, in)
	s.finish(ctx, opUpdate, saleID, err)
	return result, err
}

// DeleteSale reverses every effect of the sale and removes it.
func (s *Service) DeleteSale(ctx context.Context, saleID int64) (Result, error) {
	existing, err := s.GetSale(ctx, saleID)
	if err != nil {
		return Result{}, err
	}
	result, err := s.newSaga(opDelete).remove(ctx, existing)
	s.finish(ctx, opDelete, saleID, err)
	return result, err
}

// GetSale loads a sale with its line items.
func (s *Service) GetSale(ctx context.Context, saleID int64) (Sale, error) {
	sale, err := s.repo.GetSale(ctx, saleID)
	if err != nil {
		return Sale{}, err
	}
	items, err := s.repo.ListItems(ctx, saleID)
	if err != nil {
		return Sale{}, fmt.Errorf("sales: list items: %w", err)
	}
	sale.Items = items
	return sale, nil
}

func (s *Service) finish(ctx context.Context, operation string, saleID int64, err error) {
	outcome := Committed
	if err != nil {
		se, ok := AsSaleError(err)
		if !ok {
			return
		}
		outcome = se.Outcome
		if se.Partial() {
			s.logger.Error("sales: sale needs manual reconciliation",
				slog.String("operation", operation),
				slog.Int64("sale_id", se.SaleID),
				slog.String("phase", string(se.Phase)),
				slog.Any("error", se.Err))
		}
	}
	if s.observer != nil {
		s.observer.SagaFinished(operation, outcome)
	}
	if outcome == CompensatedFailure {
		return
	}
	s.invalidate(ctx)
	if s.audit != nil && saleID != 0 {
		log := shared.AuditLog{
			Action:   "sale." + operation,
			Entity:   "sale",
			EntityID: strconv.FormatInt(saleID, 10),
			Meta:     map[string]any{"outcome": string(outcome)},
			At:       s.now().UTC(),
		}
		if err := s.audit.Record(ctx, log); err != nil {
			s.logger.Warn("sales: audit log not written", slog.Int64("sale_id", saleID), slog.Any("error", err))
		}
	}
}

func (s *Service) invalidate(ctx context.Context) {
	if s.invalidator == nil {
		return
	}
	if err := s.invalidator.Invalidate(ctx); err != nil {
		s.logger.Warn("sales: report cache not invalidated", slog.Any("error", err))
	}
}

// PendingCogs describes a cost-pending sale and how many of its consumed lots are still pending.
type PendingCogs struct {
	SaleID      int64
	PendingLots int
}

// PendingCogsSummary counts cost-pending sales.
type PendingCogsSummary struct {
	Pending      int
	Reconcilable []int64
}

// FlagCogsPending marks every sale that consumed one of the lots as cost-pending.
func (s *Service) FlagCogsPending(ctx context.Context, lotIDs []int64) (int, error) {
	if len(lotIDs) == 0 {
		return 0, nil
	}
	n, err := s.repo.MarkCogsPendingByLots(ctx, lotIDs)
	if err != nil {
		return 0, fmt.Errorf("sales: flag cogs pending: %w", err)
	}
	if n > 0 {
		s.invalidate(ctx)
	}
	return n, nil
}

// ScanPendingCogs finds cost-pending sales whose lots have all been corrected since.
func (s *Service) ScanPendingCogs(ctx context.Context) (PendingCogsSummary, error) {
	rows, err := s.repo.ListCogsPending(ctx)
	if err != nil {
		return PendingCogsSummary{}, fmt.Errorf("sales: list cogs pending: %w", err)
	}
	summary := PendingCogsSummary{Pending: len(rows)}
	for _, row := range rows {
		if row.PendingLots == 0 {
			summary.Reconcilable = append(summary.Reconcilable, row.SaleID)
		}
	}
	return summary, nil
}
