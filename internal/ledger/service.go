package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"time"

	"github.com/odyssey-erp/odyssey-ledger/internal/shared"
)

// RepositoryPort abstracts the record store. Every method is a single statement;
// the store offers no multi-statement transaction.
type RepositoryPort interface {
	InsertLots(ctx context.Context, lots []InventoryLot) ([]InventoryLot, error)
	ListOpenLots(ctx context.Context, variantID int64) ([]InventoryLot, error)
	ListLotsByVariant(ctx context.Context, variantID int64) ([]InventoryLot, error)
	ListLotsByPurchaseOrder(ctx context.Context, purchaseOrderID int64) ([]InventoryLot, error)
	DecrementLot(ctx context.Context, lotID, quantity int64) (int64, error)
	IncrementLot(ctx context.Context, lotID, quantity int64) (int64, error)
	UpdateLotCost(ctx context.Context, update CostUpdate) error

	InsertConsumptions(ctx context.Context, rows []LotConsumption) error
	ListConsumptionsByItems(ctx context.Context, saleItemIDs []int64) ([]LotConsumption, error)
	DeleteConsumption(ctx context.Context, id int64) error

	InsertEntries(ctx context.Context, entries []StockLedgerEntry) error
	ListEntriesByReference(ctx context.Context, refType ReferenceType, refID int64) ([]StockLedgerEntry, error)
	DeleteEntriesByReference(ctx context.Context, refType ReferenceType, refID int64) error

	ListLotUsage(ctx context.Context) ([]LotUsage, error)
}

// Observer receives out-of-band ledger signals such as failed restores.
type Observer interface {
	RollbackFailed(lotID, quantity int64)
	Shortfall(variantID, units int64)
}

// Config groups ledger options.
type Config struct {
	ShortfallPolicy ShortfallPolicy `validate:"required,oneof=reject acknowledge allow"`
	LegacyReversal  bool
}

// Service owns every write to lots, consumption rows and stock ledger entries.
type Service struct {
	repo        RepositoryPort
	idempotency shared.IdempotencyKeys
	cfg         Config
	logger      *slog.Logger
	observer    Observer
	now         func() time.Time
}

// NewService builds Service.
func NewService(repo RepositoryPort, idem shared.IdempotencyKeys, cfg Config, logger *slog.Logger, observer Observer) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if !cfg.ShortfallPolicy.Valid() {
		cfg.ShortfallPolicy = ShortfallAcknowledge
	}
	return &Service{repo: repo, idempotency: idem, cfg: cfg, logger: logger, observer: observer, now: time.Now}
}

// Policy returns the configured shortfall policy.
func (s *Service) Policy() ShortfallPolicy {
	return s.cfg.ShortfallPolicy
}

// ReceiveLots creates one lot per receipt line plus an "in" ledger entry each.
// It runs at most once per purchase order.
func (s *Service) ReceiveLots(ctx context.Context, input ReceiptInput) ([]InventoryLot, error) {
	if input.PurchaseOrderID == 0 || len(input.Lines) == 0 {
		return nil, fmt.Errorf("%w: purchase order and lines required", shared.ErrValidation)
	}
	receivedAt := input.ReceivedAt
	if receivedAt.IsZero() {
		receivedAt = s.now().UTC()
	}
	lots := make([]InventoryLot, 0, len(input.Lines))
	for _, line := range input.Lines {
		lot, err := NewLot(line.VariantID, input.PurchaseOrderID, line.PurchaseItemID, line.Quantity, shared.RoundUnitCost(line.UnitCost), receivedAt, input.CostPending)
		if err != nil {
			return nil, err
		}
		lots = append(lots, lot)
	}

	var created []InventoryLot
	key := fmt.Sprintf("ledger:receipt:%d", input.PurchaseOrderID)
	err := shared.Guard(ctx, s.idempotency, key, "ledger.receipt", func(ctx context.Context) error {
		var err error
		created, err = s.repo.InsertLots(ctx, lots)
		return err
	})
	if errors.Is(err, shared.ErrIdempotencyConflict) {
		return nil, fmt.Errorf("%w: %d", ErrAlreadyReceived, input.PurchaseOrderID)
	}
	if err != nil {
		return nil, fmt.Errorf("ledger: insert lots: %w", err)
	}

	entries := make([]StockLedgerEntry, 0, len(created))
	for _, lot := range created {
		entries = append(entries, StockLedgerEntry{
			VariantID:     lot.VariantID,
			Type:          EntryIn,
			Quantity:      lot.QuantityReceived,
			ReferenceType: RefPurchase,
			ReferenceID:   input.PurchaseOrderID,
			CreatedAt:     receivedAt,
		})
	}
	if err := s.repo.InsertEntries(ctx, entries); err != nil {
		// Lots are the quantity and cost source; the ledger view can be rebuilt.
		s.logger.Warn("ledger: receipt entries not written",
			slog.Int64("purchase_order_id", input.PurchaseOrderID), slog.Any("error", err))
	}
	return created, nil
}

// Availability returns the remaining units across a variant's lots.
func (s *Service) Availability(ctx context.Context, variantID int64) (int64, error) {
	lots, err := s.repo.ListOpenLots(ctx, variantID)
	if err != nil {
		return 0, err
	}
	return Available(lots), nil
}

// Shortages reports which requested variants the lots cannot cover.
func (s *Service) Shortages(ctx context.Context, requested map[int64]int64) ([]Shortage, error) {
	var shortages []Shortage
	for _, variantID := range slices.Sorted(maps.Keys(requested)) {
		available, err := s.Availability(ctx, variantID)
		if err != nil {
			return nil, err
		}
		if qty := requested[variantID]; qty > available {
			shortages = append(shortages, Shortage{VariantID: variantID, Requested: qty, Available: available})
		}
	}
	return shortages, nil
}

// Consume plans a FIFO draw for the variant and decrements each touched lot.
// A failed decrement restores the lots already drawn by this call before returning.
func (s *Service) Consume(ctx context.Context, variantID, quantity int64) (ConsumptionPlan, error) {
	lots, err := s.repo.ListOpenLots(ctx, variantID)
	if err != nil {
		return ConsumptionPlan{}, fmt.Errorf("ledger: list lots: %w", err)
	}
	plan, err := PlanFIFO(variantID, lots, quantity)
	if err != nil {
		return ConsumptionPlan{}, err
	}
	for i, line := range plan.Lines {
		if _, err := s.repo.DecrementLot(ctx, line.LotID, line.Quantity); err != nil {
			taken := plan
			taken.Lines = plan.Lines[:i]
			s.Compensate(ctx, taken)
			return ConsumptionPlan{}, fmt.Errorf("ledger: decrement lot %d: %w", line.LotID, err)
		}
	}
	if short := plan.Shortfall(); short > 0 {
		s.logger.Warn("ledger: consumption shortfall",
			slog.Int64("variant_id", variantID), slog.Int64("requested", quantity), slog.Int64("missing", short))
		if s.observer != nil {
			s.observer.Shortfall(variantID, short)
		}
	}
	return plan, nil
}

// Compensate restores every lot of the plan. Failures are logged and returned, never raised.
func (s *Service) Compensate(ctx context.Context, plan ConsumptionPlan) []RollbackFailure {
	var failures []RollbackFailure
	for _, line := range plan.Lines {
		if _, err := s.repo.IncrementLot(ctx, line.LotID, line.Quantity); err != nil {
			failures = append(failures, s.rollbackFailed(line.LotID, line.Quantity, err))
		}
	}
	return failures
}

func (s *Service) rollbackFailed(lotID, quantity int64, err error) RollbackFailure {
	s.logger.Error("ledger: rollback failed, lot needs manual correction",
		slog.Int64("lot_id", lotID), slog.Int64("quantity", quantity), slog.Any("error", err))
	if s.observer != nil {
		s.observer.RollbackFailed(lotID, quantity)
	}
	return RollbackFailure{LotID: lotID, Quantity: quantity, Err: err}
}

// RecordConsumptions writes the audit rows linking a sale item to the lots of its plan.
func (s *Service) RecordConsumptions(ctx context.Context, saleItemID int64, plan ConsumptionPlan) error {
	if plan.Empty() {
		return nil
	}
	rows := make([]LotConsumption, 0, len(plan.Lines))
	for _, line := range plan.Lines {
		rows = append(rows, LotConsumption{
			SaleItemID:            saleItemID,
			LotID:                 line.LotID,
			QuantityConsumed:      line.Quantity,
			UnitCostAtConsumption: line.UnitCost,
		})
	}
	return s.repo.InsertConsumptions(ctx, rows)
}

// ConsumptionsForItems lists audit rows of the given sale items.
func (s *Service) ConsumptionsForItems(ctx context.Context, saleItemIDs []int64) ([]LotConsumption, error) {
	if len(saleItemIDs) == 0 {
		return nil, nil
	}
	return s.repo.ListConsumptionsByItems(ctx, saleItemIDs)
}

// AppendEntries writes stock ledger entries.
func (s *Service) AppendEntries(ctx context.Context, entries []StockLedgerEntry) error {
	if len(entries) == 0 {
		return nil
	}
	now := s.now().UTC()
	for i := range entries {
		if entries[i].Quantity <= 0 {
			return ErrInvalidQuantity
		}
		if entries[i].CreatedAt.IsZero() {
			entries[i].CreatedAt = now
		}
	}
	return s.repo.InsertEntries(ctx, entries)
}

// DeleteEntriesForReference removes every stock ledger entry of a document.
func (s *Service) DeleteEntriesForReference(ctx context.Context, refType ReferenceType, refID int64) error {
	return s.repo.DeleteEntriesByReference(ctx, refType, refID)
}

// EntriesForReference lists stock ledger entries of a document.
func (s *Service) EntriesForReference(ctx context.Context, refType ReferenceType, refID int64) ([]StockLedgerEntry, error) {
	return s.repo.ListEntriesByReference(ctx, refType, refID)
}

// LotsForVariant lists every lot of a variant, oldest first.
func (s *Service) LotsForVariant(ctx context.Context, variantID int64) ([]InventoryLot, error) {
	lots, err := s.repo.ListLotsByVariant(ctx, variantID)
	if err != nil {
		return nil, err
	}
	SortFIFO(lots)
	return lots, nil
}

// LotsForPurchaseOrder lists the lots created when the order arrived.
func (s *Service) LotsForPurchaseOrder(ctx context.Context, purchaseOrderID int64) ([]InventoryLot, error) {
	return s.repo.ListLotsByPurchaseOrder(ctx, purchaseOrderID)
}

// ApplyUnitCosts rewrites lot costs. Existing consumption snapshots are left untouched.
func (s *Service) ApplyUnitCosts(ctx context.Context, updates []CostUpdate) error {
	for _, update := range updates {
		if update.UnitCost.IsNegative() {
			return fmt.Errorf("%w: lot %d unit cost %s", ErrInvalidLot, update.LotID, update.UnitCost)
		}
		update.UnitCost = shared.RoundUnitCost(update.UnitCost)
		if err := s.repo.UpdateLotCost(ctx, update); err != nil {
			return fmt.Errorf("ledger: update lot %d cost: %w", update.LotID, err)
		}
	}
	return nil
}
