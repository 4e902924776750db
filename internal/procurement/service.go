package procurement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/odyssey-ledger/internal/costing"
	"github.com/odyssey-erp/odyssey-ledger/internal/ledger"
	"github.com/odyssey-erp/odyssey-ledger/internal/shared"
)

// RepositoryPort describes repository operations used by Service.
type RepositoryPort interface {
	GetOrder(ctx context.Context, id int64) (PurchaseOrder, error)
	MarkStockPosted(ctx context.Context, id int64, arrivedAt time.Time) error
	SetDuty(ctx context.Context, id int64, duty decimal.Decimal) error
}

// LedgerPort exposes the lot ledger calls needed at arrival.
type LedgerPort interface {
	ReceiveLots(ctx context.Context, input ledger.ReceiptInput) ([]ledger.InventoryLot, error)
	LotsForPurchaseOrder(ctx context.Context, purchaseOrderID int64) ([]ledger.InventoryLot, error)
}

// CostCorrector folds a late duty into the order's lots.
type CostCorrector interface {
	RecomputeLotCost(ctx context.Context, purchaseOrderID int64, duty decimal.Decimal) (costing.Correction, error)
}

// AuditPort reused from shared.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// Invalidator drops cached reports once lot stock or cost changes.
type Invalidator interface {
	Invalidate(ctx context.Context) error
}

// Service turns purchase order arrivals into lots.
type Service struct {
	repo        RepositoryPort
	ledger      LedgerPort
	corrector   CostCorrector
	audit       AuditPort
	invalidator Invalidator
	logger      *slog.Logger
	now         func() time.Time
}

// NewService constructs procurement service.
func NewService(repo RepositoryPort, ledgerSvc LedgerPort, corrector CostCorrector, audit AuditPort, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{repo: repo, ledger: ledgerSvc, corrector: corrector, audit: audit, logger: logger, now: time.Now}
}

// SetInvalidator wires report cache invalidation.
func (s *Service) SetInvalidator(invalidator Invalidator) {
	s.invalidator = invalidator
}

// Arrival reports the lots booked for an arrived order.
type Arrival struct {
	PurchaseOrderID int64                 `json:"purchase_order_id"`
	AlreadyPosted   bool                  `json:"already_posted"`
	Lots            []ledger.InventoryLot `json:"lots"`
}

// GetOrder loads an order with its items.
func (s *Service) GetOrder(ctx context.Context, id int64) (PurchaseOrder, error) {
	return s.repo.GetOrder(ctx, id)
}

// MarkArrived books the order's goods into stock as one lot per item. Lot costs carry
// the apportioned freight, fees and duty; while duty is pending the lots are flagged.
// Calling it again for the same order returns the existing lots.
func (s *Service) MarkArrived(ctx context.Context, id int64, receivedAt time.Time) (Arrival, error) {
	po, err := s.repo.GetOrder(ctx, id)
	if err != nil {
		return Arrival{}, err
	}
	if po.StockPosted {
		lots, err := s.ledger.LotsForPurchaseOrder(ctx, id)
		return Arrival{PurchaseOrderID: id, AlreadyPosted: true, Lots: lots}, err
	}
	if !po.Status.Receivable() {
		return Arrival{}, fmt.Errorf("%w: order %s is %s", ErrInvalidState, po.Number, po.Status)
	}
	if receivedAt.IsZero() {
		receivedAt = s.now().UTC()
	}
	landed, err := costing.Apportion(po.Costs())
	if err != nil {
		return Arrival{}, err
	}
	input := ledger.ReceiptInput{
		PurchaseOrderID: id,
		ReceivedAt:      receivedAt,
		CostPending:     po.DutyPending,
		Lines:           make([]ledger.ReceiptLine, 0, len(landed)),
	}
	for _, line := range landed {
		input.Lines = append(input.Lines, ledger.ReceiptLine{
			PurchaseItemID: line.PurchaseItemID,
			VariantID:      line.VariantID,
			Quantity:       line.Quantity,
			UnitCost:       line.UnitCost,
		})
	}

	arrival := Arrival{PurchaseOrderID: id}
	arrival.Lots, err = s.ledger.ReceiveLots(ctx, input)
	if errors.Is(err, ledger.ErrAlreadyReceived) {
		arrival.AlreadyPosted = true
		arrival.Lots, err = s.ledger.LotsForPurchaseOrder(ctx, id)
	}
	if err != nil {
		return Arrival{}, err
	}
	if err := s.repo.MarkStockPosted(ctx, id, receivedAt); err != nil {
		return Arrival{}, fmt.Errorf("procurement: mark stock posted: %w", err)
	}
	s.recordAudit(ctx, "purchase_order.arrived", id, map[string]any{
		"number":       po.Number,
		"lots":         len(arrival.Lots),
		"duty_pending": po.DutyPending,
	})
	s.invalidate(ctx)
	return arrival, nil
}

// ApplyDeferredDuty records a duty learned after arrival and re-costs the order's lots.
// Before arrival only the order is updated.
func (s *Service) ApplyDeferredDuty(ctx context.Context, id int64, duty decimal.Decimal) (costing.Correction, error) {
	if duty.IsNegative() {
		return costing.Correction{}, fmt.Errorf("%w: duty %s", shared.ErrValidation, duty)
	}
	po, err := s.repo.GetOrder(ctx, id)
	if err != nil {
		return costing.Correction{}, err
	}
	if !po.StockPosted {
		if err := s.repo.SetDuty(ctx, id, shared.RoundMoney(duty)); err != nil {
			return costing.Correction{}, err
		}
		s.recordAudit(ctx, "purchase_order.duty", id, map[string]any{"duty": duty.StringFixed(2), "lots": 0})
		return costing.Correction{PurchaseOrderID: id}, nil
	}
	correction, err := s.corrector.RecomputeLotCost(ctx, id, duty)
	if err != nil {
		return correction, err
	}
	s.recordAudit(ctx, "purchase_order.duty", id, map[string]any{
		"duty":          duty.StringFixed(2),
		"lots":          correction.LotsUpdated,
		"sales_flagged": correction.SalesFlagged,
	})
	s.invalidate(ctx)
	return correction, nil
}

func (s *Service) invalidate(ctx context.Context) {
	if s.invalidator == nil {
		return
	}
	if err := s.invalidator.Invalidate(ctx); err != nil {
		s.logger.Warn("procurement: report cache not invalidated", slog.Any("error", err))
	}
}

func (s *Service) recordAudit(ctx context.Context, action string, id int64, meta map[string]any) {
	if s.audit == nil {
		return
	}
	meta["ref"] = uuid.NewSHA1(uuid.Nil, []byte(fmt.Sprintf("PO:%d:%s", id, action))).String()
	log := shared.AuditLog{Action: action, Entity: "purchase_order", EntityID: fmt.Sprintf("%d", id), Meta: meta, At: s.now().UTC()}
	if err := s.audit.Record(ctx, log); err != nil {
		s.logger.Warn("procurement: audit log not written", slog.Int64("purchase_order_id", id), slog.Any("error", err))
	}
}

// CostSource adapts a repository to the costing engine's order port.
func CostSource(repo RepositoryPort) costing.OrderPort {
	return costSource{repo: repo}
}

type costSource struct {
	repo RepositoryPort
}

func (c costSource) OrderCosts(ctx context.Context, id int64) (costing.OrderCosts, error) {
	po, err := c.repo.GetOrder(ctx, id)
	if err != nil {
		return costing.OrderCosts{}, err
	}
	return po.Costs(), nil
}

func (c costSource) SetDuty(ctx context.Context, id int64, duty decimal.Decimal) error {
	return c.repo.SetDuty(ctx, id, duty)
}
