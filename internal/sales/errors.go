package sales

import (
	"errors"
	"fmt"
	"strings"

	"github.com/odyssey-erp/odyssey-ledger/internal/ledger"
	"github.com/odyssey-erp/odyssey-ledger/internal/shared"
)

var (
	// ErrSaleNotFound indicates a missing sale.
	ErrSaleNotFound = fmt.Errorf("sales: sale %w", shared.ErrNotFound)
	// ErrPoolNotFound indicates a missing fixed cost pool.
	ErrPoolNotFound = fmt.Errorf("sales: fixed cost pool %w", shared.ErrNotFound)
	// ErrPoolExhausted indicates a pool without remaining units.
	ErrPoolExhausted = errors.New("sales: fixed cost pool exhausted")
	// ErrDuplicateRequest indicates an idempotency key that was already used.
	ErrDuplicateRequest = fmt.Errorf("sales: request already processed: %w", shared.ErrConflict)
)

// Kind classifies saga failures.
type Kind string

const (
	KindInsufficientStock     Kind = "insufficient_stock"
	KindConsumptionPersist    Kind = "consumption_persist_failure"
	KindPartialSave           Kind = "partial_save_failure"
	KindAuditWrite            Kind = "audit_write_failure"
	KindLedgerEntryWrite      Kind = "ledger_entry_write_failure"
	KindFixedCostApply        Kind = "fixed_cost_apply_failure"
	KindRollback              Kind = "rollback_failure"
	KindReversal              Kind = "reversal_failure"
	KindReversalInconsistency Kind = "reversal_inconsistency"
)

// Phase names a saga step.
type Phase string

const (
	PhaseReverse        Phase = "reverse"
	PhaseConsume        Phase = "consume"
	PhasePersistSale    Phase = "persist_sale"
	PhasePersistItems   Phase = "persist_items"
	PhasePersistAudit   Phase = "persist_audit"
	PhasePersistLedger  Phase = "persist_ledger"
	PhaseApplyFixedCost Phase = "apply_fixed_costs"
	PhaseRemoveSale     Phase = "remove_sale"
)

// Outcome tells callers how far a saga got before it stopped.
type Outcome string

const (
	// Committed means every fatal phase succeeded.
	Committed Outcome = "committed"
	// CompensatedFailure means the saga failed and every write was undone.
	CompensatedFailure Outcome = "compensated_failure"
	// UncompensatedFailure means a sale record exists in a partial state and needs reconciliation.
	UncompensatedFailure Outcome = "uncompensated_failure"
)

// SaleError is returned by every failed saga.
type SaleError struct {
	Kind    Kind
	Phase   Phase
	Outcome Outcome
	// SaleID is set once a sale record exists.
	SaleID           int64
	RollbackFailures []ledger.RollbackFailure
	Err              error
}

func (e *SaleError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "sales: %s in %s (%s)", e.Kind, e.Phase, e.Outcome)
	if e.SaleID != 0 {
		fmt.Fprintf(&b, " sale %d", e.SaleID)
	}
	if len(e.RollbackFailures) > 0 {
		fmt.Fprintf(&b, ", %d lot restores failed", len(e.RollbackFailures))
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	return b.String()
}

func (e *SaleError) Unwrap() error { return e.Err }

// RetainKey keeps the idempotency key once a sale record exists, so a retry cannot duplicate it.
func (e *SaleError) RetainKey() bool { return e.SaleID != 0 }

// Partial reports whether a sale record was left behind.
func (e *SaleError) Partial() bool { return e.Outcome == UncompensatedFailure }

// AsSaleError extracts a SaleError from err.
func AsSaleError(err error) (*SaleError, bool) {
	var se *SaleError
	if errors.As(err, &se) {
		return se, true
	}
	return nil, false
}
