package jobs

import (
	"encoding/json"
	"time"

	"github.com/hibiken/asynq"
	"github.com/shopspring/decimal"

	jobmetrics "github.com/odyssey-erp/odyssey-ledger/internal/jobs"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskCostRecompute re-runs landed cost for an arrived purchase order.
	TaskCostRecompute = "costing:recompute"
	// TaskLedgerIntegrity scans lots for quantity invariant breaches.
	TaskLedgerIntegrity = "ledger:integrity"
	// TaskSalesPendingCogs counts cost-pending sales that could be reconciled.
	TaskSalesPendingCogs = "sales:pending-cogs"
	// TaskIdempotencyCleanup purges expired sale idempotency keys.
	TaskIdempotencyCleanup = "idempotency:cleanup"
)

var defaultJobMetrics = jobmetrics.NewMetrics(nil)

// CostRecomputePayload carries the duty to apply to a purchase order.
type CostRecomputePayload struct {
	PurchaseOrderID int64           `json:"purchase_order_id"`
	Duty            decimal.Decimal `json:"duty"`
}

// NewCostRecomputeTask constructs an Asynq task for a deferred duty correction.
func NewCostRecomputeTask(purchaseOrderID int64, duty decimal.Decimal) (*asynq.Task, error) {
	body, err := json.Marshal(CostRecomputePayload{PurchaseOrderID: purchaseOrderID, Duty: duty})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskCostRecompute, body, asynq.Queue(QueueDefault), asynq.MaxRetry(5)), nil
}

// ScanPayload carries scheduling metadata for periodic scans.
type ScanPayload struct {
	ScheduledFor time.Time `json:"scheduled_for"`
}

// NewLedgerIntegrityTask constructs the nightly lot integrity scan.
func NewLedgerIntegrityTask(at time.Time) (*asynq.Task, error) {
	return newScanTask(TaskLedgerIntegrity, at)
}

// NewPendingCogsTask constructs the nightly cost-pending sales scan.
func NewPendingCogsTask(at time.Time) (*asynq.Task, error) {
	return newScanTask(TaskSalesPendingCogs, at)
}

// IdempotencyCleanupPayload configures a key purge.
type IdempotencyCleanupPayload struct {
	Module    string        `json:"module"`
	Retention time.Duration `json:"retention"`
}

// NewIdempotencyCleanupTask constructs a purge of module keys older than retention.
func NewIdempotencyCleanupTask(module string, retention time.Duration) (*asynq.Task, error) {
	body, err := json.Marshal(IdempotencyCleanupPayload{Module: module, Retention: retention})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskIdempotencyCleanup, body, asynq.Queue(QueueDefault)), nil
}

func newScanTask(taskType string, at time.Time) (*asynq.Task, error) {
	body, err := json.Marshal(ScanPayload{ScheduledFor: at})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(taskType, body, asynq.Queue(QueueDefault)), nil
}
