package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/hibiken/asynq"
	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/odyssey-ledger/internal/costing"
	jobmetrics "github.com/odyssey-erp/odyssey-ledger/internal/jobs"
	"github.com/odyssey-erp/odyssey-ledger/internal/shared"
)

// DutyApplier applies a duty figure to a purchase order.
type DutyApplier interface {
	ApplyDeferredDuty(ctx context.Context, purchaseOrderID int64, duty decimal.Decimal) (costing.Correction, error)
}

// CostRecomputeJob runs deferred cost corrections queued by the API.
type CostRecomputeJob struct {
	Procurement DutyApplier
	Logger      *slog.Logger
	Metrics     *jobmetrics.Metrics
}

// NewCostRecomputeJob initialises the cost correction handler.
func NewCostRecomputeJob(procurement DutyApplier, logger *slog.Logger, metrics *jobmetrics.Metrics) *CostRecomputeJob {
	return &CostRecomputeJob{Procurement: procurement, Logger: logger, Metrics: metrics}
}

// Handle executes one cost correction.
func (j *CostRecomputeJob) Handle(ctx context.Context, t *asynq.Task) error {
	if j == nil || j.Procurement == nil {
		return errors.New("cost recompute: handler not configured")
	}
	var payload CostRecomputePayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return fmt.Errorf("cost recompute: decode payload: %v: %w", err, asynq.SkipRetry)
	}
	if payload.PurchaseOrderID <= 0 {
		return fmt.Errorf("cost recompute: purchase order required: %w", asynq.SkipRetry)
	}

	tracker := metricsOrDefault(j.Metrics).Track(TaskCostRecompute)
	logger := jobLogger(j.Logger, TaskCostRecompute).With(
		slog.Int64("purchase_order_id", payload.PurchaseOrderID),
		slog.String("duty", payload.Duty.String()),
	)

	correction, err := j.Procurement.ApplyDeferredDuty(ctx, payload.PurchaseOrderID, payload.Duty)
	if err != nil {
		logger.Error("cost recompute failed", slog.Any("error", err))
		err = tracker.End(err)
		if errors.Is(err, shared.ErrValidation) || errors.Is(err, shared.ErrNotFound) || errors.Is(err, shared.ErrConflict) {
			return fmt.Errorf("%w: %w", err, asynq.SkipRetry)
		}
		return err
	}
	logger.Info("cost recompute completed",
		slog.Int("lots_updated", correction.LotsUpdated),
		slog.Int("sales_flagged", correction.SalesFlagged),
	)
	return tracker.End(nil)
}

func jobLogger(logger *slog.Logger, job string) *slog.Logger {
	if logger != nil {
		return logger.With(slog.String("job", job))
	}
	return slog.Default().With(slog.String("job", job))
}

func metricsOrDefault(metrics *jobmetrics.Metrics) *jobmetrics.Metrics {
	if metrics != nil {
		return metrics
	}
	return defaultJobMetrics
}
