package jobs

import (
	"context"
	"errors"
	"log/slog"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/odyssey-erp/odyssey-ledger/internal/jobs"
	"github.com/odyssey-erp/odyssey-ledger/internal/sales"
)

// PendingCogsScanner summarises cost-pending sales.
type PendingCogsScanner interface {
	ScanPendingCogs(ctx context.Context) (sales.PendingCogsSummary, error)
}

// PendingCogsJob counts cost-pending sales whose lots no longer wait on a landed cost.
type PendingCogsJob struct {
	Sales   PendingCogsScanner
	Logger  *slog.Logger
	Metrics *jobmetrics.Metrics
}

// NewPendingCogsJob initialises the pending COGS handler.
func NewPendingCogsJob(scanner PendingCogsScanner, logger *slog.Logger, metrics *jobmetrics.Metrics) *PendingCogsJob {
	return &PendingCogsJob{Sales: scanner, Logger: logger, Metrics: metrics}
}

// Handle executes the scan and logs a summary.
func (j *PendingCogsJob) Handle(ctx context.Context, _ *asynq.Task) error {
	if j == nil || j.Sales == nil {
		return errors.New("pending cogs: handler not configured")
	}
	tracker := metricsOrDefault(j.Metrics).Track(TaskSalesPendingCogs)
	logger := jobLogger(j.Logger, TaskSalesPendingCogs)

	summary, err := j.Sales.ScanPendingCogs(ctx)
	if err != nil {
		logger.Error("scan failed", slog.Any("error", err))
		return tracker.End(err)
	}
	metricsOrDefault(j.Metrics).SetReconcilable(len(summary.Reconcilable))
	logger.Info("cost-pending sales scanned",
		slog.Int("pending", summary.Pending),
		slog.Int("reconcilable", len(summary.Reconcilable)),
		slog.Any("sale_ids", summary.Reconcilable),
	)
	return tracker.End(nil)
}
