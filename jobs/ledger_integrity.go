package jobs

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/odyssey-erp/odyssey-ledger/internal/jobs"
	"github.com/odyssey-erp/odyssey-ledger/internal/ledger"
)

// IntegrityChecker scans lots for invariant breaches.
type IntegrityChecker interface {
	CheckIntegrity(ctx context.Context) ([]ledger.Violation, error)
}

// LedgerIntegrityJob reports lots whose consumed or remaining units exceed what was received.
type LedgerIntegrityJob struct {
	Ledger  IntegrityChecker
	Logger  *slog.Logger
	Metrics *jobmetrics.Metrics
}

// NewLedgerIntegrityJob initialises the integrity scan handler.
func NewLedgerIntegrityJob(checker IntegrityChecker, logger *slog.Logger, metrics *jobmetrics.Metrics) *LedgerIntegrityJob {
	return &LedgerIntegrityJob{Ledger: checker, Logger: logger, Metrics: metrics}
}

// Handle executes the scan. Violations are logged, not repaired.
func (j *LedgerIntegrityJob) Handle(ctx context.Context, _ *asynq.Task) error {
	if j == nil || j.Ledger == nil {
		return errors.New("ledger integrity: handler not configured")
	}
	start := time.Now()
	tracker := metricsOrDefault(j.Metrics).Track(TaskLedgerIntegrity)
	logger := jobLogger(j.Logger, TaskLedgerIntegrity)
	logger.Info("starting ledger integrity scan")

	violations, err := j.Ledger.CheckIntegrity(ctx)
	if err != nil {
		logger.Error("scan failed", slog.Any("error", err))
		return tracker.End(err)
	}
	for _, v := range violations {
		logger.Warn("lot invariant violated",
			slog.Int64("lot_id", v.LotID),
			slog.Int64("variant_id", v.VariantID),
			slog.String("reason", v.Reason),
		)
	}
	metricsOrDefault(j.Metrics).AddViolations(len(violations))

	logger.Info("completed ledger integrity scan",
		slog.Int("violations", len(violations)),
		slog.Duration("duration", time.Since(start)),
	)
	return tracker.End(nil)
}
