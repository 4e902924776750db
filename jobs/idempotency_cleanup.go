package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/odyssey-erp/odyssey-ledger/internal/jobs"
)

// KeyCleaner purges idempotency keys of a module.
type KeyCleaner interface {
	Cleanup(ctx context.Context, module string, olderThan time.Duration) (int64, error)
}

// IdempotencyCleanupJob purges expired idempotency keys of one module.
type IdempotencyCleanupJob struct {
	Store   KeyCleaner
	Logger  *slog.Logger
	Metrics *jobmetrics.Metrics
}

// NewIdempotencyCleanupJob initialises the cleanup handler.
func NewIdempotencyCleanupJob(store KeyCleaner, logger *slog.Logger, metrics *jobmetrics.Metrics) *IdempotencyCleanupJob {
	return &IdempotencyCleanupJob{Store: store, Logger: logger, Metrics: metrics}
}

// Handle executes the purge.
func (j *IdempotencyCleanupJob) Handle(ctx context.Context, t *asynq.Task) error {
	if j == nil || j.Store == nil {
		return errors.New("idempotency cleanup: handler not configured")
	}
	var payload IdempotencyCleanupPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return fmt.Errorf("idempotency cleanup: decode payload: %v: %w", err, asynq.SkipRetry)
	}
	if payload.Module == "" || payload.Retention <= 0 {
		return fmt.Errorf("idempotency cleanup: module and retention required: %w", asynq.SkipRetry)
	}
	tracker := metricsOrDefault(j.Metrics).Track(TaskIdempotencyCleanup)
	logger := jobLogger(j.Logger, TaskIdempotencyCleanup).With(slog.String("module", payload.Module))

	removed, err := j.Store.Cleanup(ctx, payload.Module, payload.Retention)
	if err != nil {
		logger.Error("cleanup failed", slog.Any("error", err))
		return tracker.End(err)
	}
	logger.Info("idempotency keys purged", slog.Int64("removed", removed), slog.Duration("retention", payload.Retention))
	return tracker.End(nil)
}
