package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"

	"github.com/odyssey-erp/odyssey-ledger/internal/app"
	"github.com/odyssey-erp/odyssey-ledger/internal/attribution"
	"github.com/odyssey-erp/odyssey-ledger/internal/costing"
	jobmetrics "github.com/odyssey-erp/odyssey-ledger/internal/jobs"
	"github.com/odyssey-erp/odyssey-ledger/internal/ledger"
	"github.com/odyssey-erp/odyssey-ledger/internal/observability"
	"github.com/odyssey-erp/odyssey-ledger/internal/platform/cache"
	"github.com/odyssey-erp/odyssey-ledger/internal/platform/db"
	"github.com/odyssey-erp/odyssey-ledger/internal/procurement"
	"github.com/odyssey-erp/odyssey-ledger/internal/sales"
	"github.com/odyssey-erp/odyssey-ledger/internal/shared"
	"github.com/odyssey-erp/odyssey-ledger/jobs"
)

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping worker startup")
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		os.Exit(1)
	}

	logger := app.NewLogger(cfg)

	pool, err := db.New(ctx, cfg.PGDSN, cfg.PGMaxConns)
	if err != nil {
		logger.Error("connect database", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	redisClient, err := cache.New(ctx, cfg.RedisAddr)
	if err != nil {
		logger.Error("connect redis", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Warn("redis close", slog.Any("error", err))
		}
	}()

	metrics := observability.NewMetrics()
	ledgerMetrics := observability.NewLedgerMetrics(metrics.Registerer())
	jobMetrics := jobmetrics.NewMetrics(metrics.Registerer())

	idempotency := shared.NewIdempotencyStore(pool)
	auditLogger := shared.NewAuditLogger(pool)
	locker := ledger.NewRedisLocker(cache.NewLocker(redisClient), cfg.LedgerLockTTL, cfg.LedgerLockWait, logger)

	ledgerService := ledger.NewService(ledger.NewRepository(pool), idempotency, cfg.Ledger(), logger, ledgerMetrics)
	salesService := sales.NewService(sales.NewRepository(pool), ledgerService, locker, auditLogger, idempotency, logger)
	salesService.SetObserver(ledgerMetrics)
	reportCache := attribution.NewCache(redisClient, cfg.ReportCacheTTL)
	salesService.SetInvalidator(reportCache)

	procurementRepo := procurement.NewRepository(pool)
	costEngine := costing.NewEngine(procurement.CostSource(procurementRepo), ledgerService, salesService, locker, logger)
	procurementService := procurement.NewService(procurementRepo, ledgerService, costEngine, auditLogger, logger)
	procurementService.SetInvalidator(reportCache)

	costJob := jobs.NewCostRecomputeJob(procurementService, logger, jobMetrics)
	integrityJob := jobs.NewLedgerIntegrityJob(ledgerService, logger, jobMetrics)
	pendingJob := jobs.NewPendingCogsJob(salesService, logger, jobMetrics)
	cleanupJob := jobs.NewIdempotencyCleanupJob(idempotency, logger, jobMetrics)

	now := time.Now().UTC()
	integrityTask, err := jobs.NewLedgerIntegrityTask(now)
	if err != nil {
		logger.Error("build integrity task", slog.Any("error", err))
		os.Exit(1)
	}
	pendingTask, err := jobs.NewPendingCogsTask(now)
	if err != nil {
		logger.Error("build pending cogs task", slog.Any("error", err))
		os.Exit(1)
	}
	cleanupTask, err := jobs.NewIdempotencyCleanupTask(sales.IdempotencyModule, cfg.IdempotencyRetention)
	if err != nil {
		logger.Error("build cleanup task", slog.Any("error", err))
		os.Exit(1)
	}

	worker, err := jobs.NewWorker(jobs.WorkerConfig{
		RedisOpts:   asynq.RedisClientOpt{Addr: cfg.RedisAddr},
		Logger:      logger,
		Concurrency: cfg.WorkerConcurrency,
		Handlers: []jobs.TaskHandler{
			{Type: jobs.TaskCostRecompute, Handler: costJob.Handle},
			{Type: jobs.TaskLedgerIntegrity, Handler: integrityJob.Handle},
			{Type: jobs.TaskSalesPendingCogs, Handler: pendingJob.Handle},
			{Type: jobs.TaskIdempotencyCleanup, Handler: cleanupJob.Handle},
		},
		Cron: []jobs.CronRegistration{
			{Spec: cfg.IntegrityCron, Task: integrityTask, Options: []asynq.Option{asynq.MaxRetry(3)}},
			{Spec: cfg.PendingCogsCron, Task: pendingTask, Options: []asynq.Option{asynq.MaxRetry(3)}},
			{Spec: cfg.IdempotencyCron, Task: cleanupTask, Options: []asynq.Option{asynq.MaxRetry(3)}},
		},
	})
	if err != nil {
		logger.Error("init worker", slog.Any("error", err))
		os.Exit(1)
	}

	if cfg.WorkerMetricsAddr != "" {
		metricsServer := &http.Server{Addr: cfg.WorkerMetricsAddr, Handler: metrics.Handler(), ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Warn("worker metrics server", slog.Any("error", err))
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = metricsServer.Shutdown(shutdownCtx)
		}()
	}

	if err := worker.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("worker run", slog.Any("error", err))
		os.Exit(1)
	}
}
