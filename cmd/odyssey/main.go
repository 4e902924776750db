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
		slog.Default().Info("test mode detected, skipping server startup")
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

	idempotency := shared.NewIdempotencyStore(pool)
	auditLogger := shared.NewAuditLogger(pool)
	locker := ledger.NewRedisLocker(cache.NewLocker(redisClient), cfg.LedgerLockTTL, cfg.LedgerLockWait, logger)

	ledgerService := ledger.NewService(ledger.NewRepository(pool), idempotency, cfg.Ledger(), logger, ledgerMetrics)

	reportCache := attribution.NewCache(redisClient, cfg.ReportCacheTTL)
	salesService := sales.NewService(sales.NewRepository(pool), ledgerService, locker, auditLogger, idempotency, logger)
	salesService.SetObserver(ledgerMetrics)
	salesService.SetInvalidator(reportCache)

	procurementRepo := procurement.NewRepository(pool)
	costEngine := costing.NewEngine(procurement.CostSource(procurementRepo), ledgerService, salesService, locker, logger)
	procurementService := procurement.NewService(procurementRepo, ledgerService, costEngine, auditLogger, logger)
	procurementService.SetInvalidator(reportCache)

	attributionService := attribution.NewService(attribution.NewRepository(pool), reportCache, logger)

	redisOpts := asynq.RedisClientOpt{Addr: cfg.RedisAddr}
	jobClient, err := jobs.NewClient(redisOpts)
	if err != nil {
		logger.Error("init job client", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := jobClient.Close(); err != nil {
			logger.Warn("job client close", slog.Any("error", err))
		}
	}()
	inspector := asynq.NewInspector(redisOpts)
	defer func() {
		if err := inspector.Close(); err != nil {
			logger.Warn("job inspector close", slog.Any("error", err))
		}
	}()

	router := app.NewRouter(app.RouterParams{
		Logger:             logger,
		Config:             cfg,
		SalesHandler:       sales.NewHandler(logger, salesService),
		ProcurementHandler: procurement.NewHandler(logger, procurementService, jobClient),
		InventoryHandler:   ledger.NewHandler(logger, ledgerService),
		ReportHandler:      attribution.NewHandler(logger, attributionService),
		JobHandler:         jobs.NewHandler(inspector, logger),
		Metrics:            metrics,
		Checks: map[string]app.HealthCheck{
			"postgres": func(r *http.Request) error { return pool.Ping(r.Context()) },
			"redis":    func(r *http.Request) error { return redisClient.Ping(r.Context()).Err() },
		},
	})

	server := &http.Server{
		Addr:         cfg.AppAddr,
		Handler:      router,
		ReadTimeout:  cfg.AppReadTimeout,
		WriteTimeout: cfg.AppWriteTimeout,
	}

	go func() {
		logger.Info("starting http server",
			slog.String("addr", cfg.AppAddr),
			slog.String("shortfall_policy", cfg.LedgerShortfallPolicy),
		)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server", slog.Any("error", err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown", slog.Any("error", err))
	}
}
