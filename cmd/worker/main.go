package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/hibiken/asynq"

	"github.com/nxtleveltech1/MantisNXT-sub030/internal/app"
	"github.com/nxtleveltech1/MantisNXT-sub030/internal/catalog"
	"github.com/nxtleveltech1/MantisNXT-sub030/internal/categorize"
	"github.com/nxtleveltech1/MantisNXT-sub030/internal/ingest"
	jobmetrics "github.com/nxtleveltech1/MantisNXT-sub030/internal/jobs"
	"github.com/nxtleveltech1/MantisNXT-sub030/internal/platform/cache"
	"github.com/nxtleveltech1/MantisNXT-sub030/internal/platform/db"
	"github.com/nxtleveltech1/MantisNXT-sub030/internal/shared"
	"github.com/nxtleveltech1/MantisNXT-sub030/jobs"
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

	pool, err := db.New(ctx, cfg.PGDSN)
	if err != nil {
		logger.Error("connect postgres", slog.Any("error", err))
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

	auditLogger := shared.NewAuditLogger(pool)
	idemStore := shared.NewIdempotencyStore(pool)
	locker := shared.NewMergeLocker(redisClient, cfg.MergeLockTTL)

	ingestRepo := ingest.NewRepository(pool)
	ingestService := ingest.NewService(
		ingestRepo,
		ingest.NewParser(cfg.DefaultCurrency),
		ingest.NewValidator(),
		auditLogger,
		nil,
		ingest.ServiceConfig{MaxUploadBytes: cfg.MaxUploadBytes},
	)

	catalogRepo := catalog.NewRepository(pool)
	catalogService := catalog.NewService(
		catalogRepo,
		ingestService,
		locker,
		idemStore,
		auditLogger,
		nil,
		catalog.NewLogEventSink(logger),
		catalog.ServiceConfig{AnomalyThresholdPct: cfg.PriceAnomalyThresholdPct},
	)

	categorizeRepo := categorize.NewRepository(pool)
	categorizeService := categorize.NewService(
		categorizeRepo,
		categorize.NewMatcherClassifier(),
		auditLogger,
		nil,
		categorize.ServiceConfig{
			AutoApplyThreshold: cfg.AIAutoApplyThreshold,
			ConfidenceFloor:    cfg.AIConfidenceThreshold,
		},
	)

	workerMetrics := jobmetrics.NewMetrics(nil)
	mergeJob := jobs.NewPricelistMergeJob(catalogService, logger, workerMetrics)
	categorizeJob := jobs.NewCategorizeBatchJob(categorizeService, logger, workerMetrics)
	cleanupJob := jobs.NewIdempotencyCleanupJob(idemStore, logger, workerMetrics)

	worker, err := jobs.NewWorker(jobs.WorkerConfig{
		RedisOpts: asynq.RedisClientOpt{Addr: cfg.RedisAddr},
		Logger:    logger,
		Handlers: []jobs.TaskHandler{
			{Type: jobs.TaskPricelistMerge, Handler: mergeJob.Handle},
			{Type: jobs.TaskCategorizeBatch, Handler: categorizeJob.Handle},
			{Type: jobs.TaskIdempotencyCleanup, Handler: cleanupJob.Handle},
		},
		Cron: []jobs.CronRegistration{
			{Spec: "0 3 * * *", Task: jobs.NewIdempotencyCleanupTask(), Options: []asynq.Option{asynq.MaxRetry(3)}},
		},
	})
	if err != nil {
		logger.Error("init worker", slog.Any("error", err))
		os.Exit(1)
	}

	if err := worker.Run(ctx); err != nil && err != context.Canceled {
		logger.Error("worker run", slog.Any("error", err))
		os.Exit(1)
	}
}
