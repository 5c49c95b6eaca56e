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

	"github.com/nxtleveltech1/MantisNXT-sub030/internal/app"
	"github.com/nxtleveltech1/MantisNXT-sub030/internal/catalog"
	"github.com/nxtleveltech1/MantisNXT-sub030/internal/categorize"
	"github.com/nxtleveltech1/MantisNXT-sub030/internal/ingest"
	"github.com/nxtleveltech1/MantisNXT-sub030/internal/observability"
	"github.com/nxtleveltech1/MantisNXT-sub030/internal/platform/cache"
	"github.com/nxtleveltech1/MantisNXT-sub030/internal/platform/db"
	"github.com/nxtleveltech1/MantisNXT-sub030/internal/selection"
	"github.com/nxtleveltech1/MantisNXT-sub030/internal/shared"
	"github.com/nxtleveltech1/MantisNXT-sub030/jobs"
)

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping runtime startup")
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

	metrics := observability.NewMetrics()
	auditLogger := shared.NewAuditLogger(pool)
	idemStore := shared.NewIdempotencyStore(pool)
	locker := shared.NewMergeLocker(redisClient, cfg.MergeLockTTL)

	redisOpts := asynq.RedisClientOpt{Addr: cfg.RedisAddr}
	jobsClient, err := jobs.NewClient(redisOpts)
	if err != nil {
		logger.Error("connect job queue", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := jobsClient.Close(); err != nil {
			logger.Warn("jobs client close", slog.Any("error", err))
		}
	}()

	ingestRepo := ingest.NewRepository(pool)
	ingestService := ingest.NewService(
		ingestRepo,
		ingest.NewParser(cfg.DefaultCurrency),
		ingest.NewValidator(),
		auditLogger,
		metrics,
		ingest.ServiceConfig{MaxUploadBytes: cfg.MaxUploadBytes},
	)
	ingestHandler := ingest.NewHandler(logger, ingestService)

	catalogRepo := catalog.NewRepository(pool)
	catalogService := catalog.NewService(
		catalogRepo,
		ingestService,
		locker,
		idemStore,
		auditLogger,
		metrics,
		catalog.NewLogEventSink(logger),
		catalog.ServiceConfig{AnomalyThresholdPct: cfg.PriceAnomalyThresholdPct},
	)
	catalogHandler := catalog.NewHandler(logger, catalogService, jobsClient)

	categorizeRepo := categorize.NewRepository(pool)
	categorizeService := categorize.NewService(
		categorizeRepo,
		categorize.NewMatcherClassifier(),
		auditLogger,
		metrics,
		categorize.ServiceConfig{
			AutoApplyThreshold: cfg.AIAutoApplyThreshold,
			ConfidenceFloor:    cfg.AIConfidenceThreshold,
		},
	)
	categorizeHandler := categorize.NewHandler(logger, categorizeService, jobsClient)

	selectionRepo := selection.NewRepository(pool)
	selectionService := selection.NewService(selectionRepo, ingestService, auditLogger)
	selectionHandler := selection.NewHandler(logger, selectionService)

	jobsHandler := jobs.NewHandler(asynq.NewInspector(redisOpts), logger)

	router := app.NewRouter(app.RouterParams{
		Logger:            logger,
		Config:            cfg,
		IngestHandler:     ingestHandler,
		CatalogHandler:    catalogHandler,
		CategorizeHandler: categorizeHandler,
		SelectionHandler:  selectionHandler,
		JobsHandler:       jobsHandler,
		Metrics:           metrics,
	})

	server := &http.Server{
		Addr:         cfg.AppAddr,
		Handler:      router,
		ReadTimeout:  cfg.AppReadTimeout,
		WriteTimeout: cfg.AppWriteTimeout,
	}

	go func() {
		logger.Info("http server listening", slog.String("addr", cfg.AppAddr))
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
		logger.Error("server shutdown", slog.Any("error", err))
	}
}
