package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	"github.com/nxtleveltech1/MantisNXT-sub030/internal/catalog"
	jobmetrics "github.com/nxtleveltech1/MantisNXT-sub030/internal/jobs"
	"github.com/nxtleveltech1/MantisNXT-sub030/internal/shared"
)

// PricelistMergeJob merges validated uploads in the background.
type PricelistMergeJob struct {
	Service *catalog.Service
	Logger  *slog.Logger
	Metrics *jobmetrics.Metrics
}

// NewPricelistMergeJob initialises the merge handler.
func NewPricelistMergeJob(service *catalog.Service, logger *slog.Logger, metrics *jobmetrics.Metrics) *PricelistMergeJob {
	return &PricelistMergeJob{Service: service, Logger: logger, Metrics: metrics}
}

// Handle executes the merge.
func (j *PricelistMergeJob) Handle(ctx context.Context, t *asynq.Task) error {
	if j == nil || j.Service == nil {
		return errors.New("pricelist merge: handler not configured")
	}
	var payload PricelistMergePayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}

	tracker := j.Metrics.Track(TaskPricelistMerge)
	var resultErr error
	defer func() {
		resultErr = tracker.End(resultErr)
	}()

	logger := j.Logger.With(slog.String("upload_id", payload.UploadID.String()))
	started := time.Now()

	result, err := j.Service.MergeUpload(ctx, catalog.MergeInput{
		UploadID: payload.UploadID,
		ActorID:  payload.ActorID,
	})
	switch {
	case errors.Is(err, catalog.ErrAlreadyMerged):
		// Redelivery after success. Nothing to do.
		logger.Info("upload already merged")
		return nil
	case errors.Is(err, catalog.ErrUploadNotMergeable), errors.Is(err, catalog.ErrMergeAborted):
		logger.Warn("merge rejected", slog.Any("error", err))
		resultErr = err
		return asynq.SkipRetry
	case errors.Is(err, shared.ErrLocked):
		// Another merge for the same supplier holds the lock; let asynq retry.
		logger.Info("supplier busy, retrying later")
		resultErr = err
		return resultErr
	case err != nil:
		logger.Error("merge failed", slog.Any("error", err))
		resultErr = err
		return resultErr
	}

	logger.Info("merge completed",
		slog.Int("products_created", result.ProductsCreated),
		slog.Int("products_updated", result.ProductsUpdated),
		slog.Int("prices_appended", result.PricesAppended),
		slog.Int("rows_failed", result.RowsFailed),
		slog.Duration("duration", time.Since(started)),
	)
	return nil
}
