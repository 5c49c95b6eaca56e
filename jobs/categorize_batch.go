package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	"github.com/nxtleveltech1/MantisNXT-sub030/internal/categorize"
	jobmetrics "github.com/nxtleveltech1/MantisNXT-sub030/internal/jobs"
)

// CategorizeBatchJob classifies uncategorized products in the background.
type CategorizeBatchJob struct {
	Service *categorize.Service
	Logger  *slog.Logger
	Metrics *jobmetrics.Metrics
}

// NewCategorizeBatchJob initialises the categorization handler.
func NewCategorizeBatchJob(service *categorize.Service, logger *slog.Logger, metrics *jobmetrics.Metrics) *CategorizeBatchJob {
	return &CategorizeBatchJob{Service: service, Logger: logger, Metrics: metrics}
}

// Handle executes one categorization batch.
func (j *CategorizeBatchJob) Handle(ctx context.Context, t *asynq.Task) error {
	if j == nil || j.Service == nil {
		return errors.New("categorize batch: handler not configured")
	}
	var payload CategorizeBatchPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}

	tracker := j.Metrics.Track(TaskCategorizeBatch)
	var resultErr error
	defer func() {
		resultErr = tracker.End(resultErr)
	}()

	started := time.Now()
	result, err := j.Service.CategorizeProducts(ctx, categorize.BatchInput{
		SupplierID: payload.SupplierID,
		Limit:      payload.Limit,
	})
	if err != nil {
		j.Logger.Error("categorize batch failed", slog.Any("error", err))
		resultErr = err
		return resultErr
	}

	j.Logger.Info("categorize batch completed",
		slog.Int("processed", result.Processed),
		slog.Int("auto_applied", result.AutoApplied),
		slog.Int("proposed", result.Proposed),
		slog.Int("skipped", result.Skipped),
		slog.Duration("duration", time.Since(started)),
	)
	return nil
}
