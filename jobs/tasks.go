package jobs

import (
	"encoding/json"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskPricelistMerge merges a validated upload into the catalog ledgers.
	TaskPricelistMerge = "pricelist:merge"
	// TaskCategorizeBatch runs a categorization batch.
	TaskCategorizeBatch = "categorize:batch"
	// TaskIdempotencyCleanup prunes expired idempotency keys.
	TaskIdempotencyCleanup = "maintenance:idempotency_cleanup"
)

// PricelistMergePayload identifies the upload to merge.
type PricelistMergePayload struct {
	UploadID uuid.UUID `json:"upload_id"`
	ActorID  string    `json:"actor_id,omitempty"`
}

// NewPricelistMergeTask constructs an Asynq task.
func NewPricelistMergeTask(payload PricelistMergePayload) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskPricelistMerge, data), nil
}

// CategorizeBatchPayload scopes a categorization run.
type CategorizeBatchPayload struct {
	SupplierID uuid.UUID `json:"supplier_id,omitempty"`
	Limit      int       `json:"limit,omitempty"`
}

// NewCategorizeBatchTask constructs an Asynq task.
func NewCategorizeBatchTask(payload CategorizeBatchPayload) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskCategorizeBatch, data), nil
}

// NewIdempotencyCleanupTask constructs the maintenance task.
func NewIdempotencyCleanupTask() *asynq.Task {
	return asynq.NewTask(TaskIdempotencyCleanup, nil)
}
