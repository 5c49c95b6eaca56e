package catalog

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/nxtleveltech1/MantisNXT-sub030/internal/ingest"
	"github.com/nxtleveltech1/MantisNXT-sub030/internal/shared"
)

// RepositoryPort abstracts repository usage for the service.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	GetProduct(ctx context.Context, id uuid.UUID) (SupplierProduct, error)
	ListProducts(ctx context.Context, filter ListProductsFilter) ([]SupplierProduct, int, error)
	PriceHistory(ctx context.Context, productID uuid.UUID) ([]PriceVersion, error)
	GetStock(ctx context.Context, productID uuid.UUID) ([]StockSnapshot, error)
	Dashboard(ctx context.Context) (DashboardMetrics, error)
}

// StagingPort exposes the upload pipeline to the merge engine.
type StagingPort interface {
	GetUpload(ctx context.Context, id uuid.UUID) (ingest.Upload, error)
	StagedRows(ctx context.Context, uploadID uuid.UUID) ([]ingest.StagedRow, error)
	SetStatus(ctx context.Context, uploadID uuid.UUID, status ingest.UploadStatus, errorMessage string) error
}

// LockPort serialises merges per supplier.
type LockPort interface {
	WithLock(ctx context.Context, supplierID string, fn func(context.Context) error) error
}

// IdempotencyPort enforces merge-once semantics per upload.
type IdempotencyPort interface {
	CheckAndInsert(ctx context.Context, key, module string) error
	Delete(ctx context.Context, key string) error
}

// AuditPort abstracts audit logging.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// MetricsPort counts merge activity.
type MetricsPort interface {
	ObserveMergeRow(outcome string)
	ObservePriceChange()
	ObserveAnomaly()
}

// ServiceConfig groups merge thresholds.
type ServiceConfig struct {
	// AnomalyThresholdPct flags price moves whose absolute percent change
	// exceeds this value. Zero disables flagging.
	AnomalyThresholdPct float64
}

// Service coordinates identity resolution, the price and stock ledgers, and
// the merge engine.
type Service struct {
	repo        RepositoryPort
	staging     StagingPort
	locks       LockPort
	idempotency IdempotencyPort
	audit       AuditPort
	metrics     MetricsPort
	events      PriceEventSink
	cfg         ServiceConfig
}

// NewService builds Service.
func NewService(repo RepositoryPort, staging StagingPort, locks LockPort, idem IdempotencyPort, audit AuditPort, metrics MetricsPort, events PriceEventSink, cfg ServiceConfig) *Service {
	return &Service{
		repo:        repo,
		staging:     staging,
		locks:       locks,
		idempotency: idem,
		audit:       audit,
		metrics:     metrics,
		events:      events,
		cfg:         cfg,
	}
}

// MergeInput identifies the upload to merge.
type MergeInput struct {
	UploadID uuid.UUID
	ActorID  string
}

// MergeUpload merges a validated upload into the catalog ledgers. Row failures
// are isolated in savepoints; the whole merge rolls back when more than half
// of the attempted rows fail. Each upload merges at most once.
func (s *Service) MergeUpload(ctx context.Context, input MergeInput) (MergeResult, error) {
	upload, err := s.staging.GetUpload(ctx, input.UploadID)
	if err != nil {
		return MergeResult{}, err
	}
	switch upload.Status {
	case ingest.UploadStatusValidated:
	case ingest.UploadStatusMerged, ingest.UploadStatusServed:
		return MergeResult{}, ErrAlreadyMerged
	default:
		return MergeResult{}, fmt.Errorf("%w: status %s", ErrUploadNotMergeable, upload.Status)
	}

	var result MergeResult
	lockErr := s.locks.WithLock(ctx, upload.SupplierID.String(), func(ctx context.Context) error {
		key := "merge:" + input.UploadID.String()
		if err := s.claimMergeKey(ctx, key, input.UploadID); err != nil {
			return err
		}

		res, err := s.merge(ctx, upload)
		if err != nil {
			_ = s.idempotency.Delete(ctx, key)
			_ = s.staging.SetStatus(ctx, input.UploadID, ingest.UploadStatusError, err.Error())
			return err
		}
		result = res
		return nil
	})
	if lockErr != nil {
		return MergeResult{}, lockErr
	}

	if s.audit != nil {
		_ = s.audit.Record(ctx, shared.AuditLog{
			ActorID:  input.ActorID,
			Action:   "catalog:merge",
			Entity:   "pricelist_upload",
			EntityID: input.UploadID.String(),
			Meta: map[string]any{
				"supplier_id":      upload.SupplierID.String(),
				"products_created": result.ProductsCreated,
				"products_updated": result.ProductsUpdated,
				"prices_appended":  result.PricesAppended,
				"rows_failed":      result.RowsFailed,
			},
		})
	}
	return result, nil
}

// claimMergeKey inserts the merge-once key. A conflicting key under an upload
// still in validated status is an orphan from an attempt that died before its
// transaction committed, so it is reclaimed instead of refused.
func (s *Service) claimMergeKey(ctx context.Context, key string, uploadID uuid.UUID) error {
	err := s.idempotency.CheckAndInsert(ctx, key, "catalog")
	if err == nil {
		return nil
	}
	if !errors.Is(err, shared.ErrIdempotencyConflict) {
		return err
	}
	upload, err := s.staging.GetUpload(ctx, uploadID)
	if err != nil {
		return err
	}
	if upload.Status != ingest.UploadStatusValidated {
		return ErrAlreadyMerged
	}
	if err := s.idempotency.Delete(ctx, key); err != nil {
		return err
	}
	return s.idempotency.CheckAndInsert(ctx, key, "catalog")
}

func (s *Service) merge(ctx context.Context, upload ingest.Upload) (MergeResult, error) {
	started := time.Now()
	rows, err := s.staging.StagedRows(ctx, upload.ID)
	if err != nil {
		return MergeResult{}, err
	}
	rows = dedupeFirstWins(rows)

	result := MergeResult{UploadID: upload.ID}
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		attempted := 0
		for _, row := range rows {
			if reason := mergeBlocker(row); reason != "" {
				result.RowsFailed++
				result.Errors = append(result.Errors, RowError{
					RowNumber:   row.RowNumber,
					SupplierSKU: row.SupplierSKU,
					Message:     reason,
				})
				s.observeRow("rejected")
				continue
			}
			attempted++
			rowErr := tx.RunNested(ctx, func(ctx context.Context, nested TxRepository) error {
				return s.mergeRow(ctx, nested, upload, row, &result)
			})
			if rowErr != nil {
				result.RowsFailed++
				result.Errors = append(result.Errors, RowError{
					RowNumber:   row.RowNumber,
					SupplierSKU: row.SupplierSKU,
					Message:     rowErr.Error(),
				})
				s.observeRow("failed")
				continue
			}
			s.observeRow("merged")
		}
		if attempted > 0 && result.RowsFailed*2 > len(rows) {
			return ErrMergeAborted
		}
		if attempted == 0 {
			return fmt.Errorf("%w: no mergeable rows", ErrUploadNotMergeable)
		}
		if err := tx.ClearNewFlags(ctx, upload.SupplierID, upload.ID); err != nil {
			return err
		}
		// The status flip commits or rolls back with the ledger writes, so a
		// crash can never leave merged data under a validated upload.
		return tx.MarkUploadMerged(ctx, upload.ID)
	})
	if err != nil {
		return MergeResult{}, err
	}
	result.DurationMS = time.Since(started).Milliseconds()
	return result, nil
}

func (s *Service) mergeRow(ctx context.Context, tx TxRepository, upload ingest.Upload, row ingest.StagedRow, result *MergeResult) error {
	name := row.Name
	if name == "" {
		name = row.SupplierSKU
	}
	productID, created, err := tx.UpsertProduct(ctx, SupplierProduct{
		SupplierID:       upload.SupplierID,
		SupplierSKU:      strings.TrimSpace(row.SupplierSKU),
		Name:             name,
		Description:      row.Description,
		Brand:            row.Brand,
		UOM:              row.UOM,
		PackSize:         row.PackSize,
		Barcode:          row.Barcode,
		Attrs:            row.Attrs,
		LastSeenUploadID: upload.ID,
	})
	if err != nil {
		return err
	}
	if created {
		result.ProductsCreated++
	} else {
		result.ProductsUpdated++
	}

	if row.Price.IsPositive() {
		current, err := tx.GetCurrentPrice(ctx, productID)
		switch {
		case errors.Is(err, ErrNoCurrentPrice):
			if err := tx.AppendPrice(ctx, PriceVersion{
				SupplierProductID: productID,
				UploadID:          upload.ID,
				Price:             RoundForCurrency(row.Price, row.Currency),
				Currency:          row.Currency,
			}); err != nil {
				return err
			}
			result.PricesAppended++
			s.observePrice()
		case err != nil:
			return err
		case SamePrice(current.Price, current.Currency, row.Price, row.Currency):
			result.PricesUnchanged++
		default:
			if err := tx.AppendPrice(ctx, PriceVersion{
				SupplierProductID: productID,
				UploadID:          upload.ID,
				Price:             RoundForCurrency(row.Price, row.Currency),
				Currency:          row.Currency,
			}); err != nil {
				return err
			}
			result.PricesAppended++
			s.observePrice()
			s.emitPriceChange(ctx, upload.ID, productID, row, current, result)
		}
	}

	if row.QtyOnHand != nil {
		snapshot := StockSnapshot{
			SupplierProductID: productID,
			LocationID:        locationOrDefault(row.Location),
			QtyOnHand:         *row.QtyOnHand,
			Source:            StockSourceImport,
			UploadID:          upload.ID,
		}
		// Only a priced row may overwrite the unit cost; otherwise the
		// previous snapshot's cost survives.
		if row.Price.IsPositive() {
			cost := RoundForCurrency(row.Price, row.Currency)
			snapshot.UnitCost = &cost
		}
		if err := tx.UpsertStock(ctx, snapshot); err != nil {
			return err
		}
		result.StockUpdated++
	}
	return nil
}

func locationOrDefault(location string) string {
	if trimmed := strings.TrimSpace(location); trimmed != "" {
		return trimmed
	}
	return DefaultLocationID
}

func (s *Service) emitPriceChange(ctx context.Context, uploadID, productID uuid.UUID, row ingest.StagedRow, current PriceVersion, result *MergeResult) {
	change := PriceChange{
		SupplierProductID: productID,
		SupplierSKU:       row.SupplierSKU,
		UploadID:          uploadID,
		OldPrice:          current.Price,
		NewPrice:          RoundForCurrency(row.Price, row.Currency),
		Currency:          row.Currency,
	}
	if current.Currency == row.Currency {
		change.ChangePct = ChangePct(current.Price, row.Price)
	}
	if s.cfg.AnomalyThresholdPct > 0 && abs(change.ChangePct) > s.cfg.AnomalyThresholdPct {
		change.Anomalous = true
		result.AnomaliesFlagged++
		if s.metrics != nil {
			s.metrics.ObserveAnomaly()
		}
	}
	if s.events != nil {
		s.events.PriceChanged(ctx, change)
	}
}

// mergeBlocker re-checks the row-level invariants the validator enforces, so
// rows edited after validation cannot corrupt the ledgers.
func mergeBlocker(row ingest.StagedRow) string {
	if strings.TrimSpace(row.SupplierSKU) == "" {
		return "supplier sku is required"
	}
	if row.Price.IsNegative() {
		return "price must not be negative"
	}
	if row.QtyOnHand != nil && *row.QtyOnHand < 0 {
		return "quantity on hand must not be negative"
	}
	return ""
}

// dedupeFirstWins keeps only the first occurrence of each sku, preserving the
// original row order of the survivors.
func dedupeFirstWins(rows []ingest.StagedRow) []ingest.StagedRow {
	seen := make(map[string]bool, len(rows))
	out := make([]ingest.StagedRow, 0, len(rows))
	for _, row := range rows {
		key := strings.ToUpper(strings.TrimSpace(row.SupplierSKU))
		if key != "" {
			if seen[key] {
				continue
			}
			seen[key] = true
		}
		out = append(out, row)
	}
	return out
}

func (s *Service) observeRow(outcome string) {
	if s.metrics != nil {
		s.metrics.ObserveMergeRow(outcome)
	}
}

func (s *Service) observePrice() {
	if s.metrics != nil {
		s.metrics.ObservePriceChange()
	}
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}

// GetProduct fetches a supplier product.
func (s *Service) GetProduct(ctx context.Context, id uuid.UUID) (SupplierProduct, error) {
	return s.repo.GetProduct(ctx, id)
}

// ListProducts lists supplier products.
func (s *Service) ListProducts(ctx context.Context, filter ListProductsFilter) ([]SupplierProduct, shared.Pagination, error) {
	products, total, err := s.repo.ListProducts(ctx, filter)
	if err != nil {
		return nil, shared.Pagination{}, err
	}
	return products, shared.NewPagination(filter.Page, filter.PerPage, total), nil
}

// PriceHistory lists a product's price ledger, newest first.
func (s *Service) PriceHistory(ctx context.Context, productID uuid.UUID) ([]PriceVersion, error) {
	if _, err := s.repo.GetProduct(ctx, productID); err != nil {
		return nil, err
	}
	return s.repo.PriceHistory(ctx, productID)
}

// GetStock returns the product's current stock snapshots, one per location.
func (s *Service) GetStock(ctx context.Context, productID uuid.UUID) ([]StockSnapshot, error) {
	if _, err := s.repo.GetProduct(ctx, productID); err != nil {
		return nil, err
	}
	return s.repo.GetStock(ctx, productID)
}

// Dashboard returns the pipeline health projection.
func (s *Service) Dashboard(ctx context.Context) (DashboardMetrics, error) {
	return s.repo.Dashboard(ctx)
}
