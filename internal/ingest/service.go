package ingest

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/nxtleveltech1/MantisNXT-sub030/internal/shared"
)

// RepositoryPort abstracts repository usage for the service.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	GetUpload(ctx context.Context, id uuid.UUID) (Upload, error)
	ListUploads(ctx context.Context, filter ListUploadsFilter) ([]Upload, int, error)
	ListStagedRows(ctx context.Context, uploadID uuid.UUID) ([]StagedRow, error)
	ListFindings(ctx context.Context, uploadID uuid.UUID) ([]Finding, error)
	UpdateStatus(ctx context.Context, id uuid.UUID, status UploadStatus, errorMessage string) error
	MarkServed(ctx context.Context, supplierIDs []uuid.UUID) error
}

// AuditPort abstracts audit logging.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// MetricsPort counts received uploads.
type MetricsPort interface {
	ObserveUpload(fileType string)
}

// ServiceConfig groups optional settings.
type ServiceConfig struct {
	MaxUploadBytes int64
}

// Service coordinates upload intake, staging, and validation.
type Service struct {
	repo      RepositoryPort
	parser    *Parser
	validator *Validator
	audit     AuditPort
	metrics   MetricsPort
	maxBytes  int64
}

// NewService builds Service.
func NewService(repo RepositoryPort, parser *Parser, validator *Validator, audit AuditPort, metrics MetricsPort, cfg ServiceConfig) *Service {
	maxBytes := cfg.MaxUploadBytes
	if maxBytes <= 0 {
		maxBytes = 25 << 20
	}
	return &Service{repo: repo, parser: parser, validator: validator, audit: audit, metrics: metrics, maxBytes: maxBytes}
}

// IngestInput describes a pricelist file handed to the pipeline. Currency is
// the default for rows without their own currency column, ValidFrom/ValidTo
// bound the pricelist's coverage window, and AutoFix applies the validator's
// mechanical repairs before validation.
type IngestInput struct {
	SupplierID uuid.UUID
	FileName   string
	Content    []byte
	ActorID    string
	Currency   string
	ValidFrom  *time.Time
	ValidTo    *time.Time
	AutoFix    bool
}

// IngestResult returns the stored upload and its validation outcome.
type IngestResult struct {
	Upload   Upload
	Summary  ValidationSummary
	Mappings []HeaderMapping
}

// Ingest stores the file as an upload, stages its rows, and validates them.
// The upload record is persisted even when parsing fails so the failure is
// auditable.
func (s *Service) Ingest(ctx context.Context, input IngestInput) (IngestResult, error) {
	if input.SupplierID == uuid.Nil {
		return IngestResult{}, errors.New("ingest: supplier id required")
	}
	if int64(len(input.Content)) > s.maxBytes {
		return IngestResult{}, ErrFileTooLarge
	}

	fileType, err := DetectFileType(input.FileName)
	if err != nil {
		return IngestResult{}, err
	}
	if s.metrics != nil {
		s.metrics.ObserveUpload(string(fileType))
	}

	upload := Upload{
		ID:            uuid.New(),
		SupplierID:    input.SupplierID,
		FileName:      input.FileName,
		FileType:      fileType,
		FileSizeBytes: int64(len(input.Content)),
		Status:        UploadStatusReceived,
		Currency:      normalizeUploadCurrency(input.Currency),
		ValidFrom:     input.ValidFrom,
		ValidTo:       input.ValidTo,
		UploadedBy:    input.ActorID,
		UploadedAt:    time.Now().UTC(),
	}

	parsed, parseErr := s.parser.Parse(fileType, input.Content, upload.Currency)
	if parseErr != nil {
		upload.Status = UploadStatusError
		upload.ErrorMessage = parseErr.Error()
		if err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
			return tx.CreateUpload(ctx, upload)
		}); err != nil {
			return IngestResult{}, err
		}
		s.recordAudit(ctx, input.ActorID, "ingest:reject", upload)
		return IngestResult{Upload: upload}, parseErr
	}

	if input.AutoFix {
		parsed.Rows, _ = s.validator.ApplyAutoFixes(parsed.Rows)
	}
	for i := range parsed.Rows {
		parsed.Rows[i].ID = uuid.New()
		parsed.Rows[i].UploadID = upload.ID
	}
	summary := s.validator.Validate(parsed.Rows)
	summary.UploadID = upload.ID

	status := UploadStatusValidated
	if summary.TotalRows > 0 && summary.ErrorRows == summary.TotalRows {
		status = UploadStatusError
		upload.ErrorMessage = "all rows failed validation"
	}
	upload.RowCount = summary.TotalRows
	upload.ValidRows = summary.ValidRows
	upload.WarningRows = summary.WarningRows
	upload.ErrorRows = summary.ErrorRows

	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		if err := tx.CreateUpload(ctx, upload); err != nil {
			return err
		}
		if err := tx.InsertStagedRows(ctx, upload.ID, parsed.Rows); err != nil {
			return err
		}
		if err := tx.ReplaceFindings(ctx, upload.ID, summary.Findings); err != nil {
			return err
		}
		return tx.SetValidationResult(ctx, upload.ID, summary, status)
	})
	if err != nil {
		return IngestResult{}, err
	}
	upload.Status = status
	now := time.Now().UTC()
	upload.ValidatedAt = &now

	s.recordAudit(ctx, input.ActorID, "ingest:upload", upload)
	return IngestResult{Upload: upload, Summary: summary, Mappings: parsed.Mappings}, nil
}

// Revalidate re-runs validation over an upload's staged rows. When autoFix is
// set the validator's mechanical repairs are applied and the repaired rows
// replace the staged ones. Merged uploads keep their status.
func (s *Service) Revalidate(ctx context.Context, uploadID uuid.UUID, autoFix bool) (ValidationSummary, error) {
	upload, err := s.repo.GetUpload(ctx, uploadID)
	if err != nil {
		return ValidationSummary{}, err
	}
	if upload.Status == UploadStatusMerged || upload.Status == UploadStatusServed {
		return ValidationSummary{}, fmt.Errorf("ingest: upload %s already merged", uploadID)
	}
	rows, err := s.repo.ListStagedRows(ctx, uploadID)
	if err != nil {
		return ValidationSummary{}, err
	}
	fixedCount := 0
	if autoFix {
		rows, fixedCount = s.validator.ApplyAutoFixes(rows)
	}
	summary := s.validator.Validate(rows)
	summary.UploadID = uploadID

	status := UploadStatusValidated
	if summary.TotalRows == 0 || summary.ErrorRows == summary.TotalRows {
		status = UploadStatusError
	}
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		if fixedCount > 0 {
			if err := tx.InsertStagedRows(ctx, uploadID, rows); err != nil {
				return err
			}
		}
		if err := tx.ReplaceFindings(ctx, uploadID, summary.Findings); err != nil {
			return err
		}
		return tx.SetValidationResult(ctx, uploadID, summary, status)
	})
	if err != nil {
		return ValidationSummary{}, err
	}
	return summary, nil
}

// GetUpload fetches a single upload header.
func (s *Service) GetUpload(ctx context.Context, id uuid.UUID) (Upload, error) {
	return s.repo.GetUpload(ctx, id)
}

// ListUploads lists uploads for review, newest first.
func (s *Service) ListUploads(ctx context.Context, filter ListUploadsFilter) ([]Upload, shared.Pagination, error) {
	uploads, total, err := s.repo.ListUploads(ctx, filter)
	if err != nil {
		return nil, shared.Pagination{}, err
	}
	return uploads, shared.NewPagination(filter.Page, filter.PerPage, total), nil
}

// GetValidation reconstructs the validation summary of an upload.
func (s *Service) GetValidation(ctx context.Context, uploadID uuid.UUID) (ValidationSummary, error) {
	upload, err := s.repo.GetUpload(ctx, uploadID)
	if err != nil {
		return ValidationSummary{}, err
	}
	findings, err := s.repo.ListFindings(ctx, uploadID)
	if err != nil {
		return ValidationSummary{}, err
	}
	summary := ValidationSummary{
		UploadID:       uploadID,
		TotalRows:      upload.RowCount,
		ValidRows:      upload.ValidRows,
		WarningRows:    upload.WarningRows,
		ErrorRows:      upload.ErrorRows,
		EstimatedValue: decimal.Zero,
		Findings:       findings,
	}
	for _, f := range findings {
		if f.Code == CodeDuplicateSKU {
			summary.DuplicateSKUs++
		}
	}
	return summary, nil
}

// StagedRows exposes staged rows to the merge engine.
func (s *Service) StagedRows(ctx context.Context, uploadID uuid.UUID) ([]StagedRow, error) {
	return s.repo.ListStagedRows(ctx, uploadID)
}

// SetStatus transitions an upload status on behalf of downstream stages.
func (s *Service) SetStatus(ctx context.Context, uploadID uuid.UUID, status UploadStatus, errorMessage string) error {
	return s.repo.UpdateStatus(ctx, uploadID, status, errorMessage)
}

// MarkServed flags the latest merged upload of each supplier as served.
func (s *Service) MarkServed(ctx context.Context, supplierIDs []uuid.UUID) error {
	return s.repo.MarkServed(ctx, supplierIDs)
}

func normalizeUploadCurrency(raw string) string {
	if ccy := NormalizeCurrency(raw); ccy != "" {
		return ccy
	}
	return strings.ToUpper(strings.TrimSpace(raw))
}

func (s *Service) recordAudit(ctx context.Context, actorID, action string, upload Upload) {
	if s.audit == nil {
		return
	}
	_ = s.audit.Record(ctx, shared.AuditLog{
		ActorID:  actorID,
		Action:   action,
		Entity:   "pricelist_upload",
		EntityID: upload.ID.String(),
		Meta: map[string]any{
			"supplier_id": upload.SupplierID.String(),
			"file_name":   upload.FileName,
			"status":      string(upload.Status),
			"row_count":   upload.RowCount,
		},
	})
}
