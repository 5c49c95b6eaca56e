package ingest

import (
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// UploadStatus enumerates the pricelist upload lifecycle.
type UploadStatus string

const (
	// UploadStatusReceived marks a freshly stored upload.
	UploadStatusReceived UploadStatus = "received"
	// UploadStatusValidated marks an upload whose rows passed validation.
	UploadStatusValidated UploadStatus = "validated"
	// UploadStatusMerged marks an upload merged into the ledgers.
	UploadStatusMerged UploadStatus = "merged"
	// UploadStatusServed marks an upload whose data is exposed through an active selection.
	UploadStatusServed UploadStatus = "served"
	// UploadStatusError marks a rejected or failed upload.
	UploadStatusError UploadStatus = "error"
)

// FileType enumerates supported upload formats.
type FileType string

const (
	FileTypeCSV  FileType = "csv"
	FileTypeXLSX FileType = "xlsx"
)

// Upload models a raw pricelist file received from a supplier. Currency is
// the caller-declared default for rows without their own currency column, and
// ValidFrom/ValidTo bound the period the pricelist covers.
type Upload struct {
	ID            uuid.UUID
	SupplierID    uuid.UUID
	FileName      string
	FileType      FileType
	FileSizeBytes int64
	Status        UploadStatus
	Currency      string
	ValidFrom     *time.Time
	ValidTo       *time.Time
	RowCount      int
	ValidRows     int
	WarningRows   int
	ErrorRows     int
	ErrorMessage  string
	UploadedBy    string
	UploadedAt    time.Time
	ValidatedAt   *time.Time
	MergedAt      *time.Time
}

// StagedRow is one normalised spreadsheet row awaiting merge.
type StagedRow struct {
	ID          uuid.UUID
	UploadID    uuid.UUID
	RowNumber   int
	SupplierSKU string
	Name        string
	Description string
	Brand       string
	CategoryRaw string
	UOM         string
	PackSize    string
	Barcode     string
	Location    string
	Price       decimal.Decimal
	Currency    string
	QtyOnHand   *int64
	Attrs       map[string]string
}

// Severity grades a validation finding.
type Severity string

const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
	SeverityInfo    Severity = "info"
)

// Finding describes a single validation observation on a staged row.
type Finding struct {
	RowNumber  int      `json:"row_number"`
	Field      string   `json:"field"`
	Code       string   `json:"code"`
	Severity   Severity `json:"severity"`
	Message    string   `json:"message"`
	Suggestion string   `json:"suggestion,omitempty"`
}

// ValidationSummary aggregates findings for an upload.
type ValidationSummary struct {
	UploadID           uuid.UUID       `json:"upload_id"`
	TotalRows          int             `json:"total_rows"`
	ValidRows          int             `json:"valid_rows"`
	WarningRows        int             `json:"warning_rows"`
	ErrorRows          int             `json:"error_rows"`
	DuplicateSKUs      int             `json:"duplicate_skus"`
	DistinctBrands     int             `json:"distinct_brands"`
	DistinctCategories int             `json:"distinct_categories"`
	EstimatedValue     decimal.Decimal `json:"estimated_value"`
	Findings           []Finding       `json:"findings"`
}

// HeaderMapping records how a spreadsheet column was bound to a canonical field.
type HeaderMapping struct {
	Column     string  `json:"column"`
	Field      string  `json:"field"`
	Confidence float64 `json:"confidence"`
}

// ListUploadsFilter narrows upload listings.
type ListUploadsFilter struct {
	SupplierID uuid.UUID
	Status     UploadStatus
	Page       int
	PerPage    int
}

var (
	// ErrUploadNotFound indicates the upload does not exist.
	ErrUploadNotFound = errors.New("ingest: upload not found")
	// ErrEmptyFile indicates the file contained no data rows.
	ErrEmptyFile = errors.New("ingest: file contains no data rows")
	// ErrUnsupportedFileType indicates an unknown file extension.
	ErrUnsupportedFileType = errors.New("ingest: unsupported file type")
	// ErrFileTooLarge indicates the upload exceeds the configured size limit.
	ErrFileTooLarge = errors.New("ingest: file exceeds size limit")
	// ErrNoSKUColumn indicates header mapping found no SKU column.
	ErrNoSKUColumn = errors.New("ingest: no sku column detected")
)
