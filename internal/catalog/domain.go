package catalog

import (
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// SupplierProduct is the resolved identity for one supplier sku.
type SupplierProduct struct {
	ID                uuid.UUID
	SupplierID        uuid.UUID
	SupplierSKU       string
	Name              string
	Description       string
	Brand             string
	UOM               string
	PackSize          string
	Barcode           string
	Attrs             map[string]string
	IsNew             bool
	FirstSeenUploadID uuid.UUID
	LastSeenUploadID  uuid.UUID
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// PriceVersion is one entry in the append-only price ledger. At most one
// version per product is current.
type PriceVersion struct {
	ID                uuid.UUID
	SupplierProductID uuid.UUID
	UploadID          uuid.UUID
	Price             decimal.Decimal
	Currency          string
	IsCurrent         bool
	ValidFrom         time.Time
	ValidTo           *time.Time
	CreatedAt         time.Time
}

// StockSource tags where a stock snapshot came from.
type StockSource string

const (
	StockSourceImport StockSource = "import"
	StockSourceManual StockSource = "manual"
	StockSourceSystem StockSource = "system"
)

// DefaultLocationID is the location assumed when a supplier feed carries no
// warehouse or branch column.
const DefaultLocationID = "default"

// StockSnapshot is the current-state stock record per product and location.
// UnitCost is nil when no priced row has ever covered the location.
type StockSnapshot struct {
	SupplierProductID uuid.UUID
	LocationID        string
	QtyOnHand         int64
	UnitCost          *decimal.Decimal
	Source            StockSource
	UploadID          uuid.UUID
	AsOf              time.Time
}

// RowError captures a single failed merge row.
type RowError struct {
	RowNumber   int    `json:"row_number"`
	SupplierSKU string `json:"supplier_sku"`
	Message     string `json:"message"`
}

// MergeResult summarises one merge run.
type MergeResult struct {
	UploadID         uuid.UUID  `json:"upload_id"`
	ProductsCreated  int        `json:"products_created"`
	ProductsUpdated  int        `json:"products_updated"`
	PricesAppended   int        `json:"prices_appended"`
	PricesUnchanged  int        `json:"prices_unchanged"`
	StockUpdated     int        `json:"stock_updated"`
	RowsFailed       int        `json:"rows_failed"`
	AnomaliesFlagged int        `json:"anomalies_flagged"`
	Errors           []RowError `json:"errors,omitempty"`
	DurationMS       int64      `json:"duration_ms"`
}

// PriceChange describes a price transition detected during merge.
type PriceChange struct {
	SupplierProductID uuid.UUID
	SupplierSKU       string
	UploadID          uuid.UUID
	OldPrice          decimal.Decimal
	NewPrice          decimal.Decimal
	Currency          string
	ChangePct         float64
	Anomalous         bool
}

// DashboardMetrics is a read-only pipeline health projection.
type DashboardMetrics struct {
	Suppliers         int `json:"suppliers"`
	Products          int `json:"products"`
	NewProducts       int `json:"new_products"`
	PriceChanges7Days int `json:"price_changes_7d"`
	UploadsPending    int `json:"uploads_pending"`
}

// ListProductsFilter narrows product listings.
type ListProductsFilter struct {
	SupplierID uuid.UUID
	Search     string
	OnlyNew    bool
	Page       int
	PerPage    int
}

var (
	// ErrProductNotFound indicates the supplier product does not exist.
	ErrProductNotFound = errors.New("catalog: product not found")
	// ErrNoCurrentPrice indicates the product has no current price version.
	ErrNoCurrentPrice = errors.New("catalog: no current price")
	// ErrAlreadyMerged indicates the upload was merged before.
	ErrAlreadyMerged = errors.New("catalog: upload already merged")
	// ErrUploadNotMergeable indicates the upload is not in a mergeable status.
	ErrUploadNotMergeable = errors.New("catalog: upload not validated")
	// ErrMergeAborted indicates the merge was rolled back because a majority of rows failed.
	ErrMergeAborted = errors.New("catalog: merge aborted, majority of rows failed")
)
