package selection

import (
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Status enumerates the selection lifecycle. Selections are archived, never
// deleted.
type Status string

const (
	StatusDraft    Status = "draft"
	StatusActive   Status = "active"
	StatusArchived Status = "archived"
)

// Selection is a named working set of supplier products. SupplierID scopes the
// selection to one supplier; uuid.Nil means global scope. At most one selection
// is active per scope at a time.
type Selection struct {
	ID         uuid.UUID
	Name       string
	Status     Status
	SupplierID uuid.UUID
	ValidFrom  *time.Time
	ValidTo    *time.Time
	CreatedBy  string
	CreatedAt  time.Time
	UpdatedAt  time.Time
	ItemCount  int
}

// ItemStatus enumerates selection item membership.
type ItemStatus string

const (
	ItemSelected   ItemStatus = "selected"
	ItemDeselected ItemStatus = "deselected"
)

// Item is one product's membership record in a selection. Removal flips the
// status to deselected so the decision trail survives.
type Item struct {
	SelectionID       uuid.UUID
	SupplierProductID uuid.UUID
	Status            ItemStatus
	Note              string
	UpdatedBy         string
	UpdatedAt         time.Time
}

// CurrencyTotal is the stock value held in one currency.
type CurrencyTotal struct {
	Currency string          `json:"currency"`
	Value    decimal.Decimal `json:"value"`
}

// SupplierRollup is the per-supplier slice of a rollup.
type SupplierRollup struct {
	SupplierID uuid.UUID       `json:"supplier_id"`
	Products   int             `json:"products"`
	TotalQty   int64           `json:"total_qty"`
	Value      decimal.Decimal `json:"value"`
	Currency   string          `json:"currency"`
}

// LocationRollup is the per-location slice of a rollup.
type LocationRollup struct {
	LocationID string          `json:"location_id"`
	Products   int             `json:"products"`
	TotalQty   int64           `json:"total_qty"`
	Value      decimal.Decimal `json:"value"`
	Currency   string          `json:"currency"`
}

// Rollup aggregates quantity and value over the stock ledger joined with
// current prices. It is a read-only projection.
type Rollup struct {
	TotalQty          int64            `json:"total_qty"`
	TotalProducts     int              `json:"total_products"`
	DistinctSuppliers int              `json:"distinct_suppliers"`
	Totals            []CurrencyTotal  `json:"totals"`
	BySupplier        []SupplierRollup `json:"by_supplier"`
	ByLocation        []LocationRollup `json:"by_location"`
	SelectionID       *uuid.UUID       `json:"selection_id,omitempty"`
	AsOf              time.Time        `json:"as_of"`
}

// RollupQuery scopes a rollup computation.
type RollupQuery struct {
	// SupplierID restricts the rollup to one supplier. Nil means all.
	SupplierID uuid.UUID
	// SelectionID restricts the rollup to a selection's selected items.
	SelectionID uuid.UUID
	// ActiveOnly resolves the active selection for the supplier scope and
	// restricts to it.
	ActiveOnly bool
}

// ListFilter narrows selection listings.
type ListFilter struct {
	SupplierID uuid.UUID
	Status     Status
	Page       int
	PerPage    int
}

var (
	// ErrSelectionNotFound indicates the selection does not exist.
	ErrSelectionNotFound = errors.New("selection: not found")
	// ErrSelectionArchived indicates a mutation on an archived selection.
	ErrSelectionArchived = errors.New("selection: archived")
	// ErrNoActiveSelection indicates no active selection covers the scope.
	ErrNoActiveSelection = errors.New("selection: no active selection in scope")
	// ErrNoItems indicates an item operation with an empty product list.
	ErrNoItems = errors.New("selection: no product ids given")
)
