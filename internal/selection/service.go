package selection

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/nxtleveltech1/MantisNXT-sub030/internal/shared"
)

// RepositoryPort abstracts repository usage for the service.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	GetSelection(ctx context.Context, id uuid.UUID) (Selection, error)
	ActiveSelection(ctx context.Context, supplierID uuid.UUID) (Selection, error)
	ListSelections(ctx context.Context, filter ListFilter) ([]Selection, int, error)
	ListItems(ctx context.Context, selectionID uuid.UUID) ([]Item, error)
	RollupTotals(ctx context.Context, q RollupQuery) ([]CurrencyTotal, int64, int, error)
	RollupBySupplier(ctx context.Context, q RollupQuery) ([]SupplierRollup, error)
	RollupByLocation(ctx context.Context, q RollupQuery) ([]LocationRollup, error)
}

// ServedMarker promotes uploads to served once a selection exposes them.
type ServedMarker interface {
	MarkServed(ctx context.Context, supplierIDs []uuid.UUID) error
}

// AuditPort abstracts audit logging.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// Service manages selections, their membership and the rollup projections.
type Service struct {
	repo   RepositoryPort
	served ServedMarker
	audit  AuditPort
}

// NewService builds Service.
func NewService(repo RepositoryPort, served ServedMarker, audit AuditPort) *Service {
	return &Service{repo: repo, served: served, audit: audit}
}

// CreateInput describes a new selection.
type CreateInput struct {
	Name       string
	SupplierID uuid.UUID
	ValidFrom  *time.Time
	ValidTo    *time.Time
	ActorID    string
}

// Create stores a draft selection.
func (s *Service) Create(ctx context.Context, input CreateInput) (Selection, error) {
	sel := Selection{
		ID:         uuid.New(),
		Name:       input.Name,
		Status:     StatusDraft,
		SupplierID: input.SupplierID,
		ValidFrom:  input.ValidFrom,
		ValidTo:    input.ValidTo,
		CreatedBy:  input.ActorID,
	}
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		return tx.CreateSelection(ctx, sel)
	})
	if err != nil {
		return Selection{}, err
	}
	s.recordAudit(ctx, input.ActorID, "selection:create", sel.ID, nil)
	return s.repo.GetSelection(ctx, sel.ID)
}

// UpdateInput carries mutable selection fields.
type UpdateInput struct {
	SelectionID uuid.UUID
	Name        string
	ValidFrom   *time.Time
	ValidTo     *time.Time
	ActorID     string
}

// Update renames a selection or moves its effective window. Archived
// selections are immutable.
func (s *Service) Update(ctx context.Context, input UpdateInput) (Selection, error) {
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		sel, err := tx.GetSelectionForUpdate(ctx, input.SelectionID)
		if err != nil {
			return err
		}
		if sel.Status == StatusArchived {
			return ErrSelectionArchived
		}
		sel.Name = input.Name
		sel.ValidFrom = input.ValidFrom
		sel.ValidTo = input.ValidTo
		return tx.UpdateSelection(ctx, sel)
	})
	if err != nil {
		return Selection{}, err
	}
	s.recordAudit(ctx, input.ActorID, "selection:update", input.SelectionID, nil)
	return s.repo.GetSelection(ctx, input.SelectionID)
}

// ItemsInput identifies products to add or remove.
type ItemsInput struct {
	SelectionID uuid.UUID
	ProductIDs  []uuid.UUID
	Note        string
	ActorID     string
}

// AddItems marks products selected in the selection.
func (s *Service) AddItems(ctx context.Context, input ItemsInput) error {
	return s.setItems(ctx, input, ItemSelected, "selection:add_items")
}

// RemoveItems marks products deselected, keeping the membership history.
func (s *Service) RemoveItems(ctx context.Context, input ItemsInput) error {
	return s.setItems(ctx, input, ItemDeselected, "selection:remove_items")
}

func (s *Service) setItems(ctx context.Context, input ItemsInput, status ItemStatus, action string) error {
	if len(input.ProductIDs) == 0 {
		return ErrNoItems
	}
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		sel, err := tx.GetSelectionForUpdate(ctx, input.SelectionID)
		if err != nil {
			return err
		}
		if sel.Status == StatusArchived {
			return ErrSelectionArchived
		}
		items := make([]Item, len(input.ProductIDs))
		for i, id := range input.ProductIDs {
			items[i] = Item{
				SelectionID:       input.SelectionID,
				SupplierProductID: id,
				Status:            status,
				Note:              input.Note,
				UpdatedBy:         input.ActorID,
			}
		}
		return tx.UpsertItems(ctx, items)
	})
	if err != nil {
		return err
	}
	s.recordAudit(ctx, input.ActorID, action, input.SelectionID, map[string]any{"count": len(input.ProductIDs)})
	return nil
}

// Activate makes a selection the active one in its scope. Every other active
// selection in the same scope is deactivated in the same transaction, and the
// suppliers covered by the selection get their latest merged upload marked
// served.
func (s *Service) Activate(ctx context.Context, selectionID uuid.UUID, actorID string) (Selection, error) {
	var suppliers []uuid.UUID
	var deactivated int
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		sel, err := tx.GetSelectionForUpdate(ctx, selectionID)
		if err != nil {
			return err
		}
		if sel.Status == StatusArchived {
			return fmt.Errorf("%w: cannot activate", ErrSelectionArchived)
		}

		deactivated, err = tx.DeactivateSiblings(ctx, sel.SupplierID, sel.ID)
		if err != nil {
			return err
		}
		if err := tx.SetStatus(ctx, sel.ID, StatusActive); err != nil {
			return err
		}

		if sel.SupplierID != uuid.Nil {
			suppliers = []uuid.UUID{sel.SupplierID}
			return nil
		}
		suppliers, err = tx.SelectionSuppliers(ctx, sel.ID)
		return err
	})
	if err != nil {
		return Selection{}, err
	}

	if s.served != nil && len(suppliers) > 0 {
		if err := s.served.MarkServed(ctx, suppliers); err != nil {
			return Selection{}, fmt.Errorf("mark uploads served: %w", err)
		}
	}
	s.recordAudit(ctx, actorID, "selection:activate", selectionID, map[string]any{"deactivated": deactivated})
	return s.repo.GetSelection(ctx, selectionID)
}

// Archive retires a selection. Archived selections stay readable.
func (s *Service) Archive(ctx context.Context, selectionID uuid.UUID, actorID string) (Selection, error) {
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		sel, err := tx.GetSelectionForUpdate(ctx, selectionID)
		if err != nil {
			return err
		}
		if sel.Status == StatusArchived {
			return nil
		}
		return tx.SetStatus(ctx, sel.ID, StatusArchived)
	})
	if err != nil {
		return Selection{}, err
	}
	s.recordAudit(ctx, actorID, "selection:archive", selectionID, nil)
	return s.repo.GetSelection(ctx, selectionID)
}

// Get fetches one selection.
func (s *Service) Get(ctx context.Context, id uuid.UUID) (Selection, error) {
	return s.repo.GetSelection(ctx, id)
}

// List lists selections with pagination.
func (s *Service) List(ctx context.Context, filter ListFilter) ([]Selection, shared.Pagination, error) {
	selections, total, err := s.repo.ListSelections(ctx, filter)
	if err != nil {
		return nil, shared.Pagination{}, err
	}
	return selections, shared.NewPagination(filter.Page, filter.PerPage, total), nil
}

// Items lists a selection's membership records.
func (s *Service) Items(ctx context.Context, selectionID uuid.UUID) ([]Item, error) {
	if _, err := s.repo.GetSelection(ctx, selectionID); err != nil {
		return nil, err
	}
	return s.repo.ListItems(ctx, selectionID)
}

// ComputeRollup aggregates stock quantity and value for the requested scope.
// The totals, per-supplier and per-location breakdown queries run
// concurrently. When ActiveOnly is set the query is pinned to the active
// selection of the scope.
func (s *Service) ComputeRollup(ctx context.Context, q RollupQuery) (Rollup, error) {
	if q.ActiveOnly && q.SelectionID == uuid.Nil {
		active, err := s.repo.ActiveSelection(ctx, q.SupplierID)
		if err != nil {
			return Rollup{}, err
		}
		q.SelectionID = active.ID
	}

	rollup := Rollup{AsOf: time.Now().UTC()}
	if q.SelectionID != uuid.Nil {
		id := q.SelectionID
		rollup.SelectionID = &id
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		totals, qty, products, err := s.repo.RollupTotals(gctx, q)
		if err != nil {
			return err
		}
		rollup.Totals = totals
		rollup.TotalQty = qty
		rollup.TotalProducts = products
		return nil
	})
	g.Go(func() error {
		bySupplier, err := s.repo.RollupBySupplier(gctx, q)
		if err != nil {
			return err
		}
		rollup.BySupplier = bySupplier
		return nil
	})
	g.Go(func() error {
		byLocation, err := s.repo.RollupByLocation(gctx, q)
		if err != nil {
			return err
		}
		rollup.ByLocation = byLocation
		return nil
	})
	if err := g.Wait(); err != nil {
		return Rollup{}, err
	}

	seen := map[uuid.UUID]bool{}
	for _, sr := range rollup.BySupplier {
		seen[sr.SupplierID] = true
	}
	rollup.DistinctSuppliers = len(seen)
	return rollup, nil
}

func (s *Service) recordAudit(ctx context.Context, actorID, action string, selectionID uuid.UUID, meta map[string]any) {
	if s.audit == nil {
		return
	}
	_ = s.audit.Record(ctx, shared.AuditLog{
		ActorID:  actorID,
		Action:   action,
		Entity:   "selection",
		EntityID: selectionID.String(),
		Meta:     meta,
	})
}
