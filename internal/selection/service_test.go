package selection

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/nxtleveltech1/MantisNXT-sub030/internal/shared"
)

type itemKey struct {
	selection uuid.UUID
	product   uuid.UUID
}

type fakeRepo struct {
	selections map[uuid.UUID]Selection
	items      map[itemKey]Item
	// productSupplier maps products to suppliers for SelectionSuppliers.
	productSupplier map[uuid.UUID]uuid.UUID

	totals     []CurrencyTotal
	totalQty   int64
	totalCount int
	bySupplier []SupplierRollup
	byLocation []LocationRollup
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{
		selections:      map[uuid.UUID]Selection{},
		items:           map[itemKey]Item{},
		productSupplier: map[uuid.UUID]uuid.UUID{},
	}
}

func (f *fakeRepo) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	return fn(ctx, f)
}

func (f *fakeRepo) GetSelectionForUpdate(_ context.Context, id uuid.UUID) (Selection, error) {
	sel, ok := f.selections[id]
	if !ok {
		return Selection{}, ErrSelectionNotFound
	}
	return sel, nil
}

func (f *fakeRepo) CreateSelection(_ context.Context, sel Selection) error {
	sel.CreatedAt = time.Now()
	sel.UpdatedAt = sel.CreatedAt
	f.selections[sel.ID] = sel
	return nil
}

func (f *fakeRepo) UpdateSelection(_ context.Context, sel Selection) error {
	stored, ok := f.selections[sel.ID]
	if !ok {
		return ErrSelectionNotFound
	}
	stored.Name = sel.Name
	stored.ValidFrom = sel.ValidFrom
	stored.ValidTo = sel.ValidTo
	stored.UpdatedAt = time.Now()
	f.selections[sel.ID] = stored
	return nil
}

func (f *fakeRepo) SetStatus(_ context.Context, id uuid.UUID, status Status) error {
	sel, ok := f.selections[id]
	if !ok {
		return ErrSelectionNotFound
	}
	sel.Status = status
	f.selections[id] = sel
	return nil
}

func (f *fakeRepo) DeactivateSiblings(_ context.Context, supplierID, exceptID uuid.UUID) (int, error) {
	n := 0
	for id, sel := range f.selections {
		if id != exceptID && sel.Status == StatusActive && sel.SupplierID == supplierID {
			sel.Status = StatusDraft
			f.selections[id] = sel
			n++
		}
	}
	return n, nil
}

func (f *fakeRepo) UpsertItems(_ context.Context, items []Item) error {
	for _, item := range items {
		item.UpdatedAt = time.Now()
		f.items[itemKey{item.SelectionID, item.SupplierProductID}] = item
	}
	return nil
}

func (f *fakeRepo) SelectionSuppliers(_ context.Context, selectionID uuid.UUID) ([]uuid.UUID, error) {
	seen := map[uuid.UUID]bool{}
	var out []uuid.UUID
	for key, item := range f.items {
		if key.selection != selectionID || item.Status != ItemSelected {
			continue
		}
		supplier := f.productSupplier[key.product]
		if supplier != uuid.Nil && !seen[supplier] {
			seen[supplier] = true
			out = append(out, supplier)
		}
	}
	return out, nil
}

func (f *fakeRepo) GetSelection(_ context.Context, id uuid.UUID) (Selection, error) {
	sel, ok := f.selections[id]
	if !ok {
		return Selection{}, ErrSelectionNotFound
	}
	for key, item := range f.items {
		if key.selection == id && item.Status == ItemSelected {
			sel.ItemCount++
		}
	}
	return sel, nil
}

func (f *fakeRepo) ActiveSelection(_ context.Context, supplierID uuid.UUID) (Selection, error) {
	for _, sel := range f.selections {
		if sel.Status == StatusActive && sel.SupplierID == supplierID {
			return sel, nil
		}
	}
	return Selection{}, ErrNoActiveSelection
}

func (f *fakeRepo) ListSelections(_ context.Context, filter ListFilter) ([]Selection, int, error) {
	var out []Selection
	for _, sel := range f.selections {
		if filter.Status != "" && sel.Status != filter.Status {
			continue
		}
		if filter.SupplierID != uuid.Nil && sel.SupplierID != filter.SupplierID {
			continue
		}
		out = append(out, sel)
	}
	return out, len(out), nil
}

func (f *fakeRepo) ListItems(_ context.Context, selectionID uuid.UUID) ([]Item, error) {
	var out []Item
	for key, item := range f.items {
		if key.selection == selectionID {
			out = append(out, item)
		}
	}
	return out, nil
}

func (f *fakeRepo) RollupTotals(_ context.Context, _ RollupQuery) ([]CurrencyTotal, int64, int, error) {
	return f.totals, f.totalQty, f.totalCount, nil
}

func (f *fakeRepo) RollupBySupplier(_ context.Context, _ RollupQuery) ([]SupplierRollup, error) {
	return f.bySupplier, nil
}

func (f *fakeRepo) RollupByLocation(_ context.Context, _ RollupQuery) ([]LocationRollup, error) {
	return f.byLocation, nil
}

type fakeServed struct {
	calls [][]uuid.UUID
}

func (f *fakeServed) MarkServed(_ context.Context, supplierIDs []uuid.UUID) error {
	f.calls = append(f.calls, supplierIDs)
	return nil
}

type fakeAudit struct {
	logs []shared.AuditLog
}

func (f *fakeAudit) Record(_ context.Context, log shared.AuditLog) error {
	f.logs = append(f.logs, log)
	return nil
}

func newTestService(repo *fakeRepo) (*Service, *fakeServed, *fakeAudit) {
	served := &fakeServed{}
	audit := &fakeAudit{}
	return NewService(repo, served, audit), served, audit
}

func TestCreateStoresDraft(t *testing.T) {
	repo := newFakeRepo()
	svc, _, audit := newTestService(repo)

	sel, err := svc.Create(context.Background(), CreateInput{Name: "August restock", ActorID: "buyer"})
	require.NoError(t, err)
	require.Equal(t, StatusDraft, sel.Status)
	require.Equal(t, "August restock", sel.Name)
	require.Len(t, audit.logs, 1)
}

func TestActivateDeactivatesSiblingsInScope(t *testing.T) {
	repo := newFakeRepo()
	svc, _, _ := newTestService(repo)
	supplierID := uuid.New()

	first, err := svc.Create(context.Background(), CreateInput{Name: "first", SupplierID: supplierID})
	require.NoError(t, err)
	second, err := svc.Create(context.Background(), CreateInput{Name: "second", SupplierID: supplierID})
	require.NoError(t, err)
	// A different scope must be untouched by activations elsewhere.
	global, err := svc.Create(context.Background(), CreateInput{Name: "global"})
	require.NoError(t, err)
	_, err = svc.Activate(context.Background(), global.ID, "buyer")
	require.NoError(t, err)

	_, err = svc.Activate(context.Background(), first.ID, "buyer")
	require.NoError(t, err)
	activated, err := svc.Activate(context.Background(), second.ID, "buyer")
	require.NoError(t, err)

	require.Equal(t, StatusActive, activated.Status)
	require.Equal(t, StatusDraft, repo.selections[first.ID].Status)
	require.Equal(t, StatusActive, repo.selections[global.ID].Status)
}

func TestActivateMarksSupplierUploadsServed(t *testing.T) {
	repo := newFakeRepo()
	svc, served, _ := newTestService(repo)
	supplierID := uuid.New()

	sel, err := svc.Create(context.Background(), CreateInput{Name: "scoped", SupplierID: supplierID})
	require.NoError(t, err)
	_, err = svc.Activate(context.Background(), sel.ID, "buyer")
	require.NoError(t, err)

	require.Len(t, served.calls, 1)
	require.Equal(t, []uuid.UUID{supplierID}, served.calls[0])
}

func TestActivateGlobalSelectionServesItemSuppliers(t *testing.T) {
	repo := newFakeRepo()
	svc, served, _ := newTestService(repo)
	supplierID := uuid.New()
	productID := uuid.New()
	repo.productSupplier[productID] = supplierID

	sel, err := svc.Create(context.Background(), CreateInput{Name: "global"})
	require.NoError(t, err)
	require.NoError(t, svc.AddItems(context.Background(), ItemsInput{
		SelectionID: sel.ID,
		ProductIDs:  []uuid.UUID{productID},
		ActorID:     "buyer",
	}))

	_, err = svc.Activate(context.Background(), sel.ID, "buyer")
	require.NoError(t, err)
	require.Len(t, served.calls, 1)
	require.Equal(t, []uuid.UUID{supplierID}, served.calls[0])
}

func TestActivateArchivedFails(t *testing.T) {
	repo := newFakeRepo()
	svc, served, _ := newTestService(repo)

	sel, err := svc.Create(context.Background(), CreateInput{Name: "old"})
	require.NoError(t, err)
	_, err = svc.Archive(context.Background(), sel.ID, "buyer")
	require.NoError(t, err)

	_, err = svc.Activate(context.Background(), sel.ID, "buyer")
	require.ErrorIs(t, err, ErrSelectionArchived)
	require.Empty(t, served.calls)
}

func TestRemoveItemsKeepsHistory(t *testing.T) {
	repo := newFakeRepo()
	svc, _, _ := newTestService(repo)
	productID := uuid.New()

	sel, err := svc.Create(context.Background(), CreateInput{Name: "restock"})
	require.NoError(t, err)
	require.NoError(t, svc.AddItems(context.Background(), ItemsInput{
		SelectionID: sel.ID, ProductIDs: []uuid.UUID{productID}, ActorID: "buyer",
	}))
	require.NoError(t, svc.RemoveItems(context.Background(), ItemsInput{
		SelectionID: sel.ID, ProductIDs: []uuid.UUID{productID}, Note: "discontinued", ActorID: "buyer",
	}))

	item := repo.items[itemKey{sel.ID, productID}]
	require.Equal(t, ItemDeselected, item.Status)
	require.Equal(t, "discontinued", item.Note)
}

func TestAddItemsRequiresProducts(t *testing.T) {
	repo := newFakeRepo()
	svc, _, _ := newTestService(repo)

	sel, err := svc.Create(context.Background(), CreateInput{Name: "empty"})
	require.NoError(t, err)
	err = svc.AddItems(context.Background(), ItemsInput{SelectionID: sel.ID})
	require.ErrorIs(t, err, ErrNoItems)
}

func TestUpdateArchivedFails(t *testing.T) {
	repo := newFakeRepo()
	svc, _, _ := newTestService(repo)

	sel, err := svc.Create(context.Background(), CreateInput{Name: "old"})
	require.NoError(t, err)
	_, err = svc.Archive(context.Background(), sel.ID, "buyer")
	require.NoError(t, err)

	_, err = svc.Update(context.Background(), UpdateInput{SelectionID: sel.ID, Name: "renamed"})
	require.ErrorIs(t, err, ErrSelectionArchived)
}

func TestComputeRollupAggregates(t *testing.T) {
	repo := newFakeRepo()
	supplierA, supplierB := uuid.New(), uuid.New()
	repo.totals = []CurrencyTotal{{Currency: "ZAR", Value: decimal.RequireFromString("1500.00")}}
	repo.totalQty = 30
	repo.totalCount = 3
	repo.bySupplier = []SupplierRollup{
		{SupplierID: supplierA, Products: 2, TotalQty: 20, Value: decimal.RequireFromString("1000.00"), Currency: "ZAR"},
		{SupplierID: supplierB, Products: 1, TotalQty: 10, Value: decimal.RequireFromString("500.00"), Currency: "ZAR"},
	}
	repo.byLocation = []LocationRollup{
		{LocationID: "cpt", Products: 1, TotalQty: 10, Value: decimal.RequireFromString("500.00"), Currency: "ZAR"},
		{LocationID: "jhb", Products: 2, TotalQty: 20, Value: decimal.RequireFromString("1000.00"), Currency: "ZAR"},
	}
	svc, _, _ := newTestService(repo)

	rollup, err := svc.ComputeRollup(context.Background(), RollupQuery{})
	require.NoError(t, err)
	require.EqualValues(t, 30, rollup.TotalQty)
	require.Equal(t, 3, rollup.TotalProducts)
	require.Equal(t, 2, rollup.DistinctSuppliers)
	require.Len(t, rollup.Totals, 1)
	require.True(t, rollup.Totals[0].Value.Equal(decimal.RequireFromString("1500.00")))
	require.Len(t, rollup.ByLocation, 2)
	require.Equal(t, "cpt", rollup.ByLocation[0].LocationID)
	require.EqualValues(t, 20, rollup.ByLocation[1].TotalQty)
	require.Nil(t, rollup.SelectionID)
}

func TestComputeRollupActiveOnlyResolvesSelection(t *testing.T) {
	repo := newFakeRepo()
	svc, _, _ := newTestService(repo)

	sel, err := svc.Create(context.Background(), CreateInput{Name: "active set"})
	require.NoError(t, err)
	_, err = svc.Activate(context.Background(), sel.ID, "buyer")
	require.NoError(t, err)

	rollup, err := svc.ComputeRollup(context.Background(), RollupQuery{ActiveOnly: true})
	require.NoError(t, err)
	require.NotNil(t, rollup.SelectionID)
	require.Equal(t, sel.ID, *rollup.SelectionID)
}

func TestComputeRollupActiveOnlyWithoutActiveFails(t *testing.T) {
	repo := newFakeRepo()
	svc, _, _ := newTestService(repo)

	_, err := svc.ComputeRollup(context.Background(), RollupQuery{ActiveOnly: true})
	require.ErrorIs(t, err, ErrNoActiveSelection)
}
