package catalog

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/nxtleveltech1/MantisNXT-sub030/internal/ingest"
	"github.com/nxtleveltech1/MantisNXT-sub030/internal/shared"
	_ "github.com/nxtleveltech1/MantisNXT-sub030/testing"
)

type catalogState struct {
	products map[string]SupplierProduct // supplier_id + "|" + upper(sku)
	prices   map[uuid.UUID][]PriceVersion
	stock    map[string]StockSnapshot // product_id + "|" + location_id
}

func newCatalogState() *catalogState {
	return &catalogState{
		products: map[string]SupplierProduct{},
		prices:   map[uuid.UUID][]PriceVersion{},
		stock:    map[string]StockSnapshot{},
	}
}

func (s *catalogState) clone() *catalogState {
	c := newCatalogState()
	for k, v := range s.products {
		c.products[k] = v
	}
	for k, v := range s.prices {
		c.prices[k] = append([]PriceVersion(nil), v...)
	}
	for k, v := range s.stock {
		c.stock[k] = v
	}
	return c
}

// fakeCatalogRepo mimics the transactional repository, including savepoint
// rollback semantics for RunNested. The staging reference lets
// MarkUploadMerged flip the upload status the way the SQL update does.
type fakeCatalogRepo struct {
	state    *catalogState
	failSKUs map[string]bool
	staging  *fakeStaging
}

func newFakeCatalogRepo() *fakeCatalogRepo {
	return &fakeCatalogRepo{state: newCatalogState(), failSKUs: map[string]bool{}}
}

func (f *fakeCatalogRepo) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	snapshot := f.state.clone()
	if err := fn(ctx, f); err != nil {
		f.state = snapshot
		return err
	}
	return nil
}

func (f *fakeCatalogRepo) RunNested(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	snapshot := f.state.clone()
	if err := fn(ctx, f); err != nil {
		f.state = snapshot
		return err
	}
	return nil
}

func productKey(supplierID uuid.UUID, sku string) string {
	return supplierID.String() + "|" + strings.ToUpper(sku)
}

func (f *fakeCatalogRepo) UpsertProduct(_ context.Context, product SupplierProduct) (uuid.UUID, bool, error) {
	if f.failSKUs[product.SupplierSKU] {
		return uuid.Nil, false, fmt.Errorf("constraint violation on %s", product.SupplierSKU)
	}
	key := productKey(product.SupplierID, product.SupplierSKU)
	if existing, ok := f.state.products[key]; ok {
		existing.Name = product.Name
		existing.Brand = product.Brand
		existing.IsNew = false
		existing.LastSeenUploadID = product.LastSeenUploadID
		f.state.products[key] = existing
		return existing.ID, false, nil
	}
	product.ID = uuid.New()
	product.IsNew = true
	product.FirstSeenUploadID = product.LastSeenUploadID
	f.state.products[key] = product
	return product.ID, true, nil
}

func (f *fakeCatalogRepo) GetCurrentPrice(_ context.Context, productID uuid.UUID) (PriceVersion, error) {
	for _, v := range f.state.prices[productID] {
		if v.IsCurrent {
			return v, nil
		}
	}
	return PriceVersion{}, ErrNoCurrentPrice
}

func (f *fakeCatalogRepo) AppendPrice(_ context.Context, version PriceVersion) error {
	versions := f.state.prices[version.SupplierProductID]
	for i := range versions {
		versions[i].IsCurrent = false
	}
	version.ID = uuid.New()
	version.IsCurrent = true
	f.state.prices[version.SupplierProductID] = append(versions, version)
	return nil
}

func stockKey(productID uuid.UUID, locationID string) string {
	return productID.String() + "|" + locationID
}

func (f *fakeCatalogRepo) UpsertStock(_ context.Context, snapshot StockSnapshot) error {
	key := stockKey(snapshot.SupplierProductID, snapshot.LocationID)
	if existing, ok := f.state.stock[key]; ok && snapshot.UnitCost == nil {
		snapshot.UnitCost = existing.UnitCost
	}
	f.state.stock[key] = snapshot
	return nil
}

func (f *fakeCatalogRepo) MarkUploadMerged(_ context.Context, uploadID uuid.UUID) error {
	u, ok := f.staging.uploads[uploadID]
	if !ok || u.Status != ingest.UploadStatusValidated {
		return ErrUploadNotMergeable
	}
	u.Status = ingest.UploadStatusMerged
	return nil
}

func (f *fakeCatalogRepo) ClearNewFlags(_ context.Context, supplierID, exceptUploadID uuid.UUID) error {
	for k, p := range f.state.products {
		if p.SupplierID == supplierID && p.IsNew && p.LastSeenUploadID != exceptUploadID {
			p.IsNew = false
			f.state.products[k] = p
		}
	}
	return nil
}

func (f *fakeCatalogRepo) GetProduct(_ context.Context, id uuid.UUID) (SupplierProduct, error) {
	for _, p := range f.state.products {
		if p.ID == id {
			return p, nil
		}
	}
	return SupplierProduct{}, ErrProductNotFound
}

func (f *fakeCatalogRepo) ListProducts(_ context.Context, filter ListProductsFilter) ([]SupplierProduct, int, error) {
	var out []SupplierProduct
	for _, p := range f.state.products {
		if filter.SupplierID != uuid.Nil && p.SupplierID != filter.SupplierID {
			continue
		}
		if filter.OnlyNew && !p.IsNew {
			continue
		}
		out = append(out, p)
	}
	return out, len(out), nil
}

func (f *fakeCatalogRepo) PriceHistory(_ context.Context, productID uuid.UUID) ([]PriceVersion, error) {
	return f.state.prices[productID], nil
}

func (f *fakeCatalogRepo) GetStock(_ context.Context, productID uuid.UUID) ([]StockSnapshot, error) {
	var out []StockSnapshot
	for _, s := range f.state.stock {
		if s.SupplierProductID == productID {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LocationID < out[j].LocationID })
	return out, nil
}

func (f *fakeCatalogRepo) Dashboard(_ context.Context) (DashboardMetrics, error) {
	return DashboardMetrics{Products: len(f.state.products)}, nil
}

type fakeStaging struct {
	uploads map[uuid.UUID]*ingest.Upload
	rows    map[uuid.UUID][]ingest.StagedRow
}

func newFakeStaging() *fakeStaging {
	return &fakeStaging{uploads: map[uuid.UUID]*ingest.Upload{}, rows: map[uuid.UUID][]ingest.StagedRow{}}
}

func (f *fakeStaging) GetUpload(_ context.Context, id uuid.UUID) (ingest.Upload, error) {
	u, ok := f.uploads[id]
	if !ok {
		return ingest.Upload{}, ingest.ErrUploadNotFound
	}
	return *u, nil
}

func (f *fakeStaging) StagedRows(_ context.Context, uploadID uuid.UUID) ([]ingest.StagedRow, error) {
	return f.rows[uploadID], nil
}

func (f *fakeStaging) SetStatus(_ context.Context, uploadID uuid.UUID, status ingest.UploadStatus, errorMessage string) error {
	u, ok := f.uploads[uploadID]
	if !ok {
		return ingest.ErrUploadNotFound
	}
	u.Status = status
	u.ErrorMessage = errorMessage
	return nil
}

type fakeLocks struct {
	held int
}

func (f *fakeLocks) WithLock(ctx context.Context, _ string, fn func(context.Context) error) error {
	f.held++
	return fn(ctx)
}

type fakeIdem struct {
	keys    map[string]bool
	deleted []string
}

func newFakeIdem() *fakeIdem { return &fakeIdem{keys: map[string]bool{}} }

func (f *fakeIdem) CheckAndInsert(_ context.Context, key, _ string) error {
	if f.keys[key] {
		return shared.ErrIdempotencyConflict
	}
	f.keys[key] = true
	return nil
}

func (f *fakeIdem) Delete(_ context.Context, key string) error {
	delete(f.keys, key)
	f.deleted = append(f.deleted, key)
	return nil
}

type captureSink struct {
	changes []PriceChange
}

func (c *captureSink) PriceChanged(_ context.Context, change PriceChange) {
	c.changes = append(c.changes, change)
}

type mergeFixture struct {
	repo    *fakeCatalogRepo
	staging *fakeStaging
	idem    *fakeIdem
	sink    *captureSink
	svc     *Service
}

func newMergeFixture(cfg ServiceConfig) *mergeFixture {
	repo := newFakeCatalogRepo()
	staging := newFakeStaging()
	repo.staging = staging
	idem := newFakeIdem()
	sink := &captureSink{}
	svc := NewService(repo, staging, &fakeLocks{}, idem, nil, nil, sink, cfg)
	return &mergeFixture{repo: repo, staging: staging, idem: idem, sink: sink, svc: svc}
}

func (fx *mergeFixture) addUpload(supplierID uuid.UUID, rows []ingest.StagedRow) uuid.UUID {
	id := uuid.New()
	fx.staging.uploads[id] = &ingest.Upload{ID: id, SupplierID: supplierID, Status: ingest.UploadStatusValidated}
	fx.staging.rows[id] = rows
	return id
}

func stagedRow(rowNum int, sku, name, price string, qtyOnHand int64) ingest.StagedRow {
	q := qtyOnHand
	return ingest.StagedRow{
		RowNumber:   rowNum,
		SupplierSKU: sku,
		Name:        name,
		Price:       decimal.RequireFromString(price),
		Currency:    "ZAR",
		QtyOnHand:   &q,
	}
}

func TestMergeCreatesProductsPricesAndStock(t *testing.T) {
	fx := newMergeFixture(ServiceConfig{})
	supplierID := uuid.New()
	uploadID := fx.addUpload(supplierID, []ingest.StagedRow{
		stagedRow(2, "A-1", "Widget", "10.50", 5),
		stagedRow(3, "A-2", "Gadget", "2.00", 3),
	})

	result, err := fx.svc.MergeUpload(context.Background(), MergeInput{UploadID: uploadID})
	require.NoError(t, err)
	require.Equal(t, 2, result.ProductsCreated)
	require.Equal(t, 0, result.ProductsUpdated)
	require.Equal(t, 2, result.PricesAppended)
	require.Equal(t, 2, result.StockUpdated)
	require.Equal(t, 0, result.RowsFailed)
	require.Equal(t, ingest.UploadStatusMerged, fx.staging.uploads[uploadID].Status)

	products, _, err := fx.repo.ListProducts(context.Background(), ListProductsFilter{SupplierID: supplierID})
	require.NoError(t, err)
	require.Len(t, products, 2)
	for _, p := range products {
		require.True(t, p.IsNew)
	}
}

func TestMergeIsIdempotentPerUpload(t *testing.T) {
	fx := newMergeFixture(ServiceConfig{})
	uploadID := fx.addUpload(uuid.New(), []ingest.StagedRow{stagedRow(2, "A-1", "Widget", "10", 1)})

	_, err := fx.svc.MergeUpload(context.Background(), MergeInput{UploadID: uploadID})
	require.NoError(t, err)

	_, err = fx.svc.MergeUpload(context.Background(), MergeInput{UploadID: uploadID})
	require.ErrorIs(t, err, ErrAlreadyMerged)
}

func TestMergePriceUnchangedWithinCurrencyPrecision(t *testing.T) {
	fx := newMergeFixture(ServiceConfig{})
	supplierID := uuid.New()
	first := fx.addUpload(supplierID, []ingest.StagedRow{stagedRow(2, "A-1", "Widget", "100.00", 1)})
	_, err := fx.svc.MergeUpload(context.Background(), MergeInput{UploadID: first})
	require.NoError(t, err)

	second := fx.addUpload(supplierID, []ingest.StagedRow{stagedRow(2, "A-1", "Widget", "99.995", 1)})
	result, err := fx.svc.MergeUpload(context.Background(), MergeInput{UploadID: second})
	require.NoError(t, err)
	require.Equal(t, 0, result.PricesAppended)
	require.Equal(t, 1, result.PricesUnchanged)

	products, _, _ := fx.repo.ListProducts(context.Background(), ListProductsFilter{SupplierID: supplierID})
	require.Len(t, fx.repo.state.prices[products[0].ID], 1)
}

func TestMergeAppendsVersionOnPriceChange(t *testing.T) {
	fx := newMergeFixture(ServiceConfig{})
	supplierID := uuid.New()
	first := fx.addUpload(supplierID, []ingest.StagedRow{stagedRow(2, "A-1", "Widget", "100.00", 1)})
	_, err := fx.svc.MergeUpload(context.Background(), MergeInput{UploadID: first})
	require.NoError(t, err)

	second := fx.addUpload(supplierID, []ingest.StagedRow{stagedRow(2, "A-1", "Widget", "110.00", 1)})
	result, err := fx.svc.MergeUpload(context.Background(), MergeInput{UploadID: second})
	require.NoError(t, err)
	require.Equal(t, 1, result.PricesAppended)

	products, _, _ := fx.repo.ListProducts(context.Background(), ListProductsFilter{SupplierID: supplierID})
	versions := fx.repo.state.prices[products[0].ID]
	require.Len(t, versions, 2)

	currents := 0
	for _, v := range versions {
		if v.IsCurrent {
			currents++
			require.True(t, v.Price.Equal(decimal.RequireFromString("110")))
		}
	}
	require.Equal(t, 1, currents)
	require.Len(t, fx.sink.changes, 1)
	require.InDelta(t, 10.0, fx.sink.changes[0].ChangePct, 0.001)
}

func TestMergeRowFailureIsIsolated(t *testing.T) {
	fx := newMergeFixture(ServiceConfig{})
	fx.repo.failSKUs["BAD-1"] = true
	supplierID := uuid.New()
	uploadID := fx.addUpload(supplierID, []ingest.StagedRow{
		stagedRow(2, "A-1", "Widget", "10", 1),
		stagedRow(3, "BAD-1", "Broken", "10", 1),
		stagedRow(4, "A-2", "Gadget", "10", 1),
	})

	result, err := fx.svc.MergeUpload(context.Background(), MergeInput{UploadID: uploadID})
	require.NoError(t, err)
	require.Equal(t, 2, result.ProductsCreated)
	require.Equal(t, 1, result.RowsFailed)
	require.Len(t, result.Errors, 1)
	require.Equal(t, "BAD-1", result.Errors[0].SupplierSKU)
	require.Equal(t, ingest.UploadStatusMerged, fx.staging.uploads[uploadID].Status)
}

func TestMergeAbortsOnMajorityFailure(t *testing.T) {
	fx := newMergeFixture(ServiceConfig{})
	fx.repo.failSKUs["BAD-1"] = true
	fx.repo.failSKUs["BAD-2"] = true
	supplierID := uuid.New()
	uploadID := fx.addUpload(supplierID, []ingest.StagedRow{
		stagedRow(2, "A-1", "Widget", "10", 1),
		stagedRow(3, "BAD-1", "Broken", "10", 1),
		stagedRow(4, "BAD-2", "Broken too", "10", 1),
	})

	_, err := fx.svc.MergeUpload(context.Background(), MergeInput{UploadID: uploadID})
	require.ErrorIs(t, err, ErrMergeAborted)

	// Whole upload rolled back, nothing persisted.
	products, _, _ := fx.repo.ListProducts(context.Background(), ListProductsFilter{SupplierID: supplierID})
	require.Empty(t, products)
	// Idempotency key released so a fixed upload can merge later.
	require.NotEmpty(t, fx.idem.deleted)
	require.Equal(t, ingest.UploadStatusError, fx.staging.uploads[uploadID].Status)
}

func TestMergeDuplicateSKUFirstOccurrenceWins(t *testing.T) {
	fx := newMergeFixture(ServiceConfig{})
	supplierID := uuid.New()
	uploadID := fx.addUpload(supplierID, []ingest.StagedRow{
		stagedRow(2, "A-1", "First listing", "100", 1),
		stagedRow(3, "a-1", "Repeat listing", "105", 2),
	})

	result, err := fx.svc.MergeUpload(context.Background(), MergeInput{UploadID: uploadID})
	require.NoError(t, err)
	require.Equal(t, 1, result.ProductsCreated)

	products, _, _ := fx.repo.ListProducts(context.Background(), ListProductsFilter{SupplierID: supplierID})
	require.Len(t, products, 1)
	require.Equal(t, "First listing", products[0].Name)
	current, err := fx.repo.GetCurrentPrice(context.Background(), products[0].ID)
	require.NoError(t, err)
	require.True(t, current.Price.Equal(decimal.RequireFromString("100")))
}

func TestMergeDuplicateSKUSkipsLaterRowEvenWithOtherLocation(t *testing.T) {
	fx := newMergeFixture(ServiceConfig{})
	supplierID := uuid.New()
	jhb := stagedRow(2, "A-1", "Widget", "10", 5)
	jhb.Location = "JHB"
	cpt := stagedRow(3, "a-1", "Widget", "10", 7)
	cpt.Location = "CPT"

	uploadID := fx.addUpload(supplierID, []ingest.StagedRow{jhb, cpt})
	_, err := fx.svc.MergeUpload(context.Background(), MergeInput{UploadID: uploadID})
	require.NoError(t, err)

	products, _, _ := fx.repo.ListProducts(context.Background(), ListProductsFilter{SupplierID: supplierID})
	require.Len(t, products, 1)
	snapshots, err := fx.svc.GetStock(context.Background(), products[0].ID)
	require.NoError(t, err)
	require.Len(t, snapshots, 1)
	require.Equal(t, "JHB", snapshots[0].LocationID)
	require.Equal(t, int64(5), snapshots[0].QtyOnHand)
}

func TestMergeStockAcrossUploadsPerLocation(t *testing.T) {
	fx := newMergeFixture(ServiceConfig{})
	supplierID := uuid.New()

	jhb := stagedRow(2, "A-1", "Widget", "10", 5)
	jhb.Location = "JHB"
	first := fx.addUpload(supplierID, []ingest.StagedRow{jhb})
	_, err := fx.svc.MergeUpload(context.Background(), MergeInput{UploadID: first})
	require.NoError(t, err)

	cpt := stagedRow(2, "A-1", "Widget", "10", 7)
	cpt.Location = "CPT"
	second := fx.addUpload(supplierID, []ingest.StagedRow{cpt})
	_, err = fx.svc.MergeUpload(context.Background(), MergeInput{UploadID: second})
	require.NoError(t, err)

	products, _, _ := fx.repo.ListProducts(context.Background(), ListProductsFilter{SupplierID: supplierID})
	snapshots, err := fx.svc.GetStock(context.Background(), products[0].ID)
	require.NoError(t, err)
	require.Len(t, snapshots, 2)
	require.Equal(t, "CPT", snapshots[0].LocationID)
	require.Equal(t, int64(7), snapshots[0].QtyOnHand)
	require.Equal(t, "JHB", snapshots[1].LocationID)
	require.Equal(t, int64(5), snapshots[1].QtyOnHand)
}

func TestMergePreservesUnitCostWhenRowUnpriced(t *testing.T) {
	fx := newMergeFixture(ServiceConfig{})
	supplierID := uuid.New()

	first := fx.addUpload(supplierID, []ingest.StagedRow{stagedRow(2, "A-1", "Widget", "12.50", 5)})
	_, err := fx.svc.MergeUpload(context.Background(), MergeInput{UploadID: first})
	require.NoError(t, err)

	// A stock-count style upload carries quantities but no prices.
	second := fx.addUpload(supplierID, []ingest.StagedRow{stagedRow(2, "A-1", "Widget", "0", 9)})
	_, err = fx.svc.MergeUpload(context.Background(), MergeInput{UploadID: second})
	require.NoError(t, err)

	products, _, _ := fx.repo.ListProducts(context.Background(), ListProductsFilter{SupplierID: supplierID})
	snapshots, err := fx.svc.GetStock(context.Background(), products[0].ID)
	require.NoError(t, err)
	require.Len(t, snapshots, 1)
	require.Equal(t, DefaultLocationID, snapshots[0].LocationID)
	require.Equal(t, int64(9), snapshots[0].QtyOnHand)
	require.NotNil(t, snapshots[0].UnitCost)
	require.True(t, snapshots[0].UnitCost.Equal(decimal.RequireFromString("12.50")))
}

func TestMergeReclaimsStaleIdempotencyKey(t *testing.T) {
	fx := newMergeFixture(ServiceConfig{})
	uploadID := fx.addUpload(uuid.New(), []ingest.StagedRow{stagedRow(2, "A-1", "Widget", "10", 1)})
	// A previous attempt claimed the key but died before its transaction
	// committed, leaving the upload validated.
	fx.idem.keys["merge:"+uploadID.String()] = true

	result, err := fx.svc.MergeUpload(context.Background(), MergeInput{UploadID: uploadID})
	require.NoError(t, err)
	require.Equal(t, 1, result.ProductsCreated)
	require.Equal(t, ingest.UploadStatusMerged, fx.staging.uploads[uploadID].Status)
}

func TestMergeClearsNewFlagOnResighting(t *testing.T) {
	fx := newMergeFixture(ServiceConfig{})
	supplierID := uuid.New()
	first := fx.addUpload(supplierID, []ingest.StagedRow{
		stagedRow(2, "A-1", "Widget", "10", 1),
		stagedRow(3, "A-2", "Gadget", "10", 1),
	})
	_, err := fx.svc.MergeUpload(context.Background(), MergeInput{UploadID: first})
	require.NoError(t, err)

	// Second upload re-sights A-1 only and introduces A-3.
	second := fx.addUpload(supplierID, []ingest.StagedRow{
		stagedRow(2, "A-1", "Widget", "10", 1),
		stagedRow(3, "A-3", "Sprocket", "10", 1),
	})
	_, err = fx.svc.MergeUpload(context.Background(), MergeInput{UploadID: second})
	require.NoError(t, err)

	newFlags := map[string]bool{}
	for _, p := range fx.repo.state.products {
		newFlags[p.SupplierSKU] = p.IsNew
	}
	require.False(t, newFlags["A-1"])
	require.False(t, newFlags["A-2"])
	require.True(t, newFlags["A-3"])
}

func TestMergeFlagsAnomalousPriceJump(t *testing.T) {
	fx := newMergeFixture(ServiceConfig{AnomalyThresholdPct: 20})
	supplierID := uuid.New()
	first := fx.addUpload(supplierID, []ingest.StagedRow{stagedRow(2, "A-1", "Widget", "100", 1)})
	_, err := fx.svc.MergeUpload(context.Background(), MergeInput{UploadID: first})
	require.NoError(t, err)

	second := fx.addUpload(supplierID, []ingest.StagedRow{stagedRow(2, "A-1", "Widget", "150", 1)})
	result, err := fx.svc.MergeUpload(context.Background(), MergeInput{UploadID: second})
	require.NoError(t, err)
	require.Equal(t, 1, result.AnomaliesFlagged)
	require.Len(t, fx.sink.changes, 1)
	require.True(t, fx.sink.changes[0].Anomalous)
}

func TestMergeRefusesUnvalidatedUpload(t *testing.T) {
	fx := newMergeFixture(ServiceConfig{})
	id := uuid.New()
	fx.staging.uploads[id] = &ingest.Upload{ID: id, SupplierID: uuid.New(), Status: ingest.UploadStatusReceived}

	_, err := fx.svc.MergeUpload(context.Background(), MergeInput{UploadID: id})
	require.ErrorIs(t, err, ErrUploadNotMergeable)
	require.False(t, errors.Is(err, ErrAlreadyMerged))
}
