package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Repository provides PostgreSQL backed persistence for the catalog ledgers.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// TxRepository exposes transactional merge operations.
type TxRepository interface {
	// UpsertProduct resolves identity on (supplier_id, supplier_sku) and
	// reports whether a new product row was created.
	UpsertProduct(ctx context.Context, product SupplierProduct) (uuid.UUID, bool, error)
	GetCurrentPrice(ctx context.Context, productID uuid.UUID) (PriceVersion, error)
	AppendPrice(ctx context.Context, version PriceVersion) error
	UpsertStock(ctx context.Context, snapshot StockSnapshot) error
	ClearNewFlags(ctx context.Context, supplierID, exceptUploadID uuid.UUID) error
	// MarkUploadMerged flips a validated upload to merged inside the merge
	// transaction so the status and the ledger writes commit atomically.
	MarkUploadMerged(ctx context.Context, uploadID uuid.UUID) error
	// RunNested executes fn inside a savepoint so one row's failure does not
	// poison the outer merge transaction.
	RunNested(ctx context.Context, fn func(context.Context, TxRepository) error) error
}

type txRepo struct {
	tx pgx.Tx
}

// WithTx wraps the callback in a repeatable-read transaction.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead})
	if err != nil {
		return err
	}
	if err := fn(ctx, &txRepo{tx: tx}); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	return tx.Commit(ctx)
}

func (t *txRepo) RunNested(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	nested, err := t.tx.Begin(ctx)
	if err != nil {
		return err
	}
	if err := fn(ctx, &txRepo{tx: nested}); err != nil {
		_ = nested.Rollback(ctx)
		return err
	}
	return nested.Commit(ctx)
}

func (t *txRepo) UpsertProduct(ctx context.Context, product SupplierProduct) (uuid.UUID, bool, error) {
	attrs, err := json.Marshal(product.Attrs)
	if err != nil {
		return uuid.Nil, false, fmt.Errorf("catalog: marshal attrs: %w", err)
	}
	id := product.ID
	if id == uuid.Nil {
		id = uuid.New()
	}
	var productID uuid.UUID
	var inserted bool
	// xmax = 0 discriminates a fresh insert from a conflict update.
	err = t.tx.QueryRow(ctx, `
		INSERT INTO supplier_products
			(id, supplier_id, supplier_sku, name, description, brand, uom, pack_size,
			 barcode, attrs, is_new, first_seen_upload_id, last_seen_upload_id, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, TRUE, $11, $11, NOW(), NOW())
		ON CONFLICT (supplier_id, supplier_sku) DO UPDATE SET
			name = EXCLUDED.name,
			description = EXCLUDED.description,
			brand = EXCLUDED.brand,
			uom = EXCLUDED.uom,
			pack_size = EXCLUDED.pack_size,
			barcode = EXCLUDED.barcode,
			attrs = EXCLUDED.attrs,
			is_new = FALSE,
			last_seen_upload_id = EXCLUDED.last_seen_upload_id,
			updated_at = NOW()
		RETURNING id, (xmax = 0) AS inserted`,
		id, product.SupplierID, product.SupplierSKU, product.Name, product.Description,
		product.Brand, product.UOM, product.PackSize, product.Barcode, attrs,
		product.LastSeenUploadID).Scan(&productID, &inserted)
	if err != nil {
		return uuid.Nil, false, err
	}
	return productID, inserted, nil
}

func (t *txRepo) GetCurrentPrice(ctx context.Context, productID uuid.UUID) (PriceVersion, error) {
	return scanPrice(t.tx.QueryRow(ctx, `
		SELECT id, supplier_product_id, upload_id, price, currency, is_current,
		       valid_from, valid_to, created_at
		FROM price_versions
		WHERE supplier_product_id = $1 AND is_current`, productID))
}

func (t *txRepo) AppendPrice(ctx context.Context, version PriceVersion) error {
	if _, err := t.tx.Exec(ctx, `
		UPDATE price_versions
		SET is_current = FALSE, valid_to = NOW()
		WHERE supplier_product_id = $1 AND is_current`, version.SupplierProductID); err != nil {
		return err
	}
	id := version.ID
	if id == uuid.Nil {
		id = uuid.New()
	}
	_, err := t.tx.Exec(ctx, `
		INSERT INTO price_versions
			(id, supplier_product_id, upload_id, price, currency, is_current, valid_from, created_at)
		VALUES ($1, $2, $3, $4, $5, TRUE, NOW(), NOW())`,
		id, version.SupplierProductID, version.UploadID, version.Price, version.Currency)
	return err
}

func (t *txRepo) UpsertStock(ctx context.Context, snapshot StockSnapshot) error {
	// COALESCE keeps the previous unit cost when the incoming row has none.
	_, err := t.tx.Exec(ctx, `
		INSERT INTO stock_snapshots (supplier_product_id, location_id, qty_on_hand, unit_cost, source, upload_id, as_of)
		VALUES ($1, $2, $3, $4, $5, $6, NOW())
		ON CONFLICT (supplier_product_id, location_id) DO UPDATE SET
			qty_on_hand = EXCLUDED.qty_on_hand,
			unit_cost = COALESCE(EXCLUDED.unit_cost, stock_snapshots.unit_cost),
			source = EXCLUDED.source,
			upload_id = EXCLUDED.upload_id,
			as_of = NOW()`,
		snapshot.SupplierProductID, snapshot.LocationID, snapshot.QtyOnHand,
		snapshot.UnitCost, snapshot.Source, snapshot.UploadID)
	return err
}

func (t *txRepo) MarkUploadMerged(ctx context.Context, uploadID uuid.UUID) error {
	tag, err := t.tx.Exec(ctx, `
		UPDATE pricelist_uploads
		SET status = 'merged', merged_at = NOW()
		WHERE id = $1 AND status = 'validated'`, uploadID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrUploadNotMergeable
	}
	return nil
}

func (t *txRepo) ClearNewFlags(ctx context.Context, supplierID, exceptUploadID uuid.UUID) error {
	_, err := t.tx.Exec(ctx, `
		UPDATE supplier_products
		SET is_new = FALSE
		WHERE supplier_id = $1 AND is_new AND last_seen_upload_id <> $2`,
		supplierID, exceptUploadID)
	return err
}

// GetProduct fetches a supplier product by id.
func (r *Repository) GetProduct(ctx context.Context, id uuid.UUID) (SupplierProduct, error) {
	return scanProduct(r.pool.QueryRow(ctx, productSelect+` WHERE id = $1`, id))
}

const productSelect = `
	SELECT id, supplier_id, supplier_sku, name, description, brand, uom, pack_size,
	       barcode, attrs, is_new, first_seen_upload_id, last_seen_upload_id,
	       created_at, updated_at
	FROM supplier_products`

// ListProducts returns products matching the filter.
func (r *Repository) ListProducts(ctx context.Context, filter ListProductsFilter) ([]SupplierProduct, int, error) {
	where := "WHERE 1=1"
	args := []any{}
	argPos := 1
	if filter.SupplierID != uuid.Nil {
		where += fmt.Sprintf(" AND supplier_id = $%d", argPos)
		args = append(args, filter.SupplierID)
		argPos++
	}
	if filter.Search != "" {
		where += fmt.Sprintf(" AND (supplier_sku ILIKE $%d OR name ILIKE $%d)", argPos, argPos)
		args = append(args, "%"+filter.Search+"%")
		argPos++
	}
	if filter.OnlyNew {
		where += " AND is_new"
	}

	var total int
	if err := r.pool.QueryRow(ctx, "SELECT COUNT(*) FROM supplier_products "+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	perPage := filter.PerPage
	if perPage <= 0 {
		perPage = 20
	}
	page := filter.Page
	if page <= 0 {
		page = 1
	}
	query := fmt.Sprintf("%s %s ORDER BY supplier_sku LIMIT $%d OFFSET $%d", productSelect, where, argPos, argPos+1)
	args = append(args, perPage, (page-1)*perPage)

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var products []SupplierProduct
	for rows.Next() {
		p, err := scanProduct(rows)
		if err != nil {
			return nil, 0, err
		}
		products = append(products, p)
	}
	return products, total, rows.Err()
}

// PriceHistory lists a product's price versions, newest first.
func (r *Repository) PriceHistory(ctx context.Context, productID uuid.UUID) ([]PriceVersion, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, supplier_product_id, upload_id, price, currency, is_current,
		       valid_from, valid_to, created_at
		FROM price_versions
		WHERE supplier_product_id = $1
		ORDER BY valid_from DESC`, productID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var versions []PriceVersion
	for rows.Next() {
		v, err := scanPrice(rows)
		if err != nil {
			return nil, err
		}
		versions = append(versions, v)
	}
	return versions, rows.Err()
}

// GetStock fetches a product's current stock snapshots, one row per location.
func (r *Repository) GetStock(ctx context.Context, productID uuid.UUID) ([]StockSnapshot, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT supplier_product_id, location_id, qty_on_hand, unit_cost, source, upload_id, as_of
		FROM stock_snapshots WHERE supplier_product_id = $1 ORDER BY location_id`, productID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var snapshots []StockSnapshot
	for rows.Next() {
		var s StockSnapshot
		if err := rows.Scan(&s.SupplierProductID, &s.LocationID, &s.QtyOnHand, &s.UnitCost,
			&s.Source, &s.UploadID, &s.AsOf); err != nil {
			return nil, err
		}
		snapshots = append(snapshots, s)
	}
	return snapshots, rows.Err()
}

// Dashboard computes the pipeline health projection.
func (r *Repository) Dashboard(ctx context.Context) (DashboardMetrics, error) {
	var m DashboardMetrics
	err := r.pool.QueryRow(ctx, `
		SELECT
			(SELECT COUNT(DISTINCT supplier_id) FROM supplier_products),
			(SELECT COUNT(*) FROM supplier_products),
			(SELECT COUNT(*) FROM supplier_products WHERE is_new),
			(SELECT COUNT(*) FROM price_versions WHERE valid_from > NOW() - INTERVAL '7 days'),
			(SELECT COUNT(*) FROM pricelist_uploads WHERE status = 'validated')`).
		Scan(&m.Suppliers, &m.Products, &m.NewProducts, &m.PriceChanges7Days, &m.UploadsPending)
	return m, err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanProduct(row rowScanner) (SupplierProduct, error) {
	var p SupplierProduct
	var attrs []byte
	err := row.Scan(&p.ID, &p.SupplierID, &p.SupplierSKU, &p.Name, &p.Description,
		&p.Brand, &p.UOM, &p.PackSize, &p.Barcode, &attrs, &p.IsNew,
		&p.FirstSeenUploadID, &p.LastSeenUploadID, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return SupplierProduct{}, ErrProductNotFound
		}
		return SupplierProduct{}, err
	}
	if len(attrs) > 0 {
		if err := json.Unmarshal(attrs, &p.Attrs); err != nil {
			return SupplierProduct{}, err
		}
	}
	return p, nil
}

func scanPrice(row rowScanner) (PriceVersion, error) {
	var v PriceVersion
	err := row.Scan(&v.ID, &v.SupplierProductID, &v.UploadID, &v.Price, &v.Currency,
		&v.IsCurrent, &v.ValidFrom, &v.ValidTo, &v.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return PriceVersion{}, ErrNoCurrentPrice
		}
		return PriceVersion{}, err
	}
	return v, nil
}
