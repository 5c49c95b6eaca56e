package selection

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Repository provides PostgreSQL backed persistence for selections.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// TxRepository exposes transactional selection operations.
type TxRepository interface {
	GetSelectionForUpdate(ctx context.Context, id uuid.UUID) (Selection, error)
	CreateSelection(ctx context.Context, sel Selection) error
	UpdateSelection(ctx context.Context, sel Selection) error
	SetStatus(ctx context.Context, id uuid.UUID, status Status) error
	DeactivateSiblings(ctx context.Context, supplierID, exceptID uuid.UUID) (int, error)
	UpsertItems(ctx context.Context, items []Item) error
	SelectionSuppliers(ctx context.Context, selectionID uuid.UUID) ([]uuid.UUID, error)
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

func (t *txRepo) GetSelectionForUpdate(ctx context.Context, id uuid.UUID) (Selection, error) {
	row := t.tx.QueryRow(ctx, `
		SELECT id, name, status, COALESCE(supplier_id, '00000000-0000-0000-0000-000000000000'),
		       valid_from, valid_to, created_by, created_at, updated_at, 0
		FROM selections WHERE id = $1 FOR UPDATE`, id)
	return scanSelection(row)
}

func (t *txRepo) CreateSelection(ctx context.Context, sel Selection) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO selections (id, name, status, supplier_id, valid_from, valid_to, created_by, created_at, updated_at)
		VALUES ($1, $2, $3, NULLIF($4, '00000000-0000-0000-0000-000000000000'::uuid), $5, $6, $7, NOW(), NOW())`,
		sel.ID, sel.Name, sel.Status, sel.SupplierID, sel.ValidFrom, sel.ValidTo, sel.CreatedBy)
	return err
}

func (t *txRepo) UpdateSelection(ctx context.Context, sel Selection) error {
	tag, err := t.tx.Exec(ctx, `
		UPDATE selections
		SET name = $2, valid_from = $3, valid_to = $4, updated_at = NOW()
		WHERE id = $1`, sel.ID, sel.Name, sel.ValidFrom, sel.ValidTo)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrSelectionNotFound
	}
	return nil
}

func (t *txRepo) SetStatus(ctx context.Context, id uuid.UUID, status Status) error {
	tag, err := t.tx.Exec(ctx, `
		UPDATE selections SET status = $2, updated_at = NOW() WHERE id = $1`, id, status)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrSelectionNotFound
	}
	return nil
}

// DeactivateSiblings archives nothing; it moves every other active selection
// in the same scope back to draft and reports how many it touched.
func (t *txRepo) DeactivateSiblings(ctx context.Context, supplierID, exceptID uuid.UUID) (int, error) {
	tag, err := t.tx.Exec(ctx, `
		UPDATE selections
		SET status = 'draft', updated_at = NOW()
		WHERE status = 'active'
		  AND id <> $2
		  AND supplier_id IS NOT DISTINCT FROM NULLIF($1, '00000000-0000-0000-0000-000000000000'::uuid)`,
		supplierID, exceptID)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

func (t *txRepo) UpsertItems(ctx context.Context, items []Item) error {
	for _, item := range items {
		if _, err := t.tx.Exec(ctx, `
			INSERT INTO selection_items (selection_id, supplier_product_id, status, note, updated_by, updated_at)
			VALUES ($1, $2, $3, $4, $5, NOW())
			ON CONFLICT (selection_id, supplier_product_id) DO UPDATE SET
				status = EXCLUDED.status,
				note = EXCLUDED.note,
				updated_by = EXCLUDED.updated_by,
				updated_at = NOW()`,
			item.SelectionID, item.SupplierProductID, item.Status, item.Note, item.UpdatedBy); err != nil {
			return err
		}
	}
	return nil
}

func (t *txRepo) SelectionSuppliers(ctx context.Context, selectionID uuid.UUID) ([]uuid.UUID, error) {
	rows, err := t.tx.Query(ctx, `
		SELECT DISTINCT p.supplier_id
		FROM selection_items si
		JOIN supplier_products p ON p.id = si.supplier_product_id
		WHERE si.selection_id = $1 AND si.status = 'selected'`, selectionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

const selectionSelect = `
	SELECT s.id, s.name, s.status, COALESCE(s.supplier_id, '00000000-0000-0000-0000-000000000000'),
	       s.valid_from, s.valid_to, s.created_by, s.created_at, s.updated_at,
	       (SELECT COUNT(*) FROM selection_items si WHERE si.selection_id = s.id AND si.status = 'selected')
	FROM selections s`

// GetSelection fetches a selection with its selected item count.
func (r *Repository) GetSelection(ctx context.Context, id uuid.UUID) (Selection, error) {
	return scanSelection(r.pool.QueryRow(ctx, selectionSelect+` WHERE s.id = $1`, id))
}

// ActiveSelection returns the active selection for a scope.
func (r *Repository) ActiveSelection(ctx context.Context, supplierID uuid.UUID) (Selection, error) {
	sel, err := scanSelection(r.pool.QueryRow(ctx, selectionSelect+`
		WHERE s.status = 'active'
		  AND s.supplier_id IS NOT DISTINCT FROM NULLIF($1, '00000000-0000-0000-0000-000000000000'::uuid)`,
		supplierID))
	if errors.Is(err, ErrSelectionNotFound) {
		return Selection{}, ErrNoActiveSelection
	}
	return sel, err
}

// ListSelections returns selections matching the filter, newest first.
func (r *Repository) ListSelections(ctx context.Context, filter ListFilter) ([]Selection, int, error) {
	where := "WHERE 1=1"
	args := []any{}
	argPos := 1
	if filter.SupplierID != uuid.Nil {
		where += fmt.Sprintf(" AND s.supplier_id = $%d", argPos)
		args = append(args, filter.SupplierID)
		argPos++
	}
	if filter.Status != "" {
		where += fmt.Sprintf(" AND s.status = $%d", argPos)
		args = append(args, filter.Status)
		argPos++
	}

	var total int
	if err := r.pool.QueryRow(ctx, "SELECT COUNT(*) FROM selections s "+where, args...).Scan(&total); err != nil {
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
	query := fmt.Sprintf("%s %s ORDER BY s.created_at DESC LIMIT $%d OFFSET $%d", selectionSelect, where, argPos, argPos+1)
	args = append(args, perPage, (page-1)*perPage)

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var selections []Selection
	for rows.Next() {
		sel, err := scanSelection(rows)
		if err != nil {
			return nil, 0, err
		}
		selections = append(selections, sel)
	}
	return selections, total, rows.Err()
}

// ListItems returns a selection's membership records.
func (r *Repository) ListItems(ctx context.Context, selectionID uuid.UUID) ([]Item, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT selection_id, supplier_product_id, status, note, updated_by, updated_at
		FROM selection_items WHERE selection_id = $1 ORDER BY updated_at DESC`, selectionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []Item
	for rows.Next() {
		var item Item
		if err := rows.Scan(&item.SelectionID, &item.SupplierProductID, &item.Status,
			&item.Note, &item.UpdatedBy, &item.UpdatedAt); err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

// rollupJoin is the shared read-side join of stock, identity and the current
// price ledger entry. Extra predicates scope by supplier or selection.
const rollupJoin = `
	FROM stock_snapshots st
	JOIN supplier_products p ON p.id = st.supplier_product_id
	JOIN price_versions pv ON pv.supplier_product_id = p.id AND pv.is_current`

func rollupWhere(q RollupQuery) (string, []any) {
	where := " WHERE 1=1"
	args := []any{}
	argPos := 1
	if q.SupplierID != uuid.Nil {
		where += fmt.Sprintf(" AND p.supplier_id = $%d", argPos)
		args = append(args, q.SupplierID)
		argPos++
	}
	if q.SelectionID != uuid.Nil {
		where += fmt.Sprintf(` AND EXISTS (
			SELECT 1 FROM selection_items si
			WHERE si.selection_id = $%d
			  AND si.supplier_product_id = p.id
			  AND si.status = 'selected')`, argPos)
		args = append(args, q.SelectionID)
	}
	return where, args
}

// RollupTotals aggregates quantity and value per currency for the scope.
func (r *Repository) RollupTotals(ctx context.Context, q RollupQuery) ([]CurrencyTotal, int64, int, error) {
	where, args := rollupWhere(q)
	rows, err := r.pool.Query(ctx, `
		SELECT pv.currency, COALESCE(SUM(st.qty_on_hand), 0),
		       COALESCE(SUM(st.qty_on_hand * pv.price), 0), COUNT(*)`+
		rollupJoin+where+` GROUP BY pv.currency ORDER BY pv.currency`, args...)
	if err != nil {
		return nil, 0, 0, err
	}
	defer rows.Close()

	var totals []CurrencyTotal
	var totalQty int64
	var totalProducts int
	for rows.Next() {
		var t CurrencyTotal
		var qty int64
		var products int
		if err := rows.Scan(&t.Currency, &qty, &t.Value, &products); err != nil {
			return nil, 0, 0, err
		}
		totals = append(totals, t)
		totalQty += qty
		totalProducts += products
	}
	return totals, totalQty, totalProducts, rows.Err()
}

// RollupBySupplier aggregates quantity and value per supplier and currency.
func (r *Repository) RollupBySupplier(ctx context.Context, q RollupQuery) ([]SupplierRollup, error) {
	where, args := rollupWhere(q)
	rows, err := r.pool.Query(ctx, `
		SELECT p.supplier_id, pv.currency, COUNT(*), COALESCE(SUM(st.qty_on_hand), 0),
		       COALESCE(SUM(st.qty_on_hand * pv.price), 0)`+
		rollupJoin+where+` GROUP BY p.supplier_id, pv.currency ORDER BY p.supplier_id, pv.currency`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []SupplierRollup
	for rows.Next() {
		var sr SupplierRollup
		if err := rows.Scan(&sr.SupplierID, &sr.Currency, &sr.Products, &sr.TotalQty, &sr.Value); err != nil {
			return nil, err
		}
		out = append(out, sr)
	}
	return out, rows.Err()
}

// RollupByLocation aggregates quantity and value per stock location and
// currency.
func (r *Repository) RollupByLocation(ctx context.Context, q RollupQuery) ([]LocationRollup, error) {
	where, args := rollupWhere(q)
	rows, err := r.pool.Query(ctx, `
		SELECT st.location_id, pv.currency, COUNT(*), COALESCE(SUM(st.qty_on_hand), 0),
		       COALESCE(SUM(st.qty_on_hand * pv.price), 0)`+
		rollupJoin+where+` GROUP BY st.location_id, pv.currency ORDER BY st.location_id, pv.currency`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []LocationRollup
	for rows.Next() {
		var lr LocationRollup
		if err := rows.Scan(&lr.LocationID, &lr.Currency, &lr.Products, &lr.TotalQty, &lr.Value); err != nil {
			return nil, err
		}
		out = append(out, lr)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSelection(row rowScanner) (Selection, error) {
	var s Selection
	err := row.Scan(&s.ID, &s.Name, &s.Status, &s.SupplierID, &s.ValidFrom, &s.ValidTo,
		&s.CreatedBy, &s.CreatedAt, &s.UpdatedAt, &s.ItemCount)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Selection{}, ErrSelectionNotFound
		}
		return Selection{}, err
	}
	return s, nil
}
