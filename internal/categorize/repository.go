package categorize

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Repository provides PostgreSQL backed persistence for categorization.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// TxRepository exposes transactional categorization operations.
type TxRepository interface {
	GetAssignment(ctx context.Context, productID uuid.UUID) (Assignment, error)
	SetAssignment(ctx context.Context, assignment Assignment) error
	GetOrCreateCategory(ctx context.Context, name string) (Category, error)
	GetProposal(ctx context.Context, id uuid.UUID) (Proposal, error)
	FindPendingProposalByName(ctx context.Context, normalizedName string) (Proposal, error)
	CreateProposal(ctx context.Context, proposal Proposal) error
	IncrementSuggestion(ctx context.Context, proposalID uuid.UUID, confidence float64, provider string) error
	LinkProposal(ctx context.Context, link ProposalLink) error
	ListProposalLinks(ctx context.Context, proposalID uuid.UUID) ([]ProposalLink, error)
	ResolveProposalLinks(ctx context.Context, proposalID uuid.UUID, status LinkStatus) error
	SetProposalStatus(ctx context.Context, id uuid.UUID, status ProposalStatus, decidedBy string) error
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

func (t *txRepo) GetAssignment(ctx context.Context, productID uuid.UUID) (Assignment, error) {
	return scanAssignment(t.tx.QueryRow(ctx, assignmentSelect+` WHERE supplier_product_id = $1`, productID))
}

func (t *txRepo) SetAssignment(ctx context.Context, a Assignment) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO category_assignments (supplier_product_id, category_id, state, confidence, source, updated_at)
		VALUES ($1, $2, $3, $4, $5, NOW())
		ON CONFLICT (supplier_product_id) DO UPDATE SET
			category_id = EXCLUDED.category_id,
			state = EXCLUDED.state,
			confidence = EXCLUDED.confidence,
			source = EXCLUDED.source,
			updated_at = NOW()`,
		a.SupplierProductID, a.CategoryID, a.State, a.Confidence, a.Source)
	return err
}

func (t *txRepo) GetOrCreateCategory(ctx context.Context, name string) (Category, error) {
	normalized := NormalizeName(name)
	var c Category
	err := t.tx.QueryRow(ctx, `
		SELECT id, name, created_at FROM categories WHERE normalized_name = $1`, normalized).
		Scan(&c.ID, &c.Name, &c.CreatedAt)
	if err == nil {
		return c, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return Category{}, err
	}
	c = Category{ID: uuid.New(), Name: name}
	err = t.tx.QueryRow(ctx, `
		INSERT INTO categories (id, name, normalized_name, created_at)
		VALUES ($1, $2, $3, NOW())
		RETURNING created_at`, c.ID, c.Name, normalized).Scan(&c.CreatedAt)
	return c, err
}

func (t *txRepo) GetProposal(ctx context.Context, id uuid.UUID) (Proposal, error) {
	return scanProposal(t.tx.QueryRow(ctx, proposalSelect+` WHERE id = $1`, id))
}

func (t *txRepo) FindPendingProposalByName(ctx context.Context, normalizedName string) (Proposal, error) {
	return scanProposal(t.tx.QueryRow(ctx,
		proposalSelect+` WHERE normalized_name = $1 AND status = 'pending'`, normalizedName))
}

func (t *txRepo) CreateProposal(ctx context.Context, p Proposal) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO category_proposals
			(id, display_name, normalized_name, status, suggestion_count, confidence, last_provider, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NOW())`,
		p.ID, p.DisplayName, p.NormalizedName, p.Status, p.SuggestionCount, p.Confidence, p.LastProvider)
	return err
}

func (t *txRepo) IncrementSuggestion(ctx context.Context, proposalID uuid.UUID, confidence float64, provider string) error {
	_, err := t.tx.Exec(ctx, `
		UPDATE category_proposals
		SET suggestion_count = suggestion_count + 1,
		    confidence = GREATEST(confidence, $2),
		    last_provider = $3
		WHERE id = $1`, proposalID, confidence, provider)
	return err
}

func (t *txRepo) LinkProposal(ctx context.Context, link ProposalLink) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO proposal_links (proposal_id, supplier_product_id, confidence, status, reasoning, provider)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (proposal_id, supplier_product_id) DO NOTHING`,
		link.ProposalID, link.SupplierProductID, link.Confidence, link.Status, link.Reasoning, link.Provider)
	return err
}

func (t *txRepo) ListProposalLinks(ctx context.Context, proposalID uuid.UUID) ([]ProposalLink, error) {
	rows, err := t.tx.Query(ctx, `
		SELECT proposal_id, supplier_product_id, confidence, status, reasoning, provider
		FROM proposal_links WHERE proposal_id = $1`, proposalID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var links []ProposalLink
	for rows.Next() {
		var l ProposalLink
		if err := rows.Scan(&l.ProposalID, &l.SupplierProductID, &l.Confidence, &l.Status, &l.Reasoning, &l.Provider); err != nil {
			return nil, err
		}
		links = append(links, l)
	}
	return links, rows.Err()
}

func (t *txRepo) ResolveProposalLinks(ctx context.Context, proposalID uuid.UUID, status LinkStatus) error {
	_, err := t.tx.Exec(ctx, `
		UPDATE proposal_links
		SET status = $2
		WHERE proposal_id = $1 AND status = 'pending'`, proposalID, status)
	return err
}

func (t *txRepo) SetProposalStatus(ctx context.Context, id uuid.UUID, status ProposalStatus, decidedBy string) error {
	tag, err := t.tx.Exec(ctx, `
		UPDATE category_proposals
		SET status = $2, decided_at = NOW(), decided_by = $3
		WHERE id = $1`, id, status, decidedBy)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrProposalNotFound
	}
	return nil
}

// ListCategories returns all curated categories.
func (r *Repository) ListCategories(ctx context.Context) ([]Category, error) {
	rows, err := r.pool.Query(ctx, `SELECT id, name, created_at FROM categories ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var categories []Category
	for rows.Next() {
		var c Category
		if err := rows.Scan(&c.ID, &c.Name, &c.CreatedAt); err != nil {
			return nil, err
		}
		categories = append(categories, c)
	}
	return categories, rows.Err()
}

// GetAssignment returns a product's assignment.
func (r *Repository) GetAssignment(ctx context.Context, productID uuid.UUID) (Assignment, error) {
	return scanAssignment(r.pool.QueryRow(ctx, assignmentSelect+` WHERE supplier_product_id = $1`, productID))
}

// GetItem returns the classification item for one product regardless of its
// assignment state.
func (r *Repository) GetItem(ctx context.Context, productID uuid.UUID) (Item, error) {
	var item Item
	var categoryRaw *string
	err := r.pool.QueryRow(ctx, `
		SELECT p.id, p.name, p.brand, r.category_raw
		FROM supplier_products p
		LEFT JOIN LATERAL (
			SELECT category_raw FROM staged_rows s
			WHERE s.upload_id = p.last_seen_upload_id
			  AND UPPER(s.supplier_sku) = UPPER(p.supplier_sku)
			LIMIT 1
		) r ON TRUE
		WHERE p.id = $1`, productID).
		Scan(&item.SupplierProductID, &item.Name, &item.Brand, &categoryRaw)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Item{}, ErrProductNotFound
		}
		return Item{}, err
	}
	if categoryRaw != nil {
		item.CategoryRaw = *categoryRaw
	}
	return item, nil
}

// Candidates returns classification items for products still uncategorized.
func (r *Repository) Candidates(ctx context.Context, supplierID uuid.UUID, limit int) ([]Item, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `
		SELECT p.id, p.name, p.brand, r.category_raw
		FROM supplier_products p
		LEFT JOIN category_assignments a ON a.supplier_product_id = p.id
		LEFT JOIN LATERAL (
			SELECT category_raw FROM staged_rows s
			WHERE s.upload_id = p.last_seen_upload_id
			  AND UPPER(s.supplier_sku) = UPPER(p.supplier_sku)
			LIMIT 1
		) r ON TRUE
		WHERE (a.state IS NULL OR a.state = 'uncategorized')`
	args := []any{}
	argPos := 1
	if supplierID != uuid.Nil {
		query += fmt.Sprintf(" AND p.supplier_id = $%d", argPos)
		args = append(args, supplierID)
		argPos++
	}
	query += fmt.Sprintf(" ORDER BY p.updated_at LIMIT $%d", argPos)
	args = append(args, limit)

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []Item
	for rows.Next() {
		var item Item
		var categoryRaw *string
		if err := rows.Scan(&item.SupplierProductID, &item.Name, &item.Brand, &categoryRaw); err != nil {
			return nil, err
		}
		if categoryRaw != nil {
			item.CategoryRaw = *categoryRaw
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

// ListProposals returns proposals matching the filter, newest first.
func (r *Repository) ListProposals(ctx context.Context, filter ListProposalsFilter) ([]Proposal, int, error) {
	where := "WHERE 1=1"
	args := []any{}
	argPos := 1
	if filter.Status != "" {
		where += fmt.Sprintf(" AND status = $%d", argPos)
		args = append(args, filter.Status)
		argPos++
	}

	var total int
	if err := r.pool.QueryRow(ctx, "SELECT COUNT(*) FROM category_proposals "+where, args...).Scan(&total); err != nil {
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
	query := fmt.Sprintf("%s %s ORDER BY created_at DESC LIMIT $%d OFFSET $%d", proposalSelect, where, argPos, argPos+1)
	args = append(args, perPage, (page-1)*perPage)

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var proposals []Proposal
	for rows.Next() {
		p, err := scanProposal(rows)
		if err != nil {
			return nil, 0, err
		}
		proposals = append(proposals, p)
	}
	return proposals, total, rows.Err()
}

const assignmentSelect = `
	SELECT supplier_product_id, category_id, state, confidence, source, updated_at
	FROM category_assignments`

const proposalSelect = `
	SELECT id, display_name, normalized_name, status, suggestion_count, confidence,
	       COALESCE(last_provider, ''), created_at, decided_at, COALESCE(decided_by, '')
	FROM category_proposals`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAssignment(row rowScanner) (Assignment, error) {
	var a Assignment
	err := row.Scan(&a.SupplierProductID, &a.CategoryID, &a.State, &a.Confidence, &a.Source, &a.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Assignment{}, ErrAssignmentNotFound
		}
		return Assignment{}, err
	}
	return a, nil
}

func scanProposal(row rowScanner) (Proposal, error) {
	var p Proposal
	err := row.Scan(&p.ID, &p.DisplayName, &p.NormalizedName, &p.Status, &p.SuggestionCount,
		&p.Confidence, &p.LastProvider, &p.CreatedAt, &p.DecidedAt, &p.DecidedBy)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Proposal{}, ErrProposalNotFound
		}
		return Proposal{}, err
	}
	return p, nil
}
