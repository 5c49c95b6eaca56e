package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Repository provides PostgreSQL backed persistence for uploads and staging.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// TxRepository exposes transactional staging operations.
type TxRepository interface {
	CreateUpload(ctx context.Context, upload Upload) error
	InsertStagedRows(ctx context.Context, uploadID uuid.UUID, rows []StagedRow) error
	ReplaceFindings(ctx context.Context, uploadID uuid.UUID, findings []Finding) error
	SetValidationResult(ctx context.Context, uploadID uuid.UUID, summary ValidationSummary, status UploadStatus) error
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

func (t *txRepo) CreateUpload(ctx context.Context, upload Upload) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO pricelist_uploads
			(id, supplier_id, file_name, file_type, file_size_bytes, status, currency,
			 valid_from, valid_to, row_count, valid_rows, warning_rows, error_rows,
			 error_message, uploaded_by, uploaded_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`,
		upload.ID, upload.SupplierID, upload.FileName, upload.FileType, upload.FileSizeBytes,
		upload.Status, upload.Currency, upload.ValidFrom, upload.ValidTo,
		upload.RowCount, upload.ValidRows, upload.WarningRows, upload.ErrorRows,
		upload.ErrorMessage, upload.UploadedBy, upload.UploadedAt)
	return err
}

func (t *txRepo) InsertStagedRows(ctx context.Context, uploadID uuid.UUID, rows []StagedRow) error {
	if _, err := t.tx.Exec(ctx, `DELETE FROM staged_rows WHERE upload_id = $1`, uploadID); err != nil {
		return err
	}
	copyRows := make([][]any, 0, len(rows))
	for _, row := range rows {
		attrs, err := json.Marshal(row.Attrs)
		if err != nil {
			return fmt.Errorf("ingest: marshal attrs row %d: %w", row.RowNumber, err)
		}
		id := row.ID
		if id == uuid.Nil {
			id = uuid.New()
		}
		copyRows = append(copyRows, []any{
			id, uploadID, row.RowNumber, row.SupplierSKU, row.Name, row.Description,
			row.Brand, row.CategoryRaw, row.UOM, row.PackSize, row.Barcode, row.Location,
			row.Price, row.Currency, row.QtyOnHand, attrs,
		})
	}
	_, err := t.tx.CopyFrom(ctx,
		pgx.Identifier{"staged_rows"},
		[]string{"id", "upload_id", "row_number", "supplier_sku", "name", "description",
			"brand", "category_raw", "uom", "pack_size", "barcode", "location", "price",
			"currency", "qty_on_hand", "attrs"},
		pgx.CopyFromRows(copyRows))
	return err
}

func (t *txRepo) ReplaceFindings(ctx context.Context, uploadID uuid.UUID, findings []Finding) error {
	if _, err := t.tx.Exec(ctx, `DELETE FROM validation_findings WHERE upload_id = $1`, uploadID); err != nil {
		return err
	}
	for _, f := range findings {
		if _, err := t.tx.Exec(ctx, `
			INSERT INTO validation_findings (upload_id, row_number, field, code, severity, message, suggestion)
			VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			uploadID, f.RowNumber, f.Field, f.Code, f.Severity, f.Message, f.Suggestion); err != nil {
			return err
		}
	}
	return nil
}

func (t *txRepo) SetValidationResult(ctx context.Context, uploadID uuid.UUID, summary ValidationSummary, status UploadStatus) error {
	tag, err := t.tx.Exec(ctx, `
		UPDATE pricelist_uploads
		SET status = $2, row_count = $3, valid_rows = $4, warning_rows = $5,
		    error_rows = $6, validated_at = NOW()
		WHERE id = $1`,
		uploadID, status, summary.TotalRows, summary.ValidRows, summary.WarningRows, summary.ErrorRows)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrUploadNotFound
	}
	return nil
}

// GetUpload fetches an upload header.
func (r *Repository) GetUpload(ctx context.Context, id uuid.UUID) (Upload, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT id, supplier_id, file_name, file_type, file_size_bytes, status, currency,
		       valid_from, valid_to, row_count, valid_rows, warning_rows, error_rows,
		       error_message, uploaded_by, uploaded_at, validated_at, merged_at
		FROM pricelist_uploads WHERE id = $1`, id)
	return scanUpload(row)
}

// ListUploads returns uploads matching the filter, newest first.
func (r *Repository) ListUploads(ctx context.Context, filter ListUploadsFilter) ([]Upload, int, error) {
	where := "WHERE 1=1"
	args := []any{}
	argPos := 1
	if filter.SupplierID != uuid.Nil {
		where += fmt.Sprintf(" AND supplier_id = $%d", argPos)
		args = append(args, filter.SupplierID)
		argPos++
	}
	if filter.Status != "" {
		where += fmt.Sprintf(" AND status = $%d", argPos)
		args = append(args, filter.Status)
		argPos++
	}

	var total int
	if err := r.pool.QueryRow(ctx, "SELECT COUNT(*) FROM pricelist_uploads "+where, args...).Scan(&total); err != nil {
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
	query := fmt.Sprintf(`
		SELECT id, supplier_id, file_name, file_type, file_size_bytes, status, currency,
		       valid_from, valid_to, row_count, valid_rows, warning_rows, error_rows,
		       error_message, uploaded_by, uploaded_at, validated_at, merged_at
		FROM pricelist_uploads %s
		ORDER BY uploaded_at DESC
		LIMIT $%d OFFSET $%d`, where, argPos, argPos+1)
	args = append(args, perPage, (page-1)*perPage)

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var uploads []Upload
	for rows.Next() {
		u, err := scanUpload(rows)
		if err != nil {
			return nil, 0, err
		}
		uploads = append(uploads, u)
	}
	return uploads, total, rows.Err()
}

// ListStagedRows returns all staged rows of an upload ordered by row number.
func (r *Repository) ListStagedRows(ctx context.Context, uploadID uuid.UUID) ([]StagedRow, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, upload_id, row_number, supplier_sku, name, description, brand,
		       category_raw, uom, pack_size, barcode, location, price, currency, qty_on_hand, attrs
		FROM staged_rows WHERE upload_id = $1 ORDER BY row_number`, uploadID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var staged []StagedRow
	for rows.Next() {
		var s StagedRow
		var attrs []byte
		if err := rows.Scan(&s.ID, &s.UploadID, &s.RowNumber, &s.SupplierSKU, &s.Name,
			&s.Description, &s.Brand, &s.CategoryRaw, &s.UOM, &s.PackSize, &s.Barcode,
			&s.Location, &s.Price, &s.Currency, &s.QtyOnHand, &attrs); err != nil {
			return nil, err
		}
		if len(attrs) > 0 {
			if err := json.Unmarshal(attrs, &s.Attrs); err != nil {
				return nil, err
			}
		}
		staged = append(staged, s)
	}
	return staged, rows.Err()
}

// ListFindings returns validation findings for an upload.
func (r *Repository) ListFindings(ctx context.Context, uploadID uuid.UUID) ([]Finding, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT row_number, field, code, severity, message, suggestion
		FROM validation_findings WHERE upload_id = $1 ORDER BY row_number, field`, uploadID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var findings []Finding
	for rows.Next() {
		var f Finding
		if err := rows.Scan(&f.RowNumber, &f.Field, &f.Code, &f.Severity, &f.Message, &f.Suggestion); err != nil {
			return nil, err
		}
		findings = append(findings, f)
	}
	return findings, rows.Err()
}

// UpdateStatus transitions an upload status and records an optional error message.
func (r *Repository) UpdateStatus(ctx context.Context, id uuid.UUID, status UploadStatus, errorMessage string) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE pricelist_uploads
		SET status = $2,
		    error_message = $3,
		    merged_at = CASE WHEN $2 = 'merged' THEN NOW() ELSE merged_at END
		WHERE id = $1`, id, status, errorMessage)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrUploadNotFound
	}
	return nil
}

// MarkServed promotes the latest merged upload of each supplier to served.
func (r *Repository) MarkServed(ctx context.Context, supplierIDs []uuid.UUID) error {
	if len(supplierIDs) == 0 {
		return nil
	}
	_, err := r.pool.Exec(ctx, `
		UPDATE pricelist_uploads u
		SET status = 'served'
		WHERE u.status = 'merged'
		  AND u.supplier_id = ANY($1)
		  AND u.merged_at = (
			SELECT MAX(merged_at) FROM pricelist_uploads
			WHERE supplier_id = u.supplier_id AND status IN ('merged','served')
		  )`, supplierIDs)
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanUpload(row rowScanner) (Upload, error) {
	var u Upload
	var validatedAt, mergedAt *time.Time
	err := row.Scan(&u.ID, &u.SupplierID, &u.FileName, &u.FileType, &u.FileSizeBytes,
		&u.Status, &u.Currency, &u.ValidFrom, &u.ValidTo, &u.RowCount, &u.ValidRows,
		&u.WarningRows, &u.ErrorRows, &u.ErrorMessage, &u.UploadedBy, &u.UploadedAt,
		&validatedAt, &mergedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Upload{}, ErrUploadNotFound
		}
		return Upload{}, err
	}
	u.ValidatedAt = validatedAt
	u.MergedAt = mergedAt
	return u, nil
}
