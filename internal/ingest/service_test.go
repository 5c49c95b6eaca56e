package ingest

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/nxtleveltech1/MantisNXT-sub030/internal/shared"
	_ "github.com/nxtleveltech1/MantisNXT-sub030/testing"
)

type fakeRepo struct {
	uploads  map[uuid.UUID]*Upload
	staged   map[uuid.UUID][]StagedRow
	findings map[uuid.UUID][]Finding
	served   []uuid.UUID
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{
		uploads:  map[uuid.UUID]*Upload{},
		staged:   map[uuid.UUID][]StagedRow{},
		findings: map[uuid.UUID][]Finding{},
	}
}

func (f *fakeRepo) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	return fn(ctx, f)
}

func (f *fakeRepo) CreateUpload(_ context.Context, upload Upload) error {
	u := upload
	f.uploads[upload.ID] = &u
	return nil
}

func (f *fakeRepo) InsertStagedRows(_ context.Context, uploadID uuid.UUID, rows []StagedRow) error {
	f.staged[uploadID] = append([]StagedRow(nil), rows...)
	return nil
}

func (f *fakeRepo) ReplaceFindings(_ context.Context, uploadID uuid.UUID, findings []Finding) error {
	f.findings[uploadID] = append([]Finding(nil), findings...)
	return nil
}

func (f *fakeRepo) SetValidationResult(_ context.Context, uploadID uuid.UUID, summary ValidationSummary, status UploadStatus) error {
	u, ok := f.uploads[uploadID]
	if !ok {
		return ErrUploadNotFound
	}
	u.Status = status
	u.RowCount = summary.TotalRows
	u.ValidRows = summary.ValidRows
	u.WarningRows = summary.WarningRows
	u.ErrorRows = summary.ErrorRows
	return nil
}

func (f *fakeRepo) GetUpload(_ context.Context, id uuid.UUID) (Upload, error) {
	u, ok := f.uploads[id]
	if !ok {
		return Upload{}, ErrUploadNotFound
	}
	return *u, nil
}

func (f *fakeRepo) ListUploads(_ context.Context, filter ListUploadsFilter) ([]Upload, int, error) {
	var out []Upload
	for _, u := range f.uploads {
		if filter.SupplierID != uuid.Nil && u.SupplierID != filter.SupplierID {
			continue
		}
		if filter.Status != "" && u.Status != filter.Status {
			continue
		}
		out = append(out, *u)
	}
	return out, len(out), nil
}

func (f *fakeRepo) ListStagedRows(_ context.Context, uploadID uuid.UUID) ([]StagedRow, error) {
	return f.staged[uploadID], nil
}

func (f *fakeRepo) ListFindings(_ context.Context, uploadID uuid.UUID) ([]Finding, error) {
	return f.findings[uploadID], nil
}

func (f *fakeRepo) UpdateStatus(_ context.Context, id uuid.UUID, status UploadStatus, errorMessage string) error {
	u, ok := f.uploads[id]
	if !ok {
		return ErrUploadNotFound
	}
	u.Status = status
	u.ErrorMessage = errorMessage
	return nil
}

func (f *fakeRepo) MarkServed(_ context.Context, supplierIDs []uuid.UUID) error {
	f.served = append(f.served, supplierIDs...)
	return nil
}

type fakeAudit struct {
	logs []shared.AuditLog
}

func (f *fakeAudit) Record(_ context.Context, log shared.AuditLog) error {
	f.logs = append(f.logs, log)
	return nil
}

func newTestService(repo *fakeRepo, audit *fakeAudit) *Service {
	return NewService(repo, NewParser("ZAR"), NewValidator(), audit, nil, ServiceConfig{})
}

func TestIngestHappyPath(t *testing.T) {
	repo := newFakeRepo()
	audit := &fakeAudit{}
	svc := newTestService(repo, audit)

	content := []byte("SKU,Name,Price,Qty\nA-1,Widget,10.50,3\nA-2,Gadget,2.00,1\n")
	result, err := svc.Ingest(context.Background(), IngestInput{
		SupplierID: uuid.New(),
		FileName:   "list.csv",
		Content:    content,
		ActorID:    "buyer-1",
	})
	require.NoError(t, err)
	require.Equal(t, UploadStatusValidated, result.Upload.Status)
	require.Equal(t, 2, result.Upload.RowCount)
	require.Equal(t, 2, result.Upload.ValidRows)
	require.Len(t, repo.staged[result.Upload.ID], 2)
	require.NotEmpty(t, audit.logs)
	require.Equal(t, "ingest:upload", audit.logs[0].Action)
}

func TestIngestAllRowsInvalid(t *testing.T) {
	repo := newFakeRepo()
	svc := newTestService(repo, &fakeAudit{})

	content := []byte("SKU,Name,Price\n,NoSKU,-5\n,AlsoNone,-1\n")
	result, err := svc.Ingest(context.Background(), IngestInput{
		SupplierID: uuid.New(),
		FileName:   "bad.csv",
		Content:    content,
	})
	require.NoError(t, err)
	require.Equal(t, UploadStatusError, result.Upload.Status)
	require.Equal(t, 2, result.Upload.ErrorRows)
}

func TestIngestParseFailureStoresErrorUpload(t *testing.T) {
	repo := newFakeRepo()
	svc := newTestService(repo, &fakeAudit{})

	content := []byte("Name,Price\nWidget,10\n")
	result, err := svc.Ingest(context.Background(), IngestInput{
		SupplierID: uuid.New(),
		FileName:   "nosku.csv",
		Content:    content,
	})
	require.ErrorIs(t, err, ErrNoSKUColumn)
	require.Equal(t, UploadStatusError, result.Upload.Status)

	stored, getErr := repo.GetUpload(context.Background(), result.Upload.ID)
	require.NoError(t, getErr)
	require.Equal(t, UploadStatusError, stored.Status)
	require.NotEmpty(t, stored.ErrorMessage)
}

func TestIngestFileTooLarge(t *testing.T) {
	repo := newFakeRepo()
	svc := NewService(repo, NewParser("ZAR"), NewValidator(), nil, nil, ServiceConfig{MaxUploadBytes: 10})

	_, err := svc.Ingest(context.Background(), IngestInput{
		SupplierID: uuid.New(),
		FileName:   "big.csv",
		Content:    []byte("SKU,Price\nA,10\nB,20\n"),
	})
	require.ErrorIs(t, err, ErrFileTooLarge)
}

func TestIngestStoresCurrencyAndValidity(t *testing.T) {
	repo := newFakeRepo()
	svc := newTestService(repo, &fakeAudit{})

	from := time.Date(2026, 9, 1, 0, 0, 0, 0, time.UTC)
	to := time.Date(2026, 12, 31, 0, 0, 0, 0, time.UTC)
	content := []byte("SKU,Name,Price,Qty\nA-1,Widget,10.50,3\n")
	result, err := svc.Ingest(context.Background(), IngestInput{
		SupplierID: uuid.New(),
		FileName:   "list.csv",
		Content:    content,
		Currency:   "usd",
		ValidFrom:  &from,
		ValidTo:    &to,
	})
	require.NoError(t, err)
	require.Equal(t, "USD", result.Upload.Currency)
	require.Equal(t, from, *result.Upload.ValidFrom)
	require.Equal(t, to, *result.Upload.ValidTo)

	// The upload currency flows into rows without a currency column.
	rows := repo.staged[result.Upload.ID]
	require.Len(t, rows, 1)
	require.Equal(t, "USD", rows[0].Currency)
}

func TestIngestAutoFixRepairsRows(t *testing.T) {
	repo := newFakeRepo()
	svc := newTestService(repo, &fakeAudit{})

	content := []byte("SKU,Name,Price,Qty\nA-1,,10.50,-3\n")
	result, err := svc.Ingest(context.Background(), IngestInput{
		SupplierID: uuid.New(),
		FileName:   "fixme.csv",
		Content:    content,
		AutoFix:    true,
	})
	require.NoError(t, err)

	rows := repo.staged[result.Upload.ID]
	require.Len(t, rows, 1)
	require.Equal(t, "A-1", rows[0].Name)
	require.NotNil(t, rows[0].QtyOnHand)
	require.EqualValues(t, 0, *rows[0].QtyOnHand)
	require.Equal(t, 0, result.Upload.ErrorRows)
}

func TestRevalidateAutoFixPersistsRepairedRows(t *testing.T) {
	repo := newFakeRepo()
	svc := newTestService(repo, &fakeAudit{})

	content := []byte("SKU,Name,Price,Qty\nA-1,,10.50,-3\n")
	result, err := svc.Ingest(context.Background(), IngestInput{
		SupplierID: uuid.New(),
		FileName:   "fixme.csv",
		Content:    content,
	})
	require.NoError(t, err)
	require.Equal(t, 1, result.Upload.ErrorRows)

	summary, err := svc.Revalidate(context.Background(), result.Upload.ID, true)
	require.NoError(t, err)
	require.Equal(t, 0, summary.ErrorRows)

	rows := repo.staged[result.Upload.ID]
	require.Equal(t, "A-1", rows[0].Name)
	require.EqualValues(t, 0, *rows[0].QtyOnHand)
}

func TestRevalidateRefusesMergedUpload(t *testing.T) {
	repo := newFakeRepo()
	svc := newTestService(repo, &fakeAudit{})

	id := uuid.New()
	repo.uploads[id] = &Upload{ID: id, Status: UploadStatusMerged}
	_, err := svc.Revalidate(context.Background(), id, false)
	require.Error(t, err)
}
