package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"

	"github.com/tenantgrid/bulkproc/internal/core/domain"
	"github.com/tenantgrid/bulkproc/internal/core/ports"
)

func newMockDB(t *testing.T) (*sql.DB, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New() error = %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db, mock
}

var bulkRequestColumnNames = []string{
	"id", "type", "file_id", "file_name", "status", "job_id", "total_rows",
	"processed_rows", "successful_rows", "failed_rows", "row_logs", "error_message",
	"started_at", "completed_at", "company_id", "requested_by", "metadata", "created_at", "updated_at",
}

func TestBulkRequestRepositoryCreate(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewBulkRequestRepository(db)

	now := time.Now().UTC()
	req := domain.NewBulkRequest("req-1", domain.TypeProductCatalog, "file-1", "catalog.xlsx", "co-1", "u-1", now)

	mock.ExpectExec("INSERT INTO bulk_requests").
		WithArgs(
			"req-1", string(domain.TypeProductCatalog), "file-1", "catalog.xlsx",
			string(domain.StatusPending), "", nil,
			int64(0), int64(0), int64(0), []byte("[]"), "",
			nil, nil, "co-1", "u-1", []byte("{}"), now, now,
		).
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := repo.Create(context.Background(), req); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestBulkRequestRepositoryGetForCompany(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewBulkRequestRepository(db)

	now := time.Now().UTC()
	total := int64(100)
	rows := sqlmock.NewRows(bulkRequestColumnNames).AddRow(
		"req-1", "PRODUCT_CATALOG", "file-1", "catalog.xlsx", "processing", "job-1", total,
		int64(50), int64(48), int64(2),
		[]byte(`[{"row_number":7,"outcome":"failure","message":"price is required"}]`), "",
		now, nil, "co-1", "u-1", []byte(`{"source":"api"}`), now, now,
	)
	mock.ExpectQuery("SELECT (.+) FROM bulk_requests WHERE id = \\$1 AND company_id = \\$2").
		WithArgs("req-1", "co-1").
		WillReturnRows(rows)

	req, err := repo.GetForCompany(context.Background(), "req-1", "co-1")
	if err != nil {
		t.Fatalf("GetForCompany() error = %v", err)
	}
	if req.Status != domain.StatusProcessing || req.Type != domain.TypeProductCatalog {
		t.Fatalf("unexpected request: %+v", req)
	}
	if req.TotalRows == nil || *req.TotalRows != 100 {
		t.Fatalf("expected total rows 100, got %v", req.TotalRows)
	}
	if len(req.RowLogs) != 1 || req.RowLogs[0].RowNumber != 7 {
		t.Fatalf("unexpected row logs: %+v", req.RowLogs)
	}
	if req.Metadata["source"] != "api" {
		t.Fatalf("unexpected metadata: %+v", req.Metadata)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestBulkRequestRepositoryGetByIDNotFound(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewBulkRequestRepository(db)

	mock.ExpectQuery("SELECT (.+) FROM bulk_requests WHERE id = \\$1").
		WithArgs("missing").
		WillReturnError(sql.ErrNoRows)

	_, err := repo.GetByID(context.Background(), "missing")
	if !domain.IsKind(err, domain.ErrNotFound) {
		t.Fatalf("expected not found kind, got %v", err)
	}
}

func TestBulkRequestRepositoryMarkProcessing(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewBulkRequestRepository(db)

	startedAt := time.Now().UTC()
	mock.ExpectExec("UPDATE bulk_requests").
		WithArgs("req-1", "processing", startedAt, "pending").
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := repo.MarkProcessing(context.Background(), "req-1", startedAt); err != nil {
		t.Fatalf("MarkProcessing() error = %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestBulkRequestRepositoryMarkProcessingGuardMiss(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewBulkRequestRepository(db)

	// The request was cancelled between enqueue and pickup: the conditional
	// update matches nothing and the transition loses.
	mock.ExpectExec("UPDATE bulk_requests").
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := repo.MarkProcessing(context.Background(), "req-1", time.Now().UTC())
	if !domain.IsKind(err, domain.ErrInvalidStatus) {
		t.Fatalf("expected invalid status kind, got %v", err)
	}
}

func TestBulkRequestRepositoryMarkCompletedGuardMiss(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewBulkRequestRepository(db)

	mock.ExpectExec("UPDATE bulk_requests").
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := repo.MarkCompleted(context.Background(), "req-1", time.Now().UTC())
	if !domain.IsKind(err, domain.ErrInvalidStatus) {
		t.Fatalf("expected invalid status kind, got %v", err)
	}
}

func TestBulkRequestRepositoryMarkCancelledRequiresCancelling(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewBulkRequestRepository(db)

	completedAt := time.Now().UTC()
	mock.ExpectExec("UPDATE bulk_requests").
		WithArgs("req-1", "cancelled", completedAt, "cancelling").
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := repo.MarkCancelled(context.Background(), "req-1", completedAt); err != nil {
		t.Fatalf("MarkCancelled() error = %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestBulkRequestRepositorySetTotalRowsIsWriteOnce(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewBulkRequestRepository(db)

	mock.ExpectExec("UPDATE bulk_requests").
		WithArgs("req-1", int64(100), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE bulk_requests").
		WithArgs("req-1", int64(200), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 0))

	if err := repo.SetTotalRows(context.Background(), "req-1", 100); err != nil {
		t.Fatalf("SetTotalRows() error = %v", err)
	}
	err := repo.SetTotalRows(context.Background(), "req-1", 200)
	if !domain.IsKind(err, domain.ErrInvalidStatus) {
		t.Fatalf("second SetTotalRows(): expected invalid status kind, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestBulkRequestRepositoryApplyProgress(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewBulkRequestRepository(db)

	delta := ports.ProgressDelta{
		Processed:  25,
		Successful: 23,
		Failed:     2,
		RowLogs: []domain.RowLog{
			{RowNumber: 12, Outcome: domain.RowOutcomeFailure, Message: "price is required"},
			{RowNumber: 19, Outcome: domain.RowOutcomeFailure, Message: "name is required"},
		},
	}
	logsJSON, err := json.Marshal(delta.RowLogs)
	if err != nil {
		t.Fatalf("marshal row logs: %v", err)
	}

	mock.ExpectExec("UPDATE bulk_requests").
		WithArgs("req-1", int64(25), int64(23), int64(2), logsJSON, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := repo.ApplyProgress(context.Background(), "req-1", delta); err != nil {
		t.Fatalf("ApplyProgress() error = %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestBulkRequestRepositoryApplyProgressWithoutLogs(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewBulkRequestRepository(db)

	mock.ExpectExec("UPDATE bulk_requests").
		WithArgs("req-1", int64(25), int64(25), int64(0), []byte("[]"), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	delta := ports.ProgressDelta{Processed: 25, Successful: 25}
	if err := repo.ApplyProgress(context.Background(), "req-1", delta); err != nil {
		t.Fatalf("ApplyProgress() error = %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}
