package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/tenantgrid/bulkproc/internal/core/domain"
	"github.com/tenantgrid/bulkproc/internal/core/ports"
)

type BulkRequestRepository struct {
	db *sql.DB
}

func NewBulkRequestRepository(db *sql.DB) *BulkRequestRepository {
	return &BulkRequestRepository{db: db}
}

const bulkRequestColumns = `
id, type, file_id, file_name, status, job_id, total_rows,
processed_rows, successful_rows, failed_rows, row_logs, error_message,
started_at, completed_at, company_id, requested_by, metadata, created_at, updated_at`

func (r *BulkRequestRepository) Create(ctx context.Context, req *domain.BulkRequest) error {
	logsJSON, err := json.Marshal(req.RowLogs)
	if err != nil {
		return fmt.Errorf("marshal row logs: %w", err)
	}
	if req.RowLogs == nil {
		logsJSON = []byte("[]")
	}
	metaJSON, err := json.Marshal(req.Metadata)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}

	_, err = r.db.ExecContext(ctx, `
INSERT INTO bulk_requests (
	id, type, file_id, file_name, status, job_id, total_rows,
	processed_rows, successful_rows, failed_rows, row_logs, error_message,
	started_at, completed_at, company_id, requested_by, metadata, created_at, updated_at
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19)
`,
		req.ID, string(req.Type), req.FileID, req.FileName, string(req.Status), req.JobID, req.TotalRows,
		req.ProcessedRows, req.SuccessfulRows, req.FailedRows, logsJSON, req.ErrorMessage,
		req.StartedAt, req.CompletedAt, req.CompanyID, req.RequestedBy, metaJSON, req.CreatedAt, req.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert bulk request: %w", err)
	}
	return nil
}

func (r *BulkRequestRepository) GetByID(ctx context.Context, id string) (*domain.BulkRequest, error) {
	row := r.db.QueryRowContext(ctx, `
SELECT `+bulkRequestColumns+`
FROM bulk_requests
WHERE id = $1
`, id)
	return scanBulkRequest(row)
}

// GetForCompany scopes the read to the caller's company; a cross-company id
// surfaces as not found rather than leaking existence.
func (r *BulkRequestRepository) GetForCompany(ctx context.Context, id, companyID string) (*domain.BulkRequest, error) {
	row := r.db.QueryRowContext(ctx, `
SELECT `+bulkRequestColumns+`
FROM bulk_requests
WHERE id = $1 AND company_id = $2
`, id, companyID)
	return scanBulkRequest(row)
}

func (r *BulkRequestRepository) SetJobID(ctx context.Context, id, jobID string) error {
	_, err := r.db.ExecContext(ctx, `
UPDATE bulk_requests
SET job_id = $2, updated_at = $3
WHERE id = $1
`, id, jobID, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("set job id: %w", err)
	}
	return nil
}

// SetTotalRows writes the row count exactly once; once set it is immutable.
func (r *BulkRequestRepository) SetTotalRows(ctx context.Context, id string, total int64) error {
	result, err := r.db.ExecContext(ctx, `
UPDATE bulk_requests
SET total_rows = $2, updated_at = $3
WHERE id = $1 AND total_rows IS NULL
`, id, total, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("set total rows: %w", err)
	}
	return guardAffected(result, "set total rows")
}

// ApplyProgress increments the counters in place so concurrent status reads
// never observe a lost update, and appends the batch's row logs.
func (r *BulkRequestRepository) ApplyProgress(ctx context.Context, id string, delta ports.ProgressDelta) error {
	logsJSON := []byte("[]")
	if len(delta.RowLogs) > 0 {
		var err error
		logsJSON, err = json.Marshal(delta.RowLogs)
		if err != nil {
			return fmt.Errorf("marshal row logs: %w", err)
		}
	}

	_, err := r.db.ExecContext(ctx, `
UPDATE bulk_requests
SET processed_rows = processed_rows + $2,
	successful_rows = successful_rows + $3,
	failed_rows = failed_rows + $4,
	row_logs = row_logs || $5::jsonb,
	updated_at = $6
WHERE id = $1
`, id, delta.Processed, delta.Successful, delta.Failed, logsJSON, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("apply progress: %w", err)
	}
	return nil
}

func (r *BulkRequestRepository) MarkProcessing(ctx context.Context, id string, startedAt time.Time) error {
	result, err := r.db.ExecContext(ctx, `
UPDATE bulk_requests
SET status = $2, started_at = $3, updated_at = $3
WHERE id = $1 AND status = $4
`, id, string(domain.StatusProcessing), startedAt, string(domain.StatusPending))
	if err != nil {
		return fmt.Errorf("mark processing: %w", err)
	}
	return guardAffected(result, "mark processing")
}

func (r *BulkRequestRepository) MarkCompleted(ctx context.Context, id string, completedAt time.Time) error {
	result, err := r.db.ExecContext(ctx, `
UPDATE bulk_requests
SET status = $2, completed_at = $3, updated_at = $3
WHERE id = $1 AND status = $4
`, id, string(domain.StatusCompleted), completedAt, string(domain.StatusProcessing))
	if err != nil {
		return fmt.Errorf("mark completed: %w", err)
	}
	return guardAffected(result, "mark completed")
}

func (r *BulkRequestRepository) MarkFailed(ctx context.Context, id string, completedAt time.Time, errMessage string) error {
	result, err := r.db.ExecContext(ctx, `
UPDATE bulk_requests
SET status = $2, error_message = $3, completed_at = $4, updated_at = $4
WHERE id = $1 AND status IN ($5, $6)
`, id, string(domain.StatusFailed), errMessage, completedAt,
		string(domain.StatusPending), string(domain.StatusProcessing))
	if err != nil {
		return fmt.Errorf("mark failed: %w", err)
	}
	return guardAffected(result, "mark failed")
}

func (r *BulkRequestRepository) MarkCancelling(ctx context.Context, id string) error {
	result, err := r.db.ExecContext(ctx, `
UPDATE bulk_requests
SET status = $2, updated_at = $3
WHERE id = $1 AND status IN ($4, $5)
`, id, string(domain.StatusCancelling), time.Now().UTC(),
		string(domain.StatusPending), string(domain.StatusProcessing))
	if err != nil {
		return fmt.Errorf("mark cancelling: %w", err)
	}
	return guardAffected(result, "mark cancelling")
}

func (r *BulkRequestRepository) MarkCancelled(ctx context.Context, id string, completedAt time.Time) error {
	result, err := r.db.ExecContext(ctx, `
UPDATE bulk_requests
SET status = $2, completed_at = $3, updated_at = $3
WHERE id = $1 AND status = $4
`, id, string(domain.StatusCancelled), completedAt, string(domain.StatusCancelling))
	if err != nil {
		return fmt.Errorf("mark cancelled: %w", err)
	}
	return guardAffected(result, "mark cancelled")
}

// guardAffected converts a missed conditional update into the invalid-status
// kind, which is how racing transitions lose cleanly.
func guardAffected(result sql.Result, operation string) error {
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s rows affected: %w", operation, err)
	}
	if rows == 0 {
		return domain.WrapError(domain.ErrInvalidStatus, operation, errors.New("status guard did not match"))
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanBulkRequest(row rowScanner) (*domain.BulkRequest, error) {
	var req domain.BulkRequest
	var procType, status string
	var logsRaw, metaRaw []byte

	err := row.Scan(
		&req.ID, &procType, &req.FileID, &req.FileName, &status, &req.JobID, &req.TotalRows,
		&req.ProcessedRows, &req.SuccessfulRows, &req.FailedRows, &logsRaw, &req.ErrorMessage,
		&req.StartedAt, &req.CompletedAt, &req.CompanyID, &req.RequestedBy, &metaRaw, &req.CreatedAt, &req.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.WrapError(domain.ErrNotFound, "get bulk request", err)
		}
		return nil, fmt.Errorf("scan bulk request: %w", err)
	}

	if err := json.Unmarshal(logsRaw, &req.RowLogs); err != nil {
		return nil, fmt.Errorf("unmarshal row logs: %w", err)
	}
	if err := json.Unmarshal(metaRaw, &req.Metadata); err != nil {
		return nil, fmt.Errorf("unmarshal metadata: %w", err)
	}
	req.Type = domain.ProcessingType(procType)
	req.Status = domain.RequestStatus(status)
	req.MaxStoredRowLogs = domain.DefaultMaxStoredRowLogs
	return &req, nil
}
