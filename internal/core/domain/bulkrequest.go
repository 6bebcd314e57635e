package domain

import (
	"errors"
	"fmt"
	"time"
)

type ProcessingType string

const (
	TypeProductCatalog   ProcessingType = "PRODUCT_CATALOG"
	TypeCleanupTempFiles ProcessingType = "CLEANUP_TEMP_FILES"
)

// Reserved types are internal maintenance jobs that must not be created or
// cancelled through the user-facing command surface.
func (t ProcessingType) Reserved() bool {
	return t == TypeCleanupTempFiles
}

func ParseProcessingType(s string) (ProcessingType, error) {
	switch ProcessingType(s) {
	case TypeProductCatalog:
		return TypeProductCatalog, nil
	case TypeCleanupTempFiles:
		return TypeCleanupTempFiles, nil
	default:
		return "", WrapError(ErrInvalidInput, "parse processing type", fmt.Errorf("unknown type %q", s))
	}
}

type RequestStatus string

const (
	StatusPending    RequestStatus = "pending"
	StatusProcessing RequestStatus = "processing"
	StatusCompleted  RequestStatus = "completed"
	StatusFailed     RequestStatus = "failed"
	StatusCancelling RequestStatus = "cancelling"
	StatusCancelled  RequestStatus = "cancelled"
)

func (s RequestStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

type RowOutcome string

const (
	RowOutcomeSuccess RowOutcome = "success"
	RowOutcomeFailure RowOutcome = "failure"
)

// RowLog records the outcome of one spreadsheet row.
type RowLog struct {
	RowNumber int        `json:"row_number"`
	Outcome   RowOutcome `json:"outcome"`
	Message   string     `json:"message"`
}

// DefaultMaxStoredRowLogs bounds how many row logs a request retains. Counters
// keep incrementing past the cap; only individual log entries stop.
const DefaultMaxStoredRowLogs = 100

// BulkRequest is the durable aggregate tracking one asynchronous
// spreadsheet-import job. Status transitions go through the guard-clause
// methods below; a transition from a terminal status fails with
// ErrInvalidStatus.
type BulkRequest struct {
	ID               string            `json:"id"`
	Type             ProcessingType    `json:"type"`
	FileID           string            `json:"file_id"`
	FileName         string            `json:"file_name"`
	Status           RequestStatus     `json:"status"`
	JobID            string            `json:"job_id,omitempty"`
	TotalRows        *int64            `json:"total_rows,omitempty"`
	ProcessedRows    int64             `json:"processed_rows"`
	SuccessfulRows   int64             `json:"successful_rows"`
	FailedRows       int64             `json:"failed_rows"`
	RowLogs          []RowLog          `json:"row_logs,omitempty"`
	MaxStoredRowLogs int               `json:"-"`
	ErrorMessage     string            `json:"error_message,omitempty"`
	StartedAt        *time.Time        `json:"started_at,omitempty"`
	CompletedAt      *time.Time        `json:"completed_at,omitempty"`
	CompanyID        string            `json:"company_id"`
	RequestedBy      string            `json:"requested_by"`
	Metadata         map[string]string `json:"metadata,omitempty"`
	CreatedAt        time.Time         `json:"created_at"`
	UpdatedAt        time.Time         `json:"updated_at"`
}

func NewBulkRequest(id string, t ProcessingType, fileID, fileName, companyID, requestedBy string, now time.Time) *BulkRequest {
	return &BulkRequest{
		ID:               id,
		Type:             t,
		FileID:           fileID,
		FileName:         fileName,
		Status:           StatusPending,
		MaxStoredRowLogs: DefaultMaxStoredRowLogs,
		CompanyID:        companyID,
		RequestedBy:      requestedBy,
		Metadata:         map[string]string{},
		CreatedAt:        now,
		UpdatedAt:        now,
	}
}

func (r *BulkRequest) invalidTransition(to RequestStatus) error {
	return WrapError(ErrInvalidStatus, "transition bulk request",
		fmt.Errorf("cannot move from %s to %s", r.Status, to))
}

// MarkProcessing is set when a worker picks up the job.
func (r *BulkRequest) MarkProcessing(now time.Time) error {
	if r.Status != StatusPending {
		return r.invalidTransition(StatusProcessing)
	}
	r.Status = StatusProcessing
	r.StartedAt = &now
	r.UpdatedAt = now
	return nil
}

func (r *BulkRequest) Complete(now time.Time) error {
	if r.Status != StatusProcessing {
		return r.invalidTransition(StatusCompleted)
	}
	r.Status = StatusCompleted
	r.CompletedAt = &now
	r.UpdatedAt = now
	return nil
}

func (r *BulkRequest) Fail(now time.Time, message string) error {
	if r.Status != StatusPending && r.Status != StatusProcessing {
		return r.invalidTransition(StatusFailed)
	}
	r.Status = StatusFailed
	r.ErrorMessage = message
	r.CompletedAt = &now
	r.UpdatedAt = now
	return nil
}

// StartCancellation requests cooperative cancellation. Repeated calls on an
// already cancelling or cancelled request are no-ops; calls on a completed or
// failed request return ErrInvalidStatus.
func (r *BulkRequest) StartCancellation(now time.Time) error {
	switch r.Status {
	case StatusCancelling, StatusCancelled:
		return nil
	case StatusPending, StatusProcessing:
		r.Status = StatusCancelling
		r.UpdatedAt = now
		return nil
	default:
		return r.invalidTransition(StatusCancelling)
	}
}

// Cancel finalizes a cancellation in flight.
func (r *BulkRequest) Cancel(now time.Time) error {
	if r.Status == StatusCancelled {
		return nil
	}
	if r.Status != StatusCancelling {
		return r.invalidTransition(StatusCancelled)
	}
	r.Status = StatusCancelled
	r.CompletedAt = &now
	r.UpdatedAt = now
	return nil
}

// SetTotalRows is immutable once set.
func (r *BulkRequest) SetTotalRows(total int64) error {
	if r.TotalRows != nil {
		return WrapError(ErrInvalidStatus, "set total rows", errors.New("total rows already set"))
	}
	if total < 0 {
		return WrapError(ErrInvalidInput, "set total rows", fmt.Errorf("negative total %d", total))
	}
	r.TotalRows = &total
	return nil
}

// RecordRowSuccess counts one successfully processed row.
func (r *BulkRequest) RecordRowSuccess() {
	r.ProcessedRows++
	r.SuccessfulRows++
}

// RecordRowFailure counts one failed row and logs it while under the cap.
func (r *BulkRequest) RecordRowFailure(rowNumber int, message string) {
	r.ProcessedRows++
	r.FailedRows++
	limit := r.MaxStoredRowLogs
	if limit <= 0 {
		limit = DefaultMaxStoredRowLogs
	}
	if len(r.RowLogs) < limit {
		r.RowLogs = append(r.RowLogs, RowLog{
			RowNumber: rowNumber,
			Outcome:   RowOutcomeFailure,
			Message:   message,
		})
	}
}

func (r *BulkRequest) HasErrors() bool {
	return r.FailedRows > 0
}

// Progress reports completion as a percentage, or nil while the total row
// count is still unknown.
func (r *BulkRequest) Progress() *float64 {
	if r.TotalRows == nil || *r.TotalRows <= 0 {
		return nil
	}
	pct := float64(r.ProcessedRows) / float64(*r.TotalRows) * 100
	if pct > 100 {
		pct = 100
	}
	return &pct
}
