package ports

import (
	"context"
	"time"

	"github.com/tenantgrid/bulkproc/internal/core/domain"
)

// Identity scopes every user-facing operation. Authentication itself is an
// external collaborator; we only consume its result.
type Identity struct {
	UserID    string
	CompanyID string
}

type InitiateUploadInput struct {
	Identity Identity
	Bucket   string
	Path     string
	FileName string
	MimeType string
	Size     int64
}

type InitiateUploadResult struct {
	FileID          string `json:"file_id"`
	UploadID        string `json:"upload_id"`
	ChunkSize       int64  `json:"chunk_size"`
	TotalParts      int    `json:"total_parts"`
	PartURLTemplate string `json:"part_url_template"`
}

// UploadSessionManager is the inbound contract for chunked multipart uploads.
type UploadSessionManager interface {
	Initiate(ctx context.Context, in InitiateUploadInput) (*InitiateUploadResult, error)
	GeneratePartURL(ctx context.Context, ident Identity, fileID string, partNumber int, partSize int64, expiry time.Duration) (string, error)
	Complete(ctx context.Context, ident Identity, fileID string, parts []domain.UploadPart) error
	Status(ctx context.Context, ident Identity, fileID string) (*domain.UploadStatusReport, error)
}

type CreateBulkRequestInput struct {
	Identity Identity
	Type     string
	FileID   string
}

type CancelBulkRequestInput struct {
	Identity  Identity
	RequestID string
	Reason    string
}

type BulkRequestStatus struct {
	RequestID          string               `json:"request_id"`
	Status             domain.RequestStatus `json:"status"`
	ProgressPercentage *float64             `json:"progress_percentage"`
	TotalRows          *int64               `json:"total_rows"`
	ProcessedRows      int64                `json:"processed_rows"`
	SuccessfulRows     int64                `json:"successful_rows"`
	FailedRows         int64                `json:"failed_rows"`
	HasErrors          bool                 `json:"has_errors"`
	StartedAt          *time.Time           `json:"started_at"`
	CompletedAt        *time.Time           `json:"completed_at"`
	ErrorMessage       string               `json:"error_message,omitempty"`
	RowLogs            []domain.RowLog      `json:"row_logs,omitempty"`
}

// BulkRequestCreator accepts a validated upload and enqueues the import job.
type BulkRequestCreator interface {
	Create(ctx context.Context, in CreateBulkRequestInput) (*domain.BulkRequest, error)
}

// BulkRequestCanceller cancels a pending or processing request. Idempotent:
// cancelling an already cancelling/cancelled request is a no-op.
type BulkRequestCanceller interface {
	Cancel(ctx context.Context, in CancelBulkRequestInput) error
}

// BulkStatusReader is the read model for request progress.
type BulkStatusReader interface {
	Status(ctx context.Context, ident Identity, requestID string) (*BulkRequestStatus, error)
}

// BulkJobProcessor runs one queue job to a terminal outcome.
type BulkJobProcessor interface {
	ProcessJob(ctx context.Context, job domain.QueueJob) error
}

// UploadJanitor aborts multipart uploads inactive beyond the threshold.
type UploadJanitor interface {
	CleanupExpired(ctx context.Context, inactivityThreshold time.Duration) (int, error)
}
