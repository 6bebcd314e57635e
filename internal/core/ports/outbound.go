package ports

import (
	"context"
	"io"
	"time"

	"github.com/tenantgrid/bulkproc/internal/core/domain"
)

// ProgressDelta is a batch of counter increments and row logs flushed to the
// aggregate. Applied as atomic partial updates to avoid lost updates.
type ProgressDelta struct {
	Processed  int64
	Successful int64
	Failed     int64
	RowLogs    []domain.RowLog
}

// BulkRequestRepository persists the bulk request aggregate. Status mutators
// are conditional updates guarded by the current status; a guard miss returns
// an ErrInvalidStatus kind so racing transitions lose cleanly.
type BulkRequestRepository interface {
	Create(ctx context.Context, req *domain.BulkRequest) error
	GetByID(ctx context.Context, id string) (*domain.BulkRequest, error)
	GetForCompany(ctx context.Context, id, companyID string) (*domain.BulkRequest, error)
	SetJobID(ctx context.Context, id, jobID string) error
	SetTotalRows(ctx context.Context, id string, total int64) error
	ApplyProgress(ctx context.Context, id string, delta ProgressDelta) error
	MarkProcessing(ctx context.Context, id string, startedAt time.Time) error
	MarkCompleted(ctx context.Context, id string, completedAt time.Time) error
	MarkFailed(ctx context.Context, id string, completedAt time.Time, errMessage string) error
	MarkCancelling(ctx context.Context, id string) error
	MarkCancelled(ctx context.Context, id string, completedAt time.Time) error
}

// UploadRepository persists upload sessions. Complete and abort are
// conditional on the session still being in the uploading status, which is
// what makes completion win a race against the stale-upload sweep.
type UploadRepository interface {
	Create(ctx context.Context, session *domain.UploadSession) error
	GetForUser(ctx context.Context, fileID, userID, companyID string) (*domain.UploadSession, error)
	GetByID(ctx context.Context, fileID string) (*domain.UploadSession, error)
	Touch(ctx context.Context, fileID string, at time.Time) error
	CompleteConditional(ctx context.Context, fileID, etag string, at time.Time) error
	AbortStaleConditional(ctx context.Context, fileID string, inactiveBefore, at time.Time) (bool, error)
	ListStale(ctx context.Context, inactiveBefore time.Time, limit int) ([]domain.UploadSession, error)
}

// MultipartStore is the object-storage provider's multipart surface.
type MultipartStore interface {
	Initiate(ctx context.Context, bucket, key, mimeType string) (string, error)
	PresignPartURL(ctx context.Context, bucket, key, uploadID string, partNumber int, expiry time.Duration) (string, error)
	ListParts(ctx context.Context, bucket, key, uploadID string) ([]domain.UploadPart, error)
	Complete(ctx context.Context, bucket, key, uploadID string, parts []domain.UploadPart) (string, error)
	Abort(ctx context.Context, bucket, key, uploadID string) error
	Open(ctx context.Context, bucket, key string) (io.ReadCloser, error)
	SaveObject(ctx context.Context, bucket, key string, data io.Reader, size int64, mimeType string) error
	RemovePrefix(ctx context.Context, bucket, prefix string) error
}

// JobQueue submits, cancels and inspects jobs in the distributed work queue.
type JobQueue interface {
	Enqueue(ctx context.Context, job domain.QueueJob) error
	Cancel(ctx context.Context, jobID string) (domain.JobCancelResult, error)
	Status(ctx context.Context, jobID string) (domain.JobStatusInfo, error)
	Subscribe(ctx context.Context, handler func(context.Context, domain.QueueJob) error) error
}

// JobStateRegistry tracks queue-native job states shared across processes.
type JobStateRegistry interface {
	SetState(ctx context.Context, jobID string, state domain.JobState) error
	GetState(ctx context.Context, jobID string) (domain.JobState, error)
	CompareAndSetState(ctx context.Context, jobID string, from []domain.JobState, to domain.JobState) (bool, domain.JobState, error)
}

// CancellationFlags is the shared, pollable cooperative cancellation token,
// keyed by job id and checked by the row processing loop at batch granularity.
type CancellationFlags interface {
	Set(ctx context.Context, jobID string) error
	IsSet(ctx context.Context, jobID string) (bool, error)
	Clear(ctx context.Context, jobID string) error
}

// RowOutcomeRecorder feeds terminal row counters into the metrics pipeline.
// Implementations must be non-blocking; recording is fire-and-forget.
type RowOutcomeRecorder interface {
	AddRows(successful, failed int64)
}

// ConcurrencyLimiter caps in-flight uploads/jobs per user. Acquire must be an
// atomic check-and-increment; a read-then-write sequence is a correctness bug.
type ConcurrencyLimiter interface {
	CurrentCount(ctx context.Context, userID string) (int, error)
	Acquire(ctx context.Context, userID string) error
	Release(ctx context.Context, userID string) error
	Clear(ctx context.Context, userID string) error
}

// RowIterator is a finite, forward-only stream of spreadsheet rows. It is not
// restartable mid-stream; a restart re-reads the source from the beginning.
type RowIterator interface {
	Next() bool
	Row() ([]string, error)
	Close() error
}

// SpreadsheetOpener opens an uploaded file as a lazy row stream.
type SpreadsheetOpener interface {
	Open(ctx context.Context, filename string, src io.Reader) (RowIterator, error)
}

// ProductWriter persists transformed catalog rows.
type ProductWriter interface {
	Upsert(ctx context.Context, product *domain.CatalogProduct) error
}

// MediaFetcher downloads row-referenced media with a per-download timeout.
type MediaFetcher interface {
	Fetch(ctx context.Context, url string) (io.ReadCloser, string, int64, error)
}

// Notifier dispatches terminal-outcome events, fire-and-forget.
type Notifier interface {
	PublishOutcome(ctx context.Context, event domain.OutcomeEvent) error
}
