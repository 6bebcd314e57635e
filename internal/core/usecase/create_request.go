package usecase

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/tenantgrid/bulkproc/internal/core/domain"
	"github.com/tenantgrid/bulkproc/internal/core/ports"
)

type CreateBulkRequestUseCase struct {
	requests ports.BulkRequestRepository
	uploads  ports.UploadRepository
	queue    ports.JobQueue
}

func NewCreateBulkRequestUseCase(
	requests ports.BulkRequestRepository,
	uploads ports.UploadRepository,
	queue ports.JobQueue,
) *CreateBulkRequestUseCase {
	return &CreateBulkRequestUseCase{
		requests: requests,
		uploads:  uploads,
		queue:    queue,
	}
}

// Create validates the referenced upload, records a pending request and
// enqueues its job. Queue unavailability fails the command: the request is
// marked failed rather than silently left without a job.
func (uc *CreateBulkRequestUseCase) Create(ctx context.Context, in ports.CreateBulkRequestInput) (*domain.BulkRequest, error) {
	procType, err := domain.ParseProcessingType(in.Type)
	if err != nil {
		return nil, err
	}
	if procType.Reserved() {
		return nil, domain.WrapError(domain.ErrForbidden, "create bulk request",
			fmt.Errorf("processing type %s is reserved for internal jobs", procType))
	}
	if _, err := uuid.Parse(in.FileID); err != nil {
		return nil, domain.WrapError(domain.ErrInvalidInput, "create bulk request",
			fmt.Errorf("file id %q is not a valid uuid", in.FileID))
	}

	session, err := uc.uploads.GetForUser(ctx, in.FileID, in.Identity.UserID, in.Identity.CompanyID)
	if err != nil {
		return nil, fmt.Errorf("load upload session: %w", err)
	}
	if session.Status != domain.UploadStatusUploaded {
		return nil, domain.WrapError(domain.ErrInvalidStatus, "create bulk request",
			fmt.Errorf("upload %s is %s, not uploaded", session.FileID, session.Status))
	}
	if err := domain.ValidateImportFile(session.FileName, session.MimeType); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	req := domain.NewBulkRequest(uuid.NewString(), procType, session.FileID, session.FileName,
		in.Identity.CompanyID, in.Identity.UserID, now)

	if err := uc.requests.Create(ctx, req); err != nil {
		return nil, fmt.Errorf("persist bulk request: %w", err)
	}

	job := domain.QueueJob{
		JobID:      uuid.NewString(),
		RequestID:  req.ID,
		Type:       req.Type,
		CompanyID:  req.CompanyID,
		EnqueuedAt: now,
	}
	if err := uc.queue.Enqueue(ctx, job); err != nil {
		if failErr := uc.requests.MarkFailed(ctx, req.ID, time.Now().UTC(), "enqueue failed: "+err.Error()); failErr != nil {
			return nil, fmt.Errorf("enqueue job: %w; mark failed status: %w", err, failErr)
		}
		return nil, fmt.Errorf("enqueue job: %w", err)
	}
	if err := uc.requests.SetJobID(ctx, req.ID, job.JobID); err != nil {
		return nil, fmt.Errorf("record job id: %w", err)
	}
	req.JobID = job.JobID

	return req, nil
}
