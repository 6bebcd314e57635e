package usecase

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/tenantgrid/bulkproc/internal/core/domain"
	"github.com/tenantgrid/bulkproc/internal/core/ports"
)

type CancelBulkRequestUseCase struct {
	requests ports.BulkRequestRepository
	queue    ports.JobQueue
	events   *TerminalEventHandler
	logger   *slog.Logger
}

func NewCancelBulkRequestUseCase(
	requests ports.BulkRequestRepository,
	queue ports.JobQueue,
	events *TerminalEventHandler,
	logger *slog.Logger,
) *CancelBulkRequestUseCase {
	return &CancelBulkRequestUseCase{
		requests: requests,
		queue:    queue,
		events:   events,
		logger:   logger,
	}
}

// Cancel moves the request to cancelling and resolves the queue job. A job
// still waiting in queue is cancelled definitively within this call; an
// active job only gets the cooperative flag armed and the worker finalizes
// the aggregate when it observes it. Repeated cancels are no-ops.
func (uc *CancelBulkRequestUseCase) Cancel(ctx context.Context, in ports.CancelBulkRequestInput) error {
	req, err := uc.requests.GetForCompany(ctx, in.RequestID, in.Identity.CompanyID)
	if err != nil {
		return fmt.Errorf("load bulk request: %w", err)
	}
	if req.Type.Reserved() {
		return domain.WrapError(domain.ErrForbidden, "cancel bulk request",
			fmt.Errorf("processing type %s is reserved for internal jobs", req.Type))
	}

	switch req.Status {
	case domain.StatusCancelling, domain.StatusCancelled:
		return nil
	case domain.StatusCompleted, domain.StatusFailed:
		return domain.WrapError(domain.ErrInvalidStatus, "cancel bulk request",
			fmt.Errorf("request %s already %s", req.ID, req.Status))
	}

	if err := uc.requests.MarkCancelling(ctx, req.ID); err != nil {
		// Another cancel won the race; treat as the idempotent no-op path.
		if domain.IsKind(err, domain.ErrInvalidStatus) {
			return nil
		}
		return fmt.Errorf("mark cancelling: %w", err)
	}
	req.Status = domain.StatusCancelling

	if req.JobID == "" {
		// Never enqueued: nothing to cooperate with, finalize now.
		return uc.finalize(ctx, req)
	}

	result, err := uc.queue.Cancel(ctx, req.JobID)
	if err != nil {
		// Queue unavailability must not block the cancelling state; a later
		// retry or reconciliation sweep resolves it.
		uc.logger.Warn("queue_cancel_failed",
			"request_id", req.ID, "job_id", req.JobID, "reason", in.Reason, "error", err)
		return nil
	}

	switch result.PreviousState {
	case domain.JobStateWaiting, domain.JobStateDelayed, domain.JobStateNotFound:
		return uc.finalize(ctx, req)
	case domain.JobStateActive:
		// Cooperative flag armed by the queue bridge; the row processing loop
		// observes it and finalizes.
		return nil
	default:
		uc.logger.Info("cancel_noop_terminal_job",
			"request_id", req.ID, "job_id", req.JobID, "job_state", result.PreviousState)
		return nil
	}
}

func (uc *CancelBulkRequestUseCase) finalize(ctx context.Context, req *domain.BulkRequest) error {
	now := time.Now().UTC()
	if err := uc.requests.MarkCancelled(ctx, req.ID, now); err != nil {
		if domain.IsKind(err, domain.ErrInvalidStatus) {
			return nil
		}
		return fmt.Errorf("mark cancelled: %w", err)
	}
	req.Status = domain.StatusCancelled
	req.CompletedAt = &now
	uc.events.HandleCancelled(ctx, req)
	return nil
}
