package usecase

import (
	"context"
	"log/slog"
	"time"

	"github.com/tenantgrid/bulkproc/internal/core/domain"
	"github.com/tenantgrid/bulkproc/internal/core/ports"
)

// TerminalEventHandler reacts to terminal request states. Everything here is
// best-effort: notification and cleanup failures are logged and swallowed so
// they can never flip a terminal state or raise to the caller.
type TerminalEventHandler struct {
	notifier ports.Notifier
	limiter  ports.ConcurrencyLimiter
	store    ports.MultipartStore
	bucket   string
	rows     ports.RowOutcomeRecorder
	logger   *slog.Logger
}

// NewTerminalEventHandler wires the terminal-state side effects. rows may be
// nil in processes that carry no worker metrics (the API binary).
func NewTerminalEventHandler(
	notifier ports.Notifier,
	limiter ports.ConcurrencyLimiter,
	store ports.MultipartStore,
	bucket string,
	rows ports.RowOutcomeRecorder,
	logger *slog.Logger,
) *TerminalEventHandler {
	return &TerminalEventHandler{
		notifier: notifier,
		limiter:  limiter,
		store:    store,
		bucket:   bucket,
		rows:     rows,
		logger:   logger,
	}
}

func (h *TerminalEventHandler) HandleCompleted(ctx context.Context, req *domain.BulkRequest) {
	h.recordRows(req)
	h.releaseSlot(ctx, req)
	h.notify(ctx, req, "")
}

func (h *TerminalEventHandler) HandleCancelled(ctx context.Context, req *domain.BulkRequest) {
	h.recordRows(req)
	h.releaseSlot(ctx, req)
	h.notify(ctx, req, "")
}

func (h *TerminalEventHandler) HandleFailed(ctx context.Context, req *domain.BulkRequest, errMessage string) {
	total := req.SuccessfulRows == 0
	h.logger.Error("bulk_request_failed",
		"request_id", req.ID,
		"company_id", req.CompanyID,
		"total_failure", total,
		"processed_rows", req.ProcessedRows,
		"failed_rows", req.FailedRows,
		"error", errMessage,
	)

	h.recordRows(req)
	h.releaseSlot(ctx, req)
	h.notify(ctx, req, errMessage)
	h.cleanupArtifacts(ctx, req)
}

// recordRows publishes the request's final row counters; the failure share is
// the error-rate signal dashboards alert on.
func (h *TerminalEventHandler) recordRows(req *domain.BulkRequest) {
	if h.rows == nil {
		return
	}
	h.rows.AddRows(req.SuccessfulRows, req.FailedRows)
}

func (h *TerminalEventHandler) releaseSlot(ctx context.Context, req *domain.BulkRequest) {
	if err := h.limiter.Release(ctx, req.RequestedBy); err != nil {
		h.logger.Warn("release_concurrency_slot_failed", "request_id", req.ID, "user_id", req.RequestedBy, "error", err)
	}
}

func (h *TerminalEventHandler) notify(ctx context.Context, req *domain.BulkRequest, errMessage string) {
	event := domain.OutcomeEvent{
		RequestID:      req.ID,
		Type:           req.Type,
		Status:         req.Status,
		CompanyID:      req.CompanyID,
		RequestedBy:    req.RequestedBy,
		ProcessedRows:  req.ProcessedRows,
		SuccessfulRows: req.SuccessfulRows,
		FailedRows:     req.FailedRows,
		TotalFailure:   req.Status == domain.StatusFailed && req.SuccessfulRows == 0,
		ErrorMessage:   errMessage,
		OccurredAt:     time.Now().UTC(),
	}
	if err := h.notifier.PublishOutcome(ctx, event); err != nil {
		h.logger.Warn("outcome_notification_failed", "request_id", req.ID, "error", err)
	}
}

// cleanupArtifacts removes media staged under the request's prefix before the
// job failed. Partially written catalog rows are kept: partial failure is a
// first-class outcome and successful rows stay persisted.
func (h *TerminalEventHandler) cleanupArtifacts(ctx context.Context, req *domain.BulkRequest) {
	prefix := mediaPrefix(req.CompanyID, req.ID)
	if err := h.store.RemovePrefix(ctx, h.bucket, prefix); err != nil {
		h.logger.Warn("artifact_cleanup_failed", "request_id", req.ID, "prefix", prefix, "error", err)
	}
}

func mediaPrefix(companyID, requestID string) string {
	return "media/" + companyID + "/" + requestID + "/"
}
