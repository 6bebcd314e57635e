package usecase

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/tenantgrid/bulkproc/internal/core/ports"
)

const cleanupBatchSize = 100

type CleanupUploadsUseCase struct {
	uploads ports.UploadRepository
	store   ports.MultipartStore
	limiter ports.ConcurrencyLimiter
	logger  *slog.Logger
}

func NewCleanupUploadsUseCase(
	uploads ports.UploadRepository,
	store ports.MultipartStore,
	limiter ports.ConcurrencyLimiter,
	logger *slog.Logger,
) *CleanupUploadsUseCase {
	return &CleanupUploadsUseCase{
		uploads: uploads,
		store:   store,
		limiter: limiter,
		logger:  logger,
	}
}

// CleanupExpired aborts multipart uploads inactive beyond the threshold. The
// abort is decided by a single conditional update on the session row, so a
// completion racing this sweep always wins: once a session left the uploading
// status the conditional update matches nothing.
func (uc *CleanupUploadsUseCase) CleanupExpired(ctx context.Context, inactivityThreshold time.Duration) (int, error) {
	cutoff := time.Now().UTC().Add(-inactivityThreshold)

	stale, err := uc.uploads.ListStale(ctx, cutoff, cleanupBatchSize)
	if err != nil {
		return 0, fmt.Errorf("list stale uploads: %w", err)
	}

	cleaned := 0
	for _, session := range stale {
		won, err := uc.uploads.AbortStaleConditional(ctx, session.FileID, cutoff, time.Now().UTC())
		if err != nil {
			uc.logger.Warn("abort_stale_upload_failed", "file_id", session.FileID, "error", err)
			continue
		}
		if !won {
			// Completed (or already aborted) between listing and the
			// conditional update.
			continue
		}

		if err := uc.store.Abort(ctx, session.Bucket, session.ObjectKey, session.UploadID); err != nil {
			uc.logger.Warn("abort_provider_multipart_failed",
				"file_id", session.FileID, "upload_id", session.UploadID, "error", err)
		}
		if err := uc.limiter.Release(ctx, session.UserID); err != nil {
			uc.logger.Warn("release_concurrency_slot_failed", "user_id", session.UserID, "error", err)
		}
		cleaned++
	}

	if cleaned > 0 {
		uc.logger.Info("stale_uploads_cleaned", "count", cleaned, "threshold_minutes", inactivityThreshold.Minutes())
	}
	return cleaned, nil
}
