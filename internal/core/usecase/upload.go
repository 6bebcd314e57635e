package usecase

import (
	"context"
	"fmt"
	"log/slog"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/tenantgrid/bulkproc/internal/core/domain"
	"github.com/tenantgrid/bulkproc/internal/core/ports"
)

const maxPartNumber = 10000

type UploadConfig struct {
	Bucket           string
	MaxSizeBytes     int64
	DefaultChunkSize int64
	DefaultURLExpiry time.Duration
	MinURLExpiry     time.Duration
	MaxURLExpiry     time.Duration
}

func (c UploadConfig) normalize() UploadConfig {
	out := c
	if out.MaxSizeBytes <= 0 {
		out.MaxSizeBytes = 100 << 20
	}
	if out.DefaultChunkSize <= 0 {
		out.DefaultChunkSize = 8 << 20
	}
	if out.MinURLExpiry <= 0 {
		out.MinURLExpiry = time.Minute
	}
	if out.MaxURLExpiry <= 0 {
		out.MaxURLExpiry = 24 * time.Hour
	}
	if out.DefaultURLExpiry <= 0 {
		out.DefaultURLExpiry = 15 * time.Minute
	}
	return out
}

type UploadManager struct {
	uploads ports.UploadRepository
	store   ports.MultipartStore
	limiter ports.ConcurrencyLimiter
	cfg     UploadConfig
	logger  *slog.Logger
}

func NewUploadManager(
	uploads ports.UploadRepository,
	store ports.MultipartStore,
	limiter ports.ConcurrencyLimiter,
	cfg UploadConfig,
	logger *slog.Logger,
) *UploadManager {
	return &UploadManager{
		uploads: uploads,
		store:   store,
		limiter: limiter,
		cfg:     cfg.normalize(),
		logger:  logger,
	}
}

func (m *UploadManager) Initiate(ctx context.Context, in ports.InitiateUploadInput) (*ports.InitiateUploadResult, error) {
	if err := validateUploadPath(in.Path); err != nil {
		return nil, err
	}
	if strings.TrimSpace(in.FileName) == "" {
		return nil, domain.WrapError(domain.ErrInvalidInput, "initiate upload", fmt.Errorf("filename is required"))
	}
	if in.Size <= 0 {
		return nil, domain.WrapError(domain.ErrInvalidInput, "initiate upload", fmt.Errorf("size must be positive, got %d", in.Size))
	}
	if in.Size > m.cfg.MaxSizeBytes {
		return nil, domain.WrapError(domain.ErrInvalidInput, "initiate upload",
			fmt.Errorf("size %d exceeds maximum %d", in.Size, m.cfg.MaxSizeBytes))
	}
	if err := domain.ValidateImportFile(in.FileName, in.MimeType); err != nil {
		return nil, err
	}

	if err := m.limiter.Acquire(ctx, in.Identity.UserID); err != nil {
		return nil, err
	}

	bucket := in.Bucket
	if bucket == "" {
		bucket = m.cfg.Bucket
	}
	fileID := uuid.NewString()
	objectKey := path.Join(in.Path, fileID+"_"+sanitizeFilename(in.FileName))

	uploadID, err := m.store.Initiate(ctx, bucket, objectKey, in.MimeType)
	if err != nil {
		m.releaseSlot(ctx, in.Identity.UserID)
		return nil, fmt.Errorf("initiate multipart upload: %w", err)
	}

	now := time.Now().UTC()
	session := &domain.UploadSession{
		FileID:         fileID,
		Bucket:         bucket,
		ObjectKey:      objectKey,
		UploadID:       uploadID,
		Status:         domain.UploadStatusUploading,
		FileName:       in.FileName,
		MimeType:       in.MimeType,
		Size:           in.Size,
		ChunkSize:      m.cfg.DefaultChunkSize,
		UserID:         in.Identity.UserID,
		CompanyID:      in.Identity.CompanyID,
		LastActivityAt: now,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := m.uploads.Create(ctx, session); err != nil {
		m.releaseSlot(ctx, in.Identity.UserID)
		if abortErr := m.store.Abort(ctx, bucket, objectKey, uploadID); abortErr != nil {
			m.logger.Warn("abort_orphan_multipart_failed", "file_id", fileID, "error", abortErr)
		}
		return nil, fmt.Errorf("persist upload session: %w", err)
	}

	return &ports.InitiateUploadResult{
		FileID:          fileID,
		UploadID:        uploadID,
		ChunkSize:       session.ChunkSize,
		TotalParts:      session.TotalParts(),
		PartURLTemplate: "/v1/uploads/" + fileID + "/parts",
	}, nil
}

func (m *UploadManager) GeneratePartURL(ctx context.Context, ident ports.Identity, fileID string, partNumber int, partSize int64, expiry time.Duration) (string, error) {
	if _, err := uuid.Parse(fileID); err != nil {
		return "", domain.WrapError(domain.ErrInvalidInput, "generate part url",
			fmt.Errorf("file id %q is not a valid uuid", fileID))
	}
	if partNumber < 1 || partNumber > maxPartNumber {
		return "", domain.WrapError(domain.ErrInvalidInput, "generate part url",
			fmt.Errorf("part number %d out of range [1,%d]", partNumber, maxPartNumber))
	}
	if partSize <= 0 {
		return "", domain.WrapError(domain.ErrInvalidInput, "generate part url",
			fmt.Errorf("part size must be positive, got %d", partSize))
	}

	session, err := m.uploads.GetForUser(ctx, fileID, ident.UserID, ident.CompanyID)
	if err != nil {
		return "", fmt.Errorf("load upload session: %w", err)
	}
	if session.Status != domain.UploadStatusUploading {
		return "", domain.WrapError(domain.ErrInvalidStatus, "generate part url",
			fmt.Errorf("upload %s is %s", fileID, session.Status))
	}

	signedURL, err := m.store.PresignPartURL(ctx, session.Bucket, session.ObjectKey, session.UploadID, partNumber, m.clampExpiry(expiry))
	if err != nil {
		return "", fmt.Errorf("presign part url: %w", err)
	}

	if err := m.uploads.Touch(ctx, fileID, time.Now().UTC()); err != nil {
		m.logger.Warn("touch_upload_failed", "file_id", fileID, "error", err)
	}
	return signedURL, nil
}

// Complete verifies the submitted part set against the provider's listing and
// transitions the session to uploaded. On mismatch the session is untouched:
// there is no partial commit.
func (m *UploadManager) Complete(ctx context.Context, ident ports.Identity, fileID string, parts []domain.UploadPart) error {
	if len(parts) == 0 {
		return domain.WrapError(domain.ErrInvalidInput, "complete upload", fmt.Errorf("no parts submitted"))
	}

	session, err := m.uploads.GetForUser(ctx, fileID, ident.UserID, ident.CompanyID)
	if err != nil {
		return fmt.Errorf("load upload session: %w", err)
	}
	if session.Status != domain.UploadStatusUploading {
		return domain.WrapError(domain.ErrInvalidStatus, "complete upload",
			fmt.Errorf("upload %s is %s", fileID, session.Status))
	}

	listed, err := m.store.ListParts(ctx, session.Bucket, session.ObjectKey, session.UploadID)
	if err != nil {
		return fmt.Errorf("list uploaded parts: %w", err)
	}
	if err := reconcileParts(session, parts, listed); err != nil {
		return err
	}

	etag, err := m.store.Complete(ctx, session.Bucket, session.ObjectKey, session.UploadID, parts)
	if err != nil {
		return domain.WrapError(domain.ErrUploadFailed, "complete upload", err)
	}

	if err := m.uploads.CompleteConditional(ctx, fileID, etag, time.Now().UTC()); err != nil {
		return fmt.Errorf("finalize upload session: %w", err)
	}
	m.releaseSlot(ctx, ident.UserID)
	return nil
}

// Status reconciles the provider part listing with the domain record. It
// degrades to best-effort defaults on provider errors instead of failing.
func (m *UploadManager) Status(ctx context.Context, ident ports.Identity, fileID string) (*domain.UploadStatusReport, error) {
	session, err := m.uploads.GetForUser(ctx, fileID, ident.UserID, ident.CompanyID)
	if err != nil {
		return nil, fmt.Errorf("load upload session: %w", err)
	}

	report := &domain.UploadStatusReport{
		FileID:          session.FileID,
		Status:          session.Status,
		TotalPartsCount: session.TotalParts(),
		NextPartNumber:  1,
		Parts:           []domain.UploadPart{},
	}
	if session.Status != domain.UploadStatusUploading {
		if session.Status == domain.UploadStatusUploaded {
			report.CompletedPartsCount = report.TotalPartsCount
			report.UploadedBytes = session.Size
			report.NextPartNumber = report.TotalPartsCount + 1
		}
		return report, nil
	}

	listed, err := m.store.ListParts(ctx, session.Bucket, session.ObjectKey, session.UploadID)
	if err != nil {
		m.logger.Warn("list_parts_degraded", "file_id", fileID, "error", err)
		return report, nil
	}

	seen := make(map[int]bool, len(listed))
	for _, p := range listed {
		report.UploadedBytes += p.Size
		seen[p.PartNumber] = true
	}
	report.CompletedPartsCount = len(listed)
	report.Parts = listed
	report.NextPartNumber = firstGap(seen, report.TotalPartsCount)
	report.CanComplete = report.TotalPartsCount > 0 &&
		report.CompletedPartsCount >= report.TotalPartsCount &&
		report.UploadedBytes >= session.Size
	return report, nil
}

func (m *UploadManager) clampExpiry(expiry time.Duration) time.Duration {
	if expiry <= 0 {
		return m.cfg.DefaultURLExpiry
	}
	if expiry < m.cfg.MinURLExpiry {
		return m.cfg.MinURLExpiry
	}
	if expiry > m.cfg.MaxURLExpiry {
		return m.cfg.MaxURLExpiry
	}
	return expiry
}

func (m *UploadManager) releaseSlot(ctx context.Context, userID string) {
	if err := m.limiter.Release(ctx, userID); err != nil {
		m.logger.Warn("release_concurrency_slot_failed", "user_id", userID, "error", err)
	}
}

// reconcileParts checks every submitted part against the provider listing and
// that the listed bytes cover the declared size.
func reconcileParts(session *domain.UploadSession, submitted, listed []domain.UploadPart) error {
	byNumber := make(map[int]domain.UploadPart, len(listed))
	var total int64
	for _, p := range listed {
		byNumber[p.PartNumber] = p
		total += p.Size
	}
	for _, p := range submitted {
		found, ok := byNumber[p.PartNumber]
		if !ok {
			return domain.WrapError(domain.ErrUploadFailed, "complete upload",
				fmt.Errorf("part %d was never uploaded", p.PartNumber))
		}
		if !strings.EqualFold(strings.Trim(found.ETag, `"`), strings.Trim(p.ETag, `"`)) {
			return domain.WrapError(domain.ErrUploadFailed, "complete upload",
				fmt.Errorf("part %d etag mismatch", p.PartNumber))
		}
	}
	if total < session.Size {
		return domain.WrapError(domain.ErrUploadFailed, "complete upload",
			fmt.Errorf("uploaded %d bytes, declared size is %d", total, session.Size))
	}
	return nil
}

func firstGap(seen map[int]bool, totalParts int) int {
	for n := 1; n <= totalParts; n++ {
		if !seen[n] {
			return n
		}
	}
	return totalParts + 1
}

func validateUploadPath(p string) error {
	if p == "" {
		return nil
	}
	if strings.HasPrefix(p, "/") || strings.Contains(p, "..") || strings.Contains(p, "//") {
		return domain.WrapError(domain.ErrInvalidInput, "initiate upload", fmt.Errorf("malformed path %q", p))
	}
	return nil
}

func sanitizeFilename(name string) string {
	base := path.Base(name)
	base = strings.ReplaceAll(base, " ", "_")
	base = strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z':
			return r
		case r >= 'A' && r <= 'Z':
			return r
		case r >= '0' && r <= '9':
			return r
		case r == '.', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, base)
	if base == "" {
		return "upload.bin"
	}
	return base
}
