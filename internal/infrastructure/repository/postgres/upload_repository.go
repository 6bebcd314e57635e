package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/tenantgrid/bulkproc/internal/core/domain"
)

type UploadRepository struct {
	db *sql.DB
}

func NewUploadRepository(db *sql.DB) *UploadRepository {
	return &UploadRepository{db: db}
}

const uploadColumns = `
file_id, bucket, object_key, upload_id, status, file_name, mime_type,
size, chunk_size, etag, user_id, company_id, last_activity_at, created_at, updated_at`

func (r *UploadRepository) Create(ctx context.Context, s *domain.UploadSession) error {
	_, err := r.db.ExecContext(ctx, `
INSERT INTO uploads (
	file_id, bucket, object_key, upload_id, status, file_name, mime_type,
	size, chunk_size, etag, user_id, company_id, last_activity_at, created_at, updated_at
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)
`,
		s.FileID, s.Bucket, s.ObjectKey, s.UploadID, string(s.Status), s.FileName, s.MimeType,
		s.Size, s.ChunkSize, s.ETag, s.UserID, s.CompanyID, s.LastActivityAt, s.CreatedAt, s.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert upload session: %w", err)
	}
	return nil
}

func (r *UploadRepository) GetByID(ctx context.Context, fileID string) (*domain.UploadSession, error) {
	row := r.db.QueryRowContext(ctx, `
SELECT `+uploadColumns+`
FROM uploads
WHERE file_id = $1
`, fileID)
	return scanUpload(row)
}

func (r *UploadRepository) GetForUser(ctx context.Context, fileID, userID, companyID string) (*domain.UploadSession, error) {
	row := r.db.QueryRowContext(ctx, `
SELECT `+uploadColumns+`
FROM uploads
WHERE file_id = $1 AND user_id = $2 AND company_id = $3
`, fileID, userID, companyID)
	return scanUpload(row)
}

// Touch refreshes the activity timestamp while the upload is still active so
// the stale sweep does not reap a session a client is actively feeding.
func (r *UploadRepository) Touch(ctx context.Context, fileID string, at time.Time) error {
	_, err := r.db.ExecContext(ctx, `
UPDATE uploads
SET last_activity_at = $2, updated_at = $2
WHERE file_id = $1 AND status = $3
`, fileID, at, string(domain.UploadStatusUploading))
	if err != nil {
		return fmt.Errorf("touch upload: %w", err)
	}
	return nil
}

// CompleteConditional transitions uploading→uploaded in one guarded update.
// If the stale sweep aborted the session first, the guard misses and the
// completion surfaces as an upload failure instead of corrupting state.
func (r *UploadRepository) CompleteConditional(ctx context.Context, fileID, etag string, at time.Time) error {
	result, err := r.db.ExecContext(ctx, `
UPDATE uploads
SET status = $2, etag = $3, last_activity_at = $4, updated_at = $4
WHERE file_id = $1 AND status = $5
`, fileID, string(domain.UploadStatusUploaded), etag, at, string(domain.UploadStatusUploading))
	if err != nil {
		return fmt.Errorf("complete upload session: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("complete upload rows affected: %w", err)
	}
	if rows == 0 {
		return domain.WrapError(domain.ErrUploadFailed, "complete upload session",
			errors.New("session is no longer uploading"))
	}
	return nil
}

// AbortStaleConditional marks the session aborted only if it is still
// uploading and was inactive before the cutoff at the moment of the update.
// A completion that landed in between wins: the predicate matches nothing.
func (r *UploadRepository) AbortStaleConditional(ctx context.Context, fileID string, inactiveBefore, at time.Time) (bool, error) {
	result, err := r.db.ExecContext(ctx, `
UPDATE uploads
SET status = $2, updated_at = $3
WHERE file_id = $1 AND status = $4 AND last_activity_at < $5
`, fileID, string(domain.UploadStatusAborted), at, string(domain.UploadStatusUploading), inactiveBefore)
	if err != nil {
		return false, fmt.Errorf("abort stale upload: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("abort stale upload rows affected: %w", err)
	}
	return rows > 0, nil
}

func (r *UploadRepository) ListStale(ctx context.Context, inactiveBefore time.Time, limit int) ([]domain.UploadSession, error) {
	rows, err := r.db.QueryContext(ctx, `
SELECT `+uploadColumns+`
FROM uploads
WHERE status = $1 AND last_activity_at < $2
ORDER BY last_activity_at
LIMIT $3
`, string(domain.UploadStatusUploading), inactiveBefore, limit)
	if err != nil {
		return nil, fmt.Errorf("list stale uploads: %w", err)
	}
	defer rows.Close()

	out := make([]domain.UploadSession, 0)
	for rows.Next() {
		session, err := scanUpload(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *session)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate stale uploads: %w", err)
	}
	return out, nil
}

func scanUpload(row rowScanner) (*domain.UploadSession, error) {
	var s domain.UploadSession
	var status string

	err := row.Scan(
		&s.FileID, &s.Bucket, &s.ObjectKey, &s.UploadID, &status, &s.FileName, &s.MimeType,
		&s.Size, &s.ChunkSize, &s.ETag, &s.UserID, &s.CompanyID, &s.LastActivityAt, &s.CreatedAt, &s.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.WrapError(domain.ErrNotFound, "get upload session", err)
		}
		return nil, fmt.Errorf("scan upload session: %w", err)
	}
	s.Status = domain.UploadStatus(status)
	return &s, nil
}
