package domain

import "time"

type UploadStatus string

const (
	UploadStatusPending   UploadStatus = "pending"
	UploadStatusUploading UploadStatus = "uploading"
	UploadStatusUploaded  UploadStatus = "uploaded"
	UploadStatusCopying   UploadStatus = "copying"
	UploadStatusErasing   UploadStatus = "erasing"
	UploadStatusAborted   UploadStatus = "aborted"
)

// UploadSession tracks one chunked multipart upload. The provider-side
// multipart upload is addressed by (Bucket, ObjectKey, UploadID); the domain
// record is keyed by FileID and scoped to (UserID, CompanyID).
type UploadSession struct {
	FileID         string       `json:"file_id"`
	Bucket         string       `json:"bucket"`
	ObjectKey      string       `json:"object_key"`
	UploadID       string       `json:"upload_id"`
	Status         UploadStatus `json:"status"`
	FileName       string       `json:"file_name"`
	MimeType       string       `json:"mime_type"`
	Size           int64        `json:"size"`
	ChunkSize      int64        `json:"chunk_size"`
	ETag           string       `json:"etag,omitempty"`
	UserID         string       `json:"user_id"`
	CompanyID      string       `json:"company_id"`
	LastActivityAt time.Time    `json:"last_activity_at"`
	CreatedAt      time.Time    `json:"created_at"`
	UpdatedAt      time.Time    `json:"updated_at"`
}

// TotalParts derives how many parts a complete upload of the declared size
// requires at the session's chunk size.
func (u *UploadSession) TotalParts() int {
	if u.ChunkSize <= 0 || u.Size <= 0 {
		return 0
	}
	n := u.Size / u.ChunkSize
	if u.Size%u.ChunkSize != 0 {
		n++
	}
	return int(n)
}

// StaleSince reports whether the session has been inactive beyond threshold.
func (u *UploadSession) StaleSince(threshold time.Duration, now time.Time) bool {
	return u.Status == UploadStatusUploading && now.Sub(u.LastActivityAt) > threshold
}

// UploadPart is one acknowledged chunk of a multipart upload.
type UploadPart struct {
	PartNumber int    `json:"part_number"`
	ETag       string `json:"etag"`
	Size       int64  `json:"size"`
}

// UploadStatusReport reconciles the provider's part listing with the domain
// record. Built best-effort: provider errors degrade to zero-valued fields.
type UploadStatusReport struct {
	FileID              string       `json:"file_id"`
	Status              UploadStatus `json:"status"`
	CompletedPartsCount int          `json:"completed_parts_count"`
	TotalPartsCount     int          `json:"total_parts_count"`
	UploadedBytes       int64        `json:"uploaded_bytes"`
	NextPartNumber      int          `json:"next_part_number"`
	CanComplete         bool         `json:"can_complete"`
	Parts               []UploadPart `json:"parts"`
}
