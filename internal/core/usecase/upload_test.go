package usecase

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/tenantgrid/bulkproc/internal/core/domain"
	"github.com/tenantgrid/bulkproc/internal/core/ports"
)

const xlsxMime = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"

func testIdentity() ports.Identity {
	return ports.Identity{UserID: "u-1", CompanyID: "co-1"}
}

func newUploadManager(uploads *uploadRepoFake, store *storeFake, limiter *limiterFake) *UploadManager {
	return NewUploadManager(uploads, store, limiter, UploadConfig{
		Bucket:           "imports",
		MaxSizeBytes:     100 << 20,
		DefaultChunkSize: 8 << 20,
		DefaultURLExpiry: 15 * time.Minute,
		MinURLExpiry:     time.Minute,
		MaxURLExpiry:     24 * time.Hour,
	}, testLogger())
}

func initiateInput(size int64) ports.InitiateUploadInput {
	return ports.InitiateUploadInput{
		Identity: testIdentity(),
		FileName: "catalog.xlsx",
		MimeType: xlsxMime,
		Size:     size,
	}
}

func TestInitiateUpload(t *testing.T) {
	uploads := &uploadRepoFake{}
	limiter := newLimiterFake(3)
	m := newUploadManager(uploads, &storeFake{}, limiter)

	result, err := m.Initiate(context.Background(), initiateInput(20<<20))
	if err != nil {
		t.Fatalf("Initiate() error = %v", err)
	}
	if result.TotalParts != 3 {
		t.Fatalf("expected 3 parts for 20MiB at 8MiB chunks, got %d", result.TotalParts)
	}
	if uploads.session == nil || uploads.session.Status != domain.UploadStatusUploading {
		t.Fatalf("expected uploading session persisted, got %+v", uploads.session)
	}
	if count, _ := limiter.CurrentCount(context.Background(), "u-1"); count != 1 {
		t.Fatalf("expected one held slot, got %d", count)
	}
}

func TestInitiateUploadValidation(t *testing.T) {
	m := newUploadManager(&uploadRepoFake{}, &storeFake{}, newLimiterFake(3))

	cases := []struct {
		name string
		in   ports.InitiateUploadInput
		kind error
	}{
		{"zero size", initiateInput(0), domain.ErrInvalidInput},
		{"oversize", initiateInput(200 << 20), domain.ErrInvalidInput},
		{"csv", func() ports.InitiateUploadInput {
			in := initiateInput(1024)
			in.FileName = "catalog.csv"
			in.MimeType = "text/csv"
			return in
		}(), domain.ErrInvalidFile},
		{"traversal path", func() ports.InitiateUploadInput {
			in := initiateInput(1024)
			in.Path = "../other-tenant"
			return in
		}(), domain.ErrInvalidInput},
		{"empty filename", func() ports.InitiateUploadInput {
			in := initiateInput(1024)
			in.FileName = "  "
			return in
		}(), domain.ErrInvalidInput},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := m.Initiate(context.Background(), tc.in); !domain.IsKind(err, tc.kind) {
				t.Fatalf("expected %v kind, got %v", tc.kind, err)
			}
		})
	}
}

func TestInitiateUploadEnforcesConcurrencyLimit(t *testing.T) {
	limiter := newLimiterFake(1)
	_ = limiter.Acquire(context.Background(), "u-1")
	m := newUploadManager(&uploadRepoFake{}, &storeFake{}, limiter)

	_, err := m.Initiate(context.Background(), initiateInput(1024))
	if !domain.IsKind(err, domain.ErrConcurrencyLimit) {
		t.Fatalf("expected concurrency limit, got %v", err)
	}
}

func TestInitiateUploadReleasesSlotOnProviderError(t *testing.T) {
	limiter := newLimiterFake(3)
	store := &storeFake{initiateErr: errors.New("provider down")}
	m := newUploadManager(&uploadRepoFake{}, store, limiter)

	if _, err := m.Initiate(context.Background(), initiateInput(1024)); err == nil {
		t.Fatalf("expected provider error")
	}
	if count, _ := limiter.CurrentCount(context.Background(), "u-1"); count != 0 {
		t.Fatalf("slot must be released on failure, got %d", count)
	}
}

func TestInitiateUploadAbortsOrphanOnPersistError(t *testing.T) {
	limiter := newLimiterFake(3)
	store := &storeFake{}
	uploads := &uploadRepoFake{createErr: errors.New("db down")}
	m := newUploadManager(uploads, store, limiter)

	if _, err := m.Initiate(context.Background(), initiateInput(1024)); err == nil {
		t.Fatalf("expected persist error")
	}
	if store.abortCalls != 1 {
		t.Fatalf("expected orphan multipart upload aborted, got %d aborts", store.abortCalls)
	}
	if count, _ := limiter.CurrentCount(context.Background(), "u-1"); count != 0 {
		t.Fatalf("slot must be released on failure, got %d", count)
	}
}

func uploadingSessionFake(fileID string, size, chunk int64) *uploadRepoFake {
	s := uploadedSession(fileID, "catalog.xlsx", xlsxMime)
	s.Status = domain.UploadStatusUploading
	s.UploadID = "mp-1"
	s.Size = size
	s.ChunkSize = chunk
	return &uploadRepoFake{session: s}
}

func TestGeneratePartURLValidation(t *testing.T) {
	fileID := uuid.NewString()
	uploads := uploadingSessionFake(fileID, 100, 30)
	m := newUploadManager(uploads, &storeFake{}, newLimiterFake(3))
	ctx := context.Background()

	if _, err := m.GeneratePartURL(ctx, testIdentity(), "bogus", 1, 30, 0); !domain.IsKind(err, domain.ErrInvalidInput) {
		t.Fatalf("expected invalid input for malformed id, got %v", err)
	}
	if _, err := m.GeneratePartURL(ctx, testIdentity(), fileID, 0, 30, 0); !domain.IsKind(err, domain.ErrInvalidInput) {
		t.Fatalf("expected invalid input for part 0, got %v", err)
	}
	if _, err := m.GeneratePartURL(ctx, testIdentity(), fileID, 10001, 30, 0); !domain.IsKind(err, domain.ErrInvalidInput) {
		t.Fatalf("expected invalid input for part over limit, got %v", err)
	}
	if _, err := m.GeneratePartURL(ctx, testIdentity(), fileID, 1, 0, 0); !domain.IsKind(err, domain.ErrInvalidInput) {
		t.Fatalf("expected invalid input for zero part size, got %v", err)
	}
}

func TestGeneratePartURLClampsExpiryAndTouches(t *testing.T) {
	fileID := uuid.NewString()
	uploads := uploadingSessionFake(fileID, 100, 30)
	store := &storeFake{}
	m := newUploadManager(uploads, store, newLimiterFake(3))

	if _, err := m.GeneratePartURL(context.Background(), testIdentity(), fileID, 1, 30, 5*time.Second); err != nil {
		t.Fatalf("GeneratePartURL() error = %v", err)
	}
	if store.presignExpiry != time.Minute {
		t.Fatalf("expected expiry clamped to 1m, got %v", store.presignExpiry)
	}
	if uploads.touchCalls != 1 {
		t.Fatalf("expected session activity refresh, got %d touches", uploads.touchCalls)
	}

	if _, err := m.GeneratePartURL(context.Background(), testIdentity(), fileID, 1, 30, 48*time.Hour); err != nil {
		t.Fatalf("GeneratePartURL() error = %v", err)
	}
	if store.presignExpiry != 24*time.Hour {
		t.Fatalf("expected expiry clamped to 24h, got %v", store.presignExpiry)
	}
}

func TestGeneratePartURLRequiresUploadingStatus(t *testing.T) {
	fileID := uuid.NewString()
	uploads := uploadingSessionFake(fileID, 100, 30)
	uploads.session.Status = domain.UploadStatusUploaded
	m := newUploadManager(uploads, &storeFake{}, newLimiterFake(3))

	_, err := m.GeneratePartURL(context.Background(), testIdentity(), fileID, 1, 30, 0)
	if !domain.IsKind(err, domain.ErrInvalidStatus) {
		t.Fatalf("expected invalid status, got %v", err)
	}
}

func TestCompleteUploadVerifiesParts(t *testing.T) {
	fileID := uuid.NewString()
	ctx := context.Background()

	t.Run("etag mismatch", func(t *testing.T) {
		uploads := uploadingSessionFake(fileID, 60, 30)
		store := &storeFake{listParts: []domain.UploadPart{
			{PartNumber: 1, ETag: "aaa", Size: 30},
			{PartNumber: 2, ETag: "bbb", Size: 30},
		}}
		m := newUploadManager(uploads, store, newLimiterFake(3))

		err := m.Complete(ctx, testIdentity(), fileID, []domain.UploadPart{
			{PartNumber: 1, ETag: "aaa"},
			{PartNumber: 2, ETag: "wrong"},
		})
		if !domain.IsKind(err, domain.ErrUploadFailed) {
			t.Fatalf("expected upload failed, got %v", err)
		}
		if uploads.session.Status != domain.UploadStatusUploading {
			t.Fatalf("session must stay uploading on mismatch, got %s", uploads.session.Status)
		}
	})

	t.Run("missing part", func(t *testing.T) {
		uploads := uploadingSessionFake(fileID, 60, 30)
		store := &storeFake{listParts: []domain.UploadPart{{PartNumber: 1, ETag: "aaa", Size: 30}}}
		m := newUploadManager(uploads, store, newLimiterFake(3))

		err := m.Complete(ctx, testIdentity(), fileID, []domain.UploadPart{
			{PartNumber: 1, ETag: "aaa"},
			{PartNumber: 2, ETag: "bbb"},
		})
		if !domain.IsKind(err, domain.ErrUploadFailed) {
			t.Fatalf("expected upload failed, got %v", err)
		}
	})

	t.Run("short byte count", func(t *testing.T) {
		uploads := uploadingSessionFake(fileID, 100, 30)
		store := &storeFake{listParts: []domain.UploadPart{
			{PartNumber: 1, ETag: "aaa", Size: 30},
			{PartNumber: 2, ETag: "bbb", Size: 30},
		}}
		m := newUploadManager(uploads, store, newLimiterFake(3))

		err := m.Complete(ctx, testIdentity(), fileID, []domain.UploadPart{
			{PartNumber: 1, ETag: "aaa"},
			{PartNumber: 2, ETag: "bbb"},
		})
		if !domain.IsKind(err, domain.ErrUploadFailed) {
			t.Fatalf("expected upload failed for short byte count, got %v", err)
		}
	})

	t.Run("success", func(t *testing.T) {
		uploads := uploadingSessionFake(fileID, 60, 30)
		limiter := newLimiterFake(3)
		_ = limiter.Acquire(ctx, "u-1")
		store := &storeFake{listParts: []domain.UploadPart{
			{PartNumber: 1, ETag: "aaa", Size: 30},
			{PartNumber: 2, ETag: `"BBB"`, Size: 30},
		}}
		m := newUploadManager(uploads, store, limiter)

		// Quoted and case-folded etags from the provider still reconcile.
		err := m.Complete(ctx, testIdentity(), fileID, []domain.UploadPart{
			{PartNumber: 1, ETag: "aaa"},
			{PartNumber: 2, ETag: "bbb"},
		})
		if err != nil {
			t.Fatalf("Complete() error = %v", err)
		}
		if uploads.session.Status != domain.UploadStatusUploaded {
			t.Fatalf("expected uploaded, got %s", uploads.session.Status)
		}
		if uploads.session.ETag != "etag-final" {
			t.Fatalf("expected final etag recorded, got %q", uploads.session.ETag)
		}
		if count, _ := limiter.CurrentCount(ctx, "u-1"); count != 0 {
			t.Fatalf("expected released slot, got %d", count)
		}
	})
}

func TestUploadStatusReconciliation(t *testing.T) {
	fileID := uuid.NewString()
	ctx := context.Background()

	t.Run("in progress with gap", func(t *testing.T) {
		uploads := uploadingSessionFake(fileID, 90, 30)
		store := &storeFake{listParts: []domain.UploadPart{
			{PartNumber: 1, ETag: "aaa", Size: 30},
			{PartNumber: 3, ETag: "ccc", Size: 30},
		}}
		m := newUploadManager(uploads, store, newLimiterFake(3))

		report, err := m.Status(ctx, testIdentity(), fileID)
		if err != nil {
			t.Fatalf("Status() error = %v", err)
		}
		if report.CompletedPartsCount != 2 || report.TotalPartsCount != 3 {
			t.Fatalf("unexpected part counts: %+v", report)
		}
		if report.NextPartNumber != 2 {
			t.Fatalf("expected next part 2 (the gap), got %d", report.NextPartNumber)
		}
		if report.CanComplete {
			t.Fatalf("must not be completable with a missing part")
		}
	})

	t.Run("all parts present", func(t *testing.T) {
		uploads := uploadingSessionFake(fileID, 90, 30)
		store := &storeFake{listParts: []domain.UploadPart{
			{PartNumber: 1, ETag: "aaa", Size: 30},
			{PartNumber: 2, ETag: "bbb", Size: 30},
			{PartNumber: 3, ETag: "ccc", Size: 30},
		}}
		m := newUploadManager(uploads, store, newLimiterFake(3))

		report, err := m.Status(ctx, testIdentity(), fileID)
		if err != nil {
			t.Fatalf("Status() error = %v", err)
		}
		if !report.CanComplete {
			t.Fatalf("expected completable report: %+v", report)
		}
		if report.NextPartNumber != 4 {
			t.Fatalf("expected next part past the end, got %d", report.NextPartNumber)
		}
	})

	t.Run("degrades on provider error", func(t *testing.T) {
		uploads := uploadingSessionFake(fileID, 90, 30)
		store := &storeFake{listErr: errors.New("provider down")}
		m := newUploadManager(uploads, store, newLimiterFake(3))

		report, err := m.Status(ctx, testIdentity(), fileID)
		if err != nil {
			t.Fatalf("Status() must degrade, got error %v", err)
		}
		if report.CompletedPartsCount != 0 || report.NextPartNumber != 1 || report.CanComplete {
			t.Fatalf("expected zero-valued degraded report, got %+v", report)
		}
	})

	t.Run("uploaded session reports full", func(t *testing.T) {
		uploads := uploadingSessionFake(fileID, 90, 30)
		uploads.session.Status = domain.UploadStatusUploaded
		m := newUploadManager(uploads, &storeFake{}, newLimiterFake(3))

		report, err := m.Status(ctx, testIdentity(), fileID)
		if err != nil {
			t.Fatalf("Status() error = %v", err)
		}
		if report.CompletedPartsCount != 3 || report.UploadedBytes != 90 {
			t.Fatalf("expected full report for uploaded session, got %+v", report)
		}
	})
}

func TestSanitizeFilename(t *testing.T) {
	cases := map[string]string{
		"My Catalog (v2).xlsx": "My_Catalog__v2_.xlsx",
		"../../etc/passwd":     "passwd",
		"прайс.xlsx":           "_____.xlsx",
	}
	for in, want := range cases {
		if got := sanitizeFilename(in); got != want {
			t.Fatalf("sanitizeFilename(%q) = %q, want %q", in, got, want)
		}
	}
}
