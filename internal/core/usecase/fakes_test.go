package usecase

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/tenantgrid/bulkproc/internal/core/domain"
	"github.com/tenantgrid/bulkproc/internal/core/ports"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// requestRepoFake mirrors the conditional-update semantics of the SQL
// repository: status mutators only apply when the guard matches and report
// ErrInvalidStatus otherwise.
type requestRepoFake struct {
	mu  sync.Mutex
	req *domain.BulkRequest

	createErr        error
	getErr           error
	markFailedMsg    string
	markFailedCalled bool
	markFailedCtxErr error
}

func (f *requestRepoFake) Create(_ context.Context, req *domain.BulkRequest) error {
	if f.createErr != nil {
		return f.createErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *req
	f.req = &cp
	return nil
}

func (f *requestRepoFake) GetByID(_ context.Context, id string) (*domain.BulkRequest, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.getErr != nil {
		return nil, f.getErr
	}
	if f.req == nil || f.req.ID != id {
		return nil, domain.WrapError(domain.ErrNotFound, "get bulk request", errors.New("no rows"))
	}
	cp := *f.req
	return &cp, nil
}

func (f *requestRepoFake) GetForCompany(ctx context.Context, id, companyID string) (*domain.BulkRequest, error) {
	req, err := f.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if req.CompanyID != companyID {
		return nil, domain.WrapError(domain.ErrNotFound, "get bulk request", errors.New("no rows"))
	}
	return req, nil
}

func (f *requestRepoFake) SetJobID(_ context.Context, id, jobID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.req != nil && f.req.ID == id {
		f.req.JobID = jobID
	}
	return nil
}

func (f *requestRepoFake) SetTotalRows(_ context.Context, id string, total int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.req == nil || f.req.ID != id || f.req.TotalRows != nil {
		return domain.WrapError(domain.ErrInvalidStatus, "set total rows", errors.New("guard miss"))
	}
	f.req.TotalRows = &total
	return nil
}

func (f *requestRepoFake) ApplyProgress(_ context.Context, id string, delta ports.ProgressDelta) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.req == nil || f.req.ID != id {
		return domain.WrapError(domain.ErrNotFound, "apply progress", errors.New("no rows"))
	}
	f.req.ProcessedRows += delta.Processed
	f.req.SuccessfulRows += delta.Successful
	f.req.FailedRows += delta.Failed
	f.req.RowLogs = append(f.req.RowLogs, delta.RowLogs...)
	return nil
}

func (f *requestRepoFake) guard(id string, want []domain.RequestStatus, to domain.RequestStatus) error {
	if f.req == nil || f.req.ID != id {
		return domain.WrapError(domain.ErrInvalidStatus, "transition", errors.New("no rows"))
	}
	for _, s := range want {
		if f.req.Status == s {
			f.req.Status = to
			return nil
		}
	}
	return domain.WrapError(domain.ErrInvalidStatus, "transition", errors.New("guard miss"))
}

func (f *requestRepoFake) MarkProcessing(_ context.Context, id string, startedAt time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.guard(id, []domain.RequestStatus{domain.StatusPending}, domain.StatusProcessing); err != nil {
		return err
	}
	f.req.StartedAt = &startedAt
	return nil
}

func (f *requestRepoFake) MarkCompleted(_ context.Context, id string, completedAt time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.guard(id, []domain.RequestStatus{domain.StatusProcessing}, domain.StatusCompleted); err != nil {
		return err
	}
	f.req.CompletedAt = &completedAt
	return nil
}

func (f *requestRepoFake) MarkFailed(ctx context.Context, id string, completedAt time.Time, errMessage string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.markFailedCalled = true
	f.markFailedCtxErr = ctx.Err()
	if err := f.guard(id, []domain.RequestStatus{domain.StatusPending, domain.StatusProcessing}, domain.StatusFailed); err != nil {
		return err
	}
	f.req.CompletedAt = &completedAt
	f.req.ErrorMessage = errMessage
	f.markFailedMsg = errMessage
	return nil
}

func (f *requestRepoFake) MarkCancelling(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.guard(id, []domain.RequestStatus{domain.StatusPending, domain.StatusProcessing}, domain.StatusCancelling)
}

func (f *requestRepoFake) MarkCancelled(_ context.Context, id string, completedAt time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.guard(id, []domain.RequestStatus{domain.StatusCancelling}, domain.StatusCancelled); err != nil {
		return err
	}
	f.req.CompletedAt = &completedAt
	return nil
}

func (f *requestRepoFake) current() domain.BulkRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return *f.req
}

type uploadRepoFake struct {
	mu      sync.Mutex
	session *domain.UploadSession

	createErr    error
	touchCalls   int
	abortResults map[string]bool
	staleList    []domain.UploadSession
}

func (f *uploadRepoFake) Create(_ context.Context, s *domain.UploadSession) error {
	if f.createErr != nil {
		return f.createErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *s
	f.session = &cp
	return nil
}

func (f *uploadRepoFake) GetByID(_ context.Context, fileID string) (*domain.UploadSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.session == nil || f.session.FileID != fileID {
		return nil, domain.WrapError(domain.ErrNotFound, "get upload session", errors.New("no rows"))
	}
	cp := *f.session
	return &cp, nil
}

func (f *uploadRepoFake) GetForUser(ctx context.Context, fileID, userID, companyID string) (*domain.UploadSession, error) {
	s, err := f.GetByID(ctx, fileID)
	if err != nil {
		return nil, err
	}
	if s.UserID != userID || s.CompanyID != companyID {
		return nil, domain.WrapError(domain.ErrNotFound, "get upload session", errors.New("no rows"))
	}
	return s, nil
}

func (f *uploadRepoFake) Touch(_ context.Context, _ string, _ time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.touchCalls++
	return nil
}

func (f *uploadRepoFake) CompleteConditional(_ context.Context, fileID, etag string, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.session == nil || f.session.FileID != fileID || f.session.Status != domain.UploadStatusUploading {
		return domain.WrapError(domain.ErrUploadFailed, "complete upload session",
			errors.New("session is no longer uploading"))
	}
	f.session.Status = domain.UploadStatusUploaded
	f.session.ETag = etag
	f.session.UpdatedAt = at
	return nil
}

func (f *uploadRepoFake) AbortStaleConditional(_ context.Context, fileID string, _, _ time.Time) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.abortResults != nil {
		if won, ok := f.abortResults[fileID]; ok {
			return won, nil
		}
	}
	if f.session != nil && f.session.FileID == fileID && f.session.Status == domain.UploadStatusUploading {
		f.session.Status = domain.UploadStatusAborted
		return true, nil
	}
	return false, nil
}

func (f *uploadRepoFake) ListStale(_ context.Context, _ time.Time, _ int) ([]domain.UploadSession, error) {
	return f.staleList, nil
}

type storeFake struct {
	mu sync.Mutex

	objects map[string][]byte

	initiateErr error
	uploadID    string

	presignURL    string
	presignExpiry time.Duration

	listParts []domain.UploadPart
	listErr   error

	completeETag string
	completeErr  error

	openErr error

	abortCalls      int
	savedKeys       []string
	removedPrefixes []string
}

func (f *storeFake) Initiate(context.Context, string, string, string) (string, error) {
	if f.initiateErr != nil {
		return "", f.initiateErr
	}
	if f.uploadID == "" {
		return "mp-1", nil
	}
	return f.uploadID, nil
}

func (f *storeFake) PresignPartURL(_ context.Context, _, _, _ string, partNumber int, expiry time.Duration) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.presignExpiry = expiry
	if f.presignURL != "" {
		return f.presignURL, nil
	}
	return fmt.Sprintf("https://store.local/part/%d", partNumber), nil
}

func (f *storeFake) ListParts(context.Context, string, string, string) ([]domain.UploadPart, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	return f.listParts, nil
}

func (f *storeFake) Complete(context.Context, string, string, string, []domain.UploadPart) (string, error) {
	if f.completeErr != nil {
		return "", f.completeErr
	}
	if f.completeETag == "" {
		return "etag-final", nil
	}
	return f.completeETag, nil
}

func (f *storeFake) Abort(context.Context, string, string, string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.abortCalls++
	return nil
}

func (f *storeFake) Open(_ context.Context, bucket, key string) (io.ReadCloser, error) {
	if f.openErr != nil {
		return nil, f.openErr
	}
	data := f.objects[bucket+"/"+key]
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (f *storeFake) SaveObject(_ context.Context, _, key string, data io.Reader, _ int64, _ string) error {
	if _, err := io.Copy(io.Discard, data); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.savedKeys = append(f.savedKeys, key)
	return nil
}

func (f *storeFake) RemovePrefix(_ context.Context, _, prefix string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removedPrefixes = append(f.removedPrefixes, prefix)
	return nil
}

type queueFake struct {
	enqueued   []domain.QueueJob
	enqueueErr error

	cancelResult domain.JobCancelResult
	cancelErr    error
	cancelCalls  int

	statusInfo domain.JobStatusInfo
}

func (f *queueFake) Enqueue(_ context.Context, job domain.QueueJob) error {
	if f.enqueueErr != nil {
		return f.enqueueErr
	}
	f.enqueued = append(f.enqueued, job)
	return nil
}

func (f *queueFake) Cancel(context.Context, string) (domain.JobCancelResult, error) {
	f.cancelCalls++
	if f.cancelErr != nil {
		return domain.JobCancelResult{}, f.cancelErr
	}
	return f.cancelResult, nil
}

func (f *queueFake) Status(context.Context, string) (domain.JobStatusInfo, error) {
	return f.statusInfo, nil
}

func (f *queueFake) Subscribe(context.Context, func(context.Context, domain.QueueJob) error) error {
	return nil
}

type registryFake struct {
	mu     sync.Mutex
	states map[string]domain.JobState
}

func newRegistryFake() *registryFake {
	return &registryFake{states: map[string]domain.JobState{}}
}

func (f *registryFake) SetState(_ context.Context, jobID string, state domain.JobState) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.states[jobID] = state
	return nil
}

func (f *registryFake) GetState(_ context.Context, jobID string) (domain.JobState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	state, ok := f.states[jobID]
	if !ok {
		return domain.JobStateNotFound, nil
	}
	return state, nil
}

func (f *registryFake) CompareAndSetState(_ context.Context, jobID string, from []domain.JobState, to domain.JobState) (bool, domain.JobState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	current, ok := f.states[jobID]
	if !ok {
		current = domain.JobStateNotFound
	}
	for _, s := range from {
		if current == s {
			f.states[jobID] = to
			return true, current, nil
		}
	}
	return false, current, nil
}

// flagsFake arms the cooperative cancellation flag after a fixed number of
// polls, simulating a cancel command landing while rows are streaming.
type flagsFake struct {
	mu         sync.Mutex
	armAtCheck int
	checks     int
	armed      bool
	clearCalls int
}

func (f *flagsFake) Set(context.Context, string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.armed = true
	return nil
}

func (f *flagsFake) IsSet(context.Context, string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.checks++
	if f.armAtCheck > 0 && f.checks >= f.armAtCheck {
		f.armed = true
	}
	return f.armed, nil
}

func (f *flagsFake) Clear(context.Context, string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.armed = false
	f.clearCalls++
	return nil
}

type limiterFake struct {
	mu     sync.Mutex
	counts map[string]int
	max    int
}

func newLimiterFake(max int) *limiterFake {
	return &limiterFake{counts: map[string]int{}, max: max}
}

func (f *limiterFake) CurrentCount(_ context.Context, userID string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.counts[userID], nil
}

func (f *limiterFake) Acquire(_ context.Context, userID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.counts[userID] >= f.max {
		return domain.WrapError(domain.ErrConcurrencyLimit, "acquire slot",
			fmt.Errorf("user %s already holds %d slots", userID, f.counts[userID]))
	}
	f.counts[userID]++
	return nil
}

func (f *limiterFake) Release(_ context.Context, userID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.counts[userID] > 0 {
		f.counts[userID]--
	}
	return nil
}

func (f *limiterFake) Clear(_ context.Context, userID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.counts, userID)
	return nil
}

type sheetFake struct {
	rows    [][]string
	openErr error
}

func (f *sheetFake) Open(context.Context, string, io.Reader) (ports.RowIterator, error) {
	if f.openErr != nil {
		return nil, f.openErr
	}
	return &rowIterFake{rows: f.rows}, nil
}

type rowIterFake struct {
	rows [][]string
	idx  int
}

func (it *rowIterFake) Next() bool {
	if it.idx >= len(it.rows) {
		return false
	}
	it.idx++
	return true
}

func (it *rowIterFake) Row() ([]string, error) {
	return it.rows[it.idx-1], nil
}

func (it *rowIterFake) Close() error { return nil }

type productWriterFake struct {
	mu       sync.Mutex
	upserted []*domain.CatalogProduct
	failSKUs map[string]bool
}

func (f *productWriterFake) Upsert(_ context.Context, p *domain.CatalogProduct) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failSKUs[p.SKU] {
		return errors.New("persist failed")
	}
	f.upserted = append(f.upserted, p)
	return nil
}

type mediaFetcherFake struct {
	content []byte
	err     error
}

func (f *mediaFetcherFake) Fetch(context.Context, string) (io.ReadCloser, string, int64, error) {
	if f.err != nil {
		return nil, "", 0, f.err
	}
	return io.NopCloser(bytes.NewReader(f.content)), "image/jpeg", int64(len(f.content)), nil
}

type rowRecorderFake struct {
	mu         sync.Mutex
	successful int64
	failed     int64
	calls      int
}

func (f *rowRecorderFake) AddRows(successful, failed int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.successful += successful
	f.failed += failed
	f.calls++
}

type notifierFake struct {
	mu     sync.Mutex
	events []domain.OutcomeEvent
}

func (f *notifierFake) PublishOutcome(_ context.Context, event domain.OutcomeEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, event)
	return nil
}

func (f *notifierFake) last() (domain.OutcomeEvent, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.events) == 0 {
		return domain.OutcomeEvent{}, false
	}
	return f.events[len(f.events)-1], true
}
