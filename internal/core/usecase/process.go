package usecase

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/tenantgrid/bulkproc/internal/core/domain"
	"github.com/tenantgrid/bulkproc/internal/core/ports"
)

// ProcessingOptions tune the row processing engine. Zero values fall back to
// the defaults applied by normalize.
type ProcessingOptions struct {
	StopOnFirstError     bool
	ContinueOnMediaError bool
	SkipEmptyRows        bool
	TrimWhitespace       bool
	SkipHeader           bool
	FlushEvery           int
	MaxStoredRowLogs     int
	MaxMediaConcurrency  int
	MediaTimeout         time.Duration
	MediaBucket          string
}

func (o ProcessingOptions) normalize() ProcessingOptions {
	out := o
	if out.FlushEvery <= 0 {
		out.FlushEvery = 25
	}
	if out.MaxStoredRowLogs <= 0 {
		out.MaxStoredRowLogs = domain.DefaultMaxStoredRowLogs
	}
	if out.MaxMediaConcurrency <= 0 {
		out.MaxMediaConcurrency = 4
	}
	if out.MediaTimeout <= 0 {
		out.MediaTimeout = 30 * time.Second
	}
	return out
}

// ProcessJobUseCase is the row processing engine. It streams the uploaded
// spreadsheet row by row, applies per-row validation and persistence, flushes
// counters to the aggregate in batches, and polls the cooperative
// cancellation flag at batch granularity.
type ProcessJobUseCase struct {
	requests ports.BulkRequestRepository
	uploads  ports.UploadRepository
	store    ports.MultipartStore
	sheets   ports.SpreadsheetOpener
	products ports.ProductWriter
	media    ports.MediaFetcher
	flags    ports.CancellationFlags
	registry ports.JobStateRegistry
	events   *TerminalEventHandler
	opts     ProcessingOptions
	logger   *slog.Logger
}

func NewProcessJobUseCase(
	requests ports.BulkRequestRepository,
	uploads ports.UploadRepository,
	store ports.MultipartStore,
	sheets ports.SpreadsheetOpener,
	products ports.ProductWriter,
	media ports.MediaFetcher,
	flags ports.CancellationFlags,
	registry ports.JobStateRegistry,
	events *TerminalEventHandler,
	opts ProcessingOptions,
	logger *slog.Logger,
) *ProcessJobUseCase {
	return &ProcessJobUseCase{
		requests: requests,
		uploads:  uploads,
		store:    store,
		sheets:   sheets,
		products: products,
		media:    media,
		flags:    flags,
		registry: registry,
		events:   events,
		opts:     opts.normalize(),
		logger:   logger,
	}
}

func (uc *ProcessJobUseCase) ProcessJob(ctx context.Context, job domain.QueueJob) error {
	swapped, prev, err := uc.registry.CompareAndSetState(ctx, job.JobID,
		[]domain.JobState{domain.JobStateWaiting, domain.JobStateDelayed, domain.JobStateStalled},
		domain.JobStateActive)
	if err != nil {
		return fmt.Errorf("claim job %s: %w", job.JobID, err)
	}
	if !swapped {
		if prev == domain.JobStateCancelled {
			// Cancelled definitively before dispatch; the cancel command
			// already finalized the aggregate.
			uc.logger.Info("job_cancelled_before_dispatch", "job_id", job.JobID, "request_id", job.RequestID)
			return nil
		}
		// At-least-once delivery: another worker owns or already finished it.
		uc.logger.Info("job_duplicate_delivery", "job_id", job.JobID, "state", prev)
		return nil
	}

	req, err := uc.requests.GetByID(ctx, job.RequestID)
	if err != nil {
		uc.setRegistryState(ctx, job.JobID, domain.JobStateFailed)
		return fmt.Errorf("load bulk request %s: %w", job.RequestID, err)
	}
	req.MaxStoredRowLogs = uc.opts.MaxStoredRowLogs

	if req.Status.Terminal() {
		uc.setRegistryState(ctx, job.JobID, domain.JobStateCompleted)
		return nil
	}
	if req.Status == domain.StatusCancelling {
		return uc.finalizeCancelled(ctx, job, req)
	}

	if err := uc.requests.MarkProcessing(ctx, req.ID, time.Now().UTC()); err != nil {
		if domain.IsKind(err, domain.ErrInvalidStatus) {
			// Raced a cancellation between the read above and the update.
			return uc.finalizeCancelled(ctx, job, req)
		}
		uc.setRegistryState(ctx, job.JobID, domain.JobStateFailed)
		return fmt.Errorf("mark processing: %w", err)
	}
	now := time.Now().UTC()
	req.Status = domain.StatusProcessing
	req.StartedAt = &now

	session, err := uc.uploads.GetByID(ctx, req.FileID)
	if err != nil {
		return uc.failJob(ctx, job, req, fmt.Errorf("load upload session: %w", err))
	}

	total, err := uc.countRows(ctx, session)
	if err != nil {
		return uc.failJob(ctx, job, req, fmt.Errorf("count rows: %w", err))
	}
	if err := uc.requests.SetTotalRows(ctx, req.ID, total); err != nil {
		return uc.failJob(ctx, job, req, fmt.Errorf("set total rows: %w", err))
	}
	req.TotalRows = &total

	outcome, err := uc.streamRows(ctx, job, req, session)
	if err != nil {
		return uc.failJob(ctx, job, req, err)
	}

	switch outcome {
	case outcomeCancelled:
		return uc.finalizeCancelled(ctx, job, req)
	case outcomeAborted:
		return uc.failJob(ctx, job, req,
			fmt.Errorf("row %d failed: %s", lastLogRow(req), lastLogMessage(req)))
	default:
		return uc.completeJob(ctx, job, req)
	}
}

type streamOutcome int

const (
	outcomeCompleted streamOutcome = iota
	outcomeAborted
	outcomeCancelled
)

func (uc *ProcessJobUseCase) streamRows(ctx context.Context, job domain.QueueJob, req *domain.BulkRequest, session *domain.UploadSession) (streamOutcome, error) {
	body, err := uc.store.Open(ctx, session.Bucket, session.ObjectKey)
	if err != nil {
		return outcomeAborted, fmt.Errorf("open uploaded file: %w", err)
	}
	defer body.Close()

	rows, err := uc.sheets.Open(ctx, session.FileName, body)
	if err != nil {
		return outcomeAborted, fmt.Errorf("open spreadsheet: %w", err)
	}
	defer rows.Close()

	var pending ports.ProgressDelta
	storedLogs := 0
	rowNumber := 0
	first := true

	for rows.Next() {
		if first && uc.opts.SkipHeader {
			first = false
			if _, err := rows.Row(); err != nil {
				return outcomeAborted, fmt.Errorf("read header row: %w", err)
			}
			continue
		}
		first = false

		// Cooperative cancellation, checked at batch granularity to bound
		// the polling overhead.
		if rowNumber%uc.opts.FlushEvery == 0 {
			cancelled, err := uc.flags.IsSet(ctx, job.JobID)
			if err != nil {
				uc.logger.Warn("cancellation_flag_check_failed", "job_id", job.JobID, "error", err)
			} else if cancelled {
				uc.flush(ctx, req.ID, &pending)
				return outcomeCancelled, nil
			}
		}

		columns, err := rows.Row()
		if err != nil {
			uc.flush(ctx, req.ID, &pending)
			return outcomeAborted, fmt.Errorf("read row: %w", err)
		}
		if uc.opts.SkipEmptyRows && rowIsEmpty(columns) {
			continue
		}
		rowNumber++

		if rowErr := uc.processRow(ctx, req, rowNumber, columns); rowErr != nil {
			req.RecordRowFailure(rowNumber, rowErr.Error())
			pending.Processed++
			pending.Failed++
			if storedLogs < uc.opts.MaxStoredRowLogs {
				pending.RowLogs = append(pending.RowLogs, domain.RowLog{
					RowNumber: rowNumber,
					Outcome:   domain.RowOutcomeFailure,
					Message:   rowErr.Error(),
				})
				storedLogs++
			}
			if uc.opts.StopOnFirstError {
				uc.flush(ctx, req.ID, &pending)
				return outcomeAborted, nil
			}
		} else {
			req.RecordRowSuccess()
			pending.Processed++
			pending.Successful++
		}

		if rowNumber%uc.opts.FlushEvery == 0 {
			uc.flush(ctx, req.ID, &pending)
		}
	}

	uc.flush(ctx, req.ID, &pending)
	return outcomeCompleted, nil
}

// processRow validates and transforms one row, stages its media, and persists
// the resulting catalog product. Any error fails only this row unless the
// stop-on-first-error policy is set.
func (uc *ProcessJobUseCase) processRow(ctx context.Context, req *domain.BulkRequest, rowNumber int, columns []string) error {
	product, imageURLs, err := parseCatalogRow(columns, uc.opts.TrimWhitespace)
	if err != nil {
		return err
	}
	product.ID = uuid.NewString()
	product.CompanyID = req.CompanyID
	now := time.Now().UTC()
	product.CreatedAt = now
	product.UpdatedAt = now

	if len(imageURLs) > 0 {
		paths, err := uc.stageMedia(ctx, req, rowNumber, imageURLs)
		if err != nil {
			return fmt.Errorf("stage media: %w", err)
		}
		product.ImagePaths = paths
	}

	if err := uc.products.Upsert(ctx, product); err != nil {
		return fmt.Errorf("persist product: %w", err)
	}
	return nil
}

// stageMedia downloads row media with bounded concurrency and stores each
// object under the request's media prefix. With continueOnMediaError a failed
// download is logged and dropped instead of failing the row.
func (uc *ProcessJobUseCase) stageMedia(ctx context.Context, req *domain.BulkRequest, rowNumber int, urls []string) ([]string, error) {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(uc.opts.MaxMediaConcurrency)

	staged := make([]string, len(urls))
	for i, rawURL := range urls {
		i, rawURL := i, rawURL
		g.Go(func() error {
			fetchCtx, cancel := context.WithTimeout(gctx, uc.opts.MediaTimeout)
			defer cancel()

			body, mimeType, size, err := uc.media.Fetch(fetchCtx, rawURL)
			if err != nil {
				if uc.opts.ContinueOnMediaError {
					uc.logger.Warn("media_download_skipped", "request_id", req.ID, "row", rowNumber, "url", rawURL, "error", err)
					return nil
				}
				return fmt.Errorf("download %s: %w", rawURL, err)
			}
			defer body.Close()

			key := fmt.Sprintf("%srow-%d/%d", mediaPrefix(req.CompanyID, req.ID), rowNumber, i)
			if err := uc.store.SaveObject(fetchCtx, uc.opts.MediaBucket, key, body, size, mimeType); err != nil {
				if uc.opts.ContinueOnMediaError {
					uc.logger.Warn("media_store_skipped", "request_id", req.ID, "row", rowNumber, "key", key, "error", err)
					return nil
				}
				return fmt.Errorf("store %s: %w", key, err)
			}
			staged[i] = key
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	out := staged[:0]
	for _, p := range staged {
		if p != "" {
			out = append(out, p)
		}
	}
	return out, nil
}

func (uc *ProcessJobUseCase) countRows(ctx context.Context, session *domain.UploadSession) (int64, error) {
	body, err := uc.store.Open(ctx, session.Bucket, session.ObjectKey)
	if err != nil {
		return 0, fmt.Errorf("open uploaded file: %w", err)
	}
	defer body.Close()

	rows, err := uc.sheets.Open(ctx, session.FileName, body)
	if err != nil {
		return 0, fmt.Errorf("open spreadsheet: %w", err)
	}
	defer rows.Close()

	var total int64
	first := true
	for rows.Next() {
		columns, err := rows.Row()
		if err != nil {
			return 0, fmt.Errorf("read row: %w", err)
		}
		if first && uc.opts.SkipHeader {
			first = false
			continue
		}
		first = false
		if uc.opts.SkipEmptyRows && rowIsEmpty(columns) {
			continue
		}
		total++
	}
	return total, nil
}

func (uc *ProcessJobUseCase) flush(ctx context.Context, requestID string, delta *ports.ProgressDelta) {
	if delta.Processed == 0 {
		return
	}
	if err := uc.requests.ApplyProgress(ctx, requestID, *delta); err != nil {
		uc.logger.Error("apply_progress_failed", "request_id", requestID, "error", err)
	}
	*delta = ports.ProgressDelta{}
}

// terminalContext detaches from the per-job deadline so terminal writes still
// land when the job timeout is what killed the run. Without this a timed-out
// job could never be marked failed and would sit in processing forever.
func terminalContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), 15*time.Second)
}

func (uc *ProcessJobUseCase) completeJob(ctx context.Context, job domain.QueueJob, req *domain.BulkRequest) error {
	ctx, cancel := terminalContext(ctx)
	defer cancel()

	now := time.Now().UTC()
	if err := uc.requests.MarkCompleted(ctx, req.ID, now); err != nil {
		if domain.IsKind(err, domain.ErrInvalidStatus) {
			// A cancellation arrived after the last flag check; honor it.
			return uc.finalizeCancelled(ctx, job, req)
		}
		uc.setRegistryState(ctx, job.JobID, domain.JobStateFailed)
		return fmt.Errorf("mark completed: %w", err)
	}
	req.Status = domain.StatusCompleted
	req.CompletedAt = &now

	uc.events.HandleCompleted(ctx, req)
	uc.setRegistryState(ctx, job.JobID, domain.JobStateCompleted)
	uc.clearFlag(ctx, job.JobID)
	return nil
}

func (uc *ProcessJobUseCase) failJob(ctx context.Context, job domain.QueueJob, req *domain.BulkRequest, cause error) error {
	ctx, cancel := terminalContext(ctx)
	defer cancel()

	now := time.Now().UTC()
	if err := uc.requests.MarkFailed(ctx, req.ID, now, cause.Error()); err != nil {
		if domain.IsKind(err, domain.ErrInvalidStatus) {
			return uc.finalizeCancelled(ctx, job, req)
		}
		uc.logger.Error("mark_failed_failed", "request_id", req.ID, "error", err)
	}
	req.Status = domain.StatusFailed
	req.ErrorMessage = cause.Error()
	req.CompletedAt = &now

	uc.events.HandleFailed(ctx, req, cause.Error())
	uc.setRegistryState(ctx, job.JobID, domain.JobStateFailed)
	uc.clearFlag(ctx, job.JobID)
	return nil
}

func (uc *ProcessJobUseCase) finalizeCancelled(ctx context.Context, job domain.QueueJob, req *domain.BulkRequest) error {
	ctx, cancel := terminalContext(ctx)
	defer cancel()

	if err := uc.requests.MarkCancelling(ctx, req.ID); err != nil && !domain.IsKind(err, domain.ErrInvalidStatus) {
		return fmt.Errorf("mark cancelling: %w", err)
	}
	now := time.Now().UTC()
	if err := uc.requests.MarkCancelled(ctx, req.ID, now); err != nil {
		if !domain.IsKind(err, domain.ErrInvalidStatus) {
			return fmt.Errorf("mark cancelled: %w", err)
		}
	} else {
		req.Status = domain.StatusCancelled
		req.CompletedAt = &now
		uc.events.HandleCancelled(ctx, req)
	}
	uc.setRegistryState(ctx, job.JobID, domain.JobStateCancelled)
	uc.clearFlag(ctx, job.JobID)
	return nil
}

func (uc *ProcessJobUseCase) setRegistryState(ctx context.Context, jobID string, state domain.JobState) {
	if err := uc.registry.SetState(ctx, jobID, state); err != nil {
		uc.logger.Warn("job_state_update_failed", "job_id", jobID, "state", state, "error", err)
	}
}

func (uc *ProcessJobUseCase) clearFlag(ctx context.Context, jobID string) {
	if err := uc.flags.Clear(ctx, jobID); err != nil {
		uc.logger.Warn("cancellation_flag_clear_failed", "job_id", jobID, "error", err)
	}
}

// parseCatalogRow maps a spreadsheet row to a catalog product. Expected
// column order: sku, name, description, price, quantity, image urls
// (pipe-separated).
func parseCatalogRow(columns []string, trim bool) (*domain.CatalogProduct, []string, error) {
	get := func(i int) string {
		if i >= len(columns) {
			return ""
		}
		v := columns[i]
		if trim {
			v = strings.TrimSpace(v)
		}
		return v
	}

	name := get(1)
	if name == "" {
		return nil, nil, fmt.Errorf("name is required")
	}

	priceRaw := get(3)
	if priceRaw == "" {
		return nil, nil, fmt.Errorf("price is required")
	}
	price, err := strconv.ParseFloat(priceRaw, 64)
	if err != nil {
		return nil, nil, fmt.Errorf("price %q is not a number", priceRaw)
	}
	if price < 0 {
		return nil, nil, fmt.Errorf("price must not be negative, got %v", price)
	}

	var quantity int64
	if raw := get(4); raw != "" {
		quantity, err = strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return nil, nil, fmt.Errorf("quantity %q is not an integer", raw)
		}
		if quantity < 0 {
			return nil, nil, fmt.Errorf("quantity must not be negative, got %d", quantity)
		}
	}

	var imageURLs []string
	if raw := get(5); raw != "" {
		for _, u := range strings.Split(raw, "|") {
			u = strings.TrimSpace(u)
			if u != "" {
				imageURLs = append(imageURLs, u)
			}
		}
	}

	return &domain.CatalogProduct{
		SKU:         get(0),
		Name:        name,
		Description: get(2),
		Price:       price,
		Quantity:    quantity,
	}, imageURLs, nil
}

func rowIsEmpty(columns []string) bool {
	for _, c := range columns {
		if strings.TrimSpace(c) != "" {
			return false
		}
	}
	return true
}

func lastLogRow(req *domain.BulkRequest) int {
	if len(req.RowLogs) == 0 {
		return 0
	}
	return req.RowLogs[len(req.RowLogs)-1].RowNumber
}

func lastLogMessage(req *domain.BulkRequest) string {
	if len(req.RowLogs) == 0 {
		return "unknown row failure"
	}
	return req.RowLogs[len(req.RowLogs)-1].Message
}
