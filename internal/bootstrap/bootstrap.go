package bootstrap

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/tenantgrid/bulkproc/internal/config"
	"github.com/tenantgrid/bulkproc/internal/core/ports"
	"github.com/tenantgrid/bulkproc/internal/core/usecase"
	"github.com/tenantgrid/bulkproc/internal/infrastructure/media"
	natsnotify "github.com/tenantgrid/bulkproc/internal/infrastructure/notify/nats"
	natsqueue "github.com/tenantgrid/bulkproc/internal/infrastructure/queue/nats"
	"github.com/tenantgrid/bulkproc/internal/infrastructure/repository/postgres"
	"github.com/tenantgrid/bulkproc/internal/infrastructure/resilience"
	"github.com/tenantgrid/bulkproc/internal/infrastructure/spreadsheet/excel"
	redisstate "github.com/tenantgrid/bulkproc/internal/infrastructure/state/redis"
	miniostore "github.com/tenantgrid/bulkproc/internal/infrastructure/storage/minio"
)

type App struct {
	Config config.Config
	Logger *slog.Logger

	Queue     ports.JobQueue
	UploadUC  ports.UploadSessionManager
	CreateUC  ports.BulkRequestCreator
	CancelUC  ports.BulkRequestCanceller
	StatusUC  ports.BulkStatusReader
	ProcessUC ports.BulkJobProcessor
	CleanupUC ports.UploadJanitor

	closeFn func()
}

// New wires the full dependency graph shared by both binaries. rows carries
// the worker's row-outcome counters into the terminal event handler; the API
// binary passes nil because terminal events never fire in its process.
func New(ctx context.Context, cfg config.Config, rows ports.RowOutcomeRecorder, logger *slog.Logger) (*App, error) {
	db, err := postgres.OpenDB(cfg.PostgresDSN)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := postgres.EnsureSchema(ctx, db); err != nil {
		return nil, fmt.Errorf("ensure schema: %w", err)
	}
	requests := postgres.NewBulkRequestRepository(db)
	uploads := postgres.NewUploadRepository(db)
	products := postgres.NewProductRepository(db)

	redisClient, err := redisstate.NewClient(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	if err != nil {
		return nil, fmt.Errorf("init redis: %w", err)
	}
	registry := redisstate.NewJobRegistry(redisClient)
	flags := redisstate.NewCancellationFlags(redisClient)
	limiter := redisstate.NewLimiter(redisClient, cfg.MaxConcurrentUploadsPerUser)

	store, err := miniostore.New(ctx, miniostore.Config{
		Endpoint:        cfg.MinioEndpoint,
		AccessKeyID:     cfg.MinioAccessKey,
		SecretAccessKey: cfg.MinioSecretKey,
		UseSSL:          cfg.MinioUseSSL,
		Bucket:          cfg.MinioBucket,
	})
	if err != nil {
		return nil, fmt.Errorf("init object storage: %w", err)
	}

	executor := resilience.NewExecutor(resilience.DefaultConfig())
	queue, err := natsqueue.NewWithOptions(cfg.NATSURL, cfg.NATSJobsSubject, registry, flags, logger, natsqueue.Options{
		ResilienceExecutor: executor,
	})
	if err != nil {
		return nil, fmt.Errorf("init job queue: %w", err)
	}
	notifier := natsnotify.NewNotifier(queue.Conn(), cfg.NATSNotifySubject)

	events := usecase.NewTerminalEventHandler(notifier, limiter, store, cfg.MinioBucket, rows, logger)

	uploadUC := usecase.NewUploadManager(uploads, store, limiter, usecase.UploadConfig{
		Bucket:           cfg.MinioBucket,
		MaxSizeBytes:     cfg.MaxUploadSizeBytes,
		DefaultChunkSize: cfg.UploadPartSizeBytes,
		DefaultURLExpiry: time.Duration(cfg.PartURLExpirySeconds) * time.Second,
	}, logger)

	createUC := usecase.NewCreateBulkRequestUseCase(requests, uploads, queue)
	cancelUC := usecase.NewCancelBulkRequestUseCase(requests, queue, events, logger)
	statusUC := usecase.NewBulkStatusQuery(requests)
	cleanupUC := usecase.NewCleanupUploadsUseCase(uploads, store, limiter, logger)

	sheets := excel.NewReader()
	fetcher := media.NewFetcher(time.Duration(cfg.MediaTimeoutSeconds)*time.Second, 0)

	processUC := usecase.NewProcessJobUseCase(
		requests, uploads, store, sheets, products, fetcher,
		flags, registry, events,
		usecase.ProcessingOptions{
			StopOnFirstError:     cfg.StopOnFirstError,
			ContinueOnMediaError: cfg.ContinueOnMediaError,
			SkipEmptyRows:        cfg.SkipEmptyRows,
			TrimWhitespace:       cfg.TrimWhitespace,
			SkipHeader:           true,
			FlushEvery:           cfg.FlushEvery,
			MaxStoredRowLogs:     cfg.MaxStoredRowLogs,
			MaxMediaConcurrency:  cfg.MaxMediaConcurrency,
			MediaTimeout:         time.Duration(cfg.MediaTimeoutSeconds) * time.Second,
			MediaBucket:          cfg.MinioBucket,
		},
		logger,
	)

	return &App{
		Config: cfg,
		Logger: logger,

		Queue:     queue,
		UploadUC:  uploadUC,
		CreateUC:  createUC,
		CancelUC:  cancelUC,
		StatusUC:  statusUC,
		ProcessUC: processUC,
		CleanupUC: cleanupUC,

		closeFn: func() {
			queue.Close()
			_ = redisClient.Close()
			_ = db.Close()
		},
	}, nil
}

func (a *App) Close() {
	if a.closeFn != nil {
		a.closeFn()
	}
}
