package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/tenantgrid/bulkproc/internal/bootstrap"
	"github.com/tenantgrid/bulkproc/internal/config"
	"github.com/tenantgrid/bulkproc/internal/core/domain"
	"github.com/tenantgrid/bulkproc/internal/observability/logging"
	"github.com/tenantgrid/bulkproc/internal/observability/metrics"
)

const serviceName = "bulkproc-worker"

func main() {
	cfg := config.Load()
	logger := logging.NewJSONLogger(serviceName, cfg.LogLevel)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	workerMetrics := metrics.NewWorkerMetrics(serviceName)
	app, err := bootstrap.New(ctx, cfg, workerMetrics.RowRecorder(serviceName), logger)
	if err != nil {
		log.Fatalf("bootstrap error: %v", err)
	}
	defer app.Close()

	metricsServer := &http.Server{
		Addr:    ":" + cfg.WorkerMetricsPort,
		Handler: metricsHandler(workerMetrics),
	}
	go func() {
		logger.Info("worker metrics listening", "port", cfg.WorkerMetricsPort)
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("metrics server error", "error", err)
		}
	}()

	scheduler := cron.New()
	staleAfter := time.Duration(cfg.StaleUploadMinutes) * time.Minute
	_, err = scheduler.AddFunc(cfg.CleanupSchedule, func() {
		sweepCtx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
		defer cancel()

		reaped, err := app.CleanupUC.CleanupExpired(sweepCtx, staleAfter)
		if err != nil {
			logger.Error("upload cleanup sweep failed", "error", err)
			return
		}
		workerMetrics.AddReapedUploads(serviceName, reaped)
		if reaped > 0 {
			logger.Info("upload cleanup sweep", "reaped", reaped)
		}
	})
	if err != nil {
		log.Fatalf("cleanup schedule error: %v", err)
	}
	scheduler.Start()
	defer scheduler.Stop()

	jobTimeout := time.Duration(cfg.JobTimeoutMinutes) * time.Minute
	logger.Info("worker subscribed", "subject", cfg.NATSJobsSubject)
	err = app.Queue.Subscribe(ctx, func(handlerCtx context.Context, job domain.QueueJob) error {
		start := time.Now()
		workerMetrics.StartJob()
		workerMetrics.ObserveQueueLag(serviceName, start.Sub(job.EnqueuedAt))

		processCtx, cancel := context.WithTimeout(handlerCtx, jobTimeout)
		defer cancel()

		processErr := app.ProcessUC.ProcessJob(processCtx, job)
		workerMetrics.FinishJob(serviceName, time.Since(start), processErr)
		return processErr
	})
	if err != nil {
		log.Fatalf("worker subscribe error: %v", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("metrics shutdown error", "error", err)
	}
}

func metricsHandler(m *metrics.WorkerMetrics) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	return mux
}
