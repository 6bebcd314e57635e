package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type WorkerMetrics struct {
	registry *prometheus.Registry

	jobsTotal     *prometheus.CounterVec
	jobDuration   *prometheus.HistogramVec
	jobsInFlight  prometheus.Gauge
	queueLag      *prometheus.HistogramVec
	rowsProcessed *prometheus.CounterVec
	cleanupTotal  *prometheus.CounterVec
}

func NewWorkerMetrics(service string) *WorkerMetrics {
	registry := prometheus.NewRegistry()

	jobsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "bulkproc",
			Subsystem: "worker",
			Name:      "jobs_total",
			Help:      "Total processed bulk jobs by outcome.",
		},
		[]string{"service", "outcome"},
	)
	jobDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "bulkproc",
			Subsystem: "worker",
			Name:      "job_duration_seconds",
			Help:      "Bulk job processing duration in seconds by outcome.",
			Buckets:   []float64{0.5, 1, 5, 15, 30, 60, 120, 300, 600, 1800},
		},
		[]string{"service", "outcome"},
	)
	jobsInFlight := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "bulkproc",
			Subsystem: "worker",
			Name:      "jobs_in_flight",
			Help:      "Number of bulk jobs currently being processed.",
			ConstLabels: prometheus.Labels{
				"service": service,
			},
		},
	)
	queueLag := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "bulkproc",
			Subsystem: "worker",
			Name:      "queue_lag_seconds",
			Help:      "Delay between job enqueue and processing start.",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120, 300, 600},
		},
		[]string{"service"},
	)
	rowsProcessed := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "bulkproc",
			Subsystem: "worker",
			Name:      "rows_processed_total",
			Help:      "Total spreadsheet rows processed by outcome.",
		},
		[]string{"service", "outcome"},
	)
	cleanupTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "bulkproc",
			Subsystem: "worker",
			Name:      "stale_uploads_reaped_total",
			Help:      "Total stale upload sessions reaped by the cleanup sweep.",
		},
		[]string{"service"},
	)

	registry.MustRegister(jobsTotal, jobDuration, jobsInFlight, queueLag, rowsProcessed, cleanupTotal)

	return &WorkerMetrics{
		registry:      registry,
		jobsTotal:     jobsTotal,
		jobDuration:   jobDuration,
		jobsInFlight:  jobsInFlight,
		queueLag:      queueLag,
		rowsProcessed: rowsProcessed,
		cleanupTotal:  cleanupTotal,
	}
}

func (m *WorkerMetrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *WorkerMetrics) StartJob() {
	m.jobsInFlight.Inc()
}

func (m *WorkerMetrics) FinishJob(service string, duration time.Duration, err error) {
	m.jobsInFlight.Dec()

	outcome := "success"
	if err != nil {
		outcome = "error"
	}

	m.jobsTotal.WithLabelValues(service, outcome).Inc()
	m.jobDuration.WithLabelValues(service, outcome).Observe(duration.Seconds())
}

func (m *WorkerMetrics) ObserveQueueLag(service string, lag time.Duration) {
	if lag < 0 {
		return
	}
	m.queueLag.WithLabelValues(service).Observe(lag.Seconds())
}

func (m *WorkerMetrics) AddRows(service string, successful, failed int64) {
	if successful > 0 {
		m.rowsProcessed.WithLabelValues(service, "success").Add(float64(successful))
	}
	if failed > 0 {
		m.rowsProcessed.WithLabelValues(service, "failure").Add(float64(failed))
	}
}

// RowRecorder binds the service label so callers outside the metrics package
// can report row outcomes without carrying Prometheus label plumbing.
func (m *WorkerMetrics) RowRecorder(service string) *RowRecorder {
	return &RowRecorder{metrics: m, service: service}
}

type RowRecorder struct {
	metrics *WorkerMetrics
	service string
}

func (r *RowRecorder) AddRows(successful, failed int64) {
	r.metrics.AddRows(r.service, successful, failed)
}

func (m *WorkerMetrics) AddReapedUploads(service string, count int) {
	if count <= 0 {
		return
	}
	m.cleanupTotal.WithLabelValues(service).Add(float64(count))
}
