package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type HTTPServerMetrics struct {
	registry *prometheus.Registry

	requestTotal    *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	requestInFlight prometheus.Gauge

	uploadsInitiatedTotal *prometheus.CounterVec
	uploadsCompletedTotal *prometheus.CounterVec
	uploadBytes           *prometheus.HistogramVec
	bulkRequestsTotal     *prometheus.CounterVec
	bulkCancelsTotal      *prometheus.CounterVec
}

func NewHTTPServerMetrics(service string) *HTTPServerMetrics {
	registry := prometheus.NewRegistry()

	requestTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "bulkproc",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests processed.",
		},
		[]string{"service", "method", "path", "status"},
	)
	requestDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "bulkproc",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"service", "method", "path"},
	)
	requestInFlight := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "bulkproc",
			Subsystem: "http",
			Name:      "in_flight_requests",
			Help:      "Number of in-flight HTTP requests.",
			ConstLabels: prometheus.Labels{
				"service": service,
			},
		},
	)
	uploadsInitiatedTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "bulkproc",
			Subsystem: "uploads",
			Name:      "initiated_total",
			Help:      "Total multipart upload sessions initiated.",
		},
		[]string{"service"},
	)
	uploadsCompletedTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "bulkproc",
			Subsystem: "uploads",
			Name:      "completed_total",
			Help:      "Total multipart upload sessions completed.",
		},
		[]string{"service"},
	)
	uploadBytes := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "bulkproc",
			Subsystem: "uploads",
			Name:      "declared_bytes",
			Help:      "Distribution of declared upload sizes in bytes.",
			Buckets:   prometheus.ExponentialBuckets(64*1024, 4, 10),
		},
		[]string{"service"},
	)
	bulkRequestsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "bulkproc",
			Subsystem: "bulk",
			Name:      "requests_total",
			Help:      "Total bulk processing requests accepted by type.",
		},
		[]string{"service", "type"},
	)
	bulkCancelsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "bulkproc",
			Subsystem: "bulk",
			Name:      "cancels_total",
			Help:      "Total cancellation commands accepted by resulting phase.",
		},
		[]string{"service", "phase"},
	)

	registry.MustRegister(
		requestTotal,
		requestDuration,
		requestInFlight,
		uploadsInitiatedTotal,
		uploadsCompletedTotal,
		uploadBytes,
		bulkRequestsTotal,
		bulkCancelsTotal,
	)

	return &HTTPServerMetrics{
		registry:              registry,
		requestTotal:          requestTotal,
		requestDuration:       requestDuration,
		requestInFlight:       requestInFlight,
		uploadsInitiatedTotal: uploadsInitiatedTotal,
		uploadsCompletedTotal: uploadsCompletedTotal,
		uploadBytes:           uploadBytes,
		bulkRequestsTotal:     bulkRequestsTotal,
		bulkCancelsTotal:      bulkCancelsTotal,
	}
}

func (m *HTTPServerMetrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *HTTPServerMetrics) Middleware(service string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		path := normalizePath(r.URL.Path)
		recorder := &statusRecorder{
			ResponseWriter: w,
			statusCode:     http.StatusOK,
		}

		m.requestInFlight.Inc()
		defer m.requestInFlight.Dec()

		next.ServeHTTP(recorder, r)

		m.requestTotal.WithLabelValues(
			service,
			r.Method,
			path,
			strconv.Itoa(recorder.statusCode),
		).Inc()
		m.requestDuration.WithLabelValues(service, r.Method, path).Observe(time.Since(start).Seconds())
	})
}

// normalizePath collapses resource ids so path labels stay low-cardinality.
func normalizePath(path string) string {
	switch {
	case strings.HasPrefix(path, "/v1/uploads/"):
		rest := strings.TrimPrefix(path, "/v1/uploads/")
		if idx := strings.IndexByte(rest, '/'); idx >= 0 {
			return "/v1/uploads/{file_id}/" + rest[idx+1:]
		}
		return "/v1/uploads/{file_id}"
	case strings.HasPrefix(path, "/v1/bulk-requests/"):
		rest := strings.TrimPrefix(path, "/v1/bulk-requests/")
		if idx := strings.IndexByte(rest, '/'); idx >= 0 {
			return "/v1/bulk-requests/{request_id}/" + rest[idx+1:]
		}
		return "/v1/bulk-requests/{request_id}"
	default:
		return path
	}
}

func (m *HTTPServerMetrics) RecordUploadInitiated(service string, size int64) {
	m.uploadsInitiatedTotal.WithLabelValues(service).Inc()
	if size > 0 {
		m.uploadBytes.WithLabelValues(service).Observe(float64(size))
	}
}

func (m *HTTPServerMetrics) RecordUploadCompleted(service string) {
	m.uploadsCompletedTotal.WithLabelValues(service).Inc()
}

func (m *HTTPServerMetrics) RecordBulkRequest(service, requestType string) {
	if requestType == "" {
		requestType = "unknown"
	}
	m.bulkRequestsTotal.WithLabelValues(service, requestType).Inc()
}

func (m *HTTPServerMetrics) RecordBulkCancel(service, phase string) {
	if phase == "" {
		phase = "unknown"
	}
	m.bulkCancelsTotal.WithLabelValues(service, phase).Inc()
}

type statusRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (w *statusRecorder) WriteHeader(statusCode int) {
	w.statusCode = statusCode
	w.ResponseWriter.WriteHeader(statusCode)
}
