// Package metrics exposes Prometheus instrumentation for the gateway. All
// collectors are registered on a private registry so tests can construct
// isolated instances.
package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	registry *prometheus.Registry

	requestTotal    *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	requestInFlight prometheus.Gauge

	jobsSubmittedTotal prometheus.Counter
	jobStatusTotal     *prometheus.CounterVec
	batchFormsTotal    *prometheus.CounterVec
	batchDuration      prometheus.Histogram
}

func New(service string) *Metrics {
	registry := prometheus.NewRegistry()

	requestTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "formflow",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests processed.",
		},
		[]string{"service", "method", "path", "status"},
	)
	requestDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "formflow",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"service", "method", "path"},
	)
	requestInFlight := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "formflow",
			Subsystem: "http",
			Name:      "in_flight_requests",
			Help:      "Number of in-flight HTTP requests.",
			ConstLabels: prometheus.Labels{
				"service": service,
			},
		},
	)
	jobsSubmittedTotal := prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "formflow",
			Subsystem: "jobs",
			Name:      "submitted_total",
			Help:      "Total extraction jobs submitted to the backend.",
			ConstLabels: prometheus.Labels{
				"service": service,
			},
		},
	)
	jobStatusTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "formflow",
			Subsystem: "jobs",
			Name:      "status_total",
			Help:      "Total job status reads by reported status.",
		},
		[]string{"service", "status"},
	)
	batchFormsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "formflow",
			Subsystem: "tracker",
			Name:      "forms_total",
			Help:      "Total forms processed in tracker batches by outcome.",
		},
		[]string{"service", "outcome"},
	)
	batchDuration := prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "formflow",
			Subsystem: "tracker",
			Name:      "batch_duration_seconds",
			Help:      "Tracker batch duration in seconds.",
			Buckets:   []float64{0.5, 1, 2, 5, 10, 30, 60, 120, 300},
			ConstLabels: prometheus.Labels{
				"service": service,
			},
		},
	)

	registry.MustRegister(
		requestTotal,
		requestDuration,
		requestInFlight,
		jobsSubmittedTotal,
		jobStatusTotal,
		batchFormsTotal,
		batchDuration,
	)

	return &Metrics{
		registry:           registry,
		requestTotal:       requestTotal,
		requestDuration:    requestDuration,
		requestInFlight:    requestInFlight,
		jobsSubmittedTotal: jobsSubmittedTotal,
		jobStatusTotal:     jobStatusTotal,
		batchFormsTotal:    batchFormsTotal,
		batchDuration:      batchDuration,
	}
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Middleware records request count, duration, and in-flight gauge for every
// request passing through it.
func (m *Metrics) Middleware(service string, next http.Handler) http.Handler {
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

// normalizePath collapses path parameters so metric cardinality stays bounded.
func normalizePath(path string) string {
	switch {
	case strings.HasPrefix(path, "/api/v1/jobs/"):
		rest := strings.TrimPrefix(path, "/api/v1/jobs/")
		if strings.HasSuffix(rest, "/results") {
			return "/api/v1/jobs/{job_id}/results"
		}
		if strings.HasSuffix(rest, "/files") {
			return "/api/v1/jobs/{job_id}/files"
		}
		return "/api/v1/jobs/{job_id}"
	case strings.HasPrefix(path, "/api/v1/history/"):
		rest := strings.TrimPrefix(path, "/api/v1/history/")
		if strings.Contains(rest, "/") {
			return "/api/v1/history/{user_id}/{job_id}"
		}
		return "/api/v1/history/{user_id}"
	default:
		return path
	}
}

func (m *Metrics) RecordJobSubmitted() {
	m.jobsSubmittedTotal.Inc()
}

func (m *Metrics) RecordJobStatus(service, status string) {
	if status == "" {
		status = "unknown"
	}
	m.jobStatusTotal.WithLabelValues(service, status).Inc()
}

// RecordBatch records the outcome counts and duration of one tracker batch.
func (m *Metrics) RecordBatch(service string, succeeded, failed, skipped int, duration time.Duration) {
	m.batchFormsTotal.WithLabelValues(service, "succeeded").Add(float64(succeeded))
	m.batchFormsTotal.WithLabelValues(service, "failed").Add(float64(failed))
	m.batchFormsTotal.WithLabelValues(service, "skipped").Add(float64(skipped))
	m.batchDuration.Observe(duration.Seconds())
}

type statusRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (w *statusRecorder) WriteHeader(statusCode int) {
	w.statusCode = statusCode
	w.ResponseWriter.WriteHeader(statusCode)
}

func (w *statusRecorder) Flush() {
	if flusher, ok := w.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}
