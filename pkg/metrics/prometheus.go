// Package metrics provides Prometheus metrics for the vision service.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Inference stages used as the "stage" label on error counters.
const (
	StageUpload      = "upload"
	StageDecode      = "decode"
	StageForward     = "forward"
	StagePostprocess = "postprocess"
)

// Manager owns every metric exported by the service.
type Manager struct {
	namespace string
	subsystem string
	buckets   []float64
	registry  *prometheus.Registry

	httpRequests        *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec

	inferenceDuration prometheus.Histogram
	predictions       *prometheus.CounterVec
	inferenceErrors   *prometheus.CounterVec

	uploadsInFlight prometheus.Gauge
	uploadBytes     prometheus.Histogram
}

var defaultManager = NewManager() //nolint:gochecknoglobals // process-wide metrics

// NewManager creates a Manager on its own registry unless one is supplied.
func NewManager(opts ...Option) *Manager {
	m := &Manager{
		namespace: "vision",
		subsystem: "classifier",
		buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.registry == nil {
		m.registry = prometheus.NewRegistry()
		m.registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}
	m.init()
	return m
}

func (m *Manager) init() {
	auto := promauto.With(m.registry)

	m.httpRequests = auto.NewCounterVec(prometheus.CounterOpts{
		Namespace: m.namespace,
		Subsystem: "http",
		Name:      "requests_total",
		Help:      "HTTP requests by route, method and status code",
	}, []string{"route", "method", "status"})

	m.httpRequestDuration = auto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: m.namespace,
		Subsystem: "http",
		Name:      "request_duration_seconds",
		Help:      "HTTP request latency by route, method and status code",
		Buckets:   m.buckets,
	}, []string{"route", "method", "status"})

	m.inferenceDuration = auto.NewHistogram(prometheus.HistogramOpts{
		Namespace: m.namespace,
		Subsystem: m.subsystem,
		Name:      "inference_duration_seconds",
		Help:      "Time from decoded image to label, including the forward pass",
		Buckets:   m.buckets,
	})

	m.predictions = auto.NewCounterVec(prometheus.CounterOpts{
		Namespace: m.namespace,
		Subsystem: m.subsystem,
		Name:      "predictions_total",
		Help:      "Predictions served by label",
	}, []string{"label"})

	m.inferenceErrors = auto.NewCounterVec(prometheus.CounterOpts{
		Namespace: m.namespace,
		Subsystem: m.subsystem,
		Name:      "errors_total",
		Help:      "Failed classifications by pipeline stage",
	}, []string{"stage"})

	m.uploadsInFlight = auto.NewGauge(prometheus.GaugeOpts{
		Namespace: m.namespace,
		Subsystem: "upload",
		Name:      "temp_files_in_flight",
		Help:      "Upload temp files currently on disk",
	})

	m.uploadBytes = auto.NewHistogram(prometheus.HistogramOpts{
		Namespace: m.namespace,
		Subsystem: "upload",
		Name:      "size_bytes",
		Help:      "Size of uploaded images",
		Buckets:   prometheus.ExponentialBuckets(16<<10, 4, 8),
	})
}

// Registry returns the registry backing this manager.
func (m *Manager) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus exposition format.
func (m *Manager) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Manager) RecordHTTPRequest(route, method, status string, d time.Duration) {
	m.httpRequests.WithLabelValues(route, method, status).Inc()
	m.httpRequestDuration.WithLabelValues(route, method, status).Observe(d.Seconds())
}

func (m *Manager) RecordInference(label string, d time.Duration) {
	m.inferenceDuration.Observe(d.Seconds())
	m.predictions.WithLabelValues(label).Inc()
}

func (m *Manager) RecordInferenceError(stage string) {
	m.inferenceErrors.WithLabelValues(stage).Inc()
}

func (m *Manager) UploadStarted(size int64) {
	m.uploadsInFlight.Inc()
	if size >= 0 {
		m.uploadBytes.Observe(float64(size))
	}
}

func (m *Manager) UploadFinished() { m.uploadsInFlight.Dec() }

// Default returns the process-wide manager.
func Default() *Manager { return defaultManager }
