// Package observability provides Prometheus metrics for the application.
package observability

import (
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "mediaq"

// Metrics holds all application metrics. A nil *Metrics records nothing.
type Metrics struct {
	// Job metrics
	JobsSubmitted   prometheus.Counter
	JobsFinished    *prometheus.CounterVec
	TransfersActive prometheus.Gauge
	GateWait        prometheus.Histogram
	JobDuration     prometheus.Histogram

	// Storage metrics
	StoredJobs prometheus.GaugeFunc

	// Downloader metrics
	DownloaderRequestsTotal *prometheus.CounterVec
	DownloaderErrors        *prometheus.CounterVec

	// HTTP metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	HTTPResponseSize    *prometheus.HistogramVec

	gatherer   prometheus.Gatherer
	storedJobs atomic.Pointer[func() int]
}

// New creates all application metrics and registers them with reg.
// A nil reg selects the default registry.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	gatherer := prometheus.DefaultGatherer
	if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}

	factory := promauto.With(reg)

	m := &Metrics{
		gatherer: gatherer,

		// Job metrics
		JobsSubmitted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "jobs",
			Name:      "submitted_total",
			Help:      "Total number of jobs submitted",
		}),
		JobsFinished: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "jobs",
			Name:      "finished_total",
			Help:      "Total number of jobs that reached a terminal status",
		}, []string{"status"}),
		TransfersActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "jobs",
			Name:      "transfers_active",
			Help:      "Number of transfers currently holding a slot",
		}),
		GateWait: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "jobs",
			Name:      "gate_wait_seconds",
			Help:      "Histogram of time jobs spent waiting for a transfer slot",
			Buckets:   []float64{0.01, 0.1, 1, 5, 30, 60, 300, 900},
		}),
		JobDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "jobs",
			Name:      "transfer_duration_seconds",
			Help:      "Histogram of transfer duration in seconds",
			Buckets:   []float64{1, 5, 10, 30, 60, 120, 300, 600, 1800},
		}),

		// Storage metrics

		// Downloader metrics
		DownloaderRequestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "downloader",
			Name:      "requests_total",
			Help:      "Total number of yt-dlp calls by kind and outcome",
		}, []string{"kind", "status"}),
		DownloaderErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "downloader",
			Name:      "errors_total",
			Help:      "Total number of yt-dlp errors by kind",
		}, []string{"kind"}),

		// HTTP metrics
		HTTPRequestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests",
		}, []string{"method", "path", "status"}),
		HTTPRequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Histogram of HTTP request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "path"}),
		HTTPResponseSize: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "response_size_bytes",
			Help:      "Histogram of HTTP response sizes in bytes",
			Buckets:   []float64{100, 1000, 10000, 100000, 1000000, 10000000},
		}, []string{"method", "path"}),
	}

	// Storage metrics
	m.StoredJobs = factory.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "storage",
		Name:      "jobs_current",
		Help:      "Current number of listed jobs",
	}, m.storedJobsCount)

	return m
}

// Handler serves the registry the metrics were created with.
func (m *Metrics) Handler() http.Handler {
	if m == nil || m.gatherer == nil {
		return promhttp.Handler()
	}

	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

// TransferTimer marks a transfer as active and returns a function that
// records its duration and releases the gauge.
func (m *Metrics) TransferTimer() func() {
	if m == nil {
		return func() {}
	}

	start := time.Now()

	m.TransfersActive.Inc()

	return func() {
		m.TransfersActive.Dec()
		m.JobDuration.Observe(time.Since(start).Seconds())
	}
}

// RecordGateWait records how long a job waited for its slot.
func (m *Metrics) RecordGateWait(wait time.Duration) {
	if m == nil {
		return
	}

	m.GateWait.Observe(wait.Seconds())
}

// RecordHTTPRequest records HTTP request metrics.
func (m *Metrics) RecordHTTPRequest(method, path string, status int, duration time.Duration, size int) {
	if m == nil {
		return
	}

	statusStr := strconv.Itoa(status)
	m.HTTPRequestsTotal.WithLabelValues(method, path, statusStr).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
	m.HTTPResponseSize.WithLabelValues(method, path).Observe(float64(size))
}

// RecordJobSubmitted increments the jobs submitted counter.
func (m *Metrics) RecordJobSubmitted() {
	if m == nil {
		return
	}

	m.JobsSubmitted.Inc()
}

// RecordJobFinished counts a job that reached the terminal status.
func (m *Metrics) RecordJobFinished(status string) {
	if m == nil {
		return
	}

	m.JobsFinished.WithLabelValues(status).Inc()
}

// RecordDownloaderRequest records a yt-dlp call of kind (lookup, expand, transfer).
func (m *Metrics) RecordDownloaderRequest(kind, status string) {
	if m == nil {
		return
	}

	m.DownloaderRequestsTotal.WithLabelValues(kind, status).Inc()
}

// RecordDownloaderError records a yt-dlp error of kind.
func (m *Metrics) RecordDownloaderError(kind string) {
	if m == nil {
		return
	}

	m.DownloaderErrors.WithLabelValues(kind).Inc()
}

// TrackStoredJobs sets the source of the listed jobs gauge. count is called
// on every scrape.
func (m *Metrics) TrackStoredJobs(count func() int) {
	if m == nil {
		return
	}

	m.storedJobs.Store(&count)
}

func (m *Metrics) storedJobsCount() float64 {
	count := m.storedJobs.Load()
	if count == nil {
		return 0
	}

	return float64((*count)())
}
