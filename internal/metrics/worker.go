package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var transferBuckets = []float64{0.5, 1, 2, 5, 10, 30, 60}

// Worker records consumer loop and transcode activity for one worker process.
type Worker struct {
	registry   *prometheus.Registry
	processed  *prometheus.CounterVec
	failures   *prometheus.CounterVec
	conversion prometheus.Histogram
	download   prometheus.Histogram
	upload     prometheus.Histogram
	active     prometheus.Gauge
}

// NewWorker registers the worker series.
func NewWorker() *Worker {
	registry := prometheus.NewRegistry()
	m := &Worker{
		registry: registry,
		processed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "worker_jobs_processed_total",
			Help: "Deliveries settled by the worker, by outcome",
		}, []string{"status"}),
		failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "worker_failure_rate_total",
			Help: "Failed attempts by failure type",
		}, []string{"failure_type"}),
		conversion: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "worker_conversion_time_seconds",
			Help:    "Time taken for video conversion",
			Buckets: []float64{1, 5, 10, 30, 60, 120, 300, 600, 1800, 3600},
		}),
		download: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "worker_download_time_seconds",
			Help:    "Time to download the input from the object store",
			Buckets: transferBuckets,
		}),
		upload: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "worker_upload_time_seconds",
			Help:    "Time to upload the output to the object store",
			Buckets: transferBuckets,
		}),
		active: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "worker_active_jobs",
			Help: "Jobs currently being transcoded",
		}),
	}
	registry.MustRegister(
		m.processed, m.failures, m.conversion, m.download, m.upload, m.active,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Settled counts a delivery by its outcome.
func (m *Worker) Settled(outcome string) {
	if m == nil {
		return
	}
	m.processed.WithLabelValues(outcome).Inc()
}

// Failed counts a failed attempt by error kind.
func (m *Worker) Failed(kind string) {
	if m == nil {
		return
	}
	if kind == "" {
		kind = "unknown"
	}
	m.failures.WithLabelValues(kind).Inc()
}

// Started marks a transcode as running and returns the matching done func.
func (m *Worker) Started() func() {
	if m == nil {
		return func() {}
	}
	m.active.Inc()
	return m.active.Dec
}

// Converted records a successful ffmpeg run.
func (m *Worker) Converted(elapsed time.Duration) {
	if m == nil {
		return
	}
	m.conversion.Observe(elapsed.Seconds())
}

// Downloaded records an input fetch.
func (m *Worker) Downloaded(elapsed time.Duration) {
	if m == nil {
		return
	}
	m.download.Observe(elapsed.Seconds())
}

// Uploaded records an output upload.
func (m *Worker) Uploaded(elapsed time.Duration) {
	if m == nil {
		return
	}
	m.upload.Observe(elapsed.Seconds())
}

// Handler serves the registry in the Prometheus text format.
func (m *Worker) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
