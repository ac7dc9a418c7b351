package metrics

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"vidqueue/internal/ledger"
	"vidqueue/internal/logging"
)

const scrapeTimeout = 5 * time.Second

// Counter reports job counts by status.
type Counter interface {
	Counts(ctx context.Context) (map[ledger.Status]int, error)
}

// DepthReader reports the number of ready queue messages.
type DepthReader interface {
	Depth(ctx context.Context) (int, error)
}

// API records request traffic for an API replica and samples the ledger and
// queue on every scrape.
type API struct {
	registry  *prometheus.Registry
	requests  *prometheus.CounterVec
	duration  *prometheus.HistogramVec
	ingestion *prometheus.CounterVec
}

// NewAPI registers the API series. counter and depth may be nil.
func NewAPI(counter Counter, depth DepthReader, queue string, logger *slog.Logger) *API {
	registry := prometheus.NewRegistry()
	m := &API{
		registry: registry,
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "api_requests_total",
			Help: "Total API requests",
		}, []string{"method", "endpoint", "status_code"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "api_request_duration_seconds",
			Help:    "API request duration in seconds",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0},
		}, []string{"method", "endpoint"}),
		ingestion: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "api_ingestion_rate_total",
			Help: "Total upload and job queuing operations",
		}, []string{"operation"}),
	}
	registry.MustRegister(
		m.requests,
		m.duration,
		m.ingestion,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		&ledgerCollector{
			counter: counter,
			depth:   depth,
			queue:   queue,
			logger:  logging.NewComponentLogger(logger, "metrics"),
			jobs: prometheus.NewDesc("api_active_jobs",
				"Number of jobs by status", []string{"status"}, nil),
			queueDepth: prometheus.NewDesc("queue_depth",
				"Current number of ready messages in the job queue", []string{"queue"}, nil),
		},
	)
	return m
}

// ObserveRequest records one served request. endpoint is the route pattern.
func (m *API) ObserveRequest(method, endpoint string, status int, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(method, endpoint, strconv.Itoa(status)).Inc()
	m.duration.WithLabelValues(method, endpoint).Observe(elapsed.Seconds())
}

// Ingested counts an ingestion step such as upload_url_generated.
func (m *API) Ingested(operation string) {
	if m == nil {
		return
	}
	m.ingestion.WithLabelValues(operation).Inc()
}

// Handler serves the registry in the Prometheus text format.
func (m *API) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ledgerCollector reads job counts and queue depth at scrape time so the
// gauges never go stale between requests.
type ledgerCollector struct {
	counter    Counter
	depth      DepthReader
	queue      string
	logger     *slog.Logger
	jobs       *prometheus.Desc
	queueDepth *prometheus.Desc
}

func (c *ledgerCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.jobs
	ch <- c.queueDepth
}

func (c *ledgerCollector) Collect(ch chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), scrapeTimeout)
	defer cancel()
	if c.counter != nil {
		counts, err := c.counter.Counts(ctx)
		if err != nil {
			c.logger.Warn("job counts unavailable for metrics", logging.Error(err))
		} else {
			for _, status := range ledger.AllStatuses() {
				ch <- prometheus.MustNewConstMetric(c.jobs, prometheus.GaugeValue, float64(counts[status]), string(status))
			}
		}
	}
	if c.depth != nil {
		depth, err := c.depth.Depth(ctx)
		if err != nil {
			c.logger.Warn("queue depth unavailable for metrics", logging.Error(err))
			return
		}
		ch <- prometheus.MustNewConstMetric(c.queueDepth, prometheus.GaugeValue, float64(depth), c.queue)
	}
}
