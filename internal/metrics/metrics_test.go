package metrics_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"vidqueue/internal/ledger"
	"vidqueue/internal/logging"
	"vidqueue/internal/metrics"
)

type staticCounts map[ledger.Status]int

func (s staticCounts) Counts(context.Context) (map[ledger.Status]int, error) {
	return s, nil
}

type depthFunc func(context.Context) (int, error)

func (f depthFunc) Depth(ctx context.Context) (int, error) {
	return f(ctx)
}

func scrape(t *testing.T, h http.Handler) string {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("scrape failed: %d", rec.Code)
	}
	return rec.Body.String()
}

func requireLines(t *testing.T, body string, wants ...string) {
	t.Helper()
	for _, want := range wants {
		if !strings.Contains(body, want+"\n") {
			t.Fatalf("expected %q in metrics:\n%s", want, body)
		}
	}
}

func TestAPIGaugesFollowLedgerAndQueue(t *testing.T) {
	depth := 3
	m := metrics.NewAPI(
		staticCounts{ledger.StatusPending: 2, ledger.StatusFailed: 1},
		depthFunc(func(context.Context) (int, error) { return depth, nil }),
		"video_jobs",
		logging.NewNop(),
	)
	m.ObserveRequest(http.MethodGet, "/jobs/:id", http.StatusNotFound, 20*time.Millisecond)
	m.Ingested("upload_confirmed")

	requireLines(t, scrape(t, m.Handler()),
		`api_active_jobs{status="pending"} 2`,
		`api_active_jobs{status="failed"} 1`,
		`api_active_jobs{status="completed"} 0`,
		`queue_depth{queue="video_jobs"} 3`,
		`api_requests_total{endpoint="/jobs/:id",method="GET",status_code="404"} 1`,
		`api_request_duration_seconds_bucket{endpoint="/jobs/:id",method="GET",le="0.05"} 1`,
		`api_ingestion_rate_total{operation="upload_confirmed"} 1`,
	)

	// Gauges are sampled per scrape.
	depth = 0
	requireLines(t, scrape(t, m.Handler()), `queue_depth{queue="video_jobs"} 0`)
}

func TestAPIDropsDepthWhenBrokerFails(t *testing.T) {
	m := metrics.NewAPI(staticCounts{}, depthFunc(func(context.Context) (int, error) {
		return 0, errors.New("connection refused")
	}), "video_jobs", logging.NewNop())
	body := scrape(t, m.Handler())
	if strings.Contains(body, "queue_depth{") {
		t.Fatalf("expected no queue depth sample:\n%s", body)
	}
	requireLines(t, body, `api_active_jobs{status="pending"} 0`)
}

func TestWorkerRecorders(t *testing.T) {
	m := metrics.NewWorker()
	m.Settled("requeued")
	m.Settled("requeued")
	m.Settled("failed")
	m.Failed("recoverable")
	m.Failed("")
	m.Converted(45 * time.Second)
	m.Downloaded(750 * time.Millisecond)
	m.Uploaded(3 * time.Second)
	done := m.Started()
	done()

	requireLines(t, scrape(t, m.Handler()),
		`worker_jobs_processed_total{status="requeued"} 2`,
		`worker_jobs_processed_total{status="failed"} 1`,
		`worker_failure_rate_total{failure_type="recoverable"} 1`,
		`worker_failure_rate_total{failure_type="unknown"} 1`,
		`worker_conversion_time_seconds_bucket{le="30"} 0`,
		`worker_conversion_time_seconds_bucket{le="60"} 1`,
		`worker_download_time_seconds_bucket{le="1"} 1`,
		`worker_upload_time_seconds_bucket{le="2"} 0`,
		`worker_upload_time_seconds_count 1`,
		"worker_active_jobs 0",
	)
}

func TestNilRecordersAreNoops(t *testing.T) {
	var api *metrics.API
	api.ObserveRequest(http.MethodGet, "/health", http.StatusOK, time.Millisecond)
	api.Ingested("job_created")

	var w *metrics.Worker
	w.Settled("completed")
	w.Failed("terminal")
	w.Converted(time.Second)
	w.Downloaded(time.Second)
	w.Uploaded(time.Second)
	w.Started()()
}
