package worker_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"vidqueue/internal/broker"
	"vidqueue/internal/config"
	"vidqueue/internal/ledger"
	"vidqueue/internal/logging"
	"vidqueue/internal/metrics"
	"vidqueue/internal/services"
	"vidqueue/internal/testsupport"
	"vidqueue/internal/transcode"
	"vidqueue/internal/worker"
)

type settleRecord struct {
	mu      sync.Mutex
	acks    int
	nacks   int
	requeue bool
}

func (r *settleRecord) delivery(t *testing.T, body []byte) *broker.Delivery {
	t.Helper()
	return broker.NewDelivery(body, false,
		func() error {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.acks++
			return nil
		},
		func(requeue bool) error {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.nacks++
			r.requeue = requeue
			return nil
		},
	)
}

func messageFor(t *testing.T, job *ledger.Job) []byte {
	t.Helper()
	body, err := broker.NewMessage(job.ID, job.InputLocation, job.RequestedFormat, job.CreatedAt).Encode()
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	return body
}

// scriptedTranscoder returns errs[i] on call i; past the script it succeeds.
type scriptedTranscoder struct {
	mu     sync.Mutex
	errs   []error
	calls  int
	delay  time.Duration
	before func(ctx context.Context, req transcode.Request)
}

func (s *scriptedTranscoder) Convert(ctx context.Context, req transcode.Request) (transcode.Result, error) {
	s.mu.Lock()
	call := s.calls
	s.calls++
	s.mu.Unlock()
	if s.before != nil {
		s.before(ctx, req)
	}
	if s.delay > 0 {
		select {
		case <-time.After(s.delay):
		case <-ctx.Done():
			return transcode.Result{}, services.Wrap(services.ErrRecoverable, "transcode", "ffmpeg", "interrupted by shutdown", ctx.Err())
		}
	}
	if call < len(s.errs) && s.errs[call] != nil {
		return transcode.Result{}, s.errs[call]
	}
	profile, _ := transcode.LookupProfile(req.Format)
	return transcode.Result{OutputLocation: transcode.OutputKey(req.JobID, profile), OutputSize: 42, Elapsed: 1500 * time.Millisecond}, nil
}

func (s *scriptedTranscoder) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func recoverable() error {
	return services.Wrap(services.ErrRecoverable, "transcode", "ffmpeg", "timed out after 1h0m0s", context.DeadlineExceeded)
}

func terminal() error {
	return services.Wrap(services.ErrTerminal, "transcode", "ffmpeg", "exit status 1: Invalid data found when processing input", nil)
}

// unsupportedCodec is how the invoker reports a clean ffmpeg failure that is
// not malformed input.
func unsupportedCodec() error {
	return services.Wrap(services.ErrRecoverable, "transcode", "ffmpeg", "exit status 1: Unknown encoder 'libfoo' (unsupported codec)", nil)
}

func newLoop(t *testing.T, store worker.Ledger, tr worker.Transcoder, opts ...worker.Option) *worker.Loop {
	t.Helper()
	cfg := testsupport.NewConfig(t, testsupport.WithMaxAttempts(3))
	opts = append([]worker.Option{worker.WithHeartbeatInterval(0)}, opts...)
	return worker.New(cfg, nil, store, tr, logging.NewNop(), opts...)
}

func mustGet(t *testing.T, store *ledger.Store, id string) *ledger.Job {
	t.Helper()
	job, err := store.Get(context.Background(), id)
	if err != nil || job == nil {
		t.Fatalf("Get(%s) = %v, %v", id, job, err)
	}
	return job
}

func assertOutputInvariant(t *testing.T, store *ledger.Store) {
	t.Helper()
	jobs, err := store.List(context.Background(), ledger.Filter{Limit: 1000})
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	for _, job := range jobs {
		if (job.OutputLocation != "") != (job.Status == ledger.StatusCompleted) {
			t.Fatalf("output visibility broken for %s: status=%s output=%q", job.ID, job.Status, job.OutputLocation)
		}
	}
}

func TestHandleCompletesJob(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenLedger(t, cfg)
	job := testsupport.NewPendingJob(t, store, "mp4")
	tr := &scriptedTranscoder{}
	loop := newLoop(t, store, tr)

	rec := &settleRecord{}
	if got := loop.Handle(context.Background(), rec.delivery(t, messageFor(t, job))); got != worker.OutcomeCompleted {
		t.Fatalf("expected completed, got %s", got)
	}
	stored := mustGet(t, store, job.ID)
	if stored.Status != ledger.StatusCompleted || stored.AttemptCount != 1 {
		t.Fatalf("unexpected job state %s attempt=%d", stored.Status, stored.AttemptCount)
	}
	if stored.OutputLocation != "converted/"+job.ID+".mp4" || stored.ConversionMS != 1500 {
		t.Fatalf("unexpected output %q conversion_ms=%d", stored.OutputLocation, stored.ConversionMS)
	}
	if stored.StartedAt == nil || stored.CompletedAt == nil || stored.ErrorDetail != "" {
		t.Fatalf("expected timestamps and no error detail: %+v", stored)
	}
	if rec.acks != 1 || rec.nacks != 0 {
		t.Fatalf("expected a single ack, got acks=%d nacks=%d", rec.acks, rec.nacks)
	}
	assertOutputInvariant(t, store)
}

func TestHandleRetriesAfterTimeout(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenLedger(t, cfg)
	job := testsupport.NewPendingJob(t, store, "mp4")
	tr := &scriptedTranscoder{errs: []error{recoverable()}}
	loop := newLoop(t, store, tr)
	body := messageFor(t, job)

	first := &settleRecord{}
	if got := loop.Handle(context.Background(), first.delivery(t, body)); got != worker.OutcomeRequeued {
		t.Fatalf("expected requeued, got %s", got)
	}
	stored := mustGet(t, store, job.ID)
	if stored.Status != ledger.StatusPending || stored.AttemptCount != 1 || stored.ErrorDetail != "" {
		t.Fatalf("unexpected state after timeout: %s attempt=%d detail=%q", stored.Status, stored.AttemptCount, stored.ErrorDetail)
	}
	if first.nacks != 1 || !first.requeue || first.acks != 0 {
		t.Fatalf("expected nack with requeue, got %+v", first)
	}
	assertOutputInvariant(t, store)

	second := &settleRecord{}
	if got := loop.Handle(context.Background(), second.delivery(t, body)); got != worker.OutcomeCompleted {
		t.Fatalf("expected completed on redelivery, got %s", got)
	}
	stored = mustGet(t, store, job.ID)
	if stored.Status != ledger.StatusCompleted || stored.AttemptCount != 2 {
		t.Fatalf("unexpected final state %s attempt=%d", stored.Status, stored.AttemptCount)
	}
	assertOutputInvariant(t, store)
}

func TestAlwaysFailingJobFailsAfterMaxAttempts(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenLedger(t, cfg)
	job := testsupport.NewPendingJob(t, store, "webm")
	tr := &scriptedTranscoder{errs: []error{recoverable(), recoverable(), recoverable(), recoverable()}}
	loop := newLoop(t, store, tr)
	body := messageFor(t, job)

	want := []worker.Outcome{worker.OutcomeRequeued, worker.OutcomeRequeued, worker.OutcomeFailed, worker.OutcomePoison}
	for i, expected := range want {
		rec := &settleRecord{}
		if got := loop.Handle(context.Background(), rec.delivery(t, body)); got != expected {
			t.Fatalf("delivery %d: expected %s, got %s", i+1, expected, got)
		}
		if expected == worker.OutcomeFailed && (rec.acks != 1 || rec.nacks != 0) {
			t.Fatalf("final failure must be acked, got %+v", rec)
		}
	}
	stored := mustGet(t, store, job.ID)
	if stored.Status != ledger.StatusFailed || stored.AttemptCount != 3 {
		t.Fatalf("expected failed at attempt 3, got %s attempt=%d", stored.Status, stored.AttemptCount)
	}
	if !strings.Contains(stored.ErrorDetail, "timed out") || !strings.Contains(stored.ErrorDetail, "gave up after 3 attempts") {
		t.Fatalf("unexpected error detail %q", stored.ErrorDetail)
	}
	if tr.Calls() != 3 {
		t.Fatalf("expected exactly 3 transcodes, got %d", tr.Calls())
	}
	assertOutputInvariant(t, store)
}

func TestTerminalFailureIsNotRetried(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenLedger(t, cfg)
	job := testsupport.NewPendingJob(t, store, "mp4")
	tr := &scriptedTranscoder{errs: []error{terminal(), terminal(), terminal()}}
	loop := newLoop(t, store, tr)
	body := messageFor(t, job)

	rec := &settleRecord{}
	if got := loop.Handle(context.Background(), rec.delivery(t, body)); got != worker.OutcomeFailed {
		t.Fatalf("expected failed, got %s", got)
	}
	if rec.acks != 1 || rec.nacks != 0 {
		t.Fatalf("terminal failure must be acked, got %+v", rec)
	}
	stored := mustGet(t, store, job.ID)
	if stored.Status != ledger.StatusFailed || stored.AttemptCount != 1 {
		t.Fatalf("unexpected state %s attempt=%d", stored.Status, stored.AttemptCount)
	}
	if !strings.Contains(stored.ErrorDetail, "Invalid data found") || strings.HasPrefix(stored.ErrorDetail, "terminal job failure") {
		t.Fatalf("unexpected error detail %q", stored.ErrorDetail)
	}

	// A stray redelivery does not run the transcode again.
	again := &settleRecord{}
	if got := loop.Handle(context.Background(), again.delivery(t, body)); got != worker.OutcomeDuplicate {
		t.Fatalf("expected duplicate, got %s", got)
	}
	if tr.Calls() != 1 {
		t.Fatalf("expected one transcode, got %d", tr.Calls())
	}
}

func TestUnsupportedCodecFailsOnThirdAttempt(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenLedger(t, cfg)
	job := testsupport.NewPendingJob(t, store, "mp4")
	tr := &scriptedTranscoder{errs: []error{unsupportedCodec(), unsupportedCodec(), unsupportedCodec()}}
	recorder := metrics.NewWorker()
	loop := newLoop(t, store, tr, worker.WithMetrics(recorder))
	body := messageFor(t, job)

	want := []worker.Outcome{worker.OutcomeRequeued, worker.OutcomeRequeued, worker.OutcomeFailed}
	for i, expected := range want {
		rec := &settleRecord{}
		if got := loop.Handle(context.Background(), rec.delivery(t, body)); got != expected {
			t.Fatalf("attempt %d: expected %s, got %s", i+1, expected, got)
		}
		if expected == worker.OutcomeRequeued && (rec.nacks != 1 || !rec.requeue) {
			t.Fatalf("attempt %d must be nacked for redelivery, got %+v", i+1, rec)
		}
		if expected == worker.OutcomeFailed && (rec.acks != 1 || rec.nacks != 0) {
			t.Fatalf("final attempt must be acked, got %+v", rec)
		}
	}
	stored := mustGet(t, store, job.ID)
	if stored.Status != ledger.StatusFailed || stored.AttemptCount != 3 {
		t.Fatalf("expected failed at attempt 3, got %s attempt=%d", stored.Status, stored.AttemptCount)
	}
	if !strings.Contains(stored.ErrorDetail, "unsupported codec") {
		t.Fatalf("unexpected error detail %q", stored.ErrorDetail)
	}
	if tr.Calls() != 3 {
		t.Fatalf("expected 3 transcodes, got %d", tr.Calls())
	}
	assertOutputInvariant(t, store)

	rec := httptest.NewRecorder()
	recorder.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	for _, want := range []string{
		`worker_jobs_processed_total{status="requeued"} 2`,
		`worker_jobs_processed_total{status="failed"} 1`,
		`worker_failure_rate_total{failure_type="recoverable"} 3`,
		"worker_active_jobs 0",
	} {
		if !strings.Contains(rec.Body.String(), want+"\n") {
			t.Fatalf("expected %q in metrics:\n%s", want, rec.Body)
		}
	}
}

func TestDuplicateDeliveryOfCompletedJob(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenLedger(t, cfg)
	job := testsupport.NewPendingJob(t, store, "gif")
	tr := &scriptedTranscoder{}
	loop := newLoop(t, store, tr)
	body := messageFor(t, job)

	if got := loop.Handle(context.Background(), (&settleRecord{}).delivery(t, body)); got != worker.OutcomeCompleted {
		t.Fatalf("expected completed, got %s", got)
	}
	before := mustGet(t, store, job.ID)

	rec := &settleRecord{}
	if got := loop.Handle(context.Background(), rec.delivery(t, body)); got != worker.OutcomeDuplicate {
		t.Fatalf("expected duplicate, got %s", got)
	}
	after := mustGet(t, store, job.ID)
	if !after.UpdatedAt.Equal(before.UpdatedAt) || after.AttemptCount != 1 || after.OutputLocation != before.OutputLocation {
		t.Fatalf("duplicate delivery changed the job: before=%+v after=%+v", before, after)
	}
	if tr.Calls() != 1 || rec.acks != 1 {
		t.Fatalf("expected no second transcode and an ack, calls=%d rec=%+v", tr.Calls(), rec)
	}
}

func TestConcurrentDeliveriesClaimOnce(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenLedger(t, cfg)
	job := testsupport.NewPendingJob(t, store, "mp4")
	tr := &scriptedTranscoder{delay: 100 * time.Millisecond}
	body := messageFor(t, job)

	// Both deliveries read the job before either claims it.
	gate := &barrierLedger{Store: store}
	gate.arrived.Add(2)
	loops := []*worker.Loop{newLoop(t, gate, tr), newLoop(t, gate, tr)}
	outcomes := make([]worker.Outcome, len(loops))
	var wg sync.WaitGroup
	for i, loop := range loops {
		wg.Add(1)
		go func(i int, loop *worker.Loop) {
			defer wg.Done()
			outcomes[i] = loop.Handle(context.Background(), (&settleRecord{}).delivery(t, body))
		}(i, loop)
	}
	wg.Wait()

	completed, duplicate := 0, 0
	for _, outcome := range outcomes {
		switch outcome {
		case worker.OutcomeCompleted:
			completed++
		case worker.OutcomeDuplicate:
			duplicate++
		}
	}
	if completed != 1 || duplicate != 1 {
		t.Fatalf("expected one winner and one duplicate, got %v", outcomes)
	}
	if tr.Calls() != 1 {
		t.Fatalf("expected a single transcode, got %d", tr.Calls())
	}
	if stored := mustGet(t, store, job.ID); stored.AttemptCount != 1 {
		t.Fatalf("expected attempt 1, got %d", stored.AttemptCount)
	}
}

type barrierLedger struct {
	*ledger.Store
	arrived sync.WaitGroup
}

func (b *barrierLedger) Get(ctx context.Context, id string) (*ledger.Job, error) {
	job, err := b.Store.Get(ctx, id)
	b.arrived.Done()
	b.arrived.Wait()
	return job, err
}

func TestRedeliveryAfterCrashRetries(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenLedger(t, cfg)
	ctx := context.Background()
	job := testsupport.NewPendingJob(t, store, "mkv")

	// A worker claimed the job and died before recording anything.
	claim(t, store, job.ID, ledger.StatusPending, 0)

	tr := &scriptedTranscoder{}
	loop := newLoop(t, store, tr)
	rec := &settleRecord{}
	if got := loop.Handle(ctx, rec.delivery(t, messageFor(t, job))); got != worker.OutcomeCompleted {
		t.Fatalf("expected completed, got %s", got)
	}
	if stored := mustGet(t, store, job.ID); stored.Status != ledger.StatusCompleted || stored.AttemptCount != 2 {
		t.Fatalf("expected completed at attempt 2, got %s attempt=%d", stored.Status, stored.AttemptCount)
	}
}

func TestCrashOnFinalAttemptFailsJob(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenLedger(t, cfg)
	job := testsupport.NewPendingJob(t, store, "mp4")
	claim(t, store, job.ID, ledger.StatusPending, 0)
	claim(t, store, job.ID, ledger.StatusProcessing, 1)
	claim(t, store, job.ID, ledger.StatusProcessing, 2)

	tr := &scriptedTranscoder{}
	loop := newLoop(t, store, tr)
	rec := &settleRecord{}
	if got := loop.Handle(context.Background(), rec.delivery(t, messageFor(t, job))); got != worker.OutcomeFailed {
		t.Fatalf("expected failed, got %s", got)
	}
	stored := mustGet(t, store, job.ID)
	if stored.Status != ledger.StatusFailed || stored.AttemptCount != 3 || !strings.Contains(stored.ErrorDetail, "retry budget exhausted") {
		t.Fatalf("unexpected state %+v", stored)
	}
	if tr.Calls() != 0 || rec.acks != 1 {
		t.Fatalf("expected ack without transcode, calls=%d rec=%+v", tr.Calls(), rec)
	}
}

func TestSupersededAttemptDiscardsResult(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenLedger(t, cfg)
	job := testsupport.NewPendingJob(t, store, "mp4")

	tr := &scriptedTranscoder{before: func(context.Context, transcode.Request) {
		// Another worker reclaims the job while this attempt is running.
		claim(t, store, job.ID, ledger.StatusProcessing, 1)
	}}
	loop := newLoop(t, store, tr)
	rec := &settleRecord{}
	if got := loop.Handle(context.Background(), rec.delivery(t, messageFor(t, job))); got != worker.OutcomeDuplicate {
		t.Fatalf("expected duplicate, got %s", got)
	}
	stored := mustGet(t, store, job.ID)
	if stored.Status != ledger.StatusProcessing || stored.AttemptCount != 2 || stored.OutputLocation != "" {
		t.Fatalf("superseded attempt overwrote the job: %+v", stored)
	}
	if rec.acks != 1 {
		t.Fatalf("expected ack, got %+v", rec)
	}
}

func TestShutdownDuringTranscodeLeavesJobProcessing(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenLedger(t, cfg)
	job := testsupport.NewPendingJob(t, store, "mp4")

	ctx, cancel := context.WithCancel(context.Background())
	tr := &scriptedTranscoder{delay: 10 * time.Second, before: func(context.Context, transcode.Request) { cancel() }}
	loop := newLoop(t, store, tr)
	rec := &settleRecord{}
	if got := loop.Handle(ctx, rec.delivery(t, messageFor(t, job))); got != worker.OutcomeDeferred {
		t.Fatalf("expected deferred, got %s", got)
	}
	stored := mustGet(t, store, job.ID)
	if stored.Status != ledger.StatusProcessing || stored.AttemptCount != 1 {
		t.Fatalf("expected processing at attempt 1, got %s attempt=%d", stored.Status, stored.AttemptCount)
	}
	if rec.nacks != 1 || !rec.requeue {
		t.Fatalf("expected nack with requeue, got %+v", rec)
	}
}

func TestPoisonMessages(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenLedger(t, cfg)
	loop := newLoop(t, store, &scriptedTranscoder{})

	bodies := map[string][]byte{
		"garbage":     []byte("not json"),
		"old schema":  []byte(`{"job_id":"x","input_path":"uploads/x.mp4","output_format":"mp4"}`),
		"unknown job": messageFor(t, &ledger.Job{ID: "no-such-job", InputLocation: "uploads/x.mp4", RequestedFormat: "mp4"}),
	}
	for name, body := range bodies {
		t.Run(name, func(t *testing.T) {
			rec := &settleRecord{}
			if got := loop.Handle(context.Background(), rec.delivery(t, body)); got != worker.OutcomePoison {
				t.Fatalf("expected poison, got %s", got)
			}
			if rec.acks != 1 || rec.nacks != 0 {
				t.Fatalf("poison must be acked, got %+v", rec)
			}
		})
	}
}

type flakyLedger struct {
	*ledger.Store
	getErr     error
	heartbeats atomic.Int32
}

func (f *flakyLedger) Get(ctx context.Context, id string) (*ledger.Job, error) {
	if f.getErr != nil {
		return nil, f.getErr
	}
	return f.Store.Get(ctx, id)
}

func (f *flakyLedger) Heartbeat(ctx context.Context, id string, attempt int) (bool, error) {
	f.heartbeats.Add(1)
	return f.Store.Heartbeat(ctx, id, attempt)
}

func TestLedgerErrorDefersDelivery(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenLedger(t, cfg)
	job := testsupport.NewPendingJob(t, store, "mp4")
	tr := &scriptedTranscoder{}
	loop := newLoop(t, &flakyLedger{Store: store, getErr: errors.New("database is locked")}, tr)

	rec := &settleRecord{}
	if got := loop.Handle(context.Background(), rec.delivery(t, messageFor(t, job))); got != worker.OutcomeDeferred {
		t.Fatalf("expected deferred, got %s", got)
	}
	if rec.nacks != 1 || !rec.requeue || tr.Calls() != 0 {
		t.Fatalf("expected requeue without transcode, rec=%+v calls=%d", rec, tr.Calls())
	}
	if stored := mustGet(t, store, job.ID); stored.Status != ledger.StatusPending || stored.AttemptCount != 0 {
		t.Fatalf("ledger error must not change the job: %+v", stored)
	}
}

func TestHeartbeatRunsDuringTranscode(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenLedger(t, cfg)
	job := testsupport.NewPendingJob(t, store, "mp4")
	flaky := &flakyLedger{Store: store}
	loop := newLoop(t, flaky, &scriptedTranscoder{delay: 120 * time.Millisecond},
		worker.WithHeartbeatInterval(20*time.Millisecond))

	if got := loop.Handle(context.Background(), (&settleRecord{}).delivery(t, messageFor(t, job))); got != worker.OutcomeCompleted {
		t.Fatalf("expected completed, got %s", got)
	}
	if flaky.heartbeats.Load() == 0 {
		t.Fatal("expected heartbeats while the transcode ran")
	}
	if stored := mustGet(t, store, job.ID); stored.LastHeartbeat != nil {
		t.Fatal("expected heartbeat cleared on completion")
	}
}

type chanConsumer struct {
	ch chan *broker.Delivery
}

func (c chanConsumer) Deliveries(context.Context) (<-chan *broker.Delivery, error) {
	return c.ch, nil
}

func TestRunHandlesDeliveriesUntilClosed(t *testing.T) {
	cfg := testsupport.NewConfig(t, testsupport.WithMaxAttempts(3))
	store := testsupport.MustOpenLedger(t, cfg)
	first := testsupport.NewPendingJob(t, store, "mp4")
	second := testsupport.NewPendingJob(t, store, "mp3")

	ch := make(chan *broker.Delivery, 2)
	rec := &settleRecord{}
	ch <- rec.delivery(t, messageFor(t, first))
	ch <- rec.delivery(t, messageFor(t, second))
	close(ch)

	loop := worker.New(cfg, chanConsumer{ch: ch}, store, &scriptedTranscoder{}, logging.NewNop(), worker.WithHeartbeatInterval(0))
	if err := loop.Run(context.Background()); !errors.Is(err, worker.ErrDeliveriesClosed) {
		t.Fatalf("expected ErrDeliveriesClosed, got %v", err)
	}
	if rec.acks != 2 {
		t.Fatalf("expected both deliveries acked, got %d", rec.acks)
	}
	for _, id := range []string{first.ID, second.ID} {
		if stored := mustGet(t, store, id); stored.Status != ledger.StatusCompleted {
			t.Fatalf("job %s not completed: %s", id, stored.Status)
		}
	}
}

func claim(t *testing.T, store *ledger.Store, id string, from ledger.Status, attempt int) {
	t.Helper()
	ok, err := store.ConditionalUpdate(context.Background(), id,
		ledger.Expect{Statuses: []ledger.Status{from}, Attempt: ledger.AtAttempt(attempt)},
		ledger.Update{Status: ledger.StatusProcessing, IncrementAttempt: true})
	if err != nil || !ok {
		t.Fatalf("claim %s from %s@%d = %v, %v", id, from, attempt, ok, err)
	}
}

func TestCrashedWorkerJobFinishesOnAnotherWorker(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := testsupport.NewConfig(t, testsupport.WithMaxAttempts(3))
	store := testsupport.MustOpenLedger(t, cfg)
	job := testsupport.NewPendingJob(t, store, "mp4")

	newBroker := func(id string) (*broker.RedisBroker, *redis.Client) {
		client := broker.NewRedisClient(config.Redis{Addr: mr.Addr()})
		t.Cleanup(func() { _ = client.Close() })
		return broker.NewRedisBroker(client, "video-jobs", id, logging.NewNop(),
			broker.WithBlockTimeout(100*time.Millisecond), broker.WithLeaseTTL(3*time.Second)), client
	}

	first, firstClient := newBroker("worker-a")
	if err := first.Publish(context.Background(), broker.NewMessage(job.ID, job.InputLocation, job.RequestedFormat, job.CreatedAt)); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	// Worker A claims the job and dies mid-transcode. Its redis connection
	// goes with it, so the delivery is never settled.
	started := make(chan struct{})
	hung := &scriptedTranscoder{before: func(ctx context.Context, _ transcode.Request) {
		close(started)
		<-ctx.Done()
	}}
	ctxA, crash := context.WithCancel(context.Background())
	defer crash()
	doneA := make(chan error, 1)
	loopA := worker.New(cfg, first, store, hung, logging.NewNop(), worker.WithHeartbeatInterval(0))
	go func() { doneA <- loopA.Run(ctxA) }()
	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("worker A never started the transcode")
	}
	_ = firstClient.Close()
	crash()
	<-doneA

	if stuck := mustGet(t, store, job.ID); stuck.Status != ledger.StatusProcessing || stuck.AttemptCount != 1 {
		t.Fatalf("expected job left processing at attempt 1, got %s attempt=%d", stuck.Status, stuck.AttemptCount)
	}

	// Worker B starts after A's lease has lapsed.
	mr.FastForward(4 * time.Second)
	second, _ := newBroker("worker-b")
	if moved, err := second.Recover(context.Background()); err != nil || moved != 1 {
		t.Fatalf("Recover = %d, %v; expected the orphaned message", moved, err)
	}
	tr := &scriptedTranscoder{}
	ctxB, stop := context.WithCancel(context.Background())
	defer stop()
	doneB := make(chan error, 1)
	loopB := worker.New(cfg, second, store, tr, logging.NewNop(), worker.WithHeartbeatInterval(0))
	go func() { doneB <- loopB.Run(ctxB) }()

	deadline := time.Now().Add(5 * time.Second)
	for {
		stored := mustGet(t, store, job.ID)
		if stored.Status == ledger.StatusCompleted {
			if stored.AttemptCount != 2 || stored.OutputLocation == "" {
				t.Fatalf("unexpected completed job: attempt=%d output=%q", stored.AttemptCount, stored.OutputLocation)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("job never completed on worker B: %s attempt=%d", stored.Status, stored.AttemptCount)
		}
		time.Sleep(20 * time.Millisecond)
	}
	stop()
	if err := <-doneB; err != nil {
		t.Fatalf("worker B Run failed: %v", err)
	}
	if tr.Calls() != 1 {
		t.Fatalf("expected one transcode on worker B, got %d", tr.Calls())
	}
	assertOutputInvariant(t, store)
}
