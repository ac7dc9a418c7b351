package ledger_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"vidqueue/internal/ledger"
	"vidqueue/internal/testsupport"
)

func TestOpenCreatesSchema(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenLedger(t, cfg)

	ctx := context.Background()
	job := testsupport.NewPendingJob(t, store, "mp4")
	if job.ID == "" {
		t.Fatal("expected job ID to be assigned")
	}

	health, err := store.Health(ctx)
	if err != nil {
		t.Fatalf("Health failed: %v", err)
	}
	if !health.DatabaseExists || !health.DatabaseReadable || !health.TableExists || !health.IntegrityCheck {
		t.Fatalf("unexpected health: %#v", health)
	}
	if health.SchemaVersion != 1 || health.TotalJobs != 1 {
		t.Fatalf("unexpected schema version or total: %#v", health)
	}
}

func TestReopenKeepsJobs(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store, err := ledger.Open(cfg)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	job := testsupport.NewPendingJob(t, store, "webm")
	if err := store.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	reopened := testsupport.MustOpenLedger(t, cfg)
	fetched, err := reopened.Get(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if fetched == nil || fetched.RequestedFormat != "webm" {
		t.Fatalf("unexpected job after reopen: %#v", fetched)
	}
}

func TestCreateAndGet(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenLedger(t, cfg)
	ctx := context.Background()

	job, err := store.Create(ctx, ledger.NewJob{
		ID:               "0f8fad5b-d9cb-469f-a165-70867728950e",
		Status:           ledger.StatusAwaitingUpload,
		OriginalFilename: "holiday.mov",
		ContentType:      "video/quicktime",
		InputLocation:    "uploads/0f8fad5b-d9cb-469f-a165-70867728950e.mov",
	})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if job.Status != ledger.StatusAwaitingUpload || job.AttemptCount != 0 {
		t.Fatalf("unexpected job: %#v", job)
	}
	if job.OutputLocation != "" || job.ErrorDetail != "" || job.EnqueuedAt != nil {
		t.Fatalf("expected empty output, error, and enqueue record: %#v", job)
	}
	if job.CreatedAt.IsZero() || job.UpdatedAt.IsZero() {
		t.Fatalf("expected timestamps, got %#v", job)
	}

	missing, err := store.Get(ctx, "does-not-exist")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if missing != nil {
		t.Fatalf("expected nil for unknown job, got %#v", missing)
	}
}

func TestCreateRejectsInvalidJobs(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenLedger(t, cfg)
	ctx := context.Background()

	cases := []struct {
		name string
		params ledger.NewJob
	}{
		{"pending without format", ledger.NewJob{Status: ledger.StatusPending, InputLocation: "uploads/a.mp4"}},
		{"missing input", ledger.NewJob{Status: ledger.StatusPending, RequestedFormat: "mp4"}},
		{"created processing", ledger.NewJob{Status: ledger.StatusProcessing, InputLocation: "uploads/a.mp4", RequestedFormat: "mp4"}},
		{"created completed", ledger.NewJob{Status: ledger.StatusCompleted, InputLocation: "uploads/a.mp4", RequestedFormat: "mp4"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := store.Create(ctx, tc.params); !errors.Is(err, ledger.ErrInvalidUpdate) {
				t.Fatalf("expected ErrInvalidUpdate, got %v", err)
			}
		})
	}
}

func TestPromotionSetsFormatOnce(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenLedger(t, cfg)
	ctx := context.Background()

	job, err := store.Create(ctx, ledger.NewJob{Status: ledger.StatusAwaitingUpload, InputLocation: "uploads/x.mp4"})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	if _, err := store.ConditionalUpdate(ctx, job.ID,
		ledger.Expect{Statuses: []ledger.Status{ledger.StatusAwaitingUpload}},
		ledger.Update{Status: ledger.StatusPending},
	); !errors.Is(err, ledger.ErrInvalidUpdate) {
		t.Fatalf("expected promotion without format to be rejected, got %v", err)
	}

	ok, err := store.ConditionalUpdate(ctx, job.ID,
		ledger.Expect{Statuses: []ledger.Status{ledger.StatusAwaitingUpload}},
		ledger.Update{Status: ledger.StatusPending, RequestedFormat: "gif"},
	)
	if err != nil || !ok {
		t.Fatalf("promotion failed: ok=%v err=%v", ok, err)
	}

	ok, err = store.ConditionalUpdate(ctx, job.ID,
		ledger.Expect{Statuses: []ledger.Status{ledger.StatusAwaitingUpload}},
		ledger.Update{Status: ledger.StatusPending, RequestedFormat: "mp3"},
	)
	if err != nil {
		t.Fatalf("second promotion errored: %v", err)
	}
	if ok {
		t.Fatal("expected second promotion to lose the CAS")
	}

	if _, err := store.ConditionalUpdate(ctx, job.ID,
		ledger.Expect{Statuses: []ledger.Status{ledger.StatusPending}},
		ledger.Update{Status: ledger.StatusProcessing, IncrementAttempt: true, RequestedFormat: "mp3"},
	); !errors.Is(err, ledger.ErrInvalidUpdate) {
		t.Fatalf("expected format change after pending to be rejected, got %v", err)
	}

	fetched, err := store.Get(ctx, job.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if fetched.Status != ledger.StatusPending || fetched.RequestedFormat != "gif" {
		t.Fatalf("unexpected job after promotion: %#v", fetched)
	}
}

func TestConcurrentClaimHasSingleWinner(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenLedger(t, cfg)
	ctx := context.Background()
	job := testsupport.NewPendingJob(t, store, "mp4")

	const workers = 8
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
		errs []error
	)
	start := make(chan struct{})
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			ok, err := store.ConditionalUpdate(ctx, job.ID,
				ledger.Expect{
					Statuses: []ledger.Status{ledger.StatusPending, ledger.StatusProcessing},
					Attempt:  ledger.AtAttempt(0),
				},
				ledger.Update{Status: ledger.StatusProcessing, IncrementAttempt: true},
			)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = append(errs, err)
				return
			}
			if ok {
				wins++
			}
		}()
	}
	close(start)
	wg.Wait()

	if len(errs) > 0 {
		t.Fatalf("ConditionalUpdate failed: %v", errs[0])
	}
	if wins != 1 {
		t.Fatalf("expected exactly one winner, got %d", wins)
	}
	fetched, err := store.Get(ctx, job.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if fetched.Status != ledger.StatusProcessing || fetched.AttemptCount != 1 {
		t.Fatalf("unexpected job after race: %#v", fetched)
	}
	if fetched.StartedAt == nil || fetched.LastHeartbeat == nil || fetched.EnqueuedAt == nil {
		t.Fatalf("expected start, heartbeat, and enqueue timestamps: %#v", fetched)
	}
}

func TestSupersededAttemptCannotWrite(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenLedger(t, cfg)
	ctx := context.Background()
	job := testsupport.NewPendingJob(t, store, "mp4")

	claim := func(attempt int) bool {
		t.Helper()
		ok, err := store.ConditionalUpdate(ctx, job.ID,
			ledger.Expect{Statuses: []ledger.Status{ledger.StatusPending, ledger.StatusProcessing}, Attempt: ledger.AtAttempt(attempt)},
			ledger.Update{Status: ledger.StatusProcessing, IncrementAttempt: true},
		)
		if err != nil {
			t.Fatalf("claim failed: %v", err)
		}
		return ok
	}
	if !claim(0) {
		t.Fatal("first claim should win")
	}
	// A redelivery after a crash takes over as attempt 2.
	if !claim(1) {
		t.Fatal("takeover claim should win")
	}

	ok, err := store.ConditionalUpdate(ctx, job.ID,
		ledger.Expect{Statuses: []ledger.Status{ledger.StatusProcessing}, Attempt: ledger.AtAttempt(1)},
		ledger.Update{Status: ledger.StatusCompleted, OutputLocation: "converted/stale.mp4"},
	)
	if err != nil {
		t.Fatalf("stale completion errored: %v", err)
	}
	if ok {
		t.Fatal("stale attempt must not complete the job")
	}

	ok, err = store.ConditionalUpdate(ctx, job.ID,
		ledger.Expect{Statuses: []ledger.Status{ledger.StatusProcessing}, Attempt: ledger.AtAttempt(2)},
		ledger.Update{Status: ledger.StatusCompleted, OutputLocation: "converted/" + job.ID + ".mp4", ConversionMS: 1200},
	)
	if err != nil || !ok {
		t.Fatalf("current attempt completion failed: ok=%v err=%v", ok, err)
	}

	fetched, err := store.Get(ctx, job.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if fetched.Status != ledger.StatusCompleted || fetched.AttemptCount != 2 || fetched.ConversionMS != 1200 {
		t.Fatalf("unexpected completed job: %#v", fetched)
	}
	if fetched.CompletedAt == nil || fetched.LastHeartbeat != nil {
		t.Fatalf("expected completed_at set and heartbeat cleared: %#v", fetched)
	}
}

func TestOutputLocationInvariant(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenLedger(t, cfg)
	ctx := context.Background()
	job := testsupport.NewPendingJob(t, store, "mp4")

	processing := ledger.Expect{Statuses: []ledger.Status{ledger.StatusProcessing}}
	cases := []struct {
		name   string
		expect ledger.Expect
		update ledger.Update
	}{
		{"completed without output", processing, ledger.Update{Status: ledger.StatusCompleted}},
		{"failed with output", processing, ledger.Update{Status: ledger.StatusFailed, OutputLocation: "converted/x.mp4"}},
		{"pending with output", processing, ledger.Update{Status: ledger.StatusPending, OutputLocation: "converted/x.mp4"}},
		{"error detail on pending", processing, ledger.Update{Status: ledger.StatusPending, ErrorDetail: "boom"}},
		{"failed is final", ledger.Expect{Statuses: []ledger.Status{ledger.StatusFailed}}, ledger.Update{Status: ledger.StatusPending}},
		{"completed is final", ledger.Expect{Statuses: []ledger.Status{ledger.StatusCompleted}}, ledger.Update{Status: ledger.StatusFailed}},
		{"pending straight to completed", ledger.Expect{Statuses: []ledger.Status{ledger.StatusPending}}, ledger.Update{Status: ledger.StatusCompleted, OutputLocation: "converted/x.mp4"}},
		{"no expectation", ledger.Expect{}, ledger.Update{Status: ledger.StatusFailed}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := store.ConditionalUpdate(ctx, job.ID, tc.expect, tc.update); !errors.Is(err, ledger.ErrInvalidUpdate) {
				t.Fatalf("expected ErrInvalidUpdate, got %v", err)
			}
		})
	}

	fetched, err := store.Get(ctx, job.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if fetched.Status != ledger.StatusPending || fetched.OutputLocation != "" {
		t.Fatalf("rejected updates must not change the job: %#v", fetched)
	}
}

func TestRequeueClearsErrorAndKeepsAttempt(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenLedger(t, cfg)
	ctx := context.Background()
	job := testsupport.NewPendingJob(t, store, "mkv")

	mustUpdate := func(expect ledger.Expect, upd ledger.Update) {
		t.Helper()
		ok, err := store.ConditionalUpdate(ctx, job.ID, expect, upd)
		if err != nil || !ok {
			t.Fatalf("update to %s failed: ok=%v err=%v", upd.Status, ok, err)
		}
	}
	mustUpdate(
		ledger.Expect{Statuses: []ledger.Status{ledger.StatusPending}, Attempt: ledger.AtAttempt(0)},
		ledger.Update{Status: ledger.StatusProcessing, IncrementAttempt: true},
	)
	mustUpdate(
		ledger.Expect{Statuses: []ledger.Status{ledger.StatusProcessing}, Attempt: ledger.AtAttempt(1)},
		ledger.Update{Status: ledger.StatusPending},
	)

	fetched, err := store.Get(ctx, job.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if fetched.Status != ledger.StatusPending || fetched.AttemptCount != 1 || fetched.LastHeartbeat != nil {
		t.Fatalf("unexpected requeued job: %#v", fetched)
	}

	mustUpdate(
		ledger.Expect{Statuses: []ledger.Status{ledger.StatusPending}, Attempt: ledger.AtAttempt(1)},
		ledger.Update{Status: ledger.StatusProcessing, IncrementAttempt: true},
	)
	mustUpdate(
		ledger.Expect{Statuses: []ledger.Status{ledger.StatusProcessing}, Attempt: ledger.AtAttempt(2)},
		ledger.Update{Status: ledger.StatusFailed, ErrorDetail: "ffmpeg exited with status 1"},
	)
	fetched, err = store.Get(ctx, job.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if fetched.Status != ledger.StatusFailed || fetched.ErrorDetail == "" || fetched.AttemptCount != 2 {
		t.Fatalf("unexpected failed job: %#v", fetched)
	}
}

func TestHeartbeatRequiresOwningAttempt(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenLedger(t, cfg)
	ctx := context.Background()
	job := testsupport.NewPendingJob(t, store, "mp4")

	if ok, err := store.Heartbeat(ctx, job.ID, 0); err != nil || ok {
		t.Fatalf("heartbeat on pending job should not apply: ok=%v err=%v", ok, err)
	}
	if ok, err := store.ConditionalUpdate(ctx, job.ID,
		ledger.Expect{Statuses: []ledger.Status{ledger.StatusPending}, Attempt: ledger.AtAttempt(0)},
		ledger.Update{Status: ledger.StatusProcessing, IncrementAttempt: true},
	); err != nil || !ok {
		t.Fatalf("claim failed: ok=%v err=%v", ok, err)
	}
	if ok, err := store.Heartbeat(ctx, job.ID, 1); err != nil || !ok {
		t.Fatalf("heartbeat for owner failed: ok=%v err=%v", ok, err)
	}
	if ok, err := store.Heartbeat(ctx, job.ID, 2); err != nil || ok {
		t.Fatalf("heartbeat for other attempt should not apply: ok=%v err=%v", ok, err)
	}
}

func TestMarkEnqueuedAndUnenqueued(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenLedger(t, cfg)
	ctx := context.Background()

	first := testsupport.NewPendingJob(t, store, "mp4")
	second := testsupport.NewPendingJob(t, store, "webm")
	if _, err := store.Create(ctx, ledger.NewJob{Status: ledger.StatusAwaitingUpload, InputLocation: "uploads/z.mp4"}); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	cutoff := time.Now().Add(time.Minute)
	jobs, err := store.Unenqueued(ctx, cutoff, 10)
	if err != nil {
		t.Fatalf("Unenqueued failed: %v", err)
	}
	if len(jobs) != 2 {
		t.Fatalf("expected 2 unenqueued pending jobs, got %d", len(jobs))
	}

	if ok, err := store.MarkEnqueued(ctx, first.ID); err != nil || !ok {
		t.Fatalf("MarkEnqueued failed: ok=%v err=%v", ok, err)
	}
	jobs, err = store.Unenqueued(ctx, cutoff, 10)
	if err != nil {
		t.Fatalf("Unenqueued failed: %v", err)
	}
	if len(jobs) != 1 || jobs[0].ID != second.ID {
		t.Fatalf("expected only the second job, got %#v", jobs)
	}

	recent, err := store.Unenqueued(ctx, time.Now().Add(-time.Hour), 10)
	if err != nil {
		t.Fatalf("Unenqueued failed: %v", err)
	}
	if len(recent) != 0 {
		t.Fatalf("expected grace period to hide fresh jobs, got %d", len(recent))
	}
}

func TestStaleFindsSilentAttempts(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenLedger(t, cfg)
	ctx := context.Background()

	silent := testsupport.NewPendingJob(t, store, "mp4")
	testsupport.NewPendingJob(t, store, "webm")
	if ok, err := store.ConditionalUpdate(ctx, silent.ID,
		ledger.Expect{Statuses: []ledger.Status{ledger.StatusPending}, Attempt: ledger.AtAttempt(0)},
		ledger.Update{Status: ledger.StatusProcessing, IncrementAttempt: true},
	); err != nil || !ok {
		t.Fatalf("claim failed: ok=%v err=%v", ok, err)
	}

	if jobs, err := store.Stale(ctx, time.Now().Add(-time.Hour), 10); err != nil || len(jobs) != 0 {
		t.Fatalf("fresh heartbeat must not be stale: %d jobs, err %v", len(jobs), err)
	}
	jobs, err := store.Stale(ctx, time.Now().Add(time.Minute), 10)
	if err != nil {
		t.Fatalf("Stale failed: %v", err)
	}
	if len(jobs) != 1 || jobs[0].ID != silent.ID || jobs[0].AttemptCount != 1 {
		t.Fatalf("expected only the processing job, got %#v", jobs)
	}
	if !jobs[0].Enqueued() {
		t.Fatal("claimed job should carry an enqueue record")
	}

	ok, err := store.ConditionalUpdate(ctx, silent.ID,
		ledger.Expect{Statuses: []ledger.Status{ledger.StatusProcessing}, Attempt: ledger.AtAttempt(1)},
		ledger.Update{Status: ledger.StatusPending, ClearEnqueued: true},
	)
	if err != nil || !ok {
		t.Fatalf("reclaim failed: ok=%v err=%v", ok, err)
	}
	reclaimed, err := store.Get(ctx, silent.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if reclaimed.Status != ledger.StatusPending || reclaimed.Enqueued() || reclaimed.AttemptCount != 1 || reclaimed.LastHeartbeat != nil {
		t.Fatalf("unexpected reclaimed job: %#v", reclaimed)
	}

	_, err = store.ConditionalUpdate(ctx, silent.ID,
		ledger.Expect{Statuses: []ledger.Status{ledger.StatusPending}},
		ledger.Update{Status: ledger.StatusFailed, ErrorDetail: "x", ClearEnqueued: true},
	)
	if !errors.Is(err, ledger.ErrInvalidUpdate) {
		t.Fatalf("clearing the enqueue record off pending should be rejected, got %v", err)
	}
}

func TestListAndCounts(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenLedger(t, cfg)
	ctx := context.Background()

	var ids []string
	for i := 0; i < 3; i++ {
		ids = append(ids, testsupport.NewPendingJob(t, store, "mp4").ID)
	}
	if ok, err := store.ConditionalUpdate(ctx, ids[0],
		ledger.Expect{Statuses: []ledger.Status{ledger.StatusPending}},
		ledger.Update{Status: ledger.StatusFailed, ErrorDetail: "retry budget exhausted"},
	); err != nil || !ok {
		t.Fatalf("fail update failed: ok=%v err=%v", ok, err)
	}

	all, err := store.List(ctx, ledger.Filter{})
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("expected 3 jobs, got %d", len(all))
	}
	if all[0].ID != ids[2] {
		t.Fatalf("expected newest job first, got %s", all[0].ID)
	}

	failed, err := store.List(ctx, ledger.Filter{Statuses: []ledger.Status{ledger.StatusFailed}})
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(failed) != 1 || failed[0].ID != ids[0] {
		t.Fatalf("unexpected failed list: %#v", failed)
	}

	limited, err := store.List(ctx, ledger.Filter{Limit: 2})
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(limited) != 2 {
		t.Fatalf("expected limit to apply, got %d", len(limited))
	}

	counts, err := store.Counts(ctx)
	if err != nil {
		t.Fatalf("Counts failed: %v", err)
	}
	if counts[ledger.StatusPending] != 2 || counts[ledger.StatusFailed] != 1 || counts[ledger.StatusCompleted] != 0 {
		t.Fatalf("unexpected counts: %#v", counts)
	}
	if _, ok := counts[ledger.StatusProcessing]; !ok {
		t.Fatal("expected every status to be present in counts")
	}
}

func TestParseStatus(t *testing.T) {
	if status, ok := ledger.ParseStatus(" Completed "); !ok || status != ledger.StatusCompleted {
		t.Fatalf("unexpected parse result: %q %v", status, ok)
	}
	if _, ok := ledger.ParseStatus("ripping"); ok {
		t.Fatal("expected unknown status to be rejected")
	}
	if _, ok := ledger.ParseStatus(""); ok {
		t.Fatal("expected empty status to be rejected")
	}
}
