package upload_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"vidqueue/internal/ledger"
	"vidqueue/internal/logging"
	"vidqueue/internal/objectstore"
	"vidqueue/internal/services"
	"vidqueue/internal/testsupport"
	"vidqueue/internal/upload"
)

type fakeObjects struct {
	mu       sync.Mutex
	present  map[string]bool
	statErr  error
	getNames []string
}

func (f *fakeObjects) PresignPut(_ context.Context, key string, expiry time.Duration) (string, error) {
	return "http://minio.example/videos/" + key + "?X-Amz-Expires=" + expiry.String(), nil
}

func (f *fakeObjects) PresignGet(_ context.Context, key string, _ time.Duration, filename string) (string, error) {
	f.mu.Lock()
	f.getNames = append(f.getNames, filename)
	f.mu.Unlock()
	return "http://minio.example/videos/" + key + "?signed", nil
}

func (f *fakeObjects) Stat(_ context.Context, key string) (objectstore.ObjectInfo, error) {
	if f.statErr != nil {
		return objectstore.ObjectInfo{}, f.statErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.present[key] {
		return objectstore.ObjectInfo{}, objectstore.ErrObjectNotFound
	}
	return objectstore.ObjectInfo{Key: key, Size: 10, ContentType: "video/mp4"}, nil
}

func (f *fakeObjects) put(key string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.present[key] = true
}

type fakeEnqueuer struct {
	store *ledger.Store
	fail  error
	calls int
}

func (f *fakeEnqueuer) Enqueue(ctx context.Context, job *ledger.Job) error {
	f.calls++
	if f.fail != nil {
		return f.fail
	}
	_, err := f.store.MarkEnqueued(ctx, job.ID)
	return err
}

type fixture struct {
	coord   *upload.Coordinator
	store   *ledger.Store
	objects *fakeObjects
	enq     *fakeEnqueuer
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenLedger(t, cfg)
	objects := &fakeObjects{present: map[string]bool{}}
	enq := &fakeEnqueuer{store: store}
	return fixture{
		coord:   upload.New(cfg, store, objects, enq, logging.NewNop()),
		store:   store,
		objects: objects,
		enq:     enq,
	}
}

func TestRequestUploadReservesJob(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	ticket, err := f.coord.RequestUpload(ctx, "Vidéo de vacances.MOV", "video/quicktime")
	if err != nil {
		t.Fatalf("RequestUpload failed: %v", err)
	}
	if ticket.ObjectPath != "uploads/"+ticket.JobID+".mov" {
		t.Fatalf("unexpected object path %q", ticket.ObjectPath)
	}
	if ticket.ExpiresIn != 3600 || !strings.Contains(ticket.UploadURL, ticket.ObjectPath) {
		t.Fatalf("unexpected ticket %+v", ticket)
	}
	job, err := f.store.Get(ctx, ticket.JobID)
	if err != nil || job == nil {
		t.Fatalf("Get failed: %v", err)
	}
	if job.Status != ledger.StatusAwaitingUpload || job.OriginalFilename != "Video_de_vacances.MOV" {
		t.Fatalf("unexpected job %+v", job)
	}
}

func TestRequestUploadValidates(t *testing.T) {
	f := newFixture(t)
	cases := map[string][2]string{
		"empty filename": {"  ", "video/mp4"},
		"image type":     {"a.png", "image/png"},
		"garbage type":   {"a.mp4", ";;"},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := f.coord.RequestUpload(context.Background(), tc[0], tc[1]); !errors.Is(err, services.ErrInvalidInput) {
				t.Fatalf("expected invalid input, got %v", err)
			}
		})
	}
	if _, err := f.coord.RequestUpload(context.Background(), "clip.mp4", "video/mp4; codecs=avc1"); err != nil {
		t.Fatalf("expected parameters to be ignored, got %v", err)
	}
}

func TestConfirmUploadRequiresObject(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ticket, err := f.coord.RequestUpload(ctx, "clip.mp4", "")
	if err != nil {
		t.Fatalf("RequestUpload failed: %v", err)
	}

	_, err = f.coord.ConfirmUpload(ctx, ticket.JobID, ticket.ObjectPath, "webm")
	if !errors.Is(err, services.ErrConflict) {
		t.Fatalf("expected conflict for missing upload, got %v", err)
	}
	if f.enq.calls != 0 {
		t.Fatalf("expected no publish, got %d", f.enq.calls)
	}
	job, _ := f.store.Get(ctx, ticket.JobID)
	if job.Status != ledger.StatusAwaitingUpload {
		t.Fatalf("expected job to stay awaiting upload, got %s", job.Status)
	}
}

func TestConfirmUploadIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ticket, err := f.coord.RequestUpload(ctx, "clip.mp4", "video/mp4")
	if err != nil {
		t.Fatalf("RequestUpload failed: %v", err)
	}
	f.objects.put(ticket.ObjectPath)

	job, err := f.coord.ConfirmUpload(ctx, ticket.JobID, ticket.ObjectPath, "WEBM")
	if err != nil {
		t.Fatalf("ConfirmUpload failed: %v", err)
	}
	if job.Status != ledger.StatusPending || job.RequestedFormat != "webm" || !job.Enqueued() {
		t.Fatalf("unexpected job after confirm: %+v", job)
	}
	again, err := f.coord.ConfirmUpload(ctx, ticket.JobID, "", "webm")
	if err != nil {
		t.Fatalf("second ConfirmUpload failed: %v", err)
	}
	if again.ID != job.ID || f.enq.calls != 1 {
		t.Fatalf("expected a single enqueue, got %d", f.enq.calls)
	}
	if _, err := f.coord.ConfirmUpload(ctx, ticket.JobID, "", "gif"); !errors.Is(err, services.ErrConflict) {
		t.Fatalf("expected conflict for a different format, got %v", err)
	}
}

func TestConfirmUploadRetriesFailedPublish(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ticket, _ := f.coord.RequestUpload(ctx, "clip.mp4", "video/mp4")
	f.objects.put(ticket.ObjectPath)

	f.enq.fail = services.Wrap(services.ErrTransientInfra, "publisher", "publish", "broker down", nil)
	if _, err := f.coord.ConfirmUpload(ctx, ticket.JobID, "", "mp4"); !errors.Is(err, services.ErrTransientInfra) {
		t.Fatalf("expected transient error, got %v", err)
	}
	job, _ := f.store.Get(ctx, ticket.JobID)
	if job.Status != ledger.StatusPending || job.Enqueued() {
		t.Fatalf("expected pending without enqueue record, got %+v", job)
	}

	f.enq.fail = nil
	job, err := f.coord.ConfirmUpload(ctx, ticket.JobID, "", "mp4")
	if err != nil {
		t.Fatalf("retry ConfirmUpload failed: %v", err)
	}
	if !job.Enqueued() || f.enq.calls != 2 {
		t.Fatalf("expected publish retry, calls=%d job=%+v", f.enq.calls, job)
	}
}

func TestConfirmUploadRejectsBadInput(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ticket, _ := f.coord.RequestUpload(ctx, "clip.mp4", "video/mp4")
	f.objects.put(ticket.ObjectPath)

	if _, err := f.coord.ConfirmUpload(ctx, "missing-id", "", "mp4"); !errors.Is(err, services.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if _, err := f.coord.ConfirmUpload(ctx, ticket.JobID, "", "wmv"); !errors.Is(err, services.ErrInvalidInput) {
		t.Fatalf("expected invalid format, got %v", err)
	}
	if _, err := f.coord.ConfirmUpload(ctx, ticket.JobID, "uploads/other.mp4", "mp4"); !errors.Is(err, services.ErrInvalidInput) {
		t.Fatalf("expected invalid location, got %v", err)
	}
	f.objects.statErr = errors.New("dial tcp: connection refused")
	if _, err := f.coord.ConfirmUpload(ctx, ticket.JobID, "", "mp4"); !errors.Is(err, services.ErrTransientInfra) {
		t.Fatalf("expected transient error, got %v", err)
	}
}

func TestCreateJob(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.objects.put("uploads/existing.avi")

	job, err := f.coord.CreateJob(ctx, "uploads/existing.avi", "")
	if err != nil {
		t.Fatalf("CreateJob failed: %v", err)
	}
	if job.Status != ledger.StatusPending || job.RequestedFormat != upload.DefaultFormat || !job.Enqueued() {
		t.Fatalf("unexpected job %+v", job)
	}
	if _, err := f.coord.CreateJob(ctx, "uploads/nothing.avi", "mp4"); !errors.Is(err, services.ErrInvalidInput) {
		t.Fatalf("expected invalid input for missing object, got %v", err)
	}
	if _, err := f.coord.CreateJob(ctx, "../etc/passwd", "mp4"); !errors.Is(err, services.ErrInvalidInput) {
		t.Fatalf("expected invalid input for escaping key, got %v", err)
	}
}

func TestDownloadURL(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ticket, _ := f.coord.RequestUpload(ctx, "holiday.mov", "video/quicktime")
	f.objects.put(ticket.ObjectPath)
	job, err := f.coord.ConfirmUpload(ctx, ticket.JobID, "", "webm")
	if err != nil {
		t.Fatalf("ConfirmUpload failed: %v", err)
	}

	if _, err := f.coord.DownloadURL(ctx, job.ID); !errors.Is(err, services.ErrConflict) {
		t.Fatalf("expected conflict before completion, got %v", err)
	}
	if _, err := f.coord.DownloadURL(ctx, "nope"); !errors.Is(err, services.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}

	mustUpdate(t, f.store, job.ID, ledger.Expect{Statuses: []ledger.Status{ledger.StatusPending}, Attempt: ledger.AtAttempt(0)},
		ledger.Update{Status: ledger.StatusProcessing, IncrementAttempt: true})
	mustUpdate(t, f.store, job.ID, ledger.Expect{Statuses: []ledger.Status{ledger.StatusProcessing}, Attempt: ledger.AtAttempt(1)},
		ledger.Update{Status: ledger.StatusCompleted, OutputLocation: "converted/" + job.ID + ".webm"})

	link, err := f.coord.DownloadURL(ctx, job.ID)
	if err != nil {
		t.Fatalf("DownloadURL failed: %v", err)
	}
	if !strings.Contains(link.DownloadURL, "converted/"+job.ID+".webm") || link.ExpiresIn != 3600 {
		t.Fatalf("unexpected link %+v", link)
	}
	if len(f.objects.getNames) != 1 || f.objects.getNames[0] != "holiday.webm" {
		t.Fatalf("unexpected attachment names %v", f.objects.getNames)
	}
}

func TestListJobs(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	testsupport.NewPendingJob(t, f.store, "mp4")
	if _, err := f.coord.RequestUpload(ctx, "b.mp4", "video/mp4"); err != nil {
		t.Fatalf("RequestUpload failed: %v", err)
	}

	all, err := f.coord.ListJobs(ctx, "", 0)
	if err != nil || len(all) != 2 {
		t.Fatalf("expected 2 jobs, got %d (err %v)", len(all), err)
	}
	pending, err := f.coord.ListJobs(ctx, "PENDING", 10)
	if err != nil || len(pending) != 1 || pending[0].Status != ledger.StatusPending {
		t.Fatalf("unexpected pending filter result %v (err %v)", pending, err)
	}
	none, err := f.coord.ListJobs(ctx, "failed", 10)
	if err != nil || none == nil || len(none) != 0 {
		t.Fatalf("expected empty non-nil list, got %v (err %v)", none, err)
	}
	if _, err := f.coord.ListJobs(ctx, "", 1001); !errors.Is(err, services.ErrInvalidInput) {
		t.Fatalf("expected invalid limit, got %v", err)
	}
	if _, err := f.coord.ListJobs(ctx, "queued", 10); !errors.Is(err, services.ErrInvalidInput) {
		t.Fatalf("expected invalid status, got %v", err)
	}
}

func mustUpdate(t *testing.T, store *ledger.Store, id string, expect ledger.Expect, upd ledger.Update) {
	t.Helper()
	ok, err := store.ConditionalUpdate(context.Background(), id, expect, upd)
	if err != nil || !ok {
		t.Fatalf("ConditionalUpdate(%s) = %v, %v", upd.Status, ok, err)
	}
}
