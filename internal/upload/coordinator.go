package upload

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"mime"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"

	"vidqueue/internal/config"
	"vidqueue/internal/ledger"
	"vidqueue/internal/logging"
	"vidqueue/internal/objectstore"
	"vidqueue/internal/services"
	"vidqueue/internal/transcode"
)

const (
	// DefaultFormat is used when a request names no target format.
	DefaultFormat      = "mp4"
	defaultContentType = "video/mp4"
	maxListLimit       = 1000
)

var allowedContentTypes = map[string]struct{}{
	"video/mp4":        {},
	"video/quicktime":  {},
	"video/x-matroska": {},
	"video/webm":       {},
	"video/x-msvideo":  {},
	"video/mpeg":       {},
	"video/ogg":        {},
	"video/3gpp":       {},
	"video/x-flv":      {},
}

// Ledger is the job ledger surface the coordinator uses.
type Ledger interface {
	Create(ctx context.Context, params ledger.NewJob) (*ledger.Job, error)
	Get(ctx context.Context, id string) (*ledger.Job, error)
	List(ctx context.Context, filter ledger.Filter) ([]*ledger.Job, error)
	ConditionalUpdate(ctx context.Context, id string, expect ledger.Expect, upd ledger.Update) (bool, error)
}

// ObjectStore is the object store surface the coordinator uses.
type ObjectStore interface {
	PresignPut(ctx context.Context, key string, expiry time.Duration) (string, error)
	PresignGet(ctx context.Context, key string, expiry time.Duration, filename string) (string, error)
	Stat(ctx context.Context, key string) (objectstore.ObjectInfo, error)
}

// Enqueuer hands a pending job to the queue.
type Enqueuer interface {
	Enqueue(ctx context.Context, job *ledger.Job) error
}

// Ticket is returned by RequestUpload.
type Ticket struct {
	JobID      string    `json:"job_id"`
	UploadURL  string    `json:"upload_url"`
	ObjectPath string    `json:"object_path"`
	ExpiresAt  time.Time `json:"expires_at"`
	ExpiresIn  int       `json:"expires_in"`
}

// Link is a presigned download URL.
type Link struct {
	DownloadURL string    `json:"download_url"`
	ExpiresAt   time.Time `json:"expires_at"`
	ExpiresIn   int       `json:"expires_in"`
}

// Coordinator drives the client-facing job lifecycle: reserve an upload,
// confirm it, and hand the job to the queue.
type Coordinator struct {
	ledger      Ledger
	objects     ObjectStore
	enqueuer    Enqueuer
	uploadTTL   time.Duration
	downloadTTL time.Duration
	logger      *slog.Logger
	now         func() time.Time
}

// New constructs a coordinator.
func New(cfg *config.Config, store Ledger, objects ObjectStore, enqueuer Enqueuer, logger *slog.Logger) *Coordinator {
	uploadTTL := cfg.UploadURLTTL()
	if uploadTTL <= 0 {
		uploadTTL = time.Hour
	}
	downloadTTL := cfg.DownloadURLTTL()
	if downloadTTL <= 0 {
		downloadTTL = time.Hour
	}
	return &Coordinator{
		ledger:      store,
		objects:     objects,
		enqueuer:    enqueuer,
		uploadTTL:   uploadTTL,
		downloadTTL: downloadTTL,
		logger:      logging.NewComponentLogger(logger, "upload"),
		now:         time.Now,
	}
}

// RequestUpload reserves an object key, records the job as awaiting upload,
// and returns a presigned PUT URL for it.
func (c *Coordinator) RequestUpload(ctx context.Context, filename, contentType string) (Ticket, error) {
	filename = strings.TrimSpace(filename)
	if filename == "" {
		return Ticket{}, services.Wrap(services.ErrInvalidInput, "upload", "request", "filename is required", nil)
	}
	normalizedType, err := normalizeContentType(contentType)
	if err != nil {
		return Ticket{}, err
	}

	id := uuid.NewString()
	key := "uploads/" + id + uploadExtension(filename)
	job, err := c.ledger.Create(ctx, ledger.NewJob{
		ID:               id,
		Status:           ledger.StatusAwaitingUpload,
		OriginalFilename: normalizeFilename(filename),
		ContentType:      normalizedType,
		InputLocation:    key,
	})
	if err != nil {
		return Ticket{}, services.Wrap(services.ErrTransientInfra, "upload", "request", "record job", err)
	}

	issued := c.now()
	url, err := c.objects.PresignPut(ctx, key, c.uploadTTL)
	if err != nil {
		return Ticket{}, services.Wrap(services.ErrTransientInfra, "upload", "request", "presign upload", err)
	}
	logging.WithContext(services.WithJobID(ctx, job.ID), c.logger).Info("upload reserved",
		logging.String(logging.FieldEventType, "upload_reserved"),
		logging.String("object_path", key),
		logging.String("content_type", normalizedType),
	)
	return Ticket{
		JobID:      job.ID,
		UploadURL:  url,
		ObjectPath: key,
		ExpiresAt:  issued.Add(c.uploadTTL).UTC(),
		ExpiresIn:  int(c.uploadTTL / time.Second),
	}, nil
}

// ConfirmUpload promotes a reserved job to pending once its object exists and
// enqueues it. Repeating the call is safe: an already enqueued job is returned
// as is, and a pending job whose earlier publish failed is published again.
func (c *Coordinator) ConfirmUpload(ctx context.Context, jobID, inputLocation, requestedFormat string) (*ledger.Job, error) {
	format, err := normalizeFormat(requestedFormat)
	if err != nil {
		return nil, err
	}
	job, err := c.getJob(ctx, jobID, "confirm")
	if err != nil {
		return nil, err
	}
	if loc := strings.TrimSpace(inputLocation); loc != "" && loc != job.InputLocation {
		return nil, services.Wrap(services.ErrInvalidInput, "upload", "confirm",
			fmt.Sprintf("object path %q does not match the reserved upload %q", loc, job.InputLocation), nil)
	}
	ctx = services.WithJobID(ctx, job.ID)

	if job.Status == ledger.StatusAwaitingUpload {
		if _, err := c.objects.Stat(ctx, job.InputLocation); err != nil {
			if errors.Is(err, objectstore.ErrObjectNotFound) {
				return nil, services.Wrap(services.ErrConflict, "upload", "confirm", "upload not found", nil)
			}
			return nil, services.Wrap(services.ErrTransientInfra, "upload", "confirm", "check uploaded object", err)
		}
		if _, err := c.ledger.ConditionalUpdate(ctx, job.ID,
			ledger.Expect{Statuses: []ledger.Status{ledger.StatusAwaitingUpload}},
			ledger.Update{Status: ledger.StatusPending, RequestedFormat: format},
		); err != nil {
			return nil, services.Wrap(services.ErrTransientInfra, "upload", "confirm", "promote job", err)
		}
		// Losing the promotion to a concurrent confirm is fine; the reread
		// below sees whatever that call wrote.
		if job, err = c.getJob(ctx, job.ID, "confirm"); err != nil {
			return nil, err
		}
	}

	if job.RequestedFormat != format {
		return nil, services.Wrap(services.ErrConflict, "upload", "confirm",
			fmt.Sprintf("job already confirmed with format %s", job.RequestedFormat), nil)
	}
	if job.Status != ledger.StatusPending || job.Enqueued() {
		return job, nil
	}
	if err := c.enqueuer.Enqueue(ctx, job); err != nil {
		return nil, err
	}
	return c.getJob(ctx, job.ID, "confirm")
}

// CreateJob registers a job for an object that is already in the store and
// enqueues it.
func (c *Coordinator) CreateJob(ctx context.Context, inputLocation, requestedFormat string) (*ledger.Job, error) {
	format, err := normalizeFormat(requestedFormat)
	if err != nil {
		return nil, err
	}
	key, err := normalizeObjectKey(inputLocation)
	if err != nil {
		return nil, err
	}
	info, err := c.objects.Stat(ctx, key)
	if err != nil {
		if errors.Is(err, objectstore.ErrObjectNotFound) {
			return nil, services.Wrap(services.ErrInvalidInput, "upload", "create job",
				fmt.Sprintf("input %q does not exist", key), nil)
		}
		return nil, services.Wrap(services.ErrTransientInfra, "upload", "create job", "check input object", err)
	}
	job, err := c.ledger.Create(ctx, ledger.NewJob{
		Status:           ledger.StatusPending,
		OriginalFilename: normalizeFilename(path.Base(key)),
		ContentType:      info.ContentType,
		InputLocation:    key,
		RequestedFormat:  format,
	})
	if err != nil {
		return nil, services.Wrap(services.ErrTransientInfra, "upload", "create job", "record job", err)
	}
	ctx = services.WithJobID(ctx, job.ID)
	if err := c.enqueuer.Enqueue(ctx, job); err != nil {
		return nil, err
	}
	return c.getJob(ctx, job.ID, "create job")
}

// DownloadURL returns a presigned URL for a completed job's output.
func (c *Coordinator) DownloadURL(ctx context.Context, jobID string) (Link, error) {
	job, err := c.getJob(ctx, jobID, "download")
	if err != nil {
		return Link{}, err
	}
	if job.Status != ledger.StatusCompleted {
		return Link{}, services.Wrap(services.ErrConflict, "upload", "download",
			fmt.Sprintf("job is not completed; current status: %s", job.Status), nil)
	}
	issued := c.now()
	url, err := c.objects.PresignGet(ctx, job.OutputLocation, c.downloadTTL, downloadName(job.OriginalFilename, job.OutputLocation))
	if err != nil {
		return Link{}, services.Wrap(services.ErrTransientInfra, "upload", "download", "presign download", err)
	}
	return Link{
		DownloadURL: url,
		ExpiresAt:   issued.Add(c.downloadTTL).UTC(),
		ExpiresIn:   int(c.downloadTTL / time.Second),
	}, nil
}

// GetJob returns a job or a NotFound error.
func (c *Coordinator) GetJob(ctx context.Context, jobID string) (*ledger.Job, error) {
	return c.getJob(ctx, jobID, "get job")
}

// ListJobs lists jobs newest first. status may be empty; limit 0 means the
// ledger default.
func (c *Coordinator) ListJobs(ctx context.Context, status string, limit int) ([]*ledger.Job, error) {
	if limit < 0 || limit > maxListLimit {
		return nil, services.Wrap(services.ErrInvalidInput, "upload", "list jobs",
			fmt.Sprintf("limit must be between 1 and %d", maxListLimit), nil)
	}
	filter := ledger.Filter{Limit: limit}
	if strings.TrimSpace(status) != "" {
		parsed, ok := ledger.ParseStatus(status)
		if !ok {
			return nil, services.Wrap(services.ErrInvalidInput, "upload", "list jobs",
				fmt.Sprintf("unknown status %q", status), nil)
		}
		filter.Statuses = []ledger.Status{parsed}
	}
	jobs, err := c.ledger.List(ctx, filter)
	if err != nil {
		return nil, services.Wrap(services.ErrTransientInfra, "upload", "list jobs", "query ledger", err)
	}
	if jobs == nil {
		jobs = []*ledger.Job{}
	}
	return jobs, nil
}

func (c *Coordinator) getJob(ctx context.Context, jobID, operation string) (*ledger.Job, error) {
	jobID = strings.TrimSpace(jobID)
	if jobID == "" {
		return nil, services.Wrap(services.ErrInvalidInput, "upload", operation, "job id is required", nil)
	}
	job, err := c.ledger.Get(ctx, jobID)
	if err != nil {
		return nil, services.Wrap(services.ErrTransientInfra, "upload", operation, "load job", err)
	}
	if job == nil {
		return nil, services.Wrap(services.ErrNotFound, "upload", operation, fmt.Sprintf("job %s not found", jobID), nil)
	}
	return job, nil
}

func normalizeContentType(value string) (string, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return defaultContentType, nil
	}
	mediaType, _, err := mime.ParseMediaType(value)
	if err != nil {
		return "", services.Wrap(services.ErrInvalidInput, "upload", "request",
			fmt.Sprintf("invalid content type %q", value), nil)
	}
	if _, ok := allowedContentTypes[mediaType]; !ok {
		return "", services.Wrap(services.ErrInvalidInput, "upload", "request",
			fmt.Sprintf("content type %q is not an accepted video type", mediaType), nil)
	}
	return mediaType, nil
}

func normalizeFormat(value string) (string, error) {
	format := strings.ToLower(strings.TrimSpace(value))
	if format == "" {
		return DefaultFormat, nil
	}
	if !transcode.Supported(format) {
		return "", services.Wrap(services.ErrInvalidInput, "upload", "format",
			fmt.Sprintf("unsupported format %q (supported: %s)", value, strings.Join(transcode.Formats(), ", ")), nil)
	}
	return format, nil
}

func normalizeObjectKey(value string) (string, error) {
	key := strings.TrimSpace(value)
	if key == "" {
		return "", services.Wrap(services.ErrInvalidInput, "upload", "create job", "input_location is required", nil)
	}
	cleaned := path.Clean(key)
	if strings.HasPrefix(cleaned, "/") || cleaned == "." || strings.HasPrefix(cleaned, "../") || cleaned == ".." {
		return "", services.Wrap(services.ErrInvalidInput, "upload", "create job",
			fmt.Sprintf("invalid input_location %q", value), nil)
	}
	return cleaned, nil
}
