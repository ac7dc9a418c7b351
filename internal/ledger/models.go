package ledger

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Status represents the lifecycle of a job.
type Status string

const (
	// StatusAwaitingUpload marks a job whose upload has been reserved but not
	// confirmed. It is invisible to workers.
	StatusAwaitingUpload Status = "awaiting_upload"
	StatusPending        Status = "pending"
	StatusProcessing     Status = "processing"
	StatusCompleted      Status = "completed"
	StatusFailed         Status = "failed"
)

// ErrInvalidUpdate reports a write that would break a ledger invariant.
var ErrInvalidUpdate = errors.New("invalid ledger update")

var allStatuses = []Status{
	StatusAwaitingUpload,
	StatusPending,
	StatusProcessing,
	StatusCompleted,
	StatusFailed,
}

var statusSet = func() map[Status]struct{} {
	set := make(map[Status]struct{}, len(allStatuses))
	for _, status := range allStatuses {
		set[status] = struct{}{}
	}
	return set
}()

// allowedTransitions lists the forward moves each status permits. The single
// backward move is processing -> pending after a recoverable failure.
var allowedTransitions = map[Status]map[Status]struct{}{
	StatusAwaitingUpload: {StatusPending: {}},
	StatusPending:        {StatusProcessing: {}, StatusFailed: {}},
	StatusProcessing:     {StatusProcessing: {}, StatusPending: {}, StatusCompleted: {}, StatusFailed: {}},
}

// Job represents a conversion job persisted in SQLite.
type Job struct {
	ID               string     `json:"id"`
	Status           Status     `json:"status"`
	OriginalFilename string     `json:"original_filename,omitempty"`
	ContentType      string     `json:"content_type,omitempty"`
	InputLocation    string     `json:"input_location"`
	OutputLocation   string     `json:"output_location,omitempty"`
	RequestedFormat  string     `json:"requested_format,omitempty"`
	AttemptCount     int        `json:"attempt_count"`
	ErrorDetail      string     `json:"error_detail,omitempty"`
	ConversionMS     int64      `json:"conversion_ms,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
	StartedAt        *time.Time `json:"started_at,omitempty"`
	CompletedAt      *time.Time `json:"completed_at,omitempty"`
	EnqueuedAt       *time.Time `json:"enqueued_at,omitempty"`
	LastHeartbeat    *time.Time `json:"last_heartbeat,omitempty"`
}

// IsTerminal reports whether the job reached completed or failed.
func (j Job) IsTerminal() bool {
	return j.Status == StatusCompleted || j.Status == StatusFailed
}

// Enqueued reports whether a publish for this job was ever confirmed.
func (j Job) Enqueued() bool {
	return j.EnqueuedAt != nil
}

// NewJob describes a job insert.
type NewJob struct {
	// ID is generated when empty.
	ID               string
	Status           Status
	OriginalFilename string
	ContentType      string
	InputLocation    string
	RequestedFormat  string
}

func (n NewJob) validate() error {
	switch n.Status {
	case StatusAwaitingUpload:
	case StatusPending:
		if strings.TrimSpace(n.RequestedFormat) == "" {
			return fmt.Errorf("%w: pending job requires a requested format", ErrInvalidUpdate)
		}
	default:
		return fmt.Errorf("%w: jobs cannot be created as %q", ErrInvalidUpdate, n.Status)
	}
	if strings.TrimSpace(n.InputLocation) == "" {
		return fmt.Errorf("%w: input location required", ErrInvalidUpdate)
	}
	return nil
}

// Filter narrows List results. A zero Limit means DefaultListLimit.
type Filter struct {
	Statuses []Status
	Limit    int
}

// DefaultListLimit caps List when no explicit limit is given.
const DefaultListLimit = 100

// Expect is the precondition of a conditional update. Attempt, when set,
// must equal the row's attempt_count.
type Expect struct {
	Statuses []Status
	Attempt  *int
}

// AtAttempt returns a pointer suitable for Expect.Attempt.
func AtAttempt(n int) *int {
	return &n
}

// Update describes the new state written by ConditionalUpdate.
type Update struct {
	Status           Status
	IncrementAttempt bool
	OutputLocation   string
	ErrorDetail      string
	// RequestedFormat may only be set while promoting out of awaiting_upload.
	RequestedFormat string
	ConversionMS    int64
	// ClearEnqueued drops the enqueue record when a job returns to pending
	// without its message, so the republish sweep owns it again.
	ClearEnqueued bool
}

func validateUpdate(expect Expect, upd Update) error {
	if _, ok := statusSet[upd.Status]; !ok {
		return fmt.Errorf("%w: unknown status %q", ErrInvalidUpdate, upd.Status)
	}
	if len(expect.Statuses) == 0 {
		return fmt.Errorf("%w: expected status required", ErrInvalidUpdate)
	}
	for _, from := range expect.Statuses {
		if _, ok := allowedTransitions[from][upd.Status]; !ok {
			return fmt.Errorf("%w: transition %s -> %s not allowed", ErrInvalidUpdate, from, upd.Status)
		}
	}
	hasOutput := strings.TrimSpace(upd.OutputLocation) != ""
	if upd.Status == StatusCompleted && !hasOutput {
		return fmt.Errorf("%w: completed job requires an output location", ErrInvalidUpdate)
	}
	if upd.Status != StatusCompleted && hasOutput {
		return fmt.Errorf("%w: output location only allowed on completed jobs", ErrInvalidUpdate)
	}
	if upd.Status != StatusFailed && strings.TrimSpace(upd.ErrorDetail) != "" {
		return fmt.Errorf("%w: error detail only allowed on failed jobs", ErrInvalidUpdate)
	}
	if upd.ClearEnqueued && upd.Status != StatusPending {
		return fmt.Errorf("%w: enqueue record can only be cleared on pending jobs", ErrInvalidUpdate)
	}
	if upd.RequestedFormat != "" {
		if len(expect.Statuses) != 1 || expect.Statuses[0] != StatusAwaitingUpload {
			return fmt.Errorf("%w: requested format is fixed once a job is pending", ErrInvalidUpdate)
		}
	} else if containsStatus(expect.Statuses, StatusAwaitingUpload) {
		return fmt.Errorf("%w: promotion requires a requested format", ErrInvalidUpdate)
	}
	return nil
}

func containsStatus(list []Status, target Status) bool {
	for _, s := range list {
		if s == target {
			return true
		}
	}
	return false
}

// DatabaseHealth captures diagnostic information about the ledger database.
type DatabaseHealth struct {
	DBPath           string
	DatabaseExists   bool
	DatabaseReadable bool
	SchemaVersion    int
	TableExists      bool
	IntegrityCheck   bool
	TotalJobs        int
	Error            string
}

// AllStatuses returns the ordered list of known statuses.
func AllStatuses() []Status {
	cp := make([]Status, len(allStatuses))
	copy(cp, allStatuses)
	return cp
}

// ParseStatus converts a string into a known Status.
func ParseStatus(value string) (Status, bool) {
	normalized := Status(strings.ToLower(strings.TrimSpace(value)))
	if normalized == "" {
		return "", false
	}
	_, ok := statusSet[normalized]
	return normalized, ok
}
