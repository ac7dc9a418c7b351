package api

import (
	"time"

	"vidqueue/internal/ledger"
)

// dateTimeFormat is used for RFC3339 timestamps in API payloads.
const dateTimeFormat = "2006-01-02T15:04:05.000Z07:00"

// JobView describes a job in a transport-friendly format.
type JobView struct {
	ID               string `json:"id"`
	Status           string `json:"status"`
	OriginalFilename string `json:"original_filename,omitempty"`
	InputLocation    string `json:"input_location"`
	OutputLocation   string `json:"output_location,omitempty"`
	RequestedFormat  string `json:"requested_format,omitempty"`
	AttemptCount     int    `json:"attempt_count"`
	ErrorDetail      string `json:"error_detail,omitempty"`
	ConversionMS     int64  `json:"conversion_ms,omitempty"`
	CreatedAt        string `json:"created_at"`
	UpdatedAt        string `json:"updated_at"`
	StartedAt        string `json:"started_at,omitempty"`
	CompletedAt      string `json:"completed_at,omitempty"`
}

// JobListResponse wraps a collection of jobs.
type JobListResponse struct {
	Items []JobView `json:"items"`
	Count int       `json:"count"`
}

// StatsResponse reports per-status counts and the queue depth the autoscaler
// reads.
type StatsResponse struct {
	Counts     map[string]int `json:"counts"`
	Total      int            `json:"total"`
	QueueDepth int            `json:"queue_depth"`
	DepthError string         `json:"depth_error,omitempty"`
}

// DependencyCheck is the result of probing one backing service.
type DependencyCheck struct {
	Name    string `json:"name"`
	Healthy bool   `json:"healthy"`
	Detail  string `json:"detail,omitempty"`
}

// HealthResponse aggregates dependency checks.
type HealthResponse struct {
	Status string            `json:"status"`
	Checks []DependencyCheck `json:"checks"`
}

// UploadRequest asks for a presigned upload URL.
type UploadRequest struct {
	Filename    string `json:"filename" binding:"required"`
	ContentType string `json:"content_type"`
}

// ConfirmRequest reports a finished upload. ObjectPath is accepted as an
// alias for InputLocation since it is what RequestUpload hands out.
type ConfirmRequest struct {
	JobID           string `json:"job_id" binding:"required"`
	InputLocation   string `json:"input_location"`
	ObjectPath      string `json:"object_path"`
	RequestedFormat string `json:"requested_format"`
}

// CreateJobRequest submits an already-stored object for conversion.
type CreateJobRequest struct {
	InputLocation   string `json:"input_location" binding:"required"`
	RequestedFormat string `json:"requested_format"`
}

// FromJob converts a ledger job to its API representation.
func FromJob(job *ledger.Job) JobView {
	if job == nil {
		return JobView{}
	}
	return JobView{
		ID:               job.ID,
		Status:           string(job.Status),
		OriginalFilename: job.OriginalFilename,
		InputLocation:    job.InputLocation,
		OutputLocation:   job.OutputLocation,
		RequestedFormat:  job.RequestedFormat,
		AttemptCount:     job.AttemptCount,
		ErrorDetail:      job.ErrorDetail,
		ConversionMS:     job.ConversionMS,
		CreatedAt:        formatTime(job.CreatedAt),
		UpdatedAt:        formatTime(job.UpdatedAt),
		StartedAt:        formatTimePtr(job.StartedAt),
		CompletedAt:      formatTimePtr(job.CompletedAt),
	}
}

// FromJobs converts a slice, never returning nil.
func FromJobs(jobs []*ledger.Job) []JobView {
	views := make([]JobView, 0, len(jobs))
	for _, job := range jobs {
		views = append(views, FromJob(job))
	}
	return views
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(dateTimeFormat)
}

func formatTimePtr(t *time.Time) string {
	if t == nil {
		return ""
	}
	return formatTime(*t)
}
