package ledger

import (
	"database/sql"
	"errors"
	"time"
)

const jobColumns = "id, status, original_filename, content_type, input_location, output_location, requested_format, attempt_count, error_detail, conversion_ms, created_at, updated_at, started_at, completed_at, enqueued_at, last_heartbeat"

// timeLayout is fixed width so stored timestamps compare correctly as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func scanJob(scanner interface{ Scan(dest ...any) error }) (*Job, error) {
	var (
		id               string
		statusStr        string
		originalFilename sql.NullString
		contentType      sql.NullString
		inputLocation    string
		outputLocation   sql.NullString
		requestedFormat  sql.NullString
		attemptCount     int
		errorDetail      sql.NullString
		conversionMS     sql.NullInt64
		createdRaw       sql.NullString
		updatedRaw       sql.NullString
		startedRaw       sql.NullString
		completedRaw     sql.NullString
		enqueuedRaw      sql.NullString
		heartbeatRaw     sql.NullString
	)

	if err := scanner.Scan(
		&id,
		&statusStr,
		&originalFilename,
		&contentType,
		&inputLocation,
		&outputLocation,
		&requestedFormat,
		&attemptCount,
		&errorDetail,
		&conversionMS,
		&createdRaw,
		&updatedRaw,
		&startedRaw,
		&completedRaw,
		&enqueuedRaw,
		&heartbeatRaw,
	); err != nil {
		return nil, err
	}

	job := &Job{
		ID:               id,
		Status:           Status(statusStr),
		OriginalFilename: originalFilename.String,
		ContentType:      contentType.String,
		InputLocation:    inputLocation,
		OutputLocation:   outputLocation.String,
		RequestedFormat:  requestedFormat.String,
		AttemptCount:     attemptCount,
		ErrorDetail:      errorDetail.String,
		ConversionMS:     conversionMS.Int64,
		StartedAt:        parseNullableTime(startedRaw),
		CompletedAt:      parseNullableTime(completedRaw),
		EnqueuedAt:       parseNullableTime(enqueuedRaw),
		LastHeartbeat:    parseNullableTime(heartbeatRaw),
	}
	if created, err := parseTimeString(createdRaw.String); err == nil {
		job.CreatedAt = created
	}
	if updated, err := parseTimeString(updatedRaw.String); err == nil {
		job.UpdatedAt = updated
	}
	return job, nil
}

func nullableString(value string) any {
	if value == "" {
		return nil
	}
	return value
}

func parseNullableTime(raw sql.NullString) *time.Time {
	if !raw.Valid {
		return nil
	}
	t, err := parseTimeString(raw.String)
	if err != nil {
		return nil
	}
	return &t
}

func parseTimeString(value string) (time.Time, error) {
	if value == "" {
		return time.Time{}, errors.New("empty")
	}
	if t, err := time.Parse(time.RFC3339Nano, value); err == nil {
		return t, nil
	}
	return time.Parse("2006-01-02 15:04:05", value)
}

func makePlaceholders(count int) string {
	if count <= 0 {
		return ""
	}
	placeholders := make([]byte, 0, count*2)
	for i := 0; i < count; i++ {
		if i > 0 {
			placeholders = append(placeholders, ',')
		}
		placeholders = append(placeholders, '?')
	}
	return string(placeholders)
}

func statusArgs(statuses []Status) []any {
	args := make([]any, len(statuses))
	for i, status := range statuses {
		args[i] = string(status)
	}
	return args
}
