package services

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

var (
	ErrInvalidInput      = errors.New("invalid input")
	ErrTransientInfra    = errors.New("transient infrastructure failure")
	ErrRecoverable       = errors.New("recoverable job failure")
	ErrTerminal          = errors.New("terminal job failure")
	ErrDuplicateDelivery = errors.New("duplicate delivery")
	ErrNotFound          = errors.New("not found")
	ErrConflict          = errors.New("conflict")
	ErrConfiguration     = errors.New("configuration error")
)

// Wrap builds an error message that includes component context while tagging
// it with the provided marker for later classification. The marker should be
// one of the exported sentinel errors above.
func Wrap(marker error, component, operation, message string, err error) error {
	detail := buildDetail(component, operation, message)
	if marker == nil {
		marker = ErrTransientInfra
	}
	if err != nil {
		return fmt.Errorf("%w: %s: %w", marker, detail, err)
	}
	return fmt.Errorf("%w: %s", marker, detail)
}

// Retryable reports whether a failed attempt should be put back on the queue.
// Recoverable job failures and transient infrastructure errors qualify;
// everything else ends the job.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, ErrRecoverable) || errors.Is(err, ErrTransientInfra)
}

// Terminal reports whether err ends the job without another attempt.
func Terminal(err error) bool {
	return err != nil && !Retryable(err)
}

// HTTPStatus maps an error to the response code the API returns for it.
func HTTPStatus(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrConflict):
		return http.StatusConflict
	case errors.Is(err, ErrTransientInfra):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// Kind returns a short class label for logs (the error_kind field).
func Kind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrInvalidInput):
		return "invalid_input"
	case errors.Is(err, ErrTransientInfra):
		return "transient_infra"
	case errors.Is(err, ErrRecoverable):
		return "recoverable"
	case errors.Is(err, ErrTerminal):
		return "terminal"
	case errors.Is(err, ErrDuplicateDelivery):
		return "duplicate_delivery"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrConflict):
		return "conflict"
	case errors.Is(err, ErrConfiguration):
		return "configuration"
	default:
		return "internal"
	}
}

// PublicMessage strips the marker prefix so the remaining text can be shown to
// API clients or stored as a job's error detail.
func PublicMessage(err error) string {
	if err == nil {
		return ""
	}
	msg := err.Error()
	for _, marker := range []error{
		ErrInvalidInput, ErrTransientInfra, ErrRecoverable, ErrTerminal,
		ErrDuplicateDelivery, ErrNotFound, ErrConflict, ErrConfiguration,
	} {
		prefix := marker.Error() + ": "
		if strings.HasPrefix(msg, prefix) {
			return strings.TrimPrefix(msg, prefix)
		}
	}
	return msg
}

func buildDetail(component, operation, message string) string {
	parts := make([]string, 0, 3)
	if component = strings.TrimSpace(component); component != "" {
		parts = append(parts, component)
	}
	if operation = strings.TrimSpace(operation); operation != "" {
		parts = append(parts, operation)
	}
	if message = strings.TrimSpace(message); message != "" {
		parts = append(parts, message)
	}
	if len(parts) == 0 {
		return "service failure"
	}
	return strings.Join(parts, ": ")
}
