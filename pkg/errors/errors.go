// Package errors defines the engine's error taxonomy as sentinel errors plus
// an AppError wrapper carrying a human-readable message and an HTTP status
// code for the API layer.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrMalformedQuery is returned when a query string cannot be parsed.
	// The message identifies the offending token and is safe to surface
	// verbatim to the caller.
	ErrMalformedQuery = errors.New("malformed query")

	// ErrUnsupportedContent is returned at ingest time when document text
	// is not valid UTF-8 or is otherwise not indexable. The document is
	// rejected without side effects.
	ErrUnsupportedContent = errors.New("unsupported content")

	// ErrThrottled signals backpressure: the job queue is above its
	// configured ceiling and the caller should retry with backoff.
	ErrThrottled = errors.New("throttled")

	// ErrQueryTimeout is returned when query execution exceeds its
	// deadline. No partial results are returned.
	ErrQueryTimeout = errors.New("query timeout")

	// ErrIndexCorruption indicates an internal invariant violation, such
	// as a document-frequency mismatch for a term. It triggers a targeted
	// rebuild of the affected term's postings.
	ErrIndexCorruption = errors.New("index corruption")

	// ErrJobDeadlettered indicates a job exhausted its retry budget and
	// requires operator intervention.
	ErrJobDeadlettered = errors.New("job deadlettered")

	ErrJobNotFound      = errors.New("job not found")
	ErrDocumentNotFound = errors.New("document not found")
	ErrInvalidInput     = errors.New("invalid input")
	ErrInternal         = errors.New("internal error")
)

// AppError pairs a sentinel error with a message and HTTP status code.
type AppError struct {
	Err        error
	Message    string
	StatusCode int
}

func (e *AppError) Error() string {
	return fmt.Sprintf("%s: %s", e.Err.Error(), e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Err
}

// New creates an AppError from a sentinel, status code, and message.
func New(sentinel error, statusCode int, message string) *AppError {
	return &AppError{
		Err:        sentinel,
		Message:    message,
		StatusCode: statusCode,
	}
}

// Newf creates an AppError with a formatted message.
func Newf(sentinel error, statusCode int, format string, args ...any) *AppError {
	return &AppError{
		Err:        sentinel,
		Message:    fmt.Sprintf(format, args...),
		StatusCode: statusCode,
	}
}

// MalformedQuery builds an ErrMalformedQuery AppError identifying the
// offending token.
func MalformedQuery(format string, args ...any) *AppError {
	return Newf(ErrMalformedQuery, http.StatusBadRequest, format, args...)
}

// HTTPStatusCode maps an error to the HTTP status the API should return.
func HTTPStatusCode(err error) int {
	var appErr *AppError
	if errors.As(err, &appErr) && appErr.StatusCode != 0 {
		return appErr.StatusCode
	}
	switch {
	case errors.Is(err, ErrMalformedQuery), errors.Is(err, ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, ErrUnsupportedContent):
		return http.StatusUnsupportedMediaType
	case errors.Is(err, ErrThrottled):
		return http.StatusTooManyRequests
	case errors.Is(err, ErrQueryTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, ErrJobNotFound), errors.Is(err, ErrDocumentNotFound):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

// Is reports whether err matches the target sentinel, unwrapping AppErrors.
func Is(err, target error) bool {
	return errors.Is(err, target)
}
