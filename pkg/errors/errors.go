// Package errors defines the sentinel error taxonomy shared by the lock
// manager, projector, index writer, paginator and HTTP layer, plus an
// AppError wrapper that carries an HTTP status for the API surface.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrLockBusy means another holder owns a valid lease. Callers decide
	// between retry-with-backoff and rejecting the request.
	ErrLockBusy = errors.New("lock busy")
	// ErrLockNotHeld means a release was attempted with a token that no
	// longer owns the lock.
	ErrLockNotHeld = errors.New("lock not held")
	// ErrLockExpired means a renewal was attempted after the lease lapsed.
	ErrLockExpired = errors.New("lock expired")

	// ErrEntityGone means the projection target no longer exists in the
	// primary store. The coordinator converts it into an index delete.
	ErrEntityGone = errors.New("entity gone")

	// ErrIndexUnavailable is a transient search-index failure.
	ErrIndexUnavailable = errors.New("index unavailable")
	// ErrVersionConflict means the index detected a concurrent write.
	ErrVersionConflict = errors.New("index version conflict")
	// ErrStoreUnavailable is a transient primary-store failure: the
	// database could not be reached or the read did not complete.
	ErrStoreUnavailable = errors.New("store unavailable")

	ErrInvalidCursor    = errors.New("invalid cursor")
	ErrInvalidInput     = errors.New("invalid input")
	ErrDocumentNotFound = errors.New("document not found")
	ErrDatesUnavailable = errors.New("dates unavailable")
	ErrInternal         = errors.New("internal error")
	ErrTimeout          = errors.New("operation timed out")
)

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

func New(sentinel error, statusCode int, message string) *AppError {
	return &AppError{
		Err:        sentinel,
		Message:    message,
		StatusCode: statusCode,
	}
}

func Newf(sentinel error, statusCode int, format string, args ...any) *AppError {
	return &AppError{
		Err:        sentinel,
		Message:    fmt.Sprintf(format, args...),
		StatusCode: statusCode,
	}
}

// HTTPStatusCode maps an error chain onto the status the API returns.
func HTTPStatusCode(err error) int {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.StatusCode
	}

	switch {
	case errors.Is(err, ErrDocumentNotFound), errors.Is(err, ErrEntityGone):
		return http.StatusNotFound
	case errors.Is(err, ErrLockBusy), errors.Is(err, ErrDatesUnavailable), errors.Is(err, ErrVersionConflict):
		return http.StatusConflict
	case errors.Is(err, ErrInvalidInput), errors.Is(err, ErrInvalidCursor):
		return http.StatusBadRequest
	case errors.Is(err, ErrIndexUnavailable), errors.Is(err, ErrStoreUnavailable), errors.Is(err, ErrTimeout):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
