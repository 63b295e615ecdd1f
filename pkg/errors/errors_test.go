package errors

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
)

func TestHTTPStatusCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"lock busy", fmt.Errorf("reserving: %w", ErrLockBusy), http.StatusConflict},
		{"dates unavailable", ErrDatesUnavailable, http.StatusConflict},
		{"invalid cursor", fmt.Errorf("decode: %w", ErrInvalidCursor), http.StatusBadRequest},
		{"invalid input", ErrInvalidInput, http.StatusBadRequest},
		{"not found", ErrDocumentNotFound, http.StatusNotFound},
		{"index unavailable", ErrIndexUnavailable, http.StatusServiceUnavailable},
		{"store unavailable", fmt.Errorf("snapshot: %w", ErrStoreUnavailable), http.StatusServiceUnavailable},
		{"unknown", errors.New("boom"), http.StatusInternalServerError},
		{"app error wins", New(ErrLockBusy, http.StatusTeapot, "custom"), http.StatusTeapot},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := HTTPStatusCode(tt.err); got != tt.want {
				t.Errorf("HTTPStatusCode() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestAppErrorUnwrap(t *testing.T) {
	err := Newf(ErrInvalidCursor, http.StatusBadRequest, "token %q", "abc")
	if !errors.Is(err, ErrInvalidCursor) {
		t.Fatal("expected AppError to unwrap to its sentinel")
	}
	if err.Error() != `invalid cursor: token "abc"` {
		t.Errorf("unexpected message %q", err.Error())
	}
}
