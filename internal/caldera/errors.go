package caldera

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrRemoteRejected is returned when Caldera answers with a non-success status.
	ErrRemoteRejected = errors.New("caldera rejected the request")
	// ErrNotFound is returned when an operation or agent does not exist.
	ErrNotFound = errors.New("caldera resource not found")
	// ErrAmbiguousName is returned when a name lookup matches several operations.
	ErrAmbiguousName = errors.New("operation name is ambiguous")
	// ErrMalformedResponse is returned when a 2xx body cannot be decoded.
	ErrMalformedResponse = errors.New("malformed caldera response")
)

// APIError is a non-2xx response from the Caldera API.
type APIError struct {
	Op         string
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("caldera %s: status %d: %s", e.Op, e.StatusCode, e.Body)
}

// Unwrap makes every APIError match ErrRemoteRejected.
func (e *APIError) Unwrap() error { return ErrRemoteRejected }

// Is additionally matches ErrNotFound for 404 responses.
func (e *APIError) Is(target error) bool {
	return target == ErrNotFound && e.StatusCode == http.StatusNotFound
}

// transient reports whether a request that failed with err may succeed if retried.
func transient(err error) bool {
	if errors.Is(err, ErrMalformedResponse) {
		return false
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode >= 500 || apiErr.StatusCode == http.StatusTooManyRequests
	}
	return true
}

// unauthorized reports whether Caldera refused the API key.
func unauthorized(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode == http.StatusUnauthorized || apiErr.StatusCode == http.StatusForbidden
	}
	return false
}
