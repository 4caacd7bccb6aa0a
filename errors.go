package harvest

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrInvalidInput is returned for malformed or out-of-range request data.
	ErrInvalidInput = errors.New("harvest: invalid input")

	// ErrAuthDenied is returned when a project token is rejected.
	ErrAuthDenied = errors.New("harvest: authentication denied")

	// ErrNotFound is returned for missing blobs, documents, or interactions.
	ErrNotFound = errors.New("harvest: not found")

	// ErrTransient marks retryable upstream failures (blob, LLM, mapping).
	ErrTransient = errors.New("harvest: transient upstream error")

	// ErrUnavailable is returned when an upstream dependency stays
	// unreachable after retries are exhausted.
	ErrUnavailable = errors.New("harvest: upstream unavailable")

	// ErrUnsupportedFormat is returned for unrecognized document formats.
	ErrUnsupportedFormat = errors.New("harvest: unsupported document format")

	// ErrDecodingFailed is returned when a supported document cannot be decoded.
	ErrDecodingFailed = errors.New("harvest: document decoding failed")

	// ErrEmbeddingFailed is returned when embedding generation fails entirely.
	ErrEmbeddingFailed = errors.New("harvest: embedding generation failed")

	// ErrTimeout is returned when the overall request deadline expires.
	ErrTimeout = errors.New("harvest: request deadline exceeded")

	// ErrStoreClosed is returned when operating on a closed store.
	ErrStoreClosed = errors.New("harvest: store is closed")
)

// ErrContextLimit is a refinement of ErrInvalidInput raised when a prompt
// exceeds the provider's context window. Callers should shorten the query
// or start a new session.
var ErrContextLimit = fmt.Errorf("%w: context limit exceeded", ErrInvalidInput)

// HTTPStatus maps an error to the HTTP status the server surfaces.
// Unknown errors are treated as internal.
func HTTPStatus(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrInvalidInput), errors.Is(err, ErrUnsupportedFormat):
		return http.StatusBadRequest
	case errors.Is(err, ErrAuthDenied):
		return http.StatusForbidden
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, ErrTransient), errors.Is(err, ErrUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// UserMessage returns the caller-facing hint for an error, hiding internal
// detail for 500-class failures.
func UserMessage(err error) string {
	switch {
	case errors.Is(err, ErrContextLimit):
		return "the request is too large for the model context; shorten the query or start a new session"
	case errors.Is(err, ErrUnsupportedFormat):
		return "unsupported document format"
	case errors.Is(err, ErrAuthDenied):
		return "authentication denied"
	case errors.Is(err, ErrNotFound):
		return "not found"
	case errors.Is(err, ErrTimeout):
		return "request timed out"
	case errors.Is(err, ErrInvalidInput):
		return "invalid input"
	case errors.Is(err, ErrTransient), errors.Is(err, ErrUnavailable):
		return "an upstream service is unavailable, try again later"
	default:
		return "internal error"
	}
}
