package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrAuth is returned for 401/403 responses. Not retried.
	ErrAuth = errors.New("llm: authentication failed")

	// ErrBadRequest is returned for malformed or rejected requests (4xx
	// other than 401/403/408/429). Not retried.
	ErrBadRequest = errors.New("llm: request rejected")

	// ErrTimeout is returned when a request exceeds its deadline.
	ErrTimeout = errors.New("llm: request timed out")

	// ErrUnavailable is returned when transient failures persist after all
	// retry attempts.
	ErrUnavailable = errors.New("llm: service unavailable")
)

// StatusError carries a non-2xx response from the endpoint.
type StatusError struct {
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	body := e.Body
	if len(body) > 512 {
		body = body[:512] + "..."
	}
	return fmt.Sprintf("LLM API error %d: %s", e.Status, body)
}

// retryableStatusCode returns true for HTTP status codes that warrant a retry.
func retryableStatusCode(code int) bool {
	return code == http.StatusTooManyRequests ||
		code == http.StatusRequestTimeout ||
		code >= 500
}

// classifyStatus maps a non-retryable status to its sentinel.
func classifyStatus(se *StatusError) error {
	switch se.Status {
	case http.StatusUnauthorized, http.StatusForbidden:
		return fmt.Errorf("%w: %w", ErrAuth, se)
	default:
		return fmt.Errorf("%w: %w", ErrBadRequest, se)
	}
}

// IsTransient reports whether err is worth retrying later: the endpoint
// was unreachable, overloaded or slow. Auth and request errors are not.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrAuth) || errors.Is(err, ErrBadRequest) || errors.Is(err, context.Canceled) {
		return false
	}
	return errors.Is(err, ErrUnavailable) || errors.Is(err, ErrTimeout)
}
