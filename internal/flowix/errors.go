package flowix

import (
	"errors"
	"fmt"
)

var (
	// ErrUnavailable marks a non-200 answer: the API had nothing to give for
	// this request. Callers log it and skip the downstream writes.
	ErrUnavailable = errors.New("flowix: data unavailable")

	// ErrMalformedPayload marks a 200 answer whose body is not the expected
	// JSON object with an array under the top-level key.
	ErrMalformedPayload = errors.New("flowix: malformed payload")
)

// StatusError is returned for non-200 responses.
type StatusError struct {
	Endpoint   string
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("flowix: %s returned HTTP %d", e.Endpoint, e.StatusCode)
}

// Is makes errors.Is(err, ErrUnavailable) true for any StatusError.
func (e *StatusError) Is(target error) bool {
	return target == ErrUnavailable
}
