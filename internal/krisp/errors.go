package krisp

import (
	"errors"
	"fmt"
)

var (
	ErrNotReady           = errors.New("webhook URL is not available yet; wait for the tunnel to be ready")
	ErrMalformedResponse  = errors.New("malformed response body")
	ErrUnknownService     = errors.New("unknown service")
	ErrMissingRecordingID = errors.New("recording id is required")
	ErrMissingYear        = errors.New("stats year is required")
)

// SubmissionError is a transport-level failure: the request could not be
// sent, or the response could not be read or decoded.
type SubmissionError struct {
	Op    string
	Cause error
	Body  []byte
}

func (e *SubmissionError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Cause)
}

func (e *SubmissionError) Unwrap() error {
	return e.Cause
}

// APIError is returned when the service answered with a non-zero code.
// Body holds the response exactly as received.
type APIError struct {
	Op         string
	Code       int
	Message    string
	StatusCode int
	Body       []byte
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("%s: api returned code %d", e.Op, e.Code)
	}
	return fmt.Sprintf("%s: api returned code %d: %s", e.Op, e.Code, e.Message)
}
