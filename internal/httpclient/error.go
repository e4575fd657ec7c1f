package httpclient

import (
	goerrors "errors"

	ierr "github.com/flexprice/usagelimiter/internal/errors"
)

// Error represents a non-2xx response from an HTTP collaborator (the
// analytics sink, most commonly). It carries the response body so callers
// can log the sink's rejection reason without re-parsing raw bytes.
type Error struct {
	StatusCode int
	Response   []byte
	err        error
}

func (e *Error) Unwrap() error {
	return e.err
}

func (e *Error) Error() string {
	return e.err.Error()
}

// NewError creates a new HTTP client error marked with ierr.ErrHTTPClient.
func NewError(statusCode int, response []byte) *Error {
	return &Error{
		StatusCode: statusCode,
		Response:   response,
		err: ierr.WithError(goerrors.New("unexpected status code")).
			WithHintf("sink responded with status %d", statusCode).
			Mark(ierr.ErrHTTPClient),
	}
}

// IsHTTPError checks if an error is an HTTP client error
func IsHTTPError(err error) (*Error, bool) {
	var httpErr *Error
	if goerrors.As(err, &httpErr) {
		return httpErr, true
	}
	return nil, false
}
