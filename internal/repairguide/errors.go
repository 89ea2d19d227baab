package repairguide

import (
	"errors"
	"fmt"
)

// ErrorKind classifies why an operation failed
type ErrorKind string

const (
	KindInvalidInput        ErrorKind = "invalid_input"
	KindUpstreamTimeout     ErrorKind = "upstream_timeout"
	KindUpstreamHTTPError   ErrorKind = "upstream_http_error"
	KindUpstreamUnavailable ErrorKind = "upstream_unavailable"
	KindMalformedResponse   ErrorKind = "malformed_response"
)

// ErrMalformedPayload is wrapped by the shapers when a payload does not have the expected shape
var ErrMalformedPayload = errors.New("malformed upstream payload")

// OperationError is the only error type returned by the Mediator.
// HTTPStatus is set for KindUpstreamHTTPError and zero otherwise.
type OperationError struct {
	Kind       ErrorKind `json:"kind"`
	Message    string    `json:"message"`
	HTTPStatus int       `json:"http_status,omitempty"`

	cause error
}

func (e *OperationError) Error() string {
	if e.HTTPStatus != 0 {
		return fmt.Sprintf("%s (status %d): %s", e.Kind, e.HTTPStatus, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *OperationError) Unwrap() error {
	return e.cause
}

// AsOperationError extracts an OperationError from err's chain
func AsOperationError(err error) (*OperationError, bool) {
	var opErr *OperationError
	if errors.As(err, &opErr) {
		return opErr, true
	}
	return nil, false
}

func invalidInput(format string, args ...any) *OperationError {
	return &OperationError{
		Kind:    KindInvalidInput,
		Message: fmt.Sprintf(format, args...),
	}
}

func malformed(err error) *OperationError {
	return &OperationError{
		Kind:    KindMalformedResponse,
		Message: err.Error(),
		cause:   err,
	}
}

func httpError(status int, what string) *OperationError {
	return &OperationError{
		Kind:       KindUpstreamHTTPError,
		Message:    fmt.Sprintf("upstream returned HTTP %d for %s", status, what),
		HTTPStatus: status,
	}
}
