package source

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrInvalidArgument is returned for invalid keys, labels, filters or
// settings. Configuration mistakes caught at construction wrap it.
var ErrInvalidArgument = errors.New("invalid argument")

// ErrUnsupported is returned when a source cannot represent a request,
// for example a label on a store without label support.
var ErrUnsupported = errors.New("not supported by this source")

// ServiceError is an error reported by the remote store itself.
type ServiceError struct {
	// Op is the remote operation, e.g. "GetParameter".
	Op string

	// StatusCode is the HTTP status code of the response, or 0 if unknown.
	StatusCode int

	// Code is the service-specific error code, if any.
	Code string

	// Err is the underlying error.
	Err error
}

func (e *ServiceError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s: service error %d (%s): %v", e.Op, e.StatusCode, e.Code, e.Err)
	}
	return fmt.Sprintf("%s: service error %d: %v", e.Op, e.StatusCode, e.Err)
}

func (e *ServiceError) Unwrap() error {
	return e.Err
}

// Temporary reports whether the store signalled a transient condition:
// request timeout, throttling or a server-side failure.
func (e *ServiceError) Temporary() bool {
	switch {
	case e.StatusCode == http.StatusRequestTimeout,
		e.StatusCode == http.StatusTooManyRequests,
		e.StatusCode >= http.StatusInternalServerError:
		return true
	default:
		return false
	}
}
