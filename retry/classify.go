package retry

import (
	"context"
	"errors"
	"net"
	"os"
	"syscall"

	"github.com/yacchi/kvmirror/source"
)

// IsRetriable reports whether err is a transient failure worth retrying.
//
// Retriable errors are network errors, timeouts, argument errors raised by the
// client call, service errors flagged as temporary, and transient socket
// errnos. An aggregate error (errors.Join or any error with Unwrap() []error)
// is retriable when any of its members is.
func IsRetriable(err error) bool {
	if err == nil {
		return false
	}

	if joined, ok := err.(interface{ Unwrap() []error }); ok {
		for _, inner := range joined.Unwrap() {
			if IsRetriable(inner) {
				return true
			}
		}
		return false
	}

	if retriable, decided := classifyLeaf(err); decided {
		return retriable
	}

	return IsRetriable(errors.Unwrap(err))
}

// classifyLeaf classifies err without looking at wrapped errors.
// decided is false when the wrapped chain must be inspected.
func classifyLeaf(err error) (retriable, decided bool) {
	switch e := err.(type) {
	case *source.ServiceError:
		return e.Temporary(), true
	case syscall.Errno:
		return e.Temporary() || e.Timeout() || transientErrno(e), true
	case net.Error:
		return true, true
	}

	switch err {
	case source.ErrInvalidArgument, context.DeadlineExceeded, os.ErrDeadlineExceeded:
		return true, true
	case context.Canceled:
		return false, true
	}

	return false, false
}

func transientErrno(e syscall.Errno) bool {
	switch e {
	case syscall.ECONNREFUSED, syscall.ECONNRESET, syscall.ECONNABORTED, syscall.EPIPE:
		return true
	default:
		return false
	}
}
