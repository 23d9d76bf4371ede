package retry_test

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"syscall"
	"testing"

	"github.com/yacchi/kvmirror/retry"
	"github.com/yacchi/kvmirror/source"
)

type multiError []error

func (m multiError) Error() string   { return fmt.Sprintf("%d errors", len(m)) }
func (m multiError) Unwrap() []error { return m }

func TestIsRetriable(t *testing.T) {
	transient := &source.ServiceError{Op: "Get", StatusCode: 503, Err: errors.New("unavailable")}
	forbidden := &source.ServiceError{Op: "Get", StatusCode: 403, Err: errors.New("forbidden")}
	netErr := &net.OpError{Op: "dial", Net: "tcp", Err: errors.New("connection refused")}

	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"plain", errors.New("boom"), false},
		{"net error", netErr, true},
		{"wrapped net error", fmt.Errorf("fetch: %w", netErr), true},
		{"dns error", &net.DNSError{Err: "no such host", Name: "example.invalid"}, true},
		{"deadline", context.DeadlineExceeded, true},
		{"os deadline", fmt.Errorf("read: %w", os.ErrDeadlineExceeded), true},
		{"canceled", context.Canceled, false},
		{"invalid argument", fmt.Errorf("client: %w", source.ErrInvalidArgument), true},
		{"unsupported", source.ErrUnsupported, false},
		{"temporary service error", transient, true},
		{"fatal service error", forbidden, false},
		{"wrapped fatal service error", fmt.Errorf("op: %w", forbidden), false},
		{"connection reset", &os.SyscallError{Syscall: "read", Err: syscall.ECONNRESET}, true},
		{"connection refused errno", syscall.ECONNREFUSED, true},
		{"not exist errno", syscall.ENOENT, false},
		{"joined with retriable", errors.Join(errors.New("a"), transient), true},
		{"joined all fatal", errors.Join(errors.New("a"), forbidden), false},
		{"nested aggregate", fmt.Errorf("outer: %w", multiError{errors.New("x"), multiError{netErr}}), true},
		{"empty aggregate", multiError{}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := retry.IsRetriable(tt.err); got != tt.want {
				t.Errorf("IsRetriable(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}
