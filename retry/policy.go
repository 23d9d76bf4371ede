package retry

import (
	"errors"
	"fmt"
	"time"

	"github.com/yacchi/kvmirror/source"
)

// Default policy values.
const (
	DefaultMaxRetries = 3
	DefaultMinBackoff = 1 * time.Second
	DefaultMaxBackoff = 30 * time.Second
)

// Policy bounds the retries of a single remote call.
type Policy struct {
	// MaxRetries is the number of retries after the first attempt.
	// Zero disables retrying.
	MaxRetries int

	// MinBackoff is the delay before the first retry and the lower bound of
	// every later delay.
	MinBackoff time.Duration

	// MaxBackoff caps the delay between retries.
	MaxBackoff time.Duration
}

// DefaultPolicy returns the default retry policy.
func DefaultPolicy() Policy {
	return Policy{
		MaxRetries: DefaultMaxRetries,
		MinBackoff: DefaultMinBackoff,
		MaxBackoff: DefaultMaxBackoff,
	}
}

// Validate checks the policy and returns every problem found.
func (p Policy) Validate() error {
	var errs []error
	if p.MaxRetries < 0 {
		errs = append(errs, fmt.Errorf("%w: max retries %d is negative", source.ErrInvalidArgument, p.MaxRetries))
	}
	if p.MinBackoff < 0 {
		errs = append(errs, fmt.Errorf("%w: min backoff %v is negative", source.ErrInvalidArgument, p.MinBackoff))
	}
	if p.MaxBackoff < p.MinBackoff {
		errs = append(errs, fmt.Errorf("%w: max backoff %v is less than min backoff %v",
			source.ErrInvalidArgument, p.MaxBackoff, p.MinBackoff))
	}
	return errors.Join(errs...)
}
