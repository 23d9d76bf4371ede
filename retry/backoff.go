// Package retry wraps remote calls in a bounded, jittered exponential-backoff
// retry policy. Transient failures are retried and, once the attempts are
// used up, absorbed into a "no result" outcome; fatal failures are returned
// to the caller immediately.
package retry

import (
	"fmt"
	"math"
	"math/rand/v2"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/yacchi/kvmirror/source"
)

// maxShift caps the exponent so 2^attempt stays representable.
const maxShift = 63

// randFloat64 returns a uniform value in [0, 1). Replaced in tests.
var randFloat64 = rand.Float64

// Backoff computes a randomized exponential backoff for an operation that
// normally runs every interval.
//
// If interval is not greater than minBackoff, interval is returned as is.
// The first attempt waits exactly minBackoff. Later attempts wait a uniform
// random duration between minBackoff and max(1ms, minBackoff) * 2^attempt,
// where the upper bound never exceeds min(interval, maxBackoff).
//
// attempt must be at least 1.
func Backoff(interval, minBackoff, maxBackoff time.Duration, attempt int) (time.Duration, error) {
	if attempt < 1 {
		return 0, fmt.Errorf("%w: attempt %d is less than 1", source.ErrInvalidArgument, attempt)
	}

	if interval <= minBackoff {
		return interval, nil
	}

	if attempt == 1 {
		return minBackoff, nil
	}

	ceiling := min(interval, maxBackoff)

	// Float math, so a large attempt saturates instead of wrapping around.
	base := float64(max(minBackoff, time.Millisecond))
	bound := ceiling
	if f := base * math.Exp2(float64(min(attempt, maxShift))); f > 0 && f < float64(ceiling) {
		bound = time.Duration(f)
	}

	if bound <= minBackoff {
		return bound, nil
	}
	return minBackoff + time.Duration(randFloat64()*float64(bound-minBackoff)), nil
}

// exponentialBackOff adapts Backoff to the backoff.BackOff interface.
// It counts attempts from 1 and starts over on Reset.
type exponentialBackOff struct {
	interval   time.Duration
	minBackoff time.Duration
	maxBackoff time.Duration
	attempt    int
}

var _ backoff.BackOff = (*exponentialBackOff)(nil)

func newExponentialBackOff(interval time.Duration, policy Policy) *exponentialBackOff {
	return &exponentialBackOff{
		interval:   interval,
		minBackoff: policy.MinBackoff,
		maxBackoff: policy.MaxBackoff,
	}
}

// NextBackOff returns the delay before the next attempt.
func (b *exponentialBackOff) NextBackOff() time.Duration {
	b.attempt++
	d, err := Backoff(b.interval, b.minBackoff, b.maxBackoff, b.attempt)
	if err != nil {
		return backoff.Stop
	}
	return d
}

// Reset restarts the attempt count.
func (b *exponentialBackOff) Reset() {
	b.attempt = 0
}
