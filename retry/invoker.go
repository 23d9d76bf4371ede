package retry

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/yacchi/kvmirror/source"
	"go.uber.org/zap"
)

// Classifier decides whether an error is worth retrying.
type Classifier func(err error) bool

// RetryFunc observes a scheduled retry. attempt counts from 1.
type RetryFunc func(attempt int, delay time.Duration, err error)

// ExhaustedFunc observes a call whose retries were used up.
type ExhaustedFunc func(err error)

// Option configures an Invoker.
type Option func(*Invoker)

// WithClassifier replaces IsRetriable as the error classifier.
func WithClassifier(c Classifier) Option {
	return func(inv *Invoker) {
		inv.classify = c
	}
}

// WithLogger sets the logger. Retries are logged at debug level and
// exhausted retries at warn level.
func WithLogger(logger *zap.Logger) Option {
	return func(inv *Invoker) {
		inv.logger = logger
	}
}

// WithTimer supplies the timer used for backoff sleeps.
// The function is called once per Do call.
func WithTimer(newTimer func() backoff.Timer) Option {
	return func(inv *Invoker) {
		inv.newTimer = newTimer
	}
}

// WithOnRetry registers a callback that runs before every backoff sleep.
func WithOnRetry(fn RetryFunc) Option {
	return func(inv *Invoker) {
		inv.onRetry = fn
	}
}

// WithOnExhausted registers a callback that runs when a retriable failure
// is absorbed after the last attempt.
func WithOnExhausted(fn ExhaustedFunc) Option {
	return func(inv *Invoker) {
		inv.onExhausted = fn
	}
}

// Invoker runs remote calls under a retry policy.
// An Invoker holds no per-call state and is safe for concurrent use.
type Invoker struct {
	policy      Policy
	interval    time.Duration
	classify    Classifier
	logger      *zap.Logger
	newTimer    func() backoff.Timer
	onRetry     RetryFunc
	onExhausted ExhaustedFunc
}

// NewInvoker creates an Invoker. interval is the nominal period of the
// operation being retried; backoff delays never exceed it.
func NewInvoker(policy Policy, interval time.Duration, opts ...Option) (*Invoker, error) {
	if err := policy.Validate(); err != nil {
		return nil, err
	}
	if interval <= 0 {
		return nil, fmt.Errorf("%w: interval %v must be positive", source.ErrInvalidArgument, interval)
	}

	inv := &Invoker{
		policy:   policy,
		interval: interval,
		classify: IsRetriable,
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(inv)
	}
	return inv, nil
}

// Policy returns the retry policy.
func (inv *Invoker) Policy() Policy {
	return inv.policy
}

// Do calls op until it succeeds, fails fatally, or the retries are used up.
//
// It returns (result, true, nil) on success. A fatal error is returned as
// (zero, false, err) without retrying. When every attempt failed with a
// retriable error, Do returns (zero, false, nil): the caller should assume
// nothing changed. Cancellation of ctx returns (zero, false, ctx.Err()).
func Do[T any](ctx context.Context, inv *Invoker, op func(context.Context) (T, error)) (T, bool, error) {
	var (
		zero    T
		result  T
		attempt int
	)

	operation := func() error {
		attempt++
		r, err := op(ctx)
		if err == nil {
			result = r
			return nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return backoff.Permanent(ctxErr)
		}
		if !inv.classify(err) {
			return backoff.Permanent(err)
		}
		return err
	}

	notify := func(err error, delay time.Duration) {
		inv.logger.Debug("retrying remote call",
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay),
			zap.Error(err))
		if inv.onRetry != nil {
			inv.onRetry(attempt, delay, err)
		}
	}

	var timer backoff.Timer
	if inv.newTimer != nil {
		timer = inv.newTimer()
	}

	b := backoff.WithContext(
		backoff.WithMaxRetries(newExponentialBackOff(inv.interval, inv.policy), uint64(inv.policy.MaxRetries)),
		ctx)

	err := backoff.RetryNotifyWithTimer(operation, b, notify, timer)
	switch {
	case err == nil:
		return result, true, nil
	case ctx.Err() != nil:
		return zero, false, ctx.Err()
	case inv.classify(err):
		inv.logger.Warn("remote call failed after retries, assuming unchanged",
			zap.Int("attempts", attempt),
			zap.Error(err))
		if inv.onExhausted != nil {
			inv.onExhausted(err)
		}
		return zero, false, nil
	default:
		return zero, false, err
	}
}
