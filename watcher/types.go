// Package watcher polls a remote store and reports changes.
//
// A KeyWatcher follows one (key, label) pair. A CollectionWatcher follows
// every key under a prefix within one label and reports batches of changes.
// Both run an independent poll loop and deliver results on a channel.
package watcher

import (
	"time"

	"github.com/yacchi/kvmirror/metrics"
	"github.com/yacchi/kvmirror/retry"
	"github.com/yacchi/kvmirror/types"
	"go.uber.org/zap"
)

// DefaultPollInterval is the poll interval used when a target sets none.
const DefaultPollInterval = 30 * time.Second

// WatcherType is an alias for types.WatcherType.
type WatcherType = types.WatcherType

// Standard watcher types.
const (
	// TypeKey watches a single key.
	TypeKey WatcherType = "key"

	// TypeCollection watches every key under a prefix.
	TypeCollection WatcherType = "collection"
)

// WatchConfig configures watcher behavior.
type WatchConfig struct {
	// PollInterval is used by targets that leave their own interval unset.
	// Default is 30 seconds.
	PollInterval time.Duration

	// RetryPolicy bounds the retries of every remote call.
	RetryPolicy retry.Policy

	// Logger receives poll and retry logs. Default is a no-op logger.
	Logger *zap.Logger

	// Metrics records poll outcomes. Nil disables metrics.
	Metrics *metrics.Metrics

	// InvokerOptions are passed to the retry invoker after the watcher's own
	// options, so they can replace the logger or the retry hooks.
	InvokerOptions []retry.Option
}

// WatchConfigOption is a functional option for WatchConfig.
type WatchConfigOption func(*WatchConfig)

// WithPollInterval sets the default poll interval.
func WithPollInterval(d time.Duration) WatchConfigOption {
	return func(c *WatchConfig) {
		c.PollInterval = d
	}
}

// WithRetryPolicy sets the retry policy.
func WithRetryPolicy(p retry.Policy) WatchConfigOption {
	return func(c *WatchConfig) {
		c.RetryPolicy = p
	}
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) WatchConfigOption {
	return func(c *WatchConfig) {
		c.Logger = logger
	}
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *metrics.Metrics) WatchConfigOption {
	return func(c *WatchConfig) {
		c.Metrics = m
	}
}

// WithInvokerOptions appends options for the retry invoker.
func WithInvokerOptions(opts ...retry.Option) WatchConfigOption {
	return func(c *WatchConfig) {
		c.InvokerOptions = append(c.InvokerOptions, opts...)
	}
}

// NewWatchConfig creates a WatchConfig with the given options.
// Defaults: PollInterval=30s, RetryPolicy=retry.DefaultPolicy(), no-op logger.
func NewWatchConfig(opts ...WatchConfigOption) WatchConfig {
	cfg := WatchConfig{
		PollInterval: DefaultPollInterval,
		RetryPolicy:  retry.DefaultPolicy(),
		Logger:       zap.NewNop(),
	}
	cfg.ApplyOptions(opts...)
	return cfg
}

// ApplyOptions applies the given options to the config.
func (c *WatchConfig) ApplyOptions(opts ...WatchConfigOption) {
	for _, opt := range opts {
		opt(c)
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
}

// Result is the outcome of one poll cycle that produced something to report.
type Result struct {
	// Changes is the batch found by the cycle. A key watcher reports one
	// event per result. A collection watcher may report an empty batch.
	Changes []types.ChangeEvent

	// Err is a fatal error from the remote store. The watcher keeps polling;
	// the receiver decides whether to stop it.
	Err error
}
