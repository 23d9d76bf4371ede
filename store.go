package kvmirror

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/yacchi/kvmirror/metrics"
	"github.com/yacchi/kvmirror/retry"
	"github.com/yacchi/kvmirror/source"
	"github.com/yacchi/kvmirror/types"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// ErrUnavailable is returned by Load when the remote store stayed unreachable
// through every retry.
var ErrUnavailable = errors.New("remote store unavailable")

// Selector chooses the settings loaded into the Store.
type Selector struct {
	// KeyPrefix restricts the selection to keys starting with it.
	// An empty prefix selects every key.
	KeyPrefix string

	// Label selects one label partition.
	Label types.Label
}

// String returns the prefix followed by "*", and "@label" for non-null labels.
func (s Selector) String() string {
	if name, ok := s.Label.Name(); ok {
		return s.KeyPrefix + "*@" + name
	}
	return s.KeyPrefix + "*"
}

// Option configures a Store.
type Option func(*Store)

// WithSelectors sets the selectors used by Load. Later selectors win when
// two of them return the same key. The default selects every key with the
// null label.
func WithSelectors(selectors ...Selector) Option {
	return func(s *Store) {
		s.selectors = selectors
	}
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(s *Store) {
		s.logger = logger
	}
}

// WithRetryPolicy sets the retry policy of every remote call.
func WithRetryPolicy(p retry.Policy) Option {
	return func(s *Store) {
		s.policy = p
	}
}

// WithMetrics sets the metrics sink passed to watchers.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Store) {
		s.metrics = m
	}
}

// Store holds the mirrored settings.
// It is safe for concurrent use.
type Store struct {
	src       source.Source
	selectors []Selector
	logger    *zap.Logger
	policy    retry.Policy
	metrics   *metrics.Metrics

	settings *Cell[Settings]

	// mu serializes Watch setup.
	mu sync.Mutex
}

// New creates a Store reading from src. Call Load to populate it.
func New(src source.Source, opts ...Option) *Store {
	s := &Store{
		src:       src,
		selectors: []Selector{{}},
		logger:    zap.NewNop(),
		policy:    retry.DefaultPolicy(),
		settings:  NewCell(Settings{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.Named("store")
	return s
}

// Source returns the source the Store reads from.
func (s *Store) Source() source.Source {
	return s.src
}

// Selectors returns the configured selectors.
func (s *Store) Selectors() []Selector {
	return append([]Selector(nil), s.selectors...)
}

// Load reads every selector from the source and replaces the settings.
// Selectors are fetched concurrently. Subscribers are notified once.
func (s *Store) Load(ctx context.Context) error {
	if s.src == nil {
		return fmt.Errorf("%w: source is nil", source.ErrInvalidArgument)
	}
	inv, err := s.newInvoker()
	if err != nil {
		return err
	}

	results := make([][]types.KeyValue, len(s.selectors))
	g, gctx := errgroup.WithContext(ctx)
	for i, sel := range s.selectors {
		g.Go(func() error {
			kvs, ok, err := retry.Do(gctx, inv, func(ctx context.Context) ([]types.KeyValue, error) {
				return source.Collect(s.src.FetchMany(ctx, source.Filter{
					KeyPrefix: sel.KeyPrefix,
					Label:     sel.Label,
				}))
			})
			if err != nil {
				return fmt.Errorf("load %s: %w", sel, err)
			}
			if !ok {
				return fmt.Errorf("load %s: %w", sel, ErrUnavailable)
			}
			results[i] = kvs
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	var merged []types.KeyValue
	for _, kvs := range results {
		merged = append(merged, kvs...)
	}
	settings := s.settings.Update(func(Settings) Settings {
		return newSettings(merged)
	})
	s.logger.Info("settings loaded",
		zap.Int("selectors", len(s.selectors)),
		zap.Int("keys", settings.Len()))
	return nil
}

// newInvoker returns an invoker for one-off calls outside a poll loop.
// Such calls have no nominal interval, so backoff is capped by the policy
// alone.
func (s *Store) newInvoker() (*retry.Invoker, error) {
	interval := max(s.policy.MaxBackoff, time.Millisecond)
	return retry.NewInvoker(s.policy, interval, retry.WithLogger(s.logger))
}

// Get returns the setting stored under key.
func (s *Store) Get(key string) (types.KeyValue, bool) {
	return s.settings.Get().Get(key)
}

// Value returns the value stored under key.
func (s *Store) Value(key string) (string, bool) {
	return s.settings.Get().Value(key)
}

// Settings returns the current snapshot.
func (s *Store) Settings() Settings {
	return s.settings.Get()
}

// Subscribe registers fn to be called with the new snapshot after every
// load or applied change batch, in the order the changes were made. fn must
// not call Load. Returns an unsubscribe function.
func (s *Store) Subscribe(fn func(Settings)) func() {
	return s.settings.Subscribe(fn)
}
