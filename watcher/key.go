package watcher

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/yacchi/kvmirror/metrics"
	"github.com/yacchi/kvmirror/retry"
	"github.com/yacchi/kvmirror/source"
	"github.com/yacchi/kvmirror/types"
	"go.uber.org/zap"
)

// KeyTarget is the (key, label) pair a KeyWatcher follows.
type KeyTarget struct {
	Key   string
	Label types.Label

	// PollInterval overrides WatchConfig.PollInterval when positive.
	PollInterval time.Duration
}

// String returns the key, followed by "@label" for non-null labels.
func (t KeyTarget) String() string {
	return targetName(t.Key, t.Label)
}

// Validate checks the target.
func (t KeyTarget) Validate() error {
	var errs []error
	if t.Key == "" {
		errs = append(errs, fmt.Errorf("%w: key is empty", source.ErrInvalidArgument))
	}
	if t.PollInterval < 0 {
		errs = append(errs, fmt.Errorf("%w: poll interval %v is negative", source.ErrInvalidArgument, t.PollInterval))
	}
	return errors.Join(errs...)
}

// KeyWatcher polls a single key and reports Modified or Deleted whenever its
// presence or version tag changes.
type KeyWatcher struct {
	*poller

	src    source.Source
	target KeyTarget
	inv    *retry.Invoker

	// Owned by the poll loop. When present is false, last is a placeholder
	// holding only the key and label.
	last    types.KeyValue
	present bool
}

var _ Watcher = (*KeyWatcher)(nil)

// NewKey creates a KeyWatcher. initial is the last known value; nil means the
// key is known to be absent. No remote call is made.
func NewKey(src source.Source, target KeyTarget, initial *types.KeyValue, opts ...WatchConfigOption) (*KeyWatcher, error) {
	if src == nil {
		return nil, fmt.Errorf("%w: source is nil", source.ErrInvalidArgument)
	}
	if err := target.Validate(); err != nil {
		return nil, err
	}
	if initial != nil && (initial.Key != target.Key || initial.Label != target.Label) {
		return nil, fmt.Errorf("%w: initial value %q %v does not belong to target %s",
			source.ErrInvalidArgument, initial.Key, initial.Label, target)
	}

	cfg := NewWatchConfig(opts...)
	interval := pollInterval(target.PollInterval, cfg)
	if interval <= 0 {
		return nil, fmt.Errorf("%w: poll interval %v must be positive", source.ErrInvalidArgument, interval)
	}

	w := &KeyWatcher{
		poller: newPoller(TypeKey, target.String(), interval, cfg),
		src:    src,
		target: target,
		last:   types.KeyValue{Key: target.Key, Label: target.Label},
	}
	if initial != nil {
		w.last = *initial
		w.present = true
	}

	inv, err := w.newInvoker(cfg)
	if err != nil {
		return nil, err
	}
	w.inv = inv
	w.poll = w.pollOnce
	return w, nil
}

// Target returns the watched target.
func (w *KeyWatcher) Target() KeyTarget {
	return w.target
}

func (w *KeyWatcher) pollOnce(ctx context.Context) ([]types.ChangeEvent, string, func(), error) {
	kv, ok, err := retry.Do(ctx, w.inv, func(ctx context.Context) (*types.KeyValue, error) {
		return w.src.FetchOne(ctx, w.target.Key, w.target.Label)
	})
	if err != nil {
		return nil, metrics.OutcomeError, nil, fmt.Errorf("fetch %s: %w", w.target, err)
	}
	if !ok {
		return nil, metrics.OutcomeNoResult, nil, nil
	}

	if kv == nil {
		if !w.present {
			return nil, metrics.OutcomeUnchanged, nil, nil
		}
		w.logger.Info("key deleted")
		commit := func() {
			w.last = types.KeyValue{Key: w.target.Key, Label: w.target.Label}
			w.present = false
		}
		return []types.ChangeEvent{{
			Type:  types.Deleted,
			Key:   w.target.Key,
			Label: w.target.Label,
		}}, metrics.OutcomeChanged, commit, nil
	}

	if w.present && kv.VersionTag == w.last.VersionTag {
		return nil, metrics.OutcomeUnchanged, nil, nil
	}
	current := *kv
	w.logger.Info("key modified", zap.String("version", current.VersionTag))
	commit := func() {
		w.last = current
		w.present = true
	}
	return []types.ChangeEvent{{
		Type:    types.Modified,
		Key:     current.Key,
		Label:   current.Label,
		Current: &current,
	}}, metrics.OutcomeChanged, commit, nil
}

func pollInterval(d time.Duration, cfg WatchConfig) time.Duration {
	if d > 0 {
		return d
	}
	return cfg.PollInterval
}

func targetName(key string, label types.Label) string {
	if name, ok := label.Name(); ok {
		return key + "@" + name
	}
	return key
}
