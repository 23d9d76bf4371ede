package watcher

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"
	"sync/atomic"
	"time"

	"github.com/yacchi/kvmirror/metrics"
	"github.com/yacchi/kvmirror/retry"
	"github.com/yacchi/kvmirror/source"
	"github.com/yacchi/kvmirror/types"
	"go.uber.org/zap"
)

// reservedChar is reserved for filter syntax by remote stores.
const reservedChar = "*"

// CollectionTarget is the (prefix, label) filter a CollectionWatcher follows.
type CollectionTarget struct {
	// Prefix restricts the collection to keys starting with it.
	// An empty prefix watches every key of the label.
	Prefix string
	Label  types.Label

	// PollInterval overrides WatchConfig.PollInterval when positive.
	PollInterval time.Duration
}

// String returns the prefix followed by "*", and "@label" for non-null labels.
func (t CollectionTarget) String() string {
	return targetName(t.Prefix+reservedChar, t.Label)
}

// Validate checks the target.
func (t CollectionTarget) Validate() error {
	var errs []error
	if strings.Contains(t.Prefix, reservedChar) {
		errs = append(errs, fmt.Errorf("%w: prefix %q contains %q", source.ErrInvalidArgument, t.Prefix, reservedChar))
	}
	if name, ok := t.Label.Name(); ok && strings.Contains(name, reservedChar) {
		errs = append(errs, fmt.Errorf("%w: label %q contains %q", source.ErrInvalidArgument, name, reservedChar))
	}
	if t.PollInterval < 0 {
		errs = append(errs, fmt.Errorf("%w: poll interval %v is negative", source.ErrInvalidArgument, t.PollInterval))
	}
	return errors.Join(errs...)
}

// contains reports whether kv belongs to the collection.
func (t CollectionTarget) contains(kv types.KeyValue) bool {
	return kv.Label == t.Label && strings.HasPrefix(kv.Key, t.Prefix)
}

// CollectionWatcher polls every key under a prefix and reports a batch of
// changes per cycle.
//
// Each cycle first lists keys and version tags only and compares them with
// the snapshot of the previous cycle. Values are fetched in a second listing
// only when that comparison finds a difference. If the store changes back
// between the two listings the cycle reports an empty batch.
type CollectionWatcher struct {
	*poller

	src    source.Source
	target CollectionTarget
	inv    *retry.Invoker

	// snapshot maps key to version tag. It is replaced as a whole, never
	// modified in place.
	snapshot atomic.Pointer[map[string]string]
}

var _ Watcher = (*CollectionWatcher)(nil)

// NewCollection creates a CollectionWatcher seeded with initial, the last
// known contents of the collection. No remote call is made.
func NewCollection(src source.Source, target CollectionTarget, initial []types.KeyValue, opts ...WatchConfigOption) (*CollectionWatcher, error) {
	if src == nil {
		return nil, fmt.Errorf("%w: source is nil", source.ErrInvalidArgument)
	}
	if err := validateCollection(target, initial); err != nil {
		return nil, err
	}

	cfg := NewWatchConfig(opts...)
	interval := pollInterval(target.PollInterval, cfg)
	if interval <= 0 {
		return nil, fmt.Errorf("%w: poll interval %v must be positive", source.ErrInvalidArgument, interval)
	}

	w := &CollectionWatcher{
		poller: newPoller(TypeCollection, target.String(), interval, cfg),
		src:    src,
		target: target,
	}
	snap := make(map[string]string, len(initial))
	for _, kv := range initial {
		snap[kv.Key] = kv.VersionTag
	}
	w.snapshot.Store(&snap)

	inv, err := w.newInvoker(cfg)
	if err != nil {
		return nil, err
	}
	w.inv = inv
	w.poll = w.pollOnce
	return w, nil
}

func validateCollection(target CollectionTarget, initial []types.KeyValue) error {
	errs := []error{target.Validate()}
	for i, kv := range initial {
		switch {
		case kv.Key == "":
			errs = append(errs, fmt.Errorf("%w: initial[%d] has an empty key", source.ErrInvalidArgument, i))
		case kv.Label != target.Label:
			errs = append(errs, fmt.Errorf("%w: initial key %q has label %v, want %v",
				source.ErrInvalidArgument, kv.Key, kv.Label, target.Label))
		case !strings.HasPrefix(kv.Key, target.Prefix):
			errs = append(errs, fmt.Errorf("%w: initial key %q does not start with %q",
				source.ErrInvalidArgument, kv.Key, target.Prefix))
		}
	}
	return errors.Join(errs...)
}

// Target returns the watched target.
func (w *CollectionWatcher) Target() CollectionTarget {
	return w.target
}

// Snapshot returns a copy of the current key to version tag mapping.
func (w *CollectionWatcher) Snapshot() map[string]string {
	return maps.Clone(*w.snapshot.Load())
}

func (w *CollectionWatcher) pollOnce(ctx context.Context) ([]types.ChangeEvent, string, func(), error) {
	snap := *w.snapshot.Load()

	changed, ok, err := retry.Do(ctx, w.inv, func(ctx context.Context) (bool, error) {
		return w.detect(ctx, snap)
	})
	if err != nil {
		return nil, metrics.OutcomeError, nil, fmt.Errorf("list %s: %w", w.target, err)
	}
	if !ok {
		return nil, metrics.OutcomeNoResult, nil, nil
	}
	if !changed {
		return nil, metrics.OutcomeUnchanged, nil, nil
	}

	kvs, ok, err := retry.Do(ctx, w.inv, func(ctx context.Context) ([]types.KeyValue, error) {
		return source.Collect(w.src.FetchMany(ctx, w.filter(source.AllFields)))
	})
	if err != nil {
		return nil, metrics.OutcomeError, nil, fmt.Errorf("fetch %s: %w", w.target, err)
	}
	if !ok {
		return nil, metrics.OutcomeNoResult, nil, nil
	}

	changes, next := w.diff(snap, kvs)
	if len(changes) == 0 {
		w.logger.Debug("listing changed between passes, reporting an empty batch")
	}
	commit := func() { w.snapshot.Store(&next) }
	return changes, metrics.OutcomeChanged, commit, nil
}

// detect reports whether the keys and version tags under the target differ
// from snap. It stops reading at the first new or modified key.
func (w *CollectionWatcher) detect(ctx context.Context, snap map[string]string) (bool, error) {
	seen := make(map[string]struct{}, len(snap))
	for kv, err := range w.src.FetchMany(ctx, w.filter(source.FieldKey|source.FieldLabel|source.FieldVersionTag)) {
		if err != nil {
			return false, err
		}
		if !w.target.contains(kv) {
			continue
		}
		tag, ok := snap[kv.Key]
		if !ok || tag != kv.VersionTag {
			return true, nil
		}
		seen[kv.Key] = struct{}{}
	}
	// Every listed key is in snap; anything left over was deleted.
	return len(seen) != len(snap), nil
}

// diff computes the change batch between snap and a full listing, and the
// snapshot of the listing. Modified events keep listing order and Deleted
// events are sorted by key.
func (w *CollectionWatcher) diff(snap map[string]string, kvs []types.KeyValue) ([]types.ChangeEvent, map[string]string) {
	next := make(map[string]string, len(kvs))
	var changes []types.ChangeEvent

	for _, kv := range kvs {
		if !w.target.contains(kv) {
			w.logger.Warn("ignoring key outside the collection",
				zap.String("key", kv.Key), zap.Stringer("label", kv.Label))
			continue
		}
		next[kv.Key] = kv.VersionTag
		if tag, ok := snap[kv.Key]; ok && tag == kv.VersionTag {
			continue
		}
		current := kv
		changes = append(changes, types.ChangeEvent{
			Type:    types.Modified,
			Key:     kv.Key,
			Label:   kv.Label,
			Current: &current,
		})
	}

	var deleted []string
	for key := range snap {
		if _, ok := next[key]; !ok {
			deleted = append(deleted, key)
		}
	}
	slices.Sort(deleted)
	for _, key := range deleted {
		changes = append(changes, types.ChangeEvent{
			Type:  types.Deleted,
			Key:   key,
			Label: w.target.Label,
		})
	}
	return changes, next
}

func (w *CollectionWatcher) filter(fields source.Fields) source.Filter {
	return source.Filter{
		KeyPrefix: w.target.Prefix,
		Label:     w.target.Label,
		Fields:    fields,
	}
}
