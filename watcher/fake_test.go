package watcher_test

import (
	"context"
	"iter"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/yacchi/kvmirror/retry"
	"github.com/yacchi/kvmirror/source"
	"github.com/yacchi/kvmirror/types"
	"github.com/yacchi/kvmirror/watcher"
	"go.uber.org/zap/zaptest"
)

const testInterval = 10 * time.Millisecond

// fetchResult is one scripted answer of fakeSource.
type fetchResult struct {
	kvs []types.KeyValue // FetchMany answer; FetchOne uses the first element or absence
	err error
}

// fakeSource answers FetchOne and FetchMany from a script. Once the script is
// used up, the last answer repeats.
type fakeSource struct {
	mu      sync.Mutex
	script  []fetchResult
	calls   atomic.Int32
	filters []source.Filter
}

func newFakeSource(script ...fetchResult) *fakeSource {
	return &fakeSource{script: script}
}

func (s *fakeSource) Type() types.SourceType { return "fake" }

func (s *fakeSource) next() fetchResult {
	n := int(s.calls.Add(1)) - 1
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.script) == 0 {
		return fetchResult{}
	}
	return s.script[min(n, len(s.script)-1)]
}

func (s *fakeSource) FetchOne(ctx context.Context, key string, label types.Label) (*types.KeyValue, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r := s.next()
	if r.err != nil {
		return nil, r.err
	}
	if len(r.kvs) == 0 {
		return nil, nil
	}
	kv := r.kvs[0]
	return &kv, nil
}

func (s *fakeSource) FetchMany(ctx context.Context, filter source.Filter) iter.Seq2[types.KeyValue, error] {
	return func(yield func(types.KeyValue, error) bool) {
		if err := ctx.Err(); err != nil {
			yield(types.KeyValue{}, err)
			return
		}
		s.mu.Lock()
		s.filters = append(s.filters, filter)
		s.mu.Unlock()

		r := s.next()
		if r.err != nil {
			yield(types.KeyValue{}, r.err)
			return
		}
		for _, kv := range r.kvs {
			if !strings.HasPrefix(kv.Key, filter.KeyPrefix) || kv.Label != filter.Label {
				continue
			}
			if !filter.WantFields().Has(source.FieldValue) {
				kv.Value = nil
			}
			if !yield(kv, nil) {
				return
			}
		}
	}
}

func (s *fakeSource) recordedFilters() []source.Filter {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.filters)
}

// instantTimer fires immediately so retries do not sleep.
type instantTimer struct {
	c chan time.Time
}

func (t *instantTimer) Start(time.Duration) {
	t.c = make(chan time.Time, 1)
	t.c <- time.Now()
}

func (t *instantTimer) Stop() {}

func (t *instantTimer) C() <-chan time.Time { return t.c }

func testOptions(t *testing.T, opts ...watcher.WatchConfigOption) []watcher.WatchConfigOption {
	t.Helper()
	return append([]watcher.WatchConfigOption{
		watcher.WithPollInterval(testInterval),
		watcher.WithLogger(zaptest.NewLogger(t)),
		watcher.WithRetryPolicy(retry.Policy{MaxRetries: 2, MinBackoff: time.Millisecond, MaxBackoff: time.Millisecond}),
		watcher.WithInvokerOptions(retry.WithTimer(func() backoff.Timer { return &instantTimer{} })),
	}, opts...)
}

func kv(key, tag string) types.KeyValue {
	v := "value-" + tag
	return types.KeyValue{Key: key, Value: &v, VersionTag: tag}
}

func answer(kvs ...types.KeyValue) fetchResult {
	return fetchResult{kvs: kvs}
}

// receive waits for the next result.
func receive(t *testing.T, w watcher.Watcher) watcher.Result {
	t.Helper()
	select {
	case res, ok := <-w.Results():
		if !ok {
			t.Fatal("results channel closed")
		}
		return res
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for result")
	}
	return watcher.Result{}
}

// expectQuiet fails if a result arrives within d.
func expectQuiet(t *testing.T, w watcher.Watcher, d time.Duration) {
	t.Helper()
	select {
	case res, ok := <-w.Results():
		if ok {
			t.Fatalf("unexpected result: %+v", res)
		}
	case <-time.After(d):
	}
}

func stopWatcher(t *testing.T, w watcher.Watcher) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := w.Stop(ctx); err != nil {
		t.Errorf("Stop() error = %v", err)
	}
}

// waitCalls waits until src has answered at least n fetches.
func waitCalls(t *testing.T, src *fakeSource, n int32) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for src.calls.Load() < n {
		if time.Now().After(deadline) {
			t.Fatalf("calls = %d, want at least %d", src.calls.Load(), n)
		}
		time.Sleep(time.Millisecond)
	}
}

// extraSource lists the answers of fakeSource followed by extra, whatever
// the filter asks for.
type extraSource struct {
	*fakeSource
	extra []types.KeyValue
}

func (s *extraSource) FetchMany(ctx context.Context, filter source.Filter) iter.Seq2[types.KeyValue, error] {
	return func(yield func(types.KeyValue, error) bool) {
		for kv, err := range s.fakeSource.FetchMany(ctx, filter) {
			if !yield(kv, err) || err != nil {
				return
			}
		}
		for _, kv := range s.extra {
			if !yield(kv, nil) {
				return
			}
		}
	}
}
