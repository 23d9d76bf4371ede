// Package memory provides an in-process key-value source.
// It is meant for tests, examples and local development. Every write assigns
// a new random version tag.
package memory

import (
	"cmp"
	"context"
	"fmt"
	"iter"
	"slices"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/yacchi/kvmirror/source"
	"github.com/yacchi/kvmirror/types"
)

// TypeMemory is the source type of an in-memory source.
const TypeMemory types.SourceType = "memory"

type entryKey struct {
	key   string
	label types.Label
}

// Source is an in-memory key-value store.
// It is safe for concurrent use.
type Source struct {
	mu      sync.RWMutex
	entries map[entryKey]types.KeyValue
}

// Ensure Source implements the source.Source interface.
var _ source.Source = (*Source)(nil)

// New creates a source holding kvs. Entries without a version tag get one.
//
// Example:
//
//	src := memory.New()
//	src.Set("app/color", types.NullLabel, "blue")
func New(kvs ...types.KeyValue) *Source {
	s := &Source{entries: make(map[entryKey]types.KeyValue, len(kvs))}
	for _, kv := range kvs {
		if kv.VersionTag == "" {
			kv.VersionTag = newTag()
		}
		s.entries[entryKey{kv.Key, kv.Label}] = kv
	}
	return s
}

func newTag() string {
	return uuid.NewString()
}

// Type returns the source type identifier.
func (s *Source) Type() types.SourceType {
	return TypeMemory
}

// Set stores value under key and label and returns the stored key-value.
// Every call produces a new version tag, even if the value is unchanged.
func (s *Source) Set(key string, label types.Label, value string) (types.KeyValue, error) {
	if key == "" {
		return types.KeyValue{}, fmt.Errorf("%w: key is empty", source.ErrInvalidArgument)
	}
	kv := types.KeyValue{
		Key:        key,
		Label:      label,
		Value:      &value,
		VersionTag: newTag(),
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[entryKey{key, label}] = kv
	return kv, nil
}

// Delete removes key under label. It reports whether the key existed.
func (s *Source) Delete(key string, label types.Label) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := entryKey{key, label}
	if _, ok := s.entries[k]; !ok {
		return false
	}
	delete(s.entries, k)
	return true
}

// FetchOne implements the source.Source interface.
func (s *Source) FetchOne(ctx context.Context, key string, label types.Label) (*types.KeyValue, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	kv, ok := s.entries[entryKey{key, label}]
	if !ok {
		return nil, nil
	}
	return &kv, nil
}

// FetchMany implements the source.Source interface.
// Keys are yielded in sorted order from a snapshot taken when iteration starts.
func (s *Source) FetchMany(ctx context.Context, filter source.Filter) iter.Seq2[types.KeyValue, error] {
	return func(yield func(types.KeyValue, error) bool) {
		if err := ctx.Err(); err != nil {
			yield(types.KeyValue{}, err)
			return
		}

		kvs := s.snapshot(filter)
		for _, kv := range kvs {
			if err := ctx.Err(); err != nil {
				yield(types.KeyValue{}, err)
				return
			}
			if !yield(kv, nil) {
				return
			}
		}
	}
}

func (s *Source) snapshot(filter source.Filter) []types.KeyValue {
	fields := filter.WantFields()

	s.mu.RLock()
	kvs := make([]types.KeyValue, 0, len(s.entries))
	for k, kv := range s.entries {
		if k.label != filter.Label || !strings.HasPrefix(k.key, filter.KeyPrefix) {
			continue
		}
		if !fields.Has(source.FieldValue) {
			kv.Value = nil
		}
		kvs = append(kvs, kv)
	}
	s.mu.RUnlock()

	slices.SortFunc(kvs, func(a, b types.KeyValue) int {
		return cmp.Compare(a.Key, b.Key)
	})
	return kvs
}

// Len returns the number of stored entries across all labels.
func (s *Source) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}
