package kvmirror

import (
	"iter"
	"maps"
	"slices"
	"strings"

	"github.com/yacchi/kvmirror/types"
)

// Settings is an immutable snapshot of the mirrored settings, keyed by key.
// The zero value is an empty snapshot.
type Settings struct {
	m map[string]types.KeyValue
}

func newSettings(kvs []types.KeyValue) Settings {
	m := make(map[string]types.KeyValue, len(kvs))
	for _, kv := range kvs {
		m[kv.Key] = kv
	}
	return Settings{m: m}
}

// Len returns the number of settings.
func (s Settings) Len() int {
	return len(s.m)
}

// Get returns the setting stored under key.
func (s Settings) Get(key string) (types.KeyValue, bool) {
	kv, ok := s.m[key]
	return kv, ok
}

// Value returns the value stored under key. A key holding a nil value
// reports "" and true.
func (s Settings) Value(key string) (string, bool) {
	kv, ok := s.m[key]
	if !ok {
		return "", false
	}
	return kv.StringValue(), true
}

// Keys returns the keys in sorted order.
func (s Settings) Keys() []string {
	return slices.Sorted(maps.Keys(s.m))
}

// All iterates over the settings in key order.
func (s Settings) All() iter.Seq2[string, types.KeyValue] {
	return func(yield func(string, types.KeyValue) bool) {
		for _, key := range s.Keys() {
			if !yield(key, s.m[key]) {
				return
			}
		}
	}
}

// Map returns a key to value copy of the settings.
func (s Settings) Map() map[string]string {
	out := make(map[string]string, len(s.m))
	for key, kv := range s.m {
		out[key] = kv.StringValue()
	}
	return out
}

// matching returns the settings under prefix that carry label, in key order.
func (s Settings) matching(prefix string, label types.Label) []types.KeyValue {
	var kvs []types.KeyValue
	for key, kv := range s.All() {
		if kv.Label == label && strings.HasPrefix(key, prefix) {
			kvs = append(kvs, kv)
		}
	}
	return kvs
}

// apply returns a new snapshot with changes applied in order.
// A deletion only removes the key if the stored setting has the same label,
// so a watch on one label does not remove a key loaded from another.
func (s Settings) apply(changes []types.ChangeEvent) Settings {
	m := maps.Clone(s.m)
	if m == nil {
		m = make(map[string]types.KeyValue, len(changes))
	}
	for _, c := range changes {
		switch c.Type {
		case types.Modified:
			m[c.Key] = *c.Current
		case types.Deleted:
			if kv, ok := m[c.Key]; ok && kv.Label == c.Label {
				delete(m, c.Key)
			}
		}
	}
	return Settings{m: m}
}
