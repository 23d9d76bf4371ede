// Package source defines the contract between the watch engine and a remote
// key-value store. A source only answers two questions: what is the current
// value of one key, and which keys match a filter. Authentication, transport
// and connection reuse belong to the implementation.
package source

import (
	"context"
	"iter"

	"github.com/yacchi/kvmirror/types"
)

// Fields selects which attributes FetchMany must populate.
type Fields uint8

const (
	// FieldKey requests the key.
	FieldKey Fields = 1 << iota
	// FieldLabel requests the label.
	FieldLabel
	// FieldValue requests the value.
	FieldValue
	// FieldVersionTag requests the version tag.
	FieldVersionTag

	// AllFields requests every attribute.
	AllFields = FieldKey | FieldLabel | FieldValue | FieldVersionTag
)

// Has reports whether f includes every field in other.
func (f Fields) Has(other Fields) bool {
	return f&other == other
}

// Filter selects key-values for FetchMany.
type Filter struct {
	// KeyPrefix restricts results to keys starting with the prefix.
	// An empty prefix matches every key.
	KeyPrefix string

	// Label restricts results to a single label partition.
	Label types.Label

	// Fields lists the attributes the caller needs. Zero means AllFields.
	// Sources may leave out attributes that were not requested, which lets
	// change detection avoid transferring values.
	Fields Fields
}

// WantFields returns the effective field selection.
func (f Filter) WantFields() Fields {
	if f.Fields == 0 {
		return AllFields
	}
	return f.Fields
}

// Source reads key-values from a remote store.
// Implementations must be safe for concurrent use by multiple watchers.
type Source interface {
	// Type returns the source type identifier.
	Type() types.SourceType

	// FetchOne returns the key-value stored under key and label.
	// It returns (nil, nil) when the key does not exist.
	FetchOne(ctx context.Context, key string, label types.Label) (*types.KeyValue, error)

	// FetchMany lazily yields every key-value matching filter.
	// The sequence is finite and is not restartable; callers issue a new
	// FetchMany for every poll. An error ends the sequence.
	FetchMany(ctx context.Context, filter Filter) iter.Seq2[types.KeyValue, error]
}

// Collect drains seq into a slice. It stops at the first error.
func Collect(seq iter.Seq2[types.KeyValue, error]) ([]types.KeyValue, error) {
	var kvs []types.KeyValue
	for kv, err := range seq {
		if err != nil {
			return nil, err
		}
		kvs = append(kvs, kv)
	}
	return kvs, nil
}
