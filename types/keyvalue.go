package types

// KeyValue is a single setting observed in the remote store.
// A KeyValue is never mutated after it has been observed; a changed key is
// represented by a new KeyValue with a new VersionTag.
type KeyValue struct {
	// Key is the setting key. It is never empty.
	Key string

	// Label is the partition the key belongs to.
	Label Label

	// Value is the setting value. Nil means the store holds no value, or the
	// value was not requested.
	Value *string

	// VersionTag is an opaque revision marker. Two observations of the same
	// key with equal tags carry the same value.
	VersionTag string
}

// StringValue returns the value, or "" when it is nil.
func (kv KeyValue) StringValue() string {
	if kv.Value == nil {
		return ""
	}
	return *kv.Value
}

// ChangeType is the kind of change reported for a key.
type ChangeType int

const (
	// Modified means the key was created or its value changed.
	Modified ChangeType = iota + 1

	// Deleted means the key no longer exists.
	Deleted
)

// String returns the change type name.
func (c ChangeType) String() string {
	switch c {
	case Modified:
		return "modified"
	case Deleted:
		return "deleted"
	default:
		return "unknown"
	}
}

// ChangeEvent describes a change of a single key.
// Current is nil if and only if Type is Deleted.
type ChangeEvent struct {
	Type    ChangeType
	Key     string
	Label   Label
	Current *KeyValue
}
