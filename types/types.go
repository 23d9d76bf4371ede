// Package types provides common type definitions shared across kvmirror packages.
// This package contains only type definitions and small value helpers, no I/O.
package types

import "fmt"

// SourceType identifies the type of a remote store.
// Constants for standard types are defined in the source packages.
type SourceType string

// WatcherType identifies the type of a watcher.
// Constants for standard types are defined in the watcher package.
type WatcherType string

// Label is the secondary partition of a key. The null label and the empty
// label are different partitions, so Label keeps track of whether it was set.
// Label is comparable and can be used as a map key.
type Label struct {
	name  string
	valid bool
}

// NullLabel is the null label.
var NullLabel = Label{}

// LabelOf returns the non-null label with the given name.
// LabelOf("") is the empty label, which is not NullLabel.
func LabelOf(name string) Label {
	return Label{name: name, valid: true}
}

// LabelFromPtr converts a nullable string into a Label.
func LabelFromPtr(name *string) Label {
	if name == nil {
		return NullLabel
	}
	return LabelOf(*name)
}

// IsNull reports whether l is the null label.
func (l Label) IsNull() bool {
	return !l.valid
}

// Name returns the label name and whether the label is non-null.
func (l Label) Name() (string, bool) {
	return l.name, l.valid
}

// Ptr returns the label as a nullable string.
func (l Label) Ptr() *string {
	if !l.valid {
		return nil
	}
	name := l.name
	return &name
}

// String returns a printable form. The null label prints as "(null)".
func (l Label) String() string {
	if !l.valid {
		return "(null)"
	}
	return fmt.Sprintf("%q", l.name)
}
