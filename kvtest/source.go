// Package kvtest provides testing utilities for kvmirror source implementations.
package kvtest

import (
	"context"
	"slices"
	"testing"

	"github.com/yacchi/kvmirror/source"
	"github.com/yacchi/kvmirror/types"
)

// SourceFactory creates a Source holding the given key-values.
// Version tags of kvs are empty; the source assigns its own.
// The factory is called for each test case to ensure test isolation.
type SourceFactory func(t *testing.T, kvs []types.KeyValue) source.Source

// SourceTesterOption configures SourceTester behavior.
type SourceTesterOption func(*SourceTester)

// WithNullLabelOnly marks a source that only stores the null label.
// Label partition tests are skipped for such sources.
func WithNullLabelOnly() SourceTesterOption {
	return func(st *SourceTester) {
		st.nullLabelOnly = true
	}
}

// SourceTester provides utilities to verify Source implementations.
type SourceTester struct {
	t             *testing.T
	factory       SourceFactory
	nullLabelOnly bool
}

// NewSourceTester creates a SourceTester for the given SourceFactory.
func NewSourceTester(t *testing.T, factory SourceFactory, opts ...SourceTesterOption) *SourceTester {
	st := &SourceTester{
		t:       t,
		factory: factory,
	}
	for _, opt := range opts {
		opt(st)
	}
	return st
}

// TestAll runs all standard compliance tests for Source implementations.
func (st *SourceTester) TestAll() {
	st.t.Run("Type", st.testType)
	st.t.Run("FetchOne", st.testFetchOne)
	st.t.Run("FetchOneLabels", st.testFetchOneLabels)
	st.t.Run("FetchMany", st.testFetchMany)
	st.t.Run("FetchManyLabels", st.testFetchManyLabels)
	st.t.Run("FetchManyFields", st.testFetchManyFields)
	st.t.Run("StableVersionTags", st.testStableVersionTags)
	st.t.Run("CanceledContext", st.testCanceledContext)
}

func kv(key string, label types.Label, value string) types.KeyValue {
	return types.KeyValue{Key: key, Label: label, Value: &value}
}

func (st *SourceTester) seed() []types.KeyValue {
	return []types.KeyValue{
		kv("app/color", types.NullLabel, "blue"),
		kv("app/size", types.NullLabel, "10"),
		kv("app/nested/depth", types.NullLabel, "3"),
		kv("other/name", types.NullLabel, "x"),
	}
}

func (st *SourceTester) labeledSeed() []types.KeyValue {
	return []types.KeyValue{
		kv("app/color", types.NullLabel, "null"),
		kv("app/color", types.LabelOf(""), "empty"),
		kv("app/color", types.LabelOf("prod"), "prod"),
		kv("app/size", types.LabelOf("prod"), "20"),
	}
}

// testType verifies Type() returns a non-empty SourceType.
func (st *SourceTester) testType(t *testing.T) {
	s := st.factory(t, st.seed())
	require(t, s.Type() != "", "Type() returned empty string")
}

// testFetchOne verifies present and absent keys.
func (st *SourceTester) testFetchOne(t *testing.T) {
	s := st.factory(t, st.seed())
	ctx := context.Background()

	got, err := s.FetchOne(ctx, "app/color", types.NullLabel)
	requireNoError(t, err, "FetchOne() error = %v", err)
	require(t, got != nil, "FetchOne() = nil, want app/color")
	check(t, got.Key == "app/color", "Key = %q, want app/color", got.Key)
	check(t, got.Label.IsNull(), "Label = %v, want null", got.Label)
	check(t, got.StringValue() == "blue", "Value = %q, want blue", got.StringValue())
	check(t, got.VersionTag != "", "VersionTag is empty")

	missing, err := s.FetchOne(ctx, "app/missing", types.NullLabel)
	requireNoError(t, err, "FetchOne(missing) error = %v", err)
	check(t, missing == nil, "FetchOne(missing) = %+v, want nil", missing)
}

// testFetchOneLabels verifies that null, empty and named labels are distinct.
func (st *SourceTester) testFetchOneLabels(t *testing.T) {
	if st.nullLabelOnly {
		t.Skip("source stores the null label only")
	}
	s := st.factory(t, st.labeledSeed())
	ctx := context.Background()

	for _, tc := range []struct {
		label types.Label
		want  string
	}{
		{types.NullLabel, "null"},
		{types.LabelOf(""), "empty"},
		{types.LabelOf("prod"), "prod"},
	} {
		got, err := s.FetchOne(ctx, "app/color", tc.label)
		requireNoError(t, err, "FetchOne(%v) error = %v", tc.label, err)
		require(t, got != nil, "FetchOne(%v) = nil", tc.label)
		check(t, got.Label == tc.label, "FetchOne(%v).Label = %v", tc.label, got.Label)
		check(t, got.StringValue() == tc.want, "FetchOne(%v) = %q, want %q", tc.label, got.StringValue(), tc.want)
	}

	missing, err := s.FetchOne(ctx, "app/size", types.NullLabel)
	requireNoError(t, err, "FetchOne() error = %v", err)
	check(t, missing == nil, "app/size exists only under prod, got %+v", missing)
}

// testFetchMany verifies prefix filtering.
func (st *SourceTester) testFetchMany(t *testing.T) {
	s := st.factory(t, st.seed())
	ctx := context.Background()

	kvs, err := source.Collect(s.FetchMany(ctx, source.Filter{KeyPrefix: "app/"}))
	requireNoError(t, err, "FetchMany() error = %v", err)
	got := keys(kvs)
	want := []string{"app/color", "app/nested/depth", "app/size"}
	check(t, slices.Equal(got, want), "FetchMany(app/) keys = %v, want %v", got, want)

	byKey := make(map[string]types.KeyValue, len(kvs))
	for _, kv := range kvs {
		byKey[kv.Key] = kv
	}
	check(t, byKey["app/size"].StringValue() == "10", "app/size = %q, want 10", byKey["app/size"].StringValue())

	all, err := source.Collect(s.FetchMany(ctx, source.Filter{}))
	requireNoError(t, err, "FetchMany(all) error = %v", err)
	check(t, len(all) == 4, "FetchMany(all) returned %d keys, want 4", len(all))

	none, err := source.Collect(s.FetchMany(ctx, source.Filter{KeyPrefix: "nothing/"}))
	requireNoError(t, err, "FetchMany(nothing/) error = %v", err)
	check(t, len(none) == 0, "FetchMany(nothing/) returned %v", keys(none))

	// Stopping early must not panic or block.
	for range s.FetchMany(ctx, source.Filter{KeyPrefix: "app/"}) {
		break
	}
}

// testFetchManyLabels verifies label filtering.
func (st *SourceTester) testFetchManyLabels(t *testing.T) {
	if st.nullLabelOnly {
		t.Skip("source stores the null label only")
	}
	s := st.factory(t, st.labeledSeed())
	ctx := context.Background()

	for _, tc := range []struct {
		label types.Label
		want  []string
	}{
		{types.NullLabel, []string{"app/color"}},
		{types.LabelOf(""), []string{"app/color"}},
		{types.LabelOf("prod"), []string{"app/color", "app/size"}},
		{types.LabelOf("dev"), nil},
	} {
		kvs, err := source.Collect(s.FetchMany(ctx, source.Filter{KeyPrefix: "app/", Label: tc.label}))
		requireNoError(t, err, "FetchMany(%v) error = %v", tc.label, err)
		got := keys(kvs)
		check(t, slices.Equal(got, tc.want), "FetchMany(%v) keys = %v, want %v", tc.label, got, tc.want)
		for _, kv := range kvs {
			check(t, kv.Label == tc.label, "FetchMany(%v) yielded label %v", tc.label, kv.Label)
		}
	}
}

// testFetchManyFields verifies that a key and version tag selection still
// returns both, and that the tags match a full listing.
func (st *SourceTester) testFetchManyFields(t *testing.T) {
	s := st.factory(t, st.seed())
	ctx := context.Background()

	light, err := source.Collect(s.FetchMany(ctx, source.Filter{
		KeyPrefix: "app/",
		Fields:    source.FieldKey | source.FieldVersionTag,
	}))
	requireNoError(t, err, "FetchMany(key, tag) error = %v", err)
	full, err := source.Collect(s.FetchMany(ctx, source.Filter{KeyPrefix: "app/", Fields: source.AllFields}))
	requireNoError(t, err, "FetchMany(all fields) error = %v", err)

	require(t, len(light) == len(full), "field selection changed the key set: %v vs %v", keys(light), keys(full))
	tags := tagMap(full)
	for _, kv := range light {
		check(t, kv.Key != "", "FetchMany(key, tag) yielded an empty key")
		check(t, kv.VersionTag != "", "FetchMany(key, tag) yielded no tag for %q", kv.Key)
		check(t, tags[kv.Key] == kv.VersionTag, "tag of %q = %q, full listing has %q", kv.Key, kv.VersionTag, tags[kv.Key])
	}
	for _, kv := range full {
		check(t, kv.Value != nil, "FetchMany(all fields) yielded no value for %q", kv.Key)
	}
}

// testStableVersionTags verifies that reads without writes return equal
// tags, and that FetchOne and FetchMany agree.
func (st *SourceTester) testStableVersionTags(t *testing.T) {
	s := st.factory(t, st.seed())
	ctx := context.Background()

	first, err := source.Collect(s.FetchMany(ctx, source.Filter{}))
	requireNoError(t, err, "FetchMany() error = %v", err)
	second, err := source.Collect(s.FetchMany(ctx, source.Filter{}))
	requireNoError(t, err, "FetchMany() error = %v", err)

	a, b := tagMap(first), tagMap(second)
	for key, tag := range a {
		check(t, b[key] == tag, "tag of %q changed between reads: %q -> %q", key, tag, b[key])

		one, err := s.FetchOne(ctx, key, types.NullLabel)
		requireNoError(t, err, "FetchOne(%q) error = %v", key, err)
		require(t, one != nil, "FetchOne(%q) = nil", key)
		check(t, one.VersionTag == tag, "FetchOne(%q) tag = %q, FetchMany has %q", key, one.VersionTag, tag)
	}
}

// testCanceledContext verifies that a canceled context fails both calls.
func (st *SourceTester) testCanceledContext(t *testing.T) {
	s := st.factory(t, st.seed())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := s.FetchOne(ctx, "app/color", types.NullLabel)
	check(t, err != nil, "FetchOne() with canceled context returned no error")

	_, err = source.Collect(s.FetchMany(ctx, source.Filter{}))
	check(t, err != nil, "FetchMany() with canceled context returned no error")
}

func keys(kvs []types.KeyValue) []string {
	out := make([]string, 0, len(kvs))
	for _, kv := range kvs {
		out = append(out, kv.Key)
	}
	slices.Sort(out)
	return slices.Clip(out)
}

func tagMap(kvs []types.KeyValue) map[string]string {
	m := make(map[string]string, len(kvs))
	for _, kv := range kvs {
		m[kv.Key] = kv.VersionTag
	}
	return m
}
