package metrics_test

import (
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/yacchi/kvmirror/metrics"
	"github.com/yacchi/kvmirror/types"
)

func TestMetrics_Observe(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := metrics.New(reg)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	m.ObservePoll("app/", metrics.OutcomeChanged, 20*time.Millisecond)
	m.ObservePoll("app/", metrics.OutcomeUnchanged, 10*time.Millisecond)
	m.ObservePoll("app/", metrics.OutcomeUnchanged, 10*time.Millisecond)
	m.ObserveChanges("app/", []types.ChangeEvent{
		{Type: types.Modified, Key: "app/a"},
		{Type: types.Deleted, Key: "app/b"},
		{Type: types.Deleted, Key: "app/c"},
	})
	m.ObserveRetry("app/")
	m.ObserveRetry("app/")
	m.ObserveExhausted("app/")

	expected := `
# HELP kvmirror_changes_total The total number of emitted change events.
# TYPE kvmirror_changes_total counter
kvmirror_changes_total{target="app/",type="deleted"} 2
kvmirror_changes_total{target="app/",type="modified"} 1
# HELP kvmirror_polls_total The total number of poll cycles by outcome.
# TYPE kvmirror_polls_total counter
kvmirror_polls_total{outcome="changed",target="app/"} 1
kvmirror_polls_total{outcome="unchanged",target="app/"} 2
# HELP kvmirror_retries_exhausted_total The total number of remote calls that failed after every retry.
# TYPE kvmirror_retries_exhausted_total counter
kvmirror_retries_exhausted_total{target="app/"} 1
# HELP kvmirror_retries_total The total number of retried remote calls.
# TYPE kvmirror_retries_total counter
kvmirror_retries_total{target="app/"} 2
`
	err = testutil.GatherAndCompare(reg, strings.NewReader(expected),
		"kvmirror_changes_total",
		"kvmirror_polls_total",
		"kvmirror_retries_exhausted_total",
		"kvmirror_retries_total",
	)
	if err != nil {
		t.Error(err)
	}

	n, err := testutil.GatherAndCount(reg, "kvmirror_poll_duration_seconds")
	if err != nil {
		t.Fatalf("GatherAndCount() error = %v", err)
	}
	if n != 1 {
		t.Errorf("poll_duration_seconds series = %d, want 1", n)
	}
}

func TestMetrics_DuplicateRegistration(t *testing.T) {
	reg := prometheus.NewRegistry()
	if _, err := metrics.New(reg); err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if _, err := metrics.New(reg); err == nil {
		t.Error("second New() on the same registry should fail")
	}
}

func TestMetrics_NilIsNoop(t *testing.T) {
	var m *metrics.Metrics
	m.ObservePoll("k", metrics.OutcomeError, time.Second)
	m.ObserveChanges("k", []types.ChangeEvent{{Type: types.Modified}})
	m.ObserveRetry("k")
	m.ObserveExhausted("k")
}

func TestNew_NilRegisterer(t *testing.T) {
	m, err := metrics.New(nil)
	if err != nil || m == nil {
		t.Fatalf("New(nil) = (%v, %v)", m, err)
	}
	m.ObserveRetry("k")
}
