// Package metrics exposes Prometheus collectors for the watch engine.
//
// A nil *Metrics is valid and records nothing, so components can hold one
// unconditionally.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/yacchi/kvmirror/types"
)

// Namespace is the Prometheus namespace of every collector.
const Namespace = "kvmirror"

// Poll outcomes.
const (
	OutcomeUnchanged = "unchanged"
	OutcomeChanged   = "changed"
	OutcomeNoResult  = "no_result"
	OutcomeError     = "error"
)

// Metrics holds the collectors. Do not use the collectors directly, use the
// Observe* methods.
type Metrics struct {
	polls            *prometheus.CounterVec
	changes          *prometheus.CounterVec
	retries          *prometheus.CounterVec
	retriesExhausted *prometheus.CounterVec
	pollDuration     *prometheus.HistogramVec
}

// New creates the collectors and registers them with reg.
// A nil reg leaves them unregistered.
func New(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		polls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "polls_total",
			Help:      "The total number of poll cycles by outcome.",
		},
			[]string{"target", "outcome"},
		),
		changes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "changes_total",
			Help:      "The total number of emitted change events.",
		},
			[]string{"target", "type"},
		),
		retries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "retries_total",
			Help:      "The total number of retried remote calls.",
		},
			[]string{"target"},
		),
		retriesExhausted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "retries_exhausted_total",
			Help:      "The total number of remote calls that failed after every retry.",
		},
			[]string{"target"},
		),
		pollDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: Namespace,
			Name:      "poll_duration_seconds",
			Help:      "Bucketed histogram of poll cycle duration, retries included.",
			// 1ms up to about 65s
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 17),
		},
			[]string{"target"},
		),
	}

	if reg != nil {
		for _, c := range m.collectors() {
			if err := reg.Register(c); err != nil {
				return nil, err
			}
		}
	}
	return m, nil
}

// MustNew is like New but panics if registration fails.
func MustNew(reg prometheus.Registerer) *Metrics {
	m, err := New(reg)
	if err != nil {
		panic(err)
	}
	return m
}

func (m *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{m.polls, m.changes, m.retries, m.retriesExhausted, m.pollDuration}
}

// ObservePoll records a finished poll cycle.
func (m *Metrics) ObservePoll(target, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.polls.WithLabelValues(target, outcome).Inc()
	m.pollDuration.WithLabelValues(target).Observe(d.Seconds())
}

// ObserveChanges counts the events of an emitted batch.
func (m *Metrics) ObserveChanges(target string, changes []types.ChangeEvent) {
	if m == nil {
		return
	}
	for _, c := range changes {
		m.changes.WithLabelValues(target, c.Type.String()).Inc()
	}
}

// ObserveRetry counts a scheduled retry.
func (m *Metrics) ObserveRetry(target string) {
	if m == nil {
		return
	}
	m.retries.WithLabelValues(target).Inc()
}

// ObserveExhausted counts a call that ran out of retries.
func (m *Metrics) ObserveExhausted(target string) {
	if m == nil {
		return
	}
	m.retriesExhausted.WithLabelValues(target).Inc()
}
