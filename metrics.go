package goAuthSync

import (
	"sync/atomic"
	"time"
)

// MetricID identifies one counter or histogram.
type MetricID uint16

const (
	// MetricFetchStarted counts session fetches issued by the scheduler.
	MetricFetchStarted MetricID = iota
	// MetricFetchSuccess counts fetches that resolved the session.
	MetricFetchSuccess
	// MetricFetchFailure counts transient fetch failures.
	MetricFetchFailure
	// MetricFetchUnauthenticated counts fetches the backend answered with no session.
	MetricFetchUnauthenticated
	// MetricTriggerDropped counts refresh triggers coalesced into a running fetch.
	MetricTriggerDropped
	// MetricNotificationPublished counts change notifications sent.
	MetricNotificationPublished
	// MetricNotificationPublishFailed counts notifications the transport rejected.
	MetricNotificationPublishFailed
	// MetricNotificationReceived counts notifications from other contexts.
	MetricNotificationReceived
	// MetricNotificationStale counts notifications ignored as older than local state.
	MetricNotificationStale
	// MetricStatusChanged counts status transitions.
	MetricStatusChanged
	// MetricSignInSuccess counts successful sign-ins.
	MetricSignInSuccess
	// MetricSignInFailure counts rejected sign-ins.
	MetricSignInFailure
	// MetricSignOut counts sign-outs.
	MetricSignOut
	// MetricRequiredRedirect counts required-session callbacks.
	MetricRequiredRedirect
	// MetricFetchLatency is the fetch latency histogram.
	MetricFetchLatency
	metricIDCount
)

// latencyBounds are the upper bounds of every bucket but the last, which is +Inf.
var latencyBounds = [...]time.Duration{
	5 * time.Millisecond,
	10 * time.Millisecond,
	25 * time.Millisecond,
	50 * time.Millisecond,
	100 * time.Millisecond,
	250 * time.Millisecond,
	500 * time.Millisecond,
}

const histBucketCount = len(latencyBounds) + 1

// counter sits on its own cache line; contexts of a busy process bump neighbouring
// ids from different goroutines.
type counter struct {
	n atomic.Uint64
	_ [56]byte
}

type latencyHistogram struct {
	buckets [histBucketCount]atomic.Uint64
	sum     atomic.Int64 // nanoseconds
}

// Metrics holds lock-free counters and the fetch latency histogram of one Client.
//
// A nil or disabled Metrics is valid and records nothing.
type Metrics struct {
	enabled       bool
	enableLatency bool
	counters      [metricIDCount]counter
	latency       latencyHistogram
}

// MetricsSnapshot is a point-in-time copy of Metrics. Histograms hold per-bucket
// (not cumulative) counts; HistogramSums the total observed time.
type MetricsSnapshot struct {
	Counters      map[MetricID]uint64
	Histograms    map[MetricID][]uint64
	HistogramSums map[MetricID]time.Duration
}

func emptySnapshot() MetricsSnapshot {
	return MetricsSnapshot{
		Counters:      map[MetricID]uint64{},
		Histograms:    map[MetricID][]uint64{},
		HistogramSums: map[MetricID]time.Duration{},
	}
}

// NewMetrics constructs metrics from cfg.
func NewMetrics(cfg MetricsConfig) *Metrics {
	return &Metrics{
		enabled:       cfg.Enabled,
		enableLatency: cfg.Enabled && cfg.EnableLatencyHistograms,
	}
}

// Enabled reports whether counters are recorded.
func (m *Metrics) Enabled() bool {
	return m != nil && m.enabled
}

// LatencyEnabled reports whether the latency histogram is recorded.
func (m *Metrics) LatencyEnabled() bool {
	return m != nil && m.enableLatency
}

// Inc adds one to counter id.
func (m *Metrics) Inc(id MetricID) {
	if !m.Enabled() || id >= metricIDCount || id == MetricFetchLatency {
		return
	}
	m.counters[id].n.Add(1)
}

// Observe records d in histogram id. Only MetricFetchLatency is a histogram.
func (m *Metrics) Observe(id MetricID, d time.Duration) {
	if !m.LatencyEnabled() || id != MetricFetchLatency {
		return
	}
	if d < 0 {
		d = 0
	}
	m.latency.buckets[bucketIndex(d)].Add(1)
	m.latency.sum.Add(int64(d))
}

// Value returns counter id.
func (m *Metrics) Value(id MetricID) uint64 {
	if m == nil || id >= metricIDCount {
		return 0
	}
	return m.counters[id].n.Load()
}

// Snapshot copies every counter, and the latency histogram when enabled. Buckets and
// sum are read without a common lock, so a concurrent Observe may show in one only.
func (m *Metrics) Snapshot() MetricsSnapshot {
	s := emptySnapshot()
	if !m.Enabled() {
		return s
	}

	for id := MetricID(0); id < metricIDCount; id++ {
		if id == MetricFetchLatency {
			continue
		}
		s.Counters[id] = m.counters[id].n.Load()
	}

	if m.enableLatency {
		buckets := make([]uint64, histBucketCount)
		for i := range buckets {
			buckets[i] = m.latency.buckets[i].Load()
		}
		s.Histograms[MetricFetchLatency] = buckets
		s.HistogramSums[MetricFetchLatency] = time.Duration(m.latency.sum.Load())
	}
	return s
}

func bucketIndex(d time.Duration) int {
	for i, bound := range latencyBounds {
		if d <= bound {
			return i
		}
	}
	return len(latencyBounds)
}
