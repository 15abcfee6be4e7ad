package internaldefs

import (
	"time"

	goAuthSync "github.com/MrEthical07/goAuthSync"
)

// CounterDef names one counter for exporters.
type CounterDef struct {
	ID   goAuthSync.MetricID
	Name string
	Help string
}

// HistogramDef names one latency histogram for exporters.
type HistogramDef struct {
	ID   goAuthSync.MetricID
	Name string
	Help string
}

// CounterDefs lists every exported counter in a stable order.
var CounterDefs = []CounterDef{
	{ID: goAuthSync.MetricFetchStarted, Name: "goauthsync_fetch_started_total", Help: "Session fetches issued."},
	{ID: goAuthSync.MetricFetchSuccess, Name: "goauthsync_fetch_success_total", Help: "Session fetches that resolved the session."},
	{ID: goAuthSync.MetricFetchFailure, Name: "goauthsync_fetch_failure_total", Help: "Session fetches that failed transiently."},
	{ID: goAuthSync.MetricFetchUnauthenticated, Name: "goauthsync_fetch_unauthenticated_total", Help: "Session fetches answered with no session."},
	{ID: goAuthSync.MetricTriggerDropped, Name: "goauthsync_trigger_dropped_total", Help: "Refresh triggers dropped while a fetch was running or backing off."},
	{ID: goAuthSync.MetricNotificationPublished, Name: "goauthsync_notification_published_total", Help: "Change notifications published."},
	{ID: goAuthSync.MetricNotificationPublishFailed, Name: "goauthsync_notification_publish_failed_total", Help: "Change notifications the transport rejected."},
	{ID: goAuthSync.MetricNotificationReceived, Name: "goauthsync_notification_received_total", Help: "Change notifications received from other contexts."},
	{ID: goAuthSync.MetricNotificationStale, Name: "goauthsync_notification_stale_total", Help: "Notifications ignored as not newer than local state."},
	{ID: goAuthSync.MetricStatusChanged, Name: "goauthsync_status_changed_total", Help: "Session status transitions."},
	{ID: goAuthSync.MetricSignInSuccess, Name: "goauthsync_signin_success_total", Help: "Successful sign-ins."},
	{ID: goAuthSync.MetricSignInFailure, Name: "goauthsync_signin_failure_total", Help: "Rejected or failed sign-ins."},
	{ID: goAuthSync.MetricSignOut, Name: "goauthsync_signout_total", Help: "Sign-outs."},
	{ID: goAuthSync.MetricRequiredRedirect, Name: "goauthsync_required_redirect_total", Help: "Required-session callbacks fired."},
}

// HistogramDefs lists every exported histogram.
var HistogramDefs = []HistogramDef{
	{ID: goAuthSync.MetricFetchLatency, Name: "goauthsync_fetch_latency_seconds", Help: "Session fetch latency."},
}

// EventsDroppedName names the dispatcher drop counter.
const (
	EventsDroppedName = "goauthsync_events_dropped_total"
	EventsDroppedHelp = "Lifecycle events dropped due to dispatcher backpressure."
)

// HistogramBounds are the bucket upper bounds as exposition labels.
var HistogramBounds = []string{
	"0.005",
	"0.01",
	"0.025",
	"0.05",
	"0.1",
	"0.25",
	"0.5",
	"+Inf",
}

// HistogramBoundValues are HistogramBounds in seconds, without +Inf.
var HistogramBoundValues = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5}

// HistogramBoundSuffix are HistogramBounds as instrument name suffixes.
var HistogramBoundSuffix = []string{
	"0_005",
	"0_01",
	"0_025",
	"0_05",
	"0_1",
	"0_25",
	"0_5",
	"inf",
}

// Source is anything exporters can read; *goAuthSync.Client satisfies it.
type Source interface {
	MetricsSnapshot() goAuthSync.MetricsSnapshot
	EventsDropped() uint64
}

// Sum merges several sources, e.g. every context of one process.
type Sum []Source

// MetricsSnapshot adds up counters, buckets and sums of every member.
func (s Sum) MetricsSnapshot() goAuthSync.MetricsSnapshot {
	out := goAuthSync.MetricsSnapshot{
		Counters:      map[goAuthSync.MetricID]uint64{},
		Histograms:    map[goAuthSync.MetricID][]uint64{},
		HistogramSums: map[goAuthSync.MetricID]time.Duration{},
	}
	for _, src := range s {
		snap := src.MetricsSnapshot()
		for id, v := range snap.Counters {
			out.Counters[id] += v
		}
		for id, buckets := range snap.Histograms {
			acc := out.Histograms[id]
			if len(acc) < len(buckets) {
				acc = append(acc, make([]uint64, len(buckets)-len(acc))...)
			}
			for i, v := range buckets {
				acc[i] += v
			}
			out.Histograms[id] = acc
		}
		for id, d := range snap.HistogramSums {
			out.HistogramSums[id] += d
		}
	}
	return out
}

// EventsDropped adds up the drop counters of every member.
func (s Sum) EventsDropped() uint64 {
	var n uint64
	for _, src := range s {
		n += src.EventsDropped()
	}
	return n
}

// NormalizeBuckets pads or truncates raw to the fixed bucket count.
func NormalizeBuckets(raw []uint64) [8]uint64 {
	var out [8]uint64
	for i := 0; i < len(out) && i < len(raw); i++ {
		out[i] = raw[i]
	}
	return out
}

// CumulativeBuckets turns per-bucket counts into running totals.
func CumulativeBuckets(raw [8]uint64) [8]uint64 {
	var out [8]uint64
	var running uint64
	for i := 0; i < len(raw); i++ {
		running += raw[i]
		out[i] = running
	}
	return out
}
