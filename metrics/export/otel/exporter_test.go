package otel

import (
	"context"
	"sync"
	"testing"
	"time"

	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	goAuthSync "github.com/MrEthical07/goAuthSync"
)

type fakeSource struct {
	mu       sync.RWMutex
	snapshot goAuthSync.MetricsSnapshot
	dropped  uint64
}

func (f *fakeSource) MetricsSnapshot() goAuthSync.MetricsSnapshot {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := goAuthSync.MetricsSnapshot{
		Counters:      make(map[goAuthSync.MetricID]uint64, len(f.snapshot.Counters)),
		Histograms:    make(map[goAuthSync.MetricID][]uint64, len(f.snapshot.Histograms)),
		HistogramSums: make(map[goAuthSync.MetricID]time.Duration, len(f.snapshot.HistogramSums)),
	}
	for k, v := range f.snapshot.HistogramSums {
		out.HistogramSums[k] = v
	}
	for k, v := range f.snapshot.Counters {
		out.Counters[k] = v
	}
	for k, buckets := range f.snapshot.Histograms {
		out.Histograms[k] = append([]uint64(nil), buckets...)
	}
	return out
}

func (f *fakeSource) EventsDropped() uint64 {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.dropped
}

func newReader() (*sdkmetric.ManualReader, *sdkmetric.MeterProvider) {
	reader := sdkmetric.NewManualReader()
	return reader, sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
}

func findSum(t *testing.T, rm metricdata.ResourceMetrics, name string) metricdata.DataPoint[int64] {
	t.Helper()
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != name {
				continue
			}
			switch data := m.Data.(type) {
			case metricdata.Sum[int64]:
				return data.DataPoints[0]
			case metricdata.Gauge[int64]:
				return data.DataPoints[0]
			}
		}
	}
	t.Fatalf("metric %s not collected", name)
	return metricdata.DataPoint[int64]{}
}

func findFloat(t *testing.T, rm metricdata.ResourceMetrics, name string) float64 {
	t.Helper()
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if g, ok := m.Data.(metricdata.Gauge[float64]); ok && m.Name == name {
				return g.DataPoints[0].Value
			}
		}
	}
	t.Fatalf("metric %s not collected", name)
	return 0
}

func TestExporterRegistersAndCollects(t *testing.T) {
	reader, provider := newReader()
	src := &fakeSource{
		snapshot: goAuthSync.MetricsSnapshot{
			Counters: map[goAuthSync.MetricID]uint64{
				goAuthSync.MetricFetchSuccess: 3,
			},
			Histograms: map[goAuthSync.MetricID][]uint64{
				goAuthSync.MetricFetchLatency: {1, 1, 1, 1, 1, 1, 1, 1},
			},
			HistogramSums: map[goAuthSync.MetricID]time.Duration{
				goAuthSync.MetricFetchLatency: 1500 * time.Millisecond,
			},
		},
		dropped: 1,
	}

	exp, err := NewOTelExporter(provider.Meter("goauthsync-test"), src, attribute.String("context", "tab-1"))
	if err != nil {
		t.Fatalf("NewOTelExporter failed: %v", err)
	}
	defer func() {
		if err := exp.Close(); err != nil {
			t.Fatalf("Close failed: %v", err)
		}
	}()

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect failed: %v", err)
	}

	dp := findSum(t, rm, "goauthsync_fetch_success_total")
	if dp.Value != 3 {
		t.Fatalf("expected 3, got %d", dp.Value)
	}
	if v, ok := dp.Attributes.Value("context"); !ok || v.AsString() != "tab-1" {
		t.Fatalf("expected context attribute, got %v", dp.Attributes)
	}
	if dp := findSum(t, rm, "goauthsync_fetch_latency_seconds_bucket_le_inf"); dp.Value != 8 {
		t.Fatalf("expected cumulative 8 in +Inf bucket, got %d", dp.Value)
	}
	if v := findFloat(t, rm, "goauthsync_fetch_latency_seconds_sum"); v != 1.5 {
		t.Fatalf("expected 1.5s latency sum, got %v", v)
	}
	if dp := findSum(t, rm, "goauthsync_events_dropped_total"); dp.Value != 1 {
		t.Fatalf("expected 1 dropped event, got %d", dp.Value)
	}
}

func TestExporterRejectsNilArguments(t *testing.T) {
	_, provider := newReader()

	if _, err := NewOTelExporter(provider.Meter("goauthsync-test"), nil); err != ErrNilSource {
		t.Fatalf("expected ErrNilSource, got %v", err)
	}
	if _, err := NewOTelExporter(nil, &fakeSource{}); err != ErrNilMeter {
		t.Fatalf("expected ErrNilMeter, got %v", err)
	}
}

func TestExporterConcurrentCollectNoPanic(t *testing.T) {
	reader, provider := newReader()
	src := &fakeSource{
		snapshot: goAuthSync.MetricsSnapshot{
			Counters: map[goAuthSync.MetricID]uint64{
				goAuthSync.MetricFetchSuccess: 1,
			},
			Histograms: map[goAuthSync.MetricID][]uint64{
				goAuthSync.MetricFetchLatency: {1, 0, 0, 0, 0, 0, 0, 0},
			},
		},
	}

	exp, err := NewOTelExporter(provider.Meter("goauthsync-test"), src)
	if err != nil {
		t.Fatalf("NewOTelExporter failed: %v", err)
	}
	defer func() {
		if err := exp.Close(); err != nil {
			t.Fatalf("Close failed: %v", err)
		}
	}()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(v uint64) {
			defer wg.Done()
			src.mu.Lock()
			src.snapshot.Counters[goAuthSync.MetricFetchSuccess] = v
			src.mu.Unlock()

			var rm metricdata.ResourceMetrics
			_ = reader.Collect(context.Background(), &rm)
		}(uint64(i + 1))
	}
	wg.Wait()
}
