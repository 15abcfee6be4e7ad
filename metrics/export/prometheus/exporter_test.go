package prometheus

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	prom "github.com/prometheus/client_golang/prometheus"

	goAuthSync "github.com/MrEthical07/goAuthSync"
)

type fakeSource struct {
	snapshot goAuthSync.MetricsSnapshot
	dropped  uint64
}

func (f fakeSource) MetricsSnapshot() goAuthSync.MetricsSnapshot { return f.snapshot }
func (f fakeSource) EventsDropped() uint64                       { return f.dropped }

func busySource() fakeSource {
	return fakeSource{
		snapshot: goAuthSync.MetricsSnapshot{
			Counters: map[goAuthSync.MetricID]uint64{
				goAuthSync.MetricFetchSuccess:         7,
				goAuthSync.MetricNotificationReceived: 3,
			},
			Histograms: map[goAuthSync.MetricID][]uint64{
				goAuthSync.MetricFetchLatency: {1, 2, 3, 4, 5, 6, 7, 8},
			},
		},
		dropped: 2,
	}
}

func TestRenderEmptyWhenMetricsDisabled(t *testing.T) {
	exp := NewPrometheusExporter(fakeSource{
		snapshot: goAuthSync.MetricsSnapshot{
			Counters:   map[goAuthSync.MetricID]uint64{},
			Histograms: map[goAuthSync.MetricID][]uint64{},
		},
	})

	if got := exp.Render(); got != "" {
		t.Fatalf("expected empty output for disabled metrics, got:\n%s", got)
	}
	if got := NewPrometheusExporter(nil).Render(); got != "" {
		t.Fatalf("expected empty output for nil source, got:\n%s", got)
	}
}

func TestRenderIncludesCounterAndHistogram(t *testing.T) {
	out := NewPrometheusExporter(busySource()).Render()

	for _, want := range []string{
		"# TYPE goauthsync_fetch_success_total counter",
		"goauthsync_fetch_success_total 7",
		"goauthsync_notification_received_total 3",
		"goauthsync_signout_total 0",
		"goauthsync_fetch_latency_seconds_bucket{le=\"0.005\"} 1",
		"goauthsync_fetch_latency_seconds_bucket{le=\"+Inf\"} 36",
		"goauthsync_fetch_latency_seconds_count 36",
		"goauthsync_events_dropped_total 2",
	} {
		if !strings.Contains(out, want) {
			t.Fatalf("expected %q in output, got:\n%s", want, out)
		}
	}
}

func TestHandlerWritesPrometheusContentType(t *testing.T) {
	exp := NewPrometheusExporter(busySource())

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	exp.Handler().ServeHTTP(rec, req)

	if got := rec.Header().Get("Content-Type"); !strings.Contains(got, "text/plain") {
		t.Fatalf("expected prometheus content type, got %q", got)
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "goauthsync_fetch_success_total 7") {
		t.Fatalf("expected counter in body, got:\n%s", rec.Body.String())
	}
}

func TestRegistryAcceptsExtraCollectors(t *testing.T) {
	exp := NewPrometheusExporter(busySource())
	extra := prom.NewCounter(prom.CounterOpts{Name: "relay_frames_total", Help: "Relayed frames."})
	extra.Add(4)
	exp.Registry().MustRegister(extra)

	if out := exp.Render(); !strings.Contains(out, "relay_frames_total 4") {
		t.Fatalf("expected extra collector in output, got:\n%s", out)
	}
}

func TestCollectorGathers(t *testing.T) {
	reg := prom.NewPedanticRegistry()
	if err := reg.Register(NewCollector(busySource(), prom.Labels{"context": "tab-1"})); err != nil {
		t.Fatalf("Register: %v", err)
	}

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}

	found := map[string]bool{}
	for _, mf := range families {
		found[mf.GetName()] = true
		m := mf.GetMetric()[0]
		switch mf.GetName() {
		case "goauthsync_fetch_success_total":
			if v := m.GetCounter().GetValue(); v != 7 {
				t.Fatalf("expected 7 fetch successes, got %v", v)
			}
			if l := m.GetLabel(); len(l) != 1 || l[0].GetValue() != "tab-1" {
				t.Fatalf("expected context label, got %v", l)
			}
		case "goauthsync_fetch_latency_seconds":
			h := m.GetHistogram()
			if h.GetSampleCount() != 36 || len(h.GetBucket()) != 7 || h.GetBucket()[0].GetCumulativeCount() != 1 {
				t.Fatalf("unexpected histogram %v", h)
			}
		case "goauthsync_events_dropped_total":
			if v := m.GetCounter().GetValue(); v != 2 {
				t.Fatalf("expected 2 dropped events, got %v", v)
			}
		}
	}
	if len(found) != 16 {
		t.Fatalf("expected 16 families, got %d", len(found))
	}
}

func BenchmarkRender(b *testing.B) {
	exp := NewPrometheusExporter(busySource())

	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = exp.Render()
	}
}
