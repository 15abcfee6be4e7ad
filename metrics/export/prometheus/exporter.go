package prometheus

import (
	"net/http"
	"strings"

	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/prometheus/common/expfmt"

	"github.com/MrEthical07/goAuthSync/metrics/export/internaldefs"
)

// PrometheusExporter serves goAuthSync metrics from a private registry holding one
// Collector over source.
type PrometheusExporter struct {
	source   internaldefs.Source
	registry *prom.Registry
}

// NewPrometheusExporter creates an exporter reading from source, typically a
// *goAuthSync.Client or an internaldefs.Sum of them.
func NewPrometheusExporter(source internaldefs.Source) *PrometheusExporter {
	reg := prom.NewRegistry()
	if source != nil {
		reg.MustRegister(NewCollector(source, nil))
	}
	return &PrometheusExporter{source: source, registry: reg}
}

// Registry returns the exporter's registry so callers can add their own collectors.
func (p *PrometheusExporter) Registry() *prom.Registry {
	return p.registry
}

// Handler serves the registry with content negotiation.
func (p *PrometheusExporter) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{})
}

// Render returns the text exposition of the registry. It is empty when the source
// has metrics disabled and nothing was dropped.
func (p *PrometheusExporter) Render() string {
	if p == nil || p.source == nil {
		return ""
	}
	snapshot := p.source.MetricsSnapshot()
	if len(snapshot.Counters) == 0 && len(snapshot.Histograms) == 0 && p.source.EventsDropped() == 0 {
		return ""
	}

	families, err := p.registry.Gather()
	if err != nil {
		return ""
	}
	var b strings.Builder
	for _, mf := range families {
		if _, err := expfmt.MetricFamilyToText(&b, mf); err != nil {
			return ""
		}
	}
	return b.String()
}
