// Package prometheus exports goAuthSync metrics to Prometheus.
//
// [Collector] turns a metrics source into client_golang const metrics on every
// scrape. [PrometheusExporter] wraps one in a private registry and serves it, either
// through promhttp or as a rendered text exposition. Counter names are prefixed
// goauthsync_*_total; the single histogram is goauthsync_fetch_latency_seconds.
//
// # What this package must NOT do
//
//   - Register anything in the global Prometheus registry.
//   - Mutate client state.
package prometheus
