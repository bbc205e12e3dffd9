// Package metrics samples local resource usage (CPU, memory, disk) on
// an interval and keeps it as a Snapshot, which the server renders as
// the JSON body of GET /metrics. The same values are also set on
// Prometheus gauges registered with the default registry; this package
// exposes no HTTP handler, so nothing serves them in Prometheus
// exposition format.
package metrics
