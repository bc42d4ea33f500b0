// Package metric provides the Prometheus metrics registry used by components,
// the TCP layer and the NATS forwarder.
//
// A single MetricsRegistry owns a private prometheus.Registry (never the global
// default) pre-populated with the core Metrics plus the Go runtime and process
// collectors. Packages that accept a registry follow the nil-input-nil-feature
// rule: a nil *MetricsRegistry disables metrics without further checks by the
// caller.
//
//	registry := metric.NewMetricsRegistry()
//	comp := component.New(component.WithMetricsRegistry(registry))
//	srv := metric.NewServer(9090, "/metrics", registry)
//	go srv.Start()
package metric
