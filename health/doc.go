// Package health aggregates the self-reported health of running components.
//
// Anything implementing component.Discoverable (the TCP server and the NATS
// forwarder do) can be registered with a Monitor. Check polls every source
// and folds the results into one Status:
//
//   - Healthy: running without recorded errors
//   - Degraded: running, but errors have been recorded
//   - Unhealthy: not running, for example after StopServer
//
// A system is unhealthy if any component is, degraded if any component is,
// and healthy otherwise.
//
//	monitor := health.NewMonitor()
//	monitor.Register("tcp-server", srv)
//	metricsServer.SetHealthHandler(monitor.Handler("activecore"))
//
// Error messages are scrubbed of URLs, IP addresses and credentials before
// they are exposed over HTTP.
package health
