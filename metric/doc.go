// Package metric provides Prometheus-based telemetry for the dispatcher,
// sources, and measurements, plus an HTTP server exposing it in Prometheus
// format.
//
// The package separates core dispatcher-level metrics (Metrics, registered
// automatically) from per-measurement or per-experiment metrics that callers
// register themselves through the MetricsRegistrar interface.
//
//	registry := metric.NewMetricsRegistry()
//	server := metric.NewServer(9090, "/metrics", registry)
//	go server.Start()
//	defer server.Stop()
//
//	core := registry.CoreMetrics()
//	core.RecordDispatcherStatus(runID, 2)
//	core.RecordTagsDispatched("Click", len(block.Tags))
package metric
