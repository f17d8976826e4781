// Package metric provides Prometheus-based metrics collection and an HTTP
// endpoint for the sensor synchronization controller.
//
// A single MetricsRegistry owns the controller metrics (Metrics) covering
// device link state, clock synchronization, sample ingestion, signal quality and
// session lifecycle. Components that need additional collectors register them
// through the MetricsRegistrar methods keyed by component and metric name;
// duplicate registrations are reported as invalid errors rather than panics.
//
// # Basic Usage
//
//	registry := metric.NewMetricsRegistry()
//	server := metric.NewServer(":9090", "/metrics", registry)
//	if err := server.Start(); err != nil {
//	    return err
//	}
//	defer server.Stop(ctx)
//
//	m := registry.CoreMetrics()
//	m.RecordSync("shimmer-01", true, 12*time.Millisecond, 48*time.Millisecond, time.Millisecond)
//	m.RecordQualityScore("shimmer-01", 0.92)
//
// Every component accepts a nil *MetricsRegistry; CoreMetrics returns nil in
// that case and record calls are skipped.
package metric
