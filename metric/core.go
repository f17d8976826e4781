package metric

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "sensorsync"

// Metrics contains the controller-level metrics shared by every component
type Metrics struct {
	// Link metrics
	DeviceState      *prometheus.GaugeVec
	MessagesReceived *prometheus.CounterVec
	MessagesRejected *prometheus.CounterVec
	LinkDrops        *prometheus.CounterVec
	Failovers        *prometheus.CounterVec

	// Clock sync metrics
	SyncOffset       *prometheus.GaugeVec
	SyncJitter       *prometheus.GaugeVec
	SyncMeasurements *prometheus.CounterVec
	SyncRoundTrip    *prometheus.HistogramVec

	// Signal and quality metrics
	SamplesIngested    *prometheus.CounterVec
	ArtifactScore      *prometheus.GaugeVec
	QualityScore       *prometheus.GaugeVec
	ProcessingDuration *prometheus.HistogramVec

	// Session metrics
	SessionState      prometheus.Gauge
	SessionDevices    prometheus.Gauge
	ErrorsTotal       *prometheus.CounterVec
	HealthCheckStatus *prometheus.GaugeVec
}

// NewMetrics creates a new Metrics instance with all controller metrics
func NewMetrics() *Metrics {
	return &Metrics{
		DeviceState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "device",
				Name:      "state",
				Help:      "Connection state ordinal per device (0=disconnected ... 9=failed)",
			},
			[]string{"device"},
		),

		MessagesReceived: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "messages",
				Name:      "received_total",
				Help:      "Total number of wire messages received",
			},
			[]string{"type"},
		),

		MessagesRejected: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "messages",
				Name:      "rejected_total",
				Help:      "Total number of malformed or out-of-order messages rejected",
			},
			[]string{"reason"},
		),

		LinkDrops: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "link",
				Name:      "drops_total",
				Help:      "Total number of device link drops",
			},
			[]string{"device"},
		),

		Failovers: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "link",
				Name:      "failovers_total",
				Help:      "Total number of transport failovers",
			},
			[]string{"device", "reason"},
		),

		SyncOffset: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "clock",
				Name:      "offset_seconds",
				Help:      "Smoothed clock offset of the device relative to the controller",
			},
			[]string{"device"},
		),

		SyncJitter: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "clock",
				Name:      "jitter_seconds",
				Help:      "Standard deviation of accepted offset measurements",
			},
			[]string{"device"},
		),

		SyncMeasurements: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "clock",
				Name:      "measurements_total",
				Help:      "Total number of sync exchanges by outcome",
			},
			[]string{"device", "accepted"},
		),

		SyncRoundTrip: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "clock",
				Name:      "round_trip_seconds",
				Help:      "Round-trip delay of sync exchanges",
				Buckets:   []float64{.001, .0025, .005, .01, .025, .05, .1, .25, .5, 1},
			},
			[]string{"device"},
		),

		SamplesIngested: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "samples",
				Name:      "ingested_total",
				Help:      "Total number of sensor samples ingested by quality flag",
			},
			[]string{"device", "flag"},
		),

		ArtifactScore: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "signal",
				Name:      "artifact_score",
				Help:      "Worst channel artifact score per device (0..1)",
			},
			[]string{"device"},
		),

		QualityScore: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "quality",
				Name:      "composite_score",
				Help:      "Composite quality score per device (0..1)",
			},
			[]string{"device"},
		),

		ProcessingDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "processing",
				Name:      "duration_seconds",
				Help:      "Per-batch ingestion duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"stage"},
		),

		SessionState: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "session",
				Name:      "state",
				Help:      "Current session state (0=none/stopped, 1=pending, 2=active, 3=degraded)",
			},
		),

		SessionDevices: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "session",
				Name:      "devices",
				Help:      "Number of devices participating in the current session",
			},
		),

		ErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "errors",
				Name:      "total",
				Help:      "Total number of errors by component and taxonomy kind",
			},
			[]string{"component", "kind"},
		),

		HealthCheckStatus: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "health",
				Name:      "status",
				Help:      "Health check status (0=unhealthy, 1=healthy)",
			},
			[]string{"component"},
		),
	}
}

// collectors returns every metric for registration
func (c *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		c.DeviceState, c.MessagesReceived, c.MessagesRejected, c.LinkDrops, c.Failovers,
		c.SyncOffset, c.SyncJitter, c.SyncMeasurements, c.SyncRoundTrip,
		c.SamplesIngested, c.ArtifactScore, c.QualityScore, c.ProcessingDuration,
		c.SessionState, c.SessionDevices, c.ErrorsTotal, c.HealthCheckStatus,
	}
}

// Record helpers are no-ops on a nil *Metrics so components can run without a
// registry.

// RecordDeviceState updates the state ordinal of a device
func (c *Metrics) RecordDeviceState(device string, state int) {
	if c == nil {
		return
	}
	c.DeviceState.WithLabelValues(device).Set(float64(state))
}

// RecordMessageReceived increments received message counter
func (c *Metrics) RecordMessageReceived(messageType string) {
	if c == nil {
		return
	}
	c.MessagesReceived.WithLabelValues(messageType).Inc()
}

// RecordMessageRejected increments the rejected message counter
func (c *Metrics) RecordMessageRejected(reason string) {
	if c == nil {
		return
	}
	c.MessagesRejected.WithLabelValues(reason).Inc()
}

// RecordLinkDrop increments the link drop counter
func (c *Metrics) RecordLinkDrop(device string) {
	if c == nil {
		return
	}
	c.LinkDrops.WithLabelValues(device).Inc()
}

// RecordFailover increments the failover counter
func (c *Metrics) RecordFailover(device, reason string) {
	if c == nil {
		return
	}
	c.Failovers.WithLabelValues(device, reason).Inc()
}

// RecordSync records one sync exchange outcome
func (c *Metrics) RecordSync(device string, accepted bool, roundTrip, offset, jitter time.Duration) {
	if c == nil {
		return
	}
	label := "false"
	if accepted {
		label = "true"
		c.SyncOffset.WithLabelValues(device).Set(offset.Seconds())
		c.SyncJitter.WithLabelValues(device).Set(jitter.Seconds())
	}
	c.SyncMeasurements.WithLabelValues(device, label).Inc()
	c.SyncRoundTrip.WithLabelValues(device).Observe(roundTrip.Seconds())
}

// RecordSamples adds n ingested samples with the given flag
func (c *Metrics) RecordSamples(device, flag string, n int) {
	if c == nil {
		return
	}
	c.SamplesIngested.WithLabelValues(device, flag).Add(float64(n))
}

// RecordArtifactScore updates the artifact score gauge
func (c *Metrics) RecordArtifactScore(device string, score float64) {
	if c == nil {
		return
	}
	c.ArtifactScore.WithLabelValues(device).Set(score)
}

// RecordQualityScore updates the composite quality gauge
func (c *Metrics) RecordQualityScore(device string, score float64) {
	if c == nil {
		return
	}
	c.QualityScore.WithLabelValues(device).Set(score)
}

// RecordProcessingDuration records processing time
func (c *Metrics) RecordProcessingDuration(stage string, duration time.Duration) {
	if c == nil {
		return
	}
	c.ProcessingDuration.WithLabelValues(stage).Observe(duration.Seconds())
}

// RecordSession updates session gauges
func (c *Metrics) RecordSession(state, devices int) {
	if c == nil {
		return
	}
	c.SessionState.Set(float64(state))
	c.SessionDevices.Set(float64(devices))
}

// RecordError increments error counter
func (c *Metrics) RecordError(component, kind string) {
	if c == nil {
		return
	}
	c.ErrorsTotal.WithLabelValues(component, kind).Inc()
}

// RecordHealthStatus updates health check status
func (c *Metrics) RecordHealthStatus(component string, healthy bool) {
	if c == nil {
		return
	}
	value := 0.0
	if healthy {
		value = 1.0
	}
	c.HealthCheckStatus.WithLabelValues(component).Set(value)
}
