package worker

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/buccancs/fyp-multi-sensor-recording-system-sub023/metric"
)

// Metrics exports pool activity, one series per named pool. Create it once
// per registry and hand it to pools with WithMetrics.
type Metrics struct {
	depth    *prometheus.GaugeVec
	dropped  *prometheus.CounterVec
	duration *prometheus.HistogramVec
}

// NewMetrics registers the worker metric families with registry.
func NewMetrics(registry *metric.MetricsRegistry) (*Metrics, error) {
	m := &Metrics{
		depth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "sensorsync",
			Subsystem: "worker",
			Name:      "queue_depth",
			Help:      "Items waiting in the pool queue",
		}, []string{"pool"}),
		dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sensorsync",
			Subsystem: "worker",
			Name:      "dropped_total",
			Help:      "Items dropped because the queue was full",
		}, []string{"pool"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "sensorsync",
			Subsystem: "worker",
			Name:      "processing_duration_seconds",
			Help:      "Time spent processing one item",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
		}, []string{"pool", "status"}),
	}

	if err := registry.RegisterGaugeVec("worker", "queue_depth", m.depth); err != nil {
		return nil, err
	}
	if err := registry.RegisterCounterVec("worker", "dropped", m.dropped); err != nil {
		return nil, err
	}
	if err := registry.RegisterHistogramVec("worker", "processing_duration", m.duration); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Metrics) pool(name string) *poolMetrics {
	return &poolMetrics{
		queue:   m.depth.WithLabelValues(name),
		dropped: m.dropped.WithLabelValues(name),
		ok:      m.duration.WithLabelValues(name, "success"),
		failed:  m.duration.WithLabelValues(name, "error"),
	}
}

// poolMetrics methods are no-ops on nil.
type poolMetrics struct {
	queue   prometheus.Gauge
	dropped prometheus.Counter
	ok      prometheus.Observer
	failed  prometheus.Observer
}

func (m *poolMetrics) depth(n int) {
	if m != nil {
		m.queue.Set(float64(n))
	}
}

func (m *poolMetrics) drop() {
	if m != nil {
		m.dropped.Inc()
	}
}

func (m *poolMetrics) done(ok bool, d time.Duration) {
	if m == nil {
		return
	}
	if ok {
		m.ok.Observe(d.Seconds())
	} else {
		m.failed.Observe(d.Seconds())
	}
}
