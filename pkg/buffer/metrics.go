package buffer

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/buccancs/fyp-multi-sensor-recording-system-sub023/metric"
)

// Metrics exports ring activity to Prometheus, one series per named ring.
// Create it once per registry and hand it to rings with WithMetrics.
type Metrics struct {
	writes      *prometheus.CounterVec
	overflows   *prometheus.CounterVec
	size        *prometheus.GaugeVec
	utilization *prometheus.GaugeVec
}

// NewMetrics registers the buffer metric families with registry.
func NewMetrics(registry *metric.MetricsRegistry) (*Metrics, error) {
	labels := []string{"buffer"}
	m := &Metrics{
		writes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sensorsync",
			Subsystem: "buffer",
			Name:      "writes_total",
			Help:      "Items written per ring",
		}, labels),
		overflows: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sensorsync",
			Subsystem: "buffer",
			Name:      "overflows_total",
			Help:      "Writes that found the ring full",
		}, labels),
		size: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "sensorsync",
			Subsystem: "buffer",
			Name:      "items",
			Help:      "Items currently held per ring",
		}, labels),
		utilization: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "sensorsync",
			Subsystem: "buffer",
			Name:      "utilization_ratio",
			Help:      "Fill level per ring (0..1)",
		}, labels),
	}

	if err := registry.RegisterCounterVec("buffer", "writes", m.writes); err != nil {
		return nil, err
	}
	if err := registry.RegisterCounterVec("buffer", "overflows", m.overflows); err != nil {
		return nil, err
	}
	if err := registry.RegisterGaugeVec("buffer", "items", m.size); err != nil {
		return nil, err
	}
	if err := registry.RegisterGaugeVec("buffer", "utilization", m.utilization); err != nil {
		return nil, err
	}
	return m, nil
}

// Forget deletes the series of a ring that no longer exists.
func (m *Metrics) Forget(name string) {
	if m == nil {
		return
	}
	m.writes.DeleteLabelValues(name)
	m.overflows.DeleteLabelValues(name)
	m.size.DeleteLabelValues(name)
	m.utilization.DeleteLabelValues(name)
}

func (m *Metrics) ring(name string) *ringMetrics {
	return &ringMetrics{
		writes:      m.writes.WithLabelValues(name),
		overflows:   m.overflows.WithLabelValues(name),
		size:        m.size.WithLabelValues(name),
		utilization: m.utilization.WithLabelValues(name),
	}
}

// ringMetrics holds the series of one ring.
type ringMetrics struct {
	writes      prometheus.Counter
	overflows   prometheus.Counter
	size        prometheus.Gauge
	utilization prometheus.Gauge
}

func (m *ringMetrics) recordWrite(size, capacity int) {
	m.writes.Inc()
	m.updateSize(size, capacity)
}

func (m *ringMetrics) recordOverflow() {
	m.overflows.Inc()
}

func (m *ringMetrics) updateSize(size, capacity int) {
	m.size.Set(float64(size))
	m.utilization.Set(float64(size) / float64(capacity))
}
