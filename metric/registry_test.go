package metric

import (
	"fmt"
	"io"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/buccancs/fyp-multi-sensor-recording-system-sub023/errors"
)

func TestNewMetricsRegistry(t *testing.T) {
	registry := NewMetricsRegistry()

	assert.NotNil(t, registry)
	assert.NotNil(t, registry.PrometheusRegistry())
	assert.NotNil(t, registry.CoreMetrics())
}

func TestMetricsRegistry_NilCoreMetrics(t *testing.T) {
	var registry *MetricsRegistry
	assert.Nil(t, registry.CoreMetrics())
}

func TestMetricsRegistry_RegisterCounter(t *testing.T) {
	registry := NewMetricsRegistry()

	counter := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "test_counter",
		Help: "A test counter",
	})

	err := registry.RegisterCounter("fusion", "test_counter", counter)
	require.NoError(t, err)
	counter.Inc()

	metricFamilies, err := registry.PrometheusRegistry().Gather()
	require.NoError(t, err)

	found := false
	for _, mf := range metricFamilies {
		if mf.GetName() == "test_counter" {
			found = true
			break
		}
	}
	assert.True(t, found, "Counter should be registered in Prometheus registry")
}

func TestMetricsRegistry_PreventDuplicateRegistration(t *testing.T) {
	registry := NewMetricsRegistry()

	gauge := prometheus.NewGauge(prometheus.GaugeOpts{Name: "dup_gauge", Help: "dup"})
	require.NoError(t, registry.RegisterGauge("fusion", "dup_gauge", gauge))

	err := registry.RegisterGauge("fusion", "dup_gauge", gauge)
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))

	// Same prometheus name under another component key conflicts inside prometheus.
	other := prometheus.NewGauge(prometheus.GaugeOpts{Name: "dup_gauge", Help: "dup"})
	err = registry.RegisterGauge("quality", "dup_gauge", other)
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))
}

func TestMetricsRegistry_UnregisterMetric(t *testing.T) {
	registry := NewMetricsRegistry()

	vec := prometheus.NewCounterVec(prometheus.CounterOpts{Name: "unreg_total", Help: "x"}, []string{"device"})
	require.NoError(t, registry.RegisterCounterVec("connection", "unreg_total", vec))

	assert.True(t, registry.Unregister("connection", "unreg_total"))
	assert.False(t, registry.Unregister("connection", "unreg_total"))

	require.NoError(t, registry.RegisterCounterVec("connection", "unreg_total", vec))
}

func TestMetricsRegistry_ThreadSafety(t *testing.T) {
	registry := NewMetricsRegistry()

	var wg sync.WaitGroup
	errs := make(chan error, 20)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			name := fmt.Sprintf("concurrent_%d", i)
			g := prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: name, Help: "x"}, []string{"device"})
			errs <- registry.RegisterGaugeVec("worker", name, g)
		}(i)
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		assert.NoError(t, err)
	}
}

func TestMetricsRegistrar_Interface(t *testing.T) {
	var _ MetricsRegistrar = NewMetricsRegistry()
}

func TestCoreMetrics_RecordMethods(t *testing.T) {
	registry := NewMetricsRegistry()
	m := registry.CoreMetrics()

	m.RecordDeviceState("dev-a", 5)
	m.RecordMessageReceived("sensor_data")
	m.RecordMessageRejected("schema")
	m.RecordLinkDrop("dev-a")
	m.RecordFailover("dev-a", "quality")
	m.RecordSync("dev-a", true, 10*time.Millisecond, 50*time.Millisecond, time.Millisecond)
	m.RecordSync("dev-a", false, 900*time.Millisecond, 0, 0)
	m.RecordSamples("dev-a", "ok", 32)
	m.RecordArtifactScore("dev-a", 0.2)
	m.RecordQualityScore("dev-a", 0.8)
	m.RecordProcessingDuration("ingest", 2*time.Millisecond)
	m.RecordSession(2, 3)
	m.RecordError("connection", "transient_network")
	m.RecordHealthStatus("archive", true)

	assert.Equal(t, 5.0, testutil.ToFloat64(m.DeviceState.WithLabelValues("dev-a")))
	assert.Equal(t, 32.0, testutil.ToFloat64(m.SamplesIngested.WithLabelValues("dev-a", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.SyncMeasurements.WithLabelValues("dev-a", "true")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.SyncMeasurements.WithLabelValues("dev-a", "false")))
	assert.InDelta(t, 0.05, testutil.ToFloat64(m.SyncOffset.WithLabelValues("dev-a")), 1e-9)
	assert.Equal(t, 2.0, testutil.ToFloat64(m.SessionState))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.HealthCheckStatus.WithLabelValues("archive")))
}

func TestServer_ServesMetrics(t *testing.T) {
	registry := NewMetricsRegistry()
	registry.CoreMetrics().RecordMessageReceived("handshake")

	server := NewServer("127.0.0.1:0", "/metrics", registry)
	require.NoError(t, server.Start())
	defer func() { _ = server.Stop(t.Context()) }()

	assert.Error(t, server.Start(), "second start must fail")

	resp, err := http.Get(server.Address())
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "sensorsync_messages_received_total")
}
