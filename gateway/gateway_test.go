package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/buccancs/fyp-multi-sensor-recording-system-sub023/archive"
	"github.com/buccancs/fyp-multi-sensor-recording-system-sub023/errors"
	"github.com/buccancs/fyp-multi-sensor-recording-system-sub023/fusion"
	"github.com/buccancs/fyp-multi-sensor-recording-system-sub023/health"
	"github.com/buccancs/fyp-multi-sensor-recording-system-sub023/registry"
	"github.com/buccancs/fyp-multi-sensor-recording-system-sub023/session"
)

type fakeBackend struct {
	mu       sync.Mutex
	health   health.Status
	err      error
	lastQ    WindowQuery
	reason   string
	reconfig Reconfig
	limit    int
	events   chan registry.Event
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		health: health.NewHealthy("controller", "ok"),
		events: make(chan registry.Event, 16),
	}
}

func (f *fakeBackend) fail(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

func (f *fakeBackend) failure() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.err
}

func (f *fakeBackend) Status() Status {
	return Status{Devices: []registry.Device{{ID: "d1", State: registry.Streaming}}}
}

func (f *fakeBackend) Health(context.Context) health.Status { return f.health }

func (f *fakeBackend) Window(q WindowQuery) (Window, error) {
	f.mu.Lock()
	f.lastQ = q
	f.mu.Unlock()
	if err := f.failure(); err != nil {
		return Window{}, err
	}
	return Window{From: q.From, To: q.To, Tolerance: 5 * time.Millisecond}, nil
}

func (f *fakeBackend) StartSession(context.Context) (registry.Session, error) {
	if err := f.failure(); err != nil {
		return registry.Session{}, err
	}
	return registry.Session{ID: "s1", State: registry.SessionActive, Devices: []string{"d1"}}, nil
}

func (f *fakeBackend) StopSession(_ context.Context, reason string) (registry.Session, error) {
	f.mu.Lock()
	f.reason = reason
	f.mu.Unlock()
	if err := f.failure(); err != nil {
		return registry.Session{}, err
	}
	return registry.Session{ID: "s1", State: registry.SessionStopped, Reason: reason}, nil
}

func (f *fakeBackend) AdmitDevice(_ context.Context, id string) (registry.Session, error) {
	if err := f.failure(); err != nil {
		return registry.Session{}, err
	}
	return registry.Session{ID: "s1", State: registry.SessionActive, Devices: []string{"d1", id}}, nil
}

func (f *fakeBackend) Sessions(_ context.Context, limit int) ([]archive.Record, error) {
	f.mu.Lock()
	f.limit = limit
	f.mu.Unlock()
	return []archive.Record{{Session: registry.Session{ID: "s1", State: registry.SessionStopped}}}, f.failure()
}

func (f *fakeBackend) ResyncDevice(_ context.Context, id string) error { return f.deviceErr(id) }
func (f *fakeBackend) FailoverDevice(id, _ string) error               { return f.deviceErr(id) }
func (f *fakeBackend) ResetDevice(id string) error                     { return f.deviceErr(id) }

func (f *fakeBackend) deviceErr(id string) error {
	if id != "d1" {
		return errors.WrapInvalid(fmt.Errorf("%w: %s", errors.ErrUnknownDevice, id), "Manager", "Resync", "find device")
	}
	return nil
}

func (f *fakeBackend) Reconfigure(r Reconfig) error {
	if r.Empty() {
		return errors.WrapInvalid(fmt.Errorf("%w: nothing to change", errors.ErrInvalidConfig),
			"Controller", "Reconfigure", "check request")
	}
	f.mu.Lock()
	f.reconfig = r
	f.mu.Unlock()
	return nil
}

func (f *fakeBackend) Settings() any { return map[string]string{"mode": "test"} }

func (f *fakeBackend) Subscribe(int) (<-chan registry.Event, func()) {
	return f.events, func() {}
}

func newTestServer(t *testing.T, mutate func(*Config)) (*Server, *fakeBackend) {
	t.Helper()
	cfg := DefaultConfig()
	if mutate != nil {
		mutate(&cfg)
	}
	b := newFakeBackend()
	s, err := NewServer(cfg, b, nil)
	require.NoError(t, err)
	return s, b
}

func do(s *Server, method, target, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, target, nil)
	} else {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var body struct {
		Error  string `json:"error"`
		Status int    `json:"status"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, rec.Code, body.Status)
	return body.Error
}

func TestGetOrGenerateRequestID(t *testing.T) {
	req := httptest.NewRequest("GET", "/", nil)
	req.Header.Set("X-Request-ID", "abc-123")
	assert.Equal(t, "abc-123", getOrGenerateRequestID(req))

	req = httptest.NewRequest("GET", "/", nil)
	ids := make(map[string]bool)
	for i := 0; i < 100; i++ {
		id := getOrGenerateRequestID(req)
		require.Len(t, id, 16)
		require.False(t, ids[id], "duplicate id %s", id)
		ids[id] = true
	}
}

func TestServer_StatusAndRequestID(t *testing.T) {
	s, _ := newTestServer(t, nil)

	rec := do(s, "GET", "/api/status", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var st Status
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &st))
	require.Len(t, st.Devices, 1)
	assert.Equal(t, registry.Streaming, st.Devices[0].State)

	assert.Equal(t, http.StatusMethodNotAllowed, do(s, "DELETE", "/api/status", "").Code)
	assert.Equal(t, uint64(2), s.Stats().RequestsTotal)
	assert.Equal(t, uint64(1), s.Stats().RequestsFailed)
}

func TestServer_Health(t *testing.T) {
	s, b := newTestServer(t, nil)
	assert.Equal(t, http.StatusOK, do(s, "GET", "/health", "").Code)

	b.health = health.NewDegraded("controller", "one degraded")
	assert.Equal(t, http.StatusOK, do(s, "GET", "/health", "").Code)

	b.health = health.NewUnhealthy("controller", "down")
	rec := do(s, "GET", "/health", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "unhealthy")
}

func TestServer_WindowQuery(t *testing.T) {
	s, b := newTestServer(t, nil)

	rec := do(s, "GET", "/api/window?from=1000&to=2000&key=d2/gsr&ref=d1/gsr", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, int64(1000), b.lastQ.From)
	assert.Equal(t, int64(2000), b.lastQ.To)
	assert.Equal(t, []fusion.Key{{DeviceID: "d2", Channel: "gsr"}}, b.lastQ.Keys)
	require.NotNil(t, b.lastQ.Reference)
	assert.Equal(t, fusion.Key{DeviceID: "d1", Channel: "gsr"}, *b.lastQ.Reference)

	// no keys means every stream, no range means the last ten seconds
	rec = do(s, "GET", "/api/window", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []fusion.Key{{DeviceID: fusion.Wildcard, Channel: fusion.Wildcard}}, b.lastQ.Keys)
	assert.Equal(t, int64(defaultWindow), b.lastQ.To-b.lastQ.From)

	rec = do(s, "POST", "/api/window", `{"from_ns":5,"to_ns":10,"keys":[{"device_id":"d1","channel":"gsr"}]}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, int64(5), b.lastQ.From)
}

func TestServer_WindowRejections(t *testing.T) {
	s, b := newTestServer(t, func(c *Config) { c.MaxWindow = time.Second })

	tests := []struct {
		name   string
		target string
		want   string
	}{
		{"bad from", "/api/window?from=x&to=5", "invalid from"},
		{"bad key", "/api/window?key=nochannel", "invalid stream key"},
		{"reversed", "/api/window?from=10&to=5", "precede"},
		{"too long", fmt.Sprintf("/api/window?from=1&to=%d", int64(2*time.Second)), "window exceeds"},
		{"ref without keys", "/api/window?from=1&to=5&ref=d1/gsr", "at least one key"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(s, "GET", tt.target, "")
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Contains(t, decodeError(t, rec), tt.want)
		})
	}

	b.fail(errors.WrapTransient(fmt.Errorf("%w: d1", errors.ErrUnsynchronized), "Buffer", "Align", "read reference"))
	rec := do(s, "GET", "/api/window?from=1&to=5&key=d2/gsr&ref=d1/gsr", "")
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "device unsynchronized: d1", decodeError(t, rec))
}

func TestServer_Sessions(t *testing.T) {
	s, b := newTestServer(t, nil)

	rec := do(s, "POST", "/api/sessions", "")
	require.Equal(t, http.StatusCreated, rec.Code)
	var sess registry.Session
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &sess))
	assert.Equal(t, "s1", sess.ID)
	assert.Equal(t, registry.SessionActive, sess.State)

	rec = do(s, "POST", "/api/sessions/stop", "")
	require.Equal(t, http.StatusOK, rec.Code)
	rec = do(s, "POST", "/api/sessions/stop", `{"reason":"done for today"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "done for today", b.reason)
	assert.Equal(t, http.StatusBadRequest, do(s, "POST", "/api/sessions/stop", `{"why":"x"}`).Code)

	rec = do(s, "POST", "/api/sessions/admit/d9", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "d9")

	rec = do(s, "GET", "/api/sessions?limit=5", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 5, b.limit)
	assert.Equal(t, http.StatusBadRequest, do(s, "GET", "/api/sessions?limit=0", "").Code)

	b.fail(errors.WrapTransient(fmt.Errorf("%w: 1 of 3 acknowledged", errors.ErrQuorumNotMet), "Coordinator", "Start", "await acks"))
	rec = do(s, "POST", "/api/sessions", "")
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "session quorum not met: 1 of 3 acknowledged", decodeError(t, rec))

	b.fail(errors.WrapInvalid(errors.ErrNoSession, "Coordinator", "Stop", "check current session"))
	rec = do(s, "POST", "/api/sessions/stop", "")
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "no session in progress", decodeError(t, rec))
}

func TestServer_DeviceCommands(t *testing.T) {
	s, _ := newTestServer(t, nil)

	for _, action := range []string{"resync", "failover", "reset"} {
		rec := do(s, "POST", "/api/devices/d1/"+action, "")
		assert.Equal(t, http.StatusOK, rec.Code, action)

		rec = do(s, "POST", "/api/devices/ghost/"+action, "")
		assert.Equal(t, http.StatusNotFound, rec.Code, action)
		assert.Equal(t, "unknown device: ghost", decodeError(t, rec))
	}
}

func TestServer_Reconfigure(t *testing.T) {
	s, b := newTestServer(t, nil)

	rec := do(s, "POST", "/api/reconfigure", `{"quorum":{"mode":"count","count":2},"low_water":0.3}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.NotNil(t, b.reconfig.Quorum)
	assert.Equal(t, session.Quorum{Mode: session.QuorumCount, Count: 2}, *b.reconfig.Quorum)
	require.NotNil(t, b.reconfig.LowWater)
	assert.Equal(t, 0.3, *b.reconfig.LowWater)
	assert.Nil(t, b.reconfig.HighWater)

	assert.Equal(t, http.StatusBadRequest, do(s, "POST", "/api/reconfigure", "").Code)
	rec = do(s, "POST", "/api/reconfigure", `{}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid configuration: nothing to change", decodeError(t, rec))
}

func TestServer_RequestSizeLimit(t *testing.T) {
	s, _ := newTestServer(t, func(c *Config) { c.MaxRequestSize = 16 })
	rec := do(s, "POST", "/api/sessions/stop", `{"reason":"this reason is far too long"}`)
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
}

func TestServer_CORS(t *testing.T) {
	s, _ := newTestServer(t, func(c *Config) {
		c.EnableCORS = true
		c.CORSOrigins = []string{"http://console.local"}
	})

	req := httptest.NewRequest("OPTIONS", "/api/sessions", nil)
	req.Header.Set("Origin", "http://console.local")
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "http://console.local", rec.Header().Get("Access-Control-Allow-Origin"))

	req = httptest.NewRequest("GET", "/api/status", nil)
	req.Header.Set("Origin", "http://evil.example")
	rec = httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestMapErrorToHTTPStatus(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"nil", nil, http.StatusInternalServerError},
		{"unknown device", errors.WrapInvalid(errors.ErrUnknownDevice, "M", "R", "find"), http.StatusNotFound},
		{"session active", errors.WrapTransient(errors.ErrSessionActive, "C", "S", "check"), http.StatusConflict},
		{"late join", errors.WrapInvalid(errors.ErrLateJoinDenied, "C", "A", "check"), http.StatusConflict},
		{"no standby", errors.WrapInvalid(errors.ErrNoStandbyTransport, "M", "F", "switch"), http.StatusConflict},
		{"invalid", errors.WrapInvalid(errors.ErrInvalidConfig, "C", "R", "check"), http.StatusBadRequest},
		{"timeout", errors.WrapTransient(context.DeadlineExceeded, "C", "S", "await"), http.StatusGatewayTimeout},
		{"transient", errors.WrapTransient(errors.ErrStorageUnavailable, "S", "O", "open"), http.StatusServiceUnavailable},
		{"fatal", errors.WrapFatal(errors.ErrDeviceFatal, "M", "R", "run"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, mapErrorToHTTPStatus(tt.err))
		})
	}
}

func TestSanitizeError(t *testing.T) {
	err := errors.WrapTransient(fmt.Errorf("%w: open /var/data/x: permission denied", errors.ErrStorageUnavailable),
		"Store", "Open", "create session directory")
	assert.Equal(t, "service temporarily unavailable", sanitizeError(err, http.StatusServiceUnavailable))
	assert.Equal(t, "internal server error", sanitizeError(err, http.StatusInternalServerError))
	assert.Equal(t, "request timeout", sanitizeError(err, http.StatusGatewayTimeout))

	nested := errors.WrapInvalid(
		errors.Wrap(fmt.Errorf("%w: bad", errors.ErrInvalidData), "Buffer", "Window", "check range"),
		"Controller", "Window", "read")
	assert.Equal(t, "invalid data format: bad", sanitizeError(nested, http.StatusBadRequest))
}

func TestServer_StatusStream(t *testing.T) {
	s, b := newTestServer(t, func(c *Config) {
		c.StreamRate = 1
		c.StreamBurst = 2
	})
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/status/stream"
	ws, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	defer ws.Close()

	var msg StreamMessage
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	require.NoError(t, ws.ReadJSON(&msg))
	assert.Equal(t, StreamSnapshot, msg.Type)
	require.NotNil(t, msg.Status)
	assert.Len(t, msg.Status.Devices, 1)

	// the burst passes, the rest is skipped at one event per second
	for i := 0; i < 5; i++ {
		b.events <- registry.Event{Kind: registry.EventDeviceState, DeviceID: "d1", State: fmt.Sprint(i)}
	}
	for i := 0; i < 2; i++ {
		msg = StreamMessage{}
		require.NoError(t, ws.ReadJSON(&msg))
		assert.Equal(t, StreamEvent, msg.Type)
		require.NotNil(t, msg.Event)
		assert.Equal(t, fmt.Sprint(i), msg.Event.State)
	}
	require.Eventually(t, func() bool { return s.Stats().StreamSkipped == 3 }, 2*time.Second, 10*time.Millisecond)

	require.Eventually(t, func() bool { return s.Stats().StreamClients == 1 }, time.Second, 10*time.Millisecond)
}

func TestNewServer_Validation(t *testing.T) {
	_, err := NewServer(DefaultConfig(), nil, nil)
	assert.True(t, errors.IsFatal(err))

	cfg := DefaultConfig()
	cfg.EnableCORS = true
	_, err = NewServer(cfg, newFakeBackend(), nil)
	assert.True(t, errors.IsInvalid(err))
}
