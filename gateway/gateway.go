package gateway

import (
	"bufio"
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/buccancs/fyp-multi-sensor-recording-system-sub023/errors"
	"github.com/buccancs/fyp-multi-sensor-recording-system-sub023/fusion"
	"github.com/buccancs/fyp-multi-sensor-recording-system-sub023/health"
)

// defaultWindow is the span of a window query that names no range.
const defaultWindow = 10 * time.Second

// getOrGenerateRequestID extracts the request ID from headers or generates
// a new one
func getOrGenerateRequestID(r *http.Request) string {
	if reqID := r.Header.Get("X-Request-ID"); reqID != "" {
		return reqID
	}
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		return fmt.Sprintf("req-%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(b)
}

// Stats counts API traffic
type Stats struct {
	RequestsTotal   uint64 `json:"requests_total"`
	RequestsSuccess uint64 `json:"requests_success"`
	RequestsFailed  uint64 `json:"requests_failed"`
	BytesReceived   uint64 `json:"bytes_received"`
	StreamClients   int64  `json:"stream_clients"`
	StreamSkipped   uint64 `json:"stream_skipped"`
}

// Server is the operator HTTP API
type Server struct {
	cfg      Config
	backend  Backend
	logger   *slog.Logger
	mux      *http.ServeMux
	upgrader websocket.Upgrader

	mu       sync.Mutex
	server   *http.Server
	listener net.Listener

	requestsTotal   atomic.Uint64
	requestsSuccess atomic.Uint64
	requestsFailed  atomic.Uint64
	bytesReceived   atomic.Uint64
	streamClients   atomic.Int64
	streamSkipped   atomic.Uint64
}

// NewServer creates the API server for backend
func NewServer(cfg Config, backend Backend, logger *slog.Logger) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if backend == nil {
		return nil, errors.WrapFatal(fmt.Errorf("%w: backend is required", errors.ErrMissingConfig),
			"Server", "NewServer", "check dependencies")
	}
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		cfg:     cfg,
		backend: backend,
		logger:  logger.With("component", "gateway"),
		mux:     http.NewServeMux(),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
		CheckOrigin:     s.originAllowed,
	}
	s.routes()
	return s, nil
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.HandleFunc("GET /api/status", s.handleStatus)
	s.mux.HandleFunc("GET /api/status/stream", s.handleStream)
	s.mux.HandleFunc("GET /api/window", s.handleWindowQuery)
	s.mux.HandleFunc("POST /api/window", s.handleWindowBody)
	s.mux.HandleFunc("GET /api/config", s.handleConfig)
	s.mux.HandleFunc("POST /api/reconfigure", s.handleReconfigure)

	s.mux.HandleFunc("GET /api/sessions", s.handleSessions)
	s.mux.HandleFunc("POST /api/sessions", s.handleStartSession)
	s.mux.HandleFunc("POST /api/sessions/stop", s.handleStopSession)
	s.mux.HandleFunc("POST /api/sessions/admit/{device}", s.handleAdmit)

	s.mux.HandleFunc("POST /api/devices/{device}/resync", s.handleResync)
	s.mux.HandleFunc("POST /api/devices/{device}/failover", s.handleFailover)
	s.mux.HandleFunc("POST /api/devices/{device}/reset", s.handleReset)
}

// Handler returns the API with request IDs, CORS and accounting applied
func (s *Server) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := getOrGenerateRequestID(r)
		w.Header().Set("X-Request-ID", requestID)
		s.requestsTotal.Add(1)

		if s.cfg.EnableCORS {
			s.applyCORS(w, r)
			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}
		}

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		s.mux.ServeHTTP(rec, r)
		if rec.status >= 400 {
			s.requestsFailed.Add(1)
			s.logger.Debug("Request failed", "request_id", requestID, "method", r.Method,
				"path", r.URL.Path, "status", rec.status)
			return
		}
		s.requestsSuccess.Add(1)
	})
}

// Stats returns the request counters
func (s *Server) Stats() Stats {
	return Stats{
		RequestsTotal:   s.requestsTotal.Load(),
		RequestsSuccess: s.requestsSuccess.Load(),
		RequestsFailed:  s.requestsFailed.Load(),
		BytesReceived:   s.bytesReceived.Load(),
		StreamClients:   s.streamClients.Load(),
		StreamSkipped:   s.streamSkipped.Load(),
	}
}

// Start listens on the configured address and serves in the background
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.server != nil {
		return errors.WrapInvalid(errors.ErrAlreadyStarted, "Server", "Start", "start listener")
	}
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return errors.WrapFatal(err, "Server", "Start", fmt.Sprintf("listen on %s", s.cfg.Addr))
	}

	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	s.server = srv
	s.listener = ln
	go func() {
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Error("Operator API stopped", "error", err)
		}
	}()
	s.logger.Info("Operator API listening", "addr", ln.Addr().String())
	return nil
}

// Stop gracefully stops the server
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	srv := s.server
	s.server = nil
	s.listener = nil
	s.mu.Unlock()

	if srv == nil {
		return nil
	}
	if err := srv.Shutdown(ctx); err != nil {
		return errors.WrapTransient(err, "Server", "Stop", "shutdown HTTP server")
	}
	return nil
}

// Address returns the bound base URL, or the configured address if not started
func (s *Server) Address() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	addr := s.cfg.Addr
	if s.listener != nil {
		addr = s.listener.Addr().String()
	}
	return "http://" + addr
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Unwrap lets http.ResponseController reach the hijacker for websockets.
func (r *statusRecorder) Unwrap() http.ResponseWriter { return r.ResponseWriter }

// Hijack hands the connection to the websocket upgrader.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not support hijacking")
	}
	r.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	st := s.backend.Health(r.Context())
	code := http.StatusOK
	if st.Status == health.StatusUnhealthy {
		code = http.StatusServiceUnavailable
	}
	s.writeJSON(w, code, st)
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.backend.Status())
}

func (s *Server) handleConfig(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.backend.Settings())
}

func (s *Server) handleWindowQuery(w http.ResponseWriter, r *http.Request) {
	q, err := parseWindowQuery(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.window(w, q)
}

func (s *Server) handleWindowBody(w http.ResponseWriter, r *http.Request) {
	var q WindowQuery
	if !s.readJSON(w, r, &q, false) {
		return
	}
	s.window(w, q)
}

func (s *Server) window(w http.ResponseWriter, q WindowQuery) {
	if q.To == 0 {
		q.To = time.Now().UnixNano()
	}
	if q.From == 0 {
		q.From = q.To - int64(defaultWindow)
	}
	switch {
	case q.To < q.From:
		s.writeError(w, http.StatusBadRequest, "to must not precede from")
		return
	case time.Duration(q.To-q.From) > s.cfg.MaxWindow:
		s.writeError(w, http.StatusBadRequest, fmt.Sprintf("window exceeds %s", s.cfg.MaxWindow))
		return
	case q.Reference != nil && len(q.Keys) == 0:
		s.writeError(w, http.StatusBadRequest, "alignment needs at least one key")
		return
	}
	if len(q.Keys) == 0 {
		q.Keys = []fusion.Key{{DeviceID: fusion.Wildcard, Channel: fusion.Wildcard}}
	}

	win, err := s.backend.Window(q)
	if err != nil {
		s.writeBackendError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, win)
}

// parseWindowQuery reads from, to (Unix ns), repeated key=device/channel and
// an optional ref=device/channel.
func parseWindowQuery(r *http.Request) (WindowQuery, error) {
	var q WindowQuery
	v := r.URL.Query()
	var err error
	if s := v.Get("from"); s != "" {
		if q.From, err = strconv.ParseInt(s, 10, 64); err != nil {
			return q, fmt.Errorf("invalid from %q", s)
		}
	}
	if s := v.Get("to"); s != "" {
		if q.To, err = strconv.ParseInt(s, 10, 64); err != nil {
			return q, fmt.Errorf("invalid to %q", s)
		}
	}
	for _, s := range v["key"] {
		k, err := parseKey(s)
		if err != nil {
			return q, err
		}
		q.Keys = append(q.Keys, k)
	}
	if s := v.Get("ref"); s != "" {
		k, err := parseKey(s)
		if err != nil {
			return q, err
		}
		q.Reference = &k
	}
	return q, nil
}

func parseKey(s string) (fusion.Key, error) {
	dev, ch, ok := strings.Cut(s, "/")
	if !ok || dev == "" || ch == "" {
		return fusion.Key{}, fmt.Errorf("invalid stream key %q, want device/channel", s)
	}
	return fusion.Key{DeviceID: dev, Channel: ch}, nil
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			s.writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid limit %q", v))
			return
		}
		limit = n
	}
	recs, err := s.backend.Sessions(r.Context(), limit)
	if err != nil {
		s.writeBackendError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, recs)
}

func (s *Server) handleStartSession(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.RequestTimeout)
	defer cancel()
	sess, err := s.backend.StartSession(ctx)
	if err != nil {
		s.writeBackendError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, sess)
}

type reasonRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) handleStopSession(w http.ResponseWriter, r *http.Request) {
	var req reasonRequest
	if !s.readJSON(w, r, &req, true) {
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.RequestTimeout)
	defer cancel()
	sess, err := s.backend.StopSession(ctx, req.Reason)
	if err != nil {
		s.writeBackendError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, sess)
}

func (s *Server) handleAdmit(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.RequestTimeout)
	defer cancel()
	sess, err := s.backend.AdmitDevice(ctx, r.PathValue("device"))
	if err != nil {
		s.writeBackendError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, sess)
}

func (s *Server) handleResync(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.RequestTimeout)
	defer cancel()
	s.deviceResult(w, r.PathValue("device"), "resynced", s.backend.ResyncDevice(ctx, r.PathValue("device")))
}

func (s *Server) handleFailover(w http.ResponseWriter, r *http.Request) {
	var req reasonRequest
	if !s.readJSON(w, r, &req, true) {
		return
	}
	id := r.PathValue("device")
	s.deviceResult(w, id, "failed_over", s.backend.FailoverDevice(id, req.Reason))
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("device")
	s.deviceResult(w, id, "reset", s.backend.ResetDevice(id))
}

func (s *Server) deviceResult(w http.ResponseWriter, id, action string, err error) {
	if err != nil {
		s.writeBackendError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"device_id": id, "result": action})
}

func (s *Server) handleReconfigure(w http.ResponseWriter, r *http.Request) {
	var req Reconfig
	if !s.readJSON(w, r, &req, false) {
		return
	}
	if err := s.backend.Reconfigure(req); err != nil {
		s.writeBackendError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, s.backend.Settings())
}

// readJSON decodes a size-limited body into v. An empty body is accepted
// when optional is set.
func (s *Server) readJSON(w http.ResponseWriter, r *http.Request, v any, optional bool) bool {
	defer r.Body.Close()

	body, err := io.ReadAll(io.LimitReader(r.Body, s.cfg.MaxRequestSize+1))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "failed to read request body")
		return false
	}
	if int64(len(body)) > s.cfg.MaxRequestSize {
		s.writeError(w, http.StatusRequestEntityTooLarge,
			fmt.Sprintf("request body exceeds maximum size of %d bytes", s.cfg.MaxRequestSize))
		return false
	}
	s.bytesReceived.Add(uint64(len(body)))

	if len(strings.TrimSpace(string(body))) == 0 {
		if optional {
			return true
		}
		s.writeError(w, http.StatusBadRequest, "request body is required")
		return false
	}
	dec := json.NewDecoder(strings.NewReader(string(body)))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return false
	}
	return true
}

// applyCORS applies CORS headers for allowed origins
func (s *Server) applyCORS(w http.ResponseWriter, r *http.Request) {
	origin := r.Header.Get("Origin")
	if !s.originListed(origin) {
		return
	}
	if origin != "" {
		w.Header().Set("Access-Control-Allow-Origin", origin)
		w.Header().Add("Vary", "Origin")
	} else {
		w.Header().Set("Access-Control-Allow-Origin", "*")
	}
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-Request-ID")
	w.Header().Set("Access-Control-Max-Age", "3600")
}

func (s *Server) originListed(origin string) bool {
	for _, allowed := range s.cfg.CORSOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}

// originAllowed gates status stream upgrades. Without CORS only same-host
// clients may connect.
func (s *Server) originAllowed(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	if s.cfg.EnableCORS && s.originListed(origin) {
		return true
	}
	return strings.TrimPrefix(strings.TrimPrefix(origin, "http://"), "https://") == r.Host
}

// mapErrorToHTTPStatus maps backend errors to HTTP status codes
func mapErrorToHTTPStatus(err error) int {
	switch {
	case err == nil:
		return http.StatusInternalServerError
	case errors.Is(err, errors.ErrUnknownDevice):
		return http.StatusNotFound
	case errors.Is(err, errors.ErrNoSession),
		errors.Is(err, errors.ErrSessionActive),
		errors.Is(err, errors.ErrQuorumNotMet),
		errors.Is(err, errors.ErrLateJoinDenied),
		errors.Is(err, errors.ErrNoStandbyTransport),
		errors.Is(err, errors.ErrInvalidTransition),
		errors.Is(err, errors.ErrUnsynchronized):
		return http.StatusConflict
	case errors.IsInvalid(err):
		return http.StatusBadRequest
	case errors.IsTransient(err):
		if errors.Is(err, context.DeadlineExceeded) || strings.Contains(err.Error(), "timeout") {
			return http.StatusGatewayTimeout
		}
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

var wrapPrefix = regexp.MustCompile(`^([A-Za-z]+\.[A-Za-z]+: [^:]+ failed: )+`)

// sanitizeError returns a safe message for clients. Request and state
// errors keep their cause; everything else is generic.
func sanitizeError(err error, status int) string {
	if err == nil {
		return "internal server error"
	}
	switch status {
	case http.StatusBadRequest, http.StatusNotFound, http.StatusConflict:
		return wrapPrefix.ReplaceAllString(err.Error(), "")
	case http.StatusGatewayTimeout:
		return "request timeout"
	case http.StatusServiceUnavailable:
		return "service temporarily unavailable"
	}
	return "internal server error"
}

func (s *Server) writeBackendError(w http.ResponseWriter, err error) {
	status := mapErrorToHTTPStatus(err)
	if status >= 500 {
		s.logger.Warn("Backend request failed", "status", status, "error", err)
	}
	s.writeError(w, status, sanitizeError(err, status))
}

// writeError writes an error response
func (s *Server) writeError(w http.ResponseWriter, statusCode int, message string) {
	s.writeJSON(w, statusCode, map[string]any{
		"error":  message,
		"status": statusCode,
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, statusCode int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		s.logger.Error("Failed to encode response", "error", err)
		statusCode = http.StatusInternalServerError
		data = []byte(`{"error":"internal server error","status":500}`)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_, _ = w.Write(data)
}
