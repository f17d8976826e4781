package transport

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/buccancs/fyp-multi-sensor-recording-system-sub023/errors"
	"github.com/buccancs/fyp-multi-sensor-recording-system-sub023/protocol"
	"github.com/buccancs/fyp-multi-sensor-recording-system-sub023/registry"
)

const defaultWriteTimeout = 5 * time.Second

// wsConn is a direct device link over a websocket.
type wsConn struct {
	ws     *websocket.Conn
	in     *inbox
	remote string

	writeMu sync.Mutex
}

func newWSConn(ws *websocket.Conn, inboxSize int) *wsConn {
	ws.SetReadLimit(protocol.MaxFrameSize)
	c := &wsConn{
		ws:     ws,
		in:     newInbox(inboxSize),
		remote: ws.RemoteAddr().String(),
	}
	go c.readPump()
	return c
}

// readPump owns all reads on the socket. A websocket read deadline poisons the
// connection, so cancellation is handled at the inbox instead.
func (c *wsConn) readPump() {
	ctx := context.Background()
	for {
		msgType, data, err := c.ws.ReadMessage()
		if err != nil {
			c.in.close(lostError("wsConn", "read frame", err))
			_ = c.ws.Close()
			return
		}
		if msgType != websocket.TextMessage && msgType != websocket.BinaryMessage {
			continue
		}
		if err := c.in.push(ctx, data); err != nil {
			return
		}
	}
}

func (c *wsConn) Send(ctx context.Context, frame []byte) error {
	if c.in.closed() {
		return errors.WrapTransient(errors.ErrConnectionLost, "wsConn", "Send", "write frame")
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(defaultWriteTimeout)
	}
	_ = c.ws.SetWriteDeadline(deadline)
	if err := c.ws.WriteMessage(websocket.TextMessage, frame); err != nil {
		c.in.close(lostError("wsConn", "write frame", err))
		return errors.WrapTransient(fmt.Errorf("%w: %v", errors.ErrConnectionLost, err), "wsConn", "Send", "write frame")
	}
	return nil
}

func (c *wsConn) Receive(ctx context.Context) ([]byte, error) {
	return c.in.receive(ctx)
}

func (c *wsConn) Close() error {
	c.in.close(errors.ErrConnectionLost)

	c.writeMu.Lock()
	_ = c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	c.writeMu.Unlock()

	return c.ws.Close()
}

func (c *wsConn) Kind() registry.TransportKind { return registry.TransportDirect }
func (c *wsConn) RemoteAddr() string           { return c.remote }

// WebsocketServer is the direct transport endpoint.
type WebsocketServer struct {
	hub      *Hub
	upgrader websocket.Upgrader
	logger   *slog.Logger
	path     string

	mu       sync.Mutex
	server   *http.Server
	listener net.Listener
}

// NewWebsocketServer creates the direct endpoint feeding hub.
func NewWebsocketServer(hub *Hub, path string, logger *slog.Logger) *WebsocketServer {
	if path == "" {
		path = "/ws"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &WebsocketServer{
		hub:  hub,
		path: path,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(_ *http.Request) bool {
				return true
			},
		},
		logger: logger.With("component", "transport-direct"),
	}
}

// ServeHTTP upgrades the request and offers the link to the hub. It returns
// once the handshake has been accepted or rejected.
func (s *WebsocketServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("Websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	conn := newWSConn(ws, DefaultInboxSize)
	if err := s.hub.Offer(r.Context(), conn); err != nil {
		s.logger.Debug("Direct link not accepted", "remote", conn.RemoteAddr(), "error", err)
	}
}

// Start listens on addr and serves the endpoint in the background.
func (s *WebsocketServer) Start(addr string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.server != nil {
		return errors.WrapInvalid(errors.ErrAlreadyStarted, "WebsocketServer", "Start", "start listener")
	}

	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return errors.WrapFatal(err, "WebsocketServer", "Start", fmt.Sprintf("listen on %s", addr))
	}

	mux := http.NewServeMux()
	mux.Handle(s.path, s)
	server := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	s.server = server
	s.listener = listener

	go func() {
		if err := server.Serve(listener); err != nil && err != http.ErrServerClosed {
			s.logger.Error("Direct endpoint stopped", "error", err)
		}
	}()

	s.logger.Info("Direct endpoint listening", "addr", listener.Addr().String(), "path", s.path)
	return nil
}

// Stop shuts the listener down. Established links are owned by the
// connection manager and are not closed here.
func (s *WebsocketServer) Stop(ctx context.Context) error {
	s.mu.Lock()
	server := s.server
	s.server = nil
	s.listener = nil
	s.mu.Unlock()

	if server == nil {
		return nil
	}
	return server.Shutdown(ctx)
}

// URL returns the ws:// URL devices dial, or "" when not listening.
func (s *WebsocketServer) URL() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return "ws://" + s.listener.Addr().String() + s.path
}

// Dial opens a direct link to a controller endpoint. Device simulators use it.
func Dial(ctx context.Context, url string) (Conn, error) {
	ws, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, errors.WrapTransient(err, "transport", "Dial", "dial "+url)
	}
	return newWSConn(ws, DefaultInboxSize), nil
}
