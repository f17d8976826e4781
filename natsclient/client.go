package natsclient

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/buccancs/fyp-multi-sensor-recording-system-sub023/errors"
)

// ConnectionStatus represents the state of the NATS connection
type ConnectionStatus int32

// Possible connection statuses
const (
	StatusDisconnected ConnectionStatus = iota
	StatusConnecting
	StatusConnected
	StatusReconnecting
	StatusCircuitOpen
)

var statusNames = [...]string{"disconnected", "connecting", "connected", "reconnecting", "circuit_open"}

func (s ConnectionStatus) String() string {
	if s < 0 || int(s) >= len(statusNames) {
		return "unknown"
	}
	return statusNames[s]
}

const (
	pingInterval = 30 * time.Second
	drainTimeout = 10 * time.Second
)

var (
	ErrNotConnected = stderrors.New("not connected to NATS")
	ErrCircuitOpen  = stderrors.New("circuit breaker is open")
)

// Handler receives one message with its subject.
type Handler func(ctx context.Context, subject string, data []byte)

// Client owns one NATS connection. Connect attempts pass through a circuit
// breaker; after the first successful connect nats.go reconnects on its own
// and the client only reports health transitions to its listeners.
type Client struct {
	url     string
	logger  *slog.Logger
	status  atomic.Int32
	circuit *breaker

	maxReconnects  int
	reconnectWait  time.Duration
	timeout        time.Duration
	healthInterval time.Duration

	clientName string
	username   string
	password   string
	token      string

	mu         sync.RWMutex
	conn       *nats.Conn
	subs       []*nats.Subscription
	listeners  []func(bool)
	healthDone chan struct{}

	closeMu sync.Mutex
	closed  bool
}

// NewClient creates a client for url; nothing is dialled until Connect.
func NewClient(url string, opts ...ClientOption) (*Client, error) {
	c := &Client{
		url:            url,
		logger:         slog.Default(),
		circuit:        newBreaker(),
		maxReconnects:  -1,
		reconnectWait:  2 * time.Second,
		timeout:        5 * time.Second,
		healthInterval: 10 * time.Second,
	}
	for _, opt := range opts {
		if err := opt(c); err != nil {
			return nil, errors.WrapInvalid(err, "Client", "NewClient", "apply option")
		}
	}
	c.logger = c.logger.With("component", "natsclient", "url", url)
	return c, nil
}

// URL returns the server URL.
func (c *Client) URL() string { return c.url }

// Status returns the current connection status.
func (c *Client) Status() ConnectionStatus { return ConnectionStatus(c.status.Load()) }

func (c *Client) setStatus(s ConnectionStatus) { c.status.Store(int32(s)) }

// IsHealthy reports whether the connection is up.
func (c *Client) IsHealthy() bool { return c.Status() == StatusConnected }

// Failures returns the connect failures since the last success.
func (c *Client) Failures() int32 { return c.circuit.count() }

// Backoff returns how long the circuit would stay open on its next trip.
func (c *Client) Backoff() time.Duration { return c.circuit.next() }

func (c *Client) recordFailure() {
	tripped, wait := c.circuit.fail(time.Now())
	if !tripped {
		return
	}
	if prev := ConnectionStatus(c.status.Swap(int32(StatusCircuitOpen))); prev == StatusCircuitOpen {
		c.logger.Warn("Circuit breaker still open", "backoff", wait)
		return
	}
	c.logger.Warn("Circuit breaker opened", "backoff", wait)
	time.AfterFunc(wait, c.halfOpen)
}

func (c *Client) resetCircuit() {
	c.circuit.reset()
	c.status.CompareAndSwap(int32(StatusCircuitOpen), int32(StatusDisconnected))
}

// halfOpen lets the next Connect through.
func (c *Client) halfOpen() {
	c.status.CompareAndSwap(int32(StatusCircuitOpen), int32(StatusDisconnected))
}

// WaitForConnection blocks until the client is connected or ctx ends.
func (c *Client) WaitForConnection(ctx context.Context) error {
	poll := time.NewTicker(10 * time.Millisecond)
	defer poll.Stop()
	for !c.IsHealthy() {
		select {
		case <-ctx.Done():
			return fmt.Errorf("connection timeout: %w", ctx.Err())
		case <-poll.C:
		}
	}
	return nil
}

// ConnectionOptions returns the nats.go options Connect dials with.
func (c *Client) ConnectionOptions() []nats.Option {
	opts := []nats.Option{
		nats.MaxReconnects(c.maxReconnects),
		nats.ReconnectWait(c.reconnectWait),
		nats.PingInterval(pingInterval),
		nats.Timeout(c.timeout),
		nats.DrainTimeout(drainTimeout),
		nats.DisconnectErrHandler(c.handleDisconnect),
		nats.ReconnectHandler(c.handleReconnect),
		nats.ClosedHandler(c.handleClosed),
		nats.ErrorHandler(c.handleError),
	}
	if c.username != "" {
		opts = append(opts, nats.UserInfo(c.username, c.password))
	}
	if c.token != "" {
		opts = append(opts, nats.Token(c.token))
	}
	if c.clientName != "" {
		opts = append(opts, nats.Name(c.clientName))
	}
	return opts
}

// Connect dials the server. While the circuit is open it fails fast with
// ErrCircuitOpen.
func (c *Client) Connect(ctx context.Context) error {
	if c.Status() == StatusCircuitOpen {
		return ErrCircuitOpen
	}
	c.setStatus(StatusConnecting)
	c.logger.Info("Connecting to NATS")

	conn, err := dial(ctx, c.url, c.ConnectionOptions())
	if err != nil {
		c.recordFailure()
		if c.Status() == StatusCircuitOpen {
			return ErrCircuitOpen
		}
		c.setStatus(StatusDisconnected)
		return errors.WrapTransient(err, "Client", "Connect", "establish connection")
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()

	c.setStatus(StatusConnected)
	c.resetCircuit()
	c.logger.Info("Connected to NATS")

	if c.healthInterval > 0 {
		c.startHealthMonitoring()
	}
	c.notify(true)
	return nil
}

// dial runs nats.Connect so ctx can abandon it. A connection that completes
// after ctx ended is closed.
func dial(ctx context.Context, url string, opts []nats.Option) (*nats.Conn, error) {
	type result struct {
		conn *nats.Conn
		err  error
	}
	done := make(chan result, 1)
	go func() {
		conn, err := nats.Connect(url, opts...)
		done <- result{conn, err}
	}()

	select {
	case r := <-done:
		return r.conn, r.err
	case <-ctx.Done():
		go func() {
			if r := <-done; r.conn != nil {
				r.conn.Close()
			}
		}()
		return nil, ctx.Err()
	}
}

// Close unsubscribes, drains and closes the connection and forgets the
// credentials. Safe to call more than once.
func (c *Client) Close(ctx context.Context) error {
	c.closeMu.Lock()
	defer c.closeMu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true

	c.stopHealthMonitoring()

	c.mu.Lock()
	defer c.mu.Unlock()

	var errs []error
	for _, sub := range c.subs {
		if err := sub.Unsubscribe(); err != nil && !stderrors.Is(err, nats.ErrConnectionClosed) {
			errs = append(errs, errors.Wrap(err, "Client", "Close", "unsubscribe"))
		}
	}
	c.subs = nil

	if c.conn != nil {
		if err := drain(ctx, c.conn); err != nil {
			errs = append(errs, err)
		}
		c.conn.Close()
		c.conn = nil
	}

	c.username, c.password, c.token = "", "", ""
	c.setStatus(StatusDisconnected)
	return stderrors.Join(errs...)
}

// drain waits for in-flight messages for at most drainTimeout or until ctx
// ends, whichever is sooner.
func drain(ctx context.Context, conn *nats.Conn) error {
	ctx, cancel := context.WithTimeout(ctx, drainTimeout)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- conn.Drain() }()

	select {
	case err := <-done:
		if err != nil && !stderrors.Is(err, nats.ErrConnectionClosed) {
			return errors.Wrap(err, "Client", "Close", "drain connection")
		}
		return nil
	case <-ctx.Done():
		return errors.WrapTransient(ctx.Err(), "Client", "Close", "drain")
	}
}

func (c *Client) connected() (*nats.Conn, error) {
	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()
	if conn == nil || !conn.IsConnected() {
		return nil, ErrNotConnected
	}
	return conn, nil
}

// RTT returns the round-trip time to the server.
func (c *Client) RTT() (time.Duration, error) {
	conn, err := c.connected()
	if err != nil {
		return 0, err
	}
	return conn.RTT()
}

// Subscribe subscribes to a subject (wildcards allowed). The handler runs on
// the subscription's delivery goroutine and is skipped once ctx ends.
func (c *Client) Subscribe(ctx context.Context, subject string, handler Handler) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil || !c.conn.IsConnected() {
		return ErrNotConnected
	}
	sub, err := c.conn.Subscribe(subject, func(msg *nats.Msg) {
		if ctx.Err() == nil {
			handler(ctx, msg.Subject, msg.Data)
		}
	})
	if err != nil {
		return errors.WrapTransient(err, "Client", "Subscribe", "subscribe "+subject)
	}
	c.subs = append(c.subs, sub)
	return nil
}

// Publish sends data on subject.
func (c *Client) Publish(_ context.Context, subject string, data []byte) error {
	conn, err := c.connected()
	if err != nil {
		return err
	}
	return conn.Publish(subject, data)
}

// Flush waits until the server has processed everything published so far.
func (c *Client) Flush(ctx context.Context) error {
	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()
	if conn == nil {
		return ErrNotConnected
	}
	return conn.FlushWithContext(ctx)
}

// OnHealthChange adds a listener called with false when the server
// connection drops or closes and with true when it is (re)established.
// Listeners run on their own goroutine.
func (c *Client) OnHealthChange(fn func(bool)) {
	c.mu.Lock()
	c.listeners = append(c.listeners, fn)
	c.mu.Unlock()
}

func (c *Client) notify(healthy bool) {
	c.mu.RLock()
	listeners := slices.Clone(c.listeners)
	c.mu.RUnlock()

	for _, fn := range listeners {
		go fn(healthy)
	}
}

func (c *Client) handleDisconnect(_ *nats.Conn, err error) {
	c.setStatus(StatusReconnecting)
	c.logger.Warn("NATS disconnected", "error", err)
	c.notify(false)
}

func (c *Client) handleReconnect(_ *nats.Conn) {
	c.setStatus(StatusConnected)
	c.resetCircuit()
	c.logger.Info("NATS reconnected")
	c.notify(true)
}

func (c *Client) handleClosed(_ *nats.Conn) {
	c.setStatus(StatusDisconnected)
	c.notify(false)
}

func (c *Client) handleError(_ *nats.Conn, _ *nats.Subscription, err error) {
	c.logger.Error("NATS error", "error", err)
}

// startHealthMonitoring pings the server every healthInterval. It catches
// half-dead connections that nats.go has not noticed yet.
func (c *Client) startHealthMonitoring() {
	c.stopHealthMonitoring()

	c.mu.Lock()
	done := make(chan struct{})
	c.healthDone = done
	c.mu.Unlock()

	go c.watch(done, c.healthInterval)
}

func (c *Client) watch(done <-chan struct{}, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	was := c.IsHealthy()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
		}

		c.mu.RLock()
		conn := c.conn
		c.mu.RUnlock()
		if conn == nil {
			continue
		}

		_, err := conn.RTT()
		healthy := err == nil && conn.IsConnected()
		switch {
		case healthy:
			c.status.CompareAndSwap(int32(StatusReconnecting), int32(StatusConnected))
		case c.Status() == StatusConnected:
			c.setStatus(StatusReconnecting)
		}
		if healthy != was {
			c.notify(healthy)
			was = healthy
		}
	}
}

func (c *Client) stopHealthMonitoring() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.healthDone != nil {
		close(c.healthDone)
		c.healthDone = nil
	}
}
