package transport

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/buccancs/fyp-multi-sensor-recording-system-sub023/errors"
	"github.com/buccancs/fyp-multi-sensor-recording-system-sub023/registry"
)

// publishFunc writes one downlink frame for a device through a broker.
type publishFunc func(ctx context.Context, deviceKey string, frame []byte) error

// relay demultiplexes broker uplink traffic into one Conn per device key.
// A frame for an unknown key opens a new link and offers it to the hub; the
// link stays open until the connection manager closes it.
type relay struct {
	name    string
	hub     *Hub
	publish publishFunc
	logger  *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu    sync.Mutex
	conns map[string]*relayConn

	dropped atomic.Uint64
}

func newRelay(name string, hub *Hub, publish publishFunc, logger *slog.Logger) *relay {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &relay{
		name:    name,
		hub:     hub,
		publish: publish,
		logger:  logger.With("component", "transport-"+name),
		ctx:     ctx,
		cancel:  cancel,
		conns:   make(map[string]*relayConn),
	}
}

// deliver routes one uplink frame. It never blocks the broker callback: a
// full link queue drops the frame.
func (r *relay) deliver(deviceKey string, frame []byte) {
	if deviceKey == "" || r.ctx.Err() != nil {
		return
	}

	r.mu.Lock()
	conn, ok := r.conns[deviceKey]
	fresh := false
	if !ok || conn.in.closed() {
		conn = &relayConn{relay: r, key: deviceKey, in: newInbox(DefaultInboxSize)}
		r.conns[deviceKey] = conn
		fresh = true
	}
	r.mu.Unlock()

	if !conn.in.offer(frame) {
		r.dropped.Add(1)
		r.logger.Warn("Relay link queue full, dropping frame", "device_key", deviceKey)
	}

	if fresh {
		go func() {
			if err := r.hub.Offer(r.ctx, conn); err != nil {
				r.logger.Debug("Relayed link not accepted", "device_key", deviceKey, "error", err)
			}
		}()
	}
}

func (r *relay) forget(c *relayConn) {
	r.mu.Lock()
	if r.conns[c.key] == c {
		delete(r.conns, c.key)
	}
	r.mu.Unlock()
}

func (r *relay) close() {
	r.cancel()
	r.mu.Lock()
	conns := make([]*relayConn, 0, len(r.conns))
	for _, c := range r.conns {
		conns = append(conns, c)
	}
	r.conns = make(map[string]*relayConn)
	r.mu.Unlock()

	for _, c := range conns {
		c.in.close(errors.ErrConnectionLost)
	}
}

// dropAll closes every current link with ErrConnectionLost while leaving the
// relay open: later uplink frames open fresh links. Called when the broker
// connection is lost so the connection manager can fail over.
func (r *relay) dropAll(reason string) {
	r.mu.Lock()
	conns := make([]*relayConn, 0, len(r.conns))
	for _, c := range r.conns {
		conns = append(conns, c)
	}
	r.conns = make(map[string]*relayConn)
	r.mu.Unlock()

	if len(conns) > 0 {
		r.logger.Warn("Dropping relayed links", "reason", reason, "links", len(conns))
	}
	for _, c := range conns {
		c.in.close(lostError("relay", reason, nil))
	}
}

// Links returns the number of open relayed links.
func (r *relay) links() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.conns)
}

type relayConn struct {
	relay *relay
	key   string
	in    *inbox
}

func (c *relayConn) Send(ctx context.Context, frame []byte) error {
	if c.in.closed() {
		return errors.WrapTransient(errors.ErrConnectionLost, "relayConn", "Send", "publish frame")
	}
	if err := c.relay.publish(ctx, c.key, frame); err != nil {
		return errors.WrapTransient(err, "relayConn", "Send", "publish frame")
	}
	return nil
}

func (c *relayConn) Receive(ctx context.Context) ([]byte, error) {
	return c.in.receive(ctx)
}

func (c *relayConn) Close() error {
	c.in.close(lostError("relayConn", "link closed", nil))
	c.relay.forget(c)
	return nil
}

func (c *relayConn) Kind() registry.TransportKind { return registry.TransportRelayed }
func (c *relayConn) RemoteAddr() string           { return c.relay.name + ":" + c.key }
