// Package connection owns the lifecycle of every device link: accepting
// handshakes, validating protocol versions, splitting inbound traffic into a
// priority and a bulk lane, clock synchronization rounds, session command
// round trips, reconnect backoff and transport failover.
//
// The Manager is the only writer of device records in the registry.
package connection

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/buccancs/fyp-multi-sensor-recording-system-sub023/clocksync"
	"github.com/buccancs/fyp-multi-sensor-recording-system-sub023/errors"
	"github.com/buccancs/fyp-multi-sensor-recording-system-sub023/metric"
	"github.com/buccancs/fyp-multi-sensor-recording-system-sub023/pkg/timestamp"
	"github.com/buccancs/fyp-multi-sensor-recording-system-sub023/protocol"
	"github.com/buccancs/fyp-multi-sensor-recording-system-sub023/registry"
	"github.com/buccancs/fyp-multi-sensor-recording-system-sub023/transport"
)

// ErrCommandRejected is returned when a device acknowledges a command with
// success=false.
var ErrCommandRejected = errors.New("command rejected by device")

// Handler receives the bulk traffic of devices. Calls for one device come
// from that device's goroutine, in arrival order.
type Handler interface {
	OnSensorData(deviceID string, msg *protocol.SensorData, receivedAt time.Time)
	OnFileMessage(deviceID string, msg protocol.Message)
	// OnSynchronized runs after every successful clock synchronization round.
	OnSynchronized(deviceID string)
}

// Manager accepts links from a transport hub and keeps them alive.
type Manager struct {
	cfg     Config
	reg     *registry.Registry
	sync    *clocksync.Synchronizer
	hub     *transport.Hub
	handler Handler
	clock   timestamp.Clock
	logger  *slog.Logger
	metrics *metric.Metrics

	mu    sync.Mutex
	links map[string]*link
	ctx   context.Context

	seq      atomic.Uint64
	rejected atomic.Uint64
	wg       sync.WaitGroup
}

// NewManager creates a manager. handler may be nil in tests.
func NewManager(cfg Config, reg *registry.Registry, synchronizer *clocksync.Synchronizer, hub *transport.Hub,
	handler Handler, clock timestamp.Clock, logger *slog.Logger, metrics *metric.Metrics,
) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if reg == nil || synchronizer == nil || hub == nil {
		return nil, errors.WrapFatal(fmt.Errorf("%w: registry, synchronizer and hub are required", errors.ErrMissingConfig),
			"Manager", "NewManager", "check dependencies")
	}
	if clock == nil {
		clock = timestamp.SystemClock{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		cfg:     cfg,
		reg:     reg,
		sync:    synchronizer,
		hub:     hub,
		handler: handler,
		clock:   clock,
		logger:  logger.With("component", "connection-manager"),
		metrics: metrics,
		links:   make(map[string]*link),
		ctx:     context.Background(),
	}, nil
}

// Run accepts links until ctx is cancelled, then closes every link and waits
// for the device goroutines to finish.
func (m *Manager) Run(ctx context.Context) error {
	m.mu.Lock()
	m.ctx = ctx
	m.mu.Unlock()

	m.wg.Add(1)
	go m.maintain(ctx)

	var err error
	for {
		in, aerr := m.hub.Accept(ctx)
		if aerr != nil {
			if ctx.Err() == nil && !errors.Is(aerr, errors.ErrShuttingDown) {
				err = aerr
			}
			break
		}
		m.admit(in)
	}

	m.mu.Lock()
	links := make([]*link, 0, len(m.links))
	for _, l := range m.links {
		links = append(links, l)
	}
	m.mu.Unlock()
	for _, l := range links {
		l.cancel()
		l.closeAll()
	}
	m.wg.Wait()
	return err
}

// maintain runs periodic resyncs and refreshes the synchronized flag of
// every device.
func (m *Manager) maintain(ctx context.Context) {
	defer m.wg.Done()

	interval := m.sync.Config().ResyncInterval
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, d := range m.reg.Devices() {
				synced := m.sync.Synchronized(d.ID)
				if synced != d.Synchronized {
					m.reg.Update(d.ID, func(dev *registry.Device) { dev.Synchronized = synced })
				}
				switch d.State {
				case registry.Connected, registry.Streaming, registry.Degraded:
					m.triggerResync(d.ID)
				}
			}
		}
	}
}

func (m *Manager) link(id string) *link {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.links[id]
}

func (m *Manager) ensureLink(id string) *link {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.links[id]
	if ok {
		return l
	}
	l = newLink(m.ctx, id, m.cfg)
	m.links[id] = l
	m.wg.Add(1)
	go m.dispatch(l)
	return l
}

// State returns the device's lifecycle state; unknown devices are
// Disconnected.
func (m *Manager) State(deviceID string) registry.State {
	d, ok := m.reg.Device(deviceID)
	if !ok {
		return registry.Disconnected
	}
	return d.State
}

// Rejected returns the number of malformed or unexpected frames dropped.
func (m *Manager) Rejected() uint64 { return m.rejected.Load() }

// transition moves the device to state to. Moves outside the transition
// table are rejected.
func (m *Manager) transition(id string, to registry.State, reason string) error {
	var from registry.State
	var bad bool
	m.reg.Update(id, func(d *registry.Device) {
		from = d.State
		if !ValidTransition(from, to) {
			bad = true
			return
		}
		d.State = to
		if to == registry.Failed || to == registry.Reconnecting || to == registry.Disconnected {
			d.Synchronized = false
		}
	})
	if bad {
		return errors.WrapInvalid(fmt.Errorf("%w: %s -> %s", errors.ErrInvalidTransition, from, to),
			"Manager", "transition", "change device state")
	}

	m.metrics.RecordDeviceState(id, int(to))
	m.reg.Publish(registry.Event{
		Kind:     registry.EventDeviceState,
		DeviceID: id,
		State:    to.String(),
		Previous: from.String(),
		Message:  reason,
	})
	m.logger.Info("Device state changed", "device_id", id, "from", from, "to", to, "reason", reason)
	return nil
}

func (m *Manager) walk(id string, path []registry.State, reason string) error {
	for _, s := range path {
		if err := m.transition(id, s, reason); err != nil {
			return err
		}
	}
	return nil
}

func (m *Manager) fail(id string, err error) {
	if m.State(id) == registry.Failed {
		return
	}
	m.reg.Update(id, func(d *registry.Device) { d.LastError = err.Error() })
	_ = m.transition(id, registry.Failed, err.Error())
	m.reportError(id, err)
}

func (m *Manager) reportError(id string, err error) {
	kind := errors.Kind(err)
	m.metrics.RecordError("connection", kind)
	m.reg.Publish(registry.Event{Kind: registry.EventError, DeviceID: id, ErrorKind: kind, Message: err.Error()})
}

// admit takes a validated handshake from the hub.
func (m *Manager) admit(in transport.Incoming) {
	hs := in.Handshake
	id := hs.DeviceID
	logger := m.logger.With("device_id", id, "transport", in.Conn.Kind(), "remote", in.Conn.RemoteAddr())

	compatible, err := protocol.Compatible(m.cfg.ProtocolVersion, hs.ProtocolVersion)
	if err != nil {
		m.rejected.Add(1)
		m.metrics.RecordMessageRejected("bad_version")
		logger.Warn("Rejected handshake", "error", err)
		m.ack(in.Conn, false, err.Error())
		_ = in.Conn.Close()
		return
	}

	l := m.ensureLink(id)
	l.mu.Lock()
	active := l.active
	l.mu.Unlock()

	if !compatible {
		msg := fmt.Sprintf("protocol %s incompatible with controller %s", hs.ProtocolVersion, m.cfg.ProtocolVersion)
		m.ack(in.Conn, false, msg)
		_ = in.Conn.Close()
		logger.Error("Incompatible device protocol", "device_version", hs.ProtocolVersion)
		if active == nil {
			m.fail(id, errors.WrapFatal(fmt.Errorf("%w: %s", errors.ErrIncompatibleVersion, msg),
				"Manager", "admit", "check protocol version"))
		}
		return
	}

	if active != nil && active.Kind() != in.Conn.Kind() {
		m.addStandby(l, in, logger)
		return
	}

	if err := m.ack(in.Conn, true, ""); err != nil {
		logger.Warn("Handshake ack failed", "error", err)
		_ = in.Conn.Close()
		return
	}

	now := m.clock.Now()
	lc := newLinkConn(in.Conn, now)
	l.mu.Lock()
	old := l.active
	l.active = lc
	l.revive()
	l.mu.Unlock()
	if old != nil {
		l.recordDrop(now, m.cfg.DropWindow)
		m.metrics.RecordLinkDrop(id)
		old.close()
		logger.Warn("Device replaced its active link")
	}

	from := m.State(id)
	m.reg.Update(id, func(d *registry.Device) {
		d.Name = hs.DeviceName
		d.Transport = in.Conn.Kind()
		d.Channels = hs.Capabilities
		d.ProtocolVersion = hs.ProtocolVersion
		d.LastSeen = now
		d.LastError = ""
	})
	if err := m.walk(id, pathToConnected(from), "handshake"); err != nil {
		logger.Error("Unexpected state on handshake", "error", err)
	}

	m.wg.Add(1)
	go m.read(l, lc)
	m.triggerResync(id)
}

func (m *Manager) addStandby(l *link, in transport.Incoming, logger *slog.Logger) {
	l.mu.Lock()
	if l.standby != nil && l.standby.Kind() == in.Conn.Kind() {
		old := l.standby
		l.standby = nil
		defer old.close()
	}
	if l.standby != nil {
		l.mu.Unlock()
		logger.Warn("Device already has active and standby links; closing extra link")
		m.ack(in.Conn, false, "link limit reached")
		_ = in.Conn.Close()
		return
	}
	l.mu.Unlock()

	if err := m.ack(in.Conn, true, ""); err != nil {
		_ = in.Conn.Close()
		return
	}
	lc := newLinkConn(in.Conn, m.clock.Now())
	l.mu.Lock()
	l.standby = lc
	l.mu.Unlock()

	m.reg.Update(l.id, func(d *registry.Device) { d.Standby = lc.Kind() })
	logger.Info("Standby link registered")

	m.wg.Add(1)
	go m.read(l, lc)
}

func (m *Manager) ack(conn transport.Conn, compatible bool, message string) error {
	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.CommandTimeout)
	defer cancel()
	return m.send(ctx, conn, &protocol.HandshakeAck{
		Compatible:      compatible,
		ProtocolVersion: m.cfg.ProtocolVersion,
		Message:         message,
	})
}

func (m *Manager) send(ctx context.Context, conn transport.Conn, msg protocol.Message) error {
	frame, err := protocol.Encode(msg, m.clock.Now())
	if err != nil {
		return err
	}
	if err := conn.Send(ctx, frame); err != nil {
		return errors.WrapTransient(err, "Manager", "send", fmt.Sprintf("write %s", msg.Kind()))
	}
	return nil
}

// read is the per-link reader. It stamps, parses and routes frames into the
// device's lanes.
func (m *Manager) read(l *link, c *linkConn) {
	defer m.wg.Done()
	for {
		data, err := c.Receive(l.ctx)
		if err != nil {
			if l.ctx.Err() == nil {
				m.lost(l, c, err)
			}
			return
		}
		at := m.clock.Now()
		c.lastFrame.Store(at.UnixNano())

		msg, err := protocol.Parse(data)
		if err != nil {
			m.reject(l.id, "malformed", err)
			continue
		}
		m.metrics.RecordMessageReceived(string(msg.Kind()))

		lane := l.bulk
		if protocol.IsPriority(msg.Kind()) {
			lane = l.prio
		}
		select {
		case lane <- frame{msg: msg, at: at, from: c}:
		case <-c.done:
			return
		case <-l.ctx.Done():
			return
		}
	}
}

func (m *Manager) reject(id, reason string, err error) {
	m.rejected.Add(1)
	m.metrics.RecordMessageRejected(reason)
	m.logger.Warn("Rejected frame", "device_id", id, "reason", reason, "error", err)
}

// dispatch is the device goroutine. The priority lane is always drained
// before the bulk lane.
func (m *Manager) dispatch(l *link) {
	defer m.wg.Done()

	check := m.cfg.IdleTimeout / 4
	if check <= 0 {
		check = m.cfg.IdleTimeout
	}
	idle := time.NewTicker(check)
	defer idle.Stop()

	for {
		select {
		case f := <-l.prio:
			m.handle(l, f)
			continue
		default:
		}

		select {
		case <-l.ctx.Done():
			return
		case f := <-l.prio:
			m.handle(l, f)
		case f := <-l.bulk:
			m.handle(l, f)
		case <-idle.C:
			m.checkIdle(l)
		}
	}
}

func (m *Manager) checkIdle(l *link) {
	c := l.current()
	if c == nil {
		return
	}
	last := time.Unix(0, c.lastFrame.Load())
	if m.clock.Now().Sub(last) < m.cfg.IdleTimeout {
		return
	}
	err := errors.WrapTransient(errors.ErrLinkIdle, "Manager", "checkIdle", "watch link")
	m.lost(l, c, err)
}

func (m *Manager) handle(l *link, f frame) {
	switch msg := f.msg.(type) {
	case *protocol.SyncResponse:
		l.mu.Lock()
		ch, ok := l.pendingSync[msg.Seq]
		delete(l.pendingSync, msg.Seq)
		l.mu.Unlock()
		if !ok {
			m.reject(l.id, "stale_sync_response", fmt.Errorf("no pending probe %d", msg.Seq))
			return
		}
		ch <- syncReply{resp: msg, at: f.at}

	case *protocol.Ack:
		l.mu.Lock()
		ch, ok := l.pendingCmd[msg.ID]
		delete(l.pendingCmd, msg.ID)
		l.mu.Unlock()
		if !ok {
			m.reject(l.id, "stale_ack", fmt.Errorf("no pending command %q", msg.ID))
			return
		}
		ch <- msg

	case *protocol.DeviceStatus:
		m.reg.Update(l.id, func(d *registry.Device) {
			d.Battery = msg.Battery
			d.ReportedQuality = msg.Quality
			d.LastSeen = f.at
		})

	case *protocol.SensorData:
		if msg.DeviceID != l.id {
			m.reject(l.id, "device_mismatch", fmt.Errorf("sensor_data for %q on link of %q", msg.DeviceID, l.id))
			return
		}
		m.reg.Update(l.id, func(d *registry.Device) { d.LastSeen = f.at })
		if m.handler != nil {
			m.handler.OnSensorData(l.id, msg, f.at)
		}

	case *protocol.FileInfo, *protocol.FileChunk, *protocol.FileEnd:
		if m.handler != nil {
			m.handler.OnFileMessage(l.id, msg)
		}

	default:
		m.reject(l.id, "unexpected_type", fmt.Errorf("%s not expected from device", msg.Kind()))
	}
}

// lost handles the loss of a link. A lost standby is simply forgotten; a lost
// active link fails over to the standby if there is one and otherwise starts
// the reconnect wait.
func (m *Manager) lost(l *link, c *linkConn, cause error) {
	now := m.clock.Now()
	l.mu.Lock()
	switch c {
	case l.standby:
		l.standby = nil
		l.mu.Unlock()
		c.close()
		m.reg.Update(l.id, func(d *registry.Device) { d.Standby = "" })
		m.logger.Info("Standby link lost", "device_id", l.id, "error", cause)
		return
	case l.active:
	default:
		l.mu.Unlock()
		return
	}
	l.active = nil
	standby := l.standby
	l.mu.Unlock()
	c.close()

	l.recordDrop(now, m.cfg.DropWindow)
	m.metrics.RecordLinkDrop(l.id)
	m.logger.Warn("Active link lost", "device_id", l.id, "transport", c.Kind(), "error", cause)

	if standby != nil {
		if err := m.failover(l, "link_lost"); err == nil {
			return
		}
	}

	if errors.IsFatal(cause) {
		m.fail(l.id, cause)
		return
	}
	m.reg.Update(l.id, func(d *registry.Device) { d.LastError = cause.Error() })
	if err := m.transition(l.id, registry.Reconnecting, errors.Kind(cause)); err != nil {
		m.logger.Debug("No reconnect from current state", "device_id", l.id, "error", err)
		return
	}
	m.reportError(l.id, errors.WrapTransient(cause, "Manager", "lost", "keep link"))

	revived := make(chan struct{})
	l.mu.Lock()
	l.revived = revived
	l.mu.Unlock()

	m.wg.Add(1)
	go m.awaitReconnect(l, revived)
}

// awaitReconnect waits out the backoff schedule for the device to dial back
// in. Exhausting it fails the device.
func (m *Manager) awaitReconnect(l *link, revived <-chan struct{}) {
	defer m.wg.Done()

	attempts := m.cfg.Backoff.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}
	for k := 1; k <= attempts; k++ {
		timer := time.NewTimer(m.cfg.Backoff.JitteredDelay(k))
		select {
		case <-l.ctx.Done():
			timer.Stop()
			return
		case <-revived:
			timer.Stop()
			return
		case <-timer.C:
		}
		m.logger.Debug("Awaiting device reconnect", "device_id", l.id, "attempt", k, "max_attempts", attempts)
	}

	if l.current() != nil || m.State(l.id) != registry.Reconnecting {
		return
	}
	m.fail(l.id, errors.WrapFatal(fmt.Errorf("%w after %d attempts", errors.ErrBackoffExhausted, attempts),
		"Manager", "awaitReconnect", "wait for device"))
}

// failover swaps the active and standby links. The old active link, if still
// up, becomes the standby.
func (m *Manager) failover(l *link, reason string) error {
	l.mu.Lock()
	if l.standby == nil {
		l.mu.Unlock()
		return errors.WrapTransient(fmt.Errorf("%w: %s", errors.ErrNoStandbyTransport, l.id),
			"Manager", "failover", "swap links")
	}
	old := l.active
	l.active, l.standby = l.standby, old
	active := l.active
	standbyKind := l.standbyKind()
	l.mu.Unlock()

	m.sync.Reset(l.id)
	m.reg.Update(l.id, func(d *registry.Device) {
		d.Transport = active.Kind()
		d.Standby = standbyKind
		d.Failovers++
		d.Synchronized = false
	})
	m.metrics.RecordFailover(l.id, reason)
	m.reg.Publish(registry.Event{
		Kind:     registry.EventDeviceState,
		DeviceID: l.id,
		State:    m.State(l.id).String(),
		Message:  fmt.Sprintf("failover to %s: %s", active.Kind(), reason),
	})
	m.logger.Warn("Transport failover", "device_id", l.id, "to", active.Kind(), "reason", reason)

	m.triggerResync(l.id)
	return nil
}

// RecommendFailover switches the device to its standby link.
func (m *Manager) RecommendFailover(deviceID, reason string) error {
	l := m.link(deviceID)
	if l == nil || l.current() == nil {
		return errors.WrapInvalid(fmt.Errorf("%w: %s", errors.ErrUnknownDevice, deviceID),
			"Manager", "RecommendFailover", "find device")
	}
	return m.failover(l, reason)
}

// HasStandby reports whether the device has a standby link.
func (m *Manager) HasStandby(deviceID string) bool {
	l := m.link(deviceID)
	if l == nil {
		return false
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.standby != nil
}

// SetQuality publishes the composite quality of a device and moves it
// between Streaming and Degraded.
func (m *Manager) SetQuality(deviceID string, score float64, degraded bool) {
	if _, ok := m.reg.Device(deviceID); !ok {
		return
	}
	m.reg.Update(deviceID, func(d *registry.Device) {
		d.QualityScore = score
		d.QualityDegraded = degraded
	})
	switch st := m.State(deviceID); {
	case degraded && st == registry.Streaming:
		_ = m.transition(deviceID, registry.Degraded, "quality below threshold")
	case !degraded && st == registry.Degraded:
		_ = m.transition(deviceID, registry.Streaming, "quality recovered")
	}
}

// Reset closes the device's links and returns it to Disconnected.
func (m *Manager) Reset(deviceID string) error {
	m.mu.Lock()
	l, ok := m.links[deviceID]
	delete(m.links, deviceID)
	m.mu.Unlock()
	if !ok {
		if _, known := m.reg.Device(deviceID); !known {
			return errors.WrapInvalid(fmt.Errorf("%w: %s", errors.ErrUnknownDevice, deviceID),
				"Manager", "Reset", "find device")
		}
	} else {
		l.cancel()
		l.closeAll()
	}
	m.sync.Reset(deviceID)
	if m.State(deviceID) == registry.Disconnected {
		return nil
	}
	return m.transition(deviceID, registry.Disconnected, "operator reset")
}

// DropRate returns link drops per minute over the drop window.
func (m *Manager) DropRate(deviceID string) float64 {
	l := m.link(deviceID)
	if l == nil {
		return 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.trimDrops(m.clock.Now(), m.cfg.DropWindow)
	return float64(len(l.drops)) / m.cfg.DropWindow.Minutes()
}

func (m *Manager) triggerResync(id string) {
	l := m.link(id)
	if l == nil || !l.resyncing.CompareAndSwap(false, true) {
		return
	}
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer l.resyncing.Store(false)
		_ = m.resync(l.ctx, l)
	}()
}

// Resync runs a synchronization round now.
func (m *Manager) Resync(ctx context.Context, deviceID string) error {
	l := m.link(deviceID)
	if l == nil || l.current() == nil {
		return errors.WrapInvalid(fmt.Errorf("%w: %s", errors.ErrUnknownDevice, deviceID),
			"Manager", "Resync", "find device")
	}
	return m.resync(ctx, l)
}

func (m *Manager) resync(ctx context.Context, l *link) error {
	err := m.sync.Resync(ctx, l.id, clocksync.ProberFunc(func(ctx context.Context) (clocksync.Exchange, error) {
		return m.probe(ctx, l)
	}))
	if err != nil {
		m.reg.Update(l.id, func(d *registry.Device) { d.Synchronized = m.sync.Synchronized(l.id) })
		if ctx.Err() == nil {
			m.reportError(l.id, err)
		}
		return err
	}

	offset, jitter, valid := m.sync.Estimate(l.id)
	m.reg.Update(l.id, func(d *registry.Device) {
		d.Offset = offset
		d.Jitter = jitter
		d.Synchronized = valid
		d.LastSync = m.sync.LastSync(l.id)
	})
	m.reg.Publish(registry.Event{
		Kind:     registry.EventSync,
		DeviceID: l.id,
		Message:  fmt.Sprintf("offset %s jitter %s", offset, jitter),
	})
	if m.State(l.id) == registry.Connected {
		_ = m.transition(l.id, registry.Streaming, "clock synchronized")
	}
	if m.handler != nil {
		m.handler.OnSynchronized(l.id)
	}
	return nil
}

// probe runs one four-timestamp exchange on the active link.
func (m *Manager) probe(ctx context.Context, l *link) (clocksync.Exchange, error) {
	c := l.current()
	if c == nil {
		return clocksync.Exchange{}, errors.WrapTransient(errors.ErrNoConnection, "Manager", "probe", "select link")
	}

	seq := m.seq.Add(1)
	reply := make(chan syncReply, 1)
	l.mu.Lock()
	l.pendingSync[seq] = reply
	l.mu.Unlock()
	defer func() {
		l.mu.Lock()
		delete(l.pendingSync, seq)
		l.mu.Unlock()
	}()

	t1 := m.clock.Now().UnixNano()
	if err := m.send(ctx, c, &protocol.SyncRequest{Seq: seq, T1: t1}); err != nil {
		return clocksync.Exchange{}, err
	}

	select {
	case r := <-reply:
		if r.resp.T1 != t1 {
			return clocksync.Exchange{}, errors.WrapInvalid(
				fmt.Errorf("%w: sync response echoes t1 %d, sent %d", errors.ErrProtocol, r.resp.T1, t1),
				"Manager", "probe", "match response")
		}
		return clocksync.Exchange{T1: t1, T2: r.resp.T2, T3: r.resp.T3, T4: r.at.UnixNano()}, nil
	case <-c.done:
		return clocksync.Exchange{}, errors.WrapTransient(errors.ErrConnectionLost, "Manager", "probe", "await response")
	case <-ctx.Done():
		return clocksync.Exchange{}, errors.WrapTransient(
			fmt.Errorf("%w: %v", errors.ErrConnectionTimeout, ctx.Err()), "Manager", "probe", "await response")
	}
}

// SendCommand sends a session command and waits for its ack. A command
// without an id gets a fresh UUID.
func (m *Manager) SendCommand(ctx context.Context, deviceID string, cmd protocol.Command) (*protocol.Ack, error) {
	l := m.link(deviceID)
	if l == nil {
		return nil, errors.WrapInvalid(fmt.Errorf("%w: %s", errors.ErrUnknownDevice, deviceID),
			"Manager", "SendCommand", "find device")
	}
	c := l.current()
	if c == nil {
		return nil, errors.WrapTransient(fmt.Errorf("%w: %s", errors.ErrNoConnection, deviceID),
			"Manager", "SendCommand", "select link")
	}
	if cmd.CommandID() == "" {
		cmd.SetCommandID(uuid.NewString())
	}

	reply := make(chan *protocol.Ack, 1)
	l.mu.Lock()
	l.pendingCmd[cmd.CommandID()] = reply
	l.mu.Unlock()
	defer func() {
		l.mu.Lock()
		delete(l.pendingCmd, cmd.CommandID())
		l.mu.Unlock()
	}()

	ctx, cancel := context.WithTimeout(ctx, m.cfg.CommandTimeout)
	defer cancel()

	if err := m.send(ctx, c, cmd); err != nil {
		return nil, err
	}

	select {
	case ack := <-reply:
		if !ack.Success {
			return ack, errors.WrapInvalid(fmt.Errorf("%w: %s", ErrCommandRejected, ack.Message),
				"Manager", "SendCommand", fmt.Sprintf("%s on %s", cmd.Kind(), deviceID))
		}
		return ack, nil
	case <-c.done:
		return nil, errors.WrapTransient(errors.ErrConnectionLost, "Manager", "SendCommand", "await ack")
	case <-ctx.Done():
		return nil, errors.WrapTransient(fmt.Errorf("%w: %s awaiting %s ack", errors.ErrConnectionTimeout, deviceID, cmd.Kind()),
			"Manager", "SendCommand", "await ack")
	}
}
