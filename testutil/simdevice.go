package testutil

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/buccancs/fyp-multi-sensor-recording-system-sub023/pkg/timestamp"
	"github.com/buccancs/fyp-multi-sensor-recording-system-sub023/protocol"
	"github.com/buccancs/fyp-multi-sensor-recording-system-sub023/registry"
	"github.com/buccancs/fyp-multi-sensor-recording-system-sub023/transport"
)

// SimDevice is an in-process sensing client. It speaks the wire protocol over
// transport pipes: it opens with a handshake, answers sync requests from its
// own (offset) clock and acknowledges session commands.
type SimDevice struct {
	ID              string
	ProtocolVersion string
	Channels        []registry.Channel

	// Offset is added to the reference clock to form the device clock.
	Offset time.Duration
	// Latency is the simulated one-way delay applied to sync replies.
	Latency time.Duration
	// Silent devices never acknowledge commands.
	Silent bool
	// RejectCommands acknowledges commands with success=false.
	RejectCommands bool

	clock timestamp.Clock

	mu       sync.Mutex
	links    map[registry.TransportKind]transport.Conn
	acks     []*protocol.HandshakeAck
	commands []protocol.Message
	syncs    int
	cancels  []context.CancelFunc
	wg       sync.WaitGroup
}

// NewSimDevice returns a device with one 32 Hz "gsr" channel.
func NewSimDevice(id string) *SimDevice {
	return &SimDevice{
		ID:              id,
		ProtocolVersion: "1.2.0",
		Channels:        []registry.Channel{{Name: "gsr", Kind: "eda", RateHz: 32, Unit: "uS"}},
		clock:           timestamp.SystemClock{},
		links:           make(map[registry.TransportKind]transport.Conn),
	}
}

// WithClock sets the reference clock the device offset applies to.
func (d *SimDevice) WithClock(c timestamp.Clock) *SimDevice {
	d.clock = c
	return d
}

// Now returns the device clock in Unix ns.
func (d *SimDevice) Now() int64 {
	return d.clock.Now().Add(d.Offset).UnixNano()
}

// Connect opens a link of the given kind through hub and sends the
// handshake. The device answers traffic until ctx ends or the link drops.
func (d *SimDevice) Connect(ctx context.Context, hub *transport.Hub, kind registry.TransportKind) error {
	controllerEnd, deviceEnd := transport.NewPipe(kind, transport.DefaultInboxSize)

	offerErr := make(chan error, 1)
	go func() { offerErr <- hub.Offer(ctx, controllerEnd) }()

	hs := &protocol.Handshake{
		DeviceID:        d.ID,
		DeviceName:      "sim-" + d.ID,
		ProtocolVersion: d.ProtocolVersion,
		Capabilities:    d.Channels,
	}
	if err := d.send(ctx, deviceEnd, hs); err != nil {
		return err
	}
	if err := <-offerErr; err != nil {
		return err
	}

	d.mu.Lock()
	if old, ok := d.links[kind]; ok {
		_ = old.Close()
	}
	d.links[kind] = deviceEnd
	serveCtx, cancel := context.WithCancel(ctx)
	d.cancels = append(d.cancels, cancel)
	d.mu.Unlock()

	d.wg.Add(1)
	go d.serve(serveCtx, deviceEnd)
	return nil
}

func (d *SimDevice) serve(ctx context.Context, conn transport.Conn) {
	defer d.wg.Done()
	for {
		frame, err := conn.Receive(ctx)
		if err != nil {
			return
		}
		msg, err := protocol.Parse(frame)
		if err != nil {
			continue
		}
		switch m := msg.(type) {
		case *protocol.HandshakeAck:
			d.mu.Lock()
			d.acks = append(d.acks, m)
			d.mu.Unlock()
		case *protocol.SyncRequest:
			go d.answerSync(ctx, conn, m)
		case *protocol.StartRecord, *protocol.StopRecord:
			d.mu.Lock()
			d.commands = append(d.commands, msg)
			d.mu.Unlock()
			if d.Silent {
				continue
			}
			cmd := msg.(protocol.Command)
			ack := &protocol.Ack{ID: cmd.CommandID(), Success: !d.RejectCommands}
			if d.RejectCommands {
				ack.Message = "rejected by simulator"
			}
			_ = d.send(ctx, conn, ack)
		}
	}
}

func (d *SimDevice) answerSync(ctx context.Context, conn transport.Conn, req *protocol.SyncRequest) {
	sleep(ctx, d.Latency)
	t2 := d.Now()
	t3 := d.Now()
	sleep(ctx, d.Latency)
	_ = d.send(ctx, conn, &protocol.SyncResponse{Seq: req.Seq, T1: req.T1, T2: t2, T3: t3})

	d.mu.Lock()
	d.syncs++
	d.mu.Unlock()
}

func sleep(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

func (d *SimDevice) send(ctx context.Context, conn transport.Conn, msg protocol.Message) error {
	frame, err := protocol.Encode(msg, d.clock.Now())
	if err != nil {
		return err
	}
	return conn.Send(ctx, frame)
}

func (d *SimDevice) link(kind registry.TransportKind) (transport.Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if kind == "" {
		for _, k := range []registry.TransportKind{registry.TransportDirect, registry.TransportRelayed} {
			if c, ok := d.links[k]; ok {
				return c, nil
			}
		}
	}
	c, ok := d.links[kind]
	if !ok {
		return nil, fmt.Errorf("sim device %s has no %q link", d.ID, kind)
	}
	return c, nil
}

// Send writes msg on the link of the given kind; an empty kind picks the
// direct link when present.
func (d *SimDevice) Send(ctx context.Context, kind registry.TransportKind, msg protocol.Message) error {
	conn, err := d.link(kind)
	if err != nil {
		return err
	}
	return d.send(ctx, conn, msg)
}

// SendRaw writes an arbitrary frame.
func (d *SimDevice) SendRaw(ctx context.Context, kind registry.TransportKind, frame []byte) error {
	conn, err := d.link(kind)
	if err != nil {
		return err
	}
	return conn.Send(ctx, frame)
}

// SendSamples sends one sensor_data batch whose readings are stamped with
// the device clock: the first at start, then every period.
func (d *SimDevice) SendSamples(ctx context.Context, channel string, start int64, period time.Duration, values []float64) error {
	readings := make([]protocol.Reading, len(values))
	for i, v := range values {
		readings[i] = protocol.Reading{T: start + int64(i)*int64(period), V: v}
	}
	return d.Send(ctx, "", &protocol.SensorData{DeviceID: d.ID, Channel: channel, Samples: readings})
}

// SendStatus sends a device_status heartbeat.
func (d *SimDevice) SendStatus(ctx context.Context, battery, quality float64) error {
	return d.Send(ctx, "", &protocol.DeviceStatus{Battery: battery, Quality: quality})
}

// Drop closes the link of the given kind as if the network failed.
func (d *SimDevice) Drop(kind registry.TransportKind) {
	d.mu.Lock()
	c, ok := d.links[kind]
	delete(d.links, kind)
	d.mu.Unlock()
	if ok {
		_ = c.Close()
	}
}

// Close drops every link and stops the responders.
func (d *SimDevice) Close() {
	d.mu.Lock()
	for k, c := range d.links {
		_ = c.Close()
		delete(d.links, k)
	}
	cancels := d.cancels
	d.cancels = nil
	d.mu.Unlock()
	for _, cancel := range cancels {
		cancel()
	}
	d.wg.Wait()
}

// HandshakeAcks returns the acks received so far.
func (d *SimDevice) HandshakeAcks() []*protocol.HandshakeAck {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*protocol.HandshakeAck(nil), d.acks...)
}

// Commands returns the session commands received so far.
func (d *SimDevice) Commands() []protocol.Message {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]protocol.Message(nil), d.commands...)
}

// SyncsAnswered returns how many sync requests were answered.
func (d *SimDevice) SyncsAnswered() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.syncs
}
