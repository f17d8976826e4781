package transport

import (
	"context"

	"github.com/buccancs/fyp-multi-sensor-recording-system-sub023/errors"
	"github.com/buccancs/fyp-multi-sensor-recording-system-sub023/registry"
)

// PipeConn is one end of an in-memory link.
type PipeConn struct {
	kind   registry.TransportKind
	name   string
	in     *inbox
	remote *PipeConn
}

// NewPipe returns two connected in-memory ends of a link of the given kind.
// Closing either end closes both.
func NewPipe(kind registry.TransportKind, size int) (*PipeConn, *PipeConn) {
	a := &PipeConn{kind: kind, name: "pipe:controller", in: newInbox(size)}
	b := &PipeConn{kind: kind, name: "pipe:device", in: newInbox(size)}
	a.remote, b.remote = b, a
	return a, b
}

// Send queues frame at the remote end.
func (p *PipeConn) Send(ctx context.Context, frame []byte) error {
	if p.in.closed() {
		return errors.WrapTransient(errors.ErrConnectionLost, "PipeConn", "Send", "write frame")
	}
	out := make([]byte, len(frame))
	copy(out, frame)
	if err := p.remote.in.push(ctx, out); err != nil {
		return errors.WrapTransient(err, "PipeConn", "Send", "write frame")
	}
	return nil
}

// Receive returns the next frame sent by the remote end.
func (p *PipeConn) Receive(ctx context.Context) ([]byte, error) {
	frame, err := p.in.receive(ctx)
	if err != nil && ctx.Err() == nil {
		return nil, lostError("PipeConn", "read frame", nil)
	}
	return frame, err
}

// Close closes both ends.
func (p *PipeConn) Close() error {
	p.in.close(errors.ErrConnectionLost)
	p.remote.in.close(errors.ErrConnectionLost)
	return nil
}

// Kind returns the transport kind the pipe stands in for.
func (p *PipeConn) Kind() registry.TransportKind { return p.kind }

// RemoteAddr names the pipe end.
func (p *PipeConn) RemoteAddr() string { return p.remote.name }

// Closed reports whether the link is down.
func (p *PipeConn) Closed() bool { return p.in.closed() }
