// Package transport carries protocol frames between the controller and
// devices.
//
// A device reaches the controller over one of two kinds of path: a direct
// websocket link, or a relayed link bridged by a companion device through a
// NATS or MQTT broker. Every path is exposed as a Conn. Endpoints hand new
// Conns to the Hub, which reads the opening frame, insists that it is a valid
// handshake and queues the pair for the connection manager to Accept.
package transport

import (
	"context"
	"fmt"
	"sync"

	"github.com/buccancs/fyp-multi-sensor-recording-system-sub023/errors"
	"github.com/buccancs/fyp-multi-sensor-recording-system-sub023/registry"
)

// Conn is one framed, bidirectional device link.
type Conn interface {
	// Send writes one frame. It honors the context deadline.
	Send(ctx context.Context, frame []byte) error
	// Receive blocks for the next inbound frame. After the link closes it
	// returns buffered frames and then an error wrapping ErrConnectionLost.
	Receive(ctx context.Context) ([]byte, error)
	// Close tears the link down. Safe to call more than once.
	Close() error
	Kind() registry.TransportKind
	RemoteAddr() string
}

// DefaultInboxSize is the per-link inbound frame queue length.
const DefaultInboxSize = 256

// inbox is the inbound frame queue shared by every Conn implementation.
type inbox struct {
	frames chan []byte
	done   chan struct{}
	once   sync.Once

	mu  sync.Mutex
	err error
}

func newInbox(size int) *inbox {
	if size <= 0 {
		size = DefaultInboxSize
	}
	return &inbox{
		frames: make(chan []byte, size),
		done:   make(chan struct{}),
	}
}

// push blocks until the frame is queued, the inbox closes or ctx ends.
func (in *inbox) push(ctx context.Context, frame []byte) error {
	select {
	case in.frames <- frame:
		return nil
	case <-in.done:
		return in.closedErr()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// offer queues the frame without blocking and reports whether it was kept.
func (in *inbox) offer(frame []byte) bool {
	select {
	case <-in.done:
		return false
	default:
	}
	select {
	case in.frames <- frame:
		return true
	default:
		return false
	}
}

func (in *inbox) receive(ctx context.Context) ([]byte, error) {
	select {
	case frame := <-in.frames:
		return frame, nil
	default:
	}

	select {
	case frame := <-in.frames:
		return frame, nil
	case <-in.done:
		select {
		case frame := <-in.frames:
			return frame, nil
		default:
			return nil, in.closedErr()
		}
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (in *inbox) close(cause error) {
	in.once.Do(func() {
		in.mu.Lock()
		in.err = cause
		in.mu.Unlock()
		close(in.done)
	})
}

func (in *inbox) closed() bool {
	select {
	case <-in.done:
		return true
	default:
		return false
	}
}

func (in *inbox) closedErr() error {
	in.mu.Lock()
	defer in.mu.Unlock()
	if in.err == nil {
		return errors.ErrConnectionLost
	}
	return in.err
}

func lostError(component, cause string, err error) error {
	if err == nil {
		return errors.WrapTransient(errors.ErrConnectionLost, component, "Receive", cause)
	}
	return errors.WrapTransient(fmt.Errorf("%w: %v", errors.ErrConnectionLost, err), component, "Receive", cause)
}
