package transport

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/buccancs/fyp-multi-sensor-recording-system-sub023/errors"
	"github.com/buccancs/fyp-multi-sensor-recording-system-sub023/metric"
	"github.com/buccancs/fyp-multi-sensor-recording-system-sub023/pkg/timestamp"
	"github.com/buccancs/fyp-multi-sensor-recording-system-sub023/protocol"
)

// Incoming is a new link whose opening handshake has been validated.
type Incoming struct {
	Conn       Conn
	Handshake  *protocol.Handshake
	ReceivedAt time.Time
}

// Hub collects inbound links from every endpoint.
type Hub struct {
	handshakeTimeout time.Duration
	clock            timestamp.Clock
	logger           *slog.Logger
	metrics          *metric.Metrics

	incoming  chan Incoming
	done      chan struct{}
	closeOnce sync.Once

	accepted atomic.Uint64
	rejected atomic.Uint64
}

// NewHub creates a hub. A link must deliver its handshake within
// handshakeTimeout of being offered.
func NewHub(handshakeTimeout time.Duration, clock timestamp.Clock, logger *slog.Logger, metrics *metric.Metrics) *Hub {
	if handshakeTimeout <= 0 {
		handshakeTimeout = 5 * time.Second
	}
	if clock == nil {
		clock = timestamp.SystemClock{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		handshakeTimeout: handshakeTimeout,
		clock:            clock,
		logger:           logger.With("component", "transport-hub"),
		metrics:          metrics,
		incoming:         make(chan Incoming, 16),
		done:             make(chan struct{}),
	}
}

// Offer reads the opening frame of conn and, if it is a valid handshake,
// queues the link for Accept. Any other opening closes the link.
func (h *Hub) Offer(ctx context.Context, conn Conn) error {
	readCtx, cancel := context.WithTimeout(ctx, h.handshakeTimeout)
	frame, err := conn.Receive(readCtx)
	cancel()
	if err != nil {
		h.reject(conn, "handshake_timeout", err)
		return errors.WrapTransient(fmt.Errorf("%w: %v", errors.ErrConnectionTimeout, err), "Hub", "Offer", "await handshake")
	}
	recvAt := h.clock.Now()

	msg, err := protocol.Parse(frame)
	if err != nil {
		h.reject(conn, "malformed_handshake", err)
		return err
	}
	hs, ok := msg.(*protocol.Handshake)
	if !ok {
		err := errors.WrapInvalid(fmt.Errorf("%w: expected handshake, got %s", errors.ErrProtocol, msg.Kind()),
			"Hub", "Offer", "validate opening frame")
		h.reject(conn, "unexpected_opening", err)
		return err
	}
	hs.Transport = conn.Kind()

	select {
	case h.incoming <- Incoming{Conn: conn, Handshake: hs, ReceivedAt: recvAt}:
		h.accepted.Add(1)
		h.metrics.RecordMessageReceived(string(protocol.TypeHandshake))
		return nil
	case <-h.done:
		_ = conn.Close()
		return errors.ErrShuttingDown
	case <-ctx.Done():
		_ = conn.Close()
		return ctx.Err()
	}
}

func (h *Hub) reject(conn Conn, reason string, err error) {
	h.rejected.Add(1)
	h.metrics.RecordMessageRejected(reason)
	h.logger.Warn("Rejected inbound link", "remote", conn.RemoteAddr(), "kind", conn.Kind(),
		"reason", reason, "error", err)
	_ = conn.Close()
}

// Accept returns the next validated link.
func (h *Hub) Accept(ctx context.Context) (Incoming, error) {
	select {
	case in := <-h.incoming:
		return in, nil
	case <-h.done:
		return Incoming{}, errors.ErrShuttingDown
	case <-ctx.Done():
		return Incoming{}, ctx.Err()
	}
}

// Close stops accepting links and closes any still queued.
func (h *Hub) Close() {
	h.closeOnce.Do(func() {
		close(h.done)
		for {
			select {
			case in := <-h.incoming:
				_ = in.Conn.Close()
			default:
				return
			}
		}
	})
}

// Accepted returns the number of links handed to Accept.
func (h *Hub) Accepted() uint64 { return h.accepted.Load() }

// Rejected returns the number of links closed for a bad opening.
func (h *Hub) Rejected() uint64 { return h.rejected.Load() }
