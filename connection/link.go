package connection

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/buccancs/fyp-multi-sensor-recording-system-sub023/protocol"
	"github.com/buccancs/fyp-multi-sensor-recording-system-sub023/registry"
	"github.com/buccancs/fyp-multi-sensor-recording-system-sub023/transport"
)

// linkConn is one transport link of a device.
type linkConn struct {
	transport.Conn
	since     time.Time
	lastFrame atomic.Int64
	done      chan struct{}
	closeOnce sync.Once
}

func newLinkConn(c transport.Conn, now time.Time) *linkConn {
	lc := &linkConn{Conn: c, since: now, done: make(chan struct{})}
	lc.lastFrame.Store(now.UnixNano())
	return lc
}

func (c *linkConn) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.Conn.Close()
	})
}

// frame is a parsed inbound message stamped with its receive time.
type frame struct {
	msg  protocol.Message
	at   time.Time
	from *linkConn
}

type syncReply struct {
	resp *protocol.SyncResponse
	at   time.Time
}

// link is the controller's side of one logical device.
type link struct {
	id     string
	ctx    context.Context
	cancel context.CancelFunc

	prio chan frame
	bulk chan frame

	mu          sync.Mutex
	active      *linkConn
	standby     *linkConn
	pendingSync map[uint64]chan syncReply
	pendingCmd  map[string]chan *protocol.Ack
	drops       []time.Time
	revived     chan struct{}

	resyncing atomic.Bool
}

func newLink(parent context.Context, id string, cfg Config) *link {
	ctx, cancel := context.WithCancel(parent)
	return &link{
		id:          id,
		ctx:         ctx,
		cancel:      cancel,
		prio:        make(chan frame, cfg.PriorityLane),
		bulk:        make(chan frame, cfg.BulkLane),
		pendingSync: make(map[uint64]chan syncReply),
		pendingCmd:  make(map[string]chan *protocol.Ack),
	}
}

func (l *link) current() *linkConn {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.active
}

func (l *link) standbyKind() registry.TransportKind {
	if l.standby == nil {
		return ""
	}
	return l.standby.Kind()
}

// revive wakes a pending reconnect wait. Callers hold l.mu.
func (l *link) revive() {
	if l.revived != nil {
		close(l.revived)
		l.revived = nil
	}
}

func (l *link) recordDrop(now time.Time, window time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.drops = append(l.drops, now)
	l.trimDrops(now, window)
}

func (l *link) trimDrops(now time.Time, window time.Duration) {
	cut := 0
	for cut < len(l.drops) && now.Sub(l.drops[cut]) > window {
		cut++
	}
	l.drops = l.drops[cut:]
}

func (l *link) closeAll() {
	l.mu.Lock()
	active, standby := l.active, l.standby
	l.active, l.standby = nil, nil
	l.revive()
	l.mu.Unlock()
	if active != nil {
		active.close()
	}
	if standby != nil {
		standby.close()
	}
}
