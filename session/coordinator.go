// Package session coordinates recording sessions across connected devices:
// a quorum-gated start, late joins, loss tracking and a flushing stop.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/buccancs/fyp-multi-sensor-recording-system-sub023/errors"
	"github.com/buccancs/fyp-multi-sensor-recording-system-sub023/metric"
	"github.com/buccancs/fyp-multi-sensor-recording-system-sub023/pkg/timestamp"
	"github.com/buccancs/fyp-multi-sensor-recording-system-sub023/protocol"
	"github.com/buccancs/fyp-multi-sensor-recording-system-sub023/registry"
)

// Commander delivers a session command to a device and waits for its ack.
type Commander interface {
	SendCommand(ctx context.Context, deviceID string, cmd protocol.Command) (*protocol.Ack, error)
}

// Lifecycle receives session boundaries. Implementations persist samples and
// archive finished sessions.
type Lifecycle interface {
	SessionStarted(s registry.Session)
	// FlushDevice persists everything buffered for the device in the session.
	FlushDevice(ctx context.Context, sessionID, deviceID string) error
	SessionStopped(s registry.Session)
}

// Coordinator owns the session lifecycle. Only one session runs at a time.
type Coordinator struct {
	reg     *registry.Registry
	cmd     Commander
	life    Lifecycle
	clock   timestamp.Clock
	logger  *slog.Logger
	metrics *metric.Metrics

	mu       sync.Mutex
	cfg      Config
	current  *registry.Session
	starting []string // participants while storage opens for a new session
	busy     bool
	initial  int
	down     map[string]bool
	resuming map[string]bool

	wg sync.WaitGroup
}

// New creates a coordinator. life may be nil.
func New(cfg Config, reg *registry.Registry, cmd Commander, life Lifecycle,
	clock timestamp.Clock, logger *slog.Logger, metrics *metric.Metrics,
) (*Coordinator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if reg == nil || cmd == nil {
		return nil, errors.WrapFatal(fmt.Errorf("%w: registry and commander are required", errors.ErrMissingConfig),
			"Coordinator", "New", "check dependencies")
	}
	if clock == nil {
		clock = timestamp.SystemClock{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		cfg:      cfg,
		reg:      reg,
		cmd:      cmd,
		life:     life,
		clock:    clock,
		logger:   logger.With("component", "session-coordinator"),
		metrics:  metrics,
		down:     make(map[string]bool),
		resuming: make(map[string]bool),
	}, nil
}

// Quorum returns the current start policy.
func (c *Coordinator) Quorum() Quorum {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cfg.Quorum
}

// SetQuorum changes the start policy. It applies to the next start and to
// degradation checks of the running session.
func (c *Coordinator) SetQuorum(q Quorum) error {
	if err := q.Validate(); err != nil {
		return err
	}
	c.mu.Lock()
	c.cfg.Quorum = q
	c.mu.Unlock()
	c.logger.Info("Quorum policy changed", "quorum", q.String())
	return nil
}

// Current returns the running session, if any.
func (c *Coordinator) Current() (registry.Session, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current == nil || !c.current.State.Running() {
		return registry.Session{}, false
	}
	return c.current.Clone(), true
}

// IsRecording reports whether deviceID participates in an active session.
func (c *Coordinator) IsRecording(deviceID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if slices.Contains(c.starting, deviceID) {
		return true
	}
	if c.current == nil {
		return false
	}
	switch c.current.State {
	case registry.SessionActive, registry.SessionDegraded:
		return c.current.Has(deviceID)
	}
	return false
}

// publish stores s as the current session and announces it. Callers hold
// c.mu.
func (c *Coordinator) publish(s registry.Session) {
	cp := s.Clone()
	c.current = &cp
	c.reg.SetSession(cp)
	state := int(s.State)
	if s.State == registry.SessionStopped {
		state = 0
	}
	c.metrics.RecordSession(state, len(s.Devices))
}

type reply struct {
	id  string
	err error
}

// fanOut sends a fresh command built by mk to every device concurrently,
// each with its own timeout, and waits for all replies.
func (c *Coordinator) fanOut(ctx context.Context, ids []string, timeout time.Duration,
	mk func() protocol.Command,
) []reply {
	out := make([]reply, len(ids))
	var g errgroup.Group
	for i, id := range ids {
		g.Go(func() error {
			cctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()
			_, err := c.cmd.SendCommand(cctx, id, mk())
			out[i] = reply{id: id, err: err}
			return nil
		})
	}
	_ = g.Wait()
	return out
}

// Start begins a session with every streaming device. The session becomes
// Active when the quorum acknowledges; otherwise it is stopped and
// ErrQuorumNotMet is returned with the stopped record.
func (c *Coordinator) Start(ctx context.Context) (registry.Session, error) {
	c.mu.Lock()
	if c.busy || (c.current != nil && c.current.State.Running()) {
		c.mu.Unlock()
		return registry.Session{}, errors.WrapInvalid(errors.ErrSessionActive, "Coordinator", "Start", "check current session")
	}
	quorum := c.cfg.Quorum
	c.busy = true

	var candidates []string
	for _, d := range c.reg.DevicesIn(registry.Streaming) {
		candidates = append(candidates, d.ID)
	}
	s := registry.Session{
		ID:        uuid.NewString(),
		State:     registry.SessionPending,
		StartedAt: c.clock.Now(),
	}
	c.publish(s)
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.busy = false
		c.mu.Unlock()
	}()

	logger := c.logger.With("session_id", s.ID)
	logger.Info("Starting session", "candidates", candidates, "quorum", quorum.String())

	replies := c.fanOut(ctx, candidates, c.ackTimeout(), func() protocol.Command {
		return &protocol.StartRecord{SessionID: s.ID}
	})
	var acked, excluded []string
	for _, r := range replies {
		if r.err != nil {
			logger.Warn("Device did not acknowledge start", "device_id", r.id, "error", r.err)
			excluded = append(excluded, r.id)
			continue
		}
		acked = append(acked, r.id)
	}
	s.Devices = c.reg.Order(acked)
	s.Excluded = c.reg.Order(excluded)

	required := quorum.Required(len(candidates))
	if len(acked) < required {
		s.State = registry.SessionStopped
		s.EndedAt = c.clock.Now()
		s.Reason = fmt.Sprintf("quorum %s not met: %d of %d acknowledged, %d required",
			quorum, len(acked), len(candidates), required)

		c.fanOut(context.WithoutCancel(ctx), s.Devices, c.stopTimeout(), func() protocol.Command {
			return &protocol.StopRecord{SessionID: s.ID}
		})

		c.mu.Lock()
		c.publish(s)
		c.mu.Unlock()
		if c.life != nil {
			c.life.SessionStopped(s.Clone())
		}
		logger.Warn("Session not started", "reason", s.Reason)
		err := errors.WrapInvalid(fmt.Errorf("%w: %s", errors.ErrQuorumNotMet, s.Reason), "Coordinator", "Start", "collect acks")
		c.metrics.RecordError("session", errors.Kind(err))
		return s, err
	}

	s.State = registry.SessionActive
	if c.life != nil {
		c.mu.Lock()
		c.starting = slices.Clone(s.Devices)
		c.mu.Unlock()
		c.life.SessionStarted(s.Clone())
	}
	c.mu.Lock()
	c.starting = nil
	c.initial = len(s.Devices)
	clear(c.down)
	clear(c.resuming)
	c.publish(s)
	c.mu.Unlock()

	logger.Info("Session active", "devices", s.Devices, "excluded", s.Excluded)
	return s, nil
}

// Stop ends the running session: devices are told to stop, every
// participant's buffered samples are flushed, then the session is archived.
func (c *Coordinator) Stop(ctx context.Context, reason string) (registry.Session, error) {
	c.mu.Lock()
	if c.current == nil || !c.current.State.Running() {
		c.mu.Unlock()
		return registry.Session{}, errors.WrapInvalid(errors.ErrNoSession, "Coordinator", "Stop", "check current session")
	}
	if c.busy {
		c.mu.Unlock()
		return registry.Session{}, errors.WrapTransient(fmt.Errorf("%w: start or stop in progress", errors.ErrSessionActive),
			"Coordinator", "Stop", "check current session")
	}
	c.busy = true
	s := c.current.Clone()
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.busy = false
		c.mu.Unlock()
	}()

	logger := c.logger.With("session_id", s.ID)
	if reason == "" {
		reason = "stopped by operator"
	}

	replies := c.fanOut(ctx, s.Devices, c.stopTimeout(), func() protocol.Command {
		return &protocol.StopRecord{SessionID: s.ID}
	})
	for _, r := range replies {
		if r.err != nil {
			logger.Warn("Device did not acknowledge stop", "device_id", r.id, "error", r.err)
		}
	}

	if c.life != nil {
		for _, id := range s.Devices {
			if err := c.life.FlushDevice(ctx, s.ID, id); err != nil {
				logger.Error("Flush failed", "device_id", id, "error", err)
				c.metrics.RecordError("session", errors.Kind(err))
			}
		}
	}

	c.mu.Lock()
	// participants lost while stopping are kept in the record
	if c.current != nil && c.current.ID == s.ID {
		s.Lost = c.current.Lost
	}
	s.State = registry.SessionStopped
	s.EndedAt = c.clock.Now()
	s.Reason = reason
	c.publish(s)
	clear(c.down)
	c.mu.Unlock()

	if c.life != nil {
		c.life.SessionStopped(s.Clone())
	}
	logger.Info("Session stopped", "reason", reason, "devices", s.Devices)
	return s, nil
}

// Admit adds a streaming non-participant to the running session.
func (c *Coordinator) Admit(ctx context.Context, deviceID string) (registry.Session, error) {
	c.mu.Lock()
	allow := c.cfg.AllowLateJoin
	var s registry.Session
	running := c.current != nil &&
		(c.current.State == registry.SessionActive || c.current.State == registry.SessionDegraded)
	if running {
		s = c.current.Clone()
	}
	c.mu.Unlock()

	switch {
	case !allow:
		return registry.Session{}, errors.WrapInvalid(errors.ErrLateJoinDenied, "Coordinator", "Admit", "check policy")
	case !running:
		return registry.Session{}, errors.WrapInvalid(errors.ErrNoSession, "Coordinator", "Admit", "check current session")
	case s.Has(deviceID):
		return s, nil
	}

	d, ok := c.reg.Device(deviceID)
	if !ok {
		return registry.Session{}, errors.WrapInvalid(fmt.Errorf("%w: %s", errors.ErrUnknownDevice, deviceID),
			"Coordinator", "Admit", "find device")
	}
	if d.State != registry.Streaming {
		return registry.Session{}, errors.WrapInvalid(
			fmt.Errorf("%w: %s is %s, not streaming", errors.ErrLateJoinDenied, deviceID, d.State),
			"Coordinator", "Admit", "check device state")
	}

	cctx, cancel := context.WithTimeout(ctx, c.ackTimeout())
	defer cancel()
	if _, err := c.cmd.SendCommand(cctx, deviceID, &protocol.StartRecord{SessionID: s.ID}); err != nil {
		return registry.Session{}, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current == nil || c.current.ID != s.ID || !c.current.State.Running() {
		return registry.Session{}, errors.WrapInvalid(errors.ErrNoSession, "Coordinator", "Admit", "record participant")
	}
	next := c.current.Clone()
	if !next.Has(deviceID) {
		next.Devices = c.reg.Order(append(next.Devices, deviceID))
	}
	next.Excluded = slices.DeleteFunc(next.Excluded, func(id string) bool { return id == deviceID })
	c.publish(next)
	c.logger.Info("Device joined session", "session_id", next.ID, "device_id", deviceID)
	return next, nil
}

// Run follows device state changes to track lost and returning
// participants until ctx ends.
func (c *Coordinator) Run(ctx context.Context) error {
	events, unsubscribe := c.reg.Subscribe(256)
	defer unsubscribe()
	defer c.wg.Wait()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			if ev.Kind == registry.EventDeviceState && ev.Previous != "" {
				c.deviceChanged(ctx, ev.DeviceID, ev.State)
			}
		}
	}
}

func (c *Coordinator) deviceChanged(ctx context.Context, id, state string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current == nil || c.busy || !c.current.Has(id) {
		return
	}
	switch c.current.State {
	case registry.SessionActive, registry.SessionDegraded:
	default:
		return
	}

	s := c.current.Clone()
	logger := c.logger.With("session_id", s.ID, "device_id", id)

	switch state {
	case registry.Failed.String():
		s.Devices = slices.DeleteFunc(s.Devices, func(d string) bool { return d == id })
		s.Lost = append(s.Lost, id)
		delete(c.down, id)
		logger.Error("Participant lost to a fatal error")
		c.degrade(&s, fmt.Sprintf("participant %s failed", id))
		c.publish(s)

	case registry.Reconnecting.String(), registry.Disconnected.String():
		if c.down[id] {
			return
		}
		c.down[id] = true
		healthy := len(s.Devices) - len(c.down)
		required := c.cfg.Quorum.Required(c.initial)
		logger.Warn("Participant link down", "healthy", healthy, "required", required)
		if healthy < required {
			c.degrade(&s, fmt.Sprintf("%d of %d participants healthy, %d required", healthy, c.initial, required))
			c.publish(s)
		}

	case registry.Streaming.String():
		if !c.down[id] || c.resuming[id] {
			return
		}
		c.resuming[id] = true
		c.wg.Add(1)
		go c.resume(ctx, s.ID, id)
	}
}

// degrade marks the session degraded. A degraded session stays degraded
// until it is stopped.
func (c *Coordinator) degrade(s *registry.Session, reason string) {
	if s.State == registry.SessionDegraded {
		return
	}
	s.State = registry.SessionDegraded
	s.Reason = reason
	c.logger.Warn("Session degraded", "session_id", s.ID, "reason", reason)
}

// resume re-sends start_record to a participant that came back.
func (c *Coordinator) resume(ctx context.Context, sessionID, id string) {
	defer c.wg.Done()

	cctx, cancel := context.WithTimeout(ctx, c.ackTimeout())
	_, err := c.cmd.SendCommand(cctx, id, &protocol.StartRecord{SessionID: sessionID})
	cancel()

	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.resuming, id)
	if c.current == nil || c.current.ID != sessionID {
		return
	}
	if err != nil {
		c.logger.Warn("Participant did not resume", "session_id", sessionID, "device_id", id, "error", err)
		return
	}
	delete(c.down, id)
	c.logger.Info("Participant resumed", "session_id", sessionID, "device_id", id)
}

func (c *Coordinator) ackTimeout() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cfg.AckTimeout
}

func (c *Coordinator) stopTimeout() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cfg.StopTimeout
}
