// Package clocksync estimates the offset between each device clock and the
// controller clock from four-timestamp exchanges, and converts device
// timestamps onto the controller timeline.
//
// Accepted offsets are smoothed with an EWMA. The last RegressionWindow
// accepted measurements give the jitter (their standard deviation) and the
// drift (least-squares slope against controller time), and the drift
// extrapolates the smoothed offset between measurements. A device whose last
// accepted measurement is older than Staleness is unsynchronized: Estimate
// reports it invalid and Correct refuses it until the next resync.
package clocksync

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/buccancs/fyp-multi-sensor-recording-system-sub023/errors"
	"github.com/buccancs/fyp-multi-sensor-recording-system-sub023/metric"
	"github.com/buccancs/fyp-multi-sensor-recording-system-sub023/pkg/timestamp"
)

type point struct {
	at     time.Time
	offset float64 // ns
}

type deviceState struct {
	hasEstimate bool
	smoothed    float64 // ns
	lastAt      time.Time
	points      []point
	jitter      float64 // ns
	drift       float64 // ns per second

	events []Event
}

// Synchronizer keeps per-device offset filters and sync audit logs.
type Synchronizer struct {
	cfg     Config
	clock   timestamp.Clock
	logger  *slog.Logger
	metrics *metric.Metrics

	mu      sync.RWMutex
	devices map[string]*deviceState

	obsMu     sync.RWMutex
	observers []func(Event)
}

// New creates a synchronizer. cfg must be valid.
func New(cfg Config, clock timestamp.Clock, logger *slog.Logger, metrics *metric.Metrics) (*Synchronizer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if clock == nil {
		clock = timestamp.SystemClock{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Synchronizer{
		cfg:     cfg,
		clock:   clock,
		logger:  logger.With("component", "clocksync"),
		metrics: metrics,
		devices: make(map[string]*deviceState),
	}, nil
}

// Config returns the active configuration.
func (s *Synchronizer) Config() Config { return s.cfg }

// Observe registers fn to receive every recorded event, accepted or not.
// fn runs synchronously on the recording goroutine.
func (s *Synchronizer) Observe(fn func(Event)) {
	s.obsMu.Lock()
	s.observers = append(s.observers, fn)
	s.obsMu.Unlock()
}

func (s *Synchronizer) state(id string) *deviceState {
	st, ok := s.devices[id]
	if !ok {
		st = &deviceState{}
		s.devices[id] = st
	}
	return st
}

// Record applies one exchange to the device's filter and returns the logged
// event.
func (s *Synchronizer) Record(deviceID string, ex Exchange) Event {
	rtt := ex.RoundTrip()
	offset := ex.Offset()
	measuredAt := timestamp.FromUnixNs(ex.T4)

	ev := Event{
		DeviceID:   deviceID,
		MeasuredAt: measuredAt,
		RoundTrip:  rtt,
		Offset:     offset,
	}

	s.mu.Lock()
	st := s.state(deviceID)
	switch {
	case rtt < 0:
		ev.Reason = ReasonNegativeRoundTrip
	case rtt > s.cfg.MaxRoundTrip:
		ev.Reason = ReasonRoundTrip
	default:
		s.accept(st, measuredAt, float64(offset))
		ev.Accepted = true
	}
	ev.Smoothed = time.Duration(math.Round(st.smoothed))
	ev.Jitter = time.Duration(math.Round(st.jitter))
	ev.Drift = st.drift

	st.events = append(st.events, ev)
	if over := len(st.events) - s.cfg.AuditLimit; over > 0 {
		st.events = append(st.events[:0:0], st.events[over:]...)
	}
	s.mu.Unlock()

	s.metrics.RecordSync(deviceID, ev.Accepted, rtt, ev.Smoothed, ev.Jitter)
	if ev.Accepted {
		s.logger.Debug("Sync measurement accepted", "device_id", deviceID,
			"round_trip", rtt, "offset", offset, "smoothed", ev.Smoothed, "jitter", ev.Jitter)
	} else {
		s.logger.Debug("Sync measurement rejected", "device_id", deviceID,
			"round_trip", rtt, "reason", ev.Reason)
	}

	s.obsMu.RLock()
	observers := s.observers
	s.obsMu.RUnlock()
	for _, fn := range observers {
		fn(ev)
	}
	return ev
}

// accept folds one measurement into the filter. Callers hold s.mu.
func (s *Synchronizer) accept(st *deviceState, at time.Time, offset float64) {
	if !st.hasEstimate {
		st.smoothed = offset
		st.hasEstimate = true
	} else {
		prior := s.extrapolate(st, at)
		st.smoothed = s.cfg.Alpha*offset + (1-s.cfg.Alpha)*prior
	}
	st.lastAt = at

	st.points = append(st.points, point{at: at, offset: offset})
	if over := len(st.points) - s.cfg.RegressionWindow; over > 0 {
		st.points = append(st.points[:0:0], st.points[over:]...)
	}
	st.jitter, st.drift = regress(st.points)
}

// extrapolate returns the smoothed offset projected to controller time t.
func (s *Synchronizer) extrapolate(st *deviceState, t time.Time) float64 {
	if len(st.points) < s.cfg.MinDriftPoints {
		return st.smoothed
	}
	return st.smoothed + st.drift*t.Sub(st.lastAt).Seconds()
}

// regress returns the population standard deviation of the offsets and the
// least-squares slope of offset against time in ns/s.
func regress(points []point) (stddev, slope float64) {
	n := float64(len(points))
	if n == 0 {
		return 0, 0
	}
	origin := points[0].at

	var sumX, sumY float64
	for _, p := range points {
		sumX += p.at.Sub(origin).Seconds()
		sumY += p.offset
	}
	meanX, meanY := sumX/n, sumY/n

	var sxx, sxy, syy float64
	for _, p := range points {
		dx := p.at.Sub(origin).Seconds() - meanX
		dy := p.offset - meanY
		sxx += dx * dx
		sxy += dx * dy
		syy += dy * dy
	}
	stddev = math.Sqrt(syy / n)
	if n >= 2 && sxx > 0 {
		slope = sxy / sxx
	}
	return stddev, slope
}

// Resync runs one round of probes against the device. It fails with a
// transient ErrClockSync when no probe produced an accepted measurement.
func (s *Synchronizer) Resync(ctx context.Context, deviceID string, prober Prober) error {
	accepted, attempted := 0, 0
	var lastErr error

	for i := 0; i < s.cfg.ProbesPerRound; i++ {
		if i > 0 && s.cfg.ProbeSpacing > 0 {
			timer := time.NewTimer(s.cfg.ProbeSpacing)
			select {
			case <-ctx.Done():
				timer.Stop()
				return errors.WrapTransient(ctx.Err(), "Synchronizer", "Resync", "probe round")
			case <-timer.C:
			}
		}

		probeCtx, cancel := context.WithTimeout(ctx, s.cfg.ProbeTimeout)
		ex, err := prober.Exchange(probeCtx)
		cancel()
		attempted++
		if err != nil {
			lastErr = err
			if ctx.Err() != nil {
				return errors.WrapTransient(ctx.Err(), "Synchronizer", "Resync", "probe round")
			}
			if errors.IsFatal(err) {
				return err
			}
			continue
		}
		if s.Record(deviceID, ex).Accepted {
			accepted++
		}
	}

	if accepted == 0 {
		cause := fmt.Errorf("%w: no accepted measurement in %d probes", errors.ErrClockSync, attempted)
		if lastErr != nil {
			cause = fmt.Errorf("%w (last error: %v)", cause, lastErr)
		}
		s.logger.Warn("Clock sync round failed", "device_id", deviceID, "probes", attempted, "error", lastErr)
		return errors.WrapTransient(cause, "Synchronizer", "Resync", "probe round")
	}

	offset, jitter, _ := s.Estimate(deviceID)
	s.logger.Info("Clock sync round complete", "device_id", deviceID,
		"accepted", accepted, "probes", attempted, "offset", offset, "jitter", jitter)
	return nil
}

// Estimate returns the current offset (extrapolated to now) and jitter.
// valid is false when the device is unsynchronized.
func (s *Synchronizer) Estimate(deviceID string) (offset, jitter time.Duration, valid bool) {
	now := s.clock.Now()

	s.mu.RLock()
	defer s.mu.RUnlock()

	st, ok := s.devices[deviceID]
	if !ok || !st.hasEstimate {
		return 0, 0, false
	}
	offset = time.Duration(math.Round(s.extrapolate(st, now)))
	return offset, time.Duration(math.Round(st.jitter)), s.fresh(st, now)
}

func (s *Synchronizer) fresh(st *deviceState, now time.Time) bool {
	return st.hasEstimate && now.Sub(st.lastAt) <= s.cfg.Staleness
}

// Synchronized reports whether the device has a non-expired estimate.
func (s *Synchronizer) Synchronized(deviceID string) bool {
	now := s.clock.Now()

	s.mu.RLock()
	defer s.mu.RUnlock()

	st, ok := s.devices[deviceID]
	return ok && s.fresh(st, now)
}

// Correct converts a device timestamp (Unix ns) to controller time. The
// offset is extrapolated to the controller instant the sample was taken, so
// the result depends only on the measurement history.
func (s *Synchronizer) Correct(deviceID string, deviceNs int64) (int64, bool) {
	now := s.clock.Now()

	s.mu.RLock()
	defer s.mu.RUnlock()

	st, ok := s.devices[deviceID]
	if !ok || !s.fresh(st, now) {
		return 0, false
	}
	approx := timestamp.FromUnixNs(deviceNs - int64(st.smoothed))
	return deviceNs - int64(math.Round(s.extrapolate(st, approx))), true
}

// Drift returns the estimated drift in ns per second.
func (s *Synchronizer) Drift(deviceID string) float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if st, ok := s.devices[deviceID]; ok {
		return st.drift
	}
	return 0
}

// LastSync returns the controller time of the last accepted measurement.
func (s *Synchronizer) LastSync(deviceID string) time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if st, ok := s.devices[deviceID]; ok {
		return st.lastAt
	}
	return time.Time{}
}

// Events returns a copy of the device's audit log, oldest first.
func (s *Synchronizer) Events(deviceID string) []Event {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.devices[deviceID]
	if !ok {
		return nil
	}
	out := make([]Event, len(st.events))
	copy(out, st.events)
	return out
}

// Reset clears the device's filter, leaving it unsynchronized. The audit log
// is kept.
func (s *Synchronizer) Reset(deviceID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.devices[deviceID]; ok {
		s.devices[deviceID] = &deviceState{events: st.events}
	}
}
