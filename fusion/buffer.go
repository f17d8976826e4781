package fusion

import (
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/buccancs/fyp-multi-sensor-recording-system-sub023/errors"
	"github.com/buccancs/fyp-multi-sensor-recording-system-sub023/metric"
	"github.com/buccancs/fyp-multi-sensor-recording-system-sub023/pkg/buffer"
)

// SyncChecker reports whether a device currently has a valid clock estimate.
type SyncChecker interface {
	Synchronized(deviceID string) bool
}

// Config sizes the buffer.
type Config struct {
	// Capacity is the per-stream sample capacity; the oldest samples are
	// overwritten.
	Capacity int `json:"capacity" yaml:"capacity"`
	// Tolerance bounds nearest-neighbor matching.
	Tolerance time.Duration `json:"tolerance" yaml:"tolerance"`
}

// DefaultConfig returns a config holding a few minutes of a 32 Hz channel.
func DefaultConfig() Config {
	return Config{Capacity: 8192, Tolerance: 5 * time.Millisecond}
}

// Validate checks the config.
func (c Config) Validate() error {
	if c.Capacity <= 0 {
		return errors.WrapInvalid(fmt.Errorf("%w: capacity must be positive", errors.ErrInvalidConfig),
			"fusion", "Validate", "check config")
	}
	if c.Tolerance < 0 {
		return errors.WrapInvalid(fmt.Errorf("%w: tolerance cannot be negative", errors.ErrInvalidConfig),
			"fusion", "Validate", "check config")
	}
	return nil
}

type stream struct {
	mu   sync.Mutex
	ring *buffer.Ring[Sample]
	last int64
	has  bool
}

// Buffer is the live fusion buffer. Appends to different streams never
// contend; each stream has its own lock.
type Buffer struct {
	cfg     Config
	sync    SyncChecker
	metrics *metric.Metrics
	rings   *buffer.Metrics

	mu      sync.RWMutex
	streams map[Key]*stream
}

// New creates a buffer. A nil sync treats every device as synchronized.
func New(cfg Config, checker SyncChecker, metrics *metric.Metrics) (*Buffer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Buffer{
		cfg:     cfg,
		sync:    checker,
		metrics: metrics,
		streams: make(map[Key]*stream),
	}, nil
}

// ExportStreams exports the fill level of every stream created from now on
// through m, labelled "fusion:<device>/<channel>".
func (b *Buffer) ExportStreams(m *buffer.Metrics) {
	b.mu.Lock()
	b.rings = m
	b.mu.Unlock()
}

func ringName(k Key) string { return "fusion:" + k.String() }

// Tolerance returns the matching tolerance.
func (b *Buffer) Tolerance() time.Duration { return b.cfg.Tolerance }

func (b *Buffer) stream(k Key, create bool) *stream {
	b.mu.RLock()
	s, ok := b.streams[k]
	b.mu.RUnlock()
	if ok || !create {
		return s
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if s, ok := b.streams[k]; ok {
		return s
	}
	s = &stream{ring: buffer.NewRing[Sample](b.cfg.Capacity, buffer.WithMetrics[Sample](b.rings, ringName(k)))}
	b.streams[k] = s
	return s
}

// Append adds a corrected sample. Unsynchronized samples and samples older
// than the stream's newest are rejected.
func (b *Buffer) Append(s Sample) error {
	if s.Flag == FlagUnsynchronized {
		return errors.WrapInvalid(fmt.Errorf("%w: %s", errors.ErrUnsynchronized, s.DeviceID),
			"Buffer", "Append", "accept sample")
	}
	k := KeyOf(s)
	if k.DeviceID == "" || k.Channel == "" || k.wild() {
		return errors.WrapInvalid(fmt.Errorf("%w: bad stream key %q", errors.ErrInvalidData, k),
			"Buffer", "Append", "accept sample")
	}

	st := b.stream(k, true)

	st.mu.Lock()
	defer st.mu.Unlock()
	if st.has && s.Time < st.last {
		return errors.WrapInvalid(fmt.Errorf("%w: %s at %d after %d", errors.ErrNonMonotonic, k, s.Time, st.last),
			"Buffer", "Append", "order sample")
	}
	if err := st.ring.Write(s); err != nil {
		return errors.Wrap(err, "Buffer", "Append", "write ring")
	}
	st.last, st.has = s.Time, true
	return nil
}

func (b *Buffer) synchronized(deviceID string) bool {
	return b.sync == nil || b.sync.Synchronized(deviceID)
}

// resolve expands wildcard keys against the existing streams. The result is
// sorted and free of duplicates.
func (b *Buffer) resolve(keys []Key) []Key {
	b.mu.RLock()
	defer b.mu.RUnlock()

	seen := make(map[Key]bool)
	var out []Key
	for _, q := range keys {
		if !q.wild() {
			if _, ok := b.streams[q]; ok && !seen[q] {
				seen[q] = true
				out = append(out, q)
			}
			continue
		}
		for k := range b.streams {
			if q.matches(k) && !seen[k] {
				seen[k] = true
				out = append(out, k)
			}
		}
	}
	slices.SortFunc(out, compareKeys)
	return out
}

func compareKeys(a, b Key) int {
	if c := strings.Compare(a.DeviceID, b.DeviceID); c != 0 {
		return c
	}
	return strings.Compare(a.Channel, b.Channel)
}

func rangeError(t0, t1 int64) error {
	return errors.WrapInvalid(fmt.Errorf("%w: window end %d before start %d", errors.ErrInvalidData, t1, t0),
		"Buffer", "Window", "check range")
}

// Window returns, for every requested channel with at least one sample in
// [t0, t1], those samples in ascending time. Channels of unsynchronized
// devices are omitted. Keys may use Wildcard for the device id or channel.
func (b *Buffer) Window(t0, t1 int64, keys []Key) ([]Stream, error) {
	if t1 < t0 {
		return nil, rangeError(t0, t1)
	}
	start := time.Now()
	defer func() { b.metrics.RecordProcessingDuration("fusion_window", time.Since(start)) }()

	var out []Stream
	for _, k := range b.resolve(keys) {
		if !b.synchronized(k.DeviceID) {
			continue
		}
		st := b.stream(k, false)
		if st == nil {
			continue
		}
		if samples := st.between(t0, t1); len(samples) > 0 {
			out = append(out, Stream{Key: k, Samples: samples})
		}
	}
	return out, nil
}

// between copies the samples in [t0, t1]. Appends are held off so the
// ring's indices stay put between the searches and the copy.
func (st *stream) between(t0, t1 int64) []Sample {
	st.mu.Lock()
	defer st.mu.Unlock()
	lo := st.ring.Search(func(s Sample) bool { return s.Time >= t0 })
	hi := st.ring.Search(func(s Sample) bool { return s.Time > t1 })
	return st.ring.Slice(lo, hi)
}

// Nearest returns the sample of k closest to t within the tolerance. Ties go
// to the earlier sample. Unsynchronized devices have no samples.
func (b *Buffer) Nearest(k Key, t int64) (Sample, bool) {
	if k.wild() || !b.synchronized(k.DeviceID) {
		return Sample{}, false
	}
	st := b.stream(k, false)
	if st == nil {
		return Sample{}, false
	}
	return st.nearest(t, int64(b.cfg.Tolerance))
}

func (st *stream) nearest(t, tol int64) (Sample, bool) {
	st.mu.Lock()
	defer st.mu.Unlock()

	r := st.ring
	i := r.Search(func(s Sample) bool { return s.Time >= t })
	// candidates are the last sample before t and the first at or after it
	var best Sample
	found := false
	bestDist := int64(0)
	if before, ok := r.At(i - 1); ok {
		best, bestDist, found = before, t-before.Time, true
	}
	if after, ok := r.At(i); ok {
		if d := after.Time - t; !found || d < bestDist {
			best, bestDist, found = after, d, true
		}
	}
	if !found || bestDist > tol {
		return Sample{}, false
	}
	return best, true
}

// Align matches every sample of ref in [t0, t1] with the nearest sample of
// each key in others. Wildcards are not allowed.
func (b *Buffer) Align(ref Key, t0, t1 int64, others []Key) ([]Row, error) {
	if t1 < t0 {
		return nil, rangeError(t0, t1)
	}
	for _, k := range append([]Key{ref}, others...) {
		if k.wild() {
			return nil, errors.WrapInvalid(fmt.Errorf("%w: wildcard key %q in alignment", errors.ErrInvalidData, k),
				"Buffer", "Align", "check keys")
		}
	}
	if !b.synchronized(ref.DeviceID) {
		return nil, errors.WrapTransient(fmt.Errorf("%w: %s", errors.ErrUnsynchronized, ref.DeviceID),
			"Buffer", "Align", "read reference")
	}

	st := b.stream(ref, false)
	if st == nil {
		return nil, nil
	}
	refs := st.between(t0, t1)

	targets := make([]*stream, len(others))
	for i, k := range others {
		if !b.synchronized(k.DeviceID) {
			continue
		}
		if ost := b.stream(k, false); ost != nil {
			targets[i] = ost
		}
	}

	tol := int64(b.cfg.Tolerance)
	rows := make([]Row, 0, len(refs))
	for _, r := range refs {
		row := Row{Reference: r, Others: make([]*Sample, len(others))}
		for i, target := range targets {
			if target == nil {
				continue
			}
			if s, ok := target.nearest(r.Time, tol); ok {
				row.Others[i] = &s
			}
		}
		rows = append(rows, row)
	}
	return rows, nil
}

// Keys returns every stream key, sorted.
func (b *Buffer) Keys() []Key {
	return b.resolve([]Key{{DeviceID: Wildcard, Channel: Wildcard}})
}

// Len returns the number of buffered samples of k.
func (b *Buffer) Len(k Key) int {
	st := b.stream(k, false)
	if st == nil {
		return 0
	}
	return st.ring.Size()
}

// Clear drops every stream.
func (b *Buffer) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for k := range b.streams {
		b.rings.Forget(ringName(k))
	}
	b.streams = make(map[Key]*stream)
}
