package signalproc

import (
	"fmt"
	"math"
	"slices"
	"sync"

	"github.com/buccancs/fyp-multi-sensor-recording-system-sub023/errors"
	"github.com/buccancs/fyp-multi-sensor-recording-system-sub023/registry"
)

// MaxRecords bounds the closed artifact records a bank retains.
const MaxRecords = 256

// Bank holds the pipelines of one device. Samples from a motion channel feed
// the motion detector of every other channel.
type Bank struct {
	deviceID string

	mu        sync.Mutex
	pipelines map[string]*Pipeline
	order     []string
	records   []ArtifactRecord
}

// NewBank builds a pipeline per channel using cfg's resolved settings.
func NewBank(deviceID string, channels []registry.Channel, cfg Config) (*Bank, error) {
	b := &Bank{deviceID: deviceID, pipelines: make(map[string]*Pipeline, len(channels))}
	for _, ch := range channels {
		if _, dup := b.pipelines[ch.Name]; dup {
			return nil, errors.WrapInvalid(fmt.Errorf("%w: duplicate channel %q", errors.ErrInvalidData, ch.Name),
				"Bank", "NewBank", "register channel")
		}
		p, err := NewPipeline(deviceID, ch, cfg.Resolve(ch))
		if err != nil {
			return nil, err
		}
		b.pipelines[ch.Name] = p
		b.order = append(b.order, ch.Name)
	}
	return b, nil
}

// DeviceID returns the owning device.
func (b *Bank) DeviceID() string { return b.deviceID }

// Process runs one sample through the named channel.
func (b *Bank) Process(channel string, t int64, raw float64) (Result, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	p, ok := b.pipelines[channel]
	if !ok {
		return Result{}, errors.WrapInvalid(fmt.Errorf("%w: unknown channel %q", errors.ErrInvalidData, channel),
			"Bank", "Process", "route sample")
	}
	res, err := p.Process(t, raw)
	if err != nil {
		return Result{}, err
	}
	if p.channel.Kind == registry.ChannelKindMotion {
		for _, other := range b.pipelines {
			if other != p {
				other.SetMotion(t, math.Abs(res.Value))
			}
		}
	}
	b.keep(res.Closed)
	return res, nil
}

func (b *Bank) keep(recs []ArtifactRecord) {
	if len(recs) == 0 {
		return
	}
	b.records = append(b.records, recs...)
	if over := len(b.records) - MaxRecords; over > 0 {
		b.records = append(b.records[:0], b.records[over:]...)
	}
}

// Flush closes open artifact runs on every channel and returns them.
func (b *Bank) Flush() []ArtifactRecord {
	b.mu.Lock()
	defer b.mu.Unlock()

	var out []ArtifactRecord
	for _, name := range b.order {
		out = append(out, b.pipelines[name].Flush()...)
	}
	b.keep(out)
	return out
}

// Records returns the retained closed artifact records, oldest first.
func (b *Bank) Records() []ArtifactRecord {
	b.mu.Lock()
	defer b.mu.Unlock()
	return slices.Clone(b.records)
}

// ArtifactScore is the worst score over the non-motion channels.
func (b *Bank) ArtifactScore() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()

	worst := 0.0
	for _, p := range b.pipelines {
		if p.channel.Kind == registry.ChannelKindMotion {
			continue
		}
		worst = math.Max(worst, p.score)
	}
	return worst
}

// Summary returns channel snapshots sorted by channel name.
func (b *Bank) Summary() []Summary {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]Summary, 0, len(b.pipelines))
	for _, p := range b.pipelines {
		out = append(out, p.Summary())
	}
	slices.SortFunc(out, func(a, b Summary) int {
		switch {
		case a.Channel < b.Channel:
			return -1
		case a.Channel > b.Channel:
			return 1
		}
		return 0
	})
	return out
}

// Banks maps device ids to banks.
type Banks struct {
	cfg Config

	mu    sync.RWMutex
	banks map[string]*Bank
	chans map[string][]registry.Channel
}

// NewBanks creates an empty set using cfg for every device.
func NewBanks(cfg Config) (*Banks, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Banks{
		cfg:   cfg,
		banks: make(map[string]*Bank),
		chans: make(map[string][]registry.Channel),
	}, nil
}

// Ensure returns the device's bank, creating it or rebuilding it when the
// channel set changed.
func (s *Banks) Ensure(deviceID string, channels []registry.Channel) (*Bank, error) {
	s.mu.RLock()
	b, ok := s.banks[deviceID]
	same := ok && slices.Equal(s.chans[deviceID], channels)
	s.mu.RUnlock()
	if same {
		return b, nil
	}

	nb, err := NewBank(deviceID, channels, s.cfg)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.banks[deviceID]; ok && slices.Equal(s.chans[deviceID], channels) {
		return cur, nil
	}
	s.banks[deviceID] = nb
	s.chans[deviceID] = slices.Clone(channels)
	return nb, nil
}

// Get returns the device's bank.
func (s *Banks) Get(deviceID string) (*Bank, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.banks[deviceID]
	return b, ok
}

// Remove drops the device's bank.
func (s *Banks) Remove(deviceID string) {
	s.mu.Lock()
	delete(s.banks, deviceID)
	delete(s.chans, deviceID)
	s.mu.Unlock()
}

// ArtifactScore returns the device's worst channel score.
func (s *Banks) ArtifactScore(deviceID string) (float64, bool) {
	b, ok := s.Get(deviceID)
	if !ok {
		return 0, false
	}
	return b.ArtifactScore(), true
}

// ArtifactRecords returns the device's retained artifact records, oldest
// first.
func (s *Banks) ArtifactRecords(deviceID string) []ArtifactRecord {
	b, ok := s.Get(deviceID)
	if !ok {
		return nil
	}
	return b.Records()
}

// Summaries returns every channel summary ordered by device id.
func (s *Banks) Summaries() []Summary {
	s.mu.RLock()
	ids := make([]string, 0, len(s.banks))
	for id := range s.banks {
		ids = append(ids, id)
	}
	s.mu.RUnlock()
	slices.Sort(ids)

	var out []Summary
	for _, id := range ids {
		if b, ok := s.Get(id); ok {
			out = append(out, b.Summary()...)
		}
	}
	return out
}
