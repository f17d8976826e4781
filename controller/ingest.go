package controller

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/buccancs/fyp-multi-sensor-recording-system-sub023/errors"
	"github.com/buccancs/fyp-multi-sensor-recording-system-sub023/fusion"
	"github.com/buccancs/fyp-multi-sensor-recording-system-sub023/metric"
	"github.com/buccancs/fyp-multi-sensor-recording-system-sub023/pkg/buffer"
	"github.com/buccancs/fyp-multi-sensor-recording-system-sub023/protocol"
	"github.com/buccancs/fyp-multi-sensor-recording-system-sub023/registry"
	"github.com/buccancs/fyp-multi-sensor-recording-system-sub023/signalproc"
	"github.com/buccancs/fyp-multi-sensor-recording-system-sub023/storage"
)

// Corrector maps device timestamps onto the controller clock.
type Corrector interface {
	Correct(deviceID string, deviceNs int64) (int64, bool)
}

// Sink returns the recording a device's samples belong to, or nil when the
// device is not recording.
type Sink interface {
	Sink(deviceID string) *storage.SessionWriter
}

type pending struct {
	channel string
	reading protocol.Reading
}

type deviceIngest struct {
	mu       sync.Mutex
	deferred *buffer.Ring[pending]
}

// Ingestor is the connection handler: every reading is corrected onto the
// controller clock, conditioned, added to the fusion buffer and, while the
// device records, written to the session.
type Ingestor struct {
	reg     *registry.Registry
	clock   Corrector
	banks   *signalproc.Banks
	fusion  *fusion.Buffer
	sink    Sink
	files   *storage.FileReceiver
	cap     int
	logger  *slog.Logger
	metrics *metric.Metrics
	// rings exports deferral queue fill levels; nil disables export.
	rings *buffer.Metrics

	mu      sync.Mutex
	devices map[string]*deviceIngest

	overflowed atomic.Uint64
	dropped    atomic.Uint64
}

// NewIngestor creates an ingestor. files may be nil when file transfers are
// not accepted.
func NewIngestor(reg *registry.Registry, clock Corrector, banks *signalproc.Banks, buf *fusion.Buffer, sink Sink,
	files *storage.FileReceiver, deferCapacity int, logger *slog.Logger, metrics *metric.Metrics,
) *Ingestor {
	if logger == nil {
		logger = slog.Default()
	}
	if deferCapacity < 1 {
		deferCapacity = 1
	}
	return &Ingestor{
		reg:     reg,
		clock:   clock,
		banks:   banks,
		fusion:  buf,
		sink:    sink,
		files:   files,
		cap:     deferCapacity,
		logger:  logger.With("component", "ingestor"),
		metrics: metrics,
		devices: make(map[string]*deviceIngest),
	}
}

func deferredRing(deviceID string) string { return "deferred:" + deviceID }

func (in *Ingestor) device(id string) *deviceIngest {
	in.mu.Lock()
	defer in.mu.Unlock()

	d, ok := in.devices[id]
	if ok {
		return d
	}
	// the overflow callback runs with d.mu held
	ring := buffer.NewRing[pending](in.cap,
		buffer.WithOverflowPolicy[pending](buffer.DropOldest),
		buffer.WithMetrics[pending](in.rings, deferredRing(id)),
		buffer.WithDropCallback[pending](func(p pending) {
			in.overflowed.Add(1)
			in.storeUnsynchronized(id, p)
		}),
	)
	d = &deviceIngest{deferred: ring}
	in.devices[id] = d
	return d
}

// Deferred returns how many readings wait for a clock estimate.
func (in *Ingestor) Deferred() int {
	in.mu.Lock()
	devs := make([]*deviceIngest, 0, len(in.devices))
	for _, d := range in.devices {
		devs = append(devs, d)
	}
	in.mu.Unlock()

	n := 0
	for _, d := range devs {
		n += d.deferred.Size()
	}
	return n
}

// Overflowed returns how many deferred readings were pushed out of the
// deferral buffer.
func (in *Ingestor) Overflowed() uint64 { return in.overflowed.Load() }

// Dropped returns how many readings were rejected.
func (in *Ingestor) Dropped() uint64 { return in.dropped.Load() }

func (in *Ingestor) bank(deviceID string) (*signalproc.Bank, error) {
	dev, ok := in.reg.Device(deviceID)
	if !ok {
		return nil, errors.WrapInvalid(fmt.Errorf("%w: %s", errors.ErrUnknownDevice, deviceID),
			"Ingestor", "bank", "find device")
	}
	return in.banks.Ensure(deviceID, dev.Channels)
}

// OnSensorData ingests one batch. Readings of a device without a clock
// estimate are deferred until its next synchronization. Once an estimate
// exists, older deferred readings are replayed ahead of the batch.
func (in *Ingestor) OnSensorData(deviceID string, msg *protocol.SensorData, _ time.Time) {
	start := time.Now()
	d := in.device(deviceID)

	d.mu.Lock()
	defer d.mu.Unlock()

	bank, err := in.bank(deviceID)
	if err != nil {
		in.reject(deviceID, len(msg.Samples), err)
		return
	}

	batch := make([]fusion.Sample, 0, len(msg.Samples))
	deferred := 0
	for _, r := range msg.Samples {
		t, ok := in.clock.Correct(deviceID, r.T)
		if !ok {
			_ = d.deferred.Write(pending{channel: msg.Channel, reading: r})
			deferred++
			continue
		}
		if d.deferred.Size() > 0 {
			batch = append(batch, in.replay(deviceID, d, bank)...)
		}
		s, err := in.process(bank, deviceID, msg.Channel, r, t)
		if err != nil {
			in.reject(deviceID, 1, err)
			continue
		}
		batch = append(batch, s)
	}
	in.store(deviceID, batch)

	if deferred > 0 {
		in.logger.Debug("Readings deferred until clock sync", "device_id", deviceID, "count", deferred)
	}
	in.metrics.RecordArtifactScore(deviceID, bank.ArtifactScore())
	in.metrics.RecordProcessingDuration("ingest", time.Since(start))
}

// OnSynchronized replays the device's deferred readings in arrival order.
func (in *Ingestor) OnSynchronized(deviceID string) {
	d := in.device(deviceID)

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.deferred.Size() == 0 {
		return
	}
	bank, err := in.bank(deviceID)
	if err != nil {
		items := d.deferred.ReadBatch(d.deferred.Size())
		in.reject(deviceID, len(items), err)
		return
	}
	in.store(deviceID, in.replay(deviceID, d, bank))
}

// replay drains the deferral queue through the pipeline. A reading that
// cannot be corrected or fused is recorded unsynchronized instead. Callers
// hold the device lock.
func (in *Ingestor) replay(deviceID string, d *deviceIngest, bank *signalproc.Bank) []fusion.Sample {
	items := d.deferred.ReadBatch(d.deferred.Size())
	batch := make([]fusion.Sample, 0, len(items))
	for _, p := range items {
		t, ok := in.clock.Correct(deviceID, p.reading.T)
		if !ok {
			in.storeUnsynchronized(deviceID, p)
			continue
		}
		s, err := in.process(bank, deviceID, p.channel, p.reading, t)
		if err != nil {
			in.logger.Debug("Deferred reading not fused", "device_id", deviceID, "error", err)
			in.storeUnsynchronized(deviceID, p)
			continue
		}
		batch = append(batch, s)
	}
	if len(items) > 0 {
		in.logger.Info("Replayed deferred readings", "device_id", deviceID, "count", len(items))
	}
	return batch
}

// Flush hands the device's deferred readings to its recording, flagged
// unsynchronized.
func (in *Ingestor) Flush(deviceID string) {
	d := in.device(deviceID)

	d.mu.Lock()
	defer d.mu.Unlock()
	for _, p := range d.deferred.ReadBatch(d.deferred.Size()) {
		in.storeUnsynchronized(deviceID, p)
	}
	if b, ok := in.banks.Get(deviceID); ok {
		in.announce(deviceID, b.Flush())
	}
}

// Forget drops the device's deferred readings, filter state and partial
// file transfers. Samples already in the fusion buffer stay.
func (in *Ingestor) Forget(deviceID string) {
	in.mu.Lock()
	d := in.devices[deviceID]
	delete(in.devices, deviceID)
	in.mu.Unlock()
	if d != nil {
		d.mu.Lock()
		d.deferred.Clear()
		d.mu.Unlock()
	}
	in.rings.Forget(deferredRing(deviceID))
	in.banks.Remove(deviceID)
	if in.files != nil {
		in.files.AbortDevice(deviceID)
	}
}

// process conditions one corrected reading and adds it to the fusion
// buffer. Callers hold the device lock.
func (in *Ingestor) process(bank *signalproc.Bank, deviceID, channel string, r protocol.Reading, t int64) (fusion.Sample, error) {
	res, err := bank.Process(channel, t, r.V)
	if err != nil {
		return fusion.Sample{}, err
	}
	s := fusion.Sample{
		DeviceID: deviceID,
		Channel:  channel,
		RawTime:  r.T,
		Time:     t,
		Value:    res.Value,
		RawValue: r.V,
		Flag:     fusion.FlagOK,
		Grade:    res.Grade,
	}
	if res.Artifact {
		s.Flag = fusion.FlagArtifact
	}
	in.announce(deviceID, res.Closed)
	if err := in.fusion.Append(s); err != nil {
		return fusion.Sample{}, err
	}
	in.metrics.RecordSamples(deviceID, string(s.Flag), 1)
	return s, nil
}

// announce publishes closed artifact runs of high or critical severity to
// the status feed.
func (in *Ingestor) announce(deviceID string, recs []signalproc.ArtifactRecord) {
	for _, r := range recs {
		if r.Severity < signalproc.SeverityHigh {
			continue
		}
		in.reg.Publish(registry.Event{
			Kind:     registry.EventQuality,
			DeviceID: deviceID,
			State:    "artifact",
			Message: fmt.Sprintf("%s %s artifact on %s: %d samples over %s",
				r.Severity, r.Detector, r.Channel, r.Samples, time.Duration(r.End-r.Start)),
		})
		in.logger.Info("Artifact run closed", "device_id", deviceID, "channel", r.Channel,
			"detector", r.Detector, "severity", r.Severity.String(), "samples", r.Samples)
	}
}

func (in *Ingestor) store(deviceID string, batch []fusion.Sample) {
	if len(batch) == 0 || in.sink == nil {
		return
	}
	w := in.sink.Sink(deviceID)
	if w == nil {
		return
	}
	if err := w.Append(batch...); err != nil && !errors.Is(err, errors.ErrAlreadyStopped) {
		in.logger.Error("Failed to record samples", "device_id", deviceID, "count", len(batch), "error", err)
		in.metrics.RecordError("ingestor", errors.Kind(err))
	}
}

// storeUnsynchronized records a reading that could not be corrected with
// its device time. Outside a recording it is counted and discarded.
func (in *Ingestor) storeUnsynchronized(deviceID string, p pending) {
	var w *storage.SessionWriter
	if in.sink != nil {
		w = in.sink.Sink(deviceID)
	}
	if w == nil {
		in.dropped.Add(1)
		return
	}
	s := fusion.Sample{
		DeviceID: deviceID,
		Channel:  p.channel,
		RawTime:  p.reading.T,
		Time:     p.reading.T,
		Value:    p.reading.V,
		RawValue: p.reading.V,
		Flag:     fusion.FlagUnsynchronized,
		Grade:    signalproc.GradeUnusable,
	}
	if err := w.Append(s); err != nil && !errors.Is(err, errors.ErrAlreadyStopped) {
		in.logger.Error("Failed to record unsynchronized reading", "device_id", deviceID, "error", err)
		in.metrics.RecordError("ingestor", errors.Kind(err))
		return
	}
	in.metrics.RecordSamples(deviceID, string(fusion.FlagUnsynchronized), 1)
}

func (in *Ingestor) reject(deviceID string, n int, err error) {
	in.dropped.Add(uint64(n))
	in.metrics.RecordError("ingestor", errors.Kind(err))
	in.logger.Debug("Readings rejected", "device_id", deviceID, "count", n, "error", err)
}

// OnFileMessage feeds the file transfer receiver. Completed files are added
// to the recording's manifest.
func (in *Ingestor) OnFileMessage(deviceID string, msg protocol.Message) {
	if in.files == nil {
		return
	}
	rec, err := in.files.Handle(deviceID, msg)
	if err != nil {
		in.logger.Warn("File transfer failed", "device_id", deviceID, "error", err)
		in.metrics.RecordError("files", errors.Kind(err))
		in.reg.Publish(registry.Event{
			Kind:      registry.EventError,
			DeviceID:  deviceID,
			Message:   err.Error(),
			ErrorKind: errors.Kind(err),
		})
		return
	}
	if rec == nil {
		return
	}
	in.logger.Info("File received", "device_id", deviceID, "name", rec.Name, "size", rec.Size)
	if in.sink == nil {
		return
	}
	if w := in.sink.Sink(deviceID); w != nil {
		if err := w.AddFile(*rec); err != nil {
			in.logger.Error("Failed to add file to manifest", "device_id", deviceID, "name", rec.Name, "error", err)
		}
	}
}
