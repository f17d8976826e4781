package controller

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/buccancs/fyp-multi-sensor-recording-system-sub023/archive"
	"github.com/buccancs/fyp-multi-sensor-recording-system-sub023/clocksync"
	"github.com/buccancs/fyp-multi-sensor-recording-system-sub023/errors"
	"github.com/buccancs/fyp-multi-sensor-recording-system-sub023/fusion"
	"github.com/buccancs/fyp-multi-sensor-recording-system-sub023/metric"
	"github.com/buccancs/fyp-multi-sensor-recording-system-sub023/pkg/worker"
	"github.com/buccancs/fyp-multi-sensor-recording-system-sub023/registry"
	"github.com/buccancs/fyp-multi-sensor-recording-system-sub023/storage"
)

const archiveTimeout = 5 * time.Second

// recorder ties session boundaries to the session store and the archive.
type recorder struct {
	reg     *registry.Registry
	store   *storage.Store
	fusion  *fusion.Buffer
	arch    *archive.Archive
	logger  *slog.Logger
	metrics *metric.Metrics

	// set once the coordinator exists
	ingest    *Ingestor
	recording func(deviceID string) bool

	mu     sync.RWMutex
	writer *storage.SessionWriter
}

// Sink returns the open recording while the device takes part in it.
func (r *recorder) Sink(deviceID string) *storage.SessionWriter {
	r.mu.RLock()
	w := r.writer
	r.mu.RUnlock()
	if w == nil || r.recording == nil || !r.recording(deviceID) {
		return nil
	}
	return w
}

func (r *recorder) current() *storage.SessionWriter {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.writer
}

func (r *recorder) SessionStarted(s registry.Session) {
	r.fusion.Clear()

	devices := make([]registry.Device, 0, len(s.Devices))
	for _, id := range s.Devices {
		if d, ok := r.reg.Device(id); ok {
			devices = append(devices, d)
		}
	}
	w, err := r.store.Open(s, devices)
	if err != nil {
		// the session keeps running; samples are only lost to disk
		r.logger.Error("Failed to open session storage", "session_id", s.ID, "error", err)
		r.metrics.RecordError("storage", errors.Kind(err))
		r.reg.Publish(registry.Event{
			Kind:      registry.EventError,
			SessionID: s.ID,
			Message:   err.Error(),
			ErrorKind: errors.Kind(err),
		})
	}

	r.mu.Lock()
	r.writer = w
	r.mu.Unlock()

	r.save(s)
}

func (r *recorder) FlushDevice(_ context.Context, sessionID, deviceID string) error {
	if r.ingest != nil {
		r.ingest.Flush(deviceID)
	}
	w := r.current()
	if w == nil || w.SessionID() != sessionID {
		return nil
	}
	return w.FlushDevice(deviceID)
}

func (r *recorder) SessionStopped(s registry.Session) {
	r.mu.Lock()
	w := r.writer
	r.writer = nil
	r.mu.Unlock()

	if w != nil {
		if err := w.Close(&s); err != nil {
			r.logger.Error("Failed to close session storage", "session_id", s.ID, "error", err)
			r.metrics.RecordError("storage", errors.Kind(err))
		}
	}
	r.save(s)
}

// syncEvent keeps the clock sync log of participating devices with the
// session, so trimmed in-memory history stays auditable.
func (r *recorder) syncEvent(ev clocksync.Event) {
	w := r.Sink(ev.DeviceID)
	if w == nil {
		return
	}
	if err := w.AppendSyncEvent(ev); err != nil && !errors.Is(err, errors.ErrAlreadyStopped) {
		r.logger.Error("Failed to log sync event", "device_id", ev.DeviceID, "error", err)
		r.metrics.RecordError("storage", errors.Kind(err))
	}
}

func (r *recorder) save(s registry.Session) {
	if r.arch == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), archiveTimeout)
	defer cancel()

	rec := archive.Record{Session: s.Clone()}
	if r.store != nil {
		rec.DataDir = r.store.Dir(s.ID)
	}
	if err := r.arch.SaveSession(ctx, rec); err != nil {
		r.logger.Error("Failed to archive session", "session_id", s.ID, "error", err)
		r.metrics.RecordError("archive", errors.Kind(err))
	}
}

// syncArchiver persists clock sync events off the measurement path.
type syncArchiver struct {
	arch    *archive.Archive
	pool    *worker.Pool[clocksync.Event]
	logger  *slog.Logger
	metrics *metric.Metrics
}

func newSyncArchiver(arch *archive.Archive, workers, queue int, reg *metric.MetricsRegistry,
	logger *slog.Logger, metrics *metric.Metrics,
) *syncArchiver {
	a := &syncArchiver{arch: arch, logger: logger, metrics: metrics}
	opts := []worker.Option[clocksync.Event]{
		worker.WithErrorHandler(func(ev clocksync.Event, err error) {
			a.logger.Warn("Failed to archive sync event", "device_id", ev.DeviceID, "error", err)
			a.metrics.RecordError("archive", errors.Kind(err))
		}),
	}
	if reg != nil {
		m, err := worker.NewMetrics(reg)
		if err != nil {
			logger.Warn("Sync archive metrics disabled", "error", err)
		}
		opts = append(opts, worker.WithMetrics[clocksync.Event](m, "sync_archive"))
	}
	a.pool = worker.NewPool(workers, queue, a.process, opts...)
	return a
}

func (a *syncArchiver) process(ctx context.Context, ev clocksync.Event) error {
	ctx, cancel := context.WithTimeout(ctx, archiveTimeout)
	defer cancel()
	return a.arch.AppendSyncEvents(ctx, ev)
}

// observe is registered with the synchronizer.
func (a *syncArchiver) observe(ev clocksync.Event) {
	if err := a.pool.Submit(ev); err != nil {
		a.logger.Debug("Sync event not archived", "device_id", ev.DeviceID, "error", err)
	}
}
