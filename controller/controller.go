package controller

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/buccancs/fyp-multi-sensor-recording-system-sub023/archive"
	"github.com/buccancs/fyp-multi-sensor-recording-system-sub023/clocksync"
	"github.com/buccancs/fyp-multi-sensor-recording-system-sub023/connection"
	"github.com/buccancs/fyp-multi-sensor-recording-system-sub023/errors"
	"github.com/buccancs/fyp-multi-sensor-recording-system-sub023/fusion"
	"github.com/buccancs/fyp-multi-sensor-recording-system-sub023/gateway"
	"github.com/buccancs/fyp-multi-sensor-recording-system-sub023/health"
	"github.com/buccancs/fyp-multi-sensor-recording-system-sub023/metric"
	"github.com/buccancs/fyp-multi-sensor-recording-system-sub023/pkg/buffer"
	"github.com/buccancs/fyp-multi-sensor-recording-system-sub023/pkg/timestamp"
	"github.com/buccancs/fyp-multi-sensor-recording-system-sub023/quality"
	"github.com/buccancs/fyp-multi-sensor-recording-system-sub023/registry"
	"github.com/buccancs/fyp-multi-sensor-recording-system-sub023/session"
	"github.com/buccancs/fyp-multi-sensor-recording-system-sub023/signalproc"
	"github.com/buccancs/fyp-multi-sensor-recording-system-sub023/storage"
	"github.com/buccancs/fyp-multi-sensor-recording-system-sub023/transport"
)

// Controller assembles the recording pipeline around a transport hub.
type Controller struct {
	cfg     Config
	clock   timestamp.Clock
	logger  *slog.Logger
	metrics *metric.Metrics
	metReg  *metric.MetricsRegistry

	reg      *registry.Registry
	hub      *transport.Hub
	sync     *clocksync.Synchronizer
	banks    *signalproc.Banks
	fusion   *fusion.Buffer
	store    *storage.Store
	files    *storage.FileReceiver
	ingest   *Ingestor
	manager  *connection.Manager
	assessor *quality.Assessor
	coord    *session.Coordinator
	rec      *recorder
	arch     *archive.Archive
	archiver *syncArchiver
	monitor  *health.Monitor
}

var _ gateway.Backend = (*Controller)(nil)

// Option configures a Controller.
type Option func(*Controller)

// WithClock sets the reference clock.
func WithClock(clock timestamp.Clock) Option {
	return func(c *Controller) { c.clock = clock }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Controller) { c.logger = logger }
}

// WithMetricsRegistry records metrics into reg.
func WithMetricsRegistry(reg *metric.MetricsRegistry) Option {
	return func(c *Controller) {
		c.metReg = reg
		c.metrics = reg.CoreMetrics()
	}
}

// New builds every component. arch may be nil, which disables the session
// and sync history.
func New(cfg Config, hub *transport.Hub, arch *archive.Archive, opts ...Option) (*Controller, error) {
	if hub == nil {
		return nil, errors.WrapFatal(fmt.Errorf("%w: transport hub is required", errors.ErrMissingConfig),
			"Controller", "New", "check dependencies")
	}
	if err := cfg.Ingest.Validate(); err != nil {
		return nil, err
	}

	c := &Controller{cfg: cfg, hub: hub, arch: arch}
	for _, opt := range opts {
		opt(c)
	}
	if c.clock == nil {
		c.clock = timestamp.SystemClock{}
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}

	var err error
	c.reg = registry.New(c.clock)
	if c.sync, err = clocksync.New(cfg.ClockSync, c.clock, c.logger, c.metrics); err != nil {
		return nil, err
	}
	if c.banks, err = signalproc.NewBanks(cfg.Signal); err != nil {
		return nil, err
	}
	if c.fusion, err = fusion.New(cfg.Fusion, c.sync, c.metrics); err != nil {
		return nil, err
	}
	if c.store, err = storage.NewStore(cfg.Storage, c.logger, c.metrics); err != nil {
		return nil, err
	}

	c.rec = &recorder{
		reg:     c.reg,
		store:   c.store,
		fusion:  c.fusion,
		arch:    arch,
		logger:  c.logger.With("component", "recorder"),
		metrics: c.metrics,
	}
	c.files = storage.NewFileReceiver(cfg.Storage.MaxFileBytes, c.fileDir, c.logger, c.metrics)
	c.ingest = NewIngestor(c.reg, c.sync, c.banks, c.fusion, c.rec, c.files,
		cfg.Ingest.DeferCapacity, c.logger, c.metrics)
	c.rec.ingest = c.ingest
	if c.metReg != nil {
		rings, err := buffer.NewMetrics(c.metReg)
		if err != nil {
			return nil, err
		}
		c.ingest.rings = rings
		c.fusion.ExportStreams(rings)
	}

	if c.manager, err = connection.NewManager(cfg.Connection, c.reg, c.sync, hub, c.ingest,
		c.clock, c.logger, c.metrics); err != nil {
		return nil, err
	}
	if c.assessor, err = quality.New(cfg.Quality, c.reg, c.sync, c.banks, c.manager,
		c.clock, c.logger, c.metrics); err != nil {
		return nil, err
	}
	if c.coord, err = session.New(cfg.Session, c.reg, c.manager, c.rec,
		c.clock, c.logger, c.metrics); err != nil {
		return nil, err
	}
	c.rec.recording = c.coord.IsRecording
	c.sync.Observe(c.rec.syncEvent)

	if arch != nil {
		c.archiver = newSyncArchiver(arch, cfg.ArchiveWorkers, cfg.ArchiveQueue, c.metReg,
			c.logger.With("component", "sync-archive"), c.metrics)
		c.sync.Observe(c.archiver.observe)
	}

	c.monitor = health.NewMonitor()
	c.registerChecks()
	return c, nil
}

// fileDir places transfers next to the open recording, or under the data
// directory between sessions.
func (c *Controller) fileDir(string) string {
	if w := c.rec.current(); w != nil {
		return filepath.Join(w.Dir(), "files")
	}
	return filepath.Join(c.cfg.Storage.DataDir, "files")
}

// Registry exposes the device registry.
func (c *Controller) Registry() *registry.Registry { return c.reg }

// Synchronizer exposes the clock synchronizer.
func (c *Controller) Synchronizer() *clocksync.Synchronizer { return c.sync }

// Fusion exposes the fusion buffer.
func (c *Controller) Fusion() *fusion.Buffer { return c.fusion }

// Store exposes the session store.
func (c *Controller) Store() *storage.Store { return c.store }

// Run drives every component until ctx ends. A running session is stopped
// before links are closed.
func (c *Controller) Run(ctx context.Context) error {
	inner, cancel := context.WithCancel(context.WithoutCancel(ctx))
	defer cancel()
	g, gctx := errgroup.WithContext(inner)

	if c.archiver != nil {
		if err := c.archiver.pool.Start(gctx); err != nil {
			return err
		}
		defer func() {
			stopCtx, stop := context.WithTimeout(context.Background(), c.cfg.Ingest.ShutdownTimeout)
			defer stop()
			if err := c.archiver.pool.Stop(stopCtx); err != nil {
				c.logger.Warn("Sync archive did not drain", "error", err)
			}
		}()
	}

	g.Go(func() error { return c.manager.Run(gctx) })
	g.Go(func() error { return c.assessor.Run(gctx) })
	g.Go(func() error { return c.coord.Run(gctx) })
	g.Go(func() error { return c.healthLoop(gctx) })
	g.Go(func() error {
		select {
		case <-ctx.Done():
		case <-gctx.Done():
		}
		c.shutdown()
		cancel()
		return nil
	})

	c.logger.Info("Controller running")
	err := g.Wait()
	if cerr := c.store.Close(); cerr != nil {
		c.logger.Error("Failed to close session store", "error", cerr)
	}
	c.logger.Info("Controller stopped")
	return err
}

func (c *Controller) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.Ingest.ShutdownTimeout)
	defer cancel()

	s, ok := c.coord.Current()
	if !ok || !s.State.Running() {
		return
	}
	if _, err := c.coord.Stop(ctx, "controller shutdown"); err != nil && !errors.Is(err, errors.ErrNoSession) {
		c.logger.Error("Failed to stop session on shutdown", "session_id", s.ID, "error", err)
	}
}

func (c *Controller) healthLoop(ctx context.Context) error {
	ticker := time.NewTicker(c.cfg.Ingest.HealthInterval)
	defer ticker.Stop()

	c.checkHealth(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			c.checkHealth(ctx)
		}
	}
}

func (c *Controller) checkHealth(ctx context.Context) {
	c.monitor.Check(ctx)
	for _, name := range c.monitor.ListComponents() {
		if st, ok := c.monitor.Get(name); ok {
			c.metrics.RecordHealthStatus(name, st.IsHealthy())
		}
	}
}

// Status returns the operator snapshot.
func (c *Controller) Status() gateway.Status {
	st := gateway.Status{
		Time:            c.clock.Now(),
		Devices:         c.reg.Devices(),
		Quality:         c.assessor.Scores(),
		Channels:        c.banks.Summaries(),
		RejectedFrames:  c.manager.Rejected() + c.hub.Rejected(),
		DroppedEvents:   c.reg.DroppedEvents(),
		DeferredSamples: c.ingest.Deferred(),
	}
	if s, ok := c.reg.Session(); ok {
		st.Session = &s
	}
	return st
}

// Health runs every probe and returns the aggregate.
func (c *Controller) Health(ctx context.Context) health.Status {
	c.checkHealth(ctx)
	return c.monitor.AggregateHealth("controller")
}

// Window reads a span of the fusion buffer, aligned onto q.Reference when
// set.
func (c *Controller) Window(q gateway.WindowQuery) (gateway.Window, error) {
	w := gateway.Window{From: q.From, To: q.To, Tolerance: c.fusion.Tolerance()}
	if q.Reference != nil {
		rows, err := c.fusion.Align(*q.Reference, q.From, q.To, q.Keys)
		if err != nil {
			return w, err
		}
		w.Rows = rows
		return w, nil
	}
	streams, err := c.fusion.Window(q.From, q.To, q.Keys)
	if err != nil {
		return w, err
	}
	w.Streams = streams
	return w, nil
}

// StartSession starts a recording with the ready devices.
func (c *Controller) StartSession(ctx context.Context) (registry.Session, error) {
	return c.coord.Start(ctx)
}

// StopSession stops the running recording.
func (c *Controller) StopSession(ctx context.Context, reason string) (registry.Session, error) {
	if reason == "" {
		reason = "operator request"
	}
	return c.coord.Stop(ctx, reason)
}

// AdmitDevice adds a late device to the running recording.
func (c *Controller) AdmitDevice(ctx context.Context, deviceID string) (registry.Session, error) {
	return c.coord.Admit(ctx, deviceID)
}

// Sessions lists past sessions, most recent first. Without an archive the
// manifests in the data directory are read instead.
func (c *Controller) Sessions(ctx context.Context, limit int) ([]archive.Record, error) {
	if c.arch != nil {
		return c.arch.Sessions(ctx, limit)
	}

	ids, err := c.store.Sessions()
	if err != nil {
		return nil, err
	}
	out := make([]archive.Record, 0, len(ids))
	for _, id := range ids {
		m, err := c.store.Manifest(id)
		if err != nil {
			c.logger.Warn("Skipping unreadable manifest", "session_id", id, "error", err)
			continue
		}
		out = append(out, archive.Record{Session: m.Session, DataDir: c.store.Dir(id)})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ResyncDevice runs a clock synchronization round now.
func (c *Controller) ResyncDevice(ctx context.Context, deviceID string) error {
	return c.manager.Resync(ctx, deviceID)
}

// FailoverDevice switches the device to its standby transport.
func (c *Controller) FailoverDevice(deviceID, reason string) error {
	if reason == "" {
		reason = "operator request"
	}
	return c.manager.RecommendFailover(deviceID, reason)
}

// ResetDevice clears a failed device so it may connect again.
func (c *Controller) ResetDevice(deviceID string) error {
	if err := c.manager.Reset(deviceID); err != nil {
		return err
	}
	c.ingest.Forget(deviceID)
	c.sync.Reset(deviceID)
	return nil
}

// Reconfigure applies runtime policy changes. Nothing changes unless every
// field is valid.
func (c *Controller) Reconfigure(r gateway.Reconfig) error {
	if r.Empty() {
		return errors.WrapInvalid(fmt.Errorf("%w: nothing to change", errors.ErrInvalidConfig),
			"Controller", "Reconfigure", "check request")
	}
	if r.Quorum != nil {
		if err := r.Quorum.Validate(); err != nil {
			return err
		}
	}

	var low, high float64
	thresholds := r.LowWater != nil || r.HighWater != nil
	if thresholds {
		cur := c.assessor.Config()
		low, high = cur.LowWater, cur.HighWater
		if r.LowWater != nil {
			low = *r.LowWater
		}
		if r.HighWater != nil {
			high = *r.HighWater
		}
		if err := c.assessor.SetThresholds(low, high); err != nil {
			return err
		}
	}
	if r.Quorum != nil {
		if err := c.coord.SetQuorum(*r.Quorum); err != nil {
			return err
		}
	}
	return nil
}

// Settings returns the controller configuration with the live policies.
func (c *Controller) Settings() any {
	cfg := c.cfg
	cfg.Quality = c.assessor.Config()
	cfg.Session.Quorum = c.coord.Quorum()
	return cfg
}

// Subscribe follows the status feed.
func (c *Controller) Subscribe(buffer int) (<-chan registry.Event, func()) {
	return c.reg.Subscribe(buffer)
}
