package controller

import (
	"context"
	"fmt"

	"github.com/buccancs/fyp-multi-sensor-recording-system-sub023/health"
	"github.com/buccancs/fyp-multi-sensor-recording-system-sub023/registry"
)

func (c *Controller) registerChecks() {
	c.monitor.Register("devices", c.checkDevices)
	c.monitor.Register("session", c.checkSession)
	c.monitor.Register("storage", c.checkStorage)
	c.monitor.Register("archive", c.checkArchive)
}

// checkDevices is degraded while any device is failed or degraded.
func (c *Controller) checkDevices(context.Context) health.Status {
	devices := c.reg.Devices()
	var live, failed, degraded int
	for _, d := range devices {
		switch {
		case d.State == registry.Failed:
			failed++
		case d.State == registry.Degraded:
			degraded++
			live++
		case d.State.Live():
			live++
		}
	}

	msg := fmt.Sprintf("%d devices, %d live", len(devices), live)
	st := health.NewHealthy("devices", msg)
	if failed > 0 || degraded > 0 {
		st = health.NewDegraded("devices", fmt.Sprintf("%s, %d degraded, %d failed", msg, degraded, failed))
	}
	return st.WithMetrics(&health.Metrics{Devices: len(devices)})
}

func (c *Controller) checkSession(context.Context) health.Status {
	s, ok := c.reg.Session()
	if !ok || !s.State.Running() {
		return health.NewHealthy("session", "idle")
	}
	if s.State == registry.SessionDegraded {
		return health.NewDegraded("session", fmt.Sprintf("session %s degraded: %s", s.ID, s.Reason))
	}
	return health.NewHealthy("session", fmt.Sprintf("session %s %s", s.ID, s.State))
}

func (c *Controller) checkStorage(context.Context) health.Status {
	if _, err := c.store.Sessions(); err != nil {
		return health.FromError("storage", err)
	}
	return health.NewHealthy("storage", "data directory readable")
}

// checkArchive is degraded once sync events were dropped for a full queue.
func (c *Controller) checkArchive(ctx context.Context) health.Status {
	if c.arch == nil {
		return health.NewHealthy("archive", "disabled")
	}
	if _, err := c.arch.Sessions(ctx, 1); err != nil {
		return health.FromError("archive", err)
	}
	stats := c.archiver.pool.Stats()
	if stats.Dropped > 0 {
		return health.NewDegraded("archive", fmt.Sprintf("%d sync events dropped", stats.Dropped))
	}
	return health.NewHealthy("archive", fmt.Sprintf("%d sync events archived", stats.Processed-stats.Failed))
}
