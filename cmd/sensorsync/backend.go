package main

import (
	"github.com/buccancs/fyp-multi-sensor-recording-system-sub023/config"
	"github.com/buccancs/fyp-multi-sensor-recording-system-sub023/controller"
	"github.com/buccancs/fyp-multi-sensor-recording-system-sub023/gateway"
)

// backend serves the API from the controller and keeps the process
// configuration in step with runtime policy changes so GET /config shows the
// complete effective settings.
type backend struct {
	*controller.Controller
	cfg *config.SafeConfig
}

var _ gateway.Backend = (*backend)(nil)

// Reconfigure applies r to the controller, then records it.
func (b *backend) Reconfigure(r gateway.Reconfig) error {
	if err := b.Controller.Reconfigure(r); err != nil {
		return err
	}

	live := b.Controller.Settings().(controller.Config)
	_, err := b.cfg.Modify(func(c *config.Config) {
		c.Quality = live.Quality
		c.Session.Quorum = live.Session.Quorum
	})
	return err
}

// Settings returns the full process configuration. Secrets are not
// serialized.
func (b *backend) Settings() any {
	return b.cfg.Get()
}
