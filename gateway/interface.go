package gateway

import (
	"context"

	"github.com/buccancs/fyp-multi-sensor-recording-system-sub023/archive"
	"github.com/buccancs/fyp-multi-sensor-recording-system-sub023/health"
	"github.com/buccancs/fyp-multi-sensor-recording-system-sub023/registry"
)

// Backend is the controller surface the gateway exposes over HTTP.
type Backend interface {
	Status() Status
	Health(ctx context.Context) health.Status
	Window(q WindowQuery) (Window, error)

	StartSession(ctx context.Context) (registry.Session, error)
	StopSession(ctx context.Context, reason string) (registry.Session, error)
	AdmitDevice(ctx context.Context, deviceID string) (registry.Session, error)
	// Sessions lists archived sessions, most recent first.
	Sessions(ctx context.Context, limit int) ([]archive.Record, error)

	ResyncDevice(ctx context.Context, deviceID string) error
	FailoverDevice(deviceID, reason string) error
	ResetDevice(deviceID string) error

	Reconfigure(r Reconfig) error
	// Settings returns the effective configuration for display.
	Settings() any

	Subscribe(buffer int) (<-chan registry.Event, func())
}
