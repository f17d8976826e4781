// Package health reports the health of the controller's subsystems.
//
// Status carries one of three states: healthy, degraded or unhealthy.
// Aggregate folds sub-statuses with "worst wins" semantics, and Monitor keeps
// the latest status per subsystem. Subsystems such as the archive database or
// the relay broker register a CheckFunc that the gateway runs on each /health
// request; others push updates as their state changes.
//
//	monitor := health.NewMonitor()
//	monitor.Register("archive", func(ctx context.Context) health.Status {
//	    return health.FromError("archive", store.Ping(ctx))
//	})
//	monitor.Check(ctx)
//	overall := monitor.AggregateHealth("sensorsync")
//
// Messages built from errors are sanitized so transport addresses, file paths
// and credentials do not leak to dashboards.
package health
