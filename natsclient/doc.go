// Package natsclient wraps the NATS Go client for the relayed device transport.
//
// A companion device bridges a sensing client onto NATS subjects; the
// controller subscribes to the uplink subjects and publishes downlink frames
// through this client. On top of nats.go it adds:
//
//   - a circuit breaker around Connect: after a threshold of consecutive
//     failures the circuit opens and Connect fails fast until a backoff timer
//     half-opens it again; the open interval doubles per trip (pkg/retry)
//   - connection status tracking driven by the nats.go disconnect, reconnect
//     and closed handlers, fanned out to OnHealthChange listeners
//   - an optional health monitor pinging the server at an interval
//   - bounded drain on Close
//
// Usage:
//
//	client, err := natsclient.NewClient(cfg.URL, natsclient.WithName("sensorsync"))
//	if err != nil {
//	    return err
//	}
//	if err := client.Connect(ctx); err != nil {
//	    return err
//	}
//	defer client.Close(context.Background())
//
//	err = client.Subscribe(ctx, "sensorsync.*.up", func(ctx context.Context, subject string, data []byte) {
//	    ...
//	})
//
// NewTestClient starts a throwaway NATS server container with testcontainers
// for integration tests; TestClient.Companion connects extra clients that
// play the part of device bridges.
package natsclient
