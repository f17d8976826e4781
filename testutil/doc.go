// Package testutil provides test doubles for exercising the controller
// without hardware.
//
// SimDevice is an in-process sensing client. It connects through a
// transport.Hub over in-memory pipes, so tests can run the full connection
// path (handshake, clock sync, session commands, sensor data) against a
// real connection.Manager or controller.Controller:
//
//	dev := testutil.NewSimDevice("shimmer-1").WithClock(clock)
//	dev.Offset = 50 * time.Millisecond
//	if err := dev.Connect(ctx, hub, registry.TransportDirect); err != nil {
//	    t.Fatal(err)
//	}
//	err := dev.SendSamples(ctx, "gsr", dev.Now(), 31250*time.Microsecond, values)
//
// The device answers sync requests from its own clock, which is the
// reference clock shifted by Offset, and acknowledges start and stop
// commands unless told otherwise. Drop closes a link as if the network
// failed.
//
// Tests that need a NATS server use natsclient.NewTestClient, which starts
// one in a container and is only built with the integration tag.
package testutil
