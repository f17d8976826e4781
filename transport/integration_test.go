//go:build integration

package transport

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/buccancs/fyp-multi-sensor-recording-system-sub023/natsclient"
	"github.com/buccancs/fyp-multi-sensor-recording-system-sub023/registry"
)

func TestIntegration_NATSRelayHandshakeAndDownlink(t *testing.T) {
	tc := natsclient.NewTestClient(t, natsclient.WithFastStartup())

	hub := NewHub(2*time.Second, nil, nil, nil)
	defer hub.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	relay := NewNATSRelay(tc.Client, "lab", hub, nil)
	require.NoError(t, relay.Start(ctx))
	defer relay.Stop()

	// companion side: a second client bridging one device
	companion := tc.Companion(t, "wrist-1")

	down := make(chan []byte, 1)
	require.NoError(t, companion.Subscribe(ctx, "lab.wrist-1.down", func(_ context.Context, _ string, data []byte) {
		down <- data
	}))
	require.NoError(t, companion.Flush(ctx))
	require.NoError(t, tc.Client.Flush(ctx))

	require.NoError(t, companion.Publish(ctx, "lab.wrist-1.up", handshakeFrame(t, "wrist-1")))

	in, err := hub.Accept(ctx)
	require.NoError(t, err)
	assert.Equal(t, "wrist-1", in.Handshake.DeviceID)
	assert.Equal(t, registry.TransportRelayed, in.Handshake.Transport)

	require.NoError(t, in.Conn.Send(ctx, []byte(`{"ok":true}`)))
	select {
	case data := <-down:
		assert.JSONEq(t, `{"ok":true}`, string(data))
	case <-ctx.Done():
		t.Fatal("no downlink frame")
	}
}
