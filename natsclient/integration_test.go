//go:build integration

package natsclient

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIntegration_PublishSubscribeWildcard(t *testing.T) {
	tc := NewTestClient(t, WithFastStartup())
	require.True(t, tc.IsReady())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	type msg struct {
		subject string
		data    string
	}
	got := make(chan msg, 1)
	err := tc.Client.Subscribe(ctx, "sensorsync.*.up", func(_ context.Context, subject string, data []byte) {
		got <- msg{subject, string(data)}
	})
	require.NoError(t, err)
	require.NoError(t, tc.Client.Flush(ctx))

	require.NoError(t, tc.Client.Publish(ctx, "sensorsync.wrist-1.up", []byte("hello")))

	select {
	case m := <-got:
		assert.Equal(t, "sensorsync.wrist-1.up", m.subject)
		assert.Equal(t, "hello", m.data)
	case <-ctx.Done():
		t.Fatal("timeout waiting for message")
	}

	rtt, err := tc.Client.RTT()
	require.NoError(t, err)
	assert.Positive(t, rtt)
}
