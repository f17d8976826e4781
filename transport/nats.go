package transport

import (
	"context"
	"log/slog"
	"strings"

	"github.com/buccancs/fyp-multi-sensor-recording-system-sub023/errors"
	"github.com/buccancs/fyp-multi-sensor-recording-system-sub023/natsclient"
)

// NATSRelay is the relayed endpoint over NATS. Companions publish device
// uplink frames on "<prefix>.<device>.up" and receive downlink frames on
// "<prefix>.<device>.down".
type NATSRelay struct {
	client *natsclient.Client
	prefix string
	*relay
}

// NewNATSRelay creates a relay endpoint on a connected client.
func NewNATSRelay(client *natsclient.Client, prefix string, hub *Hub, logger *slog.Logger) *NATSRelay {
	if prefix == "" {
		prefix = "sensorsync"
	}
	n := &NATSRelay{client: client, prefix: prefix}
	n.relay = newRelay("nats", hub, n.publishDown, logger)
	return n
}

// Start subscribes to the uplink subjects. Relayed links are dropped whenever
// the client reports the server connection unhealthy.
func (n *NATSRelay) Start(ctx context.Context) error {
	n.client.OnHealthChange(func(healthy bool) {
		if !healthy {
			n.dropAll("NATS connection lost")
		}
	})
	subject := n.prefix + ".*.up"
	if err := n.client.Subscribe(ctx, subject, n.handle); err != nil {
		return errors.WrapTransient(err, "NATSRelay", "Start", "subscribe "+subject)
	}
	n.logger.Info("Relay endpoint subscribed", "subject", subject)
	return nil
}

func (n *NATSRelay) handle(_ context.Context, subject string, data []byte) {
	n.deliver(n.deviceKey(subject), data)
}

func (n *NATSRelay) deviceKey(subject string) string {
	key, ok := strings.CutPrefix(subject, n.prefix+".")
	if !ok {
		return ""
	}
	key, ok = strings.CutSuffix(key, ".up")
	if !ok || strings.Contains(key, ".") {
		return ""
	}
	return key
}

func (n *NATSRelay) publishDown(ctx context.Context, key string, frame []byte) error {
	return n.client.Publish(ctx, n.prefix+"."+key+".down", frame)
}

// Stop closes every relayed link. The NATS client itself is closed by its owner.
func (n *NATSRelay) Stop() {
	n.close()
}

// Links returns the number of open relayed links.
func (n *NATSRelay) Links() int { return n.links() }
