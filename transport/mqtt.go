package transport

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/buccancs/fyp-multi-sensor-recording-system-sub023/errors"
)

// MQTTConfig configures the MQTT relay endpoint.
type MQTTConfig struct {
	Enabled     bool   `json:"enabled" yaml:"enabled"`
	Broker      string `json:"broker" yaml:"broker"`
	ClientID    string `json:"client_id" yaml:"client_id"`
	Username    string `json:"username,omitempty" yaml:"username,omitempty"`
	Password    string `json:"-" yaml:"-"`
	TopicPrefix string `json:"topic_prefix" yaml:"topic_prefix"`
	QoS         byte   `json:"qos" yaml:"qos"`
}

// MQTTRelay is the relayed endpoint over an MQTT broker. Companions publish on
// "<prefix>/<device>/up" and subscribe to "<prefix>/<device>/down".
type MQTTRelay struct {
	client mqtt.Client
	cfg    MQTTConfig
	*relay
}

// NewMQTTRelay creates the relay endpoint. The broker connection is opened by
// Start.
func NewMQTTRelay(cfg MQTTConfig, hub *Hub, logger *slog.Logger) *MQTTRelay {
	if cfg.TopicPrefix == "" {
		cfg.TopicPrefix = "sensorsync"
	}
	if cfg.ClientID == "" {
		cfg.ClientID = "sensorsync-controller"
	}
	m := &MQTTRelay{cfg: cfg}
	m.relay = newRelay("mqtt", hub, m.publishDown, logger)

	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	opts.SetUsername(cfg.Username)
	opts.SetPassword(cfg.Password)
	opts.SetAutoReconnect(true)
	opts.SetKeepAlive(30 * time.Second)
	opts.SetPingTimeout(10 * time.Second)
	opts.SetOrderMatters(false)
	opts.SetOnConnectHandler(func(_ mqtt.Client) {
		m.logger.Info("MQTT broker connected", "broker", cfg.Broker)
		// Subscriptions do not survive a clean-session reconnect.
		if err := m.subscribe(); err != nil {
			m.logger.Error("MQTT resubscribe failed", "error", err)
		}
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		m.logger.Warn("MQTT broker connection lost", "error", err)
		m.dropAll("MQTT broker connection lost")
	})
	m.client = mqtt.NewClient(opts)
	return m
}

// Start connects to the broker and subscribes to the uplink topics.
func (m *MQTTRelay) Start(ctx context.Context) error {
	token := m.client.Connect()
	if err := waitToken(ctx, token); err != nil {
		return errors.WrapTransient(err, "MQTTRelay", "Start", "connect to "+m.cfg.Broker)
	}
	return nil
}

func (m *MQTTRelay) subscribe() error {
	topic := m.cfg.TopicPrefix + "/+/up"
	token := m.client.Subscribe(topic, m.cfg.QoS, func(_ mqtt.Client, msg mqtt.Message) {
		m.deliver(m.deviceKey(msg.Topic()), msg.Payload())
	})
	if !token.WaitTimeout(10 * time.Second) {
		return fmt.Errorf("subscribe %s: timeout", topic)
	}
	return token.Error()
}

func (m *MQTTRelay) deviceKey(topic string) string {
	parts := strings.Split(topic, "/")
	if len(parts) < 3 || parts[len(parts)-1] != "up" {
		return ""
	}
	if strings.Join(parts[:len(parts)-2], "/") != m.cfg.TopicPrefix {
		return ""
	}
	return parts[len(parts)-2]
}

func (m *MQTTRelay) publishDown(ctx context.Context, key string, frame []byte) error {
	token := m.client.Publish(m.cfg.TopicPrefix+"/"+key+"/down", m.cfg.QoS, false, frame)
	return waitToken(ctx, token)
}

// Stop closes every relayed link and disconnects from the broker.
func (m *MQTTRelay) Stop() {
	m.close()
	if m.client.IsConnected() {
		m.client.Disconnect(250)
	}
}

// Connected reports whether the broker connection is up.
func (m *MQTTRelay) Connected() bool { return m.client.IsConnected() }

// Links returns the number of open relayed links.
func (m *MQTTRelay) Links() int { return m.links() }

func waitToken(ctx context.Context, token mqtt.Token) error {
	select {
	case <-token.Done():
		return token.Error()
	case <-ctx.Done():
		return ctx.Err()
	}
}
