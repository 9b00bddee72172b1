package emitter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/buzzni/virtual-try-on/model"
)

var ErrNotConnected = errors.New("mqtt not connected")

type MQTTConfig struct {
	Broker      string
	ClientID    string
	TopicPrefix string
	QoS         byte
}

// MQTTNotifier publishes the terminal envelope of every request, without
// image bytes, to <prefix>/<request_id>.
type MQTTNotifier struct {
	cfg    MQTTConfig
	client mqtt.Client
	logger *slog.Logger

	mu        sync.RWMutex
	published uint64
	errors    uint64
	connected bool
}

func NewMQTTNotifier(cfg MQTTConfig, logger *slog.Logger) *MQTTNotifier {
	if cfg.TopicPrefix == "" {
		cfg.TopicPrefix = "tryon/results"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &MQTTNotifier{cfg: cfg, logger: logger}
}

// Connect establishes connection to MQTT broker
func (n *MQTTNotifier) Connect(ctx context.Context) error {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(fmt.Sprintf("tcp://%s", n.cfg.Broker))
	opts.SetClientID(n.cfg.ClientID)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(2 * time.Second)
	opts.SetMaxReconnectInterval(30 * time.Second)

	opts.OnConnect = func(c mqtt.Client) {
		n.setConnected(true)
		n.logger.Info("mqtt connection established", "broker", n.cfg.Broker, "client_id", n.cfg.ClientID)
	}
	opts.OnConnectionLost = func(c mqtt.Client, err error) {
		n.setConnected(false)
		n.logger.Warn("mqtt connection lost, will auto-reconnect", "error", err, "broker", n.cfg.Broker)
	}

	n.client = mqtt.NewClient(opts)
	n.logger.Info("connecting to mqtt broker", "broker", n.cfg.Broker)

	token := n.client.Connect()
	select {
	case <-token.Done():
	case <-time.After(5 * time.Second):
		return fmt.Errorf("mqtt connection timeout")
	case <-ctx.Done():
		return ctx.Err()
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt connection failed: %w", err)
	}

	n.setConnected(true)
	return nil
}

func (n *MQTTNotifier) Topic(requestID string) string {
	return n.cfg.TopicPrefix + "/" + requestID
}

// Notify publishes envelope metadata. The image is never sent.
func (n *MQTTNotifier) Notify(ctx context.Context, envelope model.Envelope) error {
	if !n.isConnected() {
		n.countError()
		return ErrNotConnected
	}

	payload, err := Payload(envelope)
	if err != nil {
		n.countError()
		return err
	}

	topic := n.Topic(envelope.RequestID)
	token := n.client.Publish(topic, n.cfg.QoS, false, payload)
	select {
	case <-token.Done():
	case <-time.After(2 * time.Second):
		n.countError()
		return fmt.Errorf("publish timeout")
	case <-ctx.Done():
		return ctx.Err()
	}
	if err := token.Error(); err != nil {
		n.countError()
		return fmt.Errorf("publish failed: %w", err)
	}

	n.mu.Lock()
	n.published++
	n.mu.Unlock()

	n.logger.Debug("result published", "topic", topic, "outcome", envelope.Outcome, "size", len(payload))
	return nil
}

// Payload is the JSON published for envelope.
func Payload(envelope model.Envelope) ([]byte, error) {
	envelope.Image = nil
	payload, err := json.Marshal(envelope)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal envelope: %w", err)
	}
	return payload, nil
}

// Disconnect closes the MQTT connection
func (n *MQTTNotifier) Disconnect() {
	if n.client != nil && n.client.IsConnected() {
		n.client.Disconnect(250)
		n.logger.Info("mqtt disconnected")
	}
	n.setConnected(false)
}

type Stats struct {
	Connected bool
	Published uint64
	Errors    uint64
}

func (n *MQTTNotifier) Stats() Stats {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return Stats{Connected: n.connected, Published: n.published, Errors: n.errors}
}

func (n *MQTTNotifier) setConnected(v bool) {
	n.mu.Lock()
	n.connected = v
	n.mu.Unlock()
}

func (n *MQTTNotifier) isConnected() bool {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.connected
}

func (n *MQTTNotifier) countError() {
	n.mu.Lock()
	n.errors++
	n.mu.Unlock()
}
