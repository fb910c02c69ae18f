package events

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
)

// bufferCapacity bounds the messages kept while the broker is unreachable.
const bufferCapacity = 256

// mqttClient is the part of paho.Client the publisher uses.
type mqttClient interface {
	IsConnectionOpen() bool
	Publish(topic string, qos byte, retained bool, payload interface{}) paho.Token
	Disconnect(quiesce uint)
}

// MQTTPublisher publishes to an MQTT broker, buffering while disconnected.
type MQTTPublisher struct {
	client mqttClient
	logger *slog.Logger

	mu     sync.Mutex
	buffer *backlog
}

// NewMQTTPublisher creates a publisher for broker. The broker holds a
// retained SHUTDOWN will so subscribers learn about lost connections.
func NewMQTTPublisher(broker, clientID string, logger *slog.Logger) (*MQTTPublisher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	p := &MQTTPublisher{
		logger: logger,
		buffer: newBacklog(bufferCapacity, logger),
	}

	will, err := FormatSystemPayload(SystemEvent{Timestamp: time.Now(), Event: "SHUTDOWN", Reason: "MQTT_DISCONNECT"})
	if err != nil {
		return nil, fmt.Errorf("format will: %w", err)
	}

	opts := paho.NewClientOptions().
		AddBroker(broker).
		SetClientID(clientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second).
		SetBinaryWill(TopicSystem, will, 1, true).
		SetOnConnectHandler(func(paho.Client) {
			logger.Info("mqtt connected", slog.String("broker", broker))
			p.flush()
		}).
		SetConnectionLostHandler(func(_ paho.Client, err error) {
			logger.Warn("mqtt connection lost", slog.String("error", err.Error()))
		})

	client := paho.NewClient(opts)
	p.client = client

	token := client.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		// Connect keeps retrying in the background; messages buffer meanwhile.
		logger.Warn("mqtt broker not reachable yet, buffering", slog.String("broker", broker))
		return p, nil
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("connect to broker: %w", err)
	}
	return p, nil
}

// Publish sends a decision event at QoS 0.
func (p *MQTTPublisher) Publish(event DecisionEvent) error {
	payload, err := FormatPayload(event)
	if err != nil {
		return fmt.Errorf("format payload: %w", err)
	}
	return p.publish(bufferedMsg{topic: DecisionTopic(event.DeviceID), payload: payload})
}

// PublishSystem sends a system lifecycle event at QoS 1.
func (p *MQTTPublisher) PublishSystem(event SystemEvent) error {
	payload, err := FormatSystemPayload(event)
	if err != nil {
		return fmt.Errorf("format system payload: %w", err)
	}
	return p.publish(bufferedMsg{topic: TopicSystem, payload: payload, qos: 1, retained: event.Retained})
}

func (p *MQTTPublisher) publish(msg bufferedMsg) error {
	p.mu.Lock()
	if !p.client.IsConnectionOpen() {
		p.buffer.push(msg)
		p.mu.Unlock()
		return nil
	}
	p.mu.Unlock()
	return p.send(msg)
}

func (p *MQTTPublisher) send(msg bufferedMsg) error {
	token := p.client.Publish(msg.topic, msg.qos, msg.retained, msg.payload)
	if !token.WaitTimeout(5 * time.Second) {
		return fmt.Errorf("publish %s: timeout", msg.topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("publish %s: %w", msg.topic, err)
	}
	return nil
}

// flush replays buffered messages in order after a (re)connect.
func (p *MQTTPublisher) flush() {
	p.mu.Lock()
	pending := p.buffer.drain()
	p.mu.Unlock()

	for _, msg := range pending {
		if err := p.send(msg); err != nil {
			p.logger.Warn("replay failed", slog.String("topic", msg.topic), slog.String("error", err.Error()))
		}
	}
	if len(pending) > 0 {
		p.logger.Info("replayed buffered events", slog.Int("count", len(pending)))
	}
}

// Buffered returns the number of messages awaiting a connection.
func (p *MQTTPublisher) Buffered() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.buffer.len()
}

// IsConnected implements ConnectionStatus.
func (p *MQTTPublisher) IsConnected() bool {
	return p.client.IsConnectionOpen()
}

// Close disconnects from the broker.
func (p *MQTTPublisher) Close() error {
	p.client.Disconnect(1000) // 1 second timeout
	return nil
}
