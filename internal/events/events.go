// Package events publishes notifier decisions and lifecycle events to a
// message broker, with abstraction for testing.
package events

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/sweeney/bus-notifier/internal/logic"
)

// TopicSystem is the MQTT topic for system lifecycle events.
const TopicSystem = "bus-notifier/system"

// DecisionTopic is the MQTT topic for one device's decisions.
func DecisionTopic(deviceID string) string {
	return "bus-notifier/" + deviceID + "/decision"
}

// Publisher publishes events to a broker.
type Publisher interface {
	// Publish sends a decision event.
	// Returns error if publishing fails (should not fail the tick).
	Publish(event DecisionEvent) error

	// PublishSystem sends a system lifecycle event.
	PublishSystem(event SystemEvent) error

	// Close disconnects from the broker.
	Close() error
}

// ConnectionStatus reports whether the broker connection is active.
type ConnectionStatus interface {
	IsConnected() bool
}

// DecisionEvent is the outcome of one device tick.
type DecisionEvent struct {
	Timestamp  time.Time
	DeviceID   string
	Kind       logic.Kind
	First      int
	Second     int
	Reason     logic.Reason
	Message    string
	Speech     string
	Button     logic.ButtonStatus
	Suppressed bool
}

// SystemEvent represents a system lifecycle event (startup, shutdown).
type SystemEvent struct {
	Timestamp time.Time
	Event     string // e.g., "STARTUP", "SHUTDOWN"
	Reason    string // e.g., "SIGTERM", "SIGINT" (shutdown only)
	Retained  bool   // Whether the message should be retained by the broker
	// RawPayload is a pre-formatted JSON payload (a status snapshot); when
	// set, FormatSystemPayload returns it directly.
	RawPayload []byte
}

// Payload represents the decision message payload structure.
type Payload struct {
	Decision DecisionPayload `json:"decision"`
}

// DecisionPayload contains the decision details. Countdowns use the
// device's display vocabulary.
type DecisionPayload struct {
	Timestamp  string `json:"timestamp"`
	Device     string `json:"device"`
	Kind       string `json:"kind"`
	First      string `json:"first,omitempty"`
	Second     string `json:"second,omitempty"`
	Reason     string `json:"reason,omitempty"`
	Message    string `json:"message,omitempty"`
	Speech     string `json:"speech,omitempty"`
	Button     string `json:"button,omitempty"`
	Suppressed bool   `json:"suppressed,omitempty"`
}

// FormatPayload creates the JSON payload for a decision event.
func FormatPayload(event DecisionEvent) ([]byte, error) {
	p := DecisionPayload{
		Timestamp:  event.Timestamp.UTC().Format(time.RFC3339),
		Device:     event.DeviceID,
		Kind:       string(event.Kind),
		Reason:     string(event.Reason),
		Message:    event.Message,
		Speech:     event.Speech,
		Button:     string(event.Button),
		Suppressed: event.Suppressed,
	}
	if event.Kind == logic.KindDisplay {
		p.First = logic.Encode(event.First)
		p.Second = logic.Encode(event.Second)
	}
	return json.Marshal(Payload{Decision: p})
}

// SystemPayload represents the message payload for system events.
type SystemPayload struct {
	System SystemPayloadInner `json:"system"`
}

// SystemPayloadInner contains the system event details.
type SystemPayloadInner struct {
	Timestamp string `json:"timestamp"`
	Event     string `json:"event"`
	Reason    string `json:"reason,omitempty"`
}

// FormatSystemPayload creates the JSON payload for a system event.
func FormatSystemPayload(event SystemEvent) ([]byte, error) {
	if event.RawPayload != nil {
		return event.RawPayload, nil
	}
	return json.Marshal(SystemPayload{
		System: SystemPayloadInner{
			Timestamp: event.Timestamp.UTC().Format(time.RFC3339),
			Event:     event.Event,
			Reason:    event.Reason,
		},
	})
}

// Open connects the publisher selected by the URL scheme: tcp, ssl, ws and
// mqtt URLs go to MQTT, nats URLs to NATS, and an empty URL disables events.
func Open(url string, logger *slog.Logger) (Publisher, error) {
	scheme, _, _ := strings.Cut(url, "://")
	switch {
	case url == "":
		return NopPublisher{}, nil
	case scheme == "nats":
		return NewNATSPublisher(url, logger)
	case scheme == "tcp", scheme == "ssl", scheme == "ws", scheme == "wss", scheme == "mqtt", scheme == "mqtts":
		return NewMQTTPublisher(url, "bus-notifier", logger)
	}
	return nil, fmt.Errorf("unsupported events URL %q", url)
}

// NopPublisher discards everything.
type NopPublisher struct{}

func (NopPublisher) Publish(DecisionEvent) error     { return nil }
func (NopPublisher) PublishSystem(SystemEvent) error { return nil }
func (NopPublisher) Close() error                    { return nil }
