package events

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/nats-io/nats.go"
)

// SubjectSystem is the NATS subject for system lifecycle events.
const SubjectSystem = "bus-notifier.system"

// DecisionSubject is the NATS subject for one device's decisions.
func DecisionSubject(deviceID string) string {
	return "bus-notifier." + subjectToken(deviceID) + ".decision"
}

// NATSPublisher publishes to a NATS server.
type NATSPublisher struct {
	nc *nats.Conn
}

// NewNATSPublisher connects to url.
func NewNATSPublisher(url string, logger *slog.Logger) (*NATSPublisher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	nc, err := nats.Connect(url,
		nats.Name("bus-notifier"),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn("nats disconnected", slog.Any("error", err))
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			logger.Info("nats reconnected")
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			logger.Info("nats closed")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}
	return &NATSPublisher{nc: nc}, nil
}

// Publish sends a decision event.
func (p *NATSPublisher) Publish(event DecisionEvent) error {
	payload, err := FormatPayload(event)
	if err != nil {
		return fmt.Errorf("format payload: %w", err)
	}
	return p.nc.Publish(DecisionSubject(event.DeviceID), payload)
}

// PublishSystem sends a system lifecycle event and flushes it to the server.
func (p *NATSPublisher) PublishSystem(event SystemEvent) error {
	payload, err := FormatSystemPayload(event)
	if err != nil {
		return fmt.Errorf("format system payload: %w", err)
	}
	if err := p.nc.Publish(SubjectSystem, payload); err != nil {
		return err
	}
	return p.nc.Flush()
}

// IsConnected implements ConnectionStatus.
func (p *NATSPublisher) IsConnected() bool {
	return p.nc.IsConnected()
}

// Close drains pending messages and closes the connection.
func (p *NATSPublisher) Close() error {
	if err := p.nc.Drain(); err != nil {
		p.nc.Close()
		return err
	}
	return nil
}

func subjectToken(s string) string {
	s = strings.TrimSpace(s)
	// NATS tokens cannot contain spaces, '>', '*' or '.'
	repl := strings.NewReplacer(" ", "_", ".", "_", ">", "_", "*", "_", "/", "_", "\t", "_")
	s = repl.Replace(s)
	if s == "" {
		s = "_"
	}
	return s
}
