package events

import (
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

type publisher interface {
	Publish(subject string, data []byte) error
}

// NATSBridge forwards bus events to NATS subjects of the form <prefix>.<event type>.
type NATSBridge struct {
	conn   publisher
	prefix string
	logger zerolog.Logger
}

// ConnectNATS dials the server and keeps reconnecting for the life of the process.
func ConnectNATS(url string, logger *zerolog.Logger) (*nats.Conn, error) {
	log := logger.With().Str("component", "nats").Logger()
	conn, err := nats.Connect(url,
		nats.Name("gymbook"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			log.Info().Str("url", c.ConnectedUrl()).Msg("NATS reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to nats: %w", err)
	}
	return conn, nil
}

func NewNATSBridge(conn publisher, prefix string, logger *zerolog.Logger) *NATSBridge {
	return &NATSBridge{
		conn:   conn,
		prefix: prefix,
		logger: logger.With().Str("component", "nats_bridge").Logger(),
	}
}

func (b *NATSBridge) Subject(eventType string) string {
	if b.prefix == "" {
		return eventType
	}
	return b.prefix + "." + eventType
}

// Attach subscribes the bridge to the given event types on the bus.
func (b *NATSBridge) Attach(bus *EventBus, eventTypes ...string) {
	for _, t := range eventTypes {
		bus.Subscribe(t, b.forward)
	}
}

func (b *NATSBridge) forward(event *Event) error {
	subject := b.Subject(event.Type)
	if err := b.conn.Publish(subject, event.Payload); err != nil {
		return fmt.Errorf("failed to publish %s: %w", subject, err)
	}
	b.logger.Debug().Str("subject", subject).Msg("event forwarded")
	return nil
}
