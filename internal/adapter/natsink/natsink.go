// Package natsink republishes domain events to NATS subjects for consumers
// outside the process.
package natsink

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"

	"netconverge/internal/domain"
	"netconverge/internal/infra/config"
)

const defaultPrefix = "netconverge"

// Envelope is the message body published for every event.
type Envelope struct {
	ID        string           `json:"id"`
	Type      domain.EventType `json:"type"`
	Timestamp time.Time        `json:"timestamp"`
	RequestID string           `json:"request_id,omitempty"`
	Payload   json.RawMessage  `json:"payload,omitempty"`
}

// publisher is the subset of *nats.Conn the sink uses.
type publisher interface {
	PublishMsg(msg *nats.Msg) error
	Drain() error
}

// Sink publishes bus events to "<prefix>.<event type>".
type Sink struct {
	conn   publisher
	prefix string
	logger *slog.Logger
	unsub  func()
}

// Connect dials NATS and returns a sink that is not yet attached to a bus.
func Connect(cfg config.NATSConfig, logger *slog.Logger) (*Sink, error) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	logger = logger.With("component", "natsink")
	nc, err := nats.Connect(cfg.URL,
		nats.Name("netconverge"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("nats reconnected", "url", nc.ConnectedUrl())
		}),
		nats.ErrorHandler(func(_ *nats.Conn, _ *nats.Subscription, err error) {
			logger.Warn("nats error", "error", err)
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to nats %s: %w", cfg.URL, err)
	}
	logger.Info("nats connected", "url", nc.ConnectedUrl())
	return newSink(nc, cfg.SubjectPrefix, logger), nil
}

func newSink(conn publisher, prefix string, logger *slog.Logger) *Sink {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	prefix = strings.Trim(prefix, ".")
	if prefix == "" {
		prefix = defaultPrefix
	}
	return &Sink{conn: conn, prefix: prefix, logger: logger}
}

// Subject returns the subject an event type is published on.
func (s *Sink) Subject(t domain.EventType) string { return s.prefix + "." + string(t) }

// Attach subscribes the sink to every event on bus.
func (s *Sink) Attach(bus domain.EventBus) {
	s.unsub = bus.SubscribeAll(func(ctx context.Context, ev domain.Event) {
		if err := s.Publish(ev); err != nil {
			s.logger.Warn("event publish failed", "event", ev.Type, "request_id", ev.RequestID, "error", err)
		}
	})
}

// Publish sends one event. The envelope id is also set as Nats-Msg-Id so a
// JetStream stream on the subject can deduplicate.
func (s *Sink) Publish(ev domain.Event) error {
	env := Envelope{
		ID:        uuid.NewString(),
		Type:      ev.Type,
		Timestamp: ev.Timestamp,
		RequestID: ev.RequestID,
		Payload:   ev.Payload,
	}
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	msg := nats.NewMsg(s.Subject(ev.Type))
	msg.Data = data
	msg.Header.Set(nats.MsgIdHdr, env.ID)
	if ev.RequestID != "" {
		msg.Header.Set("Netconverge-Request-Id", ev.RequestID)
	}
	return s.conn.PublishMsg(msg)
}

// Close detaches from the bus and drains the connection.
func (s *Sink) Close() error {
	if s.unsub != nil {
		s.unsub()
	}
	return s.conn.Drain()
}
