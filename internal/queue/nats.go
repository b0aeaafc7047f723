package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"

	"github.com/nathanyu/limit-market/internal/domain"
	"github.com/nathanyu/limit-market/internal/telemetry"
)

// Connect opens a NATS connection that keeps reconnecting in the background.
func Connect(url, name string, logger *slog.Logger) (*nats.Conn, error) {
	if logger == nil {
		logger = slog.Default()
	}
	opts := []nats.Option{
		nats.Name(name),
		nats.ReconnectWait(time.Second),
		nats.MaxReconnects(10),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", slog.Any("error", err))
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("nats reconnected", slog.String("url", nc.ConnectedUrl()))
		}),
	}

	conn, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	return conn, nil
}

// MsgPublisher is the part of *nats.Conn the sink needs.
type MsgPublisher interface {
	PublishMsg(m *nats.Msg) error
}

// EventSink broadcasts drained events on NATS as JSON envelopes, one message
// per event, on subject <prefix>.<ticker>.<kind>. The active trace context
// travels in the message headers.
type EventSink struct {
	conn   MsgPublisher
	prefix string
}

// NewEventSink creates a sink publishing under prefix, e.g. "market.events".
func NewEventSink(conn MsgPublisher, prefix string) *EventSink {
	return &EventSink{conn: conn, prefix: prefix}
}

// Subject returns the subject an event is published on.
func (s *EventSink) Subject(event domain.Event) string {
	return fmt.Sprintf("%s.%s.%s", s.prefix, domain.EventTicker(event), event.Kind())
}

// Publish implements eventbus.Sink. Every event is attempted; the errors of
// the ones that failed are joined.
func (s *EventSink) Publish(ctx context.Context, events []domain.Event) error {
	var errs []error
	for _, event := range events {
		data, err := domain.EncodeEvent(event)
		if err != nil {
			errs = append(errs, fmt.Errorf("encode %s: %w", event.Kind(), err))
			continue
		}

		msg := nats.NewMsg(s.Subject(event))
		msg.Data = data
		otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(msg.Header))

		if err := s.conn.PublishMsg(msg); err != nil {
			errs = append(errs, fmt.Errorf("publish %s: %w", msg.Subject, err))
			continue
		}
		telemetry.NATSMessagesPublished.WithLabelValues(string(event.Kind())).Inc()
	}
	return errors.Join(errs...)
}
