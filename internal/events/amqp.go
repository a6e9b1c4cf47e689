// ABOUTME: AMQP mirror sink publishing conversation events to a topic exchange
// ABOUTME: Routing key is conversation.<id>.<type>; publishes are fire-and-forget

package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/rabbitmq/amqp091-go"
)

// publishTimeout bounds a single AMQP publish so a stalled broker cannot
// back up the event fan-out.
const publishTimeout = 5 * time.Second

// AMQPSink mirrors every event onto a RabbitMQ topic exchange so other
// services (and other gateway instances) can follow conversations without
// touching the store. Publish never blocks the caller beyond the bounded
// publish timeout and never propagates broker errors; the in-memory
// broadcaster stays authoritative for local viewers.
type AMQPSink struct {
	conn     *amqp091.Connection
	exchange string
	logger   *slog.Logger
}

// NewAMQPSink dials the broker and declares the topic exchange.
func NewAMQPSink(url, exchange string, logger *slog.Logger) (*AMQPSink, error) {
	if logger == nil {
		logger = slog.Default()
	}
	conn, err := amqp091.Dial(url)
	if err != nil {
		return nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, err
	}
	defer ch.Close()
	if err := ch.ExchangeDeclare(
		exchange, "topic", true, false, false, false, nil,
	); err != nil {
		conn.Close()
		return nil, err
	}

	return &AMQPSink{
		conn:     conn,
		exchange: exchange,
		logger:   logger.With("component", "amqp-sink"),
	}, nil
}

// Publish implements Sink. Failures are logged, never returned: a broker
// outage must not break message ingestion or dispatch.
func (s *AMQPSink) Publish(conversationID string, event *Event) {
	routingKey := "conversation." + conversationID + "." + event.Type

	body, err := json.Marshal(event)
	if err != nil {
		s.logger.Error("marshal event", "event_id", event.ID, "error", err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()

	ch, err := s.conn.Channel()
	if err != nil {
		s.logger.Error("open channel", "error", err)
		return
	}
	defer ch.Close()

	err = ch.PublishWithContext(
		ctx, s.exchange, routingKey, false, false,
		amqp091.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp091.Persistent,
			MessageId:    event.ID,
			Timestamp:    event.OccurredAt,
			Body:         body,
		},
	)
	if err != nil {
		s.logger.Error("publish event",
			"routing_key", routingKey,
			"event_id", event.ID,
			"error", err)
		return
	}

	s.logger.Debug("event mirrored", "routing_key", routingKey, "event_id", event.ID)
}

// Close shuts down the broker connection.
func (s *AMQPSink) Close() error {
	return s.conn.Close()
}

var _ Sink = (*AMQPSink)(nil)
