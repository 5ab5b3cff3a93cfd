package events

import (
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/yk-abe/people-counter/internal/config"
	"github.com/yk-abe/people-counter/internal/logger"
	"github.com/yk-abe/people-counter/pkg/vision"
)

// AMQPSink publishes crossing events and status snapshots to a RabbitMQ
// exchange.
type AMQPSink struct {
	conn          *amqp.Connection
	ch            *amqp.Channel
	deviceID      string
	exchange      string
	routingKey    string
	statusRouting string
}

// NewAMQPSink dials the broker, declares the exchange and returns a
// ready sink.
func NewAMQPSink(cfg config.AMQPConfig, deviceID string) (*AMQPSink, error) {
	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("amqp dial: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("amqp channel: %w", err)
	}

	kind := cfg.ExchangeType
	if kind == "" {
		kind = "topic"
	}
	if err := ch.ExchangeDeclare(cfg.Exchange, kind, true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("amqp exchange declare: %w", err)
	}

	logger.Info("AMQP", "Connected, exchange %s (%s)", cfg.Exchange, kind)

	return &AMQPSink{
		conn:          conn,
		ch:            ch,
		deviceID:      deviceID,
		exchange:      cfg.Exchange,
		routingKey:    fmt.Sprintf("people.%s.events", deviceID),
		statusRouting: fmt.Sprintf("people.%s.status", deviceID),
	}, nil
}

// Name identifies the sink in logs.
func (s *AMQPSink) Name() string { return "amqp" }

// Publish sends one crossing event as JSON.
func (s *AMQPSink) Publish(ev vision.CrossingEvent) error {
	payload, err := Envelope(s.deviceID, ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	err = s.ch.Publish(
		s.exchange,
		s.routingKey,
		false,
		false,
		amqp.Publishing{
			ContentType: "application/json",
			Body:        payload,
			Timestamp:   time.Now(),
		},
	)
	if err != nil {
		return fmt.Errorf("publish to %s: %w", s.routingKey, err)
	}
	return nil
}

// PublishStatus sends a status snapshot under the status routing key.
func (s *AMQPSink) PublishStatus(payload []byte) error {
	err := s.ch.Publish(
		s.exchange,
		s.statusRouting,
		false,
		false,
		amqp.Publishing{
			ContentType: "application/json",
			Body:        payload,
			Timestamp:   time.Now(),
		},
	)
	if err != nil {
		return fmt.Errorf("publish to %s: %w", s.statusRouting, err)
	}
	return nil
}

// Close releases the channel and connection.
func (s *AMQPSink) Close() error {
	if s.ch != nil {
		s.ch.Close()
	}
	if s.conn != nil {
		return s.conn.Close()
	}
	return nil
}
