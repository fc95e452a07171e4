package eventsink

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	amqp "github.com/rabbitmq/amqp091-go"

	"ratelimit-engine/internal/resilience/circuitbreaker"
	"ratelimit-engine/pkg/ratelimit"
)

// DefaultExchange is the topic exchange events are published to.
const DefaultExchange = "ratelimit.events"

// Publisher is the subset of *amqp.Channel used by AMQPSink.
type Publisher interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
}

// AMQPSink publishes events as persistent JSON messages to a topic exchange.
//
// Routing keys have the form "ratelimit.<type>.<module>", so consumers can
// bind to "ratelimit.block.#" or "ratelimit.*.chat".
type AMQPSink struct {
	pub      Publisher
	exchange string
	breaker  *circuitbreaker.CircuitBreaker

	conn *amqp.Connection
	ch   *amqp.Channel
}

// NewAMQPSink wraps an existing publisher. A nil breaker uses
// circuitbreaker.EventSinkConfig.
func NewAMQPSink(pub Publisher, exchange string, breaker *circuitbreaker.CircuitBreaker) *AMQPSink {
	if exchange == "" {
		exchange = DefaultExchange
	}
	if breaker == nil {
		breaker = circuitbreaker.New(circuitbreaker.EventSinkConfig())
	}
	return &AMQPSink{pub: pub, exchange: exchange, breaker: breaker}
}

// DialAMQPSink connects to the broker at url and declares the exchange.
//
// TODO: reopen the channel when the broker closes it (NotifyClose) instead
// of relying on the breaker to shed load until restart.
func DialAMQPSink(url, exchange string) (*AMQPSink, error) {
	if exchange == "" {
		exchange = DefaultExchange
	}

	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("connect to RabbitMQ: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}

	err = ch.ExchangeDeclare(
		exchange,
		"topic",
		true,  // durable
		false, // auto-deleted
		false, // internal
		false, // no-wait
		nil,
	)
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("declare exchange %q: %w", exchange, err)
	}

	sink := NewAMQPSink(ch, exchange, nil)
	sink.conn = conn
	sink.ch = ch
	return sink, nil
}

// RoutingKey returns the routing key an event is published with.
func RoutingKey(ev *ratelimit.Event) string {
	return "ratelimit." + string(ev.Type) + "." + ev.Module
}

func (s *AMQPSink) RecordEvent(ctx context.Context, ev *ratelimit.Event) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	msg := amqp.Publishing{
		ContentType:  "application/json",
		Body:         body,
		DeliveryMode: amqp.Persistent,
		MessageId:    ev.ID,
		Timestamp:    ev.OccurredAt,
		Type:         string(ev.Type),
	}

	err = s.breaker.Execute(func() error {
		return s.pub.PublishWithContext(ctx, s.exchange, RoutingKey(ev), false, false, msg)
	})
	if err != nil {
		return fmt.Errorf("publish event %s: %w", ev.ID, err)
	}
	return nil
}

// Close closes the channel and connection opened by DialAMQPSink.
func (s *AMQPSink) Close() error {
	if s.ch != nil {
		if err := s.ch.Close(); err != nil {
			slog.Warn("close amqp channel", slog.Any("error", err))
		}
	}
	if s.conn != nil {
		return s.conn.Close()
	}
	return nil
}
