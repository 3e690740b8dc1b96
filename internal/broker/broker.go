// Package broker wraps RabbitMQ (rabbitmq/amqp091-go) with the pipeline's
// topic exchange / durable queue layout, plus the x-redelivery-count header
// mechanism that carries a per-message delivery counter on top of
// amqp091-go's boolean Redelivered flag.
package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"

	"github.com/justinndidit/notifications-core/internal/config"
)

// RedeliveryHeader carries the application-tracked retry count. amqp091-go
// exposes only a boolean Redelivered flag, not a count, so every publish on
// this exchange carries this header and retries increment it explicitly.
const RedeliveryHeader = "x-redelivery-count"

// Broker owns one connection and one channel; each stage process holds
// exactly one Broker for both its consuming and its publishing.
type Broker struct {
	conn    *amqp.Connection
	channel *amqp.Channel
	cfg     config.RabbitMQConfig
	logger  *zerolog.Logger
}

func Connect(cfg config.RabbitMQConfig, log *zerolog.Logger) (*Broker, error) {
	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to rabbitmq: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}

	if cfg.Prefetch > 0 {
		if err := ch.Qos(cfg.Prefetch, 0, false); err != nil {
			ch.Close()
			conn.Close()
			return nil, fmt.Errorf("failed to set qos: %w", err)
		}
	}

	if err := ch.ExchangeDeclare(cfg.ExchangeName, cfg.ExchangeType, true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("failed to declare exchange: %w", err)
	}

	log.Info().Str("exchange", cfg.ExchangeName).Msg("connected to rabbitmq")

	return &Broker{conn: conn, channel: ch, cfg: cfg, logger: log}, nil
}

// DeclareQueue declares a durable queue and binds it to routingKey on the
// shared exchange.
func (b *Broker) DeclareQueue(queue, routingKey string) error {
	if _, err := b.channel.QueueDeclare(queue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("failed to declare queue %s: %w", queue, err)
	}
	if err := b.channel.QueueBind(queue, routingKey, b.cfg.ExchangeName, false, nil); err != nil {
		return fmt.Errorf("failed to bind queue %s to %s: %w", queue, routingKey, err)
	}
	return nil
}

// Publish marshals v and publishes it with the redelivery count header set
// to 0 (a fresh message, never yet retried).
func (b *Broker) Publish(ctx context.Context, routingKey string, v any) error {
	return b.publish(ctx, routingKey, v, 0)
}

func (b *Broker) publish(ctx context.Context, routingKey string, v any, redeliveryCount int) error {
	body, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal message for %s: %w", routingKey, err)
	}

	return b.channel.PublishWithContext(ctx, b.cfg.ExchangeName, routingKey, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now().UTC(),
		Headers:      amqp.Table{RedeliveryHeader: int32(redeliveryCount)},
		Body:         body,
	})
}

// Message wraps a delivered AMQP message with the decoded redelivery count
// and the ack/nak/retry operations a stage needs.
type Message struct {
	Body            []byte
	RedeliveryCount int
	delivery        amqp.Delivery
	broker          *Broker
}

func redeliveryCountOf(d amqp.Delivery) int {
	v, ok := d.Headers[RedeliveryHeader]
	if !ok {
		return 0
	}
	switch n := v.(type) {
	case int32:
		return int(n)
	case int64:
		return int(n)
	case int:
		return n
	default:
		return 0
	}
}

// Ack acknowledges successful, terminal processing of the message.
func (m *Message) Ack() error {
	return m.delivery.Ack(false)
}

// Retry republishes the message to its own routing key with the redelivery
// count incremented, then acks the original delivery. The net effect is a
// requeue-with-counter, which RabbitMQ offers no native form of. Returns
// the new redelivery count; bounding retries is the caller's job.
func (m *Message) Retry(ctx context.Context, routingKey string) (int, error) {
	next := m.RedeliveryCount + 1
	if err := m.broker.publish(ctx, routingKey, json.RawMessage(m.Body), next); err != nil {
		return m.RedeliveryCount, fmt.Errorf("failed to republish for retry: %w", err)
	}
	if err := m.delivery.Ack(false); err != nil {
		return next, fmt.Errorf("failed to ack original delivery after retry republish: %w", err)
	}
	return next, nil
}

// Drop acks the delivery without retry or DLQ routing, used for messages
// that fail validation and can never succeed.
func (m *Message) Drop() error {
	return m.delivery.Ack(false)
}

// Fetch pulls up to batchSize messages from queue, spending at most wait on
// the whole batch; it returns fewer than batchSize (possibly zero) if wait
// elapses first. A bounded pull rather than a streaming Consume
// keeps each stage in control of its own batch and ack cadence.
func (b *Broker) Fetch(ctx context.Context, queue string, batchSize int, wait time.Duration) ([]*Message, error) {
	msgs := make([]*Message, 0, batchSize)

	deadline := time.Now().Add(wait)
	for len(msgs) < batchSize {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			break
		}

		d, ok, err := b.channel.Get(queue, false)
		if err != nil {
			return msgs, fmt.Errorf("failed to get from queue %s: %w", queue, err)
		}
		if !ok {
			select {
			case <-ctx.Done():
				return msgs, ctx.Err()
			case <-time.After(50 * time.Millisecond):
				continue
			}
		}

		msgs = append(msgs, &Message{
			Body:            d.Body,
			RedeliveryCount: redeliveryCountOf(d),
			delivery:        d,
			broker:          b,
		})
	}

	return msgs, nil
}

func (b *Broker) Close() error {
	b.logger.Info().Msg("closing rabbitmq connection")
	if b.channel != nil {
		b.channel.Close()
	}
	if b.conn != nil {
		return b.conn.Close()
	}
	return nil
}
