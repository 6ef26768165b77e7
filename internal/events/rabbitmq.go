package events

import (
	"context"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"medbook/config"
	"medbook/internal/domain"
)

// Routing key pattern matching every payment event type.
const paymentBinding = "payment.*"

// RabbitBus publishes payment events to a durable topic exchange, keyed by event type.
// Each subscriber gets its own exclusive queue.
type RabbitBus struct {
	conn     *amqp.Connection
	ch       *amqp.Channel
	exchange string
	logger   *zap.Logger
}

func NewRabbitBus(cfg config.RabbitMQConfig, logger *zap.Logger) (*RabbitBus, error) {
	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("dial rabbitmq: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}
	if err := ch.ExchangeDeclare(cfg.Exchange, "topic", true, false, false, false, nil); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("declare exchange: %w", err)
	}
	return &RabbitBus{conn: conn, ch: ch, exchange: cfg.Exchange, logger: logger}, nil
}

func (b *RabbitBus) Publish(ctx context.Context, event domain.PaymentEvent) error {
	msg, err := publishing(event)
	if err != nil {
		return err
	}
	if err := b.ch.PublishWithContext(ctx, b.exchange, string(event.Type), false, false, msg); err != nil {
		return fmt.Errorf("publish %s: %w", event.Type, err)
	}
	return nil
}

func publishing(event domain.PaymentEvent) (amqp.Publishing, error) {
	payload, err := encode(event)
	if err != nil {
		return amqp.Publishing{}, err
	}
	return amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    event.AttemptID.String(),
		Timestamp:    event.OccurredAt,
		Body:         payload,
	}, nil
}

func (b *RabbitBus) Subscribe(ctx context.Context) (<-chan domain.PaymentEvent, error) {
	ch, err := b.conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("open channel: %w", err)
	}
	q, err := ch.QueueDeclare("", false, true, true, false, nil)
	if err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("declare queue: %w", err)
	}
	if err := ch.QueueBind(q.Name, paymentBinding, b.exchange, false, nil); err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("bind %s: %w", paymentBinding, err)
	}
	deliveries, err := ch.ConsumeWithContext(ctx, q.Name, "", true, true, false, false, nil)
	if err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("consume %s: %w", q.Name, err)
	}

	out := make(chan domain.PaymentEvent, 64)
	go func() {
		defer func() {
			_ = ch.Close()
			close(out)
		}()

		for d := range deliveries {
			event, err := decode(d.Body)
			if err != nil {
				b.logger.Warn("skipping malformed payment event", zap.String("routing_key", d.RoutingKey), zap.Error(err))
				continue
			}
			select {
			case out <- event:
			case <-ctx.Done():
				return
			}
		}
	}()

	return out, nil
}

func (b *RabbitBus) Close() error {
	if b.ch != nil {
		_ = b.ch.Close()
	}
	if b.conn != nil {
		return b.conn.Close()
	}
	return nil
}
