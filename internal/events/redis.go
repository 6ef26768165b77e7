package events

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"medbook/config"
	"medbook/internal/domain"
)

// RedisBus publishes payment events over Redis pub/sub so every API replica sees them.
type RedisBus struct {
	client *redis.Client
	logger *zap.Logger
}

func NewRedisBus(ctx context.Context, cfg config.RedisConfig, logger *zap.Logger) (*RedisBus, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &RedisBus{client: client, logger: logger}, nil
}

func (b *RedisBus) Publish(ctx context.Context, event domain.PaymentEvent) error {
	payload, err := encode(event)
	if err != nil {
		return err
	}
	if err := b.client.Publish(ctx, PaymentsTopic, payload).Err(); err != nil {
		return fmt.Errorf("failed to publish payment event: %w", err)
	}
	return nil
}

func (b *RedisBus) Subscribe(ctx context.Context) (<-chan domain.PaymentEvent, error) {
	pubsub := b.client.Subscribe(ctx, PaymentsTopic)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("failed to subscribe to %s: %w", PaymentsTopic, err)
	}

	out := make(chan domain.PaymentEvent, 64)
	go func() {
		defer func() {
			_ = pubsub.Close()
			close(out)
		}()

		messages := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-messages:
				if !ok {
					return
				}
				event, err := decode([]byte(msg.Payload))
				if err != nil {
					b.logger.Warn("skipping malformed payment event", zap.Error(err))
					continue
				}
				select {
				case out <- event:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return out, nil
}

func (b *RedisBus) Close() error {
	return b.client.Close()
}
