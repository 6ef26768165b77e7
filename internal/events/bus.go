package events

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"medbook/internal/domain"
)

// PaymentsTopic is the channel payment outcomes are published on.
const PaymentsTopic = "medbook.payments"

type Publisher interface {
	Publish(ctx context.Context, event domain.PaymentEvent) error
}

// Subscriber delivers events until ctx is cancelled, then closes the channel.
type Subscriber interface {
	Subscribe(ctx context.Context) (<-chan domain.PaymentEvent, error)
}

type Bus interface {
	Publisher
	Subscriber
	Close() error
}

func encode(event domain.PaymentEvent) ([]byte, error) {
	payload, err := json.Marshal(event)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal payment event: %w", err)
	}
	return payload, nil
}

func decode(payload []byte) (domain.PaymentEvent, error) {
	var event domain.PaymentEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		return event, fmt.Errorf("failed to unmarshal payment event: %w", err)
	}
	return event, nil
}

// MemoryBus fans events out to in-process subscribers. Slow subscribers drop events.
type MemoryBus struct {
	mu     sync.RWMutex
	subs   map[chan domain.PaymentEvent]struct{}
	logger *zap.Logger
}

func NewMemoryBus(logger *zap.Logger) *MemoryBus {
	return &MemoryBus{
		subs:   make(map[chan domain.PaymentEvent]struct{}),
		logger: logger,
	}
}

func (b *MemoryBus) Publish(_ context.Context, event domain.PaymentEvent) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for ch := range b.subs {
		select {
		case ch <- event:
		default:
			b.logger.Warn("dropping payment event for slow subscriber",
				zap.String("type", string(event.Type)),
				zap.String("attempt_id", event.AttemptID.String()))
		}
	}
	return nil
}

func (b *MemoryBus) Subscribe(ctx context.Context) (<-chan domain.PaymentEvent, error) {
	ch := make(chan domain.PaymentEvent, 64)

	b.mu.Lock()
	b.subs[ch] = struct{}{}
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.mu.Lock()
		if _, ok := b.subs[ch]; ok {
			delete(b.subs, ch)
			close(ch)
		}
		b.mu.Unlock()
	}()

	return ch, nil
}

func (b *MemoryBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	for ch := range b.subs {
		delete(b.subs, ch)
		close(ch)
	}
	return nil
}
