// Package bus is the in-process event bus that decouples the approval
// engine from the lifecycle manager. Delivery is best-effort and
// synchronous; a handler error or panic is logged and never reaches the
// emitter.
package bus

import (
	"context"
	"log/slog"
	"sync"
)

// Handler consumes one published message.
type Handler func(ctx context.Context, payload any)

// Bus routes messages by topic to subscribed handlers.
type Bus struct {
	logger *slog.Logger

	mu       sync.RWMutex
	handlers map[string][]Handler
}

// New creates a bus.
func New(logger *slog.Logger) *Bus {
	return &Bus{
		logger:   logger.With("component", "bus"),
		handlers: make(map[string][]Handler),
	}
}

// Subscribe registers a handler for a topic.
func (b *Bus) Subscribe(topic string, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[topic] = append(b.handlers[topic], h)
}

// Publish delivers payload to every handler of the topic. Handler panics
// are recovered and logged; Publish never fails.
func (b *Bus) Publish(ctx context.Context, topic string, payload any) {
	b.mu.RLock()
	hs := b.handlers[topic]
	b.mu.RUnlock()

	for _, h := range hs {
		b.deliver(ctx, topic, h, payload)
	}
}

func (b *Bus) deliver(ctx context.Context, topic string, h Handler, payload any) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("bus handler panicked", "topic", topic, "panic", r)
		}
	}()
	h(ctx, payload)
}
