package bus

import (
	"context"
	"sync"

	"github.com/lexiqai/voice-assistant/internal/observability"
)

// MemoryBus delivers messages synchronously inside one process. Publish
// returns after every subscribed handler has run.
type MemoryBus struct {
	mu       sync.RWMutex
	handlers map[string][]Handler
	closed   bool
}

// NewMemoryBus creates an empty in-process bus
func NewMemoryBus() *MemoryBus {
	return &MemoryBus{handlers: make(map[string][]Handler)}
}

func (b *MemoryBus) Publish(ctx context.Context, topic string, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return publishError(topic, err)
	}

	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return publishError(topic, ErrClosed)
	}
	handlers := append([]Handler(nil), b.handlers[topic]...)
	b.mu.RUnlock()

	observability.BusMessage(topic, "out")
	for _, h := range handlers {
		observability.BusMessage(topic, "in")
		h(topic, append([]byte(nil), payload...))
	}
	return nil
}

func (b *MemoryBus) Subscribe(ctx context.Context, topic string, h Handler) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}
	b.handlers[topic] = append(b.handlers[topic], h)
	return nil
}

func (b *MemoryBus) Connected() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return !b.closed
}

func (b *MemoryBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.handlers = make(map[string][]Handler)
	return nil
}
