package bus

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/lexiqai/voice-assistant/internal/config"
	"github.com/lexiqai/voice-assistant/internal/observability"
	"github.com/lexiqai/voice-assistant/internal/resilience"
)

// Topics shared by the agent and the client
const (
	// TopicStream carries raw PCM chunks followed by EndOfStream
	TopicStream = "voice/stream"
	// TopicAudio carries one complete WAV utterance
	TopicAudio = "voice/audio"
	// TopicResponse carries one complete WAV reply
	TopicResponse = "voice/response"
	// TopicResponseStream carries JSON reply segments
	TopicResponseStream = "voice/response/stream"

	// EndOfStream is the literal payload that ends a capture on TopicStream
	EndOfStream = "END_OF_STREAM"
)

var (
	// ErrPublish wraps any failure to hand a message to the broker
	ErrPublish = errors.New("bus publish failed")
	// ErrClosed is returned by operations on a closed bus
	ErrClosed = errors.New("bus closed")
)

// Handler receives one message. Handlers run on the bus's delivery goroutine
// and must not block for long.
type Handler func(topic string, payload []byte)

// Bus is a topic-based publish/subscribe transport
type Bus interface {
	Publish(ctx context.Context, topic string, payload []byte) error
	Subscribe(ctx context.Context, topic string, h Handler) error
	Connected() bool
	Close() error
}

// IsEndOfStream reports whether payload is the end-of-stream sentinel
func IsEndOfStream(payload []byte) bool {
	return bytes.Equal(payload, []byte(EndOfStream))
}

type connector interface {
	Bus
	Connect(ctx context.Context) error
}

// New builds the bus selected by cfg.BusBackend and connects it, retrying the
// initial connection with backoff.
func New(ctx context.Context, cfg *config.Config, clientID string) (Bus, error) {
	var b connector
	switch cfg.BusBackend {
	case "mqtt":
		b = NewMQTTBus(cfg, clientID)
	case "redis":
		b = NewRedisBus(cfg)
	case "memory":
		return NewMemoryBus(), nil
	default:
		return nil, fmt.Errorf("unknown bus backend %q", cfg.BusBackend)
	}

	err := resilience.Dial(ctx, cfg.BusBackend, b.Connect,
		resilience.DialConfigFrom(cfg.ReconnectMaxAttempts, time.Duration(cfg.ReconnectBackoff)*time.Millisecond),
		observability.WithComponent("bus"))
	if err != nil {
		_ = b.Close()
		return nil, err
	}
	return b, nil
}

func publishError(topic string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrPublish, topic, err)
}
